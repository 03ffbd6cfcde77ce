package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort           = 8000
	defaultWorkers        = 4
	defaultJobTimeoutS    = 600
	defaultGracefulS      = 30
	defaultKeepAliveS     = 5
	defaultUploadDir      = "uploads"
	defaultDBPath         = "punchcard.db"
	defaultMaxUploadMB    = 10
	defaultRetentionHours = 72

	envPort        = "PORT"
	envWorkers     = "PUNCHCARD_WORKERS"
	envJobTimeout  = "PUNCHCARD_JOB_TIMEOUT_S"
	envGraceful    = "PUNCHCARD_GRACEFUL_TIMEOUT_S"
	envKeepAlive   = "PUNCHCARD_KEEPALIVE_S"
	envUploadDir   = "PUNCHCARD_UPLOAD_DIR"
	envDBPath      = "PUNCHCARD_DB_PATH"
	envMaxUploadMB = "PUNCHCARD_MAX_UPLOAD_MB"
	envRetention   = "PUNCHCARD_RETENTION_H"
	envLogLevel    = "PUNCHCARD_LOG_LEVEL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	Port            int
	Workers         int
	JobTimeout      time.Duration
	GracefulTimeout time.Duration
	KeepAlive       time.Duration
	UploadDir       string
	DBPath          string
	MaxUploadBytes  int64
	Retention       time.Duration
	LogLevel        slog.Level
}

// ListenAddr returns the bind address for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		Port:            intEnv(envPort, defaultPort),
		Workers:         intEnv(envWorkers, defaultWorkers),
		JobTimeout:      secondsEnv(envJobTimeout, defaultJobTimeoutS),
		GracefulTimeout: secondsEnv(envGraceful, defaultGracefulS),
		KeepAlive:       secondsEnv(envKeepAlive, defaultKeepAliveS),
		UploadDir:       defaultUploadDir,
		DBPath:          defaultDBPath,
		MaxUploadBytes:  int64(intEnv(envMaxUploadMB, defaultMaxUploadMB)) << 20,
		Retention:       time.Duration(intEnv(envRetention, defaultRetentionHours)) * time.Hour,
		LogLevel:        slog.LevelInfo,
	}

	if v := os.Getenv(envUploadDir); v != "" {
		cfg.UploadDir = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

// Validate checks that the loaded configuration is usable. It is called once
// at startup; a non-nil error is fatal.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Workers)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job timeout must be positive, got %s", c.JobTimeout)
	}
	if c.GracefulTimeout <= 0 {
		return fmt.Errorf("graceful timeout must be positive, got %s", c.GracefulTimeout)
	}
	if c.KeepAlive <= 0 {
		return fmt.Errorf("keep-alive must be positive, got %s", c.KeepAlive)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload size must be positive, got %d", c.MaxUploadBytes)
	}
	return nil
}

func intEnv(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

func secondsEnv(key string, defaultVal int) time.Duration {
	return time.Duration(intEnv(key, defaultVal)) * time.Second
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Package janitor removes expired job records and their files on a schedule.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nmoreras/punchcard/internal/store"
)

const sweepTimeout = time.Minute

// Janitor prunes jobs older than the retention window. Each sweep deletes the
// expired rows and removes the upload and output files they referenced.
type Janitor struct {
	store     store.Store
	logger    *slog.Logger
	retention time.Duration
	cron      *cron.Cron
}

// New creates a Janitor sweeping hourly. Call Start to begin.
func New(s store.Store, logger *slog.Logger, retention time.Duration) *Janitor {
	return &Janitor{
		store:     s,
		logger:    logger,
		retention: retention,
		cron:      cron.New(),
	}
}

// Start schedules the hourly sweep.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error("retention sweep", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	j.cron.Start()
	j.logger.Info("janitor started", "retention", j.retention)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep prunes every job that finished before the retention cutoff and
// removes the files the pruned rows pointed at. Returns the number of paths
// released. File removal is best effort: a path that is already gone is not
// an error.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-j.retention)
	paths, err := j.store.PruneJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}

	var removed int
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			j.logger.Warn("remove pruned file", "path", p, "error", err)
			continue
		}
		removed++
	}

	if len(paths) > 0 {
		j.logger.Info("retention sweep complete", "cutoff", cutoff, "files_removed", removed)
	}
	return len(paths), nil
}

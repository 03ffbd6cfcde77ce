package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nmoreras/punchcard/internal/core"
	"github.com/nmoreras/punchcard/internal/model"
	"github.com/nmoreras/punchcard/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	// multipartMemory is the in-memory threshold for parsing uploads before
	// they spill to temp files.
	multipartMemory = 4 << 20
)

// createJobResponse is the JSON body returned by POST /v1/jobs.
type createJobResponse struct {
	Job         *model.Job `json:"job"`
	EventsURL   string     `json:"events_url"`
	DownloadURL string     `json:"download_url"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "a .mdb file upload is required")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(filename), ".mdb") {
		s.writeError(w, http.StatusBadRequest, "only .mdb files are accepted")
		return
	}

	year, month, err := parsePeriod(r, time.Now().UTC())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		s.logger.Error("create upload dir", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	// Prefix with the job ID so concurrent uploads of the same filename
	// never collide.
	id := model.NewID()
	sourcePath := filepath.Join(s.cfg.UploadDir, id+"_"+filename)
	if err := saveUpload(file, sourcePath); err != nil {
		s.logger.Error("save upload", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	outName := fmt.Sprintf("%s_inout_%04d-%02d_%s.xlsx", stem, year, month, id)

	j := &model.Job{
		ID:         id,
		Filename:   filename,
		Year:       year,
		Month:      month,
		SourcePath: sourcePath,
		OutputPath: filepath.Join(s.cfg.UploadDir, outName),
	}

	if err := s.core.Submit(r.Context(), j); err != nil {
		os.Remove(sourcePath)
		switch {
		case errors.Is(err, core.ErrDraining):
			s.writeError(w, http.StatusServiceUnavailable, "shutting down, not accepting jobs")
		case errors.Is(err, core.ErrBacklogFull):
			s.writeError(w, http.StatusTooManyRequests, "job backlog is full, try again later")
		default:
			s.logger.Error("submit job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, createJobResponse{
		Job:         j,
		EventsURL:   "/v1/jobs/" + id + "/events",
		DownloadURL: "/v1/jobs/" + id + "/download",
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.core.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, store.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, "job already finished")
		default:
			s.logger.Error("cancel job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get cancelled job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	// Cancellation of a running job is asynchronous; the record may still
	// read running until the worker observes the signal.
	s.writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for download", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	switch {
	case j.Status == model.StatusFailed:
		s.writeError(w, http.StatusBadRequest, j.Error)
		return
	case j.Status != model.StatusSucceeded:
		s.writeError(w, http.StatusConflict, fmt.Sprintf("output not ready (status %s)", j.Status))
		return
	}

	if j.OutputPath == "" {
		s.writeError(w, http.StatusNotFound, "output no longer available")
		return
	}
	if _, err := os.Stat(j.OutputPath); err != nil {
		s.writeError(w, http.StatusNotFound, "output no longer available")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(j.OutputPath)))
	http.ServeFile(w, r, j.OutputPath)
}

// parsePeriod extracts the year/month filter from the form, defaulting to the
// current period and rejecting months that have not happened yet.
func parsePeriod(r *http.Request, now time.Time) (int, int, error) {
	year := now.Year()
	month := int(now.Month())

	if v := r.FormValue("year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid year %q", v)
		}
		year = y
	}
	if v := r.FormValue("month"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid month %q", v)
		}
		month = m
	}

	if month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("month %d out of range", month)
	}
	if year > now.Year() || (year == now.Year() && month > int(now.Month())) {
		return 0, 0, fmt.Errorf("period %04d-%02d is in the future", year, month)
	}
	return year, month, nil
}

func saveUpload(src io.Reader, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return fmt.Errorf("write upload file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close upload file: %w", err)
	}
	return nil
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

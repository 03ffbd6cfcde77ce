package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nmoreras/punchcard/internal/model"
	"github.com/nmoreras/punchcard/internal/store"
)

// ssePingInterval bounds how long an event stream stays silent; pings keep
// intermediaries from timing out an idle stream.
const ssePingInterval = 25 * time.Second

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already terminal, report and close immediately.
	if model.Terminal(j.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", j.Status)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing on a closed topic returns a closed channel, so a job
	// finishing between the status check above and this call still
	// terminates the loop immediately.
	ch, unsub := s.core.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	_ = writeSSEEvent(w, "ping", "ready")
	if canFlush {
		flusher.Flush()
	}

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				// Job finished; report its terminal status before closing.
				status := "done"
				if final, err := s.store.GetJob(r.Context(), id); err == nil {
					status = final.Status
				}
				_ = writeSSEEvent(w, "done", status)
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-ticker.C:
			if err := writeSSEEvent(w, "ping", "keep-alive"); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// eventHistoryLine is a single progress line in the history response.
type eventHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// eventHistoryResponse is the JSON response for GET /v1/jobs/:id/events/history.
type eventHistoryResponse struct {
	JobID string             `json:"job_id"`
	Lines []eventHistoryLine `json:"lines"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job for event history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	events, err := s.store.GetEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("get events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}

	lines := make([]eventHistoryLine, len(events))
	for i, e := range events {
		lines[i] = eventHistoryLine{
			Seq:       e.Seq,
			Line:      e.Line,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		JobID: id,
		Lines: lines,
	})
}

// writeSSEData writes a progress line as an SSE data event. Multi-line strings
// are split so that each segment gets its own "data:" prefix, per the SSE spec.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

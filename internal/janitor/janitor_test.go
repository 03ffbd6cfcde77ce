package janitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nmoreras/punchcard/internal/model"
	"github.com/nmoreras/punchcard/internal/store"
)

func newTestJanitor(t *testing.T, retention time.Duration) (*Janitor, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(s, logger, retention), s
}

// finishedJob persists a job finished at the given time whose source and
// output files exist on disk.
func finishedJob(t *testing.T, s store.Store, dir string, finishedAt time.Time) *model.Job {
	t.Helper()
	ctx := context.Background()

	id := model.NewID()
	j := &model.Job{
		ID:         id,
		Status:     model.StatusQueued,
		Filename:   "attendance.mdb",
		Year:       2026,
		Month:      8,
		SourcePath: filepath.Join(dir, id+".mdb"),
		OutputPath: filepath.Join(dir, id+".xlsx"),
		CreatedAt:  finishedAt.Add(-time.Minute),
		Deadline:   finishedAt.Add(10 * time.Minute),
	}
	for _, p := range []string{j.SourcePath, j.OutputPath} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJobStatus(ctx, j.ID, model.StatusRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	dur := 100
	j.Status = model.StatusSucceeded
	j.DurationMS = &dur
	j.FinishedAt = &finishedAt
	if err := s.FinishJob(ctx, j); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	return j
}

func TestSweepRemovesExpiredJobsAndFiles(t *testing.T) {
	jan, s := newTestJanitor(t, 72*time.Hour)
	dir := t.TempDir()

	expired := finishedJob(t, s, dir, time.Now().UTC().Add(-96*time.Hour))
	fresh := finishedJob(t, s, dir, time.Now().UTC().Add(-time.Hour))

	released, err := jan.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if released != 2 {
		t.Errorf("released = %d, want 2", released)
	}

	if _, err := s.GetJob(context.Background(), expired.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expired job still present, err = %v", err)
	}
	if _, err := os.Stat(expired.SourcePath); !os.IsNotExist(err) {
		t.Errorf("expired source file still present, err = %v", err)
	}
	if _, err := os.Stat(expired.OutputPath); !os.IsNotExist(err) {
		t.Errorf("expired output file still present, err = %v", err)
	}

	if _, err := s.GetJob(context.Background(), fresh.ID); err != nil {
		t.Errorf("fresh job was pruned: %v", err)
	}
	if _, err := os.Stat(fresh.SourcePath); err != nil {
		t.Errorf("fresh source file was removed: %v", err)
	}
}

func TestSweepToleratesMissingFiles(t *testing.T) {
	jan, s := newTestJanitor(t, time.Hour)
	dir := t.TempDir()

	expired := finishedJob(t, s, dir, time.Now().UTC().Add(-2*time.Hour))
	if err := os.Remove(expired.SourcePath); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	released, err := jan.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if released != 2 {
		t.Errorf("released = %d, want 2", released)
	}
}

func TestSweepNothingExpired(t *testing.T) {
	jan, s := newTestJanitor(t, 72*time.Hour)
	dir := t.TempDir()

	finishedJob(t, s, dir, time.Now().UTC().Add(-time.Hour))

	released, err := jan.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if released != 0 {
		t.Errorf("released = %d, want 0", released)
	}
}

func TestStartStop(t *testing.T) {
	jan, _ := newTestJanitor(t, time.Hour)
	if err := jan.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	jan.Stop()
}

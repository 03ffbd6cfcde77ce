package store

import (
	"context"
	"errors"
	"time"

	"github.com/nmoreras/punchcard/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed,
// including any attempt to move a job out of a terminal status.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStats holds aggregate conversion statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for conversion jobs.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
	FinishJob(ctx context.Context, j *model.Job) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	InsertEvent(ctx context.Context, jobID string, seq int, line string) error
	GetEvents(ctx context.Context, jobID string) ([]model.EventLine, error)
	PruneJobs(ctx context.Context, before time.Time) ([]string, error)
	Close() error
}

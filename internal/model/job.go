package model

import "time"

// Job status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
	StatusCancelled = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
// A queued job is cancelled if the service drains before it is assigned a slot;
// a running job is cancelled if the graceful window elapses mid-execution.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status is terminal. Terminal jobs are never
// picked up by a worker and never change status again.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// EventLine represents a single persisted progress line from a conversion job.
type EventLine struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Job represents one .mdb conversion submitted to the service.
//
// SourcePath and OutputPath are server-local filesystem paths and are not
// exposed over the API; clients reach the output through the download endpoint.
type Job struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Filename   string     `json:"filename"`
	Year       int        `json:"year"`
	Month      int        `json:"month"`
	SourcePath string     `json:"-"`
	OutputPath string     `json:"-"`
	Error      string     `json:"error,omitempty"`
	Rows       *int       `json:"rows,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Deadline   time.Time  `json:"deadline"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

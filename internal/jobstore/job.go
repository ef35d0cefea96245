package jobstore

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
//
// Transitions:
//
//	pending -> running -> completed
//	                   -> pending   (retry, bounded by MaxRetries)
//	                   -> failed
//	pending|running -> cancelled
//
// completed, failed and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists all valid states, useful for stats iteration.
var Statuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is the persistent unit of work.
//
// Result and Metadata are opaque to the store and everything that touches it;
// they pass through untouched.
type Job struct {
	ID           string
	Name         string
	Target       string
	Handler      string
	Status       Status
	Priority     int
	CreatedAt    time.Time
	StartedAt    time.Time // zero until first claimed
	CompletedAt  time.Time // zero until terminal
	NotBefore    time.Time // retry backoff gate; zero means immediately eligible
	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	Result       json.RawMessage
	Metadata     map[string]string
}

// DefaultMaxRetries is applied by NewJobSpec.
const DefaultMaxRetries = 3

// JobSpec describes a job to create. Zero MaxRetries means "no retries";
// use NewJobSpec for the defaults.
type JobSpec struct {
	Name       string
	Target     string
	Handler    string
	Priority   int
	MaxRetries int
	Metadata   map[string]string
}

// NewJobSpec returns a spec with default priority and retry budget.
func NewJobSpec(name, target, handler string) JobSpec {
	return JobSpec{
		Name:       name,
		Target:     target,
		Handler:    handler,
		MaxRetries: DefaultMaxRetries,
	}
}

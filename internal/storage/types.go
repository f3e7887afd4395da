package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("job not found")
	ErrConflict = errors.New("job state changed")
)

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite". Empty means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops finished jobs and delivery records older than this during
	// compaction/pruning. 0 keeps everything.
	Retention time.Duration
}

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusRunning    JobStatus = "running"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
	StatusCanceled   JobStatus = "canceled"
	StatusSuperseded JobStatus = "superseded"
)

// Terminal reports whether a job in this status will never run again.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusSuperseded:
		return true
	}
	return false
}

// ParseStatus returns the status named by s, or false if s is not a known status.
func ParseStatus(s string) (JobStatus, bool) {
	switch st := JobStatus(s); st {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled, StatusSuperseded:
		return st, true
	}
	return "", false
}

// Job is one durable task invocation.
type Job struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Key   string          `json:"key,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	Status JobStatus `json:"status"`
	RunAt  time.Time `json:"run_at"`

	// Claims counts how many times the job was handed to a worker (lease reclaims included).
	Claims int `json:"claims"`
	// Attempts is the number of handler executions recorded at completion.
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	LeaseUntil time.Time       `json:"lease_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobFilter selects jobs for ListJobs. Zero fields match everything.
type JobFilter struct {
	Status JobStatus
	Name   string
	Key    string
	Limit  int
}

func (f JobFilter) match(j Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Name != "" && j.Name != f.Name {
		return false
	}
	if f.Key != "" && j.Key != f.Key {
		return false
	}
	return true
}

// Delivery records the outcome of one scenario event dispatch.
type Delivery struct {
	At       time.Time     `json:"at"`
	RunID    string        `json:"run_id"`
	RoomID   string        `json:"room_id"`
	EventID  string        `json:"event_id"`
	Mode     string        `json:"mode"` // "sync" or "timer"
	FireAt   time.Time     `json:"fire_at"`
	Lateness time.Duration `json:"lateness"`
	OK       bool          `json:"ok"`
	Status   int           `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
}

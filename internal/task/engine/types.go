package engine

import (
	"context"
	"time"
)

// Config sizes the worker pool. When work is due is the scheduler's concern.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds each attempt of a task without its own Timeout.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops tasks that waited longer than this for a worker; 0 keeps them.
	MaxQueueDelay time.Duration

	HistorySize int
	// RetryMax counts attempts after the first failure: 0 means 1, negative means none.
	RetryMax  int
	RetryBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax == 0 {
		c.RetryMax = 1
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning rejects a task while another with the same key is
	// queued or running.
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // fraction, 0.2 = ±20%
}

// DefaultTaskOptions returns the options a task gets when it sets none.
func DefaultTaskOptions(cfg Config) TaskOptions {
	return TaskOptions{}.resolve(cfg)
}

func (o TaskOptions) resolve(cfg Config) TaskOptions {
	if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = cfg.RetryBase
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	switch o.Overlap {
	case OverlapAllow, OverlapSkipIfRunning:
	default:
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// Task is one unit of work.
//
// ConcurrencyKey scopes OverlapSkipIfRunning and defaults to Name. OnDone
// runs exactly once per accepted task: after the last attempt, or with
// ErrStale or ErrStopping when it never ran.
type Task struct {
	ID             string
	Name           string
	Timeout        time.Duration
	ConcurrencyKey string
	Opt            TaskOptions
	Run            func(ctx context.Context) error
	OnDone         func(Result)
}

func (t Task) gateKey() string {
	if t.ConcurrencyKey != "" {
		return t.ConcurrencyKey
	}
	return t.Name
}

// Result is what OnDone receives.
type Result struct {
	Err        error
	Attempts   int
	QueueDelay time.Duration
	Duration   time.Duration
}

// HistoryItem is one finished or dropped task in the recent history.
type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published as task.started, task.retry, task.finished,
// task.failed, task.skipped and task.dropped.
type TaskEvent HistoryItem

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`

	History []HistoryItem `json:"history,omitempty"`
}

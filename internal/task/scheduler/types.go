package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"roomcast/internal/eventbus"
	"roomcast/internal/storage"
	"roomcast/internal/task/engine"
	"roomcast/internal/timer"
	logx "roomcast/pkg/logx"
)

var (
	ErrUnknownTask = errors.New("scheduler: unknown task")
	ErrNoStore     = errors.New("scheduler: no job store")
)

// Config controls the durable scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, used for cron poll specs
	// Poll is the fallback polling cadence: cron spec, "@every 1m", "30s" or "HH:MM".
	Poll string
	// Lease is how long a claimed job may stay running before it is claimed again.
	Lease time.Duration
	// ClaimBatch bounds how many jobs one poll claims.
	ClaimBatch int
	// Supersede marks older queued jobs with the same name+key superseded on enqueue.
	Supersede bool
	// ReleaseDelay is how long a job the engine refused waits before the next try.
	ReleaseDelay time.Duration
	// MaxClaims fails a job that keeps getting reclaimed after lease expiry.
	MaxClaims int
}

func (c Config) withDefaults() Config {
	if c.Poll == "" {
		c.Poll = "@every 1m"
	}
	if c.Lease <= 0 {
		c.Lease = 10 * time.Minute
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 32
	}
	if c.ReleaseDelay <= 0 {
		c.ReleaseDelay = 5 * time.Second
	}
	if c.MaxClaims <= 0 {
		c.MaxClaims = 5
	}
	return c
}

// Re-export execution types from engine.
type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Handler executes one job attempt. The returned output is stored as JSON
// when the job succeeds.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

type registered struct {
	name string
	opt  TaskOptions
	fn   Handler
}

// Handle identifies an enqueued job.
type Handle struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Key        string    `json:"key,omitempty"`
	RunAt      time.Time `json:"runAt"`
	Superseded int       `json:"superseded,omitempty"`
}

// JobEvent is published on the bus for durable job state changes.
type JobEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Key      string        `json:"key,omitempty"`
	Status   string        `json:"status"`
	RunAt    time.Time     `json:"run_at"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service
	store  storage.JobStore
	timers *timer.Service

	parser    cron.Parser
	c         *cron.Cron
	pollEntry cron.EntryID
	pollSpec  string
	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc

	hmu      sync.RWMutex
	handlers map[string]registered

	pollMu sync.Mutex
	// wakes holds armed wake times (unix ms) so equal run_at values share one timer.
	wakes map[int64]struct{}

	// Enqueue error throttling: key is task name.
	enqMu   sync.Mutex
	enqWarn map[string]*rate.Limiter
}

type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Timezone string    `json:"timezone"`
	Poll     string    `json:"poll"`
	NextPoll time.Time `json:"next_poll,omitempty"`
	PrevPoll time.Time `json:"prev_poll,omitempty"`
	Tasks    []string  `json:"tasks"`
	Wakes    int       `json:"pending_wakes"`

	// Executor diagnostics (task engine).
	Workers          int           `json:"workers"`
	InFlight         int           `json:"in_flight"`
	QueueLen         int           `json:"queue_len"`
	QueueCap         int           `json:"queue_cap"`
	Dropped          uint64        `json:"dropped"`
	DroppedQueueFull uint64        `json:"dropped_queue_full"`
	DroppedStale     uint64        `json:"dropped_stale"`
	DefaultTimeout   time.Duration `json:"default_timeout"`
	MaxQueueDelay    time.Duration `json:"max_queue_delay"`
	RetryMax         int           `json:"retry_max"`
	RetryBase        time.Duration `json:"retry_base"`
	RetryMaxDelay    time.Duration `json:"retry_max_delay"`
	RetryJitter      float64       `json:"retry_jitter"`
	History          []HistoryItem `json:"history,omitempty"`
}

package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "roomcast/pkg/logx"
)

// JobStore is the durable queue used by the task scheduler.
type JobStore interface {
	InsertJob(ctx context.Context, j Job) error
	// SupersedeJobs marks queued jobs with the same name+key (except exceptID) superseded.
	SupersedeJobs(ctx context.Context, name, key, exceptID string) (int, error)
	// CancelJobs marks queued jobs with the same name+key canceled.
	CancelJobs(ctx context.Context, name, key string) (int, error)
	// ClaimDue moves up to limit due jobs to running with a lease. Due means
	// queued with run_at <= now, or running with an expired lease.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)
	CompleteJob(ctx context.Context, id string, output []byte, attempts int) error
	FailJob(ctx context.Context, id string, errMsg string, attempts int) error
	// ReleaseJob returns a running job to queued at runAt and gives back its claim.
	ReleaseJob(ctx context.Context, id string, runAt time.Time) error
	// CancelJob cancels a queued job. It reports false if the job is not queued.
	CancelJob(ctx context.Context, id string) (bool, error)
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]Job, error)
}

// DeliveryLog keeps per-event dispatch outcomes.
type DeliveryLog interface {
	AppendDelivery(ctx context.Context, d Delivery) error
	// ListDeliveries returns the newest records for roomID, newest first.
	ListDeliveries(ctx context.Context, roomID string, limit int) ([]Delivery, error)
}

// Store is the persistence API used by the scheduler and playback.
type Store interface {
	JobStore
	DeliveryLog
	Close() error
}

// Durable reports whether driver keeps jobs across process restarts.
func Durable(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "file", "sqlite", "sqlite3":
		return true
	}
	return false
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

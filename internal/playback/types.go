// Package playback implements the runRoom task: mark a room live, walk its
// scenario and deliver every scripted message at epoch + offset.
package playback

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskName is the scheduler task name for room runs.
const TaskName = "runRoom"

type Order string

const (
	// OrderSorted reads every page first and dispatches in offset order.
	OrderSorted Order = "sorted"
	// OrderPaged handles one page at a time, sorted within the page.
	OrderPaged Order = "paged"
)

// ParseOrder maps a config value to an Order. Empty means sorted.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderSorted:
		return OrderSorted, nil
	case OrderPaged:
		return OrderPaged, nil
	default:
		return "", fmt.Errorf("unknown playback order %q", s)
	}
}

type Config struct {
	PageSize int
	Order    Order
	// SkipFailedPages continues past a page that failed to load instead of
	// failing the run.
	SkipFailedPages bool
	// MaxPageFailures aborts a skipping walk after this many consecutive failures.
	MaxPageFailures int
	// Idempotent turns a run for an already started room into a no-op unless forced.
	Idempotent bool
	LockTTL    time.Duration
	// TimerGroupPrefix namespaces per-run timer groups.
	TimerGroupPrefix string
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
	if c.Order == "" {
		c.Order = OrderSorted
	}
	if c.MaxPageFailures <= 0 {
		c.MaxPageFailures = 3
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.TimerGroupPrefix == "" {
		c.TimerGroupPrefix = "playback"
	}
	return c
}

// Input is the runRoom job input.
type Input struct {
	RoomID string `json:"roomId"`
	// Force re-runs a started room from the top with a new epoch.
	Force bool `json:"force,omitempty"`
}

// Output is the runRoom job output.
type Output struct {
	OK         bool   `json:"ok"`
	RunID      string `json:"runId,omitempty"`
	Dispatched int    `json:"dispatched"`
	Scheduled  int    `json:"scheduled"`
	Failed     int    `json:"failed"`
	Skipped    string `json:"skipped,omitempty"`
}

const (
	SkipLocked         = "locked"
	SkipAlreadyStarted = "already_started"
	SkipCanceled       = "canceled"
)

var ErrNoRoom = errors.New("playback: room id required")

// MarkLiveError means the room could not be marked started. Nothing was dispatched.
type MarkLiveError struct {
	RoomID string
	Err    error
}

func (e *MarkLiveError) Error() string {
	return fmt.Sprintf("mark room %s live: %v", e.RoomID, e.Err)
}

func (e *MarkLiveError) Unwrap() error { return e.Err }

// ScenarioFetchError means a scenario page could not be read.
type ScenarioFetchError struct {
	RoomID string
	Page   int
	Err    error
}

func (e *ScenarioFetchError) Error() string {
	return fmt.Sprintf("fetch scenario of room %s page %d: %v", e.RoomID, e.Page, e.Err)
}

func (e *ScenarioFetchError) Unwrap() error { return e.Err }

// RunEvent is published for run.* bus events.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	RoomID     string    `json:"room_id"`
	Epoch      time.Time `json:"epoch,omitempty"`
	Dispatched int       `json:"dispatched,omitempty"`
	Scheduled  int       `json:"scheduled,omitempty"`
	Failed     int       `json:"failed,omitempty"`
	Page       int       `json:"page,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// DispatchEvent is published for dispatch.sent and dispatch.failed.
type DispatchEvent struct {
	RunID    string        `json:"run_id"`
	RoomID   string        `json:"room_id"`
	EventID  string        `json:"event_id"`
	Mode     string        `json:"mode"`
	FireAt   time.Time     `json:"fire_at"`
	Lateness time.Duration `json:"lateness"`
	Status   int           `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Package cms reads and updates the rooms and scenario collections owned by
// the content-management backend.
package cms

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	ErrNotFound       = errors.New("room not found")
	ErrAlreadyStarted = errors.New("room already started")
)

type RoomType string

const (
	RoomLive RoomType = "live"
	RoomAuto RoomType = "auto"
)

// Room is the subset of the rooms collection playback cares about.
type Room struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Owner         string     `json:"user,omitempty"`
	Type          RoomType   `json:"type,omitempty"`
	ScheduledDate *time.Time `json:"scheduledDate,omitempty"`
	Started       bool       `json:"roomStarted"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	StoppedAt     *time.Time `json:"stoppedAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// ScenarioEvent is one scripted chat message. Seconds is the offset from the
// room's start; nil means "not set".
type ScenarioEvent struct {
	ID       string   `json:"id"`
	RoomID   string   `json:"room"`
	Username string   `json:"username"`
	Message  string   `json:"message"`
	Seconds  *float64 `json:"seconds,omitempty"`
}

// OffsetSeconds returns Seconds with missing, negative, NaN and infinite
// values coerced to 0.
func (e ScenarioEvent) OffsetSeconds() float64 {
	if e.Seconds == nil {
		return 0
	}
	v := *e.Seconds
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// Page is one page of scenario events. Page numbers start at 1.
type Page struct {
	Docs        []ScenarioEvent `json:"docs"`
	Page        int             `json:"page"`
	HasNextPage bool            `json:"hasNextPage"`
}

// RoomPatch is a partial room update. Nil fields are left untouched.
type RoomPatch struct {
	ScheduledDate *time.Time
	ClearSchedule bool
	Started       *bool
	StartedAt     *time.Time
	StoppedAt     *time.Time
	// IfNotStarted makes the write conditional on the room not being started;
	// otherwise UpdateRoom returns ErrAlreadyStarted and writes nothing.
	IfNotStarted bool
}

func (p RoomPatch) apply(r *Room) {
	if p.ClearSchedule {
		r.ScheduledDate = nil
	} else if p.ScheduledDate != nil {
		t := *p.ScheduledDate
		r.ScheduledDate = &t
	}
	if p.Started != nil {
		r.Started = *p.Started
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		r.StartedAt = &t
	}
	if p.StoppedAt != nil {
		t := *p.StoppedAt
		r.StoppedAt = &t
	}
}

type RoomStore interface {
	FindRoom(ctx context.Context, id string) (Room, error)
	// UpdateRoom applies patch and returns the stored room.
	UpdateRoom(ctx context.Context, id string, patch RoomPatch) (Room, error)
}

type ScenarioStore interface {
	// FindScenario returns one page of the room's scenario in stored order.
	FindScenario(ctx context.Context, roomID string, page, pageSize int) (Page, error)
}

type Store interface {
	RoomStore
	ScenarioStore
	Close() error
}

func Bool(v bool) *bool { return &v }

func TimePtr(t time.Time) *time.Time { return &t }

// Package lifecycle turns room schedule edits, manual starts and stops into
// runRoom jobs and run cancellations.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"roomcast/internal/cms"
	"roomcast/internal/eventbus"
	"roomcast/internal/playback"
	"roomcast/internal/task/scheduler"
	logx "roomcast/pkg/logx"
)

// Jobs is the part of the scheduler the hook uses.
type Jobs interface {
	Enqueue(ctx context.Context, name string, input any, opts ...scheduler.EnqueueOption) (scheduler.Handle, error)
	CancelKey(ctx context.Context, name, key string) (int, error)
}

// Runs cancels a room's pending dispatches.
type Runs interface {
	Cancel(roomID string) int
}

type Hook struct {
	rooms cms.RoomStore
	jobs  Jobs
	runs  Runs
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

func New(rooms cms.RoomStore, jobs Jobs, runs Runs, log logx.Logger, bus eventbus.Bus) *Hook {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hook{rooms: rooms, jobs: jobs, runs: runs, log: log.With(logx.String("comp", "lifecycle")), bus: bus, now: time.Now}
}

// ScheduleResult reports what a schedule change did.
type ScheduleResult struct {
	Enqueued bool             `json:"enqueued"`
	Job      scheduler.Handle `json:"job,omitempty"`
	Canceled int              `json:"canceled,omitempty"`
}

// OnScheduleChange enqueues a run at next when next is set and differs from
// prev. Runs are keyed by room, so a newer schedule supersedes an older
// queued one. Clearing the schedule cancels queued runs.
func (h *Hook) OnScheduleChange(ctx context.Context, roomID string, prev, next *time.Time) (ScheduleResult, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ScheduleResult{}, playback.ErrNoRoom
	}
	if sameTime(prev, next) {
		return ScheduleResult{}, nil
	}
	if next == nil {
		n, err := h.jobs.CancelKey(ctx, playback.TaskName, roomID)
		if err != nil {
			return ScheduleResult{}, fmt.Errorf("cancel queued runs: %w", err)
		}
		h.log.Info("schedule cleared", logx.String("room", roomID), logx.Int("canceled", n))
		return ScheduleResult{Canceled: n}, nil
	}

	handle, err := h.jobs.Enqueue(ctx, playback.TaskName, playback.Input{RoomID: roomID},
		scheduler.WithKey(roomID), scheduler.WithRunAt(*next))
	if err != nil {
		return ScheduleResult{}, fmt.Errorf("enqueue run: %w", err)
	}
	h.log.Info("run scheduled", logx.String("room", roomID), logx.Time("at", *next), logx.String("job", handle.ID))
	eventbus.Publish(h.bus, "room.scheduled", handle)
	return ScheduleResult{Enqueued: true, Job: handle}, nil
}

// SetSchedule writes the room's scheduled date (nil clears it) and applies
// the change.
func (h *Hook) SetSchedule(ctx context.Context, roomID string, at *time.Time) (ScheduleResult, error) {
	room, err := h.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return ScheduleResult{}, err
	}
	patch := cms.RoomPatch{ScheduledDate: at, ClearSchedule: at == nil}
	if _, err := h.rooms.UpdateRoom(ctx, roomID, patch); err != nil {
		return ScheduleResult{}, fmt.Errorf("update schedule: %w", err)
	}
	return h.OnScheduleChange(ctx, roomID, room.ScheduledDate, at)
}

// StartNow enqueues a run due immediately. With force an already started
// room is re-run from the top.
func (h *Hook) StartNow(ctx context.Context, roomID string, force bool) (scheduler.Handle, error) {
	if _, err := h.rooms.FindRoom(ctx, roomID); err != nil {
		return scheduler.Handle{}, err
	}
	handle, err := h.jobs.Enqueue(ctx, playback.TaskName, playback.Input{RoomID: roomID, Force: force}, scheduler.WithKey(roomID))
	if err != nil {
		return scheduler.Handle{}, fmt.Errorf("enqueue run: %w", err)
	}
	h.log.Info("manual start", logx.String("room", roomID), logx.Bool("force", force), logx.String("job", handle.ID))
	eventbus.Publish(h.bus, "room.start_requested", handle)
	return handle, nil
}

// StopResult reports what Stop canceled.
type StopResult struct {
	PendingCanceled int `json:"pendingCanceled"`
	JobsCanceled    int `json:"jobsCanceled"`
}

// Stop cancels pending dispatches and queued runs, then marks the room stopped.
func (h *Hook) Stop(ctx context.Context, roomID string) (StopResult, error) {
	if _, err := h.rooms.FindRoom(ctx, roomID); err != nil {
		return StopResult{}, err
	}
	var res StopResult
	if h.runs != nil {
		res.PendingCanceled = h.runs.Cancel(roomID)
	}
	n, err := h.jobs.CancelKey(ctx, playback.TaskName, roomID)
	res.JobsCanceled = n
	if err != nil {
		return res, fmt.Errorf("cancel queued runs: %w", err)
	}
	now := h.now()
	if _, err := h.rooms.UpdateRoom(ctx, roomID, cms.RoomPatch{Started: cms.Bool(false), StoppedAt: cms.TimePtr(now)}); err != nil {
		if errors.Is(err, cms.ErrNotFound) {
			return res, err
		}
		return res, fmt.Errorf("mark stopped: %w", err)
	}
	h.log.Info("room stopped", logx.String("room", roomID), logx.Int("pending_canceled", res.PendingCanceled), logx.Int("jobs_canceled", res.JobsCanceled))
	eventbus.Publish(h.bus, "room.stopped", res)
	return res, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

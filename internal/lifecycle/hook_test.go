package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomcast/internal/cms"
	"roomcast/internal/playback"
	"roomcast/internal/task/scheduler"
	logx "roomcast/pkg/logx"
)

type enqueued struct {
	input playback.Input
	key   string
	runAt time.Time
}

type fakeJobs struct {
	enqueued []enqueued
	canceled []string
}

func (f *fakeJobs) Enqueue(ctx context.Context, name string, input any, opts ...scheduler.EnqueueOption) (scheduler.Handle, error) {
	if name != playback.TaskName {
		return scheduler.Handle{}, scheduler.ErrUnknownTask
	}
	e := enqueued{input: input.(playback.Input)}
	e.key, e.runAt = scheduler.ResolveOptions(opts...)
	f.enqueued = append(f.enqueued, e)
	return scheduler.Handle{ID: "job", Name: name, Key: e.key, RunAt: e.runAt}, nil
}

func (f *fakeJobs) CancelKey(ctx context.Context, name, key string) (int, error) {
	f.canceled = append(f.canceled, key)
	return 1, nil
}

type fakeRuns struct{ canceled []string }

func (f *fakeRuns) Cancel(roomID string) int {
	f.canceled = append(f.canceled, roomID)
	return 3
}

func setup() (*Hook, *cms.Memory, *fakeJobs, *fakeRuns) {
	store := cms.NewMemory()
	store.PutRoom(cms.Room{ID: "r1"})
	jobs := &fakeJobs{}
	runs := &fakeRuns{}
	return New(store, jobs, runs, logx.Nop(), nil), store, jobs, runs
}

func TestOnScheduleChange(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	cases := []struct {
		name      string
		prev      *time.Time
		next      *time.Time
		enqueue   bool
		cancelled bool
	}{
		{name: "first schedule", prev: nil, next: &t0, enqueue: true},
		{name: "moved", prev: &t0, next: &t1, enqueue: true},
		{name: "unchanged", prev: &t0, next: cms.TimePtr(t0), enqueue: false},
		{name: "same instant other zone", prev: &t0, next: cms.TimePtr(t0.In(time.FixedZone("X", 3600))), enqueue: false},
		{name: "cleared", prev: &t0, next: nil, cancelled: true},
		{name: "never set", prev: nil, next: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _, jobs, _ := setup()
			res, err := h.OnScheduleChange(context.Background(), "r1", tc.prev, tc.next)
			if err != nil {
				t.Fatal(err)
			}
			if res.Enqueued != tc.enqueue || len(jobs.enqueued) != boolInt(tc.enqueue) {
				t.Fatalf("res = %+v jobs = %+v", res, jobs.enqueued)
			}
			if tc.enqueue {
				got := jobs.enqueued[0]
				if got.key != "r1" || !got.runAt.Equal(*tc.next) || got.input.RoomID != "r1" || got.input.Force {
					t.Fatalf("enqueued = %+v", got)
				}
			}
			if (len(jobs.canceled) == 1) != tc.cancelled {
				t.Fatalf("canceled = %v", jobs.canceled)
			}
		})
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestSetScheduleWritesRoom(t *testing.T) {
	h, store, jobs, _ := setup()
	at := time.Now().Add(time.Hour).Truncate(time.Second)
	res, err := h.SetSchedule(context.Background(), "r1", &at)
	if err != nil || !res.Enqueued {
		t.Fatalf("res = %+v, %v", res, err)
	}
	room, _ := store.FindRoom(context.Background(), "r1")
	if room.ScheduledDate == nil || !room.ScheduledDate.Equal(at) {
		t.Fatalf("room = %+v", room)
	}
	// Same value again is not a change.
	if res, _ := h.SetSchedule(context.Background(), "r1", &at); res.Enqueued || len(jobs.enqueued) != 1 {
		t.Fatalf("repeat res = %+v", res)
	}
	if _, err := h.SetSchedule(context.Background(), "ghost", &at); !errors.Is(err, cms.ErrNotFound) {
		t.Fatalf("ghost err = %v", err)
	}
}

func TestStartNow(t *testing.T) {
	h, _, jobs, _ := setup()
	if _, err := h.StartNow(context.Background(), "r1", true); err != nil {
		t.Fatal(err)
	}
	got := jobs.enqueued[0]
	if !got.runAt.IsZero() || !got.input.Force || got.key != "r1" {
		t.Fatalf("enqueued = %+v", got)
	}
	if _, err := h.StartNow(context.Background(), "ghost", false); !errors.Is(err, cms.ErrNotFound) {
		t.Fatalf("ghost err = %v", err)
	}
}

func TestStop(t *testing.T) {
	h, store, jobs, runs := setup()
	_, _ = store.UpdateRoom(context.Background(), "r1", cms.RoomPatch{Started: cms.Bool(true), StartedAt: cms.TimePtr(time.Now())})

	res, err := h.Stop(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if res.PendingCanceled != 3 || res.JobsCanceled != 1 || len(runs.canceled) != 1 || len(jobs.canceled) != 1 {
		t.Fatalf("res = %+v", res)
	}
	room, _ := store.FindRoom(context.Background(), "r1")
	if room.Started || room.StoppedAt == nil {
		t.Fatalf("room = %+v", room)
	}
}

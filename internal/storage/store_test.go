package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "roomcast/pkg/logx"
)

func openDrivers(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemory() },
		"file": func() Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return st
		},
		"sqlite": func() Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "roomcast.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
}

func TestJobLifecycle(t *testing.T) {
	for name, open := range openDrivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			now := time.Now().Truncate(time.Millisecond)
			mustInsert(t, st, Job{ID: "a", Name: "runRoom", Key: "r1", Input: []byte(`{"roomId":"r1"}`), RunAt: now.Add(-time.Second)})
			mustInsert(t, st, Job{ID: "b", Name: "runRoom", Key: "r2", RunAt: now.Add(time.Hour)})

			claimed, err := st.ClaimDue(ctx, now, time.Minute, 10)
			if err != nil {
				t.Fatalf("ClaimDue: %v", err)
			}
			if len(claimed) != 1 || claimed[0].ID != "a" || claimed[0].Status != StatusRunning || claimed[0].Claims != 1 {
				t.Fatalf("claimed = %+v", claimed)
			}
			if string(claimed[0].Input) != `{"roomId":"r1"}` {
				t.Fatalf("input = %s", claimed[0].Input)
			}

			// Not due again while the lease holds.
			if again, _ := st.ClaimDue(ctx, now, time.Minute, 10); len(again) != 0 {
				t.Fatalf("reclaimed under lease: %+v", again)
			}

			if err := st.CompleteJob(ctx, "a", []byte(`{"ok":true}`), 2); err != nil {
				t.Fatalf("CompleteJob: %v", err)
			}
			j, err := st.GetJob(ctx, "a")
			if err != nil {
				t.Fatal(err)
			}
			if j.Status != StatusSucceeded || j.Attempts != 2 || string(j.Output) != `{"ok":true}` {
				t.Fatalf("job = %+v", j)
			}
			if err := st.FailJob(ctx, "a", "late", 1); !errors.Is(err, ErrConflict) {
				t.Fatalf("FailJob on finished job err = %v", err)
			}
			if _, err := st.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetJob missing err = %v", err)
			}
		})
	}
}

func TestLeaseExpiryReclaims(t *testing.T) {
	for name, open := range openDrivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			now := time.Now().Truncate(time.Millisecond)
			mustInsert(t, st, Job{ID: "a", Name: "runRoom", RunAt: now})
			if got, _ := st.ClaimDue(ctx, now, time.Second, 10); len(got) != 1 {
				t.Fatalf("first claim = %d", len(got))
			}
			got, err := st.ClaimDue(ctx, now.Add(2*time.Second), time.Second, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].Claims != 2 {
				t.Fatalf("reclaim = %+v", got)
			}
		})
	}
}

func TestSupersedeCancelAndRelease(t *testing.T) {
	for name, open := range openDrivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			later := time.Now().Add(time.Hour)
			mustInsert(t, st, Job{ID: "old", Name: "runRoom", Key: "r1", RunAt: later})
			mustInsert(t, st, Job{ID: "new", Name: "runRoom", Key: "r1", RunAt: later})
			mustInsert(t, st, Job{ID: "other", Name: "runRoom", Key: "r2", RunAt: later})

			n, err := st.SupersedeJobs(ctx, "runRoom", "r1", "new")
			if err != nil || n != 1 {
				t.Fatalf("SupersedeJobs = %d, %v", n, err)
			}
			queued, _ := st.ListJobs(ctx, JobFilter{Status: StatusQueued})
			if len(queued) != 2 {
				t.Fatalf("queued = %+v", queued)
			}

			ok, err := st.CancelJob(ctx, "other")
			if err != nil || !ok {
				t.Fatalf("CancelJob = %v, %v", ok, err)
			}
			if ok, _ := st.CancelJob(ctx, "other"); ok {
				t.Fatal("second CancelJob should report false")
			}
			if n, _ := st.CancelJobs(ctx, "runRoom", "r1"); n != 1 {
				t.Fatalf("CancelJobs = %d", n)
			}

			mustInsert(t, st, Job{ID: "rel", Name: "runRoom", RunAt: time.Now().Add(-time.Second)})
			if got, _ := st.ClaimDue(ctx, time.Now(), time.Minute, 10); len(got) != 1 {
				t.Fatalf("claim = %+v", got)
			}
			retryAt := time.Now().Add(time.Minute).Truncate(time.Millisecond)
			if err := st.ReleaseJob(ctx, "rel", retryAt); err != nil {
				t.Fatal(err)
			}
			j, _ := st.GetJob(ctx, "rel")
			if j.Status != StatusQueued || !j.RunAt.Equal(retryAt) || j.Claims != 0 {
				t.Fatalf("released = %+v", j)
			}
		})
	}
}

func TestDeliveriesNewestFirst(t *testing.T) {
	for name, open := range openDrivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			for i, ev := range []string{"e1", "e2", "e3"} {
				err := st.AppendDelivery(ctx, Delivery{RunID: "run", RoomID: "r1", EventID: ev, Mode: "sync", OK: i != 1, Status: 200})
				if err != nil {
					t.Fatal(err)
				}
			}
			_ = st.AppendDelivery(ctx, Delivery{RoomID: "r2", EventID: "x"})

			got, err := st.ListDeliveries(ctx, "r1", 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].EventID != "e3" || got[1].EventID != "e2" || got[1].OK {
				t.Fatalf("deliveries = %+v", got)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	mustInsert(t, st, Job{ID: "a", Name: "runRoom", RunAt: time.Now().Add(time.Hour)})
	mustInsert(t, st, Job{ID: "b", Name: "runRoom", RunAt: time.Now().Add(time.Hour)})
	if _, err := st.CancelJob(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	a, err := st.GetJob(ctx, "a")
	if err != nil || a.Status != StatusQueued {
		t.Fatalf("a = %+v, %v", a, err)
	}
	b, err := st.GetJob(ctx, "b")
	if err != nil || b.Status != StatusCanceled {
		t.Fatalf("b = %+v, %v", b, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "bogus"}, logx.Logger{}); err == nil {
		t.Fatal("expected error")
	}
}

func mustInsert(t *testing.T, st Store, j Job) {
	t.Helper()
	if err := st.InsertJob(context.Background(), j); err != nil {
		t.Fatalf("InsertJob %s: %v", j.ID, err)
	}
}

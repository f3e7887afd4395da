package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "roomcast/pkg/logx"
)

func startService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestFiresInTimeOrder(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{Workers: 1})

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	base := time.Now().Add(30 * time.Millisecond)
	for _, i := range []int{3, 1, 2} {
		i := i
		_, err := s.ScheduleAt(base.Add(time.Duration(i)*20*time.Millisecond), "g", func(context.Context) {
			mu.Lock()
			got = append(got, i)
			n := len(got)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
		})
		if err != nil {
			t.Fatalf("ScheduleAt: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []int{1, 2, 3} {
		if got[i] != want {
			t.Fatalf("order = %v", got)
		}
	}
}

func TestPastTimeFiresImmediately(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{})
	fired := make(chan time.Time, 1)
	start := time.Now()
	if _, err := s.ScheduleAt(start.Add(-time.Hour), "g", func(context.Context) { fired <- time.Now() }); err != nil {
		t.Fatal(err)
	}
	select {
	case at := <-fired:
		if at.Sub(start) > 200*time.Millisecond {
			t.Fatalf("fired late: %v", at.Sub(start))
		}
	case <-time.After(time.Second):
		t.Fatal("past entry did not fire")
	}
}

func TestCancelAndCancelGroup(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{})
	var fired atomic.Int32
	at := time.Now().Add(150 * time.Millisecond)
	fn := func(context.Context) { fired.Add(1) }

	h, _ := s.ScheduleAt(at, "a", fn)
	_, _ = s.ScheduleAt(at, "b", fn)
	_, _ = s.ScheduleAt(at, "b", fn)
	_, _ = s.ScheduleAt(at, "c", fn)

	if !s.Cancel(h) {
		t.Fatal("Cancel returned false for pending entry")
	}
	if s.Cancel(h) {
		t.Fatal("second Cancel should report false")
	}
	if n := s.CancelGroup("b"); n != 2 {
		t.Fatalf("CancelGroup = %d, want 2", n)
	}
	if s.Pending("b") != 0 || s.Pending("c") != 1 || s.Len() != 1 {
		t.Fatalf("pending b=%d c=%d len=%d", s.Pending("b"), s.Pending("c"), s.Len())
	}

	time.Sleep(400 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired = %d, want 1", got)
	}
}

func TestScheduledBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	fired := make(chan struct{})
	if _, err := s.ScheduleAt(time.Now(), "g", func(context.Context) { close(fired) }); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("entry scheduled before Start did not fire")
	}
}

func TestMaxPendingAndStop(t *testing.T) {
	t.Parallel()
	s := New(Config{MaxPending: 1}, logx.Nop())
	if _, err := s.ScheduleAt(time.Now().Add(time.Hour), "g", func(context.Context) {}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleAt(time.Now().Add(time.Hour), "g", func(context.Context) {}); err != ErrFull {
		t.Fatalf("err = %v, want ErrFull", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len after Stop = %d", s.Len())
	}
	if _, err := s.ScheduleAt(time.Now(), "g", func(context.Context) {}); err != ErrStopped {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{Workers: 1})
	_, _ = s.ScheduleAt(time.Now(), "g", func(context.Context) { panic("boom") })
	ok := make(chan struct{})
	_, _ = s.ScheduleAt(time.Now().Add(10*time.Millisecond), "g", func(context.Context) { close(ok) })
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}

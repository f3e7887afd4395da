package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roomcast/internal/cms"
	"roomcast/internal/dispatch"
	"roomcast/internal/eventbus"
	"roomcast/internal/runlock"
	"roomcast/internal/storage"
	"roomcast/internal/task/engine"
	"roomcast/internal/timer"
	logx "roomcast/pkg/logx"
)

type call struct {
	room, author, message string
	at                    time.Time
}

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []call
	fail     map[string]error
	sessions atomic.Int32
	notify   chan call
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{fail: map[string]error{}, notify: make(chan call, 256)}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, roomID, author, message string) (dispatch.Ack, error) {
	c := call{room: roomID, author: author, message: message, at: time.Now()}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	err := f.fail[message]
	f.mu.Unlock()
	f.notify <- c
	if err != nil {
		return dispatch.Ack{}, err
	}
	return dispatch.Ack{Status: 201}, nil
}

func (f *fakeDispatcher) OpenSession(ctx context.Context, roomID string) error {
	f.sessions.Add(1)
	return nil
}

func (f *fakeDispatcher) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.message
	}
	return out
}

func (f *fakeDispatcher) wait(t *testing.T, message string) call {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-f.notify:
			if c.message == message {
				return c
			}
		case <-deadline:
			t.Fatalf("message %q never dispatched", message)
			return call{}
		}
	}
}

type harness struct {
	runner     *Runner
	cms        *cms.Memory
	disp       *fakeDispatcher
	timers     *timer.Service
	deliveries storage.Store
	bus        eventbus.Bus
}

func newHarness(t *testing.T, cfg Config, locks runlock.Locker) *harness {
	t.Helper()
	timers := timer.New(timer.Config{}, logx.Nop())
	if err := timers.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = timers.Stop(ctx)
	})
	h := &harness{
		cms:        cms.NewMemory(),
		disp:       newFakeDispatcher(),
		timers:     timers,
		deliveries: storage.NewMemory(),
		bus:        eventbus.New(),
	}
	r, err := New(cfg, Deps{
		Rooms:      h.cms,
		Scenario:   h.cms,
		Dispatcher: h.disp,
		Timers:     timers,
		Deliveries: h.deliveries,
		Locks:      locks,
		Bus:        h.bus,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.runner = r
	h.cms.PutRoom(cms.Room{ID: "r1", Name: "Demo"})
	return h
}

func secs(v float64) *float64 { return &v }

func ev(id, msg string, s *float64) cms.ScenarioEvent {
	return cms.ScenarioEvent{ID: id, Username: "host", Message: msg, Seconds: s}
}

func TestHiThenByeAtOffset(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true}, nil)
	// Stored out of order; playback must not trust page order.
	h.cms.AddEvents("r1", ev("2", "bye", secs(0.4)), ev("1", "hi", secs(0)))

	start := time.Now()
	out, err := h.runner.Run(context.Background(), Input{RoomID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	returned := time.Now()
	if !out.OK || out.Dispatched != 1 || out.Scheduled != 1 || out.Failed != 0 {
		t.Fatalf("out = %+v", out)
	}
	if msgs := h.disp.messages(); len(msgs) != 1 || msgs[0] != "hi" {
		t.Fatalf("dispatched before return = %v", msgs)
	}

	room, _ := h.cms.FindRoom(context.Background(), "r1")
	if !room.Started || room.StartedAt == nil {
		t.Fatalf("room = %+v", room)
	}
	epoch := *room.StartedAt
	if epoch.Before(start) || epoch.After(returned) {
		t.Fatalf("startedAt %v outside run window", epoch)
	}

	bye := h.disp.wait(t, "bye")
	want := epoch.Add(400 * time.Millisecond)
	if bye.at.Before(want) {
		t.Fatalf("bye dispatched %v early", want.Sub(bye.at))
	}
	if late := bye.at.Sub(want); late > 300*time.Millisecond {
		t.Fatalf("bye dispatched %v late", late)
	}
	if returned.After(bye.at) {
		t.Fatal("run waited for the future dispatch")
	}
}

func TestZeroEvents(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true}, nil)
	out, err := h.runner.Run(context.Background(), Input{RoomID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.OK || out.Dispatched+out.Scheduled+out.Failed != 0 {
		t.Fatalf("out = %+v", out)
	}
	room, _ := h.cms.FindRoom(context.Background(), "r1")
	if !room.Started {
		t.Fatal("room not started")
	}
}

func TestMarkLiveFailureDispatchesNothing(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true}, nil)
	h.cms.AddEvents("r1", ev("1", "hi", secs(0)))
	h.cms.Fault = func(op, roomID string, page int) error {
		if op == "update_room" {
			return errors.New("db down")
		}
		return nil
	}
	_, err := h.runner.Run(context.Background(), Input{RoomID: "r1"})
	var ml *MarkLiveError
	if !errors.As(err, &ml) || engine.IsNoRetry(err) {
		t.Fatalf("err = %v, want retryable MarkLiveError", err)
	}
	time.Sleep(50 * time.Millisecond)
	if msgs := h.disp.messages(); len(msgs) != 0 {
		t.Fatalf("dispatched %v after mark-live failure", msgs)
	}
	if h.disp.sessions.Load() != 0 {
		t.Fatal("session opened after mark-live failure")
	}
}

func TestAlreadyStartedIsNoopUnlessForced(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true}, nil)
	h.cms.AddEvents("r1", ev("1", "hi", secs(0)))
	ctx := context.Background()

	first, err := h.runner.Run(ctx, Input{RoomID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	again, err := h.runner.Run(ctx, Input{RoomID: "r1"})
	if err != nil || again.Skipped != SkipAlreadyStarted {
		t.Fatalf("second run = %+v, %v", again, err)
	}
	if n := len(h.disp.messages()); n != 1 {
		t.Fatalf("dispatches = %d, want 1", n)
	}

	forced, err := h.runner.Run(ctx, Input{RoomID: "r1", Force: true})
	if err != nil || forced.Skipped != "" || forced.Dispatched != 1 || forced.RunID == first.RunID {
		t.Fatalf("forced run = %+v, %v", forced, err)
	}
	if n := len(h.disp.messages()); n != 2 {
		t.Fatalf("dispatches after force = %d, want 2", n)
	}
}

func TestNonIdempotentRedispatches(t *testing.T) {
	h := newHarness(t, Config{Idempotent: false}, nil)
	h.cms.AddEvents("r1", ev("1", "hi", secs(0)), ev("2", "yo", secs(0)))
	for i := 0; i < 2; i++ {
		if _, err := h.runner.Run(context.Background(), Input{RoomID: "r1"}); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(h.disp.messages()); n != 4 {
		t.Fatalf("dispatches = %d, want 4", n)
	}
}

func TestMissingAndNegativeSecondsDispatchImmediately(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true}, nil)
	h.cms.AddEvents("r1", ev("1", "unset", nil), ev("2", "negative", secs(-3)))
	out, err := h.runner.Run(context.Background(), Input{RoomID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Dispatched != 2 || out.Scheduled != 0 {
		t.Fatalf("out = %+v", out)
	}
}

func TestAllPagesDispatched(t *testing.T) {
	for _, order := range []Order{OrderSorted, OrderPaged} {
		order := order
		t.Run(string(order), func(t *testing.T) {
			h := newHarness(t, Config{Idempotent: true, PageSize: 10, Order: order}, nil)
			var pages atomic.Int32
			h.cms.Fault = func(op, roomID string, page int) error {
				if op == "find_scenario" {
					pages.Add(1)
				}
				return nil
			}
			for i := 0; i < 25; i++ {
				h.cms.AddEvents("r1", ev(fmt.Sprint(i), fmt.Sprintf("m%02d", i), secs(0)))
			}
			out, err := h.runner.Run(context.Background(), Input{RoomID: "r1"})
			if err != nil {
				t.Fatal(err)
			}
			if out.Dispatched != 25 || pages.Load() != 3 {
				t.Fatalf("out = %+v pages = %d", out, pages.Load())
			}
			msgs := h.disp.messages()
			for i, m := range msgs {
				if m != fmt.Sprintf("m%02d", i) {
					t.Fatalf("dispatch %d = %q", i, m)
				}
			}
		})
	}
}

func TestCancelDropsPendingDispatches(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true}, nil)
	h.cms.AddEvents("r1", ev("1", "later", secs(3600)), ev("2", "much later", secs(7200)))
	out, err := h.runner.Run(context.Background(), Input{RoomID: "r1"})
	if err != nil || out.Scheduled != 2 {
		t.Fatalf("out = %+v, %v", out, err)
	}
	info, ok := h.runner.Pending("r1")
	if !ok || info.Pending != 2 || !info.Walked || info.RunID != out.RunID {
		t.Fatalf("pending = %+v, %v", info, ok)
	}
	if n := h.runner.Cancel("r1"); n != 2 {
		t.Fatalf("canceled = %d", n)
	}
	if _, ok := h.runner.Pending("r1"); ok {
		t.Fatal("run still registered after cancel")
	}
	if n := h.timers.Pending("playback:r1:" + out.RunID); n != 0 {
		t.Fatalf("timer entries left = %d", n)
	}
}

func TestRetryResumesWalkOnSameEpoch(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true, PageSize: 2, Order: OrderPaged}, nil)
	for i := 0; i < 5; i++ {
		h.cms.AddEvents("r1", ev(fmt.Sprint(i), fmt.Sprint("m", i), secs(0)))
	}
	var failOnce atomic.Bool
	failOnce.Store(true)
	h.cms.Fault = func(op, roomID string, page int) error {
		if op == "find_scenario" && page == 2 && failOnce.CompareAndSwap(true, false) {
			return errors.New("timeout")
		}
		return nil
	}

	ctx := context.Background()
	first, err := h.runner.Run(ctx, Input{RoomID: "r1"})
	var fe *ScenarioFetchError
	if !errors.As(err, &fe) || fe.Page != 2 {
		t.Fatalf("err = %v", err)
	}
	if first.Dispatched != 2 {
		t.Fatalf("first attempt = %+v", first)
	}
	room, _ := h.cms.FindRoom(ctx, "r1")
	epoch := *room.StartedAt

	second, err := h.runner.Run(ctx, Input{RoomID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if second.RunID != first.RunID || second.Dispatched != 3 {
		t.Fatalf("resume = %+v", second)
	}
	room, _ = h.cms.FindRoom(ctx, "r1")
	if !room.StartedAt.Equal(epoch) {
		t.Fatal("resume re-marked the room live")
	}
	if n := len(h.disp.messages()); n != 5 {
		t.Fatalf("total dispatches = %d, want 5", n)
	}
}

func TestSkipFailedPages(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true, PageSize: 1, SkipFailedPages: true}, nil)
	h.cms.AddEvents("r1", ev("1", "a", secs(0)), ev("2", "b", secs(0)), ev("3", "c", secs(0)))
	h.cms.Fault = func(op, roomID string, page int) error {
		if op == "find_scenario" && page == 2 {
			return errors.New("corrupt page")
		}
		return nil
	}
	out, err := h.runner.Run(context.Background(), Input{RoomID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Dispatched != 2 {
		t.Fatalf("out = %+v", out)
	}
	if msgs := h.disp.messages(); len(msgs) != 2 || msgs[0] != "a" || msgs[1] != "c" {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestSkipGivesUpAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true, PageSize: 1, SkipFailedPages: true, MaxPageFailures: 2}, nil)
	h.cms.AddEvents("r1", ev("1", "a", secs(0)), ev("2", "b", secs(0)), ev("3", "c", secs(0)), ev("4", "d", secs(0)))
	h.cms.Fault = func(op, roomID string, page int) error {
		if op == "find_scenario" && page >= 2 {
			return errors.New("store gone")
		}
		return nil
	}
	_, err := h.runner.Run(context.Background(), Input{RoomID: "r1"})
	var fe *ScenarioFetchError
	if !errors.As(err, &fe) || fe.Page != 3 {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatchFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true}, nil)
	h.cms.AddEvents("r1", ev("1", "ok", secs(0)), ev("2", "boom", secs(0)), ev("3", "fine", secs(0)))
	h.disp.fail["boom"] = &dispatch.Error{Op: "message", RoomID: "r1", Status: 502}

	out, err := h.runner.Run(context.Background(), Input{RoomID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.OK || out.Dispatched != 2 || out.Failed != 1 {
		t.Fatalf("out = %+v", out)
	}
	ds, err := h.deliveries.ListDeliveries(context.Background(), "r1", 10)
	if err != nil || len(ds) != 3 {
		t.Fatalf("deliveries = %+v, %v", ds, err)
	}
	var failed *storage.Delivery
	for i := range ds {
		if !ds[i].OK {
			failed = &ds[i]
		}
	}
	if failed == nil || failed.EventID != "2" || failed.Status != 502 || failed.Mode != "sync" {
		t.Fatalf("failed delivery = %+v", failed)
	}
}

func TestUnknownRoomIsNotRetried(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true}, nil)
	_, err := h.runner.Run(context.Background(), Input{RoomID: "ghost"})
	if !engine.IsNoRetry(err) || !errors.Is(err, cms.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := h.runner.Run(context.Background(), Input{}); !engine.IsNoRetry(err) {
		t.Fatalf("empty room err = %v", err)
	}
}

func TestLockedRoomIsSkipped(t *testing.T) {
	locks := runlock.NewLocal()
	h := newHarness(t, Config{Idempotent: true}, locks)
	h.cms.AddEvents("r1", ev("1", "hi", secs(0)))

	release, ok, _ := locks.Acquire(context.Background(), "room:r1", time.Minute)
	if !ok {
		t.Fatal("pre-acquire failed")
	}
	out, err := h.runner.Run(context.Background(), Input{RoomID: "r1"})
	if err != nil || out.Skipped != SkipLocked {
		t.Fatalf("out = %+v, %v", out, err)
	}
	release()
	out, err = h.runner.Run(context.Background(), Input{RoomID: "r1"})
	if err != nil || out.Dispatched != 1 {
		t.Fatalf("out after release = %+v, %v", out, err)
	}
}

func TestHandlerDecodesInput(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true}, nil)
	h.cms.AddEvents("r1", ev("1", "hi", secs(0)))
	fn := h.runner.Handler()

	v, err := fn(context.Background(), json.RawMessage(`{"roomId":"r1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out, ok := v.(Output); !ok || out.Dispatched != 1 {
		t.Fatalf("output = %#v", v)
	}
	if _, err := fn(context.Background(), json.RawMessage(`{"roomId":`)); !engine.IsNoRetry(err) {
		t.Fatalf("bad input err = %v", err)
	}
}

func TestSessionOpenedOnce(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true}, nil)
	if _, err := h.runner.Run(context.Background(), Input{RoomID: "r1"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for h.disp.sessions.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := h.disp.sessions.Load(); n != 1 {
		t.Fatalf("sessions = %d", n)
	}
}

func TestWalkedRunIsUnregisteredOnceDrained(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true}, nil)
	h.cms.AddEvents("r1", ev("1", "now", secs(0)), ev("2", "soon", secs(0.1)))
	out, err := h.runner.Run(context.Background(), Input{RoomID: "r1"})
	if err != nil || out.Scheduled != 1 {
		t.Fatalf("out = %+v, %v", out, err)
	}
	if _, ok := h.runner.Pending("r1"); !ok {
		t.Fatal("run with a pending dispatch not registered")
	}
	h.disp.wait(t, "soon")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.runner.Pending("r1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("drained run still registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.cms.PutRoom(cms.Room{ID: "r2"})
	h.cms.AddEvents("r2", ev("a", "only", secs(0)))
	if _, err := h.runner.Run(context.Background(), Input{RoomID: "r2"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.runner.Pending("r2"); ok {
		t.Fatal("fully dispatched run still registered")
	}
}

func TestCancelDropsUnfiredSessionOpen(t *testing.T) {
	h := newHarness(t, Config{Idempotent: true}, nil)
	h.runner.deps.Now = func() time.Time { return time.Now().Add(time.Hour) }
	h.cms.AddEvents("r1", ev("1", "hi", secs(0)))
	out, err := h.runner.Run(context.Background(), Input{RoomID: "r1"})
	if err != nil || out.Scheduled != 1 {
		t.Fatalf("out = %+v, %v", out, err)
	}
	group := "playback:r1:" + out.RunID
	if n := h.timers.Pending(group + ":session"); n != 1 {
		t.Fatalf("session timers = %d", n)
	}
	if n := h.runner.Cancel("r1"); n != 1 {
		t.Fatalf("canceled = %d", n)
	}
	if n := h.timers.Pending(group + ":session"); n != 0 {
		t.Fatalf("session timers after cancel = %d", n)
	}
	if h.disp.sessions.Load() != 0 {
		t.Fatal("session opened for a canceled run")
	}
}

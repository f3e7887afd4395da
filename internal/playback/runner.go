package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomcast/internal/cms"
	"roomcast/internal/dispatch"
	"roomcast/internal/eventbus"
	"roomcast/internal/runlock"
	"roomcast/internal/scenario"
	"roomcast/internal/storage"
	"roomcast/internal/task/engine"
	"roomcast/internal/task/scheduler"
	"roomcast/internal/timer"
	logx "roomcast/pkg/logx"
)

const deliveryWriteTimeout = 5 * time.Second

type Deps struct {
	Logger     logx.Logger
	Rooms      cms.RoomStore
	Scenario   cms.ScenarioStore
	Dispatcher dispatch.Dispatcher
	Timers     *timer.Service
	// Deliveries is optional.
	Deliveries storage.DeliveryLog
	// Locks is optional; nil means no cross-process exclusion.
	Locks runlock.Locker
	Bus   eventbus.Bus
	// Now is optional and defaults to time.Now.
	Now func() time.Time
}

// Runner executes room runs and keeps the registry of each room's latest run
// so pending dispatches can be listed and canceled.
type Runner struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps
	log  logx.Logger

	reader *scenario.Reader
	runs   map[string]*run
}

func New(cfg Config, deps Deps) (*Runner, error) {
	if deps.Rooms == nil || deps.Scenario == nil {
		return nil, errors.New("playback: cms stores required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("playback: dispatcher required")
	}
	if deps.Timers == nil {
		return nil, errors.New("playback: timer service required")
	}
	if deps.Locks == nil {
		deps.Locks = runlock.Noop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger.IsZero() {
		deps.Logger = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger.With(logx.String("comp", "playback")),
		reader: scenario.NewReader(deps.Scenario, cfg.PageSize),
		runs:   map[string]*run{},
	}, nil
}

// Apply swaps the runtime config. It takes effect on the next run.
func (r *Runner) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.PageSize != r.cfg.PageSize {
		r.reader = scenario.NewReader(r.deps.Scenario, cfg.PageSize)
	}
	r.cfg = cfg
}

func (r *Runner) snapshot() (Config, *scenario.Reader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.reader
}

// Handler adapts Run to the scheduler's job handler signature.
func (r *Runner) Handler() scheduler.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in Input
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, engine.NoRetry(fmt.Errorf("decode %s input: %w", TaskName, err))
		}
		return r.Run(ctx, in)
	}
}

// Run performs one invocation of the room run task.
//
// It returns once every event was dispatched (if due) or scheduled (if in the
// future). A run whose walk failed part way is resumed on the same epoch by
// the next invocation for the room.
func (r *Runner) Run(ctx context.Context, in Input) (Output, error) {
	roomID := strings.TrimSpace(in.RoomID)
	if roomID == "" {
		return Output{}, engine.NoRetry(ErrNoRoom)
	}
	cfg, reader := r.snapshot()
	log := r.log.With(logx.String("room", roomID))

	release, ok, err := r.deps.Locks.Acquire(ctx, "room:"+roomID, cfg.LockTTL)
	if err != nil {
		return Output{}, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		log.Info("run skipped; room locked by another runner")
		r.publishSkip(roomID, SkipLocked)
		return Output{OK: true, Skipped: SkipLocked}, nil
	}
	defer release()

	room, err := r.deps.Rooms.FindRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, cms.ErrNotFound) {
			return Output{}, engine.NoRetry(fmt.Errorf("room %s: %w", roomID, err))
		}
		return Output{}, fmt.Errorf("load room %s: %w", roomID, err)
	}

	rn, resumed := r.resumable(room, in.Force)
	if !resumed {
		if room.Started && !in.Force && cfg.Idempotent {
			log.Info("run skipped; room already started")
			r.publishSkip(roomID, SkipAlreadyStarted)
			return Output{OK: true, Skipped: SkipAlreadyStarted}, nil
		}
		rn, err = r.markLive(ctx, cfg, room, in.Force)
		if err != nil {
			if errors.Is(err, cms.ErrAlreadyStarted) {
				r.publishSkip(roomID, SkipAlreadyStarted)
				return Output{OK: true, Skipped: SkipAlreadyStarted}, nil
			}
			return Output{}, err
		}
		r.openSession(rn)
	} else {
		log.Info("resuming run", logx.String("run", rn.id), logx.Time("epoch", rn.epoch))
		eventbus.Publish(r.deps.Bus, "run.resumed", RunEvent{RunID: rn.id, RoomID: roomID, Epoch: rn.epoch})
	}

	w := &walk{r: r, run: rn, cfg: cfg, reader: reader, log: log.With(logx.String("run", rn.id))}
	out, err := w.do(ctx)
	out.RunID = rn.id
	if err != nil {
		log.Warn("run failed", logx.String("run", rn.id), logx.Err(err))
		eventbus.Publish(r.deps.Bus, "run.failed", RunEvent{RunID: rn.id, RoomID: roomID, Epoch: rn.epoch, Dispatched: out.Dispatched, Scheduled: out.Scheduled, Failed: out.Failed, Error: err.Error()})
		return out, err
	}
	if out.Skipped == "" {
		rn.setWalked()
		defer r.retire(rn)
	}
	log.Info("run walked",
		logx.String("run", rn.id),
		logx.Int("dispatched", out.Dispatched),
		logx.Int("scheduled", out.Scheduled),
		logx.Int("failed", out.Failed),
	)
	eventbus.Publish(r.deps.Bus, "run.walked", RunEvent{RunID: rn.id, RoomID: roomID, Epoch: rn.epoch, Dispatched: out.Dispatched, Scheduled: out.Scheduled, Failed: out.Failed, Reason: out.Skipped})
	out.OK = true
	return out, nil
}

// resumable returns the room's unfinished run when this invocation should
// continue it rather than start over.
func (r *Runner) resumable(room cms.Room, force bool) (*run, bool) {
	if force || !room.Started || room.StartedAt == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rn := r.runs[room.ID]
	if rn == nil || rn.isWalked() || rn.isCanceled() || !rn.epoch.Equal(*room.StartedAt) {
		return nil, false
	}
	return rn, true
}

func (r *Runner) markLive(ctx context.Context, cfg Config, room cms.Room, force bool) (*run, error) {
	now := r.deps.Now()
	patch := cms.RoomPatch{
		Started:      cms.Bool(true),
		StartedAt:    cms.TimePtr(now),
		IfNotStarted: cfg.Idempotent && !force,
	}
	updated, err := r.deps.Rooms.UpdateRoom(ctx, room.ID, patch)
	if err != nil {
		if errors.Is(err, cms.ErrAlreadyStarted) {
			return nil, err
		}
		if errors.Is(err, cms.ErrNotFound) {
			return nil, engine.NoRetry(&MarkLiveError{RoomID: room.ID, Err: err})
		}
		return nil, &MarkLiveError{RoomID: room.ID, Err: err}
	}
	epoch := now
	if updated.StartedAt != nil {
		epoch = *updated.StartedAt
	}

	rn := &run{
		id:     uuid.NewString(),
		roomID: room.ID,
		epoch:  epoch,
		seen:   map[string]struct{}{},
	}
	rn.group = cfg.TimerGroupPrefix + ":" + room.ID + ":" + rn.id
	rn.sessionGroup = rn.group + ":session"

	r.mu.Lock()
	prev := r.runs[room.ID]
	r.runs[room.ID] = rn
	r.mu.Unlock()
	if prev != nil {
		if n := r.cancelRun(prev); n > 0 {
			r.log.Info("previous run superseded", logx.String("room", room.ID), logx.String("run", prev.id), logx.Int("canceled", n))
		}
	}

	r.log.Info("room marked live", logx.String("room", room.ID), logx.String("run", rn.id), logx.Time("epoch", epoch), logx.Bool("force", force))
	eventbus.Publish(r.deps.Bus, "run.started", RunEvent{RunID: rn.id, RoomID: room.ID, Epoch: epoch})
	return rn, nil
}

// openSession fires the session-open signal off the walk. Its failure is only logged.
func (r *Runner) openSession(rn *run) {
	_, err := r.deps.Timers.ScheduleAt(rn.epoch, rn.sessionGroup, func(ctx context.Context) {
		if err := r.deps.Dispatcher.OpenSession(ctx, rn.roomID); err != nil {
			r.log.Warn("session open failed", logx.String("room", rn.roomID), logx.String("run", rn.id), logx.Err(err))
			return
		}
		r.log.Debug("session opened", logx.String("room", rn.roomID), logx.String("run", rn.id))
	})
	if err != nil {
		r.log.Warn("session open not scheduled", logx.String("room", rn.roomID), logx.Err(err))
	}
}

// Cancel stops the room's current run and drops its pending dispatches.
// It returns how many pending dispatches were canceled.
func (r *Runner) Cancel(roomID string) int {
	r.mu.Lock()
	rn := r.runs[roomID]
	delete(r.runs, roomID)
	r.mu.Unlock()
	if rn == nil {
		return 0
	}
	n := r.cancelRun(rn)
	r.log.Info("run canceled", logx.String("room", roomID), logx.String("run", rn.id), logx.Int("pending_canceled", n))
	eventbus.Publish(r.deps.Bus, "run.canceled", RunEvent{RunID: rn.id, RoomID: roomID, Epoch: rn.epoch, Scheduled: n})
	return n
}

// cancelRun returns the number of dispatches canceled; a pending session
// open is dropped too but not counted.
func (r *Runner) cancelRun(rn *run) int {
	rn.cancel()
	r.deps.Timers.CancelGroup(rn.sessionGroup)
	return r.deps.Timers.CancelGroup(rn.group)
}

// retire unregisters a walked run once none of its dispatches are pending.
func (r *Runner) retire(rn *run) {
	if !rn.isWalked() || r.deps.Timers.Pending(rn.group) > 0 {
		return
	}
	r.mu.Lock()
	if r.runs[rn.roomID] == rn {
		delete(r.runs, rn.roomID)
	}
	r.mu.Unlock()
}

// RunInfo describes a room's latest run.
type RunInfo struct {
	RunID   string    `json:"runId"`
	RoomID  string    `json:"roomId"`
	Epoch   time.Time `json:"epoch"`
	Walked  bool      `json:"walked"`
	Pending int       `json:"pending"`
}

// Pending reports the room's latest run and how many of its dispatches are
// still waiting on the timer. ok is false when the room has no run.
func (r *Runner) Pending(roomID string) (RunInfo, bool) {
	r.mu.Lock()
	rn := r.runs[roomID]
	r.mu.Unlock()
	if rn == nil {
		return RunInfo{RoomID: roomID}, false
	}
	return RunInfo{
		RunID:   rn.id,
		RoomID:  roomID,
		Epoch:   rn.epoch,
		Walked:  rn.isWalked(),
		Pending: r.deps.Timers.Pending(rn.group),
	}, true
}

func (r *Runner) publishSkip(roomID, reason string) {
	eventbus.Publish(r.deps.Bus, "run.skipped", RunEvent{RoomID: roomID, Reason: reason})
}

// deliver sends one event and records the outcome. It reports whether the
// chat endpoint accepted the message.
func (r *Runner) deliver(ctx context.Context, rn *run, ev cms.ScenarioEvent, fireAt time.Time, mode string) bool {
	if rn.isCanceled() {
		return false
	}
	start := r.deps.Now()
	ack, err := r.deps.Dispatcher.Dispatch(ctx, rn.roomID, ev.Username, ev.Message)
	lateness := start.Sub(fireAt)
	if lateness < 0 {
		lateness = 0
	}

	d := storage.Delivery{
		At:       start,
		RunID:    rn.id,
		RoomID:   rn.roomID,
		EventID:  ev.ID,
		Mode:     mode,
		FireAt:   fireAt,
		Lateness: lateness,
		OK:       err == nil,
		Status:   ack.Status,
	}
	de := DispatchEvent{RunID: rn.id, RoomID: rn.roomID, EventID: ev.ID, Mode: mode, FireAt: fireAt, Lateness: lateness, Status: ack.Status}
	if err != nil {
		var derr *dispatch.Error
		if errors.As(err, &derr) {
			d.Status = derr.Status
			de.Status = derr.Status
		}
		d.Error = err.Error()
		de.Error = d.Error
		r.log.Warn("dispatch failed", logx.String("room", rn.roomID), logx.String("event", ev.ID), logx.String("mode", mode), logx.Err(err))
		eventbus.Publish(r.deps.Bus, "dispatch.failed", de)
	} else {
		r.log.Debug("dispatched", logx.String("room", rn.roomID), logx.String("event", ev.ID), logx.String("mode", mode), logx.Duration("lateness", lateness))
		eventbus.Publish(r.deps.Bus, "dispatch.sent", de)
	}

	if r.deps.Deliveries != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryWriteTimeout)
		if werr := r.deps.Deliveries.AppendDelivery(wctx, d); werr != nil {
			r.log.Warn("delivery record failed", logx.String("room", rn.roomID), logx.String("event", ev.ID), logx.Err(werr))
		}
		cancel()
	}
	return err == nil
}

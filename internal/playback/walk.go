package playback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"roomcast/internal/cms"
	"roomcast/internal/eventbus"
	"roomcast/internal/scenario"
	logx "roomcast/pkg/logx"
)

// run is one epoch of a room. Events already handled are remembered so a
// resumed walk does not dispatch them twice.
type run struct {
	id     string
	roomID string
	epoch  time.Time
	// group holds the run's dispatch timers, sessionGroup its session open.
	group        string
	sessionGroup string

	mu       sync.Mutex
	seen     map[string]struct{}
	walked   bool
	canceled bool
}

func (rn *run) markSeen(key string) bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if _, ok := rn.seen[key]; ok {
		return false
	}
	rn.seen[key] = struct{}{}
	return true
}

func (rn *run) setWalked() {
	rn.mu.Lock()
	rn.walked = true
	rn.mu.Unlock()
}

func (rn *run) isWalked() bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.walked
}

func (rn *run) cancel() {
	rn.mu.Lock()
	rn.canceled = true
	rn.mu.Unlock()
}

func (rn *run) isCanceled() bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.canceled
}

type walk struct {
	r      *Runner
	run    *run
	cfg    Config
	reader *scenario.Reader
	log    logx.Logger

	out Output
	// dup counts events without an id by content, so identical lines stay distinct.
	dup map[string]int
}

var errCanceled = errors.New("run canceled")

func (w *walk) do(ctx context.Context) (Output, error) {
	w.dup = map[string]int{}
	pager := w.reader.Pages(w.run.roomID)
	var all []cms.ScenarioEvent
	failures := 0
	for {
		page, ok, err := pager.Next(ctx)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return w.out, cerr
			}
			failures++
			pageNo := pager.Page()
			ferr := &ScenarioFetchError{RoomID: w.run.roomID, Page: pageNo, Err: err}
			if !w.cfg.SkipFailedPages || errors.Is(err, scenario.ErrTooManyPages) || failures >= w.cfg.MaxPageFailures {
				return w.out, ferr
			}
			w.log.Warn("scenario page skipped", logx.Int("page", pageNo), logx.Int("consecutive", failures), logx.Err(err))
			eventbus.Publish(w.r.deps.Bus, "run.page_skipped", RunEvent{RunID: w.run.id, RoomID: w.run.roomID, Page: pageNo, Error: err.Error()})
			pager.Skip()
			continue
		}
		failures = 0
		if !ok {
			break
		}
		if w.cfg.Order == OrderPaged {
			docs := append([]cms.ScenarioEvent(nil), page.Docs...)
			scenario.SortByOffset(docs)
			if err := w.handleAll(ctx, docs); err != nil {
				return w.finish(err)
			}
			continue
		}
		all = append(all, page.Docs...)
	}
	if w.cfg.Order != OrderPaged {
		scenario.SortByOffset(all)
		if err := w.handleAll(ctx, all); err != nil {
			return w.finish(err)
		}
	}
	return w.out, nil
}

func (w *walk) finish(err error) (Output, error) {
	if errors.Is(err, errCanceled) {
		w.out.Skipped = SkipCanceled
		return w.out, nil
	}
	return w.out, err
}

func (w *walk) handleAll(ctx context.Context, evs []cms.ScenarioEvent) error {
	for _, ev := range evs {
		if w.run.isCanceled() {
			return errCanceled
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		w.handle(ctx, ev)
	}
	return nil
}

// handle dispatches a due event inline or hands a future one to the timer.
func (w *walk) handle(ctx context.Context, ev cms.ScenarioEvent) {
	if !w.run.markSeen(w.eventKey(ev)) {
		return
	}
	fireAt := w.run.epoch.Add(scenario.Offset(ev))
	if !fireAt.After(w.r.deps.Now()) {
		if w.r.deliver(ctx, w.run, ev, fireAt, "sync") {
			w.out.Dispatched++
		} else {
			w.out.Failed++
		}
		return
	}

	rn := w.run
	_, err := w.r.deps.Timers.ScheduleAt(fireAt, rn.group, func(tctx context.Context) {
		w.r.deliver(tctx, rn, ev, fireAt, "timer")
		w.r.retire(rn)
	})
	if err != nil {
		w.out.Failed++
		w.log.Error("dispatch not scheduled", logx.String("event", ev.ID), logx.Time("fire_at", fireAt), logx.Err(err))
		eventbus.Publish(w.r.deps.Bus, "dispatch.failed", DispatchEvent{RunID: rn.id, RoomID: rn.roomID, EventID: ev.ID, Mode: "timer", FireAt: fireAt, Error: err.Error()})
		return
	}
	w.out.Scheduled++
}

func (w *walk) eventKey(ev cms.ScenarioEvent) string {
	if ev.ID != "" {
		return "id:" + ev.ID
	}
	k := fmt.Sprintf("%s|%s|%g", ev.Username, ev.Message, ev.OffsetSeconds())
	w.dup[k]++
	return k + "#" + strconv.Itoa(w.dup[k])
}

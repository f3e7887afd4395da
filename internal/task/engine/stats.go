package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"roomcast/internal/eventbus"
	logx "roomcast/pkg/logx"
)

// Drop warnings are logged at most this often per reason.
const dropWarnEvery = 5 * time.Second

type stats struct {
	inFlight  atomic.Int32
	queueFull atomic.Uint64
	stale     atomic.Uint64

	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	histMu  sync.Mutex
	history []HistoryItem
}

// shouldWarn throttles drop warnings per reason.
func (st *stats) shouldWarn(reason string, now time.Time) bool {
	st.warnMu.Lock()
	defer st.warnMu.Unlock()
	if last, ok := st.lastWarn[reason]; ok && now.Sub(last) < dropWarnEvery {
		return false
	}
	if st.lastWarn == nil {
		st.lastWarn = map[string]time.Time{}
	}
	st.lastWarn[reason] = now
	return true
}

func (st *stats) record(item HistoryItem, limit int) {
	st.histMu.Lock()
	defer st.histMu.Unlock()
	st.history = append(st.history, item)
	if over := len(st.history) - limit; over > 0 {
		st.history = append(st.history[:0], st.history[over:]...)
	}
}

func (st *stats) recent() []HistoryItem {
	st.histMu.Lock()
	defer st.histMu.Unlock()
	return append([]HistoryItem(nil), st.history...)
}

// dropped counts, publishes and (throttled) logs a task the engine gave up on.
func (s *Service) dropped(reason string, item HistoryItem, fields ...logx.Field) {
	switch reason {
	case "queue_full":
		s.stats.queueFull.Add(1)
	case "stale_queue_delay":
		s.stats.stale.Add(1)
	}
	item.Error = reason
	eventbus.Publish(s.bus, "task.dropped", TaskEvent(item))
	if !s.stats.shouldWarn(reason, item.Started) {
		return
	}
	fields = append([]logx.Field{
		logx.String("task", item.Name),
		logx.String("id", item.ID),
		logx.String("reason", reason),
	}, fields...)
	s.log.Warn("task dropped", fields...)
}

package scheduler

import (
	"sort"
	"time"

	"roomcast/internal/task/engine"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	spec := s.pollSpec
	c := s.c
	entry := s.pollEntry
	loc := s.loc
	eng := s.engine
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	s.hmu.RLock()
	tasks := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		tasks = append(tasks, name)
	}
	s.hmu.RUnlock()
	sort.Strings(tasks)

	out := Snapshot{
		Enabled:  enabled,
		Timezone: tz,
		Poll:     spec,
		Tasks:    tasks,
	}
	if c != nil && entry != 0 {
		e := c.Entry(entry)
		out.NextPoll = e.Next
		out.PrevPoll = e.Prev
	}
	if s.timers != nil {
		out.Wakes = s.timers.Pending(wakeGroup)
	}

	retryMax := 0
	if eng != nil {
		es := eng.Snapshot()
		out.Workers = es.Workers
		out.InFlight = es.InFlight
		out.QueueLen = es.QueueLen
		out.QueueCap = es.QueueCap
		out.Dropped = es.Dropped
		out.DroppedQueueFull = es.DroppedQueueFull
		out.DroppedStale = es.DroppedStale
		out.DefaultTimeout = es.DefaultTimeout
		out.MaxQueueDelay = es.MaxQueueDelay
		out.History = es.History
		retryMax = es.RetryMax
	}

	// Surface effective retry defaults used by the executor.
	opt := engine.DefaultTaskOptions(engine.Config{RetryMax: retryMax})
	out.RetryMax = opt.RetryMax
	out.RetryBase = opt.RetryBase
	out.RetryMaxDelay = opt.RetryMaxDelay
	out.RetryJitter = opt.RetryJitter
	return out
}

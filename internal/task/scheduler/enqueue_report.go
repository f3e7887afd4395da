package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"roomcast/internal/task/engine"
	logx "roomcast/pkg/logx"
)

// One warning per task name per window; queue-full bursts would flood the log.
const enqueueWarnEvery = 5 * time.Second

// reportEnqueueError logs why the engine refused a claimed job. The job has
// already been released back to the queue.
func (s *Service) reportEnqueueError(name, key string, err error) {
	if err == nil {
		return
	}
	log := s.log.With(logx.String("name", name), logx.String("key", key))
	if errors.Is(err, engine.ErrOverlapSkip) {
		log.Debug("job deferred; key busy")
		return
	}
	if !s.enqueueWarnLimiter(name).Allow() {
		return
	}
	log.Warn("engine refused job; released for retry", logx.Err(err))
}

func (s *Service) enqueueWarnLimiter(name string) *rate.Limiter {
	s.enqMu.Lock()
	defer s.enqMu.Unlock()
	lim, ok := s.enqWarn[name]
	if !ok {
		lim = rate.NewLimiter(rate.Every(enqueueWarnEvery), 1)
		s.enqWarn[name] = lim
	}
	return lim
}

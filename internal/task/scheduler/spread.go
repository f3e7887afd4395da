package scheduler

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

// maxPollSpread caps the random delay of the first interval poll so several
// processes sharing one store do not poll in lockstep.
const maxPollSpread = 30 * time.Second

// spreadSchedule fires first at a jittered time, then follows base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := min(every, maxPollSpread)
	if spread <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}

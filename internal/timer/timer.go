package timer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "roomcast/pkg/logx"
)

var (
	ErrStopped = errors.New("timer service stopped")
	ErrFull    = errors.New("timer service full")
)

type Config struct {
	// Workers bounds how many callbacks run concurrently.
	Workers int
	// MaxPending bounds queued entries. 0 = unlimited.
	MaxPending int
}

// Handle identifies one scheduled entry.
type Handle struct {
	id    uint64
	Group string
	At    time.Time
}

func (h Handle) IsZero() bool { return h.id == 0 }

type entry struct {
	id       uint64
	at       time.Time
	group    string
	fn       func(ctx context.Context)
	index    int
	canceled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Service fires callbacks at absolute wall-clock times.
//
// Pending entries live in a min-heap driven by a single goroutine; due
// callbacks run on a bounded worker pool. Entries are in-memory only and are
// dropped on Stop.
type Service struct {
	log logx.Logger
	cfg Config

	mu      sync.Mutex
	pq      entryHeap
	byID    map[uint64]*entry
	groups  map[string]int
	seq     uint64
	stopped bool
	running bool

	wake  chan struct{}
	work  chan *entry
	runWg sync.WaitGroup
	ctx   context.Context
	stop  context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Service{
		log:    log.With(logx.String("comp", "timer")),
		cfg:    cfg,
		byID:   map[uint64]*entry{},
		groups: map[string]int{},
		wake:   make(chan struct{}, 1),
	}
}

// ScheduleAt arranges for fn to run at (or as soon as possible after) at.
// A time at or before now fires immediately once the service is started.
func (s *Service) ScheduleAt(at time.Time, group string, fn func(ctx context.Context)) (Handle, error) {
	if fn == nil {
		return Handle{}, errors.New("timer: nil callback")
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Handle{}, ErrStopped
	}
	if s.cfg.MaxPending > 0 && len(s.byID) >= s.cfg.MaxPending {
		s.mu.Unlock()
		return Handle{}, ErrFull
	}
	s.seq++
	e := &entry{id: s.seq, at: at, group: group, fn: fn}
	heap.Push(&s.pq, e)
	s.byID[e.id] = e
	s.groups[group]++
	head := s.pq[0] == e
	s.mu.Unlock()

	if head {
		s.poke()
	}
	return Handle{id: e.id, Group: group, At: at}, nil
}

// Cancel removes a pending entry. It reports false if the entry already fired
// or was never scheduled.
func (s *Service) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[h.id]
	if !ok {
		return false
	}
	s.removeLocked(e)
	return true
}

// CancelGroup removes every pending entry of group and returns how many were removed.
func (s *Service) CancelGroup(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups[group] == 0 {
		return 0
	}
	var victims []*entry
	for _, e := range s.byID {
		if e.group == group {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		s.removeLocked(e)
	}
	return len(victims)
}

func (s *Service) removeLocked(e *entry) {
	e.canceled = true
	if e.index >= 0 {
		heap.Remove(&s.pq, e.index)
	}
	s.forgetLocked(e)
}

func (s *Service) forgetLocked(e *entry) {
	delete(s.byID, e.id)
	if n := s.groups[e.group] - 1; n > 0 {
		s.groups[e.group] = n
	} else {
		delete(s.groups, e.group)
	}
}

// Pending returns the number of entries in group that have not fired yet.
func (s *Service) Pending(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[group]
}

// Len returns the total number of pending entries.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ctx, s.stop = context.WithCancel(context.WithoutCancel(ctx))
	s.work = make(chan *entry)
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.runWg.Add(1)
		go s.worker()
	}
	s.runWg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the service. Pending entries are dropped; callbacks already
// running get a canceled context and are waited for until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	dropped := len(s.byID)
	for _, e := range s.byID {
		e.canceled = true
	}
	s.pq = nil
	s.byID = map[uint64]*entry{}
	s.groups = map[string]int{}
	running := s.running
	s.mu.Unlock()

	if dropped > 0 {
		s.log.Warn("timer service stopped with pending entries", logx.Int("dropped", dropped))
	}
	if !running {
		return nil
	}
	s.stop()

	done := make(chan struct{})
	go func() {
		s.runWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop() {
	defer s.runWg.Done()
	defer close(s.work)

	t := time.NewTimer(time.Hour)
	defer t.Stop()

	for {
		e, wait := s.next(time.Now())
		if e != nil {
			select {
			case s.work <- e:
			case <-s.ctx.Done():
				return
			}
			continue
		}

		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(wait)

		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-t.C:
		}
	}
}

// next pops the head entry if it is due; otherwise it reports how long to sleep.
func (s *Service) next(now time.Time) (*entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pq) == 0 {
		return nil, time.Hour
	}
	head := s.pq[0]
	if d := head.at.Sub(now); d > 0 {
		return nil, d
	}
	heap.Pop(&s.pq)
	s.forgetLocked(head)
	return head, 0
}

func (s *Service) worker() {
	defer s.runWg.Done()
	for e := range s.work {
		s.fire(e)
	}
}

func (s *Service) fire(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("timer callback panicked",
				logx.String("group", e.group),
				logx.String("panic", fmt.Sprint(r)),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	e.fn(s.ctx)
}

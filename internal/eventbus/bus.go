// Package eventbus fans in-process signals (task, job, run and dispatch
// events) out to subscribers such as metrics and the debug log.
package eventbus

import (
	"strings"
	"sync"
	"time"
)

// Event is one signal. Type is dotted: "dispatch.sent", "job.failed".
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Family is the Type prefix before the first dot.
func (e Event) Family() string {
	family, _, _ := strings.Cut(e.Type, ".")
	return family
}

// Bus never blocks a publisher: a subscriber whose buffer is full misses
// the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory Bus. It starts no goroutines.
func New() Bus {
	return &fanout{}
}

type fanout struct {
	// mu is read-held while sending so unsubscribe cannot close mid-send.
	mu   sync.RWMutex
	subs []*subscriber
}

type subscriber struct {
	ch     chan Event
	closed bool
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s.ch, func() { f.remove(s) }
}

func (f *fanout) remove(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for i, cur := range f.subs {
		if cur == s {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
}

// Publish sends on b when it is non-nil, so a bus is optional everywhere.
func Publish(b Bus, typ string, data any) {
	if b != nil {
		b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
	}
}

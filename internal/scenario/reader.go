// Package scenario walks a room's scripted chat events page by page.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"roomcast/internal/cms"
)

var ErrTooManyPages = errors.New("scenario: page limit exceeded")

const (
	DefaultPageSize = 10
	DefaultMaxPages = 10000

	// MaxOffset caps an event's offset from the run epoch.
	MaxOffset = 100 * 365 * 24 * time.Hour
)

// Reader produces the scenario of a room as a lazy sequence of pages.
type Reader struct {
	store    cms.ScenarioStore
	pageSize int
	// MaxPages stops a store that never reports a last page.
	MaxPages int
}

func NewReader(store cms.ScenarioStore, pageSize int) *Reader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Reader{store: store, pageSize: pageSize, MaxPages: DefaultMaxPages}
}

// Pages starts a fresh pass over roomID's scenario.
func (r *Reader) Pages(roomID string) *Pager {
	return &Pager{r: r, roomID: roomID, next: 1}
}

// Pager is a single pass. It is not safe for concurrent use.
type Pager struct {
	r      *Reader
	roomID string
	next   int
	done   bool
}

// PageError reports which page failed to load.
type PageError struct {
	RoomID string
	Page   int
	Err    error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("scenario: room %s page %d: %v", e.RoomID, e.Page, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// Next fetches the next page. It returns ok=false after the last page.
// On error the pager stays on the failed page: calling Next again retries it,
// Skip moves past it.
func (p *Pager) Next(ctx context.Context) (cms.Page, bool, error) {
	if p.done {
		return cms.Page{}, false, nil
	}
	max := p.r.MaxPages
	if max <= 0 {
		max = DefaultMaxPages
	}
	if p.next > max {
		p.done = true
		return cms.Page{}, false, &PageError{RoomID: p.roomID, Page: p.next, Err: ErrTooManyPages}
	}
	page, err := p.r.store.FindScenario(ctx, p.roomID, p.next, p.r.pageSize)
	if err != nil {
		return cms.Page{}, false, &PageError{RoomID: p.roomID, Page: p.next, Err: err}
	}
	p.next++
	if !page.HasNextPage {
		p.done = true
	}
	return page, true, nil
}

// Skip abandons the page that last failed and moves on to the following one.
func (p *Pager) Skip() {
	if !p.done {
		p.next++
	}
}

// Page returns the number of the page the next call to Next will fetch.
func (p *Pager) Page() int { return p.next }

// SortByOffset orders events by coerced seconds; ties keep stored order.
func SortByOffset(evs []cms.ScenarioEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		return evs[i].OffsetSeconds() < evs[j].OffsetSeconds()
	})
}

// Offset returns the event's fire offset from the run epoch, clamped to
// MaxOffset.
func Offset(ev cms.ScenarioEvent) time.Duration {
	sec := ev.OffsetSeconds()
	if sec >= MaxOffset.Seconds() {
		return MaxOffset
	}
	return time.Duration(sec * float64(time.Second))
}

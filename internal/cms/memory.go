package cms

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. Scenario events keep insertion order, which
// need not match their Seconds order.
type Memory struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	scenario map[string][]ScenarioEvent

	// Fault, when set, is consulted before every call; a non-nil return fails it.
	// op is "find_room", "update_room" or "find_scenario"; page is 0 for room ops.
	Fault func(op, roomID string, page int) error
}

func NewMemory() *Memory {
	return &Memory{rooms: map[string]*Room{}, scenario: map[string][]ScenarioEvent{}}
}

func (m *Memory) Close() error { return nil }

// PutRoom inserts or replaces a room.
func (m *Memory) PutRoom(r Room) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[r.ID] = &r
}

// AddEvents appends events to the room's scenario.
func (m *Memory) AddEvents(roomID string, evs ...ScenarioEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range evs {
		ev.RoomID = roomID
		m.scenario[roomID] = append(m.scenario[roomID], ev)
	}
}

func (m *Memory) fault(op, roomID string, page int) error {
	if m.Fault == nil {
		return nil
	}
	return m.Fault(op, roomID, page)
}

func (m *Memory) FindRoom(ctx context.Context, id string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	if err := m.fault("find_room", id, 0); err != nil {
		return Room{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	return *r, nil
}

func (m *Memory) UpdateRoom(ctx context.Context, id string, patch RoomPatch) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	if err := m.fault("update_room", id, 0); err != nil {
		return Room{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	if patch.IfNotStarted && r.Started {
		return *r, ErrAlreadyStarted
	}
	patch.apply(r)
	r.UpdatedAt = time.Now()
	return *r, nil
}

func (m *Memory) FindScenario(ctx context.Context, roomID string, page, pageSize int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	if err := m.fault("find_scenario", roomID, page); err != nil {
		return Page{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.scenario[roomID]
	start := (page - 1) * pageSize
	if start >= len(all) {
		return Page{Page: page}, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	docs := append([]ScenarioEvent(nil), all[start:end]...)
	return Page{Docs: docs, Page: page, HasNextPage: end < len(all)}, nil
}

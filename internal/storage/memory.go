package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore keeps everything in maps. The file driver reuses it and journals
// every change through the hooks.
type memStore struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	deliveries []Delivery

	// Called under mu after a job changed or a delivery was appended.
	onJob      func(Job) error
	onDelivery func(Delivery) error
}

// NewMemory returns a process-local Store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*Job{}}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) commitLocked(j *Job) error {
	if s.onJob != nil {
		return s.onJob(*j)
	}
	return nil
}

func (s *memStore) InsertJob(ctx context.Context, j Job) error {
	_ = ctx
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = StatusQueued
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := j
	s.jobs[j.ID] = &cp
	return s.commitLocked(&cp)
}

func (s *memStore) markQueued(name, key, exceptID string, to JobStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, j := range s.jobs {
		if j.Status != StatusQueued || j.Name != name || j.Key != key || j.ID == exceptID {
			continue
		}
		j.Status = to
		j.UpdatedAt = now
		if err := s.commitLocked(j); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *memStore) SupersedeJobs(ctx context.Context, name, key, exceptID string) (int, error) {
	_ = ctx
	return s.markQueued(name, key, exceptID, StatusSuperseded)
}

func (s *memStore) CancelJobs(ctx context.Context, name, key string) (int, error) {
	_ = ctx
	return s.markQueued(name, key, "", StatusCanceled)
}

func (s *memStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, j := range s.jobs {
		switch {
		case j.Status == StatusQueued && !j.RunAt.After(now):
			due = append(due, j)
		case j.Status == StatusRunning && !j.LeaseUntil.IsZero() && !j.LeaseUntil.After(now):
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return lessJob(due[a], due[b]) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Job, 0, len(due))
	for _, j := range due {
		j.Status = StatusRunning
		j.Claims++
		j.LeaseUntil = now.Add(lease)
		j.UpdatedAt = now
		if err := s.commitLocked(j); err != nil {
			return out, err
		}
		out = append(out, *j)
	}
	return out, nil
}

func lessJob(a, b *Job) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *memStore) finish(id string, fn func(j *Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusRunning {
		return ErrConflict
	}
	fn(j)
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = time.Now()
	return s.commitLocked(j)
}

func (s *memStore) CompleteJob(ctx context.Context, id string, output []byte, attempts int) error {
	_ = ctx
	return s.finish(id, func(j *Job) {
		j.Status = StatusSucceeded
		j.Output = append([]byte(nil), output...)
		j.Attempts += attempts
		j.LastError = ""
	})
}

func (s *memStore) FailJob(ctx context.Context, id string, errMsg string, attempts int) error {
	_ = ctx
	return s.finish(id, func(j *Job) {
		j.Status = StatusFailed
		j.Attempts += attempts
		j.LastError = errMsg
	})
}

func (s *memStore) ReleaseJob(ctx context.Context, id string, runAt time.Time) error {
	_ = ctx
	return s.finish(id, func(j *Job) {
		j.Status = StatusQueued
		j.RunAt = runAt
		if j.Claims > 0 {
			j.Claims--
		}
	})
}

func (s *memStore) CancelJob(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != StatusQueued {
		return false, nil
	}
	j.Status = StatusCanceled
	j.UpdatedAt = time.Now()
	return true, s.commitLocked(j)
}

func (s *memStore) GetJob(ctx context.Context, id string) (Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

func (s *memStore) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var hits []*Job
	for _, j := range s.jobs {
		if f.match(*j) {
			hits = append(hits, j)
		}
	}
	sort.Slice(hits, func(a, b int) bool { return lessJob(hits[a], hits[b]) })
	if f.Limit > 0 && len(hits) > f.Limit {
		hits = hits[:f.Limit]
	}
	out := make([]Job, len(hits))
	for i, j := range hits {
		out[i] = *j
	}
	return out, nil
}

func (s *memStore) AppendDelivery(ctx context.Context, d Delivery) error {
	_ = ctx
	if d.At.IsZero() {
		d.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	if s.onDelivery != nil {
		return s.onDelivery(d)
	}
	return nil
}

func (s *memStore) ListDeliveries(ctx context.Context, roomID string, limit int) ([]Delivery, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Delivery
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		if roomID != "" && s.deliveries[i].RoomID != roomID {
			continue
		}
		out = append(out, s.deliveries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// pruneLocked drops finished jobs and deliveries older than cutoff.
func (s *memStore) pruneLocked(cutoff time.Time) {
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
	keep := s.deliveries[:0]
	for _, d := range s.deliveries {
		if !d.At.Before(cutoff) {
			keep = append(keep, d)
		}
	}
	s.deliveries = keep
}

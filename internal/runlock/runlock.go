// Package runlock provides a best-effort mutual exclusion per key, used to keep
// at most one playback walk per room across workers and processes.
package runlock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "roomcast/pkg/logx"
)

// Locker grants exclusive, expiring ownership of a key.
//
// Acquire reports ok=false when another owner holds the key. The returned
// release func is safe to call more than once and never releases a lock that
// has since expired and been taken by someone else.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type Config struct {
	// Driver is "local" (default), "redis" or "none".
	Driver string
	URL    string
	Prefix string
}

// Open builds the configured locker. The returned close func releases
// driver resources.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Locker, func() error, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "roomcast:runlock:"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "local":
		return NewLocal(), func() error { return nil }, nil
	case "none":
		return Noop{}, func() error { return nil }, nil
	case "redis":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, nil, errors.New("runlock: redis url required")
		}
		r, err := NewRedis(ctx, cfg.URL, prefix, log)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return nil, nil, errors.New("runlock: unknown driver " + cfg.Driver)
	}
}

// Noop grants every request.
type Noop struct{}

func (Noop) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

type localEntry struct {
	token   string
	expires time.Time
}

// Local is an in-process locker.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

func NewLocal() *Local {
	return &Local{held: map[string]localEntry{}, clock: time.Now}
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.held[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, false, nil
	}
	token := uuid.NewString()
	e := localEntry{token: token}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	l.held[key] = e
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if cur, ok := l.held[key]; ok && cur.token == token {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
	}, true, nil
}

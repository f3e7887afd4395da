package config

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "roomcast/pkg/logx"
)

const (
	settleDelay     = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	rewatchMin      = 250 * time.Millisecond
	rewatchMax      = 5 * time.Second
)

// Watch reloads the file after it settles following an edit, until ctx is
// done. The directory is watched rather than the file so editors that
// replace the file by rename are still seen. A watcher that fails or
// closes is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir), logx.String("file", name))

	deb := &debouncer{delay: settleDelay, fn: func() { m.reload(ctx) }}
	defer deb.stop()

	bo := backoff{min: rewatchMin, max: rewatchMax, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, name, deb, log, bo.reset)
		if ctx.Err() != nil {
			break
		}
		wait := bo.next()
		log.Warn("config watcher restarting", logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends.
func (m *Manager) watchOnce(ctx context.Context, dir, name string, deb *debouncer, log logx.Logger, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	log.Debug("config watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) && ev.Op != 0 {
				log.Debug("config change detected", logx.String("op", ev.Op.String()))
				deb.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			switch {
			case strings.Contains(msg, "overflow"):
				// events were lost; reload to catch up
				log.Warn("config watch overflow", logx.Err(err))
				deb.trigger()
			case strings.Contains(msg, "closed"):
				return err
			default:
				log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

type watchError string

func (e watchError) Error() string { return string(e) }

const errWatcherClosed = watchError("watcher closed")

// debouncer runs fn once after delay has passed without another trigger.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

// backoff doubles from min to max and adds up to 50% jitter.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
	rng      *rand.Rand
}

func (b *backoff) reset() { b.cur = 0 }

func (b *backoff) next() time.Duration {
	switch {
	case b.cur < b.min:
		b.cur = b.min
	case b.cur < b.max:
		b.cur = min(b.cur*2, b.max)
	}
	return b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
}

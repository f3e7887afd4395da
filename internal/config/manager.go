package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"sync"

	logx "roomcast/pkg/logx"
)

// Validator vets a parsed config before it is committed.
type Validator func(ctx context.Context, cfg *Config) error

// Manager owns the current config: it loads the file, watches it for edits
// and publishes validated changes to subscribers.
type Manager struct {
	path string
	env  func(string) (string, bool)
	log  logx.Logger

	mu        sync.RWMutex
	cfg       *Config
	sum       uint64
	validator Validator

	// subMu is held while sending so Unsubscribe never closes a channel mid-send.
	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, env: os.LookupEnv, subs: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

// SetEnvLookup replaces the environment source used by Parse. nil disables
// environment overrides.
func (m *Manager) SetEnvLookup(fn func(string) (string, bool)) { m.env = fn }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the check Watch runs before committing a reload.
func (m *Manager) SetValidator(fn Validator) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

// Parse reads and decodes the file and applies environment overrides.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(m.env)
	return cfg, nil
}

// Load parses the file and commits it without validation or publishing.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	sum := checksum(cfg)
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every published config. A slow
// subscriber loses older configs, never the newest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// full: drop the oldest, then retry once
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload parses, validates and commits the file. It reports whether
// subscribers were notified.
func (m *Manager) reload(ctx context.Context) bool {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return false
	}
	sum := checksum(cfg)

	m.mu.RLock()
	same := sum != 0 && sum == m.sum
	validate := m.validator
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged")
		return false
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return false
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	log.Debug("config published", logx.Uint64("checksum", sum))
	return true
}

// checksum is an FNV-64a digest of the config's JSON form; 0 means unknown.
func checksum(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

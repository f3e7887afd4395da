package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
http:
  enabled: true
  addr: 127.0.0.1:8080
cms:
  driver: postgres
chat:
  base_url: https://chat.example.com
  sender_email: bot@example.com
  timeout: 5s
scheduler:
  enabled: true
  poll: "@every 30s"
playback:
  order: paged
  idempotent: false
run_lock:
  driver: redis
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	cfg, err := Decode("roomcast.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" || !cfg.HTTP.Enabled || cfg.CMS.Driver != "postgres" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Scheduler.Poll != "@every 30s" || cfg.Playback.Order != "paged" || cfg.Playback.IsIdempotent() {
		t.Fatalf("scheduler/playback = %+v %+v", cfg.Scheduler, cfg.Playback)
	}

	js := `{"chat":{"base_url":"http://x"},"playback":{}}`
	cfg, err = Decode("roomcast.json", []byte(js))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Playback.IsIdempotent() {
		t.Fatal("idempotent should default to true")
	}
}

func TestDecodeStrict(t *testing.T) {
	cases := map[string]struct {
		name string
		body string
	}{
		"unknown json key": {"c.json", `{"chat":{"base_url":"x","bogus":1}}`},
		"unknown yaml key": {"c.yml", "scheduler:\n  workers: 3\n"},
		"trailing data":    {"c.json", `{} {}`},
		"bad yaml":         {"c.yaml", "chat: [\n"},
	}
	for name, tc := range cases {
		if _, err := Decode(tc.name, []byte(tc.body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvDatabaseURI:   "postgres://u:p@db/cms",
		EnvRedisURL:      "redis://cache:6379/0",
		EnvSigningSecret: "shh",
		EnvHTTPToken:     "tok",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := &Config{HTTP: HTTPConfig{Token: "from-file"}}
	cfg.ApplyEnv(lookup)
	if cfg.CMS.DSN != env[EnvDatabaseURI] || cfg.RunLock.URL != env[EnvRedisURL] || cfg.Chat.SigningSecret != "shh" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.HTTP.Token != "from-file" {
		t.Fatalf("file value overridden: %q", cfg.HTTP.Token)
	}
	if cfg.Chat.BaseURL != "" {
		t.Fatalf("unset env filled base url: %q", cfg.Chat.BaseURL)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{HTTP: HTTPConfig{Token: "a"}, Chat: ChatConfig{SigningSecret: "one"}}
	newCfg := &Config{HTTP: HTTPConfig{Token: "b"}, Chat: ChatConfig{SigningSecret: "two"}, Storage: &StorageConfig{Driver: "sqlite"}}

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	for _, want := range []string{"http", "chat", "storage"} {
		if !slices.Contains(sections, want) {
			t.Fatalf("sections = %v, missing %s", sections, want)
		}
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(sections); !slices.Equal(got, []string{"storage"}) {
		t.Fatalf("restart required = %v", got)
	}

	sections, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(sections) != 0 {
		t.Fatalf("no-op diff = %v", sections)
	}
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roomcast.json")
	if err := os.WriteFile(path, []byte(`{"scheduler":{"poll":"@every 1m"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	m.SetEnvLookup(nil)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if strings.HasPrefix(cfg.Scheduler.Poll, "bad") {
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"scheduler":{"poll":"bad"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"scheduler":{"poll":"@every 5s"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Scheduler.Poll != "@every 5s" {
			t.Fatalf("published poll = %q", cfg.Scheduler.Poll)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	if got := m.Get().Scheduler.Poll; got != "@every 5s" {
		t.Fatalf("committed poll = %q", got)
	}
}

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"roomcast/internal/cms"
	"roomcast/internal/config"
	"roomcast/internal/storage"
)

func seconds(v float64) *float64 { return &v }

type chatServer struct {
	mu       sync.Mutex
	messages []string
	sessions int
}

func (c *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages/scenario"):
		c.messages = append(c.messages, r.URL.Path)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/webinars/"):
		c.sessions++
	}
	w.WriteHeader(http.StatusOK)
}

func (c *chatServer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func writeConfig(t *testing.T, body string) *ConfigManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roomcast.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	m := config.NewManager(path)
	m.SetEnvLookup(nil)
	return m
}

func TestAppRunsRoomEndToEnd(t *testing.T) {
	chat := &chatServer{}
	srv := httptest.NewServer(chat)
	defer srv.Close()

	cfgm := writeConfig(t, `{
		"logging": {"level": "error"},
		"http": {"enabled": true, "addr": "127.0.0.1:0"},
		"cms": {"driver": "memory"},
		"chat": {"base_url": "`+srv.URL+`", "sender_email": "bot@example.com"},
		"scheduler": {"enabled": true, "poll": "@every 1h"},
		"task_engine": {"retry_base": "10ms"}
	}`)
	cfg, err := cfgm.Load()
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewWithConfig(context.Background(), cfgm, cfg)
	if err != nil {
		t.Fatal(err)
	}
	var (
		nmu    sync.Mutex
		states []string
	)
	a.notify = func(s string) {
		nmu.Lock()
		states = append(states, s)
		nmu.Unlock()
	}

	mem := a.rooms.(*cms.Memory)
	mem.PutRoom(cms.Room{ID: "r1", Name: "Demo", Type: cms.RoomAuto})
	mem.AddEvents("r1",
		cms.ScenarioEvent{ID: "e2", Username: "ann", Message: "bye", Seconds: seconds(0.2)},
		cms.ScenarioEvent{ID: "e1", Username: "ann", Message: "hi", Seconds: seconds(0)},
	)

	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.http.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("http never ready")
	}

	resp, err := http.Post("http://"+a.HTTPAddr()+"/api/rooms/r1/start", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(3 * time.Second)
	for chat.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := chat.count(); got != 2 {
		t.Fatalf("messages delivered = %d, want 2", got)
	}

	room, err := mem.FindRoom(context.Background(), "r1")
	if err != nil || !room.Started || room.StartedAt == nil {
		t.Fatalf("room = %+v err=%v", room, err)
	}
	jobs, err := a.Scheduler().List(context.Background(), storage.JobFilter{Status: storage.StatusSucceeded})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("succeeded jobs = %+v err=%v", jobs, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatal(err)
	}
	nmu.Lock()
	defer nmu.Unlock()
	if len(states) != 2 || states[0] != "READY=1" || states[1] != "STOPPING=1" {
		t.Fatalf("sd_notify states = %v", states)
	}
}

func TestValidateConfig(t *testing.T) {
	f := false
	cases := map[string]*Config{
		"bad storage driver":   {Storage: &config.StorageConfig{Driver: "mongo"}},
		"sqlite without path":  {Storage: &config.StorageConfig{Driver: "sqlite"}},
		"postgres without dsn": {CMS: config.CMSConfig{Driver: "postgres"}},
		"bad chat timeout":     {Chat: config.ChatConfig{Timeout: "soon"}},
		"bad chat url":         {Chat: config.ChatConfig{BaseURL: "chat.example.com"}},
		"bad timezone":         {Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}},
		"bad poll":             {Scheduler: config.SchedulerConfig{Poll: "whenever"}},
		"engine off with scheduler on": {
			Scheduler:  config.SchedulerConfig{Enabled: true},
			TaskEngine: &config.TaskEngineConfig{Enabled: &f},
		},
		"bad order":         {Playback: config.PlaybackConfig{Order: "random"}},
		"redis without url": {RunLock: config.RunLockConfig{Driver: "redis"}},
		"bad http timeout":  {HTTP: config.HTTPConfig{ReadTimeout: "-1s"}},
	}
	for name, cfg := range cases {
		if err := validateConfig(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if err := validateConfig(&Config{}); err != nil {
		t.Fatalf("zero config: %v", err)
	}
}

func TestMapTaskEngineDefaults(t *testing.T) {
	ec, err := mapTaskEngineConfig(&Config{Scheduler: config.SchedulerConfig{Enabled: true}})
	if err != nil {
		t.Fatal(err)
	}
	if !ec.Enabled || ec.Workers != 4 || ec.QueueSize != 256 || ec.RetryMax != 0 || ec.RetryBase != time.Second {
		t.Fatalf("engine config = %+v", ec)
	}
	sc, err := mapSchedulerConfig(&Config{})
	if err != nil || !sc.Supersede {
		t.Fatalf("scheduler config = %+v err=%v", sc, err)
	}
	pc, err := mapPlaybackConfig(&Config{})
	if err != nil || !pc.Idempotent {
		t.Fatalf("playback config = %+v err=%v", pc, err)
	}
}

func TestExampleConfigValidates(t *testing.T) {
	path := filepath.Join("..", "..", "config.example.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Decode(path, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := validateConfig(cfg); err == nil {
		t.Fatal("postgres cms without a dsn should be rejected")
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		if k == config.EnvDatabaseURI {
			return "postgres://roomcast@localhost/cms", true
		}
		return "", false
	})
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("example config: %v", err)
	}
}

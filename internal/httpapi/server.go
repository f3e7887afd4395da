package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	rtsup "roomcast/internal/runtime/supervisor"
	logx "roomcast/pkg/logx"
)

// Service keeps the HTTP server listening under a supervisor restart loop
// and swaps it on Reconfigure.
type Service struct {
	log logx.Logger
	api *API

	mu  sync.Mutex
	cfg Config
	cur *server // nil while stopped

	ready     chan struct{}
	readyOnce sync.Once
}

// server is one Start..Stop generation.
type server struct {
	sup      *rtsup.Supervisor
	ln       net.Listener
	stopping bool
	stopped  chan struct{}
}

func New(cfg Config, api *API, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		api:   api,
		log:   log.With(logx.String("comp", "http")),
		ready: make(chan struct{}),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound address, or "" when not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.ln == nil {
		return ""
	}
	return s.cur.ln.Addr().String()
}

// Ready is closed once a listener has been bound for the first time.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Reconfigure applies cfg, starting, stopping or restarting the server as
// the change requires.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.cur != nil && !s.cur.stopping
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	case running && prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is a no-op when disabled or already running. A Stop in progress is
// waited out first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		cur := s.cur
		if cur == nil {
			break
		}
		s.mu.Unlock()
		if !cur.stopping {
			return
		}
		select {
		case <-cur.stopped:
		case <-ctx.Done():
			return
		}
	}
	// A broken listener must not stop playback, so errors never cancel the app.
	srv := &server{
		sup:     rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
		stopped: make(chan struct{}),
	}
	s.cur = srv
	s.mu.Unlock()

	srv.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, srv) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down. It returns when done or when ctx ends, in
// which case teardown finishes in the background.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	srv := s.cur
	if srv == nil {
		s.mu.Unlock()
		return
	}
	first := !srv.stopping
	srv.stopping = true
	s.mu.Unlock()

	if first {
		go func() {
			srv.sup.Cancel()
			_ = srv.sup.Wait(context.Background())
			s.mu.Lock()
			if s.cur == srv {
				s.cur = nil
			}
			s.mu.Unlock()
			s.log.Info("http stopped")
			close(srv.stopped)
		}()
	}
	select {
	case <-srv.stopped:
	case <-ctx.Done():
	}
}

// serve runs one listener until ctx ends. Any other exit is an error so the
// supervisor restarts it.
func (s *Service) serve(ctx context.Context, srv *server) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return context.Canceled
	}
	public, err := cfg.checkBind()
	if err != nil {
		s.log.Error("http refused to start", logx.String("addr", cfg.Addr), logx.Err(err))
		return err
	}
	if public && cfg.Token == "" {
		s.log.Warn("http serving without token on a public addr", logx.String("addr", cfg.Addr))
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("http listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return err
	}
	hs := &http.Server{
		Handler:      s.api.Routes(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.mu.Lock()
	srv.ln = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Info("http started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)

	stopWatch := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	})
	defer stopWatch()

	err = hs.Serve(ln)
	_ = hs.Close()

	s.mu.Lock()
	if srv.ln == ln {
		srv.ln = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		err = errors.New("http server exited")
	}
	return err
}

package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./roomcast.log"

// Service owns the sinks. Loggers derived from it pick up every Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File

	active atomic.Pointer[zerolog.Logger]

	// stdout is swapped in tests.
	stdout io.Writer
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{stdout: os.Stdout}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.active.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sinks for cfg. An unopenable log file is reported on
// stderr and skipped. With no sink enabled, output goes to the console.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(s.stdout))
	}
	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(s.stdout))
	}

	zl := build(zerolog.MultiLevelWriter(sinks...), cfg.Level)
	s.active.Store(&zl)
	if prev != nil {
		_ = prev.Close()
	}
}

// Close releases the log file, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.file
	s.file = nil
	if f == nil {
		return nil
	}
	return f.Close()
}

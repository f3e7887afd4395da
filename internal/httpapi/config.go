package httpapi

import (
	"errors"
	"net"
	"strings"
	"time"
)

// Config controls the admin/webhook HTTP server. A non-loopback Addr needs
// a Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	Pprof       bool
	PprofPrefix string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
}

const defaultAddr = "127.0.0.1:8080"

func (c Config) withDefaults() Config {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	c.PprofPrefix = normalizePrefix(c.PprofPrefix)
	c.ReadTimeout = orDefault(c.ReadTimeout, 10*time.Second)
	c.WriteTimeout = orDefault(c.WriteTimeout, 30*time.Second)
	c.IdleTimeout = orDefault(c.IdleTimeout, 60*time.Second)
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	return c
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

var errInsecureBind = errors.New("http: non-loopback addr requires token or allow_insecure")

// checkBind refuses a public listener without auth. public reports whether
// the address is reachable from outside the host.
func (c Config) checkBind() (public bool, err error) {
	public = !isLoopbackAddr(c.Addr)
	if public && c.Token == "" && !c.AllowInsecure {
		return public, errInsecureBind
	}
	return public, nil
}

// isLoopbackAddr is false for an empty host, which listens on every interface.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

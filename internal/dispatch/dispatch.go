// Package dispatch posts scenario messages to the chat backend.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	logx "roomcast/pkg/logx"
)

type Config struct {
	BaseURL     string
	SenderEmail string
	// Timeout bounds every outbound request. Default 10s.
	Timeout time.Duration
	// RatePerSec limits outbound requests; 0 disables limiting.
	RatePerSec float64
	Burst      int
	// SigningSecret enables an HS256 bearer token on every request.
	SigningSecret string
	TokenTTL      time.Duration
	UserAgent     string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 5 * time.Minute
	}
	if c.Burst <= 0 {
		c.Burst = 1
		if c.RatePerSec > 1 {
			c.Burst = int(c.RatePerSec)
		}
	}
	if c.UserAgent == "" {
		c.UserAgent = "roomcast"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Dispatcher delivers one scripted message to a room's chat.
type Dispatcher interface {
	Dispatch(ctx context.Context, roomID, author, message string) (Ack, error)
	// OpenSession warms the room's chat session. The response body is ignored.
	OpenSession(ctx context.Context, roomID string) error
}

// Ack is a successful delivery.
type Ack struct {
	Status  int
	Latency time.Duration
}

// Error is a failed chat call: a non-2xx status or a transport failure.
type Error struct {
	Op     string
	RoomID string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dispatch %s room %s: http %d", e.Op, e.RoomID, e.Status)
	}
	return fmt.Sprintf("dispatch %s room %s: %v", e.Op, e.RoomID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client is the HTTP Dispatcher.
type Client struct {
	hc  *http.Client
	log logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) *Client {
	c := &Client{
		hc:  &http.Client{},
		log: log.With(logx.String("comp", "dispatch")),
	}
	c.Apply(cfg)
	return c
}

// Apply swaps the configuration. In-flight requests keep the old settings.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	c.mu.Lock()
	c.cfg = cfg
	c.limiter = lim
	c.mu.Unlock()
}

func (c *Client) snapshot() (Config, *rate.Limiter) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.limiter
}

type messageBody struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

func (c *Client) Dispatch(ctx context.Context, roomID, author, message string) (Ack, error) {
	cfg, _ := c.snapshot()
	body, err := json.Marshal(messageBody{Email: cfg.SenderEmail, Username: author, Message: message})
	if err != nil {
		return Ack{}, &Error{Op: "message", RoomID: roomID, Err: err}
	}
	u := cfg.BaseURL + "/chat/" + url.PathEscape(roomID) + "/messages/scenario"
	return c.do(ctx, "message", roomID, http.MethodPost, u, body)
}

func (c *Client) OpenSession(ctx context.Context, roomID string) error {
	cfg, _ := c.snapshot()
	u := cfg.BaseURL + "/webinars/" + url.PathEscape(roomID) + "/token?email=" + url.QueryEscape(cfg.SenderEmail)
	_, err := c.do(ctx, "session", roomID, http.MethodGet, u, nil)
	return err
}

func (c *Client) do(ctx context.Context, op, roomID, method, u string, body []byte) (Ack, error) {
	cfg, lim := c.snapshot()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Ack{}, &Error{Op: op, RoomID: roomID, Err: err}
		}
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return Ack{}, &Error{Op: op, RoomID: roomID, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	if cfg.SigningSecret != "" {
		tok, err := signToken(cfg, roomID, time.Now())
		if err != nil {
			return Ack{}, &Error{Op: op, RoomID: roomID, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return Ack{}, &Error{Op: op, RoomID: roomID, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	ack := Ack{Status: resp.StatusCode, Latency: time.Since(start)}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ack, &Error{Op: op, RoomID: roomID, Status: resp.StatusCode}
	}
	c.log.Trace("chat call ok", logx.String("op", op), logx.String("room", roomID), logx.Int("status", resp.StatusCode), logx.Duration("took", ack.Latency))
	return ack, nil
}

// Claims is the fixed claim set of the service token.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func signToken(cfg Config, roomID string, now time.Time) (string, error) {
	claims := Claims{
		Email: cfg.SenderEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "roomcast",
			Subject:   roomID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.SigningSecret))
}

package rcon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Defaults for Options fields left at zero.
const (
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 3
	DefaultBackoff = 500 * time.Millisecond
)

// Health is the connection-health state.
type Health int32

const (
	Disconnected Health = iota
	Connecting
	Connected
)

var healthStrings = map[Health]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
}

// String returns the string representation of Health.
func (h Health) String() string {
	if str, ok := healthStrings[h]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes Health as a JSON string.
func (h Health) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// Options configures a Connection.
type Options struct {
	Address  string
	Password string

	Timeout time.Duration
	Retries int
	Backoff time.Duration

	// RatePerSec limits outgoing requests; 0 disables limiting.
	RatePerSec float64
	RateBurst  int
}

// Connection is the remote-console link to one server. Requests are
// serialized: at most one is in flight, and responses carrying another
// request's sequence number are discarded.
type Connection struct {
	// mu serializes exchanges.
	mu sync.Mutex

	dial    Dialer
	opts    Options
	limiter *rate.Limiter
	logger  zerolog.Logger

	// stateMu guards the fields below; it is never held across I/O.
	stateMu      sync.Mutex
	transport    Transport
	health       Health
	lastActivity time.Time
	failures     int
	seq          uint32
	closed       bool
	onHealth     func(from, to Health)
}

// NewConnection creates a disconnected Connection.
func NewConnection(dial Dialer, opts Options, logger zerolog.Logger) *Connection {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}

	c := &Connection{
		dial:   dial,
		opts:   opts,
		health: Disconnected,
		logger: logger.With().Str("address", opts.Address).Logger(),
	}
	if opts.RatePerSec > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return c
}

// OnHealthChange registers fn to observe health transitions. fn runs
// synchronously and must not call back into Send or Connect.
func (c *Connection) OnHealthChange(fn func(from, to Health)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.onHealth = fn
}

// Health returns the current health state.
func (c *Connection) Health() Health {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.health
}

// LastActivity returns the time of the last successful exchange.
func (c *Connection) LastActivity() time.Time {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastActivity
}

// Failures returns the consecutive-failure counter.
func (c *Connection) Failures() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.failures
}

// Connect (re)establishes the transport, replacing any previous handle.
func (c *Connection) Connect(ctx context.Context) (Health, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return Disconnected, ErrClosed
	}

	c.dropTransport()
	c.setHealth(Connecting)

	if err := c.redial(ctx); err != nil {
		c.recordFailure()
		c.setHealth(Disconnected)
		return Disconnected, fmt.Errorf("connect %s: %w", c.opts.Address, err)
	}

	c.stateMu.Lock()
	c.failures = 0
	c.lastActivity = time.Now()
	c.stateMu.Unlock()
	c.setHealth(Connected)

	c.logger.Debug().Msg("rcon connected")
	return Connected, nil
}

// Send performs one request/response exchange. Each attempt is bounded by
// the configured timeout; failed attempts are retried with linear backoff.
// When the budget is exhausted the connection becomes Disconnected and
// ErrConnectionLost is returned. While disconnected Send fails fast.
func (c *Connection) Send(ctx context.Context, request string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return "", ErrClosed
	}
	if c.Health() != Connected {
		return "", fmt.Errorf("%w: not connected", ErrConnectionLost)
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.Retries; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.opts.Backoff*time.Duration(attempt-1)); err != nil {
				return "", err
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}
		if c.isClosed() {
			return "", ErrClosed
		}

		resp, err := c.attempt(ctx, request)
		if err == nil {
			c.stateMu.Lock()
			c.failures = 0
			c.lastActivity = time.Now()
			c.stateMu.Unlock()
			return resp, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		c.recordFailure()
		c.logger.Debug().Err(err).Int("attempt", attempt).Int("budget", c.opts.Retries).Msg("rcon attempt failed")

		if errors.Is(err, ErrRefused) {
			break
		}
		// A stream that timed out or broke may be out of step; start over on
		// a fresh transport. Malformed frames leave the stream usable.
		if !errors.Is(err, ErrMalformedResponse) {
			c.dropTransport()
		}
	}

	c.dropTransport()
	c.setHealth(Disconnected)
	return "", fmt.Errorf("%w: %q failed after %d attempts: %w", ErrConnectionLost, request, c.opts.Retries, lastErr)
}

// attempt runs a single exchange, redialing first if the transport was dropped.
func (c *Connection) attempt(ctx context.Context, request string) (string, error) {
	c.stateMu.Lock()
	t := c.transport
	c.stateMu.Unlock()

	if t == nil {
		if err := c.redial(ctx); err != nil {
			return "", err
		}
		c.stateMu.Lock()
		t = c.transport
		c.stateMu.Unlock()
	}

	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	seq := c.nextSeq()
	if err := t.Write(actx, Frame{Seq: seq, Body: request}); err != nil {
		return "", classify(actx, err)
	}

	for {
		f, err := t.Read(actx)
		if err != nil {
			return "", classify(actx, err)
		}
		if f.Seq != seq {
			c.logger.Debug().
				Uint32("want", seq).
				Uint32("got", f.Seq).
				Msg("discarding stale rcon response")
			continue
		}
		return f.Body, nil
	}
}

// redial opens a new transport bounded by the timeout. Callers hold mu.
func (c *Connection) redial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	t, err := c.dial(dctx, c.opts.Address, c.opts.Password)
	if err != nil {
		return classify(dctx, err)
	}

	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		t.Close()
		return ErrClosed
	}
	c.transport = t
	c.stateMu.Unlock()
	return nil
}

// Close tears down the transport. It does not wait for an in-flight
// exchange; that exchange fails once its transport is closed.
func (c *Connection) Close() error {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	t := c.transport
	c.transport = nil
	c.stateMu.Unlock()

	c.setHealth(Disconnected)
	if t != nil {
		return t.Close()
	}
	return nil
}

func (c *Connection) dropTransport() {
	c.stateMu.Lock()
	t := c.transport
	c.transport = nil
	c.stateMu.Unlock()
	if t != nil {
		t.Close()
	}
}

func (c *Connection) setHealth(h Health) {
	c.stateMu.Lock()
	from := c.health
	c.health = h
	fn := c.onHealth
	c.stateMu.Unlock()

	if from == h {
		return
	}
	c.logger.Debug().Str("from", from.String()).Str("to", h.String()).Msg("rcon health changed")
	if fn != nil {
		fn(from, h)
	}
}

func (c *Connection) recordFailure() {
	c.stateMu.Lock()
	c.failures++
	c.stateMu.Unlock()
}

func (c *Connection) nextSeq() uint32 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.seq++
	if c.seq > 1<<31-1 {
		c.seq = 1
	}
	return c.seq
}

func (c *Connection) isClosed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.closed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package logsource supplies raw game-log lines to a server instance. A
// source is polled: each Read returns whatever lines became available since
// the previous call. Sources reopen lazily after a failure and report
// ErrSourceUnavailable only once failures pile up past a threshold.
package logsource

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSourceUnavailable is returned once consecutive failures reach the
	// configured threshold. It clears on the next successful read.
	ErrSourceUnavailable = errors.New("logsource: source unavailable")
	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("logsource: closed")
)

// Defaults for Options fields left at zero.
const (
	DefaultRetryInterval    = time.Second
	DefaultFailureThreshold = 5
	DefaultMaxBatch         = 512
)

// Source yields log lines. Implementations are used by a single poll loop.
type Source interface {
	Read(ctx context.Context) ([]string, error)
	Close() error
}

// Options tunes retry behaviour shared by all sources.
type Options struct {
	RetryInterval    time.Duration
	FailureThreshold int
	// FromStart reads an existing file from its beginning instead of its end.
	FromStart bool
	MaxBatch  int
}

func (o Options) withDefaults() Options {
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = DefaultMaxBatch
	}
	return o
}

// gate throttles reopen attempts and counts consecutive failures.
type gate struct {
	interval  time.Duration
	threshold int

	failures    int
	nextAttempt time.Time
	lastErr     error
}

func newGate(o Options) gate {
	return gate{interval: o.RetryInterval, threshold: o.FailureThreshold}
}

func (g *gate) ready(now time.Time) bool {
	return !now.Before(g.nextAttempt)
}

// fail records a failure and returns the error Read should report: nil while
// under the threshold, ErrSourceUnavailable once at or over it.
func (g *gate) fail(now time.Time, err error) error {
	g.failures++
	g.lastErr = err
	g.nextAttempt = now.Add(g.interval)
	return g.pending()
}

func (g *gate) pending() error {
	if g.failures < g.threshold {
		return nil
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrSourceUnavailable, g.failures, g.lastErr)
}

func (g *gate) ok() {
	g.failures = 0
	g.lastErr = nil
	g.nextAttempt = time.Time{}
}

// Nop is a Source that never yields lines, for servers without a log.
type Nop struct{}

func (Nop) Read(context.Context) ([]string, error) { return nil, nil }

func (Nop) Close() error { return nil }

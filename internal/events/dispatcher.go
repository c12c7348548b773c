package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/metrics"
)

// DefaultHandlerTimeout bounds a single handler invocation.
const DefaultHandlerTimeout = 10 * time.Second

// Handler is a registered unit of logic invoked for every dispatched event.
type Handler interface {
	Name() string
	OnEvent(ctx context.Context, e *GameEvent) error
}

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, e *GameEvent) error

type funcHandler struct {
	name string
	fn   HandlerFunc
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) OnEvent(ctx context.Context, e *GameEvent) error { return h.fn(ctx, e) }

// NewHandler wraps fn as a named Handler.
func NewHandler(name string, fn HandlerFunc) Handler {
	return funcHandler{name: name, fn: fn}
}

// Dispatcher is the single consumer of a Queue. Each event is passed to the
// registered handlers in registration order; one event's handlers finish
// (or time out) before the next event is dequeued.
type Dispatcher struct {
	mu       sync.RWMutex
	queue    *Queue
	handlers []Handler
	started  bool
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher draining queue.
func NewDispatcher(queue *Queue, handlerTimeout time.Duration) *Dispatcher {
	if handlerTimeout <= 0 {
		handlerTimeout = DefaultHandlerTimeout
	}
	return &Dispatcher{
		queue:   queue,
		timeout: handlerTimeout,
		logger:  log.With().Str("component", "dispatcher").Logger(),
	}
}

// Register appends a handler. Registration is closed once Run starts.
func (d *Dispatcher) Register(h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("register %s: %w", h.Name(), ErrRegistrationClosed)
	}
	d.handlers = append(d.handlers, h)

	d.logger.Debug().Str("handler", h.Name()).Msg("handler registered")
	return nil
}

// HandlerNames returns the registered handler names in dispatch order.
func (d *Dispatcher) HandlerNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.handlers))
	for i, h := range d.handlers {
		names[i] = h.Name()
	}
	return names
}

// Run dispatches events until the queue is closed and empty (returns nil)
// or ctx ends (returns the context error).
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.started = true
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	d.logger.Info().Int("handlers", len(handlers)).Msg("dispatch loop started")

	for {
		e, err := d.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				d.logger.Info().Msg("dispatch loop drained")
				return nil
			}
			return err
		}
		d.dispatch(ctx, handlers, e)
	}
}

// dispatch runs every handler for e and releases its completion signal.
func (d *Dispatcher) dispatch(ctx context.Context, handlers []Handler, e *GameEvent) {
	var outcome error

	for _, h := range handlers {
		if ctx.Err() != nil {
			if outcome == nil {
				outcome = ErrShuttingDown
			}
			break
		}

		started := time.Now()
		err := d.invoke(ctx, h, e)
		metrics.HandlerDuration.WithLabelValues(h.Name()).Observe(time.Since(started).Seconds())
		if err == nil {
			continue
		}

		herr := &HandlerError{
			Handler: h.Name(),
			Kind:    e.Kind,
			Server:  e.ServerID(),
			Err:     err,
		}
		reason := "error"
		if errors.Is(err, ErrHandlerTimeout) {
			reason = "timeout"
		}
		metrics.HandlerFailures.WithLabelValues(h.Name(), reason).Inc()

		d.logger.Error().
			Err(err).
			Str("handler", h.Name()).
			Str("event", e.Kind.String()).
			Str("server", e.ServerID()).
			Str("reason", reason).
			Msg("handler failed")

		if outcome == nil {
			outcome = herr
		}
	}

	metrics.EventsDispatched.WithLabelValues(e.Kind.String()).Inc()
	e.Complete(outcome)
}

// invoke runs one handler bounded by the per-handler timeout. A handler
// that overruns is abandoned; its context is cancelled.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, e *GameEvent) error {
	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().
					Str("event", e.Kind.String()).
					Str("handler", h.Name()).
					Interface("panic", r).
					Msg("handler panicked")
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- h.OnEvent(hctx, e)
	}()

	select {
	case err := <-result:
		return err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrHandlerTimeout
	}
}

package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Owner is the server an event belongs to. Handlers act on the server
// through it.
type Owner interface {
	ID() string
	Name() string
	Roster() []Client
	Execute(ctx context.Context, command string) (string, error)
	Say(ctx context.Context, message string) error
	Tell(ctx context.Context, client Client, message string) error
	Kick(ctx context.Context, client Client, reason string) error
}

// GameEvent is the unit of work flowing from server instances to handlers.
// It is enqueued once, dispatched once and completed once.
type GameEvent struct {
	ID        uuid.UUID
	Kind      Kind
	Origin    *Client
	Target    *Client
	Owner     Owner
	Data      string
	CreatedAt time.Time

	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	err    error
	output []string
}

// New creates an event owned by owner. A nil origin is replaced by the
// system origin.
func New(kind Kind, owner Owner, origin *Client, data string) *GameEvent {
	if origin == nil {
		origin = SystemClient()
	}
	return &GameEvent{
		ID:        uuid.New(),
		Kind:      kind,
		Origin:    origin,
		Owner:     owner,
		Data:      data,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// ServerID returns the owning server's id, or "" for an unowned event.
func (e *GameEvent) ServerID() string {
	if e.Owner == nil {
		return ""
	}
	return e.Owner.ID()
}

// Complete releases the completion signal with the event's outcome.
// Only the first call has any effect.
func (e *GameEvent) Complete(err error) {
	e.once.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.done)
	})
}

// Done returns a channel closed once all handlers have run or timed out.
func (e *GameEvent) Done() <-chan struct{} {
	return e.done
}

// Err returns the outcome recorded at completion (nil before completion).
func (e *GameEvent) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Wait blocks until the event completes or ctx ends. It returns the event's
// outcome, or the context error if the wait was cut short.
func (e *GameEvent) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout is Wait bounded by d.
func (e *GameEvent) WaitTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return e.Wait(ctx)
}

// Reply appends a line of output for the issuer of the event.
func (e *GameEvent) Reply(line string) {
	e.mu.Lock()
	e.output = append(e.output, line)
	e.mu.Unlock()
}

// Output returns a copy of the collected reply lines.
func (e *GameEvent) Output() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.output))
	copy(out, e.output)
	return out
}

// Record is the serializable view of an event used by telemetry and the
// live console stream.
type Record struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Server    string    `json:"server"`
	Origin    *Client   `json:"origin,omitempty"`
	Target    *Client   `json:"target,omitempty"`
	Data      string    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Record returns the serializable view of e.
func (e *GameEvent) Record() Record {
	return Record{
		ID:        e.ID.String(),
		Kind:      e.Kind,
		Server:    e.ServerID(),
		Origin:    e.Origin,
		Target:    e.Target,
		Data:      e.Data,
		CreatedAt: e.CreatedAt,
	}
}

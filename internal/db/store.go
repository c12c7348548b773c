package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/overseer-project/overseer/internal/events"
)

var (
	// ErrStore wraps every failure of the underlying database.
	ErrStore = errors.New("store failure")
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
)

// Store is the persistence collaborator used by commands and plugins.
// Identities are events.Client.Identity values.
type Store interface {
	// RecordPlayer upserts the player and the alias it is using now.
	RecordPlayer(ctx context.Context, c events.Client, server string) (Player, error)
	Player(ctx context.Context, identity string) (Player, error)
	Aliases(ctx context.Context, identity string) ([]Alias, error)
	SetLevel(ctx context.Context, identity string, level events.Level) error

	AddPenalty(ctx context.Context, p Penalty) (Penalty, error)
	// ActivePenalties returns the penalties still in force at now.
	ActivePenalties(ctx context.Context, identity string, now time.Time) ([]Penalty, error)
	// RevokePenalties deactivates every active penalty of identity.
	RevokePenalties(ctx context.Context, identity string) (int64, error)
	// ExpirePenalties deactivates temporary penalties that ran out by now.
	ExpirePenalties(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// Player is a known player identity.
type Player struct {
	ID          int64        `json:"id"`
	NetworkID   string       `json:"network_id"`
	Name        string       `json:"name"`
	Level       events.Level `json:"level"`
	Connections int          `json:"connections"`
	FirstSeen   time.Time    `json:"first_seen"`
	LastSeen    time.Time    `json:"last_seen"`
}

// Alias is a name/address pair a player has been seen with.
type Alias struct {
	Name     string    `json:"name"`
	IP       string    `json:"ip,omitempty"`
	Server   string    `json:"server"`
	LastSeen time.Time `json:"last_seen"`
}

// PenaltyKind enumerates the kinds of penalty.
type PenaltyKind int

const (
	PenaltyWarning PenaltyKind = iota
	PenaltyKick
	PenaltyTempBan
	PenaltyBan
)

var penaltyStrings = map[PenaltyKind]string{
	PenaltyWarning: "warning",
	PenaltyKick:    "kick",
	PenaltyTempBan: "tempban",
	PenaltyBan:     "ban",
}

// String returns the string representation of PenaltyKind.
func (k PenaltyKind) String() string {
	if str, ok := penaltyStrings[k]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes PenaltyKind as a JSON string.
func (k PenaltyKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// ParsePenaltyKind converts a kind name back to its PenaltyKind.
func ParsePenaltyKind(s string) (PenaltyKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range penaltyStrings {
		if name == s {
			return k, nil
		}
	}
	return PenaltyWarning, fmt.Errorf("unknown penalty kind %q", s)
}

// Penalty is a sanction issued against a player.
type Penalty struct {
	ID        int64       `json:"id"`
	Kind      PenaltyKind `json:"kind"`
	NetworkID string      `json:"network_id"`
	Offender  string      `json:"offender"`
	Punisher  string      `json:"punisher"`
	Reason    string      `json:"reason"`
	Server    string      `json:"server"`
	CreatedAt time.Time   `json:"created_at"`
	// ExpiresAt is zero for permanent penalties.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Active    bool      `json:"active"`
}

// Bars reports whether the penalty keeps the player off the servers at now.
func (p Penalty) Bars(now time.Time) bool {
	if !p.Active {
		return false
	}
	switch p.Kind {
	case PenaltyBan:
		return true
	case PenaltyTempBan:
		return p.ExpiresAt.IsZero() || now.Before(p.ExpiresAt)
	default:
		return false
	}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

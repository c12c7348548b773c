// Package plugins holds the event handlers shipped with the daemon besides
// the command registry.
package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/commands"
	"github.com/overseer-project/overseer/internal/db"
	"github.com/overseer-project/overseer/internal/events"
)

// Enforcer records every connecting player and removes players that are
// under an active ban.
type Enforcer struct {
	store  db.Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewEnforcer creates the enforcer on top of store.
func NewEnforcer(store db.Store) *Enforcer {
	return &Enforcer{
		store:  store,
		now:    time.Now,
		logger: log.With().Str("component", "enforcer").Logger(),
	}
}

// Name implements events.Handler.
func (en *Enforcer) Name() string { return "enforcer" }

// OnEvent implements events.Handler.
func (en *Enforcer) OnEvent(ctx context.Context, e *events.GameEvent) error {
	if e.Kind != events.KindConnect || e.Origin == nil || e.Origin.IsSystem() || e.Owner == nil {
		return nil
	}
	c := *e.Origin

	p, err := en.store.RecordPlayer(ctx, c, e.ServerID())
	if err != nil {
		return err
	}
	if p.Level != c.Level {
		if ls, ok := e.Owner.(commands.LevelSetter); ok {
			ls.SetLevel(c, p.Level)
		}
		c.Level = p.Level
	}

	penalties, err := en.store.ActivePenalties(ctx, c.Identity(), en.now())
	if err != nil {
		return err
	}
	for _, pen := range penalties {
		if !pen.Bars(en.now()) {
			continue
		}
		reason := banReason(pen)
		en.logger.Info().
			Str("player", c.Name).
			Str("identity", c.Identity()).
			Str("server", e.ServerID()).
			Str("penalty", pen.Kind.String()).
			Msg("removing banned player")
		if err := e.Owner.Kick(ctx, c, reason); err != nil {
			return fmt.Errorf("kick banned player %s: %w", c.Name, err)
		}
		return nil
	}
	return nil
}

func banReason(p db.Penalty) string {
	reason := p.Reason
	if reason == "" {
		reason = "banned"
	}
	if p.Kind == db.PenaltyTempBan && !p.ExpiresAt.IsZero() {
		return fmt.Sprintf("%s (until %s)", reason, p.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	return reason
}

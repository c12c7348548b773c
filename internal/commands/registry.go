// Package commands implements the in-game and console command handler:
// a case-insensitive registry of named commands guarded by permission
// levels, and the built-in administration commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/events"
)

var (
	// ErrUnknownCommand is returned for a command name nothing is registered under.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrPermissionDenied is returned when the issuer's level is below the command's.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUsage is returned when a command is given too few arguments.
	ErrUsage = errors.New("invalid usage")
)

// Command is a single named command.
type Command struct {
	Name        string
	Aliases     []string
	Level       events.Level
	Usage       string
	Description string
	// MinArgs is the number of arguments required before Run is called.
	MinArgs int
	Run     func(ctx context.Context, inv *Invocation) error
}

// Invocation is one execution of a command.
type Invocation struct {
	Event   *events.GameEvent
	Owner   events.Owner
	Origin  events.Client
	Command *Command
	Args    []string

	ctx      context.Context
	registry *Registry
}

// Rest joins the arguments from index i onward.
func (inv *Invocation) Rest(i int) string {
	if i >= len(inv.Args) {
		return ""
	}
	return strings.Join(inv.Args[i:], " ")
}

// Reply sends a line of output back to the issuer. Console issuers collect
// the line on the event; players also receive it as a private message.
func (inv *Invocation) Reply(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	inv.Event.Reply(line)
	if inv.Origin.IsSystem() || inv.Owner == nil {
		return
	}
	if err := inv.Owner.Tell(inv.ctx, inv.Origin, line); err != nil {
		inv.registry.logger.Debug().Err(err).Str("player", inv.Origin.Name).Msg("reply not delivered")
	}
}

// Registry dispatches Command events to registered commands.
type Registry struct {
	mu       sync.RWMutex
	prefix   string
	commands map[string]*Command
	names    map[string]*Command
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry. prefix is stripped from the front
// of the command word when present.
func NewRegistry(prefix string) *Registry {
	return &Registry{
		prefix:   prefix,
		commands: make(map[string]*Command),
		names:    make(map[string]*Command),
		logger:   log.With().Str("component", "commands").Logger(),
	}
}

// Add registers cmd under its name and aliases.
func (r *Registry) Add(cmd *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := append([]string{cmd.Name}, cmd.Aliases...)
	for _, k := range keys {
		k = strings.ToLower(k)
		if _, exists := r.names[k]; exists {
			return fmt.Errorf("command %q already registered", k)
		}
	}
	for _, k := range keys {
		r.names[strings.ToLower(k)] = cmd
	}
	r.commands[strings.ToLower(cmd.Name)] = cmd
	return nil
}

// Lookup resolves a command by name or alias, ignoring case and prefix.
func (r *Registry) Lookup(name string) (*Command, bool) {
	name = strings.ToLower(strings.TrimPrefix(name, r.prefix))
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.names[name]
	return cmd, ok
}

// Available returns the commands usable at level, sorted by name.
func (r *Registry) Available(level events.Level) []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Command
	for _, cmd := range r.commands {
		if level >= cmd.Level {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Name implements events.Handler.
func (r *Registry) Name() string { return "commands" }

// OnEvent implements events.Handler. Only Command events are handled.
func (r *Registry) OnEvent(ctx context.Context, e *events.GameEvent) error {
	if e.Kind != events.KindCommand {
		return nil
	}

	fields := strings.Fields(e.Data)
	if len(fields) == 0 {
		return nil
	}

	origin := events.Client{}
	if e.Origin != nil {
		origin = *e.Origin
	}
	inv := &Invocation{
		Event:    e,
		Owner:    e.Owner,
		Origin:   origin,
		Args:     fields[1:],
		ctx:      ctx,
		registry: r,
	}

	cmd, ok := r.Lookup(fields[0])
	if !ok {
		inv.Reply("Unknown command %q. Type %shelp for the list.", strings.TrimPrefix(fields[0], r.prefix), r.prefix)
		return fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}
	inv.Command = cmd

	if origin.Level < cmd.Level {
		inv.Reply("You need %s level to use %s.", cmd.Level, cmd.Name)
		r.logger.Warn().
			Str("player", origin.Name).
			Str("command", cmd.Name).
			Str("server", e.ServerID()).
			Msg("command refused")
		return fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, cmd.Name, cmd.Level)
	}

	if len(inv.Args) < cmd.MinArgs {
		inv.Reply("Usage: %s%s %s", r.prefix, cmd.Name, cmd.Usage)
		return fmt.Errorf("%w: %s", ErrUsage, cmd.Name)
	}

	r.logger.Info().
		Str("player", origin.Name).
		Str("command", cmd.Name).
		Strs("args", inv.Args).
		Str("server", e.ServerID()).
		Msg("executing command")

	if err := cmd.Run(ctx, inv); err != nil {
		inv.Reply("%s failed: %v", cmd.Name, err)
		return fmt.Errorf("%s: %w", cmd.Name, err)
	}
	return nil
}

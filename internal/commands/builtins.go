package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/overseer-project/overseer/internal/db"
	"github.com/overseer-project/overseer/internal/events"
)

var (
	// ErrPlayerNotFound is returned when no online player matches.
	ErrPlayerNotFound = errors.New("no matching player")
	// ErrAmbiguousPlayer is returned when several online players match.
	ErrAmbiguousPlayer = errors.New("more than one matching player")
	// ErrNoStore is returned by commands needing persistence when none is configured.
	ErrNoStore = errors.New("no player store configured")
	// ErrOutranked is returned when acting on a player of equal or higher level.
	ErrOutranked = errors.New("target has equal or higher level")
)

// Controller is the process lifecycle the restart and quit commands drive.
type Controller interface {
	RequestRestart()
	RequestShutdown()
}

// LevelSetter is implemented by owners that cache player levels.
type LevelSetter interface {
	SetLevel(c events.Client, level events.Level)
}

// Deps are the collaborators used by the built-in commands. Store and
// Control may be nil; commands needing them then fail.
type Deps struct {
	Store   db.Store
	Control Controller
	Now     func() time.Time
}

// NewDefaultRegistry returns a registry holding every built-in command.
func NewDefaultRegistry(prefix string, deps Deps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := NewRegistry(prefix)
	b := &builtins{deps: deps}
	for _, cmd := range b.commands(r) {
		if err := r.Add(cmd); err != nil {
			panic(err)
		}
	}
	return r
}

type builtins struct {
	deps Deps
}

func (b *builtins) commands(r *Registry) []*Command {
	return []*Command{
		{
			Name: "help", Aliases: []string{"h", "?"}, Level: events.LevelUser,
			Usage: "[command]", Description: "list commands or show usage",
			Run: func(ctx context.Context, inv *Invocation) error { return b.help(r, inv) },
		},
		{
			Name: "status", Aliases: []string{"players", "list"}, Level: events.LevelUser,
			Description: "show the online players",
			Run:         b.status,
		},
		{
			Name: "whoami", Level: events.LevelUser,
			Description: "show your identity and level",
			Run:         b.whoami,
		},
		{
			Name: "say", Level: events.LevelModerator, MinArgs: 1,
			Usage: "<message>", Description: "broadcast a message",
			Run: func(ctx context.Context, inv *Invocation) error {
				return inv.Owner.Say(ctx, inv.Rest(0))
			},
		},
		{
			Name: "tell", Aliases: []string{"pm"}, Level: events.LevelModerator, MinArgs: 2,
			Usage: "<player> <message>", Description: "message one player",
			Run: b.tell,
		},
		{
			Name: "kick", Aliases: []string{"k"}, Level: events.LevelModerator, MinArgs: 1,
			Usage: "<player> [reason]", Description: "kick a player",
			Run: b.kick,
		},
		{
			Name: "tempban", Aliases: []string{"tb"}, Level: events.LevelModerator, MinArgs: 2,
			Usage: "<player> <duration> [reason]", Description: "ban a player for a while (30m, 2h, 1d)",
			Run: b.tempban,
		},
		{
			Name: "ban", Aliases: []string{"b"}, Level: events.LevelAdministrator, MinArgs: 1,
			Usage: "<player> [reason]", Description: "ban a player permanently",
			Run: b.ban,
		},
		{
			Name: "unban", Level: events.LevelAdministrator, MinArgs: 1,
			Usage: "<network id>", Description: "lift every active ban of an identity",
			Run: b.unban,
		},
		{
			Name: "setlevel", Aliases: []string{"sl"}, Level: events.LevelOwner, MinArgs: 2,
			Usage: "<player> <level>", Description: "change a player's permission level",
			Run: b.setlevel,
		},
		{
			Name: "restart", Level: events.LevelOwner,
			Description: "restart the daemon",
			Run:         b.restart,
		},
		{
			Name: "quit", Aliases: []string{"exit"}, Level: events.LevelOwner,
			Description: "shut the daemon down",
			Run:         b.quit,
		},
	}
}

func (b *builtins) help(r *Registry, inv *Invocation) error {
	if len(inv.Args) > 0 {
		cmd, ok := r.Lookup(inv.Args[0])
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCommand, inv.Args[0])
		}
		inv.Reply("%s%s %s - %s (%s)", r.prefix, cmd.Name, cmd.Usage, cmd.Description, cmd.Level)
		return nil
	}

	var names []string
	for _, cmd := range r.Available(inv.Origin.Level) {
		names = append(names, cmd.Name)
	}
	inv.Reply("Commands: %s", strings.Join(names, ", "))
	return nil
}

func (b *builtins) status(ctx context.Context, inv *Invocation) error {
	roster := inv.Owner.Roster()
	if len(roster) == 0 {
		inv.Reply("No players on %s.", inv.Owner.Name())
		return nil
	}

	var sb strings.Builder
	tw := tablewriter.NewWriter(&sb)
	tw.SetHeader([]string{"#", "Name", "Level", "Ping", "IP"})
	tw.SetBorder(false)
	tw.SetAutoWrapText(false)
	for _, c := range roster {
		num := "-"
		if c.ClientNum >= 0 {
			num = strconv.Itoa(c.ClientNum)
		}
		tw.Append([]string{num, c.Name, c.Level.String(), strconv.Itoa(c.Ping), c.IP})
	}
	tw.Render()

	inv.Reply("%s: %d player(s)", inv.Owner.Name(), len(roster))
	for _, line := range strings.Split(strings.TrimRight(sb.String(), "\n"), "\n") {
		inv.Reply("%s", line)
	}
	return nil
}

func (b *builtins) whoami(ctx context.Context, inv *Invocation) error {
	if inv.Origin.IsSystem() {
		inv.Reply("You are the console (%s).", inv.Origin.Level)
		return nil
	}
	inv.Reply("%s [%s] level %s", inv.Origin.Name, inv.Origin.Identity(), inv.Origin.Level)
	return nil
}

func (b *builtins) tell(ctx context.Context, inv *Invocation) error {
	target, err := FindPlayer(inv.Owner.Roster(), inv.Args[0])
	if err != nil {
		return err
	}
	return inv.Owner.Tell(ctx, target, inv.Rest(1))
}

// punishable resolves the target player and checks the issuer outranks it.
func (b *builtins) punishable(inv *Invocation) (events.Client, error) {
	target, err := FindPlayer(inv.Owner.Roster(), inv.Args[0])
	if err != nil {
		return events.Client{}, err
	}
	if !inv.Origin.IsSystem() && target.Level >= inv.Origin.Level {
		return events.Client{}, fmt.Errorf("%w: %s", ErrOutranked, target.Name)
	}
	return target, nil
}

func (b *builtins) penalize(ctx context.Context, inv *Invocation, kind db.PenaltyKind, target events.Client, reason string, expires time.Time) error {
	if b.deps.Store == nil {
		if kind == db.PenaltyKick {
			return nil
		}
		return ErrNoStore
	}
	_, err := b.deps.Store.AddPenalty(ctx, db.Penalty{
		Kind:      kind,
		NetworkID: target.Identity(),
		Offender:  target.Name,
		Punisher:  inv.Origin.Name,
		Reason:    reason,
		Server:    inv.Owner.ID(),
		CreatedAt: b.deps.Now(),
		ExpiresAt: expires,
	})
	return err
}

func (b *builtins) kick(ctx context.Context, inv *Invocation) error {
	target, err := b.punishable(inv)
	if err != nil {
		return err
	}
	reason := inv.Rest(1)
	if err := inv.Owner.Kick(ctx, target, reason); err != nil {
		return err
	}
	inv.Reply("Kicked %s.", target.Name)
	return b.penalize(ctx, inv, db.PenaltyKick, target, reason, time.Time{})
}

func (b *builtins) tempban(ctx context.Context, inv *Invocation) error {
	target, err := b.punishable(inv)
	if err != nil {
		return err
	}
	d, err := ParseDuration(inv.Args[1])
	if err != nil {
		return err
	}
	reason := inv.Rest(2)
	if err := b.penalize(ctx, inv, db.PenaltyTempBan, target, reason, b.deps.Now().Add(d)); err != nil {
		return err
	}
	if err := inv.Owner.Kick(ctx, target, fmt.Sprintf("banned for %s: %s", d, reason)); err != nil {
		return err
	}
	inv.Reply("Banned %s for %s.", target.Name, d)
	return nil
}

func (b *builtins) ban(ctx context.Context, inv *Invocation) error {
	target, err := b.punishable(inv)
	if err != nil {
		return err
	}
	reason := inv.Rest(1)
	if err := b.penalize(ctx, inv, db.PenaltyBan, target, reason, time.Time{}); err != nil {
		return err
	}
	if err := inv.Owner.Kick(ctx, target, "banned: "+reason); err != nil {
		return err
	}
	inv.Reply("Banned %s.", target.Name)
	return nil
}

func (b *builtins) unban(ctx context.Context, inv *Invocation) error {
	if b.deps.Store == nil {
		return ErrNoStore
	}
	n, err := b.deps.Store.RevokePenalties(ctx, inv.Args[0])
	if err != nil {
		return err
	}
	inv.Reply("Lifted %d penalt(ies) of %s.", n, inv.Args[0])
	return nil
}

func (b *builtins) setlevel(ctx context.Context, inv *Invocation) error {
	target, err := b.punishable(inv)
	if err != nil {
		return err
	}
	level, err := events.ParseLevel(inv.Args[1])
	if err != nil {
		return err
	}
	if level >= events.LevelConsole || (!inv.Origin.IsSystem() && level >= inv.Origin.Level) {
		return fmt.Errorf("%w: cannot grant %s", ErrPermissionDenied, level)
	}
	if b.deps.Store == nil {
		return ErrNoStore
	}
	if err := b.deps.Store.SetLevel(ctx, target.Identity(), level); err != nil {
		return err
	}
	if ls, ok := inv.Owner.(LevelSetter); ok {
		ls.SetLevel(target, level)
	}
	inv.Reply("%s is now %s.", target.Name, level)
	return nil
}

func (b *builtins) restart(ctx context.Context, inv *Invocation) error {
	if b.deps.Control == nil {
		return errors.New("restart not available")
	}
	inv.Reply("Restarting.")
	b.deps.Control.RequestRestart()
	return nil
}

func (b *builtins) quit(ctx context.Context, inv *Invocation) error {
	if b.deps.Control == nil {
		return errors.New("shutdown not available")
	}
	inv.Reply("Shutting down.")
	b.deps.Control.RequestShutdown()
	return nil
}

// FindPlayer resolves query against roster: "#n" selects a client number,
// otherwise an exact case-insensitive name wins over a unique partial match.
func FindPlayer(roster []events.Client, query string) (events.Client, error) {
	if num, ok := strings.CutPrefix(query, "#"); ok {
		n, err := strconv.Atoi(num)
		if err != nil {
			return events.Client{}, fmt.Errorf("%w: %s", ErrPlayerNotFound, query)
		}
		for _, c := range roster {
			if c.ClientNum == n {
				return c, nil
			}
		}
		return events.Client{}, fmt.Errorf("%w: %s", ErrPlayerNotFound, query)
	}

	q := strings.ToLower(query)
	var partial []events.Client
	for _, c := range roster {
		name := strings.ToLower(c.Name)
		if name == q {
			return c, nil
		}
		if strings.Contains(name, q) {
			partial = append(partial, c)
		}
	}
	switch len(partial) {
	case 0:
		return events.Client{}, fmt.Errorf("%w: %s", ErrPlayerNotFound, query)
	case 1:
		return partial[0], nil
	default:
		return events.Client{}, fmt.Errorf("%w: %s", ErrAmbiguousPlayer, query)
	}
}

// ParseDuration accepts time.ParseDuration syntax plus d (days) and
// w (weeks) suffixes. A bare number is minutes.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("empty duration")
	}

	unit := time.Duration(0)
	switch {
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(s, "w"):
		unit = 7 * 24 * time.Hour
	}
	if unit > 0 {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * unit, nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * time.Minute, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

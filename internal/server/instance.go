package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/config"
	"github.com/overseer-project/overseer/internal/events"
	"github.com/overseer-project/overseer/internal/logsource"
	"github.com/overseer-project/overseer/internal/metrics"
	"github.com/overseer-project/overseer/internal/parser"
	"github.com/overseer-project/overseer/internal/rcon"
)

const (
	// DefaultReconnectMin is the first delay after a failed connect.
	DefaultReconnectMin = time.Second
	// DefaultReconnectMax caps the doubling reconnect delay.
	DefaultReconnectMax = 30 * time.Second
)

// ErrPlayerNotFound is returned when a player's slot cannot be resolved.
var ErrPlayerNotFound = errors.New("player not found on server")

// Instance is one monitored game server. It owns the server's RCON
// connection and log source, runs the poll cycle and acts as the events
// owner for everything the server produces.
type Instance struct {
	mu     sync.RWMutex
	cfg    config.ServerConfig
	logger zerolog.Logger

	profile rcon.Profile
	conn    *rcon.Connection
	source  logsource.Source
	parser  *parser.Parser
	queue   *events.Queue

	pollInterval time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration

	state      State
	game       *GameState
	sourceDown bool
}

// InstanceConfig holds everything needed to build an Instance.
type InstanceConfig struct {
	Server  config.ServerConfig
	Profile rcon.Profile
	// Dial overrides the profile's dialer when set.
	Dial   rcon.Dialer
	RCON   rcon.Options
	Source logsource.Source
	Parser *parser.Parser
	Queue  *events.Queue

	PollInterval time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// NewInstance creates an uninitialized instance. Nothing is dialed until Run.
func NewInstance(ic InstanceConfig) *Instance {
	logger := log.With().
		Str("component", "server").
		Str("server", ic.Server.ID).
		Logger()

	dial := ic.Dial
	if dial == nil {
		dial = ic.Profile.Dial
	}
	opts := ic.RCON
	opts.Address = ic.Server.Address
	opts.Password = ic.Server.Password

	source := ic.Source
	if source == nil {
		source = logsource.Nop{}
	}
	if ic.PollInterval <= 0 {
		ic.PollInterval = ic.Server.PollInterval()
	}
	if ic.ReconnectMin <= 0 {
		ic.ReconnectMin = DefaultReconnectMin
	}
	if ic.ReconnectMax < ic.ReconnectMin {
		ic.ReconnectMax = max(DefaultReconnectMax, ic.ReconnectMin)
	}

	inst := &Instance{
		cfg:          ic.Server,
		logger:       logger,
		profile:      ic.Profile,
		conn:         rcon.NewConnection(dial, opts, logger),
		source:       source,
		parser:       ic.Parser,
		queue:        ic.Queue,
		pollInterval: ic.PollInterval,
		reconnectMin: ic.ReconnectMin,
		reconnectMax: ic.ReconnectMax,
		game:         NewGameState(),
	}
	inst.conn.OnHealthChange(inst.onHealthChange)
	metrics.InstanceState.WithLabelValues(inst.cfg.ID).Set(float64(StateUninitialized))
	return inst
}

// ID returns the configured server id.
func (i *Instance) ID() string { return i.cfg.ID }

// Name returns the display name.
func (i *Instance) Name() string { return i.cfg.DisplayName() }

// Config returns the server's configuration.
func (i *Instance) Config() config.ServerConfig { return i.cfg }

// State returns the lifecycle state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Health returns the RCON connection health.
func (i *Instance) Health() rcon.Health { return i.conn.Health() }

// Status returns a snapshot of the cached status and roster.
func (i *Instance) Status() GameStateSnapshot { return i.game.Snapshot() }

// Roster returns the cached players.
func (i *Instance) Roster() []events.Client { return i.game.GetPlayers() }

// SetLevel updates the permission level of a cached player.
func (i *Instance) SetLevel(c events.Client, level events.Level) {
	i.game.SetLevel(c.Key(), level)
}

// Info is the serializable summary of an instance.
type Info struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Address  string            `json:"address"`
	Profile  string            `json:"profile"`
	State    State             `json:"state"`
	Health   rcon.Health       `json:"health"`
	Failures int               `json:"failures"`
	Status   GameStateSnapshot `json:"status"`
}

// Info returns the summary of the instance.
func (i *Instance) Info() Info {
	return Info{
		ID:       i.cfg.ID,
		Name:     i.Name(),
		Address:  i.cfg.Address,
		Profile:  i.profile.Name,
		State:    i.State(),
		Health:   i.conn.Health(),
		Failures: i.conn.Failures(),
		Status:   i.game.Snapshot(),
	}
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	from := i.state
	i.state = s
	i.mu.Unlock()

	if from == s {
		return
	}
	metrics.InstanceState.WithLabelValues(i.cfg.ID).Set(float64(s))
	i.logger.Info().Str("from", from.String()).Str("to", s.String()).Msg("server state changed")
}

// onHealthChange moves an active instance to Degraded as soon as its
// connection drops, whoever was sending at the time.
func (i *Instance) onHealthChange(_, to rcon.Health) {
	if to != rcon.Disconnected {
		return
	}
	i.mu.Lock()
	active := i.state == StateActive
	if active {
		i.state = StateDegraded
	}
	i.mu.Unlock()

	if active {
		metrics.InstanceState.WithLabelValues(i.cfg.ID).Set(float64(StateDegraded))
		i.logger.Warn().Msg("rcon connection lost, server degraded")
	}
}

// Run drives the instance until ctx is cancelled: connect, poll on the
// configured interval, and reconnect with doubling backoff while degraded.
func (i *Instance) Run(ctx context.Context) {
	defer i.setState(StateStopped)

	i.setState(StateConnecting)
	delay := i.reconnectMin

	for ctx.Err() == nil {
		if i.State() == StateActive {
			err := i.Poll(ctx)
			if err != nil && ctx.Err() == nil {
				if errors.Is(err, rcon.ErrConnectionLost) {
					i.degrade(err, delay)
					continue
				}
				i.logger.Debug().Err(err).Msg("poll cycle incomplete")
			}
			if sleepCtx(ctx, i.pollInterval) != nil {
				return
			}
			continue
		}

		if i.State() == StateDegraded {
			if sleepCtx(ctx, delay) != nil {
				return
			}
			delay = min(delay*2, i.reconnectMax)
		}

		if err := i.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			i.degrade(err, delay)
			continue
		}
		delay = i.reconnectMin
	}
}

// connect dials and runs the initial status query.
func (i *Instance) connect(ctx context.Context) error {
	if _, err := i.conn.Connect(ctx); err != nil {
		return err
	}
	if err := i.Poll(ctx); err != nil {
		return err
	}
	i.setState(StateActive)
	return nil
}

func (i *Instance) degrade(err error, retryIn time.Duration) {
	i.setState(StateDegraded)
	i.logger.Warn().
		Err(err).
		Int("failures", i.conn.Failures()).
		Dur("retry_in", retryIn).
		Msg("server unreachable")
}

// Poll runs one poll cycle: query status, drain the log source through the
// parser, reconcile the roster and enqueue the resulting events in
// discovery order. It returns the RCON error when the status query fails;
// nothing is enqueued in that case.
func (i *Instance) Poll(ctx context.Context) error {
	raw, err := i.conn.Send(ctx, i.profile.StatusCommand)
	if err != nil {
		metrics.RCONRequests.WithLabelValues(i.cfg.ID, "error").Inc()
		return fmt.Errorf("status query: %w", err)
	}
	metrics.RCONRequests.WithLabelValues(i.cfg.ID, "ok").Inc()

	status, statusErr := i.profile.ParseStatus(raw)
	if statusErr != nil {
		i.logger.Warn().Err(statusErr).Msg("unreadable status response, skipping roster diff")
	}

	touched := make(map[string]bool)
	var batch []*events.GameEvent

	for _, line := range i.readLogs(ctx) {
		e := i.parser.Parse(line, i)
		if e == nil {
			continue
		}
		if i.applyLogEvent(e, touched) {
			batch = append(batch, e)
		}
	}

	if statusErr == nil {
		joined, left, prevMap := i.game.Reconcile(status, touched, time.Now())
		for _, c := range joined {
			c := c
			batch = append(batch, events.New(events.KindConnect, i, &c, ""))
		}
		for _, c := range left {
			c := c
			batch = append(batch, events.New(events.KindDisconnect, i, &c, ""))
		}
		if prevMap != "" {
			batch = append(batch, events.New(events.KindUpdate, i, nil, status.Map))
			i.logger.Info().Str("from", prevMap).Str("to", status.Map).Msg("map changed")
		}
	}
	metrics.RosterSize.WithLabelValues(i.cfg.ID).Set(float64(i.game.PlayerCount()))

	for _, e := range batch {
		if err := i.queue.Enqueue(e); err != nil {
			return fmt.Errorf("enqueue %s event: %w", e.Kind, err)
		}
	}
	return nil
}

// readLogs drains the log source. Source failures never fail the cycle.
func (i *Instance) readLogs(ctx context.Context) []string {
	lines, err := i.source.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, logsource.ErrSourceUnavailable) {
			if !i.sourceDown {
				i.logger.Error().Err(err).Msg("log source unavailable, will keep retrying")
			}
			i.sourceDown = true
		} else {
			i.logger.Debug().Err(err).Msg("log source read failed")
		}
		return nil
	}
	if i.sourceDown {
		i.logger.Info().Msg("log source recovered")
		i.sourceDown = false
	}
	metrics.LogLines.WithLabelValues(i.cfg.ID).Add(float64(len(lines)))
	return lines
}

// applyLogEvent folds a parsed event into the roster. It returns false
// for events that would duplicate what the roster already says: a connect
// for a player already present, a disconnect for one already gone.
func (i *Instance) applyLogEvent(e *events.GameEvent, touched map[string]bool) bool {
	switch e.Kind {
	case events.KindConnect:
		if e.Origin.IsSystem() {
			return false
		}
		touched[e.Origin.Key()] = true
		if !i.game.AddPlayer(*e.Origin) {
			i.logger.Debug().Str("player", e.Origin.Name).Msg("suppressed connect for known player")
			return false
		}
	case events.KindDisconnect:
		if e.Origin.IsSystem() {
			return false
		}
		touched[e.Origin.Key()] = true
		cached, ok := i.game.RemovePlayer(*e.Origin)
		if !ok {
			i.logger.Debug().Str("player", e.Origin.Name).Msg("suppressed disconnect for unknown player")
			return false
		}
		merge(e.Origin, cached)
	default:
		i.enrich(e.Origin)
		i.enrich(e.Target)
	}
	return true
}

// enrich fills fields a log line did not carry from the cached roster.
func (i *Instance) enrich(c *events.Client) {
	if c == nil || c.IsSystem() {
		return
	}
	if cached, ok := i.game.Player(c.Key()); ok {
		merge(c, cached)
	}
}

func merge(c *events.Client, cached events.Client) {
	if c.ClientNum == events.UnknownClientNum {
		c.ClientNum = cached.ClientNum
	}
	if c.NetworkID == "" {
		c.NetworkID = cached.NetworkID
	}
	if c.IP == "" {
		c.IP = cached.IP
	}
	if c.Ping == 0 {
		c.Ping = cached.Ping
	}
	c.Level = cached.Level
}

// Execute sends a raw RCON command and returns the server's response.
func (i *Instance) Execute(ctx context.Context, command string) (string, error) {
	resp, err := i.conn.Send(ctx, command)
	if err != nil {
		metrics.RCONRequests.WithLabelValues(i.cfg.ID, "error").Inc()
		return "", err
	}
	metrics.RCONRequests.WithLabelValues(i.cfg.ID, "ok").Inc()
	return resp, nil
}

// Say broadcasts message to everyone on the server.
func (i *Instance) Say(ctx context.Context, message string) error {
	_, err := i.Execute(ctx, i.profile.Say(message))
	return err
}

// Tell sends message privately to c.
func (i *Instance) Tell(ctx context.Context, c events.Client, message string) error {
	slot, err := i.slot(c)
	if err != nil {
		return err
	}
	_, err = i.Execute(ctx, i.profile.Tell(slot, message))
	return err
}

// Kick removes c from the server. The roster is updated by the next poll.
func (i *Instance) Kick(ctx context.Context, c events.Client, reason string) error {
	slot, err := i.slot(c)
	if err != nil {
		return err
	}
	if _, err := i.Execute(ctx, i.profile.Kick(slot, reason)); err != nil {
		return err
	}
	i.logger.Info().Str("player", c.Name).Int("slot", slot).Str("reason", reason).Msg("player kicked")
	return nil
}

func (i *Instance) slot(c events.Client) (int, error) {
	if c.ClientNum >= 0 {
		return c.ClientNum, nil
	}
	if cached, ok := i.game.Player(c.Key()); ok && cached.ClientNum >= 0 {
		return cached.ClientNum, nil
	}
	return 0, fmt.Errorf("%w: %q on %s", ErrPlayerNotFound, c.Name, i.cfg.ID)
}

// Close tears down the connection and the log source.
func (i *Instance) Close() error {
	return errors.Join(i.conn.Close(), i.source.Close())
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

package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/config"
	"github.com/overseer-project/overseer/internal/events"
	"github.com/overseer-project/overseer/internal/parser"
	"github.com/overseer-project/overseer/internal/rcon"
)

// SystemOwnerID identifies the detached owner used when no server is configured.
const SystemOwnerID = "system"

// forceWait bounds how long Stop waits for the dispatcher after cancelling it.
const forceWait = time.Second

var (
	// ErrNotRunning is returned by Inject, Execute and Stop when the manager
	// is not running.
	ErrNotRunning = errors.New("manager is not running")
	// ErrAlreadyRunning is returned by Start on a running manager.
	ErrAlreadyRunning = errors.New("manager is already running")
	// ErrUnknownServer is returned for a server id that is not managed.
	ErrUnknownServer = errors.New("unknown server")
	// ErrNoServer is returned by RCON operations on the detached system owner.
	ErrNoServer = errors.New("no game server attached")
	// ErrCommandTimeout is returned by Execute when the command event did not
	// complete within the command timeout.
	ErrCommandTimeout = errors.New("command did not complete in time")
)

// Manager is the central orchestrator. It owns the server instances, the
// shared event queue and dispatcher, and the cancellation that stops them.
type Manager struct {
	mu sync.RWMutex

	cfg      *config.Config
	opts     options
	logger   zerolog.Logger
	handlers []events.Handler
	started  bool

	// run is the state of the current Start..Stop cycle, nil when stopped.
	run *run

	doneOnce sync.Once
	done     chan struct{}
	restart  bool
}

type run struct {
	queue      *events.Queue
	dispatcher *events.Dispatcher
	instances  []*Instance
	byID       map[string]*Instance
	owner      events.Owner

	cancel         context.CancelFunc
	dispatchCancel context.CancelFunc
	pollers        sync.WaitGroup
	dispatchDone   chan struct{}
}

// NewManager creates a stopped manager for cfg.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	o := options{sources: DefaultSourceFactory}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		cfg:    cfg,
		opts:   o,
		logger: log.With().Str("component", "manager").Logger(),
		done:   make(chan struct{}),
	}
}

// Register adds a handler. Handlers run in registration order for every
// event. Registration closes at the first Start.
func (m *Manager) Register(h events.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("register %s: %w", h.Name(), events.ErrRegistrationClosed)
	}
	m.handlers = append(m.handlers, h)
	return nil
}

// Start brings up the dispatcher and one poll loop per configured server.
// A server that cannot be built is logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.run != nil {
		return ErrAlreadyRunning
	}
	m.started = true

	r := &run{
		queue:        events.NewQueue(m.cfg.Dispatcher.HighWater),
		byID:         make(map[string]*Instance),
		dispatchDone: make(chan struct{}),
	}
	r.dispatcher = events.NewDispatcher(r.queue, m.cfg.Dispatcher.HandlerTimeout())
	for _, h := range m.handlers {
		if err := r.dispatcher.Register(h); err != nil {
			return err
		}
	}

	var failCount int
	for _, srv := range m.cfg.Servers {
		inst, err := m.buildInstance(srv, r.queue)
		if err != nil {
			m.logger.Error().Err(err).Str("server", srv.ID).Msg("failed to set up server, skipping it")
			failCount++
			continue
		}
		r.instances = append(r.instances, inst)
		r.byID[strings.ToLower(inst.ID())] = inst
	}

	if len(r.instances) > 0 {
		r.owner = r.instances[0]
	} else {
		r.owner = systemOwner{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	// The dispatcher outlives the poll loops so it can drain on Stop.
	dispatchCtx, dispatchCancel := context.WithCancel(context.WithoutCancel(ctx))
	r.dispatchCancel = dispatchCancel

	go func() {
		defer close(r.dispatchDone)
		if err := r.dispatcher.Run(dispatchCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Msg("dispatch loop exited")
		}
	}()

	for _, inst := range r.instances {
		r.pollers.Add(1)
		go func(inst *Instance) {
			defer r.pollers.Done()
			inst.Run(runCtx)
		}(inst)
	}

	m.run = r
	m.logger.Info().
		Int("servers", len(r.instances)).
		Int("failed", failCount).
		Int("handlers", len(m.handlers)).
		Str("default_owner", r.owner.ID()).
		Msg("manager started")
	return nil
}

func (m *Manager) buildInstance(srv config.ServerConfig, queue *events.Queue) (*Instance, error) {
	profile, err := rcon.Lookup(srv.Profile)
	if err != nil {
		return nil, err
	}
	p, err := parser.ForProfile(srv.ParserName(), m.cfg.Console.CommandPrefix)
	if err != nil {
		return nil, err
	}
	source, err := m.opts.sources(srv, m.cfg)
	if err != nil {
		return nil, fmt.Errorf("log source: %w", err)
	}

	rc := m.cfg.RCON
	return NewInstance(InstanceConfig{
		Server:  srv,
		Profile: profile,
		Dial:    m.opts.dial,
		RCON: rcon.Options{
			Timeout:    rc.Timeout(),
			Retries:    rc.Retries,
			Backoff:    rc.Backoff(),
			RatePerSec: rc.RatePerSec,
			RateBurst:  rc.RateBurst,
		},
		Source:       source,
		Parser:       p,
		Queue:        queue,
		PollInterval: m.opts.poll,
		ReconnectMin: rc.ReconnectMin(),
		ReconnectMax: rc.ReconnectMax(),
	}), nil
}

// Stop rejects new commands, cancels the poll loops, lets the dispatcher
// drain what is queued and tears the connections down. It returns within
// the configured grace period plus a short forced-teardown bound.
func (m *Manager) Stop() error {
	m.mu.Lock()
	r := m.run
	m.run = nil
	m.mu.Unlock()

	if r == nil {
		return ErrNotRunning
	}

	grace := m.cfg.Shutdown.Grace()
	m.logger.Info().Dur("grace", grace).Msg("stopping manager")
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), grace)
	defer cancelGrace()

	r.cancel()

	pollersDone := make(chan struct{})
	go func() {
		r.pollers.Wait()
		close(pollersDone)
	}()
	select {
	case <-pollersDone:
	case <-graceCtx.Done():
		m.logger.Warn().Msg("server poll loops did not stop within the grace period")
	}

	r.queue.Close()
	select {
	case <-r.dispatchDone:
	case <-graceCtx.Done():
		m.logger.Warn().Int("pending", r.queue.Len()).Msg("dispatcher did not drain within the grace period, forcing")
		r.dispatchCancel()
		select {
		case <-r.dispatchDone:
		case <-time.After(forceWait):
			m.logger.Error().Msg("dispatcher did not stop after cancellation")
		}
	}
	r.dispatchCancel()

	leftover := r.queue.Drain()
	for _, e := range leftover {
		e.Complete(events.ErrShuttingDown)
	}

	for _, inst := range r.instances {
		if err := inst.Close(); err != nil {
			m.logger.Debug().Err(err).Str("server", inst.ID()).Msg("error closing server")
		}
	}

	m.logger.Info().Int("abandoned_events", len(leftover)).Msg("manager stopped")
	return nil
}

// Restart stops the manager and starts it again with the same
// configuration and handlers.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return m.Start(ctx)
}

// Running reports whether the manager is between Start and Stop.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.run != nil
}

// Inject wraps line into a Command event from the system origin, owned by
// the server with serverID (the default owner when serverID is empty),
// and enqueues it.
func (m *Manager) Inject(serverID, line string) (*events.GameEvent, error) {
	m.mu.RLock()
	r := m.run
	m.mu.RUnlock()
	if r == nil {
		return nil, ErrNotRunning
	}

	owner := r.owner
	if serverID != "" {
		inst, ok := r.byID[strings.ToLower(serverID)]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
		}
		owner = inst
	}

	e := events.New(events.KindCommand, owner, events.SystemClient(), strings.TrimSpace(line))
	if err := r.queue.Enqueue(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Execute injects line and waits for its completion, bounded by the
// console command timeout. The returned event carries the reply lines even
// when the wait timed out.
func (m *Manager) Execute(ctx context.Context, serverID, line string) (*events.GameEvent, error) {
	e, err := m.Inject(serverID, line)
	if err != nil {
		return nil, err
	}

	timeout := m.cfg.Console.CommandTimeout()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = e.Wait(wctx)
	select {
	case <-e.Done():
		return e, err
	default:
	}
	if ctx.Err() != nil {
		return e, ctx.Err()
	}
	return e, fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
}

// Instances returns the running instances in configuration order.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.run == nil {
		return nil
	}
	out := make([]*Instance, len(m.run.instances))
	copy(out, m.run.instances)
	return out
}

// Instance returns the running instance with the given id.
func (m *Manager) Instance(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.run == nil {
		return nil, false
	}
	inst, ok := m.run.byID[strings.ToLower(id)]
	return inst, ok
}

// Infos returns the summary of every running instance.
func (m *Manager) Infos() []Info {
	instances := m.Instances()
	out := make([]Info, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Info())
	}
	return out
}

// InfoFor returns the summary of the instance with the given id.
func (m *Manager) InfoFor(id string) (Info, bool) {
	inst, ok := m.Instance(id)
	if !ok {
		return Info{}, false
	}
	return inst.Info(), true
}

// DefaultOwner returns the owner of system-wide events: the first
// configured server, or a detached system owner when there is none.
func (m *Manager) DefaultOwner() events.Owner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.run == nil {
		return systemOwner{}
	}
	return m.run.owner
}

// QueueDepth returns the number of events waiting for dispatch.
func (m *Manager) QueueDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.run == nil {
		return 0
	}
	return m.run.queue.Len()
}

// RequestShutdown asks the process to stop. It does not block.
func (m *Manager) RequestShutdown() {
	m.doneOnce.Do(func() { close(m.done) })
}

// RequestRestart asks the process to stop and rebuild everything from a
// fresh configuration.
func (m *Manager) RequestRestart() {
	m.mu.Lock()
	m.restart = true
	m.mu.Unlock()
	m.RequestShutdown()
}

// Done is closed once a shutdown or restart has been requested.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// RestartRequested reports whether the last request was a restart.
func (m *Manager) RestartRequested() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restart
}

// systemOwner owns events when no server is configured. It has no RCON
// link; its server operations fail with ErrNoServer.
type systemOwner struct{}

func (systemOwner) ID() string              { return SystemOwnerID }
func (systemOwner) Name() string            { return "System" }
func (systemOwner) Roster() []events.Client { return nil }

func (systemOwner) Execute(context.Context, string) (string, error) {
	return "", ErrNoServer
}

func (systemOwner) Say(context.Context, string) error { return ErrNoServer }

func (systemOwner) Tell(context.Context, events.Client, string) error { return ErrNoServer }

func (systemOwner) Kick(context.Context, events.Client, string) error { return ErrNoServer }

package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/overseer-project/overseer/internal/config"
	"github.com/overseer-project/overseer/internal/events"
	"github.com/overseer-project/overseer/internal/logsource"
	"github.com/overseer-project/overseer/internal/rcon"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeGame is an in-memory quake3-style server reachable through dial.
type fakeGame struct {
	mu      sync.Mutex
	mapName string
	players []string
	down    bool
	sent    []string
}

func newFakeGame(mapName string, players ...string) *fakeGame {
	return &fakeGame{mapName: mapName, players: players}
}

func (g *fakeGame) dial(ctx context.Context, address, password string) (rcon.Transport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return nil, errors.New("connection refused")
	}
	return &gameTransport{game: g, pending: make(chan rcon.Frame, 4)}, nil
}

func (g *fakeGame) handle(body string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return "", errBrokenPipe
	}
	if body != "status" {
		g.sent = append(g.sent, body)
		return "", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "map: %s\n", g.mapName)
	b.WriteString("num score ping name            lastmsg address               qport rate\n")
	b.WriteString("--- ----- ---- --------------- ------- --------------------- ----- -----\n")
	for i, name := range g.players {
		fmt.Fprintf(&b, "%3d     0   50 %s 0 10.0.0.%d:28960 1234 25000\n", i, name, i+1)
	}
	return b.String(), nil
}

func (g *fakeGame) setDown(down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down = down
}

func (g *fakeGame) setPlayers(players ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.players = players
}

func (g *fakeGame) setMap(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mapName = name
}

func (g *fakeGame) sentCommands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

type gameTransport struct {
	game    *fakeGame
	pending chan rcon.Frame
}

func (t *gameTransport) Write(ctx context.Context, f rcon.Frame) error {
	body, err := t.game.handle(f.Body)
	if err != nil {
		return err
	}
	select {
	case t.pending <- rcon.Frame{Seq: f.Seq, Body: body}:
	default:
	}
	return nil
}

func (t *gameTransport) Read(ctx context.Context) (rcon.Frame, error) {
	select {
	case f := <-t.pending:
		return f, nil
	case <-ctx.Done():
		return rcon.Frame{}, ctx.Err()
	}
}

func (t *gameTransport) Close() error { return nil }

// scriptedSource yields one pushed batch per Read.
type scriptedSource struct {
	mu      sync.Mutex
	batches [][]string
}

func (s *scriptedSource) push(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, lines)
}

func (s *scriptedSource) Read(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *scriptedSource) Close() error { return nil }

func sourceFactory(src logsource.Source) SourceFactory {
	return func(config.ServerConfig, *config.Config) (logsource.Source, error) {
		return src, nil
	}
}

// recorder is a handler remembering every event it saw.
type recorder struct {
	mu   sync.Mutex
	seen []*events.GameEvent
}

func (r *recorder) handler() events.Handler {
	return events.NewHandler("recorder", func(_ context.Context, e *events.GameEvent) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.seen = append(r.seen, e)
		return nil
	})
}

func (r *recorder) all() []*events.GameEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*events.GameEvent(nil), r.seen...)
}

func (r *recorder) count(kind events.Kind) int {
	n := 0
	for _, e := range r.all() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func testServer(id string) config.ServerConfig {
	return config.ServerConfig{
		ID:       id,
		Address:  "127.0.0.1:28960",
		Password: "pw",
		Profile:  "quake3",
		Parser:   "generic",
	}
}

func testConfig(servers ...config.ServerConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Servers = servers
	cfg.RCON.TimeoutMs = 200
	cfg.RCON.Retries = 1
	cfg.RCON.BackoffMs = 1
	cfg.RCON.RatePerSec = 0
	cfg.RCON.ReconnectMinMs = 10
	cfg.RCON.ReconnectMaxMs = 40
	cfg.Dispatcher.HandlerTimeoutMs = 500
	cfg.Console.CommandTimeoutSec = 2
	cfg.Shutdown.GraceSec = 1
	return cfg
}

func startManager(t *testing.T, cfg *config.Config, handlers []events.Handler, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	m := NewManager(cfg, opts...)
	for _, h := range handlers {
		if err := m.Register(h); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

// Package server implements the monitored-server lifecycle: per-server
// instances running the poll cycle, and the Manager orchestrating them
// together with the shared event queue and dispatcher.
package server

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/overseer-project/overseer/internal/events"
	"github.com/overseer-project/overseer/internal/rcon"
)

// State is the lifecycle state of a server instance.
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateActive
	StateDegraded
	StateStopped
)

var stateStrings = map[State]string{
	StateUninitialized: "uninitialized",
	StateConnecting:    "connecting",
	StateActive:        "active",
	StateDegraded:      "degraded",
	StateStopped:       "stopped",
}

// String returns the string representation of State.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes State as a JSON string (e.g. "active").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// GameState caches what an instance knows about its server: the roster
// keyed by client key and the last decoded status.
type GameState struct {
	mu sync.RWMutex

	Hostname   string
	MapName    string
	GameMode   string
	MaxPlayers int

	Players map[string]events.Client

	LastPoll       time.Time
	MapChangedAt   time.Time
	StatusReceived bool
}

// NewGameState creates an empty GameState.
func NewGameState() *GameState {
	return &GameState{
		Players: make(map[string]events.Client),
	}
}

// AddPlayer records c as present. It returns false if the player was
// already known.
func (s *GameState) AddPlayer(c events.Client) bool {
	key := c.Key()
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Players[key]; ok {
		return false
	}
	s.Players[key] = c
	return true
}

// RemovePlayer forgets the player with c's key. It returns the cached
// entry and whether the player was known.
func (s *GameState) RemovePlayer(c events.Client) (events.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.Players[c.Key()]
	if ok {
		delete(s.Players, c.Key())
	}
	return old, ok
}

// Player returns the cached entry for key.
func (s *GameState) Player(key string) (events.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.Players[key]
	return c, ok
}

// SetLevel updates the permission level of a cached player.
func (s *GameState) SetLevel(key string, level events.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.Players[key]; ok {
		c.Level = level
		s.Players[key] = c
	}
}

// GetPlayers returns the roster ordered by client number, then name.
func (s *GameState) GetPlayers() []events.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]events.Client, 0, len(s.Players))
	for _, c := range s.Players {
		result = append(result, c)
	}
	sortClients(result)
	return result
}

// PlayerCount returns the number of cached players.
func (s *GameState) PlayerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Players)
}

// Reconcile merges a fresh status into the cache. Players whose key is in
// skip were already accounted for by log events this cycle and are
// neither added nor removed. It returns the players that appeared and
// those that departed, each ordered by client number, and the previous map
// name when the map changed.
func (s *GameState) Reconcile(st rcon.Status, skip map[string]bool, now time.Time) (joined, left []events.Client, prevMap string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]events.Client, len(st.Players))
	for _, p := range st.Players {
		c := events.Client{
			ClientNum: p.ClientNum,
			Name:      p.Name,
			NetworkID: p.NetworkID,
			IP:        p.IP,
			Ping:      p.Ping,
		}
		if c.Key() == "" {
			continue
		}
		live[c.Key()] = c
	}

	for key, c := range live {
		if skip[key] {
			continue
		}
		cached, ok := s.Players[key]
		if !ok {
			s.Players[key] = c
			joined = append(joined, c)
			continue
		}
		// Status is authoritative for slot and address; the level is ours.
		c.Level = cached.Level
		if c.NetworkID == "" {
			c.NetworkID = cached.NetworkID
		}
		s.Players[key] = c
	}

	for key, c := range s.Players {
		if skip[key] {
			continue
		}
		if _, ok := live[key]; !ok {
			delete(s.Players, key)
			left = append(left, c)
		}
	}

	sortClients(joined)
	sortClients(left)

	if s.StatusReceived && !strings.EqualFold(s.MapName, st.Map) {
		prevMap = s.MapName
		s.MapChangedAt = now
	}
	s.Hostname = st.Hostname
	s.MapName = st.Map
	s.GameMode = st.GameMode
	s.MaxPlayers = st.MaxPlayers
	s.LastPoll = now
	s.StatusReceived = true
	return joined, left, prevMap
}

func sortClients(cs []events.Client) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].ClientNum != cs[j].ClientNum {
			return cs[i].ClientNum < cs[j].ClientNum
		}
		return cs[i].Name < cs[j].Name
	})
}

// Snapshot returns a read-only snapshot of the current state.
func (s *GameState) Snapshot() GameStateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	players := make([]events.Client, 0, len(s.Players))
	for _, c := range s.Players {
		players = append(players, c)
	}
	sortClients(players)

	return GameStateSnapshot{
		Hostname:    s.Hostname,
		MapName:     s.MapName,
		GameMode:    s.GameMode,
		MaxPlayers:  s.MaxPlayers,
		PlayerCount: len(players),
		Players:     players,
		LastPoll:    s.LastPoll,
	}
}

// GameStateSnapshot is an immutable snapshot of a game state.
type GameStateSnapshot struct {
	Hostname    string          `json:"hostname"`
	MapName     string          `json:"map"`
	GameMode    string          `json:"game_mode"`
	MaxPlayers  int             `json:"max_players"`
	PlayerCount int             `json:"player_count"`
	Players     []events.Client `json:"players"`
	LastPoll    time.Time       `json:"last_poll"`
}

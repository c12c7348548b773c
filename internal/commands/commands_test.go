package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-project/overseer/internal/db"
	"github.com/overseer-project/overseer/internal/events"
)

type fakeOwner struct {
	mu     sync.Mutex
	roster []events.Client
	said   []string
	told   []string
	kicked []string
	levels map[string]events.Level
}

func newFakeOwner(players ...events.Client) *fakeOwner {
	return &fakeOwner{roster: players, levels: map[string]events.Level{}}
}

func (o *fakeOwner) ID() string   { return "main" }
func (o *fakeOwner) Name() string { return "Main Server" }

func (o *fakeOwner) Roster() []events.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]events.Client(nil), o.roster...)
}

func (o *fakeOwner) Execute(context.Context, string) (string, error) { return "", nil }

func (o *fakeOwner) Say(_ context.Context, msg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.said = append(o.said, msg)
	return nil
}

func (o *fakeOwner) Tell(_ context.Context, c events.Client, msg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.told = append(o.told, c.Name+": "+msg)
	return nil
}

func (o *fakeOwner) Kick(_ context.Context, c events.Client, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kicked = append(o.kicked, c.Name)
	return nil
}

func (o *fakeOwner) SetLevel(c events.Client, level events.Level) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.levels[c.Key()] = level
}

type fakeStore struct {
	mu        sync.Mutex
	penalties []db.Penalty
	levels    map[string]events.Level
	revoked   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{levels: map[string]events.Level{}}
}

func (s *fakeStore) RecordPlayer(_ context.Context, c events.Client, _ string) (db.Player, error) {
	return db.Player{NetworkID: c.Identity(), Name: c.Name}, nil
}

func (s *fakeStore) Player(_ context.Context, id string) (db.Player, error) {
	return db.Player{}, db.ErrNotFound
}

func (s *fakeStore) Aliases(context.Context, string) ([]db.Alias, error) { return nil, nil }

func (s *fakeStore) SetLevel(_ context.Context, id string, level events.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[id] = level
	return nil
}

func (s *fakeStore) AddPenalty(_ context.Context, p db.Penalty) (db.Penalty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = int64(len(s.penalties) + 1)
	s.penalties = append(s.penalties, p)
	return p, nil
}

func (s *fakeStore) ActivePenalties(context.Context, string, time.Time) ([]db.Penalty, error) {
	return nil, nil
}

func (s *fakeStore) RevokePenalties(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = append(s.revoked, id)
	return 1, nil
}

func (s *fakeStore) ExpirePenalties(context.Context, time.Time) (int64, error) { return 0, nil }
func (s *fakeStore) Close() error                                             { return nil }

type fakeControl struct {
	restarts, shutdowns int
}

func (c *fakeControl) RequestRestart()  { c.restarts++ }
func (c *fakeControl) RequestShutdown() { c.shutdowns++ }

var (
	alice = events.Client{ClientNum: 0, Name: "Alice", NetworkID: "guid-a", Level: events.LevelUser}
	bob   = events.Client{ClientNum: 1, Name: "Bobby", NetworkID: "guid-b", Level: events.LevelModerator}
	bobo  = events.Client{ClientNum: 2, Name: "Bob", NetworkID: "guid-c", Level: events.LevelUser}
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(store db.Store, control Controller) *Registry {
	return NewDefaultRegistry("!", Deps{Store: store, Control: control, Now: func() time.Time { return fixedNow }})
}

func run(t *testing.T, r *Registry, owner events.Owner, origin *events.Client, line string) (*events.GameEvent, error) {
	t.Helper()
	e := events.New(events.KindCommand, owner, origin, line)
	return e, r.OnEvent(context.Background(), e)
}

func TestLookupIgnoresCasePrefixAndAliases(t *testing.T) {
	r := newTestRegistry(nil, nil)

	for _, name := range []string{"help", "!HELP", "?", "H"} {
		cmd, ok := r.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, "help", cmd.Name)
	}
	_, ok := r.Lookup("!nope")
	assert.False(t, ok)

	assert.Error(t, r.Add(&Command{Name: "K"}), "alias collision is rejected")
}

func TestNonCommandEventsAreIgnored(t *testing.T) {
	r := newTestRegistry(nil, nil)
	e := events.New(events.KindChat, newFakeOwner(), nil, "!quit")
	assert.NoError(t, r.OnEvent(context.Background(), e))
	assert.Empty(t, e.Output())
}

func TestUnknownCommand(t *testing.T) {
	owner := newFakeOwner(alice)
	r := newTestRegistry(nil, nil)

	origin := alice
	e, err := run(t, r, owner, &origin, "!dance now")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	require.Len(t, e.Output(), 1)
	assert.Contains(t, e.Output()[0], `"dance"`)
	assert.Len(t, owner.told, 1, "player issuers are answered by private message")
}

func TestPermissionDenied(t *testing.T) {
	owner := newFakeOwner(alice, bob)
	r := newTestRegistry(newFakeStore(), nil)

	origin := alice
	_, err := run(t, r, owner, &origin, "!kick bobby")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Empty(t, owner.kicked)
}

func TestUsageError(t *testing.T) {
	r := newTestRegistry(nil, nil)
	e, err := run(t, r, newFakeOwner(), nil, "say")
	assert.ErrorIs(t, err, ErrUsage)
	assert.Equal(t, []string{"Usage: !say <message>"}, e.Output())
}

func TestHelpListsCommandsForLevel(t *testing.T) {
	r := newTestRegistry(nil, nil)

	origin := alice
	e, err := run(t, r, newFakeOwner(alice), &origin, "!help")
	require.NoError(t, err)
	require.NotEmpty(t, e.Output())
	assert.Equal(t, "Commands: help, status, whoami", e.Output()[0])

	e, err = run(t, r, newFakeOwner(), nil, "help kick")
	require.NoError(t, err)
	assert.Contains(t, e.Output()[0], "!kick <player> [reason]")
}

func TestStatusRendersRoster(t *testing.T) {
	r := newTestRegistry(nil, nil)

	e, err := run(t, r, newFakeOwner(alice, bob), nil, "status")
	require.NoError(t, err)
	out := strings.Join(e.Output(), "\n")
	assert.Contains(t, out, "Main Server: 2 player(s)")
	assert.Contains(t, out, "Alice")
	assert.Contains(t, out, "moderator")

	e, err = run(t, r, newFakeOwner(), nil, "status")
	require.NoError(t, err)
	assert.Equal(t, []string{"No players on Main Server."}, e.Output())
}

func TestSayAndTell(t *testing.T) {
	owner := newFakeOwner(alice, bob)
	r := newTestRegistry(nil, nil)

	_, err := run(t, r, owner, nil, "say hello there")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello there"}, owner.said)

	_, err = run(t, r, owner, nil, "tell ali psst")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice: psst"}, owner.told)
}

func TestKickRecordsPenalty(t *testing.T) {
	owner := newFakeOwner(alice, bob)
	store := newFakeStore()
	r := newTestRegistry(store, nil)

	origin := bob
	_, err := run(t, r, owner, &origin, "!kick #0 camping")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, owner.kicked)
	require.Len(t, store.penalties, 1)
	assert.Equal(t, db.PenaltyKick, store.penalties[0].Kind)
	assert.Equal(t, "guid-a", store.penalties[0].NetworkID)
	assert.Equal(t, "Bobby", store.penalties[0].Punisher)
	assert.Equal(t, "camping", store.penalties[0].Reason)
}

func TestCannotPunishEqualLevel(t *testing.T) {
	peer := events.Client{ClientNum: 5, Name: "Mod2", Level: events.LevelModerator}
	owner := newFakeOwner(bob, peer)
	r := newTestRegistry(newFakeStore(), nil)

	origin := bob
	_, err := run(t, r, owner, &origin, "!kick mod2")
	assert.ErrorIs(t, err, ErrOutranked)
	assert.Empty(t, owner.kicked)
}

func TestTempbanAndBan(t *testing.T) {
	owner := newFakeOwner(alice, bobo)
	store := newFakeStore()
	r := newTestRegistry(store, nil)

	_, err := run(t, r, owner, nil, "tempban alice 2d spam")
	require.NoError(t, err)
	_, err = run(t, r, owner, nil, "ban bob aimbot")
	require.NoError(t, err)

	require.Len(t, store.penalties, 2)
	assert.Equal(t, db.PenaltyTempBan, store.penalties[0].Kind)
	assert.Equal(t, fixedNow.Add(48*time.Hour), store.penalties[0].ExpiresAt)
	assert.Equal(t, db.PenaltyBan, store.penalties[1].Kind)
	assert.True(t, store.penalties[1].ExpiresAt.IsZero())
	assert.Equal(t, []string{"Alice", "Bob"}, owner.kicked)
}

func TestBanWithoutStoreFails(t *testing.T) {
	owner := newFakeOwner(alice)
	r := newTestRegistry(nil, nil)

	_, err := run(t, r, owner, nil, "ban alice")
	assert.ErrorIs(t, err, ErrNoStore)
	assert.Empty(t, owner.kicked, "no kick without a recorded ban")
}

func TestUnban(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(store, nil)

	e, err := run(t, r, newFakeOwner(), nil, "unban guid-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"guid-a"}, store.revoked)
	assert.Contains(t, e.Output()[0], "Lifted 1")
}

func TestSetLevel(t *testing.T) {
	owner := newFakeOwner(alice)
	store := newFakeStore()
	r := newTestRegistry(store, nil)

	_, err := run(t, r, owner, nil, "setlevel alice trusted")
	require.NoError(t, err)
	assert.Equal(t, events.LevelTrusted, store.levels["guid-a"])
	assert.Equal(t, events.LevelTrusted, owner.levels["alice"])

	_, err = run(t, r, owner, nil, "setlevel alice console")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = run(t, r, owner, nil, "setlevel alice wizard")
	assert.Error(t, err)
}

func TestWhoami(t *testing.T) {
	r := newTestRegistry(nil, nil)

	origin := alice
	e, err := run(t, r, newFakeOwner(alice), &origin, "!whoami")
	require.NoError(t, err)
	assert.Equal(t, "Alice [guid-a] level user", e.Output()[0])

	e, err = run(t, r, newFakeOwner(), nil, "whoami")
	require.NoError(t, err)
	assert.Equal(t, "You are the console (console).", e.Output()[0])
}

func TestRestartAndQuit(t *testing.T) {
	control := &fakeControl{}
	r := newTestRegistry(nil, control)

	_, err := run(t, r, newFakeOwner(), nil, "restart")
	require.NoError(t, err)
	_, err = run(t, r, newFakeOwner(), nil, "!QUIT")
	require.NoError(t, err)
	assert.Equal(t, 1, control.restarts)
	assert.Equal(t, 1, control.shutdowns)

	r = newTestRegistry(nil, nil)
	_, err = run(t, r, newFakeOwner(), nil, "restart")
	assert.Error(t, err)
}

func TestFindPlayer(t *testing.T) {
	roster := []events.Client{alice, bob, bobo}

	tests := []struct {
		query string
		want  string
		err   error
	}{
		{query: "#1", want: "Bobby"},
		{query: "BOB", want: "Bob"},
		{query: "lic", want: "Alice"},
		{query: "bo", err: ErrAmbiguousPlayer},
		{query: "zed", err: ErrPlayerNotFound},
		{query: "#9", err: ErrPlayerNotFound},
		{query: "#x", err: ErrPlayerNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c, err := FindPlayer(roster, tt.query)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Name)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30", 30 * time.Minute, true},
		{"2h", 2 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"2W", 14 * 24 * time.Hour, true},
		{"90m", 90 * time.Minute, true},
		{"0", 0, false},
		{"-1h", 0, false},
		{"xd", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			d, err := ParseDuration(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

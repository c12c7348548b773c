package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-project/overseer/internal/events"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "data", "overseer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordPlayerUpsertsAndTracksAliases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice := events.Client{ClientNum: 3, Name: "Alice", NetworkID: "guid-a", IP: "10.0.0.1"}
	p, err := s.RecordPlayer(ctx, alice, "main")
	require.NoError(t, err)
	assert.Equal(t, "guid-a", p.NetworkID)
	assert.Equal(t, events.LevelUser, p.Level)
	assert.Equal(t, 1, p.Connections)

	alice.Name = "Al1ce"
	p, err = s.RecordPlayer(ctx, alice, "second")
	require.NoError(t, err)
	assert.Equal(t, "Al1ce", p.Name)
	assert.Equal(t, 2, p.Connections)

	aliases, err := s.Aliases(ctx, "guid-a")
	require.NoError(t, err)
	require.Len(t, aliases, 2)
	names := []string{aliases[0].Name, aliases[1].Name}
	assert.ElementsMatch(t, []string{"Alice", "Al1ce"}, names)
}

func TestPlayerWithoutNetworkIDUsesNameIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.RecordPlayer(ctx, events.Client{Name: "Bob"}, "main")
	require.NoError(t, err)

	p, err := s.Player(ctx, "name:bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", p.Name)

	_, err = s.Player(ctx, "guid-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetLevel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.RecordPlayer(ctx, events.Client{Name: "Carol", NetworkID: "guid-c"}, "main")
	require.NoError(t, err)

	require.NoError(t, s.SetLevel(ctx, "guid-c", events.LevelModerator))
	p, err := s.Player(ctx, "guid-c")
	require.NoError(t, err)
	assert.Equal(t, events.LevelModerator, p.Level)

	// Level survives the next connection.
	p, err = s.RecordPlayer(ctx, events.Client{Name: "Carol", NetworkID: "guid-c"}, "main")
	require.NoError(t, err)
	assert.Equal(t, events.LevelModerator, p.Level)

	assert.ErrorIs(t, s.SetLevel(ctx, "guid-x", events.LevelOwner), ErrNotFound)
}

func TestPenaltiesLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	kick, err := s.AddPenalty(ctx, Penalty{Kind: PenaltyKick, NetworkID: "guid-d", Offender: "Dave", Punisher: "Console"})
	require.NoError(t, err)
	assert.NotZero(t, kick.ID)
	assert.False(t, kick.Active, "kicks are one-shot")

	temp, err := s.AddPenalty(ctx, Penalty{
		Kind:      PenaltyTempBan,
		NetworkID: "guid-d",
		Reason:    "spam",
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, temp.Active)

	active, err := s.ActivePenalties(ctx, "guid-d", now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, PenaltyTempBan, active[0].Kind)
	assert.True(t, active[0].Bars(now))
	assert.False(t, active[0].Bars(now.Add(2*time.Hour)))

	// Past its expiry the tempban no longer shows up, and the sweep deactivates it.
	later := now.Add(2 * time.Hour)
	active, err = s.ActivePenalties(ctx, "guid-d", later)
	require.NoError(t, err)
	assert.Empty(t, active)

	n, err := s.ExpirePenalties(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.AddPenalty(ctx, Penalty{Kind: PenaltyBan, NetworkID: "guid-d", Reason: "cheating"})
	require.NoError(t, err)
	active, err = s.ActivePenalties(ctx, "guid-d", later.Add(24*365*time.Hour))
	require.NoError(t, err)
	require.Len(t, active, 1, "permanent bans never expire")

	n, err = s.RevokePenalties(ctx, "guid-d")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	active, err = s.ActivePenalties(ctx, "guid-d", now)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReopenKeepsDataAndSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overseer.db")
	ctx := context.Background()

	s, err := OpenStore(path)
	require.NoError(t, err)
	_, err = s.RecordPlayer(ctx, events.Client{Name: "Eve", NetworkID: "guid-e"}, "main")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenStore(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, len(migrations), version)

	p, err := s.Player(ctx, "guid-e")
	require.NoError(t, err)
	assert.Equal(t, "Eve", p.Name)
}

func TestParsePenaltyKind(t *testing.T) {
	k, err := ParsePenaltyKind(" TempBan ")
	require.NoError(t, err)
	assert.Equal(t, PenaltyTempBan, k)

	_, err = ParsePenaltyKind("mute")
	assert.Error(t, err)
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.RecordPlayer(context.Background(), events.Client{Name: "Zed"}, "main")
	assert.ErrorIs(t, err, ErrStore)
}

type failingResult struct{ err error }

func (r failingResult) LastInsertId() (int64, error) { return 0, r.err }
func (r failingResult) RowsAffected() (int64, error) { return 0, r.err }

func TestResultErrorsAreWrapped(t *testing.T) {
	cause := errors.New("driver lost the result")

	_, err := insertedID("add penalty", failingResult{cause})
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "add penalty")

	_, err = affected("revoke penalties", failingResult{cause})
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, cause)

	id, err := insertedID("add penalty", okResult{id: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}

type okResult struct{ id int64 }

func (r okResult) LastInsertId() (int64, error) { return r.id, nil }
func (r okResult) RowsAffected() (int64, error) { return 1, nil }

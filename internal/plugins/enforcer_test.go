package plugins

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-project/overseer/internal/db"
	"github.com/overseer-project/overseer/internal/events"
)

type kickRecorder struct {
	kicked  []string
	reasons []string
	levels  map[string]events.Level
}

func (o *kickRecorder) ID() string                                      { return "main" }
func (o *kickRecorder) Name() string                                    { return "Main" }
func (o *kickRecorder) Roster() []events.Client                         { return nil }
func (o *kickRecorder) Execute(context.Context, string) (string, error) { return "", nil }
func (o *kickRecorder) Say(context.Context, string) error               { return nil }
func (o *kickRecorder) Tell(context.Context, events.Client, string) error {
	return nil
}

func (o *kickRecorder) Kick(_ context.Context, c events.Client, reason string) error {
	o.kicked = append(o.kicked, c.Name)
	o.reasons = append(o.reasons, reason)
	return nil
}

func (o *kickRecorder) SetLevel(c events.Client, level events.Level) {
	if o.levels == nil {
		o.levels = map[string]events.Level{}
	}
	o.levels[c.Key()] = level
}

func openStore(t *testing.T) *db.SQLiteStore {
	t.Helper()
	s, err := db.OpenStore(filepath.Join(t.TempDir(), "overseer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func connect(owner events.Owner, c events.Client) *events.GameEvent {
	return events.New(events.KindConnect, owner, &c, "")
}

func TestEnforcerRecordsPlayers(t *testing.T) {
	store := openStore(t)
	en := NewEnforcer(store)
	owner := &kickRecorder{}
	ctx := context.Background()

	dave := events.Client{ClientNum: 4, Name: "Dave", NetworkID: "guid-d", IP: "10.0.0.4"}
	require.NoError(t, en.OnEvent(ctx, connect(owner, dave)))

	p, err := store.Player(ctx, "guid-d")
	require.NoError(t, err)
	assert.Equal(t, "Dave", p.Name)
	assert.Empty(t, owner.kicked)

	// Stored levels are pushed onto the server's roster.
	require.NoError(t, store.SetLevel(ctx, "guid-d", events.LevelTrusted))
	require.NoError(t, en.OnEvent(ctx, connect(owner, dave)))
	assert.Equal(t, events.LevelTrusted, owner.levels["dave"])
}

func TestEnforcerKicksBannedPlayers(t *testing.T) {
	store := openStore(t)
	en := NewEnforcer(store)
	owner := &kickRecorder{}
	ctx := context.Background()

	_, err := store.AddPenalty(ctx, db.Penalty{Kind: db.PenaltyBan, NetworkID: "guid-e", Reason: "wallhack"})
	require.NoError(t, err)

	require.NoError(t, en.OnEvent(ctx, connect(owner, events.Client{Name: "Eve", NetworkID: "guid-e"})))
	assert.Equal(t, []string{"Eve"}, owner.kicked)
	assert.Equal(t, []string{"wallhack"}, owner.reasons)
}

func TestEnforcerHonoursTempbanExpiry(t *testing.T) {
	store := openStore(t)
	en := NewEnforcer(store)
	owner := &kickRecorder{}
	ctx := context.Background()

	now := time.Now()
	_, err := store.AddPenalty(ctx, db.Penalty{
		Kind:      db.PenaltyTempBan,
		NetworkID: "name:frank",
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	frank := events.Client{Name: "Frank"}
	require.NoError(t, en.OnEvent(ctx, connect(owner, frank)))
	require.Len(t, owner.reasons, 1)
	assert.Contains(t, owner.reasons[0], "banned (until ")

	en.now = func() time.Time { return now.Add(2 * time.Hour) }
	require.NoError(t, en.OnEvent(ctx, connect(owner, frank)))
	assert.Len(t, owner.kicked, 1, "expired tempban no longer applies")
}

func TestEnforcerIgnoresOtherEvents(t *testing.T) {
	store := openStore(t)
	en := NewEnforcer(store)
	owner := &kickRecorder{}

	e := events.New(events.KindDisconnect, owner, &events.Client{Name: "Gus"}, "")
	require.NoError(t, en.OnEvent(context.Background(), e))
	require.NoError(t, en.OnEvent(context.Background(), events.New(events.KindConnect, owner, nil, "")))

	_, err := store.Player(context.Background(), "name:gus")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestEnforcerSurfacesStoreFailures(t *testing.T) {
	store := openStore(t)
	en := NewEnforcer(store)
	require.NoError(t, store.Close())

	err := en.OnEvent(context.Background(), connect(&kickRecorder{}, events.Client{Name: "Hal"}))
	assert.ErrorIs(t, err, db.ErrStore)
}

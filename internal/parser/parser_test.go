package parser

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-project/overseer/internal/events"
)

type testOwner struct{ id string }

func (o testOwner) ID() string              { return o.id }
func (o testOwner) Name() string            { return o.id }
func (o testOwner) Roster() []events.Client { return nil }
func (o testOwner) Execute(context.Context, string) (string, error) {
	return "", nil
}
func (o testOwner) Say(context.Context, string) error                 { return nil }
func (o testOwner) Tell(context.Context, events.Client, string) error { return nil }
func (o testOwner) Kick(context.Context, events.Client, string) error { return nil }

func mustProfile(t *testing.T, name string) *Parser {
	t.Helper()
	p, err := ForProfile(name, DefaultCommandPrefix)
	require.NoError(t, err)
	return p
}

func TestGenericConnectChatDisconnect(t *testing.T) {
	t.Parallel()

	p := mustProfile(t, "generic")
	owner := testOwner{id: "srv1"}

	lines := []string{"Player1 connected", "Player1 said: hello", "Player1 disconnected"}
	var got []*events.GameEvent
	for _, line := range lines {
		if e := p.Parse(line, owner); e != nil {
			got = append(got, e)
		}
	}

	require.Len(t, got, 3)
	assert.Equal(t, events.KindConnect, got[0].Kind)
	assert.Equal(t, events.KindChat, got[1].Kind)
	assert.Equal(t, "hello", got[1].Data)
	assert.Equal(t, events.KindDisconnect, got[2].Kind)
	for _, e := range got {
		assert.Equal(t, "Player1", e.Origin.Name)
		assert.False(t, e.Origin.IsSystem())
		assert.Equal(t, "srv1", e.ServerID())
	}
}

func TestUnmatchedLinesProduceNothing(t *testing.T) {
	t.Parallel()

	p := mustProfile(t, "generic")
	for _, line := range []string{
		"",
		"   ",
		"\x00\x00",
		"ShutdownGame:",
		"Player1 did something unusual",
		"\xef\xbb\xbf------------------------------",
	} {
		assert.Nil(t, p.Parse(line, testOwner{id: "srv1"}), "line %q", line)
	}
}

func TestFirstMatchWins(t *testing.T) {
	t.Parallel()

	p := New("ordered", "", []Matcher{
		{Kind: events.KindChat, Pattern: regexp.MustCompile(`^(\w+): (.*)$`), Origin: Fields{Name: 1}, Data: 2},
		{Kind: events.KindLog, Pattern: regexp.MustCompile(`^(.*)$`), Data: 1},
	})

	for i := 0; i < 10; i++ {
		e := p.Parse("alice: hi", testOwner{id: "srv1"})
		require.NotNil(t, e)
		assert.Equal(t, events.KindChat, e.Kind)
		assert.Equal(t, "alice", e.Origin.Name)
	}

	e := p.Parse("no colon here", testOwner{id: "srv1"})
	require.NotNil(t, e)
	assert.Equal(t, events.KindLog, e.Kind)
	assert.True(t, e.Origin.IsSystem(), "lines without an origin use the system origin")
}

func TestCommandPrefix(t *testing.T) {
	t.Parallel()

	p := mustProfile(t, "generic")
	e := p.Parse("Player1 said: !kick Player2 spam", testOwner{id: "srv1"})
	require.NotNil(t, e)
	assert.Equal(t, events.KindCommand, e.Kind)
	assert.Equal(t, "!kick Player2 spam", e.Data)

	noPrefix := New("plain", "", genericMatchers())
	e = noPrefix.Parse("Player1 said: !help", testOwner{id: "srv1"})
	require.NotNil(t, e)
	assert.Equal(t, events.KindChat, e.Kind)
}

func TestGenericKill(t *testing.T) {
	t.Parallel()

	p := mustProfile(t, "generic")
	e := p.Parse("Alice killed Bob with rocket", testOwner{id: "srv1"})
	require.NotNil(t, e)
	assert.Equal(t, events.KindKill, e.Kind)
	assert.Equal(t, "Alice", e.Origin.Name)
	require.NotNil(t, e.Target)
	assert.Equal(t, "Bob", e.Target.Name)
	assert.Equal(t, "rocket", e.Data)

	e = p.Parse("Alice killed Bob", testOwner{id: "srv1"})
	require.NotNil(t, e)
	assert.Empty(t, e.Data)
}

func TestIW4Lines(t *testing.T) {
	t.Parallel()

	p := mustProfile(t, "iw4")
	owner := testOwner{id: "iw4"}

	tests := []struct {
		name   string
		line   string
		kind   events.Kind
		origin *events.Client
		target *events.Client
		data   string
	}{
		{
			name:   "join",
			line:   "  0:05 J;0123456789abcdef;3;^1Play^7er",
			kind:   events.KindConnect,
			origin: &events.Client{ClientNum: 3, Name: "Player", NetworkID: "0123456789abcdef"},
		},
		{
			name:   "quit",
			line:   "12:40 Q;0123456789abcdef;3;Player",
			kind:   events.KindDisconnect,
			origin: &events.Client{ClientNum: 3, Name: "Player", NetworkID: "0123456789abcdef"},
		},
		{
			name:   "say",
			line:   "say;0123456789abcdef;3;Player;\x15gg all",
			kind:   events.KindChat,
			origin: &events.Client{ClientNum: 3, Name: "Player", NetworkID: "0123456789abcdef"},
			data:   "gg all",
		},
		{
			name:   "sayteam command",
			line:   "sayteam;0123456789abcdef;3;Player;!report cheater",
			kind:   events.KindCommand,
			origin: &events.Client{ClientNum: 3, Name: "Player", NetworkID: "0123456789abcdef"},
			data:   "!report cheater",
		},
		{
			name:   "kill",
			line:   "K;aaaa;1;axis;Victim;bbbb;2;allies;Killer;m4_mp;100;MOD_RIFLE_BULLET;head",
			kind:   events.KindKill,
			origin: &events.Client{ClientNum: 2, Name: "Killer", NetworkID: "bbbb"},
			target: &events.Client{ClientNum: 1, Name: "Victim", NetworkID: "aaaa"},
			data:   "m4_mp",
		},
		{
			name: "init game",
			line: `InitGame: \g_gametype\war\mapname\mp_rust`,
			kind: events.KindUpdate,
			data: `\g_gametype\war\mapname\mp_rust`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := p.Parse(tt.line, owner)
			require.NotNil(t, e)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.data, e.Data)
			if tt.origin != nil {
				assert.Equal(t, tt.origin, e.Origin)
			} else {
				assert.True(t, e.Origin.IsSystem())
			}
			assert.Equal(t, tt.target, e.Target)
		})
	}
}

func TestSourceLines(t *testing.T) {
	t.Parallel()

	p := mustProfile(t, "source")
	owner := testOwner{id: "css"}

	e := p.Parse(`L 10/13/2024 - 20:14:37: "Player One<2><STEAM_1:0:1234><>" connected, address "198.51.100.4:27005"`, owner)
	require.NotNil(t, e)
	assert.Equal(t, events.KindConnect, e.Kind)
	assert.Equal(t, &events.Client{ClientNum: 2, Name: "Player One", NetworkID: "STEAM_1:0:1234"}, e.Origin)

	e = p.Parse(`L 10/13/2024 - 20:15:00: "Player One<2><STEAM_1:0:1234><CT>" say "!whoami"`, owner)
	require.NotNil(t, e)
	assert.Equal(t, events.KindCommand, e.Kind)
	assert.Equal(t, "!whoami", e.Data)

	e = p.Parse(`L 10/13/2024 - 20:16:10: "Killer<5><STEAM_1:1:5><TERRORIST>" [10 20 30] killed "Player One<2><STEAM_1:0:1234><CT>" [40 50 60] with "ak47" (headshot)`, owner)
	require.NotNil(t, e)
	assert.Equal(t, events.KindKill, e.Kind)
	assert.Equal(t, "Killer", e.Origin.Name)
	assert.Equal(t, "Player One", e.Target.Name)
	assert.Equal(t, "ak47", e.Data)

	e = p.Parse(`L 10/13/2024 - 20:20:00: "Player One<2><STEAM_1:0:1234><CT>" disconnected (reason "Disconnect")`, owner)
	require.NotNil(t, e)
	assert.Equal(t, events.KindDisconnect, e.Kind)
	assert.Equal(t, "Disconnect", e.Data)

	e = p.Parse(`L 10/13/2024 - 20:21:00: Started map "de_inferno" (CRC "-12345")`, owner)
	require.NotNil(t, e)
	assert.Equal(t, events.KindUpdate, e.Kind)
	assert.Equal(t, "de_inferno", e.Data)
}

func TestParseIsSafeConcurrently(t *testing.T) {
	t.Parallel()

	p := mustProfile(t, "generic")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				e := p.Parse("Player1 said: hello", testOwner{id: "srv1"})
				assert.Equal(t, "hello", e.Data)
			}
		}()
	}
	wg.Wait()
}

func TestForProfile(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"generic", "iw4", "source"}, Profiles())
	p, err := ForProfile("IW4", "!")
	require.NoError(t, err)
	assert.Equal(t, "iw4", p.Name())

	_, err = ForProfile("unreal", "!")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

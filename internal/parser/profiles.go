package parser

import (
	"regexp"

	"github.com/overseer-project/overseer/internal/events"
)

// genericMatchers understands plain "Name verb ..." lines.
func genericMatchers() []Matcher {
	return []Matcher{
		{
			Kind:    events.KindConnect,
			Pattern: regexp.MustCompile(`^(\S+) connected$`),
			Origin:  Fields{Name: 1},
		},
		{
			Kind:    events.KindDisconnect,
			Pattern: regexp.MustCompile(`^(\S+) disconnected$`),
			Origin:  Fields{Name: 1},
		},
		{
			Kind:    events.KindChat,
			Pattern: regexp.MustCompile(`^(\S+) said: (.*)$`),
			Origin:  Fields{Name: 1},
			Data:    2,
		},
		{
			Kind:    events.KindKill,
			Pattern: regexp.MustCompile(`^(\S+) killed (\S+)(?: with (.+))?$`),
			Origin:  Fields{Name: 1},
			Target:  Fields{Name: 2},
			Data:    3,
		},
	}
}

// iw4Timestamp matches the optional "m:ss" uptime prefix of IW-engine logs.
const iw4Timestamp = `^(?:\d+:\d+\s+)?`

// iw4Matchers understands the semicolon-separated games_mp.log format of
// IW-engine servers.
func iw4Matchers() []Matcher {
	return []Matcher{
		{
			Kind:    events.KindConnect,
			Pattern: regexp.MustCompile(iw4Timestamp + `J;([^;]*);(\d+);(.*)$`),
			Origin:  Fields{NetworkID: 1, ClientNum: 2, Name: 3},
		},
		{
			Kind:    events.KindDisconnect,
			Pattern: regexp.MustCompile(iw4Timestamp + `Q;([^;]*);(\d+);(.*)$`),
			Origin:  Fields{NetworkID: 1, ClientNum: 2, Name: 3},
		},
		{
			Kind:    events.KindChat,
			Pattern: regexp.MustCompile(iw4Timestamp + `say(?:team)?;([^;]*);(\d+);([^;]*);(.*)$`),
			Origin:  Fields{NetworkID: 1, ClientNum: 2, Name: 3},
			Data:    4,
		},
		{
			// K;victim guid;num;team;name;attacker guid;num;team;name;weapon;...
			Kind:    events.KindKill,
			Pattern: regexp.MustCompile(iw4Timestamp + `K;([^;]*);(-?\d+);[^;]*;([^;]*);([^;]*);(-?\d+);[^;]*;([^;]*);([^;]*)(?:;.*)?$`),
			Origin:  Fields{NetworkID: 4, ClientNum: 5, Name: 6},
			Target:  Fields{NetworkID: 1, ClientNum: 2, Name: 3},
			Data:    7,
		},
		{
			Kind:    events.KindUpdate,
			Pattern: regexp.MustCompile(iw4Timestamp + `InitGame:\s*(.*)$`),
			Data:    1,
		},
	}
}

const (
	srcdsPrefix = `^L \d{2}/\d{2}/\d{4} - \d{2}:\d{2}:\d{2}: `
	// "Name<userid><steamid><team>"
	srcdsPlayer = `"(.+?)<(\d+)><([^>]*)><[^>]*>"`
	srcdsPos    = `(?: \[[^\]]*\])?`
)

// sourceMatchers understands srcds "L date - time:" log lines.
func sourceMatchers() []Matcher {
	player := Fields{Name: 1, ClientNum: 2, NetworkID: 3}
	return []Matcher{
		{
			Kind:    events.KindConnect,
			Pattern: regexp.MustCompile(srcdsPrefix + srcdsPlayer + ` connected(?:, address "[^"]*")?$`),
			Origin:  player,
		},
		{
			Kind:    events.KindDisconnect,
			Pattern: regexp.MustCompile(srcdsPrefix + srcdsPlayer + ` disconnected(?: \(reason "(.*)"\))?$`),
			Origin:  player,
			Data:    4,
		},
		{
			Kind:    events.KindChat,
			Pattern: regexp.MustCompile(srcdsPrefix + srcdsPlayer + ` say(?:_team)? "(.*)"$`),
			Origin:  player,
			Data:    4,
		},
		{
			Kind: events.KindKill,
			Pattern: regexp.MustCompile(srcdsPrefix + srcdsPlayer + srcdsPos + ` killed ` +
				`"(.+?)<(\d+)><([^>]*)><[^>]*>"` + srcdsPos + ` with "([^"]*)".*$`),
			Origin: player,
			Target: Fields{Name: 4, ClientNum: 5, NetworkID: 6},
			Data:   7,
		},
		{
			Kind:    events.KindUpdate,
			Pattern: regexp.MustCompile(srcdsPrefix + `Started map "([^"]+)"`),
			Data:    1,
		},
	}
}

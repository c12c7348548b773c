package rcon

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Status is the decoded answer to a profile's status command.
type Status struct {
	Hostname   string
	Map        string
	GameMode   string
	MaxPlayers int
	Players    []PlayerStatus
}

// PlayerStatus is one row of the server's player list.
type PlayerStatus struct {
	ClientNum int
	Name      string
	NetworkID string
	IP        string
	Ping      int
	Score     int
}

var (
	colorCode = regexp.MustCompile(`\^[0-9a-zA-Z]`)

	quake3Row = regexp.MustCompile(`^\s*(\d+)\s+(-?\d+)\s+(\d+|CNCT|ZMBI)\s+(\S+)\s+(.+?)\s+(\d+)\s+(\S+)\s+(-?\d+)\s+(\d+)\s*$`)
	// Servers without a guid column (ioquake3 and friends).
	quake3RowNoGUID = regexp.MustCompile(`^\s*(\d+)\s+(-?\d+)\s+(\d+|CNCT|ZMBI)\s+(.+?)\s+(\d+)\s+(\S+)\s+(-?\d+)\s+(\d+)\s*$`)

	sourceRow     = regexp.MustCompile(`^#\s*(\d+)\s+(?:\d+\s+)?"(.*)"\s+(\S+)\s+(\S+)\s+(\d+)\s+(\d+)\s+(\S+)(?:\s+(\d+))?(?:\s+(\S+))?\s*$`)
	sourceMaxSlot = regexp.MustCompile(`\((\d+)(?:/\d+)?\s*max\)`)
)

// StripColors removes Quake-style ^N color codes.
func StripColors(s string) string {
	return colorCode.ReplaceAllString(s, "")
}

// ParseQuake3Status decodes the output of "status" on Quake 3 engine
// derivatives, with or without a guid column.
func ParseQuake3Status(raw string) (Status, error) {
	var (
		st      Status
		haveMap bool
		guidCol bool
		inRows  bool
	)

	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "map:"):
			st.Map = strings.TrimSpace(strings.TrimPrefix(trimmed, "map:"))
			haveMap = true
			continue
		case strings.HasPrefix(trimmed, "hostname:"):
			st.Hostname = StripColors(strings.TrimSpace(strings.TrimPrefix(trimmed, "hostname:")))
			continue
		case strings.HasPrefix(trimmed, "num "):
			guidCol = strings.Contains(trimmed, "guid")
			continue
		case strings.HasPrefix(trimmed, "---"):
			inRows = true
			continue
		}
		if !inRows {
			continue
		}

		if guidCol {
			m := quake3Row.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			st.Players = append(st.Players, quake3Player(m[1], m[2], m[3], m[4], m[5], m[7]))
			continue
		}
		m := quake3RowNoGUID.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		st.Players = append(st.Players, quake3Player(m[1], m[2], m[3], "", m[4], m[6]))
	}

	if !haveMap {
		return Status{}, fmt.Errorf("%w: status has no map line", ErrMalformedResponse)
	}
	return st, nil
}

func quake3Player(num, score, ping, guid, name, address string) PlayerStatus {
	p := PlayerStatus{
		Name:      strings.TrimSpace(StripColors(name)),
		NetworkID: guid,
		IP:        hostOf(address),
	}
	p.ClientNum, _ = strconv.Atoi(num)
	p.Score, _ = strconv.Atoi(score)
	if n, err := strconv.Atoi(ping); err == nil {
		p.Ping = n
	} else {
		p.Ping = 999
	}
	return p
}

// ParseSourceStatus decodes the output of "status" on Source engine servers.
// Bots are omitted.
func ParseSourceStatus(raw string) (Status, error) {
	var (
		st      Status
		haveMap bool
	)

	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			m := sourceRow.FindStringSubmatch(line)
			if m == nil || m[3] == "BOT" {
				continue
			}
			p := PlayerStatus{
				Name:      m[2],
				NetworkID: m[3],
				IP:        hostOf(m[9]),
			}
			p.ClientNum, _ = strconv.Atoi(m[1])
			p.Ping, _ = strconv.Atoi(m[5])
			st.Players = append(st.Players, p)
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "hostname":
			st.Hostname = value
		case "map":
			if fields := strings.Fields(value); len(fields) > 0 {
				st.Map = fields[0]
				haveMap = true
			}
		case "players":
			if m := sourceMaxSlot.FindStringSubmatch(value); m != nil {
				st.MaxPlayers, _ = strconv.Atoi(m[1])
			}
		case "type":
			st.GameMode = value
		}
	}

	if !haveMap {
		return Status{}, fmt.Errorf("%w: status has no map line", ErrMalformedResponse)
	}
	return st, nil
}

func hostOf(address string) string {
	switch address {
	case "", "bot", "loopback", "localhost":
		return ""
	}
	if i := strings.LastIndexByte(address, ':'); i > 0 {
		return address[:i]
	}
	return address
}

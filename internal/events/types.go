// Package events defines the GameEvent model and the queue/dispatcher pipeline
// that carries events from server instances to registered handlers.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind enumerates the kinds of GameEvent flowing through the pipeline.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnect
	KindDisconnect
	KindChat
	KindKill
	KindCommand
	KindLog
	KindUpdate
	KindBroadcast
)

// kindStrings maps Kind values to their lowercase JSON string representation.
var kindStrings = map[Kind]string{
	KindUnknown:    "unknown",
	KindConnect:    "connect",
	KindDisconnect: "disconnect",
	KindChat:       "chat",
	KindKill:       "kill",
	KindCommand:    "command",
	KindLog:        "log",
	KindUpdate:     "update",
	KindBroadcast:  "broadcast",
}

// String returns the string representation of Kind.
func (k Kind) String() string {
	if str, ok := kindStrings[k]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes Kind as a JSON string (e.g. "chat").
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// UnmarshalJSON parses a Kind from its JSON string form.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil && s != "unknown" {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind converts a kind name back to its Kind value.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindStrings {
		if name == s && k != KindUnknown {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown event kind %q", s)
}

// Level is a permission level attached to clients and commands.
type Level int

const (
	LevelBanned Level = iota - 1
	LevelUser
	LevelTrusted
	LevelModerator
	LevelAdministrator
	LevelSeniorAdmin
	LevelOwner
	LevelConsole
)

var levelStrings = map[Level]string{
	LevelBanned:        "banned",
	LevelUser:          "user",
	LevelTrusted:       "trusted",
	LevelModerator:     "moderator",
	LevelAdministrator: "administrator",
	LevelSeniorAdmin:   "senioradmin",
	LevelOwner:         "owner",
	LevelConsole:       "console",
}

// String returns the string representation of Level.
func (l Level) String() string {
	if str, ok := levelStrings[l]; ok {
		return str
	}
	return "user"
}

// MarshalJSON serializes Level as a JSON string.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// UnmarshalJSON parses a Level from its JSON string form.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel converts a level name back to its Level value.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, name := range levelStrings {
		if name == s {
			return l, nil
		}
	}
	return LevelUser, fmt.Errorf("unknown permission level %q", s)
}

const (
	// SystemClientNum is the client number reserved for the synthetic console origin.
	SystemClientNum = -1
	// UnknownClientNum marks a player whose slot was not present in the source line.
	UnknownClientNum = -2
)

// Client identifies a player (or the console) acting in or affected by an event.
type Client struct {
	ClientNum int    `json:"client_num"`
	Name      string `json:"name"`
	NetworkID string `json:"network_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	Ping      int    `json:"ping,omitempty"`
	Level     Level  `json:"level"`
}

// SystemClient returns the synthetic origin used for console and
// server-generated events.
func SystemClient() *Client {
	return &Client{
		ClientNum: SystemClientNum,
		Name:      "Console",
		Level:     LevelConsole,
	}
}

// IsSystem reports whether c is the synthetic console origin.
func (c *Client) IsSystem() bool {
	return c != nil && c.ClientNum == SystemClientNum
}

// Key is the roster key for the client. Log lines frequently carry only a
// name, so rosters are keyed by the case-folded name.
func (c Client) Key() string {
	return strings.ToLower(strings.TrimSpace(c.Name))
}

// Identity is the stable identifier used for persistence: the network id
// when known, otherwise a name-derived fallback.
func (c Client) Identity() string {
	if c.NetworkID != "" {
		return c.NetworkID
	}
	return "name:" + c.Key()
}

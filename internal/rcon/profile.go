package rcon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Frame is one framed message on the remote-console transport. Seq
// correlates a response with the request that produced it.
type Frame struct {
	Seq  uint32
	Body string
}

// Transport is a live, framed remote-console link to one server.
// Implementations honour the deadline of the context passed to Read and
// Write.
type Transport interface {
	Write(ctx context.Context, f Frame) error
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Dialer opens a Transport to address, authenticating with password.
type Dialer func(ctx context.Context, address, password string) (Transport, error)

// Profile bundles everything game-specific about talking to a server.
type Profile struct {
	Name string
	Dial Dialer

	// StatusCommand queries map and roster; ParseStatus decodes its response.
	StatusCommand string
	ParseStatus   func(raw string) (Status, error)

	// Command templates. Tell and Kick receive the client number then the text.
	SayFormat  string
	TellFormat string
	KickFormat string
}

// Say renders the broadcast command for message.
func (p Profile) Say(message string) string {
	return fmt.Sprintf(p.SayFormat, sanitize(message))
}

// Tell renders the private message command.
func (p Profile) Tell(clientNum int, message string) string {
	return fmt.Sprintf(p.TellFormat, clientNum, sanitize(message))
}

// Kick renders the kick command.
func (p Profile) Kick(clientNum int, reason string) string {
	return fmt.Sprintf(p.KickFormat, clientNum, sanitize(reason))
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, `"`, "'")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, ";", ",")
}

var (
	profilesMu sync.RWMutex
	profiles   = map[string]Profile{}
)

// Register adds a profile to the registry. Built-in profiles register
// themselves at init.
func Register(p Profile) {
	profilesMu.Lock()
	defer profilesMu.Unlock()
	profiles[strings.ToLower(p.Name)] = p
}

// Lookup returns the named profile.
func Lookup(name string) (Profile, error) {
	profilesMu.RLock()
	defer profilesMu.RUnlock()
	p, ok := profiles[strings.ToLower(name)]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// Profiles returns the registered profile names, sorted.
func Profiles() []string {
	profilesMu.RLock()
	defer profilesMu.RUnlock()
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(Profile{
		Name:          "source",
		Dial:          DialSource,
		StatusCommand: "status",
		ParseStatus:   ParseSourceStatus,
		SayFormat:     "say %s",
		TellFormat:    `sm_psay #%d "%s"`,
		KickFormat:    `kickid %d "%s"`,
	})
	Register(Profile{
		Name:          "quake3",
		Dial:          DialQuake3,
		StatusCommand: "status",
		ParseStatus:   ParseQuake3Status,
		SayFormat:     `say "%s"`,
		TellFormat:    `tell %d "%s"`,
		KickFormat:    `clientkick %d "%s"`,
	})
}

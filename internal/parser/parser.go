// Package parser turns raw game-log lines into events. A Parser holds an
// ordered, immutable list of matchers; the first matcher whose pattern
// matches a line decides the event. Parsers carry no mutable state and are
// safe for concurrent use.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/overseer-project/overseer/internal/events"
)

// DefaultCommandPrefix marks chat messages that are commands.
const DefaultCommandPrefix = "!"

// ErrUnknownProfile is returned by ForProfile for an unregistered matcher set.
var ErrUnknownProfile = errors.New("parser: unknown profile")

var colorCode = regexp.MustCompile(`\^[0-9a-zA-Z]`)

// Fields are capture-group positions describing a client. Zero means the
// field is not captured.
type Fields struct {
	Name      int
	NetworkID int
	ClientNum int
}

func (f Fields) empty() bool {
	return f.Name == 0 && f.NetworkID == 0 && f.ClientNum == 0
}

func (f Fields) client(groups []string) *events.Client {
	if f.empty() {
		return nil
	}
	c := &events.Client{
		ClientNum: events.UnknownClientNum,
		Name:      strings.TrimSpace(colorCode.ReplaceAllString(group(groups, f.Name), "")),
		NetworkID: group(groups, f.NetworkID),
	}
	if f.ClientNum > 0 {
		if n, err := strconv.Atoi(group(groups, f.ClientNum)); err == nil && n >= 0 {
			c.ClientNum = n
		}
	}
	return c
}

// Matcher maps one line shape to an event kind.
type Matcher struct {
	Kind    events.Kind
	Pattern *regexp.Regexp
	Origin  Fields
	Target  Fields
	// Data is the capture group holding the payload; zero for none.
	Data int
}

// Parser applies matchers in declared order.
type Parser struct {
	name     string
	prefix   string
	matchers []Matcher
}

// New creates a parser over matchers. Chat whose payload begins with
// prefix is reported as a command; an empty prefix disables that.
func New(name, prefix string, matchers []Matcher) *Parser {
	ms := make([]Matcher, len(matchers))
	copy(ms, matchers)
	return &Parser{name: name, prefix: prefix, matchers: ms}
}

// Name returns the matcher-set name.
func (p *Parser) Name() string { return p.name }

// Parse converts line into an event owned by owner, or returns nil when no
// matcher applies.
func (p *Parser) Parse(line string, owner events.Owner) *events.GameEvent {
	line = cleanLine(line)
	if line == "" {
		return nil
	}

	for _, m := range p.matchers {
		groups := m.Pattern.FindStringSubmatch(line)
		if groups == nil {
			continue
		}

		kind := m.Kind
		data := group(groups, m.Data)
		if kind == events.KindChat {
			data = strings.TrimSpace(strings.TrimPrefix(data, "\x15"))
			if p.prefix != "" && strings.HasPrefix(data, p.prefix) {
				kind = events.KindCommand
			}
		}

		e := events.New(kind, owner, m.Origin.client(groups), data)
		e.Target = m.Target.client(groups)
		return e
	}
	return nil
}

func group(groups []string, i int) string {
	if i <= 0 || i >= len(groups) {
		return ""
	}
	return groups[i]
}

// cleanLine strips byte-order marks, NUL bytes and surrounding whitespace.
func cleanLine(line string) string {
	line = strings.TrimPrefix(line, "\xef\xbb\xbf")
	line = strings.TrimPrefix(line, "\xff\xfe")
	line = strings.ReplaceAll(line, "\x00", "")
	return strings.TrimSpace(line)
}

var profiles = map[string]func() []Matcher{
	"generic": genericMatchers,
	"iw4":     iw4Matchers,
	"source":  sourceMatchers,
}

// ForProfile returns a parser using the named built-in matcher set.
func ForProfile(name, prefix string) (*Parser, error) {
	build, ok := profiles[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return New(strings.ToLower(name), prefix, build()), nil
}

// Profiles returns the built-in matcher-set names, sorted.
func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package cli implements the interactive operator console: every line
// typed on stdin becomes a command event and its replies are printed.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/events"
)

// Executor runs a console command and waits for its outcome.
type Executor interface {
	Execute(ctx context.Context, serverID, line string) (*events.GameEvent, error)
}

// Console reads commands from in and writes their output to out.
type Console struct {
	exec   Executor
	in     io.Reader
	out    io.Writer
	prompt string
}

// NewConsole creates a console reading from in and writing to out.
func NewConsole(exec Executor, in io.Reader, out io.Writer) *Console {
	return &Console{
		exec:   exec,
		in:     in,
		out:    out,
		prompt: "overseer> ",
	}
}

// Run processes lines until ctx is cancelled or input ends. A line of the
// form "@id command" targets the server with that id; other lines go to
// the default server.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprintln(c.out, "Console ready. Type 'help' for available commands.")
	for {
		fmt.Fprint(c.out, c.prompt)

		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			fmt.Fprintln(c.out)
			if err != nil {
				return fmt.Errorf("console input: %w", err)
			}
			log.Debug().Msg("console input closed")
			return nil
		case line := <-lines:
			c.handle(ctx, line)
		}
	}
}

func (c *Console) handle(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	serverID := ""
	if target, rest, ok := strings.Cut(line, " "); ok && strings.HasPrefix(target, "@") {
		serverID = strings.TrimPrefix(target, "@")
		line = strings.TrimSpace(rest)
	}

	e, err := c.exec.Execute(ctx, serverID, line)
	if e != nil {
		for _, out := range e.Output() {
			fmt.Fprintln(c.out, out)
		}
	}
	if err != nil {
		var he *events.HandlerError
		if errors.As(err, &he) && e != nil && len(e.Output()) > 0 {
			// The handler already replied with the reason.
			log.Debug().Err(err).Msg("console command failed")
			return
		}
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
}

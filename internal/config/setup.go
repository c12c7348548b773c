package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrSetupAborted is returned when the setup wizard is abandoned.
var ErrSetupAborted = errors.New("setup aborted")

// IsFirstRun returns true if no server has been configured yet.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Servers) == 0
}

// RunSetupWizard interactively adds a first server to cfg and saves it.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	w := &wizard{reader: reader, out: out}

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║          Overseer - First Run Setup          ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	for attempt := 0; attempt < 3; attempt++ {
		srv := ServerConfig{LoadClass: LoadStandard}

		fmt.Fprintln(out, "── Server ──")
		srv.ID = w.promptString("Server id (short, unique)", "main")
		srv.Name = w.promptString("Display name", srv.ID)
		srv.Address = w.promptString("RCON address (host:port)", "127.0.0.1:27015")
		srv.Password = w.promptString("RCON password", "")
		srv.Profile = w.promptString("RCON profile (source, quake3)", "source")
		srv.Parser = w.promptString("Log parser (generic, iw4, source)", srv.ParserName())

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Logs ──")
		srv.LogPath = w.promptString("Log file path (blank for none)", "")
		if srv.LogPath == "" {
			srv.LogURL = w.promptString("Remote log URL (blank for none)", "")
		}
		srv.PollIntervalMs = w.promptInt("Poll interval in ms (0 = by load class)", 0)

		cfg.mu.Lock()
		cfg.Servers = append(cfg.Servers[:0:0], srv)
		cfg.mu.Unlock()

		result := Validate(cfg)
		if result.IsValid() {
			for _, warn := range result.Warnings {
				log.Warn().Str("field", warn.Field).Msg(warn.Message)
			}
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("failed to save configuration: %w", err)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "✓ Configuration saved.")
			return nil
		}

		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if !w.promptBool("Would you like to try again?", true) {
			break
		}
	}

	cfg.mu.Lock()
	cfg.Servers = nil
	cfg.mu.Unlock()
	return ErrSetupAborted
}

type wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

func (w *wizard) promptString(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(w.out, "  %s: ", prompt)
	}

	input, _ := w.reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func (w *wizard) promptInt(prompt string, defaultVal int) int {
	fmt.Fprintf(w.out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := w.reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(w.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (w *wizard) promptBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultStr)

	input, err := w.reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		if err != nil {
			return false
		}
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}

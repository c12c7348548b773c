package logsource

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// logPage is one page of a remote game log.
type logPage struct {
	Success bool   `json:"success"`
	Data    string `json:"data"`
	NextKey string `json:"next_key"`
}

// HTTPSource polls a remote log endpoint. Each response carries the key of
// the next page, so lines are never delivered twice.
type HTTPSource struct {
	client *resty.Client
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	key    string
	gate   gate
	closed bool
}

// NewHTTPSource creates a source reading from baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration, opts Options, logger zerolog.Logger) *HTTPSource {
	opts = opts.withDefaults()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &HTTPSource{
		client: client,
		opts:   opts,
		gate:   newGate(opts),
		logger: logger.With().Str("log_url", baseURL).Logger(),
	}
}

// Read fetches the next page of the remote log.
func (s *HTTPSource) Read(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	now := time.Now()
	if !s.gate.ready(now) {
		return nil, s.gate.pending()
	}

	page, err := s.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Debug().Err(err).Int("failures", s.gate.failures+1).Msg("remote log fetch failed")
		return nil, s.gate.fail(now, err)
	}
	s.gate.ok()

	if page.NextKey != "" {
		s.key = page.NextKey
	}

	var lines []string
	for _, line := range strings.Split(page.Data, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (s *HTTPSource) fetch(ctx context.Context) (*logPage, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("key", s.key).
		SetResult(&logPage{}).
		Get("/log/{key}")
	if err != nil {
		return nil, fmt.Errorf("get log: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get log: status %d", resp.StatusCode())
	}

	page, ok := resp.Result().(*logPage)
	if !ok || !page.Success {
		return nil, fmt.Errorf("get log: unsuccessful response")
	}
	return page, nil
}

// Close stops further reads.
func (s *HTTPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

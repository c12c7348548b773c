// Package connector talks to the central master API. Every call is best
// effort: failures are reported as ErrUnavailable and never block startup.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UnknownVersion is reported when the master API could not be reached.
const UnknownVersion = "unknown version"

const (
	versionPath    = "/version/1"
	defaultTimeout = 5 * time.Second
	userAgent      = "overseer/%s"
)

// ErrUnavailable wraps every failure to reach or understand the master API.
var ErrUnavailable = errors.New("master api unavailable")

// VersionInfo is the master API's view of the latest releases.
type VersionInfo struct {
	Stable     string `json:"current-version-stable"`
	Prerelease string `json:"current-version-prerelease"`
}

// VersionClient fetches release metadata from the master API.
type VersionClient struct {
	client  *resty.Client
	current string
	logger  zerolog.Logger
}

// NewVersionClient creates a client for baseURL. current is the running
// version, sent as the user agent and used for update comparisons.
func NewVersionClient(baseURL string, timeout time.Duration, current string) *VersionClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("User-Agent", fmt.Sprintf(userAgent, current)).
		SetHeader("Accept", "application/json")

	return &VersionClient{
		client:  client,
		current: current,
		logger:  log.With().Str("component", "master").Logger(),
	}
}

// Fetch retrieves the latest version metadata.
func (c *VersionClient) Fetch(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&info).
		Get(versionPath)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.IsError() {
		return VersionInfo{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	if info.Stable == "" {
		return VersionInfo{}, fmt.Errorf("%w: malformed payload", ErrUnavailable)
	}
	if _, err := ParseVersion(info.Stable); err != nil {
		return VersionInfo{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return info, nil
}

// Check fetches the latest version and logs whether an update is
// available. It returns the latest stable version, or UnknownVersion on
// any failure.
func (c *VersionClient) Check(ctx context.Context) string {
	info, err := c.Fetch(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("could not retrieve latest version")
		return UnknownVersion
	}

	cmp, err := CompareVersions(c.current, info.Stable)
	switch {
	case err != nil:
		c.logger.Info().Str("latest", info.Stable).Str("running", c.current).Msg("version check complete")
	case cmp < 0:
		c.logger.Warn().
			Str("latest", info.Stable).
			Str("running", c.current).
			Msg("update available")
	case cmp > 0:
		c.logger.Info().
			Str("latest", info.Stable).
			Str("running", c.current).
			Msg("running a pre-release build")
	default:
		c.logger.Info().Str("version", c.current).Msg("running the latest version")
	}
	return info.Stable
}

// ParseVersion splits a dotted build number ("2.4.1", "v1.0.0.12") into its
// numeric components. A pre-release suffix after '-' is ignored.
func ParseVersion(s string) ([]int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return nil, fmt.Errorf("empty version")
	}

	parts := strings.Split(s, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid version %q", s)
		}
		out[i] = n
	}
	return out, nil
}

// CompareVersions returns -1, 0 or 1 as a is older than, equal to or newer
// than b. Missing components count as zero.
func CompareVersions(a, b string) (int, error) {
	va, err := ParseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := ParseVersion(b)
	if err != nil {
		return 0, err
	}

	for i := 0; i < max(len(va), len(vb)); i++ {
		var x, y int
		if i < len(va) {
			x = va[i]
		}
		if i < len(vb) {
			y = vb[i]
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
	}
	return 0, nil
}

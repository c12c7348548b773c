package server

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/config"
	"github.com/overseer-project/overseer/internal/logsource"
	"github.com/overseer-project/overseer/internal/rcon"
)

// SourceFactory builds the log source for one server.
type SourceFactory func(srv config.ServerConfig, cfg *config.Config) (logsource.Source, error)

// Option customises a Manager.
type Option func(*options)

type options struct {
	dial    rcon.Dialer
	sources SourceFactory
	poll    time.Duration
}

// WithTransportDialer replaces every profile's dialer with dial.
func WithTransportDialer(dial rcon.Dialer) Option {
	return func(o *options) { o.dial = dial }
}

// WithSourceFactory replaces DefaultSourceFactory.
func WithSourceFactory(f SourceFactory) Option {
	return func(o *options) { o.sources = f }
}

// WithPollInterval overrides the per-server poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.poll = d }
}

// DefaultSourceFactory tails log_path, polls log_url, or returns a source
// that never yields lines when neither is configured.
func DefaultSourceFactory(srv config.ServerConfig, cfg *config.Config) (logsource.Source, error) {
	opts := logsource.Options{
		RetryInterval:    cfg.LogSource.RetryInterval(),
		FailureThreshold: cfg.LogSource.FailureThreshold,
		FromStart:        cfg.LogSource.FromStart,
	}
	logger := log.With().Str("component", "logsource").Str("server", srv.ID).Logger()

	switch {
	case srv.LogPath != "":
		return logsource.NewFileSource(srv.LogPath, opts, logger), nil
	case srv.LogURL != "":
		return logsource.NewHTTPSource(srv.LogURL, cfg.RCON.Timeout(), opts, logger), nil
	default:
		logger.Warn().Msg("no log_path or log_url configured, relying on status polling only")
		return logsource.Nop{}, nil
	}
}

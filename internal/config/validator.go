package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/overseer-project/overseer/internal/parser"
	"github.com/overseer-project/overseer/internal/rcon"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ConfigurationError is returned when the configuration cannot be used. It
// names every offending setting.
type ConfigurationError struct {
	Errors []ValidationError
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		parts[i] = ve.Field + ": " + ve.Message
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Err returns a *ConfigurationError when the result has errors.
func (r *ValidationResult) Err() error {
	if r.IsValid() {
		return nil
	}
	errs := make([]ValidationError, len(r.Errors))
	copy(errs, r.Errors)
	return &ConfigurationError{Errors: errs}
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServers(cfg.Servers, result)
	validateRCON(&cfg.RCON, result)
	validateRuntime(cfg, result)
	validateIntegrations(cfg, result)

	return result
}

func validateServers(servers []ServerConfig, result *ValidationResult) {
	if len(servers) == 0 {
		result.AddWarning("servers", "no servers configured, commands will run against the system owner only")
	}

	seen := make(map[string]bool, len(servers))
	for i, s := range servers {
		prefix := fmt.Sprintf("servers[%d]", i)

		id := strings.TrimSpace(s.ID)
		switch {
		case id == "":
			result.AddError(prefix+".id", "server id is required")
		case seen[strings.ToLower(id)]:
			result.AddError(prefix+".id", fmt.Sprintf("duplicate server id %q", id))
		default:
			seen[strings.ToLower(id)] = true
		}

		if _, _, err := net.SplitHostPort(s.Address); err != nil {
			result.AddError(prefix+".address", fmt.Sprintf("invalid address %q: expected host:port", s.Address))
		}

		if _, err := rcon.Lookup(s.Profile); err != nil {
			result.AddError(prefix+".profile",
				fmt.Sprintf("unknown profile %q (available: %s)", s.Profile, strings.Join(rcon.Profiles(), ", ")))
		}

		if s.Parser != "" {
			if _, err := parser.ForProfile(s.Parser, ""); err != nil {
				result.AddError(prefix+".parser",
					fmt.Sprintf("unknown parser %q (available: %s)", s.Parser, strings.Join(parser.Profiles(), ", ")))
			}
		}

		if strings.TrimSpace(s.Password) == "" {
			result.AddWarning(prefix+".password", "empty rcon password, the server will likely refuse commands")
		}

		if s.LogPath != "" && s.LogURL != "" {
			result.AddError(prefix+".log_url", "log_path and log_url are mutually exclusive")
		}

		switch strings.ToLower(s.LoadClass) {
		case "", LoadLight, LoadStandard, LoadHeavy:
		default:
			result.AddError(prefix+".load_class",
				fmt.Sprintf("unknown load class %q (expected light, standard or heavy)", s.LoadClass))
		}

		if s.PollIntervalMs < 0 {
			result.AddError(prefix+".poll_interval_ms", "poll interval cannot be negative")
		} else if s.PollIntervalMs > 0 && s.PollIntervalMs < 250 {
			result.AddWarning(prefix+".poll_interval_ms", "poll interval below 250ms may flood the server")
		}
	}
}

func validateRCON(r *RCONConfig, result *ValidationResult) {
	if r.TimeoutMs <= 0 {
		result.AddError("rcon.timeout_ms", "timeout must be positive")
	}
	if r.Retries < 1 {
		result.AddError("rcon.retries", "at least one attempt is required")
	}
	if r.BackoffMs < 0 {
		result.AddError("rcon.backoff_ms", "backoff cannot be negative")
	}
	if r.RatePerSec < 0 {
		result.AddError("rcon.rate_per_sec", "rate cannot be negative")
	}
	if r.ReconnectMinMs <= 0 {
		result.AddError("rcon.reconnect_min_ms", "reconnect delay must be positive")
	}
	if r.ReconnectMaxMs < r.ReconnectMinMs {
		result.AddError("rcon.reconnect_max_ms", "must not be lower than reconnect_min_ms")
	}
}

func validateRuntime(cfg *Config, result *ValidationResult) {
	if cfg.LogSource.RetryIntervalMs <= 0 {
		result.AddError("log_source.retry_interval_ms", "retry interval must be positive")
	}
	if cfg.LogSource.FailureThreshold < 1 {
		result.AddError("log_source.failure_threshold", "threshold must be at least 1")
	}

	if cfg.Dispatcher.HandlerTimeoutMs <= 0 {
		result.AddError("dispatcher.handler_timeout_ms", "handler timeout must be positive")
	}
	if cfg.Dispatcher.HighWater < 0 {
		result.AddError("dispatcher.high_water", "high water mark cannot be negative")
	}

	prefix := cfg.Console.CommandPrefix
	if prefix == "" || strings.ContainsAny(prefix, " \t") {
		result.AddError("console.command_prefix", "command prefix must be non-empty and contain no whitespace")
	}
	if cfg.Console.CommandTimeoutSec <= 0 {
		result.AddError("console.command_timeout_sec", "command timeout must be positive")
	}

	if cfg.Shutdown.GraceSec <= 0 {
		result.AddError("shutdown.grace_sec", "grace period must be positive")
	}

	if strings.TrimSpace(cfg.Database.Path) == "" {
		result.AddError("database.path", "database path is required")
	}

	if cfg.Maintenance.PenaltySweepMin < 1 {
		result.AddError("maintenance.penalty_sweep_min", "sweep interval must be at least 1 minute")
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level)); err != nil {
		result.AddError("logging.level", fmt.Sprintf("unknown log level %q", cfg.Logging.Level))
	}
}

func validateIntegrations(cfg *Config, result *ValidationResult) {
	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			result.AddError("api.listen", fmt.Sprintf("invalid listen address %q", cfg.API.Listen))
		}
		if cfg.API.TokenHash == "" {
			result.AddWarning("api.token_hash", "no token hash set, the API accepts unauthenticated requests")
		} else if _, err := bcrypt.Cost([]byte(cfg.API.TokenHash)); err != nil {
			result.AddError("api.token_hash", "token hash is not a bcrypt hash")
		}
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if cfg.MQTT.Enabled && strings.TrimSpace(cfg.MQTT.Broker) == "" {
		result.AddError("mqtt.broker", "MQTT broker URL is required when enabled")
	}

	if cfg.Master.Enabled && strings.TrimSpace(cfg.Master.URL) == "" {
		result.AddError("master.url", "master URL is required when the version check is enabled")
	}
}

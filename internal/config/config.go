// Package config handles configuration loading, validation, and persistence
// for the Overseer daemon.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "overseer.json"
	DefaultAPIListen  = "127.0.0.1:5080"
	EnvPrefix         = "OVERSEER"
)

// Load classes select a default poll interval.
const (
	LoadLight    = "light"
	LoadStandard = "standard"
	LoadHeavy    = "heavy"
)

// Config is the root configuration structure for Overseer.
type Config struct {
	mu   sync.RWMutex
	path string

	Servers     []ServerConfig    `json:"servers" mapstructure:"servers"`
	RCON        RCONConfig        `json:"rcon" mapstructure:"rcon"`
	LogSource   LogSourceConfig   `json:"log_source" mapstructure:"log_source"`
	Dispatcher  DispatcherConfig  `json:"dispatcher" mapstructure:"dispatcher"`
	Console     ConsoleConfig     `json:"console" mapstructure:"console"`
	Shutdown    ShutdownConfig    `json:"shutdown" mapstructure:"shutdown"`
	Database    DatabaseConfig    `json:"database" mapstructure:"database"`
	API         APIConfig         `json:"api" mapstructure:"api"`
	MQTT        MQTTConfig        `json:"mqtt" mapstructure:"mqtt"`
	Master      MasterConfig      `json:"master" mapstructure:"master"`
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
}

// ServerConfig describes one managed game server.
type ServerConfig struct {
	ID       string `json:"id" mapstructure:"id"`
	Name     string `json:"name" mapstructure:"name"`
	Address  string `json:"address" mapstructure:"address"`
	Password string `json:"password" mapstructure:"password"`
	// Profile selects the RCON dialect ("source", "quake3").
	Profile string `json:"profile" mapstructure:"profile"`
	// Parser selects the log matcher set ("generic", "iw4", "source").
	Parser         string `json:"parser" mapstructure:"parser"`
	LogPath        string `json:"log_path" mapstructure:"log_path"`
	LogURL         string `json:"log_url" mapstructure:"log_url"`
	LoadClass      string `json:"load_class" mapstructure:"load_class"`
	PollIntervalMs int    `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// DisplayName returns Name, falling back to ID.
func (s ServerConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// ParserName returns the configured matcher set, defaulting by profile.
func (s ServerConfig) ParserName() string {
	if s.Parser != "" {
		return s.Parser
	}
	switch strings.ToLower(s.Profile) {
	case "source":
		return "source"
	case "quake3":
		return "iw4"
	default:
		return "generic"
	}
}

// PollInterval returns the configured interval, or the load-class default.
func (s ServerConfig) PollInterval() time.Duration {
	if s.PollIntervalMs > 0 {
		return time.Duration(s.PollIntervalMs) * time.Millisecond
	}
	switch strings.ToLower(s.LoadClass) {
	case LoadLight:
		return time.Second
	case LoadHeavy:
		return 5 * time.Second
	default:
		return 3 * time.Second
	}
}

// RCONConfig holds remote-console connection settings shared by all servers.
type RCONConfig struct {
	TimeoutMs      int     `json:"timeout_ms" mapstructure:"timeout_ms"`
	Retries        int     `json:"retries" mapstructure:"retries"`
	BackoffMs      int     `json:"backoff_ms" mapstructure:"backoff_ms"`
	RatePerSec     float64 `json:"rate_per_sec" mapstructure:"rate_per_sec"`
	RateBurst      int     `json:"rate_burst" mapstructure:"rate_burst"`
	ReconnectMinMs int     `json:"reconnect_min_ms" mapstructure:"reconnect_min_ms"`
	ReconnectMaxMs int     `json:"reconnect_max_ms" mapstructure:"reconnect_max_ms"`
}

func (r RCONConfig) Timeout() time.Duration      { return ms(r.TimeoutMs) }
func (r RCONConfig) Backoff() time.Duration      { return ms(r.BackoffMs) }
func (r RCONConfig) ReconnectMin() time.Duration { return ms(r.ReconnectMinMs) }
func (r RCONConfig) ReconnectMax() time.Duration { return ms(r.ReconnectMaxMs) }

// LogSourceConfig holds log tailing settings.
type LogSourceConfig struct {
	RetryIntervalMs  int  `json:"retry_interval_ms" mapstructure:"retry_interval_ms"`
	FailureThreshold int  `json:"failure_threshold" mapstructure:"failure_threshold"`
	FromStart        bool `json:"from_start" mapstructure:"from_start"`
}

func (l LogSourceConfig) RetryInterval() time.Duration { return ms(l.RetryIntervalMs) }

// DispatcherConfig holds event dispatch settings.
type DispatcherConfig struct {
	HandlerTimeoutMs int `json:"handler_timeout_ms" mapstructure:"handler_timeout_ms"`
	HighWater        int `json:"high_water" mapstructure:"high_water"`
}

func (d DispatcherConfig) HandlerTimeout() time.Duration { return ms(d.HandlerTimeoutMs) }

// ConsoleConfig holds interactive console and command settings.
type ConsoleConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	CommandPrefix     string `json:"command_prefix" mapstructure:"command_prefix"`
	CommandTimeoutSec int    `json:"command_timeout_sec" mapstructure:"command_timeout_sec"`
}

func (c ConsoleConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSec) * time.Second
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	GraceSec int `json:"grace_sec" mapstructure:"grace_sec"`
}

func (s ShutdownConfig) Grace() time.Duration { return time.Duration(s.GraceSec) * time.Second }

// DatabaseConfig holds persistence settings.
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled" mapstructure:"enabled"`
	Listen         string   `json:"listen" mapstructure:"listen"`
	TokenHash      string   `json:"token_hash" mapstructure:"token_hash"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps" mapstructure:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	Broker      string `json:"broker" mapstructure:"broker"`
	ClientID    string `json:"client_id" mapstructure:"client_id"`
	TopicPrefix string `json:"topic_prefix" mapstructure:"topic_prefix"`
	Username    string `json:"username" mapstructure:"username"`
	Password    string `json:"password" mapstructure:"password"`
}

// MasterConfig holds the version-check endpoint.
type MasterConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	URL        string `json:"url" mapstructure:"url"`
	TimeoutSec int    `json:"timeout_sec" mapstructure:"timeout_sec"`
}

// MaintenanceConfig holds periodic job settings.
type MaintenanceConfig struct {
	PenaltySweepMin int `json:"penalty_sweep_min" mapstructure:"penalty_sweep_min"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Directory  string `json:"directory" mapstructure:"directory"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Servers: []ServerConfig{},
		RCON: RCONConfig{
			TimeoutMs:      5000,
			Retries:        3,
			BackoffMs:      500,
			RatePerSec:     10,
			RateBurst:      5,
			ReconnectMinMs: 1000,
			ReconnectMaxMs: 30000,
		},
		LogSource: LogSourceConfig{
			RetryIntervalMs:  1000,
			FailureThreshold: 5,
		},
		Dispatcher: DispatcherConfig{
			HandlerTimeoutMs: 10000,
			HighWater:        1000,
		},
		Console: ConsoleConfig{
			Enabled:           true,
			CommandPrefix:     "!",
			CommandTimeoutSec: 30,
		},
		Shutdown: ShutdownConfig{
			GraceSec: 10,
		},
		Database: DatabaseConfig{
			Path: filepath.Join("data", "overseer.db"),
		},
		API: APIConfig{
			Enabled:      false,
			Listen:       DefaultAPIListen,
			RateLimitRPS: 20,
		},
		MQTT: MQTTConfig{
			ClientID:    "overseer",
			TopicPrefix: "overseer",
		},
		Master: MasterConfig{
			Enabled:    false,
			TimeoutSec: 5,
		},
		Maintenance: MaintenanceConfig{
			PenaltySweepMin: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from configDir. A missing file is created with
// defaults. Environment variables prefixed with OVERSEER_ override file
// values (for example OVERSEER_RCON_TIMEOUT_MS).
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", configPath).Msg("config file not found, creating default")
		cfg := DefaultConfig()
		cfg.path = configPath
		if saveErr := cfg.Save(); saveErr != nil {
			return nil, fmt.Errorf("failed to save default config: %w", saveErr)
		}
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Int("servers", len(cfg.Servers)).Msg("configuration loaded")
	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// Server returns the configuration of the server with the given id.
func (c *Config) Server(id string) (ServerConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}

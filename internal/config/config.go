// Package config loads the instance configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ErrNoJWTSecret is returned when the config omits the token signing secret.
var ErrNoJWTSecret = errors.New("config: jwt_secret must be set")

// Config is the full instance configuration.
type Config struct {
	ServerName string `toml:"server_name"`
	PublicURL  string `toml:"public_url"`
	Listen     string `toml:"listen"`

	// WorkerID feeds the snowflake generator; each process of a deployment
	// needs its own (0..1023).
	WorkerID uint16 `toml:"worker_id"`

	RegistrationEnabled bool `toml:"registration_enabled"`

	JWTSecret        string `toml:"jwt_secret"`
	JWTExpirySeconds int    `toml:"jwt_expiry_seconds"`

	Database struct {
		URL            string `toml:"url"`
		TimeoutSeconds int    `toml:"timeout_seconds"`
	} `toml:"database"`

	Redis struct {
		Address  string `toml:"address"`
		Password string `toml:"password"`
		Database int    `toml:"database"`
		Prefix   string `toml:"prefix"`
	} `toml:"redis"`

	Nats struct {
		Enabled   bool   `toml:"enabled"`
		Address   string `toml:"address"`
		ClusterID string `toml:"cluster"`
		ClientID  string `toml:"client"`
		Channel   string `toml:"channel"`
	} `toml:"nats"`

	LiveKit struct {
		Enabled   bool   `toml:"enabled"`
		URL       string `toml:"url"`
		APIKey    string `toml:"api_key"`
		APISecret string `toml:"api_secret"`
	} `toml:"livekit"`

	Storage struct {
		Enabled   bool   `toml:"enabled"`
		Endpoint  string `toml:"endpoint"`
		AccessKey string `toml:"access_key"`
		SecretKey string `toml:"secret_key"`
		Bucket    string `toml:"bucket"`
		UseSSL    bool   `toml:"use_ssl"`
	} `toml:"storage"`

	Gateway struct {
		HeartbeatIntervalMS  int `toml:"heartbeat_interval_ms"`
		HandshakeTimeoutSecs int `toml:"handshake_timeout_seconds"`
		ResumeWindowSecs     int `toml:"resume_window_seconds"`
		ReplayBufferSize     int `toml:"replay_buffer_size"`
		EventBufferSize      int `toml:"event_buffer_size"`
	} `toml:"gateway"`

	Limits struct {
		MaxMessageLength int  `toml:"max_message_length"`
		MaxNameLength    int  `toml:"max_name_length"`
		MaxGuildsPerUser int  `toml:"max_guilds_per_user"`
		MessagePageLimit int  `toml:"message_page_limit"`
		PresenceToSelf   bool `toml:"presence_to_self"`
	} `toml:"limits"`
}

// Load reads and validates the config file at path, filling defaults for
// everything optional.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.JWTSecret == "" {
		return nil, ErrNoJWTSecret
	}
	return cfg, nil
}

// Defaults returns a config with every optional field set to its default.
func Defaults() *Config {
	cfg := &Config{
		ServerName:          "Paracord",
		Listen:              ":8080",
		RegistrationEnabled: true,
		JWTExpirySeconds:    86400 * 7,
	}
	cfg.Database.TimeoutSeconds = 5
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.Prefix = "paracord"
	cfg.Gateway.HeartbeatIntervalMS = 45000
	cfg.Gateway.HandshakeTimeoutSecs = 30
	cfg.Gateway.ResumeWindowSecs = 60
	cfg.Gateway.ReplayBufferSize = 256
	cfg.Gateway.EventBufferSize = 4096
	cfg.Limits.MaxMessageLength = 4000
	cfg.Limits.MaxNameLength = 100
	cfg.Limits.MaxGuildsPerUser = 100
	cfg.Limits.MessagePageLimit = 100
	cfg.Limits.PresenceToSelf = true
	return cfg
}

// JWTExpiry returns the configured token lifetime.
func (c *Config) JWTExpiry() time.Duration {
	return time.Duration(c.JWTExpirySeconds) * time.Second
}

// HeartbeatInterval returns the gateway heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Gateway.HeartbeatIntervalMS) * time.Millisecond
}

// HandshakeTimeout returns the IDENTIFY deadline.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Gateway.HandshakeTimeoutSecs) * time.Second
}

// ResumeWindow returns how long a detached session stays resumable.
func (c *Config) ResumeWindow() time.Duration {
	return time.Duration(c.Gateway.ResumeWindowSecs) * time.Second
}

// DatabaseTimeout returns the default per-query deadline.
func (c *Config) DatabaseTimeout() time.Duration {
	return time.Duration(c.Database.TimeoutSeconds) * time.Second
}

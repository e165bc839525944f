package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the tilelink daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT      MQTTConfig       `yaml:"mqtt"`
	API       APIConfig        `yaml:"api"`
	WSTunnels []WSTunnelConfig `yaml:"ws_tunnels"`
	Loopback  LoopbackConfig   `yaml:"loopback"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// MQTTConfig contains broker settings for the MQTT tunnel adapter.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// Prefix is the leading topic segment under which tiles advertise and
	// exchange traffic.
	Prefix string `yaml:"prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings, in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WSTunnelConfig describes one WebSocket tunnel adapter: a persistent
// socket to a remote agent that fronts one or more tiles.
type WSTunnelConfig struct {
	// Name labels the tunnel in logs.
	Name string `yaml:"name"`

	// URL is the ws:// or wss:// endpoint of the remote agent.
	URL string `yaml:"url"`

	// DefaultTimeout is the per-operation timeout in seconds.
	DefaultTimeout int `yaml:"default_timeout"`
}

// LoopbackConfig contains simulated in-process tiles, used for demos and
// for exercising the stack without hardware.
type LoopbackConfig struct {
	Enabled bool                 `yaml:"enabled"`
	Tiles   []LoopbackTileConfig `yaml:"tiles"`
}

// LoopbackTileConfig describes one simulated tile.
type LoopbackTileConfig struct {
	UUID           string `yaml:"uuid"`
	Name           string `yaml:"name"`
	SignalStrength int    `yaml:"signal_strength"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TILELINK_SECTION_KEY
// For example: TILELINK_MQTT_HOST, TILELINK_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "tilelink-core",
			},
			QoS:    1,
			Prefix: "tilelink",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8086,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Loopback: LoopbackConfig{
			Enabled: true,
			Tiles: []LoopbackTileConfig{
				{UUID: "tile-0001", Name: "demo", SignalStrength: 100},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TILELINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TILELINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TILELINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TILELINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("TILELINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("TILELINK_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("TILELINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.Prefix == "" {
			errs = append(errs, "mqtt.prefix is required when mqtt is enabled")
		}
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	for i, tun := range c.WSTunnels {
		if tun.URL == "" {
			errs = append(errs, fmt.Sprintf("ws_tunnels[%d].url is required", i))
		} else if !strings.HasPrefix(tun.URL, "ws://") && !strings.HasPrefix(tun.URL, "wss://") {
			errs = append(errs, fmt.Sprintf("ws_tunnels[%d].url must start with ws:// or wss://", i))
		}
	}

	seen := make(map[string]bool)
	for i, tile := range c.Loopback.Tiles {
		if tile.UUID == "" {
			errs = append(errs, fmt.Sprintf("loopback.tiles[%d].uuid is required", i))
			continue
		}
		if seen[tile.UUID] {
			errs = append(errs, fmt.Sprintf("loopback.tiles[%d].uuid %q is duplicated", i, tile.UUID))
		}
		seen[tile.UUID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for web2mqtt: defaults,
// an optional YAML or JSON file, and environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/web2mqtt/pkg/auth"
	"github.com/turtacn/web2mqtt/pkg/mqttclient"
)

// DefaultMQTTHost is a public test broker used when no host is configured.
const DefaultMQTTHost = "test.mosquitto.org"

// MQTTConfig describes the single outbound broker connection.
type MQTTConfig struct {
	Host     string `yaml:"host" json:"host" env:"HCS_MQTT_HOST"`
	Port     int    `yaml:"port" json:"port" env:"HCS_MQTT_PORT"`
	ClientID string `yaml:"client_id" json:"client_id" env:"HCS_MQTT_CLIENT_ID"`
	Username string `yaml:"username" json:"username" env:"HCS_MQTT_USERNAME"`
	Password string `yaml:"password" json:"password" env:"HCS_MQTT_PASSWORD"`
	// KeepAlive is in seconds.
	KeepAlive int `yaml:"keepalive" json:"keepalive" env:"HCS_MQTT_KEEPALIVE"`
	// SubscribeQoS is used for broker-level subscribes.
	SubscribeQoS int `yaml:"subscribe_qos" json:"subscribe_qos" env:"HCS_MQTT_SUBSCRIBE_QOS"`
	// ConnectTimeout and OperationTimeout are in seconds.
	ConnectTimeout   int `yaml:"connect_timeout" json:"connect_timeout" env:"HCS_MQTT_CONNECT_TIMEOUT"`
	OperationTimeout int `yaml:"operation_timeout" json:"operation_timeout" env:"HCS_MQTT_OPERATION_TIMEOUT"`
}

// HTTPConfig describes the web API.
type HTTPConfig struct {
	Port           int      `yaml:"port" json:"port" env:"PORT"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	// MaxSessions caps concurrent WebSocket sessions; 0 means unlimited.
	MaxSessions int `yaml:"max_sessions" json:"max_sessions" env:"HCS_HTTP_MAX_SESSIONS"`
	// PublishRate is the sustained publish rate per second; 0 disables the limit.
	PublishRate  float64 `yaml:"publish_rate" json:"publish_rate" env:"HCS_HTTP_PUBLISH_RATE"`
	PublishBurst int     `yaml:"publish_burst" json:"publish_burst" env:"HCS_HTTP_PUBLISH_BURST"`
	// RequestTimeout (seconds) applies to status and publish requests.
	RequestTimeout int `yaml:"request_timeout" json:"request_timeout" env:"HCS_HTTP_REQUEST_TIMEOUT"`
	// SubscribeTimeout (seconds) bounds the wait for a WebSocket subscribe.
	SubscribeTimeout int `yaml:"subscribe_timeout" json:"subscribe_timeout" env:"HCS_HTTP_SUBSCRIBE_TIMEOUT"`
	// MetricsAddr, when set, also serves /metrics on a dedicated listener.
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" env:"HCS_METRICS_ADDR"`
}

// PerfConfig holds tuning knobs.
type PerfConfig struct {
	// ChannelBufSize is the subscription actor's mailbox capacity.
	ChannelBufSize int `yaml:"channel_buf_size" json:"channel_buf_size" env:"HCS_PERF_CHANNELBUFSIZE"`
}

// LogConfig selects the log level and format ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"HCS_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"HCS_LOG_FORMAT"`
}

// TokenConfig is an API token entry. Token holds the raw token for the plain
// algorithm and the hash for sha256 (unsalted hex) and bcrypt.
type TokenConfig struct {
	Name      string `yaml:"name" json:"name"`
	Token     string `yaml:"token" json:"token"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	Disabled  bool   `yaml:"disabled" json:"disabled"`
}

// AuthConfig lists API tokens. With no tokens the API is open.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens" json:"tokens"`
	// EnvTokens is a comma separated list, see auth.ParseTokenList.
	EnvTokens string `yaml:"-" json:"-" env:"HCS_API_TOKENS"`
}

// EmbeddedBrokerConfig runs an in-process broker for development.
type EmbeddedBrokerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"HCS_EMBEDDED_BROKER"`
	Addr    string `yaml:"addr" json:"addr" env:"HCS_EMBEDDED_BROKER_ADDR"`
}

// Config holds the complete configuration
type Config struct {
	MQTT           MQTTConfig           `yaml:"mqtt" json:"mqtt"`
	HTTP           HTTPConfig           `yaml:"http" json:"http"`
	Perf           PerfConfig           `yaml:"perf" json:"perf"`
	Log            LogConfig            `yaml:"log" json:"log"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	EmbeddedBroker EmbeddedBrokerConfig `yaml:"embedded_broker" json:"embedded_broker"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Host:             DefaultMQTTHost,
			Port:             1883,
			KeepAlive:        15,
			SubscribeQoS:     0,
			ConnectTimeout:   10,
			OperationTimeout: 10,
		},
		HTTP: HTTPConfig{
			Port:             3000,
			MaxSessions:      1000,
			PublishRate:      50,
			PublishBurst:     100,
			RequestTimeout:   10,
			SubscribeTimeout: 10,
		},
		Perf: PerfConfig{
			ChannelBufSize: 8,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		EmbeddedBroker: EmbeddedBrokerConfig{
			Addr: "127.0.0.1:1883",
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional file at
// configPath, a .env file in the working directory if present, and finally
// the process environment.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := readFile(configPath, config); err != nil {
			return nil, err
		}
		slog.Info("Configuration loaded", "path", configPath)
	}

	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded .env file")
	}
	if err := env.Load(config, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if config.MQTT.ClientID == "" {
		config.MQTT.ClientID = mqttclient.DefaultClientID()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if config.MQTT.Host == DefaultMQTTHost && !config.EmbeddedBroker.Enabled {
		slog.Warn("Using public MQTT host", "host", DefaultMQTTHost)
	}
	return config, nil
}

func readFile(configPath string, config *Config) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	return nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	m := config.MQTT
	if m.Host == "" {
		return fmt.Errorf("mqtt host cannot be empty")
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("invalid mqtt port: %d", m.Port)
	}
	if m.KeepAlive < 1 {
		return fmt.Errorf("invalid mqtt keepalive: %d", m.KeepAlive)
	}
	if _, err := mqttclient.ParseQoS(m.SubscribeQoS); err != nil {
		return fmt.Errorf("invalid mqtt subscribe_qos: %w", err)
	}
	if m.ConnectTimeout < 1 || m.OperationTimeout < 1 {
		return fmt.Errorf("mqtt timeouts must be positive")
	}
	if (m.Username == "") != (m.Password == "") {
		slog.Warn("MQTT credentials ignored, both username and password are required")
	}

	h := config.HTTP
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", h.Port)
	}
	if h.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative")
	}
	if h.PublishRate < 0 || h.PublishBurst < 0 {
		return fmt.Errorf("publish rate limit cannot be negative")
	}
	if h.PublishRate > 0 && h.PublishBurst < 1 {
		return fmt.Errorf("publish_burst must be at least 1 when publish_rate is set")
	}
	if h.RequestTimeout < 1 || h.SubscribeTimeout < 1 {
		return fmt.Errorf("http timeouts must be positive")
	}

	if config.Perf.ChannelBufSize < 1 {
		return fmt.Errorf("channel_buf_size must be at least 1")
	}

	switch strings.ToLower(config.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s (supported: text, json)", config.Log.Format)
	}

	names := make(map[string]bool)
	for i, t := range config.Auth.Tokens {
		if t.Name == "" {
			return fmt.Errorf("token %d: name cannot be empty", i)
		}
		if names[t.Name] {
			return fmt.Errorf("duplicate token name: %s", t.Name)
		}
		names[t.Name] = true
		if t.Token == "" {
			return fmt.Errorf("token %s: token cannot be empty", t.Name)
		}
		if _, err := auth.ParseHashAlgorithm(t.Algorithm); err != nil {
			return fmt.Errorf("token %s: %w", t.Name, err)
		}
	}
	if _, err := auth.ParseTokenList(config.Auth.EnvTokens); err != nil {
		return fmt.Errorf("HCS_API_TOKENS: %w", err)
	}

	if config.EmbeddedBroker.Enabled && config.EmbeddedBroker.Addr == "" {
		return fmt.Errorf("embedded broker addr cannot be empty")
	}
	return nil
}

// ConfigureAuth fills chain with a token authenticator built from the
// configured tokens. With no tokens the chain stays empty and allows every
// request.
func (c *Config) ConfigureAuth(chain *auth.AuthChain, logger *slog.Logger) error {
	envTokens, err := auth.ParseTokenList(c.Auth.EnvTokens)
	if err != nil {
		return err
	}
	if len(c.Auth.Tokens) == 0 && len(envTokens) == 0 {
		if logger != nil {
			logger.Warn("No API tokens configured, API authentication disabled")
		}
		return nil
	}

	ta := auth.NewTokenAuthenticator(logger)
	for _, t := range c.Auth.Tokens {
		algorithm, err := auth.ParseHashAlgorithm(t.Algorithm)
		if err != nil {
			return fmt.Errorf("token %s: %w", t.Name, err)
		}
		if err := ta.AddHashedToken(t.Name, t.Token, algorithm); err != nil {
			return fmt.Errorf("failed to add token %s: %w", t.Name, err)
		}
		if t.Disabled {
			if err := ta.SetTokenEnabled(t.Name, false); err != nil {
				return err
			}
		}
	}
	for _, t := range envTokens {
		if err := ta.AddHashedToken(t.Name, t.Hash, t.Algorithm); err != nil {
			return fmt.Errorf("failed to add token %s: %w", t.Name, err)
		}
	}

	chain.AddAuthenticator(ta)
	return nil
}

// MQTTOptions returns the broker client options.
func (c *Config) MQTTOptions(logger *slog.Logger) mqttclient.Options {
	opts := mqttclient.Options{
		Host:      c.MQTT.Host,
		Port:      c.MQTT.Port,
		ClientID:  c.MQTT.ClientID,
		KeepAlive: time.Duration(c.MQTT.KeepAlive) * time.Second,
		Logger:    logger,
	}
	if c.MQTT.Username != "" && c.MQTT.Password != "" {
		opts.Username = c.MQTT.Username
		opts.Password = c.MQTT.Password
	}
	return opts
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.HTTP.Port)
}

// Seconds converts a seconds setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

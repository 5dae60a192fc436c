// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-kmstoken.
//
// go-kmstoken is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads the go-kmstoken YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jeremyhahn/go-kmstoken/pkg/kms"
	"github.com/jeremyhahn/go-kmstoken/pkg/storage"
	"github.com/jeremyhahn/go-kmstoken/pkg/storage/file"
	"github.com/jeremyhahn/go-kmstoken/pkg/token"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

const (
	// DefaultRPCTimeout bounds every KMS call unless overridden.
	DefaultRPCTimeout = 30 * time.Second

	// DefaultMetricsAddress is the listen address of the metrics endpoint.
	DefaultMetricsAddress = ":9090"

	// DefaultMetricsPath is the HTTP path of the metrics endpoint.
	DefaultMetricsPath = "/metrics"
)

// Config is the complete token configuration.
type Config struct {
	Tokens []TokenConfig `yaml:"tokens"`

	// KMSEndpoint overrides the Cloud KMS endpoint.
	KMSEndpoint string `yaml:"kms_endpoint"`

	// UseInsecureGRPCChannelCredentials selects a plaintext channel. Only
	// meant for the fake KMS and emulators.
	UseInsecureGRPCChannelCredentials bool `yaml:"use_insecure_grpc_channel_credentials"`

	GenerateCerts     bool          `yaml:"generate_certs"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`

	// StateDir persists loaded token state. Empty disables persistence.
	StateDir string `yaml:"state_dir"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// TokenConfig describes one token. Its position in Tokens is its slot id.
type TokenConfig struct {
	Label   string `yaml:"label"`
	KeyRing string `yaml:"key_ring"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Debug  bool   `yaml:"debug"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool       `yaml:"enabled"`
	Address string     `yaml:"address"`
	Path    string     `yaml:"path"`
	TLS     *TLSConfig `yaml:"tls,omitempty"`
}

// Default returns a configuration with every optional field set to its
// default and no tokens.
func Default() *Config {
	return &Config{
		RPCTimeout: DefaultRPCTimeout,
		Logging: LoggingConfig{
			Format: "text",
		},
		Metrics: MetricsConfig{
			Address: DefaultMetricsAddress,
			Path:    DefaultMetricsPath,
		},
	}
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default, applies environment variable
// overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if endpoint := os.Getenv("KMS_ENDPOINT"); endpoint != "" {
		cfg.KMSEndpoint = endpoint
	}
	if creds := os.Getenv("KMS_CHANNEL_CREDENTIALS"); creds != "" {
		switch creds {
		case kms.ChannelCredentialsInsecure:
			cfg.UseInsecureGRPCChannelCredentials = true
		case kms.ChannelCredentialsDefault:
			cfg.UseInsecureGRPCChannelCredentials = false
		default:
			log.Printf("Warning: invalid KMS_CHANNEL_CREDENTIALS value %q, keeping %s",
				creds, cfg.channelCredentials())
		}
	}
	if debug := os.Getenv("KMSTOKEN_DEBUG"); debug != "" {
		v, err := strconv.ParseBool(debug)
		if err != nil {
			log.Printf("Warning: invalid KMSTOKEN_DEBUG value %q, using %t: %v",
				debug, cfg.Logging.Debug, err)
		} else {
			cfg.Logging.Debug = v
		}
	}
	if dir := os.Getenv("KMSTOKEN_STATE_DIR"); dir != "" {
		cfg.StateDir = dir
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Tokens) == 0 {
		return fmt.Errorf("%w: at least one token must be configured", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Tokens))
	for i, t := range c.Tokens {
		if t.KeyRing == "" {
			return fmt.Errorf("%w: token %d: key_ring is required", ErrInvalidConfig, i)
		}
		if seen[t.KeyRing] {
			return fmt.Errorf("%w: token %d: key ring %s is configured twice", ErrInvalidConfig, i, t.KeyRing)
		}
		seen[t.KeyRing] = true
	}

	if c.RPCTimeout < 0 {
		return fmt.Errorf("%w: rpc_timeout must not be negative", ErrInvalidConfig)
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("%w: requests_per_minute must not be negative", ErrInvalidConfig)
	}
	if c.UseInsecureGRPCChannelCredentials && c.KMSEndpoint == "" {
		return fmt.Errorf("%w: insecure channel credentials require kms_endpoint", ErrInvalidConfig)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: invalid log format: %s (must be text or json)", ErrInvalidConfig, c.Logging.Format)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return fmt.Errorf("%w: metrics address is required when metrics are enabled", ErrInvalidConfig)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("%w: metrics path must start with /", ErrInvalidConfig)
		}
		if c.Metrics.TLS != nil {
			if err := c.Metrics.TLS.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) channelCredentials() string {
	if c.UseInsecureGRPCChannelCredentials {
		return kms.ChannelCredentialsInsecure
	}
	return kms.ChannelCredentialsDefault
}

// KMSConfig returns the KMS client configuration.
func (c *Config) KMSConfig() kms.Config {
	return kms.Config{
		Endpoint:           c.KMSEndpoint,
		ChannelCredentials: c.channelCredentials(),
		RPCTimeout:         c.RPCTimeout,
		RequestsPerMinute:  c.RequestsPerMinute,
		Debug:              c.Logging.Debug,
	}
}

// StateStore opens the state directory. Without one, snapshots are kept in
// memory and only outlive a token within the same process.
func (c *Config) StateStore() (storage.Backend, error) {
	if !c.PersistentState() {
		return storage.NewMemory(), nil
	}
	backend, err := file.New(c.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state directory: %w", err)
	}
	return backend, nil
}

// PersistentState reports whether snapshots are written to disk.
func (c *Config) PersistentState() bool {
	return c.StateDir != ""
}

// TokenConfigs returns one token.Config per configured token. Slot ids
// follow the order of Tokens.
func (c *Config) TokenConfigs(store storage.Backend) []token.Config {
	out := make([]token.Config, len(c.Tokens))
	for i, t := range c.Tokens {
		out[i] = token.Config{
			SlotID:        uint(i),
			Label:         t.Label,
			KeyRing:       t.KeyRing,
			GenerateCerts: c.GenerateCerts,
			StateStore:    store,
		}
	}
	return out
}

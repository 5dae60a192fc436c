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

package kms

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	// DefaultEndpoint is the public Cloud KMS gRPC endpoint.
	DefaultEndpoint = "cloudkms.googleapis.com:443"

	// ChannelCredentialsDefault uses TLS with Application Default Credentials.
	ChannelCredentialsDefault = "default"

	// ChannelCredentialsInsecure uses a plaintext channel without
	// authentication. Only meant for local fakes and emulators.
	ChannelCredentialsInsecure = "insecure"

	// DefaultUserAgent identifies the token in KMS request logs.
	DefaultUserAgent = "go-kmstoken"
)

// Config contains configuration for the Cloud KMS client.
type Config struct {
	// Endpoint is the KMS API endpoint in host:port form.
	// Optional. Defaults to DefaultEndpoint.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`

	// ChannelCredentials selects the transport security: "default" or
	// "insecure". Optional. Defaults to "default".
	ChannelCredentials string `yaml:"channel_credentials,omitempty" json:"channel_credentials,omitempty" mapstructure:"channel_credentials"`

	// CredentialsFile is the path to a service account JSON key file.
	// Optional. If not provided, uses Application Default Credentials (ADC).
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty" mapstructure:"credentials_file"`

	// UserAgent is appended to the client user agent.
	UserAgent string `yaml:"user_agent,omitempty" json:"user_agent,omitempty" mapstructure:"user_agent"`

	// RPCTimeout bounds each KMS call. Zero means no per-call timeout.
	RPCTimeout time.Duration `yaml:"rpc_timeout,omitempty" json:"rpc_timeout,omitempty" mapstructure:"rpc_timeout"`

	// RequestsPerMinute throttles outgoing calls per method. Zero disables it.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty" json:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`

	// Debug enables debug logging for KMS operations.
	Debug bool `yaml:"debug" json:"debug" mapstructure:"debug"`
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}

	switch c.ChannelCredentials {
	case "", ChannelCredentialsDefault:
	case ChannelCredentialsInsecure:
		if c.Endpoint == "" {
			return fmt.Errorf("%w: insecure channel credentials require an explicit endpoint", ErrInvalidConfig)
		}
		if c.CredentialsFile != "" {
			return fmt.Errorf("%w: a credentials file cannot be used with insecure channel credentials", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidChannelCredentials, c.ChannelCredentials)
	}

	if c.CredentialsFile != "" {
		if _, err := os.Stat(c.CredentialsFile); os.IsNotExist(err) {
			return fmt.Errorf("%w: credentials file not found: %s", ErrInvalidCredentials, c.CredentialsFile)
		}
	}

	if c.RPCTimeout < 0 {
		return fmt.Errorf("%w: rpc timeout must not be negative", ErrInvalidConfig)
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("%w: requests per minute must not be negative", ErrInvalidConfig)
	}

	return nil
}

// EndpointOrDefault returns the configured endpoint or DefaultEndpoint.
func (c *Config) EndpointOrDefault() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// Insecure reports whether the plaintext channel is selected.
func (c *Config) Insecure() bool {
	return c.ChannelCredentials == ChannelCredentialsInsecure
}

// String returns a string representation of the config with sensitive data masked.
func (c *Config) String() string {
	creds := "<adc>"
	if c.CredentialsFile != "" {
		creds = maskPath(c.CredentialsFile)
	}
	channel := c.ChannelCredentials
	if channel == "" {
		channel = ChannelCredentialsDefault
	}

	return fmt.Sprintf("KMS Config{Endpoint: %s, Channel: %s, Credentials: %s, Timeout: %s, RPM: %d, Debug: %t}",
		c.EndpointOrDefault(), channel, creds, c.RPCTimeout, c.RequestsPerMinute, c.Debug)
}

// maskPath masks the middle portion of a file path.
// Example: /home/user/credentials.json becomes /home/.../credentials.json
func maskPath(path string) string {
	if path == "" {
		return ""
	}

	parts := strings.Split(path, string(os.PathSeparator))
	if len(parts) <= 2 {
		return path
	}

	masked := make([]string, 0, 3)
	masked = append(masked, parts[0])
	if len(parts) > 3 {
		masked = append(masked, "...")
	}
	masked = append(masked, parts[len(parts)-1])

	return strings.Join(masked, string(os.PathSeparator))
}

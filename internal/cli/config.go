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

package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jeremyhahn/go-kmstoken/internal/config"
	"github.com/jeremyhahn/go-kmstoken/pkg/kms"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmscng"
	"github.com/jeremyhahn/go-kmstoken/pkg/logging"
	"github.com/jeremyhahn/go-kmstoken/pkg/metrics"
	"github.com/jeremyhahn/go-kmstoken/pkg/token"
)

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is the path to the token configuration file
	ConfigFile string

	// OutputFormat controls output formatting (text, json)
	OutputFormat string

	// Debug enables debug logging
	Debug bool

	// MetricsAddr serves Prometheus metrics while a command runs
	MetricsAddr string

	metricsServer *http.Server
	metricsBound  string
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		OutputFormat: string(OutputFormatText),
	}
}

// Load reads the token configuration file. The --debug flag turns on debug
// logging regardless of the file.
func (c *Config) Load() (*config.Config, error) {
	if c.ConfigFile == "" {
		return nil, errors.New("a config file is required (--config or KMSTOKEN_CONFIG)")
	}
	cfg, err := config.Load(c.ConfigFile)
	if err != nil {
		return nil, err
	}
	if c.Debug {
		cfg.Logging.Debug = true
	}
	if err := c.startConfiguredMetrics(cfg); err != nil {
		return nil, err
	}
	printVerbose("loaded %s: %d token(s), endpoint %s", c.ConfigFile, len(cfg.Tokens), cfg.KMSEndpoint)
	return cfg, nil
}

// Logger returns a stderr logger configured by cfg, or by the global flags
// when cfg is nil.
func (c *Config) Logger(cfg *config.Config) *logging.Logger {
	if cfg == nil {
		return logging.NewLoggerWithWriter(os.Stderr, c.Debug, logging.FormatText)
	}
	return logging.NewLoggerWithWriter(os.Stderr, cfg.Logging.Debug, cfg.Logging.Format)
}

// OpenTokens connects to KMS and builds one token per configured key ring.
// With restore set, tokens are rebuilt from the state directory instead of
// listing the key rings. The returned client must be closed by the caller.
func (c *Config) OpenTokens(ctx context.Context, cfg *config.Config, restore bool) ([]*token.Token, *kms.Client, error) {
	// A fresh process has nothing to restore from an in-memory store.
	if restore && !cfg.PersistentState() {
		return nil, nil, errors.New("restoring tokens requires state_dir")
	}
	store, err := cfg.StateStore()
	if err != nil {
		return nil, nil, err
	}

	kmsConfig := cfg.KMSConfig()
	client, err := kms.NewClient(ctx, &kmsConfig)
	if err != nil {
		return nil, nil, err
	}

	logger := c.Logger(cfg)
	tokens := make([]*token.Token, 0, len(cfg.Tokens))
	for _, tc := range cfg.TokenConfigs(store) {
		var tok *token.Token
		if restore {
			tok, err = token.Restore(client, tc, token.WithLogger(logger))
		} else {
			tok, err = token.New(ctx, client, tc, token.WithLogger(logger))
		}
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("token %d (%s): %w", tc.SlotID, tc.KeyRing, err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, client, nil
}

// NewBridge returns a CNG bridge whose providers connect as cfg describes.
func (c *Config) NewBridge(cfg *config.Config) (*kmscng.Bridge, error) {
	store, err := cfg.StateStore()
	if err != nil {
		return nil, err
	}
	return kmscng.NewBridge(&kmscng.Options{
		KMS:           cfg.KMSConfig(),
		GenerateCerts: cfg.GenerateCerts,
		StateStore:    store,
		Logger:        c.Logger(cfg),
	}), nil
}

// startConfiguredMetrics starts the metrics endpoint of the config file
// unless --metrics-addr already started one.
func (c *Config) startConfiguredMetrics(cfg *config.Config) error {
	if !cfg.Metrics.Enabled || c.metricsServer != nil {
		return nil
	}
	tlsConfig, err := cfg.Metrics.TLS.LoadTLSConfig()
	if err != nil {
		return err
	}
	return c.startMetrics(cfg.Metrics.Address, cfg.Metrics.Path, tlsConfig)
}

// startMetrics serves the Prometheus handler on addr until stopMetrics.
func (c *Config) startMetrics(addr, path string, tlsConfig *tls.Config) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		lis = tls.NewListener(lis, tlsConfig)
	}

	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())

	c.metricsBound = lis.Addr().String()
	c.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	logger := c.Logger(nil)
	logger.Info("Starting metrics server", "address", c.metricsBound, "path", path)
	go func() {
		if err := c.metricsServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	return nil
}

func (c *Config) stopMetrics() {
	if c.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.metricsServer.Shutdown(ctx)
	c.metricsServer = nil
}

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
	"fmt"
	"os"
	"strings"

	"github.com/jeremyhahn/go-kmstoken/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global configuration
	globalConfig *Config

	// settings resolves global flags against KMSTOKEN_* environment variables.
	settings = viper.New()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kmstoken",
	Short: "go-kmstoken CLI - Cloud KMS virtual token tool",
	Long: `go-kmstoken CLI inspects and exercises the virtual tokens built
from Cloud KMS key rings.

A token exposes every usable asymmetric key version of one key ring as a
public key, a private key and optionally a certificate. Signing goes to
Cloud KMS; key material never leaves it.

Every global flag can also be set through the environment, for example
KMSTOKEN_CONFIG or KMSTOKEN_METRICS_ADDR.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: preRun,
}

// Execute runs the root command
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx and prints a failure in the
// selected output format.
func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	globalConfig.stopMetrics()
	if err != nil {
		printer := NewPrinter(globalConfig.OutputFormat, rootCmd.ErrOrStderr())
		_ = printer.PrintError(err) // Error printing to stderr is best-effort
	}
	return err
}

func init() {
	globalConfig = NewConfig()

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (env KMSTOKEN_CONFIG)")
	flags.StringP("output", "o", string(OutputFormatText), "output format (text, json)")
	flags.Bool("debug", false, "debug logging")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while the command runs")

	settings.SetEnvPrefix("KMSTOKEN")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("cli: binding flags: %v", err))
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(objectsCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(propertiesCmd)
	rootCmd.AddCommand(fakekmsCmd)
	rootCmd.AddCommand(statesCmd)
}

// preRun resolves the global settings and starts the metrics endpoint when
// one is requested.
func preRun(cmd *cobra.Command, args []string) error {
	globalConfig.ConfigFile = settings.GetString("config")
	globalConfig.OutputFormat = settings.GetString("output")
	globalConfig.Debug = settings.GetBool("debug")
	globalConfig.MetricsAddr = settings.GetString("metrics-addr")

	switch OutputFormat(globalConfig.OutputFormat) {
	case OutputFormatText, OutputFormatJSON:
	default:
		return fmt.Errorf("unknown output format: %s", globalConfig.OutputFormat)
	}

	if globalConfig.MetricsAddr != "" {
		return globalConfig.startMetrics(globalConfig.MetricsAddr, config.DefaultMetricsPath, nil)
	}
	return nil
}

// getConfig returns the global configuration
func getConfig() *Config {
	return globalConfig
}

// printVerbose prints a message if debug mode is enabled
func printVerbose(format string, args ...interface{}) {
	if globalConfig.Debug {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

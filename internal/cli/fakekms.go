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
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-kmstoken/internal/config"
	"github.com/jeremyhahn/go-kmstoken/internal/fakekms"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	fakeListen      string
	fakeKeys        []string
	fakeWriteConfig string
)

// fakekmsCmd serves an in-memory KMS for local testing
var fakekmsCmd = &cobra.Command{
	Use:   "fakekms",
	Short: "Serve a fake Cloud KMS",
	Long: `Start an in-memory Cloud KMS over plaintext gRPC, create a key ring
and provision keys in it. The server runs until interrupted.

Keys are given as id:ALGORITHM, where ALGORITHM is a CryptoKeyVersion
algorithm name such as EC_SIGN_P256_SHA256 or RSA_SIGN_PSS_2048_SHA256.

With --write-config a token configuration pointing at the fake is written,
ready for the other commands.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := parseKeySpecs(fakeKeys)
		if err != nil {
			return err
		}

		logger := getConfig().Logger(nil)
		srv, err := fakekms.Listen(fakeListen, fakekms.WithLogger(logger))
		if err != nil {
			return err
		}
		defer srv.Close()

		ctx := cmd.Context()
		ring, err := srv.NewKeyRing(ctx)
		if err != nil {
			return err
		}
		var names []string
		for _, spec := range specs {
			versions, err := srv.AddKey(ctx, ring.GetName(), spec)
			if err != nil {
				return fmt.Errorf("key %s: %w", spec.ID, err)
			}
			for _, v := range versions {
				names = append(names, v.GetName())
			}
		}

		if fakeWriteConfig != "" {
			if err := writeFakeConfig(fakeWriteConfig, srv.Addr(), ring.GetName()); err != nil {
				return err
			}
		}

		if err := NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintFakeKMS(srv.Addr(), ring.GetName(), names); err != nil {
			return err
		}

		<-ctx.Done()
		logger.Info("Stopping fake KMS", "address", srv.Addr())
		return nil
	},
}

// parseKeySpecs parses id:ALGORITHM pairs.
func parseKeySpecs(keys []string) ([]fakekms.KeySpec, error) {
	specs := make([]fakekms.KeySpec, 0, len(keys))
	for _, k := range keys {
		id, name, ok := strings.Cut(k, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid key %q: want id:ALGORITHM", k)
		}
		value, ok := kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm_value[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("invalid key %q: unknown algorithm %s", k, name)
		}
		purpose := kmspb.CryptoKey_ASYMMETRIC_SIGN
		if strings.Contains(strings.ToUpper(name), "_DECRYPT_") {
			purpose = kmspb.CryptoKey_ASYMMETRIC_DECRYPT
		}
		specs = append(specs, fakekms.KeySpec{
			ID:        id,
			Purpose:   purpose,
			Algorithm: kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm(value),
		})
	}
	return specs, nil
}

// writeFakeConfig writes a single token configuration for keyRing on the
// fake at addr.
func writeFakeConfig(path, addr, keyRing string) error {
	cfg := config.Default()
	cfg.Tokens = []config.TokenConfig{{Label: "fakekms", KeyRing: keyRing}}
	cfg.KMSEndpoint = addr
	cfg.UseInsecureGRPCChannelCredentials = true

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func init() {
	fakekmsCmd.Flags().StringVar(&fakeListen, "listen", "127.0.0.1:9010", "listen address")
	fakekmsCmd.Flags().StringSliceVar(&fakeKeys, "key", []string{"ec-p256:EC_SIGN_P256_SHA256"},
		"key to provision as id:ALGORITHM (repeatable)")
	fakekmsCmd.Flags().StringVar(&fakeWriteConfig, "write-config", "", "write a token config for the fake to this path")
}

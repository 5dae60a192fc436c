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
	"encoding/hex"
	"fmt"

	"github.com/jeremyhahn/go-kmstoken/pkg/kmscng"
	"github.com/spf13/cobra"
)

var signKeySpec uint32

// signCmd signs a digest through the CNG provider
var signCmd = &cobra.Command{
	Use:   "sign <key-version-name> <hex-digest>",
	Short: "Sign a digest with a KMS key",
	Long: `Open the key through the CNG key storage provider and sign a
hex encoded digest. The signature size is queried first, then the
signature is written into a buffer of that size.

EC signatures are printed in IEEE P1363 (r||s) form.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyName := args[0]
		digest, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("invalid digest: %w", err)
		}

		cfg, err := getConfig().Load()
		if err != nil {
			return err
		}
		bridge, err := getConfig().NewBridge(cfg)
		if err != nil {
			return err
		}
		defer bridge.Close()

		ctx := cmd.Context()
		provider, err := bridge.OpenProvider(kmscng.ProviderName, 0)
		if err != nil {
			return cngError("open provider", err)
		}
		key, err := bridge.OpenKey(ctx, provider, keyName, signKeySpec, 0)
		if err != nil {
			return cngError("open key", err)
		}

		size, err := bridge.SignHash(ctx, provider, key, nil, digest, nil, 0)
		if err != nil {
			return cngError("signature size", err)
		}
		printVerbose("signature size %d bytes", size)

		sig := make([]byte, size)
		n, err := bridge.SignHash(ctx, provider, key, nil, digest, sig, 0)
		if err != nil {
			return cngError("sign", err)
		}
		return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintSignature(keyName, sig[:n])
	},
}

// cngError adds the SECURITY_STATUS a CNG caller would see.
func cngError(op string, err error) error {
	return fmt.Errorf("%s: %w (status %#08x)", op, err, kmscng.Status(err))
}

func init() {
	signCmd.Flags().Uint32Var(&signKeySpec, "key-spec", kmscng.KeySpecSignature,
		"legacy key spec (1 = AT_KEYEXCHANGE, 2 = AT_SIGNATURE)")
}

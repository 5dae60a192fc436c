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
	"github.com/spf13/cobra"
)

var objectsRestore bool

// objectsCmd lists the objects of every configured token
var objectsCmd = &cobra.Command{
	Use:   "objects",
	Short: "List token objects",
	Long: `Build every configured token and list its objects, followed by the
keys and key versions left out and why.

With --restore the tokens are rebuilt from the state directory instead of
listing the key rings, so handles match the last load.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig().Load()
		if err != nil {
			return err
		}
		tokens, client, err := getConfig().OpenTokens(cmd.Context(), cfg, objectsRestore)
		if err != nil {
			return err
		}
		defer client.Close()

		infos := make([]TokenInfo, 0, len(tokens))
		for _, tok := range tokens {
			info, err := describeToken(tok)
			if err != nil {
				return err
			}
			infos = append(infos, info)
		}
		return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintTokens(infos)
	},
}

func init() {
	objectsCmd.Flags().BoolVar(&objectsRestore, "restore", false, "rebuild tokens from state_dir")
}

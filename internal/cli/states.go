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
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-kmstoken/pkg/storage"
	"github.com/spf13/cobra"
)

// statesCmd lists the token snapshots in the state directory
var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "List saved token states",
	Long:  `List the key rings that have a saved token state in state_dir.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig().Load()
		if err != nil {
			return err
		}
		if !cfg.PersistentState() {
			return errors.New("no state_dir configured")
		}
		store, err := cfg.StateStore()
		if err != nil {
			return err
		}
		defer store.Close()

		rings, err := storage.ListStates(store)
		if err != nil {
			return fmt.Errorf("failed to list states: %w", err)
		}
		return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintStates(rings)
	},
}

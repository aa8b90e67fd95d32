// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the full-text index",
		Long:  "Discard the full-text index and rebuild it from every event in the log.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			if err := eng.ForceReindex(cmd.Context()); err != nil {
				return err
			}
			eng.Sync()

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "index rebuilt")
			return err
		},
	}
}

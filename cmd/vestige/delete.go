// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [<event-id>...]",
		Short: "Delete events from the activity log",
		Long:  "Delete the given events by id, or the entire log with --all.",
		RunE:  runDelete,
	}

	cmd.Flags().Bool("all", false, "delete the entire log and rebuild the index")

	return cmd
}

func runDelete(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	if all && len(args) > 0 {
		return vestigeerr.New(vestigeerr.CodeCLIInputInvalid, "cannot combine --all with event ids")
	}
	if !all && len(args) == 0 {
		return vestigeerr.New(vestigeerr.CodeCLIInputInvalid, "no event ids given")
	}

	ids := make([]uint32, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(a, 10, 32)
		if err != nil || n == 0 {
			return vestigeerr.Errorf(vestigeerr.CodeCLIInputInvalid, "invalid event id %q", a)
		}
		ids = append(ids, uint32(n))
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	if all {
		if err := eng.DeleteLog(cmd.Context()); err != nil {
			return err
		}
		eng.Sync()
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "log deleted")
		return err
	}

	begin, end, err := eng.DeleteEvents(cmd.Context(), ids)
	if err != nil {
		return err
	}
	eng.Sync()

	if begin < 0 {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "no events deleted")
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d event(s) spanning [%d, %d]\n", len(ids), begin, end)
	return err
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <text>...",
		Short: "Full-text search over the activity log",
		Long:  "Search indexed event text. Supports AND, OR, NOT, quoted phrases, and trailing-star wildcards.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}

	addTemplateFlags(cmd)
	cmd.Flags().Int64("since", 0, "range start in milliseconds")
	cmd.Flags().Int64("until", 0, "range end in milliseconds (exclusive)")
	cmd.Flags().Int("offset", 0, "number of leading hits to skip")
	cmd.Flags().Int("limit", 20, "maximum number of results (0 = unlimited)")
	cmd.Flags().String("result-type", "relevancy", "result ordering and coalescing")
	cmd.Flags().Bool("json", false, "print full events as JSON")

	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	rtName, _ := cmd.Flags().GetString("result-type")
	rt, err := parseResultType(rtName)
	if err != nil {
		return err
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	since, _ := cmd.Flags().GetInt64("since")
	until, _ := cmd.Flags().GetInt64("until")
	offset, _ := cmd.Flags().GetInt("offset")
	limit, _ := cmd.Flags().GetInt("limit")
	tr := timeRangeFromFlags(since, until)
	templates := templatesFromFlags(cmd)

	events, total, err := eng.Search(cmd.Context(), strings.Join(args, " "), tr, templates, offset, limit, rt)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printEventsJSON(cmd, events)
	}

	w := cmd.OutOrStdout()
	for _, ev := range events {
		uri := ""
		if len(ev.Subjects) > 0 {
			uri = ev.Subjects[0].URI
		}
		if _, err := fmt.Fprintf(w, "%d\t%d\t%s\n", ev.ID, ev.Timestamp, uri); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "%d of %d hit(s)\n", len(events), total)
	return err
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vestige-dev/vestige/internal/storage"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find events matching a template",
		Long:  "Query the activity log by time range and event template, printing matches as JSON.",
		RunE:  runQuery,
	}

	addTemplateFlags(cmd)
	cmd.Flags().Int64("since", 0, "range start in milliseconds")
	cmd.Flags().Int64("until", 0, "range end in milliseconds (exclusive)")
	cmd.Flags().Int("limit", 20, "maximum number of results (0 = unlimited)")
	cmd.Flags().String("result-type", "most-recent-events", "result ordering and coalescing")
	cmd.Flags().Bool("ids-only", false, "print event ids instead of full events")

	return cmd
}

// addTemplateFlags registers the event template fields shared by query
// and search. Field values accept '!' and '*' prefixes for negation
// and prefix matching.
func addTemplateFlags(cmd *cobra.Command) {
	cmd.Flags().String("interpretation", "", "match event interpretation")
	cmd.Flags().String("manifestation", "", "match event manifestation")
	cmd.Flags().String("actor", "", "match event actor")
	cmd.Flags().String("origin", "", "match event origin")
	cmd.Flags().String("subject", "", "match subject URI")
	cmd.Flags().String("subject-interpretation", "", "match subject interpretation")
	cmd.Flags().String("subject-manifestation", "", "match subject manifestation")
	cmd.Flags().String("mimetype", "", "match subject mimetype")
}

// templatesFromFlags builds the query template list from flags. An
// empty list matches every event.
func templatesFromFlags(cmd *cobra.Command) []*storage.Event {
	getStr := func(name string) string {
		s, _ := cmd.Flags().GetString(name)
		return s
	}

	tmpl := &storage.Event{
		Interpretation: getStr("interpretation"),
		Manifestation:  getStr("manifestation"),
		Actor:          getStr("actor"),
		Origin:         getStr("origin"),
	}
	subj := storage.Subject{
		URI:            getStr("subject"),
		Interpretation: getStr("subject-interpretation"),
		Manifestation:  getStr("subject-manifestation"),
		Mimetype:       getStr("mimetype"),
	}
	if subj != (storage.Subject{}) {
		tmpl.Subjects = []storage.Subject{subj}
	}
	if len(tmpl.Subjects) == 0 && tmpl.Interpretation == "" &&
		tmpl.Manifestation == "" && tmpl.Actor == "" && tmpl.Origin == "" {
		return nil
	}
	return []*storage.Event{tmpl}
}

func runQuery(cmd *cobra.Command, _ []string) error {
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
	limit, _ := cmd.Flags().GetInt("limit")
	tr := timeRangeFromFlags(since, until)
	templates := templatesFromFlags(cmd)

	if idsOnly, _ := cmd.Flags().GetBool("ids-only"); idsOnly {
		ids, err := eng.FindEventIDs(cmd.Context(), tr, templates, storage.StorageAny, limit, rt)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), id); err != nil {
				return err
			}
		}
		return nil
	}

	events, err := eng.FindEvents(cmd.Context(), tr, templates, storage.StorageAny, limit, rt)
	if err != nil {
		return err
	}
	return printEventsJSON(cmd, events)
}

func printEventsJSON(cmd *cobra.Command, events []*storage.Event) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}

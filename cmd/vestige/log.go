// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vestige-dev/vestige/internal/engine"
	"github.com/vestige-dev/vestige/internal/storage"
	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

func newLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log [<subject-uri>]",
		Short: "Record activity events",
		Long:  "Insert a single event with the given subject URI, or a JSON array of events via --json.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLog,
	}

	cmd.Flags().String("json", "", "read a JSON event array from this file ('-' for stdin)")

	cmd.Flags().String("interpretation", "", "event interpretation URI")
	cmd.Flags().String("manifestation", "", "event manifestation URI")
	cmd.Flags().String("actor", "", "application that generated the event")
	cmd.Flags().String("origin", "", "event origin URI")
	cmd.Flags().String("subject-interpretation", "", "subject interpretation URI")
	cmd.Flags().String("subject-manifestation", "", "subject manifestation URI")
	cmd.Flags().String("mimetype", "", "subject mimetype")
	cmd.Flags().String("text", "", "subject display text")
	cmd.Flags().Int64("timestamp", 0, "event timestamp in milliseconds (default: now)")

	return cmd
}

func runLog(cmd *cobra.Command, args []string) error {
	jsonPath, _ := cmd.Flags().GetString("json")
	if jsonPath == "" && len(args) == 0 {
		return vestigeerr.New(vestigeerr.CodeCLIInputInvalid, "either a subject URI or --json is required")
	}
	if jsonPath != "" && len(args) > 0 {
		return vestigeerr.New(vestigeerr.CodeCLIInputInvalid, "cannot combine --json with a subject URI")
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	if jsonPath != "" {
		return logFromJSON(cmd, eng, jsonPath)
	}

	ts, _ := cmd.Flags().GetInt64("timestamp")
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	getStr := func(name string) string {
		s, _ := cmd.Flags().GetString(name)
		return s
	}

	ev := &storage.Event{
		Timestamp:      ts,
		Interpretation: getStr("interpretation"),
		Manifestation:  getStr("manifestation"),
		Actor:          getStr("actor"),
		Origin:         getStr("origin"),
		Subjects: []storage.Subject{{
			URI:            args[0],
			Interpretation: getStr("subject-interpretation"),
			Manifestation:  getStr("subject-manifestation"),
			Mimetype:       getStr("mimetype"),
			Text:           getStr("text"),
		}},
	}

	ids, err := eng.InsertEvents(cmd.Context(), senderID(), []*storage.Event{ev})
	if err != nil {
		return err
	}
	eng.Sync()

	if len(ids) == 0 || ids[0] == 0 {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "event rejected")
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "event %d\n", ids[0])
	return err
}

func logFromJSON(cmd *cobra.Command, eng *engine.Engine, path string) error {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return vestigeerr.Wrap(err, vestigeerr.CodeCLIInputInvalid, "opening event file")
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var events []*storage.Event
	if err := json.NewDecoder(r).Decode(&events); err != nil {
		return vestigeerr.Wrap(err, vestigeerr.CodeCLIInputInvalid, "decoding event array")
	}
	for _, ev := range events {
		if ev != nil && ev.Timestamp == 0 {
			ev.Timestamp = time.Now().UnixMilli()
		}
	}

	ids, err := eng.InsertEvents(cmd.Context(), senderID(), events)
	if err != nil {
		return err
	}
	eng.Sync()

	for _, id := range ids {
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), id); err != nil {
			return err
		}
	}
	return nil
}

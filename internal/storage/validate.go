// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package storage

import (
	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

// MaxURILength is the longest URI accepted on any event or subject field,
// in bytes.
const MaxURILength = 2000

// ValidateEvent checks an inbound event before anything is written.
func ValidateEvent(ev *Event) error {
	if ev == nil {
		return vestigeerr.New(vestigeerr.CodeEventInvalidInput, "nil event")
	}
	if len(ev.Subjects) == 0 {
		return vestigeerr.New(vestigeerr.CodeEventInvalidInput, "event has no subjects")
	}
	if ev.Timestamp < 0 {
		return vestigeerr.New(vestigeerr.CodeEventInvalidInput, "negative timestamp",
			vestigeerr.Field("timestamp", ev.Timestamp))
	}
	for _, uri := range []string{ev.Actor, ev.Origin} {
		if len(uri) > MaxURILength {
			return vestigeerr.New(vestigeerr.CodeEventInvalidInput, "uri exceeds maximum length",
				vestigeerr.Field("length", len(uri)))
		}
	}
	for i := range ev.Subjects {
		s := &ev.Subjects[i]
		if s.URI == "" {
			return vestigeerr.New(vestigeerr.CodeEventInvalidInput, "subject has no uri",
				vestigeerr.Field("subject", i))
		}
		for _, uri := range []string{s.URI, s.CurrentURI, s.Origin} {
			if len(uri) > MaxURILength {
				return vestigeerr.New(vestigeerr.CodeEventInvalidInput, "subject uri exceeds maximum length",
					vestigeerr.Field("subject", i),
					vestigeerr.Field("length", len(uri)))
			}
		}
	}
	return nil
}

// ValidateQuery checks the common query arguments shared by FindEventIDs,
// FindEvents, and Search.
func ValidateQuery(limit int, rt ResultType) error {
	if limit < 0 {
		return vestigeerr.New(vestigeerr.CodeQueryInvalidLimit, "negative limit",
			vestigeerr.Field("limit", limit))
	}
	if !rt.Valid() {
		return vestigeerr.New(vestigeerr.CodeQueryInvalidResultType, "unknown result type",
			vestigeerr.Field("result_type", int(rt)))
	}
	return nil
}

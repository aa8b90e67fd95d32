// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package storage

import (
	"fmt"
	"strconv"
)

// The wire shape of an event is a triple (metadata_strings,
// [subject_strings], payload_bytes). metadata_strings is the fixed-length
// vector [id, timestamp, interpretation, manifestation, actor, origin];
// each subject is the vector [uri, current_uri, interpretation,
// manifestation, origin, mimetype, text, storage]. Missing fields are
// empty strings, never null. The id is empty on inbound events.
const (
	wireMetaLen    = 6
	wireSubjectLen = 8
)

// Wire serialises the event into its wire triple.
func (e *Event) Wire() (meta []string, subjects [][]string, payload []byte) {
	id := ""
	if e.ID != 0 {
		id = strconv.FormatUint(uint64(e.ID), 10)
	}
	meta = []string{
		id,
		strconv.FormatInt(e.Timestamp, 10),
		e.Interpretation,
		e.Manifestation,
		e.Actor,
		e.Origin,
	}
	subjects = make([][]string, len(e.Subjects))
	for i, s := range e.Subjects {
		subjects[i] = []string{
			s.URI,
			s.CurrentURI,
			s.Interpretation,
			s.Manifestation,
			s.Origin,
			s.Mimetype,
			s.Text,
			s.Storage,
		}
	}
	return meta, subjects, e.Payload
}

// EventFromWire decodes a wire triple. The id slot may be empty; the
// timestamp must parse as a base-10 integer.
func EventFromWire(meta []string, subjects [][]string, payload []byte) (*Event, error) {
	if len(meta) != wireMetaLen {
		return nil, fmt.Errorf("event metadata has %d fields, want %d: %w", len(meta), wireMetaLen, ErrInvalidInput)
	}

	var id uint64
	if meta[0] != "" {
		var err error
		id, err = strconv.ParseUint(meta[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("event id %q: %w", meta[0], ErrInvalidInput)
		}
	}
	ts, err := strconv.ParseInt(meta[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("event timestamp %q: %w", meta[1], ErrInvalidInput)
	}

	ev := &Event{
		ID:             uint32(id),
		Timestamp:      ts,
		Interpretation: meta[2],
		Manifestation:  meta[3],
		Actor:          meta[4],
		Origin:         meta[5],
		Payload:        payload,
		Subjects:       make([]Subject, len(subjects)),
	}
	for i, raw := range subjects {
		if len(raw) != wireSubjectLen {
			return nil, fmt.Errorf("subject %d has %d fields, want %d: %w", i, len(raw), wireSubjectLen, ErrInvalidInput)
		}
		ev.Subjects[i] = Subject{
			URI:            raw[0],
			CurrentURI:     raw[1],
			Interpretation: raw[2],
			Manifestation:  raw[3],
			Origin:         raw[4],
			Mimetype:       raw[5],
			Text:           raw[6],
			Storage:        raw[7],
		}
	}
	return ev, nil
}

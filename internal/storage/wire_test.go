// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vestige-dev/vestige/internal/ontology"
	"github.com/vestige-dev/vestige/internal/storage"
)

func TestWireRoundTrip(t *testing.T) {
	ev := &storage.Event{
		ID:             7,
		Timestamp:      1234,
		Interpretation: ontology.AccessEvent,
		Manifestation:  ontology.UserActivity,
		Actor:          "application://gedit.desktop",
		Payload:        []byte{0x01, 0x02},
		Subjects: []storage.Subject{{
			URI:      "file:///a.txt",
			Mimetype: "text/plain",
		}},
	}

	meta, subjects, payload := ev.Wire()
	assert.Equal(t, "7", meta[0])
	assert.Equal(t, "1234", meta[1])
	// Unset fields travel as empty strings, never null.
	assert.Equal(t, "", meta[5])
	require.Len(t, subjects, 1)
	assert.Equal(t, "file:///a.txt", subjects[0][0])
	assert.Equal(t, "", subjects[0][1])

	back, err := storage.EventFromWire(meta, subjects, payload)
	require.NoError(t, err)
	assert.Equal(t, ev, back)
}

func TestEventFromWireEmptyID(t *testing.T) {
	meta := []string{"", "1000", ontology.AccessEvent, ontology.UserActivity, "application://x.desktop", ""}
	ev, err := storage.EventFromWire(meta, [][]string{{"file:///a", "", "", "", "", "", "", ""}}, nil)
	require.NoError(t, err)
	assert.Zero(t, ev.ID)
	assert.Equal(t, int64(1000), ev.Timestamp)
}

func TestEventFromWireRejectsMalformedInput(t *testing.T) {
	_, err := storage.EventFromWire([]string{"1", "1000"}, nil, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	meta := []string{"", "not-a-number", "", "", "", ""}
	_, err = storage.EventFromWire(meta, nil, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	meta[1] = "1000"
	_, err = storage.EventFromWire(meta, [][]string{{"file:///a"}}, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package sqlite

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vestige-dev/vestige/internal/storage"
)

// The golden cases run against an empty store so no interned ids leak
// into the compiled statements.
func compileStore(t *testing.T) *EventStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "activity.sqlite"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func renderQuery(sql string, args []any) []byte {
	var b strings.Builder
	b.WriteString(sql)
	fmt.Fprintf(&b, "\n-- args: %v\n", args)
	return []byte(b.String())
}

func TestCompileFindGolden(t *testing.T) {
	s := compileStore(t)
	g := goldie.New(t)

	tests := []struct {
		name      string
		tr        storage.TimeRange
		templates []*storage.Event
		state     storage.StorageState
		limit     int
		rt        storage.ResultType
	}{
		{
			name:  "plain_recent_limited",
			tr:    storage.TimeRange{Begin: 0, End: 1000000},
			state: storage.StorageAny,
			limit: 10,
			rt:    storage.MostRecentEvents,
		},
		{
			name:  "ascending_available",
			tr:    storage.TimeRange{Begin: 100, End: 200},
			state: storage.StorageAvailable,
			rt:    storage.LeastRecentEvents,
		},
		{
			name: "subject_prefix",
			tr:   storage.AlwaysRange(),
			templates: []*storage.Event{
				{Subjects: []storage.Subject{{URI: "*file:///b"}}},
			},
			state: storage.StorageAny,
			limit: 10,
			rt:    storage.MostRecentEvents,
		},
		{
			name: "unknown_actor_coalescing",
			tr:   storage.TimeRange{Begin: 0, End: 1000000},
			templates: []*storage.Event{
				{Actor: "application://missing.desktop"},
			},
			state: storage.StorageAny,
			limit: 5,
			rt:    storage.MostRecentSubjects,
		},
		{
			// A negated value with no vocabulary row excludes nothing, so
			// the whole template collapses.
			name: "negated_unknown_vacuous",
			tr:   storage.TimeRange{Begin: 0, End: 1000000},
			templates: []*storage.Event{
				{Interpretation: "!http://example.org/NoSuchSymbol"},
			},
			state: storage.StorageAny,
			rt:    storage.MostRecentEvents,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := s.compileFind(tt.tr, tt.templates, tt.state, tt.limit, tt.rt)
			require.NoError(t, err)
			g.Assert(t, tt.name, renderQuery(sql, args))
		})
	}
}

func TestSucc(t *testing.T) {
	assert.Equal(t, "file:///c", succ("file:///b"))
	assert.Equal(t, "b", succ("a"))
	// The maximum code point rolls over to the shortened prefix.
	assert.Equal(t, "b", succ("a"+string(rune(0x10FFFF))))
	assert.Equal(t, "", succ(""))
	assert.Equal(t, "", succ(string(rune(0x10FFFF))))
	// Incrementing past U+D7FF skips the unencodable surrogate range.
	assert.Equal(t, "a"+string(rune(0xE000)), succ("a"+string(rune(0xD7FF))))
}

func TestShapeDedupsNonCoalescing(t *testing.T) {
	cands := []candidate{
		{id: 3, ts: 30, subjID: 1, actorID: 1},
		{id: 2, ts: 20, subjID: 2, actorID: 1},
		{id: 3, ts: 30, subjID: 3, actorID: 1},
	}
	assert.Equal(t, []uint32{3, 2}, shape(cands, storage.MostRecentEvents, 0))
}

func TestShapeCoalescesWithLimit(t *testing.T) {
	cands := []candidate{
		{id: 4, ts: 40, subjID: 3, actorID: 1},
		{id: 3, ts: 30, subjID: 2, actorID: 1},
		{id: 2, ts: 20, subjID: 1, actorID: 1},
		{id: 1, ts: 10, subjID: 1, actorID: 1},
	}
	assert.Equal(t, []uint32{4, 3}, shape(cands, storage.MostRecentSubjects, 2))
}

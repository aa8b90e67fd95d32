// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vestige-dev/vestige/internal/engine"
	"github.com/vestige-dev/vestige/internal/monitor"
	"github.com/vestige-dev/vestige/internal/ontology"
	"github.com/vestige-dev/vestige/internal/storage"
	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

func requireTextIndex(t *testing.T, e *engine.Engine) {
	t.Helper()
	if !e.TextIndexActive() {
		t.Skip("sqlite driver built without fts5 (build tag sqlite_fts5)")
	}
}

func openEngine(t *testing.T, opts engine.Options) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	opts.DBPath = filepath.Join(dir, "activity.sqlite")
	opts.IndexDir = filepath.Join(dir, "fts")
	opts.FlushInterval = 10 * time.Millisecond
	e, err := engine.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func accessEvent(ts int64, uri, text string) *storage.Event {
	return &storage.Event{
		Timestamp:      ts,
		Interpretation: ontology.AccessEvent,
		Manifestation:  ontology.UserActivity,
		Actor:          "application://x.desktop",
		Subjects: []storage.Subject{{
			URI:      uri,
			Mimetype: "text/plain",
			Text:     text,
		}},
	}
}

func TestInsertThenFetch(t *testing.T) {
	e := openEngine(t, engine.Options{})
	ctx := context.Background()

	ids, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(1000, "file:///tmp/a", "a"),
	})
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, ids)

	got, err := e.GetEvents(ctx, []uint32{1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0])
	assert.Equal(t, uint32(1), got[0].ID)
	assert.Equal(t, "file:///tmp/a", got[0].Subjects[0].URI)
}

func TestInsertInvalidEventFailsWholeCall(t *testing.T) {
	e := openEngine(t, engine.Options{})
	ctx := context.Background()

	_, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(1000, "file:///ok", "ok"),
		{Timestamp: 2000}, // no subjects
	})
	require.Error(t, err)

	// Nothing was written.
	ids, err := e.FindEventIDs(ctx, storage.AlwaysRange(), nil, storage.StorageAny, 0, storage.MostRecentEvents)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

type denyURI struct{ uri string }

func (d denyURI) CheckInsert(_ string, ev *storage.Event) error {
	for i := range ev.Subjects {
		if ev.Subjects[i].URI == d.uri {
			return vestigeerr.New(vestigeerr.CodeEventInvalidInput, "blocked")
		}
	}
	return nil
}

func TestPolicyRejectionBlanksSlot(t *testing.T) {
	e := openEngine(t, engine.Options{Policy: denyURI{uri: "file:///secret"}})
	ctx := context.Background()

	ids, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(1000, "file:///ok", "ok"),
		accessEvent(2000, "file:///secret", "hidden"),
		accessEvent(3000, "file:///also-ok", "ok"),
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.NotZero(t, ids[0])
	assert.Zero(t, ids[1])
	assert.NotZero(t, ids[2])

	found, err := e.FindEventIDs(ctx, storage.AlwaysRange(), nil, storage.StorageAny, 0, storage.MostRecentEvents)
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestDeleteEventsReturnsSpan(t *testing.T) {
	e := openEngine(t, engine.Options{})
	ctx := context.Background()

	ids, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(1000, "file:///a", "a"),
		accessEvent(3000, "file:///b", "b"),
	})
	require.NoError(t, err)

	minTS, maxTS, err := e.DeleteEvents(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), minTS)
	assert.Equal(t, int64(3000), maxTS)

	got, err := e.GetEvents(ctx, ids)
	require.NoError(t, err)
	assert.Nil(t, got[0])
	assert.Nil(t, got[1])
}

func TestDeleteUnknownIDs(t *testing.T) {
	e := openEngine(t, engine.Options{})
	minTS, maxTS, err := e.DeleteEvents(context.Background(), []uint32{42, 43})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), minTS)
	assert.Equal(t, int64(-1), maxTS)
}

type recordingListener struct {
	inserted [][]*storage.Event
	deleted  [][]uint32
}

func (r *recordingListener) HandleInserted(_ storage.TimeRange, events []*storage.Event) {
	r.inserted = append(r.inserted, events)
}

func (r *recordingListener) HandleDeleted(_ storage.TimeRange, ids []uint32) {
	r.deleted = append(r.deleted, ids)
}

var _ monitor.Listener = (*recordingListener)(nil)

func TestMonitorsSeeCommits(t *testing.T) {
	e := openEngine(t, engine.Options{})
	ctx := context.Background()

	l := &recordingListener{}
	require.NoError(t, e.InstallMonitor("client:1", storage.AlwaysRange(),
		[]*storage.Event{{Actor: "application://x.desktop"}}, l))

	ids, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(1000, "file:///a", "a"),
	})
	require.NoError(t, err)
	require.Len(t, l.inserted, 1)
	assert.Equal(t, ids[0], l.inserted[0][0].ID)

	_, _, err = e.DeleteEvents(ctx, ids)
	require.NoError(t, err)
	require.Len(t, l.deleted, 1)
	assert.Equal(t, ids, l.deleted[0])

	require.NoError(t, e.RemoveMonitor("client:1"))
	_, err = e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(2000, "file:///b", "b"),
	})
	require.NoError(t, err)
	assert.Len(t, l.inserted, 1)
}

func TestDuplicateInsertNotSeenByMonitors(t *testing.T) {
	e := openEngine(t, engine.Options{})
	ctx := context.Background()

	l := &recordingListener{}
	require.NoError(t, e.InstallMonitor("client:1", storage.AlwaysRange(), nil, l))

	ids, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(1000, "file:///a", "a"),
	})
	require.NoError(t, err)
	require.Len(t, l.inserted, 1)

	again, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(1000, "file:///a", "a"),
	})
	require.NoError(t, err)
	assert.Equal(t, ids, again, "duplicate returns the existing id")
	assert.Len(t, l.inserted, 1, "no delivery for an event that created no row")
}

func TestSearchEndToEnd(t *testing.T) {
	e := openEngine(t, engine.Options{})
	requireTextIndex(t, e)
	ctx := context.Background()

	ids, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(1000, "file:///docs/notes.txt", "Ada Lovelace"),
	})
	require.NoError(t, err)
	e.Sync()

	events, count, err := e.Search(ctx, "lovelace", storage.AlwaysRange(), nil, 0, 10, storage.Relevancy)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ids[0], events[0].ID)
	assert.Equal(t, uint32(1), count)

	_, _, err = e.DeleteEvents(ctx, ids)
	require.NoError(t, err)
	e.Sync()

	events, count, err = e.Search(ctx, "lovelace", storage.AlwaysRange(), nil, 0, 10, storage.Relevancy)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, count)
}

func TestSearchAppliesTemplatesExactly(t *testing.T) {
	e := openEngine(t, engine.Options{})
	requireTextIndex(t, e)
	ctx := context.Background()

	ev := accessEvent(1000, "file:///docs/report.txt", "quarterly numbers")
	other := accessEvent(2000, "file:///docs/report2.txt", "quarterly numbers")
	other.Actor = "application://y.desktop"
	_, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{ev, other})
	require.NoError(t, err)
	e.Sync()

	tmpl := &storage.Event{Actor: "application://y.desktop"}
	events, _, err := e.Search(ctx, "quarterly", storage.AlwaysRange(), []*storage.Event{tmpl}, 0, 10, storage.MostRecentEvents)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "application://y.desktop", events[0].Actor)
}

func TestSearchCoalescesBySubject(t *testing.T) {
	e := openEngine(t, engine.Options{})
	requireTextIndex(t, e)
	ctx := context.Background()

	_, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(10, "file:///a", "repeated term"),
		accessEvent(20, "file:///a", "repeated term"),
		accessEvent(30, "file:///b", "repeated term"),
	})
	require.NoError(t, err)
	e.Sync()

	events, _, err := e.Search(ctx, "repeated", storage.AlwaysRange(), nil, 0, 10, storage.MostRecentSubjects)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "file:///b", events[0].Subjects[0].URI)
	assert.Equal(t, "file:///a", events[1].Subjects[0].URI)
}

func TestForceReindex(t *testing.T) {
	e := openEngine(t, engine.Options{})
	requireTextIndex(t, e)
	ctx := context.Background()

	_, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(1000, "file:///docs/thesis.txt", "difference engine"),
	})
	require.NoError(t, err)
	e.Sync()

	require.NoError(t, e.ForceReindex(ctx))
	e.Sync()

	events, count, err := e.Search(ctx, "difference", storage.AlwaysRange(), nil, 0, 10, storage.Relevancy)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, uint32(1), count)
}

func TestDeleteLogClearsEverything(t *testing.T) {
	e := openEngine(t, engine.Options{})
	ctx := context.Background()

	_, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(1000, "file:///a", "wiped"),
	})
	require.NoError(t, err)
	e.Sync()

	require.NoError(t, e.DeleteLog(ctx))
	e.Sync()

	ids, err := e.FindEventIDs(ctx, storage.AlwaysRange(), nil, storage.StorageAny, 0, storage.MostRecentEvents)
	require.NoError(t, err)
	assert.Empty(t, ids)

	events, count, err := e.Search(ctx, "wiped", storage.AlwaysRange(), nil, 0, 10, storage.Relevancy)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, count)
}

func TestEngineRunsWithoutTextIndex(t *testing.T) {
	dir := t.TempDir()
	// A regular file where the index directory should be makes the
	// index open fail; the engine must come up anyway.
	blocker := filepath.Join(dir, "fts")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	e, err := engine.Open(engine.Options{
		DBPath:   filepath.Join(dir, "activity.sqlite"),
		IndexDir: blocker,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()
	assert.False(t, e.TextIndexActive())

	ctx := context.Background()
	ids, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(1000, "file:///a", "alpha"),
	})
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, ids)

	events, count, err := e.Search(ctx, "alpha", storage.AlwaysRange(), nil, 0, 10, storage.Relevancy)
	require.NoError(t, err, "a missing index degrades search, never fails it")
	assert.Empty(t, events)
	assert.Zero(t, count)

	require.NoError(t, e.ForceReindex(ctx))
	e.Sync()

	_, _, err = e.DeleteEvents(ctx, ids)
	require.NoError(t, err)
	require.NoError(t, e.DeleteLog(ctx))
}

func TestFindRelatedURIs(t *testing.T) {
	e := openEngine(t, engine.Options{})
	ctx := context.Background()

	base := int64(1_000_000)
	writer := func(ts int64, uri string) *storage.Event {
		ev := accessEvent(ts, uri, "")
		ev.Actor = "application://writer.desktop"
		return ev
	}
	// file:///doc is repeatedly used close in time to the spreadsheet;
	// file:///far is outside every window.
	_, err := e.InsertEvents(ctx, "test:sender", []*storage.Event{
		accessEvent(base, "file:///sheet.ods", ""),
		writer(base+1000, "file:///doc"),
		accessEvent(base+600_000, "file:///sheet.ods", ""),
		writer(base+601_000, "file:///doc"),
		writer(base+602_000, "file:///other"),
		writer(base+3_000_000, "file:///far"),
	})
	require.NoError(t, err)

	seed := &storage.Event{Subjects: []storage.Subject{{URI: "file:///sheet.ods"}}}
	uris, err := e.FindRelatedURIs(ctx, storage.AlwaysRange(),
		[]*storage.Event{seed}, nil, storage.StorageAny, 10, storage.MostPopularSubjects)
	require.NoError(t, err)
	require.NotEmpty(t, uris)
	assert.Equal(t, "file:///doc", uris[0])
	assert.Contains(t, uris, "file:///other")
	assert.NotContains(t, uris, "file:///far")
	assert.NotContains(t, uris, "file:///sheet.ods")
}

func TestClosedEngineRejectsCalls(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(engine.Options{
		DBPath:   filepath.Join(dir, "activity.sqlite"),
		IndexDir: filepath.Join(dir, "fts"),
	})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "double close is fine")

	_, err = e.GetEvents(context.Background(), []uint32{1})
	assert.Error(t, err)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

// Package engine ties the event store, the text index, and the monitor
// bus together behind the canonical API surface.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vestige-dev/vestige/internal/fts"
	"github.com/vestige-dev/vestige/internal/monitor"
	"github.com/vestige-dev/vestige/internal/ontology"
	"github.com/vestige-dev/vestige/internal/storage"
	"github.com/vestige-dev/vestige/internal/storage/sqlite"
	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

// relatedWindow is the co-occurrence window around a seed event when
// computing related uris: events within this many milliseconds of a seed
// count as used "together with" it.
const relatedWindow = int64(2 * time.Minute / time.Millisecond)

// Policy decides whether an event may be recorded. The zero policy
// admits everything; deployments hook data-source blacklisting or
// incognito handling in here.
type Policy interface {
	// CheckInsert returns a non-nil error to reject the event. Rejected
	// events report id 0 and are never written.
	CheckInsert(sender string, ev *storage.Event) error
}

// Options configures Open.
type Options struct {
	DBPath   string
	IndexDir string

	Logger   *slog.Logger
	Ontology *ontology.Ontology
	Policy   Policy

	// FlushInterval bounds text-index visibility lag. Zero selects the
	// default.
	FlushInterval time.Duration

	// Debug enables query-plan logging on the primary store.
	Debug bool
}

// Engine is the orchestrator. All methods are safe for concurrent use;
// writes are serialized so monitors observe insertions in commit order.
type Engine struct {
	log     *slog.Logger
	ont     *ontology.Ontology
	store   *sqlite.EventStore
	sidecar *fts.Sidecar
	bus     *monitor.Bus
	matcher *storage.Matcher
	policy  Policy

	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// Open opens the primary store and the text index under the given
// paths. A missing or invalidated text index is rebuilt from the store
// in the background before Open returns.
func Open(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ont := opts.Ontology
	if ont == nil {
		ont = ontology.Default()
	}

	store, err := sqlite.Open(opts.DBPath, sqlite.Options{
		Logger:   log,
		Ontology: ont,
		Debug:    opts.Debug,
	})
	if err != nil {
		return nil, err
	}

	// The store stays authoritative when the text index cannot open;
	// search degrades to empty results instead of taking the whole
	// engine down. The usual cause is a sqlite driver built without
	// the fts5 module (build tag sqlite_fts5).
	sidecar, rebuild, err := fts.Open(opts.IndexDir, fts.Options{
		Logger:        log,
		Ontology:      ont,
		FlushInterval: opts.FlushInterval,
	})
	if err != nil {
		log.Warn("text index unavailable, continuing without search", "error", err)
		sidecar = nil
		rebuild = false
	}

	e := &Engine{
		log:     log.With("component", "engine"),
		ont:     ont,
		store:   store,
		sidecar: sidecar,
		bus:     monitor.NewBus(ont, log),
		matcher: storage.NewMatcher(ont),
		policy:  opts.Policy,
	}

	if rebuild {
		if err := e.reindex(context.Background()); err != nil {
			e.log.Warn("initial index rebuild failed", "error", err)
		}
	}
	return e, nil
}

// InsertEvents writes events and returns their assigned ids, parallel
// to the input. An invalid event fails the whole call with nothing
// written. An event rejected by policy reports id 0 and the rest of
// the batch still goes through. Monitors and the text index see
// exactly the committed events.
func (e *Engine) InsertEvents(ctx context.Context, sender string, events []*storage.Event) ([]uint32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	ids := make([]uint32, len(events))
	if len(events) == 0 {
		return ids, nil
	}

	var admitted []*storage.Event
	var positions []int
	for i, ev := range events {
		// A malformed event fails the whole call with nothing written;
		// a policy rejection only blanks its own slot.
		if err := storage.ValidateEvent(ev); err != nil {
			return nil, err
		}
		if e.policy != nil {
			if err := e.policy.CheckInsert(sender, ev); err != nil {
				e.log.Debug("event rejected by policy", "sender", sender, "position", i, "error", err)
				continue
			}
		}
		admitted = append(admitted, ev)
		positions = append(positions, i)
	}
	if len(admitted) == 0 {
		return ids, nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	// Ids only ever grow, so anything at or below the pre-insert mark
	// is a duplicate that created no row.
	prevLast, err := e.store.LastID(ctx)
	if err != nil {
		return nil, err
	}

	inserted, err := e.store.Insert(ctx, admitted)
	if err != nil {
		return nil, err
	}
	var created []*storage.Event
	for i, id := range inserted {
		ids[positions[i]] = id
		if id > prevLast {
			created = append(created, admitted[i])
		}
	}

	if len(created) > 0 {
		e.bus.NotifyInserted(created)
		if e.sidecar != nil {
			e.sidecar.EnqueueIndex(created)
		}
	}
	return ids, nil
}

// GetEvents returns the events for ids, position by position; unknown
// ids yield nil entries.
func (e *Engine) GetEvents(ctx context.Context, ids []uint32) ([]*storage.Event, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, ids)
}

// FindEventIDs runs a template query and returns matching ids shaped by
// the result type.
func (e *Engine) FindEventIDs(ctx context.Context, tr storage.TimeRange, templates []*storage.Event, state storage.StorageState, limit int, rt storage.ResultType) ([]uint32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.store.FindIDs(ctx, tr, templates, state, limit, rt)
}

// FindEvents is FindEventIDs with hydrated results.
func (e *Engine) FindEvents(ctx context.Context, tr storage.TimeRange, templates []*storage.Event, state storage.StorageState, limit int, rt storage.ResultType) ([]*storage.Event, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.store.FindEvents(ctx, tr, templates, state, limit, rt)
}

// FindRelatedURIs returns subject uris used together with events
// matching templates: every event matching resultTemplates inside a
// co-occurrence window around a seed event votes for its subject uris.
// Popularity result types order by vote count, the rest by recency.
func (e *Engine) FindRelatedURIs(ctx context.Context, tr storage.TimeRange, templates, resultTemplates []*storage.Event, state storage.StorageState, limit int, rt storage.ResultType) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if !rt.Valid() || rt == storage.Relevancy {
		return nil, vestigeerr.New(vestigeerr.CodeQueryInvalidResultType, "result type not usable for related uris", vestigeerr.Field("result_type", rt))
	}

	seeds, err := e.store.FindEvents(ctx, tr, templates, state, 0, storage.MostRecentEvents)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	windows := seedWindows(seeds, tr)
	span := storage.TimeRange{Begin: windows[0].Begin, End: windows[len(windows)-1].End}

	candidates, err := e.store.FindEvents(ctx, span, resultTemplates, state, 0, storage.MostRecentEvents)
	if err != nil {
		return nil, err
	}

	seedURIs := make(map[string]bool)
	for _, s := range seeds {
		for i := range s.Subjects {
			seedURIs[s.Subjects[i].URI] = true
		}
	}
	seedIDs := make(map[uint32]bool, len(seeds))
	for _, s := range seeds {
		seedIDs[s.ID] = true
	}

	type vote struct {
		count  int
		lastTS int64
	}
	votes := make(map[string]*vote)
	var order []string
	for _, ev := range candidates {
		if seedIDs[ev.ID] || !inWindows(windows, ev.Timestamp) {
			continue
		}
		for i := range ev.Subjects {
			uri := ev.Subjects[i].URI
			if seedURIs[uri] {
				continue
			}
			v := votes[uri]
			if v == nil {
				v = &vote{}
				votes[uri] = v
				order = append(order, uri)
			}
			v.count++
			if ev.Timestamp > v.lastTS {
				v.lastTS = ev.Timestamp
			}
		}
	}

	byPopularity := rt.ByPopularity()
	ascending := rt.Ascending()
	sort.SliceStable(order, func(i, j int) bool {
		a, b := votes[order[i]], votes[order[j]]
		var less bool
		switch {
		case byPopularity && a.count != b.count:
			less = a.count > b.count
		default:
			less = a.lastTS > b.lastTS
		}
		if ascending {
			return !less
		}
		return less
	})

	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	return order, nil
}

// DeleteEvents removes the given events. It returns the inclusive
// timestamp span of the events actually removed, or (-1, -1) when none
// of the ids existed.
func (e *Engine) DeleteEvents(ctx context.Context, ids []uint32) (int64, int64, error) {
	if err := e.checkOpen(); err != nil {
		return -1, -1, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tr, deleted, err := e.store.Delete(ctx, ids)
	if err != nil {
		return -1, -1, err
	}
	if !deleted {
		return -1, -1, nil
	}

	e.bus.NotifyDeleted(tr, ids)
	if e.sidecar != nil {
		e.sidecar.EnqueueDelete(ids)
	}
	return tr.Begin, tr.End - 1, nil
}

// DeleteLog erases every event, subject, and derived text document.
func (e *Engine) DeleteLog(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.store.DeleteLog(ctx); err != nil {
		return err
	}
	if e.sidecar != nil {
		e.sidecar.EnqueueReindex(nil)
	}
	return nil
}

// Search runs a full-text query, hydrates the hits, applies the filter
// templates exactly, and shapes the page by result type. hitCount is the
// total number of index hits before shaping.
func (e *Engine) Search(ctx context.Context, text string, tr storage.TimeRange, templates []*storage.Event, offset, limit int, rt storage.ResultType) ([]*storage.Event, uint32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, 0, err
	}
	if !rt.Valid() {
		return nil, 0, vestigeerr.New(vestigeerr.CodeQueryInvalidResultType, "unknown result type", vestigeerr.Field("result_type", rt))
	}
	if limit < 0 || offset < 0 {
		return nil, 0, vestigeerr.New(vestigeerr.CodeQueryInvalidLimit, "offset and limit must not be negative")
	}

	// Index failures never fail the caller: a degraded index answers
	// with no hits and the problem goes to the log.
	if e.sidecar == nil {
		e.log.Warn("text search unavailable")
		return nil, 0, nil
	}
	ids, count, err := e.sidecar.Search(ctx, text, tr, templates, offset, limit, rt)
	if err != nil {
		e.log.Warn("text search failed", "error", err)
		return nil, 0, nil
	}
	if len(ids) == 0 {
		return nil, count, nil
	}

	hydrated, err := e.store.Get(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	// The index matches on its own term scheme; re-check the templates
	// against the full events so prefix and text fields filter exactly.
	var events []*storage.Event
	for _, ev := range hydrated {
		if ev == nil {
			// Deleted after indexing but before the next flush.
			continue
		}
		if !e.matcher.MatchesAny(templates, ev) {
			continue
		}
		events = append(events, ev)
	}

	if rt.Coalesces() {
		events = coalesceEvents(events, rt)
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, count, nil
}

// ForceReindex rebuilds the text index from the primary store.
func (e *Engine) ForceReindex(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.reindex(ctx)
}

// InstallMonitor registers a listener for changes matching templates
// within tr, under a caller-scoped key.
func (e *Engine) InstallMonitor(key string, tr storage.TimeRange, templates []*storage.Event, l monitor.Listener) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.bus.Install(key, tr, templates, l)
}

// RemoveMonitor drops the monitor under key.
func (e *Engine) RemoveMonitor(key string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.bus.Remove(key)
}

// TextIndexActive reports whether full-text search is operational.
func (e *Engine) TextIndexActive() bool {
	return e.sidecar != nil
}

// Sync blocks until the text index has applied all pending writes. Test
// and shutdown hook.
func (e *Engine) Sync() {
	if e.sidecar != nil {
		e.sidecar.Sync()
	}
}

// Close flushes the text index and closes both databases. Safe to call
// more than once.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	var ierr error
	if e.sidecar != nil {
		ierr = e.sidecar.Close()
	}
	serr := e.store.Close()
	if serr != nil {
		return serr
	}
	return ierr
}

func (e *Engine) checkOpen() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return vestigeerr.New(vestigeerr.CodeIndexClosed, "engine is closed")
	}
	return nil
}

func (e *Engine) reindex(ctx context.Context) error {
	if e.sidecar == nil {
		e.log.Warn("text index unavailable, reindex skipped")
		return nil
	}
	ids, err := e.store.AllIDs(ctx)
	if err != nil {
		return err
	}
	events, err := e.store.Get(ctx, ids)
	if err != nil {
		return err
	}
	var present []*storage.Event
	for _, ev := range events {
		if ev != nil {
			present = append(present, ev)
		}
	}
	e.sidecar.EnqueueReindex(present)
	return nil
}

// seedWindows returns the merged, sorted co-occurrence windows around
// the seed timestamps, clamped to tr.
func seedWindows(seeds []*storage.Event, tr storage.TimeRange) []storage.TimeRange {
	windows := make([]storage.TimeRange, 0, len(seeds))
	for _, s := range seeds {
		w := storage.TimeRange{Begin: s.Timestamp - relatedWindow, End: s.Timestamp + relatedWindow}
		if w.Begin < tr.Begin {
			w.Begin = tr.Begin
		}
		if w.End > tr.End {
			w.End = tr.End
		}
		windows = append(windows, w)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Begin < windows[j].Begin })

	merged := windows[:1]
	for _, w := range windows[1:] {
		last := &merged[len(merged)-1]
		if w.Begin <= last.End {
			if w.End > last.End {
				last.End = w.End
			}
			continue
		}
		merged = append(merged, w)
	}
	return merged
}

func inWindows(windows []storage.TimeRange, ts int64) bool {
	i := sort.Search(len(windows), func(i int) bool { return windows[i].End > ts })
	return i < len(windows) && windows[i].Contains(ts)
}

// coalesceEvents groups hydrated events the way the id shaper does:
// subject result types group by first subject uri, actor types by actor,
// keeping the first event seen per group. Popularity types re-rank by
// group size.
func coalesceEvents(events []*storage.Event, rt storage.ResultType) []*storage.Event {
	type group struct {
		rep  *storage.Event
		seen int
	}
	var groups []*group
	index := make(map[string]*group)
	for _, ev := range events {
		var key string
		if rt.GroupsByActor() {
			key = "a\x00" + ev.Actor
		} else {
			key = "s\x00"
			if len(ev.Subjects) > 0 {
				key += ev.Subjects[0].URI
			}
		}
		g := index[key]
		if g == nil {
			g = &group{rep: ev}
			index[key] = g
			groups = append(groups, g)
		}
		g.seen++
	}

	if rt.ByPopularity() {
		asc := rt.Ascending()
		sort.SliceStable(groups, func(i, j int) bool {
			if groups[i].seen != groups[j].seen {
				if asc {
					return groups[i].seen < groups[j].seen
				}
				return groups[i].seen > groups[j].seen
			}
			return false
		})
	}

	out := make([]*storage.Event, len(groups))
	for i, g := range groups {
		out[i] = g.rep
	}
	return out
}

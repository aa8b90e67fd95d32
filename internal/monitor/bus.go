// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

// Package monitor fans out change notifications to registered listeners.
package monitor

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/vestige-dev/vestige/internal/ontology"
	"github.com/vestige-dev/vestige/internal/storage"
	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

// Listener receives notifications for one installed monitor. Callbacks
// run on the notifying goroutine; implementations that do slow work
// should hand it off.
type Listener interface {
	HandleInserted(tr storage.TimeRange, events []*storage.Event)
	HandleDeleted(tr storage.TimeRange, ids []uint32)
}

type entry struct {
	key       string
	tr        storage.TimeRange
	templates []*storage.Event
	listener  Listener
	seq       uint64
}

// Bus holds the installed monitors and routes insertions and deletions
// to the ones whose time range and templates match. Notifications for
// one change batch go out in installation order.
type Bus struct {
	log     *slog.Logger
	matcher *storage.Matcher

	mu       sync.Mutex
	monitors map[string]*entry
	nextSeq  uint64
}

// NewBus returns an empty bus. The ontology drives hierarchical template
// matching; nil selects the built-in one.
func NewBus(ont *ontology.Ontology, log *slog.Logger) *Bus {
	if ont == nil {
		ont = ontology.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:      log.With("component", "monitor"),
		matcher:  storage.NewMatcher(ont),
		monitors: make(map[string]*entry),
	}
}

// Install registers a listener under key. Keys are caller-scoped, one
// monitor each; installing an existing key fails.
func (b *Bus) Install(key string, tr storage.TimeRange, templates []*storage.Event, l Listener) error {
	if key == "" {
		return vestigeerr.New(vestigeerr.CodeEventInvalidInput, "monitor key must not be empty")
	}
	if l == nil {
		return vestigeerr.New(vestigeerr.CodeEventInvalidInput, "monitor listener must not be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.monitors[key]; ok {
		return vestigeerr.New(vestigeerr.CodeMonitorDuplicate, "monitor already installed", vestigeerr.FieldMonitorKey(key))
	}
	b.monitors[key] = &entry{
		key:       key,
		tr:        tr,
		templates: templates,
		listener:  l,
		seq:       b.nextSeq,
	}
	b.nextSeq++
	return nil
}

// Remove drops the monitor under key.
func (b *Bus) Remove(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.monitors[key]; !ok {
		return vestigeerr.New(vestigeerr.CodeMonitorNotFound, "monitor not installed", vestigeerr.FieldMonitorKey(key))
	}
	delete(b.monitors, key)
	return nil
}

// Len reports the number of installed monitors.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.monitors)
}

// NotifyInserted delivers an inserted batch: every monitor whose time
// range overlaps the batch span gets the events surviving its template
// filter. A panicking listener is logged and skipped; it does not
// affect the others.
func (b *Bus) NotifyInserted(events []*storage.Event) {
	if len(events) == 0 {
		return
	}
	span := spanOf(events)
	for _, e := range b.snapshot() {
		if !e.tr.Overlaps(span) {
			continue
		}
		var matched []*storage.Event
		for _, ev := range events {
			if b.matcher.MatchesAny(e.templates, ev) {
				matched = append(matched, ev)
			}
		}
		if len(matched) == 0 {
			continue
		}
		tr := spanOf(matched)
		b.deliver(e, func() { e.listener.HandleInserted(tr, matched) })
	}
}

// NotifyDeleted tells every monitor whose time range overlaps the
// deleted span which event ids are gone. Deleted events can no longer be
// matched against templates, so the range is the only filter.
func (b *Bus) NotifyDeleted(tr storage.TimeRange, ids []uint32) {
	if len(ids) == 0 {
		return
	}
	for _, e := range b.snapshot() {
		if !e.tr.Overlaps(tr) {
			continue
		}
		b.deliver(e, func() { e.listener.HandleDeleted(tr, ids) })
	}
}

// snapshot returns the monitors in installation order without holding
// the lock during delivery.
func (b *Bus) snapshot() []*entry {
	b.mu.Lock()
	entries := make([]*entry, 0, len(b.monitors))
	for _, e := range b.monitors {
		entries = append(entries, e)
	}
	b.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

func (b *Bus) deliver(e *entry, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("monitor listener panicked", "key", e.key, "panic", r)
		}
	}()
	fn()
}

func spanOf(events []*storage.Event) storage.TimeRange {
	tr := storage.TimeRange{Begin: events[0].Timestamp, End: events[0].Timestamp + 1}
	for _, ev := range events[1:] {
		if ev.Timestamp < tr.Begin {
			tr.Begin = ev.Timestamp
		}
		if ev.Timestamp+1 > tr.End {
			tr.End = ev.Timestamp + 1
		}
	}
	return tr
}

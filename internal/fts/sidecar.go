// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package fts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vestige-dev/vestige/internal/ontology"
	"github.com/vestige-dev/vestige/internal/storage"
	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

// defaultFlushInterval bounds how long an indexed event stays invisible
// to searches while the worker sits idle.
const defaultFlushInterval = 500 * time.Millisecond

// Options configures a Sidecar.
type Options struct {
	Logger        *slog.Logger
	Ontology      *ontology.Ontology
	FlushInterval time.Duration
}

type message interface{ isMessage() }

type indexMsg struct{ events []*storage.Event }
type deleteMsg struct{ ids []uint32 }
type reindexMsg struct{ events []*storage.Event }
type syncMsg struct{ done chan struct{} }

func (indexMsg) isMessage()   {}
func (deleteMsg) isMessage()  {}
func (reindexMsg) isMessage() {}
func (syncMsg) isMessage()    {}

// Sidecar is the asynchronous text index. Enqueue methods never block on
// disk I/O; a single worker goroutine applies writes in batches and
// flushes them after a short idle interval. Searches read committed
// state only.
type Sidecar struct {
	log *slog.Logger

	idx *Index

	mu     sync.Mutex
	queue  []message
	notify chan struct{}

	quit chan struct{}
	done chan struct{}

	flushInterval time.Duration
}

// Open opens the index under dir and starts the worker. rebuild reports
// that the caller must enqueue a full reindex from the primary store.
func Open(dir string, opts Options) (*Sidecar, bool, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "fts")
	ont := opts.Ontology
	if ont == nil {
		ont = ontology.Default()
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}

	idx, rebuild, err := openIndex(dir, ont, log)
	if err != nil {
		return nil, false, err
	}

	s := &Sidecar{
		log:           log,
		idx:           idx,
		notify:        make(chan struct{}, 1),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		flushInterval: interval,
	}
	go s.run()
	return s, rebuild, nil
}

// EnqueueIndex schedules events for indexing.
func (s *Sidecar) EnqueueIndex(events []*storage.Event) {
	if len(events) == 0 {
		return
	}
	s.enqueue(indexMsg{events: events})
}

// EnqueueDelete schedules events for removal from the index.
func (s *Sidecar) EnqueueDelete(ids []uint32) {
	if len(ids) == 0 {
		return
	}
	s.enqueue(deleteMsg{ids: ids})
}

// EnqueueReindex schedules a full rebuild from the given events. Any
// queued work is discarded: the rebuild supersedes it.
func (s *Sidecar) EnqueueReindex(events []*storage.Event) {
	s.mu.Lock()
	s.queue = s.queue[:0]
	s.queue = append(s.queue, reindexMsg{events: events})
	s.mu.Unlock()
	s.wake()
}

// Search runs a full-text query and returns matching event ids in rank
// or recency order, plus the total number of hits.
func (s *Sidecar) Search(ctx context.Context, text string, tr storage.TimeRange, templates []*storage.Event, offset, limit int, rt storage.ResultType) ([]uint32, uint32, error) {
	select {
	case <-s.quit:
		return nil, 0, vestigeerr.New(vestigeerr.CodeIndexClosed, "index is closed")
	default:
	}
	return s.idx.search(ctx, text, tr, templates, offset, limit, rt)
}

// Sync blocks until all previously enqueued work is applied and flushed.
func (s *Sidecar) Sync() {
	done := make(chan struct{})
	s.enqueue(syncMsg{done: done})
	select {
	case <-done:
	case <-s.done:
	}
}

// Close drains the queue, flushes, and releases the index.
func (s *Sidecar) Close() error {
	select {
	case <-s.quit:
		<-s.done
		return nil
	default:
	}
	close(s.quit)
	<-s.done
	return s.idx.close()
}

func (s *Sidecar) enqueue(msg message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.wake()
}

func (s *Sidecar) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Sidecar) takeQueue() []message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	batch := s.queue
	s.queue = nil
	return batch
}

func (s *Sidecar) run() {
	defer close(s.done)

	idle := time.NewTimer(s.flushInterval)
	defer idle.Stop()
	dirty := false

	for {
		select {
		case <-s.notify:
			if s.drain() {
				dirty = true
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(s.flushInterval)
			}
		case <-idle.C:
			if dirty {
				s.flush()
				dirty = false
			}
			idle.Reset(s.flushInterval)
		case <-s.quit:
			s.drain()
			s.flush()
			return
		}
	}
}

// drain applies every queued message and reports whether any write went
// into the pending batch. A failure on one event is logged and skipped
// so a single bad document cannot wedge the queue.
func (s *Sidecar) drain() bool {
	wrote := false
	for {
		batch := s.takeQueue()
		if batch == nil {
			return wrote
		}
		for _, msg := range batch {
			switch m := msg.(type) {
			case indexMsg:
				for _, ev := range m.events {
					if err := s.idx.addDocument(ev); err != nil {
						s.log.Error("indexing event failed", "event_id", ev.ID, "error", err)
						continue
					}
					wrote = true
				}
			case deleteMsg:
				for _, id := range m.ids {
					if err := s.idx.removeDocument(id); err != nil {
						s.log.Error("removing event from index failed", "event_id", id, "error", err)
						continue
					}
					wrote = true
				}
			case reindexMsg:
				if err := s.idx.recreate(); err != nil {
					s.log.Error("recreating index failed", "error", err)
					continue
				}
				wrote = true
				for _, ev := range m.events {
					if err := s.idx.addDocument(ev); err != nil {
						s.log.Error("indexing event failed", "event_id", ev.ID, "error", err)
					}
				}
				s.log.Info("index rebuilt", "events", len(m.events))
			case syncMsg:
				s.flush()
				wrote = false
				close(m.done)
			}
		}
	}
}

func (s *Sidecar) flush() {
	if err := s.idx.flush(); err != nil {
		s.log.Error("flushing index batch failed", "error", err)
	}
}

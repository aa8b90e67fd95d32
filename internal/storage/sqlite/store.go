// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

// Package sqlite implements the primary event store on a single SQLite
// database file. The store is single-writer: all mutating operations
// serialise on an internal mutex, and the connection pool is pinned to one
// connection so the temp invalidation table and triggers stay coherent.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/vestige-dev/vestige/internal/ontology"
	"github.com/vestige-dev/vestige/internal/storage"
	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

// Options configures an EventStore.
type Options struct {
	Logger   *slog.Logger
	Ontology *ontology.Ontology
	// Debug logs the query plan of every compiled find statement.
	Debug bool
}

// EventStore is the relational store of events and their subjects.
type EventStore struct {
	db    *sql.DB
	path  string
	log   *slog.Logger
	ont   *ontology.Ontology
	debug bool

	mu     sync.Mutex
	dirty  bool // a delete ran since the invalidation side-channel was drained
	closed bool

	uris           *internTable
	interpretation *internTable
	manifestation  *internTable
	actors         *internTable
	mimetypes      *internTable
	texts          *internTable
	storages       *internTable
}

// Open opens (or creates) the event store at dbPath, applying schema
// migrations as needed. A migration interrupted by a crash is rolled back
// from the on-disk backup taken at its start.
func Open(dbPath string, opts Options) (*EventStore, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ont := opts.Ontology
	if ont == nil {
		ont = ontology.Default()
	}

	db, err := openAndPrepare(dbPath, log)
	if errors.Is(err, errCrashedMigration) {
		log.Warn("crashed migration detected, restoring backup", "db", dbPath)
		if err := restoreBackup(dbPath, dbPath+".bck"); err != nil {
			return nil, vestigeerr.Wrap(err, vestigeerr.CodeStoreCorrupt, "restoring crashed migration")
		}
		db, err = openAndPrepare(dbPath, log)
		if err != nil {
			return nil, vestigeerr.Wrap(err, vestigeerr.CodeStoreCorrupt, "reopening after restore")
		}
	} else if err != nil {
		return nil, vestigeerr.Wrap(err, vestigeerr.CodeStoreCorrupt, "opening event store")
	}

	return &EventStore{
		db:             db,
		path:           dbPath,
		log:            log,
		ont:            ont,
		debug:          opts.Debug,
		uris:           newInternTable("uri"),
		interpretation: newInternTable("interpretation"),
		manifestation:  newInternTable("manifestation"),
		actors:         newInternTable("actor"),
		mimetypes:      newInternTable("mimetype"),
		texts:          newInternTable("text"),
		storages:       newInternTable("storage"),
	}, nil
}

func openAndPrepare(dbPath string, log *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening event db: %w", err)
	}
	// One connection: the temp triggers and the _vocab_removed table are
	// connection-scoped, and the store is single-writer anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging event db: %w", err)
	}
	if _, err := db.Exec(coreDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	if err := migrate(db, dbPath, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(sessionDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("installing session triggers: %w", err)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.db.Close()
}

// Insert writes events in one transaction and returns their assigned ids in
// input order. An event whose uniqueness tuple (timestamp, interpretation,
// manifestation, actor, first subject uri) already exists gets the existing
// id and no new rows. Any error aborts the whole batch.
func (s *EventStore) Insert(ctx context.Context, events []*storage.Event) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	for _, ev := range events {
		if err := storage.ValidateEvent(ev); err != nil {
			return nil, err
		}
	}
	if err := s.drainInvalidated(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err, "beginning insert transaction")
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]uint32, len(events))
	for i, ev := range events {
		id, err := s.insertOne(ctx, tx, ev)
		if err != nil {
			// The caches may hold ids interned inside the aborted
			// transaction; drop them wholesale.
			s.resetCaches()
			return nil, err
		}
		ids[i] = id
	}

	if err := tx.Commit(); err != nil {
		s.resetCaches()
		return nil, classify(err, "committing insert batch")
	}
	for i, ev := range events {
		ev.ID = ids[i]
	}
	return ids, nil
}

func (s *EventStore) insertOne(ctx context.Context, tx *sql.Tx, ev *storage.Event) (uint32, error) {
	interpID, err := s.interpretation.id(tx, ev.Interpretation)
	if err != nil {
		return 0, classify(err, "interning interpretation")
	}
	manifID, err := s.manifestation.id(tx, ev.Manifestation)
	if err != nil {
		return 0, classify(err, "interning manifestation")
	}
	actorID, err := s.actors.id(tx, ev.Actor)
	if err != nil {
		return 0, classify(err, "interning actor")
	}
	firstSubjID, err := s.uris.id(tx, ev.Subjects[0].URI)
	if err != nil {
		return 0, classify(err, "interning subject uri")
	}

	// Duplicate check on the uniqueness tuple. Only the first subject's
	// uri takes part in the key.
	var existing uint32
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM event WHERE timestamp = ? AND interpretation = ? AND manifestation = ? AND actor = ? AND subj_id = ?`,
		ev.Timestamp, interpID, manifID, actorID, firstSubjID,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return 0, classify(err, "checking for duplicate event")
	}

	id, err := nextEventID(ctx, tx)
	if err != nil {
		return 0, err
	}

	var originID, payloadID any
	if ev.Origin != "" {
		oid, err := s.uris.id(tx, ev.Origin)
		if err != nil {
			return 0, classify(err, "interning origin")
		}
		originID = oid
	}
	if len(ev.Payload) > 0 {
		res, err := tx.ExecContext(ctx, `INSERT INTO payload (value) VALUES (?)`, ev.Payload)
		if err != nil {
			return 0, classify(err, "storing payload")
		}
		pid, err := res.LastInsertId()
		if err != nil {
			return 0, classify(err, "reading payload id")
		}
		payloadID = pid
	}

	for i := range ev.Subjects {
		if err := s.insertSubjectRow(ctx, tx, id, ev, &ev.Subjects[i], interpID, manifID, actorID, originID, payloadID); err != nil {
			return 0, err
		}
	}

	if s.ont.IsA(ev.Interpretation, ontology.MoveEvent) {
		if err := s.applyMove(ctx, tx, ev); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (s *EventStore) insertSubjectRow(ctx context.Context, tx *sql.Tx, id uint32, ev *storage.Event, subj *storage.Subject, interpID, manifID, actorID int64, originID, payloadID any) error {
	subjID, err := s.uris.id(tx, subj.URI)
	if err != nil {
		return classify(err, "interning subject uri")
	}
	current := subj.CurrentURI
	if current == "" {
		current = subj.URI
	}
	currentID, err := s.uris.id(tx, current)
	if err != nil {
		return classify(err, "interning subject current uri")
	}

	var subjInterp, subjManif, subjOrigin, subjMime, subjText, subjStorage any
	if subj.Interpretation != "" {
		v, err := s.interpretation.id(tx, subj.Interpretation)
		if err != nil {
			return classify(err, "interning subject interpretation")
		}
		subjInterp = v
	}
	if subj.Manifestation != "" {
		v, err := s.manifestation.id(tx, subj.Manifestation)
		if err != nil {
			return classify(err, "interning subject manifestation")
		}
		subjManif = v
	}
	if subj.Origin != "" {
		v, err := s.uris.id(tx, subj.Origin)
		if err != nil {
			return classify(err, "interning subject origin")
		}
		subjOrigin = v
	}
	if subj.Mimetype != "" {
		v, err := s.mimetypes.id(tx, subj.Mimetype)
		if err != nil {
			return classify(err, "interning subject mimetype")
		}
		subjMime = v
	}
	if subj.Text != "" {
		v, err := s.texts.id(tx, subj.Text)
		if err != nil {
			return classify(err, "interning subject text")
		}
		subjText = v
	}
	if subj.Storage != "" {
		v, err := s.storages.id(tx, subj.Storage)
		if err != nil {
			return classify(err, "interning subject storage")
		}
		subjStorage = v
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO event (id, timestamp, interpretation, manifestation, actor, origin, payload,
	subj_id, subj_id_current, subj_interpretation, subj_manifestation, subj_origin,
	subj_mimetype, subj_text, subj_storage)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ev.Timestamp, interpID, manifID, actorID, originID, payloadID,
		subjID, currentID, subjInterp, subjManif, subjOrigin,
		subjMime, subjText, subjStorage,
	)
	if err != nil {
		return classify(err, "inserting event row")
	}
	return nil
}

// applyMove retargets the current uri of earlier events whose subjects
// point at the moved uri.
func (s *EventStore) applyMove(ctx context.Context, tx *sql.Tx, ev *storage.Event) error {
	for i := range ev.Subjects {
		subj := &ev.Subjects[i]
		if subj.CurrentURI == "" || subj.CurrentURI == subj.URI {
			continue
		}
		oldID, ok, err := s.uris.lookup(tx, subj.URI)
		if err != nil {
			return classify(err, "looking up moved uri")
		}
		if !ok {
			continue
		}
		newID, err := s.uris.id(tx, subj.CurrentURI)
		if err != nil {
			return classify(err, "interning move target uri")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE event SET subj_id_current = ? WHERE subj_id_current = ? AND timestamp < ?`,
			newID, oldID, ev.Timestamp,
		)
		if err != nil {
			return classify(err, "propagating move")
		}
	}
	return nil
}

func nextEventID(ctx context.Context, tx *sql.Tx) (uint32, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE id_seq SET value = value + 1 WHERE name = 'event'`); err != nil {
		return 0, classify(err, "advancing event id sequence")
	}
	var id uint32
	if err := tx.QueryRowContext(ctx, `SELECT value FROM id_seq WHERE name = 'event'`).Scan(&id); err != nil {
		return 0, classify(err, "reading event id sequence")
	}
	return id, nil
}

const hydrateQuery = `
SELECT e.id, e.timestamp, i.value, m.value, a.value,
	COALESCE(o.value, ''), p.value,
	su.value, suc.value,
	COALESCE(si.value, ''), COALESCE(sm.value, ''), COALESCE(so.value, ''),
	COALESCE(mt.value, ''), COALESCE(tx.value, ''), COALESCE(st.value, '')
FROM event e
JOIN interpretation i  ON i.id  = e.interpretation
JOIN manifestation m   ON m.id  = e.manifestation
JOIN actor a           ON a.id  = e.actor
LEFT JOIN uri o        ON o.id  = e.origin
LEFT JOIN payload p    ON p.id  = e.payload
JOIN uri su            ON su.id = e.subj_id
JOIN uri suc           ON suc.id = e.subj_id_current
LEFT JOIN interpretation si ON si.id = e.subj_interpretation
LEFT JOIN manifestation sm  ON sm.id = e.subj_manifestation
LEFT JOIN uri so       ON so.id = e.subj_origin
LEFT JOIN mimetype mt  ON mt.id = e.subj_mimetype
LEFT JOIN text tx      ON tx.id = e.subj_text
LEFT JOIN storage st   ON st.id = e.subj_storage
WHERE e.id IN (%s)
ORDER BY e.id, e.rowid`

// Get hydrates events by id, preserving input order; unknown ids yield nil
// placeholders.
func (s *EventStore) Get(ctx context.Context, ids []uint32) ([]*storage.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(hydrateQuery, placeholders(len(ids))), args...)
	if err != nil {
		return nil, classify(err, "hydrating events")
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[uint32]*storage.Event)
	for rows.Next() {
		var (
			id      uint32
			ts      int64
			ev      storage.Event
			subj    storage.Subject
			payload []byte
		)
		if err := rows.Scan(
			&id, &ts, &ev.Interpretation, &ev.Manifestation, &ev.Actor,
			&ev.Origin, &payload,
			&subj.URI, &subj.CurrentURI,
			&subj.Interpretation, &subj.Manifestation, &subj.Origin,
			&subj.Mimetype, &subj.Text, &subj.Storage,
		); err != nil {
			return nil, classify(err, "scanning event row")
		}
		existing, ok := byID[id]
		if !ok {
			ev.ID = id
			ev.Timestamp = ts
			ev.Payload = payload
			ev.Subjects = []storage.Subject{subj}
			byID[id] = &ev
			continue
		}
		existing.Subjects = append(existing.Subjects, subj)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterating event rows")
	}

	out := make([]*storage.Event, len(ids))
	for i, id := range ids {
		out[i] = byID[id] // nil placeholder when missing
	}
	return out, nil
}

// Delete removes all rows for the given ids and returns the timestamp
// range actually affected. ok is false when nothing matched. Unknown ids
// are tolerated.
func (s *EventStore) Delete(ctx context.Context, ids []uint32) (storage.TimeRange, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.TimeRange{}, false, storage.ErrClosed
	}
	if len(ids) == 0 {
		return storage.TimeRange{}, false, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	ph := placeholders(len(ids))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.TimeRange{}, false, classify(err, "beginning delete transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var minTS, maxTS sql.NullInt64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT MIN(timestamp), MAX(timestamp) FROM event WHERE id IN (%s)`, ph), args...,
	).Scan(&minTS, &maxTS)
	if err != nil {
		return storage.TimeRange{}, false, classify(err, "computing deleted range")
	}
	if !minTS.Valid {
		return storage.TimeRange{}, false, nil
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM event WHERE id IN (%s)`, ph), args...); err != nil {
		return storage.TimeRange{}, false, classify(err, "deleting events")
	}
	if err := tx.Commit(); err != nil {
		return storage.TimeRange{}, false, classify(err, "committing delete")
	}

	// The cleanup triggers may have removed vocabulary rows; drain the
	// side channel before the next cache read.
	s.dirty = true

	// The deleted range is half-open like every other TimeRange.
	return storage.TimeRange{Begin: minTS.Int64, End: maxTS.Int64 + 1}, true, nil
}

// DeleteLog removes every event and vocabulary row. Event ids are not
// reused afterwards; the id sequence keeps counting.
func (s *EventStore) DeleteLog(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "beginning log deletion")
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"event", "uri", "interpretation", "manifestation", "actor", "mimetype", "text", "payload", "storage"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return classify(err, "clearing table "+table)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "committing log deletion")
	}

	s.resetCaches()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _vocab_removed`); err != nil {
		return classify(err, "clearing invalidation side-channel")
	}
	s.dirty = false
	return nil
}

// SetStorageMedium registers or updates a storage medium and its
// availability state.
func (s *EventStore) SetStorageMedium(ctx context.Context, value string, state storage.StorageState, icon, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO storage (value, state, icon, display_name) VALUES (?, ?, ?, ?)
ON CONFLICT(value) DO UPDATE SET state = excluded.state, icon = excluded.icon, display_name = excluded.display_name`,
		value, int(state), icon, displayName,
	)
	if err != nil {
		return classify(err, "updating storage medium")
	}
	return nil
}

// LastID returns the most recently assigned event id.
func (s *EventStore) LastID(ctx context.Context) (uint32, error) {
	var id uint32
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM id_seq WHERE name = 'event'`).Scan(&id); err != nil {
		return 0, classify(err, "reading id sequence")
	}
	return id, nil
}

// AllIDs returns every event id in ascending order. The FTS sidecar uses
// this to rebuild its index from the primary store.
func (s *EventStore) AllIDs(ctx context.Context) ([]uint32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT id FROM event ORDER BY id`)
	if err != nil {
		return nil, classify(err, "listing event ids")
	}
	defer func() { _ = rows.Close() }()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "scanning event id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterating event ids")
	}
	return ids, nil
}

// drainInvalidated applies pending vocabulary deletions recorded by the
// cleanup triggers to the intern caches.
func (s *EventStore) drainInvalidated(ctx context.Context) error {
	if !s.dirty {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tbl, id FROM _vocab_removed`)
	if err != nil {
		return classify(err, "reading invalidation side-channel")
	}
	defer func() { _ = rows.Close() }()

	tables := map[string]*internTable{
		"uri":            s.uris,
		"interpretation": s.interpretation,
		"manifestation":  s.manifestation,
		"actor":          s.actors,
		"mimetype":       s.mimetypes,
		"text":           s.texts,
		"storage":        s.storages,
	}
	for rows.Next() {
		var tbl string
		var id int64
		if err := rows.Scan(&tbl, &id); err != nil {
			return classify(err, "scanning invalidation row")
		}
		if t, ok := tables[tbl]; ok {
			t.invalidate(id)
		}
	}
	if err := rows.Err(); err != nil {
		return classify(err, "iterating invalidation rows")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM _vocab_removed`); err != nil {
		return classify(err, "clearing invalidation side-channel")
	}
	s.dirty = false
	return nil
}

func (s *EventStore) resetCaches() {
	s.uris = newInternTable("uri")
	s.interpretation = newInternTable("interpretation")
	s.manifestation = newInternTable("manifestation")
	s.actors = newInternTable("actor")
	s.mimetypes = newInternTable("mimetype")
	s.texts = newInternTable("text")
	s.storages = newInternTable("storage")
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

// classify wraps database errors with the matching taxonomy code.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return vestigeerr.Wrap(err, vestigeerr.CodeStoreDatabaseBusy, msg)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return vestigeerr.Wrap(err, vestigeerr.CodeStoreCorrupt, msg)
		}
	}
	return vestigeerr.Wrap(err, vestigeerr.CodeStoreDatabaseFailure, msg)
}

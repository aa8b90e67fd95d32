// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

// Package fts is the full-text sidecar of the event store: a secondary
// SQLite database holding one FTS5 document per event, maintained by a
// single background worker and eventually consistent with the primary
// store. A version stamp in the index metadata forces a rebuild from the
// primary store whenever the document format changes.
package fts

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vestige-dev/vestige/internal/ontology"
	"github.com/vestige-dev/vestige/internal/storage"
	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

// indexVersion stamps the document format. Any mismatch on open drops the
// index and rebuilds it from the primary store; there is no in-place
// migration of a text index.
const indexVersion = "1"

const indexFile = "fts.sqlite"

// matchAllTerm is written into every document's filter column so queries
// that only exclude (pure NOT, negated filters) have a left operand.
const matchAllTerm = "dc:all"

// Filter-term prefixes. Each template-filterable field gets its own
// prefix so boolean filters AND cleanly against the user's text query.
const (
	prefixEventInterpretation   = "ei:"
	prefixEventManifestation    = "em:"
	prefixActor                 = "ea:"
	prefixEventOrigin           = "eo:"
	prefixSubjectURI            = "su:"
	prefixSubjectInterpretation = "si:"
	prefixSubjectManifestation  = "sm:"
	prefixSubjectOrigin         = "so:"
	prefixSubjectMimetype       = "sx:"
	prefixSubjectStorage        = "ss:"
)

const indexDDL = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	event_id  INTEGER PRIMARY KEY,
	timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_timestamp ON documents(timestamp);

-- The tokenchars keep mangled URIs and prefixed filter terms whole; body
-- text is pre-tokenised in Go before it reaches the table.
CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
	body, filters,
	tokenize = "unicode61 tokenchars '_:.#-'"
);
`

// Index is the on-disk text index. The worker goroutine owns the writer
// connection and the in-flight transaction; searches run on a separate
// reader connection and only ever see flushed state.
type Index struct {
	dir string
	log *slog.Logger
	ont *ontology.Ontology

	writer *sql.DB
	reader *sql.DB
	tx     *sql.Tx // pending batch, nil between flushes

	apps *appInfoCache
}

// Available reports whether the sqlite driver carries the FTS5 module.
// mattn/go-sqlite3 only compiles it in under the sqlite_fts5 build tag;
// without it every index open fails and the engine runs without search.
func Available() bool {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return false
	}
	defer func() { _ = db.Close() }()
	_, err = db.Exec(`CREATE VIRTUAL TABLE fts5_check USING fts5(body)`)
	return err == nil
}

// openIndex opens (or creates) the index under dir. rebuild reports that
// the caller must replay the primary store into the index: the index was
// just created, carried a stale version, or was corrupt and recreated.
func openIndex(dir string, ont *ontology.Ontology, log *slog.Logger) (*Index, bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, vestigeerr.Wrap(err, vestigeerr.CodeIndexWriteFailure, "creating index directory")
	}
	path := filepath.Join(dir, indexFile)

	idx, rebuild, err := tryOpenIndex(path, dir, ont, log)
	if err != nil {
		// IndexCorrupt recovery: throw the file away and start from the
		// primary store. The primary store is unaffected.
		log.Warn("text index unusable, recreating", "path", path, "error", err)
		for _, f := range []string{path, path + "-wal", path + "-shm"} {
			if rmErr := os.Remove(f); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, false, vestigeerr.Wrap(rmErr, vestigeerr.CodeIndexCorrupt, "removing corrupt index")
			}
		}
		idx, _, err = tryOpenIndex(path, dir, ont, log)
		if err != nil {
			return nil, false, vestigeerr.Wrap(err, vestigeerr.CodeIndexCorrupt, "recreating text index")
		}
		rebuild = true
	}
	return idx, rebuild, nil
}

func tryOpenIndex(path, dir string, ont *ontology.Ontology, log *slog.Logger) (*Index, bool, error) {
	writer, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, false, fmt.Errorf("opening index writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, false, fmt.Errorf("pinging index: %w", err)
	}
	if _, err := writer.Exec(indexDDL); err != nil {
		_ = writer.Close()
		return nil, false, fmt.Errorf("applying index schema: %w", err)
	}

	rebuild, err := checkVersion(writer)
	if err != nil {
		_ = writer.Close()
		return nil, false, err
	}

	reader, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		_ = writer.Close()
		return nil, false, fmt.Errorf("opening index reader: %w", err)
	}

	return &Index{
		dir:    dir,
		log:    log,
		ont:    ont,
		writer: writer,
		reader: reader,
		apps:   newAppInfoCache(),
	}, rebuild, nil
}

// checkVersion stamps a fresh index and reports whether an existing one
// needs rebuilding.
func checkVersion(db *sql.DB) (bool, error) {
	var stored string
	err := db.QueryRow(`SELECT value FROM meta WHERE key = 'version'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec(`INSERT INTO meta (key, value) VALUES ('version', ?)`, indexVersion); err != nil {
			return false, fmt.Errorf("stamping index version: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("reading index version: %w", err)
	case stored != indexVersion:
		return true, nil
	}
	return false, nil
}

func (x *Index) close() error {
	if x.tx != nil {
		_ = x.tx.Rollback()
		x.tx = nil
	}
	rerr := x.reader.Close()
	werr := x.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// begin opens the pending batch transaction if none is open.
func (x *Index) begin() error {
	if x.tx != nil {
		return nil
	}
	tx, err := x.writer.Begin()
	if err != nil {
		return vestigeerr.Wrap(err, vestigeerr.CodeIndexWriteFailure, "beginning index batch")
	}
	x.tx = tx
	return nil
}

// flush commits the pending batch, making its documents visible to the
// read path.
func (x *Index) flush() error {
	if x.tx == nil {
		return nil
	}
	err := x.tx.Commit()
	x.tx = nil
	if err != nil {
		return vestigeerr.Wrap(err, vestigeerr.CodeIndexWriteFailure, "flushing index batch")
	}
	return nil
}

// addDocument writes (or replaces) the document for ev in the pending
// batch.
func (x *Index) addDocument(ev *storage.Event) error {
	if err := x.begin(); err != nil {
		return err
	}
	if err := x.removeInTx(ev.ID); err != nil {
		return err
	}

	body, filters := x.buildDocument(ev)
	if _, err := x.tx.Exec(
		`INSERT INTO documents (event_id, timestamp) VALUES (?, ?)`, ev.ID, ev.Timestamp,
	); err != nil {
		return vestigeerr.Wrap(err, vestigeerr.CodeIndexWriteFailure, "inserting document row", vestigeerr.FieldEventID(ev.ID))
	}
	if _, err := x.tx.Exec(
		`INSERT INTO documents_fts (rowid, body, filters) VALUES (?, ?, ?)`, ev.ID, body, filters,
	); err != nil {
		return vestigeerr.Wrap(err, vestigeerr.CodeIndexWriteFailure, "inserting document terms", vestigeerr.FieldEventID(ev.ID))
	}
	return nil
}

// removeDocument drops the document for id in the pending batch. Missing
// documents are tolerated.
func (x *Index) removeDocument(id uint32) error {
	if err := x.begin(); err != nil {
		return err
	}
	return x.removeInTx(id)
}

func (x *Index) removeInTx(id uint32) error {
	if _, err := x.tx.Exec(`DELETE FROM documents WHERE event_id = ?`, id); err != nil {
		return vestigeerr.Wrap(err, vestigeerr.CodeIndexWriteFailure, "deleting document row", vestigeerr.FieldEventID(id))
	}
	if _, err := x.tx.Exec(`DELETE FROM documents_fts WHERE rowid = ?`, id); err != nil {
		return vestigeerr.Wrap(err, vestigeerr.CodeIndexWriteFailure, "deleting document terms", vestigeerr.FieldEventID(id))
	}
	return nil
}

// recreate wipes every document and restamps the current version. The
// worker runs this at the head of a reindex.
func (x *Index) recreate() error {
	if x.tx != nil {
		_ = x.tx.Rollback()
		x.tx = nil
	}
	for _, stmt := range []string{
		`DELETE FROM documents`,
		`DELETE FROM documents_fts`,
		`INSERT INTO meta (key, value) VALUES ('version', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
	} {
		var err error
		if strings.Contains(stmt, "?") {
			_, err = x.writer.Exec(stmt, indexVersion)
		} else {
			_, err = x.writer.Exec(stmt)
		}
		if err != nil {
			return vestigeerr.Wrap(err, vestigeerr.CodeIndexWriteFailure, "recreating index")
		}
	}
	return nil
}

// buildDocument derives the body and filter terms for one event.
func (x *Index) buildDocument(ev *storage.Event) (body, filters string) {
	var bodyParts []string
	addWeighted := func(chunks []weightedText) {
		for _, c := range chunks {
			tokens := bodyTokens(c.text)
			for i := 0; i < c.weight; i++ {
				bodyParts = append(bodyParts, tokens...)
			}
		}
	}

	for i := range ev.Subjects {
		s := &ev.Subjects[i]
		addWeighted(uriBodyTokens(s.URI))
		if s.Text != "" {
			addWeighted([]weightedText{{text: s.Text, weight: 5}})
		}
	}
	if ev.Origin != "" {
		addWeighted(uriBodyTokens(ev.Origin))
	}
	if app := x.apps.lookup(ev.Actor); app != nil {
		addWeighted([]weightedText{
			{text: app.Name, weight: 5},
			{text: app.GenericName, weight: 3},
			{text: app.Comment, weight: 2},
		})
		for _, cat := range app.Categories {
			addWeighted([]weightedText{{text: cat, weight: 1}})
		}
	}

	filterTerms := []string{matchAllTerm}
	addFilter := func(prefix, value string) {
		if value != "" {
			filterTerms = append(filterTerms, capTerm(prefix+mangleURI(value)))
		}
	}
	addFilter(prefixEventInterpretation, ev.Interpretation)
	addFilter(prefixEventManifestation, ev.Manifestation)
	addFilter(prefixActor, ev.Actor)
	addFilter(prefixEventOrigin, ev.Origin)
	for i := range ev.Subjects {
		s := &ev.Subjects[i]
		addFilter(prefixSubjectURI, s.URI)
		addFilter(prefixSubjectInterpretation, s.Interpretation)
		addFilter(prefixSubjectManifestation, s.Manifestation)
		addFilter(prefixSubjectOrigin, s.Origin)
		addFilter(prefixSubjectMimetype, s.Mimetype)
		addFilter(prefixSubjectStorage, s.Storage)
	}

	return strings.Join(bodyParts, " "), strings.Join(filterTerms, " ")
}

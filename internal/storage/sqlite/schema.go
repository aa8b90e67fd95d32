// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package sqlite

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// coreSchemaVersion is the version the compiled DDL produces. Bump it and
// append to migrations when the schema changes.
const (
	coreSchemaName    = "core"
	coreSchemaVersion = 1

	// migrationInProgress marks a migration that started but never
	// finished; on open it triggers a restore from the backup copy.
	migrationInProgress = -1
)

const coreDDL = `
CREATE TABLE IF NOT EXISTS uri (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	value VARCHAR UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS interpretation (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	value VARCHAR UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS manifestation (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	value VARCHAR UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS actor (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	value VARCHAR UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS mimetype (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	value VARCHAR UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS text (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	value VARCHAR UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS payload (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS storage (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	value        VARCHAR UNIQUE NOT NULL,
	state        INTEGER NOT NULL DEFAULT 1,
	icon         VARCHAR NOT NULL DEFAULT '',
	display_name VARCHAR NOT NULL DEFAULT ''
);

-- One row per (event, subject) pair. Referential integrity against the
-- vocabulary tables is enforced by the temp triggers installed at open,
-- not by foreign keys.
CREATE TABLE IF NOT EXISTS event (
	id                  INTEGER NOT NULL,
	timestamp           INTEGER NOT NULL,
	interpretation      INTEGER NOT NULL,
	manifestation       INTEGER NOT NULL,
	actor               INTEGER NOT NULL,
	origin              INTEGER,
	payload             INTEGER,
	subj_id             INTEGER NOT NULL,
	subj_id_current     INTEGER NOT NULL,
	subj_interpretation INTEGER,
	subj_manifestation  INTEGER,
	subj_origin         INTEGER,
	subj_mimetype       INTEGER,
	subj_text           INTEGER,
	subj_storage        INTEGER,
	CONSTRAINT unique_event UNIQUE (timestamp, interpretation, manifestation, actor, subj_id)
);

CREATE INDEX IF NOT EXISTS event_id             ON event(id);
CREATE INDEX IF NOT EXISTS event_timestamp      ON event(timestamp);
CREATE INDEX IF NOT EXISTS event_interpretation ON event(interpretation);
CREATE INDEX IF NOT EXISTS event_actor          ON event(actor);
CREATE INDEX IF NOT EXISTS event_subj_id        ON event(subj_id);
CREATE INDEX IF NOT EXISTS event_subj_id_current ON event(subj_id_current);

CREATE TABLE IF NOT EXISTS schema_version (
	schema  VARCHAR PRIMARY KEY,
	version INTEGER NOT NULL
);

-- Event ids come from this sequence and are never reused, even after the
-- events they named are deleted.
CREATE TABLE IF NOT EXISTS id_seq (
	name  VARCHAR PRIMARY KEY,
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO id_seq (name, value) VALUES ('event', 0);
`

// sessionDDL is re-run on every open. The invalidation side-channel and
// the orphan-cleanup triggers are TEMP objects: a non-temp trigger cannot
// write to a temp table, and the store holds a single connection anyway.
const sessionDDL = `
CREATE TEMP TABLE IF NOT EXISTS _vocab_removed (
	tbl VARCHAR NOT NULL,
	id  INTEGER NOT NULL
);

CREATE TEMP TRIGGER IF NOT EXISTS fkdc_event_interpretation
AFTER DELETE ON event
WHEN (SELECT COUNT(*) FROM event WHERE interpretation = OLD.interpretation OR subj_interpretation = OLD.interpretation) = 0
BEGIN
	DELETE FROM interpretation WHERE id = OLD.interpretation;
	INSERT INTO _vocab_removed (tbl, id) VALUES ('interpretation', OLD.interpretation);
END;

CREATE TEMP TRIGGER IF NOT EXISTS fkdc_event_subj_interpretation
AFTER DELETE ON event
WHEN OLD.subj_interpretation IS NOT NULL AND (SELECT COUNT(*) FROM event WHERE interpretation = OLD.subj_interpretation OR subj_interpretation = OLD.subj_interpretation) = 0
BEGIN
	DELETE FROM interpretation WHERE id = OLD.subj_interpretation;
	INSERT INTO _vocab_removed (tbl, id) VALUES ('interpretation', OLD.subj_interpretation);
END;

CREATE TEMP TRIGGER IF NOT EXISTS fkdc_event_manifestation
AFTER DELETE ON event
WHEN (SELECT COUNT(*) FROM event WHERE manifestation = OLD.manifestation OR subj_manifestation = OLD.manifestation) = 0
BEGIN
	DELETE FROM manifestation WHERE id = OLD.manifestation;
	INSERT INTO _vocab_removed (tbl, id) VALUES ('manifestation', OLD.manifestation);
END;

CREATE TEMP TRIGGER IF NOT EXISTS fkdc_event_subj_manifestation
AFTER DELETE ON event
WHEN OLD.subj_manifestation IS NOT NULL AND (SELECT COUNT(*) FROM event WHERE manifestation = OLD.subj_manifestation OR subj_manifestation = OLD.subj_manifestation) = 0
BEGIN
	DELETE FROM manifestation WHERE id = OLD.subj_manifestation;
	INSERT INTO _vocab_removed (tbl, id) VALUES ('manifestation', OLD.subj_manifestation);
END;

CREATE TEMP TRIGGER IF NOT EXISTS fkdc_event_actor
AFTER DELETE ON event
WHEN (SELECT COUNT(*) FROM event WHERE actor = OLD.actor) = 0
BEGIN
	DELETE FROM actor WHERE id = OLD.actor;
	INSERT INTO _vocab_removed (tbl, id) VALUES ('actor', OLD.actor);
END;

CREATE TEMP TRIGGER IF NOT EXISTS fkdc_event_origin
AFTER DELETE ON event
WHEN OLD.origin IS NOT NULL AND (SELECT COUNT(*) FROM event WHERE origin = OLD.origin OR subj_id = OLD.origin OR subj_id_current = OLD.origin OR subj_origin = OLD.origin) = 0
BEGIN
	DELETE FROM uri WHERE id = OLD.origin;
	INSERT INTO _vocab_removed (tbl, id) VALUES ('uri', OLD.origin);
END;

CREATE TEMP TRIGGER IF NOT EXISTS fkdc_event_subj_id
AFTER DELETE ON event
WHEN (SELECT COUNT(*) FROM event WHERE origin = OLD.subj_id OR subj_id = OLD.subj_id OR subj_id_current = OLD.subj_id OR subj_origin = OLD.subj_id) = 0
BEGIN
	DELETE FROM uri WHERE id = OLD.subj_id;
	INSERT INTO _vocab_removed (tbl, id) VALUES ('uri', OLD.subj_id);
END;

CREATE TEMP TRIGGER IF NOT EXISTS fkdc_event_subj_id_current
AFTER DELETE ON event
WHEN (SELECT COUNT(*) FROM event WHERE origin = OLD.subj_id_current OR subj_id = OLD.subj_id_current OR subj_id_current = OLD.subj_id_current OR subj_origin = OLD.subj_id_current) = 0
BEGIN
	DELETE FROM uri WHERE id = OLD.subj_id_current;
	INSERT INTO _vocab_removed (tbl, id) VALUES ('uri', OLD.subj_id_current);
END;

CREATE TEMP TRIGGER IF NOT EXISTS fkdc_event_subj_origin
AFTER DELETE ON event
WHEN OLD.subj_origin IS NOT NULL AND (SELECT COUNT(*) FROM event WHERE origin = OLD.subj_origin OR subj_id = OLD.subj_origin OR subj_id_current = OLD.subj_origin OR subj_origin = OLD.subj_origin) = 0
BEGIN
	DELETE FROM uri WHERE id = OLD.subj_origin;
	INSERT INTO _vocab_removed (tbl, id) VALUES ('uri', OLD.subj_origin);
END;

CREATE TEMP TRIGGER IF NOT EXISTS fkdc_event_subj_mimetype
AFTER DELETE ON event
WHEN OLD.subj_mimetype IS NOT NULL AND (SELECT COUNT(*) FROM event WHERE subj_mimetype = OLD.subj_mimetype) = 0
BEGIN
	DELETE FROM mimetype WHERE id = OLD.subj_mimetype;
	INSERT INTO _vocab_removed (tbl, id) VALUES ('mimetype', OLD.subj_mimetype);
END;

CREATE TEMP TRIGGER IF NOT EXISTS fkdc_event_subj_text
AFTER DELETE ON event
WHEN OLD.subj_text IS NOT NULL AND (SELECT COUNT(*) FROM event WHERE subj_text = OLD.subj_text) = 0
BEGIN
	DELETE FROM text WHERE id = OLD.subj_text;
	INSERT INTO _vocab_removed (tbl, id) VALUES ('text', OLD.subj_text);
END;

CREATE TEMP TRIGGER IF NOT EXISTS fkdc_event_payload
AFTER DELETE ON event
WHEN OLD.payload IS NOT NULL AND (SELECT COUNT(*) FROM event WHERE payload = OLD.payload) = 0
BEGIN
	DELETE FROM payload WHERE id = OLD.payload;
END;
`

// migrations maps a stored version to the step that raises it by one.
// Version 1 is the first shipped schema, so the map starts empty; add
// steps here when coreSchemaVersion grows.
var migrations = map[int]func(*sql.Tx) error{}

// errCrashedMigration reports a migration that was interrupted midway.
// The caller must close the connection, restore the backup file, and
// reopen before retrying.
var errCrashedMigration = fmt.Errorf("interrupted schema migration")

// migrate brings the database at dbPath up to coreSchemaVersion. A backup
// copy of the file is taken before any step runs; the in-progress marker
// plus the backup let a crashed migration roll back on the next open.
func migrate(db *sql.DB, dbPath string, log *slog.Logger) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}

	backupPath := dbPath + ".bck"

	if version == migrationInProgress {
		return errCrashedMigration
	}

	switch {
	case version == coreSchemaVersion:
		return nil
	case version > coreSchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, coreSchemaVersion)
	case version == 0:
		// Fresh install: the DDL above already created the current
		// schema, just stamp it.
		return setSchemaVersion(db, coreSchemaVersion)
	}

	log.Info("migrating database schema", "from", version, "to", coreSchemaVersion)

	if err := copyFile(dbPath, backupPath); err != nil {
		return fmt.Errorf("creating migration backup: %w", err)
	}
	if err := setSchemaVersion(db, migrationInProgress); err != nil {
		return err
	}

	for v := version; v < coreSchemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return fmt.Errorf("no migration step from schema version %d", v)
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration from version %d: %w", v, err)
		}
		if err := step(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrating from version %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration from version %d: %w", v, err)
		}
	}

	if err := setSchemaVersion(db, coreSchemaVersion); err != nil {
		return err
	}
	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		log.Warn("could not remove migration backup", "backup", backupPath, "error", err)
	}
	return nil
}

// schemaVersion returns the stored core schema version, 0 when the row is
// missing (fresh database).
func schemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT version FROM schema_version WHERE schema = ?`, coreSchemaName).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(
		`INSERT INTO schema_version (schema, version) VALUES (?, ?)
		ON CONFLICT(schema) DO UPDATE SET version = excluded.version`,
		coreSchemaName, version,
	)
	if err != nil {
		return fmt.Errorf("stamping schema version %d: %w", version, err)
	}
	return nil
}

// restoreBackup replaces the database file with the backup taken at
// migration start. The connection must already be closed.
func restoreBackup(dbPath, backupPath string) error {
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("migration backup missing: %w", err)
	}
	// A half-finished migration may have left WAL artifacts behind; the
	// restored file predates them.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", dbPath+suffix, err)
		}
	}
	if err := copyFile(backupPath, dbPath); err != nil {
		return err
	}
	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing restored backup: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("syncing %s: %w", dst, err)
	}
	return out.Close()
}

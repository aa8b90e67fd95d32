// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package sqlite

import (
	"database/sql"
	"fmt"
)

// internTable deduplicates string values into small integer ids. A
// process-local cache mirrors the table; it is only coherent under the
// store's single-writer mutex. The orphan-cleanup triggers write deleted
// ids into the _vocab_removed temp table; drainInvalidated must run before
// any cache read that follows a delete so stale ids are never handed out.
type internTable struct {
	name  string
	byVal map[string]int64
	byID  map[int64]string
}

func newInternTable(name string) *internTable {
	return &internTable{
		name:  name,
		byVal: make(map[string]int64),
		byID:  make(map[int64]string),
	}
}

// id returns the interned id of value, inserting the row if absent.
func (t *internTable) id(q querier, value string) (int64, error) {
	if id, ok := t.byVal[value]; ok {
		return id, nil
	}

	// INSERT OR IGNORE plus SELECT keeps this idempotent without
	// last-insert-id ambiguity on the ignore path.
	if _, err := q.Exec(fmt.Sprintf(`INSERT OR IGNORE INTO %s (value) VALUES (?)`, t.name), value); err != nil {
		return 0, fmt.Errorf("interning into %s: %w", t.name, err)
	}
	var id int64
	if err := q.QueryRow(fmt.Sprintf(`SELECT id FROM %s WHERE value = ?`, t.name), value).Scan(&id); err != nil {
		return 0, fmt.Errorf("reading interned id from %s: %w", t.name, err)
	}
	t.byVal[value] = id
	t.byID[id] = value
	return id, nil
}

// lookup returns the id of value without creating it. ok is false when the
// value was never interned.
func (t *internTable) lookup(q querier, value string) (int64, bool, error) {
	if id, ok := t.byVal[value]; ok {
		return id, true, nil
	}
	var id int64
	err := q.QueryRow(fmt.Sprintf(`SELECT id FROM %s WHERE value = ?`, t.name), value).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up %q in %s: %w", value, t.name, err)
	}
	t.byVal[value] = id
	t.byID[id] = value
	return id, true, nil
}

// lookupMany maps values to existing ids, skipping ones never interned.
func (t *internTable) lookupMany(q querier, values []string) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		id, ok, err := t.lookup(q, v)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (t *internTable) invalidate(id int64) {
	if value, ok := t.byID[id]; ok {
		delete(t.byVal, value)
		delete(t.byID, id)
	}
}

// querier abstracts *sql.DB and *sql.Tx for intern lookups.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

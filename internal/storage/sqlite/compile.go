// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package sqlite

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vestige-dev/vestige/internal/storage"
)

// coalesceOverfetch is the factor by which a coalescing query over-fetches
// so the shaper can still fill the caller's limit after grouping.
const coalesceOverfetch = 3

// candidate is one raw row out of a compiled find statement: the event id,
// its timestamp, and the two possible grouping keys.
type candidate struct {
	id      uint32
	ts      int64
	subjID  int64
	actorID int64
}

// compileFind translates a structured query into one parameterised SQL
// statement over the event table. Templates OR together; fields within a
// template AND; a template subject matches if any event subject does,
// which the one-row-per-subject layout gives for free.
func (s *EventStore) compileFind(tr storage.TimeRange, templates []*storage.Event, state storage.StorageState, limit int, rt storage.ResultType) (string, []any, error) {
	var conds []string
	var args []any

	conds = append(conds, "e.timestamp >= ? AND e.timestamp < ?")
	args = append(args, tr.Begin, tr.End)

	if cond, condArgs, err := s.compileTemplates(templates); err != nil {
		return "", nil, err
	} else if cond != "" {
		conds = append(conds, cond)
		args = append(args, condArgs...)
	}

	switch state {
	case storage.StorageAvailable:
		conds = append(conds, "(e.subj_storage IS NULL OR e.subj_storage IN (SELECT id FROM storage WHERE state = ?))")
		args = append(args, int(storage.StorageAvailable))
	case storage.StorageNotAvailable:
		conds = append(conds, "e.subj_storage IN (SELECT id FROM storage WHERE state = ?)")
		args = append(args, int(storage.StorageNotAvailable))
	}

	order := "e.timestamp DESC, e.id DESC"
	if rt.Ascending() {
		order = "e.timestamp ASC, e.id ASC"
	}

	// Coalescing needs the per-(event, subject) rows for grouping. For
	// plain result types a multi-subject event would eat limit slots,
	// so collapse to one row per event before the LIMIT applies.
	cols := "e.id, e.timestamp, e.subj_id, e.actor"
	if !rt.Coalesces() {
		cols = "DISTINCT e.id, e.timestamp"
	}

	sql := fmt.Sprintf(
		"SELECT %s FROM event e WHERE %s ORDER BY %s",
		cols, strings.Join(conds, " AND "), order,
	)
	if limit > 0 {
		fetch := limit
		if rt.Coalesces() {
			fetch *= coalesceOverfetch
		}
		sql += " LIMIT ?"
		args = append(args, fetch)
	}
	return sql, args, nil
}

func (s *EventStore) compileTemplates(templates []*storage.Event) (string, []any, error) {
	if len(templates) == 0 {
		return "", nil, nil
	}

	var alts []string
	var args []any
	for _, tmpl := range templates {
		cond, condArgs, err := s.compileTemplate(tmpl)
		if err != nil {
			return "", nil, err
		}
		if cond == "" {
			// An unconstrained template matches everything, which makes
			// the whole disjunction vacuous.
			return "", nil, nil
		}
		alts = append(alts, cond)
		args = append(args, condArgs...)
	}
	if len(alts) == 1 {
		return alts[0], args, nil
	}
	return "(" + strings.Join(alts, " OR ") + ")", args, nil
}

func (s *EventStore) compileTemplate(tmpl *storage.Event) (string, []any, error) {
	var conds []string
	var args []any

	add := func(cond string, condArgs []any) {
		if cond != "" {
			conds = append(conds, cond)
			args = append(args, condArgs...)
		}
	}

	cond, condArgs, err := s.symbolCond("e.interpretation", s.interpretation, tmpl.Interpretation)
	if err != nil {
		return "", nil, err
	}
	add(cond, condArgs)

	cond, condArgs, err = s.symbolCond("e.manifestation", s.manifestation, tmpl.Manifestation)
	if err != nil {
		return "", nil, err
	}
	add(cond, condArgs)

	cond, condArgs, err = s.valueCond("e.actor", s.actors, tmpl.Actor)
	if err != nil {
		return "", nil, err
	}
	add(cond, condArgs)

	cond, condArgs, err = s.valueCond("e.origin", s.uris, tmpl.Origin)
	if err != nil {
		return "", nil, err
	}
	add(cond, condArgs)

	if len(tmpl.Subjects) > 0 {
		var subjAlts []string
		var subjArgs []any
		for i := range tmpl.Subjects {
			subjCond, condArgs, err := s.compileSubject(&tmpl.Subjects[i])
			if err != nil {
				return "", nil, err
			}
			if subjCond == "" {
				// One unconstrained subject template makes the subject
				// disjunction vacuous.
				subjAlts = nil
				subjArgs = nil
				break
			}
			subjAlts = append(subjAlts, subjCond)
			subjArgs = append(subjArgs, condArgs...)
		}
		if len(subjAlts) == 1 {
			conds = append(conds, subjAlts[0])
			args = append(args, subjArgs...)
		} else if len(subjAlts) > 1 {
			conds = append(conds, "("+strings.Join(subjAlts, " OR ")+")")
			args = append(args, subjArgs...)
		}
	}

	if len(conds) == 0 {
		return "", nil, nil
	}
	return "(" + strings.Join(conds, " AND ") + ")", args, nil
}

func (s *EventStore) compileSubject(tmpl *storage.Subject) (string, []any, error) {
	var conds []string
	var args []any

	add := func(cond string, condArgs []any, err error) error {
		if err != nil {
			return err
		}
		if cond != "" {
			conds = append(conds, cond)
			args = append(args, condArgs...)
		}
		return nil
	}

	if err := add(s.valueCondTable("e.subj_id", "uri", tmpl.URI)); err != nil {
		return "", nil, err
	}
	if err := add(s.valueCondTable("e.subj_id_current", "uri", tmpl.CurrentURI)); err != nil {
		return "", nil, err
	}
	cond, condArgs, err := s.symbolCond("e.subj_interpretation", s.interpretation, tmpl.Interpretation)
	if err := add(cond, condArgs, err); err != nil {
		return "", nil, err
	}
	cond, condArgs, err = s.symbolCond("e.subj_manifestation", s.manifestation, tmpl.Manifestation)
	if err := add(cond, condArgs, err); err != nil {
		return "", nil, err
	}
	if err := add(s.valueCondTable("e.subj_origin", "uri", tmpl.Origin)); err != nil {
		return "", nil, err
	}
	if err := add(s.valueCondTable("e.subj_mimetype", "mimetype", tmpl.Mimetype)); err != nil {
		return "", nil, err
	}
	if err := add(s.valueCondTable("e.subj_text", "text", tmpl.Text)); err != nil {
		return "", nil, err
	}
	if err := add(s.valueCondTable("e.subj_storage", "storage", tmpl.Storage)); err != nil {
		return "", nil, err
	}

	if len(conds) == 0 {
		return "", nil, nil
	}
	return "(" + strings.Join(conds, " AND ") + ")", args, nil
}

// symbolCond compiles a hierarchical vocabulary field: the value matches
// its whole subtree, expanded to a disjunction of interned ids.
func (s *EventStore) symbolCond(col string, table *internTable, raw string) (string, []any, error) {
	f := storage.ParseField(raw)
	if !f.Set() {
		return "", nil, nil
	}

	ids, err := table.lookupMany(s.db, s.ont.Subtree(f.Value))
	if err != nil {
		return "", nil, err
	}

	if len(ids) == 0 {
		if f.Negated {
			// Nothing to exclude.
			return "", nil, nil
		}
		return "0", nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	in := fmt.Sprintf("%s IN (%s)", col, placeholders(len(ids)))
	if f.Negated {
		return fmt.Sprintf("(%s IS NULL OR NOT %s)", col, in), args, nil
	}
	return in, args, nil
}

// valueCond compiles a flat field against a cached intern table.
func (s *EventStore) valueCond(col string, table *internTable, raw string) (string, []any, error) {
	f := storage.ParseField(raw)
	if !f.Set() {
		return "", nil, nil
	}
	if f.Prefix {
		return s.prefixCond(col, table.name, f)
	}

	id, ok, err := table.lookup(s.db, f.Value)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		if f.Negated {
			return "", nil, nil
		}
		return "0", nil, nil
	}
	if f.Negated {
		return fmt.Sprintf("(%s IS NULL OR %s != ?)", col, col), []any{id}, nil
	}
	return col + " = ?", []any{id}, nil
}

// valueCondTable is valueCond for columns whose vocabulary is addressed by
// table name (subject fields share the uri table with event origin).
func (s *EventStore) valueCondTable(col, tableName string, raw string) (string, []any, error) {
	switch tableName {
	case "uri":
		return s.valueCond(col, s.uris, raw)
	case "mimetype":
		return s.valueCond(col, s.mimetypes, raw)
	case "text":
		return s.valueCond(col, s.texts, raw)
	case "storage":
		return s.valueCond(col, s.storages, raw)
	default:
		return "", nil, fmt.Errorf("unknown vocabulary table %q", tableName)
	}
}

// prefixCond compiles a prefix match to a half-open value range over the
// vocabulary table. The empty prefix matches all rows.
func (s *EventStore) prefixCond(col, tableName string, f storage.Field) (string, []any, error) {
	var in string
	var args []any
	switch {
	case f.Value == "":
		in = "1"
	case succ(f.Value) == "":
		// No successor exists; the range is open-ended above.
		in = fmt.Sprintf("%s IN (SELECT id FROM %s WHERE value >= ?)", col, tableName)
		args = []any{f.Value}
	default:
		in = fmt.Sprintf("%s IN (SELECT id FROM %s WHERE value >= ? AND value < ?)", col, tableName)
		args = []any{f.Value, succ(f.Value)}
	}
	if f.Negated {
		return fmt.Sprintf("(%s IS NULL OR NOT %s)", col, in), args, nil
	}
	if in == "1" {
		return "", nil, nil
	}
	return in, args, nil
}

// succ returns the smallest string greater than every string with prefix
// p: the last code point is incremented, recursing on the shortened prefix
// when it is already the maximum. Incrementing must not land in the
// surrogate range, which cannot be encoded. The empty result means
// "no upper bound".
func succ(p string) string {
	runes := []rune(p)
	for len(runes) > 0 {
		r := runes[len(runes)-1]
		if r < utf8.MaxRune {
			if r == 0xD7FF {
				runes[len(runes)-1] = 0xE000
			} else {
				runes[len(runes)-1] = r + 1
			}
			return string(runes)
		}
		runes = runes[:len(runes)-1]
	}
	return ""
}

// FindIDs runs a structured query and returns matching event ids shaped by
// the result type. A limit of 0 means unlimited.
func (s *EventStore) FindIDs(ctx context.Context, tr storage.TimeRange, templates []*storage.Event, state storage.StorageState, limit int, rt storage.ResultType) ([]uint32, error) {
	if err := storage.ValidateQuery(limit, rt); err != nil {
		return nil, err
	}
	if tr.Empty() {
		return nil, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, storage.ErrClosed
	}
	if err := s.drainInvalidated(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	query, args, err := s.compileFind(tr, templates, state, limit, rt)
	s.mu.Unlock()
	if err != nil {
		return nil, classify(err, "compiling query")
	}

	if s.debug {
		s.logQueryPlan(ctx, query, args)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "running find query")
	}
	defer func() { _ = rows.Close() }()

	var cands []candidate
	for rows.Next() {
		var c candidate
		var scanErr error
		if rt.Coalesces() {
			scanErr = rows.Scan(&c.id, &c.ts, &c.subjID, &c.actorID)
		} else {
			scanErr = rows.Scan(&c.id, &c.ts)
		}
		if scanErr != nil {
			return nil, classify(scanErr, "scanning candidate row")
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterating candidate rows")
	}

	return shape(cands, rt, limit), nil
}

// FindEvents is FindIDs followed by hydration.
func (s *EventStore) FindEvents(ctx context.Context, tr storage.TimeRange, templates []*storage.Event, state storage.StorageState, limit int, rt storage.ResultType) ([]*storage.Event, error) {
	ids, err := s.FindIDs(ctx, tr, templates, state, limit, rt)
	if err != nil {
		return nil, err
	}
	events, err := s.Get(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, ev := range events {
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *EventStore) logQueryPlan(ctx context.Context, query string, args []any) {
	log := s.log.With("logger", "vestige.query")
	rows, err := s.db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query, args...)
	if err != nil {
		log.Debug("query plan unavailable", "error", err)
		return
	}
	defer func() { _ = rows.Close() }()

	var plan []string
	for rows.Next() {
		var id, parent, unused int
		var detail string
		if err := rows.Scan(&id, &parent, &unused, &detail); err != nil {
			log.Debug("query plan scan failed", "error", err)
			return
		}
		plan = append(plan, detail)
	}
	log.Debug("compiled find statement", "sql", query, "plan", strings.Join(plan, "; "))
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package fts

import (
	"context"
	"fmt"
	"strings"

	"github.com/vestige-dev/vestige/internal/storage"
	vestigeerr "github.com/vestige-dev/vestige/pkg/errors"
)

// searchOverfetch mirrors the primary store: coalescing result types pull
// extra candidates so grouping can still fill the caller's limit.
const searchOverfetch = 3

// Search runs a full-text query against the index and returns candidate
// event ids plus the total hit count. Relevancy keeps the engine's
// ranking; every other result type sorts by timestamp descending before
// the first page is cut, so paging never re-sorts relevance-ranked hits.
func (x *Index) search(ctx context.Context, text string, tr storage.TimeRange, templates []*storage.Event, offset, limit int, rt storage.ResultType) ([]uint32, uint32, error) {
	match, err := x.compileMatch(text, templates)
	if err != nil {
		return nil, 0, err
	}

	var count uint32
	err = x.reader.QueryRowContext(ctx, `
SELECT COUNT(*) FROM documents_fts f
JOIN documents d ON d.event_id = f.rowid
WHERE documents_fts MATCH ? AND d.timestamp >= ? AND d.timestamp < ?`,
		match, tr.Begin, tr.End,
	).Scan(&count)
	if err != nil {
		return nil, 0, vestigeerr.Wrap(err, vestigeerr.CodeIndexSearchFailure, "counting hits")
	}

	order := "d.timestamp DESC, f.rowid DESC"
	if rt == storage.Relevancy {
		order = "bm25(documents_fts), f.rowid DESC"
	}

	fetch := limit
	if limit > 0 && rt.Coalesces() {
		fetch = limit * searchOverfetch
	}
	query := fmt.Sprintf(`
SELECT f.rowid FROM documents_fts f
JOIN documents d ON d.event_id = f.rowid
WHERE documents_fts MATCH ? AND d.timestamp >= ? AND d.timestamp < ?
ORDER BY %s`, order)
	args := []any{match, tr.Begin, tr.End}
	if fetch > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, fetch, offset)
	} else if offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}

	rows, err := x.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, vestigeerr.Wrap(err, vestigeerr.CodeIndexSearchFailure, "running text query")
	}
	defer func() { _ = rows.Close() }()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, 0, vestigeerr.Wrap(err, vestigeerr.CodeIndexSearchFailure, "scanning hit")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, vestigeerr.Wrap(err, vestigeerr.CodeIndexSearchFailure, "iterating hits")
	}
	return ids, count, nil
}

// compileMatch builds the FTS5 MATCH expression: the parsed user text
// ANDed with the boolean form of the filter templates, using the same
// prefixes the indexer writes.
func (x *Index) compileMatch(text string, templates []*storage.Event) (string, error) {
	userExpr := compileUserText(text)
	filterExpr := x.compileFilters(templates)

	switch {
	case userExpr == "" && filterExpr == "":
		return matchAllExpr(), nil
	case userExpr == "":
		return filterExpr, nil
	case filterExpr == "":
		return userExpr, nil
	default:
		return "(" + userExpr + ") AND (" + filterExpr + ")", nil
	}
}

func matchAllExpr() string {
	return `filters : "` + matchAllTerm + `"`
}

// compileUserText translates the user's query into FTS5 syntax. Supported
// forms: bare terms (implicit AND), quoted phrases, AND/OR/NOT operators,
// love/hate prefixes (+term, -term), and trailing-star wildcards. A query
// that only excludes is anchored on the match-all term.
func compileUserText(text string) string {
	tokens := splitQuery(text)
	if len(tokens) == 0 {
		return ""
	}

	var parts []string
	pendingOp := ""

	emit := func(expr string, negated bool) {
		op := pendingOp
		pendingOp = ""
		if negated {
			op = "NOT"
		}
		if len(parts) == 0 {
			if op == "NOT" {
				parts = append(parts, matchAllExpr(), "NOT", expr)
				return
			}
			parts = append(parts, expr)
			return
		}
		if op == "" {
			op = "AND"
		}
		parts = append(parts, op, expr)
	}

	for _, tok := range tokens {
		switch strings.ToUpper(tok) {
		case "AND", "OR":
			if len(parts) > 0 {
				pendingOp = strings.ToUpper(tok)
			}
			continue
		case "NOT":
			pendingOp = "NOT"
			continue
		}

		negated := false
		if strings.HasPrefix(tok, "-") {
			negated = true
			tok = tok[1:]
		} else if strings.HasPrefix(tok, "+") {
			tok = tok[1:]
		}
		if pendingOp == "NOT" {
			negated = true
			pendingOp = ""
		}
		if tok == "" {
			continue
		}

		if strings.HasPrefix(tok, `"`) {
			phrase := sanitizeTerm(strings.Trim(tok, `"`))
			if phrase == "" {
				continue
			}
			emit(`body : "`+fold(phrase)+`"`, negated)
			continue
		}

		wildcard := strings.HasSuffix(tok, "*")
		term := sanitizeTerm(strings.TrimSuffix(tok, "*"))
		if term == "" {
			continue
		}
		expr := `body : "` + fold(term) + `"`
		if wildcard {
			expr += " *"
		}
		emit(expr, negated)
	}

	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " ")
}

// splitQuery breaks the raw query into tokens, keeping quoted phrases
// together (with their quotes) and respecting +/- prefixes.
func splitQuery(text string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	for _, r := range text {
		switch {
		case r == '"':
			cur.WriteRune(r)
			if inQuote {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// sanitizeTerm strips characters with FTS5 syntax meaning out of a term.
func sanitizeTerm(term string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '"', '(', ')', '*', '^':
			return -1
		}
		return r
	}, term)
}

// compileFilters turns filter templates into a boolean expression over
// the prefixed filter terms: fields AND within a template, templates OR
// together, hierarchical fields expand to their subtree.
func (x *Index) compileFilters(templates []*storage.Event) string {
	var alts []string
	for _, tmpl := range templates {
		expr := x.compileFilterTemplate(tmpl)
		if expr == "" {
			// One unconstrained template matches everything.
			return ""
		}
		alts = append(alts, expr)
	}
	if len(alts) == 0 {
		return ""
	}
	if len(alts) == 1 {
		return alts[0]
	}
	return "(" + strings.Join(alts, ") OR (") + ")"
}

func (x *Index) compileFilterTemplate(tmpl *storage.Event) string {
	var positive, negative []string

	add := func(prefix, raw string, hierarchical bool) {
		f := storage.ParseField(raw)
		if f.Value == "" {
			return
		}
		var expr string
		switch {
		case hierarchical:
			var terms []string
			for _, sym := range x.ont.Subtree(f.Value) {
				terms = append(terms, filterTermExpr(prefix, sym, false))
			}
			expr = terms[0]
			if len(terms) > 1 {
				expr = "(" + strings.Join(terms, " OR ") + ")"
			}
		default:
			expr = filterTermExpr(prefix, f.Value, f.Prefix)
		}
		if f.Negated {
			negative = append(negative, expr)
		} else {
			positive = append(positive, expr)
		}
	}

	add(prefixEventInterpretation, tmpl.Interpretation, true)
	add(prefixEventManifestation, tmpl.Manifestation, true)
	add(prefixActor, tmpl.Actor, false)
	add(prefixEventOrigin, tmpl.Origin, false)

	var subjAlts []string
	for i := range tmpl.Subjects {
		savedPos, savedNeg := positive, negative
		positive, negative = nil, nil

		s := &tmpl.Subjects[i]
		add(prefixSubjectURI, s.URI, false)
		add(prefixSubjectInterpretation, s.Interpretation, true)
		add(prefixSubjectManifestation, s.Manifestation, true)
		add(prefixSubjectOrigin, s.Origin, false)
		add(prefixSubjectMimetype, s.Mimetype, false)
		add(prefixSubjectStorage, s.Storage, false)

		subjExpr := combineTerms(positive, negative)
		positive, negative = savedPos, savedNeg
		if subjExpr == "" {
			subjAlts = nil
			break
		}
		subjAlts = append(subjAlts, subjExpr)
	}
	if len(subjAlts) == 1 {
		positive = append(positive, subjAlts[0])
	} else if len(subjAlts) > 1 {
		positive = append(positive, "("+strings.Join(subjAlts, " OR ")+")")
	}

	return combineTerms(positive, negative)
}

// combineTerms joins positives with AND and chains negatives with NOT,
// anchoring exclusion-only expressions on the match-all term.
func combineTerms(positive, negative []string) string {
	if len(positive) == 0 && len(negative) == 0 {
		return ""
	}
	expr := strings.Join(positive, " AND ")
	if expr == "" {
		expr = matchAllExpr()
	} else if len(positive) > 1 && len(negative) > 0 {
		expr = "(" + expr + ")"
	}
	for _, neg := range negative {
		expr += " NOT " + neg
	}
	return expr
}

func filterTermExpr(prefix, value string, wildcard bool) string {
	term := capTerm(prefix + mangleURI(value))
	expr := `filters : "` + term + `"`
	if wildcard {
		expr += " *"
	}
	return expr
}

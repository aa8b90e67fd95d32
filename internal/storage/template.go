// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package storage

import (
	"strings"

	"github.com/vestige-dev/vestige/internal/ontology"
)

// Field is a parsed template field value. The raw syntax supports two
// modifiers: a leading '!' negates the comparison and a leading '*' (after
// any '!') turns a URI-like field into a prefix match. A plain value is an
// exact match, or a subtree match on hierarchical vocabulary fields.
type Field struct {
	Value   string
	Negated bool
	Prefix  bool
}

// Set reports whether the field constrains anything. The bare modifiers
// "!" and "*" still count: "!" excludes the empty value and "*" is an
// explicit match-all prefix.
func (f Field) Set() bool {
	return f.Value != "" || f.Negated || f.Prefix
}

// ParseField splits a raw template field value into value and modifiers.
func ParseField(raw string) Field {
	var f Field
	if strings.HasPrefix(raw, "!") {
		f.Negated = true
		raw = raw[1:]
	}
	if strings.HasPrefix(raw, "*") {
		f.Prefix = true
		raw = raw[1:]
	}
	f.Value = raw
	return f
}

// matchExact applies f to a concrete value with exact-match semantics.
// An unset value on the candidate never equals a set template value, so
// negation matches it.
func (f Field) matchExact(v string) bool {
	if !f.Set() {
		return true
	}
	eq := v == f.Value
	if f.Prefix {
		eq = strings.HasPrefix(v, f.Value)
	}
	if f.Negated {
		return !eq
	}
	return eq
}

// matchSymbol applies f with subtree semantics: the template value matches
// itself and all descendant symbols. Negation excludes the whole subtree.
func (f Field) matchSymbol(ont *ontology.Ontology, v string) bool {
	if !f.Set() {
		return true
	}
	in := v != "" && ont.IsA(v, f.Value)
	if f.Negated {
		return !in
	}
	return in
}

// Matcher evaluates event templates in memory. It is the second emitter of
// the template-match module; the SQLite layer and the full-text layer
// compile the same semantics to SQL and to boolean index terms.
type Matcher struct {
	ont *ontology.Ontology
}

// NewMatcher builds a Matcher over the given vocabulary.
func NewMatcher(ont *ontology.Ontology) *Matcher {
	return &Matcher{ont: ont}
}

// MatchesAny reports whether ev matches at least one template. An empty
// template list matches everything.
func (m *Matcher) MatchesAny(templates []*Event, ev *Event) bool {
	if len(templates) == 0 {
		return true
	}
	for _, tmpl := range templates {
		if m.Matches(tmpl, ev) {
			return true
		}
	}
	return false
}

// Matches reports whether ev satisfies tmpl. Fields within the template
// AND together; template subjects are alternatives, so the subject part
// is satisfied when any event subject matches any template subject.
func (m *Matcher) Matches(tmpl, ev *Event) bool {
	if !ParseField(tmpl.Interpretation).matchSymbol(m.ont, ev.Interpretation) {
		return false
	}
	if !ParseField(tmpl.Manifestation).matchSymbol(m.ont, ev.Manifestation) {
		return false
	}
	if !ParseField(tmpl.Actor).matchExact(ev.Actor) {
		return false
	}
	if !ParseField(tmpl.Origin).matchExact(ev.Origin) {
		return false
	}

	if len(tmpl.Subjects) == 0 {
		return true
	}
	for i := range tmpl.Subjects {
		if m.anySubjectMatches(&tmpl.Subjects[i], ev.Subjects) {
			return true
		}
	}
	return false
}

func (m *Matcher) anySubjectMatches(ts *Subject, subjects []Subject) bool {
	for i := range subjects {
		if m.subjectMatches(ts, &subjects[i]) {
			return true
		}
	}
	return false
}

func (m *Matcher) subjectMatches(ts, s *Subject) bool {
	return ParseField(ts.URI).matchExact(s.URI) &&
		ParseField(ts.CurrentURI).matchExact(s.CurrentURI) &&
		ParseField(ts.Interpretation).matchSymbol(m.ont, s.Interpretation) &&
		ParseField(ts.Manifestation).matchSymbol(m.ont, s.Manifestation) &&
		ParseField(ts.Origin).matchExact(s.Origin) &&
		ParseField(ts.Mimetype).matchExact(s.Mimetype) &&
		ParseField(ts.Text).matchExact(s.Text) &&
		ParseField(ts.Storage).matchExact(s.Storage)
}

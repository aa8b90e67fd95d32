// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vestige-dev/vestige/internal/ontology"
	"github.com/vestige-dev/vestige/internal/storage"
)

func TestParseField(t *testing.T) {
	tests := []struct {
		raw  string
		want storage.Field
	}{
		{"", storage.Field{}},
		{"file:///a", storage.Field{Value: "file:///a"}},
		{"!file:///a", storage.Field{Value: "file:///a", Negated: true}},
		{"*file:///a", storage.Field{Value: "file:///a", Prefix: true}},
		{"!*file:///a", storage.Field{Value: "file:///a", Negated: true, Prefix: true}},
		{"!", storage.Field{Negated: true}},
		{"*", storage.Field{Prefix: true}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, storage.ParseField(tt.raw), "raw %q", tt.raw)
	}
}

func TestFieldSet(t *testing.T) {
	assert.False(t, storage.ParseField("").Set())
	assert.True(t, storage.ParseField("x").Set())
	// Bare modifiers still constrain.
	assert.True(t, storage.ParseField("!").Set())
	assert.True(t, storage.ParseField("*").Set())
}

func sampleEvent() *storage.Event {
	return &storage.Event{
		Timestamp:      1000,
		Interpretation: ontology.AccessEvent,
		Manifestation:  ontology.UserActivity,
		Actor:          "application://gedit.desktop",
		Origin:         "weston://main",
		Subjects: []storage.Subject{{
			URI:      "file:///home/user/a.txt",
			Mimetype: "text/plain",
			Text:     "a",
		}},
	}
}

func TestMatcherEventFields(t *testing.T) {
	m := storage.NewMatcher(ontology.Default())
	ev := sampleEvent()

	tests := []struct {
		name string
		tmpl *storage.Event
		want bool
	}{
		{"empty template", &storage.Event{}, true},
		{"exact actor", &storage.Event{Actor: "application://gedit.desktop"}, true},
		{"wrong actor", &storage.Event{Actor: "application://firefox.desktop"}, false},
		{"negated actor", &storage.Event{Actor: "!application://firefox.desktop"}, true},
		{"prefix actor", &storage.Event{Actor: "*application://"}, true},
		{"negated prefix", &storage.Event{Actor: "!*application://"}, false},
		{"exact interpretation", &storage.Event{Interpretation: ontology.AccessEvent}, true},
		{"subtree interpretation", &storage.Event{Interpretation: ontology.EventInterpretation}, true},
		{"negated subtree", &storage.Event{Interpretation: "!" + ontology.EventInterpretation}, false},
		{"other interpretation", &storage.Event{Interpretation: ontology.CreateEvent}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Matches(tt.tmpl, ev))
		})
	}
}

func TestMatcherSubjects(t *testing.T) {
	m := storage.NewMatcher(ontology.Default())
	ev := sampleEvent()
	ev.Subjects = append(ev.Subjects, storage.Subject{
		URI:      "file:///home/user/b.png",
		Mimetype: "image/png",
	})

	// A template subject matches if any event subject satisfies it.
	tmpl := &storage.Event{Subjects: []storage.Subject{{Mimetype: "image/png"}}}
	assert.True(t, m.Matches(tmpl, ev))

	// Template subjects are alternatives: one hit is enough.
	tmpl = &storage.Event{Subjects: []storage.Subject{
		{Mimetype: "image/png"},
		{Mimetype: "application/pdf"},
	}}
	assert.True(t, m.Matches(tmpl, ev))

	// No template subject matching any event subject fails.
	tmpl = &storage.Event{Subjects: []storage.Subject{
		{Mimetype: "application/pdf"},
		{Mimetype: "video/mp4"},
	}}
	assert.False(t, m.Matches(tmpl, ev))

	// Prefix on subject uri.
	tmpl = &storage.Event{Subjects: []storage.Subject{{URI: "*file:///home/"}}}
	assert.True(t, m.Matches(tmpl, ev))
}

func TestMatcherNegationOfUnsetField(t *testing.T) {
	m := storage.NewMatcher(ontology.Default())
	ev := sampleEvent()
	ev.Origin = ""

	// Negation also matches events where the field is unset.
	tmpl := &storage.Event{Origin: "!weston://main"}
	assert.True(t, m.Matches(tmpl, ev))

	// An unset subject interpretation is outside every subtree.
	tmpl = &storage.Event{Subjects: []storage.Subject{{Interpretation: "http://www.semanticdesktop.org/ontologies/2007/01/19/nie#InformationElement"}}}
	assert.False(t, m.Matches(tmpl, ev))
}

func TestMatchesAny(t *testing.T) {
	m := storage.NewMatcher(ontology.Default())
	ev := sampleEvent()

	require.True(t, m.MatchesAny(nil, ev), "empty template list matches all")
	assert.True(t, m.MatchesAny([]*storage.Event{
		{Actor: "application://firefox.desktop"},
		{Actor: "application://gedit.desktop"},
	}, ev))
	assert.False(t, m.MatchesAny([]*storage.Event{
		{Actor: "application://firefox.desktop"},
	}, ev))
}

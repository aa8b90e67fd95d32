// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

// Package ontology holds the hierarchical interpretation and manifestation
// vocabularies. Symbols form a tree; a query value matches itself and every
// transitive descendant, so the store expands a symbol to its subtree at
// compile time.
package ontology

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed symbols.yaml
var symbolsYAML []byte

// Well-known symbol URIs referenced directly by the engine.
const (
	act = "http://vestige.dev/ontologies/2026/02/activity#"

	EventInterpretation = act + "EventInterpretation"
	AccessEvent         = act + "AccessEvent"
	CreateEvent         = act + "CreateEvent"
	DeleteEvent         = act + "DeleteEvent"
	ModifyEvent         = act + "ModifyEvent"
	MoveEvent           = act + "MoveEvent"
	ReceiveEvent        = act + "ReceiveEvent"
	SendEvent           = act + "SendEvent"
	LeaveEvent          = act + "LeaveEvent"

	EventManifestation = act + "EventManifestation"
	UserActivity       = act + "UserActivity"
	ScheduledActivity  = act + "ScheduledActivity"
	SystemNotification = act + "SystemNotification"
	WorldActivity      = act + "WorldActivity"
	HeuristicActivity  = act + "HeuristicActivity"
)

type symbolDoc struct {
	Symbols []symbolEntry `yaml:"symbols"`
}

type symbolEntry struct {
	URI     string   `yaml:"uri"`
	Parents []string `yaml:"parents"`
}

// Ontology is an immutable symbol forest supporting subtree expansion.
type Ontology struct {
	children map[string][]string
	parents  map[string][]string
}

// Parse builds an Ontology from YAML symbol definitions.
func Parse(data []byte) (*Ontology, error) {
	var doc symbolDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing symbol definitions: %w", err)
	}

	o := &Ontology{
		children: make(map[string][]string, len(doc.Symbols)),
		parents:  make(map[string][]string, len(doc.Symbols)),
	}
	for _, sym := range doc.Symbols {
		if sym.URI == "" {
			return nil, fmt.Errorf("symbol definition with empty uri")
		}
		if _, dup := o.parents[sym.URI]; dup {
			return nil, fmt.Errorf("duplicate symbol definition: %s", sym.URI)
		}
		o.parents[sym.URI] = sym.Parents
		for _, p := range sym.Parents {
			o.children[p] = append(o.children[p], sym.URI)
		}
	}
	for uri, parents := range o.parents {
		for _, p := range parents {
			if _, ok := o.parents[p]; !ok {
				return nil, fmt.Errorf("symbol %s names undefined parent %s", uri, p)
			}
		}
	}
	return o, nil
}

var (
	defaultOnce sync.Once
	defaultOnt  *Ontology
)

// Default returns the ontology built from the embedded symbol set.
func Default() *Ontology {
	defaultOnce.Do(func() {
		o, err := Parse(symbolsYAML)
		if err != nil {
			// The embedded symbol set is validated by tests; failing to
			// parse it is a build defect, not a runtime condition.
			panic(fmt.Sprintf("ontology: embedded symbols: %v", err))
		}
		defaultOnt = o
	})
	return defaultOnt
}

// Known reports whether uri names a defined symbol.
func (o *Ontology) Known(uri string) bool {
	_, ok := o.parents[uri]
	return ok
}

// Subtree returns uri followed by all its transitive descendants, sorted
// after the first element for stable output. An unknown uri yields just
// itself so that exact matching still applies.
func (o *Ontology) Subtree(uri string) []string {
	if !o.Known(uri) {
		return []string{uri}
	}

	seen := map[string]bool{uri: true}
	out := []string{uri}
	queue := append([]string(nil), o.children[uri]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, o.children[cur]...)
	}
	sort.Strings(out[1:])
	return out
}

// IsA reports whether uri equals ancestor or descends from it.
func (o *Ontology) IsA(uri, ancestor string) bool {
	if uri == ancestor {
		return true
	}
	seen := map[string]bool{}
	queue := append([]string(nil), o.parents[uri]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == ancestor {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, o.parents[cur]...)
	}
	return false
}

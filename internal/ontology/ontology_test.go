// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package ontology_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vestige-dev/vestige/internal/ontology"
)

func TestDefaultLoadsEmbeddedSymbols(t *testing.T) {
	o := ontology.Default()
	assert.True(t, o.Known(ontology.AccessEvent))
	assert.True(t, o.Known(ontology.UserActivity))
	assert.False(t, o.Known("http://example.com/not-a-symbol"))
}

func TestSubtreeIncludesSelfAndDescendants(t *testing.T) {
	o := ontology.Default()

	tree := o.Subtree(ontology.EventInterpretation)
	require.NotEmpty(t, tree)
	assert.Equal(t, ontology.EventInterpretation, tree[0])
	assert.Contains(t, tree, ontology.AccessEvent)
	assert.Contains(t, tree, ontology.MoveEvent)

	// A leaf expands to itself only.
	assert.Equal(t, []string{ontology.AccessEvent}, o.Subtree(ontology.AccessEvent))
}

func TestSubtreeUnknownURIYieldsItself(t *testing.T) {
	o := ontology.Default()
	assert.Equal(t, []string{"custom://thing"}, o.Subtree("custom://thing"))
}

func TestIsAWalksParents(t *testing.T) {
	o := ontology.Default()

	const nfo = "http://www.semanticdesktop.org/ontologies/2007/03/22/nfo#"
	const nie = "http://www.semanticdesktop.org/ontologies/2007/01/19/nie#"

	assert.True(t, o.IsA(nfo+"SourceCode", nfo+"TextDocument"))
	assert.True(t, o.IsA(nfo+"SourceCode", nie+"InformationElement"))
	assert.True(t, o.IsA(ontology.AccessEvent, ontology.EventInterpretation))
	assert.True(t, o.IsA(ontology.AccessEvent, ontology.AccessEvent))
	assert.False(t, o.IsA(ontology.AccessEvent, ontology.EventManifestation))
	assert.False(t, o.IsA(nfo+"TextDocument", nfo+"SourceCode"))
}

func TestParseRejectsUndefinedParent(t *testing.T) {
	_, err := ontology.Parse([]byte(`
symbols:
  - uri: a://root
  - uri: a://child
    parents: [a://missing]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined parent")
}

func TestParseRejectsDuplicates(t *testing.T) {
	_, err := ontology.Parse([]byte(`
symbols:
  - uri: a://root
  - uri: a://root
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

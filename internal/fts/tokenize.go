// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package fts

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// maxTermLength caps individual terms, in bytes, to stay inside the text
// engine's term-length limit. Truncation lands on a code-point boundary.
const maxTermLength = 245

var caseFolder = cases.Fold()

// fold case-folds and width-normalises a string so CJK full-width and
// half-width forms index identically.
func fold(s string) string {
	return caseFolder.String(width.Fold.String(s))
}

// mangleURI maps a URI onto a single index token: case-folded, with ':',
// ' ', and '/' replaced by '_'. The mapping is one-way and applied
// identically at index and query time so prefix boolean searches line up.
func mangleURI(uri string) string {
	mangled := strings.NewReplacer(":", "_", " ", "_", "/", "_").Replace(fold(uri))
	return capTerm(mangled)
}

// capTerm truncates a term to maxTermLength bytes on a UTF-8 boundary.
func capTerm(term string) string {
	if len(term) <= maxTermLength {
		return term
	}
	cut := maxTermLength
	for cut > 0 && !utf8Start(term[cut]) {
		cut--
	}
	return term[:cut]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

// weightedText is a chunk of body text with a relative weight. The index
// repeats higher-weighted chunks so ranking favours them; the text engine
// itself only sees plain tokens.
type weightedText struct {
	text   string
	weight int
}

// bodyTokens derives the body terms for one chunk: case-folded words,
// compound tokens kept alongside their punctuation-split fragments, and
// CJK runs expanded to bigrams.
func bodyTokens(text string) []string {
	folded := fold(text)
	var tokens []string

	for _, word := range strings.FieldsFunc(folded, func(r rune) bool {
		return unicode.IsSpace(r) || r == '/' || r == ':'
	}) {
		word = capTerm(word)
		if word == "" {
			continue
		}
		tokens = append(tokens, word)

		// Fragments so "report.pdf" is findable as "report".
		frags := strings.FieldsFunc(word, func(r rune) bool {
			return r == '.' || r == '-' || r == '_' || r == '#'
		})
		if len(frags) > 1 || (len(frags) == 1 && frags[0] != word) {
			for _, f := range frags {
				if f != "" {
					tokens = append(tokens, f)
				}
			}
		}

		tokens = append(tokens, cjkBigrams(word)...)
	}
	return tokens
}

// cjkBigrams expands runs of CJK code points into overlapping bigrams,
// the ngram scheme the index uses for languages written without spaces.
func cjkBigrams(word string) []string {
	var run []rune
	var grams []string
	flush := func() {
		if len(run) == 1 {
			grams = append(grams, string(run))
		}
		for i := 0; i+1 < len(run); i++ {
			grams = append(grams, string(run[i:i+2]))
		}
		run = run[:0]
	}
	for _, r := range word {
		if isCJK(r) {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	return grams
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// uriBodyTokens derives body terms from a subject or origin URI: the
// basename carries the highest weight, then the tail components of the
// parent path with descending weights.
func uriBodyTokens(uri string) []weightedText {
	trimmed := strings.TrimSuffix(uri, "/")
	if i := strings.Index(trimmed, "://"); i >= 0 {
		trimmed = trimmed[i+3:]
	}
	base := path.Base(trimmed)
	dir := path.Dir(trimmed)

	out := []weightedText{{text: base, weight: 5}}
	weight := 3
	for dir != "." && dir != "/" && dir != "" && weight > 0 {
		out = append(out, weightedText{text: path.Base(dir), weight: weight})
		dir = path.Dir(dir)
		weight--
	}
	return out
}

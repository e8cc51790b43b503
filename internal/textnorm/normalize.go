// Package textnorm turns raw student text into the canonical forms used for
// display and for feature extraction.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Text holds the canonical forms of one input.
type Text struct {
	// Original is the input exactly as received.
	Original string
	// Display keeps the author's casing with whitespace collapsed.
	Display string
	// Normalized is Display lowercased; used for detection and inference.
	Normalized string
}

// Empty reports whether nothing but whitespace was supplied.
func (t Text) Empty() bool { return t.Normalized == "" }

// Normalize is pure: the same input always yields the same Text.
// Empty or whitespace-only input yields an empty Text.
func Normalize(raw string) Text {
	display := Collapse(norm.NFC.String(raw))
	return Text{
		Original:   raw,
		Display:    display,
		Normalized: strings.ToLower(display),
	}
}

// Collapse trims s and replaces every run of Unicode whitespace with one space.
func Collapse(s string) string {
	if s == "" {
		return ""
	}
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// Fold lowercases s and strips combining marks, so "Día" and "dia" compare equal.
// It is only used for matching, never for display.
func Fold(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Tokens folds s and splits it into word tokens. Anything that is not a
// letter or digit separates tokens; apostrophes inside words are dropped.
func Tokens(s string) []string {
	folded := strings.ReplaceAll(Fold(s), "'", "")
	folded = strings.ReplaceAll(folded, "’", "")
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Words counts whitespace-delimited tokens of s as authored.
func Words(s string) int {
	return len(strings.FieldsFunc(s, unicode.IsSpace))
}

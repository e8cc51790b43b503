package lexicon

import (
	"unicode/utf8"

	"github.com/vigia-ai/vigia/internal/textnorm"
)

// IndicatorSet is the explainability view of one input.
// IndicatorCount always equals len(IndicatorsFound).
type IndicatorSet struct {
	IndicatorsFound  []string `json:"indicators_found"`
	IndicatorCount   int      `json:"indicator_count"`
	FirstPersonCount int      `json:"first_person_count"`
	TextLength       int      `json:"text_length"`
	WordCount        int      `json:"word_count"`
}

// Input carries the texts the extractor looks at.
type Input struct {
	// Raw is the text as authored; it drives TextLength and WordCount.
	Raw string
	// Original is the normalized text before translation.
	Original string
	// Translated is the text used for inference.
	Translated string
}

// Extract is deterministic and total. Indicators come from the translated
// text and, when a translation occurred, from the original too, since the
// lexicon covers both languages.
func (l *Lexicon) Extract(in Input) IndicatorSet {
	set := IndicatorSet{
		IndicatorsFound: []string{},
		TextLength:      utf8.RuneCountInString(in.Raw),
		WordCount:       textnorm.Words(in.Raw),
	}

	primary := l.Analyze(in.Translated)
	set.FirstPersonCount = primary.FirstPerson

	terms := primary.Terms
	if in.Original != in.Translated {
		terms = mergeSorted(terms, l.Analyze(in.Original).Terms)
	}

	seen := make(map[string]struct{}, len(terms))
	for _, i := range terms {
		name := l.terms[i].Term
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		set.IndicatorsFound = append(set.IndicatorsFound, name)
	}
	set.IndicatorCount = len(set.IndicatorsFound)
	return set
}

// MatchedTerms returns the union of terms matched in texts, in lexicon order.
func (l *Lexicon) MatchedTerms(texts ...string) []Term {
	var idx []int
	for _, t := range texts {
		idx = mergeSorted(idx, l.Analyze(t).Terms)
	}
	out := make([]Term, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.terms[i])
	}
	return out
}

func mergeSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i] < b[j]):
			out = append(out, a[i])
			i++
		case i >= len(a) || b[j] < a[i]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

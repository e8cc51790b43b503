// Package lexicon holds the versioned risk lexicon and extracts the lexical
// indicators reported with every score.
package lexicon

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"gopkg.in/yaml.v3"

	"github.com/vigia-ai/vigia/internal/textnorm"
)

//go:embed default_lexicon.yaml
var defaultLexicon []byte

// Term is one risk-associated word or phrase.
type Term struct {
	Term     string  `yaml:"term" json:"term"`
	Lang     string  `yaml:"lang" json:"lang"`
	Category string  `yaml:"category" json:"category"`
	Weight   float64 `yaml:"weight" json:"weight"`
}

type file struct {
	Version  string              `yaml:"version"`
	Pronouns map[string][]string `yaml:"pronouns"`
	Terms    []Term              `yaml:"terms"`
}

// Lexicon is immutable after construction and safe for concurrent use.
type Lexicon struct {
	version string
	terms   []Term

	matcher  *ahocorasick.Matcher
	patterns []string
	// patternTerms maps a pattern index to every term that folds to it.
	patternTerms [][]int

	pronouns map[string]struct{}
}

// Default returns the embedded lexicon.
func Default() (*Lexicon, error) {
	return Parse(defaultLexicon)
}

// Load reads a lexicon from path; an empty path loads the embedded default.
func Load(path string) (*Lexicon, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	return Parse(data)
}

// Parse builds a lexicon from YAML.
func Parse(data []byte) (*Lexicon, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode lexicon: %w", err)
	}
	return New(f.Version, f.Terms, f.Pronouns)
}

// New validates terms and builds the matcher.
func New(version string, terms []Term, pronouns map[string][]string) (*Lexicon, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return nil, errors.New("lexicon version is empty")
	}
	if len(terms) == 0 {
		return nil, errors.New("lexicon has no terms")
	}

	l := &Lexicon{
		version:  version,
		terms:    make([]Term, 0, len(terms)),
		pronouns: make(map[string]struct{}),
	}

	index := make(map[string]int)
	for i, t := range terms {
		t.Term = strings.TrimSpace(t.Term)
		if t.Weight < 0 {
			return nil, fmt.Errorf("lexicon term %d (%q) has negative weight", i, t.Term)
		}
		tokens := textnorm.Tokens(t.Term)
		if len(tokens) == 0 {
			return nil, fmt.Errorf("lexicon term %d is empty", i)
		}
		l.terms = append(l.terms, t)

		pattern := pad(tokens)
		idx, ok := index[pattern]
		if !ok {
			idx = len(l.patterns)
			index[pattern] = idx
			l.patterns = append(l.patterns, pattern)
			l.patternTerms = append(l.patternTerms, nil)
		}
		l.patternTerms[idx] = append(l.patternTerms[idx], len(l.terms)-1)
	}
	l.matcher = ahocorasick.NewStringMatcher(l.patterns)

	for _, words := range pronouns {
		for _, w := range words {
			for _, tok := range textnorm.Tokens(w) {
				l.pronouns[tok] = struct{}{}
			}
		}
	}
	return l, nil
}

// Version identifies the lexicon revision.
func (l *Lexicon) Version() string { return l.version }

// Len is the number of terms.
func (l *Lexicon) Len() int { return len(l.terms) }

// Terms returns a copy of the terms in lexicon order.
func (l *Lexicon) Terms() []Term {
	return append([]Term(nil), l.terms...)
}

// pad joins tokens with single spaces and surrounds them with spaces, so that a
// substring match of two padded strings is a whole-token match.
func pad(tokens []string) string {
	return " " + strings.Join(tokens, " ") + " "
}

// Analysis is the raw lexical view of one text.
type Analysis struct {
	// Terms are the matched term indices in lexicon order.
	Terms       []int
	FirstPerson int
	Tokens      int
}

// Analyze matches text against the lexicon on token boundaries.
func (l *Lexicon) Analyze(text string) Analysis {
	tokens := textnorm.Tokens(text)
	a := Analysis{Tokens: len(tokens)}
	if len(tokens) == 0 {
		return a
	}

	for _, tok := range tokens {
		if _, ok := l.pronouns[tok]; ok {
			a.FirstPerson++
		}
	}

	hits := l.matcher.Match([]byte(pad(tokens)))
	if len(hits) == 0 {
		return a
	}
	matched := make([]bool, len(l.terms))
	for _, h := range hits {
		if h < 0 || h >= len(l.patternTerms) {
			continue
		}
		for _, ti := range l.patternTerms[h] {
			matched[ti] = true
		}
	}
	for i, ok := range matched {
		if ok {
			a.Terms = append(a.Terms, i)
		}
	}
	return a
}

// Term returns the term at index i.
func (l *Lexicon) Term(i int) Term { return l.terms[i] }

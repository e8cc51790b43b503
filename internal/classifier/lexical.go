package classifier

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vigia-ai/vigia/internal/lexicon"
)

//go:embed default_lexical_model.yaml
var defaultLexicalModel []byte

// LexicalWeights are the coefficients of the lexical logistic model.
type LexicalWeights struct {
	Version       string             `yaml:"version"`
	Bias          float64            `yaml:"bias"`
	TermScale     float64            `yaml:"term_scale"`
	PronounWeight float64            `yaml:"pronoun_weight"`
	PronounCap    int                `yaml:"pronoun_cap"`
	CategoryScale map[string]float64 `yaml:"category_scale"`
}

// LexicalModel is a logistic model over lexicon features: matched term
// weights plus a capped first-person pronoun count.
type LexicalModel struct {
	lex     *lexicon.Lexicon
	weights LexicalWeights
}

// LoadLexicalWeights reads weights from path, or the embedded defaults when path is empty.
func LoadLexicalWeights(path string) (LexicalWeights, error) {
	data := defaultLexicalModel
	if strings.TrimSpace(path) != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return LexicalWeights{}, fmt.Errorf("read lexical model: %w", err)
		}
	}
	var w LexicalWeights
	if err := yaml.Unmarshal(data, &w); err != nil {
		return LexicalWeights{}, fmt.Errorf("decode lexical model: %w", err)
	}
	if w.Version == "" {
		return LexicalWeights{}, errors.New("lexical model version is empty")
	}
	if w.TermScale == 0 {
		w.TermScale = 1
	}
	return w, nil
}

// NewLexicalModel binds weights to a lexicon.
func NewLexicalModel(lex *lexicon.Lexicon, w LexicalWeights) (*LexicalModel, error) {
	if lex == nil {
		return nil, errors.New("lexicon is nil")
	}
	return &LexicalModel{lex: lex, weights: w}, nil
}

func (m *LexicalModel) Ready() bool { return m != nil && m.lex != nil }

func (m *LexicalModel) Info() Info {
	return Info{Backend: "lexical", Version: m.weights.Version + "+" + m.lex.Version(), Device: "cpu"}
}

func (m *LexicalModel) Close() error { return nil }

// Classify scores text with the logistic model.
func (m *LexicalModel) Classify(ctx context.Context, text string) (Result, error) {
	if !m.Ready() {
		return Result{}, ErrModelUnavailable
	}
	return FromProbability(sigmoid(m.logit(text)))
}

func (m *LexicalModel) logit(text string) float64 {
	a := m.lex.Analyze(text)
	z := m.weights.Bias
	for _, i := range a.Terms {
		t := m.lex.Term(i)
		scale := 1.0
		if s, ok := m.weights.CategoryScale[t.Category]; ok {
			scale = s
		}
		z += t.Weight * scale * m.weights.TermScale
	}
	fp := a.FirstPerson
	if m.weights.PronounCap > 0 {
		fp = int(math.Min(float64(fp), float64(m.weights.PronounCap)))
	}
	return z + m.weights.PronounWeight*float64(fp)
}

// Package classifier defines the black-box text classifier capability and
// the backends that implement it.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrModelUnavailable is returned instead of a score whenever no ready model
// is available. There is no default score.
var ErrModelUnavailable = errors.New("model unavailable")

// Prediction is the winning class, spelled as on the wire.
type Prediction string

const (
	AtRisk    Prediction = "suicidal"
	NotAtRisk Prediction = "not-suicidal"
)

// Result is a probability distribution over {at-risk, not-at-risk}.
type Result struct {
	Prediction             Prediction `json:"prediction"`
	SuicidalProbability    float64    `json:"suicidal_probability"`
	NonSuicidalProbability float64    `json:"non_suicidal_probability"`
}

// Confidence is the larger of the two probabilities.
func (r Result) Confidence() float64 {
	return math.Max(r.SuicidalProbability, r.NonSuicidalProbability)
}

// FromProbability builds a Result from the at-risk probability. The value is
// clamped to [0,1], the complement is derived from it so both sum to 1, and a
// tie predicts at-risk.
func FromProbability(p float64) (Result, error) {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return Result{}, fmt.Errorf("invalid probability %v", p)
	}
	p = math.Min(1, math.Max(0, p))
	r := Result{
		SuicidalProbability:    p,
		NonSuicidalProbability: 1 - p,
		Prediction:             NotAtRisk,
	}
	if r.SuicidalProbability >= r.NonSuicidalProbability {
		r.Prediction = AtRisk
	}
	return r, nil
}

// Info describes a loaded model for health reporting.
type Info struct {
	Backend string `json:"backend"`
	Version string `json:"version"`
	Device  string `json:"device"`
}

// Classifier maps text to a Result. Implementations are loaded once and
// shared by concurrent requests.
type Classifier interface {
	Ready() bool
	Classify(ctx context.Context, text string) (Result, error)
	Info() Info
	Close() error
}

// Classify runs c, failing with ErrModelUnavailable when c is missing or not ready.
func Classify(ctx context.Context, c Classifier, text string) (Result, error) {
	if c == nil || !c.Ready() {
		return Result{}, ErrModelUnavailable
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return c.Classify(ctx, text)
}

func sigmoid(v float64) float64 {
	return 1.0 / (1.0 + math.Exp(-v))
}

// softmax is numerically stable for large logits.
func softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := float64(logits[0])
	for _, v := range logits[1:] {
		maxLogit = math.Max(maxLogit, float64(v))
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Package risk maps an at-risk probability onto a discrete tier.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// ErrInvalidThresholds rejects cut points that are not ordered inside [0,1].
var ErrInvalidThresholds = errors.New("invalid thresholds")

// Tier is the discrete risk bucket, spelled as on the wire.
type Tier string

const (
	Low    Tier = "low"
	Medium Tier = "medium"
	High   Tier = "high"
)

// Thresholds are the cut points applied to the at-risk probability.
// Medium is informational and only checked for ordering; the step function
// uses Low and High.
type Thresholds struct {
	Low    float64 `json:"low" yaml:"low"`
	Medium float64 `json:"medium" yaml:"medium"`
	High   float64 `json:"high" yaml:"high"`
}

// DefaultThresholds match the settings shipped with the dashboard.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 0.3, Medium: 0.6, High: 0.8}
}

// Validate enforces 0 <= low < high <= 1 and, when set, low <= medium <= high.
func (t Thresholds) Validate() error {
	for _, v := range []float64{t.Low, t.Medium, t.High} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidThresholds)
		}
	}
	if t.Low < 0 || t.High > 1 || t.Low >= t.High {
		return fmt.Errorf("%w: need 0 <= low < high <= 1, got low=%v high=%v", ErrInvalidThresholds, t.Low, t.High)
	}
	if t.Medium != 0 && (t.Medium < t.Low || t.Medium > t.High) {
		return fmt.Errorf("%w: medium %v outside [%v, %v]", ErrInvalidThresholds, t.Medium, t.Low, t.High)
	}
	return nil
}

// MapTier is a non-decreasing step function of p.
func MapTier(p float64, t Thresholds) Tier {
	switch {
	case p >= t.High:
		return High
	case p >= t.Low:
		return Medium
	default:
		return Low
	}
}

// Store holds the live thresholds. Readers load one consistent value per
// request; Set swaps atomically or leaves the previous value in place.
type Store struct {
	cur atomic.Pointer[Thresholds]
}

// NewStore validates initial before publishing it.
func NewStore(initial Thresholds) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.cur.Store(&initial)
	return s, nil
}

func (s *Store) Load() Thresholds { return *s.cur.Load() }

// Set publishes t if it is valid.
func (s *Store) Set(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.cur.Store(&t)
	return nil
}

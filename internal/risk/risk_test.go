package risk

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func TestMapTierBoundaries(t *testing.T) {
	th := Thresholds{Low: 0.3, High: 0.8}
	cases := []struct {
		p    float64
		want Tier
	}{
		{0, Low},
		{0.29, Low},
		{0.3, Medium},
		{0.79, Medium},
		{0.8, High},
		{1, High},
	}
	for _, tc := range cases {
		if got := MapTier(tc.p, th); got != tc.want {
			t.Fatalf("MapTier(%v) = %s, want %s", tc.p, got, tc.want)
		}
	}
}

func TestMapTierMonotonic(t *testing.T) {
	rank := map[Tier]int{Low: 0, Medium: 1, High: 2}
	for _, th := range []Thresholds{DefaultThresholds(), {Low: 0.1, High: 0.2}, {Low: 0, High: 1}} {
		prev := Low
		for i := 0; i <= 1000; i++ {
			cur := MapTier(float64(i)/1000, th)
			if rank[cur] < rank[prev] {
				t.Fatalf("tier decreased at p=%v for %+v", float64(i)/1000, th)
			}
			prev = cur
		}
	}
}

func TestValidate(t *testing.T) {
	good := []Thresholds{
		DefaultThresholds(),
		{Low: 0.3, High: 0.8},
		{Low: 0, High: 1},
	}
	for _, th := range good {
		if err := th.Validate(); err != nil {
			t.Fatalf("Validate(%+v): %v", th, err)
		}
	}
	bad := []Thresholds{
		{Low: 0.8, High: 0.3},
		{Low: 0.5, High: 0.5},
		{Low: -0.1, High: 0.5},
		{Low: 0.2, High: 1.2},
		{Low: 0.3, Medium: 0.9, High: 0.8},
		{Low: math.NaN(), High: 0.8},
	}
	for _, th := range bad {
		if err := th.Validate(); !errors.Is(err, ErrInvalidThresholds) {
			t.Fatalf("Validate(%+v) = %v, want ErrInvalidThresholds", th, err)
		}
	}
}

func TestStoreRejectsInvalidUpdate(t *testing.T) {
	s, err := NewStore(DefaultThresholds())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Set(Thresholds{Low: 0.9, High: 0.1}); !errors.Is(err, ErrInvalidThresholds) {
		t.Fatalf("expected ErrInvalidThresholds, got %v", err)
	}
	if got := s.Load(); got != DefaultThresholds() {
		t.Fatalf("previous thresholds not kept: %+v", got)
	}
	next := Thresholds{Low: 0.2, Medium: 0.5, High: 0.7}
	if err := s.Set(next); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := s.Load(); got != next {
		t.Fatalf("Load = %+v, want %+v", got, next)
	}
	if _, err := NewStore(Thresholds{}); err == nil {
		t.Fatalf("expected NewStore to reject zero thresholds")
	}
}

func TestStoreConcurrentSwap(t *testing.T) {
	s, _ := NewStore(DefaultThresholds())
	a := Thresholds{Low: 0.1, High: 0.2}
	b := Thresholds{Low: 0.6, High: 0.9}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = s.Set(a)
				_ = s.Set(b)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got := s.Load()
				if got != a && got != b && got != DefaultThresholds() {
					t.Errorf("torn read %+v", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

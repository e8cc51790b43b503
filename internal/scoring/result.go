// Package scoring runs one text through the risk pipeline and packages the
// explainable result.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/vigia-ai/vigia/internal/classifier"
	"github.com/vigia-ai/vigia/internal/lexicon"
	"github.com/vigia-ai/vigia/internal/risk"
	"github.com/vigia-ai/vigia/internal/textnorm"
	"github.com/vigia-ai/vigia/internal/translate"
)

// ErrInvalidInput rejects empty or whitespace-only text before any model work.
var ErrInvalidInput = errors.New("invalid input: text is empty")

// Warning codes attached to a still-successful result.
const (
	WarnTranslationDegraded = "translation_degraded"
	WarnLowConfidence       = "low_confidence"
)

// Request is one unit of text to score. MessageID is opaque.
type Request struct {
	MessageID string
	RawText   string
}

// Result is the full explainable answer for one request. It is built once
// and never mutated.
type Result struct {
	MessageID              string                `json:"message_id"`
	OriginalText           string                `json:"original_text"`
	TranslatedText         string                `json:"translated_text"`
	Prediction             classifier.Prediction `json:"prediction"`
	Confidence             float64               `json:"confidence"`
	SuicidalProbability    float64               `json:"suicidal_probability"`
	NonSuicidalProbability float64               `json:"non_suicidal_probability"`
	RiskLevel              risk.Tier             `json:"risk_level"`
	Analysis               lexicon.IndicatorSet  `json:"analysis"`
	ProcessedText          string                `json:"processed_text"`
	SourceLanguage         string                `json:"source_language,omitempty"`
	TranslationDegraded    bool                  `json:"translation_degraded"`
	Warnings               []string              `json:"warnings"`
	ModelVersion           string                `json:"model_version,omitempty"`
}

// Assemble packages the pipeline outputs. It computes only Confidence and
// fails rather than return a result whose parts disagree. Display fields keep
// the author's casing; ProcessedText is what the classifier saw.
func Assemble(req Request, text textnorm.Text, tr translate.Result, set lexicon.IndicatorSet, cls classifier.Result, tier risk.Tier, th risk.Thresholds, warnings []string) (Result, error) {
	if set.IndicatorCount != len(set.IndicatorsFound) {
		return Result{}, fmt.Errorf("assemble: indicator_count %d != %d indicators", set.IndicatorCount, len(set.IndicatorsFound))
	}
	for _, p := range []float64{cls.SuicidalProbability, cls.NonSuicidalProbability} {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return Result{}, fmt.Errorf("assemble: probability %v outside [0,1]", p)
		}
	}
	if sum := cls.SuicidalProbability + cls.NonSuicidalProbability; math.Abs(sum-1) > 1e-6 {
		return Result{}, fmt.Errorf("assemble: probabilities sum to %v", sum)
	}
	if want := risk.MapTier(cls.SuicidalProbability, th); tier != want {
		return Result{}, fmt.Errorf("assemble: tier %s inconsistent with probability %v (want %s)", tier, cls.SuicidalProbability, want)
	}
	if !tr.Applied && tr.Translated != tr.Original {
		return Result{}, errors.New("assemble: translated text differs without a translation")
	}
	if tr.Original != text.Normalized {
		return Result{}, errors.New("assemble: translation input is not the normalized text")
	}

	translated := text.Display
	if tr.Applied {
		translated = tr.Translated
	}

	found := set.IndicatorsFound
	if found == nil {
		found = []string{}
	}
	set.IndicatorsFound = found
	if warnings == nil {
		warnings = []string{}
	}

	return Result{
		MessageID:              req.MessageID,
		OriginalText:           text.Display,
		TranslatedText:         translated,
		Prediction:             cls.Prediction,
		Confidence:             cls.Confidence(),
		SuicidalProbability:    cls.SuicidalProbability,
		NonSuicidalProbability: cls.NonSuicidalProbability,
		RiskLevel:              tier,
		Analysis:               set,
		ProcessedText:          tr.Translated,
		SourceLanguage:         tr.SourceLang,
		TranslationDegraded:    tr.Degraded,
		Warnings:               warnings,
	}, nil
}

// Package activation builds audit events for scored messages and delivers
// them to sinks off the request path.
package activation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vigia-ai/vigia/internal/classifier"
	"github.com/vigia-ai/vigia/internal/redact"
	"github.com/vigia-ai/vigia/internal/risk"
	"github.com/vigia-ai/vigia/internal/scoring"
)

// Outcome is how a scoring call ended.
type Outcome string

const (
	OutcomeScored           Outcome = "scored"
	OutcomeInvalidInput     Outcome = "invalid_input"
	OutcomeModelUnavailable Outcome = "model_unavailable"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeError            Outcome = "error"
)

// Preview levels control how much of the authored text leaves the process.
const (
	PreviewMetadata = "metadata"
	PreviewRedacted = "redacted"
	PreviewFull     = "full"
)

const previewMaxRunes = 240

// Classification is the audited part of a scoring.Result.
type Classification struct {
	Prediction          classifier.Prediction `json:"prediction"`
	SuicidalProbability float64               `json:"suicidal_probability"`
	Confidence          float64               `json:"confidence"`
	RiskLevel           risk.Tier             `json:"risk_level"`
	IndicatorsFound     []string              `json:"indicators_found"`
	IndicatorCount      int                   `json:"indicator_count"`
	FirstPersonCount    int                   `json:"first_person_count"`
	SourceLanguage      string                `json:"source_language,omitempty"`
	TranslationDegraded bool                  `json:"translation_degraded"`
	Warnings            []string              `json:"warnings,omitempty"`
}

// ModelMeta identifies what produced the score.
type ModelMeta struct {
	Backend        string `json:"backend"`
	Version        string `json:"version"`
	LexiconVersion string `json:"lexicon_version,omitempty"`
}

type Preview struct {
	Level string `json:"level"`
	Text  string `json:"text,omitempty"`
}

// Event is the canonical audit record, one per scoring call.
type Event struct {
	Version        string          `json:"version"`
	EventID        string          `json:"event_id"`
	Timestamp      time.Time       `json:"timestamp"`
	MessageID      string          `json:"message_id,omitempty"`
	Outcome        Outcome         `json:"outcome"`
	Error          string          `json:"error,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	Model          ModelMeta       `json:"model"`
	Thresholds     risk.Thresholds `json:"thresholds"`
	Preview        Preview         `json:"preview"`
	LatencyMs      float64         `json:"latency_ms"`
}

// BuildParams collects what BuildEvent needs.
type BuildParams struct {
	Request        scoring.Request
	Result         *scoring.Result
	Err            error
	PreviewLevel   string
	Model          classifier.Info
	LexiconVersion string
	Thresholds     risk.Thresholds
	Latency        time.Duration
	Now            time.Time
}

// BuildEvent never fails; unknown errors are reported as OutcomeError.
func BuildEvent(p BuildParams) *Event {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	ev := &Event{
		Version:   "1",
		EventID:   uuid.NewString(),
		Timestamp: now.UTC(),
		MessageID: p.Request.MessageID,
		Outcome:   outcomeFor(p.Err),
		Model: ModelMeta{
			Backend:        p.Model.Backend,
			Version:        p.Model.Version,
			LexiconVersion: p.LexiconVersion,
		},
		Thresholds: p.Thresholds,
		Preview:    buildPreview(p.PreviewLevel, p.Request.RawText),
		LatencyMs:  float64(p.Latency) / float64(time.Millisecond),
	}
	if p.Err != nil {
		ev.Error = redact.String(p.Err.Error())
	}
	if r := p.Result; r != nil && p.Err == nil {
		ev.Classification = &Classification{
			Prediction:          r.Prediction,
			SuicidalProbability: r.SuicidalProbability,
			Confidence:          r.Confidence,
			RiskLevel:           r.RiskLevel,
			IndicatorsFound:     cloneStrings(r.Analysis.IndicatorsFound),
			IndicatorCount:      r.Analysis.IndicatorCount,
			FirstPersonCount:    r.Analysis.FirstPersonCount,
			SourceLanguage:      r.SourceLanguage,
			TranslationDegraded: r.TranslationDegraded,
			Warnings:            cloneStrings(r.Warnings),
		}
		if ev.Model.Version == "" {
			ev.Model.Version = r.ModelVersion
		}
	}
	return ev
}

func outcomeFor(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeScored
	case errors.Is(err, scoring.ErrInvalidInput):
		return OutcomeInvalidInput
	case errors.Is(err, classifier.ErrModelUnavailable):
		return OutcomeModelUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}

// NormalizePreviewLevel maps unknown values to PreviewMetadata.
func NormalizePreviewLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case PreviewRedacted:
		return PreviewRedacted
	case PreviewFull:
		return PreviewFull
	default:
		return PreviewMetadata
	}
}

func buildPreview(level, text string) Preview {
	level = NormalizePreviewLevel(level)
	switch level {
	case PreviewRedacted:
		return Preview{Level: level, Text: redact.Preview(text, previewMaxRunes)}
	case PreviewFull:
		return Preview{Level: level, Text: text}
	default:
		return Preview{Level: level}
	}
}

// Marshal encodes the event as one JSON line without a trailing newline.
func Marshal(ev *Event) ([]byte, error) {
	return json.Marshal(ev)
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

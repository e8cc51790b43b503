package scoring

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vigia-ai/vigia/internal/classifier"
	"github.com/vigia-ai/vigia/internal/lexicon"
	"github.com/vigia-ai/vigia/internal/risk"
	"github.com/vigia-ai/vigia/internal/telemetry"
	"github.com/vigia-ai/vigia/internal/textnorm"
	"github.com/vigia-ai/vigia/internal/translate"
)

// Stage names reported to the observer.
const (
	StageNormalize = "normalize"
	StageTranslate = "translate"
	StageExtract   = "extract"
	StageClassify  = "classify"
)

// Snapshot is the model state one request runs against. It is read-only.
type Snapshot struct {
	Classifier classifier.Classifier
	Lexicon    *lexicon.Lexicon
}

// Options wires optional collaborators into a Pipeline.
type Options struct {
	// ConfidenceThreshold below which a result carries WarnLowConfidence. Zero disables it.
	ConfidenceThreshold float64
	Tracer              trace.Tracer
	// ObserveStage receives the wall time of each stage.
	ObserveStage func(stage string, elapsed time.Duration)
}

// Pipeline is stateless; one instance serves all requests.
type Pipeline struct {
	translation *translate.Stage
	opts        Options
}

// NewPipeline builds a pipeline. A nil translation stage skips translation.
func NewPipeline(translation *translate.Stage, opts Options) *Pipeline {
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.ObserveStage == nil {
		opts.ObserveStage = func(string, time.Duration) {}
	}
	if translation == nil {
		translation = translate.NewStage(nil, translate.Config{}, nil)
	}
	return &Pipeline{translation: translation, opts: opts}
}

// Score runs normalize, translate, extract, classify, map and assemble.
// Only ErrInvalidInput, classifier.ErrModelUnavailable and context errors
// abort; a failed translation is reported on the result.
func (p *Pipeline) Score(ctx context.Context, snap Snapshot, th risk.Thresholds, req Request) (res Result, err error) {
	ctx, span := p.opts.Tracer.Start(ctx, "vigia.score", trace.WithAttributes(
		telemetry.SafeAttributes(map[string]interface{}{"vigia.message_id": req.MessageID})...,
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(telemetry.SafeAttributes(map[string]interface{}{
				"vigia.risk_level":           string(res.RiskLevel),
				"vigia.indicator_count":      res.Analysis.IndicatorCount,
				"vigia.indicators":           res.Analysis.IndicatorsFound,
				"vigia.translation_degraded": res.TranslationDegraded,
				"vigia.source_language":      res.SourceLanguage,
				"vigia.model_version":        res.ModelVersion,
			})...)
		}
		span.End()
	}()

	start := time.Now()
	text := textnorm.Normalize(req.RawText)
	p.opts.ObserveStage(StageNormalize, time.Since(start))
	if text.Empty() {
		return Result{}, ErrInvalidInput
	}
	if snap.Classifier == nil || snap.Lexicon == nil || !snap.Classifier.Ready() {
		return Result{}, classifier.ErrModelUnavailable
	}

	start = time.Now()
	tr := p.translation.Translate(ctx, text.Normalized)
	p.opts.ObserveStage(StageTranslate, time.Since(start))
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	start = time.Now()
	set := snap.Lexicon.Extract(lexicon.Input{
		Raw:        req.RawText,
		Original:   tr.Original,
		Translated: tr.Translated,
	})
	p.opts.ObserveStage(StageExtract, time.Since(start))

	start = time.Now()
	cls, err := classifier.Classify(ctx, snap.Classifier, tr.Translated)
	p.opts.ObserveStage(StageClassify, time.Since(start))
	if err != nil {
		return Result{}, err
	}

	var warnings []string
	if tr.Degraded {
		warnings = append(warnings, WarnTranslationDegraded)
	}
	if p.opts.ConfidenceThreshold > 0 && cls.Confidence() < p.opts.ConfidenceThreshold {
		warnings = append(warnings, WarnLowConfidence)
	}

	tier := risk.MapTier(cls.SuicidalProbability, th)
	res, err = Assemble(req, text, tr, set, cls, tier, th, warnings)
	if err != nil {
		return Result{}, err
	}
	res.ModelVersion = snap.Classifier.Info().Version
	return res, nil
}

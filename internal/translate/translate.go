// Package translate detects the language of incoming text and, when it is not
// the model's target language, translates it. Translation never aborts
// scoring: failures degrade to the untranslated text.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vigia-ai/vigia/internal/textnorm"
)

var (
	// ErrTranslationDegraded marks a result that fell back to the original text.
	ErrTranslationDegraded = errors.New("translation degraded")
	// ErrUnsupportedLanguage is returned by a Translator that cannot handle a language pair.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Translator turns text in source into text in target.
type Translator interface {
	Name() string
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// Result pairs the original text with the text used for inference.
type Result struct {
	Original   string
	Translated string
	SourceLang string
	TargetLang string
	// Applied is true when Translated differs from Original because a translation ran.
	Applied bool
	// Degraded is true when a translation was needed but failed.
	Degraded bool
	// Err carries the non-fatal cause when Degraded; it wraps ErrTranslationDegraded.
	Err error
}

// Config controls the translation stage.
type Config struct {
	TargetLang string
	Timeout    time.Duration
	// MinConfidence is the detector confidence below which text is assumed
	// to already be in the target language.
	MinConfidence float64
}

// Stage runs detection and translation for one request at a time; it holds no
// per-request state and is safe for concurrent use.
type Stage struct {
	translator    Translator
	cfg           Config
	onUnavailable func(error)
}

// NewStage builds a stage. A nil translator disables translation.
// onUnavailable, if set, is called when the translator fails for reasons
// other than an unsupported language or a caller cancellation.
func NewStage(t Translator, cfg Config, onUnavailable func(error)) *Stage {
	if strings.TrimSpace(cfg.TargetLang) == "" {
		cfg.TargetLang = "es"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Stage{translator: t, cfg: cfg, onUnavailable: onUnavailable}
}

// TargetLang reports the language inference runs in.
func (s *Stage) TargetLang() string { return s.cfg.TargetLang }

// Translate returns Translated == Original (byte-for-byte) whenever no
// translation happened, including on failure.
func (s *Stage) Translate(ctx context.Context, normalized string) Result {
	res := Result{
		Original:   normalized,
		Translated: normalized,
		SourceLang: Undetermined,
		TargetLang: s.cfg.TargetLang,
	}
	if normalized == "" {
		return res
	}

	det := Detect(normalized)
	res.SourceLang = det.Lang
	if det.Lang == Undetermined || det.Lang == s.cfg.TargetLang || det.Confidence < s.cfg.MinConfidence {
		return res
	}
	if s.translator == nil {
		return res
	}

	tctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	out, err := s.translator.Translate(tctx, normalized, det.Lang, s.cfg.TargetLang)
	if err == nil {
		out = textnorm.Normalize(out).Normalized
		if out == "" {
			err = errors.New("empty translation")
		}
	}
	if err != nil {
		res.Degraded = true
		res.Err = fmt.Errorf("%w: %s %s->%s: %v", ErrTranslationDegraded, s.translator.Name(), det.Lang, s.cfg.TargetLang, err)
		if ctx.Err() == nil && !errors.Is(err, ErrUnsupportedLanguage) && s.onUnavailable != nil {
			s.onUnavailable(err)
		}
		return res
	}

	res.Translated = out
	res.Applied = out != normalized
	return res
}

// Package app assembles a running vigia process from its configuration.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vigia-ai/vigia/internal/activation"
	"github.com/vigia-ai/vigia/internal/classifier"
	"github.com/vigia-ai/vigia/internal/config"
	"github.com/vigia-ai/vigia/internal/lexicon"
	"github.com/vigia-ai/vigia/internal/logging"
	"github.com/vigia-ai/vigia/internal/messages"
	"github.com/vigia-ai/vigia/internal/scoring"
	"github.com/vigia-ai/vigia/internal/server"
	"github.com/vigia-ai/vigia/internal/service"
	"github.com/vigia-ai/vigia/internal/telemetry"
	"github.com/vigia-ai/vigia/internal/translate"
)

// Version is stamped into telemetry resources.
var Version = "dev"

// App owns every long-lived component of the process.
type App struct {
	Config    *config.Config
	Log       logging.Logger
	Telemetry *telemetry.Provider
	Service   *service.Service
	Messages  *messages.Store
	Audit     *activation.Emitter
	Server    *server.Server
}

// New builds the components without loading the model; Run does that.
func New(ctx context.Context, cfg *config.Config, log logging.Logger) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logging.Nop()
	}
	a := &App{Config: cfg, Log: log}

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  cfg.Telemetry.ServiceName,
		Version:  Version,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.Telemetry = tel

	sinks, err := BuildSinks(cfg.Activation)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if len(sinks) > 0 {
		a.Audit = activation.NewEmitter(activation.EmitterConfig{
			QueueSize: cfg.Activation.QueueSize,
			Workers:   cfg.Activation.Workers,
			Logger:    log.With(logging.String("component", "audit")),
			Metrics:   tel.Metrics(),
		}, sinks)
	}

	tr, err := BuildTranslator(cfg.Translator)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Service, err = service.New(service.Options{
		Loader:     NewLoader(cfg, log),
		Translator: tr,
		Translation: translate.Config{
			TargetLang:    cfg.Translator.TargetLang,
			Timeout:       cfg.Translator.Timeout,
			MinConfidence: cfg.Translator.MinConfidence,
		},
		Thresholds:          cfg.Thresholds.Risk(),
		ConfidenceThreshold: cfg.Thresholds.Confidence,
		Logger:              log.With(logging.String("component", "service")),
		Tracer:              tel.Tracer(),
		ObserveStage:        tel.ObserveStage,
		OnStateChange:       a.stateChanged,
		OnScored:            a.scored,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.stateChanged("", service.StateStarting, false)

	a.Messages, err = messages.Open(ctx, cfg.Messages.DBPath, log.With(logging.String("component", "messages")))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if cfg.Messages.Seed {
		if _, err := a.Messages.SeedDemo(ctx); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	a.Server, err = server.New(server.Deps{
		Config:   cfg.Server,
		Service:  a.Service,
		Messages: a.Messages,
		Metrics:  tel.Metrics(),
		Logger:   log.With(logging.String("component", "http")),
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Run loads the model and serves HTTP until ctx is cancelled. A failed
// initial load leaves the service unavailable but still serving /health.
func (a *App) Run(ctx context.Context) error {
	if err := a.Service.Start(ctx); err != nil {
		a.Log.Error("initial model load failed; serving as unavailable", logging.Error(err))
	}
	return a.Server.ListenAndServe(ctx)
}

// Close releases everything New acquired. Safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.Service != nil {
		if err := a.Service.Close(); err != nil {
			a.Log.Warn("closing classifier failed", logging.Error(err))
		}
	}
	if a.Audit != nil {
		a.Audit.Close(ctx)
	}
	if a.Messages != nil {
		_ = a.Messages.Close()
	}
	if a.Telemetry != nil {
		a.Telemetry.Shutdown(ctx)
	}
	_ = a.Log.Sync()
}

func (a *App) stateChanged(_, to service.State, modelLoaded bool) {
	all := make([]string, len(service.AllStates))
	for i, s := range service.AllStates {
		all[i] = string(s)
	}
	a.Telemetry.Metrics().SetState(string(to), all, modelLoaded)
}

func (a *App) scored(out service.Outcome) {
	ev := activation.BuildEvent(activation.BuildParams{
		Request:        out.Request,
		Result:         out.Result,
		Err:            out.Err,
		PreviewLevel:   a.Config.Activation.PreviewLevel,
		Model:          out.Model,
		LexiconVersion: out.LexiconVersion,
		Thresholds:     out.Thresholds,
		Latency:        out.Elapsed,
	})

	rec := telemetry.ScoreRecord{
		Outcome:  string(ev.Outcome),
		Backend:  out.Model.Backend,
		Duration: out.Elapsed,
	}
	if r := out.Result; r != nil {
		rec.RiskLevel = string(r.RiskLevel)
		rec.Indicators = r.Analysis.IndicatorCount
		rec.TranslationDegraded = r.TranslationDegraded
	}
	a.Telemetry.RecordScore(rec)

	if a.Audit != nil {
		a.Audit.Emit(context.Background(), ev)
	}
}

// NewLoader returns the loader for the configured backend. The lexicon is
// re-read on every load so a reload picks up an edited file.
func NewLoader(cfg *config.Config, log logging.Logger) service.Loader {
	return service.LoaderFunc(func(ctx context.Context) (scoring.Snapshot, error) {
		lex, err := loadLexicon(cfg.Lexicon.Path)
		if err != nil {
			return scoring.Snapshot{}, err
		}
		cls, err := loadClassifier(ctx, cfg.Model, lex, log)
		if err != nil {
			return scoring.Snapshot{}, err
		}
		return scoring.Snapshot{Classifier: cls, Lexicon: lex}, nil
	})
}

func loadLexicon(path string) (*lexicon.Lexicon, error) {
	if strings.TrimSpace(path) == "" {
		return lexicon.Default()
	}
	return lexicon.Load(path)
}

func loadClassifier(ctx context.Context, m config.ModelConfig, lex *lexicon.Lexicon, log logging.Logger) (classifier.Classifier, error) {
	switch m.Backend {
	case "", "lexical":
		w, err := classifier.LoadLexicalWeights(m.WeightsPath)
		if err != nil {
			return nil, err
		}
		return classifier.NewLexicalModel(lex, w)
	case "onnx":
		dir, err := classifier.ResolveBundleDir(m.BundleDir)
		if err != nil {
			return nil, fmt.Errorf("resolve bundle: %w", err)
		}
		log.Info("loading onnx bundle", logging.String("bundle_dir", dir), logging.Int("seq_len", m.SeqLen))
		return classifier.LoadONNX(classifier.ONNXOptions{
			BundleDir:    dir,
			SeqLen:       m.SeqLen,
			Sessions:     m.Sessions,
			IntraThreads: m.IntraThreads,
			InterThreads: m.InterThreads,
			AtRiskLabel:  m.AtRiskLabel,
		})
	case "remote":
		return classifier.NewRemote(ctx, m.RemoteURL, m.RemoteTimeout)
	default:
		return nil, fmt.Errorf("unknown model backend %q", m.Backend)
	}
}

// BuildTranslator returns nil when translation is disabled.
func BuildTranslator(t config.TranslatorConfig) (translate.Translator, error) {
	switch t.Type {
	case "", "none":
		return nil, nil
	case "libretranslate":
		lt, err := translate.NewLibreTranslate(t.BaseURL, t.APIKey, t.Timeout)
		if err != nil {
			return nil, fmt.Errorf("translator: %w", err)
		}
		return lt, nil
	default:
		return nil, fmt.Errorf("unknown translator type %q", t.Type)
	}
}

// BuildSinks opens the configured audit sinks. Already opened sinks are
// closed again if a later one fails.
func BuildSinks(cfg config.ActivationConfig) ([]activation.Sink, error) {
	var sinks []activation.Sink
	fail := func(err error) ([]activation.Sink, error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, s := range sinks {
			_ = s.Close(ctx)
		}
		return nil, err
	}
	for i, sc := range cfg.Sinks {
		switch strings.ToLower(strings.TrimSpace(sc.Type)) {
		case "stdout":
			sinks = append(sinks, activation.NewStdoutSink())
		case "file_jsonl":
			s, err := activation.NewFileSink(sc.Path, sc.MaxBytes)
			if err != nil {
				return fail(fmt.Errorf("audit sink %d: %w", i, err))
			}
			sinks = append(sinks, s)
		case "webhook":
			s, err := activation.NewWebhookSink(sc.URL, sc.Headers, sc.Timeout)
			if err != nil {
				return fail(fmt.Errorf("audit sink %d: %w", i, err))
			}
			sinks = append(sinks, s)
		default:
			return fail(fmt.Errorf("audit sink %d: unknown type %q", i, sc.Type))
		}
	}
	return sinks, nil
}

// ScoreOnce builds a service, loads the model and scores one text. Used by
// the CLI for one-off checks.
func ScoreOnce(ctx context.Context, cfg *config.Config, text string) (scoring.Result, error) {
	tr, err := BuildTranslator(cfg.Translator)
	if err != nil {
		return scoring.Result{}, err
	}
	svc, err := service.New(service.Options{
		Loader:     NewLoader(cfg, logging.Nop()),
		Translator: tr,
		Translation: translate.Config{
			TargetLang:    cfg.Translator.TargetLang,
			Timeout:       cfg.Translator.Timeout,
			MinConfidence: cfg.Translator.MinConfidence,
		},
		Thresholds:          cfg.Thresholds.Risk(),
		ConfidenceThreshold: cfg.Thresholds.Confidence,
	})
	if err != nil {
		return scoring.Result{}, err
	}
	defer svc.Close()
	if err := svc.Start(ctx); err != nil {
		return scoring.Result{}, err
	}
	return svc.Score(ctx, scoring.Request{MessageID: "cli", RawText: text})
}

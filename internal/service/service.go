// Package service owns the loaded model state and exposes health and scoring
// to transports.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vigia-ai/vigia/internal/classifier"
	"github.com/vigia-ai/vigia/internal/lexicon"
	"github.com/vigia-ai/vigia/internal/logging"
	"github.com/vigia-ai/vigia/internal/risk"
	"github.com/vigia-ai/vigia/internal/scoring"
	"github.com/vigia-ai/vigia/internal/translate"
)

// Loader builds a fresh model snapshot. It is the expensive part of startup
// and reload.
type Loader interface {
	Load(ctx context.Context) (scoring.Snapshot, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (scoring.Snapshot, error)

func (f LoaderFunc) Load(ctx context.Context) (scoring.Snapshot, error) { return f(ctx) }

// Health is the cheap status report. Producing it never fails.
type Health struct {
	Status         string    `json:"status"`
	ModelLoaded    bool      `json:"model_loaded"`
	Device         string    `json:"device"`
	Timestamp      time.Time `json:"timestamp"`
	State          State     `json:"state"`
	ModelBackend   string    `json:"model_backend,omitempty"`
	ModelVersion   string    `json:"model_version,omitempty"`
	LexiconVersion string    `json:"lexicon_version,omitempty"`
	// Detail says what an operator has to do to leave a non-ready state.
	Detail string `json:"detail,omitempty"`
}

// Outcome is handed to Options.OnScored after every Score call.
type Outcome struct {
	Request        scoring.Request
	Result         *scoring.Result
	Err            error
	Model          classifier.Info
	LexiconVersion string
	Thresholds     risk.Thresholds
	Elapsed        time.Duration
}

// Options configures a Service. Loader is required.
type Options struct {
	Loader      Loader
	Translator  translate.Translator
	Translation translate.Config
	Thresholds  risk.Thresholds
	// ConfidenceThreshold below which results carry a low_confidence warning.
	ConfidenceThreshold float64
	Logger              logging.Logger
	Tracer              trace.Tracer
	ObserveStage        func(stage string, elapsed time.Duration)
	OnStateChange       func(from, to State, modelLoaded bool)
	OnScored            func(Outcome)
	Now                 func() time.Time
}

// Service is the facade over the pipeline. The model snapshot and the
// thresholds are swapped atomically; each request reads them once.
type Service struct {
	opts       Options
	log        logging.Logger
	pipeline   *scoring.Pipeline
	thresholds *risk.Store

	snapshot atomic.Pointer[loadedSnapshot]

	// mu serialises lifecycle changes; scoring never takes it.
	mu    sync.Mutex
	state atomic.Value
}

// New validates the options and returns a service in StateStarting.
func New(opts Options) (*Service, error) {
	if opts.Loader == nil {
		return nil, errors.New("service: loader is required")
	}
	th := opts.Thresholds
	if th == (risk.Thresholds{}) {
		th = risk.DefaultThresholds()
	}
	store, err := risk.NewStore(th)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{opts: opts, log: opts.Logger, thresholds: store}
	s.state.Store(StateStarting)

	var stage *translate.Stage
	if opts.Translator != nil {
		stage = translate.NewStage(opts.Translator, opts.Translation, s.translatorUnavailable)
	} else {
		stage = translate.NewStage(nil, opts.Translation, nil)
	}
	s.pipeline = scoring.NewPipeline(stage, scoring.Options{
		ConfidenceThreshold: opts.ConfidenceThreshold,
		Tracer:              opts.Tracer,
		ObserveStage:        opts.ObserveStage,
	})
	return s, nil
}

// State returns the current readiness state.
func (s *Service) State() State { return s.state.Load().(State) }

func (s *Service) setState(to State) error {
	from := s.State()
	if err := checkTransition(from, to); err != nil {
		return err
	}
	s.state.Store(to)
	loaded := s.modelLoaded()
	s.log.Info("service state changed",
		logging.String("from", string(from)),
		logging.String("to", string(to)),
		logging.Bool("model_loaded", loaded),
	)
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to, loaded)
	}
	return nil
}

func (s *Service) modelLoaded() bool {
	snap := s.snapshot.Load()
	return snap != nil && snap.Classifier != nil && snap.Classifier.Ready()
}

// Start performs the initial model load: starting -> loading_model -> ready,
// or -> unavailable when the loader fails.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateStarting {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.State())
	}
	return s.loadLocked(ctx)
}

// Reload loads a fresh snapshot and swaps it in. In-flight requests finish
// against the snapshot they already hold; the old classifier is closed when
// the last of them releases it.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Service) loadLocked(ctx context.Context) error {
	prevState := s.State()
	if err := s.setState(StateLoadingModel); err != nil {
		return err
	}

	start := time.Now()
	snap, err := s.opts.Loader.Load(ctx)
	if err == nil && (snap.Classifier == nil || snap.Lexicon == nil) {
		err = errors.New("loader returned an incomplete snapshot")
	}
	if err == nil && !snap.Classifier.Ready() {
		err = classifier.ErrModelUnavailable
	}
	if err != nil {
		s.log.Error("model load failed", logging.Error(err), logging.Duration("elapsed", time.Since(start)))
		// A failed reload keeps serving the previous snapshot if there was one.
		next := StateUnavailable
		if s.modelLoaded() && prevState.Scoring() {
			next = StateReady
		}
		if serr := s.setState(next); serr != nil {
			return errors.Join(err, serr)
		}
		return fmt.Errorf("load model: %w", err)
	}

	old := s.snapshot.Swap(newLoadedSnapshot(snap, s.log))
	info := snap.Classifier.Info()
	s.log.Info("model loaded",
		logging.String("backend", info.Backend),
		logging.String("version", info.Version),
		logging.String("lexicon_version", snap.Lexicon.Version()),
		logging.Duration("elapsed", time.Since(start)),
	)
	if err := s.setState(StateReady); err != nil {
		return err
	}
	if old != nil {
		if err := old.retire(old.Classifier == snap.Classifier); err != nil {
			s.log.Warn("closing previous classifier failed", logging.Error(err))
		}
	}
	return nil
}

// Unload drops the classifier: ready|degraded -> unavailable.
func (s *Service) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkTransition(s.State(), StateUnavailable); err != nil {
		return err
	}
	old := s.snapshot.Swap(nil)
	if err := s.setState(StateUnavailable); err != nil {
		return err
	}
	if old != nil {
		return old.retire(false)
	}
	return nil
}

// Close releases the classifier without a state change; used at shutdown.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.snapshot.Swap(nil)
	if old != nil {
		return old.retire(false)
	}
	return nil
}

// translatorUnavailable runs on the request path, so it skips the transition
// rather than wait behind a reload.
func (s *Service) translatorUnavailable(err error) {
	if s.State() != StateReady || !s.mu.TryLock() {
		return
	}
	defer s.mu.Unlock()
	if s.State() != StateReady {
		return
	}
	s.log.Warn("translator unavailable, scoring on untranslated text", logging.Error(err))
	_ = s.setState(StateDegraded)
}

// Health reports readiness. It never fails and never blocks on lifecycle work.
func (s *Service) Health() Health {
	st := s.State()
	h := Health{
		Status:    string(st),
		Device:    "none",
		Timestamp: s.opts.Now().UTC(),
		State:     st,
	}
	if st == StateReady || st == StateDegraded {
		h.Status = "healthy"
	}
	if snap := s.snapshot.Load(); snap != nil {
		if snap.Classifier != nil {
			info := snap.Classifier.Info()
			h.ModelLoaded = snap.Classifier.Ready()
			h.Device = info.Device
			h.ModelBackend = info.Backend
			h.ModelVersion = info.Version
		}
		if snap.Lexicon != nil {
			h.LexiconVersion = snap.Lexicon.Version()
		}
	}
	if !h.ModelLoaded && h.Status == "healthy" {
		h.Status = string(StateUnavailable)
	}
	switch st {
	case StateDegraded:
		h.Detail = "translator unavailable; scoring untranslated text until POST /admin/reload"
	case StateUnavailable:
		h.Detail = "no model loaded; POST /admin/reload to load one"
	}
	return h
}

// Score runs the pipeline. It fails with scoring.ErrInvalidInput for empty
// text and classifier.ErrModelUnavailable when not ready; a failed
// translation is a warning on a successful result.
func (s *Service) Score(ctx context.Context, req scoring.Request) (scoring.Result, error) {
	start := time.Now()
	th := s.thresholds.Load()
	var snap scoring.Snapshot
	if held := s.acquire(); held != nil {
		defer held.release()
		snap = held.Snapshot
	}

	res, err := s.pipeline.Score(ctx, snap, th, req)

	if s.opts.OnScored != nil {
		out := Outcome{Request: req, Err: err, Thresholds: th, Elapsed: time.Since(start)}
		if err == nil {
			out.Result = &res
		}
		if snap.Classifier != nil {
			out.Model = snap.Classifier.Info()
		}
		if snap.Lexicon != nil {
			out.LexiconVersion = snap.Lexicon.Version()
		}
		s.opts.OnScored(out)
	}
	return res, err
}

// acquire returns the current snapshot with a hold on it, or nil when no
// model is loaded. A snapshot retired between Load and acquire has already
// been replaced, so the loop picks up its successor.
func (s *Service) acquire() *loadedSnapshot {
	for {
		p := s.snapshot.Load()
		if p == nil || p.acquire() {
			return p
		}
	}
}

// Thresholds returns the live thresholds.
func (s *Service) Thresholds() risk.Thresholds { return s.thresholds.Load() }

// SetThresholds swaps the thresholds if valid; otherwise the previous ones stay.
func (s *Service) SetThresholds(th risk.Thresholds) error {
	if err := s.thresholds.Set(th); err != nil {
		s.log.Warn("rejected threshold update", logging.Error(err))
		return err
	}
	s.log.Info("thresholds updated",
		logging.Float64("low", th.Low),
		logging.Float64("medium", th.Medium),
		logging.Float64("high", th.High),
	)
	return nil
}

// Lexicon returns the lexicon of the current snapshot, or nil.
func (s *Service) Lexicon() *lexicon.Lexicon {
	if p := s.snapshot.Load(); p != nil {
		return p.Lexicon
	}
	return nil
}

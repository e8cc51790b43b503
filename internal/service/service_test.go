package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vigia-ai/vigia/internal/classifier"
	"github.com/vigia-ai/vigia/internal/lexicon"
	"github.com/vigia-ai/vigia/internal/risk"
	"github.com/vigia-ai/vigia/internal/scoring"
	"github.com/vigia-ai/vigia/internal/translate"
)

type stubClassifier struct {
	p       float64
	version string
	closed  atomic.Bool
}

func (c *stubClassifier) Ready() bool { return !c.closed.Load() }
func (c *stubClassifier) Info() classifier.Info {
	return classifier.Info{Backend: "stub", Version: c.version, Device: "cpu"}
}
func (c *stubClassifier) Close() error { c.closed.Store(true); return nil }
func (c *stubClassifier) Classify(ctx context.Context, text string) (classifier.Result, error) {
	return classifier.FromProbability(c.p)
}

type failingTranslator struct{ calls atomic.Int32 }

func (f *failingTranslator) Name() string { return "failing" }
func (f *failingTranslator) Translate(context.Context, string, string, string) (string, error) {
	f.calls.Add(1)
	return "", errors.New("dial tcp: connection refused")
}

// blockingTranslator parks every call until release is closed.
type blockingTranslator struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTranslator) Name() string { return "blocking" }
func (b *blockingTranslator) Translate(ctx context.Context, text, _, _ string) (string, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return "me siento sin salida", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func lexicalLoader(t *testing.T) Loader {
	t.Helper()
	return LoaderFunc(func(ctx context.Context) (scoring.Snapshot, error) {
		lex, err := lexicon.Default()
		if err != nil {
			return scoring.Snapshot{}, err
		}
		w, err := classifier.LoadLexicalWeights("")
		if err != nil {
			return scoring.Snapshot{}, err
		}
		m, err := classifier.NewLexicalModel(lex, w)
		if err != nil {
			return scoring.Snapshot{}, err
		}
		return scoring.Snapshot{Classifier: m, Lexicon: lex}, nil
	})
}

func stubLoader(c *stubClassifier) Loader {
	return LoaderFunc(func(ctx context.Context) (scoring.Snapshot, error) {
		lex, err := lexicon.Default()
		if err != nil {
			return scoring.Snapshot{}, err
		}
		return scoring.Snapshot{Classifier: c, Lexicon: lex}, nil
	})
}

func started(t *testing.T, opts Options) *Service {
	t.Helper()
	svc, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return svc
}

func TestStartAndScore(t *testing.T) {
	var transitions []State
	svc := started(t, Options{
		Loader:        lexicalLoader(t),
		OnStateChange: func(from, to State, _ bool) { transitions = append(transitions, to) },
	})
	if svc.State() != StateReady {
		t.Fatalf("expected ready, got %s", svc.State())
	}
	if len(transitions) != 2 || transitions[0] != StateLoadingModel || transitions[1] != StateReady {
		t.Fatalf("unexpected transitions %v", transitions)
	}

	res, err := svc.Score(context.Background(), scoring.Request{MessageID: "1", RawText: "No veo salida, quiero terminar con todo"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res.RiskLevel != risk.High || res.Prediction != classifier.AtRisk {
		t.Fatalf("unexpected result %+v", res)
	}

	h := svc.Health()
	if !h.ModelLoaded || h.Status != "healthy" || h.Device != "cpu" || h.LexiconVersion == "" {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestScoreEmptyTextIsInvalidInput(t *testing.T) {
	svc := started(t, Options{Loader: lexicalLoader(t)})
	if _, err := svc.Score(context.Background(), scoring.Request{RawText: "  "}); !errors.Is(err, scoring.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	notStarted, err := New(Options{Loader: lexicalLoader(t)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := notStarted.Score(context.Background(), scoring.Request{RawText: ""}); !errors.Is(err, scoring.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput before start, got %v", err)
	}
	_ = notStarted.Health()
}

func TestModelNotLoaded(t *testing.T) {
	svc, err := New(Options{Loader: lexicalLoader(t)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := svc.Score(context.Background(), scoring.Request{RawText: "hola"}); !errors.Is(err, classifier.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	h := svc.Health()
	if h.ModelLoaded || h.State != StateStarting {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestLoadFailureIsUnavailable(t *testing.T) {
	svc, _ := New(Options{Loader: LoaderFunc(func(context.Context) (scoring.Snapshot, error) {
		return scoring.Snapshot{}, errors.New("model file missing")
	})})
	if err := svc.Start(context.Background()); err == nil {
		t.Fatalf("expected start to fail")
	}
	if svc.State() != StateUnavailable {
		t.Fatalf("expected unavailable, got %s", svc.State())
	}
	if _, err := svc.Score(context.Background(), scoring.Request{RawText: "hola"}); !errors.Is(err, classifier.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if svc.Health().ModelLoaded {
		t.Fatalf("health must report model_loaded=false")
	}
}

func TestUnloadThenReload(t *testing.T) {
	c := &stubClassifier{p: 0.2, version: "v1"}
	svc := started(t, Options{Loader: stubLoader(c)})

	if err := svc.Unload(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if !c.closed.Load() {
		t.Fatalf("unload must close the classifier")
	}
	if svc.State() != StateUnavailable || svc.Health().ModelLoaded {
		t.Fatalf("expected unavailable without model, got %s", svc.State())
	}
	if _, err := svc.Score(context.Background(), scoring.Request{RawText: "hola"}); !errors.Is(err, classifier.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if err := svc.Unload(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for second unload, got %v", err)
	}

	c.closed.Store(false)
	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if svc.State() != StateReady {
		t.Fatalf("expected ready after reload, got %s", svc.State())
	}
}

func TestReloadSwapsAndClosesOldClassifier(t *testing.T) {
	first := &stubClassifier{p: 0.1, version: "v1"}
	second := &stubClassifier{p: 0.9, version: "v2"}
	var n atomic.Int32
	loader := LoaderFunc(func(ctx context.Context) (scoring.Snapshot, error) {
		lex, _ := lexicon.Default()
		if n.Add(1) == 1 {
			return scoring.Snapshot{Classifier: first, Lexicon: lex}, nil
		}
		return scoring.Snapshot{Classifier: second, Lexicon: lex}, nil
	})
	svc := started(t, Options{Loader: loader})
	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !first.closed.Load() || second.closed.Load() {
		t.Fatalf("expected old classifier closed and new one open")
	}
	if v := svc.Health().ModelVersion; v != "v2" {
		t.Fatalf("expected v2, got %s", v)
	}
}

func TestFailedReloadKeepsServing(t *testing.T) {
	c := &stubClassifier{p: 0.4, version: "v1"}
	var fail atomic.Bool
	loader := LoaderFunc(func(ctx context.Context) (scoring.Snapshot, error) {
		if fail.Load() {
			return scoring.Snapshot{}, errors.New("bad bundle")
		}
		return stubLoader(c).Load(ctx)
	})
	svc := started(t, Options{Loader: loader})
	fail.Store(true)
	if err := svc.Reload(context.Background()); err == nil {
		t.Fatalf("expected reload error")
	}
	if svc.State() != StateReady {
		t.Fatalf("expected to keep serving, got %s", svc.State())
	}
	if _, err := svc.Score(context.Background(), scoring.Request{RawText: "hola"}); err != nil {
		t.Fatalf("score after failed reload: %v", err)
	}
}

func TestTranslatorFailureDegrades(t *testing.T) {
	tr := &failingTranslator{}
	svc := started(t, Options{
		Loader:      lexicalLoader(t),
		Translator:  tr,
		Translation: translate.Config{TargetLang: "es", Timeout: time.Second},
	})

	res, err := svc.Score(context.Background(), scoring.Request{RawText: "I feel like there is no way out and I want to end it all"})
	if err != nil {
		t.Fatalf("score must succeed: %v", err)
	}
	if !res.TranslationDegraded || res.OriginalText != res.TranslatedText {
		t.Fatalf("expected degraded identity translation: %+v", res)
	}
	if len(res.Warnings) == 0 || res.Warnings[0] != scoring.WarnTranslationDegraded {
		t.Fatalf("expected translation warning, got %v", res.Warnings)
	}
	if svc.State() != StateDegraded {
		t.Fatalf("expected degraded, got %s", svc.State())
	}
	if h := svc.Health(); h.Status != "healthy" || !h.ModelLoaded {
		t.Fatalf("degraded service still scores: %+v", h)
	}
	if h := svc.Health(); !strings.Contains(h.Detail, "/admin/reload") {
		t.Fatalf("degraded health should say how to recover, got %q", h.Detail)
	}

	if _, err := svc.Score(context.Background(), scoring.Request{RawText: "no veo salida"}); err != nil {
		t.Fatalf("degraded service must keep scoring: %v", err)
	}

	// Degraded is sticky until a reload, even if the translator recovers.
	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if h := svc.Health(); svc.State() != StateReady || h.Detail != "" {
		t.Fatalf("expected ready with no detail after reload, got %s %q", svc.State(), h.Detail)
	}
}

func TestStateMachine(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateStarting, StateLoadingModel}:    true,
		{StateLoadingModel, StateReady}:       true,
		{StateLoadingModel, StateUnavailable}: true,
		{StateReady, StateDegraded}:           true,
		{StateReady, StateUnavailable}:        true,
		{StateReady, StateLoadingModel}:       true,
		{StateDegraded, StateUnavailable}:     true,
		{StateDegraded, StateLoadingModel}:    true,
		{StateUnavailable, StateLoadingModel}: true,
	}
	for _, from := range AllStates {
		for _, to := range AllStates {
			want := allowed[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
			if err := checkTransition(from, to); (err == nil) != want || (err != nil && !errors.Is(err, ErrInvalidTransition)) {
				t.Fatalf("checkTransition(%s, %s) = %v", from, to, err)
			}
		}
	}
}

func TestStartTwiceRejected(t *testing.T) {
	svc := started(t, Options{Loader: lexicalLoader(t)})
	if err := svc.Start(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSetThresholds(t *testing.T) {
	svc := started(t, Options{Loader: stubLoader(&stubClassifier{p: 0.5})})
	res, _ := svc.Score(context.Background(), scoring.Request{RawText: "hola"})
	if res.RiskLevel != risk.Medium {
		t.Fatalf("expected medium with defaults, got %s", res.RiskLevel)
	}
	if err := svc.SetThresholds(risk.Thresholds{Low: 0.9, High: 0.1}); !errors.Is(err, risk.ErrInvalidThresholds) {
		t.Fatalf("expected ErrInvalidThresholds, got %v", err)
	}
	if svc.Thresholds() != risk.DefaultThresholds() {
		t.Fatalf("previous thresholds must stay after a rejected update")
	}
	if err := svc.SetThresholds(risk.Thresholds{Low: 0.2, High: 0.5}); err != nil {
		t.Fatalf("set: %v", err)
	}
	res, _ = svc.Score(context.Background(), scoring.Request{RawText: "hola"})
	if res.RiskLevel != risk.High {
		t.Fatalf("expected high after swap, got %s", res.RiskLevel)
	}
}

func TestNewRejectsInvalidThresholds(t *testing.T) {
	if _, err := New(Options{Loader: lexicalLoader(t), Thresholds: risk.Thresholds{Low: 0.8, High: 0.2}}); !errors.Is(err, risk.ErrInvalidThresholds) {
		t.Fatalf("expected ErrInvalidThresholds, got %v", err)
	}
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without loader")
	}
}

func TestOnScoredReceivesOutcome(t *testing.T) {
	var mu sync.Mutex
	var outcomes []Outcome
	svc := started(t, Options{
		Loader: lexicalLoader(t),
		OnScored: func(o Outcome) {
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		},
	})
	_, _ = svc.Score(context.Background(), scoring.Request{RawText: "hola"})
	_, _ = svc.Score(context.Background(), scoring.Request{RawText: ""})

	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Result == nil || outcomes[0].Model.Backend != "lexical" {
		t.Fatalf("unexpected first outcome %+v", outcomes[0])
	}
	if outcomes[1].Result != nil || !errors.Is(outcomes[1].Err, scoring.ErrInvalidInput) {
		t.Fatalf("unexpected second outcome %+v", outcomes[1])
	}
}

func TestConcurrentScoreDuringReload(t *testing.T) {
	svc := started(t, Options{Loader: lexicalLoader(t)})
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := svc.Score(context.Background(), scoring.Request{RawText: "no veo salida"}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for i := 0; i < 3; i++ {
		if err := svc.Reload(context.Background()); err != nil {
			t.Fatalf("reload: %v", err)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("score during reload failed: %v", err)
	}
}

func TestReloadWaitsForInFlightScore(t *testing.T) {
	first := &stubClassifier{p: 0.9, version: "v1"}
	second := &stubClassifier{p: 0.1, version: "v2"}
	var n atomic.Int32
	loader := LoaderFunc(func(ctx context.Context) (scoring.Snapshot, error) {
		lex, _ := lexicon.Default()
		if n.Add(1) == 1 {
			return scoring.Snapshot{Classifier: first, Lexicon: lex}, nil
		}
		return scoring.Snapshot{Classifier: second, Lexicon: lex}, nil
	})
	tr := &blockingTranslator{entered: make(chan struct{}, 1), release: make(chan struct{})}
	svc := started(t, Options{
		Loader:      loader,
		Translator:  tr,
		Translation: translate.Config{TargetLang: "es", Timeout: 5 * time.Second},
	})

	type scored struct {
		res scoring.Result
		err error
	}
	done := make(chan scored, 1)
	go func() {
		res, err := svc.Score(context.Background(), scoring.Request{RawText: "I feel like there is no way out and I want to end it all"})
		done <- scored{res, err}
	}()
	<-tr.entered

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if svc.State() != StateReady {
		t.Fatalf("expected ready after reload, got %s", svc.State())
	}
	if first.closed.Load() {
		t.Fatalf("old classifier closed while a request still holds it")
	}

	close(tr.release)
	out := <-done
	if out.err != nil {
		t.Fatalf("in-flight score failed across reload: %v", out.err)
	}
	if out.res.ModelVersion != "v1" {
		t.Fatalf("in-flight score should finish on v1, got %q", out.res.ModelVersion)
	}
	if !first.closed.Load() {
		t.Fatalf("old classifier not closed after its last request")
	}
	if second.closed.Load() {
		t.Fatalf("new classifier must stay open")
	}
}

func TestUnloadWaitsForInFlightScore(t *testing.T) {
	c := &stubClassifier{p: 0.4, version: "v1"}
	tr := &blockingTranslator{entered: make(chan struct{}, 1), release: make(chan struct{})}
	svc := started(t, Options{
		Loader:      stubLoader(c),
		Translator:  tr,
		Translation: translate.Config{TargetLang: "es", Timeout: 5 * time.Second},
	})

	done := make(chan error, 1)
	go func() {
		_, err := svc.Score(context.Background(), scoring.Request{RawText: "I feel like there is no way out and I want to end it all"})
		done <- err
	}()
	<-tr.entered

	if err := svc.Unload(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if c.closed.Load() {
		t.Fatalf("classifier closed under an in-flight request")
	}
	if _, err := svc.Score(context.Background(), scoring.Request{RawText: "hola"}); !errors.Is(err, classifier.ErrModelUnavailable) {
		t.Fatalf("new requests after unload should be unavailable, got %v", err)
	}

	close(tr.release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight score failed across unload: %v", err)
	}
	if !c.closed.Load() {
		t.Fatalf("classifier not closed after its last request")
	}
}

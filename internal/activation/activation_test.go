package activation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vigia-ai/vigia/internal/classifier"
	"github.com/vigia-ai/vigia/internal/lexicon"
	"github.com/vigia-ai/vigia/internal/risk"
	"github.com/vigia-ai/vigia/internal/scoring"
	"github.com/vigia-ai/vigia/internal/telemetry"
)

func sampleEvent(id string) *Event {
	return &Event{Version: "1", EventID: id, Timestamp: time.Now(), Outcome: OutcomeScored}
}

func TestBuildEventScored(t *testing.T) {
	res := &scoring.Result{
		MessageID:           "m-7",
		Prediction:          classifier.AtRisk,
		SuicidalProbability: 0.88,
		Confidence:          0.88,
		RiskLevel:           risk.High,
		Analysis: lexicon.IndicatorSet{
			IndicatorsFound: []string{"no veo salida", "terminar con todo"},
			IndicatorCount:  2,
		},
		Warnings: []string{},
	}
	ev := BuildEvent(BuildParams{
		Request:      scoring.Request{MessageID: "m-7", RawText: "escríbeme a ana@colegio.edu, no veo salida"},
		Result:       res,
		PreviewLevel: "redacted",
		Model:        classifier.Info{Backend: "lexical", Version: "lexical-1"},
		Thresholds:   risk.DefaultThresholds(),
		Latency:      1500 * time.Microsecond,
	})

	if ev.Outcome != OutcomeScored || ev.Classification == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Classification.RiskLevel != risk.High || ev.Classification.IndicatorCount != 2 {
		t.Fatalf("classification not copied: %+v", ev.Classification)
	}
	if strings.Contains(ev.Preview.Text, "ana@colegio.edu") || !strings.Contains(ev.Preview.Text, "[EMAIL]") {
		t.Fatalf("preview not redacted: %q", ev.Preview.Text)
	}
	if ev.EventID == "" || ev.LatencyMs != 1.5 {
		t.Fatalf("unexpected identity/latency: %q %v", ev.EventID, ev.LatencyMs)
	}

	res.Analysis.IndicatorsFound[0] = "mutated"
	if ev.Classification.IndicatorsFound[0] == "mutated" {
		t.Fatalf("event must not share slices with the result")
	}
}

func TestBuildEventOutcomes(t *testing.T) {
	cases := []struct {
		err  error
		want Outcome
	}{
		{scoring.ErrInvalidInput, OutcomeInvalidInput},
		{fmt.Errorf("load: %w", classifier.ErrModelUnavailable), OutcomeModelUnavailable},
		{context.Canceled, OutcomeCancelled},
		{errors.New("boom"), OutcomeError},
	}
	for _, tc := range cases {
		ev := BuildEvent(BuildParams{Err: tc.err, PreviewLevel: "metadata", Request: scoring.Request{RawText: "secreto"}})
		if ev.Outcome != tc.want {
			t.Fatalf("outcome for %v = %s, want %s", tc.err, ev.Outcome, tc.want)
		}
		if ev.Classification != nil {
			t.Fatalf("failed calls must not carry a classification")
		}
		if ev.Preview.Text != "" {
			t.Fatalf("metadata level must not include text")
		}
	}
}

func TestNormalizePreviewLevel(t *testing.T) {
	cases := map[string]string{"": PreviewMetadata, "FULL": PreviewFull, " redacted ": PreviewRedacted, "other": PreviewMetadata}
	for in, want := range cases {
		if got := NormalizePreviewLevel(in); got != want {
			t.Fatalf("NormalizePreviewLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFileSinkWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	sink, err := NewFileSink(path, 0)
	if err != nil {
		t.Fatalf("file sink: %v", err)
	}
	if err := sink.Deliver(context.Background(), sampleEvent("ev-1")); err != nil {
		t.Fatalf("deliver 1: %v", err)
	}
	if err := sink.Deliver(context.Background(), sampleEvent("ev-2")); err != nil {
		t.Fatalf("deliver 2: %v", err)
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close sink: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var decoded Event
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("unmarshal jsonl line: %v", err)
	}
	if decoded.EventID != "ev-1" {
		t.Fatalf("expected event_id ev-1, got %s", decoded.EventID)
	}
}

func TestFileSinkRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewFileSink(path, 64)
	if err != nil {
		t.Fatalf("file sink: %v", err)
	}
	defer sink.Close(context.Background())
	for i := 0; i < 3; i++ {
		if err := sink.Deliver(context.Background(), sampleEvent(fmt.Sprintf("ev-%d", i))); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated file: %v", err)
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink("buf", &buf)
	if err := sink.Deliver(context.Background(), sampleEvent("ev-w")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") || !strings.Contains(buf.String(), `"event_id":"ev-w"`) {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestWebhookSinkHandlesNon2xx(t *testing.T) {
	var calls int32
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("fail"))
	}))

	sink, err := NewWebhookSink(srv.URL, map[string]string{"X-Test": "1"}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	if err := sink.Deliver(context.Background(), sampleEvent("ev-1")); err == nil {
		t.Fatalf("expected non-2xx to return error")
	} else if !strings.Contains(err.Error(), "status") {
		t.Fatalf("error should mention status, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls)
	}
}

func TestWebhookSinkRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("X-Vigia-Event-Id") != "ev-r" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	sink, err := NewWebhookSink(srv.URL, nil, time.Second)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	sink.backoffs = []time.Duration{time.Millisecond, time.Millisecond}
	if err := sink.Deliver(context.Background(), sampleEvent("ev-r")); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	wait := make(chan struct{})
	sink := &blockingSink{wait: wait}
	m := telemetry.NewMetrics()
	em := NewEmitter(EmitterConfig{QueueSize: 1, Workers: 1, ShutdownTimeout: time.Second, Metrics: m}, []Sink{sink})

	ev := sampleEvent("r1")
	em.Emit(context.Background(), ev)
	em.Emit(context.Background(), ev)
	em.Emit(context.Background(), ev)

	if testutil.ToFloat64(m.AuditEvents.WithLabelValues("queue_full")) == 0 {
		t.Fatalf("expected dropped events when queue is full")
	}

	close(wait)
	em.Close(context.Background())
}

func TestEmitterWebhookIntegration(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))

	sink, err := NewWebhookSink(srv.URL, nil, time.Second)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	m := telemetry.NewMetrics()
	em := NewEmitter(EmitterConfig{QueueSize: 8, Workers: 1, ShutdownTimeout: time.Second, Metrics: m}, []Sink{sink})
	defer em.Close(context.Background())

	for i := 0; i < 5; i++ {
		em.Emit(context.Background(), sampleEvent(fmt.Sprintf("integration-%d", i)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for webhook events, got %d", n)
		}
		time.Sleep(20 * time.Millisecond)
	}

	em.Close(context.Background())
	if got := testutil.ToFloat64(m.AuditDeliveries.WithLabelValues(sink.Name(), "ok")); got != 5 {
		t.Fatalf("expected 5 successful deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(m.AuditDeliveries.WithLabelValues(sink.Name(), "error")); got != 0 {
		t.Fatalf("did not expect failed deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(m.AuditEvents.WithLabelValues("queue_full")); got != 0 {
		t.Fatalf("did not expect dropped events, got %v", got)
	}
}

func TestEmitAfterCloseDrops(t *testing.T) {
	m := telemetry.NewMetrics()
	em := NewEmitter(EmitterConfig{Metrics: m}, []Sink{NewWriterSink("discard", &bytes.Buffer{})})
	em.Close(context.Background())
	em.Emit(context.Background(), sampleEvent("late"))
	if testutil.ToFloat64(m.AuditEvents.WithLabelValues("closed")) != 1 {
		t.Fatalf("expected event emitted after close to be dropped")
	}
}

func TestEmitterCountsFailedDeliveries(t *testing.T) {
	m := telemetry.NewMetrics()
	sink := failingSink{}
	em := NewEmitter(EmitterConfig{Metrics: m}, []Sink{sink})
	em.Emit(context.Background(), sampleEvent("f1"))
	em.Emit(context.Background(), sampleEvent("f2"))
	em.Close(context.Background())

	if got := testutil.ToFloat64(m.AuditDeliveries.WithLabelValues(sink.Name(), "error")); got != 2 {
		t.Fatalf("expected 2 failed deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(m.AuditEvents.WithLabelValues("enqueued")); got != 2 {
		t.Fatalf("expected 2 enqueued events, got %v", got)
	}
}

func TestEmitterWithoutMetrics(t *testing.T) {
	var buf bytes.Buffer
	em := NewEmitter(EmitterConfig{}, []Sink{NewWriterSink("buf", &buf)})
	em.Emit(context.Background(), sampleEvent("n1"))
	em.Close(context.Background())
	if !strings.Contains(buf.String(), "n1") {
		t.Fatalf("expected event delivered without metrics, got %q", buf.String())
	}
}

type failingSink struct{}

func (failingSink) Name() string                          { return "failing" }
func (failingSink) Deliver(context.Context, *Event) error { return errors.New("sink down") }
func (failingSink) Close(context.Context) error           { return nil }

type blockingSink struct {
	wait chan struct{}
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Deliver(context.Context, *Event) error {
	<-s.wait
	return nil
}

func (s *blockingSink) Close(context.Context) error {
	if s.wait != nil {
		select {
		case <-s.wait:
		default:
			close(s.wait)
		}
	}
	return nil
}

func newTestServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot open listener: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDisabledProviderRecordsPrometheus(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	defer p.Shutdown(context.Background())

	p.RecordScore(ScoreRecord{Outcome: "scored", RiskLevel: "high", Backend: "lexical", Indicators: 2, TranslationDegraded: true, Duration: 3 * time.Millisecond})
	p.ObserveStage("classify", time.Millisecond)
	p.Metrics().ObserveHTTP("/predict/detailed", 200)
	p.Metrics().SetState("ready", []string{"starting", "ready"}, true)
	p.Metrics().InitAuditSinks("webhook:http://receiver/audit")
	p.Metrics().AuditEnqueued()
	p.Metrics().AuditDropped("queue_full")
	p.Metrics().AuditDelivered("webhook:http://receiver/audit", false)

	_, span := p.Tracer().Start(context.Background(), "noop")
	span.End()

	rec := httptest.NewRecorder()
	p.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		`vigia_scores_total{outcome="scored",risk_level="high"} 1`,
		`vigia_translation_degraded_total 1`,
		`vigia_stage_duration_seconds_count{stage="classify"} 1`,
		`vigia_http_requests_total{code="200",route="/predict/detailed"} 1`,
		`vigia_service_state{state="ready"} 1`,
		`vigia_service_state{state="starting"} 0`,
		`vigia_model_loaded 1`,
		`vigia_audit_events_total{result="enqueued"} 1`,
		`vigia_audit_events_total{result="queue_full"} 1`,
		`vigia_audit_events_total{result="closed"} 0`,
		`vigia_audit_deliveries_total{result="error",sink="webhook:http://receiver/audit"} 1`,
		`vigia_audit_deliveries_total{result="ok",sink="webhook:http://receiver/audit"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestUnknownProtocolFails(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{Enabled: true, Protocol: "carrier-pigeon"}, nil); err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	p.RecordScore(ScoreRecord{})
	p.ObserveStage("x", 0)
	p.Shutdown(context.Background())
	if p.Metrics() != nil {
		t.Fatalf("expected nil metrics")
	}
	p.Metrics().ObserveHTTP("/", 200)
	p.Metrics().InitAuditSinks("stdout")
	p.Metrics().AuditEnqueued()
	p.Metrics().AuditDropped("closed")
	p.Metrics().AuditDelivered("stdout", true)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/vigia-ai/vigia/internal/app"
	"github.com/vigia-ai/vigia/internal/config"
	"github.com/vigia-ai/vigia/internal/scoring"
	"github.com/vigia-ai/vigia/internal/service"
)

func main() {
	cfgPath := flag.String("config", "vigia.yaml", "path to config yaml")
	n := flag.Int("n", 200, "number of iterations")
	text := flag.String("text", "No veo salida, quiero terminar con todo y ya no puedo más.", "text to score")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Translation is left out so the numbers measure local work only.
	svc, err := service.New(service.Options{
		Loader:              app.NewLoader(cfg, nil),
		Thresholds:          cfg.Thresholds.Risk(),
		ConfidenceThreshold: cfg.Thresholds.Confidence,
	})
	if err != nil {
		log.Fatalf("build service: %v", err)
	}
	defer svc.Close()

	ctx := context.Background()
	loadStart := time.Now()
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("load model: %v", err)
	}
	loadTime := time.Since(loadStart)

	req := scoring.Request{MessageID: "bench", RawText: *text}

	// Warmup
	for i := 0; i < 5; i++ {
		if _, err := svc.Score(ctx, req); err != nil {
			log.Fatalf("warmup score failed: %v", err)
		}
	}

	if *n <= 0 {
		*n = 1
	}

	durations := make([]time.Duration, 0, *n)
	var last scoring.Result
	for i := 0; i < *n; i++ {
		start := time.Now()
		res, err := svc.Score(ctx, req)
		if err != nil {
			log.Fatalf("score failed: %v", err)
		}
		durations = append(durations, time.Since(start))
		last = res
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	avg := float64(total.Microseconds()) / 1000.0 / float64(len(durations))
	p50 := float64(durations[len(durations)/2].Microseconds()) / 1000.0
	p95 := float64(durations[int(float64(len(durations))*0.95)].Microseconds()) / 1000.0

	h := svc.Health()
	fmt.Printf("bench: n=%d avg_ms=%.3f p50_ms=%.3f p95_ms=%.3f load_ms=%d backend=%s model=%s risk=%s p=%.4f\n",
		len(durations),
		avg,
		p50,
		p95,
		loadTime.Milliseconds(),
		h.ModelBackend,
		h.ModelVersion,
		last.RiskLevel,
		last.SuicidalProbability,
	)
}

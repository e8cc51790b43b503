// Command audit-receiver is a local sink for the webhook audit stream.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/vigia-ai/vigia/internal/activation"
	"github.com/vigia-ai/vigia/internal/logging"
)

func main() {
	addr := flag.String("addr", ":8099", "listen address for audit receiver")
	flag.Parse()

	log, err := logging.New(logging.Config{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	mux := http.NewServeMux()
	mux.Handle("POST /audit", newHandler(log))
	mux.Handle("POST /", newHandler(log))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("audit receiver listening (POST JSON to /audit)", logging.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("receiver error", logging.Error(err))
		os.Exit(1)
	}
}

func newHandler(log logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		_ = r.Body.Close()
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}

		var ev activation.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			log.Warn("received non-event payload", logging.Int("bytes", len(body)), logging.Error(err))
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}

		fields := []logging.Field{
			logging.String("event_id", ev.EventID),
			logging.String("header_event_id", r.Header.Get("X-Vigia-Event-Id")),
			logging.String("message_id", ev.MessageID),
			logging.String("outcome", string(ev.Outcome)),
			logging.Float64("latency_ms", ev.LatencyMs),
		}
		if c := ev.Classification; c != nil {
			fields = append(fields,
				logging.String("risk_level", string(c.RiskLevel)),
				logging.Float64("suicidal_probability", c.SuicidalProbability),
				logging.Strings("indicators", c.IndicatorsFound),
			)
		}
		log.Info("received audit event", fields...)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, `{"status":"ok"}`)
	}
}

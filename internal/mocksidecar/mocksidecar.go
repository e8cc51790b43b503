// Package mocksidecar runs a local stand-in for the remote classifier
// sidecar, answering with any in-process Classifier.
package mocksidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vigia-ai/vigia/internal/classifier"
	"github.com/vigia-ai/vigia/internal/logging"
)

const (
	defaultPort    = 18081
	defaultDelayMS = 0
)

// Start launches the mock sidecar. If addr is empty, it listens on
// 127.0.0.1:MOCK_SIDECAR_PORT (default 18081). MOCK_DELAY_MS adds latency to
// every classification. It returns a shutdown function and the base URL.
func Start(addr string, c classifier.Classifier, log logging.Logger) (func(context.Context) error, string, error) {
	if c == nil {
		return nil, "", errors.New("mock sidecar needs a classifier")
	}
	if log == nil {
		log = logging.Nop()
	}
	if strings.TrimSpace(addr) == "" {
		port := strings.TrimSpace(os.Getenv("MOCK_SIDECAR_PORT"))
		if port == "" {
			port = strconv.Itoa(defaultPort)
		}
		addr = "127.0.0.1:" + port
	}

	delay := defaultDelayMS
	if val := strings.TrimSpace(os.Getenv("MOCK_DELAY_MS")); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed >= 0 {
			delay = parsed
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           Handler(c, time.Duration(delay)*time.Millisecond, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("mock sidecar server error", logging.Error(err))
		}
	}()

	baseURL := "http://" + ln.Addr().String()
	log.Info("mock sidecar listening", logging.String("url", baseURL), logging.Int("delay_ms", delay))
	return srv.Shutdown, baseURL, nil
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	SuicidalProbability *float64 `json:"suicidal_probability,omitempty"`
	ModelVersion        string   `json:"model_version,omitempty"`
	Error               string   `json:"error,omitempty"`
}

// Handler serves GET /health and POST /classify.
func Handler(c classifier.Classifier, delay time.Duration, log logging.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if !c.Ready() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": c.Ready(), "model_version": c.Info().Version})
	})
	mux.HandleFunc("POST /classify", func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, classifyResponse{Error: "invalid JSON body"})
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		res, err := c.Classify(r.Context(), req.Text)
		if err != nil {
			log.Warn("mock sidecar classify failed", logging.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, classifyResponse{Error: err.Error()})
			return
		}
		p := res.SuicidalProbability
		writeJSON(w, http.StatusOK, classifyResponse{SuicidalProbability: &p, ModelVersion: c.Info().Version})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

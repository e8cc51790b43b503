// Package server exposes the scoring service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/vigia-ai/vigia/internal/config"
	"github.com/vigia-ai/vigia/internal/logging"
	"github.com/vigia-ai/vigia/internal/messages"
	"github.com/vigia-ai/vigia/internal/service"
	"github.com/vigia-ai/vigia/internal/telemetry"
)

// MessageSource is the read side of the message store.
type MessageSource interface {
	List(ctx context.Context) ([]messages.Message, int, error)
	ListByUser(ctx context.Context, userID string) ([]messages.Message, string, error)
}

// Deps are the collaborators a Server routes to. Messages and Metrics are
// optional.
type Deps struct {
	Config   config.ServerConfig
	Service  *service.Service
	Messages MessageSource
	Metrics  *telemetry.Metrics
	Logger   logging.Logger
}

// Server is the vigia HTTP front.
type Server struct {
	mux     *http.ServeMux
	cfg     config.ServerConfig
	svc     *service.Service
	msgs    MessageSource
	metrics *telemetry.Metrics
	log     logging.Logger
	limiter *rate.Limiter
}

// New creates a new server with all routes registered.
func New(d Deps) (*Server, error) {
	if d.Service == nil {
		return nil, errors.New("server: service is required")
	}
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	s := &Server{
		mux:     http.NewServeMux(),
		cfg:     d.Config,
		svc:     d.Service,
		msgs:    d.Messages,
		metrics: d.Metrics,
		log:     d.Logger,
	}
	if d.Config.RateLimitRPS > 0 {
		burst := d.Config.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(d.Config.RateLimitRPS), burst)
	}

	// Routes
	s.handle("GET /health", s.handleHealth)
	s.handle("GET /healthz", s.handleLiveness)
	s.handle("GET /users/messages", s.handleMessages)
	s.handle("GET /users/{id}/messages", s.handleUserMessages)
	s.handle("POST /predict/detailed", s.limit(s.handlePredictDetailed))
	s.handle("POST /predict", s.limit(s.handlePredict))

	if d.Config.EnableAdmin {
		s.handle("GET /admin/thresholds", s.handleGetThresholds)
		s.handle("PUT /admin/thresholds", s.handlePutThresholds)
		s.handle("POST /admin/reload", s.handleReload)
		s.handle("POST /admin/unload", s.handleUnload)
		s.handle("GET /admin/lexicon", s.handleLexicon)
		s.handle("POST /admin/lexicon/match", s.handleLexiconMatch)
	}

	if d.Metrics != nil {
		s.mux.Handle("GET /metrics", d.Metrics.Handler())
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to shutdownGrace.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

const shutdownGrace = 10 * time.Second

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.mux,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	s.log.Info("vigia listening", logging.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// handle registers h under pattern and counts responses per route.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(pattern, rec.status)
		}
	})
}

func (s *Server) limit(h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			if s.metrics != nil {
				s.metrics.RateLimited.Inc()
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

package activation

import (
	"context"
	"sync"
	"time"

	"github.com/vigia-ai/vigia/internal/logging"
	"github.com/vigia-ai/vigia/internal/telemetry"
)

// Sink consumes audit events (stdout, file, webhook).
type Sink interface {
	Name() string
	Deliver(context.Context, *Event) error
	Close(context.Context) error
}

// Drop reasons reported to telemetry.
const (
	dropQueueFull = "queue_full"
	dropClosed    = "closed"
)

// EmitterConfig sizes the queue and worker pool. Metrics may be nil.
type EmitterConfig struct {
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration
	Logger          logging.Logger
	Metrics         *telemetry.Metrics
}

// Emitter hands audit events to sinks off the request path. When the queue
// is full the event is dropped and counted; scoring never waits on audit.
type Emitter struct {
	queue           chan *Event
	sinks           []Sink
	shutdownTimeout time.Duration
	log             logging.Logger
	metrics         *telemetry.Metrics

	// mu guards closed against a send on the closed queue.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewEmitter(cfg EmitterConfig, sinks []Sink) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	cfg.Metrics.InitAuditSinks(names...)

	em := &Emitter{
		queue:           make(chan *Event, cfg.QueueSize),
		sinks:           sinks,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             cfg.Logger,
		metrics:         cfg.Metrics,
	}
	for i := 0; i < cfg.Workers; i++ {
		em.wg.Add(1)
		go em.worker()
	}
	return em
}

// Emit enqueues ev without blocking.
func (e *Emitter) Emit(ctx context.Context, ev *Event) {
	if e == nil || ev == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.metrics.AuditDropped(dropClosed)
		return
	}
	select {
	case e.queue <- ev:
		e.metrics.AuditEnqueued()
	default:
		e.metrics.AuditDropped(dropQueueFull)
		e.log.Debug("audit queue full, event dropped", logging.String("event_id", ev.EventID))
	}
}

// Close stops intake, drains what it can within the shutdown timeout and
// closes the sinks.
func (e *Emitter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, e.shutdownTimeout)
	defer cancel()

	select {
	case <-done:
	case <-waitCtx.Done():
		e.log.Warn("audit queue not drained before shutdown", logging.Int("pending", len(e.queue)))
	}

	for _, s := range e.sinks {
		if err := s.Close(waitCtx); err != nil {
			e.log.Warn("audit sink close failed", logging.String("sink", s.Name()), logging.Error(err))
		}
	}
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		for _, s := range e.sinks {
			err := s.Deliver(context.Background(), ev)
			e.metrics.AuditDelivered(s.Name(), err == nil)
			if err != nil {
				e.log.Warn("audit sink delivery failed",
					logging.String("sink", s.Name()),
					logging.String("event_id", ev.EventID),
					logging.Error(err),
				)
			}
		}
	}
}

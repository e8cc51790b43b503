package activation

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// WriterSink writes one JSON line per event, stdout by default.
type WriterSink struct {
	name string
	w    io.Writer
	mu   sync.Mutex
}

func NewStdoutSink() *WriterSink {
	return &WriterSink{name: "stdout", w: os.Stdout}
}

func NewWriterSink(name string, w io.Writer) *WriterSink {
	return &WriterSink{name: name, w: w}
}

func (s *WriterSink) Name() string { return s.name }

func (s *WriterSink) Deliver(_ context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}
	data, err := Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (s *WriterSink) Close(context.Context) error { return nil }

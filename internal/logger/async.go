package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// job pairs a record with the handler (including its bound attributes) that writes it.
type job struct {
	h   slog.Handler
	rec slog.Record
}

type pool struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan job
	wg      sync.WaitGroup
	dropped atomic.Int64
	root    slog.Handler
}

// AsyncHandler hands records to a pool of workers through a buffered
// channel so that heartbeat loops never block on log I/O. Records are
// dropped, and counted, when the buffer is full or after Close.
type AsyncHandler struct {
	inner slog.Handler
	p     *pool
}

// NewAsyncHandler creates an AsyncHandler with the given buffer size and worker count.
func NewAsyncHandler(inner slog.Handler, bufSize, workers int) *AsyncHandler {
	p := &pool{ch: make(chan job, bufSize), root: inner}
	for range max(workers, 1) {
		p.wg.Add(1)
		go p.drain()
	}
	return &AsyncHandler{inner: inner, p: p}
}

func (p *pool) drain() {
	defer p.wg.Done()
	for j := range p.ch {
		_ = j.h.Handle(context.Background(), j.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record without blocking.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.p.mu.RLock()
	defer h.p.mu.RUnlock()
	if h.p.closed {
		h.p.dropped.Add(1)
		return nil
	}
	select {
	case h.p.ch <- job{h: h.inner, rec: rec.Clone()}:
	default:
		h.p.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same workers but wrapping a new inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), p: h.p}
}

// WithGroup returns a handler sharing the same workers but wrapping a new inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), p: h.p}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.p.dropped.Load()
}

// Close stops accepting records and waits for the workers to drain. If any
// records were dropped, one final warning with the count is written.
func (h *AsyncHandler) Close() {
	h.p.mu.Lock()
	if h.p.closed {
		h.p.mu.Unlock()
		return
	}
	h.p.closed = true
	close(h.p.ch)
	h.p.mu.Unlock()

	h.p.wg.Wait()
	if n := h.p.dropped.Load(); n > 0 {
		rec := slog.NewRecord(time.Now(), slog.LevelWarn, "async logger dropped records", 0)
		rec.AddAttrs(slog.Int64("dropped", n))
		_ = h.p.root.Handle(context.Background(), rec)
	}
}

package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"execengine/internal/breaker"
	"execengine/internal/metrics"
	"execengine/internal/model"
)

const flushTimeout = 10 * time.Second

// AuditSink records events to the audit stream through a circuit breaker.
// Events that cannot be written (breaker open or write error) are buffered
// locally and flushed when the breaker closes again.
type AuditSink struct {
	writer *Writer
	cb     *breaker.Breaker
	log    *slog.Logger
	m      *metrics.Metrics

	mu       sync.Mutex
	buffer   []model.Event
	maxBuf   int // oldest dropped beyond this
	flushing bool
}

// NewAuditSink wraps w with cb. maxBufferSize <= 0 means 10000.
func NewAuditSink(w *Writer, cb *breaker.Breaker, maxBufferSize int, log *slog.Logger, m *metrics.Metrics) *AuditSink {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	s := &AuditSink{
		writer: w,
		cb:     cb,
		log:    log,
		m:      metrics.OrNop(m),
		buffer: make([]model.Event, 0, 64),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to breaker.State) {
		if prev != nil {
			prev(from, to)
		}
		s.m.BreakerState.WithLabelValues("redis").Set(float64(to))
		if to == breaker.StateOpen {
			s.m.BreakerTrips.WithLabelValues("redis").Inc()
		}
		if to == breaker.StateClosed {
			go s.flush()
		}
	}
	return s
}

// Name implements events.Sink.
func (s *AuditSink) Name() string { return "redis" }

// Record implements events.Sink. A buffered event still reports the write
// error so the emitter counts the failure; breaker rejections are silent.
func (s *AuditSink) Record(ctx context.Context, ev model.Event) error {
	err := s.cb.Execute(func() error {
		return s.writer.WriteEvent(ctx, ev)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, breaker.ErrOpen):
		s.bufferEvent(ev)
		return nil
	default:
		s.bufferEvent(ev)
		return err
	}
}

func (s *AuditSink) bufferEvent(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) >= s.maxBuf {
		s.buffer = s.buffer[1:]
		s.log.Warn("audit buffer full, dropping oldest event")
	}
	s.buffer = append(s.buffer, ev)
}

// flush replays buffered events in order. It stops at the first failure and
// keeps the remainder for the next close.
func (s *AuditSink) flush() {
	s.mu.Lock()
	if s.flushing || len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	toFlush := s.buffer
	s.buffer = make([]model.Event, 0, 64)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	flushed := 0
	for i, ev := range toFlush {
		if err := s.writer.WriteEvent(ctx, ev); err != nil {
			s.log.Warn("audit flush interrupted", "flushed", flushed, "remaining", len(toFlush)-i, "err", err)
			s.mu.Lock()
			s.buffer = append(toFlush[i:len(toFlush):len(toFlush)], s.buffer...)
			if over := len(s.buffer) - s.maxBuf; over > 0 {
				s.buffer = s.buffer[over:]
			}
			s.flushing = false
			s.mu.Unlock()
			return
		}
		flushed++
	}

	s.mu.Lock()
	s.flushing = false
	s.mu.Unlock()
	s.log.Info("audit buffer flushed", "count", flushed)
}

// Flush writes any buffered events now.
func (s *AuditSink) Flush() { s.flush() }

// PendingCount returns the number of buffered events waiting to be flushed.
func (s *AuditSink) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

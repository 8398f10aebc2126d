// Package events fans engine events out to notifiers and audit sinks
// without ever blocking the publisher.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"execengine/internal/logger"
	"execengine/internal/metrics"
	"execengine/internal/model"
	"execengine/internal/notification"
)

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(ev model.Event)
}

type discard struct{}

func (discard) Publish(model.Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// Sink durably records events (sqlite audit table, redis stream).
type Sink interface {
	Name() string
	Record(ctx context.Context, ev model.Event) error
}

// Config controls the emitter queue and delivery timeouts.
type Config struct {
	QueueSize       int
	DeliveryTimeout time.Duration
}

// Emitter queues events and delivers them on a single worker. A full queue
// drops the event and counts it.
type Emitter struct {
	queue     chan model.Event
	timeout   time.Duration
	notifiers []notification.Notifier
	sinks     []Sink
	log       *slog.Logger
	m         *metrics.Metrics
}

// NewEmitter creates an emitter. Register notifiers and sinks before Run.
func NewEmitter(cfg Config, log *slog.Logger, m *metrics.Metrics) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	return &Emitter{
		queue:   make(chan model.Event, cfg.QueueSize),
		timeout: cfg.DeliveryTimeout,
		log:     logger.Component(log, "events"),
		m:       metrics.OrNop(m),
	}
}

// AddNotifier registers a notifier.
func (e *Emitter) AddNotifier(n notification.Notifier) { e.notifiers = append(e.notifiers, n) }

// AddSink registers an audit sink.
func (e *Emitter) AddSink(s Sink) { e.sinks = append(e.sinks, s) }

// Publish enqueues ev. It never blocks.
func (e *Emitter) Publish(ev model.Event) {
	select {
	case e.queue <- ev:
		e.m.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	default:
		e.m.EventsDropped.Inc()
		e.log.Warn("event queue full, dropping event", "kind", ev.Kind, "id", ev.ID)
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-e.queue:
			e.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.queue:
					e.deliver(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (e *Emitter) deliver(ev model.Event) {
	for _, s := range e.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := s.Record(ctx, ev); err != nil {
			e.m.SinkFailures.WithLabelValues(s.Name()).Inc()
			e.log.Error("audit sink failed", "sink", s.Name(), "kind", ev.Kind, "error", err)
		}
		cancel()
	}

	var wg sync.WaitGroup
	for _, n := range e.notifiers {
		wg.Add(1)
		go func(n notification.Notifier) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()
			if err := n.Send(ctx, ev); err != nil {
				e.m.NotifierFailures.WithLabelValues(n.Name()).Inc()
				e.log.Warn("notifier failed", "notifier", n.Name(), "kind", ev.Kind, "error", err)
			}
		}(n)
	}
	wg.Wait()
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *Recorder) Publish(ev model.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(kind model.EventKind) []model.Event {
	var out []model.Event
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

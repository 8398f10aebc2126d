// Package dispatch sends broker calls through a shared token bucket, the
// session manager, a retry policy and a circuit breaker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"execengine/internal/breaker"
	"execengine/internal/logger"
	"execengine/internal/metrics"
	"execengine/internal/model"
)

// Sessions hands out access tokens and learns when one stops working.
type Sessions interface {
	EnsureSession(ctx context.Context) (string, error)
	Invalidate(token string)
}

// Request is one logical broker call. Results are captured by Call's closure.
type Request struct {
	Op             string
	IdempotencyKey string
	Call           func(ctx context.Context, token string) error
	// Lookup, if set, reports whether an earlier attempt already took effect.
	// It runs before every resubmission that follows an ambiguous failure.
	Lookup func(ctx context.Context, token string) (bool, error)
}

// Config tunes the dispatcher.
type Config struct {
	Rate            float64 // requests per second
	Burst           int
	AcquireTimeout  time.Duration
	AttemptTimeout  time.Duration
	BreakerFailures int
	BreakerReset    time.Duration
	Retry           RetryPolicy
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	limiter  *rate.Limiter
	sessions Sessions
	breaker  *breaker.Breaker
	tracer   trace.Tracer
	log      *slog.Logger
	m        *metrics.Metrics
}

// New creates a dispatcher.
func New(cfg Config, sessions Sessions, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 30 * time.Second
	}

	d := &Dispatcher{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		sessions: sessions,
		tracer:   otel.Tracer("execengine/dispatch"),
		log:      logger.Component(log, "dispatch"),
		m:        metrics.OrNop(m),
	}

	d.breaker = breaker.New(cfg.BreakerFailures, cfg.BreakerReset)
	d.breaker.Counts = IsTransient
	d.breaker.OnStateChange = func(from, to breaker.State) {
		d.m.BreakerState.WithLabelValues("broker").Set(float64(to))
		if to == breaker.StateOpen {
			d.m.BreakerTrips.WithLabelValues("broker").Inc()
		}
		d.log.Warn("broker circuit breaker state change", "from", from.String(), "to", to.String())
	}
	return d
}

// BreakerState exposes the breaker state for health reporting.
func (d *Dispatcher) BreakerState() breaker.State { return d.breaker.CurrentState() }

// Send performs req. It returns nil on success, ErrRejected for a business
// rejection, ErrRateLimitTimeout if no token could be had in time,
// ErrBrokerUnavailable while the breaker is open, and ErrDispatchFailed
// wrapping the last error once retries are exhausted.
func (d *Dispatcher) Send(ctx context.Context, req Request) (err error) {
	ctx, span := d.tracer.Start(ctx, "dispatch."+req.Op, trace.WithAttributes(
		attribute.String("dispatch.op", req.Op),
		attribute.String("dispatch.idempotency_key", req.IdempotencyKey),
	))
	start := time.Now()
	defer func() {
		d.m.DispatchDur.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := d.log.With("op", req.Op, "idempotency_key", req.IdempotencyKey)

	var (
		last        error
		ambiguous   bool
		authRetried bool
	)
	for attempt := 1; attempt <= d.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			d.m.DispatchRetries.WithLabelValues(req.Op).Inc()
			if serr := sleep(ctx, d.cfg.Retry.Backoff(attempt-1)); serr != nil {
				return model.WrapError(model.ErrDispatchFailed, last)
			}
		}
		if err := d.acquire(ctx); err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("dispatch.attempts", attempt))

		token, err := d.sessions.EnsureSession(ctx)
		if err != nil {
			return err
		}

		if ambiguous && req.Lookup != nil {
			var found bool
			err = d.call(ctx, func(c context.Context) error {
				var lerr error
				found, lerr = req.Lookup(c, token)
				return lerr
			})
			err = lookupFailure(err)
			if err == nil && found {
				d.m.IdempotentHits.Inc()
				d.m.DispatchAttempts.WithLabelValues(req.Op, "idempotent").Inc()
				log.Info("earlier attempt took effect, not resubmitting", "attempt", attempt)
				return nil
			}
			if err == nil {
				err = d.acquire(ctx)
				if err != nil {
					return err
				}
			}
		}
		if err == nil {
			err = d.call(ctx, func(c context.Context) error { return req.Call(c, token) })
		}

		outcome, retry := d.classify(ctx, err)
		d.m.DispatchAttempts.WithLabelValues(req.Op, outcome).Inc()

		switch outcome {
		case "ok":
			return nil
		case "breaker_open":
			return model.WrapError(model.ErrBrokerUnavailable, err)
		case "unauthorized":
			d.sessions.Invalidate(token)
			if authRetried {
				return model.WrapError(model.ErrDispatchFailed, err)
			}
			authRetried = true
			attempt--
			log.Warn("authorization rejected, re-authenticating", "error", err)
			continue
		case "rejected":
			return err
		}
		if !retry {
			return model.WrapError(model.ErrDispatchFailed, err)
		}
		last = err
		ambiguous = true
		log.Warn("transient dispatch failure", "attempt", attempt, "error", err)
	}

	log.Error("dispatch retries exhausted", "attempts", d.cfg.Retry.MaxAttempts, "error", last)
	return model.WrapError(model.ErrDispatchFailed, last)
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, d.cfg.AcquireTimeout)
	defer cancel()

	start := time.Now()
	err := d.limiter.Wait(actx)
	d.m.RateLimitWait.Observe(time.Since(start).Seconds())
	if err != nil {
		return model.WrapError(model.ErrRateLimitTimeout, err)
	}
	return nil
}

func (d *Dispatcher) call(ctx context.Context, fn func(context.Context) error) error {
	return d.breaker.Execute(func() error {
		if d.cfg.AttemptTimeout <= 0 {
			return fn(ctx)
		}
		actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
		return fn(actx)
	})
}

// lookupFailure keeps a failed lookup from ending the dispatch as a
// business rejection: the earlier attempt may still have reached the
// broker, so anything but an auth, breaker or cancellation error becomes a
// transient failure carrying only the message.
func lookupFailure(err error) error {
	switch {
	case err == nil,
		errors.Is(err, breaker.ErrOpen),
		errors.Is(err, model.ErrUnauthorized),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return model.WrapError(model.ErrTransient, fmt.Errorf("order lookup: %s", err))
}

// classify names the outcome of one attempt and whether it may be retried.
func (d *Dispatcher) classify(ctx context.Context, err error) (string, bool) {
	switch {
	case err == nil:
		return "ok", false
	case errors.Is(err, breaker.ErrOpen):
		return "breaker_open", false
	case errors.Is(err, model.ErrUnauthorized):
		return "unauthorized", false
	case errors.Is(err, model.ErrRejected):
		return "rejected", false
	case ctx.Err() != nil:
		return "cancelled", false
	case d.cfg.Retry.retryable(err):
		return "transient", true
	default:
		return "error", false
	}
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"execengine/internal/metrics"

	goredis "github.com/go-redis/redis/v8"
)

// Handler processes one intake message payload. Returning nil or a
// Permanent error acks the message; any other error leaves it pending for
// redelivery through RecoverPending.
type Handler func(ctx context.Context, data []byte) error

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as one redelivery cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string        // consumer group name, e.g. "execengine"
	ConsumerName  string        // unique consumer name, e.g. hostname
	Block         time.Duration // XREADGROUP block, default 2s
	Count         int64         // messages per read, default 100
}

// Reader consumes intake streams through a consumer group with
// at-least-once delivery: messages are acked only after their handler
// returns.
type Reader struct {
	client        *goredis.Client
	consumerGroup string
	consumerName  string
	block         time.Duration
	count         int64
	log           *slog.Logger
	m             *metrics.Metrics
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig, log *slog.Logger, m *metrics.Metrics) (*Reader, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	group := cfg.ConsumerGroup
	if group == "" {
		group = "execengine"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}
	block := cfg.Block
	if block <= 0 {
		block = 2 * time.Second
	}
	count := cfg.Count
	if count <= 0 {
		count = 100
	}

	log.Info("redis reader connected", "addr", cfg.Addr, "group", group, "consumer", consumer)
	return &Reader{
		client:        client,
		consumerGroup: group,
		consumerName:  consumer,
		block:         block,
		count:         count,
		log:           log,
		m:             metrics.OrNop(m),
	}, nil
}

// EnsureConsumerGroup creates the consumer group on each stream if missing.
// Fresh groups start at "0" so messages enqueued before the first start are
// not skipped.
func (r *Reader) EnsureConsumerGroup(ctx context.Context, streams ...string) error {
	for _, stream := range streams {
		err := r.client.XGroupCreateMkStream(ctx, stream, r.consumerGroup, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// Consume reads new messages from stream and hands each to h. It blocks
// until ctx is cancelled.
func (r *Reader) Consume(ctx context.Context, stream string, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			Streams:  []string{stream, ">"},
			Count:    r.count,
			Block:    r.block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
				continue
			}
			r.log.Warn("xreadgroup failed", "stream", stream, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		for _, res := range results {
			for _, msg := range res.Messages {
				r.handle(ctx, res.Stream, msg, h)
			}
		}
	}
}

// RecoverPending claims and reprocesses messages delivered to this group
// but never acked, e.g. after a crash or a retryable handler error.
func (r *Reader) RecoverPending(ctx context.Context, stream string, h Handler) error {
	// Messages whose handler fails again stay pending; skip past them so
	// the loop terminates.
	start := "-"
	for {
		pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream: stream,
			Group:  r.consumerGroup,
			Start:  start,
			End:    "+",
			Count:  r.count,
		}).Result()
		if err != nil {
			return fmt.Errorf("xpending %s: %w", stream, err)
		}
		if len(pending) == 0 {
			return nil
		}

		ids := make([]string, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
		}

		claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   stream,
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			MinIdle:  0,
			Messages: ids,
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim %s: %w", stream, err)
		}

		for _, msg := range claimed {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.handle(ctx, stream, msg, h)
		}

		if int64(len(pending)) < r.count {
			return nil
		}
		start = nextID(ids[len(ids)-1])
	}
}

// nextID returns the smallest stream id greater than id.
func nextID(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return id
	}
	return ms + "-" + strconv.FormatUint(n+1, 10)
}

func (r *Reader) handle(ctx context.Context, stream string, msg goredis.XMessage, h Handler) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		r.log.Warn("intake message without data field", "stream", stream, "id", msg.ID)
		r.ack(ctx, stream, msg.ID, "malformed")
		return
	}

	err := h(ctx, []byte(data))
	switch {
	case err == nil:
		r.ack(ctx, stream, msg.ID, "ok")
	case IsPermanent(err):
		r.log.Warn("intake message dropped", "stream", stream, "id", msg.ID, "err", err)
		r.ack(ctx, stream, msg.ID, "dropped")
	default:
		r.log.Warn("intake message left pending", "stream", stream, "id", msg.ID, "err", err)
		r.m.IntakeMessages.WithLabelValues(stream, "pending").Inc()
	}
}

func (r *Reader) ack(ctx context.Context, stream, id, outcome string) {
	r.m.IntakeMessages.WithLabelValues(stream, outcome).Inc()
	if err := r.client.XAck(context.WithoutCancel(ctx), stream, r.consumerGroup, id).Err(); err != nil {
		r.log.Warn("xack failed", "stream", stream, "id", id, "err", err)
	}
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}

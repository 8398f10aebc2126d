// Package redis carries the engine's Redis traffic: an audit stream of
// every emitted event and consumer-group intake of intents, contract-note
// fill records and quotes.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"execengine/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultAuditStream  = "exec:events"
	defaultAuditMaxLen  = 100000
	defaultIntakeMaxLen = 10000
	eventChannelPrefix  = "pub:exec:event:"
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr        string // Redis address, e.g. "localhost:6379"
	Password    string
	DB          int
	AuditStream string
	AuditMaxLen int64
}

// Writer appends events to the audit stream and publishes them for live
// subscribers.
type Writer struct {
	client *goredis.Client
	stream string
	maxLen int64
	log    *slog.Logger
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig, log *slog.Logger) (*Writer, error) {
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

	if cfg.AuditStream == "" {
		cfg.AuditStream = defaultAuditStream
	}
	if cfg.AuditMaxLen <= 0 {
		cfg.AuditMaxLen = defaultAuditMaxLen
	}
	log.Info("redis connected", "addr", cfg.Addr, "audit_stream", cfg.AuditStream)
	return &Writer{client: client, stream: cfg.AuditStream, maxLen: cfg.AuditMaxLen, log: log}, nil
}

// Stream returns the audit stream key.
func (w *Writer) Stream() string { return w.stream }

// WriteEvent appends ev to the audit stream and publishes it on the
// per-kind channel in one pipeline.
func (w *Writer) WriteEvent(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	jsonData := string(data)

	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: w.stream,
		MaxLen: w.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":   ev.ID,
			"kind": string(ev.Kind),
			"data": jsonData,
		},
	})
	pipe.Publish(ctx, eventChannelPrefix+string(ev.Kind), jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis audit pipeline for %s: %w", ev.ID, err)
	}
	return nil
}

// Enqueue adds v as a JSON "data" field to an intake stream and returns the
// message id. Producers (signal engine, contract-note extraction, tooling)
// use it so they agree with Reader on the message shape.
func (w *Writer) Enqueue(ctx context.Context, stream string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s message: %w", stream, err)
	}
	id, err := w.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: defaultIntakeMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}

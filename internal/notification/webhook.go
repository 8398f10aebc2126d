package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"execengine/internal/model"
)

// WebhookNotifier posts each event as JSON to an HTTP endpoint. The event id
// travels in X-Event-ID so receivers can drop redelivered events.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

type webhookBody struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Level   AlertLevel     `json:"level"`
	Payload map[string]any `json:"payload"`
	TS      string         `json:"ts"`
}

func (w *WebhookNotifier) Send(ctx context.Context, ev model.Event) error {
	body, err := json.Marshal(webhookBody{
		ID:      ev.ID,
		Kind:    string(ev.Kind),
		Level:   LevelFor(ev.Kind),
		Payload: ev.Payload,
		TS:      ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: encode %s: %w", ev.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", ev.ID)
	req.Header.Set("X-Event-Kind", string(ev.Kind))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post %s: %w", ev.Kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook: %s rejected with status %d: %s", ev.Kind, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	log.Printf("[webhook] delivered %s %s", ev.Kind, ev.ID)
	return nil
}

package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log"
	"net/http"
	"strings"
	"time"

	"execengine/internal/model"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts events to a chat through the Telegram Bot API.
// Info-level events are delivered silently.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier for one chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  telegramAPI,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

// telegramReply is the Bot API response envelope.
type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *TelegramNotifier) Send(ctx context.Context, ev model.Event) error {
	alert := Render(ev)
	payload := map[string]interface{}{
		"chat_id":              t.chatID,
		"text":                 telegramHTML(alert),
		"parse_mode":           "HTML",
		"disable_notification": alert.Level == AlertInfo,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var reply telegramReply
		_ = json.NewDecoder(resp.Body).Decode(&reply)
		if reply.Parameters.RetryAfter > 0 {
			return fmt.Errorf("telegram: rate limited, retry after %ds", reply.Parameters.RetryAfter)
		}
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, reply.Description)
	}

	log.Printf("[telegram] sent %s %s", ev.Kind, ev.ID)
	return nil
}

// telegramHTML formats an alert as Bot API HTML: a bold title with a level
// marker, then one payload line per key.
func telegramHTML(a Alert) string {
	marker := "ℹ️"
	switch a.Level {
	case AlertWarning:
		marker = "⚠️"
	case AlertCritical:
		marker = "🚨"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>", marker, html.EscapeString(a.Title))
	if a.Message != "" {
		b.WriteString("\n\n<pre>")
		b.WriteString(html.EscapeString(a.Message))
		b.WriteString("</pre>")
	}
	return b.String()
}

package notification

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"execengine/internal/model"
)

// smsMaxLen keeps a message within a single concatenated SMS.
const smsMaxLen = 300

// SMSNotifier sends short texts through an HTTP SMS gateway that accepts a
// form-encoded POST with "to" and "body" fields and bearer authentication.
type SMSNotifier struct {
	gatewayURL string
	apiKey     string
	recipients []string
	client     *http.Client
}

// NewSMSNotifier creates an SMS notifier.
func NewSMSNotifier(gatewayURL, apiKey string, recipients []string) *SMSNotifier {
	return &SMSNotifier{
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
		recipients: recipients,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SMSNotifier) Name() string { return "sms" }

// Send texts every recipient. It stops at the first failure.
func (s *SMSNotifier) Send(ctx context.Context, ev model.Event) error {
	a := Render(ev)
	text := fmt.Sprintf("[%s] %s %s", a.Level, a.Title, strings.ReplaceAll(a.Message, "\n", "; "))
	if len(text) > smsMaxLen {
		text = text[:smsMaxLen]
	}

	for _, to := range s.recipients {
		form := url.Values{"to": {to}, "body": {text}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("sms: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("sms: send to %s: %w", to, err)
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("sms: unexpected status %d for %s", resp.StatusCode, to)
		}
	}

	log.Printf("[sms] sent %s to %d recipient(s)", ev.Kind, len(s.recipients))
	return nil
}

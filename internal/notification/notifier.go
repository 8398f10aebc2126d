// Package notification delivers engine events to external channels
// (log, webhook, Telegram, SMS gateway).
package notification

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"execengine/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is the human-readable rendering of an event.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	Name() string
	// Send delivers an event. Returns error if delivery fails.
	Send(ctx context.Context, ev model.Event) error
}

// LevelFor maps an event kind to an alert severity.
func LevelFor(kind model.EventKind) AlertLevel {
	switch kind {
	case model.EventOrderRejected, model.EventSessionExpired:
		return AlertWarning
	case model.EventReconciliationDiscrepancy, model.EventDispatchFailed:
		return AlertCritical
	default:
		return AlertInfo
	}
}

// Render turns an event into an alert. Payload keys are emitted in sorted
// order so messages are stable.
func Render(ev model.Event) Alert {
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %v", k, ev.Payload[k])
	}
	return Alert{
		Level:   LevelFor(ev.Kind),
		Title:   string(ev.Kind),
		Message: b.String(),
	}
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(ctx context.Context, ev model.Event) error {
	a := Render(ev)
	log.Printf("[notify] [%s] %s: %s", a.Level, a.Title, strings.ReplaceAll(a.Message, "\n", ", "))
	return nil
}

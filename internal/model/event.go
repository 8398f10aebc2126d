package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a lifecycle event delivered to notifiers.
type EventKind string

const (
	EventOrderAcknowledged         EventKind = "OrderAcknowledged"
	EventOrderFilled               EventKind = "OrderFilled"
	EventOrderRejected             EventKind = "OrderRejected"
	EventOrderCancelled            EventKind = "OrderCancelled"
	EventSessionExpired            EventKind = "SessionExpired"
	EventReconciliationDiscrepancy EventKind = "ReconciliationDiscrepancy"
	EventDispatchFailed            EventKind = "DispatchFailed"
)

// Event is immutable once built.
type Event struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(kind EventKind, payload map[string]any, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: now,
	}
}

// DiscrepancyKind classifies a reconciliation mismatch.
type DiscrepancyKind string

const (
	DiscrepancyUnknownOrder        DiscrepancyKind = "unknown_order"
	DiscrepancyFillMismatch        DiscrepancyKind = "fill_mismatch"
	DiscrepancyUnmatchedFillRecord DiscrepancyKind = "unmatched_fill_record"
	DiscrepancyUnsolicitedUpdate   DiscrepancyKind = "unsolicited_update"
	DiscrepancyOverfill            DiscrepancyKind = "overfill"
	DiscrepancyMissingAtBroker     DiscrepancyKind = "missing_at_broker"
	DiscrepancyRejectedButLive     DiscrepancyKind = "rejected_but_live"
)

// Discrepancy is a detected difference between the ledger and an
// authoritative source. Key identifies the condition so it is reported once.
type Discrepancy struct {
	Kind            DiscrepancyKind `json:"kind"`
	Key             string          `json:"key"`
	ClientRequestID string          `json:"client_request_id,omitempty"`
	BrokerOrderID   string          `json:"broker_order_id,omitempty"`
	InstrumentID    string          `json:"instrument_id,omitempty"`
	LocalFilled     int64           `json:"local_filled,omitempty"`
	BrokerFilled    int64           `json:"broker_filled,omitempty"`
	Detail          string          `json:"detail,omitempty"`
}

// Event converts the discrepancy into its notification.
func (d Discrepancy) Event(now time.Time) Event {
	payload := map[string]any{
		"kind": string(d.Kind),
		"key":  d.Key,
	}
	if d.ClientRequestID != "" {
		payload["client_request_id"] = d.ClientRequestID
	}
	if d.BrokerOrderID != "" {
		payload["broker_order_id"] = d.BrokerOrderID
	}
	if d.InstrumentID != "" {
		payload["instrument_id"] = d.InstrumentID
	}
	if d.LocalFilled != 0 || d.BrokerFilled != 0 {
		payload["local_filled"] = d.LocalFilled
		payload["broker_filled"] = d.BrokerFilled
	}
	if d.Detail != "" {
		payload["detail"] = d.Detail
	}
	return NewEvent(EventReconciliationDiscrepancy, payload, now)
}

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// OrderState is a node in the order lifecycle.
type OrderState string

const (
	StateCreated         OrderState = "CREATED"
	StateSubmitted       OrderState = "SUBMITTED"
	StateAcknowledged    OrderState = "ACKNOWLEDGED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateRejected        OrderState = "REJECTED"
	StateCancelled       OrderState = "CANCELLED"
	StateFailed          OrderState = "FAILED"
)

// Terminal reports whether no further lifecycle transition is expected.
// Failed is terminal for the local submit path, but broker updates that
// prove the order exists are still applied to it.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateRejected, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Order is the local ledger record of one submitted intent.
type Order struct {
	ClientRequestID string          `json:"client_request_id"`
	BrokerOrderID   string          `json:"broker_order_id,omitempty"`
	InstrumentID    string          `json:"instrument_id"`
	Side            Side            `json:"side"`
	OrderType       OrderType       `json:"order_type"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	Quantity        int64           `json:"quantity"`
	FilledQuantity  int64           `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	State           OrderState      `json:"state"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewOrder creates the CREATED order for an intent.
func NewOrder(t TradeIntent, now time.Time) Order {
	return Order{
		ClientRequestID: t.ClientRequestID,
		InstrumentID:    t.InstrumentID,
		Side:            t.Side,
		OrderType:       t.OrderType,
		LimitPrice:      t.LimitPrice,
		Quantity:        t.Quantity,
		State:           StateCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Remaining is the unfilled quantity.
func (o Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// Tag is the broker-side order tag derived from the client request id.
func (o Order) Tag() string {
	return OrderTag(o.ClientRequestID)
}

// OrderTag maps a client request id onto the broker's short alphanumeric
// order tag (SmartAPI caps ordertag at 20 characters).
func OrderTag(clientRequestID string) string {
	sum := sha256.Sum256([]byte(clientRequestID))
	return hex.EncodeToString(sum[:])[:20]
}

// PlaceRequest is what the broker receives for a new order.
type PlaceRequest struct {
	Instrument Instrument
	Side       Side
	OrderType  OrderType
	Quantity   int64
	LimitPrice decimal.Decimal
	Tag        string
}

// PlaceRequestFor builds the broker request for an order.
func PlaceRequestFor(o Order) (PlaceRequest, error) {
	inst, err := ParseInstrument(o.InstrumentID)
	if err != nil {
		return PlaceRequest{}, err
	}
	return PlaceRequest{
		Instrument: inst,
		Side:       o.Side,
		OrderType:  o.OrderType,
		Quantity:   o.Quantity,
		LimitPrice: o.LimitPrice,
		Tag:        o.Tag(),
	}, nil
}

// Ack is the broker's acknowledgment of a placed order.
type Ack struct {
	BrokerOrderID string
}

package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType is MARKET or LIMIT.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TradeIntent is one instruction from the signal engine. It is immutable and
// consumed exactly once; ClientRequestID is the idempotency key for every
// broker call made on its behalf.
type TradeIntent struct {
	InstrumentID    string          `json:"instrument_id"`
	Side            Side            `json:"side"`
	Quantity        int64           `json:"quantity"`
	OrderType       OrderType       `json:"order_type"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	ClientRequestID string          `json:"client_request_id"`
}

// Validate checks the intent's static constraints.
func (t TradeIntent) Validate() error {
	switch {
	case strings.TrimSpace(t.ClientRequestID) == "":
		return WrapError(ErrInvalidIntent, fmt.Errorf("client request id is empty"))
	case t.Quantity <= 0:
		return WrapError(ErrInvalidIntent, fmt.Errorf("quantity %d must be positive", t.Quantity))
	case t.Side != SideBuy && t.Side != SideSell:
		return WrapError(ErrInvalidIntent, fmt.Errorf("side %q", t.Side))
	}
	switch t.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !t.LimitPrice.IsPositive() {
			return WrapError(ErrInvalidIntent, fmt.Errorf("limit order needs a positive limit price"))
		}
	default:
		return WrapError(ErrInvalidIntent, fmt.Errorf("order type %q", t.OrderType))
	}
	if _, err := ParseInstrument(t.InstrumentID); err != nil {
		return WrapError(ErrInvalidIntent, err)
	}
	return nil
}

// NewClientRequestID returns a fresh, globally unique client request id.
func NewClientRequestID() string {
	return uuid.NewString()
}

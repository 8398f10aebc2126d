package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill is one execution increment recorded in the ledger.
type Fill struct {
	ClientRequestID string          `json:"client_request_id"`
	BrokerOrderID   string          `json:"broker_order_id,omitempty"`
	InstrumentID    string          `json:"instrument_id"`
	Side            Side            `json:"side"`
	Quantity        int64           `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Timestamp       time.Time       `json:"timestamp"`
}

// SignedQuantity is positive for buys and negative for sells.
func (f Fill) SignedQuantity() int64 {
	return f.Side.Sign() * f.Quantity
}

// FillRecord is a fill extracted from a broker contract note. It is only
// ever compared against the ledger, never applied to it.
type FillRecord struct {
	InstrumentID  string          `json:"instrument_id"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Quote is a price observation from the market-data collaborator.
type Quote struct {
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BrokerState is the broker's view of an order, normalised across brokers.
type BrokerState string

const (
	BrokerOpen      BrokerState = "open"
	BrokerPartial   BrokerState = "partial"
	BrokerComplete  BrokerState = "complete"
	BrokerRejected  BrokerState = "rejected"
	BrokerCancelled BrokerState = "cancelled"
	BrokerUnknown   BrokerState = "unknown"
)

// StatusUpdate is an asynchronous order status notification.
//
// FilledQuantity is cumulative. Price is the price of the newly filled
// increment unless PriceIsAverage is set, in which case it is the broker's
// cumulative average and the increment price is derived from it.
type StatusUpdate struct {
	BrokerOrderID  string          `json:"broker_order_id"`
	Tag            string          `json:"tag,omitempty"`
	FilledQuantity int64           `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price"`
	PriceIsAverage bool            `json:"price_is_average,omitempty"`
	State          BrokerState     `json:"state"`
	Reason         string          `json:"reason,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// BrokerOrder is one row of the broker's order book snapshot.
type BrokerOrder struct {
	BrokerOrderID  string          `json:"broker_order_id"`
	Tag            string          `json:"tag,omitempty"`
	InstrumentID   string          `json:"instrument_id"`
	Side           Side            `json:"side"`
	Quantity       int64           `json:"quantity"`
	FilledQuantity int64           `json:"filled_quantity"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	State          BrokerState     `json:"state"`
	Reason         string          `json:"reason,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

package model

import "github.com/shopspring/decimal"

// Position is the aggregate of all fills for one instrument.
// NetQuantity is positive for long, negative for short.
type Position struct {
	InstrumentID string          `json:"instrument_id"`
	NetQuantity  int64           `json:"net_quantity"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	LastPrice    decimal.Decimal `json:"last_price"`
}

// UnrealizedPnL marks the open quantity at LastPrice.
func (p Position) UnrealizedPnL() decimal.Decimal {
	if p.NetQuantity == 0 || p.LastPrice.IsZero() {
		return decimal.Zero
	}
	return p.LastPrice.Sub(p.AvgCost).Mul(decimal.NewFromInt(p.NetQuantity))
}

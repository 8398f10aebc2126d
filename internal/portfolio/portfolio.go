// Package portfolio tracks positions and P&L derived from fills.
//
// Positions change only when a fill is applied. Quotes mark positions to
// market but never alter quantity, cost or realized P&L.
package portfolio

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"execengine/internal/model"
)

// Book holds one position per instrument. It is safe for concurrent use.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*model.Position // key = InstrumentID
	fills     int
}

// New creates an empty Book.
func New() *Book {
	return &Book{
		positions: make(map[string]*model.Position),
	}
}

// Apply books a fill and returns the updated position and the P&L it
// realized. Adding to a position moves the average cost; reducing it keeps
// the average cost and realizes the difference; crossing through flat
// restarts the average cost at the fill price.
func (b *Book) Apply(f model.Fill) (model.Position, decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[f.InstrumentID]
	if f.Quantity <= 0 {
		if !ok {
			return model.Position{InstrumentID: f.InstrumentID}, decimal.Zero
		}
		return *pos, decimal.Zero
	}
	if !ok {
		pos = &model.Position{InstrumentID: f.InstrumentID}
		b.positions[f.InstrumentID] = pos
	}
	b.fills++

	qty := f.SignedQuantity()
	realized := decimal.Zero

	switch {
	case pos.NetQuantity == 0 || (pos.NetQuantity > 0) == (qty > 0):
		held := decimal.NewFromInt(abs(pos.NetQuantity))
		add := decimal.NewFromInt(abs(qty))
		pos.AvgCost = pos.AvgCost.Mul(held).Add(f.Price.Mul(add)).Div(held.Add(add))
		pos.NetQuantity += qty
	default:
		closing := min(abs(qty), abs(pos.NetQuantity))
		direction := decimal.NewFromInt(sign(pos.NetQuantity))
		realized = f.Price.Sub(pos.AvgCost).Mul(decimal.NewFromInt(closing)).Mul(direction)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.NetQuantity += qty
		switch {
		case pos.NetQuantity == 0:
			pos.AvgCost = decimal.Zero
		case abs(qty) > closing:
			pos.AvgCost = f.Price
		}
	}
	if pos.LastPrice.IsZero() {
		pos.LastPrice = f.Price
	}
	return *pos, realized
}

// Mark updates the last price of an existing position.
func (b *Book) Mark(q model.Quote) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[q.InstrumentID]
	if !ok {
		return false
	}
	pos.LastPrice = q.Price
	return true
}

// Position returns the position for one instrument.
func (b *Book) Position(instrumentID string) (model.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[instrumentID]
	if !ok {
		return model.Position{}, false
	}
	return *pos, true
}

// Positions returns a snapshot of all positions ordered by instrument.
func (b *Book) Positions() []model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]model.Position, 0, len(b.positions))
	for _, p := range b.positions {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].InstrumentID < result[j].InstrumentID })
	return result
}

// Reset drops every position. Used before replaying the ledger.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]*model.Position)
	b.fills = 0
}

// PnLSummary aggregates P&L across the book.
type PnLSummary struct {
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	TotalFills    int             `json:"total_fills"`
	OpenPositions int             `json:"open_positions"`
}

// Summary returns the current P&L summary.
func (b *Book) Summary() PnLSummary {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := PnLSummary{TotalFills: b.fills}
	for _, p := range b.positions {
		s.RealizedPnL = s.RealizedPnL.Add(p.RealizedPnL)
		if p.NetQuantity == 0 {
			continue
		}
		s.OpenPositions++
		s.UnrealizedPnL = s.UnrealizedPnL.Add(p.UnrealizedPnL())
	}
	s.TotalPnL = s.RealizedPnL.Add(s.UnrealizedPnL)
	return s
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}

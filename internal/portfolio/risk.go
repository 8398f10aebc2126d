package portfolio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"execengine/internal/logger"
	"execengine/internal/model"
)

// RiskLimits defines configurable pre-trade thresholds. Zero disables a limit.
type RiskLimits struct {
	MaxPositionSize  int64           `json:"max_position_size"`  // max |net qty| per instrument after the order fills
	MaxOpenPositions int             `json:"max_open_positions"` // max number of non-flat instruments
	MaxDailyLoss     decimal.Decimal `json:"max_daily_loss"`     // max realized loss since ResetDaily
	MaxOrderNotional decimal.Decimal `json:"max_order_notional"` // max qty * limit price for LIMIT orders
}

// RiskManager checks intents against the book before they are dispatched.
type RiskManager struct {
	mu       sync.RWMutex
	limits   RiskLimits
	book     *Book
	baseline decimal.Decimal // realized P&L at the start of the day
	log      *slog.Logger
}

// NewRiskManager creates a RiskManager over book.
func NewRiskManager(limits RiskLimits, book *Book, log *slog.Logger) *RiskManager {
	return &RiskManager{
		limits:   limits,
		book:     book,
		baseline: book.Summary().RealizedPnL,
		log:      logger.Component(log, "risk"),
	}
}

// Check returns an ErrInvalidIntent-coded error naming the first limit the
// intent would breach.
func (rm *RiskManager) Check(intent model.TradeIntent) error {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if reason := rm.breach(intent); reason != "" {
		rm.log.Warn("pre-trade check failed", "client_request_id", intent.ClientRequestID, "reason", reason)
		return model.WrapError(model.ErrInvalidIntent, fmt.Errorf("risk: %s", reason))
	}
	return nil
}

func (rm *RiskManager) breach(intent model.TradeIntent) string {
	pos, held := rm.book.Position(intent.InstrumentID)
	isNew := !held || pos.NetQuantity == 0

	if isNew && rm.limits.MaxOpenPositions > 0 && rm.book.Summary().OpenPositions >= rm.limits.MaxOpenPositions {
		return "max open positions reached"
	}

	projected := pos.NetQuantity + intent.Side.Sign()*intent.Quantity
	if rm.limits.MaxPositionSize > 0 && abs(projected) > rm.limits.MaxPositionSize {
		return "position size exceeds limit"
	}

	if rm.limits.MaxDailyLoss.IsPositive() {
		daily := rm.book.Summary().RealizedPnL.Sub(rm.baseline)
		if daily.LessThan(rm.limits.MaxDailyLoss.Neg()) {
			return "max daily loss reached"
		}
	}

	if rm.limits.MaxOrderNotional.IsPositive() && intent.OrderType == model.OrderTypeLimit {
		notional := intent.LimitPrice.Mul(decimal.NewFromInt(intent.Quantity))
		if notional.GreaterThan(rm.limits.MaxOrderNotional) {
			return "order notional exceeds limit"
		}
	}
	return ""
}

// ResetDaily restarts the daily loss window (call at market open).
func (rm *RiskManager) ResetDaily() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.baseline = rm.book.Summary().RealizedPnL
}

// Status returns current risk status.
func (rm *RiskManager) Status() map[string]interface{} {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	s := rm.book.Summary()
	return map[string]interface{}{
		"daily_realized_pnl": s.RealizedPnL.Sub(rm.baseline),
		"open_positions":     s.OpenPositions,
		"limits":             rm.limits,
	}
}

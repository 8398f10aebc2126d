package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstrument(t *testing.T) {
	inst, err := ParseInstrument("NSE:SBIN-EQ:3045")
	require.NoError(t, err)
	assert.Equal(t, Instrument{Exchange: "NSE", TradingSymbol: "SBIN-EQ", Token: "3045"}, inst)
	assert.Equal(t, "NSE:SBIN-EQ:3045", inst.ID())
	assert.Equal(t, "NSE:3045", inst.Key())

	for _, bad := range []string{"", "NSE", "NSE:SBIN-EQ", "NSE::3045", "NSE:SBIN-EQ:3045:x"} {
		_, err := ParseInstrument(bad)
		assert.Error(t, err, bad)
	}
}

func TestTradeIntentValidate(t *testing.T) {
	valid := TradeIntent{
		InstrumentID:    "NSE:SBIN-EQ:3045",
		Side:            SideBuy,
		Quantity:        10,
		OrderType:       OrderTypeMarket,
		ClientRequestID: "r1",
	}
	require.NoError(t, valid.Validate())

	cases := map[string]func(*TradeIntent){
		"no id":          func(t *TradeIntent) { t.ClientRequestID = " " },
		"zero qty":       func(t *TradeIntent) { t.Quantity = 0 },
		"bad side":       func(t *TradeIntent) { t.Side = "HOLD" },
		"bad type":       func(t *TradeIntent) { t.OrderType = "STOP" },
		"limit no px":    func(t *TradeIntent) { t.OrderType = OrderTypeLimit },
		"bad instrument": func(t *TradeIntent) { t.InstrumentID = "SBIN" },
	}
	for name, mutate := range cases {
		in := valid
		mutate(&in)
		err := in.Validate()
		assert.ErrorIs(t, err, ErrInvalidIntent, name)
	}

	limit := valid
	limit.OrderType = OrderTypeLimit
	limit.LimitPrice = decimal.NewFromInt(500)
	assert.NoError(t, limit.Validate())
}

func TestOrderTag(t *testing.T) {
	a := OrderTag("r1")
	assert.Len(t, a, 20)
	assert.Equal(t, a, OrderTag("r1"))
	assert.NotEqual(t, a, OrderTag("r2"))
}

func TestErrorMatchesByCode(t *testing.T) {
	err := fmt.Errorf("placing: %w", WrapError(ErrDispatchFailed, WrapError(ErrTransient, errors.New("eof"))))
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.ErrorIs(t, err, ErrTransient)
	assert.NotErrorIs(t, err, ErrRejected)

	rej := Rejection("insufficient funds")
	assert.ErrorIs(t, rej, ErrRejected)
	assert.Contains(t, rej.Error(), "insufficient funds")
}

func TestOrderStateTerminal(t *testing.T) {
	for _, s := range []OrderState{StateFilled, StateRejected, StateCancelled, StateFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []OrderState{StateCreated, StateSubmitted, StateAcknowledged, StatePartiallyFilled} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestDiscrepancyEvent(t *testing.T) {
	ev := Discrepancy{Kind: DiscrepancyUnknownOrder, Key: "k", BrokerOrderID: "B1", BrokerFilled: 5}.Event(time.Now())
	assert.Equal(t, EventReconciliationDiscrepancy, ev.Kind)
	assert.Equal(t, "unknown_order", ev.Payload["kind"])
	assert.Equal(t, "B1", ev.Payload["broker_order_id"])
	assert.EqualValues(t, 5, ev.Payload["broker_filled"])
	assert.NotEmpty(t, ev.ID)
}

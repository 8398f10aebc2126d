package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execengine/internal/dispatch"
	"execengine/internal/events"
	"execengine/internal/execution"
	"execengine/internal/logger"
	"execengine/internal/model"
	"execengine/internal/portfolio"
	"execengine/internal/session"
)

var sbin = model.Instrument{Exchange: "NSE", TradingSymbol: "SBIN-EQ", Token: "3045"}

func marketReq(side model.Side, qty int64, tag string) model.PlaceRequest {
	return model.PlaceRequest{Instrument: sbin, Side: side, OrderType: model.OrderTypeMarket, Quantity: qty, Tag: tag}
}

func nextUpdate(t *testing.T, p *Paper) model.StatusUpdate {
	t.Helper()
	select {
	case u := <-p.Updates():
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
		return model.StatusUpdate{}
	}
}

func TestPaperMarketOrderNeedsQuote(t *testing.T) {
	p := NewPaper(PaperConfig{}, nil)
	_, err := p.PlaceOrder(context.Background(), "tok", marketReq(model.SideBuy, 10, "t1"))
	assert.ErrorIs(t, err, model.ErrRejected)

	o, ok, err := p.FindOrder(context.Background(), "tok", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.BrokerRejected, o.State)
}

func TestPaperMarketOrderFillsWithSlippage(t *testing.T) {
	p := NewPaper(PaperConfig{SlippageBps: 10}, nil)
	p.Mark(model.Quote{InstrumentID: sbin.ID(), Price: decimal.RequireFromString("100")})

	ack, err := p.PlaceOrder(context.Background(), "tok", marketReq(model.SideBuy, 10, "t1"))
	require.NoError(t, err)
	u := nextUpdate(t, p)
	assert.Equal(t, ack.BrokerOrderID, u.BrokerOrderID)
	assert.Equal(t, model.BrokerComplete, u.State)
	assert.EqualValues(t, 10, u.FilledQuantity)
	assert.Equal(t, "100.1", u.Price.String())

	_, err = p.PlaceOrder(context.Background(), "tok", marketReq(model.SideSell, 10, "t2"))
	require.NoError(t, err)
	assert.Equal(t, "99.9", nextUpdate(t, p).Price.String())
}

func TestPaperLimitOrderFillsAtLimit(t *testing.T) {
	p := NewPaper(PaperConfig{SlippageBps: 50}, nil)
	req := model.PlaceRequest{Instrument: sbin, Side: model.SideBuy, OrderType: model.OrderTypeLimit, Quantity: 5, LimitPrice: decimal.RequireFromString("612.35"), Tag: "t1"}
	_, err := p.PlaceOrder(context.Background(), "tok", req)
	require.NoError(t, err)
	assert.Equal(t, "612.35", nextUpdate(t, p).Price.String())
}

func TestPaperCancelBeforeFill(t *testing.T) {
	p := NewPaper(PaperConfig{FillDelay: time.Hour}, nil)
	p.Mark(model.Quote{InstrumentID: sbin.ID(), Price: decimal.RequireFromString("100")})
	ctx := context.Background()

	ack, err := p.PlaceOrder(ctx, "tok", marketReq(model.SideBuy, 10, "t1"))
	require.NoError(t, err)
	require.NoError(t, p.CancelOrder(ctx, "tok", ack.BrokerOrderID))
	assert.Equal(t, model.BrokerCancelled, nextUpdate(t, p).State)

	assert.ErrorIs(t, p.CancelOrder(ctx, "tok", ack.BrokerOrderID), model.ErrRejected, "already cancelled")
	assert.ErrorIs(t, p.CancelOrder(ctx, "tok", "PAPER-99"), model.ErrRejected)

	snap, err := p.OrderSnapshot(ctx, "tok")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, model.BrokerCancelled, snap[0].State)
}

type fixedCode struct{}

func (fixedCode) Code(context.Context) (string, error) { return "000000", nil }

func TestPaperDrivesEngineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPaper(PaperConfig{}, nil)
	p.Mark(model.Quote{InstrumentID: sbin.ID(), Price: decimal.RequireFromString("250")})

	rec := &events.Recorder{}
	sessions := session.NewManager(session.Config{}, p, fixedCode{}, rec, logger.Discard(), nil)
	disp := dispatch.New(dispatch.Config{Rate: 1000, Burst: 10}, sessions, logger.Discard(), nil)
	eng := execution.New(execution.Config{}, execution.Deps{
		API:       p,
		Sender:    disp,
		Ledger:    &memLedger{},
		Book:      portfolio.New(),
		Publisher: rec,
		Logger:    logger.Discard(),
	})
	go eng.Run(ctx, p.Updates())

	o, err := eng.Submit(ctx, model.TradeIntent{
		InstrumentID:    sbin.ID(),
		Side:            model.SideBuy,
		Quantity:        4,
		OrderType:       model.OrderTypeMarket,
		ClientRequestID: "r1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateAcknowledged, o.State)

	require.Eventually(t, func() bool {
		got, _ := eng.Order("r1")
		return got.State == model.StateFilled
	}, 2*time.Second, 5*time.Millisecond)

	pos := eng.Positions()
	require.Len(t, pos, 1)
	assert.EqualValues(t, 4, pos[0].NetQuantity)
	assert.Equal(t, "250", pos[0].AvgCost.String())
	assert.Len(t, rec.OfKind(model.EventOrderFilled), 1)
}

type memLedger struct{}

func (*memLedger) Append(context.Context, model.LedgerEntry) error              { return nil }
func (*memLedger) Replay(context.Context, func(model.LedgerEntry) error) error { return nil }

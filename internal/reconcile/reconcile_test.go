package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
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
	"execengine/internal/store/sqlite"
)

const instX = "NSE:SBIN-EQ:3045"

type staticSessions struct{}

func (staticSessions) EnsureSession(context.Context) (string, error) { return "tok", nil }
func (staticSessions) Invalidate(string)                             {}

// fakeBroker keeps an order book keyed by broker order id.
type fakeBroker struct {
	mu      sync.Mutex
	seq     int
	book    map[string]model.BrokerOrder
	snapErr error
	// afterSnapshot runs once the snapshot has been copied.
	afterSnapshot func()
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{book: make(map[string]model.BrokerOrder)}
}

func (b *fakeBroker) PlaceOrder(_ context.Context, _ string, req model.PlaceRequest) (model.Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("B%d", b.seq)
	b.book[id] = model.BrokerOrder{
		BrokerOrderID: id,
		Tag:           req.Tag,
		InstrumentID:  instX,
		Side:          req.Side,
		Quantity:      req.Quantity,
		State:         model.BrokerOpen,
	}
	return model.Ack{BrokerOrderID: id}, nil
}

func (b *fakeBroker) CancelOrder(context.Context, string, string) error { return nil }

func (b *fakeBroker) FindOrder(_ context.Context, _ string, tag string) (model.BrokerOrder, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.book {
		if o.Tag == tag {
			return o, true, nil
		}
	}
	return model.BrokerOrder{}, false, nil
}

func (b *fakeBroker) OrderSnapshot(context.Context, string) ([]model.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapErr != nil {
		return nil, b.snapErr
	}
	out := make([]model.BrokerOrder, 0, len(b.book))
	for _, o := range b.book {
		out = append(out, o)
	}
	if hook := b.afterSnapshot; hook != nil {
		b.afterSnapshot = nil
		b.mu.Unlock()
		hook()
		b.mu.Lock()
	}
	return out, nil
}

func (b *fakeBroker) put(o model.BrokerOrder) {
	b.mu.Lock()
	b.book[o.BrokerOrderID] = o
	b.mu.Unlock()
}

func (b *fakeBroker) drop(id string) {
	b.mu.Lock()
	delete(b.book, id)
	b.mu.Unlock()
}

type harness struct {
	rec    *Reconciler
	eng    *execution.Engine
	broker *fakeBroker
	ledger *sqlite.Ledger
	events *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger, err := sqlite.Open(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	broker := newFakeBroker()
	recorder := &events.Recorder{}
	disp := dispatch.New(dispatch.Config{
		Rate:  10000,
		Burst: 1000,
		Retry: dispatch.RetryPolicy{MaxAttempts: 2, Base: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
	}, staticSessions{}, logger.Discard(), nil)
	eng := execution.New(execution.Config{}, execution.Deps{
		API:       broker,
		Sender:    disp,
		Ledger:    ledger,
		Book:      portfolio.New(),
		Publisher: recorder,
		Logger:    logger.Discard(),
	})
	rec := New(DefaultConfig(), Deps{
		API:       broker,
		Sender:    disp,
		Ledger:    eng,
		Fills:     ledger,
		Publisher: recorder,
		Logger:    logger.Discard(),
	})
	return &harness{rec: rec, eng: eng, broker: broker, ledger: ledger, events: recorder}
}

func (h *harness) ledgerLen(t *testing.T) int {
	t.Helper()
	n := 0
	require.NoError(t, h.ledger.Replay(context.Background(), func(model.LedgerEntry) error {
		n++
		return nil
	}))
	return n
}

func buy(id string, qty int64) model.TradeIntent {
	return model.TradeIntent{
		InstrumentID:    instX,
		Side:            model.SideBuy,
		Quantity:        qty,
		OrderType:       model.OrderTypeMarket,
		ClientRequestID: id,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestUnknownBrokerOrderReportedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Submit(ctx, buy("r1", 100))
	require.NoError(t, err)
	h.broker.put(model.BrokerOrder{
		BrokerOrderID: "B99",
		InstrumentID:  instX,
		Side:          model.SideSell,
		Quantity:      5,
		State:         model.BrokerOpen,
	})

	before := h.ledgerLen(t)
	orderBefore, _ := h.eng.Order("r1")

	found, err := h.rec.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, model.DiscrepancyUnknownOrder, found[0].Kind)
	assert.Equal(t, "B99", found[0].BrokerOrderID)

	again, err := h.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, again, "the same discrepancy is not reported twice")

	evs := h.events.OfKind(model.EventReconciliationDiscrepancy)
	require.Len(t, evs, 1)
	assert.Equal(t, "unknown_order", evs[0].Payload["kind"])

	assert.Equal(t, before, h.ledgerLen(t), "reconciliation never writes the ledger")
	orderAfter, _ := h.eng.Order("r1")
	assert.Equal(t, orderBefore, orderAfter)
	_, known := h.eng.OrderByBrokerID("B99")
	assert.False(t, known)
}

func TestFillMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o, err := h.eng.Submit(ctx, buy("r1", 100))
	require.NoError(t, err)
	require.NoError(t, h.eng.ApplyStatusUpdate(ctx, model.StatusUpdate{
		BrokerOrderID:  o.BrokerOrderID,
		FilledQuantity: 40,
		Price:          dec("100"),
		State:          model.BrokerPartial,
		Timestamp:      time.Now(),
	}))

	bo, _, _ := h.broker.FindOrder(ctx, "", o.Tag())
	bo.FilledQuantity = 60
	bo.State = model.BrokerPartial
	h.broker.put(bo)

	found, err := h.rec.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	d := found[0]
	assert.Equal(t, model.DiscrepancyFillMismatch, d.Kind)
	assert.Equal(t, "r1", d.ClientRequestID)
	assert.EqualValues(t, 40, d.LocalFilled)
	assert.EqualValues(t, 60, d.BrokerFilled)

	got, _ := h.eng.Order("r1")
	assert.EqualValues(t, 40, got.FilledQuantity, "broker view is not applied")
}

func TestUpdateAfterSnapshotIsNotAMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o, err := h.eng.Submit(ctx, buy("r1", 100))
	require.NoError(t, err)
	_, err = h.eng.Submit(ctx, buy("r2", 10))
	require.NoError(t, err)

	// a fill lands at the broker and is applied locally while the sweep
	// holds the older snapshot
	h.broker.afterSnapshot = func() {
		bo, _, _ := h.broker.FindOrder(ctx, "", o.Tag())
		bo.FilledQuantity = 40
		bo.State = model.BrokerPartial
		h.broker.put(bo)
		require.NoError(t, h.eng.ApplyStatusUpdate(ctx, model.StatusUpdate{
			BrokerOrderID:  o.BrokerOrderID,
			FilledQuantity: 40,
			Price:          dec("100"),
			State:          model.BrokerPartial,
			Timestamp:      time.Now(),
		}))
	}

	found, err := h.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = h.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Empty(t, h.events.OfKind(model.EventReconciliationDiscrepancy))
}

func TestMatchingBookReportsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Submit(ctx, buy("r1", 10))
	require.NoError(t, err)
	_, err = h.eng.Submit(ctx, buy("r2", 20))
	require.NoError(t, err)

	found, err := h.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Empty(t, h.events.OfKind(model.EventReconciliationDiscrepancy))
}

func TestMissingAtBroker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o, err := h.eng.Submit(ctx, buy("r1", 10))
	require.NoError(t, err)
	require.Equal(t, model.StateAcknowledged, o.State)
	h.broker.drop(o.BrokerOrderID)

	found, err := h.rec.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, model.DiscrepancyMissingAtBroker, found[0].Kind)
	assert.Equal(t, "r1", found[0].ClientRequestID)
}

func TestSweepSnapshotFailure(t *testing.T) {
	h := newHarness(t)
	h.broker.snapErr = model.Rejection("session expired")

	_, err := h.rec.Sweep(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.events.OfKind(model.EventReconciliationDiscrepancy))
}

type staticLedger struct {
	fills []model.Fill
}

func (staticLedger) Orders() []model.Order                         { return nil }
func (staticLedger) OrderByTag(string) (model.Order, bool)      { return model.Order{}, false }
func (staticLedger) OrderByBrokerID(string) (model.Order, bool) { return model.Order{}, false }
func (l staticLedger) Fills() []model.Fill                         { return l.fills }

func TestCheckFills(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)
	fill := func(oid string, qty int64, price string, at time.Duration) model.Fill {
		return model.Fill{
			BrokerOrderID: oid,
			InstrumentID:  instX,
			Side:          model.SideBuy,
			Quantity:      qty,
			Price:         dec(price),
			Timestamp:     t0.Add(at),
		}
	}
	rec := func(oid string, qty int64, price string, at time.Duration) model.FillRecord {
		return model.FillRecord{
			BrokerOrderID: oid,
			InstrumentID:  instX,
			Quantity:      qty,
			Price:         dec(price),
			Timestamp:     t0.Add(at),
		}
	}

	recorder := &events.Recorder{}
	r := New(DefaultConfig(), Deps{
		Ledger: staticLedger{fills: []model.Fill{
			fill("B1", 40, "100", 0),
			fill("B1", 60, "101", time.Second),
			fill("B2", 10, "250", time.Minute),
		}},
		Publisher: recorder,
	})

	records := []model.FillRecord{
		rec("", 10, "250.03", time.Minute+30*time.Second), // price and time inside tolerance
		rec("B1", 100, "100.6", 0),                        // contract note nets B1 into one line
		rec("", 10, "250", time.Minute),                   // B2's fill is already used
		rec("B3", 5, "99", 0),                             // nothing like it
	}
	found := r.CheckFills(context.Background(), records)
	require.Len(t, found, 2)
	for _, d := range found {
		assert.Equal(t, model.DiscrepancyUnmatchedFillRecord, d.Kind)
	}
	assert.Len(t, recorder.OfKind(model.EventReconciliationDiscrepancy), 2)

	assert.Empty(t, r.CheckFills(context.Background(), records), "already reported")
	assert.Len(t, recorder.OfKind(model.EventReconciliationDiscrepancy), 2)
}

func TestCheckFillsTolerances(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)
	r := New(DefaultConfig(), Deps{
		Ledger: staticLedger{fills: []model.Fill{{
			InstrumentID: instX, Quantity: 10, Price: dec("100"), Timestamp: t0,
		}}},
	})

	far := r.CheckFills(context.Background(), []model.FillRecord{{
		InstrumentID: instX, Quantity: 10, Price: dec("100"), Timestamp: t0.Add(10 * time.Minute),
	}})
	assert.Len(t, far, 1, "outside the time tolerance")

	off := r.CheckFills(context.Background(), []model.FillRecord{{
		InstrumentID: instX, Quantity: 10, Price: dec("100.10"), Timestamp: t0,
	}})
	assert.Len(t, off, 1, "outside the price tolerance")
}

func TestRunOnceChecksStoredFillRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ledger.SaveFillRecord(ctx, model.FillRecord{
		InstrumentID:  instX,
		Quantity:      7,
		Price:         dec("10"),
		BrokerOrderID: "B42",
		Timestamp:     time.Now().Add(-time.Hour),
	}))

	found, err := h.rec.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, model.DiscrepancyUnmatchedFillRecord, found[0].Kind)
}

func TestRunSweepsOnTrigger(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.broker.put(model.BrokerOrder{BrokerOrderID: "B7", InstrumentID: instX, Quantity: 1, State: model.BrokerOpen})

	done := make(chan error, 1)
	go func() { done <- h.rec.Run(ctx) }()

	h.rec.Trigger()
	require.Eventually(t, func() bool {
		return len(h.events.OfKind(model.EventReconciliationDiscrepancy)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.rec.Trigger()
	h.rec.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.events.OfKind(model.EventReconciliationDiscrepancy), 1)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

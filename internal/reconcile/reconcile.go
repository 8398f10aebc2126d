// Package reconcile compares the engine's ledger against the broker's order
// book and against contract-note fill records. It only reports; nothing it
// finds is ever applied to the ledger.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execengine/internal/dispatch"
	"execengine/internal/events"
	"execengine/internal/logger"
	"execengine/internal/metrics"
	"execengine/internal/model"
)

// SnapshotAPI fetches the broker's current order book.
type SnapshotAPI interface {
	OrderSnapshot(ctx context.Context, token string) ([]model.BrokerOrder, error)
}

// Sender routes broker calls through the dispatcher.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) error
}

// Ledger is the read side of the execution engine.
type Ledger interface {
	Orders() []model.Order
	OrderByTag(tag string) (model.Order, bool)
	OrderByBrokerID(brokerOrderID string) (model.Order, bool)
	Fills() []model.Fill
}

// FillSource supplies stored contract-note fill records.
type FillSource interface {
	FillRecords(ctx context.Context, since time.Time) ([]model.FillRecord, error)
}

// Config tunes matching and cadence.
type Config struct {
	Interval       time.Duration   // periodic sweep cadence; 0 disables the timer
	PriceTolerance decimal.Decimal // absolute
	TimeTolerance  time.Duration
	FillLookback   time.Duration // how far back stored fill records are checked
}

// DefaultConfig returns a five minute cadence, 0.05 price and two minute
// time tolerances.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		PriceTolerance: decimal.RequireFromString("0.05"),
		TimeTolerance:  2 * time.Minute,
		FillLookback:   24 * time.Hour,
	}
}

// Deps are the reconciler's collaborators. Fills may be nil.
type Deps struct {
	API       SnapshotAPI
	Sender    Sender
	Ledger    Ledger
	Fills     FillSource
	Publisher events.Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Reconciler is safe for concurrent use.
type Reconciler struct {
	cfg     Config
	api     SnapshotAPI
	sender  Sender
	ledger  Ledger
	fills   FillSource
	pub     events.Publisher
	log     *slog.Logger
	m       *metrics.Metrics
	trigger chan struct{}
	now     func() time.Time

	mu       sync.Mutex
	reported map[string]struct{}
}

// New creates a reconciler.
func New(cfg Config, d Deps) *Reconciler {
	if cfg.TimeTolerance <= 0 {
		cfg.TimeTolerance = DefaultConfig().TimeTolerance
	}
	if cfg.FillLookback <= 0 {
		cfg.FillLookback = DefaultConfig().FillLookback
	}
	if d.Publisher == nil {
		d.Publisher = events.Discard
	}
	if d.Logger == nil {
		d.Logger = logger.Discard()
	}
	return &Reconciler{
		cfg:      cfg,
		api:      d.API,
		sender:   d.Sender,
		ledger:   d.Ledger,
		fills:    d.Fills,
		pub:      d.Publisher,
		log:      logger.Component(d.Logger, "reconcile"),
		m:        metrics.OrNop(d.Metrics),
		trigger:  make(chan struct{}, 1),
		now:      time.Now,
		reported: make(map[string]struct{}),
	}
}

// Sweep fetches the broker order book and reports broker orders unknown to
// the ledger, filled-quantity disagreements and acknowledged orders the
// broker no longer lists. Orders that changed after the snapshot was
// requested are left for the next sweep. Only discrepancies not reported
// before are returned.
func (r *Reconciler) Sweep(ctx context.Context) ([]model.Discrepancy, error) {
	asOf := r.now()
	var snapshot []model.BrokerOrder
	err := r.sender.Send(ctx, dispatch.Request{
		Op: "order_snapshot",
		Call: func(ctx context.Context, token string) error {
			var err error
			snapshot, err = r.api.OrderSnapshot(ctx, token)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch order snapshot: %w", err)
	}

	var found []model.Discrepancy
	seen := make(map[string]bool, len(snapshot))
	for _, bo := range snapshot {
		local, ok := r.ledger.OrderByBrokerID(bo.BrokerOrderID)
		if !ok && bo.Tag != "" {
			local, ok = r.ledger.OrderByTag(bo.Tag)
		}
		if !ok {
			found = append(found, model.Discrepancy{
				Kind:          model.DiscrepancyUnknownOrder,
				Key:           "unknown_order:" + bo.BrokerOrderID,
				BrokerOrderID: bo.BrokerOrderID,
				InstrumentID:  bo.InstrumentID,
				BrokerFilled:  bo.FilledQuantity,
				Detail:        fmt.Sprintf("%s %d %s at broker", bo.Side, bo.Quantity, bo.State),
			})
			continue
		}
		seen[local.ClientRequestID] = true
		if local.UpdatedAt.After(asOf) {
			continue
		}
		if bo.FilledQuantity != local.FilledQuantity {
			found = append(found, model.Discrepancy{
				Kind:            model.DiscrepancyFillMismatch,
				Key:             fmt.Sprintf("fill_mismatch:%s:%d:%d", local.ClientRequestID, local.FilledQuantity, bo.FilledQuantity),
				ClientRequestID: local.ClientRequestID,
				BrokerOrderID:   bo.BrokerOrderID,
				InstrumentID:    local.InstrumentID,
				LocalFilled:     local.FilledQuantity,
				BrokerFilled:    bo.FilledQuantity,
			})
		}
	}

	for _, o := range r.ledger.Orders() {
		if seen[o.ClientRequestID] || o.BrokerOrderID == "" || o.UpdatedAt.After(asOf) {
			continue
		}
		if o.State != model.StateAcknowledged && o.State != model.StatePartiallyFilled {
			continue
		}
		found = append(found, model.Discrepancy{
			Kind:            model.DiscrepancyMissingAtBroker,
			Key:             "missing_at_broker:" + o.ClientRequestID,
			ClientRequestID: o.ClientRequestID,
			BrokerOrderID:   o.BrokerOrderID,
			InstrumentID:    o.InstrumentID,
			LocalFilled:     o.FilledQuantity,
			Detail:          fmt.Sprintf("local state %s", o.State),
		})
	}

	fresh := r.report(found)
	r.log.Info("sweep complete", "broker_orders", len(snapshot), "discrepancies", len(fresh))
	return fresh, nil
}

// CheckFills matches contract-note records against ledger fills. A record
// matches one unused fill on instrument and quantity with price and time
// inside tolerance; a record carrying a broker order id may instead match
// that order's unused fills in aggregate (contract notes often net an
// order's executions into one line). Unmatched records are reported.
func (r *Reconciler) CheckFills(ctx context.Context, records []model.FillRecord) []model.Discrepancy {
	fills := r.ledger.Fills()
	used := make([]bool, len(fills))

	var found []model.Discrepancy
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if r.matchSingle(rec, fills, used) || r.matchAggregate(rec, fills, used) {
			continue
		}
		found = append(found, model.Discrepancy{
			Kind:          model.DiscrepancyUnmatchedFillRecord,
			Key:           recordKey(rec),
			BrokerOrderID: rec.BrokerOrderID,
			InstrumentID:  rec.InstrumentID,
			BrokerFilled:  rec.Quantity,
			Detail:        fmt.Sprintf("%d @ %s at %s", rec.Quantity, rec.Price, rec.Timestamp.UTC().Format(time.RFC3339)),
		})
	}
	return r.report(found)
}

func (r *Reconciler) matchSingle(rec model.FillRecord, fills []model.Fill, used []bool) bool {
	for i, f := range fills {
		if used[i] || f.InstrumentID != rec.InstrumentID || f.Quantity != rec.Quantity {
			continue
		}
		if rec.BrokerOrderID != "" && f.BrokerOrderID != "" && rec.BrokerOrderID != f.BrokerOrderID {
			continue
		}
		if !r.priceClose(f.Price, rec.Price) || !r.timeClose(f.Timestamp, rec.Timestamp) {
			continue
		}
		used[i] = true
		return true
	}
	return false
}

func (r *Reconciler) matchAggregate(rec model.FillRecord, fills []model.Fill, used []bool) bool {
	if rec.BrokerOrderID == "" {
		return false
	}
	var idx []int
	var qty int64
	notional := decimal.Zero
	for i, f := range fills {
		if used[i] || f.BrokerOrderID != rec.BrokerOrderID || f.InstrumentID != rec.InstrumentID {
			continue
		}
		if !r.timeClose(f.Timestamp, rec.Timestamp) {
			continue
		}
		idx = append(idx, i)
		qty += f.Quantity
		notional = notional.Add(f.Price.Mul(decimal.NewFromInt(f.Quantity)))
	}
	if qty != rec.Quantity || qty == 0 {
		return false
	}
	if !r.priceClose(notional.Div(decimal.NewFromInt(qty)), rec.Price) {
		return false
	}
	for _, i := range idx {
		used[i] = true
	}
	return true
}

func (r *Reconciler) priceClose(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(r.cfg.PriceTolerance)
}

func (r *Reconciler) timeClose(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= r.cfg.TimeTolerance
}

func recordKey(rec model.FillRecord) string {
	return fmt.Sprintf("unmatched_fill_record:%s:%d:%s:%d:%s",
		rec.InstrumentID, rec.Quantity, rec.Price.String(), rec.Timestamp.UnixNano(), rec.BrokerOrderID)
}

// report publishes discrepancies whose key has not been reported yet and
// returns them.
func (r *Reconciler) report(found []model.Discrepancy) []model.Discrepancy {
	r.mu.Lock()
	var fresh []model.Discrepancy
	for _, d := range found {
		if _, dup := r.reported[d.Key]; dup {
			continue
		}
		r.reported[d.Key] = struct{}{}
		fresh = append(fresh, d)
	}
	r.mu.Unlock()

	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Key < fresh[j].Key })
	now := r.now()
	for _, d := range fresh {
		r.m.Discrepancies.WithLabelValues(string(d.Kind)).Inc()
		r.log.Warn("discrepancy", "kind", d.Kind, "key", d.Key,
			"client_request_id", d.ClientRequestID, "broker_order_id", d.BrokerOrderID)
		r.pub.Publish(d.Event(now))
	}
	return fresh
}

// Trigger requests a sweep from Run without waiting for the interval.
// Requests made while one is already queued are coalesced.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// RunOnce performs one sweep plus a check of stored fill records.
func (r *Reconciler) RunOnce(ctx context.Context) ([]model.Discrepancy, error) {
	found, err := r.Sweep(ctx)
	if err != nil {
		r.m.SweepsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if r.fills != nil {
		records, ferr := r.fills.FillRecords(ctx, r.now().Add(-r.cfg.FillLookback))
		if ferr != nil {
			r.m.SweepsTotal.WithLabelValues("error").Inc()
			return found, fmt.Errorf("load fill records: %w", ferr)
		}
		found = append(found, r.CheckFills(ctx, records)...)
	}
	r.m.SweepsTotal.WithLabelValues("ok").Inc()
	return found, nil
}

// Run sweeps every Interval and on Trigger until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.cfg.Interval > 0 {
		t := time.NewTicker(r.cfg.Interval)
		defer t.Stop()
		tick = t.C
	}
	r.log.Info("reconciler started", "interval", r.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		case <-r.trigger:
		}
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reconciliation failed", "err", err)
		}
	}
}

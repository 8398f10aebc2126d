// Package execution is the order state machine. It accepts trade intents,
// submits them through the dispatcher, folds broker status updates into
// orders and positions, and is the only writer of the order ledger.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"execengine/internal/dispatch"
	"execengine/internal/events"
	"execengine/internal/logger"
	"execengine/internal/metrics"
	"execengine/internal/model"
	"execengine/internal/portfolio"
)

// OrderAPI is the broker surface the engine needs. token is the session
// access token the dispatcher supplies.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, token string, req model.PlaceRequest) (model.Ack, error)
	CancelOrder(ctx context.Context, token, brokerOrderID string) error
	// FindOrder looks an order up by its tag. The bool is false when the
	// broker has no such order.
	FindOrder(ctx context.Context, token, tag string) (model.BrokerOrder, bool, error)
}

// Sender delivers broker calls. *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) error
}

// Ledger is the durable, append-only order log.
type Ledger interface {
	Append(ctx context.Context, e model.LedgerEntry) error
	Replay(ctx context.Context, fn func(model.LedgerEntry) error) error
}

// Guard vets an intent before it is dispatched. *portfolio.RiskManager implements it.
type Guard interface {
	Check(intent model.TradeIntent) error
}

// Config tunes the engine.
type Config struct {
	// DispatchTimeout bounds a detached submit or lookup, independent of
	// the caller's context.
	DispatchTimeout time.Duration
}

// Deps are the engine's collaborators. Publisher, Guard, Logger and Metrics may be nil.
type Deps struct {
	API       OrderAPI
	Sender    Sender
	Ledger    Ledger
	Book      *portfolio.Book
	Publisher events.Publisher
	Guard     Guard
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type entry struct {
	mu    sync.Mutex
	order model.Order
	done  chan struct{} // closed when the submit dispatch has been resolved
}

// Engine is safe for concurrent use. Calls for one order are serialized;
// calls for different orders proceed independently.
type Engine struct {
	cfg    Config
	api    OrderAPI
	sender Sender
	ledger Ledger
	book   *portfolio.Book
	pub    events.Publisher
	guard  Guard
	log    *slog.Logger
	m      *metrics.Metrics
	now    func() time.Time

	mu       sync.RWMutex
	orders   map[string]*entry // by ClientRequestID
	byBroker map[string]string // BrokerOrderID -> ClientRequestID
	byTag    map[string]string // order tag -> ClientRequestID
	fills    []model.Fill
	reported map[string]bool // discrepancy keys already published

	seq    atomic.Int64
	halted atomic.Bool
}

// New creates an engine with an empty ledger view. Call Recover to load
// persisted state.
func New(cfg Config, d Deps) *Engine {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 2 * time.Minute
	}
	if d.Publisher == nil {
		d.Publisher = events.Discard
	}
	if d.Book == nil {
		d.Book = portfolio.New()
	}
	return &Engine{
		cfg:      cfg,
		api:      d.API,
		sender:   d.Sender,
		ledger:   d.Ledger,
		book:     d.Book,
		pub:      d.Publisher,
		guard:    d.Guard,
		log:      logger.Component(d.Logger, "execution"),
		m:        metrics.OrNop(d.Metrics),
		now:      time.Now,
		orders:   make(map[string]*entry),
		byBroker: make(map[string]string),
		byTag:    make(map[string]string),
		reported: make(map[string]bool),
	}
}

// Submit places the order for intent. A second call with a known
// ClientRequestID returns the existing order and dispatches nothing.
//
// The broker call runs detached: if ctx ends first, Submit returns the
// current snapshot with ctx's error, and the outcome is still recorded when
// the broker answers.
func (e *Engine) Submit(ctx context.Context, intent model.TradeIntent) (model.Order, error) {
	if err := intent.Validate(); err != nil {
		return model.Order{}, err
	}

	e.mu.Lock()
	if ent, ok := e.orders[intent.ClientRequestID]; ok {
		e.mu.Unlock()
		o := ent.snapshot()
		if o.State == model.StateCreated {
			// the first submit could not record it
			return o, model.ErrHalted
		}
		return o, nil
	}
	if e.halted.Load() {
		e.mu.Unlock()
		return model.Order{}, model.ErrHalted
	}
	if e.guard != nil {
		if err := e.guard.Check(intent); err != nil {
			e.mu.Unlock()
			return model.Order{}, err
		}
	}

	now := e.now()
	ent := &entry{order: model.NewOrder(intent, now), done: make(chan struct{})}
	ent.mu.Lock()
	e.orders[intent.ClientRequestID] = ent
	e.byTag[ent.order.Tag()] = intent.ClientRequestID
	e.mu.Unlock()

	log := e.log.With("client_request_id", intent.ClientRequestID)

	// Created and Submitted are both durable before the broker sees anything.
	if err := e.persist(ctx, model.EntryOrder, ent.order, nil); err != nil {
		o := ent.order
		ent.mu.Unlock()
		close(ent.done)
		e.forget(o)
		return o, err
	}
	next := ent.order
	next.State = model.StateSubmitted
	next.UpdatedAt = e.now()
	if err := e.persist(ctx, model.EntryOrder, next, nil); err != nil {
		ent.mu.Unlock()
		close(ent.done)
		return ent.snapshot(), err
	}
	e.commit(ent, next, nil)
	req, err := model.PlaceRequestFor(next)
	ent.mu.Unlock()
	if err != nil {
		err = model.WrapError(model.ErrInvalidIntent, err)
		o := e.settle(ent, model.Ack{}, err)
		close(ent.done)
		return o, err
	}

	log.Info("submitting order", "instrument", intent.InstrumentID, "side", intent.Side, "qty", intent.Quantity)

	result := make(chan error, 1)
	go func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.DispatchTimeout)
		defer cancel()
		ack, err := e.place(dctx, req)
		e.settle(ent, ack, err)
		close(ent.done)
		result <- err
	}()

	select {
	case err := <-result:
		return ent.snapshot(), err
	case <-ctx.Done():
		log.Warn("caller gave up waiting, dispatch continues", "error", ctx.Err())
		return ent.snapshot(), ctx.Err()
	}
}

func (e *Engine) place(ctx context.Context, req model.PlaceRequest) (model.Ack, error) {
	var (
		ack    model.Ack
		looked *model.BrokerOrder
	)
	err := e.sender.Send(ctx, dispatch.Request{
		Op:             "place_order",
		IdempotencyKey: req.Tag,
		Call: func(ctx context.Context, token string) error {
			a, err := e.api.PlaceOrder(ctx, token, req)
			if err == nil {
				ack = a
			}
			return err
		},
		Lookup: func(ctx context.Context, token string) (bool, error) {
			bo, found, err := e.api.FindOrder(ctx, token, req.Tag)
			if err != nil || !found {
				return false, err
			}
			looked = &bo
			ack = model.Ack{BrokerOrderID: bo.BrokerOrderID}
			return true, nil
		},
	})
	if err == nil && looked != nil && looked.State == model.BrokerRejected {
		return ack, model.Rejection(looked.Reason)
	}
	return ack, err
}

// settle records the outcome of the submit dispatch. Updates that arrived
// during dispatch may already have moved the order on; those are never
// rolled back.
func (e *Engine) settle(ent *entry, ack model.Ack, err error) model.Order {
	ent.mu.Lock()
	defer ent.mu.Unlock()

	next := ent.order
	next.UpdatedAt = e.now()
	var kind model.EventKind

	switch {
	case err == nil:
		if next.BrokerOrderID == "" {
			next.BrokerOrderID = ack.BrokerOrderID
		}
		if next.State == model.StateSubmitted {
			next.State = model.StateAcknowledged
			kind = model.EventOrderAcknowledged
		}
	case next.State != model.StateSubmitted:
		e.log.Warn("submit failed after broker updates advanced the order",
			"client_request_id", next.ClientRequestID, "state", next.State, "error", err)
		return next
	case errors.Is(err, model.ErrRejected):
		next.State = model.StateRejected
		next.Reason = causeOf(err)
		kind = model.EventOrderRejected
	default:
		next.State = model.StateFailed
		next.Reason = err.Error()
		kind = model.EventDispatchFailed
	}

	if perr := e.persist(context.Background(), model.EntryOrder, next, nil); perr != nil {
		e.log.Error("recording submit outcome", "client_request_id", next.ClientRequestID, "error", perr)
	}
	e.commit(ent, next, nil)
	if kind != "" {
		e.publish(kind, next, nil)
	}
	return next
}

// ApplyStatusUpdate folds one broker notification into the matching order.
// Updates for orders the ledger does not know are reported as a
// discrepancy, not returned as an error.
func (e *Engine) ApplyStatusUpdate(ctx context.Context, u model.StatusUpdate) error {
	ent, ok := e.resolve(u.BrokerOrderID, u.Tag)
	if !ok {
		e.discrepancy(model.Discrepancy{
			Kind:          model.DiscrepancyUnsolicitedUpdate,
			Key:           "unsolicited_update:" + u.BrokerOrderID,
			BrokerOrderID: u.BrokerOrderID,
			BrokerFilled:  u.FilledQuantity,
			Detail:        fmt.Sprintf("broker state %s", u.State),
		})
		return nil
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	cur := ent.order
	log := e.log.With("client_request_id", cur.ClientRequestID, "broker_order_id", u.BrokerOrderID)

	if u.FilledQuantity < cur.FilledQuantity {
		e.m.StaleUpdates.Inc()
		log.Debug("discarding stale update", "update_filled", u.FilledQuantity, "filled", cur.FilledQuantity)
		return nil
	}
	if u.FilledQuantity > cur.Quantity {
		e.discrepancy(model.Discrepancy{
			Kind:            model.DiscrepancyOverfill,
			Key:             fmt.Sprintf("overfill:%s:%d", cur.ClientRequestID, u.FilledQuantity),
			ClientRequestID: cur.ClientRequestID,
			BrokerOrderID:   u.BrokerOrderID,
			InstrumentID:    cur.InstrumentID,
			LocalFilled:     cur.FilledQuantity,
			BrokerFilled:    u.FilledQuantity,
			Detail:          fmt.Sprintf("order quantity %d", cur.Quantity),
		})
		return nil
	}

	next := cur
	if next.BrokerOrderID == "" && u.BrokerOrderID != "" {
		next.BrokerOrderID = u.BrokerOrderID
	}

	var fill *model.Fill
	if delta := u.FilledQuantity - cur.FilledQuantity; delta > 0 {
		price := u.Price
		if u.PriceIsAverage {
			price = u.Price.Mul(decimal.NewFromInt(u.FilledQuantity)).
				Sub(cur.AvgFillPrice.Mul(decimal.NewFromInt(cur.FilledQuantity))).
				Div(decimal.NewFromInt(delta))
		}
		next.AvgFillPrice = cur.AvgFillPrice.Mul(decimal.NewFromInt(cur.FilledQuantity)).
			Add(price.Mul(decimal.NewFromInt(delta))).
			Div(decimal.NewFromInt(u.FilledQuantity))
		next.FilledQuantity = u.FilledQuantity
		ts := u.Timestamp
		if ts.IsZero() {
			ts = e.now()
		}
		fill = &model.Fill{
			ClientRequestID: cur.ClientRequestID,
			BrokerOrderID:   next.BrokerOrderID,
			InstrumentID:    cur.InstrumentID,
			Side:            cur.Side,
			Quantity:        delta,
			Price:           price,
			Timestamp:       ts,
		}
	}

	next.State = nextState(cur, next, u.State)
	if u.Reason != "" && (next.State == model.StateRejected || next.State == model.StateCancelled) {
		next.Reason = u.Reason
	}
	if cur.State == model.StateRejected && next.State != model.StateRejected && next.State != model.StateCancelled {
		next.Reason = ""
	}

	if fill == nil && next.State == cur.State && next.BrokerOrderID == cur.BrokerOrderID {
		return nil
	}
	next.UpdatedAt = e.now()

	kind := model.EntryOrder
	if fill != nil {
		kind = model.EntryFill
	}
	if err := e.persist(ctx, kind, next, fill); err != nil {
		// The broker state is real whether or not it was written down, so
		// memory follows it; the halt flags the gap.
		log.Error("applying update without a durable record", "error", err)
	}
	e.commit(ent, next, fill)

	if cur.State == model.StateRejected && (next.State != model.StateRejected || fill != nil) {
		e.discrepancy(model.Discrepancy{
			Kind:            model.DiscrepancyRejectedButLive,
			Key:             "rejected_but_live:" + cur.ClientRequestID,
			ClientRequestID: cur.ClientRequestID,
			BrokerOrderID:   next.BrokerOrderID,
			InstrumentID:    cur.InstrumentID,
			LocalFilled:     cur.FilledQuantity,
			BrokerFilled:    u.FilledQuantity,
			Detail:          fmt.Sprintf("rejected locally (%s), broker reports %s", cur.Reason, u.State),
		})
	}
	if fill != nil {
		e.publish(model.EventOrderFilled, next, fill)
	}
	if next.State != cur.State {
		switch next.State {
		case model.StateAcknowledged:
			e.publish(model.EventOrderAcknowledged, next, nil)
		case model.StateRejected:
			e.publish(model.EventOrderRejected, next, nil)
		case model.StateCancelled:
			e.publish(model.EventOrderCancelled, next, nil)
		}
	}
	return nil
}

// nextState never moves an order backwards. Fill quantity only grows, so a
// state derived from it is monotone; Filled and Cancelled only yield to
// Filled. Rejected also yields to fills, and to a live broker state when the
// rejection never came with a broker order id: the broker did not reject
// that order, so the update is not stale.
func nextState(prev, next model.Order, broker model.BrokerState) model.OrderState {
	cur := prev.State
	if next.FilledQuantity == next.Quantity {
		return model.StateFilled
	}
	switch cur {
	case model.StateFilled, model.StateCancelled:
		return cur
	case model.StateRejected:
		live := broker == model.BrokerOpen || broker == model.BrokerPartial
		if next.FilledQuantity == 0 && (!live || prev.BrokerOrderID != "") {
			return cur
		}
	}
	switch broker {
	case model.BrokerRejected:
		return model.StateRejected
	case model.BrokerCancelled:
		return model.StateCancelled
	}
	if next.FilledQuantity > 0 {
		return model.StatePartiallyFilled
	}
	switch cur {
	case model.StateSubmitted, model.StateFailed, model.StateRejected:
		if broker == model.BrokerOpen || broker == model.BrokerPartial || broker == model.BrokerComplete {
			return model.StateAcknowledged
		}
	}
	return cur
}

// Cancel cancels the order's unfilled remainder. Cancelling a filled order
// is a no-op that returns the filled order.
func (e *Engine) Cancel(ctx context.Context, clientRequestID string) (model.Order, error) {
	ent, ok := e.lookup(clientRequestID)
	if !ok {
		return model.Order{}, model.ErrOrderNotFound
	}

	cur := ent.snapshot()
	switch cur.State {
	case model.StateFilled, model.StateCancelled:
		return cur, nil
	case model.StateSubmitted, model.StateAcknowledged, model.StatePartiallyFilled:
	default:
		return cur, model.WrapError(model.ErrInvalidTransition, fmt.Errorf("cancel from %s", cur.State))
	}

	brokerID := cur.BrokerOrderID
	if brokerID == "" {
		id, err := e.findBrokerID(ctx, cur)
		if err != nil {
			return cur, err
		}
		brokerID = id
	}

	err := e.sender.Send(ctx, dispatch.Request{
		Op:             "cancel_order",
		IdempotencyKey: cur.Tag() + ":cancel",
		Call: func(ctx context.Context, token string) error {
			return e.api.CancelOrder(ctx, token, brokerID)
		},
	})

	if err != nil {
		// The broker refuses to cancel an order that already completed; its
		// update may not have arrived yet.
		if o := e.refresh(ctx, ent); o.State == model.StateFilled || o.State == model.StateCancelled {
			return o, nil
		}
		return ent.snapshot(), err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	now := ent.order
	if now.State.Terminal() {
		return now, nil
	}

	next := now
	next.BrokerOrderID = brokerID
	next.State = model.StateCancelled
	next.UpdatedAt = e.now()
	if perr := e.persist(ctx, model.EntryOrder, next, nil); perr != nil {
		e.log.Error("recording cancel", "client_request_id", next.ClientRequestID, "error", perr)
	}
	e.commit(ent, next, nil)
	e.publish(model.EventOrderCancelled, next, nil)
	return next, nil
}

// refresh applies the broker's current view of the order and returns the
// result. Lookup failures leave the order as it was.
func (e *Engine) refresh(ctx context.Context, ent *entry) model.Order {
	o := ent.snapshot()
	if o.State == model.StateFilled || o.State == model.StateCancelled {
		return o
	}
	bo, found, err := e.findOrder(ctx, o)
	if err != nil || !found {
		if err != nil {
			e.log.Warn("order lookup failed", "client_request_id", o.ClientRequestID, "error", err)
		}
		return o
	}
	e.applyBrokerOrder(ctx, bo)
	return ent.snapshot()
}

// findOrder asks the broker for the order by its tag.
func (e *Engine) findOrder(ctx context.Context, o model.Order) (model.BrokerOrder, bool, error) {
	var bo model.BrokerOrder
	var found bool
	err := e.sender.Send(ctx, dispatch.Request{
		Op:             "find_order",
		IdempotencyKey: o.Tag(),
		Call: func(ctx context.Context, token string) error {
			var err error
			bo, found, err = e.api.FindOrder(ctx, token, o.Tag())
			return err
		},
	})
	return bo, found, err
}

// applyBrokerOrder folds a broker order book row in as a status update.
func (e *Engine) applyBrokerOrder(ctx context.Context, bo model.BrokerOrder) {
	if err := e.ApplyStatusUpdate(ctx, model.StatusUpdate{
		BrokerOrderID:  bo.BrokerOrderID,
		Tag:            bo.Tag,
		FilledQuantity: bo.FilledQuantity,
		Price:          bo.AvgPrice,
		PriceIsAverage: true,
		State:          bo.State,
		Reason:         bo.Reason,
		Timestamp:      bo.UpdatedAt,
	}); err != nil {
		e.log.Error("applying broker order", "broker_order_id", bo.BrokerOrderID, "error", err)
	}
}

// findBrokerID resolves the broker id of an order whose acknowledgment has
// not been seen yet.
func (e *Engine) findBrokerID(ctx context.Context, o model.Order) (string, error) {
	bo, found, err := e.findOrder(ctx, o)
	if err != nil {
		return "", err
	}
	if !found {
		return "", model.WrapError(model.ErrInvalidTransition, fmt.Errorf("order %s not yet known to broker", o.ClientRequestID))
	}
	return bo.BrokerOrderID, nil
}

// Run applies pushed updates one at a time until ctx ends or updates closes.
func (e *Engine) Run(ctx context.Context, updates <-chan model.StatusUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if err := e.ApplyStatusUpdate(ctx, u); err != nil {
				e.log.Error("applying status update", "broker_order_id", u.BrokerOrderID, "error", err)
			}
		}
	}
}

// Mark moves the position's last price. Quotes never change quantities.
func (e *Engine) Mark(q model.Quote) {
	e.book.Mark(q)
}

// Recover rebuilds orders, fills and positions from the ledger, then asks
// the broker about orders that were submitted but never acknowledged.
func (e *Engine) Recover(ctx context.Context) error {
	e.mu.Lock()
	e.orders = make(map[string]*entry)
	e.byBroker = make(map[string]string)
	e.byTag = make(map[string]string)
	e.fills = nil
	e.book.Reset()

	var n int
	err := e.ledger.Replay(ctx, func(le model.LedgerEntry) error {
		n++
		if le.Seq > e.seq.Load() {
			e.seq.Store(le.Seq)
		}
		o := le.Order
		ent, ok := e.orders[o.ClientRequestID]
		if !ok {
			ent = &entry{done: make(chan struct{})}
			close(ent.done)
			e.orders[o.ClientRequestID] = ent
		}
		ent.order = o
		e.byTag[o.Tag()] = o.ClientRequestID
		if o.BrokerOrderID != "" {
			e.byBroker[o.BrokerOrderID] = o.ClientRequestID
		}
		if le.Fill != nil {
			e.fills = append(e.fills, *le.Fill)
			e.book.Apply(*le.Fill)
		}
		return nil
	})
	var inDoubt []*entry
	for _, ent := range e.orders {
		if ent.order.State == model.StateSubmitted && ent.order.BrokerOrderID == "" {
			inDoubt = append(inDoubt, ent)
		}
	}
	orders := len(e.orders)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("replay ledger: %w", err)
	}
	e.log.Info("ledger replayed", "entries", n, "orders", orders, "in_doubt", len(inDoubt))

	for _, ent := range inDoubt {
		e.resolveInDoubt(ctx, ent)
	}
	return nil
}

// resolveInDoubt settles an order the process crashed while submitting. If
// the broker has it, it is acknowledged; if not, the submit never landed.
func (e *Engine) resolveInDoubt(ctx context.Context, ent *entry) {
	o := ent.snapshot()
	bo, found, err := e.findOrder(ctx, o)
	if err != nil {
		e.log.Warn("cannot resolve in-doubt order, leaving it submitted",
			"client_request_id", o.ClientRequestID, "error", err)
		return
	}
	if found {
		e.applyBrokerOrder(ctx, bo)
		return
	}
	e.settle(ent, model.Ack{}, model.WrapError(model.ErrDispatchFailed, errors.New("order not found at broker after restart")))
}

// Order returns one order.
func (e *Engine) Order(clientRequestID string) (model.Order, bool) {
	ent, ok := e.lookup(clientRequestID)
	if !ok {
		return model.Order{}, false
	}
	return ent.snapshot(), true
}

// Orders returns every known order, oldest first.
func (e *Engine) Orders() []model.Order {
	e.mu.RLock()
	ents := make([]*entry, 0, len(e.orders))
	for _, ent := range e.orders {
		ents = append(ents, ent)
	}
	e.mu.RUnlock()

	out := make([]model.Order, 0, len(ents))
	for _, ent := range ents {
		out = append(out, ent.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientRequestID < out[j].ClientRequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// OrderByTag returns the order a broker tag belongs to.
func (e *Engine) OrderByTag(tag string) (model.Order, bool) {
	ent, ok := e.resolve("", tag)
	if !ok {
		return model.Order{}, false
	}
	return ent.snapshot(), true
}

// OrderByBrokerID returns the order with the given broker id.
func (e *Engine) OrderByBrokerID(brokerOrderID string) (model.Order, bool) {
	ent, ok := e.resolve(brokerOrderID, "")
	if !ok {
		return model.Order{}, false
	}
	return ent.snapshot(), true
}

// Fills returns every fill in ledger order.
func (e *Engine) Fills() []model.Fill {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]model.Fill(nil), e.fills...)
}

// Positions returns the position book snapshot.
func (e *Engine) Positions() []model.Position { return e.book.Positions() }

// Summary returns the P&L summary.
func (e *Engine) Summary() portfolio.PnLSummary { return e.book.Summary() }

// Halted reports whether submission is halted after a ledger failure.
func (e *Engine) Halted() bool { return e.halted.Load() }

// Wait blocks until the submit dispatch for clientRequestID has resolved.
func (e *Engine) Wait(ctx context.Context, clientRequestID string) (model.Order, error) {
	ent, ok := e.lookup(clientRequestID)
	if !ok {
		return model.Order{}, model.ErrOrderNotFound
	}
	select {
	case <-ent.done:
		return ent.snapshot(), nil
	case <-ctx.Done():
		return ent.snapshot(), ctx.Err()
	}
}

// forget drops an order that never reached the ledger.
func (e *Engine) forget(o model.Order) {
	e.mu.Lock()
	delete(e.orders, o.ClientRequestID)
	delete(e.byTag, o.Tag())
	e.mu.Unlock()
}

func (e *Engine) lookup(clientRequestID string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.orders[clientRequestID]
	return ent, ok
}

func (e *Engine) resolve(brokerOrderID, tag string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if brokerOrderID != "" {
		if id, ok := e.byBroker[brokerOrderID]; ok {
			return e.orders[id], true
		}
	}
	if tag != "" {
		if id, ok := e.byTag[tag]; ok {
			return e.orders[id], true
		}
	}
	return nil, false
}

// persist appends to the ledger. A failure halts further submissions.
// Writes are not abandoned when the caller's context ends.
func (e *Engine) persist(ctx context.Context, kind model.EntryKind, o model.Order, fill *model.Fill) error {
	start := time.Now()
	err := e.ledger.Append(context.WithoutCancel(ctx), model.LedgerEntry{
		Seq:        e.seq.Add(1),
		Kind:       kind,
		Order:      o,
		Fill:       fill,
		RecordedAt: e.now(),
	})
	e.m.LedgerAppendDur.Observe(time.Since(start).Seconds())
	if err != nil {
		if !e.halted.Swap(true) {
			e.m.Halted.Set(1)
			e.log.Error("ledger append failed, halting order submission", "error", err)
		}
		return model.WrapError(model.ErrHalted, err)
	}
	return nil
}

// commit installs next as the order's state. Callers hold ent.mu.
func (e *Engine) commit(ent *entry, next model.Order, fill *model.Fill) {
	prev := ent.order.State
	ent.order = next
	if next.State != prev {
		e.m.OrderTransitions.WithLabelValues(string(next.State)).Inc()
	}

	e.mu.Lock()
	if next.BrokerOrderID != "" {
		e.byBroker[next.BrokerOrderID] = next.ClientRequestID
	}
	if fill != nil {
		e.fills = append(e.fills, *fill)
	}
	e.mu.Unlock()

	if fill != nil {
		e.m.FillsTotal.Inc()
		e.book.Apply(*fill)
	}
}

func (e *Engine) publish(kind model.EventKind, o model.Order, fill *model.Fill) {
	payload := map[string]any{
		"client_request_id": o.ClientRequestID,
		"instrument_id":     o.InstrumentID,
		"side":              string(o.Side),
		"state":             string(o.State),
		"filled_quantity":   o.FilledQuantity,
		"quantity":          o.Quantity,
	}
	if o.BrokerOrderID != "" {
		payload["broker_order_id"] = o.BrokerOrderID
	}
	if o.Reason != "" {
		payload["reason"] = o.Reason
	}
	if fill != nil {
		payload["fill_quantity"] = fill.Quantity
		payload["fill_price"] = fill.Price.String()
		payload["avg_fill_price"] = o.AvgFillPrice.String()
	}
	e.pub.Publish(model.NewEvent(kind, payload, e.now()))
}

// discrepancy publishes d unless its key has been reported before.
func (e *Engine) discrepancy(d model.Discrepancy) {
	e.mu.Lock()
	seen := e.reported[d.Key]
	e.reported[d.Key] = true
	e.mu.Unlock()
	if seen {
		return
	}
	e.m.Discrepancies.WithLabelValues(string(d.Kind)).Inc()
	e.log.Warn("ledger discrepancy", "kind", d.Kind, "key", d.Key, "broker_order_id", d.BrokerOrderID)
	e.pub.Publish(d.Event(e.now()))
}

func (ent *entry) snapshot() model.Order {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.order
}

// causeOf extracts the broker's reason from a coded error.
func causeOf(err error) string {
	var me *model.Error
	if errors.As(err, &me) && me.Cause != nil {
		return me.Cause.Error()
	}
	return err.Error()
}

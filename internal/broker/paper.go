package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execengine/internal/logger"
	"execengine/internal/model"
	"execengine/internal/session"
)

// PaperConfig controls the simulation.
type PaperConfig struct {
	SlippageBps int64         // basis points applied against market orders
	FillDelay   time.Duration // time between acknowledgment and fill
	BufferSize  int           // update channel capacity, default 1024
}

// Paper simulates a broker without real calls. Orders are acknowledged at
// once and filled in full after FillDelay: limit orders at the limit price,
// market orders at the last marked quote plus slippage. Market orders for
// an instrument with no quote are rejected.
type Paper struct {
	cfg     PaperConfig
	log     *slog.Logger
	updates chan model.StatusUpdate
	now     func() time.Time

	mu       sync.Mutex
	seq      int64
	sessions int64
	orders   map[string]*model.BrokerOrder
	quotes   map[string]decimal.Decimal
}

// NewPaper creates a paper broker.
func NewPaper(cfg PaperConfig, log *slog.Logger) *Paper {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Paper{
		cfg:     cfg,
		log:     logger.Component(log, "paper"),
		updates: make(chan model.StatusUpdate, cfg.BufferSize),
		now:     time.Now,
		orders:  make(map[string]*model.BrokerOrder),
		quotes:  make(map[string]decimal.Decimal),
	}
}

// Updates returns the simulated order-update feed.
func (p *Paper) Updates() <-chan model.StatusUpdate { return p.updates }

// Mark records the last price for an instrument.
func (p *Paper) Mark(q model.Quote) {
	p.mu.Lock()
	p.quotes[q.InstrumentID] = q.Price
	p.mu.Unlock()
}

// Login implements session.Authenticator; any code is accepted.
func (p *Paper) Login(_ context.Context, _ string) (session.Token, error) {
	p.mu.Lock()
	p.sessions++
	n := p.sessions
	p.mu.Unlock()
	return session.Token{AccessToken: fmt.Sprintf("paper-%d", n)}, nil
}

// Logout implements session.Authenticator.
func (p *Paper) Logout(context.Context, string) error { return nil }

// PlaceOrder implements execution.OrderAPI.
func (p *Paper) PlaceOrder(_ context.Context, _ string, req model.PlaceRequest) (model.Ack, error) {
	id := req.Instrument.ID()

	p.mu.Lock()
	p.seq++
	orderID := fmt.Sprintf("PAPER-%d", p.seq)
	o := &model.BrokerOrder{
		BrokerOrderID: orderID,
		Tag:           req.Tag,
		InstrumentID:  id,
		Side:          req.Side,
		Quantity:      req.Quantity,
		State:         model.BrokerOpen,
		UpdatedAt:     p.now(),
	}
	p.orders[orderID] = o

	price, ok := p.fillPrice(req)
	if !ok {
		o.State = model.BrokerRejected
		o.Reason = "no quote for " + id
		snap := *o
		p.mu.Unlock()
		p.log.Info("paper order rejected", "order", orderID, "reason", snap.Reason)
		return model.Ack{}, model.Rejection(snap.Reason)
	}
	p.mu.Unlock()

	p.log.Info("paper order accepted", "order", orderID, "side", req.Side, "instrument", id,
		"qty", req.Quantity, "price", price.String())
	time.AfterFunc(p.cfg.FillDelay, func() { p.fill(orderID, price) })
	return model.Ack{BrokerOrderID: orderID}, nil
}

// fillPrice must be called with p.mu held.
func (p *Paper) fillPrice(req model.PlaceRequest) (decimal.Decimal, bool) {
	if req.OrderType == model.OrderTypeLimit {
		return req.LimitPrice, true
	}
	last, ok := p.quotes[req.Instrument.ID()]
	if !ok {
		return decimal.Zero, false
	}
	if p.cfg.SlippageBps > 0 {
		slip := last.Mul(decimal.NewFromInt(p.cfg.SlippageBps)).Div(decimal.NewFromInt(10000))
		if req.Side == model.SideBuy {
			last = last.Add(slip) // buy higher
		} else {
			last = last.Sub(slip) // sell lower
		}
	}
	return last.Round(2), true
}

func (p *Paper) fill(orderID string, price decimal.Decimal) {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok || o.State != model.BrokerOpen {
		p.mu.Unlock()
		return
	}
	o.State = model.BrokerComplete
	o.FilledQuantity = o.Quantity
	o.AvgPrice = price
	o.UpdatedAt = p.now()
	u := model.StatusUpdate{
		BrokerOrderID:  o.BrokerOrderID,
		Tag:            o.Tag,
		FilledQuantity: o.FilledQuantity,
		Price:          price,
		PriceIsAverage: true,
		State:          o.State,
		Timestamp:      o.UpdatedAt,
	}
	p.mu.Unlock()

	p.updates <- u
}

// CancelOrder implements execution.OrderAPI.
func (p *Paper) CancelOrder(_ context.Context, _ string, brokerOrderID string) error {
	p.mu.Lock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		p.mu.Unlock()
		return model.Rejection("unknown order " + brokerOrderID)
	}
	if o.State != model.BrokerOpen {
		state := o.State
		p.mu.Unlock()
		return model.Rejection(fmt.Sprintf("order %s is %s", brokerOrderID, state))
	}
	o.State = model.BrokerCancelled
	o.UpdatedAt = p.now()
	u := model.StatusUpdate{
		BrokerOrderID:  o.BrokerOrderID,
		Tag:            o.Tag,
		FilledQuantity: o.FilledQuantity,
		State:          o.State,
		Reason:         "cancelled by user",
		Timestamp:      o.UpdatedAt,
	}
	p.mu.Unlock()

	p.updates <- u
	return nil
}

// FindOrder implements execution.OrderAPI.
func (p *Paper) FindOrder(_ context.Context, _ string, tag string) (model.BrokerOrder, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.orders {
		if o.Tag == tag {
			return *o, true, nil
		}
	}
	return model.BrokerOrder{}, false, nil
}

// OrderSnapshot implements reconcile.SnapshotAPI.
func (p *Paper) OrderSnapshot(context.Context, string) ([]model.BrokerOrder, error) {
	p.mu.Lock()
	out := make([]model.BrokerOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out, nil
}

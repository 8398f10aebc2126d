// Package broker adapts concrete brokers to the engine's session, order and
// reconciliation interfaces: Angel One SmartAPI for live trading and an
// in-memory paper broker.
package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execengine/internal/logger"
	"execengine/internal/markethours"
	"execengine/internal/model"
	"execengine/internal/session"
	"execengine/pkg/smartconnect"
)

// AngelConfig holds the account credentials and order defaults.
type AngelConfig struct {
	ClientCode  string
	Password    string
	ProductType string // default: INTRADAY
	Variety     string // default: NORMAL
	Duration    string // default: DAY
}

// Angel implements session.Authenticator, session.Refresher,
// execution.OrderAPI and reconcile.SnapshotAPI on top of SmartAPI.
type Angel struct {
	sc  *smartconnect.SmartConnect
	cfg AngelConfig
	log *slog.Logger

	mu      sync.Mutex
	lastJWT string // generateTokens wants the previous access token too
}

// NewAngel wraps sc.
func NewAngel(sc *smartconnect.SmartConnect, cfg AngelConfig, log *slog.Logger) *Angel {
	if cfg.ProductType == "" {
		cfg.ProductType = "INTRADAY"
	}
	if cfg.Variety == "" {
		cfg.Variety = "NORMAL"
	}
	if cfg.Duration == "" {
		cfg.Duration = "DAY"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Angel{sc: sc, cfg: cfg, log: logger.Component(log, "angel")}
}

// Login implements session.Authenticator.
func (a *Angel) Login(ctx context.Context, totpCode string) (session.Token, error) {
	s, err := a.sc.GenerateSession(ctx, a.cfg.ClientCode, a.cfg.Password, totpCode)
	if err != nil {
		return session.Token{}, classify(err)
	}
	return a.token(s), nil
}

// Refresh implements session.Refresher.
func (a *Angel) Refresh(ctx context.Context, refreshToken string) (session.Token, error) {
	a.mu.Lock()
	prev := a.lastJWT
	a.mu.Unlock()

	s, err := a.sc.GenerateTokens(ctx, prev, refreshToken)
	if err != nil {
		return session.Token{}, classify(err)
	}
	return a.token(s), nil
}

func (a *Angel) token(s smartconnect.Session) session.Token {
	a.mu.Lock()
	a.lastJWT = s.JWTToken
	a.mu.Unlock()
	return session.Token{
		AccessToken:  s.JWTToken,
		RefreshToken: s.RefreshToken,
		FeedToken:    s.FeedToken,
		ExpiresAt:    jwtExpiry(s.JWTToken),
	}
}

// Logout implements session.Authenticator.
func (a *Angel) Logout(ctx context.Context, accessToken string) error {
	if err := a.sc.TerminateSession(ctx, accessToken, a.cfg.ClientCode); err != nil {
		return classify(err)
	}
	return nil
}

// PlaceOrder implements execution.OrderAPI.
func (a *Angel) PlaceOrder(ctx context.Context, token string, req model.PlaceRequest) (model.Ack, error) {
	p := smartconnect.OrderParams{
		Variety:         a.cfg.Variety,
		TradingSymbol:   req.Instrument.TradingSymbol,
		SymbolToken:     req.Instrument.Token,
		TransactionType: string(req.Side),
		Exchange:        req.Instrument.Exchange,
		OrderType:       string(req.OrderType),
		ProductType:     a.cfg.ProductType,
		Duration:        a.cfg.Duration,
		Quantity:        strconv.FormatInt(req.Quantity, 10),
		OrderTag:        req.Tag,
	}
	if req.OrderType == model.OrderTypeLimit {
		p.Price = req.LimitPrice.String()
	} else {
		p.Price = "0"
	}

	id, err := a.sc.PlaceOrder(ctx, token, p)
	if err != nil {
		return model.Ack{}, classify(err)
	}
	return model.Ack{BrokerOrderID: id}, nil
}

// CancelOrder implements execution.OrderAPI.
func (a *Angel) CancelOrder(ctx context.Context, token, brokerOrderID string) error {
	if err := a.sc.CancelOrder(ctx, token, a.cfg.Variety, brokerOrderID); err != nil {
		return classify(err)
	}
	return nil
}

// FindOrder implements execution.OrderAPI by scanning the order book for
// the tag. SmartAPI has no lookup by tag.
func (a *Angel) FindOrder(ctx context.Context, token, tag string) (model.BrokerOrder, bool, error) {
	orders, err := a.OrderSnapshot(ctx, token)
	if err != nil {
		return model.BrokerOrder{}, false, err
	}
	var match []model.BrokerOrder
	for _, o := range orders {
		if o.Tag == tag {
			match = append(match, o)
		}
	}
	if len(match) == 0 {
		return model.BrokerOrder{}, false, nil
	}
	if len(match) > 1 {
		a.log.Warn("several broker orders share one tag", "tag", tag, "count", len(match))
	}
	// Prefer an accepted order over a rejected duplicate.
	sort.SliceStable(match, func(i, j int) bool {
		return match[i].State != model.BrokerRejected && match[j].State == model.BrokerRejected
	})
	return match[0], true, nil
}

// OrderSnapshot implements reconcile.SnapshotAPI.
func (a *Angel) OrderSnapshot(ctx context.Context, token string) ([]model.BrokerOrder, error) {
	rows, err := a.sc.OrderBook(ctx, token)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]model.BrokerOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, brokerOrder(r))
	}
	return out, nil
}

// ConvertUpdate turns a feed message into a status update.
func ConvertUpdate(u smartconnect.OrderUpdate) (model.StatusUpdate, bool) {
	if u.OrderData.OrderID == "" {
		return model.StatusUpdate{}, false
	}
	bo := brokerOrder(u.OrderData)
	return model.StatusUpdate{
		BrokerOrderID:  bo.BrokerOrderID,
		Tag:            bo.Tag,
		FilledQuantity: bo.FilledQuantity,
		Price:          bo.AvgPrice,
		PriceIsAverage: true,
		State:          bo.State,
		Reason:         bo.Reason,
		Timestamp:      bo.UpdatedAt,
	}, true
}

// PumpUpdates converts feed messages from in onto out until ctx is
// cancelled or in is closed.
func PumpUpdates(ctx context.Context, in <-chan smartconnect.OrderUpdate, out chan<- model.StatusUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-in:
			if !ok {
				return
			}
			su, ok := ConvertUpdate(u)
			if !ok {
				continue
			}
			select {
			case out <- su:
			case <-ctx.Done():
				return
			}
		}
	}
}

func brokerOrder(r smartconnect.Order) model.BrokerOrder {
	status := r.OrderStatus
	if status == "" {
		status = r.Status
	}
	filled := parseInt(r.FilledShares)
	return model.BrokerOrder{
		BrokerOrderID:  r.OrderID,
		Tag:            r.OrderTag,
		InstrumentID:   model.Instrument{Exchange: r.Exchange, TradingSymbol: r.TradingSymbol, Token: r.SymbolToken}.ID(),
		Side:           model.Side(strings.ToUpper(r.TransactionType)),
		Quantity:       parseInt(r.Quantity),
		FilledQuantity: filled,
		AvgPrice:       parseDecimal(r.AveragePrice),
		State:          MapStatus(status, filled),
		Reason:         r.Text,
		UpdatedAt:      parseTime(firstNonEmpty(r.ExchOrderUpdate, r.UpdateTime)),
	}
}

// MapStatus normalises a SmartAPI order status.
func MapStatus(status string, filled int64) model.BrokerState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "complete":
		return model.BrokerComplete
	case "rejected":
		return model.BrokerRejected
	case "cancelled":
		return model.BrokerCancelled
	case "open", "trigger pending", "validation pending", "put order req received",
		"open pending", "modify pending", "modified", "not modified", "cancel pending",
		"not cancelled", "after market order req received", "modify validation pending":
		if filled > 0 {
			return model.BrokerPartial
		}
		return model.BrokerOpen
	default:
		return model.BrokerUnknown
	}
}

// retryableCodes are SmartAPI codes that mean "try again later".
var retryableCodes = map[string]bool{"AB1004": true, "AB2000": true}

// classify maps SmartAPI and transport failures onto the engine's codes.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *smartconnect.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.TokenExpired():
			return model.WrapError(model.ErrUnauthorized, err)
		case apiErr.Temporary(), retryableCodes[apiErr.Code]:
			return model.WrapError(model.ErrTransient, err)
		default:
			msg := apiErr.Message
			if apiErr.Code != "" {
				msg = apiErr.Code + ": " + msg
			}
			return model.Rejection(msg)
		}
	}
	// transport: refused, reset, timeout
	return model.WrapError(model.ErrTransient, err)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{"02-Jan-2006 15:04:05", "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, markethours.IST); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseInt(n smartconnect.Num) int64 {
	if n == "" {
		return 0
	}
	v, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		d, derr := decimal.NewFromString(string(n))
		if derr != nil {
			return 0
		}
		return d.IntPart()
	}
	return v
}

func parseDecimal(n smartconnect.Num) decimal.Decimal {
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// jwtExpiry reads the exp claim without verifying the token. Zero when the
// token is not a JWT or has no exp.
func jwtExpiry(token string) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}
	}
	return time.Unix(claims.Exp, 0)
}

// Package api exposes the execution engine over HTTP: order submission and
// cancellation, read views of orders, fills and positions, the durable event
// history, and a websocket stream of live events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"execengine/internal/logger"
	"execengine/internal/model"
	"execengine/internal/portfolio"
	"execengine/internal/session"
)

// Engine is the part of the execution engine the API drives.
type Engine interface {
	Submit(ctx context.Context, intent model.TradeIntent) (model.Order, error)
	Cancel(ctx context.Context, clientRequestID string) (model.Order, error)
	Order(clientRequestID string) (model.Order, bool)
	Orders() []model.Order
	Fills() []model.Fill
	Positions() []model.Position
	Summary() portfolio.PnLSummary
	Halted() bool
}

// EventStore reads the durable event history.
type EventStore interface {
	Events(ctx context.Context, kind model.EventKind, limit int) ([]model.Event, error)
}

// Deps are the handlers' collaborators. Only Engine is required.
type Deps struct {
	Engine    Engine
	Events    EventStore
	Reconcile func()
	Session   func() session.Session
	Risk      func() map[string]interface{}
	Stream    http.Handler
	Logger    *slog.Logger
}

type handlers struct {
	Deps
	log *slog.Logger
}

// NewRouter sets up the HTTP routes for the API server.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = logger.Discard()
	}
	h := &handlers{Deps: d, log: logger.Component(d.Logger, "api")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", h.health)
	mux.HandleFunc("GET /api/v1/orders", h.listOrders)
	mux.HandleFunc("POST /api/v1/orders", h.submitOrder)
	mux.HandleFunc("GET /api/v1/orders/{id}", h.getOrder)
	mux.HandleFunc("POST /api/v1/orders/{id}/cancel", h.cancelOrder)
	mux.HandleFunc("GET /api/v1/fills", h.fills)
	mux.HandleFunc("GET /api/v1/positions", h.positions)
	mux.HandleFunc("GET /api/v1/pnl", h.pnl)
	mux.HandleFunc("GET /api/v1/events", h.events)
	mux.HandleFunc("GET /api/v1/session", h.session)
	mux.HandleFunc("GET /api/v1/risk", h.risk)
	mux.HandleFunc("POST /api/v1/reconcile", h.reconcile)
	if d.Stream != nil {
		mux.Handle("GET /api/v1/stream", d.Stream)
	}
	return withRequestID(setCORS(mux))
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.Engine.Halted() {
		status = "halted"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *handlers) listOrders(w http.ResponseWriter, r *http.Request) {
	orders := h.Engine.Orders()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if string(o.State) == state {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders, "count": len(orders)})
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.Engine.Order(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, model.ErrOrderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handlers) submitOrder(w http.ResponseWriter, r *http.Request) {
	var intent model.TradeIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeError(w, http.StatusBadRequest, model.WrapError(model.ErrInvalidIntent, err))
		return
	}
	if intent.ClientRequestID == "" {
		intent.ClientRequestID = model.NewClientRequestID()
	}

	o, err := h.Engine.Submit(r.Context(), intent)
	if err != nil {
		h.log.Warn("submit failed", append(logger.Attrs(r.Context()), "client_request_id", intent.ClientRequestID, "error", err)...)
		if o.ClientRequestID != "" {
			writeJSON(w, statusFor(err), map[string]interface{}{"order": o, "error": errorBody(err)})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, o)
}

func (h *handlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Engine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		if o.ClientRequestID != "" {
			writeJSON(w, statusFor(err), map[string]interface{}{"order": o, "error": errorBody(err)})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handlers) fills(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"fills": h.Engine.Fills()})
}

func (h *handlers) positions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": h.Engine.Positions()})
}

func (h *handlers) pnl(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Summary())
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeError(w, http.StatusNotImplemented, errors.New("event history not configured"))
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	evs, err := h.Events.Events(r.Context(), model.EventKind(r.URL.Query().Get("kind")), limit)
	if err != nil {
		h.log.Error("event query failed", append(logger.Attrs(r.Context()), "error", err)...)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

func (h *handlers) session(w http.ResponseWriter, r *http.Request) {
	if h.Session == nil {
		writeError(w, http.StatusNotImplemented, errors.New("session view not configured"))
		return
	}
	writeJSON(w, http.StatusOK, h.Session())
}

func (h *handlers) risk(w http.ResponseWriter, r *http.Request) {
	if h.Risk == nil {
		writeError(w, http.StatusNotImplemented, errors.New("risk view not configured"))
		return
	}
	writeJSON(w, http.StatusOK, h.Risk())
}

func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	if h.Reconcile == nil {
		writeError(w, http.StatusNotImplemented, errors.New("reconciler not configured"))
		return
	}
	h.Reconcile()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidIntent):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrRateLimitTimeout):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrHalted), errors.Is(err, model.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrDispatchFailed), errors.Is(err, model.ErrAuthenticationFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func errorBody(err error) map[string]string {
	var e *model.Error
	if errors.As(err, &e) {
		return map[string]string{"code": e.Code, "message": err.Error()}
	}
	return map[string]string{"message": err.Error()}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{"error": errorBody(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// setCORS adds permissive CORS headers for dashboard clients.
func setCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

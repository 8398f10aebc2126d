package smartconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	OrderFeedURL      = "wss://tns.angelone.in/smart-order-update"
	HeartBeatMessage  = "ping"
	HeartBeatInterval = 10 * time.Second
)

// OrderUpdate is one message from the order-update feed.
type OrderUpdate struct {
	UserID       string `json:"user-id"`
	StatusCode   string `json:"status-code"`
	OrderStatus  string `json:"order-status"`
	ErrorMessage string `json:"error-message"`
	OrderData    Order  `json:"orderData"`
}

// FeedConfig configures the order-update feed.
type FeedConfig struct {
	URL               string        // default: OrderFeedURL
	HeartbeatInterval time.Duration // default: 10s
	ReadTimeout       time.Duration // default: 3 heartbeats
	BaseBackoff       time.Duration // default: 1s
	MaxBackoff        time.Duration // default: 30s
	Dialer            *websocket.Dialer
}

// TokenFunc returns the access token to authenticate a (re)connection.
type TokenFunc func(ctx context.Context) (string, error)

// OrderFeed keeps a websocket to the order-update feed open, reconnecting
// with exponential backoff, and delivers updates that carry an order.
type OrderFeed struct {
	cfg   FeedConfig
	token TokenFunc

	// Callbacks
	OnConnect      func()
	OnDisconnect   func(err error)
	OnMessage      func()
	OnUnauthorized func(token string)

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewOrderFeed creates a feed. Run starts it.
func NewOrderFeed(cfg FeedConfig, token TokenFunc) *OrderFeed {
	if cfg.URL == "" {
		cfg.URL = OrderFeedURL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = HeartBeatInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &OrderFeed{cfg: cfg, token: token}
}

// Run connects and forwards updates to out until ctx is cancelled.
func (f *OrderFeed) Run(ctx context.Context, out chan<- OrderUpdate) error {
	backoff := f.cfg.BaseBackoff
	for {
		connected, err := f.session(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = f.cfg.BaseBackoff
		}
		log.Printf("[orderfeed] disconnected: %v (reconnecting in %s)", err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			backoff = f.cfg.MaxBackoff
		}
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (f *OrderFeed) session(ctx context.Context, out chan<- OrderUpdate) (connected bool, err error) {
	token, err := f.token(ctx)
	if err != nil {
		return false, fmt.Errorf("order feed token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := f.cfg.Dialer.DialContext(ctx, f.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			if f.OnUnauthorized != nil {
				f.OnUnauthorized(token)
			}
		}
		return false, fmt.Errorf("dial order feed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	log.Printf("[orderfeed] connected to %s", f.cfg.URL)
	if f.OnConnect != nil {
		f.OnConnect()
	}

	sctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.heartbeatLoop(sctx, conn)
	}()

	err = f.readLoop(sctx, conn, out)

	cancel()
	conn.Close()
	wg.Wait()
	f.mu.Lock()
	f.conn = nil
	f.mu.Unlock()
	if f.OnDisconnect != nil {
		f.OnDisconnect(err)
	}
	return true, err
}

func (f *OrderFeed) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- OrderUpdate) error {
	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		mt, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if mt != websocket.TextMessage || string(message) == "pong" {
			continue
		}

		var upd OrderUpdate
		if err := json.Unmarshal(message, &upd); err != nil {
			log.Printf("[orderfeed] bad message: %v", err)
			continue
		}
		if f.OnMessage != nil {
			f.OnMessage()
		}
		if upd.OrderData.OrderID == "" {
			// connection status frames (AB00 and friends)
			continue
		}

		select {
		case out <- upd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// heartbeatLoop sends the text ping the feed expects.
func (f *OrderFeed) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte(HeartBeatMessage))
			f.mu.Unlock()
			if err != nil {
				log.Printf("[orderfeed] ping write error: %v", err)
				conn.Close()
				return
			}
		}
	}
}

// Connected reports whether a connection is currently open.
func (f *OrderFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

// ErrFeedClosed is returned by Close on a feed that is not connected.
var ErrFeedClosed = errors.New("order feed not connected")

// Close drops the current connection; Run reconnects.
func (f *OrderFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return ErrFeedClosed
	}
	f.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return f.conn.Close()
}

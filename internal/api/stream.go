package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"execengine/internal/logger"
	"execengine/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
)

// envelope is the stream frame for one event.
type envelope struct {
	Seq   int64       `json:"seq"`
	Event model.Event `json:"event"`
}

// EventHub fans engine events out to websocket clients. It is registered
// with the emitter as a notifier, so a slow client can never hold up the
// engine: its frames are dropped and it is disconnected.
type EventHub struct {
	log    *slog.Logger
	replay *ReplayBuffer

	mu      sync.RWMutex
	clients map[*streamClient]bool
	seq     int64
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *EventHub
	once sync.Once
}

// NewEventHub creates a hub that keeps the last replaySize frames.
func NewEventHub(replaySize int, log *slog.Logger) *EventHub {
	if log == nil {
		log = logger.Discard()
	}
	return &EventHub{
		log:     logger.Component(log, "stream"),
		replay:  NewReplayBuffer(replaySize),
		clients: make(map[*streamClient]bool),
	}
}

// Name implements notification.Notifier.
func (h *EventHub) Name() string { return "websocket" }

// Send implements notification.Notifier by broadcasting ev.
func (h *EventHub) Send(_ context.Context, ev model.Event) error {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	data, err := json.Marshal(envelope{Seq: seq, Event: ev})
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.replay.Push(seq, data)
	var slow []*streamClient
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.log.Warn("dropping slow stream client")
		c.close()
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events. ?since=N replays
// buffered frames with seq > N first.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}
	c := &streamClient{conn: conn, send: make(chan []byte, clientSendBuffer), hub: h}

	h.mu.Lock()
	if s := r.URL.Query().Get("since"); s != "" {
		if since, err := strconv.ParseInt(s, 10, 64); err == nil {
			for _, e := range h.replay.After(since) {
				select {
				case c.send <- e.Data:
				default:
				}
			}
		}
	}
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (h *EventHub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (c *streamClient) close() {
	c.once.Do(func() {
		c.hub.remove(c)
		c.conn.Close()
	})
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; clients never send data.
func (c *streamClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

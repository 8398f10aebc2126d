package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execengine/internal/model"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestEventHubBroadcasts(t *testing.T) {
	hub := NewEventHub(10, nil)
	srv := httptest.NewServer(NewRouter(Deps{Engine: newFakeEngine(), Stream: hub}))
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ev := model.NewEvent(model.EventOrderAcknowledged, map[string]any{"client_request_id": "c1"}, time.Now())
	require.NoError(t, hub.Send(context.Background(), ev))

	env := readEnvelope(t, conn)
	assert.Equal(t, int64(1), env.Seq)
	assert.Equal(t, ev.ID, env.Event.ID)
	assert.Equal(t, "websocket", hub.Name())
}

func TestEventHubReplaysSince(t *testing.T) {
	hub := NewEventHub(10, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Send(context.Background(), model.NewEvent(model.EventOrderFilled, nil, time.Now())))
	}
	srv := httptest.NewServer(NewRouter(Deps{Engine: newFakeEngine(), Stream: hub}))
	defer srv.Close()

	conn := dial(t, srv, "?since=1")
	assert.Equal(t, int64(2), readEnvelope(t, conn).Seq)
	assert.Equal(t, int64(3), readEnvelope(t, conn).Seq)
}

func TestReplayBufferWraps(t *testing.T) {
	rb := NewReplayBuffer(3)
	for i := int64(1); i <= 5; i++ {
		rb.Push(i, []byte{byte(i)})
	}
	assert.Equal(t, 3, rb.Len())

	got := rb.After(0)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, int64(5), got[2].Seq)
	assert.Len(t, rb.After(4), 1)
}

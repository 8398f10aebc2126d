package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"execengine/internal/model"
)

func testEvent() model.Event {
	return model.NewEvent(model.EventOrderRejected, map[string]any{
		"client_request_id": "abc",
		"reason":            "insufficient margin",
	}, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
}

func TestRenderSortsPayload(t *testing.T) {
	a := Render(testEvent())
	if a.Level != AlertWarning {
		t.Errorf("level = %s, want WARNING", a.Level)
	}
	if a.Title != string(model.EventOrderRejected) {
		t.Errorf("title = %q", a.Title)
	}
	want := "client_request_id: abc\nreason: insufficient margin"
	if a.Message != want {
		t.Errorf("message = %q, want %q", a.Message, want)
	}
}

func TestLevelFor(t *testing.T) {
	cases := map[model.EventKind]AlertLevel{
		model.EventOrderFilled:               AlertInfo,
		model.EventSessionExpired:            AlertWarning,
		model.EventReconciliationDiscrepancy: AlertCritical,
		model.EventDispatchFailed:            AlertCritical,
	}
	for kind, want := range cases {
		if got := LevelFor(kind); got != want {
			t.Errorf("LevelFor(%s) = %s, want %s", kind, got, want)
		}
	}
}

func TestWebhookNotifier(t *testing.T) {
	ev := testEvent()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Event-ID") != ev.ID {
			t.Errorf("X-Event-ID = %q", r.Header.Get("X-Event-ID"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Send(context.Background(), ev); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["kind"] != string(model.EventOrderRejected) {
		t.Errorf("kind = %v", got["kind"])
	}
	if got["level"] != "WARNING" {
		t.Errorf("level = %v", got["level"])
	}
}

func TestWebhookNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down\n"))
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), testEvent())
	if err == nil || !strings.Contains(err.Error(), "status 502: upstream down") {
		t.Fatalf("err = %v", err)
	}
}

func TestTelegramNotifier(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("tok", "42")
	n.baseURL = srv.URL
	if err := n.Send(context.Background(), testEvent()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/bottok/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if body["chat_id"] != "42" {
		t.Errorf("chat_id = %v", body["chat_id"])
	}
	text, _ := body["text"].(string)
	if !strings.Contains(text, "<b>OrderRejected</b>") || !strings.Contains(text, `insufficient margin`) {
		t.Errorf("text = %q", text)
	}
	if body["disable_notification"] != false {
		t.Errorf("warning-level event sent silently")
	}
}

func TestTelegramNotifierRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"ok":false,"description":"Too Many Requests","parameters":{"retry_after":7}}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("tok", "42")
	n.baseURL = srv.URL
	err := n.Send(context.Background(), testEvent())
	if err == nil || !strings.Contains(err.Error(), "retry after 7s") {
		t.Fatalf("err = %v", err)
	}
}

func TestTelegramHTMLEscapes(t *testing.T) {
	got := telegramHTML(Alert{Level: AlertCritical, Title: "a<b", Message: "x & y"})
	if !strings.Contains(got, "<b>a&lt;b</b>") || !strings.Contains(got, "<pre>x &amp; y</pre>") {
		t.Errorf("telegramHTML = %q", got)
	}
}

func TestSMSNotifierSendsToEveryRecipient(t *testing.T) {
	var mu sync.Mutex
	var to []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		raw, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(raw))
		if !strings.Contains(form.Get("body"), "insufficient margin") {
			t.Errorf("body = %q", form.Get("body"))
		}
		mu.Lock()
		to = append(to, form.Get("to"))
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewSMSNotifier(srv.URL, "key", []string{"+911111111111", "+912222222222"})
	if err := n.Send(context.Background(), testEvent()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(to) != 2 || to[0] != "+911111111111" || to[1] != "+912222222222" {
		t.Errorf("recipients = %v", to)
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier()
	if n.Name() != "log" {
		t.Errorf("name = %q", n.Name())
	}
	if err := n.Send(context.Background(), testEvent()); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

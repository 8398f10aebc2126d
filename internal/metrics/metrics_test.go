package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.FillsTotal.Inc()
	m.Discrepancies.WithLabelValues("unknown_order").Inc()

	if got := testutil.ToFloat64(m.FillsTotal); got != 1 {
		t.Errorf("fills = %v, want 1", got)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected metrics")
	}
	m := New(nil)
	if OrNop(m) != m {
		t.Error("expected the same instance back")
	}
}

func TestHealthz_States(t *testing.T) {
	var ledgerErr error
	h := NewHealthStatus()
	h.AddProbe("sqlite", ProbeCritical, func(context.Context) error { return ledgerErr })
	h.AddProbe("redis", ProbeOptional, func(context.Context) error { return errors.New("connection refused") })
	h.SetSessionActive(true)
	h.SetFeedConnected(true)

	get := func() (int, map[string]any) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		var body map[string]any
		json.Unmarshal(rec.Body.Bytes(), &body)
		return rec.Code, body
	}

	if code, body := get(); body["status"] != "unhealthy" {
		t.Fatalf("expected unhealthy before the first probe, got %d %v", code, body["status"])
	}

	h.CheckAll(context.Background())
	code, body := get()
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("expected healthy/200, got %d %v", code, body["status"])
	}
	deps := body["dependencies"].(map[string]any)
	if redis := deps["redis"].(map[string]any); redis["ok"] != false || redis["error"] != "connection refused" {
		t.Errorf("redis probe = %v", redis)
	}

	h.SetFeedConnected(false)
	if code, body := get(); code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("expected degraded/503, got %d %v", code, body["status"])
	}

	h.SetFeedConnected(true)
	ledgerErr = errors.New("disk I/O error")
	h.CheckAll(context.Background())
	if _, body := get(); body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy with the ledger down, got %v", body["status"])
	}

	ledgerErr = nil
	h.CheckAll(context.Background())
	h.SetHalted(true)
	if _, body := get(); body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy when halted, got %v", body["status"])
	}
}

func TestServer_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg).LoginsTotal.Inc()
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("api"))
	})
	srv := NewServer(":0", NewHealthStatus(), reg, api)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "execengine_logins_total 1") {
		t.Errorf("metrics output missing login counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	if rec.Body.String() != "api" {
		t.Errorf("expected api handler, got %q", rec.Body.String())
	}
}

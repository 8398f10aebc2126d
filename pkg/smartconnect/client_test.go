package smartconnect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *SmartConnect {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewSmartConnect(Config{
		APIKey:        "key",
		RootURL:       srv.URL,
		ClientLocalIP: "10.0.0.1",
		ClientMAC:     "aa:bb:cc:dd:ee:ff",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestGenerateSession(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != routes["api.login"] {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-PrivateKey"); got != "key" {
			t.Errorf("X-PrivateKey = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("login must not carry a bearer token, got %q", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["clientcode"] != "C1" || body["totp"] != "123456" {
			t.Errorf("body = %v", body)
		}
		writeJSON(w, 200, map[string]any{
			"status": true, "message": "SUCCESS",
			"data": map[string]string{"jwtToken": "Bearer jwt-1", "refreshToken": "rt-1", "feedToken": "ft-1"},
		})
	})

	s, err := sc.GenerateSession(context.Background(), "C1", "pw", "123456")
	if err != nil {
		t.Fatal(err)
	}
	if s.JWTToken != "jwt-1" || s.RefreshToken != "rt-1" || s.FeedToken != "ft-1" {
		t.Errorf("session = %+v", s)
	}
}

func TestLoginFailureIsAPIError(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"status": false, "message": "Invalid totp", "errorcode": "AB1050", "data": nil})
	})

	_, err := sc.GenerateSession(context.Background(), "C1", "pw", "000000")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != "AB1050" || apiErr.TokenExpired() || apiErr.Temporary() {
		t.Errorf("unexpected classification: %+v", apiErr)
	}
}

func TestPlaceOrder(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var p OrderParams
		json.NewDecoder(r.Body).Decode(&p)
		if p.OrderTag != "abc" || p.Quantity != "10" || p.TransactionType != "BUY" {
			t.Errorf("params = %+v", p)
		}
		writeJSON(w, 200, map[string]any{"status": true, "data": map[string]string{"orderid": "201020000000080"}})
	})

	id, err := sc.PlaceOrder(context.Background(), "tok", OrderParams{
		Variety: "NORMAL", TradingSymbol: "SBIN-EQ", SymbolToken: "3045", TransactionType: "BUY",
		Exchange: "NSE", OrderType: "MARKET", ProductType: "INTRADAY", Duration: "DAY", Quantity: "10", OrderTag: "abc",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "201020000000080" {
		t.Errorf("order id = %q", id)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		tokenErr  bool
		temporary bool
	}{
		{"token exception", 403, `{"message":"Invalid Token","errorcode":"AG8001","error_type":"TokenException"}`, true, false},
		{"expired jwt in envelope", 200, `{"status":false,"message":"Token Expired","errorcode":"AG8002"}`, true, false},
		{"gateway", 502, `<html>bad gateway</html>`, false, true},
		{"throttled", 429, `{"message":"Access denied because of exceeding access rate"}`, false, true},
		{"rejected", 200, `{"status":false,"message":"Insufficient funds","errorcode":"AB4008"}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := sc.PlaceOrder(context.Background(), "tok", OrderParams{})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.TokenExpired() != tt.tokenErr {
				t.Errorf("TokenExpired = %v, want %v", apiErr.TokenExpired(), tt.tokenErr)
			}
			if apiErr.Temporary() != tt.temporary {
				t.Errorf("Temporary = %v, want %v", apiErr.Temporary(), tt.temporary)
			}
		})
	}
}

func TestOrderBookDecodesMixedNumbers(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		io.WriteString(w, `{"status":true,"data":[
			{"orderid":"1","ordertag":"t1","status":"complete","quantity":"100","filledshares":"100","averageprice":100.6,"price":0},
			{"orderid":"2","ordertag":"","status":"open","quantity":5,"filledshares":"0","averageprice":null}
		]}`)
	})

	orders, err := sc.OrderBook(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 2 {
		t.Fatalf("len = %d", len(orders))
	}
	if orders[0].AveragePrice != "100.6" || orders[0].FilledShares != "100" {
		t.Errorf("row 0 = %+v", orders[0])
	}
	if orders[1].Quantity != "5" || orders[1].AveragePrice != "" {
		t.Errorf("row 1 = %+v", orders[1])
	}
}

func TestEmptyOrderBook(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":true,"message":"SUCCESS","data":null}`)
	})
	orders, err := sc.OrderBook(context.Background(), "tok")
	if err != nil || len(orders) != 0 {
		t.Errorf("orders=%v err=%v", orders, err)
	}
}

func TestRequestHonoursContext(t *testing.T) {
	sc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sc.CancelOrder(ctx, "tok", "NORMAL", "1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Error("transport failures are not API errors")
	}
}

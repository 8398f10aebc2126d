// Package smartconnect is a client for the Angel One SmartAPI: session
// login and token refresh, order placement and cancellation, the order book,
// and the order-update websocket feed.
//
// Every call takes the access token explicitly so one client can be shared
// while the caller owns the session lifecycle.
//
//	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: "your_api_key"})
//	s, err := sc.GenerateSession(ctx, "CLIENTID", "PASSWORD", "123456")
//	if err != nil { log.Fatal(err) }
//	id, err := sc.PlaceOrder(ctx, s.JWTToken, smartconnect.OrderParams{
//	    Variety: "NORMAL", TradingSymbol: "SBIN-EQ", SymbolToken: "3045", TransactionType: "BUY",
//	    Exchange: "NSE", OrderType: "MARKET", ProductType: "INTRADAY", Duration: "DAY", Quantity: "1",
//	})
package smartconnect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ---- Config & client ----

type Config struct {
	APIKey string

	RootURL        string // default: https://apiconnect.angelone.in
	Debug          bool
	Timeout        time.Duration // default: 7s
	ProxyURL       string        // optional HTTP proxy URL
	DisableSSL     bool          // if true, InsecureSkipVerify
	UserType       string        // default: USER
	SourceID       string        // default: WEB
	ClientPublicIP string        // default: local IP
	ClientLocalIP  string        // default resolved, else 127.0.0.1
	ClientMAC      string        // default from interface MAC
}

type SmartConnect struct {
	apiKey  string
	rootURL string
	debug   bool

	httpClient *http.Client

	// header fields
	userType string
	sourceID string

	clientPublicIP string
	clientLocalIP  string
	clientMAC      string
}

const (
	defaultRoot = "https://apiconnect.angelone.in"
	contentJSON = "application/json"
)

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.token":        "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",

	"api.order.place":  "/rest/secure/angelbroking/order/v1/placeOrder",
	"api.order.cancel": "/rest/secure/angelbroking/order/v1/cancelOrder",
	"api.order.book":   "/rest/secure/angelbroking/order/v1/getOrderBook",
	"api.trade.book":   "/rest/secure/angelbroking/order/v1/getTradeBook",
}

// GetLocalIP finds the first non-loopback IPv4 address.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no local IP found")
}

// NewSmartConnect initializes the client.
func NewSmartConnect(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.ClientLocalIP == "" {
		localIP, err := GetLocalIP()
		if err != nil {
			log.Printf("[smartconnect] local IP: %v", err)
		}
		cfg.ClientLocalIP = firstNonEmpty(localIP, "127.0.0.1")
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = cfg.ClientLocalIP
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = getMACFallback()
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.DisableSSL,
		},
	}
	if cfg.ProxyURL != "" {
		if purl, err := url.Parse(cfg.ProxyURL); err == nil {
			tr.Proxy = http.ProxyURL(purl)
		}
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		debug:          cfg.Debug,
		httpClient:     &http.Client{Transport: tr, Timeout: cfg.Timeout},
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getMACFallback() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

// ---- Errors ----

// APIError is a failed SmartAPI call: a non-2xx status, an error_type body
// or a status=false envelope.
type APIError struct {
	HTTPStatus int
	Code       string // SmartAPI errorcode, e.g. "AG8001"
	Type       string // error_type, e.g. "TokenException"
	Message    string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "smartapi: http %d", e.HTTPStatus)
	if e.Type != "" {
		b.WriteString(" " + e.Type)
	}
	if e.Code != "" {
		b.WriteString(" " + e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

// tokenCodes are the SmartAPI codes for an invalid, expired or missing JWT.
var tokenCodes = map[string]bool{"AG8001": true, "AG8002": true, "AG8003": true}

// TokenExpired reports whether the access token was refused.
func (e *APIError) TokenExpired() bool {
	return e.HTTPStatus == http.StatusUnauthorized || e.HTTPStatus == http.StatusForbidden ||
		e.Type == "TokenException" || tokenCodes[e.Code]
}

// Temporary reports whether the failure is on the server side or a
// throttle, so the call may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.HTTPStatus >= 500 || e.HTTPStatus == http.StatusTooManyRequests
}

// ---- Helpers ----

func (sc *SmartConnect) requestHeaders(accessToken string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", contentJSON)
	h.Set("Accept", contentJSON)
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", sc.userType)
	h.Set("X-SourceID", sc.sourceID)
	if accessToken != "" {
		h.Set("Authorization", "Bearer "+accessToken)
	}
	return h
}

func (sc *SmartConnect) buildURL(route string) (string, error) {
	uri, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("unknown route: %s", route)
	}
	return sc.rootURL + uri, nil
}

type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// doRequest performs one call and decodes the envelope's data into out
// (which may be nil). Transport failures are returned unwrapped so callers
// can tell them from *APIError.
func (sc *SmartConnect) doRequest(ctx context.Context, method, route, accessToken string, params any, out any) error {
	fullURL, err := sc.buildURL(route)
	if err != nil {
		return err
	}

	var body io.Reader
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", route, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return err
	}
	req.Header = sc.requestHeaders(accessToken)

	if sc.debug {
		log.Printf("[smartconnect] request: %s %s", method, fullURL)
	}

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", route, err)
	}

	if sc.debug {
		log.Printf("[smartconnect] response: code=%d body=%s", resp.StatusCode, string(raw))
	}

	var env envelope
	jerr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		if jerr == nil {
			apiErr.Code, apiErr.Type = env.ErrorCode, env.ErrorType
			if env.Message != "" {
				apiErr.Message = env.Message
			}
		}
		return apiErr
	}
	if jerr != nil {
		return fmt.Errorf("couldn't parse %s response: %w", route, jerr)
	}
	if env.ErrorType != "" || !env.Status {
		return &APIError{HTTPStatus: resp.StatusCode, Code: env.ErrorCode, Type: env.ErrorType, Message: env.Message}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", route, err)
	}
	return nil
}

// ---- Session ----

// Session is the token set returned by login and token refresh.
type Session struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// GenerateSession logs in with client code, password and a TOTP code.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totp string) (Session, error) {
	params := map[string]string{"clientcode": clientCode, "password": password, "totp": totp}
	var s Session
	if err := sc.doRequest(ctx, http.MethodPost, "api.login", "", params, &s); err != nil {
		return Session{}, err
	}
	if s.JWTToken == "" {
		return Session{}, errors.New("smartapi: login response carries no jwtToken")
	}
	s.JWTToken = strings.TrimPrefix(s.JWTToken, "Bearer ")
	return s, nil
}

// GenerateTokens exchanges a refresh token for a fresh token set.
func (sc *SmartConnect) GenerateTokens(ctx context.Context, accessToken, refreshToken string) (Session, error) {
	var s Session
	err := sc.doRequest(ctx, http.MethodPost, "api.token", accessToken, map[string]string{"refreshToken": refreshToken}, &s)
	if err != nil {
		return Session{}, err
	}
	if s.JWTToken == "" {
		return Session{}, errors.New("smartapi: token response carries no jwtToken")
	}
	s.JWTToken = strings.TrimPrefix(s.JWTToken, "Bearer ")
	if s.RefreshToken == "" {
		s.RefreshToken = refreshToken
	}
	return s, nil
}

// TerminateSession logs the client out.
func (sc *SmartConnect) TerminateSession(ctx context.Context, accessToken, clientCode string) error {
	return sc.doRequest(ctx, http.MethodPost, "api.logout", accessToken, map[string]string{"clientcode": clientCode}, nil)
}

// Profile is the subset of the user profile the engine reads.
type Profile struct {
	ClientCode string   `json:"clientcode"`
	Name       string   `json:"name"`
	Exchanges  []string `json:"exchanges"`
}

// GetProfile fetches the logged-in user's profile. It doubles as a cheap
// token validity probe.
func (sc *SmartConnect) GetProfile(ctx context.Context, accessToken string) (Profile, error) {
	var p Profile
	err := sc.doRequest(ctx, http.MethodGet, "api.user.profile", accessToken, nil, &p)
	return p, err
}

// ---- Orders ----

// OrderParams is a placeOrder request. SmartAPI takes numbers as strings.
type OrderParams struct {
	Variety         string `json:"variety"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           string `json:"price,omitempty"`
	Quantity        string `json:"quantity"`
	OrderTag        string `json:"ordertag,omitempty"`
}

// PlaceOrder submits an order and returns the broker order id.
func (sc *SmartConnect) PlaceOrder(ctx context.Context, accessToken string, p OrderParams) (string, error) {
	var data struct {
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := sc.doRequest(ctx, http.MethodPost, "api.order.place", accessToken, p, &data); err != nil {
		return "", err
	}
	if data.OrderID == "" {
		return "", errors.New("smartapi: place order response carries no orderid")
	}
	return data.OrderID, nil
}

// CancelOrder cancels an open order.
func (sc *SmartConnect) CancelOrder(ctx context.Context, accessToken, variety, orderID string) error {
	params := map[string]string{"variety": variety, "orderid": orderID}
	return sc.doRequest(ctx, http.MethodPost, "api.order.cancel", accessToken, params, nil)
}

// Order is one order book row. The same shape arrives on the order-update
// feed.
type Order struct {
	Variety         string `json:"variety"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           Num    `json:"price"`
	Quantity        Num    `json:"quantity"`
	TradingSymbol   string `json:"tradingsymbol"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	SymbolToken     string `json:"symboltoken"`
	OrderTag        string `json:"ordertag"`
	AveragePrice    Num    `json:"averageprice"`
	FilledShares    Num    `json:"filledshares"`
	UnfilledShares  Num    `json:"unfilledshares"`
	OrderID         string `json:"orderid"`
	Text            string `json:"text"`
	Status          string `json:"status"`
	OrderStatus     string `json:"orderstatus"`
	UpdateTime      string `json:"updatetime"`
	ExchOrderUpdate string `json:"exchorderupdatetime"`
	UniqueOrderID   string `json:"uniqueorderid"`
}

// OrderBook returns today's orders. An empty book comes back as data=null.
func (sc *SmartConnect) OrderBook(ctx context.Context, accessToken string) ([]Order, error) {
	var orders []Order
	if err := sc.doRequest(ctx, http.MethodGet, "api.order.book", accessToken, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// Trade is one trade book row.
type Trade struct {
	OrderID         string `json:"orderid"`
	FillID          string `json:"fillid"`
	FillTime        string `json:"filltime"`
	FillSize        Num    `json:"fillsize"`
	FillPrice       Num    `json:"fillprice"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	Exchange        string `json:"exchange"`
	TransactionType string `json:"transactiontype"`
}

// TradeBook returns today's executions.
func (sc *SmartConnect) TradeBook(ctx context.Context, accessToken string) ([]Trade, error) {
	var trades []Trade
	if err := sc.doRequest(ctx, http.MethodGet, "api.trade.book", accessToken, nil, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// ---- Utils ----

// Num holds a numeric field SmartAPI sends either as a JSON number or as a
// string. The zero value is "".
type Num string

func (n *Num) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*n = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*n = Num(strings.TrimSpace(str))
		return nil
	}
	*n = Num(s)
	return nil
}

func (n Num) String() string { return string(n) }

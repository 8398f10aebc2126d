// Package session owns the authenticated broker session. It logs in with a
// fresh TOTP code when needed, lets exactly one login run at a time, and
// hands a valid access token to callers.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"execengine/internal/events"
	"execengine/internal/logger"
	"execengine/internal/metrics"
	"execengine/internal/model"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusUnauthenticated Status = "UNAUTHENTICATED"
	StatusAuthenticating  Status = "AUTHENTICATING"
	StatusActive          Status = "ACTIVE"
	StatusExpired         Status = "EXPIRED"
)

// Session is the current authenticated session.
type Session struct {
	Token     string    `json:"-"`
	FeedToken string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    Status    `json:"status"`

	refreshToken string
}

// Token is what a broker login returns. A zero ExpiresAt means the broker did
// not say, and the configured TTL applies.
type Token struct {
	AccessToken  string
	RefreshToken string
	FeedToken    string
	ExpiresAt    time.Time
}

// Authenticator performs the broker login and logout calls.
type Authenticator interface {
	Login(ctx context.Context, totpCode string) (Token, error)
	Logout(ctx context.Context, accessToken string) error
}

// Refresher is implemented by brokers that can renew a session from a
// refresh token without a new second factor.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// CodeSource yields the current TOTP code.
type CodeSource interface {
	Code(ctx context.Context) (string, error)
}

// Config tunes session lifetime handling.
type Config struct {
	TTL          time.Duration // lifetime when the broker gives no expiry
	SafetyMargin time.Duration // re-login this long before expiry
	LoginTimeout time.Duration // bound on one login attempt
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 8 * time.Hour
	}
	if c.SafetyMargin < 0 {
		c.SafetyMargin = 0
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 15 * time.Second
	}
	return c
}

type loginCall struct {
	done  chan struct{}
	token string
	err   error
}

// Manager is the single owner of the session token.
type Manager struct {
	cfg   Config
	auth  Authenticator
	codes CodeSource
	pub   events.Publisher
	log   *slog.Logger
	m     *metrics.Metrics
	now   func() time.Time

	mu       sync.Mutex
	sess     Session
	inflight *loginCall

	// OnStatusChange, if set, observes every status transition.
	OnStatusChange func(Status)
}

// NewManager creates a manager in the Unauthenticated state. pub, log and m may be nil.
func NewManager(cfg Config, auth Authenticator, codes CodeSource, pub events.Publisher, log *slog.Logger, m *metrics.Metrics) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	return &Manager{
		cfg:   cfg.withDefaults(),
		auth:  auth,
		codes: codes,
		pub:   pub,
		log:   logger.Component(log, "session"),
		m:     metrics.OrNop(m),
		now:   time.Now,
		sess:  Session{Status: StatusUnauthenticated},
	}
}

// EnsureSession returns a valid access token, logging in if needed.
// Concurrent callers share one in-flight login. ctx bounds only the wait;
// the login itself runs under LoginTimeout so one impatient caller cannot
// abort it for everyone else.
func (m *Manager) EnsureSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.sess.Status == StatusActive {
		if m.now().Before(m.sess.ExpiresAt.Add(-m.cfg.SafetyMargin)) {
			token := m.sess.Token
			m.mu.Unlock()
			return token, nil
		}
		m.expireLocked("expired")
	}

	call := m.inflight
	if call == nil {
		call = &loginCall{done: make(chan struct{})}
		m.inflight = call
		refresh := m.sess.refreshToken
		m.setStatusLocked(StatusAuthenticating)
		go m.login(call, refresh)
	}
	m.mu.Unlock()

	select {
	case <-call.done:
		return call.token, call.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) login(call *loginCall, refreshToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LoginTimeout)
	defer cancel()

	tok, err := m.authenticate(ctx, refreshToken)

	m.mu.Lock()
	if err != nil {
		m.sess = Session{Status: StatusUnauthenticated}
		call.err = model.WrapError(model.ErrAuthenticationFailed, err)
		m.m.LoginFailures.Inc()
		m.log.Error("login failed", "error", err)
	} else {
		issued := m.now()
		expires := tok.ExpiresAt
		if expires.IsZero() {
			expires = issued.Add(m.cfg.TTL)
		}
		m.sess = Session{
			Token:        tok.AccessToken,
			FeedToken:    tok.FeedToken,
			IssuedAt:     issued,
			ExpiresAt:    expires,
			Status:       StatusActive,
			refreshToken: tok.RefreshToken,
		}
		call.token = tok.AccessToken
		m.m.LoginsTotal.Inc()
		m.log.Info("session active", "expires_at", expires)
	}
	m.inflight = nil
	m.notifyLocked()
	m.mu.Unlock()

	close(call.done)
}

func (m *Manager) authenticate(ctx context.Context, refreshToken string) (Token, error) {
	if r, ok := m.auth.(Refresher); ok && refreshToken != "" {
		tok, err := r.Refresh(ctx, refreshToken)
		if err == nil && tok.AccessToken != "" {
			return tok, nil
		}
		m.log.Warn("token refresh failed, falling back to totp login", "error", err)
	}

	code, err := m.codes.Code(ctx)
	if err != nil {
		return Token{}, err
	}
	tok, err := m.auth.Login(ctx, code)
	if err != nil {
		return Token{}, err
	}
	if tok.AccessToken == "" {
		return Token{}, fmt.Errorf("broker returned an empty access token")
	}
	return tok, nil
}

// Invalidate marks the session expired after a downstream authorization
// error. token is the token the failing call used; if the session has
// already moved on to a newer token the call is a no-op. An empty token
// invalidates unconditionally.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess.Status != StatusActive {
		return
	}
	if token != "" && token != m.sess.Token {
		return
	}
	m.expireLocked("invalidated")
}

func (m *Manager) expireLocked(reason string) {
	m.sess.Status = StatusExpired
	m.m.SessionExpiries.Inc()
	m.log.Warn("session expired", "reason", reason)
	m.pub.Publish(model.NewEvent(model.EventSessionExpired, map[string]any{
		"reason":     reason,
		"issued_at":  m.sess.IssuedAt,
		"expires_at": m.sess.ExpiresAt,
	}, m.now()))
	m.notifyLocked()
}

// Logout tears the session down at the broker and locally.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	token := m.sess.Token
	m.sess = Session{Status: StatusUnauthenticated}
	m.notifyLocked()
	m.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := m.auth.Logout(ctx, token); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	s.refreshToken = ""
	return s
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Status
}

func (m *Manager) setStatusLocked(s Status) {
	m.sess.Status = s
	m.notifyLocked()
}

func (m *Manager) notifyLocked() {
	if m.sess.Status == StatusActive {
		m.m.SessionActive.Set(1)
	} else {
		m.m.SessionActive.Set(0)
	}
	if m.OnStatusChange != nil {
		m.OnStatusChange(m.sess.Status)
	}
}

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execengine/internal/events"
	"execengine/internal/logger"
	"execengine/internal/model"
)

type fakeAuth struct {
	logins   atomic.Int32
	logouts  atomic.Int32
	delay    time.Duration
	fail     atomic.Bool
	expiry   time.Time
	lastCode atomic.Value
}

func (f *fakeAuth) Login(ctx context.Context, code string) (Token, error) {
	n := f.logins.Add(1)
	f.lastCode.Store(code)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail.Load() {
		return Token{}, errors.New("invalid totp")
	}
	return Token{
		AccessToken:  "access-" + string(rune('0'+n)),
		RefreshToken: "refresh",
		ExpiresAt:    f.expiry,
	}, nil
}

func (f *fakeAuth) Logout(ctx context.Context, token string) error {
	f.logouts.Add(1)
	return nil
}

type refreshingAuth struct {
	fakeAuth
	refreshes atomic.Int32
}

func (r *refreshingAuth) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	r.refreshes.Add(1)
	return Token{AccessToken: "refreshed", RefreshToken: refreshToken}, nil
}

type staticCode string

func (s staticCode) Code(context.Context) (string, error) { return string(s), nil }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(auth Authenticator, pub events.Publisher) (*Manager, *clock) {
	c := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(Config{TTL: time.Hour, SafetyMargin: 5 * time.Minute}, auth, staticCode("123456"), pub, logger.Discard(), nil)
	m.now = c.now
	return m, c
}

func TestEnsureSessionLogsInOnce(t *testing.T) {
	auth := &fakeAuth{}
	m, _ := newTestManager(auth, nil)

	tok, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, "123456", auth.lastCode.Load())

	tok2, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok, tok2)
	assert.EqualValues(t, 1, auth.logins.Load())
	assert.Equal(t, StatusActive, m.Status())
}

func TestConcurrentCallersShareOneLogin(t *testing.T) {
	auth := &fakeAuth{delay: 50 * time.Millisecond}
	m, _ := newTestManager(auth, nil)

	const n = 50
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.EnsureSession(context.Background())
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, auth.logins.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", tokens[i])
	}
}

func TestLoginFailureSurfacesAndRetriesNextCall(t *testing.T) {
	auth := &fakeAuth{}
	auth.fail.Store(true)
	m, _ := newTestManager(auth, nil)

	_, err := m.EnsureSession(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAuthenticationFailed)
	assert.Equal(t, StatusUnauthenticated, m.Status())

	auth.fail.Store(false)
	tok, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.EqualValues(t, 2, auth.logins.Load())
}

func TestInvalidatePublishesExpiryAndRelogs(t *testing.T) {
	auth := &fakeAuth{}
	var rec events.Recorder
	m, _ := newTestManager(auth, &rec)

	tok, err := m.EnsureSession(context.Background())
	require.NoError(t, err)

	m.Invalidate(tok)
	assert.Equal(t, StatusExpired, m.Status())
	require.Len(t, rec.OfKind(model.EventSessionExpired), 1)

	tok2, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, tok, tok2)
	assert.EqualValues(t, 2, auth.logins.Load())
}

func TestInvalidateWithStaleTokenIsNoop(t *testing.T) {
	auth := &fakeAuth{}
	var rec events.Recorder
	m, _ := newTestManager(auth, &rec)

	_, err := m.EnsureSession(context.Background())
	require.NoError(t, err)

	m.Invalidate("some-older-token")
	assert.Equal(t, StatusActive, m.Status())
	assert.Empty(t, rec.Events())
}

func TestSafetyMarginTriggersRelogin(t *testing.T) {
	auth := &fakeAuth{}
	var rec events.Recorder
	m, c := newTestManager(auth, &rec)

	_, err := m.EnsureSession(context.Background())
	require.NoError(t, err)

	c.advance(56 * time.Minute) // inside the five minute margin of a one hour TTL
	tok, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
	assert.Len(t, rec.OfKind(model.EventSessionExpired), 1)
}

func TestBrokerExpiryOverridesTTL(t *testing.T) {
	auth := &fakeAuth{expiry: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
	m, _ := newTestManager(auth, nil)

	_, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, auth.expiry, m.Snapshot().ExpiresAt)
}

func TestCallerCancellationDoesNotAbortLogin(t *testing.T) {
	auth := &fakeAuth{delay: 100 * time.Millisecond}
	m, _ := newTestManager(auth, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.EnsureSession(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	tok, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.EqualValues(t, 1, auth.logins.Load())
}

func TestRefreshIsPreferredAfterExpiry(t *testing.T) {
	auth := &refreshingAuth{}
	m, _ := newTestManager(auth, nil)

	tok, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	m.Invalidate(tok)

	tok, err = m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed", tok)
	assert.EqualValues(t, 1, auth.logins.Load())
	assert.EqualValues(t, 1, auth.refreshes.Load())
}

func TestLogout(t *testing.T) {
	auth := &fakeAuth{}
	m, _ := newTestManager(auth, nil)

	require.NoError(t, m.Logout(context.Background()))
	assert.EqualValues(t, 0, auth.logouts.Load())

	_, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Logout(context.Background()))
	assert.EqualValues(t, 1, auth.logouts.Load())
	assert.Equal(t, StatusUnauthenticated, m.Status())
	assert.Empty(t, m.Snapshot().Token)
}

func TestStatusChangeHook(t *testing.T) {
	auth := &fakeAuth{}
	m, _ := newTestManager(auth, nil)
	var mu sync.Mutex
	var seen []Status
	m.OnStatusChange = func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}

	_, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusAuthenticating, StatusActive}, seen)
}

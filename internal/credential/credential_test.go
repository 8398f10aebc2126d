package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execengine/internal/model"
)

// base32 of the RFC 6238 SHA1 seed "12345678901234567890".
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestCurrentCode_RFC6238Vectors(t *testing.T) {
	cases := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1234567890, "005924"},
	}
	for _, c := range cases {
		code, err := CurrentCode(rfcSecret, time.Unix(c.unix, 0).UTC())
		require.NoError(t, err)
		assert.Equal(t, c.want, code, "t=%d", c.unix)
	}
}

func TestCurrentCode_StableWithinWindow(t *testing.T) {
	base := time.Unix(1700000010, 0)
	a, err := CurrentCode(rfcSecret, base)
	require.NoError(t, err)
	b, err := CurrentCode(rfcSecret, base.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 6)
}

func TestCurrentCode_InvalidSecret(t *testing.T) {
	for _, secret := range []string{"", "   ", "not-base32!!", "0189"} {
		_, err := CurrentCode(secret, time.Now())
		assert.True(t, errors.Is(err, model.ErrInvalidSecret), "secret %q: %v", secret, err)
	}
}

func TestNewRotator_RejectsBadSecret(t *testing.T) {
	_, err := NewRotator("###", 0)
	assert.ErrorIs(t, err, model.ErrInvalidSecret)
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, 30*time.Second, Remaining(time.Unix(60, 0)))
	assert.Equal(t, 10*time.Second, Remaining(time.Unix(80, 0)))
}

func TestRotator_WaitsAtWindowBoundary(t *testing.T) {
	r, err := NewRotator(rfcSecret, 2*time.Second)
	require.NoError(t, err)
	// 50ms before the 60s boundary: inside the guard.
	at := time.Unix(59, 950_000_000)
	r.now = func() time.Time { return at }

	code, err := r.Code(context.Background())
	require.NoError(t, err)
	next, err := CurrentCode(rfcSecret, time.Unix(60, 0))
	require.NoError(t, err)
	assert.Equal(t, next, code)
}

func TestRotator_CodeHonoursContext(t *testing.T) {
	r, err := NewRotator(rfcSecret, 20*time.Second)
	require.NoError(t, err)
	r.now = func() time.Time { return time.Unix(50, 0) } // 10s left, guard 20s

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.Code(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

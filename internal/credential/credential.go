// Package credential derives the rotating TOTP second factor used for broker
// login. Codes are a pure function of the shared secret and the wall clock.
package credential

import (
	"context"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"execengine/internal/model"
)

const (
	// Period is the TOTP window length.
	Period = 30 * time.Second
	// DefaultGuard is how close to a window boundary Code waits for the next window.
	DefaultGuard = 2 * time.Second
)

var opts = totp.ValidateOpts{
	Period:    uint(Period / time.Second),
	Skew:      0,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// CurrentCode returns the 6-digit code for secret at t.
// Returns model.ErrInvalidSecret if the secret is empty or not base32.
func CurrentCode(secret string, t time.Time) (string, error) {
	if err := ValidateSecret(secret); err != nil {
		return "", err
	}
	code, err := totp.GenerateCodeCustom(secret, t, opts)
	if err != nil {
		return "", model.WrapError(model.ErrInvalidSecret, err)
	}
	return code, nil
}

// ValidateSecret checks that secret is a non-empty base32 string.
func ValidateSecret(secret string) error {
	s := strings.ToUpper(strings.TrimSpace(secret))
	if s == "" {
		return model.WrapError(model.ErrInvalidSecret, fmt.Errorf("secret is empty"))
	}
	if n := len(s) % 8; n != 0 {
		s += strings.Repeat("=", 8-n)
	}
	if _, err := base32.StdEncoding.DecodeString(s); err != nil {
		return model.WrapError(model.ErrInvalidSecret, err)
	}
	return nil
}

// Remaining returns how long the code for t stays valid.
func Remaining(t time.Time) time.Duration {
	elapsed := time.Duration(t.UnixNano()) % Period
	return Period - elapsed
}

// Rotator binds a secret to a clock.
type Rotator struct {
	secret string
	guard  time.Duration
	now    func() time.Time
}

// NewRotator validates secret up front. guard <= 0 uses DefaultGuard.
func NewRotator(secret string, guard time.Duration) (*Rotator, error) {
	if err := ValidateSecret(secret); err != nil {
		return nil, err
	}
	if guard <= 0 {
		guard = DefaultGuard
	}
	return &Rotator{secret: secret, guard: guard, now: time.Now}, nil
}

// Code returns the current code. If the current window closes within the
// guard interval it waits for the next window, so the broker never sees a
// code that expired in transit.
func (r *Rotator) Code(ctx context.Context) (string, error) {
	now := r.now()
	if rem := Remaining(now); rem < r.guard {
		timer := time.NewTimer(rem)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
		now = now.Add(rem)
	}
	return CurrentCode(r.secret, now)
}

// Remaining returns the validity left in the current window.
func (r *Rotator) Remaining() time.Duration {
	return Remaining(r.now())
}

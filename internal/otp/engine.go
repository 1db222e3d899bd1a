// Package otp issues and verifies the emailed one-time codes used for login, signup,
// and password reset.
//
// engine.go -- challenge lifecycle on the user row.
package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/yunhaverse/gatekeeper/internal/store"
)

// Verification and issuance outcomes. Callers map these to user-facing responses.
var (
	ErrCooldown        = errors.New("otp already sent")
	ErrNotFound        = errors.New("user not found")
	ErrSuspended       = errors.New("account suspended")
	ErrTooManyAttempts = errors.New("too many otp attempts")
	ErrExpired         = errors.New("otp expired")
	ErrInvalid         = errors.New("invalid otp")
)

// Purpose is what a challenge was issued for. It is implied by the endpoint, not stored.
type Purpose string

const (
	PurposeLogin  Purpose = "login"
	PurposeSignup Purpose = "signup"
	PurposeReset  Purpose = "reset"
)

// Store defines the user-row operations the engine needs.
// Satisfied by *store.PostgresStore.
type Store interface {
	// InTx runs fn in a transaction; store calls made with fn's ctx join it.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// LockUserByEmail fetches and row-locks the user. Returns pgx.ErrNoRows if absent.
	LockUserByEmail(ctx context.Context, email string) (*store.User, error)

	// SetOTPChallenge replaces the challenge and resets attempts to 0.
	SetOTPChallenge(ctx context.Context, id uuid.UUID, codeHash []byte, expiresAt time.Time) error

	// IncrementOTPAttempts atomically bumps and returns the attempt counter.
	IncrementOTPAttempts(ctx context.Context, id uuid.UUID) (int, error)

	// CompleteOTPLogin clears the challenge and marks the user verified, active, logged in.
	CompleteOTPLogin(ctx context.Context, id uuid.UUID, now time.Time) (*store.User, error)

	// ClearOTPChallenge clears the challenge and resets attempts.
	ClearOTPChallenge(ctx context.Context, id uuid.UUID) error
}

// LockoutFunc is called, inside the verify transaction, whenever a verify finds the user at
// or past the attempt limit. A returned error aborts the verify.
type LockoutFunc func(ctx context.Context, u *store.User, attempts int) error

// Engine issues and verifies challenges.
type Engine struct {
	Store       Store
	TTL         time.Duration
	Cooldown    time.Duration
	MaxAttempts int
	OnLockout   LockoutFunc      // optional
	Now         func() time.Time // nil means time.Now
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InCooldown reports whether u still holds a challenge whose remaining lifetime
// exceeds the cooldown. A resend is only allowed near the end of the prior code's life.
func (e *Engine) InCooldown(u *store.User) bool {
	if u == nil || u.OTPExpiresAt == nil {
		return false
	}
	return u.OTPExpiresAt.Sub(e.now()) > e.Cooldown
}

// Issue generates a new code for u and stores its hash, replacing any prior challenge.
// Call with the ctx of a transaction that has u locked. Returns the plaintext code for
// delivery; it is not kept anywhere else.
func (e *Engine) Issue(ctx context.Context, u *store.User) (string, error) {
	if e.InCooldown(u) {
		return "", ErrCooldown
	}

	code, err := Generate()
	if err != nil {
		return "", err
	}
	hash := Hash(code)
	expiresAt := e.now().Add(e.TTL)

	if err := e.Store.SetOTPChallenge(ctx, u.ID, hash, expiresAt); err != nil {
		return "", fmt.Errorf("storing otp challenge: %w", err)
	}
	u.OTPCodeHash = hash
	u.OTPExpiresAt = &expiresAt
	u.OTPAttempts = 0
	return code, nil
}

// Verify checks code against the user's active challenge, holding the user's row lock
// for the whole check so concurrent verifies can't race on the attempt counter.
//
// Failure precedence: ErrNotFound, ErrSuspended, ErrTooManyAttempts, ErrExpired, ErrInvalid.
// ErrInvalid persists the incremented counter. On failure the returned user is the row as
// seen (nil for ErrNotFound), for auditing.
//
// On success, login/signup purposes complete the login (challenge cleared, verified, active,
// last_login_at); the reset purpose only clears the challenge so the code can't be replayed.
func (e *Engine) Verify(ctx context.Context, email, code string, purpose Purpose) (*store.User, error) {
	var user *store.User
	var outcome error

	err := e.Store.InTx(ctx, func(ctx context.Context) error {
		u, err := e.Store.LockUserByEmail(ctx, email)
		if errors.Is(err, pgx.ErrNoRows) {
			outcome = ErrNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("locking user: %w", err)
		}
		user = u

		if u.Status == store.StatusSuspended {
			outcome = ErrSuspended
			return nil
		}

		if u.OTPAttempts >= e.MaxAttempts {
			outcome = ErrTooManyAttempts
			return e.lockout(ctx, u, u.OTPAttempts)
		}

		now := e.now()
		if u.OTPCodeHash == nil || u.OTPExpiresAt == nil || now.After(*u.OTPExpiresAt) {
			outcome = ErrExpired
			return nil
		}

		if !Matches(code, u.OTPCodeHash) {
			n, err := e.Store.IncrementOTPAttempts(ctx, u.ID)
			if err != nil {
				return fmt.Errorf("incrementing otp attempts: %w", err)
			}
			u.OTPAttempts = n
			outcome = ErrInvalid
			if n >= e.MaxAttempts {
				return e.lockout(ctx, u, n)
			}
			return nil
		}

		if purpose == PurposeReset {
			if err := e.Store.ClearOTPChallenge(ctx, u.ID); err != nil {
				return fmt.Errorf("clearing otp challenge: %w", err)
			}
			u.OTPCodeHash, u.OTPExpiresAt, u.OTPAttempts = nil, nil, 0
			return nil
		}

		done, err := e.Store.CompleteOTPLogin(ctx, u.ID, now)
		if err != nil {
			return fmt.Errorf("completing otp login: %w", err)
		}
		user = done
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, outcome
}

func (e *Engine) lockout(ctx context.Context, u *store.User, attempts int) error {
	if e.OnLockout == nil {
		return nil
	}
	return e.OnLockout(ctx, u, attempts)
}

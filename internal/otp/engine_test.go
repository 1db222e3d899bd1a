package otp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yunhaverse/gatekeeper/internal/store"
	"github.com/yunhaverse/gatekeeper/internal/testutil"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(ms *testutil.MockStore) *Engine {
	return &Engine{
		Store:       ms,
		TTL:         10 * time.Minute,
		Cooldown:    60 * time.Second,
		MaxAttempts: 5,
		Now:         func() time.Time { return testNow },
	}
}

// issue runs Issue the way callers do: inside a transaction holding the row.
func issue(t *testing.T, e *Engine, ms *testutil.MockStore, email string) string {
	t.Helper()
	var code string
	err := ms.InTx(context.Background(), func(ctx context.Context) error {
		u, err := ms.LockUserByEmail(ctx, email)
		if err != nil {
			return err
		}
		code, err = e.Issue(ctx, u)
		return err
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return code
}

// wrongCode returns a valid-looking code different from code.
func wrongCode(code string) string {
	if code[0] == 'A' {
		return "B" + code[1:]
	}
	return "A" + code[1:]
}

// --- Issue ---

func TestIssue(t *testing.T) {
	t.Run("stores hash and expiry, resets attempts", func(t *testing.T) {
		u := testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive)
		u.OTPAttempts = 3
		ms := testutil.NewMockStore(u)
		e := newEngine(ms)

		code := issue(t, e, ms, "fan@example.com")

		got := ms.User("fan@example.com")
		if !Matches(code, got.OTPCodeHash) {
			t.Error("stored hash does not match issued code")
		}
		if got.OTPExpiresAt == nil || !got.OTPExpiresAt.Equal(testNow.Add(10*time.Minute)) {
			t.Errorf("expires_at = %v, want now+10m", got.OTPExpiresAt)
		}
		if got.OTPAttempts != 0 {
			t.Errorf("attempts = %d, want 0", got.OTPAttempts)
		}
	})

	t.Run("second issue within cooldown is refused and leaves the first code valid", func(t *testing.T) {
		ms := testutil.NewMockStore(testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive))
		e := newEngine(ms)
		code := issue(t, e, ms, "fan@example.com")

		err := ms.InTx(context.Background(), func(ctx context.Context) error {
			u, _ := ms.LockUserByEmail(ctx, "fan@example.com")
			_, err := e.Issue(ctx, u)
			return err
		})
		if !errors.Is(err, ErrCooldown) {
			t.Fatalf("expected ErrCooldown, got %v", err)
		}
		if !Matches(code, ms.User("fan@example.com").OTPCodeHash) {
			t.Error("first code no longer valid after refused resend")
		}
	})

	t.Run("resend allowed once remaining lifetime is within cooldown", func(t *testing.T) {
		ms := testutil.NewMockStore(testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive))
		e := newEngine(ms)
		first := issue(t, e, ms, "fan@example.com")

		now := testNow.Add(10*time.Minute - 30*time.Second)
		e.Now = func() time.Time { return now }
		second := issue(t, e, ms, "fan@example.com")

		hash := ms.User("fan@example.com").OTPCodeHash
		if !Matches(second, hash) {
			t.Error("new code not stored")
		}
		if first != second && Matches(first, hash) {
			t.Error("old code still valid after resend")
		}
	})
}

func TestInCooldown(t *testing.T) {
	e := &Engine{Cooldown: time.Minute, Now: func() time.Time { return testNow }}
	at := func(d time.Duration) *time.Time { v := testNow.Add(d); return &v }

	tests := []struct {
		name    string
		expires *time.Time
		want    bool
	}{
		{"no challenge", nil, false},
		{"expired challenge", at(-time.Second), false},
		{"remaining equals cooldown", at(time.Minute), false},
		{"remaining under cooldown", at(30 * time.Second), false},
		{"remaining over cooldown", at(time.Minute + time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.InCooldown(&store.User{OTPExpiresAt: tt.expires}); got != tt.want {
				t.Errorf("InCooldown = %v, want %v", got, tt.want)
			}
		})
	}
}

// --- Verify ---

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown email returns ErrNotFound", func(t *testing.T) {
		e := newEngine(testutil.NewMockStore())
		u, err := e.Verify(ctx, "ghost@example.com", "AAAAAA", PurposeLogin)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if u != nil {
			t.Error("expected nil user")
		}
	})

	t.Run("suspended beats every other check", func(t *testing.T) {
		u := testutil.NewUser("fan@example.com", store.RoleMember, store.StatusSuspended)
		u.OTPAttempts = 9
		ms := testutil.NewMockStore(u)
		e := newEngine(ms)
		if _, err := e.Verify(ctx, "fan@example.com", "AAAAAA", PurposeLogin); !errors.Is(err, ErrSuspended) {
			t.Fatalf("expected ErrSuspended, got %v", err)
		}
	})

	t.Run("attempt limit beats expiry and mismatch", func(t *testing.T) {
		u := testutil.NewUser("fan@example.com", store.RoleMember, store.StatusPending)
		u.OTPAttempts = 5
		ms := testutil.NewMockStore(u)
		e := newEngine(ms)
		if _, err := e.Verify(ctx, "fan@example.com", "AAAAAA", PurposeLogin); !errors.Is(err, ErrTooManyAttempts) {
			t.Fatalf("expected ErrTooManyAttempts, got %v", err)
		}
		if got := ms.User("fan@example.com").OTPAttempts; got != 5 {
			t.Errorf("attempts = %d, want unchanged 5", got)
		}
	})

	t.Run("no challenge returns ErrExpired", func(t *testing.T) {
		ms := testutil.NewMockStore(testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive))
		e := newEngine(ms)
		if _, err := e.Verify(ctx, "fan@example.com", "AAAAAA", PurposeLogin); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired, got %v", err)
		}
	})

	t.Run("expired challenge returns ErrExpired even with the right code", func(t *testing.T) {
		ms := testutil.NewMockStore(testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive))
		e := newEngine(ms)
		code := issue(t, e, ms, "fan@example.com")

		e.Now = func() time.Time { return testNow.Add(10*time.Minute + time.Nanosecond) }
		if _, err := e.Verify(ctx, "fan@example.com", code, PurposeLogin); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired, got %v", err)
		}
	})

	t.Run("code is still accepted at the exact expiry instant", func(t *testing.T) {
		ms := testutil.NewMockStore(testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive))
		e := newEngine(ms)
		code := issue(t, e, ms, "fan@example.com")

		e.Now = func() time.Time { return testNow.Add(10 * time.Minute) }
		if _, err := e.Verify(ctx, "fan@example.com", code, PurposeLogin); err != nil {
			t.Fatalf("expected success at expires_at, got %v", err)
		}
	})

	t.Run("wrong code increments attempts", func(t *testing.T) {
		ms := testutil.NewMockStore(testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive))
		e := newEngine(ms)
		code := issue(t, e, ms, "fan@example.com")

		for want := 1; want <= 3; want++ {
			u, err := e.Verify(ctx, "fan@example.com", wrongCode(code), PurposeLogin)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if u.OTPAttempts != want {
				t.Errorf("returned attempts = %d, want %d", u.OTPAttempts, want)
			}
			if got := ms.User("fan@example.com").OTPAttempts; got != want {
				t.Errorf("stored attempts = %d, want %d", got, want)
			}
		}
	})

	t.Run("correct code after the limit is still refused", func(t *testing.T) {
		ms := testutil.NewMockStore(testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive))
		e := newEngine(ms)
		code := issue(t, e, ms, "fan@example.com")

		for range 5 {
			e.Verify(ctx, "fan@example.com", wrongCode(code), PurposeLogin)
		}
		if _, err := e.Verify(ctx, "fan@example.com", code, PurposeLogin); !errors.Is(err, ErrTooManyAttempts) {
			t.Fatalf("expected ErrTooManyAttempts, got %v", err)
		}
	})

	t.Run("login success clears challenge and activates", func(t *testing.T) {
		ms := testutil.NewMockStore(testutil.NewUser("new@example.com", store.RoleMember, store.StatusPending))
		e := newEngine(ms)
		code := issue(t, e, ms, "new@example.com")

		u, err := e.Verify(ctx, "new@example.com", code, PurposeSignup)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if u.Status != store.StatusActive {
			t.Errorf("status = %q, want active", u.Status)
		}
		if u.EmailVerifiedAt == nil || u.LastLoginAt == nil {
			t.Error("expected verified and last login timestamps")
		}
		if u.OTPCodeHash != nil || u.OTPExpiresAt != nil || u.OTPAttempts != 0 {
			t.Error("challenge not cleared")
		}

		// Single use: the same code can't be replayed.
		if _, err := e.Verify(ctx, "new@example.com", code, PurposeSignup); !errors.Is(err, ErrExpired) {
			t.Errorf("replay: expected ErrExpired, got %v", err)
		}
	})

	t.Run("reset success clears challenge without logging in", func(t *testing.T) {
		ms := testutil.NewMockStore(testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive))
		e := newEngine(ms)
		code := issue(t, e, ms, "fan@example.com")

		if _, err := e.Verify(ctx, "fan@example.com", code, PurposeReset); err != nil {
			t.Fatalf("Verify: %v", err)
		}
		got := ms.User("fan@example.com")
		if got.OTPCodeHash != nil {
			t.Error("challenge not cleared")
		}
		if got.LastLoginAt != nil {
			t.Error("reset verify must not record a login")
		}
	})

	t.Run("lockout hook fires when the limit is reached", func(t *testing.T) {
		ms := testutil.NewMockStore(testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive))
		e := newEngine(ms)
		var calls []int
		e.OnLockout = func(_ context.Context, u *store.User, attempts int) error {
			calls = append(calls, attempts)
			return nil
		}
		code := issue(t, e, ms, "fan@example.com")

		for range 6 {
			e.Verify(ctx, "fan@example.com", wrongCode(code), PurposeLogin)
		}
		// 5th mismatch reaches the limit, 6th is rejected at the limit.
		if len(calls) != 2 || calls[0] != 5 || calls[1] != 5 {
			t.Errorf("lockout calls = %v, want [5 5]", calls)
		}
	})

	t.Run("lockout hook error aborts and rolls back the increment", func(t *testing.T) {
		u := testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive)
		ms := testutil.NewMockStore(u)
		e := newEngine(ms)
		e.MaxAttempts = 1
		boom := errors.New("audit down")
		e.OnLockout = func(context.Context, *store.User, int) error { return boom }
		code := issue(t, e, ms, "fan@example.com")

		if _, err := e.Verify(ctx, "fan@example.com", wrongCode(code), PurposeLogin); !errors.Is(err, boom) {
			t.Fatalf("expected hook error, got %v", err)
		}
		if got := ms.User("fan@example.com").OTPAttempts; got != 0 {
			t.Errorf("attempts = %d, want rolled back to 0", got)
		}
	})

	t.Run("store failure is returned as is", func(t *testing.T) {
		ms := testutil.NewMockStore(testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive))
		ms.LockUserByEmailErr = errors.New("db down")
		e := newEngine(ms)
		_, err := e.Verify(ctx, "fan@example.com", "AAAAAA", PurposeLogin)
		if err == nil || errors.Is(err, ErrNotFound) {
			t.Fatalf("expected wrapped db error, got %v", err)
		}
	})

	t.Run("concurrent wrong guesses each count once", func(t *testing.T) {
		ms := testutil.NewMockStore(testutil.NewUser("fan@example.com", store.RoleMember, store.StatusActive))
		e := newEngine(ms)
		e.MaxAttempts = 100
		code := issue(t, e, ms, "fan@example.com")

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.Verify(ctx, "fan@example.com", wrongCode(code), PurposeLogin)
			}()
		}
		wg.Wait()
		if got := ms.User("fan@example.com").OTPAttempts; got != 20 {
			t.Errorf("attempts = %d, want 20", got)
		}
	})
}

// login_handler_test.go

// unit tests for Login and failed-login flagging.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/yunhaverse/gatekeeper/internal/audit"
	"github.com/yunhaverse/gatekeeper/internal/store"
	"github.com/yunhaverse/gatekeeper/internal/testutil"
	"github.com/yunhaverse/gatekeeper/internal/throttle"
)

func login(f *fixture, email, password string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.h.Login(w, jsonRequest(http.MethodPost, "/auth/login", map[string]any{"email": email, "password": password}))
	return w
}

func failedCount(f *fixture, email string) int64 {
	return f.counter.Counts[throttle.FailedLoginPrefix+email]
}

func TestLogin(t *testing.T) {
	t.Run("missing credentials", func(t *testing.T) {
		f := newFixture(t)
		w := login(f, "", "Passw0rdX")
		assertMessage(t, w, http.StatusBadRequest, "Email and password are required.")
		assertReason(t, f.ms, audit.ActionLoginFailed, "missing_credentials")
		if len(f.counter.Counts) != 0 {
			t.Errorf("empty email should not be counted, got %v", f.counter.Counts)
		}
	})

	t.Run("missing password is counted against the email", func(t *testing.T) {
		f := newFixture(t)
		login(f, "fan@example.com", "")
		if got := failedCount(f, "fan@example.com"); got != 1 {
			t.Errorf("failed count: expected 1, got %d", got)
		}
	})

	t.Run("captcha rejection", func(t *testing.T) {
		f := newFixture(t, activeUser(t, "fan@example.com", "Passw0rdX"))
		f.h.Captcha = &testutil.MockCaptcha{Err: errors.New("rejected")}
		w := login(f, "fan@example.com", "Passw0rdX")
		assertMessage(t, w, http.StatusBadRequest, "Captcha verification failed.")
		assertReason(t, f.ms, audit.ActionLoginFailed, "captcha_failed")
	})

	t.Run("unknown account", func(t *testing.T) {
		f := newFixture(t)
		w := login(f, "nobody@example.com", "Passw0rdX")
		assertMessage(t, w, http.StatusNotFound, "Account not found.")
		assertReason(t, f.ms, audit.ActionLoginFailed, "account_not_found")
	})

	t.Run("suspended account reports its status", func(t *testing.T) {
		u := activeUser(t, "fan@example.com", "Passw0rdX")
		u.Status = store.StatusSuspended
		f := newFixture(t, u)
		w := login(f, "fan@example.com", "Passw0rdX")
		assertMessage(t, w, http.StatusForbidden, "Account not active.")
		e := f.ms.LastAudit(audit.ActionLoginFailed)
		if e == nil || e.After["reason"] != "account_not_active" || e.After["status"] != "suspended" {
			t.Errorf("unexpected audit entry: %+v", e)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		f := newFixture(t, activeUser(t, "fan@example.com", "Passw0rdX"))
		w := login(f, "fan@example.com", "Wrong-pass1")
		assertMessage(t, w, http.StatusUnauthorized, "Invalid credentials.")
		assertReason(t, f.ms, audit.ActionLoginFailed, "invalid_credentials")
		if got := failedCount(f, "fan@example.com"); got != 1 {
			t.Errorf("failed count: expected 1, got %d", got)
		}
	})

	t.Run("account without a password", func(t *testing.T) {
		f := newFixture(t, activeUser(t, "fan@example.com", ""))
		w := login(f, "fan@example.com", "Passw0rdX")
		assertMessage(t, w, http.StatusUnauthorized, "Invalid credentials.")
	})

	t.Run("success records the login and clears failures", func(t *testing.T) {
		f := newFixture(t, activeUser(t, "fan@example.com", "Passw0rdX"))
		login(f, "fan@example.com", "nope")

		w := login(f, " FAN@example.com ", "Passw0rdX")
		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d (%s)", w.Code, w.Body.String())
		}
		var body struct {
			Message string `json:"message"`
			User    struct {
				Email string `json:"email"`
			} `json:"user"`
		}
		json.Unmarshal(w.Body.Bytes(), &body)
		if body.Message != "Logged in." || body.User.Email != "fan@example.com" {
			t.Errorf("unexpected body: %s", w.Body.String())
		}

		if got := failedCount(f, "fan@example.com"); got != 0 {
			t.Errorf("failed count not cleared: %d", got)
		}
		u := f.ms.User("fan@example.com")
		if u.LastLoginAt == nil || !u.LastLoginAt.Equal(f.clock.Now()) {
			t.Errorf("last login: expected %v, got %v", f.clock.Now(), u.LastLoginAt)
		}
		if e := f.ms.LastAudit(audit.ActionLoginSuccess); e == nil || e.After["method"] != "password" {
			t.Errorf("expected login_success with method password, got %+v", e)
		}
	})

	t.Run("counter outage does not block login", func(t *testing.T) {
		f := newFixture(t, activeUser(t, "fan@example.com", "Passw0rdX"))
		f.counter.IncrementErr = errors.New("redis down")
		f.counter.ClearErr = errors.New("redis down")

		w := login(f, "fan@example.com", "nope")
		assertMessage(t, w, http.StatusUnauthorized, "Invalid credentials.")
		w = login(f, "fan@example.com", "Passw0rdX")
		if w.Code != http.StatusOK {
			t.Errorf("status: expected 200, got %d", w.Code)
		}
	})

	t.Run("store error is a 500", func(t *testing.T) {
		f := newFixture(t)
		f.ms.GetUserByEmailErr = errors.New("db down")
		w := login(f, "fan@example.com", "Passw0rdX")
		assertMessage(t, w, http.StatusInternalServerError, "Internal server error.")
	})

	t.Run("success audit failure rolls back the login", func(t *testing.T) {
		f := newFixture(t, activeUser(t, "fan@example.com", "Passw0rdX"))
		f.ms.AppendAuditErr = errors.New("disk full")
		w := login(f, "fan@example.com", "Passw0rdX")
		assertMessage(t, w, http.StatusInternalServerError, "Internal server error.")
		if f.ms.User("fan@example.com").LastLoginAt != nil {
			t.Error("last login committed without its audit entry")
		}
	})
}

func TestLoginFailureFlag(t *testing.T) {
	t.Run("brute force opens exactly one flag", func(t *testing.T) {
		u := activeUser(t, "fan@example.com", "Passw0rdX")
		f := newFixture(t, u)

		for range 7 {
			login(f, "fan@example.com", "wrong")
		}

		flags := f.ms.FlagsTitled(FailedLoginFlagTitle)
		if len(flags) != 1 {
			t.Fatalf("expected 1 flag, got %d", len(flags))
		}
		flag := flags[0]
		if flag.Severity != store.SeverityHigh {
			t.Errorf("severity: expected high, got %s", flag.Severity)
		}
		if flag.CreatedBy == nil || *flag.CreatedBy != u.ID {
			t.Errorf("created_by: expected %s, got %v", u.ID, flag.CreatedBy)
		}
		want := "Email fan@example.com reached 5 failed login attempts in 15 minutes. Latest reason: invalid_credentials."
		if flag.Details == nil || *flag.Details != want {
			t.Errorf("details: expected %q, got %v", want, flag.Details)
		}
		if got := countAction(f.ms, audit.ActionFlagOpened); got != 1 {
			t.Errorf("audit_flag.opened: expected 1, got %d", got)
		}
		if got := countAction(f.ms, audit.ActionLoginFailed); got != 7 {
			t.Errorf("login_failed: expected 7, got %d", got)
		}
		e := f.ms.LastAudit(audit.ActionFlagOpened)
		if e.After["trigger"] != "failed_login_threshold" || e.After["window_minutes"] != 15 {
			t.Errorf("unexpected trigger: %+v", e.After)
		}
	})

	t.Run("unknown emails are flagged too", func(t *testing.T) {
		f := newFixture(t)
		for range testFlagAt {
			login(f, "ghost@example.com", "wrong")
		}
		flags := f.ms.FlagsTitled(FailedLoginFlagTitle)
		if len(flags) != 1 {
			t.Fatalf("expected 1 flag, got %d", len(flags))
		}
		if flags[0].CreatedBy != nil {
			t.Errorf("created_by: expected nil, got %v", flags[0].CreatedBy)
		}
	})

	t.Run("below threshold opens nothing", func(t *testing.T) {
		f := newFixture(t, activeUser(t, "fan@example.com", "Passw0rdX"))
		for range testFlagAt - 1 {
			login(f, "fan@example.com", "wrong")
		}
		if n := len(f.ms.FlagsTitled(FailedLoginFlagTitle)); n != 0 {
			t.Errorf("expected no flag, got %d", n)
		}
	})

	t.Run("flag failure is logged and the response stands", func(t *testing.T) {
		f := newFixture(t, activeUser(t, "fan@example.com", "Passw0rdX"))
		f.ms.OpenFlagErr = errors.New("db down")
		var w *httptest.ResponseRecorder
		for range testFlagAt {
			w = login(f, "fan@example.com", "wrong")
		}
		assertMessage(t, w, http.StatusUnauthorized, "Invalid credentials.")
	})
}

func TestLoginLockout(t *testing.T) {
	t.Run("locked out at the threshold even with the right password", func(t *testing.T) {
		f := newFixture(t, activeUser(t, "fan@example.com", "Passw0rdX"))
		f.h.LoginLockoutThreshold = 3
		for range 3 {
			login(f, "fan@example.com", "wrong")
		}

		w := login(f, "fan@example.com", "Passw0rdX")
		assertMessage(t, w, http.StatusTooManyRequests, "Too many failed attempts. Try later.")
		e := f.ms.LastAudit(audit.ActionLoginFailed)
		if e == nil || e.After["reason"] != "locked_out" || e.After["attempts"] != 3 {
			t.Errorf("unexpected audit entry: %+v", e)
		}
		if got := failedCount(f, "fan@example.com"); got != 3 {
			t.Errorf("lockout should not count as a failure, got %d", got)
		}
	})

	t.Run("disabled by default", func(t *testing.T) {
		f := newFixture(t, activeUser(t, "fan@example.com", "Passw0rdX"))
		for range 10 {
			login(f, "fan@example.com", "wrong")
		}
		w := login(f, "fan@example.com", "Passw0rdX")
		if w.Code != http.StatusOK {
			t.Errorf("status: expected 200, got %d", w.Code)
		}
	})

	t.Run("unreadable counter fails open", func(t *testing.T) {
		f := newFixture(t, activeUser(t, "fan@example.com", "Passw0rdX"))
		f.h.LoginLockoutThreshold = 1
		f.counter.GetErr = errors.New("redis down")
		w := login(f, "fan@example.com", "Passw0rdX")
		if w.Code != http.StatusOK {
			t.Errorf("status: expected 200, got %d", w.Code)
		}
	})
}

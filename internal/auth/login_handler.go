// login_handler.go -- Password login and failed-attempt accounting.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/yunhaverse/gatekeeper/internal/audit"
	"github.com/yunhaverse/gatekeeper/internal/store"
)

// FailedLoginFlagTitle is the flag raised when an email crosses the failed login threshold.
const FailedLoginFlagTitle = "Failed login attempts threshold reached"

// Login handles POST /auth/login: email + password authentication.
// Every failure is audited and counted; Argon2id runs against a dummy hash when the
// account has no password so both paths cost the same.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		CaptchaToken string `json:"captcha_token"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}

	email := store.NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		h.failLogin(r, nil, email, "missing_credentials", nil)
		BadRequest(w, "Email and password are required.")
		return
	}
	if !h.verifyCaptcha(r, in.CaptchaToken) {
		h.failLogin(r, nil, email, "captcha_failed", nil)
		BadRequest(w, "Captcha verification failed.")
		return
	}

	if h.LoginLockoutThreshold > 0 {
		n, err := h.Throttle.Peek(r.Context(), email)
		if err != nil {
			logWarn(r, "failed to read failed login count", "error", err)
		} else if n >= h.LoginLockoutThreshold {
			h.recordFailure(r, audit.ActionLoginFailed, nil, email, "locked_out", map[string]any{"attempts": n})
			TooManyRequests(w, "Too many failed attempts. Try later.")
			return
		}
	}

	user, err := h.PS.GetUserByEmail(r.Context(), email)
	if errors.Is(err, pgx.ErrNoRows) {
		VerifyPassword(in.Password, dummyPasswordHash)
		h.failLogin(r, nil, email, "account_not_found", nil)
		NotFound(w, "Account not found.")
		return
	}
	if err != nil {
		InternalServerError(w, r, fmt.Errorf("fetching user for login: %w", err))
		return
	}

	if user.Status != store.StatusActive {
		h.failLogin(r, user, email, "account_not_active", map[string]any{"status": string(user.Status)})
		Forbidden(w, "Account not active.")
		return
	}

	hash := dummyPasswordHash
	if user.PasswordHash != nil {
		hash = *user.PasswordHash
	}
	valid, err := VerifyPassword(in.Password, hash)
	if err != nil {
		InternalServerError(w, r, fmt.Errorf("verifying password: %w", err))
		return
	}
	if !valid || user.PasswordHash == nil {
		logInfo(r, "login attempted with incorrect password", "user_id", user.ID)
		h.failLogin(r, user, email, "invalid_credentials", nil)
		Unauthorized(w, "Invalid credentials.")
		return
	}

	err = h.PS.InTx(r.Context(), func(ctx context.Context) error {
		if err := h.PS.RecordLogin(ctx, user.ID, h.now()); err != nil {
			return fmt.Errorf("recording login: %w", err)
		}
		return h.Ledger.Record(ctx, userEntry(audit.ActionLoginSuccess, user, map[string]any{"method": "password"}))
	})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	if err := h.Throttle.Clear(r.Context(), email); err != nil {
		logWarn(r, "failed to clear failed login count", "error", err)
	}

	logInfo(r, "user logged in", "user_id", user.ID)
	writeJSON(w, http.StatusOK, struct {
		Message string   `json:"message"`
		User    userView `json:"user"`
	}{"Logged in.", newUserView(user)})
}

// failLogin counts the failure (possibly opening the threshold flag), then audits it.
func (h *AuthHandler) failLogin(r *http.Request, u *store.User, email, reason string, extra map[string]any) {
	h.registerFailedLogin(r, u, email, reason)
	h.recordFailure(r, audit.ActionLoginFailed, u, email, reason, extra)
}

// registerFailedLogin bumps the email's failure count and, at the threshold, opens the
// high severity flag. Counter or flag errors are logged; the login response is unaffected.
func (h *AuthHandler) registerFailedLogin(r *http.Request, u *store.User, email, reason string) {
	n, err := h.Throttle.RecordFailure(r.Context(), email)
	if err != nil {
		logWarn(r, "failed to count failed login", "error", err)
		return
	}
	if !h.Throttle.Reached(n) {
		return
	}

	windowMinutes := int(h.Throttle.Window().Minutes())
	var createdBy *uuid.UUID
	actor := audit.ActorEmail(email)
	if u != nil {
		createdBy = &u.ID
		actor = audit.ActorFromUser(u)
	}

	err = h.PS.InTx(r.Context(), func(ctx context.Context) error {
		_, err := h.Flags.Open(ctx, audit.FlagRequest{
			Title: FailedLoginFlagTitle,
			Details: fmt.Sprintf("Email %s reached %d failed login attempts in %d minutes. Latest reason: %s.",
				email, n, windowMinutes, reason),
			Severity:  store.SeverityHigh,
			CreatedBy: createdBy,
			Actor:     actor,
			Trigger: map[string]any{
				"trigger":        "failed_login_threshold",
				"attempts":       n,
				"window_minutes": windowMinutes,
			},
		})
		return err
	})
	if err != nil {
		logError(r, "failed to open failed login flag", "error", err)
	}
}

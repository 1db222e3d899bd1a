// password_handler.go -- Password reset: emailed code, code check, single-use reset token.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/yunhaverse/gatekeeper/internal/audit"
	"github.com/yunhaverse/gatekeeper/internal/mail"
	"github.com/yunhaverse/gatekeeper/internal/otp"
	"github.com/yunhaverse/gatekeeper/internal/store"
)

// resetTokenBytes gives a 48 hex character token.
const resetTokenBytes = 24

func generateResetToken() (string, error) {
	b := make([]byte, resetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating reset token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// PasswordOTP handles POST /auth/password/otp: emails a reset code to an existing account.
func (h *AuthHandler) PasswordOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	email := store.NormalizeEmail(in.Email)
	if email == "" {
		BadRequest(w, "Email is required.")
		return
	}

	var seen *store.User
	err := h.PS.InTx(r.Context(), func(ctx context.Context) error {
		u, err := h.PS.LockUserByEmail(ctx, email)
		if errors.Is(err, pgx.ErrNoRows) {
			return errNotFound
		}
		if err != nil {
			return fmt.Errorf("locking user: %w", err)
		}
		seen = u
		if u.Status == store.StatusSuspended {
			return errSuspended
		}

		code, err := h.OTP.Issue(ctx, u)
		if err != nil {
			return err
		}
		if err := h.ML.SendOTP(ctx, email, code, mail.KindPasswordReset, h.OTP.TTL); err != nil {
			return fmt.Errorf("%w: %v", errMailFailed, err)
		}
		return h.Ledger.Record(ctx, userEntry(audit.ActionResetOTPSent, u, map[string]any{"method": "email"}))
	})

	switch {
	case err == nil:
	case errors.Is(err, errNotFound):
		h.recordFailure(r, audit.ActionResetOTPFailed, nil, email, "user_not_found", nil)
		NotFound(w, "Account not found.")
		return
	case errors.Is(err, errSuspended):
		h.recordFailure(r, audit.ActionResetOTPFailed, seen, email, "account_suspended", nil)
		Forbidden(w, "Account not active.")
		return
	case errors.Is(err, otp.ErrCooldown):
		h.recordFailure(r, audit.ActionResetOTPFailed, seen, email, "cooldown", nil)
		TooManyRequests(w, "OTP already sent. Please wait.")
		return
	case errors.Is(err, errMailFailed):
		h.recordFailure(r, audit.ActionResetOTPFailed, seen, email, "mail_failed", nil)
		InternalServerError(w, r, err)
		return
	default:
		InternalServerError(w, r, err)
		return
	}

	// A fresh code invalidates any token minted from the previous one.
	if err := h.RT.DeleteResetToken(r.Context(), email); err != nil {
		logWarn(r, "failed to drop previous reset token", "error", err)
	}
	logInfo(r, "reset otp sent", "user_id", seen.ID)
	OK(w, "OTP sent.")
}

// PasswordVerify handles POST /auth/password/verify: trades a valid reset code for a
// reset token. The code is cleared on success so it can't be replayed, and every call
// revokes the token from any earlier verify.
func (h *AuthHandler) PasswordVerify(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	email := store.NormalizeEmail(in.Email)
	code := strings.TrimSpace(in.OTP)
	if email == "" || code == "" {
		h.recordFailure(r, audit.ActionResetOTPVerifyFailed, nil, email, "missing_email_or_otp", nil)
		BadRequest(w, "Email and OTP are required.")
		return
	}

	// Any earlier token dies here, whatever this attempt's outcome.
	if err := h.RT.DeleteResetToken(r.Context(), email); err != nil {
		InternalServerError(w, r, fmt.Errorf("dropping previous reset token: %w", err))
		return
	}

	token, err := generateResetToken()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	var user *store.User
	var outcome error
	err = h.PS.InTx(r.Context(), func(ctx context.Context) error {
		u, err := h.OTP.Verify(ctx, email, code, otp.PurposeReset)
		if err != nil {
			if !isVerifyOutcome(err) {
				return err
			}
			user, outcome = u, err
			return nil
		}
		user = u
		if err := h.RT.PutResetToken(ctx, email, token, h.ResetTokenTTL); err != nil {
			return fmt.Errorf("storing reset token: %w", err)
		}
		return h.Ledger.Record(ctx, userEntry(audit.ActionResetOTPVerified, u, map[string]any{"method": "email"}))
	})
	if err != nil {
		// The challenge rolled back, so a token written before the failure must not outlive it.
		if derr := h.RT.DeleteResetToken(r.Context(), email); derr != nil {
			logError(r, "failed to drop reset token after rollback", "error", derr)
		}
		InternalServerError(w, r, err)
		return
	}

	if h.writeVerifyFailure(w, r, audit.ActionResetOTPVerifyFailed, user, email, outcome) {
		return
	}

	logInfo(r, "reset otp verified", "user_id", user.ID)
	writeJSON(w, http.StatusOK, struct {
		Message    string `json:"message"`
		ResetToken string `json:"reset_token"`
	}{"OTP verified.", token})
}

// PasswordReset handles POST /auth/password/reset: sets a new password with a reset token.
// The token is consumed before the password changes, so it works exactly once.
func (h *AuthHandler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email      string `json:"email"`
		ResetToken string `json:"reset_token"`
		Password   string `json:"password"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	email := store.NormalizeEmail(in.Email)
	if email == "" || in.ResetToken == "" || in.Password == "" {
		h.recordFailure(r, audit.ActionPasswordResetFailed, nil, email, "missing_fields", nil)
		BadRequest(w, "Email, reset token, and password are required.")
		return
	}
	if msg := h.Policy.Validate(in.Password); msg != "" {
		h.recordFailure(r, audit.ActionPasswordResetFailed, nil, email, "weak_password", nil)
		BadRequest(w, msg)
		return
	}

	user, err := h.PS.GetUserByEmail(r.Context(), email)
	if errors.Is(err, pgx.ErrNoRows) {
		h.recordFailure(r, audit.ActionPasswordResetFailed, nil, email, "user_not_found", nil)
		NotFound(w, "User not found.")
		return
	}
	if err != nil {
		InternalServerError(w, r, fmt.Errorf("fetching user for reset: %w", err))
		return
	}
	if user.Status == store.StatusSuspended {
		h.recordFailure(r, audit.ActionPasswordResetFailed, user, email, "account_suspended", nil)
		Forbidden(w, "Account not active.")
		return
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	ok, err := h.RT.ConsumeResetToken(r.Context(), email, in.ResetToken)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !ok {
		h.recordFailure(r, audit.ActionPasswordResetFailed, user, email, "invalid_reset_token", nil)
		Unauthorized(w, "Reset token invalid or expired.")
		return
	}

	err = h.PS.InTx(r.Context(), func(ctx context.Context) error {
		if err := h.PS.ResetPassword(ctx, user.ID, hash); err != nil {
			return fmt.Errorf("resetting password: %w", err)
		}
		return h.Ledger.Record(ctx, userEntry(audit.ActionPasswordReset, user, map[string]any{"method": "email"}))
	})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "password reset", "user_id", user.ID)
	OK(w, "Password reset successful.")
}

// otp_handler.go -- Emailed one-time code login and signup.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/yunhaverse/gatekeeper/internal/audit"
	"github.com/yunhaverse/gatekeeper/internal/mail"
	"github.com/yunhaverse/gatekeeper/internal/otp"
	"github.com/yunhaverse/gatekeeper/internal/store"
)

// errMailFailed marks a delivery failure inside the issue transaction.
var errMailFailed = errors.New("otp delivery failed")

const (
	modeLogin  = "login"
	modeSignup = "signup"
)

// SendOTP handles POST /auth/otp/send: issues a code for login, or creates/updates a
// pending account and issues a code for signup. The challenge only commits if the mail went out.
func (h *AuthHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email        string `json:"email"`
		Mode         string `json:"mode"`
		Password     string `json:"password"`
		FirstName    string `json:"first_name"`
		LastName     string `json:"last_name"`
		Birthdate    string `json:"birthdate"`
		CaptchaToken string `json:"captcha_token"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}

	email := store.NormalizeEmail(in.Email)
	if email == "" {
		h.recordFailure(r, audit.ActionOTPSendFailed, nil, "", "missing_email", nil)
		BadRequest(w, "Email is required.")
		return
	}
	mode := strings.ToLower(strings.TrimSpace(in.Mode))
	if mode == "" {
		mode = modeLogin
	}
	if mode != modeLogin && mode != modeSignup {
		h.recordFailure(r, audit.ActionOTPSendFailed, nil, email, "invalid_mode", nil)
		BadRequest(w, "Invalid mode.")
		return
	}
	if !h.verifyCaptcha(r, in.CaptchaToken) {
		h.recordFailure(r, audit.ActionOTPSendFailed, nil, email, "captcha_failed", nil)
		BadRequest(w, "Captcha verification failed.")
		return
	}

	var profile store.SignupProfile
	if mode == modeSignup {
		p, msg, err := h.signupProfile(in.Password, in.FirstName, in.LastName, in.Birthdate)
		if err != nil {
			InternalServerError(w, r, err)
			return
		}
		if msg != "" {
			h.recordFailure(r, audit.ActionOTPSendFailed, nil, email, "invalid_signup_input", nil)
			BadRequest(w, msg)
			return
		}
		profile = p
	}

	var seen *store.User
	err := h.PS.InTx(r.Context(), func(ctx context.Context) error {
		u, err := h.PS.LockUserByEmail(ctx, email)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("locking user: %w", err)
		}
		if err == nil {
			seen = u
		}

		switch {
		case u != nil && u.Status == store.StatusSuspended:
			return errSuspended
		case u == nil && mode == modeLogin:
			return errNotFound
		case u != nil && mode == modeSignup && u.EmailVerifiedAt != nil:
			return errExists
		}

		if u != nil && h.OTP.InCooldown(u) {
			return otp.ErrCooldown
		}

		if u == nil {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generating user id: %w", err)
			}
			u = &store.User{
				ID:           id,
				Email:        email,
				FirstName:    profile.FirstName,
				LastName:     profile.LastName,
				Birthdate:    profile.Birthdate,
				PasswordHash: profile.PasswordHash,
				Role:         store.RoleMember,
				Status:       store.StatusPending,
			}
			if err := h.PS.CreateUser(ctx, u); err != nil {
				return err
			}
		} else if mode == modeSignup {
			if err := h.PS.UpdateSignupProfile(ctx, u.ID, profile); err != nil {
				return fmt.Errorf("updating signup profile: %w", err)
			}
		}

		code, err := h.OTP.Issue(ctx, u)
		if err != nil {
			return err
		}
		if err := h.ML.SendOTP(ctx, email, code, mail.KindVerification, h.OTP.TTL); err != nil {
			return fmt.Errorf("%w: %v", errMailFailed, err)
		}
		return h.Ledger.Record(ctx, userEntry(audit.ActionOTPSent, u, map[string]any{"mode": mode}))
	})

	switch {
	case err == nil:
		logInfo(r, "otp sent", "mode", mode)
		OK(w, "OTP sent.")
	case errors.Is(err, errSuspended):
		h.recordFailure(r, audit.ActionOTPSendFailed, seen, email, "account_suspended", nil)
		Forbidden(w, "Account not active.")
	case errors.Is(err, errNotFound):
		h.recordFailure(r, audit.ActionOTPSendFailed, nil, email, "account_not_found", nil)
		NotFound(w, "Account not found. Please sign up.")
	case errors.Is(err, errExists):
		h.recordFailure(r, audit.ActionOTPSendFailed, seen, email, "account_exists", nil)
		Conflict(w, "Account already exists.")
	case errors.Is(err, otp.ErrCooldown), errors.Is(err, store.ErrEmailTaken):
		h.recordFailure(r, audit.ActionOTPSendFailed, seen, email, "cooldown", nil)
		TooManyRequests(w, "OTP already sent. Please wait.")
	case errors.Is(err, errMailFailed):
		h.recordFailure(r, audit.ActionOTPSendFailed, seen, email, "mail_failed", nil)
		InternalServerError(w, r, err)
	default:
		InternalServerError(w, r, err)
	}
}

// signupProfile validates and converts the optional signup fields. A non-empty message
// means the input is rejected.
func (h *AuthHandler) signupProfile(password, firstName, lastName, birthdate string) (store.SignupProfile, string, error) {
	var p store.SignupProfile
	if password != "" {
		if msg := h.Policy.Validate(password); msg != "" {
			return p, msg, nil
		}
		hash, err := HashPassword(password)
		if err != nil {
			return p, "", err
		}
		p.PasswordHash = &hash
	}
	if bd := strings.TrimSpace(birthdate); bd != "" {
		t, err := time.Parse(time.DateOnly, bd)
		if err != nil {
			return p, "Invalid birthdate.", nil
		}
		p.Birthdate = &t
	}
	p.FirstName = strOrNil(strings.TrimSpace(firstName))
	p.LastName = strOrNil(strings.TrimSpace(lastName))
	return p, "", nil
}

// verifyOutcomes are the engine's expected failures; anything else is a server error.
var verifyOutcomes = []error{
	otp.ErrNotFound, otp.ErrSuspended, otp.ErrTooManyAttempts, otp.ErrExpired, otp.ErrInvalid,
}

func isVerifyOutcome(err error) bool {
	for _, o := range verifyOutcomes {
		if errors.Is(err, o) {
			return true
		}
	}
	return false
}

// VerifyOTP handles POST /auth/otp/verify: completes a login or signup with the emailed code.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
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
		h.recordFailure(r, audit.ActionOTPVerifyFailed, nil, email, "missing_email_or_otp", nil)
		BadRequest(w, "Email and OTP are required.")
		return
	}

	var user *store.User
	var outcome error
	err := h.PS.InTx(r.Context(), func(ctx context.Context) error {
		u, err := h.OTP.Verify(ctx, email, code, otp.PurposeLogin)
		if err != nil {
			if !isVerifyOutcome(err) {
				return err
			}
			user, outcome = u, err
			return nil
		}
		user = u
		return h.Ledger.Record(ctx, userEntry(audit.ActionOTPVerifySuccess, u, map[string]any{"method": "otp"}))
	})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	if h.writeVerifyFailure(w, r, audit.ActionOTPVerifyFailed, user, email, outcome) {
		return
	}

	logInfo(r, "otp verified", "user_id", user.ID)
	writeJSON(w, http.StatusOK, struct {
		Message string   `json:"message"`
		User    userView `json:"user"`
	}{"Verified.", newUserView(user)})
}

// writeVerifyFailure audits and answers a failed code check. Returns false when outcome is nil.
func (h *AuthHandler) writeVerifyFailure(w http.ResponseWriter, r *http.Request, action string, u *store.User, email string, outcome error) bool {
	switch {
	case outcome == nil:
		return false
	case errors.Is(outcome, otp.ErrNotFound):
		h.recordFailure(r, action, nil, email, "user_not_found", nil)
		NotFound(w, "User not found.")
	case errors.Is(outcome, otp.ErrSuspended):
		h.recordFailure(r, action, u, email, "account_suspended", nil)
		Forbidden(w, "Account not active.")
	case errors.Is(outcome, otp.ErrTooManyAttempts):
		h.recordFailure(r, action, u, email, "max_attempts_reached", nil)
		TooManyRequests(w, "Too many attempts. Try later.")
	case errors.Is(outcome, otp.ErrExpired):
		h.recordFailure(r, action, u, email, "otp_expired", nil)
		BadRequest(w, "OTP expired. Request a new one.")
	default:
		h.recordFailure(r, action, u, email, "invalid_otp", nil)
		Unauthorized(w, "Invalid OTP.")
	}
	return true
}

// CancelSignup handles POST /auth/signup/cancel: drops an account that never verified.
// Verified accounts are untouched; the response is the same either way.
func (h *AuthHandler) CancelSignup(w http.ResponseWriter, r *http.Request) {
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

	err := h.PS.InTx(r.Context(), func(ctx context.Context) error {
		id, err := h.PS.DeleteUnverifiedUser(ctx, email)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("deleting unverified user: %w", err)
		}
		return h.Ledger.Record(ctx, audit.Entry{
			Action:     audit.ActionSignupCancelled,
			EntityType: audit.EntityUser,
			EntityID:   &id,
			Actor:      audit.ActorEmail(email),
		})
	})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	OK(w, "Signup cancelled.")
}

// OTPLockoutFlag returns the hook that opens "OTP attempts limit reached" (high) whenever a
// verify finds a user at the attempt limit. Repeats within the dedupe window are suppressed.
func OTPLockoutFlag(flags *audit.Flagger, maxAttempts int) otp.LockoutFunc {
	return func(ctx context.Context, u *store.User, attempts int) error {
		_, err := flags.Open(ctx, audit.FlagRequest{
			Title:     "OTP attempts limit reached",
			Details:   fmt.Sprintf("User %s reached %d/%d failed OTP attempts.", u.Email, attempts, maxAttempts),
			Severity:  store.SeverityHigh,
			CreatedBy: &u.ID,
			Actor:     audit.ActorFromUser(u),
			Trigger: map[string]any{
				"trigger":      "otp_max_attempts",
				"attempts":     attempts,
				"max_attempts": maxAttempts,
			},
		})
		return err
	}
}

// handler.go -- Dependencies and shared helpers for every HTTP handler.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/yunhaverse/gatekeeper/internal/audit"
	"github.com/yunhaverse/gatekeeper/internal/captcha"
	"github.com/yunhaverse/gatekeeper/internal/mail"
	"github.com/yunhaverse/gatekeeper/internal/oauth"
	"github.com/yunhaverse/gatekeeper/internal/otp"
	"github.com/yunhaverse/gatekeeper/internal/store"
	"github.com/yunhaverse/gatekeeper/internal/throttle"
)

// Store defines database operations needed by auth handlers.
// Satisfied by *store.PostgresStore.
type Store interface {
	// InTx runs fn in a transaction; store calls made with fn's ctx join it.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// CheckHealth pings the database.
	CheckHealth(ctx context.Context) error

	// GetUserByEmail fetches a user by normalized email. pgx.ErrNoRows if absent.
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)

	// GetUserByID fetches a user by id. pgx.ErrNoRows if absent.
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	// LockUserByEmail fetches and row-locks the user inside a transaction.
	LockUserByEmail(ctx context.Context, email string) (*store.User, error)

	// CreateUser inserts a user row. store.ErrEmailTaken on a duplicate email.
	CreateUser(ctx context.Context, u *store.User) error

	// UpdateSignupProfile overwrites the non-nil signup fields.
	UpdateSignupProfile(ctx context.Context, id uuid.UUID, p store.SignupProfile) error

	// RecordLogin sets last_login_at.
	RecordLogin(ctx context.Context, id uuid.UUID, now time.Time) error

	// DeleteUnverifiedUser removes a mid-signup account; pgx.ErrNoRows when nothing matched.
	DeleteUnverifiedUser(ctx context.Context, email string) (uuid.UUID, error)

	// ResetPassword stores a new hash and clears any challenge.
	ResetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error

	// CompleteFederatedLogin fills missing names and marks the user verified and active.
	CompleteFederatedLogin(ctx context.Context, id uuid.UUID, givenName, familyName *string, now time.Time) (*store.User, error)

	// UpdateProfile writes the profile columns, role and status only when non-nil.
	UpdateProfile(ctx context.Context, id uuid.UUID, p store.ProfileUpdate) (*store.User, error)
}

// ResetTokens holds the single-use tokens issued after a verified reset code.
// Satisfied by *store.ResetTokenCache.
type ResetTokens interface {
	// PutResetToken stores token for email, replacing any previous one.
	PutResetToken(ctx context.Context, email, token string, ttl time.Duration) error

	// DeleteResetToken drops any token for email.
	DeleteResetToken(ctx context.Context, email string) error

	// ConsumeResetToken deletes the stored token and reports whether it matched.
	ConsumeResetToken(ctx context.Context, email, token string) (bool, error)
}

// HealthChecker is anything /health can ping. Satisfied by *store.RedisCounter.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// AuthHandler holds dependencies for all HTTP handlers and middleware.
type AuthHandler struct {
	PS Store
	RT ResetTokens
	RS HealthChecker

	OTP      *otp.Engine
	Throttle *throttle.Guard
	Ledger   *audit.Ledger
	Flags    *audit.Flagger
	ML       mail.Mailer

	// Captcha is checked on OTP send and password login. Nil disables it.
	Captcha captcha.Verifier

	// OAuthProviders maps the {provider} URL param to a configured provider.
	OAuthProviders map[string]oauth.Provider

	Policy        PasswordPolicy
	ResetTokenTTL time.Duration

	// LoginLockoutThreshold rejects password logins once this many failures are counted
	// in the throttle window. Zero disables the lockout; the flag still opens.
	LoginLockoutThreshold int

	// ClientOrigin is where the federated callback redirects the browser.
	ClientOrigin string

	Now func() time.Time // nil means time.Now
}

// Outcomes carried out of a transaction closure. Returning one rolls the transaction back.
var (
	errNotFound  = errors.New("user not found")
	errSuspended = errors.New("account suspended")
	errExists    = errors.New("account already exists")
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

func (h *AuthHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// decodeJSON reads r's body into v. On failure it writes 400 and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logWarn(r, "failed to decode request body", "error", err)
		BadRequest(w, "Invalid request body.")
		return false
	}
	return true
}

// clientIP is the bare remote address. RealIP middleware has already applied proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// userView is the user object returned by login and verify.
type userView struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	FirstName *string   `json:"first_name"`
	LastName  *string   `json:"last_name"`
}

func newUserView(u *store.User) userView {
	return userView{
		ID:        u.ID,
		Email:     u.Email,
		Role:      string(u.Role),
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// userEntry builds an audit entry about u, performed by u.
func userEntry(action string, u *store.User, after map[string]any) audit.Entry {
	return audit.Entry{
		Action:     action,
		EntityType: audit.EntityUser,
		EntityID:   &u.ID,
		Actor:      audit.ActorFromUser(u),
		After:      after,
	}
}

// recordFailure writes a standalone failure entry with a reason. u may be nil, in which
// case the submitted email (if any) identifies the actor. The ledger logs and counts a
// failed write; the request carries on regardless.
func (h *AuthHandler) recordFailure(r *http.Request, action string, u *store.User, email, reason string, extra map[string]any) {
	after := map[string]any{"reason": reason}
	for k, v := range extra {
		after[k] = v
	}
	e := audit.Entry{
		Action:     action,
		EntityType: audit.EntityUser,
		Actor:      audit.ActorEmail(email),
		After:      after,
	}
	if u != nil {
		e.EntityID = &u.ID
		e.Actor = audit.ActorFromUser(u)
	}
	h.Ledger.Record(r.Context(), e)
}

// verifyCaptcha reports whether the request passes the captcha check (always, when disabled).
func (h *AuthHandler) verifyCaptcha(r *http.Request, token string) bool {
	if h.Captcha == nil {
		return true
	}
	if err := h.Captcha.Verify(r.Context(), token, clientIP(r)); err != nil {
		logWarn(r, "captcha verification failed", "error", err)
		return false
	}
	return true
}

// strOrNil converts an empty string to nil.
func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

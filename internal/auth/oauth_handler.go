// oauth_handler.go -- Generic OAuth2 redirect and callback handlers.
// Provider-specific logic lives in internal/oauth/*.go.
// Adding a new provider: implement oauth.Provider, register it in OAuthProviders in main.go.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/yunhaverse/gatekeeper/internal/audit"
	"github.com/yunhaverse/gatekeeper/internal/oauth"
	"github.com/yunhaverse/gatekeeper/internal/store"
)

const oauthStateCookieName = "__Host-oauth-state"

// oauthStateCookie is the payload stored in __Host-oauth-state during the OAuth round-trip.
type oauthStateCookie struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
}

// oauthPayload is handed to the client app, base64url-encoded, in the redirect fragment.
type oauthPayload struct {
	ID              uuid.UUID `json:"id"`
	Email           string    `json:"email"`
	Role            string    `json:"role"`
	FirstName       *string   `json:"first_name"`
	LastName        *string   `json:"last_name"`
	ProfileComplete bool      `json:"profile_complete"`
}

// OAuthRedirect handles GET /auth/oauth/{provider} -- generates PKCE + state, stores them in a
// short-lived HttpOnly cookie, and redirects the browser to the provider's consent page.
func (h *AuthHandler) OAuthRedirect(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(r, w)
	if !ok {
		return
	}

	var stateBytes, verifierBytes [32]byte
	if _, err := rand.Read(stateBytes[:]); err != nil {
		InternalServerError(w, r, err)
		return
	}
	if _, err := rand.Read(verifierBytes[:]); err != nil {
		InternalServerError(w, r, err)
		return
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes[:])
	codeVerifier := base64.RawURLEncoding.EncodeToString(verifierBytes[:])
	challenge := sha256.Sum256([]byte(codeVerifier))
	codeChallenge := base64.RawURLEncoding.EncodeToString(challenge[:])

	setOAuthStateCookie(w, state, codeVerifier)
	http.Redirect(w, r, provider.AuthCodeURL(state, codeChallenge), http.StatusFound)
}

// OAuthCallback handles GET /auth/oauth/{provider}/callback -- verifies state, exchanges the
// code for a verified identity, then finds-or-creates the user and redirects to the client app.
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(r, w)
	if !ok {
		return
	}
	name := provider.Name()
	label := displayName(name)
	failAction := audit.FederatedLoginAction(name, false)

	fail := func(code string, err error) {
		logWarn(r, "oauth callback failed", "provider", name, "code", code, "error", err)
		h.recordFailure(r, failAction, nil, "", "provider_callback_error", map[string]any{"code": code})
		Unauthorized(w, label+" sign-in failed.")
	}

	verifier, code := h.readOAuthState(w, r)
	if code != "" {
		fail(code, nil)
		return
	}
	if e := r.URL.Query().Get("error"); e != "" {
		fail(e, nil)
		return
	}

	identity, err := provider.Exchange(r.Context(), r.URL.Query().Get("code"), verifier)
	if err != nil {
		var pe *oauth.ProviderError
		if errors.As(err, &pe) {
			fail(pe.Code, pe.Err)
		} else {
			fail(oauth.CodeExchangeFailed, err)
		}
		return
	}

	email := store.NormalizeEmail(identity.Email)
	if email == "" {
		h.recordFailure(r, failAction, nil, "", "missing_email", nil)
		Unauthorized(w, label+" email is missing.")
		return
	}
	if !identity.EmailVerified {
		h.recordFailure(r, failAction, nil, email, "email_not_verified", nil)
		Unauthorized(w, label+" email is not verified.")
		return
	}

	var user, seen *store.User
	err = h.PS.InTx(r.Context(), func(ctx context.Context) error {
		u, err := h.findOrCreateFederatedUser(ctx, email, identity)
		if errors.Is(err, errSuspended) {
			seen = u
		}
		if err != nil {
			return err
		}
		user = u
		return h.Ledger.Record(ctx, userEntry(audit.FederatedLoginAction(name, true), u, map[string]any{"method": name}))
	})
	if errors.Is(err, errSuspended) {
		h.recordFailure(r, failAction, seen, email, "account_suspended", nil)
		Forbidden(w, "Account not active.")
		return
	}
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	payload, err := json.Marshal(oauthPayload{
		ID:              user.ID,
		Email:           user.Email,
		Role:            string(user.Role),
		FirstName:       user.FirstName,
		LastName:        user.LastName,
		ProfileComplete: profileComplete(user),
	})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "oauth user logged in", "user_id", user.ID, "provider", name)
	target := h.ClientOrigin + "/#/oauth?payload=" + url.QueryEscape(base64.RawURLEncoding.EncodeToString(payload))
	http.Redirect(w, r, target, http.StatusFound)
}

// findOrCreateFederatedUser completes login for an existing account (filling missing names)
// or creates an active, verified member. Suspended accounts return errSuspended with the row.
func (h *AuthHandler) findOrCreateFederatedUser(ctx context.Context, email string, id *oauth.Identity) (*store.User, error) {
	given := strOrNil(strings.TrimSpace(id.GivenName))
	family := strOrNil(strings.TrimSpace(id.FamilyName))
	now := h.now()

	existing, err := h.PS.LockUserByEmail(ctx, email)
	if err == nil {
		if existing.Status == store.StatusSuspended {
			return existing, errSuspended
		}
		u, err := h.PS.CompleteFederatedLogin(ctx, existing.ID, given, family, now)
		if err != nil {
			return nil, fmt.Errorf("completing federated login: %w", err)
		}
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("locking user: %w", err)
	}

	userID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating user id: %w", err)
	}
	u := &store.User{
		ID:              userID,
		Email:           email,
		FirstName:       given,
		LastName:        family,
		Role:            store.RoleMember,
		Status:          store.StatusActive,
		EmailVerifiedAt: &now,
		LastLoginAt:     &now,
	}
	if err := h.PS.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("creating federated user: %w", err)
	}
	return u, nil
}

// readOAuthState reads and clears the state cookie and checks it against ?state.
// Returns the PKCE verifier, or a non-empty failure code.
func (h *AuthHandler) readOAuthState(w http.ResponseWriter, r *http.Request) (string, string) {
	stateCookie, err := r.Cookie(oauthStateCookieName)
	if err != nil {
		return "", "missing_state"
	}
	// Cleared immediately so the state can't be replayed.
	clearOAuthStateCookie(w)

	rawJSON, err := base64.RawURLEncoding.DecodeString(stateCookie.Value)
	if err != nil {
		return "", "invalid_state"
	}
	var sc oauthStateCookie
	if err := json.Unmarshal(rawJSON, &sc); err != nil || sc.State == "" {
		return "", "invalid_state"
	}
	if subtle.ConstantTimeCompare([]byte(sc.State), []byte(r.URL.Query().Get("state"))) != 1 {
		return "", "state_mismatch"
	}
	return sc.Verifier, ""
}

// profileComplete reports whether the client can skip the profile step.
func profileComplete(u *store.User) bool {
	return u.FirstName != nil && *u.FirstName != "" &&
		u.LastName != nil && *u.LastName != "" &&
		u.Birthdate != nil
}

// displayName capitalizes a provider name for user-facing messages.
func displayName(provider string) string {
	if provider == "" {
		return provider
	}
	return strings.ToUpper(provider[:1]) + provider[1:]
}

// oauthProvider reads the {provider} URL param and looks it up in OAuthProviders.
// Writes 404 and returns (nil, false) when the provider is not configured.
func (h *AuthHandler) oauthProvider(r *http.Request, w http.ResponseWriter) (oauth.Provider, bool) {
	name := chi.URLParam(r, "provider")
	p, ok := h.OAuthProviders[name]
	if !ok {
		NotFound(w, "Unknown provider.")
		return nil, false
	}
	return p, true
}

// setOAuthStateCookie stores state + PKCE verifier in a short-lived HttpOnly cookie.
func setOAuthStateCookie(w http.ResponseWriter, state, verifier string) {
	payload, _ := json.Marshal(oauthStateCookie{State: state, Verifier: verifier})
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(payload),
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600, // 10 minutes
	})
}

// clearOAuthStateCookie expires the OAuth state cookie immediately.
func clearOAuthStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// provider.go -- OAuth provider interface and shared types.
package oauth

import (
	"context"
	"fmt"
)

// Identity is the verified assertion returned by a provider.
// All fields come from a signature-checked ID token; never from the client.
// Names are optional -- empty string means not provided.
type Identity struct {
	Subject       string // provider-specific stable user ID (e.g. Google "sub")
	Email         string
	EmailVerified bool
	GivenName     string
	FamilyName    string
}

// Failure codes carried by ProviderError.
const (
	CodeAccessDenied     = "access_denied"     // user declined on the consent page
	CodeExchangeFailed   = "exchange_failed"   // token endpoint rejected the code
	CodeMissingIDToken   = "missing_id_token"  // token response had no id_token
	CodeInvalidIDToken   = "invalid_id_token"  // signature, audience, or expiry check failed
	CodeClaimsUnreadable = "claims_unreadable" // id_token claims didn't decode
)

// ProviderError is the failure half of Exchange: a handshake that didn't yield an identity.
// Callers branch on Code; Err holds the underlying cause for logs.
type ProviderError struct {
	Provider string
	Code     string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s oauth: %s", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s oauth: %s: %v", e.Provider, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Provider is an OAuth2 identity provider.
// PKCE (RFC 7636) is required: callers pass the code_challenge to AuthCodeURL and the
// matching code_verifier to Exchange.
type Provider interface {
	// Name returns the provider identifier used as the URL param and in audit actions.
	Name() string

	// AuthCodeURL returns the redirect URL with state and PKCE code_challenge embedded.
	AuthCodeURL(state, codeChallenge string) string

	// Exchange trades the authorization code for a verified identity.
	// Every failure is a *ProviderError.
	Exchange(ctx context.Context, code, codeVerifier string) (*Identity, error)
}

// google.go -- Google sign-in over OIDC discovery and the OAuth2 code flow with PKCE.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// GoogleIssuer is the OIDC issuer used when GoogleConfig.Issuer is empty.
const GoogleIssuer = "https://accounts.google.com"

// GoogleConfig holds the OAuth client registration.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Issuer       string // empty means GoogleIssuer
}

// GoogleProvider implements Provider for "google".
type GoogleProvider struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewGoogleProvider fetches the issuer's discovery document and returns a ready provider.
// Makes an outbound request at startup; fails if the issuer is unreachable.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = GoogleIssuer
	}
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("google oidc discovery: %w", err)
	}
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     p.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: p.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string { return "google" }

// AuthCodeURL builds the consent page URL. select_account lets fans on shared devices
// pick which Google account to use.
func (p *GoogleProvider) AuthCodeURL(state, codeChallenge string) string {
	return p.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
}

// Exchange trades an authorization code for a verified identity. The ID token's signature,
// audience, and expiry are checked before any claim is read.
func (p *GoogleProvider) Exchange(ctx context.Context, code, codeVerifier string) (*Identity, error) {
	if code == "" {
		return nil, p.fail(CodeExchangeFailed, errors.New("empty authorization code"))
	}
	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, p.fail(CodeExchangeFailed, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, p.fail(CodeMissingIDToken, errors.New("no id_token in token response"))
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, p.fail(CodeInvalidIDToken, err)
	}

	var c googleClaims
	if err := idToken.Claims(&c); err != nil {
		return nil, p.fail(CodeClaimsUnreadable, err)
	}
	return c.identity(), nil
}

func (p *GoogleProvider) fail(code string, err error) *ProviderError {
	return &ProviderError{Provider: p.Name(), Code: code, Err: err}
}

// googleClaims is the subset of the ID token we use.
type googleClaims struct {
	Sub           string       `json:"sub"`
	Email         string       `json:"email"`
	EmailVerified flexibleBool `json:"email_verified"`
	Name          string       `json:"name"`
	GivenName     string       `json:"given_name"`
	FamilyName    string       `json:"family_name"`
}

// identity maps claims to an Identity. When given/family names are absent, the full
// name is split at its first space.
func (c googleClaims) identity() *Identity {
	given, family := strings.TrimSpace(c.GivenName), strings.TrimSpace(c.FamilyName)
	if given == "" && family == "" {
		given, family, _ = strings.Cut(strings.TrimSpace(c.Name), " ")
		family = strings.TrimSpace(family)
	}
	return &Identity{
		Subject:       c.Sub,
		Email:         c.Email,
		EmailVerified: bool(c.EmailVerified),
		GivenName:     given,
		FamilyName:    family,
	}
}

// flexibleBool accepts true/false or the strings "true"/"false"; some Google tokens
// (older Workspace accounts) carry email_verified as a string.
type flexibleBool bool

func (b *flexibleBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexibleBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("email_verified: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		*b = true
	case "false", "":
		*b = false
	default:
		return fmt.Errorf("email_verified: unexpected value %q", s)
	}
	return nil
}

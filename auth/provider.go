package auth

import (
	"context"
	"encoding/json"
	"time"
)

// Metadata is the subset of the provider's discovery document the gateway
// uses.
type Metadata struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string
	EndSessionEndpoint    string
	JWKSURI               string
}

// AuthRequest carries the per-attempt values bound into the authorization
// URL.
type AuthRequest struct {
	State         string
	Nonce         string
	CodeChallenge string
}

// ExchangeRequest carries the callback code and the attempt's secrets.
type ExchangeRequest struct {
	Code         string
	CodeVerifier string
	// Nonce must match the nonce claim of the returned ID token.
	Nonce string
}

// TokenSet is the result of a token request. Subject is the verified ID
// token subject, when an ID token was returned.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	// ExpiresAt is zero when the provider did not report a lifetime.
	ExpiresAt time.Time
	Subject   string
}

// UserClaims is the userinfo response.
type UserClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Username      string
	Raw           json.RawMessage
}

// Provider is the identity provider as seen by the Flow. Implementations
// must be safe for concurrent use.
type Provider interface {
	// Discover returns the provider metadata, fetching it on first use.
	// Failures are wrapped in ErrDiscovery and are not cached.
	Discover(ctx context.Context) (*Metadata, error)
	// AuthCodeURL builds the authorization URL for one attempt. It requests
	// response_type=code with an S256 code challenge.
	AuthCodeURL(ctx context.Context, req AuthRequest) (string, error)
	// Exchange redeems an authorization code. A rejection by the token
	// endpoint is a *TokenExchangeError.
	Exchange(ctx context.Context, req ExchangeRequest) (*TokenSet, error)
	// UserInfo fetches the claims for accessToken. A rejected token is
	// wrapped in ErrUserInfo.
	UserInfo(ctx context.Context, accessToken string) (*UserClaims, error)
}

// Refresher is implemented by providers that support the refresh_token
// grant.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// Status describes the configured client.
type Status struct {
	Initialized bool     `json:"initialized"`
	ClientType  string   `json:"client_type"`
	Issuer      string   `json:"issuer"`
	RedirectURI string   `json:"redirect_uri"`
	Scopes      []string `json:"scopes"`
}

// Describer is implemented by providers that can report their Status.
type Describer interface {
	Describe() Status
}

package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/healthmon/authgate/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/healthmon/authgate/auth"

// DefaultScopes are requested when OIDCConfig.Scopes is empty.
var DefaultScopes = []string{oidc.ScopeOpenID, "email", "profile"}

// OIDCConfig configures an OIDCClient.
type OIDCConfig struct {
	Issuer   string
	ClientID string
	// ClientSecret is empty for public clients, which then send client_id in
	// the token request body.
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// SkipIssuerCheck disables issuer validation in the ID token verifier.
	SkipIssuerCheck bool

	// HTTPClient is used for every provider request. Default: a client with
	// a 10s timeout.
	HTTPClient     *http.Client
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
	// Now is the verifier's clock. Default: time.Now.
	Now func() time.Time
}

// OIDCClient is a Provider backed by OIDC discovery.
//
// Discovery runs at most once at a time. Concurrent first-use callers share
// the in-flight request, a success is cached until Close, and a failure is
// retried by the next caller.
type OIDCClient struct {
	cfg    OIDCConfig
	client *http.Client
	logger *slog.Logger
	tracer trace.Tracer

	group      singleflight.Group
	discovered atomic.Pointer[discovered]
}

type discovered struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
	meta     Metadata
}

// NewOIDCClient validates cfg. It performs no network I/O.
func NewOIDCClient(cfg OIDCConfig) (*OIDCClient, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("auth: client id is required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("auth: redirect url is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &OIDCClient{
		cfg:    cfg,
		client: client,
		logger: logger,
		tracer: tp.Tracer(tracerName),
	}, nil
}

// Init performs discovery eagerly. A failure is logged and returned; the
// client stays usable and retries on next use.
func (c *OIDCClient) Init(ctx context.Context) error {
	if _, err := c.discover(ctx); err != nil {
		c.logger.Error("provider discovery failed",
			"code", CodeDiscoveryFailed,
			"issuer", c.cfg.Issuer,
			"error", err,
		)
		return err
	}
	c.logger.Info("provider discovered", "issuer", c.cfg.Issuer)
	return nil
}

// Close drops the cached discovery result.
func (c *OIDCClient) Close() {
	c.discovered.Store(nil)
}

func (c *OIDCClient) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, c.client)
}

func (c *OIDCClient) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("oidc.issuer", c.cfg.Issuer)),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (c *OIDCClient) discover(ctx context.Context) (*discovered, error) {
	if d := c.discovered.Load(); d != nil {
		return d, nil
	}
	v, err, _ := c.group.Do("discover", func() (any, error) {
		if d := c.discovered.Load(); d != nil {
			return d, nil
		}
		// Shared by every waiting caller, so not bound to the first
		// caller's cancellation.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.discoveryTimeout())
		defer cancel()
		d, err := c.fetchMetadata(dctx)
		if err != nil {
			return nil, err
		}
		c.discovered.Store(d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*discovered), nil
}

func (c *OIDCClient) discoveryTimeout() time.Duration {
	if c.client.Timeout > 0 {
		return c.client.Timeout
	}
	return DefaultTimeout
}

func (c *OIDCClient) fetchMetadata(ctx context.Context) (d *discovered, err error) {
	ctx, span := c.startSpan(ctx, "oidc.discover")
	start := time.Now()
	defer func() {
		c.cfg.Metrics.ObserveDiscovery(time.Since(start), err)
		endSpan(span, err)
	}()

	provider, err := oidc.NewProvider(c.clientContext(ctx), c.cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	var doc struct {
		UserInfoEndpoint   string `json:"userinfo_endpoint"`
		EndSessionEndpoint string `json:"end_session_endpoint"`
		JWKSURI            string `json:"jwks_uri"`
	}
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrDiscovery, err)
	}
	endpoint := provider.Endpoint()
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		return nil, fmt.Errorf("%w: metadata lacks authorization or token endpoint", ErrDiscovery)
	}
	if c.cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	vcfg := &oidc.Config{ClientID: c.cfg.ClientID, SkipIssuerCheck: c.cfg.SkipIssuerCheck, Now: c.cfg.Now}
	return &discovered{
		provider: provider,
		verifier: provider.Verifier(vcfg),
		oauth: &oauth2.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  c.cfg.RedirectURL,
			Scopes:       c.cfg.Scopes,
		},
		meta: Metadata{
			Issuer:                c.cfg.Issuer,
			AuthorizationEndpoint: endpoint.AuthURL,
			TokenEndpoint:         endpoint.TokenURL,
			UserInfoEndpoint:      doc.UserInfoEndpoint,
			EndSessionEndpoint:    doc.EndSessionEndpoint,
			JWKSURI:               doc.JWKSURI,
		},
	}, nil
}

// Discover implements Provider.
func (c *OIDCClient) Discover(ctx context.Context) (*Metadata, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	meta := d.meta
	return &meta, nil
}

// AuthCodeURL implements Provider.
func (c *OIDCClient) AuthCodeURL(ctx context.Context, req AuthRequest) (string, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if req.Nonce != "" {
		opts = append(opts, oidc.Nonce(req.Nonce))
	}
	return d.oauth.AuthCodeURL(req.State, opts...), nil
}

// Exchange implements Provider. The returned ID token is verified against
// the provider keys and its nonce compared with req.Nonce.
func (c *OIDCClient) Exchange(ctx context.Context, req ExchangeRequest) (ts *TokenSet, err error) {
	d, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := c.startSpan(ctx, "oidc.exchange")
	defer func() { endSpan(span, err) }()

	tok, err := d.oauth.Exchange(c.clientContext(ctx), req.Code, oauth2.VerifierOption(req.CodeVerifier))
	if err != nil {
		return nil, tokenError(err)
	}
	return c.tokenSet(ctx, d, tok, req.Nonce, true)
}

// Refresh implements Refresher.
func (c *OIDCClient) Refresh(ctx context.Context, refreshToken string) (ts *TokenSet, err error) {
	d, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := c.startSpan(ctx, "oidc.refresh")
	defer func() { endSpan(span, err) }()

	tok, err := d.oauth.TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, tokenError(err)
	}
	return c.tokenSet(ctx, d, tok, "", false)
}

func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		te := &TokenExchangeError{
			ProviderCode: re.ErrorCode,
			Description:  re.ErrorDescription,
			Cause:        err,
		}
		if re.Response != nil {
			te.StatusCode = re.Response.StatusCode
		}
		return te
	}
	return fmt.Errorf("auth: token request: %w", err)
}

func (c *OIDCClient) tokenSet(ctx context.Context, d *discovered, tok *oauth2.Token, nonce string, requireIDToken bool) (*TokenSet, error) {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if ts.AccessToken == "" {
		return nil, errors.New("auth: token response without access_token")
	}
	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		if requireIDToken {
			return nil, errors.New("auth: token response without id_token")
		}
		return ts, nil
	}
	idToken, err := d.verifier.Verify(c.clientContext(ctx), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("auth: id_token verification failed: %w", err)
	}
	if nonce != "" && subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return nil, errors.New("auth: id_token nonce mismatch")
	}
	ts.IDToken = rawIDToken
	ts.Subject = idToken.Subject
	return ts, nil
}

// UserInfo implements Provider.
func (c *OIDCClient) UserInfo(ctx context.Context, accessToken string) (claims *UserClaims, err error) {
	d, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := c.startSpan(ctx, "oidc.userinfo")
	defer func() { endSpan(span, err) }()

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	info, err := d.provider.UserInfo(c.clientContext(ctx), src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserInfo, err)
	}
	var extra struct {
		Name            string `json:"name"`
		Username        string `json:"username"`
		CognitoUsername string `json:"cognito:username"`
		PreferredName   string `json:"preferred_username"`
	}
	if err := info.Claims(&extra); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrUserInfo, err)
	}
	var raw json.RawMessage
	if err := info.Claims(&raw); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrUserInfo, err)
	}
	username := firstNonEmpty(extra.Username, extra.CognitoUsername, extra.PreferredName)
	return &UserClaims{
		Subject:       info.Subject,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          extra.Name,
		Username:      username,
		Raw:           raw,
	}, nil
}

// Describe implements Describer.
func (c *OIDCClient) Describe() Status {
	clientType := "public"
	if c.cfg.ClientSecret != "" {
		clientType = "confidential"
	}
	return Status{
		Initialized: c.discovered.Load() != nil,
		ClientType:  clientType,
		Issuer:      c.cfg.Issuer,
		RedirectURI: c.cfg.RedirectURL,
		Scopes:      c.cfg.Scopes,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

var (
	_ Provider  = (*OIDCClient)(nil)
	_ Refresher = (*OIDCClient)(nil)
	_ Describer = (*OIDCClient)(nil)
)

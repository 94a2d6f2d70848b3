package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/healthmon/authgate/metrics"
	"github.com/healthmon/authgate/middleware"
	"github.com/healthmon/authgate/session"
	"github.com/healthmon/authgate/token"
)

const (
	// DefaultTimeout bounds each provider call made by the Flow.
	DefaultTimeout = 10 * time.Second
	// DefaultTokenLifetime is assumed when neither the token response nor
	// the tokens themselves carry an expiry.
	DefaultTokenLifetime = time.Hour
)

// FlowConfig configures a Flow.
type FlowConfig struct {
	// ClientID is sent to the provider's logout endpoint.
	ClientID string
	// Issuer is the fallback base for the logout endpoint.
	Issuer string
	// LogoutURL overrides the provider logout endpoint. When empty the
	// discovered end_session_endpoint is used, then {Issuer}/logout.
	LogoutURL string
	// PostLogoutRedirect is passed to the provider as logout_uri.
	PostLogoutRedirect string

	// FlightTTL bounds how long a login attempt may take. Default: 10m.
	FlightTTL time.Duration
	// Timeout bounds each provider call. Default: 10s.
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Flow drives a session through login, callback, refresh and logout.
//
// States: Anonymous -> LoginInitiated -> Authenticated, back to Anonymous on
// logout or on any callback failure after the state check.
type Flow struct {
	provider Provider
	cfg      FlowConfig
	logger   *slog.Logger
	now      func() time.Time
	newPKCE  func() (PKCE, error)
}

// NewFlow returns a Flow for provider.
func NewFlow(provider Provider, cfg FlowConfig) (*Flow, error) {
	if provider == nil {
		return nil, errors.New("auth: nil provider")
	}
	if cfg.FlightTTL <= 0 {
		cfg.FlightTTL = session.DefaultFlightTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	f := &Flow{
		provider: provider,
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      cfg.Now,
		newPKCE:  GeneratePKCE,
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

// Provider returns the provider the flow talks to.
func (f *Flow) Provider() Provider {
	return f.provider
}

func (f *Flow) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.cfg.Timeout)
}

// StartLogin stores fresh flight parameters on sess and returns the
// authorization URL to redirect to. A previous attempt, or an existing
// identity, is replaced. returnTo is kept only if it is a local path.
//
// The session is left untouched if the URL cannot be built.
func (f *Flow) StartLogin(ctx context.Context, sess *session.AuthSession, returnTo string) (string, error) {
	if sess == nil {
		return "", session.ErrNilSession
	}
	p, err := f.newPKCE()
	if err != nil {
		return "", fmt.Errorf("auth: generate pkce: %w", err)
	}

	ctx, cancel := f.bounded(ctx)
	defer cancel()
	authURL, err := f.provider.AuthCodeURL(ctx, AuthRequest{
		State:         p.State,
		Nonce:         p.Nonce,
		CodeChallenge: p.CodeChallenge,
	})
	if err != nil {
		f.logger.Error("login not started", "code", ErrorCode(err), "error", err)
		return "", err
	}

	flight := session.Flight{
		AttemptID:    uuid.NewString(),
		State:        p.State,
		Nonce:        p.Nonce,
		CodeVerifier: p.CodeVerifier,
		ReturnTo:     ValidateNextURLIsLocal(returnTo),
		ExpiresAt:    f.now().Add(f.cfg.FlightTTL),
	}
	if err := sess.BeginLogin(flight); err != nil {
		return "", err
	}
	f.cfg.Metrics.LoginStarted()
	f.logger.Info("login started", "attempt_id", flight.AttemptID)
	return authURL, nil
}

// CallbackParams are the query parameters of the provider redirect.
type CallbackParams struct {
	Code             string `query:"code"`
	State            string `query:"state"`
	Error            string `query:"error"`
	ErrorDescription string `query:"error_description"`
}

// Result is a completed login.
type Result struct {
	Identity session.Identity
	// ReturnTo is the local path to continue at.
	ReturnTo string
}

// HandleCallback completes a login attempt.
//
// A session not in LoginInitiated fails with ErrInvalidState and is not
// modified. Every later failure leaves the session anonymous: an expired
// attempt (ErrInvalidState), a state mismatch (ErrStateMismatch), a provider
// error or rejected exchange (ErrAuthenticationFailed) and a rejected access
// token (ErrUserInfo). The flight parameters are consumed before the
// exchange, so a verifier is never sent twice.
//
// save, if non-nil, persists the authenticated session. Its failure resets
// the session and is reported as ErrSessionUnavailable.
func (f *Flow) HandleCallback(ctx context.Context, sess *session.AuthSession, params CallbackParams, save func() error) (*Result, error) {
	res, attemptID, err := f.handleCallback(ctx, sess, params)
	if err == nil && save != nil {
		if serr := save(); serr != nil {
			sess.Reset()
			err = fmt.Errorf("%w: %w", ErrSessionUnavailable, serr)
		}
	}
	if err != nil {
		code := ErrorCode(err)
		f.cfg.Metrics.Callback(code)
		f.logger.Warn("login failed", "code", code, "attempt_id", attemptID, "error", err)
		return nil, err
	}
	f.cfg.Metrics.Callback("ok")
	f.logger.Info("login succeeded", "attempt_id", attemptID)
	return res, nil
}

func (f *Flow) handleCallback(ctx context.Context, sess *session.AuthSession, params CallbackParams) (*Result, string, error) {
	if sess == nil {
		return nil, "", session.ErrNilSession
	}
	if sess.State() != session.LoginInitiated {
		return nil, "", ErrInvalidState
	}
	flight, _ := sess.Flight()
	if flight.Expired(f.now()) {
		sess.Reset()
		return nil, flight.AttemptID, fmt.Errorf("%w: login attempt expired", ErrInvalidState)
	}
	if params.State == "" || subtle.ConstantTimeCompare([]byte(params.State), []byte(flight.State)) != 1 {
		sess.Reset()
		return nil, flight.AttemptID, ErrStateMismatch
	}
	sess.ConsumeFlight()

	if params.Error != "" {
		pe := &ProviderError{Code: params.Error, Description: params.ErrorDescription}
		return nil, flight.AttemptID, fmt.Errorf("%w: %w", ErrAuthenticationFailed, pe)
	}
	if params.Code == "" {
		return nil, flight.AttemptID, fmt.Errorf("%w: missing code", ErrAuthenticationFailed)
	}

	ctx, cancel := f.bounded(ctx)
	defer cancel()

	ts, err := f.provider.Exchange(ctx, ExchangeRequest{
		Code:         params.Code,
		CodeVerifier: flight.CodeVerifier,
		Nonce:        flight.Nonce,
	})
	if err != nil {
		if errors.Is(err, ErrDiscovery) {
			return nil, flight.AttemptID, err
		}
		return nil, flight.AttemptID, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	if err := f.checkAccessToken(ts.AccessToken); err != nil {
		return nil, flight.AttemptID, err
	}

	claims, err := f.provider.UserInfo(ctx, ts.AccessToken)
	if err != nil {
		if !errors.Is(err, ErrUserInfo) && !errors.Is(err, ErrDiscovery) {
			err = fmt.Errorf("%w: %w", ErrUserInfo, err)
		}
		return nil, flight.AttemptID, err
	}
	if ts.Subject != "" && claims.Subject != ts.Subject {
		return nil, flight.AttemptID, fmt.Errorf("%w: userinfo subject does not match id_token", ErrUserInfo)
	}

	identity := identityFrom(claims, ts)
	tokens := session.Tokens{
		AccessToken:  ts.AccessToken,
		IDToken:      ts.IDToken,
		RefreshToken: ts.RefreshToken,
		ExpiresAt:    f.expiresAt(ts),
	}
	if err := sess.Authenticate(identity, tokens); err != nil {
		return nil, flight.AttemptID, err
	}
	return &Result{Identity: identity, ReturnTo: ValidateNextURLIsLocal(flight.ReturnTo)}, flight.AttemptID, nil
}

func identityFrom(claims *UserClaims, ts *TokenSet) session.Identity {
	id := session.Identity{
		Subject:  claims.Subject,
		Email:    claims.Email,
		Name:     claims.Name,
		Username: claims.Username,
		Claims:   claims.Raw,
	}
	if id.Subject == "" {
		id.Subject = ts.Subject
	}
	// Fill gaps from the ID token, which the provider has already signed.
	if c, err := token.Decode(ts.IDToken); err == nil {
		if id.Email == "" {
			id.Email = c.Email
		}
		if id.Name == "" {
			id.Name = c.Name
		}
		if id.Username == "" {
			id.Username = c.Username
		}
	}
	return id
}

// checkAccessToken rejects a JWT access token that is expired or not yet
// valid at issue. Opaque access tokens pass.
func (f *Flow) checkAccessToken(raw string) error {
	_, err := token.Validate(raw, f.now())
	if errors.Is(err, token.ErrExpired) || errors.Is(err, token.ErrNotYetValid) {
		return fmt.Errorf("%w: access token: %w", ErrAuthenticationFailed, err)
	}
	return nil
}

// expiresAt prefers the token endpoint's expires_in, then the exp claim of
// the access or ID token.
func (f *Flow) expiresAt(ts *TokenSet) time.Time {
	if !ts.ExpiresAt.IsZero() {
		return ts.ExpiresAt
	}
	for _, raw := range []string{ts.AccessToken, ts.IDToken} {
		if exp, ok := token.ExpiryOf(raw); ok {
			return exp
		}
	}
	return f.now().Add(DefaultTokenLifetime)
}

// Logout clears sess whatever its state and returns the provider logout URL
// carrying client_id and logout_uri. It never fails.
func (f *Flow) Logout(ctx context.Context, sess *session.AuthSession) string {
	if sess.State() == session.Authenticated {
		f.logger.Info("logout")
	}
	sess.Reset()

	base := f.cfg.LogoutURL
	if base == "" {
		ctx, cancel := f.bounded(ctx)
		defer cancel()
		if meta, err := f.provider.Discover(ctx); err == nil && meta.EndSessionEndpoint != "" {
			base = meta.EndSessionEndpoint
		}
	}
	if base == "" && f.cfg.Issuer != "" {
		base = strings.TrimRight(f.cfg.Issuer, "/") + "/logout"
	}

	u, err := url.Parse(base)
	if base == "" || err != nil {
		return ValidateNextURLIsLocal(f.cfg.PostLogoutRedirect)
	}
	q := u.Query()
	q.Set("client_id", f.cfg.ClientID)
	if f.cfg.PostLogoutRedirect != "" {
		q.Set("logout_uri", f.cfg.PostLogoutRedirect)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// CurrentIdentity returns the identity of sess, or nil unless it is
// authenticated and its tokens are unexpired.
func (f *Flow) CurrentIdentity(sess *session.AuthSession) *session.Identity {
	return sess.CurrentIdentity(f.now())
}

// Refresh exchanges the stored refresh token for new tokens. On failure the
// session is reset to anonymous.
func (f *Flow) Refresh(ctx context.Context, sess *session.AuthSession) error {
	err := f.refresh(ctx, sess)
	f.cfg.Metrics.Refresh(err == nil)
	if err != nil {
		sess.Reset()
		return err
	}
	return nil
}

func (f *Flow) refresh(ctx context.Context, sess *session.AuthSession) error {
	old, ok := sess.Tokens()
	if !ok || old.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token", ErrNotAuthenticated)
	}
	r, ok := f.provider.(Refresher)
	if !ok {
		return fmt.Errorf("%w: provider does not support refresh", ErrNotAuthenticated)
	}
	identity, _ := sess.Identity()

	ctx, cancel := f.bounded(ctx)
	defer cancel()
	ts, err := r.Refresh(ctx, old.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrDiscovery) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	if ts.Subject != "" && ts.Subject != identity.Subject {
		return fmt.Errorf("%w: refreshed id_token subject changed", ErrAuthenticationFailed)
	}
	if err := f.checkAccessToken(ts.AccessToken); err != nil {
		return err
	}

	tokens := session.Tokens{
		AccessToken:  ts.AccessToken,
		IDToken:      ts.IDToken,
		RefreshToken: ts.RefreshToken,
		ExpiresAt:    f.expiresAt(ts),
	}
	if tokens.IDToken == "" {
		tokens.IDToken = old.IDToken
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = old.RefreshToken
	}
	return sess.UpdateTokens(tokens)
}

var _ middleware.Refresher = (*Flow)(nil)

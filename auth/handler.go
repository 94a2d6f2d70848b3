package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/healthmon/authgate/endpoint"
	"github.com/healthmon/authgate/middleware"
	"github.com/healthmon/authgate/session"
)

// DefaultBasePath is where the auth endpoints are mounted.
const DefaultBasePath = "/api/auth"

// AuthHandler serves the login, callback, session, logout and status
// endpoints. It expects middleware.Sessions to run in front of it.
type AuthHandler struct {
	mux      *http.ServeMux
	flow     *Flow
	basePath string
	logger   *slog.Logger

	// processors are the middleware processors to run for each endpoint
	processors []endpoint.Processor
}

// Option configures the AuthHandler.
type Option func(*AuthHandler)

// WithProcessors adds middleware processors to the auth endpoints.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(ah *AuthHandler) {
		ah.processors = append(ah.processors, p...)
	}
}

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(ah *AuthHandler) {
		if l != nil {
			ah.logger = l
		}
	}
}

// LoginParams are the query parameters of the login entry. callbackUrl is
// accepted as an alias of return_to.
type LoginParams struct {
	ReturnTo    string `query:"return_to" maxLength:"2048"`
	CallbackURL string `query:"callbackUrl" maxLength:"2048"`
}

// SessionView is the body of the session endpoint.
type SessionView struct {
	User      session.Identity `json:"user"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// StatusView is the body of the status endpoint.
type StatusView struct {
	Status   string  `json:"status"`
	Provider *Status `json:"provider,omitempty"`
}

// NewHandler creates a new AuthHandler mounted at basePath (for example
// "/api/auth").
func NewHandler(flow *Flow, basePath string, opts ...Option) (*AuthHandler, error) {
	if flow == nil {
		return nil, errors.New("auth: nil flow")
	}
	if basePath == "" {
		basePath = DefaultBasePath
	}
	// Ensure leading slash for basePath
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	h := &AuthHandler{
		mux:        http.NewServeMux(),
		flow:       flow,
		basePath:   path.Clean(basePath),
		logger:     slog.Default(),
		processors: []endpoint.Processor{endpoint.ProcessorFunc(requireSession)},
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("GET "+h.route("login"), endpoint.HandleFunc(h.login, h.processors...))
	h.mux.HandleFunc("GET "+h.route("callback"), endpoint.HandleFunc(h.callback, h.processors...))
	h.mux.HandleFunc("GET "+h.route("session"), endpoint.HandleFunc(h.session, h.processors...))
	h.mux.HandleFunc("GET "+h.route("logout"), endpoint.HandleFunc(h.logout, h.processors...))
	h.mux.HandleFunc("GET "+h.route("status"), endpoint.HandleFunc(h.status))
	return h, nil
}

func (h *AuthHandler) route(name string) string {
	return path.Join(h.basePath, name)
}

// LoginPath returns the path of the login entry, for GuardConfig.LoginPath.
func (h *AuthHandler) LoginPath() string {
	return h.route("login")
}

// BasePath returns the mount point of the handler.
func (h *AuthHandler) BasePath() string {
	return h.basePath
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// requireSession fails the request when middleware.Sessions did not run.
func requireSession(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	if _, ok := middleware.SessionFromContext(r.Context()); !ok {
		return endpoint.CodedError(http.StatusInternalServerError, "session_unavailable", "session unavailable", nil)
	}
	return next(w, r)
}

func sessionOf(r *http.Request) *session.AuthSession {
	sess, _ := middleware.SessionFromContext(r.Context())
	return sess
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request, params LoginParams) (endpoint.Renderer, error) {
	returnTo := params.ReturnTo
	if returnTo == "" {
		returnTo = params.CallbackURL
	}
	authURL, err := h.flow.StartLogin(r.Context(), sessionOf(r), returnTo)
	if err != nil {
		return nil, toEndpointError(err)
	}
	return &endpoint.RedirectRenderer{URL: authURL, Status: http.StatusFound}, nil
}

func (h *AuthHandler) callback(w http.ResponseWriter, r *http.Request, params CallbackParams) (endpoint.Renderer, error) {
	save := func() error { return endpoint.Commit(r.Context(), w) }
	res, err := h.flow.HandleCallback(r.Context(), sessionOf(r), params, save)
	if err != nil {
		return nil, toEndpointError(err)
	}
	return &endpoint.RedirectRenderer{URL: res.ReturnTo, Status: http.StatusFound}, nil
}

func (h *AuthHandler) session(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess := sessionOf(r)
	if sess.State() == session.Authenticated && h.flow.CurrentIdentity(sess) == nil {
		if tokens, _ := sess.Tokens(); tokens.RefreshToken != "" {
			if err := h.flow.Refresh(r.Context(), sess); err != nil {
				h.logger.Info("session refresh failed", "code", ErrorCode(err))
			}
		}
	}
	id := h.flow.CurrentIdentity(sess)
	if id == nil {
		return nil, toEndpointError(ErrNotAuthenticated)
	}
	tokens, _ := sess.Tokens()
	return &endpoint.JSONRenderer{Value: SessionView{User: *id, ExpiresAt: tokens.ExpiresAt.UTC()}}, nil
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	target := h.flow.Logout(r.Context(), sessionOf(r))
	return &endpoint.RedirectRenderer{URL: target, Status: http.StatusFound}, nil
}

func (h *AuthHandler) status(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	view := StatusView{Status: "running"}
	if d, ok := h.flow.Provider().(Describer); ok {
		st := d.Describe()
		view.Provider = &st
	}
	return &endpoint.JSONRenderer{Value: view}, nil
}

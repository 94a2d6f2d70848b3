package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/healthmon/authgate/auth"
	"github.com/healthmon/authgate/config"
	"github.com/healthmon/authgate/endpoint"
	"github.com/healthmon/authgate/metrics"
	"github.com/healthmon/authgate/middleware"
	"github.com/healthmon/authgate/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

// Headers the upstream receives for the signed-in user. Client-supplied
// copies are always removed.
const (
	headerSubject = "X-Auth-Subject"
	headerEmail   = "X-Auth-Email"
)

// gateway wires configuration into the HTTP stack.
type gateway struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	client  *auth.OIDCClient
	flow    *auth.Flow
	auth    *auth.AuthHandler
	store   session.Store
	proxy   *endpoint.ProxyRenderer
	closers []func() error
}

func newGateway(ctx context.Context, cfg config.Config, logger *slog.Logger, reg *prometheus.Registry) (*gateway, error) {
	gw := &gateway{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.New(metrics.WithRegistry(reg)),
	}

	store, err := gw.newStore(ctx)
	if err != nil {
		gw.Close()
		return nil, err
	}
	gw.store = store

	gw.client, err = auth.NewOIDCClient(auth.OIDCConfig{
		Issuer:          cfg.Provider.Issuer,
		ClientID:        cfg.Provider.ClientID,
		ClientSecret:    cfg.Provider.ClientSecret,
		RedirectURL:     cfg.Provider.RedirectURL,
		Scopes:          cfg.Provider.Scopes,
		SkipIssuerCheck: cfg.Provider.SkipIssuerCheck,
		HTTPClient:      &http.Client{Timeout: cfg.Provider.Timeout},
		Logger:          logger,
		Metrics:         gw.metrics,
		TracerProvider:  otel.GetTracerProvider(),
	})
	if err != nil {
		gw.Close()
		return nil, err
	}
	// A discovery failure is not fatal: the client retries on first use.
	_ = gw.client.Init(ctx)

	gw.flow, err = auth.NewFlow(gw.client, auth.FlowConfig{
		ClientID:           cfg.Provider.ClientID,
		Issuer:             cfg.Provider.Issuer,
		LogoutURL:          cfg.Provider.LogoutURL,
		PostLogoutRedirect: cfg.Provider.PostLogoutRedirect,
		FlightTTL:          cfg.Session.FlightTTL,
		Timeout:            cfg.Provider.Timeout,
		Logger:             logger,
		Metrics:            gw.metrics,
	})
	if err != nil {
		gw.Close()
		return nil, err
	}

	gw.auth, err = auth.NewHandler(gw.flow, cfg.Server.BasePath, auth.WithLogger(logger))
	if err != nil {
		gw.Close()
		return nil, err
	}

	if cfg.Server.UpstreamURL != "" {
		gw.proxy, err = endpoint.NewProxyRenderer(cfg.Server.UpstreamURL, forwardIdentity)
		if err != nil {
			gw.Close()
			return nil, err
		}
	}
	return gw, nil
}

func (gw *gateway) newStore(ctx context.Context) (session.Store, error) {
	keys, err := gw.cfg.SessionKeys()
	if err != nil {
		return nil, err
	}
	ring, err := session.NewKeyring(gw.cfg.Session.KeyID, keys, nil)
	if err != nil {
		return nil, err
	}
	cookieOpts := []session.CookieOption{
		session.WithSecure(gw.cfg.Server.Production || strings.HasPrefix(gw.cfg.Server.PublicURL, "https://")),
	}
	if gw.cfg.Session.CookieDomain != "" {
		cookieOpts = append(cookieOpts, session.WithDomain(gw.cfg.Session.CookieDomain))
	}
	cookie, err := session.NewCookie(gw.cfg.Session.CookieName, ring, cookieOpts...)
	if err != nil {
		return nil, err
	}
	storeOpts := []session.Option{
		session.WithIdentityTTL(gw.cfg.Session.IdentityTTL),
		session.WithFlightTTL(gw.cfg.Session.FlightTTL),
	}

	switch gw.cfg.Session.Store {
	case config.StoreRedis:
		rc := gw.cfg.Session.Redis
		client, err := session.NewRedisClient(ctx, session.RedisConfig{
			Addr:     rc.Addr,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err != nil {
			return nil, err
		}
		gw.closers = append(gw.closers, client.Close)
		gw.logger.Info("session store", "backend", config.StoreRedis, "addr", rc.Addr)
		return session.NewRedisStore(client, cookie, rc.Prefix, storeOpts...)
	case config.StoreCookie:
		gw.logger.Info("session store", "backend", config.StoreCookie)
		return session.NewCookieStore(cookie, storeOpts...)
	default:
		return nil, fmt.Errorf("unknown session store %q", gw.cfg.Session.Store)
	}
}

// Handler returns the root HTTP handler.
func (gw *gateway) Handler() http.Handler {
	headers := []middleware.SecurityHeadersOption{}
	if gw.cfg.Server.TrustForwardedProto {
		headers = append(headers, middleware.WithTrustForwardedProto())
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(gw.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.NewSecurityHeaders(gw.cfg.Server.Production, headers...).Handler)

	r.Handle("/metrics", promhttp.HandlerFor(gw.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", endpoint.HandleFunc(gw.healthz))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Sessions(gw.store, gw.logger))
		r.Handle(gw.auth.BasePath()+"/*", gw.auth)

		r.With(middleware.Guard(middleware.GuardConfig{
			Protected: gw.cfg.Guard.Protected,
			Public:    append([]string{gw.auth.BasePath()}, gw.cfg.Guard.Public...),
			LoginPath: gw.auth.LoginPath(),
			Refresher: gw.flow,
			Logger:    gw.logger,
			Metrics:   gw.metrics,
		})).Handle("/*", gw.upstream())
	})
	return r
}

// pinger is implemented by stores backed by a remote service.
type pinger interface {
	Ping(ctx context.Context) error
}

func (gw *gateway) healthz(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if p, ok := gw.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return nil, endpoint.CodedError(http.StatusServiceUnavailable, "store_unavailable", "session store unavailable", err)
		}
	}
	return &endpoint.StringRenderer{Body: "ok\n"}, nil
}

// upstream proxies guarded traffic to the dashboard, or answers 404 when no
// upstream is configured.
func (gw *gateway) upstream() http.Handler {
	return endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		if gw.proxy == nil {
			return nil, endpoint.CodedError(http.StatusNotFound, "not_found", "not found", nil)
		}
		return gw.proxy, nil
	})
}

// forwardIdentity replaces the identity headers with the ones derived from
// the session.
func forwardIdentity(pr *httputil.ProxyRequest) {
	pr.Out.Header.Del(headerSubject)
	pr.Out.Header.Del(headerEmail)

	id, ok := middleware.IdentityFromContext(pr.In.Context())
	if !ok {
		sess, found := middleware.SessionFromContext(pr.In.Context())
		if !found {
			return
		}
		if id = sess.CurrentIdentity(time.Now()); id == nil {
			return
		}
	}
	pr.Out.Header.Set(headerSubject, id.Subject)
	if id.Email != "" {
		pr.Out.Header.Set(headerEmail, id.Email)
	}
}

// Close releases the store connections and drops the discovery cache.
func (gw *gateway) Close() {
	if gw.client != nil {
		gw.client.Close()
	}
	for _, fn := range gw.closers {
		if err := fn(); err != nil {
			gw.logger.Warn("close failed", "error", err)
		}
	}
	gw.closers = nil
}

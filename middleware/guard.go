package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/healthmon/authgate/endpoint"
	"github.com/healthmon/authgate/metrics"
	"github.com/healthmon/authgate/session"
)

// Refresher renews the tokens of an authenticated session whose access token
// has expired. On failure the session must be left anonymous.
type Refresher interface {
	Refresh(ctx context.Context, sess *session.AuthSession) error
}

// GuardConfig configures Guard.
type GuardConfig struct {
	// Protected lists path prefixes that require an authenticated session.
	Protected []string
	// Public lists path prefixes exempt from protection. A Public prefix
	// only wins over a Protected one when it is longer.
	Public []string
	// LoginPath is the login entry point, e.g. "/api/auth/login".
	LoginPath string
	// Refresher is optional. Without it expired sessions are redirected to
	// login.
	Refresher Refresher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Rules resolves path protection by longest prefix on segment boundaries:
// "/a/b" covers "/a/b" and "/a/b/c" but not "/a/bc".
type Rules struct {
	rules []rule
}

type rule struct {
	prefix    string
	protected bool
}

// NewRules builds Rules from protected and public prefixes.
func NewRules(protected, public []string) *Rules {
	rs := &Rules{}
	add := func(prefixes []string, protected bool) {
		for _, p := range prefixes {
			p = normalizePrefix(p)
			if p == "" {
				continue
			}
			rs.rules = append(rs.rules, rule{prefix: p, protected: protected})
		}
	}
	add(protected, true)
	add(public, false)
	// Longest first; on equal length the protected rule sorts first.
	sort.SliceStable(rs.rules, func(i, j int) bool {
		a, b := rs.rules[i], rs.rules[j]
		if len(a.prefix) != len(b.prefix) {
			return len(a.prefix) > len(b.prefix)
		}
		return a.protected && !b.protected
	})
	return rs
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Protected reports whether requestPath requires an authenticated session.
func (rs *Rules) Protected(requestPath string) bool {
	if rs == nil {
		return false
	}
	p := normalizePrefix(requestPath)
	if p == "" {
		p = "/"
	}
	for _, r := range rs.rules {
		if matchPrefix(r.prefix, p) {
			return r.protected
		}
	}
	return false
}

func matchPrefix(prefix, p string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// Guard gates protected paths. A request without a current identity is
// redirected to the login entry point with the requested path in return_to.
// An authenticated request continues with its identity on the context.
//
// Guard must run inside Sessions. Without a session on the context the
// request is denied.
func Guard(cfg GuardConfig) func(http.Handler) http.Handler {
	rules := NewRules(cfg.Protected, cfg.Public)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	loginPath := cfg.LoginPath
	if loginPath == "" {
		loginPath = "/api/auth/login"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rules.Protected(r.URL.Path) {
				cfg.Metrics.GuardDecision(metrics.DecisionPublic)
				next.ServeHTTP(w, r)
				return
			}

			sess, ok := SessionFromContext(r.Context())
			if !ok {
				cfg.Metrics.GuardDecision(metrics.DecisionDeny)
				logger.Error("guard without session middleware",
					"code", "session_unavailable",
					"request_id", RequestIDFromContext(r.Context()),
					"path", r.URL.Path,
				)
				endpoint.WriteError(w, endpoint.CodedError(http.StatusInternalServerError, "session_unavailable", "session unavailable", nil))
				return
			}

			decision := metrics.DecisionAllow
			id := sess.CurrentIdentity(now())
			if id == nil && cfg.Refresher != nil && refreshable(sess) {
				if err := cfg.Refresher.Refresh(r.Context(), sess); err != nil {
					logger.Info("session refresh failed",
						"request_id", RequestIDFromContext(r.Context()),
						"path", r.URL.Path,
						"error", err,
					)
				}
				id = sess.CurrentIdentity(now())
				decision = metrics.DecisionRefreshed
			}

			if id == nil {
				cfg.Metrics.GuardDecision(metrics.DecisionRedirect)
				status := http.StatusFound
				if r.Method != http.MethodGet && r.Method != http.MethodHead {
					status = http.StatusSeeOther
				}
				w.Header().Set("Cache-Control", "no-store")
				http.Redirect(w, r, loginURL(loginPath, r.URL), status)
				return
			}

			cfg.Metrics.GuardDecision(decision)
			noteSubject(r.Context(), id.Subject)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func refreshable(sess *session.AuthSession) bool {
	t, ok := sess.Tokens()
	return ok && t.RefreshToken != ""
}

func loginURL(loginPath string, requested *url.URL) string {
	v := url.Values{}
	v.Set("return_to", requested.RequestURI())
	return loginPath + "?" + v.Encode()
}

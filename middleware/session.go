package middleware

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/healthmon/authgate/endpoint"
	"github.com/healthmon/authgate/session"
)

// Sessions loads the AuthSession for each request and stores it on the
// request context. A corrupt or unavailable stored session is logged and
// replaced with an anonymous one; it never fails the request.
//
// The session is saved, if it changed, just before the response headers are
// written. Endpoint handlers share the same hook registry, so their own
// Defer hooks run in the same pass. A failed save clears the session cookies
// and, when committed by an endpoint handler, fails the request with a 500
// session_unavailable.
func Sessions(store session.Store, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := endpoint.WithHooks(r.Context())

			sess, err := store.Load(r)
			if err != nil {
				code := "session_unavailable"
				if errors.Is(err, session.ErrCorrupt) {
					code = "session_corrupt"
				}
				logger.Warn("session discarded",
					"code", code,
					"request_id", RequestIDFromContext(ctx),
					"path", r.URL.Path,
					"error", err,
				)
			}
			if sess == nil {
				sess = session.New()
			}

			r = r.WithContext(WithSession(ctx, sess))
			endpoint.Defer(ctx, func(w http.ResponseWriter) error {
				err := store.Save(w, r, sess)
				if err == nil {
					return nil
				}
				logger.Error("session save failed",
					"code", "session_unavailable",
					"request_id", RequestIDFromContext(ctx),
					"path", r.URL.Path,
					"error", err,
				)
				if derr := store.Destroy(w, r); derr != nil {
					logger.Warn("session destroy failed", "request_id", RequestIDFromContext(ctx), "error", derr)
				}
				return endpoint.CodedError(http.StatusInternalServerError, "session_unavailable", "session unavailable", err)
			})

			cw := &commitWriter{ResponseWriter: w, r: r}
			next.ServeHTTP(cw, r)
			cw.commit()
		})
	}
}

// commitWriter runs the deferred hooks of its request before the first
// header write. The status is already chosen by then, so hook errors are only
// logged by the hooks themselves.
type commitWriter struct {
	http.ResponseWriter
	r         *http.Request
	committed bool
}

func (c *commitWriter) commit() {
	if c.committed {
		return
	}
	c.committed = true
	_ = endpoint.Commit(c.r.Context(), c.ResponseWriter)
}

func (c *commitWriter) WriteHeader(status int) {
	c.commit()
	c.ResponseWriter.WriteHeader(status)
}

func (c *commitWriter) Write(b []byte) (int, error) {
	c.commit()
	return c.ResponseWriter.Write(b)
}

func (c *commitWriter) Flush() {
	c.commit()
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *commitWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := c.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

func (c *commitWriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}

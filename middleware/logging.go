package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// RequestID attaches a request ID for traceability and echoes it in the
// response. An incoming X-Request-Id header is reused when it is short and
// printable; otherwise chi generates one.
func RequestID(next http.Handler) http.Handler {
	echo := chimw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(chimw.RequestIDHeader, chimw.GetReqID(r.Context()))
		next.ServeHTTP(w, r)
	}))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validRequestID(r.Header.Get(chimw.RequestIDHeader)) {
			r.Header.Del(chimw.RequestIDHeader)
		}
		echo.ServeHTTP(w, r)
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// AccessLog emits one structured log line per request.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			ident := &identityNote{}
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), identityNoteKey{}, ident)))
			dur := time.Since(start)

			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", dur.Milliseconds(),
			}
			if ident.subject != "" {
				attrs = append(attrs, "user_sub", ident.subject)
			}
			logger.Info("http_request", attrs...)
		})
	}
}

// identityNote lets Guard report the authenticated subject back to
// AccessLog, which sits outside it.
type identityNote struct {
	subject string
}

type identityNoteKey struct{}

func noteSubject(ctx context.Context, sub string) {
	if n, ok := ctx.Value(identityNoteKey{}).(*identityNote); ok {
		n.subject = sub
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

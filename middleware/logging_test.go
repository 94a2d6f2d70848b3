package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/healthmon/authgate/session"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	h.ServeHTTP(rec, req)
	if seen != "abc-123" || rec.Header().Get("X-Request-ID") != "abc-123" {
		t.Fatalf("expected incoming id to be reused, got ctx=%q header=%q", seen, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "bad id\n")
	h.ServeHTTP(rec, req)
	if seen == "" || seen == "bad id\n" {
		t.Fatalf("expected generated id, got %q", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Fatalf("response header: got %q want %q", got, seen)
	}

	first := seen
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == first {
		t.Fatalf("expected a fresh id per request, got %q after %q", seen, first)
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	now := time.Now()
	sess := session.New()
	authenticate(t, sess, now.Add(time.Hour), "")

	inner := Guard(GuardConfig{Protected: []string{"/user"}, Now: func() time.Time { return now }})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
			w.WriteHeader(http.StatusOK) // ignored
		}))
	h := RequestID(AccessLog(logger)(inner))

	req := withSession(httptest.NewRequest(http.MethodGet, "/user/health", nil), sess)
	req.Header.Set("X-Request-ID", "req-7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "http_request" {
		t.Errorf("msg: got %v", entry["msg"])
	}
	if entry["request_id"] != "req-7" || entry["path"] != "/user/health" || entry["method"] != "GET" {
		t.Errorf("unexpected attrs: %v", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("status: got %v want %d", entry["status"], http.StatusTeapot)
	}
	if entry["user_sub"] != "user-1" {
		t.Errorf("user_sub: got %v", entry["user_sub"])
	}
	if strings.Contains(buf.String(), "AT1") {
		t.Errorf("access token leaked into logs")
	}
}

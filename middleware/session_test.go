package middleware

import (
	"bytes"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/healthmon/authgate/endpoint"
	"github.com/healthmon/authgate/session"
)

func newTestStore(t *testing.T) session.Store {
	t.Helper()
	key := make([]byte, session.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	ring, err := session.NewKeyring("k1", map[string][]byte{"k1": key}, nil)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	c, err := session.NewCookie(session.DefaultCookieName, ring, session.WithSecure(false))
	if err != nil {
		t.Fatalf("NewCookie: %v", err)
	}
	store, err := session.NewCookieStore(c)
	if err != nil {
		t.Fatalf("NewCookieStore: %v", err)
	}
	return store
}

func authenticate(t *testing.T, sess *session.AuthSession, expires time.Time, refresh string) {
	t.Helper()
	err := sess.Authenticate(
		session.Identity{Subject: "user-1", Email: "pat@example.com"},
		session.Tokens{AccessToken: "AT1", IDToken: "IT1", RefreshToken: refresh, ExpiresAt: expires},
	)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

// replay returns a request carrying the session cookie set on rec.
func replay(rec *httptest.ResponseRecorder, target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 {
			req.AddCookie(c)
		}
	}
	return req
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.DefaultCookieName {
			return c
		}
	}
	return nil
}

func TestSessions_AttachesAnonymousSession(t *testing.T) {
	var got *session.AuthSession
	h := Sessions(newTestStore(t), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = SessionFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got == nil || got.State() != session.Anonymous {
		t.Fatalf("expected anonymous session on context, got %v", got)
	}
	if c := sessionCookie(rec); c != nil {
		t.Fatalf("unchanged session must not set a cookie, got %v", c)
	}
}

func TestSessions_SavesBeforeFirstByte(t *testing.T) {
	store := newTestStore(t)
	h := Sessions(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := SessionFromContext(r.Context())
		authenticate(t, sess, time.Now().Add(time.Hour), "")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusAccepted)
	}
	if sessionCookie(rec) == nil {
		t.Fatalf("expected session cookie")
	}

	var id *session.Identity
	h2 := Sessions(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := SessionFromContext(r.Context())
		id = sess.CurrentIdentity(time.Now())
	}))
	h2.ServeHTTP(httptest.NewRecorder(), replay(rec, "/"))
	if id == nil || id.Subject != "user-1" {
		t.Fatalf("identity after round trip: got %+v", id)
	}
}

func TestSessions_SavesWhenHandlerWritesNothing(t *testing.T) {
	h := Sessions(newTestStore(t), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := SessionFromContext(r.Context())
		authenticate(t, sess, time.Now().Add(time.Hour), "")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if sessionCookie(rec) == nil {
		t.Fatalf("expected session cookie")
	}
}

func TestSessions_SharesHooksWithEndpoint(t *testing.T) {
	h := Sessions(newTestStore(t), nil)(endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := SessionFromContext(r.Context())
		authenticate(t, sess, time.Now().Add(time.Hour), "")
		return &endpoint.RedirectRenderer{URL: "/user/health"}, nil
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusFound)
	}
	if sessionCookie(rec) == nil {
		t.Fatalf("expected session cookie on redirect")
	}
}

// failingStore loads like its embedded store but never saves.
type failingStore struct {
	session.Store
	destroyed bool
}

func (f *failingStore) Save(http.ResponseWriter, *http.Request, *session.AuthSession) error {
	return errors.New("redis: connection refused")
}

func (f *failingStore) Destroy(w http.ResponseWriter, r *http.Request) error {
	f.destroyed = true
	return f.Store.Destroy(w, r)
}

func TestSessions_SaveFailureFailsEndpoint(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	store := &failingStore{Store: newTestStore(t)}

	h := Sessions(store, logger)(endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := SessionFromContext(r.Context())
		authenticate(t, sess, time.Now().Add(time.Hour), "")
		return &endpoint.RedirectRenderer{URL: "/user/health"}, nil
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/callback", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusInternalServerError)
	}
	if rec.Header().Get("Location") != "" {
		t.Fatalf("failed save must not redirect, got Location %q", rec.Header().Get("Location"))
	}
	if !strings.Contains(rec.Body.String(), `"error":"session_unavailable"`) {
		t.Fatalf("body: got %q", rec.Body.String())
	}
	if !store.destroyed {
		t.Fatalf("expected the stale session to be destroyed")
	}
	if c := sessionCookie(rec); c == nil || c.MaxAge != -1 {
		t.Fatalf("expected cleared cookie, got %v", c)
	}
	if !strings.Contains(buf.String(), "session save failed") {
		t.Fatalf("expected save failure log, got %s", buf.String())
	}
}

func TestSessions_CorruptCookieIsLoggedAndCleared(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var state session.State = -1
	h := Sessions(newTestStore(t), logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := SessionFromContext(r.Context())
		state = sess.State()
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: session.DefaultCookieName, Value: "k1.bm90LXNlYWxlZA"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("corrupt session must not fail the request, got %d", rec.Code)
	}
	if state != session.Anonymous {
		t.Fatalf("state: got %v want %v", state, session.Anonymous)
	}
	if c := sessionCookie(rec); c == nil || c.MaxAge != -1 {
		t.Fatalf("expected cleared cookie, got %v", c)
	}
	if !strings.Contains(buf.String(), `"code":"session_corrupt"`) {
		t.Fatalf("expected session_corrupt log, got %s", buf.String())
	}
}

func TestSessionContext_Accessors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := SessionFromContext(req.Context()); ok {
		t.Fatalf("expected no session")
	}
	if _, ok := IdentityFromContext(req.Context()); ok {
		t.Fatalf("expected no identity")
	}
	sess := session.New()
	ctx := WithSession(req.Context(), sess)
	if got, ok := SessionFromContext(ctx); !ok || got != sess {
		t.Fatalf("SessionFromContext: got %v, %v", got, ok)
	}
	ctx = WithIdentity(ctx, &session.Identity{Subject: "s"})
	if got, ok := IdentityFromContext(ctx); !ok || got.Subject != "s" {
		t.Fatalf("IdentityFromContext: got %v, %v", got, ok)
	}
}

package session

import (
	"errors"
	"fmt"
	"net/http"
)

// CookieStore keeps the whole session in sealed browser cookies. Nothing is
// stored server side. A session with large provider tokens spans several
// numbered cookies, each within the browser limit.
type CookieStore struct {
	cookie *Cookie
	opts   options
}

// NewCookieStore returns a store that seals sessions into cookie.
func NewCookieStore(cookie *Cookie, opts ...Option) (*CookieStore, error) {
	if cookie == nil {
		return nil, ErrCookieConfig
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &CookieStore{cookie: cookie, opts: o}, nil
}

// Load implements Store.
func (cs *CookieStore) Load(r *http.Request) (*AuthSession, error) {
	var rec record
	err := cs.cookie.DecodeChunks(r, &rec)
	if errors.Is(err, http.ErrNoCookie) {
		return New(), nil
	}
	if err != nil {
		return discarded(), fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	s, err := cs.opts.fromRecord(rec)
	if err != nil {
		return discarded(), err
	}
	if s == nil {
		return discarded(), nil
	}
	return s, nil
}

// Save implements Store. Clean sessions are not rewritten.
func (cs *CookieStore) Save(w http.ResponseWriter, r *http.Request, s *AuthSession) error {
	if s == nil {
		return ErrNilSession
	}
	if !s.dirty {
		return nil
	}
	if s.State() == Anonymous {
		cs.clear(w, r)
		saved(s)
		return nil
	}
	rec, ttl := cs.opts.toRecord(s)
	if ttl <= 0 {
		cs.clear(w, r)
		saved(s)
		return nil
	}
	cookies, err := cs.cookie.EncodeChunks(r, rec, ttl)
	if err != nil {
		return fmt.Errorf("session: encode cookie: %w", err)
	}
	for _, hc := range cookies {
		http.SetCookie(w, hc)
	}
	saved(s)
	return nil
}

func (cs *CookieStore) clear(w http.ResponseWriter, r *http.Request) {
	for _, hc := range cs.cookie.ClearChunks(r) {
		http.SetCookie(w, hc)
	}
}

// Destroy implements Store.
func (cs *CookieStore) Destroy(w http.ResponseWriter, r *http.Request) error {
	cs.clear(w, r)
	return nil
}

var _ Store = (*CookieStore)(nil)

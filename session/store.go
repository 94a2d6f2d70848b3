package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrCorrupt reports a stored session that failed authentication or could not
// be parsed. Stores return it alongside a usable anonymous session; it is for
// logging, never for failing the request.
var ErrCorrupt = errors.New("session: corrupt")

const (
	// DefaultIdentityTTL bounds an authenticated session.
	DefaultIdentityTTL = 24 * time.Hour
	// DefaultFlightTTL bounds a session holding only flight parameters.
	DefaultFlightTTL = 10 * time.Minute
	// DefaultCookieName is the session cookie name.
	DefaultCookieName = "hm_session"
)

// Store loads and persists AuthSessions for a request.
//
// Load always returns a usable session. A tampered, unparsable or expired
// session comes back anonymous; tampering and parse failures additionally
// return an error wrapping ErrCorrupt.
//
// Save writes the whole session in one operation, so concurrent requests for
// one session resolve last-write-wins without mixing fields.
type Store interface {
	Load(r *http.Request) (*AuthSession, error)
	Save(w http.ResponseWriter, r *http.Request, s *AuthSession) error
	Destroy(w http.ResponseWriter, r *http.Request) error
}

// Option configures a Store.
type Option func(*options)

type options struct {
	identityTTL time.Duration
	flightTTL   time.Duration
	now         func() time.Time
}

func defaultOptions() options {
	return options{
		identityTTL: DefaultIdentityTTL,
		flightTTL:   DefaultFlightTTL,
		now:         time.Now,
	}
}

// WithIdentityTTL sets the lifetime of an authenticated session.
func WithIdentityTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.identityTTL = d
		}
	}
}

// WithFlightTTL sets the lifetime of a session while a login is in flight.
func WithFlightTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flightTTL = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// record is the persisted form of an AuthSession.
type record struct {
	ID       string    `cbor:"1,keyasint"`
	Flight   *Flight   `cbor:"2,keyasint,omitempty"`
	Identity *Identity `cbor:"3,keyasint,omitempty"`
	Tokens   *Tokens   `cbor:"4,keyasint,omitempty"`
	Expires  time.Time `cbor:"5,keyasint"`
}

// ttl returns the lifetime for a session in state st.
func (o options) ttl(st State) time.Duration {
	if st == LoginInitiated {
		return o.flightTTL
	}
	return o.identityTTL
}

// toRecord stamps the session lifetime if its state changed and returns the
// record and the time it has left to live.
func (o options) toRecord(s *AuthSession) (record, time.Duration) {
	now := o.now()
	remaining := s.expires.Sub(now)
	if s.restamp || s.expires.IsZero() {
		remaining = o.ttl(s.State())
		s.expires = now.Add(remaining)
	}
	return record{
		ID:       s.id,
		Flight:   s.flight,
		Identity: s.identity,
		Tokens:   s.tokens,
		Expires:  s.expires,
	}, remaining
}

// fromRecord rebuilds a session from rec. An expired record yields an
// anonymous session and no error.
func (o options) fromRecord(rec record) (*AuthSession, error) {
	switch {
	case rec.ID == "":
		return nil, fmt.Errorf("%w: missing id", ErrCorrupt)
	case rec.Flight != nil && (rec.Identity != nil || rec.Tokens != nil):
		return nil, fmt.Errorf("%w: flight and identity both present", ErrCorrupt)
	case (rec.Identity == nil) != (rec.Tokens == nil):
		return nil, fmt.Errorf("%w: identity without tokens", ErrCorrupt)
	case rec.Flight == nil && rec.Identity == nil:
		return nil, fmt.Errorf("%w: empty record", ErrCorrupt)
	}
	if rec.Expires.IsZero() || !o.now().Before(rec.Expires) {
		return nil, nil
	}
	return &AuthSession{
		id:       rec.ID,
		flight:   rec.Flight,
		identity: rec.Identity,
		tokens:   rec.Tokens,
		expires:  rec.Expires,
		loadedID: rec.ID,
	}, nil
}

// discarded returns the anonymous session handed out in place of a stored
// one that could not be used. It is dirty so the next save removes the
// stale artifact.
func discarded() *AuthSession {
	return &AuthSession{dirty: true}
}

// saved marks s as persisted.
func saved(s *AuthSession) {
	s.dirty = false
	s.restamp = false
	s.loadedID = s.id
}

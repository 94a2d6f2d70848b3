// Package session holds the per-browser authentication state and persists it.
//
// An AuthSession is always in exactly one of three states. Flight parameters
// (the values generated when a login starts) and an established identity are
// never held at the same time: the transition methods below are the only way
// to change either, and each one clears the other.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// State is the position of a session in the login state machine.
type State int

const (
	Anonymous State = iota
	LoginInitiated
	Authenticated
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case LoginInitiated:
		return "login_initiated"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// idBytes is the number of random bytes in a session id. 16 bytes encode to
// 22 characters of raw URL base64.
const idBytes = 16

var ErrNilSession = errors.New("session: nil session")

// Flight holds the values generated for one login attempt. They are valid for
// a single callback.
type Flight struct {
	// AttemptID correlates log lines for one attempt. It is never sent to the
	// provider.
	AttemptID    string    `cbor:"1,keyasint"`
	State        string    `cbor:"2,keyasint"`
	Nonce        string    `cbor:"3,keyasint"`
	CodeVerifier string    `cbor:"4,keyasint"`
	ReturnTo     string    `cbor:"5,keyasint,omitempty"`
	ExpiresAt    time.Time `cbor:"6,keyasint"`
}

// Expired reports whether the flight parameters may no longer be used.
func (f Flight) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && !now.Before(f.ExpiresAt)
}

// Identity is the authenticated user as reported by the provider.
type Identity struct {
	Subject  string `json:"sub" cbor:"1,keyasint"`
	Email    string `json:"email,omitempty" cbor:"2,keyasint,omitempty"`
	Name     string `json:"name,omitempty" cbor:"3,keyasint,omitempty"`
	Username string `json:"username,omitempty" cbor:"4,keyasint,omitempty"`
	// Claims is the provider's userinfo document as received.
	Claims json.RawMessage `json:"claims,omitempty" cbor:"5,keyasint,omitempty"`
}

// Tokens are the provider tokens backing an identity.
type Tokens struct {
	AccessToken  string    `cbor:"1,keyasint"`
	IDToken      string    `cbor:"2,keyasint,omitempty"`
	RefreshToken string    `cbor:"3,keyasint,omitempty"`
	ExpiresAt    time.Time `cbor:"4,keyasint"`
}

// Expired reports whether the access token lifetime has passed at now.
func (t Tokens) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// AuthSession is request-scoped authentication state. The zero value is not
// usable; call New or load one from a Store.
type AuthSession struct {
	id       string
	flight   *Flight
	identity *Identity
	tokens   *Tokens

	// expires is the absolute lifetime of the stored session. It is
	// restamped by the store whenever the state changes.
	expires time.Time
	restamp bool

	// loadedID is the id the session was read under, so a store can drop
	// the old record when the id rotates.
	loadedID string
	dirty    bool
}

// New returns an empty anonymous session.
func New() *AuthSession {
	return &AuthSession{}
}

func newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ID returns the session id, or "" for a session that was never persisted.
func (s *AuthSession) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// State derives the state from which fields are present.
func (s *AuthSession) State() State {
	switch {
	case s == nil:
		return Anonymous
	case s.flight != nil:
		return LoginInitiated
	case s.identity != nil && s.tokens != nil:
		return Authenticated
	default:
		return Anonymous
	}
}

// Dirty reports whether the session changed since it was loaded or saved.
func (s *AuthSession) Dirty() bool {
	return s != nil && s.dirty
}

// Flight returns a copy of the in-flight login parameters.
func (s *AuthSession) Flight() (Flight, bool) {
	if s == nil || s.flight == nil {
		return Flight{}, false
	}
	return *s.flight, true
}

// Identity returns the stored identity regardless of token expiry.
func (s *AuthSession) Identity() (Identity, bool) {
	if s == nil || s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// Tokens returns the stored provider tokens.
func (s *AuthSession) Tokens() (Tokens, bool) {
	if s == nil || s.tokens == nil {
		return Tokens{}, false
	}
	return *s.tokens, true
}

// CurrentIdentity returns the identity only while the session is
// authenticated and the token lifetime has not passed.
func (s *AuthSession) CurrentIdentity(now time.Time) *Identity {
	if s.State() != Authenticated || s.tokens.Expired(now) {
		return nil
	}
	id := *s.identity
	return &id
}

// BeginLogin stores fresh flight parameters, replacing any previous attempt.
// An existing identity is dropped at the same moment.
func (s *AuthSession) BeginLogin(f Flight) error {
	if s == nil {
		return ErrNilSession
	}
	if s.id == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		s.id = id
	}
	s.flight = &f
	s.identity = nil
	s.tokens = nil
	s.touch()
	return nil
}

// ConsumeFlight removes and returns the flight parameters. The session is
// anonymous afterwards, so the same parameters can never be used twice.
func (s *AuthSession) ConsumeFlight() (Flight, bool) {
	if s == nil || s.flight == nil {
		return Flight{}, false
	}
	f := *s.flight
	s.flight = nil
	s.touch()
	return f, true
}

// Authenticate stores identity and tokens under a new session id.
func (s *AuthSession) Authenticate(identity Identity, tokens Tokens) error {
	if s == nil {
		return ErrNilSession
	}
	id, err := newID()
	if err != nil {
		return err
	}
	s.id = id
	s.flight = nil
	s.identity = &identity
	s.tokens = &tokens
	s.touch()
	return nil
}

// UpdateTokens replaces the tokens of an authenticated session, as after a
// refresh. The id and lifetime are kept.
func (s *AuthSession) UpdateTokens(tokens Tokens) error {
	if s.State() != Authenticated {
		return errors.New("session: not authenticated")
	}
	s.tokens = &tokens
	s.dirty = true
	return nil
}

// Reset clears all fields.
func (s *AuthSession) Reset() {
	if s == nil {
		return
	}
	if s.id == "" && s.flight == nil && s.identity == nil && s.tokens == nil {
		return
	}
	s.id = ""
	s.flight = nil
	s.identity = nil
	s.tokens = nil
	s.expires = time.Time{}
	s.touch()
}

func (s *AuthSession) touch() {
	s.dirty = true
	s.restamp = true
}

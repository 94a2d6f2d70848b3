package session

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("session: invalid cookie format")
	ErrCookieInvalid = errors.New("session: cookie failed authentication")
	ErrCookieConfig  = errors.New("session: invalid cookie configuration")
)

const (
	// maxCookieLen is the browser limit on one cookie. Values longer than a
	// chunk are split across numbered cookies name.0, name.1, ...
	maxCookieLen = 4096
	// cookieAttrReserve is left for the attributes on the Set-Cookie line.
	cookieAttrReserve = 160
	// maxChunks bounds how many cookies one value may span.
	maxChunks = 6
	// maxSealedLen bounds how much attacker-supplied data is opened.
	maxSealedLen = maxChunks * maxCookieLen
)

// KeySize is the key length expected by the default AEAD.
const KeySize = chacha20poly1305.KeySize

// Keyring seals values with the current key and opens values sealed with any
// key it holds, which is how keys are rotated.
//
// Sealed format: keyID "." base64url(nonce || ciphertext)
type Keyring struct {
	current string
	aeads   map[string]cipher.AEAD
}

// NewKeyring builds a Keyring. newAEAD may be nil, in which case
// XChaCha20-Poly1305 is used.
func NewKeyring(currentID string, keys map[string][]byte, newAEAD func([]byte) (cipher.AEAD, error)) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrCookieConfig)
	}
	if _, ok := keys[currentID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, currentID)
	}
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	kr := &Keyring{current: currentID, aeads: make(map[string]cipher.AEAD, len(keys))}
	for id, k := range keys {
		if id == "" || strings.Contains(id, ".") {
			return nil, fmt.Errorf("%w: bad key id %q", ErrCookieConfig, id)
		}
		aead, err := newAEAD(k)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrCookieConfig, id, err)
		}
		kr.aeads[id] = aead
	}
	return kr, nil
}

// Seal encrypts plain. aad binds the value to the context it was issued for.
func (kr *Keyring) Seal(plain, aad []byte) (string, error) {
	if kr == nil {
		return "", ErrCookieConfig
	}
	aead := kr.aeads[kr.current]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return kr.current + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Any failure to authenticate is ErrCookieInvalid.
func (kr *Keyring) Open(value string, aad []byte) ([]byte, error) {
	if kr == nil {
		return nil, ErrCookieConfig
	}
	if value == "" || len(value) > maxSealedLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	aead, ok := kr.aeads[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// Cookie is a named cookie whose value is a sealed, CBOR-encoded struct.
type Cookie struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite

	ring      *Keyring
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
}

// CookieOption configures a Cookie.
type CookieOption func(*Cookie)

// WithPath sets the cookie path. Defaults to "/".
func WithPath(path string) CookieOption {
	return func(c *Cookie) { c.path = path }
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) CookieOption {
	return func(c *Cookie) { c.domain = domain }
}

// WithSecure sets the Secure attribute. Defaults to true; only local
// development over plain http should turn it off.
func WithSecure(secure bool) CookieOption {
	return func(c *Cookie) { c.secure = secure }
}

// WithSameSite sets the SameSite attribute. Defaults to Lax, which the
// provider redirect back to the callback needs.
func WithSameSite(s http.SameSite) CookieOption {
	return func(c *Cookie) { c.sameSite = s }
}

// NewCookie returns a Cookie sealed with ring.
func NewCookie(name string, ring *Keyring, opts ...CookieOption) (*Cookie, error) {
	if name == "" || ring == nil {
		return nil, ErrCookieConfig
	}
	c := &Cookie{
		name:      name,
		path:      "/",
		secure:    true,
		sameSite:  http.SameSiteLaxMode,
		ring:      ring,
		marshal:   cbor.Marshal,
		unmarshal: cbor.Unmarshal,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.path == "" {
		c.path = "/"
	}
	return c, nil
}

// Name returns the cookie name.
func (c *Cookie) Name() string { return c.name }

// aad binds name, domain, path and the secure flag to the sealed value, so a
// value lifted from one cookie does not open as another.
func (c *Cookie) aad() []byte {
	secure := "f"
	if c.secure {
		secure = "t"
	}
	return []byte(c.name + ":" + c.domain + ":" + c.path + ":" + secure)
}

// chunkName returns the name of the i-th chunk cookie.
func (c *Cookie) chunkName(i int) string {
	return c.name + "." + strconv.Itoa(i)
}

// chunkSize is the longest value one cookie can carry.
func (c *Cookie) chunkSize() int {
	return maxCookieLen - cookieAttrReserve - len(c.chunkName(maxChunks-1)) - 1
}

func (c *Cookie) seal(v any) (string, error) {
	plain, err := c.marshal(v)
	if err != nil {
		return "", err
	}
	return c.ring.Seal(plain, c.aad())
}

func (c *Cookie) issue(name, value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     c.path,
		Domain:   c.domain,
		MaxAge:   int(maxAge / time.Second),
		Expires:  time.Now().Add(maxAge),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	}
}

func (c *Cookie) expire(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     c.path,
		Domain:   c.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	}
}

// Encode seals v into a single cookie living for maxAge. A value that does
// not fit one cookie is an error; use EncodeChunks for large values.
func (c *Cookie) Encode(v any, maxAge time.Duration) (*http.Cookie, error) {
	if maxAge < time.Second {
		return nil, fmt.Errorf("%w: non-positive max age", ErrCookieConfig)
	}
	val, err := c.seal(v)
	if err != nil {
		return nil, err
	}
	if len(val) > c.chunkSize() {
		return nil, fmt.Errorf("%w: value too large", ErrCookieConfig)
	}
	return c.issue(c.name, val, maxAge), nil
}

// EncodeChunks seals v and returns the cookies to set. A value that fits one
// cookie keeps the plain name; a longer one is split into name.0, name.1, ...
// Cookies present on r that the new value no longer uses are expired.
func (c *Cookie) EncodeChunks(r *http.Request, v any, maxAge time.Duration) ([]*http.Cookie, error) {
	if maxAge < time.Second {
		return nil, fmt.Errorf("%w: non-positive max age", ErrCookieConfig)
	}
	val, err := c.seal(v)
	if err != nil {
		return nil, err
	}
	size := c.chunkSize()
	n := (len(val) + size - 1) / size
	if n > maxChunks {
		return nil, fmt.Errorf("%w: value too large (%d bytes)", ErrCookieConfig, len(val))
	}

	if n == 1 {
		out := []*http.Cookie{c.issue(c.name, val, maxAge)}
		return append(out, c.staleChunks(r, 0)...), nil
	}
	out := make([]*http.Cookie, 0, n+1)
	for i := 0; i < n; i++ {
		end := min((i+1)*size, len(val))
		out = append(out, c.issue(c.chunkName(i), val[i*size:end], maxAge))
	}
	if present(r, c.name) {
		out = append(out, c.expire(c.name))
	}
	return append(out, c.staleChunks(r, n)...), nil
}

// staleChunks expires the chunk cookies on r numbered from onward.
func (c *Cookie) staleChunks(r *http.Request, from int) []*http.Cookie {
	var out []*http.Cookie
	for i := from; i < maxChunks; i++ {
		if present(r, c.chunkName(i)) {
			out = append(out, c.expire(c.chunkName(i)))
		}
	}
	return out
}

func present(r *http.Request, name string) bool {
	if r == nil {
		return false
	}
	_, err := r.Cookie(name)
	return err == nil
}

// Decode opens hc and unmarshals it into v.
func (c *Cookie) Decode(hc *http.Cookie, v any) error {
	if hc == nil {
		return ErrCookieFormat
	}
	return c.open(hc.Value, v)
}

// DecodeChunks reassembles the value written by EncodeChunks from r and
// unmarshals it into v. Without any of its cookies it returns
// http.ErrNoCookie.
func (c *Cookie) DecodeChunks(r *http.Request, v any) error {
	if hc, err := r.Cookie(c.name); err == nil {
		return c.open(hc.Value, v)
	}
	var b strings.Builder
	for i := 0; i < maxChunks; i++ {
		hc, err := r.Cookie(c.chunkName(i))
		if err != nil {
			break
		}
		if b.Len()+len(hc.Value) > maxSealedLen {
			return ErrCookieFormat
		}
		b.WriteString(hc.Value)
	}
	if b.Len() == 0 {
		return http.ErrNoCookie
	}
	return c.open(b.String(), v)
}

func (c *Cookie) open(value string, v any) error {
	plain, err := c.ring.Open(value, c.aad())
	if err != nil {
		return err
	}
	if err := c.unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCookieFormat, err)
	}
	return nil
}

// Clear returns a cookie that deletes this cookie in the browser.
func (c *Cookie) Clear() *http.Cookie {
	return c.expire(c.name)
}

// ClearChunks returns the cookies that delete this cookie and every chunk of
// it present on r.
func (c *Cookie) ClearChunks(r *http.Request) []*http.Cookie {
	return append([]*http.Cookie{c.Clear()}, c.staleChunks(r, 0)...)
}

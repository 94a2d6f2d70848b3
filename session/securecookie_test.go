package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return k
}

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	kr, err := NewKeyring("k1", map[string][]byte{"k1": randomKey(t)}, nil)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return kr
}

type payload struct {
	Msg string `cbor:"1,keyasint"`
	Num int    `cbor:"2,keyasint"`
}

func TestNewKeyring_Errors(t *testing.T) {
	key := randomKey(t)
	tests := []struct {
		name    string
		current string
		keys    map[string][]byte
	}{
		{"no keys", "k1", nil},
		{"missing current", "k2", map[string][]byte{"k1": key}},
		{"short key", "k1", map[string][]byte{"k1": key[:5]}},
		{"dotted id", "k.1", map[string][]byte{"k.1": key}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewKeyring(tt.current, tt.keys, nil); !errors.Is(err, ErrCookieConfig) {
				t.Fatalf("got %v want ErrCookieConfig", err)
			}
		})
	}
}

func TestCookie_RoundTrip(t *testing.T) {
	c, err := NewCookie("sc", testKeyring(t),
		WithPath("/"), WithDomain("example.com"), WithSecure(false), WithSameSite(http.SameSiteStrictMode))
	if err != nil {
		t.Fatalf("NewCookie: %v", err)
	}

	want := payload{Msg: "hello", Num: 7}
	hc, err := c.Encode(want, time.Hour)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if hc.Name != "sc" || hc.Domain != "example.com" || hc.Path != "/" {
		t.Fatalf("cookie attributes: got %+v", hc)
	}
	if !hc.HttpOnly {
		t.Fatalf("cookie HttpOnly: got false want true")
	}
	if hc.Secure {
		t.Fatalf("cookie Secure: got true want false")
	}
	if hc.SameSite != http.SameSiteStrictMode {
		t.Fatalf("cookie SameSite: got %v want %v", hc.SameSite, http.SameSiteStrictMode)
	}
	if hc.MaxAge != 3600 {
		t.Fatalf("cookie MaxAge: got %d want 3600", hc.MaxAge)
	}
	if !strings.HasPrefix(hc.Value, "k1.") {
		t.Fatalf("cookie value: got %q want prefix %q", hc.Value, "k1.")
	}

	var got payload
	if err := c.Decode(hc, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("payload: got %+v want %+v", got, want)
	}
}

func TestCookie_Defaults(t *testing.T) {
	c, err := NewCookie("sc", testKeyring(t))
	if err != nil {
		t.Fatal(err)
	}
	hc, err := c.Encode(payload{}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !hc.Secure || hc.SameSite != http.SameSiteLaxMode || hc.Path != "/" {
		t.Fatalf("defaults: got secure=%v samesite=%v path=%q", hc.Secure, hc.SameSite, hc.Path)
	}
}

func TestCookie_EncodeRejectsNonPositiveMaxAge(t *testing.T) {
	c, _ := NewCookie("sc", testKeyring(t))
	if _, err := c.Encode(payload{}, 0); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("got %v want ErrCookieConfig", err)
	}
}

func TestCookie_DecodeRejectsTampering(t *testing.T) {
	c, _ := NewCookie("sc", testKeyring(t))
	hc, err := c.Encode(payload{Msg: "x"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	b := []byte(hc.Value)
	i := len(b) - 3
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	tampered := *hc
	tampered.Value = string(b)

	var got payload
	if err := c.Decode(&tampered, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("tampered value: got %v want ErrCookieInvalid", err)
	}
}

func TestCookie_DecodeBindsContext(t *testing.T) {
	kr := testKeyring(t)
	a, _ := NewCookie("a", kr)
	b, _ := NewCookie("b", kr)
	hc, err := a.Encode(payload{Msg: "x"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	var got payload
	if err := b.Decode(hc, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("value from another cookie: got %v want ErrCookieInvalid", err)
	}

	insecure, _ := NewCookie("a", kr, WithSecure(false))
	if err := insecure.Decode(hc, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("value with another secure flag: got %v want ErrCookieInvalid", err)
	}
}

func TestCookie_DecodeMalformed(t *testing.T) {
	c, _ := NewCookie("sc", testKeyring(t))
	for _, v := range []string{"", "nodot", ".abc", "k1.", "k1.!!!", "k1.AAAA", strings.Repeat("a", maxSealedLen+1)} {
		var got payload
		err := c.Decode(&http.Cookie{Name: "sc", Value: v}, &got)
		if !errors.Is(err, ErrCookieFormat) {
			t.Fatalf("value %.20q: got %v want ErrCookieFormat", v, err)
		}
	}
	var got payload
	if err := c.Decode(&http.Cookie{Name: "sc", Value: "zz.AAAA"}, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("unknown key id: got %v want ErrCookieInvalid", err)
	}
}

func TestKeyring_Rotation(t *testing.T) {
	oldKey, newKey := randomKey(t), randomKey(t)
	before, err := NewKeyring("old", map[string][]byte{"old": oldKey}, nil)
	if err != nil {
		t.Fatal(err)
	}
	after, err := NewKeyring("new", map[string][]byte{"old": oldKey, "new": newKey}, nil)
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := before.Seal([]byte("hello"), []byte("aad"))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := after.Open(sealed, []byte("aad"))
	if err != nil {
		t.Fatalf("Open with rotated keyring: %v", err)
	}
	if string(plain) != "hello" {
		t.Fatalf("plain: got %q want %q", plain, "hello")
	}

	resealed, _ := after.Seal(plain, []byte("aad"))
	if !strings.HasPrefix(resealed, "new.") {
		t.Fatalf("Seal should use the current key, got %q", resealed)
	}
}

func TestKeyring_CustomAEAD(t *testing.T) {
	kr, err := NewKeyring("g", map[string][]byte{"g": randomKey(t)}, newAESGCM)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	sealed, err := kr.Seal([]byte("x"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := kr.Open(sealed, nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

func TestCookie_Clear(t *testing.T) {
	c, _ := NewCookie("sc", testKeyring(t), WithPath("/app"), WithDomain("example.com"))
	hc := c.Clear()
	if hc.MaxAge != -1 || hc.Value != "" {
		t.Fatalf("Clear: got MaxAge=%d Value=%q", hc.MaxAge, hc.Value)
	}
	if hc.Path != "/app" || hc.Domain != "example.com" {
		t.Fatalf("Clear must match path and domain, got %+v", hc)
	}
}

package token

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func sign(t *testing.T, c *Claims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(testKey)
	require.NoError(t, err)
	return raw
}

func TestDecode(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	raw := sign(t, &Claims{
		Email:    "pat@example.com",
		Name:     "Pat",
		TokenUse: "id",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "https://issuer.example.com",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})

	c, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "user-1", c.Subject)
	require.Equal(t, "pat@example.com", c.Email)
	require.Equal(t, "Pat", c.Name)
	require.Equal(t, "id", c.TokenUse)
	require.True(t, c.Expiry().Equal(exp))
}

func TestDecode_UnknownAlgStillDecodes(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"XX99","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"abc"}`))
	c, err := Decode(header + "." + payload + ".sig")
	require.NoError(t, err)
	require.Equal(t, "abc", c.Subject)
}

func TestDecode_Malformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"IT1",
		"a.b",
		"a.b.c.d",
		"!!!.@@@.###",
		base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256"}`)) + ".bm90LWpzb24.x",
	} {
		_, err := Decode(raw)
		require.ErrorIs(t, err, ErrMalformed, "raw=%q", raw)
	}
}

func TestValidate_Expiry(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	raw := sign(t, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}})

	_, err := Validate(raw, now)
	require.NoError(t, err)

	_, err = Validate(raw, now.Add(time.Hour))
	require.ErrorIs(t, err, ErrExpired, "exp is exclusive")

	_, err = Validate(raw, now.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrExpired)
}

func TestValidate_NotBefore(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	raw := sign(t, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		NotBefore: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}})

	_, err := Validate(raw, now)
	require.ErrorIs(t, err, ErrNotYetValid)

	_, err = Validate(raw, now.Add(10*time.Minute-DefaultLeeway/2))
	require.NoError(t, err, "leeway applies to nbf")
}

func TestValidate_NoExpiry(t *testing.T) {
	raw := sign(t, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}})
	c, err := Validate(raw, time.Now().Add(100*365*24*time.Hour))
	require.NoError(t, err)
	require.False(t, c.Expired(time.Now()))
}

func TestExpiryOf(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	raw := sign(t, &Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}})

	got, ok := ExpiryOf(raw)
	require.True(t, ok)
	require.True(t, got.Equal(exp))

	_, ok = ExpiryOf("AT1")
	require.False(t, ok)
}

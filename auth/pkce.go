package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
)

// randomLength is the number of random bytes behind each PKCE value.
//
// 32 bytes of random data results in a 43 character string (using
// RawURLEncoding), satisfying the RFC 7636 minimum verifier length.
const randomLength = 32

// PKCE holds the values generated for one login attempt.
type PKCE struct {
	State         string
	Nonce         string
	CodeVerifier  string
	CodeChallenge string
}

// GeneratePKCE creates fresh state, nonce and an S256 verifier/challenge
// pair from crypto/rand.
func GeneratePKCE() (PKCE, error) {
	return generatePKCE(rand.Reader)
}

func generatePKCE(src io.Reader) (PKCE, error) {
	var p PKCE
	for _, dst := range []*string{&p.State, &p.Nonce, &p.CodeVerifier} {
		s, err := randomString(src)
		if err != nil {
			return PKCE{}, err
		}
		*dst = s
	}
	p.CodeChallenge = CodeChallengeS256(p.CodeVerifier)
	return p, nil
}

// CodeChallengeS256 returns BASE64URL(SHA256(verifier)) without padding.
func CodeChallengeS256(verifier string) string {
	s := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func randomString(src io.Reader) (string, error) {
	b := make([]byte, randomLength)
	if _, err := io.ReadFull(src, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

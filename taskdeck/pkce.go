package taskdeck

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// pkceMethod is the only challenge method the Taskdeck authorization
// server accepts.
const pkceMethod = "S256"

// randTokenLen is the entropy, in bytes, behind generated verifiers and
// state values.
const randTokenLen = 32

// PKCEChallenge is a verifier/challenge pair for the authorization code
// flow (RFC 7636).
type PKCEChallenge struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePKCE returns a fresh PKCE pair. The verifier is 32 random bytes
// base64url-encoded; the challenge is the unpadded base64url SHA-256 of
// the verifier string.
func GeneratePKCE() (*PKCEChallenge, error) {
	verifier, err := randToken()
	if err != nil {
		return nil, fmt.Errorf("generating PKCE verifier: %w", err)
	}

	sum := sha256.Sum256([]byte(verifier))

	return &PKCEChallenge{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
		Method:    pkceMethod,
	}, nil
}

// GenerateState returns a random opaque value binding an authorization
// redirect to its callback.
func GenerateState() (string, error) {
	state, err := randToken()
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return state, nil
}

func randToken() (string, error) {
	raw := make([]byte, randTokenLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

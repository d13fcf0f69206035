package authkit

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/oauth2"
)

const authIDByteLength = 32

var authIDRandomSource io.Reader = rand.Reader

// PKCEChallenge is a verifier and its S256 challenge.
type PKCEChallenge struct {
	Verifier  string
	Challenge string
}

// NewPKCEChallenge returns a fresh 43-character verifier and its challenge.
func NewPKCEChallenge() PKCEChallenge {
	verifier := oauth2.GenerateVerifier()
	return PKCEChallenge{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}

func newAuthID() (string, error) {
	buffer := make([]byte, authIDByteLength)
	if _, err := io.ReadFull(authIDRandomSource, buffer); err != nil {
		return "", fmt.Errorf("authkit.auth_id.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

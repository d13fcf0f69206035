package authkit

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// idTokenClaims are the VK ID id_token claims this service reads.
type idTokenClaims struct {
	jwt.RegisteredClaims
}

// providerUserIDFromIDToken reads the sub claim without verifying the
// signature. The result is a fallback identifier only.
func providerUserIDFromIDToken(idToken string) string {
	if strings.TrimSpace(idToken) == "" {
		return ""
	}
	claims := &idTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	return claims.Subject
}

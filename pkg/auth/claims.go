package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// SessionTokenClaims represents the bearer token presented at sign-in.
type SessionTokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// ResolvedUserID returns the user id, falling back to the registered subject.
func (c *SessionTokenClaims) ResolvedUserID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

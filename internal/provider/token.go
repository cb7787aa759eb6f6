// file: internal/provider/token.go
package provider

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

// idTokenClaims is the subset of ID token claims the client reads.
type idTokenClaims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Firebase struct {
		SignInProvider string `json:"sign_in_provider"`
	} `json:"firebase"`
	jwt.RegisteredClaims
}

// decodeIDToken reads the claims of an ID token without verifying its
// signature; the token came straight from the provider over TLS.
func decodeIDToken(raw string) (*idTokenClaims, error) {
	claims := &idTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, errors.Wrap(err, "failed to decode ID token")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}

// userFromTokens builds a User from a sign-in response. Fields present in
// the response win over claims.
func userFromTokens(idToken, refreshToken, localID, email string, expiresIn time.Duration, now time.Time) *User {
	u := &User{
		ID:           localID,
		Email:        email,
		IDToken:      idToken,
		RefreshToken: refreshToken,
	}
	if expiresIn > 0 {
		u.ExpiresAt = now.Add(expiresIn)
	}
	claims, err := decodeIDToken(idToken)
	if err != nil {
		return u
	}
	if u.ID == "" {
		u.ID = claims.UserID
	}
	if u.Email == "" {
		u.Email = claims.Email
	}
	if u.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
		u.ExpiresAt = claims.ExpiresAt.Time
	}
	u.SignInProvider = claims.Firebase.SignInProvider
	return u
}

package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var ErrExpiredToken = errors.New("token has expired")

// StandardClaims represents the claims read from an API credential.
type StandardClaims struct {
	Sub    string `json:"sub"`
	UserId string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Identity is what the client can learn from its own credential.
type Identity struct {
	Subject   string
	Email     string
	ExpiresAt *time.Time
}

// Expired reports whether the credential carries an expiry before now.
func (i Identity) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

// InspectCredential reads the claims of a JWT credential without verifying the
// signature; the server remains the authority. Opaque credentials yield an
// empty Identity and no error.
func InspectCredential(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if strings.Count(token, ".") != 2 {
		return Identity{}, nil
	}

	claims := &StandardClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, nil
	}

	identity := Identity{Subject: claims.Sub, Email: claims.Email}
	if identity.Subject == "" {
		identity.Subject = claims.UserId
	}
	if identity.Subject == "" {
		identity.Subject = claims.Subject
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time.UTC()
		identity.ExpiresAt = &exp
	}

	if identity.Expired(time.Now()) {
		return identity, ErrExpiredToken
	}
	return identity, nil
}

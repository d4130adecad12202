// Package server validates bearer credentials during the WebSocket handshake
// and extracts the caller identity from verified claims.
package server

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified user reference attached to a session at handshake
// time. Opaque, email-like, immutable once attached.
type Identity string

// Claims represents the token claims carried by a TeamChat credential. The
// identity lives in the "email" claim; "userEmail" is accepted for tokens
// minted by the legacy issuer.
type Claims struct {
	Email     string `json:"email,omitempty"`
	UserEmail string `json:"userEmail,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) identity() Identity {
	if c.Email != "" {
		return Identity(c.Email)
	}
	return Identity(c.UserEmail)
}

// TokenVerifier validates opaque bearer credentials. Side-effect-free; no I/O
// beyond the HMAC check.
type TokenVerifier struct {
	secret []byte
	issuer string
}

// NewTokenVerifier creates a verifier for HS256 tokens signed with secret.
func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify checks the credential and returns the identity it carries. It fails
// with ErrUnauthenticated when the credential is missing, malformed, expired,
// or fails the signature check. No claim is trusted before verification
// succeeds.
func (v *TokenVerifier) Verify(credential string) (Identity, error) {
	if credential == "" {
		return "", ErrUnauthenticated
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthenticated
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrUnauthenticated
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", ErrUnauthenticated
	}

	identity := claims.identity()
	if identity == "" {
		return "", ErrUnauthenticated
	}
	return identity, nil
}

// Issue signs a credential for the given identity, valid for ttl. Credential
// issuance policy belongs to the external auth service; this helper exists for
// operator tooling and tests.
func (v *TokenVerifier) Issue(email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Package auth issues and checks the bearer tokens federation peers present
// to each other when a shared secret is configured.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/warcfed/horosafe"
)

// Issuer is the iss claim of every peer token.
const Issuer = "warcfed"

// DefaultExpiry bounds the lifetime of peer tokens.
const DefaultExpiry = 5 * time.Minute

// GenerateToken signs a token for nodeID. Returns an error if the secret is
// shorter than horosafe.MinSecretLen bytes.
func GenerateToken(secret []byte, nodeID, endpoint string, expiry time.Duration) (string, error) {
	if err := horosafe.ValidateSecret(secret); err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	if nodeID == "" {
		return "", errors.New("auth: empty node id")
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}

	now := time.Now()
	claims := &PeerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
		Endpoint: endpoint,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and validates a peer token.
// Strictly pins the signing method to HS256 to prevent algorithm confusion attacks.
func ValidateToken(secret []byte, tokenStr string) (*PeerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &PeerClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*PeerClaims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// TokenSource returns a function minting fresh tokens for nodeID, suitable
// for attaching to every outgoing peer request.
func TokenSource(secret []byte, nodeID, endpoint string) func() (string, error) {
	return func() (string, error) {
		return GenerateToken(secret, nodeID, endpoint, DefaultExpiry)
	}
}

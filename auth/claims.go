package auth

import "github.com/golang-jwt/jwt/v5"

// PeerClaims identifies a federation node. Subject carries the node id; the
// token is signed with the federation's shared secret.
type PeerClaims struct {
	jwt.RegisteredClaims
	Endpoint string `json:"endpoint,omitempty"`
}

// NodeID returns the node id the token was issued for.
func (c *PeerClaims) NodeID() string {
	return c.Subject
}

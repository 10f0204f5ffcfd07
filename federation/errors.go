package federation

import (
	"errors"
	"fmt"
)

var (
	// ErrPeerBanned is returned when a banned node tries to handshake.
	ErrPeerBanned = errors.New("federation: peer is banned")
	// ErrUnknownPeer is returned for operations on an id the directory does not hold.
	ErrUnknownPeer = errors.New("federation: unknown peer")
	// ErrInvalidPeer is returned for handshakes with an unusable id or endpoint.
	ErrInvalidPeer = errors.New("federation: invalid peer")
	// ErrBadCredential is returned when a handshake token is missing or wrong.
	ErrBadCredential = errors.New("federation: bad peer credential")
)

// UpstreamError is a failed call to a peer. It never propagates past the
// processing of that one peer.
type UpstreamError struct {
	Peer   string
	Op     string
	Status int // HTTP status, 0 when the request did not complete
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("federation: %s %s: HTTP %d", e.Op, e.Peer, e.Status)
	}
	return fmt.Sprintf("federation: %s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

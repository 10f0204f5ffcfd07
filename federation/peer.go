// Package federation connects warcfed nodes: a directory of known peers,
// the HTTP client that talks to them, the recurring sync engine that pulls
// their holdings, and the search fan-out.
package federation

import (
	"encoding/json"
	"time"

	"github.com/hazyhaar/warcfed/catalog"
)

// Status is the liveness state of a peer.
type Status string

const (
	StatusActive      Status = "active"
	StatusUnreachable Status = "unreachable"
	StatusBanned      Status = "banned"
)

// Capabilities advertised for every peer.
const (
	CapSearch = "search"
	CapSync   = "sync"
)

// Peer is a remote node as seen by the directory.
type Peer struct {
	ID           string    `json:"id"`
	Endpoint     string    `json:"endpoint"`
	LastSeen     time.Time `json:"last_seen"`
	Status       Status    `json:"status"`
	Capabilities []string  `json:"capabilities"`
	Watermark    time.Time `json:"-"`
}

// Has reports whether the peer advertises capability c.
func (p Peer) Has(c string) bool {
	for _, x := range p.Capabilities {
		if x == c {
			return true
		}
	}
	return false
}

// HandshakeRequest is the body of POST /federation/handshake.
type HandshakeRequest struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint"`
}

// HandshakeResponse acknowledges a handshake.
type HandshakeResponse struct {
	Status      string `json:"status"`
	LocalNodeID string `json:"local_node_id"`
}

// PeersResponse is the body of GET /federation/peers.
type PeersResponse struct {
	LocalNodeID string `json:"local_node_id"`
	Peers       []Peer `json:"peers"`
}

// ManifestRequest selects a peer's snapshots by time window.
type ManifestRequest struct {
	From  time.Time
	To    time.Time
	Limit int
	Order catalog.Order
}

// ManifestResponse is the body of GET /federation/manifest.
type ManifestResponse struct {
	Snapshots []*catalog.Snapshot `json:"snapshots"`
}

// SearchResult is one peer's contribution to a federated search. Results
// are passed through as the peer returned them.
type SearchResult struct {
	SourceNodeID string            `json:"source_node_id"`
	Results      []json.RawMessage `json:"results"`
}

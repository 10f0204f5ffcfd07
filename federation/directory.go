package federation

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/warcfed/horosafe"
)

// Directory is the in-memory registry of known peers. It is shared by the
// HTTP handlers, the sync engine and the fan-out, and is safe for
// concurrent use without caller-side locking.
type Directory struct {
	localID      string
	threshold    int
	probe        time.Duration
	allowPrivate bool
	now          func() time.Time
	logger       *slog.Logger

	mu    sync.RWMutex
	peers map[string]*entry
}

type entry struct {
	peer    Peer
	breaker *CircuitBreaker
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithFailureThreshold sets how many consecutive failed calls mark a peer
// unreachable. Default 3.
func WithFailureThreshold(n int) DirectoryOption {
	return func(d *Directory) {
		if n > 0 {
			d.threshold = n
		}
	}
}

// WithProbeInterval sets how long an unreachable peer rests before the sync
// engine probes it again. Default 5 minutes.
func WithProbeInterval(p time.Duration) DirectoryOption {
	return func(d *Directory) {
		if p > 0 {
			d.probe = p
		}
	}
}

// WithPrivateEndpoints controls whether peers may register endpoints on
// private or loopback addresses. Default true: federations usually run on
// internal networks.
func WithPrivateEndpoints(allow bool) DirectoryOption {
	return func(d *Directory) { d.allowPrivate = allow }
}

// WithClock sets the clock used for LastSeen and breaker timing.
func WithClock(fn func() time.Time) DirectoryOption {
	return func(d *Directory) { d.now = fn }
}

// WithLogger sets the directory logger.
func WithLogger(l *slog.Logger) DirectoryOption {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDirectory creates an empty directory for the local node localID.
func NewDirectory(localID string, opts ...DirectoryOption) *Directory {
	d := &Directory{
		localID:      localID,
		threshold:    3,
		probe:        5 * time.Minute,
		allowPrivate: true,
		now:          time.Now,
		logger:       slog.Default(),
		peers:        make(map[string]*entry),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// LocalID returns the id of the local node.
func (d *Directory) LocalID() string { return d.localID }

// AddOrRefresh registers id at endpoint, or refreshes it: the peer becomes
// active, LastSeen moves to now and its failure count resets. A banned peer
// stays banned and the call fails with ErrPeerBanned.
func (d *Directory) AddOrRefresh(id, endpoint string) (Peer, error) {
	if err := horosafe.ValidateIdentifier(id); err != nil {
		return Peer{}, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	if id == d.localID {
		return Peer{}, fmt.Errorf("%w: %q is the local node", ErrInvalidPeer, id)
	}
	endpoint = strings.TrimRight(endpoint, "/")
	if err := horosafe.ValidateEndpoint(endpoint, d.allowPrivate); err != nil {
		return Peer{}, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.peers[id]
	if ok && e.peer.Status == StatusBanned {
		return Peer{}, ErrPeerBanned
	}
	if !ok {
		e = &entry{breaker: NewCircuitBreaker(
			WithBreakerThreshold(d.threshold),
			WithBreakerResetTimeout(d.probe),
			WithBreakerClock(d.now),
		)}
		d.peers[id] = e
		d.logger.Info("federation: peer registered", "peer", id, "endpoint", endpoint)
	} else if e.peer.Endpoint != endpoint {
		d.logger.Info("federation: peer endpoint changed", "peer", id, "from", e.peer.Endpoint, "to", endpoint)
	}
	e.peer.ID = id
	e.peer.Endpoint = endpoint
	e.peer.Status = StatusActive
	e.peer.LastSeen = d.now().UTC()
	e.peer.Capabilities = []string{CapSearch, CapSync}
	e.breaker.Reset()
	return e.snapshot(), nil
}

// ActivePeers returns the active peers sorted by id.
func (d *Directory) ActivePeers() []Peer {
	return d.filter(func(e *entry) bool { return e.peer.Status == StatusActive })
}

// DueForProbe returns unreachable peers whose rest period has elapsed.
func (d *Directory) DueForProbe() []Peer {
	return d.filter(func(e *entry) bool {
		return e.peer.Status == StatusUnreachable && e.breaker.Allow()
	})
}

// All returns every known peer sorted by id.
func (d *Directory) All() []Peer {
	return d.filter(func(*entry) bool { return true })
}

// Get returns the peer registered under id.
func (d *Directory) Get(id string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.peers[id]
	if !ok {
		return Peer{}, false
	}
	return e.snapshot(), true
}

// MarkUnreachable sets the peer unreachable and opens its breaker, so it is
// skipped until the probe interval elapses. Banned peers are left alone.
func (d *Directory) MarkUnreachable(id string) error {
	return d.update(id, func(e *entry) {
		if e.peer.Status == StatusBanned {
			return
		}
		if e.peer.Status != StatusUnreachable {
			d.logger.Warn("federation: peer unreachable", "peer", id)
		}
		e.peer.Status = StatusUnreachable
		e.breaker.Trip()
	})
}

// MarkActive sets a non-banned peer active again and resets its breaker.
func (d *Directory) MarkActive(id string) error {
	return d.update(id, func(e *entry) {
		if e.peer.Status == StatusBanned {
			return
		}
		if e.peer.Status != StatusActive {
			d.logger.Info("federation: peer active", "peer", id)
		}
		e.peer.Status = StatusActive
		e.breaker.Reset()
	})
}

// Ban excludes a peer from sync, search and future handshakes.
func (d *Directory) Ban(id string) error {
	return d.update(id, func(e *entry) {
		e.peer.Status = StatusBanned
		d.logger.Warn("federation: peer banned", "peer", id)
	})
}

// Touch moves LastSeen to now.
func (d *Directory) Touch(id string) error {
	return d.update(id, func(e *entry) { e.peer.LastSeen = d.now().UTC() })
}

// SetWatermark records the newest snapshot timestamp fully synced from id.
// The watermark never moves backwards.
func (d *Directory) SetWatermark(id string, t time.Time) error {
	return d.update(id, func(e *entry) {
		if t.After(e.peer.Watermark) {
			e.peer.Watermark = t.UTC()
		}
	})
}

// RecordSuccess notes a successful call to id: LastSeen moves to now and a
// peer recovering from unreachable becomes active again.
func (d *Directory) RecordSuccess(id string) {
	d.update(id, func(e *entry) {
		e.peer.LastSeen = d.now().UTC()
		if e.breaker.RecordSuccess() == BreakerClosed && e.peer.Status == StatusUnreachable {
			e.peer.Status = StatusActive
			d.logger.Info("federation: peer recovered", "peer", id)
		}
	})
}

// RecordFailure notes a failed call to id and reports whether the peer just
// became unreachable.
func (d *Directory) RecordFailure(id string) bool {
	var tripped bool
	d.update(id, func(e *entry) {
		if e.breaker.RecordFailure() == BreakerOpen && e.peer.Status == StatusActive {
			e.peer.Status = StatusUnreachable
			tripped = true
			d.logger.Warn("federation: peer unreachable", "peer", id, "failures", d.threshold)
		}
	})
	return tripped
}

func (d *Directory) update(id string, fn func(*entry)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	fn(e)
	return nil
}

func (d *Directory) filter(keep func(*entry) bool) []Peer {
	d.mu.RLock()
	out := make([]Peer, 0, len(d.peers))
	for _, e := range d.peers {
		if keep(e) {
			out = append(out, e.snapshot())
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// snapshot copies the peer so callers never share the capability slice.
func (e *entry) snapshot() Peer {
	p := e.peer
	p.Capabilities = append([]string(nil), e.peer.Capabilities...)
	return p
}

// Package replay answers "what did this URL look like at time t": the newest
// snapshot at or before t, with its byte range redirected to the canonical
// copy of its payload when the dedup index has one.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/warcfed/catalog"
	"github.com/hazyhaar/warcfed/logstore"
)

// Catalog is the subset of *catalog.Store the resolver reads.
type Catalog interface {
	FindLatestAtOrBefore(ctx context.Context, url string, t time.Time) (*catalog.Snapshot, error)
	LookupPayload(ctx context.Context, hash string) (*catalog.PayloadLocation, error)
}

// Resolver performs time-travel lookups.
type Resolver struct {
	cat Catalog
}

// New creates a Resolver over cat.
func New(cat Catalog) *Resolver {
	return &Resolver{cat: cat}
}

// Resolve returns the snapshot of url current at t, with WarcFile, Offset and
// Length pointing at the canonical payload block when one is registered.
// Returns (nil, nil) when url has no snapshot at or before t.
func (r *Resolver) Resolve(ctx context.Context, url string, t time.Time) (*catalog.Snapshot, error) {
	snap, err := r.cat.FindLatestAtOrBefore(ctx, url, t)
	if err != nil {
		return nil, fmt.Errorf("replay: resolve: %w", err)
	}
	if snap == nil {
		return nil, nil
	}
	loc, err := r.Locate(ctx, snap)
	if err != nil {
		return nil, err
	}
	out := *snap
	out.WarcFile, out.Offset, out.Length = loc.File, loc.Offset, loc.Length
	return &out, nil
}

// Locate returns the block to read for snap: the registered payload
// location for its payload hash, or the snapshot's own range.
func (r *Resolver) Locate(ctx context.Context, snap *catalog.Snapshot) (logstore.Location, error) {
	own := logstore.Location{File: snap.WarcFile, Offset: snap.Offset, Length: snap.Length}
	if snap.PayloadHash == "" {
		return own, nil
	}
	p, err := r.cat.LookupPayload(ctx, snap.PayloadHash)
	if err != nil {
		return logstore.Location{}, fmt.Errorf("replay: locate payload: %w", err)
	}
	return Substitute(own, p), nil
}

// Substitute applies a payload location to a snapshot range. A nil p leaves
// the range unchanged.
func Substitute(own logstore.Location, p *catalog.PayloadLocation) logstore.Location {
	if p == nil {
		return own
	}
	return logstore.Location{File: p.WarcPath, Offset: p.WarcOffset, Length: p.WarcLength}
}

package federation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSearchTimeout bounds each peer's part of a federated search.
const DefaultSearchTimeout = 2 * time.Second

// Fanout sends a search to every active peer in parallel.
type Fanout struct {
	dir     *Directory
	client  *Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewFanout creates a Fanout. A timeout <= 0 selects DefaultSearchTimeout.
func NewFanout(dir *Directory, client *Client, timeout time.Duration, logger *slog.Logger) *Fanout {
	if timeout <= 0 {
		timeout = DefaultSearchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{dir: dir, client: client, timeout: timeout, logger: logger}
}

// BroadcastSearch queries every active peer advertising search and returns
// the answers that arrived within the per-peer timeout, in peer id order.
// Failed or late peers are left out and their liveness is untouched; only
// the sync engine moves a peer to unreachable. The result is never nil, and
// the call returns no later than the timeout after it started.
func (f *Fanout) BroadcastSearch(ctx context.Context, query string) []SearchResult {
	var peers []Peer
	for _, p := range f.dir.ActivePeers() {
		if p.Has(CapSearch) {
			peers = append(peers, p)
		}
	}

	slots := make([]*SearchResult, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()

			results, err := f.client.Search(pctx, p, query)
			if err != nil {
				f.logger.Debug("federation: peer search failed", "peer", p.ID, "error", err)
				return
			}
			f.dir.Touch(p.ID)
			slots[i] = &SearchResult{SourceNodeID: p.ID, Results: results}
		}()
	}
	wg.Wait()

	out := make([]SearchResult, 0, len(peers))
	for _, r := range slots {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

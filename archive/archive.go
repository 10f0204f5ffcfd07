// Package archive is the node orchestrator. It wires the record log, the
// snapshot catalog, the replay resolver and the federation components into
// one Archive, and exposes them over HTTP (chi) and MCP.
//
// The write path:
//
//	capture source → record.Encode → logstore.AppendSegment → catalog.Insert → payload index
//
// The federation path runs beside it: the sync engine pulls peer manifests
// and appends missing blocks to the dedicated sync file.
//
// Usage:
//
//	a, err := archive.New(cfg, logger)
//	defer a.Close()
//	done := a.Start(ctx)
//	http.ListenAndServe(cfg.Listen, a.Handler())
//	<-done
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/warcfed/auth"
	"github.com/hazyhaar/warcfed/catalog"
	"github.com/hazyhaar/warcfed/dbopen"
	"github.com/hazyhaar/warcfed/federation"
	"github.com/hazyhaar/warcfed/logstore"
	"github.com/hazyhaar/warcfed/observability"
	"github.com/hazyhaar/warcfed/record"
	"github.com/hazyhaar/warcfed/replay"
	"github.com/hazyhaar/warcfed/shield"
)

// CaptureSegment is the segment prefix of locally captured blocks.
const CaptureSegment = "capture"

// Archive is one warcfed node.
type Archive struct {
	config   *Config
	logger   *slog.Logger
	logs     *logstore.Store
	catalog  *catalog.Store
	resolver *replay.Resolver
	peers    *federation.Directory
	client   *federation.Client
	syncer   *federation.Syncer
	fanout   *federation.Fanout
	events   *observability.EventLogger
	encoder  record.Encoder
	decoder  record.Decoder
	secret   []byte
	limiter  *shield.RateLimiter
	now      func() time.Time

	// captureMu spans the payload lookup, the append and the payload
	// registration of a local capture.
	captureMu sync.Mutex
}

// Option configures an Archive.
type Option func(*Archive)

// WithClock sets the clock used for capture timestamps and manifest windows.
func WithClock(fn func() time.Time) Option {
	return func(a *Archive) { a.now = fn }
}

// New opens the record log and the catalog and builds the federation
// components. The config is validated first.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	logs, err := logstore.Open(logstore.Options{
		Dir:            cfg.Storage.Dir,
		Fsync:          cfg.Storage.Fsync,
		Compress:       cfg.Storage.Compress,
		MaxSegmentSize: cfg.Storage.MaxSegmentSize,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	var dbOpts []dbopen.Option
	if cfg.Storage.Fsync {
		dbOpts = append(dbOpts, dbopen.WithSynchronous("FULL"))
	}
	cat, err := catalog.Open(cfg.Catalog.DBPath, dbOpts...)
	if err != nil {
		logs.Close()
		return nil, err
	}
	if err := observability.Init(cat.DB); err != nil {
		cat.Close()
		logs.Close()
		return nil, err
	}

	a := &Archive{
		config:   cfg,
		logger:   logger,
		logs:     logs,
		catalog:  cat,
		resolver: replay.New(cat),
		encoder:  record.Encoder{Compress: cfg.Storage.Compress},
		decoder:  record.Decoder{MaxPayloadBytes: max(cfg.Storage.MaxCaptureBytes, cfg.Federation.MaxRecordBytes)},
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.events = observability.NewEventLogger(cat.DB,
		observability.WithEventClock(a.now),
		observability.WithEventLogger(logger))

	fc := cfg.Federation
	if fc.SharedSecret != "" {
		a.secret = []byte(fc.SharedSecret)
	}
	a.peers = federation.NewDirectory(cfg.NodeID,
		federation.WithFailureThreshold(fc.FailureThreshold),
		federation.WithProbeInterval(fc.ProbeInterval),
		federation.WithPrivateEndpoints(!fc.DenyPrivateEndpoints),
		federation.WithLogger(logger),
	)
	clientCfg := federation.ClientConfig{
		Timeout:        fc.RequestTimeout,
		MaxRecordBytes: fc.MaxRecordBytes,
	}
	if a.secret != nil {
		clientCfg.Credential = auth.TokenSource(a.secret, cfg.NodeID, cfg.PublicEndpoint)
	}
	a.client = federation.NewClient(clientCfg)
	a.syncer = federation.NewSyncer(a.peers, a.client, cat, logs, federation.SyncConfig{
		Interval:       fc.SyncInterval,
		Window:         fc.Window,
		ManifestLimit:  fc.ManifestLimit,
		Policy:         federation.WindowPolicy(fc.WindowPolicy),
		Concurrency:    fc.Concurrency,
		MaxRecordBytes: fc.MaxRecordBytes,
	}, logger)
	a.syncer.OnPeerSynced(func(ctx context.Context, r federation.PeerReport) {
		a.events.LogEvent(ctx, observability.EventSyncPeer, r.Peer, r.Error == "", r)
	})
	a.fanout = federation.NewFanout(a.peers, a.client, fc.SearchTimeout, logger)
	a.limiter = shield.NewRateLimiter(map[string]shield.RateLimitConfig{
		"POST /federation/handshake": {MaxRequests: fc.HandshakeRateLimit, Window: time.Minute},
	})

	return a, nil
}

// Start launches the sync loop, the seed handshakes and the event pruner.
// They stop when ctx is cancelled; the returned channel is closed once all
// of them have returned, after which Close is safe.
func (a *Archive) Start(ctx context.Context) <-chan struct{} {
	a.limiter.StartGC(ctx.Done(), 5*time.Minute)

	var wg sync.WaitGroup
	wg.Go(func() { a.events.RunPruner(ctx, a.config.Catalog.EventRetention, time.Hour) })
	if len(a.config.Federation.Seeds) > 0 {
		wg.Go(func() { a.joinSeeds(ctx) })
	}
	if !a.config.Federation.DisableSync {
		wg.Go(func() { a.syncer.Run(ctx) })
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	a.logger.Info("archive: started",
		"node_id", a.config.NodeID,
		"storage", a.logs.Dir(),
		"catalog", a.config.Catalog.DBPath,
		"seeds", len(a.config.Federation.Seeds))
	return done
}

// Close closes the catalog and the record log.
func (a *Archive) Close() error {
	return errors.Join(a.catalog.Close(), a.logs.Close())
}

// NodeID returns the local node id.
func (a *Archive) NodeID() string { return a.config.NodeID }

// Peers returns the peer directory.
func (a *Archive) Peers() *federation.Directory { return a.peers }

// Catalog returns the snapshot catalog (admin, tests).
func (a *Archive) Catalog() *catalog.Store { return a.catalog }

// Logs returns the record log (admin, tests).
func (a *Archive) Logs() *logstore.Store { return a.logs }

// CaptureRequest is one response handed over by the capture source.
type CaptureRequest struct {
	URL         string    `json:"url"`
	Timestamp   time.Time `json:"timestamp"` // zero means now
	Payload     []byte    `json:"payload"`
	ContentType string    `json:"content_type"`
	StatusCode  int       `json:"status_code"` // zero means 200
}

// Capture archives one response. A payload whose digest is already
// registered is written as a revisit record pointing at the first copy;
// otherwise the full block is written and becomes the canonical copy.
func (a *Archive) Capture(ctx context.Context, req CaptureRequest) (*catalog.Snapshot, error) {
	if _, err := catalog.NormalizeURL(req.URL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.StatusCode == 0 {
		req.StatusCode = 200
	}
	if req.StatusCode < 100 || req.StatusCode > 599 {
		return nil, fmt.Errorf("%w: status code %d", ErrValidation, req.StatusCode)
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}
	ts = ts.Truncate(time.Millisecond)
	c := record.NewCapture(req.URL, ts, req.Payload, req.ContentType, req.StatusCode)

	a.captureMu.Lock()
	defer a.captureMu.Unlock()

	canonical, err := a.catalog.LookupPayload(ctx, c.PayloadDigest)
	if err != nil {
		return nil, err
	}
	var block []byte
	if canonical != nil {
		block, err = a.encoder.EncodeRevisit(c, "", canonical.CreatedAt)
	} else {
		block, err = a.encoder.Encode(c)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	loc, err := a.logs.AppendSegment(ctx, CaptureSegment, block)
	if err != nil {
		return nil, err
	}
	snap := &catalog.Snapshot{
		URL:         c.URL,
		Timestamp:   c.Timestamp,
		WarcFile:    loc.File,
		Offset:      loc.Offset,
		Length:      loc.Length,
		SHA256:      c.PayloadDigest,
		StatusCode:  c.StatusCode,
		ContentType: c.ContentType,
		PayloadHash: c.PayloadDigest,
		Title:       record.SniffTitle(c.ContentType, c.Payload),
	}
	if err := a.catalog.Insert(ctx, snap); err != nil {
		return nil, err
	}
	if canonical == nil {
		if _, err := a.catalog.RegisterPayload(ctx, catalog.PayloadLocation{
			Hash:       c.PayloadDigest,
			WarcPath:   loc.File,
			WarcOffset: loc.Offset,
			WarcLength: loc.Length,
		}); err != nil {
			return nil, err
		}
	}
	a.logger.Debug("archive: captured", "id", snap.ID, "url", snap.URL, "revisit", canonical != nil, "bytes", loc.Length)
	return snap, nil
}

// Resolve returns the snapshot of url current at t with its range pointing
// at the canonical payload block. ErrNotFound when nothing was archived by t.
func (a *Archive) Resolve(ctx context.Context, url string, t time.Time) (*catalog.Snapshot, error) {
	snap, err := a.resolver.Resolve(ctx, url, t)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: no archived version of %s at %s", ErrNotFound, url, t.UTC().Format(time.RFC3339))
	}
	return snap, nil
}

// Replay resolves url at t and reads the payload back from the record log.
func (a *Archive) Replay(ctx context.Context, url string, t time.Time) (*catalog.Snapshot, *record.Record, error) {
	snap, err := a.Resolve(ctx, url, t)
	if err != nil {
		return nil, nil, err
	}
	block, err := a.logs.Read(ctx, snap.WarcFile, snap.Offset, snap.Length)
	if err != nil {
		return nil, nil, err
	}
	rec, err := a.decoder.Decode(block)
	if err != nil {
		return nil, nil, fmt.Errorf("archive: replay %s: %w", snap.ID, err)
	}
	return snap, rec, nil
}

// Snapshot returns the catalog row for id.
func (a *Archive) Snapshot(ctx context.Context, id string) (*catalog.Snapshot, error) {
	snap, err := a.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
	}
	return snap, nil
}

// Download returns the block serving snapshot id. For a deduplicated
// capture this is the canonical response block, so a peer always receives
// the payload.
func (a *Archive) Download(ctx context.Context, id string) (*catalog.Snapshot, []byte, error) {
	snap, err := a.Snapshot(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	loc, err := a.resolver.Locate(ctx, snap)
	if err != nil {
		return nil, nil, err
	}
	block, err := a.logs.Read(ctx, loc.File, loc.Offset, loc.Length)
	if err != nil {
		return nil, nil, err
	}
	return snap, block, nil
}

// Timeline lists the snapshots of url, newest first.
func (a *Archive) Timeline(ctx context.Context, url string, limit int) ([]*catalog.Snapshot, error) {
	return a.catalog.Timeline(ctx, url, limit)
}

// Manifest lists local snapshots for a peer. A zero To means now and a zero
// From means To minus the federation window. A zero limit selects 100 and
// limits above catalog.MaxLimit are clamped.
func (a *Archive) Manifest(ctx context.Context, q catalog.ManifestQuery) (*federation.ManifestResponse, error) {
	if q.To.IsZero() {
		q.To = a.now().UTC()
	}
	if q.From.IsZero() {
		q.From = q.To.Add(-a.config.Federation.Window)
	}
	if q.To.Before(q.From) {
		return nil, fmt.Errorf("%w: to before from", ErrValidation)
	}
	if q.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrValidation)
	}
	snaps, err := a.catalog.Manifest(ctx, q)
	if err != nil {
		return nil, err
	}
	return &federation.ManifestResponse{Snapshots: snaps}, nil
}

// Search runs a local search over archived URLs and titles.
func (a *Archive) Search(ctx context.Context, query string, limit int) ([]*catalog.SearchHit, error) {
	return a.catalog.Search(ctx, query, limit)
}

// FederatedSearchResponse combines local hits and per-peer answers.
type FederatedSearchResponse struct {
	Local     []*catalog.SearchHit      `json:"local"`
	Federated []federation.SearchResult `json:"federated"`
}

// FederatedSearch runs the local search and the peer fan-out concurrently.
// Only a local failure fails the call.
func (a *Archive) FederatedSearch(ctx context.Context, query string) (*FederatedSearchResponse, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrValidation)
	}
	out := &FederatedSearchResponse{}
	var g errgroup.Group
	g.Go(func() error {
		hits, err := a.catalog.Search(ctx, query, 0)
		out.Local = hits
		return err
	})
	g.Go(func() error {
		out.Federated = a.fanout.BroadcastSearch(ctx, query)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Handshake registers the announcing node. When a shared secret is
// configured the caller's token must name the announced node id.
func (a *Archive) Handshake(ctx context.Context, req federation.HandshakeRequest) (*federation.HandshakeResponse, error) {
	if a.secret != nil {
		claims := auth.GetClaims(ctx)
		if claims == nil || claims.NodeID() != req.NodeID {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, federation.ErrBadCredential)
		}
	}
	p, err := a.peers.AddOrRefresh(req.NodeID, req.Endpoint)
	if errors.Is(err, federation.ErrInvalidPeer) {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err != nil {
		return nil, err
	}
	a.logger.Info("archive: handshake accepted", "peer", p.ID, "endpoint", p.Endpoint)
	a.events.LogEvent(ctx, observability.EventHandshake, p.ID, true, map[string]string{"endpoint": p.Endpoint})
	return &federation.HandshakeResponse{Status: "accepted", LocalNodeID: a.config.NodeID}, nil
}

// ActivePeers lists the peers currently taking part in sync and search.
func (a *Archive) ActivePeers() *federation.PeersResponse {
	return &federation.PeersResponse{LocalNodeID: a.config.NodeID, Peers: a.peers.ActivePeers()}
}

// BanPeer excludes a peer from sync, search and future handshakes.
func (a *Archive) BanPeer(ctx context.Context, id string) error {
	if err := a.peers.Ban(id); err != nil {
		if errors.Is(err, federation.ErrUnknownPeer) {
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return err
	}
	a.events.LogEvent(ctx, observability.EventPeerBan, id, true, nil)
	return nil
}

// Events returns recent journal entries, newest first.
func (a *Archive) Events(ctx context.Context, f observability.EventFilter) ([]observability.Event, error) {
	return a.events.Recent(ctx, f)
}

// SyncNow runs one sync cycle immediately.
func (a *Archive) SyncNow(ctx context.Context) (*federation.CycleReport, error) {
	return a.syncer.SyncCycle(ctx)
}

// Join announces the local node to the node at endpoint and registers that
// node in return.
func (a *Archive) Join(ctx context.Context, endpoint string) (federation.Peer, error) {
	resp, err := a.client.Handshake(ctx, endpoint, federation.HandshakeRequest{
		NodeID:   a.config.NodeID,
		Endpoint: a.config.PublicEndpoint,
	})
	if err != nil {
		return federation.Peer{}, err
	}
	return a.peers.AddOrRefresh(resp.LocalNodeID, endpoint)
}

// joinSeeds handshakes every configured seed, retrying the ones that
// failed once per sync interval until all have joined.
func (a *Archive) joinSeeds(ctx context.Context) {
	pending := append([]string(nil), a.config.Federation.Seeds...)
	ticker := time.NewTicker(a.config.Federation.SyncInterval)
	defer ticker.Stop()
	for {
		var failed []string
		for _, seed := range pending {
			p, err := a.Join(ctx, seed)
			if err != nil {
				a.logger.Warn("archive: seed handshake failed", "seed", seed, "error", err)
				failed = append(failed, seed)
				continue
			}
			a.logger.Info("archive: joined seed", "seed", seed, "peer", p.ID)
		}
		if pending = failed; len(pending) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stats holds node counts.
type Stats struct {
	NodeID    string `json:"node_id"`
	Snapshots int    `json:"snapshots"`
	Payloads  int    `json:"payloads"`
	Peers     int    `json:"peers"`
	Active    int    `json:"active_peers"`
}

// Stats returns current node statistics.
func (a *Archive) Stats(ctx context.Context) (*Stats, error) {
	snaps, err := a.catalog.Count(ctx)
	if err != nil {
		return nil, err
	}
	payloads, err := a.catalog.CountPayloads(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		NodeID:    a.config.NodeID,
		Snapshots: snaps,
		Payloads:  payloads,
		Peers:     len(a.peers.All()),
		Active:    len(a.peers.ActivePeers()),
	}, nil
}

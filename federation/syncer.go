package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/warcfed/catalog"
	"github.com/hazyhaar/warcfed/logstore"
	"github.com/hazyhaar/warcfed/record"
)

// WindowPolicy decides which manifest window each cycle requests.
type WindowPolicy string

const (
	// WindowFixed requests [now-Window, now], newest first, every cycle and
	// relies on the hash check for idempotence.
	WindowFixed WindowPolicy = "fixed"
	// WindowWatermark requests from the peer's watermark onward, oldest
	// first, and advances the watermark after a fully processed manifest.
	WindowWatermark WindowPolicy = "watermark"
)

// SyncCatalog is the subset of *catalog.Store the sync engine uses.
type SyncCatalog interface {
	ExistsByHash(ctx context.Context, sha256 string) (bool, error)
	Insert(ctx context.Context, snap *catalog.Snapshot) error
	RegisterPayload(ctx context.Context, loc catalog.PayloadLocation) (bool, error)
}

// SyncLog is the subset of *logstore.Store the sync engine uses.
type SyncLog interface {
	Append(ctx context.Context, name string, b []byte) (logstore.Location, error)
	SyncFile() string
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	// Interval between cycles. Default: 60s.
	Interval time.Duration
	// Window is the manifest time window. Default: 24h.
	Window time.Duration
	// ManifestLimit bounds the descriptors requested per peer. Default: 100.
	ManifestLimit int
	// Policy selects the window policy. Default: WindowFixed.
	Policy WindowPolicy
	// Concurrency bounds how many peers are processed at once. Default: 4.
	Concurrency int
	// MaxRecordBytes bounds the payload of a downloaded block once
	// inflated. Default: 64 MiB.
	MaxRecordBytes int64
}

func (c *SyncConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.ManifestLimit <= 0 {
		c.ManifestLimit = 100
	}
	if c.Policy == "" {
		c.Policy = WindowFixed
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxRecordBytes <= 0 {
		c.MaxRecordBytes = record.DefaultMaxPayloadBytes
	}
}

// PeerReport is the outcome of one peer within a cycle.
type PeerReport struct {
	Peer    string `json:"peer"`
	Listed  int    `json:"listed"`
	Fetched int    `json:"fetched"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	StartedAt time.Time    `json:"started_at"`
	Duration  string       `json:"duration"`
	Peers     []PeerReport `json:"peers"`
	Fetched   int          `json:"fetched"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
}

// Syncer pulls snapshots the local node lacks from every active peer.
type Syncer struct {
	dir     *Directory
	client  *Client
	cat     SyncCatalog
	logs    SyncLog
	decoder record.Decoder
	config  SyncConfig
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	onPeer func(context.Context, PeerReport)

	cycleMu sync.Mutex // one cycle at a time

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewSyncer creates a sync engine.
func NewSyncer(dir *Directory, client *Client, cat SyncCatalog, logs SyncLog, cfg SyncConfig, logger *slog.Logger) *Syncer {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		dir:      dir,
		client:   client,
		cat:      cat,
		logs:     logs,
		decoder:  record.Decoder{MaxPayloadBytes: cfg.MaxRecordBytes},
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/hazyhaar/warcfed/federation"),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// OnPeerSynced registers fn to receive each peer's report at the end of a
// cycle. Set it before Run.
func (s *Syncer) OnPeerSynced(fn func(context.Context, PeerReport)) {
	s.onPeer = fn
}

// Run executes a cycle immediately, then one per Interval until ctx is done.
// Cycle errors are logged; they never stop the loop.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("federation: sync started", "interval", s.config.Interval, "policy", s.config.Policy)
	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("federation: sync stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Syncer) runCycle(ctx context.Context) {
	report, err := s.SyncCycle(ctx)
	if err != nil {
		s.logger.Warn("federation: sync cycle finished with errors",
			"peers", len(report.Peers), "fetched", report.Fetched, "failed", report.Failed, "error", err)
		return
	}
	if len(report.Peers) > 0 {
		s.logger.Info("federation: sync cycle",
			"peers", len(report.Peers), "fetched", report.Fetched, "skipped", report.Skipped, "duration", report.Duration)
	}
}

// SyncCycle processes every active peer, plus unreachable peers due for a
// probe once they answer a ping. Peers are independent: one failing peer is reported and the others
// proceed. The returned error joins the per-peer errors; the report is
// always non-nil.
func (s *Syncer) SyncCycle(ctx context.Context) (*CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := s.now()
	report := &CycleReport{StartedAt: start.UTC(), Peers: []PeerReport{}}
	peers := append(s.dir.ActivePeers(), s.dir.DueForProbe()...)
	if len(peers) == 0 {
		report.Duration = time.Since(start).String()
		return report, nil
	}

	ctx, span := s.tracer.Start(ctx, "federation.SyncCycle",
		trace.WithAttributes(attribute.Int("peers", len(peers))))
	defer span.End()

	results := make([]PeerReport, len(peers))
	errs := make([]error, len(peers))
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for i, p := range peers {
		if !p.Has(CapSync) {
			results[i] = PeerReport{Peer: p.ID}
			continue
		}
		g.Go(func() error {
			if p.Status == StatusUnreachable {
				if err := s.probe(ctx, p); err != nil {
					results[i], errs[i] = PeerReport{Peer: p.ID, Error: err.Error()}, err
					return nil
				}
			}
			results[i], errs[i] = s.SyncPeer(ctx, p)
			return nil
		})
	}
	g.Wait()

	for i, r := range results {
		report.Peers = append(report.Peers, r)
		report.Fetched += r.Fetched
		report.Skipped += r.Skipped
		if errs[i] != nil {
			report.Failed++
			s.logger.Warn("federation: peer sync failed", "peer", r.Peer, "error", errs[i])
		}
		if s.onPeer != nil && peers[i].Has(CapSync) {
			s.onPeer(ctx, r)
		}
	}
	report.Duration = time.Since(start).String()
	span.SetAttributes(attribute.Int("fetched", report.Fetched), attribute.Int("failed", report.Failed))

	err := errors.Join(errs...)
	if err != nil {
		span.SetStatus(codes.Error, "peer_sync_failed")
	}
	return report, err
}

// SyncPeer pulls one peer's manifest and fetches every snapshot whose
// content hash is absent locally, in manifest order. The first record
// error stops this peer for the cycle.
func (s *Syncer) SyncPeer(ctx context.Context, p Peer) (PeerReport, error) {
	ctx, span := s.tracer.Start(ctx, "federation.SyncPeer",
		trace.WithAttributes(attribute.String("peer.id", p.ID), attribute.String("peer.endpoint", p.Endpoint)))
	defer span.End()

	rep := PeerReport{Peer: p.ID}
	fail := func(err error) (PeerReport, error) {
		rep.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync_peer_failed")
		return rep, err
	}

	manifest, err := s.client.Manifest(ctx, p, s.manifestRequest(p))
	if err != nil {
		if s.dir.RecordFailure(p.ID) {
			s.logger.Warn("federation: peer marked unreachable", "peer", p.ID)
		}
		return fail(err)
	}
	s.dir.RecordSuccess(p.ID)
	rep.Listed = len(manifest.Snapshots)

	var newest time.Time
	for _, d := range manifest.Snapshots {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if d == nil || d.ID == "" || d.SHA256 == "" {
			return fail(&UpstreamError{Peer: p.ID, Op: "manifest", Err: errors.New("descriptor without id or sha256")})
		}

		// The existence check runs under the claim: a worker that inserted
		// this hash released it only after the insert.
		if !s.claim(d.SHA256) {
			rep.Skipped++
			if d.Timestamp.After(newest) {
				newest = d.Timestamp
			}
			continue
		}
		exists, err := s.cat.ExistsByHash(ctx, d.SHA256)
		if err != nil {
			s.release(d.SHA256)
			return fail(err)
		}
		if exists {
			s.release(d.SHA256)
			rep.Skipped++
			if d.Timestamp.After(newest) {
				newest = d.Timestamp
			}
			continue
		}
		err = s.fetch(ctx, p, d)
		s.release(d.SHA256)
		if err != nil {
			return fail(fmt.Errorf("snapshot %s: %w", d.ID, err))
		}
		rep.Fetched++
		if d.Timestamp.After(newest) {
			newest = d.Timestamp
		}
	}

	if s.config.Policy == WindowWatermark && !newest.IsZero() {
		s.dir.SetWatermark(p.ID, newest)
	}
	span.SetAttributes(attribute.Int("fetched", rep.Fetched), attribute.Int("skipped", rep.Skipped))
	return rep, nil
}

// probe pings an unreachable peer whose rest period has elapsed. A peer
// that answers is active again; one that does not rests another period.
func (s *Syncer) probe(ctx context.Context, p Peer) error {
	if err := s.client.Ping(ctx, p); err != nil {
		s.dir.MarkUnreachable(p.ID)
		return fmt.Errorf("probe: %w", err)
	}
	return s.dir.MarkActive(p.ID)
}

func (s *Syncer) manifestRequest(p Peer) ManifestRequest {
	now := s.now().UTC()
	req := ManifestRequest{
		From:  now.Add(-s.config.Window),
		To:    now,
		Limit: s.config.ManifestLimit,
		Order: catalog.OrderDesc,
	}
	if s.config.Policy == WindowWatermark {
		req.Order = catalog.OrderAsc
		req.To = time.Time{}
		if !p.Watermark.IsZero() {
			req.From = p.Watermark
		}
	}
	return req
}

// fetch downloads one block, checks it, appends it verbatim to the sync
// file and records the snapshot under a fresh local id.
func (s *Syncer) fetch(ctx context.Context, p Peer, d *catalog.Snapshot) error {
	block, err := s.client.Download(ctx, p, d.ID)
	if err != nil {
		s.dir.RecordFailure(p.ID)
		return err
	}
	rec, err := s.decoder.Decode(block)
	if err != nil {
		return &UpstreamError{Peer: p.ID, Op: "download", Err: err}
	}
	if rec.Type != record.TypeResponse {
		return &UpstreamError{Peer: p.ID, Op: "download", Err: fmt.Errorf("peer served a %s record", rec.Type)}
	}
	if err := record.Verify(rec); err != nil {
		return &UpstreamError{Peer: p.ID, Op: "download", Err: err}
	}

	loc, err := s.logs.Append(ctx, s.logs.SyncFile(), block)
	if err != nil {
		return err
	}
	snap := &catalog.Snapshot{
		URL:         d.URL,
		Timestamp:   d.Timestamp,
		WarcFile:    loc.File,
		Offset:      loc.Offset,
		Length:      loc.Length,
		SHA256:      d.SHA256,
		StatusCode:  d.StatusCode,
		ContentType: d.ContentType,
		PayloadHash: d.PayloadHash,
		Title:       record.SniffTitle(d.ContentType, rec.Payload),
		Origin:      p.ID,
	}
	if err := s.cat.Insert(ctx, snap); err != nil {
		return err
	}
	if d.PayloadHash != "" {
		if _, err := s.cat.RegisterPayload(ctx, catalog.PayloadLocation{
			Hash:       d.PayloadHash,
			WarcPath:   loc.File,
			WarcOffset: loc.Offset,
			WarcLength: loc.Length,
		}); err != nil {
			return err
		}
	}
	s.logger.Debug("federation: snapshot synced", "peer", p.ID, "id", snap.ID, "url", snap.URL, "sha256", snap.SHA256)
	return nil
}

// claim marks hash as being fetched in this process. It returns false when
// another peer's worker already holds it.
func (s *Syncer) claim(hash string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[hash]; busy {
		return false
	}
	s.inflight[hash] = struct{}{}
	return true
}

func (s *Syncer) release(hash string) {
	s.inflightMu.Lock()
	delete(s.inflight, hash)
	s.inflightMu.Unlock()
}

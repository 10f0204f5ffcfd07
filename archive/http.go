package archive

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/warcfed/auth"
	"github.com/hazyhaar/warcfed/catalog"
	"github.com/hazyhaar/warcfed/federation"
	"github.com/hazyhaar/warcfed/horosafe"
	"github.com/hazyhaar/warcfed/kit"
	"github.com/hazyhaar/warcfed/observability"
	"github.com/hazyhaar/warcfed/replay"
	"github.com/hazyhaar/warcfed/shield"
)

// RecordContentType is the media type of a downloaded block.
const RecordContentType = "application/archive-record"

// Handler returns the node's HTTP surface behind the shield stack and the
// peer credential middleware.
func (a *Archive) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(a.config.Storage.MaxCaptureBytes) {
		r.Use(mw)
	}
	r.Use(auth.Middleware(a.secret))
	a.Routes(r)
	return r
}

// Routes registers the node routes on r.
func (a *Archive) Routes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/federation", func(r chi.Router) {
		r.Get("/peers", a.handlePeers)
		r.With(a.limiter.Middleware).Post("/handshake", a.handleHandshake)
		r.Post("/peers/{id}/ban", a.handleBan)
		r.Post("/sync", a.handleSync)
		r.Get("/events", a.handleEvents)
		r.Get("/search", a.handleFederatedSearch)
		r.With(auth.RequirePeer(a.secret != nil)).Get("/manifest", a.handleManifest)
	})

	// Routes peers call during sync and fan-out.
	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePeer(a.secret != nil))
		r.Get("/snapshot/{id}/download", a.handleDownload)
		r.Get("/search", a.handleSearch)
	})

	r.Get("/snapshot/{id}", a.handleSnapshot)
	r.Get("/snapshots", a.handleTimeline)
	r.Get("/replay/{timestamp}/*", a.handleReplay)
	r.Post("/capture", a.handleCapture)
}

func (a *Archive) handlePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ActivePeers())
}

func (a *Archive) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req federation.HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid handshake body: %w", err))
		return
	}
	resp, err := a.Handshake(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *Archive) handleBan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.BanPeer(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned", "peer": id})
}

func (a *Archive) handleSync(w http.ResponseWriter, r *http.Request) {
	rep, err := a.SyncNow(r.Context())
	if err != nil {
		shield.GetLogger(r.Context()).Warn("archive: manual sync finished with errors", "error", err)
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *Archive) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := a.Events(r.Context(), observability.EventFilter{
		Type:  q.Get("type"),
		Peer:  q.Get("peer"),
		Limit: queryInt(r, "limit", 50),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *Archive) handleManifest(w http.ResponseWriter, r *http.Request) {
	q, err := parseManifestQuery(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp, err := a.Manifest(r.Context(), q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	shield.GetLogger(r.Context()).Debug("archive: manifest served",
		"peer", kit.GetPeerID(r.Context()), "snapshots", len(resp.Snapshots))
	writeJSON(w, http.StatusOK, resp)
}

func parseManifestQuery(r *http.Request) (catalog.ManifestQuery, error) {
	var q catalog.ManifestQuery
	v := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		s := v.Get(p.name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return q, fmt.Errorf("%w: %s must be RFC 3339", ErrValidation, p.name)
		}
		*p.dst = t
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return q, fmt.Errorf("%w: limit must be a positive integer", ErrValidation)
		}
		q.Limit = n
	}
	switch o := catalog.Order(v.Get("order")); o {
	case "", catalog.OrderDesc, catalog.OrderAsc:
		q.Order = o
	default:
		return q, fmt.Errorf("%w: order must be asc or desc", ErrValidation)
	}
	return q, nil
}

func (a *Archive) handleFederatedSearch(w http.ResponseWriter, r *http.Request) {
	resp, err := a.FederatedSearch(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *Archive) handleSearch(w http.ResponseWriter, r *http.Request) {
	hits, err := a.Search(r.Context(), r.URL.Query().Get("q"), queryInt(r, "limit", 20))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (a *Archive) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, block, err := a.Download(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", RecordContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".warc"))
	w.Header().Set("Content-Length", strconv.Itoa(len(block)))
	w.WriteHeader(http.StatusOK)
	w.Write(block)
	shield.GetLogger(r.Context()).Debug("archive: block served",
		"peer", kit.GetPeerID(r.Context()), "id", id, "bytes", len(block))
}

func (a *Archive) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *Archive) handleTimeline(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("url is required"))
		return
	}
	snaps, err := a.Timeline(r.Context(), url, queryInt(r, "limit", 100))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (a *Archive) handleReplay(w http.ResponseWriter, r *http.Request) {
	t, err := replay.ParseTimestamp(chi.URLParam(r, "timestamp"))
	if err != nil {
		a.fail(w, r, fmt.Errorf("%w: %w", ErrValidation, err))
		return
	}
	target := chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	snap, rec, err := a.Replay(r.Context(), target, t)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ct := snap.ContentType
	if ct == "" {
		ct = rec.ContentType
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Memento-Datetime", snap.Timestamp.UTC().Format(http.TimeFormat))
	w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="original", </replay/%s/%s>; rel="memento"`,
		snap.URL, replay.FormatTimestamp(snap.Timestamp), snap.URL))
	w.Header().Set("X-Archive-Snapshot-ID", snap.ID)
	w.Header().Set("X-Archive-Status", strconv.Itoa(snap.StatusCode))
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Payload)
}

func (a *Archive) handleCapture(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := CaptureRequest{URL: q.Get("url"), ContentType: r.Header.Get("Content-Type")}
	if s := q.Get("status"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("status must be an integer"))
			return
		}
		req.StatusCode = n
	}
	if s := q.Get("timestamp"); s != "" {
		t, err := replay.ParseTimestamp(s)
		if err != nil {
			a.fail(w, r, fmt.Errorf("%w: %w", ErrValidation, err))
			return
		}
		req.Timestamp = t
	}
	body, err := horosafe.LimitedReadAll(r.Body, a.config.Storage.MaxCaptureBytes)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	req.Payload = body

	snap, err := a.Capture(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// fail writes err with its mapped status. Server-side failures are logged
// with the request's trace logger and answered without internal detail.
func (a *Archive) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		shield.GetLogger(r.Context()).Error("archive: request failed", "error", err)
		writeError(w, code, fmt.Errorf("internal error"))
		return
	}
	writeError(w, code, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

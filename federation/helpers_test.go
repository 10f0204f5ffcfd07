package federation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/warcfed/catalog"
	"github.com/hazyhaar/warcfed/record"
)

// fakePeer is an httptest node serving a fixed manifest, the blocks behind
// it and a canned search answer.
type fakePeer struct {
	srv       *httptest.Server
	snapshots []*catalog.Snapshot
	blocks    map[string][]byte

	downloads atomic.Int64
	delay     time.Duration
	status    int // forced status for every route when non-zero

	mu      sync.Mutex
	queries []string // raw manifest query strings
	auth    []string // Authorization headers seen
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	fp := &fakePeer{blocks: make(map[string][]byte)}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			fp.mu.Lock()
			fp.auth = append(fp.auth, req.Header.Get("Authorization"))
			fp.mu.Unlock()
			if fp.delay > 0 {
				select {
				case <-time.After(fp.delay):
				case <-req.Context().Done():
					return
				}
			}
			if fp.status != 0 {
				w.WriteHeader(fp.status)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/federation/manifest", func(w http.ResponseWriter, req *http.Request) {
		fp.mu.Lock()
		fp.queries = append(fp.queries, req.URL.RawQuery)
		fp.mu.Unlock()
		json.NewEncoder(w).Encode(ManifestResponse{Snapshots: fp.snapshots})
	})
	r.Get("/snapshot/{id}/download", func(w http.ResponseWriter, req *http.Request) {
		b, ok := fp.blocks[chi.URLParam(req, "id")]
		if !ok {
			http.NotFound(w, req)
			return
		}
		fp.downloads.Add(1)
		w.Header().Set("Content-Type", "application/archive-record")
		w.Write(b)
	})
	r.Get("/search", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{{"url": "https://example.org/", "q": req.URL.Query().Get("q")}})
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	fp.srv = httptest.NewServer(r)
	t.Cleanup(fp.srv.Close)
	return fp
}

// serve adds a snapshot descriptor with the given id and sha256 and a real
// response block carrying payload.
func (fp *fakePeer) serve(t *testing.T, id, sha, url string, ts time.Time, payload string) {
	t.Helper()
	c := record.NewCapture(url, ts, []byte(payload), "text/html", 200)
	b, err := record.Encode(c)
	if err != nil {
		t.Fatal(err)
	}
	fp.snapshots = append(fp.snapshots, &catalog.Snapshot{
		ID: id, URL: url, Timestamp: ts, WarcFile: "remote.warc", Length: int64(len(b)),
		SHA256: sha, StatusCode: 200, ContentType: "text/html", PayloadHash: c.PayloadDigest,
	})
	fp.blocks[id] = b
}

func (fp *fakePeer) manifestQueries() []string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]string(nil), fp.queries...)
}

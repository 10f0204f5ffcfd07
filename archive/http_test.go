package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/warcfed/auth"
	"github.com/hazyhaar/warcfed/federation"
	"github.com/hazyhaar/warcfed/observability"
	"github.com/hazyhaar/warcfed/record"
)

var testSecret = strings.Repeat("f", 32)

func serve(t *testing.T, a *Archive) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHandshakeAndPeers(t *testing.T) {
	// WHAT: node-b handshakes with node-a and shows up as an active peer.
	// WHY: This is how a node joins the federation.
	a := newTestArchive(t, "node-a", nil)
	srv := serve(t, a)

	resp, body := do(t, "POST", srv.URL+"/federation/handshake", "",
		federation.HandshakeRequest{NodeID: "node-b", Endpoint: "http://10.0.0.2:3000"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handshake: %d %s", resp.StatusCode, body)
	}
	var hs federation.HandshakeResponse
	json.Unmarshal(body, &hs)
	if hs.Status != "accepted" || hs.LocalNodeID != "node-a" {
		t.Fatalf("handshake response: %+v", hs)
	}

	resp, body = do(t, "GET", srv.URL+"/federation/peers", "", nil)
	var peers federation.PeersResponse
	if err := json.Unmarshal(body, &peers); err != nil {
		t.Fatal(err)
	}
	if peers.LocalNodeID != "node-a" || len(peers.Peers) != 1 {
		t.Fatalf("peers: %s", body)
	}
	p := peers.Peers[0]
	if p.ID != "node-b" || p.Endpoint != "http://10.0.0.2:3000" || p.Status != federation.StatusActive {
		t.Fatalf("peer: %+v", p)
	}
}

func TestHandshake_Rejections(t *testing.T) {
	a := newTestArchive(t, "node-a", nil)
	srv := serve(t, a)

	resp, _ := do(t, "POST", srv.URL+"/federation/handshake", "",
		federation.HandshakeRequest{NodeID: "node-b", Endpoint: "ftp://10.0.0.2"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid endpoint: %d", resp.StatusCode)
	}
	resp, _ = do(t, "POST", srv.URL+"/federation/handshake", "", "not an object")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body: %d", resp.StatusCode)
	}

	do(t, "POST", srv.URL+"/federation/handshake", "",
		federation.HandshakeRequest{NodeID: "node-b", Endpoint: "http://10.0.0.2:3000"})
	if resp, _ := do(t, "POST", srv.URL+"/federation/peers/node-b/ban", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("ban: %d", resp.StatusCode)
	}
	resp, _ = do(t, "POST", srv.URL+"/federation/handshake", "",
		federation.HandshakeRequest{NodeID: "node-b", Endpoint: "http://10.0.0.2:3000"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("banned: %d", resp.StatusCode)
	}
	if resp, _ := do(t, "POST", srv.URL+"/federation/peers/node-x/ban", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ban unknown: %d", resp.StatusCode)
	}

	_, body := do(t, "GET", srv.URL+"/federation/events?peer=node-b", "", nil)
	var events []observability.Event
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Type != observability.EventPeerBan || events[1].Type != observability.EventHandshake {
		t.Fatalf("events: %s", body)
	}
}

func TestHandshake_RateLimited(t *testing.T) {
	a := newTestArchive(t, "node-a", func(c *Config) { c.Federation.HandshakeRateLimit = 2 })
	srv := serve(t, a)
	req := federation.HandshakeRequest{NodeID: "node-b", Endpoint: "http://10.0.0.2:3000"}
	for i := 0; i < 2; i++ {
		if resp, _ := do(t, "POST", srv.URL+"/federation/handshake", "", req); resp.StatusCode != http.StatusOK {
			t.Fatalf("handshake %d: %d", i, resp.StatusCode)
		}
	}
	if resp, _ := do(t, "POST", srv.URL+"/federation/handshake", "", req); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third handshake: %d", resp.StatusCode)
	}
}

func TestSharedSecret(t *testing.T) {
	// WHAT: With a shared secret, handshakes need a token naming the
	// announced node, and the peer routes need any valid token.
	// WHY: Otherwise anyone could register as an existing node id and
	// receive its sync traffic.
	a := newTestArchive(t, "node-a", func(c *Config) { c.Federation.SharedSecret = testSecret })
	srv := serve(t, a)
	hs := federation.HandshakeRequest{NodeID: "node-b", Endpoint: "http://10.0.0.2:3000"}

	if resp, _ := do(t, "POST", srv.URL+"/federation/handshake", "", hs); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", resp.StatusCode)
	}
	other, _ := auth.GenerateToken([]byte(testSecret), "node-c", "", time.Minute)
	if resp, _ := do(t, "POST", srv.URL+"/federation/handshake", other, hs); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("token for another node: %d", resp.StatusCode)
	}
	tok, _ := auth.GenerateToken([]byte(testSecret), "node-b", "", time.Minute)
	if resp, body := do(t, "POST", srv.URL+"/federation/handshake", tok, hs); resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token: %d %s", resp.StatusCode, body)
	}

	if resp, _ := do(t, "GET", srv.URL+"/federation/manifest", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("manifest without token: %d", resp.StatusCode)
	}
	if resp, _ := do(t, "GET", srv.URL+"/federation/manifest", tok, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("manifest with token: %d", resp.StatusCode)
	}
	if resp, _ := do(t, "GET", srv.URL+"/search?q=x", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("search without token: %d", resp.StatusCode)
	}
}

func TestManifestRoute(t *testing.T) {
	a := newTestArchive(t, "node-a", nil)
	srv := serve(t, a)
	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s1 := capture(t, a, "https://example.org/a", t1, "a")
	s2 := capture(t, a, "https://example.org/b", t1.Add(time.Hour), "b")

	for _, q := range []string{"from=yesterday", "to=2026-13-01", "limit=abc", "limit=0", "order=sideways"} {
		if resp, _ := do(t, "GET", srv.URL+"/federation/manifest?"+q, "", nil); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", q, resp.StatusCode)
		}
	}

	resp, body := do(t, "GET", srv.URL+"/federation/manifest?order=asc&from=2026-05-01T00:00:00Z", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manifest: %d %s", resp.StatusCode, body)
	}
	var m federation.ManifestResponse
	json.Unmarshal(body, &m)
	if len(m.Snapshots) != 2 || m.Snapshots[0].ID != s1.ID || m.Snapshots[1].ID != s2.ID {
		t.Fatalf("manifest: %s", body)
	}

	_, body = do(t, "GET", srv.URL+"/federation/manifest?limit=1&from=2026-05-01T00:00:00Z", "", nil)
	json.Unmarshal(body, &m)
	if len(m.Snapshots) != 1 || m.Snapshots[0].ID != s2.ID {
		t.Fatalf("default order must be newest first: %s", body)
	}
}

func TestManifestRoute_DefaultWindow(t *testing.T) {
	// WHAT: Without from and to the manifest covers the last window (24h),
	// ending now.
	// WHY: A peer asking with no bounds must not receive all of history.
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	a := newTestArchive(t, "node-a", nil)
	a.now = func() time.Time { return now }
	srv := serve(t, a)
	capture(t, a, "https://example.org/old", now.Add(-72*time.Hour), "old")
	recent := capture(t, a, "https://example.org/recent", now.Add(-time.Hour), "recent")
	capture(t, a, "https://example.org/future", now.Add(time.Hour), "future")

	resp, body := do(t, "GET", srv.URL+"/federation/manifest", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manifest: %d %s", resp.StatusCode, body)
	}
	var m federation.ManifestResponse
	json.Unmarshal(body, &m)
	if len(m.Snapshots) != 1 || m.Snapshots[0].ID != recent.ID {
		t.Fatalf("default window: %s", body)
	}

	_, body = do(t, "GET", srv.URL+"/federation/manifest?from=2026-10-14T00:00:00Z", "", nil)
	json.Unmarshal(body, &m)
	if len(m.Snapshots) != 2 {
		t.Fatalf("explicit from, default to: %s", body)
	}
}

func TestDownloadRoute(t *testing.T) {
	a := newTestArchive(t, "node-a", nil)
	srv := serve(t, a)
	s := capture(t, a, "https://example.org/", time.Now(), page)

	resp, body := do(t, "GET", srv.URL+"/snapshot/"+s.ID+"/download", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != RecordContentType {
		t.Fatalf("content type %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != `attachment; filename="`+s.ID+`.warc"` {
		t.Fatalf("content disposition %q", cd)
	}
	rec, err := record.Decode(body)
	if err != nil || string(rec.Payload) != page {
		t.Fatalf("block: %v", err)
	}

	if resp, _ := do(t, "GET", srv.URL+"/snapshot/nope/download", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id: %d", resp.StatusCode)
	}
	if resp, _ := do(t, "GET", srv.URL+"/snapshot/"+s.ID, "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata: %d", resp.StatusCode)
	}
}

func TestReplayRoute(t *testing.T) {
	a := newTestArchive(t, "node-a", nil)
	srv := serve(t, a)
	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	capture(t, a, "https://example.org/page", t1, page)

	resp, body := do(t, "GET", srv.URL+"/replay/20260501/https://example.org/page", "", nil)
	if resp.StatusCode != http.StatusOK || string(body) != page {
		t.Fatalf("replay: %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Memento-Datetime"); got != "Fri, 01 May 2026 10:00:00 GMT" {
		t.Fatalf("Memento-Datetime = %q", got)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html" {
		t.Fatalf("content type %q", ct)
	}
	wantLink := `<https://example.org/page>; rel="original", </replay/20260501100000/https://example.org/page>; rel="memento"`
	if got := resp.Header.Get("Link"); got != wantLink {
		t.Fatalf("Link = %q", got)
	}

	if resp, _ := do(t, "GET", srv.URL+"/replay/2025/https://example.org/page", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("before capture: %d", resp.StatusCode)
	}
	if resp, _ := do(t, "GET", srv.URL+"/replay/tomorrow/https://example.org/page", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad timestamp: %d", resp.StatusCode)
	}
}

func TestCaptureRoute(t *testing.T) {
	a := newTestArchive(t, "node-a", nil)
	srv := serve(t, a)

	resp, err := http.Post(srv.URL+"/capture?url=https://example.org/x&status=404&timestamp=20260501100000",
		"text/plain", strings.NewReader("gone"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("capture: %d", resp.StatusCode)
	}
	snaps, _ := a.Timeline(context.Background(), "https://example.org/x", 10)
	if len(snaps) != 1 || snaps[0].StatusCode != 404 || snaps[0].ContentType != "text/plain" {
		t.Fatalf("timeline: %+v", snaps)
	}

	if resp, _ := do(t, "POST", srv.URL+"/capture?url=nope", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid url: %d", resp.StatusCode)
	}
	if resp, _ := do(t, "GET", srv.URL+"/snapshots?url=https://example.org/x", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("timeline route: %d", resp.StatusCode)
	}
}

func TestFederatedSearchRoute(t *testing.T) {
	a := newTestArchive(t, "node-a", nil)
	srv := serve(t, a)
	capture(t, a, "https://example.org/", time.Now(), page)

	if resp, _ := do(t, "GET", srv.URL+"/federation/search", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty query: %d", resp.StatusCode)
	}
	resp, body := do(t, "GET", srv.URL+"/federation/search?q=example", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search: %d", resp.StatusCode)
	}
	var out struct {
		Local     []json.RawMessage `json:"local"`
		Federated []json.RawMessage `json:"federated"`
	}
	json.Unmarshal(body, &out)
	if len(out.Local) != 1 || out.Federated == nil || len(out.Federated) != 0 {
		t.Fatalf("response: %s", body)
	}
}

func TestTwoNodeSync(t *testing.T) {
	// WHAT: node-b joins node-a, pulls its captures once, and replays them.
	// A recapture served as a revisit reaches node-b as a full block.
	// WHY: This is the federation path end to end, shared secret included.
	ctx := context.Background()
	secret := func(c *Config) { c.Federation.SharedSecret = testSecret }
	nodeA := newTestArchive(t, "node-a", secret)
	srvA := serve(t, nodeA)
	nodeB := newTestArchive(t, "node-b", func(c *Config) {
		secret(c)
		c.PublicEndpoint = "http://127.0.0.1:1"
	})

	capture(t, nodeA, "https://example.org/", time.Now().Add(-time.Minute), page)
	capture(t, nodeA, "https://example.org/", time.Now(), page)

	p, err := nodeB.Join(ctx, srvA.URL)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if p.ID != "node-a" {
		t.Fatalf("joined %q", p.ID)
	}
	if _, ok := nodeA.Peers().Get("node-b"); !ok {
		t.Fatal("node-a did not register node-b")
	}

	rep, err := nodeB.SyncNow(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.Fetched != 1 || rep.Skipped != 1 {
		t.Fatalf("report: %+v", rep)
	}
	_, rec, err := nodeB.Replay(ctx, "https://example.org/", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Payload) != page {
		t.Fatalf("replayed %q", rec.Payload)
	}

	rep, _ = nodeB.SyncNow(ctx)
	if rep.Fetched != 0 {
		t.Fatalf("second cycle fetched %d", rep.Fetched)
	}
	if n, _ := nodeB.Catalog().Count(ctx); n != 1 {
		t.Fatalf("node-b rows = %d", n)
	}

	events, err := nodeB.Events(ctx, observability.EventFilter{Type: observability.EventSyncPeer, Peer: "node-a"})
	if err != nil || len(events) != 2 || !events[0].Success {
		t.Fatalf("sync events: %+v %v", events, err)
	}
}

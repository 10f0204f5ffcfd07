package catalog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/warcfed/dbopen"
	"github.com/hazyhaar/warcfed/idgen"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	s := New(db)
	s.NewID = idgen.Sequence("snap")
	return s
}

func snap(url string, ts time.Time, sha string) *Snapshot {
	return &Snapshot{
		URL:         url,
		Timestamp:   ts,
		WarcFile:    "capture-00001.warc",
		Offset:      0,
		Length:      100,
		SHA256:      sha,
		StatusCode:  200,
		ContentType: "text/html",
		PayloadHash: sha,
	}
}

func TestOpen_File(t *testing.T) {
	// WHAT: Open creates the database file and schema under a new directory.
	// WHY: A fresh node starts from an empty data dir.
	s, err := Open(t.TempDir() + "/db/catalog.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if n, err := s.Count(context.Background()); err != nil || n != 0 {
		t.Fatalf("count: %d, %v", n, err)
	}
}

func TestInsertGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	in := snap("https://example.org/a", base.Add(1500*time.Microsecond), "h1")
	in.Title = "Example"
	if err := s.Insert(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if in.ID != "snap-1" {
		t.Fatalf("id: got %q", in.ID)
	}
	if !in.Timestamp.Equal(base.Add(time.Millisecond)) {
		t.Fatalf("timestamp not truncated to ms: %v", in.Timestamp)
	}

	got, err := s.Get(ctx, "snap-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected snapshot")
	}
	if got.URL != in.URL || !got.Timestamp.Equal(in.Timestamp) || got.SHA256 != "h1" || got.Title != "Example" || got.PayloadHash != "h1" {
		t.Fatalf("got %+v", got)
	}

	missing, err := s.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("missing: %v, %v", missing, err)
	}
}

func TestInsert_NullPayloadHash(t *testing.T) {
	// WHAT: An empty payload hash is stored as NULL and read back empty.
	// WHY: Peers may not advertise a payload hash.
	ctx := context.Background()
	s := openTestStore(t)
	in := snap("https://example.org/", base, "h1")
	in.PayloadHash = ""
	if err := s.Insert(ctx, in); err != nil {
		t.Fatal(err)
	}
	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE payload_hash IS NULL`).Scan(&n)
	if n != 1 {
		t.Fatalf("NULL payload_hash rows: %d", n)
	}
}

func TestFindLatestAtOrBefore_TimeTravel(t *testing.T) {
	// WHAT: For T1<T2<T3, a query in [T2, T3) returns T2; before T1 returns nil.
	// WHY: Time-travel replay shows what existed at the requested instant.
	ctx := context.Background()
	s := openTestStore(t)
	t1, t2, t3 := base, base.Add(time.Hour), base.Add(2*time.Hour)
	for i, ts := range []time.Time{t2, t1, t3} {
		if err := s.Insert(ctx, snap("https://example.org/page", ts, fmt.Sprintf("h%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	for _, q := range []time.Time{t2, t2.Add(30 * time.Minute), t3.Add(-time.Millisecond)} {
		got, err := s.FindLatestAtOrBefore(ctx, "https://example.org/page", q)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || !got.Timestamp.Equal(t2) {
			t.Fatalf("query %v: got %+v, want T2", q, got)
		}
	}

	got, err := s.FindLatestAtOrBefore(ctx, "https://example.org/page", t1.Add(-time.Second))
	if err != nil || got != nil {
		t.Fatalf("before T1: got %+v, %v", got, err)
	}

	got, err = s.FindLatestAtOrBefore(ctx, "https://example.org/page", t3.Add(time.Hour))
	if err != nil || got == nil || !got.Timestamp.Equal(t3) {
		t.Fatalf("after T3: got %+v, %v", got, err)
	}
}

func TestFindLatestAtOrBefore_MillisecondResolution(t *testing.T) {
	// WHAT: Instants inside the same millisecond compare equal; the next
	// millisecond does not.
	// WHY: The catalog stores Unix milliseconds, and replay must agree with
	// what was stored.
	ctx := context.Background()
	s := openTestStore(t)
	stored := base.Add(500 * time.Microsecond)
	if err := s.Insert(ctx, snap("https://example.org/ms", stored, "ms")); err != nil {
		t.Fatal(err)
	}
	got, err := s.FindLatestAtOrBefore(ctx, "https://example.org/ms", base.Add(200*time.Microsecond))
	if err != nil || got == nil {
		t.Fatalf("same millisecond: got %+v, %v", got, err)
	}
	if !got.Timestamp.Equal(base) {
		t.Fatalf("timestamp = %v, want floored to %v", got.Timestamp, base)
	}
	got, err = s.FindLatestAtOrBefore(ctx, "https://example.org/ms", base.Add(-time.Microsecond))
	if err != nil || got != nil {
		t.Fatalf("previous millisecond: got %+v, %v", got, err)
	}
}

func TestFindLatestAtOrBefore_TieBreaksOnInsertion(t *testing.T) {
	// WHAT: Equal timestamps resolve to the most recently inserted row.
	// WHY: No other total order exists between same-instant captures.
	ctx := context.Background()
	s := openTestStore(t)
	for _, sha := range []string{"first", "second", "third"} {
		if err := s.Insert(ctx, snap("https://example.org/", base, sha)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.FindLatestAtOrBefore(ctx, "https://example.org/", base)
	if err != nil {
		t.Fatal(err)
	}
	if got.SHA256 != "third" {
		t.Fatalf("tie: got %q, want third", got.SHA256)
	}
}

func TestFindLatestAtOrBefore_NormalizedLookup(t *testing.T) {
	// WHAT: Lookups match URLs that differ only in spelling.
	// WHY: Capture sources and readers rarely agree on trailing slashes or host case.
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.Insert(ctx, snap("https://Example.org/a/?b=2&a=1#top", base, "h")); err != nil {
		t.Fatal(err)
	}
	got, err := s.FindLatestAtOrBefore(ctx, "https://example.org/a?a=1&b=2", base)
	if err != nil || got == nil {
		t.Fatalf("normalized lookup: %+v, %v", got, err)
	}
	if got.URL != "https://Example.org/a/?b=2&a=1#top" {
		t.Fatalf("url must be stored verbatim, got %q", got.URL)
	}
}

func TestExistsByHash(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ok, err := s.ExistsByHash(ctx, "abc123")
	if err != nil || ok {
		t.Fatalf("empty catalog: %v, %v", ok, err)
	}
	if err := s.Insert(ctx, snap("https://example.org/", base, "abc123")); err != nil {
		t.Fatal(err)
	}
	ok, err = s.ExistsByHash(ctx, "abc123")
	if err != nil || !ok {
		t.Fatalf("after insert: %v, %v", ok, err)
	}
}

func TestPayloadRegistry_FirstWriterWins(t *testing.T) {
	// WHAT: RegisterPayload keeps the first location for a hash.
	// WHY: Every snapshot sharing a payload must read the same canonical bytes.
	ctx := context.Background()
	s := openTestStore(t)

	loc, err := s.LookupPayload(ctx, "h")
	if err != nil || loc != nil {
		t.Fatalf("lookup empty: %v, %v", loc, err)
	}

	first := PayloadLocation{Hash: "h", WarcPath: "capture-00001.warc", WarcOffset: 10, WarcLength: 50}
	second := PayloadLocation{Hash: "h", WarcPath: "sync.warc", WarcOffset: 0, WarcLength: 70}
	if ok, err := s.RegisterPayload(ctx, first); err != nil || !ok {
		t.Fatalf("register first: %v, %v", ok, err)
	}
	if ok, err := s.RegisterPayload(ctx, second); err != nil || ok {
		t.Fatalf("register second: %v, %v", ok, err)
	}

	loc, err = s.LookupPayload(ctx, "h")
	if err != nil {
		t.Fatal(err)
	}
	if loc.WarcPath != "capture-00001.warc" || loc.WarcOffset != 10 || loc.WarcLength != 50 {
		t.Fatalf("canonical: %+v", loc)
	}
	if n, _ := s.CountPayloads(ctx); n != 1 {
		t.Fatalf("payload count: %d", n)
	}
}

func TestManifest(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.Insert(ctx, snap(fmt.Sprintf("https://example.org/%d", i), base.Add(time.Duration(i)*time.Hour), fmt.Sprintf("h%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	desc, err := s.Manifest(ctx, ManifestQuery{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(desc) != 3 || desc[0].SHA256 != "h3" || desc[2].SHA256 != "h1" {
		t.Fatalf("desc window: %d rows", len(desc))
	}

	asc, err := s.Manifest(ctx, ManifestQuery{Limit: 2, Order: OrderAsc})
	if err != nil {
		t.Fatal(err)
	}
	if len(asc) != 2 || asc[0].SHA256 != "h0" || asc[1].SHA256 != "h1" {
		t.Fatalf("asc limit: %+v", asc)
	}

	empty, err := s.Manifest(ctx, ManifestQuery{From: base.Add(10 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("empty window must be a non-nil empty list: %#v", empty)
	}
}

func TestTimelineAndEach(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		s.Insert(ctx, snap("https://example.org/x", base.Add(time.Duration(i)*time.Minute), fmt.Sprintf("h%d", i)))
	}
	s.Insert(ctx, snap("https://example.org/y", base, "other"))

	tl, err := s.Timeline(ctx, "https://example.org/x/", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tl) != 3 || tl[0].SHA256 != "h2" {
		t.Fatalf("timeline: %d rows", len(tl))
	}

	var seen []string
	if err := s.Each(ctx, func(sn *Snapshot) error {
		seen = append(seen, sn.SHA256)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 4 || seen[0] != "h0" || seen[3] != "other" {
		t.Fatalf("each: %v", seen)
	}
}

func TestSearch(t *testing.T) {
	// WHAT: FTS5 matches URL and title terms; operators are taken literally.
	// WHY: Peers call /search with raw user queries.
	ctx := context.Background()
	s := openTestStore(t)
	a := snap("https://news.example.org/climate", base, "a")
	a.Title = "Climate report 2026"
	b := snap("https://blog.example.org/recipes", base, "b")
	b.Title = "Weekly recipes"
	s.Insert(ctx, a)
	s.Insert(ctx, b)

	hits, err := s.Search(ctx, "climate", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].URL != a.URL {
		t.Fatalf("climate: %+v", hits)
	}

	hits, err = s.Search(ctx, "recipes weekly", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].SnapshotID != b.ID {
		t.Fatalf("two terms: %+v", hits)
	}

	hits, err = s.Search(ctx, `climate OR "recipes`, 10)
	if err != nil {
		t.Fatalf("operators must be escaped: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("literal OR should match nothing: %+v", hits)
	}

	hits, err = s.Search(ctx, "   ", 10)
	if err != nil || len(hits) != 0 {
		t.Fatalf("blank query: %v, %v", hits, err)
	}
}

func TestConcurrentInserts(t *testing.T) {
	// WHAT: Concurrent inserts on one handle all land.
	// WHY: API handlers and the sync loop share the catalog.
	ctx := context.Background()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	s := New(db)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Insert(ctx, snap("https://example.org/", base, fmt.Sprintf("h%d", i))); err != nil {
				t.Errorf("insert: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if n, _ := s.Count(ctx); n != 20 {
		t.Fatalf("count: %d", n)
	}
}

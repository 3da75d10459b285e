package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/collecte/collecte/internal/fetch"
	"github.com/hazyhaar/collecte/collecte/internal/library"
)

func testFetcher() *fetch.Fetcher {
	return fetch.New(fetch.Config{
		URLValidator: func(string) error { return nil },
	})
}

func testRequest(itemKey string, params string) Request {
	return Request{
		Item:    &library.Item{ItemKey: itemKey, Domain: "news"},
		Channel: library.DefaultChannel(),
		Params:  json.RawMessage(params),
	}
}

func collect(t *testing.T, a Adapter, req Request) []*Candidate {
	t.Helper()
	var out []*Candidate
	err := a.Fetch(context.Background(), req, func(c *Candidate) error {
		out = append(out, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	return out
}

// WHAT: unknown handler keys surface ErrUnsupportedHandler from Dispatch.
func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	r.Register("web", NewWeb(testFetcher(), nil))

	if _, err := r.Dispatch("web"); err != nil {
		t.Fatalf("Dispatch(web): %v", err)
	}
	if _, err := r.Dispatch("carrier-pigeon"); !errors.Is(err, ErrUnsupportedHandler) {
		t.Errorf("err = %v, want ErrUnsupportedHandler", err)
	}
	if got := r.Keys(); len(got) != 1 || got[0] != "web" {
		t.Errorf("Keys = %v", got)
	}
}

// WHAT: relative url params join the channel base_url; absent base_url
// with a relative url is an error.
func TestResolveURL(t *testing.T) {
	req := Request{Channel: &library.Channel{BaseURL: "https://example.com/api/"}}
	got, err := resolveURL(req, "v1/items")
	if err != nil {
		t.Fatalf("resolveURL: %v", err)
	}
	if got != "https://example.com/api/v1/items" {
		t.Errorf("resolved = %q", got)
	}

	got, err = resolveURL(req, "https://other.example/x")
	if err != nil || got != "https://other.example/x" {
		t.Errorf("absolute: %q, %v", got, err)
	}

	if _, err := resolveURL(Request{Channel: library.DefaultChannel()}, "v1/items"); err == nil {
		t.Error("relative without base_url: want error")
	}
	if _, err := resolveURL(req, ""); err == nil {
		t.Error("empty url: want error")
	}
}

// WHAT: the web adapter emits exactly one candidate with extracted
// markdown, text and a published date picked up from the page markup.
func TestWebAdapter(t *testing.T) {
	page := `<!DOCTYPE html><html><head>
		<title>Quarterly Report</title>
		<meta property="article:published_time" content="2024-03-01T09:00:00Z">
	</head><body>
		<nav>menu menu menu</nav>
		<article><h1>Quarterly Report</h1>
		<p>Revenue grew by twelve percent in the first quarter, driven by
		steady demand across all regions and several new contracts.</p>
		<p>Operating costs stayed flat compared to the previous year.</p>
		</article>
	</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	}))
	defer srv.Close()

	w := NewWeb(testFetcher(), nil)
	cands := collect(t, w, testRequest("report", `{"url":"`+srv.URL+`/report"}`))
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	c := cands[0]
	if c.URI != srv.URL+"/report" {
		t.Errorf("uri = %q", c.URI)
	}
	if c.Title != "Quarterly Report" {
		t.Errorf("title = %q", c.Title)
	}
	if !strings.Contains(c.BodyText, "Revenue grew") {
		t.Errorf("text = %q", c.BodyText)
	}
	if strings.Contains(c.BodyText, "menu menu") {
		t.Error("boilerplate nav leaked into text")
	}
	want := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if !c.Published.Equal(want) {
		t.Errorf("published = %v, want %v", c.Published, want)
	}
}

// WHAT: a second fetch of an unchanged page sends the stored validators,
// gets a 304 and surfaces ErrNotModified; the recorded fetch state keeps
// the etag even though the 304 has no body.
func TestWebAdapterNotModified(t *testing.T) {
	page := `<!DOCTYPE html><html><head><title>Static</title></head><body>
		<article><p>A page that never changes between visits, long enough
		for the extractor to keep it as the main content block.</p></article>
		</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(page))
	}))
	defer srv.Close()

	w := NewWeb(testFetcher(), nil)
	var etag, lastMod, hash string
	req := testRequest("static", `{"url":"`+srv.URL+`/page"}`)
	req.RecordFetch = func(e, lm, h string) { etag, lastMod, hash = e, lm, h }

	cands := collect(t, w, req)
	if len(cands) != 1 {
		t.Fatalf("first fetch: candidates = %d, want 1", len(cands))
	}
	if etag != `"v1"` || hash == "" {
		t.Fatalf("recorded etag = %q, hash = %q", etag, hash)
	}

	req2 := testRequest("static", `{"url":"`+srv.URL+`/page"}`)
	req2.Item.ETag, req2.Item.LastModified, req2.Item.LastHash = etag, lastMod, hash
	var etag2 string
	req2.RecordFetch = func(e, _, _ string) { etag2 = e }
	err := w.Fetch(context.Background(), req2, func(*Candidate) error {
		t.Error("candidate emitted for unmodified page")
		return nil
	})
	if !errors.Is(err, ErrNotModified) {
		t.Fatalf("err = %v, want ErrNotModified", err)
	}
	if etag2 != `"v1"` {
		t.Errorf("304 clobbered recorded etag: %q", etag2)
	}
}

const rssFixture = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Feed</title><link>https://example.com</link>
<item><guid>g1</guid><title>One</title><link>https://example.com/1</link>
<description>&lt;p&gt;First entry body text.&lt;/p&gt;</description>
<pubDate>Mon, 04 Mar 2024 10:00:00 GMT</pubDate></item>
<item><guid>g2</guid><title>Two</title><link>https://example.com/2</link>
<description>Second entry body text.</description></item>
<item><guid>g3</guid><title>Three</title><link>https://example.com/3</link>
<description>Third entry body text.</description></item>
</channel></rss>`

// WHAT: the rss adapter emits one candidate per entry with parsed dates;
// max_entries truncates.
func TestRSSAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	r := NewRSS(testFetcher(), nil)
	cands := collect(t, r, testRequest("feed", `{"url":"`+srv.URL+`"}`))
	if len(cands) != 3 {
		t.Fatalf("candidates = %d, want 3", len(cands))
	}
	if cands[0].URI != "https://example.com/1" {
		t.Errorf("uri = %q", cands[0].URI)
	}
	if !strings.Contains(cands[0].BodyText, "First entry body text") {
		t.Errorf("text = %q", cands[0].BodyText)
	}
	want := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	if !cands[0].Published.Equal(want) {
		t.Errorf("published = %v, want %v", cands[0].Published, want)
	}
	if !cands[1].Published.IsZero() {
		t.Errorf("undated entry published = %v, want zero", cands[1].Published)
	}

	cands = collect(t, r, testRequest("feed", `{"url":"`+srv.URL+`","max_entries":2}`))
	if len(cands) != 2 {
		t.Errorf("max_entries: candidates = %d, want 2", len(cands))
	}
}

// WHAT: an emit error stops the stream immediately and propagates.
// WHY: this is the cancellation checkpoint between candidates.
func TestRSSEmitErrorStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	r := NewRSS(testFetcher(), nil)
	stop := errors.New("stop")
	var seen int
	err := r.Fetch(context.Background(), testRequest("feed", `{"url":"`+srv.URL+`"}`),
		func(*Candidate) error {
			seen++
			if seen == 2 {
				return stop
			}
			return nil
		})
	if !errors.Is(err, stop) {
		t.Errorf("err = %v, want stop", err)
	}
	if seen != 2 {
		t.Errorf("seen = %d, want 2 (no emit after error)", seen)
	}
}

// WHAT: the api adapter walks items_path and applies the field mapping,
// including the published field.
func TestAPIAdapter(t *testing.T) {
	payload := `{"data":{"results":[
		{"link":"https://example.com/a","name":"Alpha","body":"Alpha text.","date":"2024-05-06"},
		{"link":"https://example.com/b","name":"Beta","body":"Beta text."},
		{"name":"No link, skipped","body":"x"}
	]}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "sesame" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	t.Setenv("COLLECTE_TEST_TOKEN", "sesame")

	a := NewAPI(srv.Client(), nil)
	a.SetURLValidator(func(string) error { return nil })
	params := `{"url":"` + srv.URL + `","items_path":"data.results",
		"uri_field":"link","title_field":"name","text_field":"body",
		"published_field":"date","headers":{"X-Token":"${COLLECTE_TEST_TOKEN}"}}`
	cands := collect(t, a, testRequest("api", params))
	if len(cands) != 2 {
		t.Fatalf("candidates = %d, want 2 (linkless item skipped)", len(cands))
	}
	if cands[0].URI != "https://example.com/a" || cands[0].Title != "Alpha" {
		t.Errorf("cand[0] = %+v", cands[0])
	}
	if cands[0].Published.IsZero() {
		t.Error("published not parsed")
	}
	if !cands[1].Published.IsZero() {
		t.Errorf("cand[1] published = %v, want zero", cands[1].Published)
	}
}

// WHAT: a bad items_path is a handler error, not a silent empty run.
func TestAPIAdapterBadPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	a := NewAPI(srv.Client(), nil)
	a.SetURLValidator(func(string) error { return nil })
	err := a.Fetch(context.Background(),
		testRequest("api", `{"url":"`+srv.URL+`","items_path":"data.results"}`),
		func(*Candidate) error { return nil })
	if err == nil {
		t.Error("want error for missing items_path key")
	}
}

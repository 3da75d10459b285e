package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func allowAll(string) error { return nil }

func TestFetchBasic(t *testing.T) {
	// WHAT: A plain 200 response comes back with body, hash, Changed=true.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := New(Config{URLValidator: allowAll})
	res, err := f.Fetch(context.Background(), srv.URL, "", "", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(res.Body) != "hello" || !res.Changed {
		t.Errorf("body=%q changed=%v", res.Body, res.Changed)
	}
	if res.ETag != `"v1"` {
		t.Errorf("etag: %q", res.ETag)
	}
	if res.Hash == "" {
		t.Error("hash not computed")
	}
}

func TestFetchConditional304(t *testing.T) {
	// WHAT: A matching If-None-Match yields Changed=false with no body.
	// WHY: Unchanged sources must not re-enter the pipeline.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	f := New(Config{URLValidator: allowAll})
	res, err := f.Fetch(context.Background(), srv.URL, `"v1"`, "", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Changed || res.StatusCode != http.StatusNotModified {
		t.Errorf("changed=%v status=%d", res.Changed, res.StatusCode)
	}
}

func TestFetchPrevHashUnchanged(t *testing.T) {
	// WHAT: Identical content with no conditional support is detected via hash.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("same"))
	}))
	defer srv.Close()

	f := New(Config{URLValidator: allowAll})
	first, _ := f.Fetch(context.Background(), srv.URL, "", "", "")
	second, err := f.Fetch(context.Background(), srv.URL, "", "", first.Hash)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if second.Changed {
		t.Error("identical body reported as changed")
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(Config{URLValidator: allowAll})
	res, err := f.Fetch(context.Background(), srv.URL, "", "", "")
	if err == nil {
		t.Fatal("expected error on 500")
	}
	if res == nil || res.StatusCode != 500 {
		t.Errorf("result: %+v", res)
	}
}

func TestFetchSSRFBlocked(t *testing.T) {
	// WHAT: The default validator blocks loopback targets before any request.
	f := New(Config{})
	if _, err := f.Fetch(context.Background(), "http://127.0.0.1:1/x", "", "", ""); err == nil {
		t.Error("loopback fetch not blocked")
	}
}

func TestFetchMaxBytes(t *testing.T) {
	// WHAT: Oversized bodies are truncated at the configured cap.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	f := New(Config{MaxBytes: 10, Timeout: time.Second, URLValidator: allowAll})
	res, err := f.Fetch(context.Background(), srv.URL, "", "", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Body) != 10 {
		t.Errorf("body length: %d", len(res.Body))
	}
}

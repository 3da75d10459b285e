package dedup

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/collecte/collecte/internal/store"
	"github.com/hazyhaar/collecte/dbopen"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	return store.New(db)
}

func seedDoc(t *testing.T, st *store.Store, id, uri, text string) {
	t.Helper()
	now := time.Now().UnixMilli()
	doc := &store.Document{
		ID: id, ProjectKey: "acme", Domain: "news", URI: uri,
		BodyText: text, TextHash: Hash(Normalize(text)),
		FetchedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if _, err := st.Upsert(context.Background(), doc); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

// WHAT: normalization is case-, punctuation- and whitespace-insensitive.
func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Hello, World!", "hello world"},
		{"  hello\n\tworld  ", "hello world"},
		{"HELLO-WORLD", "hello world"},
		{"hello   ...   world", "hello world"},
		{"", ""},
		{"  \n\t ,.;  ", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// WHAT: a candidate with no usable text is dropped before any lookup.
func TestDecideEmptyContent(t *testing.T) {
	e := New(0)
	st := testStore(t)

	for _, text := range []string{"", "   ", "<>!?,."} {
		d, err := e.Decide(context.Background(), st, "news", "https://example.com/a", text)
		if err != nil {
			t.Fatalf("Decide(%q): %v", text, err)
		}
		if d.Op != OpDrop || d.Reason != ReasonEmptyContent {
			t.Errorf("Decide(%q) = %+v, want empty-content drop", text, d)
		}
	}
}

// WHAT: a known URI is an update even when the content also matches
// another document's hash.
// WHY: URI identity outranks content identity; a refresh must never be
// misclassified as a duplicate.
func TestDecideURIOutranksHash(t *testing.T) {
	e := New(0)
	st := testStore(t)
	ctx := context.Background()

	seedDoc(t, st, "doc-a", "https://example.com/a", "shared body text")
	seedDoc(t, st, "doc-b", "https://example.com/b", "other text entirely")

	d, err := e.Decide(ctx, st, "news", "https://example.com/b", "shared body text")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Op != OpUpdate || d.ExistingID != "doc-b" {
		t.Errorf("Decide = %+v, want update of doc-b", d)
	}
}

// WHAT: same content under a new URI within the window is dropped as a
// content duplicate, pointing at the original.
func TestDecideContentDuplicate(t *testing.T) {
	e := New(0)
	st := testStore(t)
	ctx := context.Background()

	seedDoc(t, st, "doc-a", "https://example.com/a", "The Quick Brown Fox!")

	d, err := e.Decide(ctx, st, "news", "https://mirror.example/a", "the quick   brown fox")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Op != OpDrop || d.Reason != ReasonContentDuplicate || d.ExistingID != "doc-a" {
		t.Errorf("Decide = %+v, want content-duplicate drop of doc-a", d)
	}
}

// WHAT: fresh URI and fresh content insert.
func TestDecideInsert(t *testing.T) {
	e := New(0)
	st := testStore(t)

	d, err := e.Decide(context.Background(), st, "news", "https://example.com/new", "brand new material")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Op != OpInsert || d.TextHash == "" {
		t.Errorf("Decide = %+v, want insert with hash", d)
	}
}

// WHAT: documents older than the window no longer block same-content
// inserts under a new URI.
func TestDecideWindowBounded(t *testing.T) {
	e := New(2)
	st := testStore(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	for i, spec := range []struct{ id, uri, text string }{
		{"doc-1", "https://example.com/1", "oldest content"},
		{"doc-2", "https://example.com/2", "middle content"},
		{"doc-3", "https://example.com/3", "newest content"},
	} {
		now := base + int64(i)
		doc := &store.Document{
			ID: spec.id, ProjectKey: "acme", Domain: "news", URI: spec.uri,
			BodyText: spec.text, TextHash: Hash(Normalize(spec.text)),
			FetchedAt: now, CreatedAt: now, UpdatedAt: now,
		}
		if _, err := st.Upsert(ctx, doc); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	// doc-1 fell out of the 2-document window.
	d, err := e.Decide(ctx, st, "news", "https://mirror.example/1", "oldest content")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Op != OpInsert {
		t.Errorf("outside window: Decide = %+v, want insert", d)
	}

	// doc-3 is still inside it.
	d, err = e.Decide(ctx, st, "news", "https://mirror.example/3", "newest content")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Op != OpDrop || d.Reason != ReasonContentDuplicate {
		t.Errorf("inside window: Decide = %+v, want duplicate drop", d)
	}
}

// WHAT: Lock returns a held mutex scoped to the key; different keys can
// progress independently (best-effort given striping).
func TestLock(t *testing.T) {
	e := New(0)
	unlock := e.Lock("acme", "news", "https://example.com/a")

	done := make(chan struct{})
	go func() {
		u := e.Lock("acme", "news", "https://example.com/a")
		u()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after release")
	}
}

package library

import (
	"context"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/collecte/collecte/internal/store"
	"github.com/hazyhaar/collecte/dbopen"
)

func testLibrary(t *testing.T) *Library {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	return New(db)
}

func seedItems(t *testing.T, l *Library) {
	t.Helper()
	ctx := context.Background()
	items := []*Item{
		{ItemKey: "blog", HandlerKey: "rss", Domain: "news", Position: 2},
		{ItemKey: "homepage", HandlerKey: "web", Domain: "news", Position: 1},
		{ItemKey: "alerts", HandlerKey: "rss", Domain: "news", Position: 2},
		{ItemKey: "rulings", HandlerKey: "web", Domain: "legal", Position: 1},
	}
	for _, it := range items {
		if err := l.PutItem(ctx, it); err != nil {
			t.Fatalf("PutItem %s: %v", it.ItemKey, err)
		}
	}
}

// WHAT: Resolve orders by (position, item_key) and scopes to the domain.
// WHY: deterministic ordering keeps re-runs comparable and logs stable.
func TestResolveOrdering(t *testing.T) {
	l := testLibrary(t)
	seedItems(t, l)

	items, err := l.Resolve(context.Background(), "news", Selector{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"homepage", "alerts", "blog"}
	if len(items) != len(want) {
		t.Fatalf("items = %d, want %d", len(items), len(want))
	}
	for i, k := range want {
		if items[i].ItemKey != k {
			t.Errorf("items[%d] = %q, want %q", i, items[i].ItemKey, k)
		}
	}
}

// WHAT: selectors narrow by item_key or handler_key; an empty match is
// ErrNoItems unless AllowEmpty.
func TestResolveSelectors(t *testing.T) {
	l := testLibrary(t)
	seedItems(t, l)
	ctx := context.Background()

	items, err := l.Resolve(ctx, "news", Selector{ItemKey: "blog"})
	if err != nil {
		t.Fatalf("Resolve by item: %v", err)
	}
	if len(items) != 1 || items[0].HandlerKey != "rss" {
		t.Errorf("items = %+v", items)
	}

	items, err = l.Resolve(ctx, "news", Selector{HandlerKey: "rss"})
	if err != nil {
		t.Fatalf("Resolve by handler: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("rss items = %d, want 2", len(items))
	}

	if _, err := l.Resolve(ctx, "news", Selector{ItemKey: "missing"}); !errors.Is(err, ErrNoItems) {
		t.Errorf("err = %v, want ErrNoItems", err)
	}
	items, err = l.Resolve(ctx, "news", Selector{ItemKey: "missing", AllowEmpty: true})
	if err != nil || len(items) != 0 {
		t.Errorf("AllowEmpty: items=%v err=%v", items, err)
	}
}

// WHAT: items from another domain never leak into Resolve.
func TestResolveDomainIsolation(t *testing.T) {
	l := testLibrary(t)
	seedItems(t, l)

	items, err := l.Resolve(context.Background(), "legal", Selector{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(items) != 1 || items[0].ItemKey != "rulings" {
		t.Errorf("items = %+v, want rulings only", items)
	}
}

// WHAT: unknown or empty channel keys fall back to the default channel.
func TestChannelFallback(t *testing.T) {
	l := testLibrary(t)
	ctx := context.Background()

	for _, key := range []string{"", "missing"} {
		c, err := l.Channel(ctx, key)
		if err != nil {
			t.Fatalf("Channel(%q): %v", key, err)
		}
		if c.ChannelKey != "default" || c.RateLimitMS != 1000 {
			t.Errorf("Channel(%q) = %+v, want default", key, c)
		}
	}

	if err := l.PutChannel(ctx, &Channel{
		ChannelKey: "press", BaseURL: "https://press.example", AuthMode: "none",
		RateLimitMS: 250, TimeoutMS: 10000, MaxConcurrent: 2,
	}); err != nil {
		t.Fatalf("PutChannel: %v", err)
	}
	c, err := l.Channel(ctx, "press")
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if c.RateLimitMS != 250 || c.MaxConcurrent != 2 {
		t.Errorf("channel = %+v", c)
	}
}

// WHAT: SetFetchState persists the conditional-GET validators and a
// later PutItem upsert of the same item leaves them untouched.
func TestSetFetchState(t *testing.T) {
	l := testLibrary(t)
	ctx := context.Background()

	it := &Item{ItemKey: "blog", HandlerKey: "rss", Domain: "news"}
	if err := l.PutItem(ctx, it); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	if err := l.SetFetchState(ctx, "news", "blog", `"v1"`, "Mon, 04 Mar 2024 10:00:00 GMT", "abc123"); err != nil {
		t.Fatalf("SetFetchState: %v", err)
	}

	items, err := l.Resolve(ctx, "news", Selector{ItemKey: "blog"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := items[0]
	if got.ETag != `"v1"` || got.LastModified != "Mon, 04 Mar 2024 10:00:00 GMT" || got.LastHash != "abc123" {
		t.Errorf("fetch state = %q %q %q", got.ETag, got.LastModified, got.LastHash)
	}

	// Editing the item must not reset what the fetcher learned.
	it.Position = 3
	if err := l.PutItem(ctx, it); err != nil {
		t.Fatalf("PutItem update: %v", err)
	}
	items, err = l.Resolve(ctx, "news", Selector{ItemKey: "blog"})
	if err != nil {
		t.Fatalf("Resolve after update: %v", err)
	}
	if items[0].ETag != `"v1"` || items[0].LastHash != "abc123" {
		t.Errorf("upsert cleared fetch state: %+v", items[0])
	}
}

// WHAT: PutItem upserts on (domain, item_key); DeleteItem is quiet on
// absent keys.
func TestPutAndDelete(t *testing.T) {
	l := testLibrary(t)
	ctx := context.Background()

	it := &Item{ItemKey: "blog", HandlerKey: "rss", Domain: "news", Position: 1}
	if err := l.PutItem(ctx, it); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	it.HandlerKey = "web"
	it.Position = 5
	if err := l.PutItem(ctx, it); err != nil {
		t.Fatalf("PutItem update: %v", err)
	}

	items, err := l.ListItems(ctx, "news")
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 1 || items[0].HandlerKey != "web" || items[0].Position != 5 {
		t.Errorf("items = %+v", items)
	}
	if items[0].ParamsJSON != "{}" {
		t.Errorf("params_json = %q, want {} default", items[0].ParamsJSON)
	}

	if err := l.DeleteItem(ctx, "news", "blog"); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if err := l.DeleteItem(ctx, "news", "blog"); err != nil {
		t.Fatalf("DeleteItem absent: %v", err)
	}
}

// Package adapter holds the handler registry and the built-in source
// adapters (web, rss, api). Orchestration never branches on source
// specifics: everything an adapter needs arrives through its handler
// key and the request params.
//
// Adapters stream candidates through the emit callback. Returning a
// non-nil error from emit stops the stream, which is how the runner
// implements cooperative cancellation between candidates.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hazyhaar/collecte/collecte/internal/fetch"
	"github.com/hazyhaar/collecte/collecte/internal/library"
)

// ErrUnsupportedHandler is returned by Dispatch for unknown handler keys.
var ErrUnsupportedHandler = errors.New("adapter: unsupported handler key")

// ErrNotModified is returned when a conditional GET reports the source
// unchanged since the last run. Not a failure: the runner skips the item.
var ErrNotModified = errors.New("adapter: source not modified")

// Candidate is one document produced by an adapter, before dedup.
type Candidate struct {
	URI       string
	Title     string
	BodyMD    string
	BodyText  string
	Published time.Time
}

// Request carries one item's resolved context to its adapter. Params is
// the item's stored params merged with per-run overrides; overrides are
// never persisted.
//
// Item.ETag / Item.LastModified / Item.LastHash seed the conditional GET
// of the item's primary URL. Adapters that honour them report the fresh
// state back through RecordFetch and return ErrNotModified when the
// source has not changed.
type Request struct {
	Item    *library.Item
	Channel *library.Channel
	Params  json.RawMessage
	// RecordFetch persists the conditional-GET state of the item's
	// primary fetch. Nil when the caller does not track fetch state.
	RecordFetch func(etag, lastModified, hash string)
}

// Adapter produces candidates for one source item. Implementations must
// stop and return emit's error as soon as emit fails, and should be Fetch
// restartable (no state carried across calls).
type Adapter interface {
	Fetch(ctx context.Context, req Request, emit func(*Candidate) error) error
}

// Registry maps handler keys to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds a handler key. Re-registering replaces.
func (r *Registry) Register(handlerKey string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[handlerKey] = a
}

// Dispatch returns the adapter for a handler key.
func (r *Registry) Dispatch(handlerKey string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[handlerKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedHandler, handlerKey)
	}
	return a, nil
}

// Keys returns the registered handler keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// recordFetch reports a fetch result's conditional-GET state back to the
// caller. A 304 carries no body and may omit validators; previous state
// is kept for whatever the response left blank.
func recordFetch(req Request, result *fetch.Result) {
	if req.RecordFetch == nil {
		return
	}
	etag, lastMod, hash := result.ETag, result.LastMod, result.Hash
	if etag == "" {
		etag = req.Item.ETag
	}
	if lastMod == "" {
		lastMod = req.Item.LastModified
	}
	if hash == "" {
		hash = req.Item.LastHash
	}
	req.RecordFetch(etag, lastMod, hash)
}

// decodeParams unmarshals the merged params into an adapter config.
func decodeParams(req Request, dst any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		return fmt.Errorf("adapter: params: %w", err)
	}
	return nil
}

// resolveURL returns the absolute URL for a request: an absolute url
// param wins, a relative one joins the channel's base_url.
func resolveURL(req Request, raw string) (string, error) {
	if raw == "" {
		return "", errors.New("adapter: missing url param")
	}
	if strings.Contains(raw, "://") {
		return raw, nil
	}
	if req.Channel == nil || req.Channel.BaseURL == "" {
		return "", fmt.Errorf("adapter: relative url %q without channel base_url", raw)
	}
	base, err := url.Parse(req.Channel.BaseURL)
	if err != nil {
		return "", fmt.Errorf("adapter: channel base_url: %w", err)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("adapter: url param: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// newMarkdownConverter builds the shared HTML→markdown converter.
func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
}

// toMarkdown converts HTML, falling back to the plain text when the
// conversion fails or yields nothing.
func toMarkdown(conv *converter.Converter, html, sourceURL, fallback string) string {
	if html == "" {
		return fallback
	}
	result, err := conv.ConvertString(html, converter.WithDomain(sourceURL))
	if err != nil || strings.TrimSpace(result) == "" {
		return fallback
	}
	return strings.TrimSpace(result)
}

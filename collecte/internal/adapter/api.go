package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hazyhaar/collecte/extract"
	"github.com/hazyhaar/collecte/horosafe"
)

// apiConfig is decoded from request params for the api handler. Header
// values may reference secrets as ${ENV_VAR}; the expansion never lands
// in the library or the ledger.
type apiConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	ItemsPath      string            `json:"items_path"`
	URIField       string            `json:"uri_field"`
	TitleField     string            `json:"title_field"`
	TextField      string            `json:"text_field"`
	PublishedField string            `json:"published_field"`
	MaxItems       int               `json:"max_items"`
}

// API fetches a JSON endpoint, walks items_path and emits one candidate
// per item using the configured field mapping.
type API struct {
	client   *http.Client
	validate func(string) error
	logger   *slog.Logger
}

func NewAPI(client *http.Client, logger *slog.Logger) *API {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{client: client, validate: horosafe.ValidateURL, logger: logger}
}

// SetURLValidator overrides the SSRF check (tests, private deployments).
func (a *API) SetURLValidator(v func(string) error) {
	if v != nil {
		a.validate = v
	}
}

func (a *API) Fetch(ctx context.Context, req Request, emit func(*Candidate) error) error {
	cfg := apiConfig{
		URIField:   "url",
		TitleField: "title",
		TextField:  "text",
	}
	if err := decodeParams(req, &cfg); err != nil {
		return err
	}
	endpoint, err := resolveURL(req, cfg.URL)
	if err != nil {
		return err
	}
	if err := a.validate(endpoint); err != nil {
		return fmt.Errorf("api url: %w", err)
	}

	log := a.logger.With("handler", "api", "item", req.Item.ItemKey, "url", endpoint)

	items, err := a.call(ctx, endpoint, cfg)
	if err != nil {
		log.Warn("api: fetch failed", "error", err)
		return err
	}

	limit := len(items)
	if cfg.MaxItems > 0 && cfg.MaxItems < limit {
		limit = cfg.MaxItems
	}

	var emitted int
	for _, raw := range items[:limit] {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		uri := asString(obj[cfg.URIField])
		if uri == "" {
			continue
		}
		cand := &Candidate{
			URI:      uri,
			Title:    asString(obj[cfg.TitleField]),
			BodyText: extract.CleanText(asString(obj[cfg.TextField])),
		}
		cand.BodyMD = cand.BodyText
		if cfg.PublishedField != "" {
			cand.Published = parsePublished(asString(obj[cfg.PublishedField]))
		}
		if err := emit(cand); err != nil {
			return err
		}
		emitted++
	}

	log.Debug("api: processed", "items", len(items), "emitted", emitted)
	return nil
}

func (a *API) call(ctx context.Context, endpoint string, cfg apiConfig) ([]any, error) {
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("api request: %w", err)
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, os.Expand(v, os.Getenv))
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("api http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("api read body: %w", err)
	}

	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("api json: %w", err)
	}
	items, err := walkItems(root, cfg.ItemsPath)
	if err != nil {
		return nil, fmt.Errorf("api items_path %q: %w", cfg.ItemsPath, err)
	}
	return items, nil
}

// walkItems follows a dot-notation path to the item array. An empty
// path means the root itself is the array.
func walkItems(v any, path string) ([]any, error) {
	if path == "" {
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("root is not an array")
		}
		return arr, nil
	}
	current := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object at %q, got %T", part, current)
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("key %q not found", part)
		}
	}
	arr, ok := current.([]any)
	if !ok {
		return nil, fmt.Errorf("path is not an array")
	}
	return arr, nil
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

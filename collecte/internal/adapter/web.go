package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/collecte/collecte/internal/fetch"
	"github.com/hazyhaar/collecte/datex"
	"github.com/hazyhaar/collecte/extract"
)

// webConfig is decoded from request params for the web handler.
type webConfig struct {
	URL        string   `json:"url"`
	Selectors  []string `json:"selectors"`
	MinTextLen int      `json:"min_text_len"`
}

// Web fetches one page and emits a single candidate: main content
// extracted, sanitized and converted to markdown.
type Web struct {
	fetcher   *fetch.Fetcher
	sanitizer *bluemonday.Policy
	converter *converter.Converter
	logger    *slog.Logger
}

func NewWeb(f *fetch.Fetcher, logger *slog.Logger) *Web {
	if logger == nil {
		logger = slog.Default()
	}
	return &Web{
		fetcher:   f,
		sanitizer: bluemonday.UGCPolicy(),
		converter: newMarkdownConverter(),
		logger:    logger,
	}
}

func (w *Web) Fetch(ctx context.Context, req Request, emit func(*Candidate) error) error {
	var cfg webConfig
	if err := decodeParams(req, &cfg); err != nil {
		return err
	}
	pageURL, err := resolveURL(req, cfg.URL)
	if err != nil {
		return err
	}

	log := w.logger.With("handler", "web", "item", req.Item.ItemKey, "url", pageURL)
	start := time.Now()

	result, err := w.fetcher.Fetch(ctx, pageURL, req.Item.ETag, req.Item.LastModified, req.Item.LastHash)
	if err != nil {
		log.Warn("web: fetch failed", "error", err)
		return fmt.Errorf("web fetch: %w", err)
	}
	recordFetch(req, result)
	if !result.Changed {
		log.Debug("web: not modified")
		return ErrNotModified
	}

	res, err := extract.Extract(result.Body, extract.Options{
		Selectors:  cfg.Selectors,
		MinTextLen: cfg.MinTextLen,
	})
	if err != nil {
		log.Warn("web: extraction failed", "error", err)
		return fmt.Errorf("web extract: %w", err)
	}

	cleanHTML := w.sanitizer.Sanitize(res.HTML)
	text := extract.CleanText(res.Text)
	published := datex.Resolve(datex.Input{
		URL:    pageURL,
		Header: result.Header,
		HTML:   []byte(cleanHTML),
		Text:   text,
	})

	log.Debug("web: processed", "text_len", len(text),
		"duration_ms", time.Since(start).Milliseconds())

	return emit(&Candidate{
		URI:       pageURL,
		Title:     res.Title,
		BodyMD:    toMarkdown(w.converter, cleanHTML, pageURL, text),
		BodyText:  text,
		Published: published,
	})
}

package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/araddon/dateparse"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/collecte/collecte/internal/feed"
	"github.com/hazyhaar/collecte/collecte/internal/fetch"
	"github.com/hazyhaar/collecte/extract"
)

// rssConfig is decoded from request params for the rss handler.
type rssConfig struct {
	URL         string `json:"url"`
	MaxEntries  int    `json:"max_entries"`
	FollowLinks bool   `json:"follow_links"`
}

// RSS fetches an RSS/Atom feed and emits one candidate per entry. With
// follow_links it fetches each entry's page for full text; a failed
// follow falls back to the entry's own content, it does not fail the
// entry.
type RSS struct {
	fetcher   *fetch.Fetcher
	sanitizer *bluemonday.Policy
	stripper  *bluemonday.Policy
	converter *converter.Converter
	logger    *slog.Logger
}

func NewRSS(f *fetch.Fetcher, logger *slog.Logger) *RSS {
	if logger == nil {
		logger = slog.Default()
	}
	return &RSS{
		fetcher:   f,
		sanitizer: bluemonday.UGCPolicy(),
		stripper:  bluemonday.StrictPolicy(),
		converter: newMarkdownConverter(),
		logger:    logger,
	}
}

func (r *RSS) Fetch(ctx context.Context, req Request, emit func(*Candidate) error) error {
	cfg := rssConfig{MaxEntries: 50}
	if err := decodeParams(req, &cfg); err != nil {
		return err
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 50
	}
	feedURL, err := resolveURL(req, cfg.URL)
	if err != nil {
		return err
	}

	log := r.logger.With("handler", "rss", "item", req.Item.ItemKey, "url", feedURL)

	result, err := r.fetcher.Fetch(ctx, feedURL, req.Item.ETag, req.Item.LastModified, req.Item.LastHash)
	if err != nil {
		log.Warn("rss: fetch failed", "error", err)
		return fmt.Errorf("rss fetch: %w", err)
	}
	recordFetch(req, result)
	if !result.Changed {
		log.Debug("rss: feed not modified")
		return ErrNotModified
	}
	f, err := feed.Parse(result.Body)
	if err != nil {
		log.Warn("rss: parse failed", "error", err)
		return fmt.Errorf("rss parse: %w", err)
	}

	limit := cfg.MaxEntries
	if limit > len(f.Entries) {
		limit = len(f.Entries)
	}

	for _, entry := range f.Entries[:limit] {
		if err := ctx.Err(); err != nil {
			return err
		}

		uri := entry.Link
		if uri == "" {
			uri = entry.GUID
		}
		if uri == "" {
			log.Debug("rss: entry without link or guid skipped", "title", entry.Title)
			continue
		}

		html := entry.Content
		if html == "" {
			html = entry.Description
		}

		if cfg.FollowLinks && entry.Link != "" {
			page, fetchErr := r.fetcher.Fetch(ctx, entry.Link, "", "", "")
			if fetchErr == nil {
				if res, exErr := extract.Extract(page.Body, extract.Options{}); exErr == nil && res.Text != "" {
					html = res.HTML
				}
			} else {
				log.Debug("rss: follow failed, keeping feed content",
					"link", entry.Link, "error", fetchErr)
			}
		}

		cleanHTML := r.sanitizer.Sanitize(html)
		text := extract.CleanText(r.stripper.Sanitize(html))

		cand := &Candidate{
			URI:       uri,
			Title:     entry.Title,
			BodyMD:    toMarkdown(r.converter, cleanHTML, uri, text),
			BodyText:  text,
			Published: parsePublished(entry.Published),
		}
		if err := emit(cand); err != nil {
			return err
		}
	}

	log.Debug("rss: processed", "entries", limit)
	return nil
}

// parsePublished parses the free-form date strings feeds carry
// (RFC 1123, RFC 3339 and worse). Unparseable dates become the zero
// time, stored as unknown.
func parsePublished(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

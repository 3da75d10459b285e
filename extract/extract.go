// Package extract pulls readable content out of fetched HTML.
//
// Two strategies share one entry point: explicit CSS selectors when the
// source item declares them, and text-density analysis otherwise. Density
// analysis prefers semantic landmarks (<main>, <article>) and falls back to
// scoring DOM subtrees by text-to-markup ratio, penalising link-heavy
// regions (navigation, footers).
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Result is the extracted content of one page.
type Result struct {
	Title string
	Text  string
	HTML  string
}

// Options configures extraction.
type Options struct {
	// Selectors, when non-empty, switches to CSS selector extraction.
	Selectors []string
	// MinTextLen is the minimum text length for a subtree to qualify as
	// content. Default: 80.
	MinTextLen int
}

func (o *Options) defaults() {
	if o.MinTextLen <= 0 {
		o.MinTextLen = 80
	}
}

// Extract parses body as HTML and returns its main content.
func Extract(body []byte, opts Options) (*Result, error) {
	opts.defaults()

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}

	title := pageTitle(doc)

	if len(opts.Selectors) > 0 {
		return extractCSS(doc, opts.Selectors, title, opts.MinTextLen)
	}
	return extractDensity(doc, title, opts.MinTextLen)
}

// CleanText normalizes extracted text: collapses runs of whitespace and
// trims each line, preserving paragraph breaks.
func CleanText(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	// Drop a trailing blank.
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// pageTitle returns the <title> text, or the og:title meta as fallback.
func pageTitle(doc *html.Node) string {
	var title, ogTitle string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case atom.Meta:
				if getAttr(n, "property") == "og:title" {
					ogTitle = strings.TrimSpace(getAttr(n, "content"))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if title != "" {
		return title
	}
	return ogTitle
}

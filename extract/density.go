package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// extractDensity finds the main content by text-density analysis.
// Semantic landmarks (<main>, <article>) win when present; otherwise the
// DOM subtree with the best text-to-markup ratio is selected, link-heavy
// subtrees excluded.
func extractDensity(doc *html.Node, title string, minLen int) (*Result, error) {
	if landmarks := findContentByLandmarks(doc); len(landmarks) > 0 {
		var texts, htmls []string
		for _, n := range landmarks {
			if isBoilerplate(n) {
				continue
			}
			text := collectText(n)
			if len(text) >= minLen {
				texts = append(texts, text)
				htmls = append(htmls, renderNode(n))
			}
		}
		if len(texts) > 0 {
			return &Result{
				Title: title,
				Text:  strings.Join(texts, "\n\n"),
				HTML:  strings.Join(htmls, "\n"),
			}, nil
		}
	}

	body := findBody(doc)
	if body == nil {
		body = doc
	}

	best := findDensestNode(body, minLen)
	if best == nil {
		// Last resort: all non-boilerplate text in the body.
		text := collectCleanText(body)
		if len(text) < minLen {
			return &Result{Title: title}, nil
		}
		return &Result{Title: title, Text: text, HTML: renderNode(body)}, nil
	}

	text := collectText(best)
	return &Result{Title: title, Text: text, HTML: renderNode(best)}, nil
}

// findContentByLandmarks returns semantic HTML5 content elements, <main>
// preferred over <article>.
func findContentByLandmarks(doc *html.Node) []*html.Node {
	for _, tag := range []atom.Atom{atom.Main, atom.Article} {
		if nodes := findAllByTag(doc, tag); len(nodes) > 0 {
			return nodes
		}
	}
	return nil
}

// nodeScore holds density analysis for one DOM subtree.
type nodeScore struct {
	node     *html.Node
	textLen  int
	density  float64
	linkDens float64 // fraction of text inside <a> tags
}

// findDensestNode walks the DOM and picks the subtree with the highest
// composite content score.
func findDensestNode(root *html.Node, minLen int) *html.Node {
	var candidates []nodeScore

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode || isBoilerplate(n) {
			return
		}
		if isContentTag(n.DataAtom) || n.DataAtom == atom.Body {
			text := collectText(n)
			if len(text) >= minLen {
				markup := renderNode(n)
				markupLen := max(len(markup), 1)
				linkText := collectLinkText(n)

				candidates = append(candidates, nodeScore{
					node:     n,
					textLen:  len(text),
					density:  float64(len(text)) / float64(markupLen),
					linkDens: float64(len(linkText)) / float64(len(text)),
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	var best *nodeScore
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		if c.linkDens > 0.5 {
			continue // mostly links — navigation, not content
		}
		score := c.density * logScale(c.textLen) * (1 - c.linkDens)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.node
}

// logScale grows slowly with text length so a long article beats a dense
// one-liner without swamping the density term.
func logScale(n int) float64 {
	if n <= 0 {
		return 0
	}
	scale := 1.0
	for v := n; v > 100; v /= 2 {
		scale++
	}
	return scale
}

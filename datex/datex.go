// Package datex resolves a best-effort publication date for a fetched
// document. Strategies are pure functions tried in a fixed order; the first
// confident match wins and no match leaves the date unset rather than
// guessed:
//
//	URL path pattern → page markup fields → Last-Modified header → free-text phrase
package datex

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Input carries everything a strategy may look at.
type Input struct {
	URL    string
	Header http.Header
	HTML   []byte
	Text   string
}

// Strategy attempts to extract a publication date. The bool reports a
// confident match.
type Strategy func(Input) (time.Time, bool)

// Default is the standard strategy order.
var Default = []Strategy{FromURL, FromMarkup, FromHeader, FromText}

// Resolve runs the default chain. The zero time means no strategy matched.
func Resolve(in Input) time.Time {
	return ResolveWith(in, Default)
}

// ResolveWith runs an explicit chain, first confident result wins.
func ResolveWith(in Input, chain []Strategy) time.Time {
	for _, s := range chain {
		if t, ok := s(in); ok {
			return t
		}
	}
	return time.Time{}
}

// urlDate matches /2024/05/12/, /2024-05-12-, 20240512 (8 consecutive
// digits) embedded in a URL path.
var (
	urlDateSlash   = regexp.MustCompile(`/(19\d{2}|20\d{2})/(\d{1,2})/(\d{1,2})(?:/|$|-)`)
	urlDateDashed  = regexp.MustCompile(`(19\d{2}|20\d{2})-(\d{2})-(\d{2})`)
	urlDateCompact = regexp.MustCompile(`(?:^|[/_-])((?:19|20)\d{2})(\d{2})(\d{2})(?:[/_.-]|$)`)
)

// FromURL extracts a date embedded in the URL path.
func FromURL(in Input) (time.Time, bool) {
	if in.URL == "" {
		return time.Time{}, false
	}
	for _, re := range []*regexp.Regexp{urlDateSlash, urlDateDashed, urlDateCompact} {
		m := re.FindStringSubmatch(in.URL)
		if m == nil {
			continue
		}
		if t, ok := makeDate(m[1], m[2], m[3]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// FromMarkup extracts a date from structured page metadata:
// article:published_time, datePublished (itemprop or JSON-LD name/date
// meta), and <time datetime="...">.
func FromMarkup(in Input) (time.Time, bool) {
	if len(in.HTML) == 0 {
		return time.Time{}, false
	}
	doc, err := html.Parse(strings.NewReader(string(in.HTML)))
	if err != nil {
		return time.Time{}, false
	}

	var found time.Time
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if !found.IsZero() {
			return
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Meta:
				key := attr(n, "property") + attr(n, "name") + attr(n, "itemprop")
				switch key {
				case "article:published_time", "datePublished", "date", "pubdate", "publish-date", "og:article:published_time":
					if t, ok := parseTimestamp(attr(n, "content")); ok {
						found = t
						return
					}
				}
			case atom.Time:
				if t, ok := parseTimestamp(attr(n, "datetime")); ok {
					found = t
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found, !found.IsZero()
}

// FromHeader extracts the HTTP Last-Modified header.
func FromHeader(in Input) (time.Time, bool) {
	if in.Header == nil {
		return time.Time{}, false
	}
	lm := in.Header.Get("Last-Modified")
	if lm == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(lm)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// textDatePhrase narrows free text to date-looking phrases before handing
// them to the lenient parser, so prose numbers don't turn into dates.
var textDatePhrase = regexp.MustCompile(
	`(?i)\b(?:\d{1,2}\s+)?(?:january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}?(?:,?\s+(?:19|20)\d{2})\b|\b(?:19|20)\d{2}-\d{2}-\d{2}\b`)

// FromText extracts a date phrase from free text (first 2 KiB only).
func FromText(in Input) (time.Time, bool) {
	text := in.Text
	if text == "" {
		return time.Time{}, false
	}
	if len(text) > 2048 {
		text = text[:2048]
	}
	for _, phrase := range textDatePhrase.FindAllString(text, 3) {
		if t, ok := parseTimestamp(phrase); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseTimestamp parses a timestamp string and checks plausibility.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, false
	}
	return plausible(t.UTC())
}

// makeDate builds a date from string components, rejecting impossible ones.
func makeDate(year, month, day string) (time.Time, bool) {
	y, _ := strconv.Atoi(year)
	m, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	// Reject normalized overflow (e.g. Feb 31 → Mar 3).
	if t.Day() != d || int(t.Month()) != m {
		return time.Time{}, false
	}
	return plausible(t)
}

// plausible rejects dates before the web existed or more than a day in the
// future.
func plausible(t time.Time) (time.Time, bool) {
	if t.Year() < 1990 || t.After(time.Now().Add(24*time.Hour)) {
		return time.Time{}, false
	}
	return t, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// Package dedup decides what to do with a collected candidate before it
// touches the store: insert it, update an existing document, or drop it.
//
// Identity is two-layered. The URI is the primary key: a candidate whose
// (domain, uri) already exists is a refresh, never a duplicate. The text
// hash only guards against the same content arriving under a different
// URI, checked against a window of the most recently fetched documents.
package dedup

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/collecte/collecte/internal/store"
)

// Op is the action a Decision prescribes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDrop   Op = "drop"
)

// Drop reasons.
const (
	ReasonEmptyContent     = "empty-content"
	ReasonContentDuplicate = "content-duplicate"
)

// Decision is the outcome of Decide. ExistingID is set for Update (the
// document being refreshed) and for content-duplicate Drops (the
// document that already carries the text).
type Decision struct {
	Op         Op     `json:"op"`
	ExistingID string `json:"existing_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	TextHash   string `json:"text_hash"`
}

// DefaultWindow is how many recently fetched documents per domain the
// content-hash check looks at. Older documents can be re-collected as
// inserts; the URI layer still catches true refreshes.
const DefaultWindow = 512

const stripes = 64

// Engine makes dedup decisions. Zero value is not usable; use New.
type Engine struct {
	window int
	locks  [stripes]sync.Mutex
}

func New(window int) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{window: window}
}

// Lock serializes work on one (project, domain, uri) key. The caller
// holds it across Decide and the following Upsert so two concurrent
// runs cannot both decide Insert for the same URI.
func (e *Engine) Lock(projectKey, domain, uri string) func() {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%s", projectKey, domain, uri)
	m := &e.locks[h.Sum32()%stripes]
	m.Lock()
	return m.Unlock
}

// Decide classifies a candidate. Order matters: empty text is dropped
// before any lookup, the URI check precedes the hash check.
func (e *Engine) Decide(ctx context.Context, st *store.Store, domain, uri, text string) (Decision, error) {
	norm := Normalize(text)
	if norm == "" {
		return Decision{Op: OpDrop, Reason: ReasonEmptyContent}, nil
	}
	hash := Hash(norm)

	existing, err := st.GetByURI(ctx, domain, uri)
	if err != nil {
		return Decision{}, fmt.Errorf("dedup: uri lookup: %w", err)
	}
	if existing != nil {
		return Decision{Op: OpUpdate, ExistingID: existing.ID, TextHash: hash}, nil
	}

	window, err := st.RecentHashes(ctx, domain, e.window)
	if err != nil {
		return Decision{}, fmt.Errorf("dedup: hash window: %w", err)
	}
	if id, ok := window[hash]; ok {
		return Decision{Op: OpDrop, ExistingID: id, Reason: ReasonContentDuplicate, TextHash: hash}, nil
	}

	return Decision{Op: OpInsert, TextHash: hash}, nil
}

// Hash returns the hex blake2b-256 digest of (already normalized) text.
func Hash(norm string) string {
	sum := blake2b.Sum256([]byte(norm))
	return fmt.Sprintf("%x", sum)
}

// Normalize lowercases the text and collapses punctuation and runs of
// whitespace to single spaces, so markup and formatting churn does not
// defeat content dedup.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		// Punctuation, symbols and whitespace all collapse.
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

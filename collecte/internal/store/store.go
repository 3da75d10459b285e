// Package store is the persistence gateway for collected documents.
//
// Each Store instance is bound to one project shard received from the
// tenancy pool. Documents are authoritative; the documents_fts mirror is
// updated by an explicit Index call and may lag behind (eventually
// consistent, never blocks a write).
package store

import "database/sql"

// Store wraps a project shard database.
type Store struct {
	DB *sql.DB
}

// New creates a Store from an already-opened shard connection.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Outcome reports what an Upsert did.
type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
)

// Document is one collected document. Timestamps are Unix milliseconds;
// PublishedAt == 0 means unknown and is stored as NULL.
type Document struct {
	ID          string `json:"id"`
	ProjectKey  string `json:"project_key"`
	Domain      string `json:"domain"`
	URI         string `json:"uri"`
	Title       string `json:"title"`
	BodyMD      string `json:"body_md"`
	BodyText    string `json:"body_text"`
	TextHash    string `json:"text_hash"`
	PublishedAt int64  `json:"published_at,omitempty"`
	SourceRef   string `json:"source_ref"`
	FetchedAt   int64  `json:"fetched_at"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// SearchResult is one hit from the documents_fts mirror.
type SearchResult struct {
	DocumentID string  `json:"document_id"`
	Domain     string  `json:"domain"`
	URI        string  `json:"uri"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet"`
	Rank       float64 `json:"rank"`
}

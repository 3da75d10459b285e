package store

import (
	"context"
	"fmt"
)

// Index mirrors a document into documents_fts, replacing any previous
// entry for the same document ID. Callers treat failure as non-fatal:
// the documents table stays authoritative and the mirror catches up on
// the next successful Index.
func (s *Store) Index(ctx context.Context, doc *Document) error {
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM documents_fts WHERE doc_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("index delete: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx,
		`INSERT INTO documents_fts (doc_id, domain, uri, title, body_text)
		VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.Domain, doc.URI, doc.Title, doc.BodyText); err != nil {
		return fmt.Errorf("index insert: %w", err)
	}
	return nil
}

// Unindex removes a document from the mirror.
func (s *Store) Unindex(ctx context.Context, docID string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM documents_fts WHERE doc_id = ?`, docID)
	return err
}

// Search runs an FTS5 query over the mirror.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT doc_id, domain, uri, title,
		snippet(documents_fts, 4, '[', ']', '…', 24), rank
		FROM documents_fts
		WHERE documents_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.DocumentID, &r.Domain, &r.URI, &r.Title, &r.Snippet, &r.Rank); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

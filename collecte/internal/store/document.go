package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Upsert inserts the document or, when (domain, uri) already exists,
// refreshes its content. The update path preserves created_at and never
// replaces a known published_at with NULL. On update, doc.ID is rewritten
// to the existing row's ID.
func (s *Store) Upsert(ctx context.Context, doc *Document) (Outcome, error) {
	var pub sql.NullInt64
	if doc.PublishedAt != 0 {
		pub = sql.NullInt64{Int64: doc.PublishedAt, Valid: true}
	}

	row := s.DB.QueryRowContext(ctx,
		`INSERT INTO documents (id, project_key, domain, uri, title, body_md, body_text,
		text_hash, published_at, source_ref, fetched_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, uri) DO UPDATE SET
			title        = excluded.title,
			body_md      = excluded.body_md,
			body_text    = excluded.body_text,
			text_hash    = excluded.text_hash,
			published_at = COALESCE(excluded.published_at, documents.published_at),
			source_ref   = excluded.source_ref,
			fetched_at   = excluded.fetched_at,
			updated_at   = excluded.updated_at
		RETURNING id, created_at, published_at`,
		doc.ID, doc.ProjectKey, doc.Domain, doc.URI, doc.Title, doc.BodyMD, doc.BodyText,
		doc.TextHash, pub, doc.SourceRef, doc.FetchedAt, doc.CreatedAt, doc.UpdatedAt,
	)

	var gotID string
	var createdAt int64
	var gotPub sql.NullInt64
	if err := row.Scan(&gotID, &createdAt, &gotPub); err != nil {
		return "", fmt.Errorf("upsert document: %w", err)
	}

	if gotID == doc.ID {
		return OutcomeInserted, nil
	}
	doc.ID = gotID
	doc.CreatedAt = createdAt
	if gotPub.Valid {
		doc.PublishedAt = gotPub.Int64
	}
	return OutcomeUpdated, nil
}

// GetByURI returns the document for (domain, uri), or nil if absent.
func (s *Store) GetByURI(ctx context.Context, domain, uri string) (*Document, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, project_key, domain, uri, title, body_md, body_text, text_hash,
		published_at, source_ref, fetched_at, created_at, updated_at
		FROM documents WHERE domain = ? AND uri = ?`, domain, uri)
	return scanDocument(row)
}

// GetByID returns the document with the given ID, or nil if absent.
func (s *Store) GetByID(ctx context.Context, id string) (*Document, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, project_key, domain, uri, title, body_md, body_text, text_hash,
		published_at, source_ref, fetched_at, created_at, updated_at
		FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// RecentHashes returns the text hashes of the n most recently fetched
// documents in a domain, paired with their IDs. This is the
// content-duplicate detection window.
func (s *Store) RecentHashes(ctx context.Context, domain string, n int) (map[string]string, error) {
	if n <= 0 {
		n = 512
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT text_hash, id FROM documents
		WHERE domain = ? ORDER BY fetched_at DESC LIMIT ?`, domain, n)
	if err != nil {
		return nil, fmt.Errorf("recent hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var hash, id string
		if err := rows.Scan(&hash, &id); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		if _, ok := hashes[hash]; !ok {
			hashes[hash] = id
		}
	}
	return hashes, rows.Err()
}

// ListDocuments returns documents, newest fetch first. Empty domain
// means all domains.
func (s *Store) ListDocuments(ctx context.Context, domain string, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, project_key, domain, uri, title, body_md, body_text, text_hash,
		published_at, source_ref, fetched_at, created_at, updated_at
		FROM documents`
	args := []any{}
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY fetched_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var result []*Document
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, doc)
	}
	return result, rows.Err()
}

// CountByDomain returns document counts per domain.
func (s *Store) CountByDomain(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT domain, COUNT(*) FROM documents GROUP BY domain`)
	if err != nil {
		return nil, fmt.Errorf("count by domain: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var domain string
		var n int64
		if err := rows.Scan(&domain, &n); err != nil {
			return nil, err
		}
		counts[domain] = n
	}
	return counts, rows.Err()
}

func scanDocument(row *sql.Row) (*Document, error) {
	var d Document
	var pub sql.NullInt64
	err := row.Scan(&d.ID, &d.ProjectKey, &d.Domain, &d.URI, &d.Title, &d.BodyMD,
		&d.BodyText, &d.TextHash, &pub, &d.SourceRef, &d.FetchedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	if pub.Valid {
		d.PublishedAt = pub.Int64
	}
	return &d, nil
}

func scanDocumentRows(rows *sql.Rows) (*Document, error) {
	var d Document
	var pub sql.NullInt64
	err := rows.Scan(&d.ID, &d.ProjectKey, &d.Domain, &d.URI, &d.Title, &d.BodyMD,
		&d.BodyText, &d.TextHash, &pub, &d.SourceRef, &d.FetchedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	if pub.Valid {
		d.PublishedAt = pub.Int64
	}
	return &d, nil
}

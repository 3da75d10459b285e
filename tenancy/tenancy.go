// Package tenancy owns the project boundary of the collecte runtime.
//
// A project is the tenant unit: every document, source item and task is
// scoped to exactly one project. The catalog database holds the project
// registry; each active project gets its own SQLite shard resolved through
// a Pool. Request-time resolution applies a two-state policy: warn mode
// substitutes a default project for missing/unknown keys and flags the
// fallback, require mode rejects.
package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/collecte/horosafe"
)

// ErrMissingProjectContext is returned in require mode when no project key
// was supplied.
var ErrMissingProjectContext = errors.New("tenancy: missing project context")

// ErrUnknownProject is returned when a supplied project key is not
// registered.
var ErrUnknownProject = errors.New("tenancy: unknown project")

// ErrProjectInactive is returned when a project exists but is deactivated.
var ErrProjectInactive = errors.New("tenancy: project is inactive")

// Project is one registered tenant.
type Project struct {
	Key       string `json:"key"`
	SchemaRef string `json:"schema_ref"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at"`
}

// CatalogSchema holds the project registry tables.
const CatalogSchema = `
CREATE TABLE IF NOT EXISTS projects (
    key        TEXT PRIMARY KEY,
    schema_ref TEXT NOT NULL UNIQUE,
    active     INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);
`

// InitCatalog applies the project registry schema to the catalog database.
func InitCatalog(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, CatalogSchema)
	return err
}

// RegisterProject creates a project. The key is immutable and never reused:
// registering an existing key fails even if the project was deactivated.
func RegisterProject(ctx context.Context, db *sql.DB, key string) (*Project, error) {
	if err := horosafe.ValidateIdentifier(key); err != nil {
		return nil, fmt.Errorf("tenancy: invalid project key: %w", err)
	}
	p := &Project{
		Key:       key,
		SchemaRef: "proj_" + key,
		Active:    true,
		CreatedAt: time.Now().UnixMilli(),
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO projects (key, schema_ref, active, created_at) VALUES (?,?,1,?)`,
		p.Key, p.SchemaRef, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("tenancy: register project %q: %w", key, err)
	}
	return p, nil
}

// GetProject returns a project by key, or ErrUnknownProject.
func GetProject(ctx context.Context, db *sql.DB, key string) (*Project, error) {
	var p Project
	var active int
	err := db.QueryRowContext(ctx,
		`SELECT key, schema_ref, active, created_at FROM projects WHERE key = ?`, key).
		Scan(&p.Key, &p.SchemaRef, &active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, key)
	}
	if err != nil {
		return nil, err
	}
	p.Active = active != 0
	return &p, nil
}

// ListProjects returns all projects, active first, then by key.
func ListProjects(ctx context.Context, db *sql.DB) ([]*Project, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT key, schema_ref, active, created_at FROM projects ORDER BY active DESC, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		var p Project
		var active int
		if err := rows.Scan(&p.Key, &p.SchemaRef, &active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Active = active != 0
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Deactivate marks a project inactive. Its shard is kept; resolution fails
// until reactivated by an operator.
func Deactivate(ctx context.Context, db *sql.DB, key string) error {
	res, err := db.ExecContext(ctx, `UPDATE projects SET active = 0 WHERE key = ?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownProject, key)
	}
	return nil
}

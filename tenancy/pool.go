package tenancy

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hazyhaar/collecte/dbopen"
)

// ShardInit prepares a freshly opened project shard (schema application).
type ShardInit func(db *sql.DB) error

// Pool resolves project keys to per-project SQLite shards.
// Shards are opened lazily, initialised once, and cached for the process
// lifetime. Safe for concurrent use.
type Pool struct {
	catalog *sql.DB
	dataDir string
	init    ShardInit

	mu     sync.Mutex
	shards map[string]*sql.DB
}

// NewPool creates a Pool. init runs once per shard on first open.
func NewPool(catalog *sql.DB, dataDir string, init ShardInit) *Pool {
	return &Pool{
		catalog: catalog,
		dataDir: dataDir,
		init:    init,
		shards:  make(map[string]*sql.DB),
	}
}

// Resolve returns the shard for an active project.
// Unknown keys fail with ErrUnknownProject, deactivated projects with
// ErrProjectInactive.
func (p *Pool) Resolve(ctx context.Context, projectKey string) (*sql.DB, error) {
	proj, err := GetProject(ctx, p.catalog, projectKey)
	if err != nil {
		return nil, err
	}
	if !proj.Active {
		return nil, fmt.Errorf("%w: %s", ErrProjectInactive, projectKey)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.shards[proj.Key]; ok {
		return db, nil
	}

	path := filepath.Join(p.dataDir, proj.SchemaRef+".db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("tenancy: open shard %s: %w", proj.Key, err)
	}
	if p.init != nil {
		if err := p.init(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("tenancy: init shard %s: %w", proj.Key, err)
		}
	}
	p.shards[proj.Key] = db
	return db, nil
}

// ActiveKeys returns the keys of all active projects.
func (p *Pool) ActiveKeys(ctx context.Context) ([]string, error) {
	rows, err := p.catalog.QueryContext(ctx,
		`SELECT key FROM projects WHERE active = 1 ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes all cached shards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, db := range p.shards {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.shards, key)
	}
	return firstErr
}

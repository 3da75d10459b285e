// Package library is the read surface over a project's source items and
// channels. Orchestration only reads from it; the Put/Delete writes exist
// for seeding and the admin boundary.
package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoItems is returned when a selector matches nothing and the caller
// did not opt into an empty result.
var ErrNoItems = errors.New("library: no items match selector")

// Item is one collectable source: a handler key plus its parameters.
// ETag, LastModified and LastHash record the last fetch of this item so
// the next run can issue a conditional GET and skip unchanged sources.
type Item struct {
	ItemKey      string `json:"item_key"`
	HandlerKey   string `json:"handler_key"`
	Domain       string `json:"domain"`
	ChannelKey   string `json:"channel_key"`
	ParamsJSON   string `json:"params_json"`
	Position     int    `json:"position"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	LastHash     string `json:"last_hash,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Channel carries transport settings shared by a group of items.
type Channel struct {
	ChannelKey    string `json:"channel_key"`
	BaseURL       string `json:"base_url"`
	AuthMode      string `json:"auth_mode"`
	RateLimitMS   int64  `json:"rate_limit_ms"`
	TimeoutMS     int64  `json:"timeout_ms"`
	MaxConcurrent int    `json:"max_concurrent"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Selector narrows Resolve to a single item, a handler, or everything
// in the domain (both fields empty).
type Selector struct {
	ItemKey    string
	HandlerKey string
	AllowEmpty bool
}

// Library reads source items and channels from a project shard.
type Library struct {
	DB *sql.DB
}

func New(db *sql.DB) *Library {
	return &Library{DB: db}
}

// DefaultChannel is used for items with no channel_key and for unknown
// keys. Conservative enough for polite collection out of the box.
func DefaultChannel() *Channel {
	return &Channel{
		ChannelKey:    "default",
		AuthMode:      "none",
		RateLimitMS:   1000,
		TimeoutMS:     30000,
		MaxConcurrent: 1,
	}
}

// Resolve returns the items in a domain matching the selector, ordered
// by (position, item_key) so repeated runs process sources in the same
// order.
func (l *Library) Resolve(ctx context.Context, domain string, sel Selector) ([]*Item, error) {
	query := `SELECT item_key, handler_key, domain, channel_key, params_json, position,
		etag, last_modified, last_hash, created_at, updated_at
		FROM source_items WHERE domain = ?`
	args := []any{domain}
	if sel.ItemKey != "" {
		query += ` AND item_key = ?`
		args = append(args, sel.ItemKey)
	}
	if sel.HandlerKey != "" {
		query += ` AND handler_key = ?`
		args = append(args, sel.HandlerKey)
	}
	query += ` ORDER BY position, item_key`

	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ItemKey, &it.HandlerKey, &it.Domain, &it.ChannelKey,
			&it.ParamsJSON, &it.Position, &it.ETag, &it.LastModified, &it.LastHash,
			&it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 && !sel.AllowEmpty {
		return nil, ErrNoItems
	}
	return items, nil
}

// Channel returns the channel for key, or the default channel when the
// key is empty or unknown.
func (l *Library) Channel(ctx context.Context, key string) (*Channel, error) {
	if key == "" {
		return DefaultChannel(), nil
	}
	row := l.DB.QueryRowContext(ctx,
		`SELECT channel_key, base_url, auth_mode, rate_limit_ms, timeout_ms, max_concurrent,
		created_at, updated_at
		FROM source_channels WHERE channel_key = ?`, key)

	var c Channel
	err := row.Scan(&c.ChannelKey, &c.BaseURL, &c.AuthMode, &c.RateLimitMS, &c.TimeoutMS,
		&c.MaxConcurrent, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return DefaultChannel(), nil
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return &c, nil
}

// PutItem inserts or replaces a source item.
func (l *Library) PutItem(ctx context.Context, it *Item) error {
	now := time.Now().UnixMilli()
	if it.ParamsJSON == "" {
		it.ParamsJSON = "{}"
	}
	_, err := l.DB.ExecContext(ctx,
		`INSERT INTO source_items (item_key, handler_key, domain, channel_key, params_json,
		position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, item_key) DO UPDATE SET
			handler_key = excluded.handler_key,
			channel_key = excluded.channel_key,
			params_json = excluded.params_json,
			position    = excluded.position,
			updated_at  = excluded.updated_at`,
		it.ItemKey, it.HandlerKey, it.Domain, it.ChannelKey, it.ParamsJSON,
		it.Position, now, now)
	if err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// PutChannel inserts or replaces a channel.
func (l *Library) PutChannel(ctx context.Context, c *Channel) error {
	now := time.Now().UnixMilli()
	_, err := l.DB.ExecContext(ctx,
		`INSERT INTO source_channels (channel_key, base_url, auth_mode, rate_limit_ms,
		timeout_ms, max_concurrent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_key) DO UPDATE SET
			base_url       = excluded.base_url,
			auth_mode      = excluded.auth_mode,
			rate_limit_ms  = excluded.rate_limit_ms,
			timeout_ms     = excluded.timeout_ms,
			max_concurrent = excluded.max_concurrent,
			updated_at     = excluded.updated_at`,
		c.ChannelKey, c.BaseURL, c.AuthMode, c.RateLimitMS, c.TimeoutMS, c.MaxConcurrent,
		now, now)
	if err != nil {
		return fmt.Errorf("put channel: %w", err)
	}
	return nil
}

// SetFetchState records the conditional-GET state of an item's last
// fetch. PutItem leaves these columns alone, so editing an item does not
// discard its fetch history.
func (l *Library) SetFetchState(ctx context.Context, domain, itemKey, etag, lastModified, lastHash string) error {
	_, err := l.DB.ExecContext(ctx,
		`UPDATE source_items SET etag = ?, last_modified = ?, last_hash = ?
		WHERE domain = ? AND item_key = ?`,
		etag, lastModified, lastHash, domain, itemKey)
	if err != nil {
		return fmt.Errorf("set fetch state: %w", err)
	}
	return nil
}

// DeleteItem removes a source item. Deleting an absent item is not an
// error.
func (l *Library) DeleteItem(ctx context.Context, domain, itemKey string) error {
	_, err := l.DB.ExecContext(ctx,
		`DELETE FROM source_items WHERE domain = ? AND item_key = ?`, domain, itemKey)
	return err
}

// ListItems returns every item in a domain (admin surface).
func (l *Library) ListItems(ctx context.Context, domain string) ([]*Item, error) {
	return l.Resolve(ctx, domain, Selector{AllowEmpty: true})
}

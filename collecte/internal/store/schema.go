package store

// Schema is the per-project shard schema. documents_fts is standalone
// (not content-linked) so the mirror can be rebuilt row by row without
// touching the documents table.
const Schema = `
-- Collected documents, one row per (domain, uri)
CREATE TABLE IF NOT EXISTS documents (
    id           TEXT PRIMARY KEY,
    project_key  TEXT NOT NULL,
    domain       TEXT NOT NULL,
    uri          TEXT NOT NULL,
    title        TEXT NOT NULL DEFAULT '',
    body_md      TEXT NOT NULL DEFAULT '',
    body_text    TEXT NOT NULL,
    text_hash    TEXT NOT NULL,
    published_at INTEGER,
    source_ref   TEXT NOT NULL DEFAULT '',
    fetched_at   INTEGER NOT NULL,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,
    UNIQUE(domain, uri)
);
CREATE INDEX IF NOT EXISTS idx_documents_domain_fetched ON documents(domain, fetched_at DESC);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(domain, text_hash);

-- Search mirror, maintained by explicit Index calls (best-effort)
CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
    doc_id UNINDEXED, domain UNINDEXED, uri UNINDEXED, title, body_text,
    tokenize='unicode61 remove_diacritics 2'
);

-- Source library: what to collect
CREATE TABLE IF NOT EXISTS source_items (
    item_key      TEXT NOT NULL,
    handler_key   TEXT NOT NULL,
    domain        TEXT NOT NULL,
    channel_key   TEXT NOT NULL DEFAULT '',
    params_json   TEXT NOT NULL DEFAULT '{}',
    position      INTEGER NOT NULL DEFAULT 0,
    etag          TEXT NOT NULL DEFAULT '',
    last_modified TEXT NOT NULL DEFAULT '',
    last_hash     TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    UNIQUE(domain, item_key)
);
CREATE INDEX IF NOT EXISTS idx_source_items_domain ON source_items(domain, position);

-- Channels: shared transport settings for groups of items
CREATE TABLE IF NOT EXISTS source_channels (
    channel_key    TEXT PRIMARY KEY,
    base_url       TEXT NOT NULL DEFAULT '',
    auth_mode      TEXT NOT NULL DEFAULT 'none',
    rate_limit_ms  INTEGER NOT NULL DEFAULT 1000,
    timeout_ms     INTEGER NOT NULL DEFAULT 30000,
    max_concurrent INTEGER NOT NULL DEFAULT 1,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
`

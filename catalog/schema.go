package catalog

// Schema is the node catalog: snapshots, the payload dedup index and the
// FTS5 index over snapshot URL and title. Timestamps are unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    id            TEXT PRIMARY KEY,
    url           TEXT NOT NULL,
    url_key       TEXT NOT NULL,
    timestamp     INTEGER NOT NULL,
    warc_file     TEXT NOT NULL,
    "offset"      INTEGER NOT NULL,
    length        INTEGER NOT NULL,
    sha256        TEXT NOT NULL,
    status_code   INTEGER NOT NULL DEFAULT 0,
    content_type  TEXT NOT NULL DEFAULT '',
    payload_hash  TEXT,
    title         TEXT NOT NULL DEFAULT '',
    origin        TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_url_ts ON snapshots(url_key, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_sha256 ON snapshots(sha256);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(timestamp);

-- Payload dedup index: first writer wins
CREATE TABLE IF NOT EXISTS payloads (
    hash         TEXT PRIMARY KEY,
    warc_path    TEXT NOT NULL,
    warc_offset  INTEGER NOT NULL,
    warc_length  INTEGER NOT NULL,
    created_at   INTEGER NOT NULL
);

-- FTS5 on snapshots (url + title)
CREATE VIRTUAL TABLE IF NOT EXISTS snapshots_fts USING fts5(
    url, title, content='snapshots', content_rowid='rowid',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS snapshots_ai AFTER INSERT ON snapshots BEGIN
    INSERT INTO snapshots_fts(rowid, url, title) VALUES (new.rowid, new.url, new.title);
END;
CREATE TRIGGER IF NOT EXISTS snapshots_ad AFTER DELETE ON snapshots BEGIN
    INSERT INTO snapshots_fts(snapshots_fts, rowid, url, title) VALUES('delete', old.rowid, old.url, old.title);
END;
`

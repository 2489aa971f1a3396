package cache

// Schema contains SQL schema definitions for the cache
const Schema = `
-- Cached message summaries, one row per remote message. Insertion
-- order (rowid) is the snapshot order; (folder, id) is the identity.
CREATE TABLE IF NOT EXISTS messages (
    folder TEXT NOT NULL,
    id TEXT NOT NULL,
    seq_num INTEGER NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    sender TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    received_at TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    seen INTEGER NOT NULL DEFAULT 0,
    attachment_names TEXT NOT NULL DEFAULT '[]',
    preview TEXT,
    full_body TEXT,
    plain_text_body INTEGER NOT NULL DEFAULT 0,
    inline_images TEXT,
    cached_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (folder, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_id ON messages(id);
`

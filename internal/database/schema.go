package database

const schema = `
CREATE TABLE IF NOT EXISTS media_records (
    id            UUID PRIMARY KEY,
    kind          TEXT NOT NULL CHECK (kind IN ('image', 'video')),
    title         TEXT NOT NULL DEFAULT '',
    filename      TEXT NOT NULL,
    mime_type     TEXT NOT NULL DEFAULT '',
    url           TEXT NOT NULL,
    public_id     TEXT NOT NULL UNIQUE,
    thumbnail_url TEXT NOT NULL DEFAULT '',
    variants      JSONB NOT NULL DEFAULT '{}'::jsonb,
    bytes         BIGINT NOT NULL DEFAULT 0,
    width         INTEGER NOT NULL DEFAULT 0,
    height        INTEGER NOT NULL DEFAULT 0,
    duration      DOUBLE PRECISION NOT NULL DEFAULT 0,
    tags          TEXT[] NOT NULL DEFAULT '{}',
    entity_kind   TEXT NOT NULL,
    entity_id     TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    deleted_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS media_records_entity_idx
    ON media_records (entity_kind, entity_id, created_at DESC)
    WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS pending_deletions (
    id              BIGSERIAL PRIMARY KEY,
    public_id       TEXT NOT NULL,
    kind            TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    attempts        INTEGER NOT NULL DEFAULT 0,
    max_attempts    INTEGER NOT NULL DEFAULT 10,
    last_error      TEXT NOT NULL DEFAULT '',
    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS pending_deletions_due_idx
    ON pending_deletions (next_attempt_at)
    WHERE status IN ('pending', 'processing');
`

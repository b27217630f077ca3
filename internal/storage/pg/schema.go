// Package pg is the pgx-backed implementation of storage.Gateway: a
// single connection pool, schema bootstrapped with a literal SQL block
// on startup, one function per query.
package pg

// Schema contains every DDL statement the sync core needs. Syncular's
// partitions are logical rather than separate physical databases:
// every table carries a partition_id column and all lookups filter on
// it explicitly (see DESIGN.md).
const Schema = `
CREATE TABLE IF NOT EXISTS sync_partition_seqs (
    partition_id TEXT PRIMARY KEY,
    next_seq     BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS sync_commits (
    partition_id      TEXT NOT NULL,
    commit_seq        BIGINT NOT NULL,
    actor_id          TEXT NOT NULL,
    client_id         TEXT NOT NULL,
    client_commit_id  TEXT NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    change_count      INT NOT NULL,
    affected_tables    TEXT[] NOT NULL DEFAULT '{}',
    PRIMARY KEY (partition_id, commit_seq),
    UNIQUE (partition_id, client_id, client_commit_id)
);
CREATE INDEX IF NOT EXISTS idx_sync_commits_created ON sync_commits(partition_id, created_at DESC);

CREATE TABLE IF NOT EXISTS sync_changes (
    partition_id TEXT NOT NULL,
    change_id    BIGSERIAL,
    commit_seq   BIGINT NOT NULL,
    table_name   TEXT NOT NULL,
    row_id       TEXT NOT NULL,
    op           TEXT NOT NULL,
    row_json     JSONB NOT NULL,
    row_version  BIGINT NOT NULL DEFAULT 0,
    scopes       JSONB NOT NULL DEFAULT '{}',
    scope_keys   TEXT[] NOT NULL DEFAULT '{}',
    PRIMARY KEY (partition_id, change_id)
);
CREATE INDEX IF NOT EXISTS idx_sync_changes_commit ON sync_changes(partition_id, commit_seq);
CREATE INDEX IF NOT EXISTS idx_sync_changes_row ON sync_changes(partition_id, table_name, row_id);
CREATE INDEX IF NOT EXISTS idx_sync_changes_scope_keys ON sync_changes USING GIN (scope_keys);

CREATE TABLE IF NOT EXISTS sync_client_cursors (
    partition_id     TEXT NOT NULL,
    client_id        TEXT NOT NULL,
    actor_id         TEXT NOT NULL,
    cursor           BIGINT NOT NULL DEFAULT 0,
    effective_scopes JSONB NOT NULL DEFAULT '{}',
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (partition_id, client_id)
);

CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
    chunk_id     TEXT PRIMARY KEY,
    partition_id TEXT NOT NULL,
    sha256       TEXT NOT NULL,
    encoding     TEXT NOT NULL,
    compression  TEXT NOT NULL,
    byte_length  INT NOT NULL,
    body         BYTEA NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_snapshot_chunks_expires ON sync_snapshot_chunks(expires_at);

CREATE TABLE IF NOT EXISTS sync_request_events (
    event_id           TEXT PRIMARY KEY,
    partition_id       TEXT NOT NULL,
    request_id         TEXT NOT NULL,
    trace_id           TEXT,
    span_id            TEXT,
    event_type         TEXT NOT NULL,
    sync_path          TEXT NOT NULL,
    transport_path     TEXT NOT NULL,
    actor_id           TEXT,
    client_id          TEXT,
    status_code        INT NOT NULL,
    outcome            TEXT NOT NULL,
    response_status    TEXT NOT NULL,
    error_code         TEXT,
    duration_ms        BIGINT NOT NULL,
    commit_seq         BIGINT,
    operation_count    INT,
    row_count          INT,
    subscription_count INT,
    scopes_summary     JSONB,
    tables             TEXT[],
    error_message      TEXT,
    payload_ref        TEXT,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sync_request_events_created ON sync_request_events(partition_id, created_at DESC);

CREATE TABLE IF NOT EXISTS sync_payload_snapshots (
    payload_ref      TEXT PRIMARY KEY,
    partition_id     TEXT NOT NULL,
    request_payload  JSONB,
    response_payload JSONB,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sync_operation_events (
    operation_id     TEXT PRIMARY KEY,
    operation_type   TEXT NOT NULL,
    console_user_id  TEXT,
    partition_id     TEXT,
    target_client_id TEXT,
    request_payload  JSONB,
    result_payload   JSONB,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sync_operation_events_created ON sync_operation_events(created_at DESC);

CREATE TABLE IF NOT EXISTS sync_api_keys (
    key_id       TEXT PRIMARY KEY,
    key_hash     TEXT NOT NULL UNIQUE,
    key_prefix   TEXT NOT NULL,
    name         TEXT NOT NULL,
    key_type     TEXT NOT NULL,
    partition_id TEXT NOT NULL DEFAULT 'default',
    scope_keys   TEXT[] NOT NULL DEFAULT '{}',
    actor_id     TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at   TIMESTAMPTZ,
    last_used_at TIMESTAMPTZ,
    revoked_at   TIMESTAMPTZ,
    staged       BOOLEAN NOT NULL DEFAULT FALSE
);
`

package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syncular/syncular/internal/storage"
)

// Gateway wraps a pgx connection pool with the storage.Gateway
// operations.
type Gateway struct {
	Pool *pgxpool.Pool
}

// Open connects to Postgres, verifies the connection, and bootstraps
// the schema, mirroring database.OpenManagement.
func Open(ctx context.Context, connString string) (*Gateway, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("storage/pg: parse config: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage/pg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage/pg: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage/pg: bootstrap schema: %w", err)
	}
	return &Gateway{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (g *Gateway) Close() { g.Pool.Close() }

var _ storage.Gateway = (*Gateway)(nil)

func scopesToJSON(s map[string]any) ([]byte, error) {
	if s == nil {
		s = map[string]any{}
	}
	return json.Marshal(s)
}

func (g *Gateway) GetClientCursor(ctx context.Context, partitionID, clientID string) (*storage.ClientCursor, error) {
	var cc storage.ClientCursor
	var scopesRaw []byte
	err := g.Pool.QueryRow(ctx,
		`SELECT partition_id, client_id, actor_id, cursor, effective_scopes, updated_at
		 FROM sync_client_cursors WHERE partition_id = $1 AND client_id = $2`,
		partitionID, clientID,
	).Scan(&cc.PartitionID, &cc.ClientID, &cc.ActorID, &cc.Cursor, &scopesRaw, &cc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: cursor %s/%s", storage.ErrNotFound, partitionID, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage/pg: get client cursor: %w", err)
	}
	var scopes map[string]any
	if err := json.Unmarshal(scopesRaw, &scopes); err != nil {
		return nil, fmt.Errorf("storage/pg: decode effective_scopes: %w", err)
	}
	cc.EffectiveScopes = scopes
	return &cc, nil
}

func (g *Gateway) UpsertClientCursorAsync(ctx context.Context, partitionID, clientID, actorID string, cursor int64, effectiveScopes map[string]any) error {
	scopesJSON, err := scopesToJSON(effectiveScopes)
	if err != nil {
		return fmt.Errorf("storage/pg: encode effective_scopes: %w", err)
	}
	_, err = g.Pool.Exec(ctx,
		`INSERT INTO sync_client_cursors (partition_id, client_id, actor_id, cursor, effective_scopes, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (partition_id, client_id) DO UPDATE
		   SET cursor = GREATEST(sync_client_cursors.cursor, EXCLUDED.cursor),
		       effective_scopes = EXCLUDED.effective_scopes,
		       updated_at = NOW()
		   WHERE sync_client_cursors.actor_id = EXCLUDED.actor_id`,
		partitionID, clientID, actorID, cursor, scopesJSON,
	)
	if err != nil {
		return fmt.Errorf("storage/pg: upsert client cursor: %w", err)
	}
	return nil
}

func (g *Gateway) FetchCommitsAfter(ctx context.Context, partitionID string, cursor int64, limit int, scopeKeys []string, table string) ([]storage.Commit, map[int64][]storage.Change, error) {
	rows, err := g.Pool.Query(ctx,
		`SELECT DISTINCT c.commit_seq, c.actor_id, c.client_id, c.client_commit_id, c.created_at, c.change_count, c.affected_tables
		 FROM sync_commits c
		 JOIN sync_changes ch ON ch.partition_id = c.partition_id AND ch.commit_seq = c.commit_seq
		 WHERE c.partition_id = $1 AND c.commit_seq > $2
		   AND ($4 = '' OR ch.table_name = $4)
		   AND ch.scope_keys && $3::text[]
		 ORDER BY c.commit_seq ASC
		 LIMIT $5`,
		partitionID, cursor, scopeKeys, table, limit,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("storage/pg: fetch commits after: %w", err)
	}
	defer rows.Close()

	var commits []storage.Commit
	for rows.Next() {
		var c storage.Commit
		c.PartitionID = partitionID
		if err := rows.Scan(&c.CommitSeq, &c.ActorID, &c.ClientID, &c.ClientCommitID, &c.CreatedAt, &c.ChangeCount, &c.AffectedTables); err != nil {
			return nil, nil, fmt.Errorf("storage/pg: scan commit: %w", err)
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("storage/pg: fetch commits after: %w", err)
	}
	if len(commits) == 0 {
		return commits, map[int64][]storage.Change{}, nil
	}

	seqs := make([]int64, len(commits))
	for i, c := range commits {
		seqs[i] = c.CommitSeq
	}
	changeRows, err := g.Pool.Query(ctx,
		`SELECT change_id, commit_seq, table_name, row_id, op, row_json, row_version, scopes, scope_keys
		 FROM sync_changes WHERE partition_id = $1 AND commit_seq = ANY($2) ORDER BY change_id ASC`,
		partitionID, seqs,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("storage/pg: fetch changes for commits: %w", err)
	}
	defer changeRows.Close()

	byCommit := make(map[int64][]storage.Change)
	for changeRows.Next() {
		ch, err := scanChange(changeRows, partitionID)
		if err != nil {
			return nil, nil, err
		}
		byCommit[ch.CommitSeq] = append(byCommit[ch.CommitSeq], ch)
	}
	if err := changeRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("storage/pg: fetch changes for commits: %w", err)
	}
	return commits, byCommit, nil
}

func scanChange(rows pgx.Rows, partitionID string) (storage.Change, error) {
	var ch storage.Change
	var op string
	var scopesRaw []byte
	ch.PartitionID = partitionID
	if err := rows.Scan(&ch.ChangeID, &ch.CommitSeq, &ch.Table, &ch.RowID, &op, &ch.RowJSON, &ch.RowVersion, &scopesRaw, &ch.ScopeKeys); err != nil {
		return ch, fmt.Errorf("storage/pg: scan change: %w", err)
	}
	ch.Op = storage.Op(op)
	var scopes map[string]any
	if err := json.Unmarshal(scopesRaw, &scopes); err != nil {
		return ch, fmt.Errorf("storage/pg: decode change scopes: %w", err)
	}
	ch.Scopes = scopes
	return ch, nil
}

func (g *Gateway) CreateSnapshotChunk(ctx context.Context, chunk storage.SnapshotChunk) error {
	_, err := g.Pool.Exec(ctx,
		`INSERT INTO sync_snapshot_chunks (chunk_id, partition_id, sha256, encoding, compression, byte_length, body, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (chunk_id) DO NOTHING`,
		chunk.ChunkID, chunk.PartitionID, chunk.SHA256, chunk.Encoding, chunk.Compression, chunk.ByteLength, chunk.Body, chunk.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage/pg: create snapshot chunk: %w", err)
	}
	return nil
}

func (g *Gateway) GetSnapshotChunk(ctx context.Context, partitionID, chunkID string) (*storage.SnapshotChunk, error) {
	var c storage.SnapshotChunk
	err := g.Pool.QueryRow(ctx,
		`SELECT chunk_id, partition_id, sha256, encoding, compression, byte_length, body, expires_at
		 FROM sync_snapshot_chunks WHERE chunk_id = $1 AND partition_id = $2 AND expires_at > NOW()`,
		chunkID, partitionID,
	).Scan(&c.ChunkID, &c.PartitionID, &c.SHA256, &c.Encoding, &c.Compression, &c.ByteLength, &c.Body, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: chunk %s", storage.ErrNotFound, chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage/pg: get snapshot chunk: %w", err)
	}
	return &c, nil
}

func (g *Gateway) DeleteExpiredSnapshotChunks(ctx context.Context, now time.Time) (int, error) {
	tag, err := g.Pool.Exec(ctx, `DELETE FROM sync_snapshot_chunks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("storage/pg: delete expired snapshot chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (g *Gateway) InsertRequestEvent(ctx context.Context, ev storage.RequestEvent) error {
	var scopesSummary any
	if len(ev.ScopesSummary) > 0 {
		scopesSummary = ev.ScopesSummary
	}
	_, err := g.Pool.Exec(ctx,
		`INSERT INTO sync_request_events
		   (event_id, partition_id, request_id, trace_id, span_id, event_type, sync_path, transport_path,
		    actor_id, client_id, status_code, outcome, response_status, error_code, duration_ms,
		    commit_seq, operation_count, row_count, subscription_count, scopes_summary, tables,
		    error_message, payload_ref, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		ev.EventID, ev.PartitionID, ev.RequestID, nullStr(ev.TraceID), nullStr(ev.SpanID),
		string(ev.EventType), string(ev.SyncPath), string(ev.TransportPath),
		nullStr(ev.ActorID), nullStr(ev.ClientID), ev.StatusCode, ev.Outcome, string(ev.ResponseStatus),
		nullStr(ev.ErrorCode), ev.DurationMs, ev.CommitSeq, ev.OperationCount, ev.RowCount,
		ev.SubscriptionCount, scopesSummary, ev.Tables, nullStr(ev.ErrorMessage), nullStr(ev.PayloadRef),
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage/pg: insert request event: %w", err)
	}
	return nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (g *Gateway) InsertPayloadSnapshot(ctx context.Context, snap storage.PayloadSnapshot) error {
	_, err := g.Pool.Exec(ctx,
		`INSERT INTO sync_payload_snapshots (payload_ref, partition_id, request_payload, response_payload, created_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (payload_ref) DO NOTHING`,
		snap.PayloadRef, snap.PartitionID, snap.RequestPayload, snap.ResponsePayload, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage/pg: insert payload snapshot: %w", err)
	}
	return nil
}

func (g *Gateway) GetPayloadSnapshot(ctx context.Context, partitionID, payloadRef string) (*storage.PayloadSnapshot, error) {
	var p storage.PayloadSnapshot
	err := g.Pool.QueryRow(ctx,
		`SELECT payload_ref, partition_id, request_payload, response_payload, created_at
		 FROM sync_payload_snapshots WHERE payload_ref = $1 AND partition_id = $2`,
		payloadRef, partitionID,
	).Scan(&p.PayloadRef, &p.PartitionID, &p.RequestPayload, &p.ResponsePayload, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: payload %s", storage.ErrNotFound, payloadRef)
	}
	if err != nil {
		return nil, fmt.Errorf("storage/pg: get payload snapshot: %w", err)
	}
	return &p, nil
}

func (g *Gateway) ListRequestEvents(ctx context.Context, partitionID string, offset, limit int) ([]storage.RequestEvent, int, error) {
	var total int
	if err := g.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_request_events WHERE partition_id = $1`, partitionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage/pg: count request events: %w", err)
	}

	rows, err := g.Pool.Query(ctx,
		`SELECT event_id, partition_id, request_id, COALESCE(trace_id,''), COALESCE(span_id,''), event_type, sync_path, transport_path,
		        COALESCE(actor_id,''), COALESCE(client_id,''), status_code, outcome, response_status, COALESCE(error_code,''), duration_ms,
		        commit_seq, operation_count, row_count, subscription_count, scopes_summary, tables,
		        COALESCE(error_message,''), COALESCE(payload_ref,''), created_at
		 FROM sync_request_events WHERE partition_id = $1 ORDER BY created_at DESC OFFSET $2 LIMIT $3`,
		partitionID, offset, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage/pg: list request events: %w", err)
	}
	defer rows.Close()

	events := []storage.RequestEvent{}
	for rows.Next() {
		ev, err := scanRequestEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

func scanRequestEvent(rows pgx.Rows) (storage.RequestEvent, error) {
	var ev storage.RequestEvent
	var eventType, syncPath, transportPath, responseStatus string
	if err := rows.Scan(&ev.EventID, &ev.PartitionID, &ev.RequestID, &ev.TraceID, &ev.SpanID, &eventType, &syncPath, &transportPath,
		&ev.ActorID, &ev.ClientID, &ev.StatusCode, &ev.Outcome, &responseStatus, &ev.ErrorCode, &ev.DurationMs,
		&ev.CommitSeq, &ev.OperationCount, &ev.RowCount, &ev.SubscriptionCount, &ev.ScopesSummary, &ev.Tables,
		&ev.ErrorMessage, &ev.PayloadRef, &ev.CreatedAt); err != nil {
		return ev, fmt.Errorf("storage/pg: scan request event: %w", err)
	}
	ev.EventType = storage.RequestEventType(eventType)
	ev.SyncPath = storage.SyncPath(syncPath)
	ev.TransportPath = storage.TransportPath(transportPath)
	ev.ResponseStatus = storage.ResponseStatus(responseStatus)
	return ev, nil
}

func (g *Gateway) GetRequestEvent(ctx context.Context, partitionID, eventID string) (*storage.RequestEvent, error) {
	rows, err := g.Pool.Query(ctx,
		`SELECT event_id, partition_id, request_id, COALESCE(trace_id,''), COALESCE(span_id,''), event_type, sync_path, transport_path,
		        COALESCE(actor_id,''), COALESCE(client_id,''), status_code, outcome, response_status, COALESCE(error_code,''), duration_ms,
		        commit_seq, operation_count, row_count, subscription_count, scopes_summary, tables,
		        COALESCE(error_message,''), COALESCE(payload_ref,''), created_at
		 FROM sync_request_events WHERE partition_id = $1 AND event_id = $2`,
		partitionID, eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage/pg: get request event: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("%w: event %s", storage.ErrNotFound, eventID)
	}
	ev, err := scanRequestEvent(rows)
	if err != nil {
		return nil, err
	}
	return &ev, rows.Err()
}

func (g *Gateway) InsertOperationAuditEvent(ctx context.Context, ev storage.OperationAuditEvent) error {
	_, err := g.Pool.Exec(ctx,
		`INSERT INTO sync_operation_events (operation_id, operation_type, console_user_id, partition_id, target_client_id, request_payload, result_payload, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ev.OperationID, string(ev.OperationType), nullStr(ev.ConsoleUserID), nullStr(ev.PartitionID), nullStr(ev.TargetClientID),
		ev.RequestPayload, ev.ResultPayload, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage/pg: insert operation event: %w", err)
	}
	return nil
}

func (g *Gateway) ListOperationAuditEvents(ctx context.Context, partitionID string, offset, limit int) ([]storage.OperationAuditEvent, int, error) {
	var total int
	if err := g.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_operation_events WHERE partition_id = $1 OR $1 = ''`, partitionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage/pg: count operation events: %w", err)
	}
	rows, err := g.Pool.Query(ctx,
		`SELECT operation_id, operation_type, COALESCE(console_user_id,''), COALESCE(partition_id,''), COALESCE(target_client_id,''), request_payload, result_payload, created_at
		 FROM sync_operation_events WHERE partition_id = $1 OR $1 = '' ORDER BY created_at DESC OFFSET $2 LIMIT $3`,
		partitionID, offset, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage/pg: list operation events: %w", err)
	}
	defer rows.Close()

	events := []storage.OperationAuditEvent{}
	for rows.Next() {
		var ev storage.OperationAuditEvent
		var opType string
		if err := rows.Scan(&ev.OperationID, &opType, &ev.ConsoleUserID, &ev.PartitionID, &ev.TargetClientID, &ev.RequestPayload, &ev.ResultPayload, &ev.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage/pg: scan operation event: %w", err)
		}
		ev.OperationType = storage.OperationType(opType)
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

func (g *Gateway) ListCommits(ctx context.Context, partitionID string, offset, limit int) ([]storage.Commit, int, error) {
	var total int
	if err := g.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_commits WHERE partition_id = $1`, partitionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage/pg: count commits: %w", err)
	}
	rows, err := g.Pool.Query(ctx,
		`SELECT commit_seq, actor_id, client_id, client_commit_id, created_at, change_count, affected_tables
		 FROM sync_commits WHERE partition_id = $1 ORDER BY created_at DESC OFFSET $2 LIMIT $3`,
		partitionID, offset, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage/pg: list commits: %w", err)
	}
	defer rows.Close()
	commits := []storage.Commit{}
	for rows.Next() {
		var c storage.Commit
		c.PartitionID = partitionID
		if err := rows.Scan(&c.CommitSeq, &c.ActorID, &c.ClientID, &c.ClientCommitID, &c.CreatedAt, &c.ChangeCount, &c.AffectedTables); err != nil {
			return nil, 0, fmt.Errorf("storage/pg: scan commit: %w", err)
		}
		commits = append(commits, c)
	}
	return commits, total, rows.Err()
}

func (g *Gateway) GetCommit(ctx context.Context, partitionID string, commitSeq int64) (*storage.Commit, error) {
	var c storage.Commit
	c.PartitionID = partitionID
	err := g.Pool.QueryRow(ctx,
		`SELECT commit_seq, actor_id, client_id, client_commit_id, created_at, change_count, affected_tables
		 FROM sync_commits WHERE partition_id = $1 AND commit_seq = $2`,
		partitionID, commitSeq,
	).Scan(&c.CommitSeq, &c.ActorID, &c.ClientID, &c.ClientCommitID, &c.CreatedAt, &c.ChangeCount, &c.AffectedTables)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: commit %d", storage.ErrNotFound, commitSeq)
	}
	if err != nil {
		return nil, fmt.Errorf("storage/pg: get commit: %w", err)
	}
	return &c, nil
}

func (g *Gateway) ListChangesForCommit(ctx context.Context, partitionID string, commitSeq int64) ([]storage.Change, error) {
	rows, err := g.Pool.Query(ctx,
		`SELECT change_id, commit_seq, table_name, row_id, op, row_json, row_version, scopes, scope_keys
		 FROM sync_changes WHERE partition_id = $1 AND commit_seq = $2 ORDER BY change_id ASC`,
		partitionID, commitSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("storage/pg: list changes for commit: %w", err)
	}
	defer rows.Close()

	var changes []storage.Change
	for rows.Next() {
		ch, err := scanChange(rows, partitionID)
		if err != nil {
			return nil, err
		}
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

func (g *Gateway) ListClientCursors(ctx context.Context, partitionID string, offset, limit int) ([]storage.ClientCursor, int, error) {
	var total int
	if err := g.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_client_cursors WHERE partition_id = $1`, partitionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage/pg: count client cursors: %w", err)
	}
	rows, err := g.Pool.Query(ctx,
		`SELECT partition_id, client_id, actor_id, cursor, effective_scopes, updated_at
		 FROM sync_client_cursors WHERE partition_id = $1 ORDER BY updated_at DESC OFFSET $2 LIMIT $3`,
		partitionID, offset, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage/pg: list client cursors: %w", err)
	}
	defer rows.Close()
	cursors := []storage.ClientCursor{}
	for rows.Next() {
		var cc storage.ClientCursor
		var scopesRaw []byte
		if err := rows.Scan(&cc.PartitionID, &cc.ClientID, &cc.ActorID, &cc.Cursor, &scopesRaw, &cc.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage/pg: scan client cursor: %w", err)
		}
		_ = json.Unmarshal(scopesRaw, &cc.EffectiveScopes)
		cursors = append(cursors, cc)
	}
	return cursors, total, rows.Err()
}

func (g *Gateway) DeleteClient(ctx context.Context, partitionID, clientID string) error {
	_, err := g.Pool.Exec(ctx, `DELETE FROM sync_client_cursors WHERE partition_id = $1 AND client_id = $2`, partitionID, clientID)
	if err != nil {
		return fmt.Errorf("storage/pg: delete client: %w", err)
	}
	return nil
}

func (g *Gateway) PruneCommits(ctx context.Context, partitionID string, watermark int64, keepNewest int, dryRun bool) (int, error) {
	if dryRun {
		var count int
		err := g.Pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM sync_commits
			 WHERE partition_id = $1 AND commit_seq <= $2
			   AND commit_seq <= (SELECT COALESCE(MAX(commit_seq),0) - $3 FROM sync_commits WHERE partition_id = $1)`,
			partitionID, watermark, keepNewest,
		).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("storage/pg: preview prune: %w", err)
		}
		return count, nil
	}
	tag, err := g.Pool.Exec(ctx,
		`DELETE FROM sync_commits
		 WHERE partition_id = $1 AND commit_seq <= $2
		   AND commit_seq <= (SELECT COALESCE(MAX(commit_seq),0) - $3 FROM sync_commits WHERE partition_id = $1)`,
		partitionID, watermark, keepNewest,
	)
	if err != nil {
		return 0, fmt.Errorf("storage/pg: prune commits: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (g *Gateway) MinActiveClientCursor(ctx context.Context, partitionID string, window time.Duration) (*int64, error) {
	var min *int64
	err := g.Pool.QueryRow(ctx,
		`SELECT MIN(cursor) FROM sync_client_cursors WHERE partition_id = $1 AND updated_at >= NOW() - $2::interval`,
		partitionID, window.String(),
	).Scan(&min)
	if err != nil {
		return nil, fmt.Errorf("storage/pg: min active cursor: %w", err)
	}
	return min, nil
}

func (g *Gateway) MaxCommitSeqBefore(ctx context.Context, partitionID string, cutoff time.Time) (*int64, error) {
	var max *int64
	err := g.Pool.QueryRow(ctx,
		`SELECT MAX(commit_seq) FROM sync_commits WHERE partition_id = $1 AND created_at <= $2`,
		partitionID, cutoff,
	).Scan(&max)
	if err != nil {
		return nil, fmt.Errorf("storage/pg: max commit seq before: %w", err)
	}
	return max, nil
}

func (g *Gateway) CompactChanges(ctx context.Context, partitionID string, olderThan time.Time) (int, error) {
	tag, err := g.Pool.Exec(ctx,
		`DELETE FROM sync_changes ch
		 USING sync_commits c
		 WHERE ch.partition_id = $1 AND c.partition_id = ch.partition_id AND c.commit_seq = ch.commit_seq
		   AND c.created_at < $2
		   AND ch.change_id < (
		       SELECT MAX(ch2.change_id) FROM sync_changes ch2
		       WHERE ch2.partition_id = ch.partition_id AND ch2.table_name = ch.table_name AND ch2.row_id = ch.row_id
		   )`,
		partitionID, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("storage/pg: compact changes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (g *Gateway) DeleteOldRequestEvents(ctx context.Context, partitionID string, maxAge time.Duration, maxRows int) (int, error) {
	tag, err := g.Pool.Exec(ctx,
		`DELETE FROM sync_request_events WHERE partition_id = $1 AND created_at < NOW() - $2::interval`,
		partitionID, maxAge.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage/pg: delete old request events: %w", err)
	}
	deleted := int(tag.RowsAffected())

	tag2, err := g.Pool.Exec(ctx,
		`DELETE FROM sync_request_events WHERE partition_id = $1 AND event_id NOT IN (
		   SELECT event_id FROM sync_request_events WHERE partition_id = $1 ORDER BY created_at DESC LIMIT $2
		 )`,
		partitionID, maxRows,
	)
	if err != nil {
		return deleted, fmt.Errorf("storage/pg: cap request events: %w", err)
	}
	return deleted + int(tag2.RowsAffected()), nil
}

func (g *Gateway) DeleteOldOperationEvents(ctx context.Context, partitionID string, maxAge time.Duration, maxRows int) (int, error) {
	tag, err := g.Pool.Exec(ctx,
		`DELETE FROM sync_operation_events WHERE (partition_id = $1 OR $1 = '') AND created_at < NOW() - $2::interval`,
		partitionID, maxAge.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage/pg: delete old operation events: %w", err)
	}
	deleted := int(tag.RowsAffected())

	tag2, err := g.Pool.Exec(ctx,
		`DELETE FROM sync_operation_events WHERE (partition_id = $1 OR $1 = '') AND operation_id NOT IN (
		   SELECT operation_id FROM sync_operation_events WHERE (partition_id = $1 OR $1 = '') ORDER BY created_at DESC LIMIT $2
		 )`,
		partitionID, maxRows,
	)
	if err != nil {
		return deleted, fmt.Errorf("storage/pg: cap operation events: %w", err)
	}
	return deleted + int(tag2.RowsAffected()), nil
}

func (g *Gateway) DeleteUnreferencedPayloadSnapshots(ctx context.Context, partitionID string) (int, error) {
	tag, err := g.Pool.Exec(ctx,
		`DELETE FROM sync_payload_snapshots p
		 WHERE p.partition_id = $1 AND NOT EXISTS (
		   SELECT 1 FROM sync_request_events e WHERE e.partition_id = p.partition_id AND e.payload_ref = p.payload_ref
		 )`,
		partitionID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage/pg: delete unreferenced payload snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (g *Gateway) Stats(ctx context.Context, partitionID string) (storage.Stats, error) {
	var s storage.Stats
	err := g.Pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(change_count),0), MIN(commit_seq), MAX(commit_seq)
		 FROM sync_commits WHERE partition_id = $1`,
		partitionID,
	).Scan(&s.CommitCount, &s.ChangeCount, &s.MinCommitSeq, &s.MaxCommitSeq)
	if err != nil {
		return s, fmt.Errorf("storage/pg: stats commits: %w", err)
	}
	err = g.Pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE updated_at > NOW() - INTERVAL '1 day'), MIN(cursor), MAX(cursor)
		 FROM sync_client_cursors WHERE partition_id = $1`,
		partitionID,
	).Scan(&s.ClientCount, &s.ActiveClientCount, &s.MinActiveCursor, &s.MaxActiveCursor)
	if err != nil {
		return s, fmt.Errorf("storage/pg: stats clients: %w", err)
	}
	return s, nil
}

func (g *Gateway) CreateAPIKey(ctx context.Context, key storage.APIKey) error {
	partitionID := key.PartitionID
	if partitionID == "" {
		partitionID = "default"
	}
	_, err := g.Pool.Exec(ctx,
		`INSERT INTO sync_api_keys (key_id, key_hash, key_prefix, name, key_type, partition_id, scope_keys, actor_id, created_at, expires_at, staged)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		key.KeyID, key.KeyHash, key.KeyPrefix, key.Name, string(key.KeyType), partitionID, key.ScopeKeys, nullStr(key.ActorID), key.CreatedAt, key.ExpiresAt, key.Staged,
	)
	if err != nil {
		return fmt.Errorf("storage/pg: create api key: %w", err)
	}
	return nil
}

func scanAPIKey(row pgx.Row) (*storage.APIKey, error) {
	var k storage.APIKey
	var keyType string
	err := row.Scan(&k.KeyID, &k.KeyHash, &k.KeyPrefix, &k.Name, &keyType, &k.PartitionID, &k.ScopeKeys, &k.ActorID, &k.CreatedAt, &k.ExpiresAt, &k.LastUsedAt, &k.RevokedAt, &k.Staged)
	if err != nil {
		return nil, err
	}
	k.KeyType = storage.APIKeyType(keyType)
	return &k, nil
}

const apiKeyColumns = `key_id, key_hash, key_prefix, name, key_type, partition_id, scope_keys, actor_id, created_at, expires_at, last_used_at, revoked_at, staged`

func (g *Gateway) GetAPIKeyByHash(ctx context.Context, keyHash string) (*storage.APIKey, error) {
	row := g.Pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM sync_api_keys WHERE key_hash = $1`, keyHash)
	k, err := scanAPIKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: api key", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage/pg: get api key by hash: %w", err)
	}
	return k, nil
}

func (g *Gateway) GetAPIKey(ctx context.Context, keyID string) (*storage.APIKey, error) {
	row := g.Pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM sync_api_keys WHERE key_id = $1`, keyID)
	k, err := scanAPIKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: api key %s", storage.ErrNotFound, keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage/pg: get api key: %w", err)
	}
	return k, nil
}

func (g *Gateway) ListAPIKeys(ctx context.Context) ([]storage.APIKey, error) {
	rows, err := g.Pool.Query(ctx, `SELECT `+apiKeyColumns+` FROM sync_api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage/pg: list api keys: %w", err)
	}
	defer rows.Close()
	keys := []storage.APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("storage/pg: scan api key: %w", err)
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (g *Gateway) RevokeAPIKey(ctx context.Context, keyID string, at time.Time) error {
	_, err := g.Pool.Exec(ctx, `UPDATE sync_api_keys SET revoked_at = $2 WHERE key_id = $1`, keyID, at)
	if err != nil {
		return fmt.Errorf("storage/pg: revoke api key: %w", err)
	}
	return nil
}

func (g *Gateway) TouchAPIKey(ctx context.Context, keyID string, at time.Time) error {
	_, err := g.Pool.Exec(ctx, `UPDATE sync_api_keys SET last_used_at = $2 WHERE key_id = $1`, keyID, at)
	if err != nil {
		return fmt.Errorf("storage/pg: touch api key: %w", err)
	}
	return nil
}

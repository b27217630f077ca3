package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/syncular/syncular/internal/storage"
)

// tx implements storage.Tx over a pgx.Tx running at the Serializable
// isolation level, the level the Commit Ingestor's single serialised
// write path requires. Follows pgx's own BeginTx/Commit/Rollback idiom
// rather than introducing a new library.
type tx struct {
	pgtx        pgx.Tx
	partitionID string
}

// BeginSerializable opens a new Serializable transaction.
func (g *Gateway) BeginSerializable(ctx context.Context) (storage.Tx, error) {
	pgtx, err := g.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("storage/pg: begin serializable: %w", err)
	}
	return &tx{pgtx: pgtx}, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("storage/pg: commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.pgtx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("storage/pg: rollback: %w", err)
	}
	return nil
}

func (t *tx) FindCommitByClientCommit(ctx context.Context, partitionID, clientID, clientCommitID string) (*storage.Commit, error) {
	var c storage.Commit
	c.PartitionID = partitionID
	err := t.pgtx.QueryRow(ctx,
		`SELECT commit_seq, actor_id, client_id, client_commit_id, created_at, change_count, affected_tables
		 FROM sync_commits WHERE partition_id = $1 AND client_id = $2 AND client_commit_id = $3`,
		partitionID, clientID, clientCommitID,
	).Scan(&c.CommitSeq, &c.ActorID, &c.ClientID, &c.ClientCommitID, &c.CreatedAt, &c.ChangeCount, &c.AffectedTables)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: commit for %s/%s", storage.ErrNotFound, clientID, clientCommitID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage/pg: find commit by client commit: %w", err)
	}
	return &c, nil
}

// InsertCommit allocates the next commit_seq from sync_partition_seqs
// (locked FOR UPDATE within this Serializable transaction, so
// concurrent commits to the same partition serialize on that row),
// writes the commit and every change row, and checks each change's
// optional row_version precondition.
func (t *tx) InsertCommit(ctx context.Context, w storage.CommitWrite) (*storage.Commit, []storage.Change, error) {
	var nextSeq int64
	err := t.pgtx.QueryRow(ctx,
		`INSERT INTO sync_partition_seqs (partition_id, next_seq) VALUES ($1, 2)
		 ON CONFLICT (partition_id) DO UPDATE SET next_seq = sync_partition_seqs.next_seq + 1
		 RETURNING next_seq - 1`,
		w.PartitionID,
	).Scan(&nextSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("storage/pg: allocate commit_seq: %w", err)
	}

	for _, cw := range w.Changes {
		if cw.PreconditionRowVersion == nil {
			continue
		}
		var current int64
		err := t.pgtx.QueryRow(ctx,
			`SELECT row_version FROM sync_changes
			 WHERE partition_id = $1 AND table_name = $2 AND row_id = $3
			 ORDER BY change_id DESC LIMIT 1`,
			w.PartitionID, cw.Table, cw.RowID,
		).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("storage/pg: check row_version precondition: %w", err)
		}
		if err == nil && current != *cw.PreconditionRowVersion {
			return nil, nil, &storage.ConflictError{Table: cw.Table, RowID: cw.RowID}
		}
	}

	var affectedTables []string
	if w.AffectedTablesOverride != nil {
		affectedTables = w.AffectedTablesOverride
	} else {
		tableSet := map[string]struct{}{}
		for _, cw := range w.Changes {
			tableSet[cw.Table] = struct{}{}
		}
		affectedTables = make([]string, 0, len(tableSet))
		for tbl := range tableSet {
			affectedTables = append(affectedTables, tbl)
		}
	}

	now := time.Now()
	_, err = t.pgtx.Exec(ctx,
		`INSERT INTO sync_commits (partition_id, commit_seq, actor_id, client_id, client_commit_id, created_at, change_count, affected_tables)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		w.PartitionID, nextSeq, w.ActorID, w.ClientID, w.ClientCommitID, now, len(w.Changes), affectedTables,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("storage/pg: insert commit: %w", err)
	}

	changes := make([]storage.Change, 0, len(w.Changes))
	for _, cw := range w.Changes {
		scopesJSON, err := scopesToJSON(cw.Scopes)
		if err != nil {
			return nil, nil, fmt.Errorf("storage/pg: encode change scopes: %w", err)
		}
		var changeID int64
		err = t.pgtx.QueryRow(ctx,
			`INSERT INTO sync_changes (partition_id, commit_seq, table_name, row_id, op, row_json, row_version, scopes, scope_keys)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING change_id`,
			w.PartitionID, nextSeq, cw.Table, cw.RowID, string(cw.Op), cw.RowJSON, cw.RowVersion, scopesJSON, cw.ScopeKeys,
		).Scan(&changeID)
		if err != nil {
			return nil, nil, fmt.Errorf("storage/pg: insert change: %w", err)
		}
		changes = append(changes, storage.Change{
			PartitionID: w.PartitionID,
			ChangeID:    changeID,
			CommitSeq:   nextSeq,
			Table:       cw.Table,
			RowID:       cw.RowID,
			Op:          cw.Op,
			RowJSON:     cw.RowJSON,
			RowVersion:  cw.RowVersion,
			Scopes:      cw.Scopes,
			ScopeKeys:   cw.ScopeKeys,
		})
	}

	commit := &storage.Commit{
		PartitionID:    w.PartitionID,
		CommitSeq:      nextSeq,
		ActorID:        w.ActorID,
		ClientID:       w.ClientID,
		ClientCommitID: w.ClientCommitID,
		CreatedAt:      now,
		ChangeCount:    len(w.Changes),
		AffectedTables: affectedTables,
	}
	return commit, changes, nil
}

func (t *tx) UpsertClientCursor(ctx context.Context, partitionID, clientID, actorID string, cursor int64, effectiveScopes map[string]any) error {
	var existingActor string
	err := t.pgtx.QueryRow(ctx,
		`SELECT actor_id FROM sync_client_cursors WHERE partition_id = $1 AND client_id = $2`,
		partitionID, clientID,
	).Scan(&existingActor)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage/pg: check client cursor actor: %w", err)
	}
	if err == nil && existingActor != actorID {
		return fmt.Errorf("%w: client %s", storage.ErrActorMismatch, clientID)
	}

	scopesJSON, err := scopesToJSON(effectiveScopes)
	if err != nil {
		return fmt.Errorf("storage/pg: encode effective_scopes: %w", err)
	}
	_, err = t.pgtx.Exec(ctx,
		`INSERT INTO sync_client_cursors (partition_id, client_id, actor_id, cursor, effective_scopes, updated_at)
		 VALUES ($1,$2,$3,$4,$5,NOW())
		 ON CONFLICT (partition_id, client_id) DO UPDATE
		   SET cursor = GREATEST(sync_client_cursors.cursor, EXCLUDED.cursor),
		       effective_scopes = EXCLUDED.effective_scopes,
		       updated_at = NOW()`,
		partitionID, clientID, actorID, cursor, scopesJSON,
	)
	if err != nil {
		return fmt.Errorf("storage/pg: upsert client cursor: %w", err)
	}
	return nil
}

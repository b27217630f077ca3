// Package memstore is an in-memory fake of storage.Gateway used by
// tests and local runs without a database: the whole Gateway surface
// is faked so ingest/pull/maintenance logic can be tested without
// Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syncular/syncular/internal/storage"
)

// Store is an in-memory, mutex-guarded storage.Gateway.
type Store struct {
	mu sync.Mutex

	nextSeq   map[string]int64
	commits   map[string][]storage.Commit                // partitionID -> commits, ordered by seq
	changes   map[string]map[int64][]storage.Change       // partitionID -> commitSeq -> changes
	changeSeq int64
	cursors   map[string]map[string]storage.ClientCursor // partitionID -> clientID -> cursor
	chunks    map[string]storage.SnapshotChunk           // chunkID -> chunk
	events    map[string][]storage.RequestEvent          // partitionID -> events
	payloads  map[string]storage.PayloadSnapshot
	opEvents  []storage.OperationAuditEvent
	apiKeys   map[string]storage.APIKey // keyID -> key
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		nextSeq:  make(map[string]int64),
		commits:  make(map[string][]storage.Commit),
		changes:  make(map[string]map[int64][]storage.Change),
		cursors:  make(map[string]map[string]storage.ClientCursor),
		chunks:   make(map[string]storage.SnapshotChunk),
		events:   make(map[string][]storage.RequestEvent),
		payloads: make(map[string]storage.PayloadSnapshot),
		apiKeys:  make(map[string]storage.APIKey),
	}
}

var _ storage.Gateway = (*Store)(nil)

type memTx struct {
	s           *Store
	partitionID string
	done        bool
}

func (s *Store) BeginSerializable(ctx context.Context) (storage.Tx, error) {
	s.mu.Lock()
	return &memTx{s: s}, nil
}

func (t *memTx) unlock() {
	if !t.done {
		t.done = true
		t.s.mu.Unlock()
	}
}

func (t *memTx) Commit(ctx context.Context) error {
	t.unlock()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.unlock()
	return nil
}

func (t *memTx) FindCommitByClientCommit(ctx context.Context, partitionID, clientID, clientCommitID string) (*storage.Commit, error) {
	for _, c := range t.s.commits[partitionID] {
		if c.ClientID == clientID && c.ClientCommitID == clientCommitID {
			cc := c
			return &cc, nil
		}
	}
	return nil, fmt.Errorf("%w: commit for %s/%s", storage.ErrNotFound, clientID, clientCommitID)
}

func (t *memTx) InsertCommit(ctx context.Context, w storage.CommitWrite) (*storage.Commit, []storage.Change, error) {
	s := t.s
	for _, cw := range w.Changes {
		if cw.PreconditionRowVersion == nil {
			continue
		}
		var current int64
		var latestChangeID int64
		found := false
		for _, commit := range s.commits[w.PartitionID] {
			for _, ch := range s.changes[w.PartitionID][commit.CommitSeq] {
				if ch.Table == cw.Table && ch.RowID == cw.RowID && ch.ChangeID >= latestChangeID {
					current = ch.RowVersion
					latestChangeID = ch.ChangeID
					found = true
				}
			}
		}
		if found && current != *cw.PreconditionRowVersion {
			return nil, nil, &storage.ConflictError{Table: cw.Table, RowID: cw.RowID}
		}
	}

	seq := s.nextSeq[w.PartitionID] + 1
	s.nextSeq[w.PartitionID] = seq

	tableSet := map[string]struct{}{}
	changes := make([]storage.Change, 0, len(w.Changes))
	for _, cw := range w.Changes {
		tableSet[cw.Table] = struct{}{}
		s.changeSeq++
		changes = append(changes, storage.Change{
			PartitionID: w.PartitionID,
			ChangeID:    s.changeSeq,
			CommitSeq:   seq,
			Table:       cw.Table,
			RowID:       cw.RowID,
			Op:          cw.Op,
			RowJSON:     cw.RowJSON,
			RowVersion:  cw.RowVersion,
			Scopes:      cw.Scopes,
			ScopeKeys:   cw.ScopeKeys,
		})
	}
	var affectedTables []string
	if w.AffectedTablesOverride != nil {
		affectedTables = w.AffectedTablesOverride
	} else {
		affectedTables = make([]string, 0, len(tableSet))
		for tbl := range tableSet {
			affectedTables = append(affectedTables, tbl)
		}
		sort.Strings(affectedTables)
	}

	commit := storage.Commit{
		PartitionID:    w.PartitionID,
		CommitSeq:      seq,
		ActorID:        w.ActorID,
		ClientID:       w.ClientID,
		ClientCommitID: w.ClientCommitID,
		CreatedAt:      time.Now(),
		ChangeCount:    len(w.Changes),
		AffectedTables: affectedTables,
	}
	s.commits[w.PartitionID] = append(s.commits[w.PartitionID], commit)
	if s.changes[w.PartitionID] == nil {
		s.changes[w.PartitionID] = make(map[int64][]storage.Change)
	}
	s.changes[w.PartitionID][seq] = changes

	return &commit, changes, nil
}

func (t *memTx) UpsertClientCursor(ctx context.Context, partitionID, clientID, actorID string, cursor int64, effectiveScopes map[string]any) error {
	return t.s.upsertCursor(partitionID, clientID, actorID, cursor, effectiveScopes)
}

func (s *Store) upsertCursor(partitionID, clientID, actorID string, cursor int64, effectiveScopes map[string]any) error {
	if s.cursors[partitionID] == nil {
		s.cursors[partitionID] = make(map[string]storage.ClientCursor)
	}
	existing, ok := s.cursors[partitionID][clientID]
	if ok && existing.ActorID != actorID {
		return fmt.Errorf("%w: client %s", storage.ErrActorMismatch, clientID)
	}
	newCursor := cursor
	if ok && existing.Cursor > newCursor {
		newCursor = existing.Cursor
	}
	s.cursors[partitionID][clientID] = storage.ClientCursor{
		PartitionID:     partitionID,
		ClientID:        clientID,
		ActorID:         actorID,
		Cursor:          newCursor,
		EffectiveScopes: effectiveScopes,
		UpdatedAt:       time.Now(),
	}
	return nil
}

func (s *Store) GetClientCursor(ctx context.Context, partitionID, clientID string) (*storage.ClientCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.cursors[partitionID][clientID]
	if !ok {
		return nil, fmt.Errorf("%w: cursor %s/%s", storage.ErrNotFound, partitionID, clientID)
	}
	return &cc, nil
}

func (s *Store) UpsertClientCursorAsync(ctx context.Context, partitionID, clientID, actorID string, cursor int64, effectiveScopes map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertCursor(partitionID, clientID, actorID, cursor, effectiveScopes)
}

func (s *Store) FetchCommitsAfter(ctx context.Context, partitionID string, cursor int64, limit int, scopeKeys []string, table string) ([]storage.Commit, map[int64][]storage.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]struct{}, len(scopeKeys))
	for _, k := range scopeKeys {
		want[k] = struct{}{}
	}

	var result []storage.Commit
	byCommit := make(map[int64][]storage.Change)
	for _, c := range s.commits[partitionID] {
		if c.CommitSeq <= cursor {
			continue
		}
		var matched []storage.Change
		for _, ch := range s.changes[partitionID][c.CommitSeq] {
			if table != "" && ch.Table != table {
				continue
			}
			for _, k := range ch.ScopeKeys {
				if _, ok := want[k]; ok {
					matched = append(matched, ch)
					break
				}
			}
		}
		if len(matched) == 0 {
			continue
		}
		result = append(result, c)
		byCommit[c.CommitSeq] = matched
		if len(result) >= limit {
			break
		}
	}
	return result, byCommit, nil
}

func (s *Store) CreateSnapshotChunk(ctx context.Context, chunk storage.SnapshotChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[chunk.ChunkID] = chunk
	return nil
}

func (s *Store) GetSnapshotChunk(ctx context.Context, partitionID, chunkID string) (*storage.SnapshotChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok || c.PartitionID != partitionID || !c.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: chunk %s", storage.ErrNotFound, chunkID)
	}
	return &c, nil
}

func (s *Store) DeleteExpiredSnapshotChunks(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, c := range s.chunks {
		if !c.ExpiresAt.After(now) {
			delete(s.chunks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) InsertRequestEvent(ctx context.Context, ev storage.RequestEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.PartitionID] = append(s.events[ev.PartitionID], ev)
	return nil
}

func (s *Store) InsertPayloadSnapshot(ctx context.Context, snap storage.PayloadSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[snap.PayloadRef] = snap
	return nil
}

func (s *Store) GetPayloadSnapshot(ctx context.Context, partitionID, payloadRef string) (*storage.PayloadSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payloads[payloadRef]
	if !ok || p.PartitionID != partitionID {
		return nil, fmt.Errorf("%w: payload %s", storage.ErrNotFound, payloadRef)
	}
	return &p, nil
}

func (s *Store) ListRequestEvents(ctx context.Context, partitionID string, offset, limit int) ([]storage.RequestEvent, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append([]storage.RequestEvent(nil), s.events[partitionID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, offset, limit), len(all), nil
}

func (s *Store) GetRequestEvent(ctx context.Context, partitionID, eventID string) (*storage.RequestEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events[partitionID] {
		if ev.EventID == eventID {
			e := ev
			return &e, nil
		}
	}
	return nil, fmt.Errorf("%w: event %s", storage.ErrNotFound, eventID)
}

func (s *Store) InsertOperationAuditEvent(ctx context.Context, ev storage.OperationAuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opEvents = append(s.opEvents, ev)
	return nil
}

func (s *Store) ListOperationAuditEvents(ctx context.Context, partitionID string, offset, limit int) ([]storage.OperationAuditEvent, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var filtered []storage.OperationAuditEvent
	for _, ev := range s.opEvents {
		if partitionID == "" || ev.PartitionID == partitionID {
			filtered = append(filtered, ev)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })
	return pageOps(filtered, offset, limit), len(filtered), nil
}

func (s *Store) ListCommits(ctx context.Context, partitionID string, offset, limit int) ([]storage.Commit, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append([]storage.Commit(nil), s.commits[partitionID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return pageCommits(all, offset, limit), len(all), nil
}

func (s *Store) GetCommit(ctx context.Context, partitionID string, commitSeq int64) (*storage.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commits[partitionID] {
		if c.CommitSeq == commitSeq {
			cc := c
			return &cc, nil
		}
	}
	return nil, fmt.Errorf("%w: commit %d", storage.ErrNotFound, commitSeq)
}

func (s *Store) ListChangesForCommit(ctx context.Context, partitionID string, commitSeq int64) ([]storage.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Change(nil), s.changes[partitionID][commitSeq]...), nil
}

func (s *Store) ListClientCursors(ctx context.Context, partitionID string, offset, limit int) ([]storage.ClientCursor, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []storage.ClientCursor
	for _, cc := range s.cursors[partitionID] {
		all = append(all, cc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return pageCursors(all, offset, limit), len(all), nil
}

func (s *Store) DeleteClient(ctx context.Context, partitionID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors[partitionID], clientID)
	return nil
}

func (s *Store) PruneCommits(ctx context.Context, partitionID string, watermark int64, keepNewest int, dryRun bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.commits[partitionID]
	if len(all) == 0 {
		return 0, nil
	}
	maxSeq := all[len(all)-1].CommitSeq
	cutoff := maxSeq - int64(keepNewest)
	var kept []storage.Commit
	deleted := 0
	for _, c := range all {
		if c.CommitSeq <= watermark && c.CommitSeq <= cutoff {
			deleted++
			continue
		}
		kept = append(kept, c)
	}
	if !dryRun {
		s.commits[partitionID] = kept
	}
	return deleted, nil
}

func (s *Store) MinActiveClientCursor(ctx context.Context, partitionID string, window time.Duration) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var min *int64
	cutoff := time.Now().Add(-window)
	for _, cc := range s.cursors[partitionID] {
		if cc.UpdatedAt.Before(cutoff) {
			continue
		}
		if min == nil || cc.Cursor < *min {
			v := cc.Cursor
			min = &v
		}
	}
	return min, nil
}

func (s *Store) MaxCommitSeqBefore(ctx context.Context, partitionID string, cutoff time.Time) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max *int64
	for _, c := range s.commits[partitionID] {
		if c.CreatedAt.After(cutoff) {
			continue
		}
		if max == nil || c.CommitSeq > *max {
			v := c.CommitSeq
			max = &v
		}
	}
	return max, nil
}

func (s *Store) CompactChanges(ctx context.Context, partitionID string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := map[string]int64{} // table/row -> max change id
	for _, changes := range s.changes[partitionID] {
		for _, ch := range changes {
			key := ch.Table + "/" + ch.RowID
			if ch.ChangeID > latest[key] {
				latest[key] = ch.ChangeID
			}
		}
	}
	deleted := 0
	var commitByID = map[int64]storage.Commit{}
	for _, c := range s.commits[partitionID] {
		commitByID[c.CommitSeq] = c
	}
	for seq, changes := range s.changes[partitionID] {
		c, ok := commitByID[seq]
		if !ok || !c.CreatedAt.Before(olderThan) {
			continue
		}
		kept := changes[:0:0]
		for _, ch := range changes {
			key := ch.Table + "/" + ch.RowID
			if ch.ChangeID == latest[key] {
				kept = append(kept, ch)
				continue
			}
			deleted++
		}
		s.changes[partitionID][seq] = kept
	}
	return deleted, nil
}

func (s *Store) DeleteOldRequestEvents(ctx context.Context, partitionID string, maxAge time.Duration, maxRows int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var kept []storage.RequestEvent
	deleted := 0
	for _, ev := range s.events[partitionID] {
		if ev.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].CreatedAt.After(kept[j].CreatedAt) })
	if len(kept) > maxRows {
		deleted += len(kept) - maxRows
		kept = kept[:maxRows]
	}
	s.events[partitionID] = kept
	return deleted, nil
}

func (s *Store) DeleteOldOperationEvents(ctx context.Context, partitionID string, maxAge time.Duration, maxRows int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var kept []storage.OperationAuditEvent
	deleted := 0
	for _, ev := range s.opEvents {
		if partitionID != "" && ev.PartitionID != partitionID {
			kept = append(kept, ev)
			continue
		}
		if ev.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	s.opEvents = kept
	return deleted, nil
}

func (s *Store) DeleteUnreferencedPayloadSnapshots(ctx context.Context, partitionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	referenced := map[string]struct{}{}
	for _, ev := range s.events[partitionID] {
		if ev.PayloadRef != "" {
			referenced[ev.PayloadRef] = struct{}{}
		}
	}
	deleted := 0
	for ref, p := range s.payloads {
		if p.PartitionID != partitionID {
			continue
		}
		if _, ok := referenced[ref]; !ok {
			delete(s.payloads, ref)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) Stats(ctx context.Context, partitionID string) (storage.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st storage.Stats
	for _, c := range s.commits[partitionID] {
		st.CommitCount++
		st.ChangeCount += int64(c.ChangeCount)
		if st.MinCommitSeq == nil || c.CommitSeq < *st.MinCommitSeq {
			v := c.CommitSeq
			st.MinCommitSeq = &v
		}
		if st.MaxCommitSeq == nil || c.CommitSeq > *st.MaxCommitSeq {
			v := c.CommitSeq
			st.MaxCommitSeq = &v
		}
	}
	for _, cc := range s.cursors[partitionID] {
		st.ClientCount++
		st.ActiveClientCount++
		if st.MinActiveCursor == nil || cc.Cursor < *st.MinActiveCursor {
			v := cc.Cursor
			st.MinActiveCursor = &v
		}
		if st.MaxActiveCursor == nil || cc.Cursor > *st.MaxActiveCursor {
			v := cc.Cursor
			st.MaxActiveCursor = &v
		}
	}
	return st, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key storage.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[key.KeyID] = key
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*storage.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyHash == keyHash {
			kk := k
			return &kk, nil
		}
	}
	return nil, fmt.Errorf("%w: api key", storage.ErrNotFound)
}

func (s *Store) GetAPIKey(ctx context.Context, keyID string) (*storage.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: api key %s", storage.ErrNotFound, keyID)
	}
	return &k, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]storage.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []storage.APIKey
	for _, k := range s.apiKeys {
		all = append(all, k)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[keyID]
	if !ok {
		return fmt.Errorf("%w: api key %s", storage.ErrNotFound, keyID)
	}
	k.RevokedAt = &at
	s.apiKeys[keyID] = k
	return nil
}

func (s *Store) TouchAPIKey(ctx context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[keyID]
	if !ok {
		return nil
	}
	k.LastUsedAt = &at
	s.apiKeys[keyID] = k
	return nil
}

func page(events []storage.RequestEvent, offset, limit int) []storage.RequestEvent {
	if offset >= len(events) {
		return []storage.RequestEvent{}
	}
	end := offset + limit
	if end > len(events) {
		end = len(events)
	}
	return events[offset:end]
}

func pageOps(events []storage.OperationAuditEvent, offset, limit int) []storage.OperationAuditEvent {
	if offset >= len(events) {
		return []storage.OperationAuditEvent{}
	}
	end := offset + limit
	if end > len(events) {
		end = len(events)
	}
	return events[offset:end]
}

func pageCommits(commits []storage.Commit, offset, limit int) []storage.Commit {
	if offset >= len(commits) {
		return []storage.Commit{}
	}
	end := offset + limit
	if end > len(commits) {
		end = len(commits)
	}
	return commits[offset:end]
}

func pageCursors(cursors []storage.ClientCursor, offset, limit int) []storage.ClientCursor {
	if offset >= len(cursors) {
		return []storage.ClientCursor{}
	}
	end := offset + limit
	if end > len(cursors) {
		end = len(cursors)
	}
	return cursors[offset:end]
}

// Package ingest implements the Commit Ingestor: it validates push
// payloads, assigns the next commit_seq inside a single serializable
// transaction, writes the commit and its changes, and fans the result
// out to the Realtime Registry and an optional cross-instance
// broadcaster. It writes every client push to the commit log; the
// console's data-change notification is the only other writer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/syncular/syncular/internal/authn"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/storage"
	"github.com/syncular/syncular/internal/tablehandler"
)

// Error is a coded, HTTP-mappable ingest failure.
type Error struct {
	Code       string
	HTTPStatus int
	Message    string
}

func (e *Error) Error() string { return e.Message }

func newError(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, HTTPStatus: status, Message: fmt.Sprintf(format, args...)}
}

// OperationInput is one operation in a push request.
type OperationInput struct {
	Table      string
	RowID      string
	Op         storage.Op
	Payload    []byte
	RowVersion *int64
}

// Input is a full push request.
type Input struct {
	Principal      *authn.Principal
	ClientID       string
	ClientCommitID string
	SchemaVersion  string
	Operations     []OperationInput
}

// OperationResult is the per-operation outcome inside a push response.
type OperationResult struct {
	OpIndex int    `json:"opIndex"`
	Status  string `json:"status"` // ok, error, conflict
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Result is the full push response.
type Result struct {
	Status           string            `json:"status"` // applied, rejected, conflict
	OK               bool              `json:"ok"`
	CommitSeq        *int64            `json:"commitSeq,omitempty"`
	Results          []OperationResult `json:"results"`
	AffectedTables   []string          `json:"affectedTables,omitempty"`
	EmittedScopeKeys []string          `json:"emittedScopeKeys,omitempty"`
}

// Notifier is the Realtime Registry's consumer-facing surface. Defined
// here (rather than imported) so ingest depends only on the shape it
// needs, not the registry's implementation.
type Notifier interface {
	NotifyScopeKeys(ctx context.Context, keys []scope.Key, commitSeq int64, actorID string, createdAt time.Time, excludeClientIDs []string, changes []storage.Change)
}

// Broadcaster publishes a commit event to other instances. Optional;
// a nil Broadcaster disables cross-instance fan-out.
type Broadcaster interface {
	PublishCommit(ctx context.Context, partitionID string, commitSeq int64, scopeKeys []scope.Key)
}

// Ingestor is the Commit Ingestor.
type Ingestor struct {
	Storage               storage.Gateway
	Handlers              *tablehandler.Registry
	Notifier              Notifier
	Broadcaster           Broadcaster
	MaxOperationsPerPush  int
}

// New builds an Ingestor. maxOperationsPerPush defaults to 200 if <= 0.
func New(store storage.Gateway, handlers *tablehandler.Registry, notifier Notifier, broadcaster Broadcaster, maxOperationsPerPush int) *Ingestor {
	if maxOperationsPerPush <= 0 {
		maxOperationsPerPush = 200
	}
	return &Ingestor{
		Storage:              store,
		Handlers:             handlers,
		Notifier:             notifier,
		Broadcaster:          broadcaster,
		MaxOperationsPerPush: maxOperationsPerPush,
	}
}

// Push runs the full ingest contract: cap check, idempotent replay
// detection, serialized commit write, and post-commit fan-out.
func (in *Ingestor) Push(ctx context.Context, partitionID string, input Input) (*Result, error) {
	if len(input.Operations) > in.MaxOperationsPerPush {
		return nil, newError("TOO_MANY_OPERATIONS", http.StatusBadRequest,
			"push carries %d operations, over the limit of %d", len(input.Operations), in.MaxOperationsPerPush)
	}
	if input.ClientID == "" || input.ClientCommitID == "" {
		return nil, newError("INVALID_REQUEST", http.StatusBadRequest, "clientId and clientCommitId are required")
	}

	result, retryable, err := in.attemptPush(ctx, partitionID, input)
	if err != nil && retryable {
		result, _, err = in.attemptPush(ctx, partitionID, input)
	}
	if err != nil {
		var ierr *Error
		if errors.As(err, &ierr) {
			return nil, ierr
		}
		log.Printf("ingest: push failed for client %s: %v", input.ClientID, err)
		return nil, newError("INTERNAL", http.StatusInternalServerError, "push failed")
	}
	return result, nil
}

// attemptPush runs one transactional attempt. The bool return reports
// whether a failure here is worth a single retry (transient storage
// faults only; coded Errors and conflicts are not retried).
func (in *Ingestor) attemptPush(ctx context.Context, partitionID string, input Input) (*Result, bool, error) {
	tx, err := in.Storage.BeginSerializable(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("ingest: begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if prior, err := tx.FindCommitByClientCommit(ctx, partitionID, input.ClientID, input.ClientCommitID); err == nil {
		results := make([]OperationResult, len(input.Operations))
		for i := range results {
			results[i] = OperationResult{OpIndex: i, Status: "ok"}
		}
		seq := prior.CommitSeq
		return &Result{
			Status:         "applied",
			OK:             true,
			CommitSeq:      &seq,
			Results:        results,
			AffectedTables: prior.AffectedTables,
		}, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, true, fmt.Errorf("ingest: check idempotency: %w", err)
	}

	changeWrites := make([]storage.ChangeWrite, 0, len(input.Operations))
	effectiveScopes := map[string]any{}
	for _, op := range input.Operations {
		handler, herr := in.Handlers.Get(op.Table)
		if herr != nil {
			return nil, false, newError("INVALID_REQUEST", http.StatusBadRequest, "no handler registered for table %q", op.Table)
		}
		rowScopes, serr := handler.RowScopes(ctx, partitionID, op.Payload)
		if serr != nil {
			return nil, false, fmt.Errorf("ingest: resolve row scopes for %s/%s: %w", op.Table, op.RowID, serr)
		}
		for field, val := range rowScopes {
			effectiveScopes[field] = val
		}
		keys := scope.Derive(partitionID, rowScopes)
		nextVersion := int64(1)
		if op.RowVersion != nil {
			nextVersion = *op.RowVersion + 1
		}
		changeWrites = append(changeWrites, storage.ChangeWrite{
			Table:                  op.Table,
			RowID:                  op.RowID,
			Op:                     op.Op,
			RowJSON:                op.Payload,
			RowVersion:             nextVersion,
			Scopes:                 rowScopes,
			ScopeKeys:              rawKeys(keys),
			PreconditionRowVersion: op.RowVersion,
		})
	}

	commitWrite := storage.CommitWrite{
		PartitionID:    partitionID,
		ActorID:        input.Principal.ActorID,
		ClientID:       input.ClientID,
		ClientCommitID: input.ClientCommitID,
		Changes:        changeWrites,
	}
	commit, changes, err := tx.InsertCommit(ctx, commitWrite)
	if err != nil {
		var conflict *storage.ConflictError
		if errors.As(err, &conflict) {
			return conflictResult(input.Operations, conflict), false, nil
		}
		return nil, true, fmt.Errorf("ingest: insert commit: %w", err)
	}

	if err := tx.UpsertClientCursor(ctx, partitionID, input.ClientID, input.Principal.ActorID, commit.CommitSeq, effectiveScopes); err != nil {
		if errors.Is(err, storage.ErrActorMismatch) {
			return nil, false, newError("INVALID_REQUEST", http.StatusBadRequest, "client_id %s already bound to a different actor", input.ClientID)
		}
		return nil, true, fmt.Errorf("ingest: upsert client cursor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, true, fmt.Errorf("ingest: commit transaction: %w", err)
	}
	committed = true

	results := make([]OperationResult, len(input.Operations))
	for i := range results {
		results[i] = OperationResult{OpIndex: i, Status: "ok"}
	}
	emitted := emittedKeys(changes)

	in.fanOut(ctx, partitionID, input.ClientID, commit.CommitSeq, commit.ActorID, commit.CreatedAt, emitted, changes)

	return &Result{
		Status:           "applied",
		OK:               true,
		CommitSeq:        &commit.CommitSeq,
		Results:          results,
		AffectedTables:   commit.AffectedTables,
		EmittedScopeKeys: rawKeys(emitted),
	}, false, nil
}

func (in *Ingestor) fanOut(ctx context.Context, partitionID, clientID string, commitSeq int64, actorID string, createdAt time.Time, emitted []scope.Key, changes []storage.Change) {
	if in.Notifier != nil {
		in.Notifier.NotifyScopeKeys(ctx, emitted, commitSeq, actorID, createdAt, []string{clientID}, changes)
	}
	if in.Broadcaster != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("ingest: broadcaster publish panicked for partition %s: %v", partitionID, r)
				}
			}()
			in.Broadcaster.PublishCommit(context.Background(), partitionID, commitSeq, emitted)
		}()
	}
}

func conflictResult(ops []OperationInput, conflict *storage.ConflictError) *Result {
	results := make([]OperationResult, len(ops))
	for i, op := range ops {
		if op.Table == conflict.Table && op.RowID == conflict.RowID {
			results[i] = OperationResult{OpIndex: i, Status: "conflict", Code: "ROW_VERSION_CONFLICT", Error: conflict.Error()}
		} else {
			results[i] = OperationResult{OpIndex: i, Status: "error", Code: "ABORTED", Error: "aborted due to conflicting operation in same push"}
		}
	}
	return &Result{Status: "conflict", OK: false, Results: results}
}

func emittedKeys(changes []storage.Change) []scope.Key {
	set := make(map[scope.Key]struct{})
	for _, ch := range changes {
		for _, k := range ch.ScopeKeys {
			set[scope.Key(k)] = struct{}{}
		}
	}
	keys := make([]scope.Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func rawKeys(keys []scope.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

package ingest_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/syncular/syncular/internal/authn"
	"github.com/syncular/syncular/internal/ingest"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/storage"
	"github.com/syncular/syncular/internal/storage/memstore"
	"github.com/syncular/syncular/internal/tablehandler"
)

type fakeHandler struct{ table string }

func (h *fakeHandler) Table() string { return h.table }

func (h *fakeHandler) ResolveScopes(ctx context.Context, principal *authn.Principal, requested scope.Spec) (scope.Spec, error) {
	return requested, nil
}

func (h *fakeHandler) RowScopes(ctx context.Context, partitionID string, row json.RawMessage) (scope.Spec, error) {
	var decoded struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.Unmarshal(row, &decoded); err != nil {
		return nil, err
	}
	return scope.Spec{"owner_id": decoded.OwnerID}, nil
}

func (h *fakeHandler) FetchBootstrapPage(ctx context.Context, partitionID string, scopeKeys []scope.Key, params json.RawMessage, pageToken string, limit int) (tablehandler.Page, error) {
	return tablehandler.Page{Done: true}, nil
}

type recordingNotifier struct {
	calls int
	keys  []scope.Key
}

func (n *recordingNotifier) NotifyScopeKeys(ctx context.Context, keys []scope.Key, commitSeq int64, actorID string, createdAt time.Time, excludeClientIDs []string, changes []storage.Change) {
	n.calls++
	n.keys = keys
}

func newIngestor(t *testing.T) (*ingest.Ingestor, *memstore.Store, *recordingNotifier) {
	t.Helper()
	store := memstore.New()
	registry := tablehandler.NewRegistry(&fakeHandler{table: "notes"})
	notifier := &recordingNotifier{}
	in := ingest.New(store, registry, notifier, nil, 200)
	return in, store, notifier
}

func TestPushAppliesCommitAndNotifies(t *testing.T) {
	in, _, notifier := newIngestor(t)
	principal := &authn.Principal{ActorID: "actor-1", PartitionID: "default"}

	result, err := in.Push(context.Background(), "default", ingest.Input{
		Principal:      principal,
		ClientID:       "client-1",
		ClientCommitID: "commit-1",
		Operations: []ingest.OperationInput{
			{Table: "notes", RowID: "note-1", Op: storage.OpUpsert, Payload: []byte(`{"owner_id":"u1","text":"hi"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Push returned error: %v", err)
	}
	if result.Status != "applied" || result.CommitSeq == nil || *result.CommitSeq != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if notifier.calls != 1 {
		t.Fatalf("expected 1 notify call, got %d", notifier.calls)
	}
	if len(notifier.keys) != 1 || notifier.keys[0] != scope.Partition("default", "owner:u1") {
		t.Fatalf("unexpected emitted keys: %v", notifier.keys)
	}
}

func TestPushIsIdempotentOnReplay(t *testing.T) {
	in, _, _ := newIngestor(t)
	principal := &authn.Principal{ActorID: "actor-1", PartitionID: "default"}
	input := ingest.Input{
		Principal:      principal,
		ClientID:       "client-1",
		ClientCommitID: "commit-1",
		Operations: []ingest.OperationInput{
			{Table: "notes", RowID: "note-1", Op: storage.OpUpsert, Payload: []byte(`{"owner_id":"u1"}`)},
		},
	}

	first, err := in.Push(context.Background(), "default", input)
	if err != nil {
		t.Fatalf("first push failed: %v", err)
	}
	second, err := in.Push(context.Background(), "default", input)
	if err != nil {
		t.Fatalf("replayed push failed: %v", err)
	}
	if *second.CommitSeq != *first.CommitSeq {
		t.Fatalf("replay produced a new commit_seq: %d vs %d", *second.CommitSeq, *first.CommitSeq)
	}
}

func TestPushRejectsTooManyOperations(t *testing.T) {
	store := memstore.New()
	registry := tablehandler.NewRegistry(&fakeHandler{table: "notes"})
	in := ingest.New(store, registry, nil, nil, 1)
	principal := &authn.Principal{ActorID: "actor-1", PartitionID: "default"}

	_, err := in.Push(context.Background(), "default", ingest.Input{
		Principal:      principal,
		ClientID:       "client-1",
		ClientCommitID: "commit-1",
		Operations: []ingest.OperationInput{
			{Table: "notes", RowID: "a", Op: storage.OpUpsert, Payload: []byte(`{"owner_id":"u1"}`)},
			{Table: "notes", RowID: "b", Op: storage.OpUpsert, Payload: []byte(`{"owner_id":"u1"}`)},
		},
	})
	var ierr *ingest.Error
	if err == nil {
		t.Fatalf("expected error")
	}
	if !asIngestError(err, &ierr) || ierr.Code != "TOO_MANY_OPERATIONS" {
		t.Fatalf("expected TOO_MANY_OPERATIONS, got %v", err)
	}
}

func TestPushDetectsRowVersionConflict(t *testing.T) {
	in, _, _ := newIngestor(t)
	principal := &authn.Principal{ActorID: "actor-1", PartitionID: "default"}

	_, err := in.Push(context.Background(), "default", ingest.Input{
		Principal:      principal,
		ClientID:       "client-1",
		ClientCommitID: "commit-1",
		Operations: []ingest.OperationInput{
			{Table: "notes", RowID: "note-1", Op: storage.OpUpsert, Payload: []byte(`{"owner_id":"u1"}`)},
		},
	})
	if err != nil {
		t.Fatalf("setup push failed: %v", err)
	}

	stalePrecondition := int64(99)
	result, err := in.Push(context.Background(), "default", ingest.Input{
		Principal:      principal,
		ClientID:       "client-1",
		ClientCommitID: "commit-2",
		Operations: []ingest.OperationInput{
			{Table: "notes", RowID: "note-1", Op: storage.OpUpsert, Payload: []byte(`{"owner_id":"u1"}`), RowVersion: &stalePrecondition},
		},
	})
	if err != nil {
		t.Fatalf("conflicting push should return a result, not an error: %v", err)
	}
	if result.Status != "conflict" || result.Results[0].Status != "conflict" {
		t.Fatalf("expected a conflict result, got %+v", result)
	}
}

func asIngestError(err error, target **ingest.Error) bool {
	ierr, ok := err.(*ingest.Error)
	if !ok {
		return false
	}
	*target = ierr
	return true
}

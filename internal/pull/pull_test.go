package pull_test

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/syncular/syncular/internal/authn"
	"github.com/syncular/syncular/internal/pull"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/storage"
	"github.com/syncular/syncular/internal/storage/memstore"
	"github.com/syncular/syncular/internal/tablehandler"
)

type notesHandler struct {
	allowed  map[string]bool // owner ids this principal may read
	allRows  []json.RawMessage
	pageSize int
}

func (h *notesHandler) Table() string { return "notes" }

func (h *notesHandler) ResolveScopes(ctx context.Context, principal *authn.Principal, requested scope.Spec) (scope.Spec, error) {
	owners, _ := requested["owner_id"].([]string)
	var narrowed []string
	for _, o := range owners {
		if h.allowed[o] {
			narrowed = append(narrowed, o)
		}
	}
	return scope.Spec{"owner_id": narrowed}, nil
}

func (h *notesHandler) RowScopes(ctx context.Context, partitionID string, row json.RawMessage) (scope.Spec, error) {
	return nil, nil
}

func (h *notesHandler) FetchBootstrapPage(ctx context.Context, partitionID string, scopeKeys []scope.Key, params json.RawMessage, pageToken string, limit int) (tablehandler.Page, error) {
	start := 0
	if pageToken != "" {
		var err error
		start, err = strconv.Atoi(pageToken)
		if err != nil {
			return tablehandler.Page{}, err
		}
	}
	end := start + h.pageSize
	if end > len(h.allRows) {
		end = len(h.allRows)
	}
	rows := h.allRows[start:end]
	done := end >= len(h.allRows)
	next := ""
	if !done {
		next = strconv.Itoa(end)
	}
	return tablehandler.Page{Rows: rows, NextPageToken: next, Done: done}, nil
}

func TestPullIncrementalReturnsCommitsAfterCursor(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	tx, _ := store.BeginSerializable(ctx)
	_, _, err := tx.InsertCommit(ctx, storage.CommitWrite{
		PartitionID:    "default",
		ActorID:        "actor-1",
		ClientID:       "writer",
		ClientCommitID: "c1",
		Changes: []storage.ChangeWrite{
			{Table: "notes", RowID: "n1", Op: storage.OpUpsert, RowJSON: []byte(`{}`), RowVersion: 1,
				Scopes: scope.Spec{"owner_id": "u1"}, ScopeKeys: rawKeysOf(scope.Derive("default", scope.Spec{"owner_id": "u1"}))},
		},
	})
	if err != nil {
		t.Fatalf("setup commit failed: %v", err)
	}
	tx.Commit(ctx)

	registry := tablehandler.NewRegistry(&notesHandler{allowed: map[string]bool{"u1": true}})
	planner := pull.New(store, registry, nil, pull.Limits{}, 0)

	result, err := planner.Pull(ctx, "default", pull.Input{
		Principal: &authn.Principal{ActorID: "actor-1", PartitionID: "default"},
		ClientID:  "reader",
		Subscriptions: []pull.SubscriptionInput{
			{ID: "sub1", Table: "notes", Scopes: scope.Spec{"owner_id": []string{"u1"}}, Cursor: 0},
		},
	})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(result.Subscriptions) != 1 {
		t.Fatalf("expected 1 subscription result, got %d", len(result.Subscriptions))
	}
	sub := result.Subscriptions[0]
	if sub.Status != "active" || len(sub.Commits) != 1 || sub.NextCursor != 1 {
		t.Fatalf("unexpected subscription result: %+v", sub)
	}
}

func TestPullRevokesWhenScopeNotAuthorized(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	registry := tablehandler.NewRegistry(&notesHandler{allowed: map[string]bool{}})
	planner := pull.New(store, registry, nil, pull.Limits{}, 0)

	result, err := planner.Pull(ctx, "default", pull.Input{
		Principal: &authn.Principal{ActorID: "actor-1", PartitionID: "default"},
		ClientID:  "reader",
		Subscriptions: []pull.SubscriptionInput{
			{ID: "sub1", Table: "notes", Scopes: scope.Spec{"owner_id": []string{"u1"}}, Cursor: 5},
		},
	})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if result.Subscriptions[0].Status != "revoked" {
		t.Fatalf("expected revoked, got %+v", result.Subscriptions[0])
	}
}

func TestPullBootstrapPagesAndCompletes(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	rows := []json.RawMessage{[]byte(`{"id":1}`), []byte(`{"id":2}`), []byte(`{"id":3}`)}
	registry := tablehandler.NewRegistry(&notesHandler{allowed: map[string]bool{"u1": true}, allRows: rows, pageSize: 2})
	planner := pull.New(store, registry, nil, pull.Limits{}, 0)

	result, err := planner.Pull(ctx, "default", pull.Input{
		Principal: &authn.Principal{ActorID: "actor-1", PartitionID: "default"},
		ClientID:  "reader",
		Subscriptions: []pull.SubscriptionInput{
			{ID: "sub1", Table: "notes", Scopes: scope.Spec{"owner_id": []string{"u1"}}, Cursor: -1},
		},
	})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	sub := result.Subscriptions[0]
	if !sub.Bootstrap || len(sub.Snapshots) != 2 {
		t.Fatalf("expected bootstrap with 2 pages, got %+v", sub)
	}
	if sub.NextCursor != 0 || sub.BootstrapState != "" {
		t.Fatalf("expected bootstrap to complete with asOfSeq 0, got cursor=%d state=%q", sub.NextCursor, sub.BootstrapState)
	}
}

func TestPullRejectsDuplicateSubscriptionIDs(t *testing.T) {
	store := memstore.New()
	registry := tablehandler.NewRegistry(&notesHandler{allowed: map[string]bool{"u1": true}})
	planner := pull.New(store, registry, nil, pull.Limits{}, 0)

	_, err := planner.Pull(context.Background(), "default", pull.Input{
		Principal: &authn.Principal{ActorID: "actor-1", PartitionID: "default"},
		ClientID:  "reader",
		Subscriptions: []pull.SubscriptionInput{
			{ID: "dup", Table: "notes", Scopes: scope.Spec{"owner_id": []string{"u1"}}, Cursor: 0},
			{ID: "dup", Table: "notes", Scopes: scope.Spec{"owner_id": []string{"u1"}}, Cursor: 0},
		},
	})
	perr, ok := err.(*pull.Error)
	if !ok || perr.Code != "INVALID_REQUEST" {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}

func rawKeysOf(keys []scope.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

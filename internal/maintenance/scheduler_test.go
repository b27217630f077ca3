package maintenance_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/syncular/syncular/internal/authn"
	"github.com/syncular/syncular/internal/ingest"
	"github.com/syncular/syncular/internal/maintenance"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/storage"
	"github.com/syncular/syncular/internal/storage/memstore"
	"github.com/syncular/syncular/internal/tablehandler"
)

func pushOne(t *testing.T, in *ingest.Ingestor, clientCommitID string) int64 {
	t.Helper()
	result, err := in.Push(context.Background(), "default", ingest.Input{
		Principal:      &authn.Principal{ActorID: "actor-1", PartitionID: "default"},
		ClientID:       "client-1",
		ClientCommitID: clientCommitID,
		Operations: []ingest.OperationInput{
			{Table: "notes", RowID: "note-1", Op: storage.OpUpsert, Payload: []byte(`{"owner_id":"u1"}`)},
		},
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	return *result.CommitSeq
}

func TestPrunePreviewDoesNotDelete(t *testing.T) {
	store := memstore.New()
	registry := tablehandler.NewRegistry(noopHandler{})
	in := ingest.New(store, registry, nil, nil, 200)
	pushOne(t, in, "c1")

	sched := maintenance.New(store, maintenance.Config{})
	result, err := sched.PrunePreview(context.Background(), "default")
	if err != nil {
		t.Fatalf("PrunePreview failed: %v", err)
	}
	if !result.DryRun {
		t.Fatal("expected DryRun true")
	}

	commits, total, err := store.ListCommits(context.Background(), "default", 0, 10)
	if err != nil {
		t.Fatalf("ListCommits failed: %v", err)
	}
	if total != 1 || len(commits) != 1 {
		t.Fatalf("expected commit to survive a preview, got %d", total)
	}
}

func TestPruneFallsBackToAgeWatermarkWhenNoActiveCursors(t *testing.T) {
	store := memstore.New()
	registry := tablehandler.NewRegistry(noopHandler{})
	in := ingest.New(store, registry, nil, nil, 200)
	pushOne(t, in, "c1")
	time.Sleep(20 * time.Millisecond)

	// A vanishingly small watermark window means the cursor the push
	// just updated no longer counts as "active", so MinActiveClientCursor
	// returns nil and the fallback max-age watermark must kick in
	// instead of leaving the commit unprunable.
	sched := maintenance.New(store, maintenance.Config{
		PruneWatermarkWindow: time.Nanosecond,
		PruneMaxAgeFallback:  5 * time.Millisecond,
		KeepNewestCommits:    0,
	})
	result, err := sched.PruneNow(context.Background(), "default")
	if err != nil {
		t.Fatalf("PruneNow failed: %v", err)
	}
	if result.CommitsToDelete != 1 {
		t.Fatalf("expected fallback max-age watermark to collect the quiescent commit, got %d deleted (watermark=%d)", result.CommitsToDelete, result.WatermarkCommitSeq)
	}
}

func TestCompactNowRuns(t *testing.T) {
	store := memstore.New()
	registry := tablehandler.NewRegistry(noopHandler{})
	in := ingest.New(store, registry, nil, nil, 200)
	pushOne(t, in, "c1")

	sched := maintenance.New(store, maintenance.Config{FullHistoryHours: 1})
	if _, err := sched.CompactNow(context.Background(), "default"); err != nil {
		t.Fatalf("CompactNow failed: %v", err)
	}
}

func TestTriggerFromRequestRunsMaintenanceOnce(t *testing.T) {
	store := memstore.New()
	sched := maintenance.New(store, maintenance.Config{AutoPruneInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx, []string{"default"})

	sched.TriggerFromRequest("default")
	sched.TriggerFromRequest("default")
	sched.TriggerFromRequest("default")

	time.Sleep(200 * time.Millisecond)
	sched.Stop()
}

type noopHandler struct{}

func (noopHandler) Table() string { return "notes" }

func (noopHandler) ResolveScopes(ctx context.Context, principal *authn.Principal, requested scope.Spec) (scope.Spec, error) {
	return requested, nil
}

func (noopHandler) RowScopes(ctx context.Context, partitionID string, row json.RawMessage) (scope.Spec, error) {
	var decoded struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.Unmarshal(row, &decoded); err != nil {
		return nil, err
	}
	return scope.Spec{"owner_id": decoded.OwnerID}, nil
}

func (noopHandler) FetchBootstrapPage(ctx context.Context, partitionID string, scopeKeys []scope.Key, params json.RawMessage, pageToken string, limit int) (tablehandler.Page, error) {
	return tablehandler.Page{Done: true}, nil
}

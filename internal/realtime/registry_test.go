package realtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/syncular/syncular/internal/realtime"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/storage"
)

func TestNotifyScopeKeysDeliversInlineFrame(t *testing.T) {
	reg := realtime.New(realtime.Limits{}, nil, nil, "instance-a")

	key := scope.Partition("default", "owner:u1")
	conn, unregister, err := reg.Register("default", "client-1", []scope.Key{key})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer unregister()

	changes := []storage.Change{
		{Table: "notes", RowID: "note-1", Op: storage.OpUpsert, RowJSON: []byte(`{"text":"hi"}`), RowVersion: 1, ScopeKeys: []string{string(key)}},
	}
	reg.NotifyScopeKeys(context.Background(), []scope.Key{key}, 42, "actor-1", time.Now(), nil, changes)

	select {
	case frame := <-conn.Recv():
		if frame.Event != "sync" {
			t.Fatalf("expected sync frame, got %q", frame.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestNotifyScopeKeysExcludesOriginatingClient(t *testing.T) {
	reg := realtime.New(realtime.Limits{}, nil, nil, "instance-a")
	key := scope.Partition("default", "owner:u1")

	conn, unregister, err := reg.Register("default", "client-1", []scope.Key{key})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer unregister()

	reg.NotifyScopeKeys(context.Background(), []scope.Key{key}, 1, "actor-1", time.Now(), []string{"client-1"}, nil)

	select {
	case frame := <-conn.Recv():
		t.Fatalf("expected no frame, got %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegisterEnforcesPerClientLimit(t *testing.T) {
	reg := realtime.New(realtime.Limits{MaxConnectionsPerClient: 1}, nil, nil, "instance-a")

	_, unregister1, err := reg.Register("default", "client-1", nil)
	if err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	defer unregister1()

	_, _, err = reg.Register("default", "client-1", nil)
	if err != realtime.ErrConnectionLimitClient {
		t.Fatalf("expected ErrConnectionLimitClient, got %v", err)
	}
}

func TestRegisterEnforcesTotalLimit(t *testing.T) {
	reg := realtime.New(realtime.Limits{MaxConnectionsTotal: 1, MaxConnectionsPerClient: 5}, nil, nil, "instance-a")

	_, unregister1, err := reg.Register("default", "client-1", nil)
	if err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	defer unregister1()

	_, _, err = reg.Register("default", "client-2", nil)
	if err != realtime.ErrConnectionLimitTotal {
		t.Fatalf("expected ErrConnectionLimitTotal, got %v", err)
	}
}

func TestJoinPresenceRequiresSubscription(t *testing.T) {
	reg := realtime.New(realtime.Limits{}, nil, nil, "instance-a")
	key := scope.Partition("default", "room:r1")

	_, unregister, err := reg.Register("default", "client-1", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer unregister()

	if err := reg.JoinPresence(context.Background(), "client-1", key, nil); err != realtime.ErrNotAuthorized {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestJoinPresenceBroadcastsToOtherSubscribers(t *testing.T) {
	reg := realtime.New(realtime.Limits{}, nil, nil, "instance-a")
	key := scope.Partition("default", "room:r1")

	_, unregisterA, err := reg.Register("default", "client-a", []scope.Key{key})
	if err != nil {
		t.Fatalf("Register A failed: %v", err)
	}
	defer unregisterA()

	connB, unregisterB, err := reg.Register("default", "client-b", []scope.Key{key})
	if err != nil {
		t.Fatalf("Register B failed: %v", err)
	}
	defer unregisterB()

	if err := reg.JoinPresence(context.Background(), "client-a", key, nil); err != nil {
		t.Fatalf("JoinPresence failed: %v", err)
	}

	select {
	case frame := <-connB.Recv():
		if frame.Event != "presence" {
			t.Fatalf("expected presence frame, got %q", frame.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence frame")
	}
}

func TestUnregisterLastConnectionEmitsPresenceLeave(t *testing.T) {
	reg := realtime.New(realtime.Limits{}, nil, nil, "instance-a")
	key := scope.Partition("default", "room:r1")

	_, unregisterA, err := reg.Register("default", "client-a", []scope.Key{key})
	if err != nil {
		t.Fatalf("Register A failed: %v", err)
	}
	if err := reg.JoinPresence(context.Background(), "client-a", key, nil); err != nil {
		t.Fatalf("JoinPresence failed: %v", err)
	}

	connB, unregisterB, err := reg.Register("default", "client-b", []scope.Key{key})
	if err != nil {
		t.Fatalf("Register B failed: %v", err)
	}
	defer unregisterB()

	unregisterA()

	select {
	case frame := <-connB.Recv():
		if frame.Event != "presence" {
			t.Fatalf("expected presence frame, got %q", frame.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for leave frame")
	}
}

func TestUnregisterRemovesClientFromScopeIndex(t *testing.T) {
	reg := realtime.New(realtime.Limits{}, nil, nil, "instance-a")
	key := scope.Partition("default", "owner:u1")

	_, unregister, err := reg.Register("default", "client-1", []scope.Key{key})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if got := reg.Stats().SubscribedKeys; got != 1 {
		t.Fatalf("expected 1 subscribed key after register, got %d", got)
	}

	unregister()

	if got := reg.Stats().SubscribedKeys; got != 0 {
		t.Fatalf("expected scope index entry to be dropped on unregister, got %d subscribed keys", got)
	}

	// A reconnecting client with the same id must not be treated as
	// still authorized for a scope key from its previous connection.
	if err := reg.JoinPresence(context.Background(), "client-1", key, nil); err == nil {
		t.Fatal("expected JoinPresence to fail for a scope key left behind by a disconnected client")
	}
}

func TestUpdateClientScopeKeysReplacesSubscriptions(t *testing.T) {
	reg := realtime.New(realtime.Limits{}, nil, nil, "instance-a")
	oldKey := scope.Partition("default", "owner:u1")
	newKey := scope.Partition("default", "owner:u2")

	conn, unregister, err := reg.Register("default", "client-1", []scope.Key{oldKey})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer unregister()

	reg.UpdateClientScopeKeys(context.Background(), "client-1", []scope.Key{newKey})

	reg.NotifyScopeKeys(context.Background(), []scope.Key{oldKey}, 1, "", time.Time{}, nil, nil)
	select {
	case frame := <-conn.Recv():
		t.Fatalf("expected no frame for dropped scope, got %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}

	reg.NotifyScopeKeys(context.Background(), []scope.Key{newKey}, 2, "", time.Time{}, nil, nil)
	select {
	case frame := <-conn.Recv():
		if frame.Event != "sync" {
			t.Fatalf("expected sync frame, got %q", frame.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame on new scope")
	}
}

type fakeChangeLookup struct {
	changes []storage.Change
}

func (f *fakeChangeLookup) ListChangesForCommit(ctx context.Context, partitionID string, commitSeq int64) ([]storage.Change, error) {
	return f.changes, nil
}

func TestHandleBroadcastEventResolvesMissingScopeKeys(t *testing.T) {
	key := scope.Partition("default", "owner:u1")
	lookup := &fakeChangeLookup{changes: []storage.Change{
		{Table: "notes", RowID: "note-1", ScopeKeys: []string{string(key)}},
	}}
	reg := realtime.New(realtime.Limits{}, lookup, nil, "instance-a")

	conn, unregister, err := reg.Register("default", "client-1", []scope.Key{key})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer unregister()

	reg.HandleBroadcastEvent(context.Background(), realtime.BroadcastEvent{
		CommitSeq:      7,
		PartitionID:    "default",
		SourceInstance: "instance-b",
	})

	select {
	case frame := <-conn.Recv():
		if frame.Event != "sync" {
			t.Fatalf("expected sync frame, got %q", frame.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolved broadcast frame")
	}
}

func TestHandleBroadcastEventIgnoresSelfOrigin(t *testing.T) {
	reg := realtime.New(realtime.Limits{}, nil, nil, "instance-a")
	key := scope.Partition("default", "owner:u1")

	conn, unregister, err := reg.Register("default", "client-1", []scope.Key{key})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer unregister()

	reg.HandleBroadcastEvent(context.Background(), realtime.BroadcastEvent{
		CommitSeq:      1,
		PartitionID:    "default",
		ScopeKeys:      []scope.Key{key},
		SourceInstance: "instance-a",
	})

	select {
	case frame := <-conn.Recv():
		t.Fatalf("expected no frame for self-originated event, got %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

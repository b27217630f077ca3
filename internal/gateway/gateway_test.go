package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/syncular/syncular/internal/config"
	"github.com/syncular/syncular/internal/gateway"
	"github.com/syncular/syncular/internal/storage"
)

func TestSelectInstancesDefaultsToAllEnabled(t *testing.T) {
	g := gateway.New([]config.Instance{
		{InstanceID: "alpha", Enabled: true},
		{InstanceID: "beta", Enabled: true},
		{InstanceID: "gamma", Enabled: false},
	}, time.Second)

	clients, err := g.SelectInstances("", "")
	if err != nil {
		t.Fatalf("SelectInstances failed: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("expected 2 enabled instances, got %d", len(clients))
	}
}

func TestSelectInstancesNoMatchErrors(t *testing.T) {
	g := gateway.New([]config.Instance{{InstanceID: "alpha", Enabled: false}}, time.Second)

	if _, err := g.SelectInstances("", ""); err == nil {
		t.Fatal("expected an error when no instance is enabled")
	}
}

func TestRequireSingleRejectsMultiple(t *testing.T) {
	g := gateway.New([]config.Instance{
		{InstanceID: "alpha", Enabled: true},
		{InstanceID: "beta", Enabled: true},
	}, time.Second)

	clients, err := g.SelectInstances("", "")
	if err != nil {
		t.Fatalf("SelectInstances failed: %v", err)
	}
	if _, err := gateway.RequireSingle(clients); err == nil {
		t.Fatal("expected INSTANCE_REQUIRED for multiple targets")
	}
}

func TestParseFederatedID(t *testing.T) {
	instanceID, localID := gateway.ParseFederatedID("alpha:42")
	if instanceID != "alpha" || localID != "42" {
		t.Fatalf("unexpected parse: %q %q", instanceID, localID)
	}

	instanceID, localID = gateway.ParseFederatedID("42")
	if instanceID != "" || localID != "42" {
		t.Fatalf("unexpected bare parse: %q %q", instanceID, localID)
	}
}

func TestResolveFederatedID(t *testing.T) {
	known := map[string]struct{}{"alpha": {}, "beta": {}}

	instanceID, localID, err := gateway.ResolveFederatedID("alpha:42", "", known)
	if err != nil || instanceID != "alpha" || localID != "42" {
		t.Fatalf("unexpected resolve: %q %q %v", instanceID, localID, err)
	}

	instanceID, localID, err = gateway.ResolveFederatedID("42", "beta", known)
	if err != nil || instanceID != "beta" || localID != "42" {
		t.Fatalf("unexpected resolve with explicit instance: %q %q %v", instanceID, localID, err)
	}

	if _, _, err := gateway.ResolveFederatedID("42", "", known); err == nil {
		t.Fatal("expected AMBIGUOUS_ID error for a bare id with no explicit instance filter")
	}

	if _, _, err := gateway.ResolveFederatedID("gamma:1", "", known); err == nil {
		t.Fatal("expected INVALID_FEDERATED_ID error for an unrecognised instance prefix")
	}
}

func TestOutcomeAllSucceed(t *testing.T) {
	status, partial, err := gateway.Outcome(2, 2)
	if err != nil || partial || status != http.StatusOK {
		t.Fatalf("unexpected outcome: status=%d partial=%v err=%v", status, partial, err)
	}
}

func TestOutcomePartialSuccess(t *testing.T) {
	status, partial, err := gateway.Outcome(1, 2)
	if err != nil || !partial || status != http.StatusOK {
		t.Fatalf("unexpected outcome: status=%d partial=%v err=%v", status, partial, err)
	}
}

func TestOutcomeAllFail(t *testing.T) {
	_, _, err := gateway.Outcome(0, 2)
	if err == nil {
		t.Fatal("expected a DOWNSTREAM_UNAVAILABLE error")
	}
}

func TestMergeStatsSumsAndBoundsCounters(t *testing.T) {
	minA, maxA := int64(1), int64(40)
	minB, maxB := int64(5), int64(39)
	merged := gateway.MergeStats(map[string]storage.Stats{
		"alpha": {CommitCount: 10, MinCommitSeq: &minA, MaxCommitSeq: &maxA},
		"beta":  {CommitCount: 3, MinCommitSeq: &minB, MaxCommitSeq: &maxB},
	})
	if merged.CommitCount != 13 {
		t.Fatalf("expected summed commit count 13, got %d", merged.CommitCount)
	}
	if merged.MinCommitSeq == nil || *merged.MinCommitSeq != 1 {
		t.Fatalf("expected min commit seq 1, got %v", merged.MinCommitSeq)
	}
	if merged.MaxCommitSeq == nil || *merged.MaxCommitSeq != 40 {
		t.Fatalf("expected max commit seq 40, got %v", merged.MaxCommitSeq)
	}
}

type fakeItem struct {
	ts       time.Time
	instance string
	localID  string
}

func (f fakeItem) Timestamp() time.Time { return f.ts }
func (f fakeItem) InstanceID() string   { return f.instance }
func (f fakeItem) LocalID() string      { return f.localID }

func TestMergeSortedOrdersByTimestampThenInstanceThenLocalID(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 4, 0, 0, time.UTC)
	t1 := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)
	items := []fakeItem{
		{ts: t0, instance: "alpha", localID: "40"},
		{ts: t1, instance: "beta", localID: "2001"},
		{ts: t0.Add(-time.Minute), instance: "beta", localID: "39"},
	}
	merged := gateway.MergeSorted(items, 0, 2)
	if len(merged) != 2 {
		t.Fatalf("expected 2 items, got %d", len(merged))
	}
	if merged[0].instance != "beta" || merged[0].localID != "2001" {
		t.Fatalf("expected beta:2001 first, got %+v", merged[0])
	}
	if merged[1].instance != "alpha" || merged[1].localID != "40" {
		t.Fatalf("expected alpha:40 second, got %+v", merged[1])
	}
}

func TestClientGetReturnsStatusAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	g := gateway.New([]config.Instance{{InstanceID: "alpha", BaseURL: server.URL, Enabled: true}}, time.Second)
	clients, err := g.SelectInstances("", "")
	if err != nil {
		t.Fatalf("SelectInstances failed: %v", err)
	}
	status, body, err := clients[0].Get(context.Background(), "/console/stats")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

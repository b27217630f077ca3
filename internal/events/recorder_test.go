package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/syncular/syncular/internal/events"
	"github.com/syncular/syncular/internal/storage"
	"github.com/syncular/syncular/internal/storage/memstore"
)

func TestParseTraceContextFromTraceparent(t *testing.T) {
	traceID, spanID := events.ParseTraceContext("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", "")
	if traceID != "4bf92f3577b34da6a3ce929d0e0e4736" || spanID != "00f067aa0ba902b7" {
		t.Fatalf("unexpected parse: %q %q", traceID, spanID)
	}
}

func TestParseTraceContextFromSentryTrace(t *testing.T) {
	traceID, spanID := events.ParseTraceContext("", "4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-1")
	if traceID != "4bf92f3577b34da6a3ce929d0e0e4736" || spanID != "00f067aa0ba902b7" {
		t.Fatalf("unexpected parse: %q %q", traceID, spanID)
	}
}

func TestParseTraceContextIgnoresGarbage(t *testing.T) {
	traceID, spanID := events.ParseTraceContext("not-a-traceparent", "")
	if traceID != "" || spanID != "" {
		t.Fatalf("expected empty parse, got %q %q", traceID, spanID)
	}
}

func TestDeriveResponseStatus(t *testing.T) {
	cases := []struct {
		status  int
		outcome string
		want    storage.ResponseStatus
	}{
		{200, "applied", storage.ResponseSuccess},
		{200, "error", storage.ResponseFailure},
		{200, "rejected", storage.ResponseFailure},
		{404, "error", storage.ResponseClientError},
		{500, "error", storage.ResponseServerError},
	}
	for _, c := range cases {
		if got := events.DeriveResponseStatus(c.status, c.outcome); got != c.want {
			t.Fatalf("DeriveResponseStatus(%d, %q) = %q, want %q", c.status, c.outcome, got, c.want)
		}
	}
}

func TestRecordWritesRequestEvent(t *testing.T) {
	store := memstore.New()
	rec := events.New(store, 1024, 0)

	rec.Record(events.Input{
		PartitionID: "default",
		RequestID:   "req-1",
		EventType:   storage.RequestEventPush,
		SyncPath:    storage.SyncPathHTTPCombined,
		ActorID:     "actor-1",
		ClientID:    "client-1",
		StatusCode:  200,
		Outcome:     "applied",
		DurationMs:  12,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evs, total, err := store.ListRequestEvents(context.Background(), "default", 0, 10)
		if err != nil {
			t.Fatalf("ListRequestEvents failed: %v", err)
		}
		if total == 1 {
			if evs[0].ResponseStatus != storage.ResponseSuccess {
				t.Fatalf("expected success status, got %q", evs[0].ResponseStatus)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for request event to be recorded")
}

func TestRecordTruncatesOversizedPayload(t *testing.T) {
	store := memstore.New()
	rec := events.New(store, 8, 0)

	bigPayload := json.RawMessage(`{"field":"this payload is definitely over eight bytes"}`)
	rec.Record(events.Input{
		PartitionID:    "default",
		RequestID:      "req-2",
		EventType:      storage.RequestEventPush,
		SyncPath:       storage.SyncPathHTTPCombined,
		StatusCode:     200,
		Outcome:        "applied",
		RequestPayload: bigPayload,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evs, total, err := store.ListRequestEvents(context.Background(), "default", 0, 10)
		if err != nil {
			t.Fatalf("ListRequestEvents failed: %v", err)
		}
		if total == 1 {
			if evs[0].PayloadRef == "" {
				t.Fatal("expected a payload ref to be recorded")
			}
			snap, err := store.GetPayloadSnapshot(context.Background(), "default", evs[0].PayloadRef)
			if err != nil {
				t.Fatalf("GetPayloadSnapshot failed: %v", err)
			}
			var envelope struct {
				Truncated bool `json:"truncated"`
			}
			if err := json.Unmarshal(snap.RequestPayload, &envelope); err != nil || !envelope.Truncated {
				t.Fatalf("expected a truncation envelope, got %s", snap.RequestPayload)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for request event to be recorded")
}

// Package events implements the Request Event Recorder: a background
// writer for push/pull lifecycle events. Every call to Record enqueues
// onto a buffered channel and returns immediately; a single worker
// goroutine drains the channel and writes to the Storage Gateway.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/syncular/syncular/internal/storage"
)

var traceparentRE = regexp.MustCompile(`^00-([0-9a-f]{32})-([0-9a-f]{16})-[0-9a-f]{2}$`)

// ParseTraceContext extracts trace_id/span_id from a traceparent or
// sentry-trace header value. Returns empty strings if neither matches.
func ParseTraceContext(traceparent, sentryTrace string) (traceID, spanID string) {
	if m := traceparentRE.FindStringSubmatch(traceparent); m != nil {
		return m[1], m[2]
	}
	if sentryTrace != "" {
		// sentry-trace format: "<32hex trace_id>-<16hex span_id>[-<sampled>]"
		parts := strings.Split(sentryTrace, "-")
		if len(parts) >= 2 && len(parts[0]) == 32 && len(parts[1]) == 16 {
			return parts[0], parts[1]
		}
	}
	return "", ""
}

// DeriveResponseStatus buckets a (statusCode, outcome) pair into the
// coarse response_status column.
func DeriveResponseStatus(statusCode int, outcome string) storage.ResponseStatus {
	switch {
	case statusCode >= 200 && statusCode < 300 && outcome == "applied":
		return storage.ResponseSuccess
	case statusCode >= 200 && statusCode < 300:
		return storage.ResponseFailure
	case statusCode >= 400 && statusCode < 500:
		return storage.ResponseClientError
	case statusCode >= 500:
		return storage.ResponseServerError
	default:
		return storage.ResponseFailure
	}
}

// Input is one recorded push/pull lifecycle event, built by the caller
// from the request/response it just handled.
type Input struct {
	PartitionID       string
	RequestID         string
	TraceID           string
	SpanID            string
	EventType         storage.RequestEventType
	SyncPath          storage.SyncPath
	TransportPath     storage.TransportPath
	ActorID           string
	ClientID          string
	StatusCode        int
	Outcome           string
	ErrorCode         string
	ErrorMessage      string
	DurationMs        int64
	CommitSeq         *int64
	OperationCount    *int
	RowCount          *int
	SubscriptionCount *int
	ScopesSummary     json.RawMessage
	Tables            []string
	RequestPayload    json.RawMessage
	ResponsePayload   json.RawMessage
}

// Recorder queues RequestEvent writes off the hot path.
type Recorder struct {
	Storage            storage.Gateway
	PayloadSnapshotCap int

	// OnRecorded, when set, is called with every event after it is
	// durably written, feeding the console's live event stream (see
	// internal/console.LiveBroadcaster). It runs on the recorder's
	// worker goroutine and must not block.
	OnRecorded func(storage.RequestEvent)

	queue      chan queued
	warnedOnce bool
}

type queued struct {
	input     Input
	createdAt time.Time
}

// New builds a Recorder with a bounded backlog and starts its worker
// goroutine. payloadSnapshotCap <= 0 disables payload retention.
func New(store storage.Gateway, payloadSnapshotCap int, backlog int) *Recorder {
	if backlog <= 0 {
		backlog = 2048
	}
	r := &Recorder{
		Storage:            store,
		PayloadSnapshotCap: payloadSnapshotCap,
		queue:              make(chan queued, backlog),
	}
	go r.run()
	return r
}

// Record enqueues ev for background persistence. If the backlog is
// full the event is dropped and logged once; the hot path never blocks
// on this call.
func (r *Recorder) Record(ev Input) {
	item := queued{input: ev, createdAt: time.Now()}
	select {
	case r.queue <- item:
	default:
		if !r.warnedOnce {
			log.Printf("events: recorder backlog full, dropping request events")
			r.warnedOnce = true
		}
	}
}

func (r *Recorder) run() {
	for item := range r.queue {
		r.write(item)
	}
}

func (r *Recorder) write(item queued) {
	ctx := context.Background()
	in := item.input

	var payloadRef string
	if (in.RequestPayload != nil || in.ResponsePayload != nil) && r.PayloadSnapshotCap > 0 {
		ref, err := r.writePayloadSnapshot(ctx, in)
		if err != nil {
			log.Printf("events: write payload snapshot for request %s: %v", in.RequestID, err)
		} else {
			payloadRef = ref
		}
	}

	ev := storage.RequestEvent{
		EventID:           uuid.NewString(),
		PartitionID:       in.PartitionID,
		RequestID:         in.RequestID,
		TraceID:           in.TraceID,
		SpanID:            in.SpanID,
		EventType:         in.EventType,
		SyncPath:          in.SyncPath,
		TransportPath:     in.TransportPath,
		ActorID:           in.ActorID,
		ClientID:          in.ClientID,
		StatusCode:        in.StatusCode,
		Outcome:           in.Outcome,
		ResponseStatus:    DeriveResponseStatus(in.StatusCode, in.Outcome),
		ErrorCode:         in.ErrorCode,
		ErrorMessage:      in.ErrorMessage,
		DurationMs:        in.DurationMs,
		CommitSeq:         in.CommitSeq,
		OperationCount:    in.OperationCount,
		RowCount:          in.RowCount,
		SubscriptionCount: in.SubscriptionCount,
		ScopesSummary:     in.ScopesSummary,
		Tables:            in.Tables,
		PayloadRef:        payloadRef,
		CreatedAt:         item.createdAt,
	}
	if err := r.Storage.InsertRequestEvent(ctx, ev); err != nil {
		log.Printf("events: insert request event for request %s: %v", in.RequestID, err)
		return
	}
	if r.OnRecorded != nil {
		r.OnRecorded(ev)
	}
}

// truncationEnvelope replaces an oversized payload so the recorder
// never persists the full body past the configured cap.
type truncationEnvelope struct {
	Truncated        bool   `json:"truncated"`
	OriginalSizeBytes int   `json:"originalSizeBytes"`
	Preview          string `json:"preview"`
}

const truncationPreviewBytes = 256

func (r *Recorder) writePayloadSnapshot(ctx context.Context, in Input) (string, error) {
	req := capPayload(in.RequestPayload, r.PayloadSnapshotCap)
	resp := capPayload(in.ResponsePayload, r.PayloadSnapshotCap)

	ref := uuid.NewString()
	snap := storage.PayloadSnapshot{
		PayloadRef:      ref,
		PartitionID:     in.PartitionID,
		RequestPayload:  req,
		ResponsePayload: resp,
		CreatedAt:       time.Now(),
	}
	if err := r.Storage.InsertPayloadSnapshot(ctx, snap); err != nil {
		return "", fmt.Errorf("events: insert payload snapshot: %w", err)
	}
	return ref, nil
}

func capPayload(payload json.RawMessage, cap int) json.RawMessage {
	if payload == nil {
		return nil
	}
	if len(payload) <= cap {
		return payload
	}
	previewLen := len(payload)
	if previewLen > truncationPreviewBytes {
		previewLen = truncationPreviewBytes
	}
	encoded, err := json.Marshal(truncationEnvelope{
		Truncated:         true,
		OriginalSizeBytes: len(payload),
		Preview:           string(payload[:previewLen]),
	})
	if err != nil {
		return nil
	}
	return encoded
}

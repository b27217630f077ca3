package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/authn"
	"github.com/syncular/syncular/internal/events"
	"github.com/syncular/syncular/internal/ingest"
	"github.com/syncular/syncular/internal/pull"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/storage"
)

type syncRequest struct {
	ClientID string           `json:"clientId"`
	Push     *pushRequest     `json:"push,omitempty"`
	Pull     *pullRequest     `json:"pull,omitempty"`
}

type pushRequest struct {
	ClientCommitID string              `json:"clientCommitId"`
	SchemaVersion  string              `json:"schemaVersion,omitempty"`
	Operations     []operationRequest `json:"operations"`
}

type operationRequest struct {
	Table      string          `json:"table"`
	RowID      string          `json:"row_id"`
	Op         string          `json:"op"`
	Payload    json.RawMessage `json:"payload"`
	RowVersion *int64          `json:"row_version,omitempty"`
}

type pullRequest struct {
	LimitCommits      int                      `json:"limitCommits,omitempty"`
	LimitSnapshotRows int                      `json:"limitSnapshotRows,omitempty"`
	MaxSnapshotPages  int                      `json:"maxSnapshotPages,omitempty"`
	Subscriptions     []subscriptionRequest    `json:"subscriptions"`
}

type subscriptionRequest struct {
	ID             string          `json:"id"`
	Table          string          `json:"table"`
	Scopes         scope.Spec      `json:"scopes"`
	Params         json.RawMessage `json:"params,omitempty"`
	Cursor         int64           `json:"cursor"`
	BootstrapState string          `json:"bootstrapState,omitempty"`
}

type syncResponse struct {
	OK   bool          `json:"ok"`
	Push *pushResponse `json:"push,omitempty"`
	Pull *pullResponse `json:"pull,omitempty"`
}

type pushResponse struct {
	Status    string                 `json:"status"`
	OK        bool                   `json:"ok"`
	CommitSeq *int64                 `json:"commitSeq,omitempty"`
	Results   []operationResultView  `json:"results"`
}

type operationResultView struct {
	OpIndex int    `json:"opIndex"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

type pullResponse struct {
	Subscriptions []subscriptionResultView `json:"subscriptions"`
}

type subscriptionResultView struct {
	ID             string             `json:"id"`
	Status         string             `json:"status"`
	Bootstrap      bool               `json:"bootstrap,omitempty"`
	NextCursor     int64              `json:"nextCursor"`
	BootstrapState string             `json:"bootstrapState,omitempty"`
	Commits        []commitView       `json:"commits,omitempty"`
	Snapshots      []snapshotRefView  `json:"snapshots,omitempty"`
}

type commitView struct {
	CommitSeq int64        `json:"commitSeq"`
	ActorID   string       `json:"actorId"`
	ClientID  string       `json:"clientId"`
	CreatedAt time.Time    `json:"createdAt"`
	Changes   []changeView `json:"changes"`
}

type changeView struct {
	Table      string          `json:"table"`
	RowID      string          `json:"row_id"`
	Op         string          `json:"op"`
	Row        json.RawMessage `json:"row"`
	RowVersion int64           `json:"row_version"`
}

type snapshotRefView struct {
	ChunkID     string `json:"chunkId"`
	SHA256      string `json:"sha256"`
	ByteLength  int    `json:"byteLength"`
	Encoding    string `json:"encoding"`
	Compression string `json:"compression"`
}

// handleSync implements the combined HTTP sync endpoint: POST /sync.
func (s *Server) handleSync(c echo.Context) error {
	start := time.Now()
	principal := getPrincipal(c)
	requestID := c.Request().Header.Get("x-request-id")
	traceID, spanID := events.ParseTraceContext(c.Request().Header.Get("traceparent"), c.Request().Header.Get("sentry-trace"))
	transportPath := storage.TransportDirect
	if c.Request().Header.Get("X-Syncular-Transport-Path") == "relay" {
		transportPath = storage.TransportRelay
	}

	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
	}
	if req.ClientID == "" {
		return errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "clientId is required")
	}

	resp := syncResponse{OK: true}

	if req.Push != nil {
		result, statusCode, errCode, errMsg := s.runPush(c, principal, req.ClientID, *req.Push)
		if result != nil {
			resp.Push = result
		}
		s.recordEvent(events.Input{
			PartitionID:   principal.PartitionID,
			RequestID:     requestID,
			TraceID:       traceID,
			SpanID:        spanID,
			EventType:     storage.RequestEventPush,
			SyncPath:      storage.SyncPathHTTPCombined,
			TransportPath: transportPath,
			ActorID:       principal.ActorID,
			ClientID:      req.ClientID,
			StatusCode:    statusCode,
			Outcome:       outcomeOf(result, errCode),
			ErrorCode:     errCode,
			ErrorMessage:  errMsg,
			DurationMs:    time.Since(start).Milliseconds(),
			CommitSeq:     pushCommitSeq(result),
			OperationCount: intPtr(len(req.Push.Operations)),
		})
		if errCode != "" {
			return errorJSON(c, statusCode, errCode, errMsg)
		}
	}

	if req.Pull != nil {
		result, statusCode, errCode, errMsg := s.runPull(c, principal, req.ClientID, *req.Pull)
		if result != nil {
			resp.Pull = result
		}
		s.recordEvent(events.Input{
			PartitionID:       principal.PartitionID,
			RequestID:         requestID,
			TraceID:           traceID,
			SpanID:            spanID,
			EventType:         storage.RequestEventPull,
			SyncPath:          storage.SyncPathHTTPCombined,
			TransportPath:     transportPath,
			ActorID:           principal.ActorID,
			ClientID:          req.ClientID,
			StatusCode:        statusCode,
			Outcome:           pullOutcomeOf(errCode),
			ErrorCode:         errCode,
			ErrorMessage:      errMsg,
			DurationMs:        time.Since(start).Milliseconds(),
			SubscriptionCount: intPtr(len(req.Pull.Subscriptions)),
		})
		if errCode != "" {
			return errorJSON(c, statusCode, errCode, errMsg)
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) runPush(c echo.Context, principal *authn.Principal, clientID string, req pushRequest) (*pushResponse, int, string, string) {
	ops := make([]ingest.OperationInput, len(req.Operations))
	for i, op := range req.Operations {
		ops[i] = ingest.OperationInput{
			Table:      op.Table,
			RowID:      op.RowID,
			Op:         storage.Op(op.Op),
			Payload:    op.Payload,
			RowVersion: op.RowVersion,
		}
	}

	result, err := s.Ingestor.Push(c.Request().Context(), principal.PartitionID, ingest.Input{
		Principal:      principal,
		ClientID:       clientID,
		ClientCommitID: req.ClientCommitID,
		SchemaVersion:  req.SchemaVersion,
		Operations:     ops,
	})
	if err != nil {
		var ierr *ingest.Error
		if errors.As(err, &ierr) {
			return nil, ierr.HTTPStatus, ierr.Code, ierr.Message
		}
		return nil, http.StatusInternalServerError, "INTERNAL", "push failed"
	}

	view := &pushResponse{Status: result.Status, OK: result.OK, CommitSeq: result.CommitSeq}
	view.Results = make([]operationResultView, len(result.Results))
	for i, r := range result.Results {
		view.Results[i] = operationResultView{OpIndex: r.OpIndex, Status: r.Status, Error: r.Error, Code: r.Code}
	}
	return view, http.StatusOK, "", ""
}

func (s *Server) runPull(c echo.Context, principal *authn.Principal, clientID string, req pullRequest) (*pullResponse, int, string, string) {
	subs := make([]pull.SubscriptionInput, len(req.Subscriptions))
	for i, sub := range req.Subscriptions {
		subs[i] = pull.SubscriptionInput{
			ID:             sub.ID,
			Table:          sub.Table,
			Scopes:         sub.Scopes,
			Params:         sub.Params,
			Cursor:         sub.Cursor,
			BootstrapState: sub.BootstrapState,
		}
	}

	result, err := s.Planner.Pull(c.Request().Context(), principal.PartitionID, pull.Input{
		Principal:         principal,
		ClientID:          clientID,
		LimitCommits:      req.LimitCommits,
		LimitSnapshotRows: req.LimitSnapshotRows,
		MaxSnapshotPages:  req.MaxSnapshotPages,
		Subscriptions:     subs,
	})
	if err != nil {
		var perr *pull.Error
		if errors.As(err, &perr) {
			return nil, perr.HTTPStatus, perr.Code, perr.Message
		}
		return nil, http.StatusInternalServerError, "INTERNAL", "pull failed"
	}

	view := &pullResponse{Subscriptions: make([]subscriptionResultView, len(result.Subscriptions))}
	for i, sr := range result.Subscriptions {
		view.Subscriptions[i] = toSubscriptionView(sr)
	}
	return view, http.StatusOK, "", ""
}

func toSubscriptionView(sr pull.SubscriptionResult) subscriptionResultView {
	commits := make([]commitView, len(sr.Commits))
	for i, cm := range sr.Commits {
		changes := make([]changeView, len(cm.Changes))
		for j, ch := range cm.Changes {
			changes[j] = changeView{Table: ch.Table, RowID: ch.RowID, Op: string(ch.Op), Row: ch.RowJSON, RowVersion: ch.RowVersion}
		}
		commits[i] = commitView{CommitSeq: cm.CommitSeq, ActorID: cm.ActorID, ClientID: cm.ClientID, CreatedAt: cm.CreatedAt, Changes: changes}
	}
	snapshots := make([]snapshotRefView, len(sr.Snapshots))
	for i, sn := range sr.Snapshots {
		snapshots[i] = snapshotRefView{ChunkID: sn.ChunkID, SHA256: sn.SHA256, ByteLength: sn.ByteLength, Encoding: sn.Encoding, Compression: sn.Compression}
	}
	return subscriptionResultView{
		ID:             sr.ID,
		Status:         sr.Status,
		Bootstrap:      sr.Bootstrap,
		NextCursor:     sr.NextCursor,
		BootstrapState: sr.BootstrapState,
		Commits:        commits,
		Snapshots:      snapshots,
	}
}

func (s *Server) recordEvent(in events.Input) {
	if s.Recorder != nil {
		s.Recorder.Record(in)
	}
}

func outcomeOf(result *pushResponse, errCode string) string {
	if errCode != "" {
		return "error"
	}
	if result == nil {
		return "error"
	}
	return result.Status
}

func pullOutcomeOf(errCode string) string {
	if errCode != "" {
		return "error"
	}
	return "applied"
}

func pushCommitSeq(result *pushResponse) *int64 {
	if result == nil {
		return nil
	}
	return result.CommitSeq
}

func intPtr(n int) *int { return &n }

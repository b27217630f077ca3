package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/authn"
	"github.com/syncular/syncular/internal/events"
	"github.com/syncular/syncular/internal/ingest"
	"github.com/syncular/syncular/internal/realtime"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/storage"
)

// wsUpgrader allows any origin; the sync socket is reached by mobile
// and browser clients alike and carries its own bearer/API-key auth.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundFrame is the shape of a client->server WebSocket message:
// {type: push|presence|auth, ...}.
type inboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Token     string          `json:"token,omitempty"`
	Action    string          `json:"action,omitempty"` // join, update, leave
	ScopeKey  string          `json:"scopeKey,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Push      *pushRequest    `json:"push,omitempty"`
}

type pushResponseFrame struct {
	RequestID string        `json:"requestId,omitempty"`
	Result    *pushResponse `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Code      string        `json:"code,omitempty"`
}

// handleRealtime upgrades GET /sync/realtime?clientId=... to a
// WebSocket session: onOpen registers with the Realtime Registry,
// onMessage dispatches {push, presence, auth}, onClose unregisters
// exactly once. Sockets that never authenticate within the configured
// grace period are closed with code 4001/UNAUTHENTICATED.
func (s *Server) handleRealtime(c echo.Context) error {
	clientID := c.QueryParam("clientId")
	if clientID == "" {
		return errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "clientId query parameter is required")
	}

	ctx := c.Request().Context()

	// Authenticate against the upgrade request before touching the
	// socket, so an unauthenticated caller still gets the grace-period
	// treatment but the connection cap (keyed purely on clientID) is
	// always checked ahead of the 101 response.
	principal, _ := s.Authenticate(ctx, c.Request())
	partitionID := "default"
	if principal != nil {
		partitionID = principal.PartitionID
	}

	conn, unregister, err := s.Registry.Register(partitionID, clientID, nil)
	if err != nil {
		code := "WEBSOCKET_CONNECTION_LIMIT_CLIENT"
		if errors.Is(err, realtime.ErrConnectionLimitTotal) {
			code = "WEBSOCKET_CONNECTION_LIMIT_TOTAL"
		}
		return errorJSON(c, http.StatusTooManyRequests, code, err.Error())
	}

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("realtime: upgrade failed: %v", err)
		unregister()
		return nil
	}
	defer ws.Close()

	session := &realtimeSession{
		server:     s,
		ws:         ws,
		clientID:   clientID,
		principal:  principal,
		conn:       conn,
		unregister: unregister,
	}
	defer session.close()

	return session.run(ctx)
}

// realtimeSession holds the per-connection state a WebSocket session
// needs across its read loop, heartbeat ticker, and registry fan-out.
type realtimeSession struct {
	server   *Server
	ws       *websocket.Conn
	clientID string

	principal  *authn.Principal
	conn       *realtime.Conn
	unregister func()
}

// authenticate records a principal resolved after the socket was
// already upgraded (the in-band "auth" frame path). The connection was
// registered against the connection cap before the upgrade, so this
// only attaches the principal — it never re-registers.
func (sess *realtimeSession) authenticate(ctx context.Context, p *authn.Principal) {
	sess.principal = p
}

func (sess *realtimeSession) close() {
	if sess.unregister != nil {
		sess.unregister()
	}
}

func (sess *realtimeSession) send(f realtime.Frame) {
	_ = sess.ws.WriteJSON(f)
}

func (sess *realtimeSession) sendError(requestID, code, message string) {
	sess.send(realtime.Frame{Event: "error", Data: pushResponseFrame{RequestID: requestID, Error: message, Code: code}})
}

func (sess *realtimeSession) run(ctx context.Context) error {
	grace := sess.server.UnauthenticatedGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	heartbeatInterval := sess.server.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}

	inbound := make(chan inboundFrame)
	disconnected := make(chan struct{})
	go sess.readLoop(inbound, disconnected)

	authDeadline := time.NewTimer(grace)
	defer authDeadline.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	missedHeartbeats := 0

	for {
		var outbound <-chan realtime.Frame
		if sess.conn != nil {
			outbound = sess.conn.Recv()
		}

		select {
		case <-ctx.Done():
			return nil

		case <-disconnected:
			return nil

		case <-authDeadline.C:
			if sess.principal == nil {
				_ = sess.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(4001, "UNAUTHENTICATED"),
					time.Now().Add(time.Second))
				return nil
			}

		case <-heartbeat.C:
			if err := sess.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				missedHeartbeats++
				if missedHeartbeats >= 2 {
					return nil
				}
				continue
			}
			missedHeartbeats = 0

		case frame, ok := <-outbound:
			if !ok {
				return nil
			}
			sess.send(frame)

		case in, ok := <-inbound:
			if !ok {
				return nil
			}
			sess.dispatch(ctx, in)
		}
	}
}

func (sess *realtimeSession) readLoop(inbound chan<- inboundFrame, disconnected chan<- struct{}) {
	defer close(disconnected)
	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			return
		}
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			// Writes are serialized through run()'s select loop; a
			// malformed frame is reported as a synthetic dispatch
			// rather than written directly from this goroutine.
			f = inboundFrame{Type: "invalid"}
		}
		inbound <- f
	}
}

func (sess *realtimeSession) dispatch(ctx context.Context, in inboundFrame) {
	switch in.Type {
	case "auth":
		sess.handleAuth(ctx, in)
	case "push":
		sess.handlePush(ctx, in)
	case "presence":
		sess.handlePresence(ctx, in)
	default:
		sess.sendError(in.RequestID, "INVALID_REQUEST", "unknown frame type "+in.Type)
	}
}

func (sess *realtimeSession) handleAuth(ctx context.Context, in inboundFrame) {
	authenticator, ok := sess.server.Authenticate.(interface {
		AuthenticateToken(ctx context.Context, token string) (*authn.Principal, error)
	})
	if !ok {
		sess.sendError(in.RequestID, "UNAUTHENTICATED", "token authentication not supported")
		return
	}
	p, err := authenticator.AuthenticateToken(ctx, in.Token)
	if err != nil {
		sess.sendError(in.RequestID, "UNAUTHENTICATED", "invalid token")
		return
	}
	sess.authenticate(ctx, p)
	sess.send(realtime.Frame{Event: "sync", Data: map[string]bool{"authenticated": true}})
}

func (sess *realtimeSession) handlePush(ctx context.Context, in inboundFrame) {
	start := time.Now()
	if sess.principal == nil || in.Push == nil {
		sess.sendError(in.RequestID, "UNAUTHENTICATED", "push requires authentication")
		return
	}
	req := *in.Push

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

	result, err := sess.server.Ingestor.Push(ctx, sess.principal.PartitionID, ingest.Input{
		Principal:      sess.principal,
		ClientID:       sess.clientID,
		ClientCommitID: req.ClientCommitID,
		SchemaVersion:  req.SchemaVersion,
		Operations:     ops,
	})

	statusCode := http.StatusOK
	errCode, errMsg := "", ""
	var view *pushResponse
	if err != nil {
		var ierr *ingest.Error
		if errors.As(err, &ierr) {
			statusCode, errCode, errMsg = ierr.HTTPStatus, ierr.Code, ierr.Message
		} else {
			statusCode, errCode, errMsg = http.StatusInternalServerError, "INTERNAL", "push failed"
		}
	} else {
		view = &pushResponse{Status: result.Status, OK: result.OK, CommitSeq: result.CommitSeq}
		view.Results = make([]operationResultView, len(result.Results))
		for i, r := range result.Results {
			view.Results[i] = operationResultView{OpIndex: r.OpIndex, Status: r.Status, Error: r.Error, Code: r.Code}
		}
	}

	sess.server.recordEvent(events.Input{
		PartitionID:    sess.principal.PartitionID,
		RequestID:      in.RequestID,
		EventType:      storage.RequestEventPush,
		SyncPath:       storage.SyncPathWSPush,
		TransportPath:  storage.TransportDirect,
		ActorID:        sess.principal.ActorID,
		ClientID:       sess.clientID,
		StatusCode:     statusCode,
		Outcome:        outcomeOf(view, errCode),
		ErrorCode:      errCode,
		ErrorMessage:   errMsg,
		DurationMs:     time.Since(start).Milliseconds(),
		CommitSeq:      pushCommitSeq(view),
		OperationCount: intPtr(len(req.Operations)),
	})

	sess.send(realtime.Frame{
		Event: "push-response",
		Data:  pushResponseFrame{RequestID: in.RequestID, Result: view, Error: errMsg, Code: errCode},
	})
}

func (sess *realtimeSession) handlePresence(ctx context.Context, in inboundFrame) {
	if sess.principal == nil {
		sess.sendError(in.RequestID, "UNAUTHENTICATED", "presence requires authentication")
		return
	}
	key := scope.Partition(sess.principal.PartitionID, in.ScopeKey)
	switch in.Action {
	case "join":
		if err := sess.server.Registry.JoinPresence(ctx, sess.clientID, key, in.Metadata); err != nil {
			sess.sendError(in.RequestID, "FORBIDDEN", err.Error())
		}
	case "update":
		if err := sess.server.Registry.UpdatePresenceMetadata(ctx, sess.clientID, key, in.Metadata); err != nil {
			sess.sendError(in.RequestID, "FORBIDDEN", err.Error())
		}
	case "leave":
		sess.server.Registry.LeavePresence(ctx, sess.clientID, key)
	default:
		sess.sendError(in.RequestID, "INVALID_REQUEST", "unknown presence action "+in.Action)
	}
}

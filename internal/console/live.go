package console

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/storage"
)

// liveUpgrader allows any origin; the gateway's own relay connects
// from inside the cluster and every caller authenticates with its
// console bearer token before the upgrade completes.
var liveUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LiveBroadcaster fans out request and operation events to every
// subscribed console WebSocket, the same register/unregister-by-channel
// shape internal/realtime uses for sync connections, scaled down to a
// single process-wide fan-out list instead of a scope-keyed index.
type LiveBroadcaster struct {
	mu   sync.Mutex
	subs map[chan liveFrame]struct{}
}

// NewLiveBroadcaster builds an empty broadcaster.
func NewLiveBroadcaster() *LiveBroadcaster {
	return &LiveBroadcaster{subs: make(map[chan liveFrame]struct{})}
}

type liveFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func (b *LiveBroadcaster) subscribe() chan liveFrame {
	ch := make(chan liveFrame, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *LiveBroadcaster) unsubscribe(ch chan liveFrame) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}

func (b *LiveBroadcaster) publish(frame liveFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// PublishEvent broadcasts a recorded request event. Wired as
// events.Recorder.OnRecorded.
func (b *LiveBroadcaster) PublishEvent(ev storage.RequestEvent) {
	if b == nil {
		return
	}
	b.publish(liveFrame{Event: "event", Data: ev})
}

// PublishOperation broadcasts a recorded operation audit event.
func (b *LiveBroadcaster) PublishOperation(ev storage.OperationAuditEvent) {
	if b == nil {
		return
	}
	b.publish(liveFrame{Event: "operation", Data: ev})
}

// handleEventsLive upgrades to a WebSocket and streams every event and
// operation published after the connection opens; the Federation
// Gateway opens one of these per downstream instance and relays frames
// upstream (see internal/gateway.RelayLiveEvents).
func (s *Server) handleEventsLive(c echo.Context) error {
	ws, err := liveUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("console: live events upgrade failed: %v", err)
		return nil
	}
	defer ws.Close()

	if err := ws.WriteJSON(liveFrame{Event: "connected"}); err != nil {
		return nil
	}

	if s.Live == nil {
		s.Live = NewLiveBroadcaster()
	}
	ch := s.Live.subscribe()
	defer s.Live.unsubscribe(ch)

	ctx := c.Request().Context()
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	go drainReads(ws)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := ws.WriteJSON(liveFrame{Event: "heartbeat"}); err != nil {
				return nil
			}
		case frame, ok := <-ch:
			if !ok {
				return nil
			}
			if err := ws.WriteJSON(frame); err != nil {
				return nil
			}
		}
	}
}

// drainReads discards inbound frames (this socket is write-only from
// the server's perspective) so gorilla's read deadline/pong handling
// notices a client disconnect.
func drainReads(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

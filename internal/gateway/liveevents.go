package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// upstreamMessage is what RelayLiveEvents writes to the caller's
// upstream connection for every downstream frame it relays.
type upstreamMessage struct {
	Type       string          `json:"type,omitempty"`
	Event      string          `json:"event,omitempty"`
	InstanceID string          `json:"instanceId"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type instanceErrorEnvelope struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	Timestamp  string `json:"timestamp"`
}

// UpstreamSender is the narrow surface RelayLiveEvents needs on the
// caller's own upstream WebSocket connection.
type UpstreamSender interface {
	WriteJSON(v any) error
}

var dialer = websocket.Dialer{HandshakeTimeout: 10 * time.Second}

// RelayLiveEvents opens one downstream WebSocket per client, reusing
// the read-goroutine-detects-disconnect shape, and relays every frame
// except connected/heartbeat upstream with instanceId injected. It
// blocks until every per-instance relay has ended: ctx is cancelled,
// or that instance's connection failed or closed (each such failure
// sends an instance_error envelope upstream), or an upstream write
// failed.
func RelayLiveEvents(ctx context.Context, clients []*Client, upstreamBearer string, upstream UpstreamSender) {
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			relayOne(ctx, c, upstreamBearer, upstream)
		}(c)
	}
	wg.Wait()
}

func relayOne(ctx context.Context, c *Client, upstreamBearer string, upstream UpstreamSender) {
	url := strings.TrimRight(c.Instance.BaseURL, "/") + "/console/events/live"
	url = strings.Replace(url, "http://", "ws://", 1)
	url = strings.Replace(url, "https://", "wss://", 1)

	header := http.Header{}
	token := c.Instance.Token
	if token == "" {
		token = upstreamBearer
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		sendInstanceError(upstream, c.Instance.InstanceID)
		return
	}
	defer conn.Close()

	disconnected := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			close(disconnected)
			sendInstanceError(upstream, c.Instance.InstanceID)
			return
		}

		var frame struct {
			Event string          `json:"event"`
			Type  string          `json:"type"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Event == "connected" || frame.Event == "heartbeat" {
			continue
		}
		if err := upstream.WriteJSON(upstreamMessage{
			Type:       frame.Type,
			Event:      frame.Event,
			InstanceID: c.Instance.InstanceID,
			Data:       frame.Data,
		}); err != nil {
			return
		}
	}
}

func sendInstanceError(upstream UpstreamSender, instanceID string) {
	if err := upstream.WriteJSON(instanceErrorEnvelope{
		Type:       "instance_error",
		InstanceID: instanceID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		log.Printf("gateway: relay instance_error for %s: %v", instanceID, err)
	}
}

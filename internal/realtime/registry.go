// Package realtime implements the Realtime Registry: an in-memory,
// partition-prefixed index from scope key to interested connections,
// used to fan out wake-ups after a commit and to track ephemeral
// presence. Its maps of subscribers are guarded by a single RWMutex,
// and sends are non-blocking and buffered, dropping frames for slow
// consumers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/storage"
)

// ErrConnectionLimitTotal is returned by Register when the registry is
// already at its global connection cap.
var ErrConnectionLimitTotal = fmt.Errorf("realtime: %s", "WEBSOCKET_CONNECTION_LIMIT_TOTAL")

// ErrConnectionLimitClient is returned by Register when a single
// client already holds its maximum number of concurrent connections.
var ErrConnectionLimitClient = fmt.Errorf("realtime: %s", "WEBSOCKET_CONNECTION_LIMIT_CLIENT")

// ErrNotAuthorized is returned by JoinPresence when the client is not
// currently subscribed to the scope key it's trying to join presence on.
var ErrNotAuthorized = fmt.Errorf("realtime: not authorized for scope key")

// Frame is one outbound message to a connection.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ChangeFrame is one change inside an inline sync frame.
type ChangeFrame struct {
	Table      string          `json:"table"`
	RowID      string          `json:"rowId"`
	Op         string          `json:"op"`
	Row        json.RawMessage `json:"row"`
	RowVersion int64           `json:"rowVersion"`
}

type syncData struct {
	Cursor    int64         `json:"cursor"`
	Changes   []ChangeFrame `json:"changes,omitempty"`
	ActorID   string        `json:"actorId,omitempty"`
	CreatedAt string        `json:"createdAt,omitempty"`
}

type presenceData struct {
	Action   string          `json:"action"` // join, update, leave
	ClientID string          `json:"clientId"`
	ScopeKey string          `json:"scopeKey"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// PresenceEntry is one client's presence record on a scope key.
type PresenceEntry struct {
	Metadata json.RawMessage
	JoinedAt time.Time
}

// Conn is a registered connection. Callers deliver outbound frames via
// Recv(); the unexported send is used by the registry's fan-out.
type Conn struct {
	ID       string
	ClientID string
	PartitionID string
	ch       chan Frame
}

// Recv returns the channel of outbound frames for this connection. A
// transport adapter should range over it until it's closed.
func (c *Conn) Recv() <-chan Frame { return c.ch }

func (c *Conn) send(f Frame) {
	select {
	case c.ch <- f:
	default:
		// Backpressure: drop. The client is told to resync via the
		// next pull, matching the "notify is a hint" ordering guarantee.
	}
}

// BroadcastEvent is a cross-instance commit notification.
type BroadcastEvent struct {
	CommitSeq      int64
	PartitionID    string
	ScopeKeys      []scope.Key // may be nil; resolved from the change log if so
	SourceInstance string
}

// Broadcaster publishes registry events (commits and presence changes)
// to other instances. Optional.
type Broadcaster interface {
	PublishCommit(ctx context.Context, partitionID string, commitSeq int64, scopeKeys []scope.Key)
	PublishPresence(ctx context.Context, partitionID string, scopeKey scope.Key, data presenceDataPublic)
}

// presenceDataPublic is the cross-instance wire shape for a presence event.
type presenceDataPublic struct {
	Action   string
	ClientID string
	Metadata json.RawMessage
}

// ChangeLookup resolves the scope keys touched by a commit when a
// cross-instance broadcast event arrives without them.
type ChangeLookup interface {
	ListChangesForCommit(ctx context.Context, partitionID string, commitSeq int64) ([]storage.Change, error)
}

// Limits bounds connection counts and the inline-vs-notify-only threshold.
type Limits struct {
	MaxConnectionsTotal     int
	MaxConnectionsPerClient int
	InlineChangesMaxBytes   int
}

// Registry is the Realtime Registry.
type Registry struct {
	mu sync.RWMutex

	conns        map[string]map[*Conn]struct{}        // clientID -> connections
	totalConns   int
	scopeClients map[scope.Key]map[string]struct{}    // scopeKey -> clientIDs
	presence     map[scope.Key]map[string]PresenceEntry // scopeKey -> clientID -> entry

	limits       Limits
	changeLookup ChangeLookup
	broadcaster  Broadcaster
	selfInstance string

	connSeq int
}

// New builds an empty Registry.
func New(limits Limits, changeLookup ChangeLookup, broadcaster Broadcaster, selfInstance string) *Registry {
	if limits.MaxConnectionsTotal <= 0 {
		limits.MaxConnectionsTotal = 5000
	}
	if limits.MaxConnectionsPerClient <= 0 {
		limits.MaxConnectionsPerClient = 3
	}
	if limits.InlineChangesMaxBytes <= 0 {
		limits.InlineChangesMaxBytes = 64 * 1024
	}
	return &Registry{
		conns:        make(map[string]map[*Conn]struct{}),
		scopeClients: make(map[scope.Key]map[string]struct{}),
		presence:     make(map[scope.Key]map[string]PresenceEntry),
		limits:       limits,
		changeLookup: changeLookup,
		broadcaster:  broadcaster,
		selfInstance: selfInstance,
	}
}

// Register enforces the global and per-client connection caps and adds
// a new connection subscribed to initialScopeKeys. The returned func
// unregisters it; calling it more than once is a no-op.
func (r *Registry) Register(partitionID, clientID string, initialScopeKeys []scope.Key) (*Conn, func(), error) {
	r.mu.Lock()
	if r.totalConns >= r.limits.MaxConnectionsTotal {
		r.mu.Unlock()
		return nil, nil, ErrConnectionLimitTotal
	}
	if len(r.conns[clientID]) >= r.limits.MaxConnectionsPerClient {
		r.mu.Unlock()
		return nil, nil, ErrConnectionLimitClient
	}

	r.connSeq++
	conn := &Conn{
		ID:          fmt.Sprintf("conn-%d", r.connSeq),
		ClientID:    clientID,
		PartitionID: partitionID,
		ch:          make(chan Frame, 256),
	}
	if r.conns[clientID] == nil {
		r.conns[clientID] = make(map[*Conn]struct{})
	}
	r.conns[clientID][conn] = struct{}{}
	r.totalConns++
	for _, k := range initialScopeKeys {
		r.addScopeClientLocked(k, clientID)
	}
	r.mu.Unlock()

	var once sync.Once
	unregister := func() {
		once.Do(func() { r.unregister(conn) })
	}
	return conn, unregister, nil
}

func (r *Registry) unregister(conn *Conn) {
	r.mu.Lock()
	delete(r.conns[conn.ClientID], conn)
	if len(r.conns[conn.ClientID]) == 0 {
		delete(r.conns, conn.ClientID)
	}
	r.totalConns--
	lastConnForClient := r.conns[conn.ClientID] == nil

	var leftScopes []scope.Key
	if lastConnForClient {
		for key, byClient := range r.presence {
			if _, ok := byClient[conn.ClientID]; ok {
				delete(byClient, conn.ClientID)
				leftScopes = append(leftScopes, key)
			}
		}
		for key, clients := range r.scopeClients {
			if _, ok := clients[conn.ClientID]; ok {
				delete(clients, conn.ClientID)
				if len(clients) == 0 {
					delete(r.scopeClients, key)
				}
			}
		}
	}
	r.mu.Unlock()
	close(conn.ch)

	for _, key := range leftScopes {
		r.broadcastPresence(key, presenceData{Action: "leave", ClientID: conn.ClientID, ScopeKey: string(key)}, conn.ClientID)
	}
}

func (r *Registry) addScopeClientLocked(key scope.Key, clientID string) {
	if r.scopeClients[key] == nil {
		r.scopeClients[key] = make(map[string]struct{})
	}
	r.scopeClients[key][clientID] = struct{}{}
}

// UpdateClientScopeKeys replaces the subscribed set for every
// connection belonging to clientID. Implements pull.ScopeUpdater.
func (r *Registry) UpdateClientScopeKeys(ctx context.Context, clientID string, keys []scope.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, clients := range r.scopeClients {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(r.scopeClients, key)
		}
	}
	for _, k := range keys {
		r.addScopeClientLocked(k, clientID)
	}
}

// NotifyScopeKeys unions target connections for the given keys,
// deduplicates per connection, and delivers an inline or notify-only
// sync frame. Implements ingest.Notifier.
func (r *Registry) NotifyScopeKeys(ctx context.Context, keys []scope.Key, commitSeq int64, actorID string, createdAt time.Time, excludeClientIDs []string, changes []storage.Change) {
	exclude := make(map[string]struct{}, len(excludeClientIDs))
	for _, id := range excludeClientIDs {
		exclude[id] = struct{}{}
	}

	r.mu.RLock()
	targetConns := make(map[*Conn]struct{})
	for _, k := range keys {
		for clientID := range r.scopeClients[k] {
			if _, skip := exclude[clientID]; skip {
				continue
			}
			for c := range r.conns[clientID] {
				targetConns[c] = struct{}{}
			}
		}
	}
	r.mu.RUnlock()
	if len(targetConns) == 0 {
		return
	}

	frame := r.buildSyncFrame(commitSeq, actorID, createdAt, changes)
	for c := range targetConns {
		c.send(frame)
	}
}

func (r *Registry) buildSyncFrame(commitSeq int64, actorID string, createdAt time.Time, changes []storage.Change) Frame {
	notifyOnly := Frame{Event: "sync", Data: syncData{Cursor: commitSeq}}
	if len(changes) == 0 {
		return notifyOnly
	}
	changeFrames := make([]ChangeFrame, len(changes))
	for i, ch := range changes {
		changeFrames[i] = ChangeFrame{Table: ch.Table, RowID: ch.RowID, Op: string(ch.Op), Row: ch.RowJSON, RowVersion: ch.RowVersion}
	}
	data := syncData{Cursor: commitSeq, Changes: changeFrames, ActorID: actorID}
	if !createdAt.IsZero() {
		data.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	}
	encoded, err := json.Marshal(data)
	if err != nil || len(encoded) > r.limits.InlineChangesMaxBytes {
		return notifyOnly
	}
	return Frame{Event: "sync", Data: data}
}

// NotifyAllClients broadcasts a bare wake-up to every connection,
// used by the external data-change notification path.
func (r *Registry) NotifyAllClients(ctx context.Context, commitSeq int64) {
	frame := Frame{Event: "sync", Data: syncData{Cursor: commitSeq}}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conns := range r.conns {
		for c := range conns {
			c.send(frame)
		}
	}
}

// JoinPresence registers a client's presence on scopeKey, provided the
// client currently holds a subscription there, and broadcasts a join
// event to the scope's other clients.
func (r *Registry) JoinPresence(ctx context.Context, clientID string, key scope.Key, metadata json.RawMessage) error {
	r.mu.Lock()
	if _, authorized := r.scopeClients[key][clientID]; !authorized {
		r.mu.Unlock()
		return ErrNotAuthorized
	}
	if r.presence[key] == nil {
		r.presence[key] = make(map[string]PresenceEntry)
	}
	r.presence[key][clientID] = PresenceEntry{Metadata: metadata, JoinedAt: time.Now()}
	r.mu.Unlock()

	r.broadcastPresence(key, presenceData{Action: "join", ClientID: clientID, ScopeKey: string(key), Metadata: metadata}, clientID)
	if r.broadcaster != nil {
		r.broadcaster.PublishPresence(ctx, key.PartitionID(), key, presenceDataPublic{Action: "join", ClientID: clientID, Metadata: metadata})
	}
	return nil
}

// UpdatePresenceMetadata updates an existing presence entry's metadata.
func (r *Registry) UpdatePresenceMetadata(ctx context.Context, clientID string, key scope.Key, metadata json.RawMessage) error {
	r.mu.Lock()
	entry, ok := r.presence[key][clientID]
	if !ok {
		r.mu.Unlock()
		return ErrNotAuthorized
	}
	entry.Metadata = metadata
	r.presence[key][clientID] = entry
	r.mu.Unlock()

	r.broadcastPresence(key, presenceData{Action: "update", ClientID: clientID, ScopeKey: string(key), Metadata: metadata}, clientID)
	return nil
}

// LeavePresence removes a single presence entry and broadcasts a leave.
func (r *Registry) LeavePresence(ctx context.Context, clientID string, key scope.Key) {
	r.mu.Lock()
	if byClient, ok := r.presence[key]; ok {
		delete(byClient, clientID)
	}
	r.mu.Unlock()
	r.broadcastPresence(key, presenceData{Action: "leave", ClientID: clientID, ScopeKey: string(key)}, clientID)
}

// broadcastPresence delivers a presence frame to every connection
// subscribed to key, excluding the acting client.
func (r *Registry) broadcastPresence(key scope.Key, data presenceData, excludeClientID string) {
	r.mu.RLock()
	conns := make(map[*Conn]struct{})
	for clientID := range r.scopeClients[key] {
		if clientID == excludeClientID {
			continue
		}
		for c := range r.conns[clientID] {
			conns[c] = struct{}{}
		}
	}
	r.mu.RUnlock()

	frame := Frame{Event: "presence", Data: data}
	for c := range conns {
		c.send(frame)
	}
}

// HandleBroadcastEvent applies a cross-instance commit event. Events
// originating from this instance are ignored.
func (r *Registry) HandleBroadcastEvent(ctx context.Context, ev BroadcastEvent) {
	if ev.SourceInstance == r.selfInstance {
		return
	}
	keys := ev.ScopeKeys
	if len(keys) == 0 && r.changeLookup != nil {
		changes, err := r.changeLookup.ListChangesForCommit(ctx, ev.PartitionID, ev.CommitSeq)
		if err != nil {
			log.Printf("realtime: resolve scope keys for broadcast commit %d: %v", ev.CommitSeq, err)
			return
		}
		set := make(map[scope.Key]struct{})
		for _, ch := range changes {
			for _, k := range ch.ScopeKeys {
				set[scope.Key(k)] = struct{}{}
			}
		}
		for k := range set {
			keys = append(keys, k)
		}
	}
	r.NotifyScopeKeys(ctx, keys, ev.CommitSeq, "", time.Time{}, nil, nil)
}

// Stats reports current connection and subscription counts, used by
// the console.
type Stats struct {
	TotalConnections int
	UniqueClients    int
	SubscribedKeys   int
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		TotalConnections: r.totalConns,
		UniqueClients:    len(r.conns),
		SubscribedKeys:   len(r.scopeClients),
	}
}

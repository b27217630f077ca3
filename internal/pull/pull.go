// Package pull implements the Pull Planner: given a client cursor and
// a set of subscriptions, it streams back commits for incremental
// pulls or builds paginated, gzip-compressed bootstrap snapshot chunks
// for clients starting cold.
package pull

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/syncular/syncular/internal/authn"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/storage"
	"github.com/syncular/syncular/internal/tablehandler"
)

// Error is a coded, HTTP-mappable pull failure.
type Error struct {
	Code       string
	HTTPStatus int
	Message    string
}

func (e *Error) Error() string { return e.Message }

func newError(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, HTTPStatus: status, Message: fmt.Sprintf(format, args...)}
}

// Limits bounds the parameters a caller may request. Zero value
// defaults and caps are applied by New.
type Limits struct {
	DefaultLimitCommits      int
	MaxLimitCommits          int
	DefaultLimitSnapshotRows int
	MaxLimitSnapshotRows     int
	MaxSnapshotPages         int
	MaxSubscriptions         int
}

// SubscriptionInput is one subscription in a pull request.
type SubscriptionInput struct {
	ID             string
	Table          string
	Scopes         scope.Spec
	Params         json.RawMessage
	Cursor         int64 // -1 means bootstrap
	BootstrapState string
}

// Input is a full pull request.
type Input struct {
	Principal         *authn.Principal
	ClientID          string
	LimitCommits      int
	LimitSnapshotRows int
	MaxSnapshotPages  int
	Subscriptions     []SubscriptionInput
}

// ChangeView is one row mutation returned inside a CommitView.
type ChangeView struct {
	Table      string
	RowID      string
	Op         storage.Op
	RowJSON    json.RawMessage
	RowVersion int64
}

// CommitView is one commit returned in an incremental pull.
type CommitView struct {
	CommitSeq int64
	ActorID   string
	ClientID  string
	CreatedAt time.Time
	Changes   []ChangeView
}

// SnapshotRef describes one bootstrap snapshot chunk.
type SnapshotRef struct {
	ChunkID     string
	SHA256      string
	ByteLength  int
	Encoding    string
	Compression string
}

// SubscriptionResult is the per-subscription pull response.
type SubscriptionResult struct {
	ID             string
	Status         string // active, revoked
	Bootstrap      bool
	NextCursor     int64
	BootstrapState string
	Commits        []CommitView
	Snapshots      []SnapshotRef
}

// Result is the full pull response.
type Result struct {
	Subscriptions []SubscriptionResult
}

// ScopeUpdater is the Realtime Registry's consumer-facing surface for
// keeping a client's subscribed scope keys current.
type ScopeUpdater interface {
	UpdateClientScopeKeys(ctx context.Context, clientID string, keys []scope.Key)
}

// Planner is the Pull Planner.
type Planner struct {
	Storage          storage.Gateway
	Handlers         *tablehandler.Registry
	ScopeUpdater     ScopeUpdater
	Limits           Limits
	SnapshotChunkTTL time.Duration
}

// New builds a Planner, applying the documented default limits where
// limits is the zero value.
func New(store storage.Gateway, handlers *tablehandler.Registry, updater ScopeUpdater, limits Limits, snapshotChunkTTL time.Duration) *Planner {
	if limits.DefaultLimitCommits <= 0 {
		limits.DefaultLimitCommits = 50
	}
	if limits.MaxLimitCommits <= 0 {
		limits.MaxLimitCommits = 100
	}
	if limits.DefaultLimitSnapshotRows <= 0 {
		limits.DefaultLimitSnapshotRows = 500
	}
	if limits.MaxLimitSnapshotRows <= 0 {
		limits.MaxLimitSnapshotRows = 5000
	}
	if limits.MaxSnapshotPages <= 0 {
		limits.MaxSnapshotPages = 10
	}
	if limits.MaxSubscriptions <= 0 {
		limits.MaxSubscriptions = 200
	}
	if snapshotChunkTTL <= 0 {
		snapshotChunkTTL = 24 * time.Hour
	}
	return &Planner{Storage: store, Handlers: handlers, ScopeUpdater: updater, Limits: limits, SnapshotChunkTTL: snapshotChunkTTL}
}

// Pull runs the Pull Planner's per-subscription algorithm and returns
// one SubscriptionResult per requested subscription, independent of
// each other's outcome.
func (p *Planner) Pull(ctx context.Context, partitionID string, input Input) (*Result, error) {
	if len(input.Subscriptions) > p.Limits.MaxSubscriptions {
		return nil, newError("INVALID_REQUEST", http.StatusBadRequest, "too many subscriptions: %d > %d", len(input.Subscriptions), p.Limits.MaxSubscriptions)
	}
	seen := make(map[string]struct{}, len(input.Subscriptions))
	for _, sub := range input.Subscriptions {
		if _, dup := seen[sub.ID]; dup {
			return nil, newError("INVALID_REQUEST", http.StatusBadRequest, "duplicate subscription id %q", sub.ID)
		}
		seen[sub.ID] = struct{}{}
	}

	limitCommits := clamp(input.LimitCommits, p.Limits.DefaultLimitCommits, 1, p.Limits.MaxLimitCommits)
	limitSnapshotRows := clamp(input.LimitSnapshotRows, p.Limits.DefaultLimitSnapshotRows, 1, p.Limits.MaxLimitSnapshotRows)
	maxSnapshotPages := clamp(input.MaxSnapshotPages, p.Limits.MaxSnapshotPages, 1, p.Limits.MaxSnapshotPages)

	results := make([]SubscriptionResult, 0, len(input.Subscriptions))
	var allKeys []scope.Key
	for _, sub := range input.Subscriptions {
		res, keys, err := p.pullOne(ctx, partitionID, input.Principal, input.ClientID, sub, limitCommits, limitSnapshotRows, maxSnapshotPages)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
		allKeys = append(allKeys, keys...)
	}

	if p.ScopeUpdater != nil {
		p.ScopeUpdater.UpdateClientScopeKeys(ctx, input.ClientID, allKeys)
	}

	return &Result{Subscriptions: results}, nil
}

func clamp(requested, def, min, max int) int {
	v := requested
	if v <= 0 {
		v = def
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v
}

type bootstrapCursor struct {
	AsOfSeq   int64  `json:"asOfSeq"`
	PageToken string `json:"pageToken"`
}

func encodeBootstrapState(s bootstrapCursor) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeBootstrapState(encoded string) (bootstrapCursor, error) {
	var s bootstrapCursor
	b, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, err
	}
	return s, nil
}

func (p *Planner) pullOne(ctx context.Context, partitionID string, principal *authn.Principal, clientID string, sub SubscriptionInput, limitCommits, limitSnapshotRows, maxSnapshotPages int) (SubscriptionResult, []scope.Key, error) {
	handler, err := p.Handlers.Get(sub.Table)
	if err != nil {
		return SubscriptionResult{}, nil, newError("INVALID_SUBSCRIPTION", http.StatusBadRequest, "no handler registered for table %q", sub.Table)
	}

	resolved, err := handler.ResolveScopes(ctx, principal, sub.Scopes)
	if err != nil {
		return SubscriptionResult{}, nil, fmt.Errorf("pull: resolve scopes for subscription %s: %w", sub.ID, err)
	}

	requested := scope.NewSet(scope.Derive(partitionID, sub.Scopes))
	allowed := scope.NewSet(scope.Derive(partitionID, resolved))
	if !requested.IsSubsetOf(allowed) {
		return SubscriptionResult{ID: sub.ID, Status: "revoked", NextCursor: sub.Cursor}, nil, nil
	}
	keys := allowed.Keys()

	if sub.Cursor == -1 {
		return p.bootstrapOne(ctx, partitionID, clientID, principal.ActorID, sub, handler, keys, limitSnapshotRows, maxSnapshotPages)
	}
	return p.incrementalOne(ctx, partitionID, clientID, principal.ActorID, sub, keys, limitCommits)
}

func (p *Planner) bootstrapOne(ctx context.Context, partitionID, clientID, actorID string, sub SubscriptionInput, handler tablehandler.Handler, keys []scope.Key, limitSnapshotRows, maxSnapshotPages int) (SubscriptionResult, []scope.Key, error) {
	var state bootstrapCursor
	if sub.BootstrapState == "" {
		stats, err := p.Storage.Stats(ctx, partitionID)
		if err != nil {
			return SubscriptionResult{}, nil, fmt.Errorf("pull: stats for bootstrap asOf: %w", err)
		}
		if stats.MaxCommitSeq != nil {
			state.AsOfSeq = *stats.MaxCommitSeq
		}
	} else {
		decoded, err := decodeBootstrapState(sub.BootstrapState)
		if err != nil {
			return SubscriptionResult{}, nil, newError("INVALID_SUBSCRIPTION", http.StatusBadRequest, "malformed bootstrapState for subscription %s", sub.ID)
		}
		state = decoded
	}

	var snapshots []SnapshotRef
	pageToken := state.PageToken
	done := false
	for i := 0; i < maxSnapshotPages; i++ {
		page, err := handler.FetchBootstrapPage(ctx, partitionID, keys, sub.Params, pageToken, limitSnapshotRows)
		if err != nil {
			return SubscriptionResult{}, nil, fmt.Errorf("pull: fetch bootstrap page for subscription %s: %w", sub.ID, err)
		}
		chunk, err := p.buildSnapshotChunk(partitionID, page.Rows)
		if err != nil {
			return SubscriptionResult{}, nil, fmt.Errorf("pull: build snapshot chunk for subscription %s: %w", sub.ID, err)
		}
		if err := p.Storage.CreateSnapshotChunk(ctx, chunk); err != nil {
			return SubscriptionResult{}, nil, fmt.Errorf("pull: store snapshot chunk: %w", err)
		}
		snapshots = append(snapshots, SnapshotRef{
			ChunkID:     chunk.ChunkID,
			SHA256:      chunk.SHA256,
			ByteLength:  chunk.ByteLength,
			Encoding:    chunk.Encoding,
			Compression: chunk.Compression,
		})
		pageToken = page.NextPageToken
		if page.Done {
			done = true
			break
		}
	}

	result := SubscriptionResult{ID: sub.ID, Status: "active", Bootstrap: true, Snapshots: snapshots}
	if done {
		result.NextCursor = state.AsOfSeq
		go p.updateCursorAsync(partitionID, clientID, actorID, state.AsOfSeq, sub.Scopes)
	} else {
		encoded, err := encodeBootstrapState(bootstrapCursor{AsOfSeq: state.AsOfSeq, PageToken: pageToken})
		if err != nil {
			return SubscriptionResult{}, nil, fmt.Errorf("pull: encode bootstrap state: %w", err)
		}
		result.NextCursor = -1
		result.BootstrapState = encoded
	}
	return result, keys, nil
}

func (p *Planner) incrementalOne(ctx context.Context, partitionID, clientID, actorID string, sub SubscriptionInput, keys []scope.Key, limitCommits int) (SubscriptionResult, []scope.Key, error) {
	rawKeys := make([]string, len(keys))
	for i, k := range keys {
		rawKeys[i] = string(k)
	}
	commits, byCommit, err := p.Storage.FetchCommitsAfter(ctx, partitionID, sub.Cursor, limitCommits, rawKeys, sub.Table)
	if err != nil {
		return SubscriptionResult{}, nil, fmt.Errorf("pull: fetch commits after cursor for subscription %s: %w", sub.ID, err)
	}

	views := make([]CommitView, 0, len(commits))
	nextCursor := sub.Cursor
	for _, c := range commits {
		changes := byCommit[c.CommitSeq]
		changeViews := make([]ChangeView, 0, len(changes))
		for _, ch := range changes {
			changeViews = append(changeViews, ChangeView{
				Table:      ch.Table,
				RowID:      ch.RowID,
				Op:         ch.Op,
				RowJSON:    ch.RowJSON,
				RowVersion: ch.RowVersion,
			})
		}
		views = append(views, CommitView{
			CommitSeq: c.CommitSeq,
			ActorID:   c.ActorID,
			ClientID:  c.ClientID,
			CreatedAt: c.CreatedAt,
			Changes:   changeViews,
		})
		if c.CommitSeq > nextCursor {
			nextCursor = c.CommitSeq
		}
	}

	if nextCursor != sub.Cursor {
		go p.updateCursorAsync(partitionID, clientID, actorID, nextCursor, sub.Scopes)
	}

	return SubscriptionResult{ID: sub.ID, Status: "active", NextCursor: nextCursor, Commits: views}, keys, nil
}

// buildSnapshotChunk serialises rows as a framed JSON array, gzips
// them, and content-hashes the compressed body.
func (p *Planner) buildSnapshotChunk(partitionID string, rows []json.RawMessage) (storage.SnapshotChunk, error) {
	if rows == nil {
		rows = []json.RawMessage{}
	}
	framed, err := json.Marshal(rows)
	if err != nil {
		return storage.SnapshotChunk{}, err
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(framed); err != nil {
		return storage.SnapshotChunk{}, err
	}
	if err := gw.Close(); err != nil {
		return storage.SnapshotChunk{}, err
	}
	body := buf.Bytes()
	sum := sha256.Sum256(body)

	return storage.SnapshotChunk{
		ChunkID:     uuid.NewString(),
		PartitionID: partitionID,
		SHA256:      fmt.Sprintf("%x", sum),
		Encoding:    "json",
		Compression: "gzip",
		ByteLength:  len(body),
		Body:        body,
		ExpiresAt:   time.Now().Add(p.SnapshotChunkTTL),
	}, nil
}

func (p *Planner) updateCursorAsync(partitionID, clientID, actorID string, cursor int64, requestedScopes scope.Spec) {
	if actorID == "" {
		return
	}
	effectiveScopes := map[string]any(requestedScopes)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.Storage.UpsertClientCursorAsync(ctx, partitionID, clientID, actorID, cursor, effectiveScopes)
}

// Package gateway implements the Federation Gateway: a stateless
// reverse aggregator that fans a console request out to every
// selected downstream instance, merges their responses, and reports
// partial failure. Outbound calls use a plain *http.Client with a
// fixed timeout.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/syncular/syncular/internal/config"
)

// Error is a coded, HTTP-mappable gateway failure.
type Error struct {
	Code       string
	HTTPStatus int
	Message    string
}

func (e *Error) Error() string { return e.Message }

func newError(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, HTTPStatus: status, Message: fmt.Sprintf(format, args...)}
}

// FailedInstance is one downstream failure, reported alongside a
// partial success or an all-fail 502.
type FailedInstance struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason"`
	Status     int    `json:"status,omitempty"`
}

// Client talks to a single downstream instance's console API.
type Client struct {
	Instance config.Instance
	http     *http.Client
}

// Gateway holds the configured instance set and the HTTP client each
// downstream call reuses.
type Gateway struct {
	Instances []config.Instance
	clients   map[string]*Client
	timeout   time.Duration
}

// New builds a Gateway over cfg.Instances. timeout <= 0 defaults to 10s.
func New(instances []config.Instance, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clients := make(map[string]*Client, len(instances))
	for _, inst := range instances {
		clients[inst.InstanceID] = &Client{Instance: inst, http: &http.Client{Timeout: timeout}}
	}
	return &Gateway{Instances: instances, clients: clients, timeout: timeout}
}

// SelectInstances resolves the instanceId/instanceIds query filter
// into the set of enabled instances to fan out to. An empty filter
// selects every enabled instance.
func (g *Gateway) SelectInstances(instanceID, instanceIDsCSV string) ([]*Client, error) {
	var requested []string
	if instanceID != "" {
		requested = append(requested, instanceID)
	}
	if instanceIDsCSV != "" {
		requested = append(requested, strings.Split(instanceIDsCSV, ",")...)
	}

	var selected []*Client
	if len(requested) == 0 {
		for _, inst := range g.Instances {
			if inst.Enabled {
				selected = append(selected, g.clients[inst.InstanceID])
			}
		}
	} else {
		for _, id := range requested {
			id = strings.TrimSpace(id)
			c, ok := g.clients[id]
			if !ok || !c.Instance.Enabled {
				continue
			}
			selected = append(selected, c)
		}
	}
	if len(selected) == 0 {
		return nil, newError("NO_INSTANCES_SELECTED", http.StatusBadRequest, "no enabled instance matched the request's instance filter")
	}
	return selected, nil
}

// ClientByID looks up the Client for a known instance id, regardless of
// whether that instance is currently enabled.
func (g *Gateway) ClientByID(instanceID string) (*Client, bool) {
	c, ok := g.clients[instanceID]
	return c, ok
}

// knownInstanceIDs returns the configured instance id set, used to
// disambiguate a bare federated id from an instance-prefixed one.
func (g *Gateway) knownInstanceIDs() map[string]struct{} {
	known := make(map[string]struct{}, len(g.Instances))
	for _, inst := range g.Instances {
		known[inst.InstanceID] = struct{}{}
	}
	return known
}

// RequireSingle enforces the single-instance requirement for mutating
// or inherently single-instance endpoints.
func RequireSingle(clients []*Client) (*Client, error) {
	if len(clients) != 1 {
		return nil, newError("INSTANCE_REQUIRED", http.StatusBadRequest, "this endpoint requires exactly one target instance")
	}
	return clients[0], nil
}

// downstreamResponse is one instance's raw JSON reply, or its failure.
type downstreamResponse struct {
	InstanceID string
	Body       json.RawMessage
	Failure    *FailedInstance
}

// FormatFederatedID builds "<instanceId>:<localId>".
func FormatFederatedID(instanceID, localID string) string {
	return instanceID + ":" + localID
}

// ParseFederatedID splits a federated id into its instance and local
// components. If idOrLocal has no ":" it's returned as the local id
// with an empty instance id, leaving the caller to require an
// explicit instanceId= filter.
func ParseFederatedID(idOrLocal string) (instanceID, localID string) {
	if i := strings.Index(idOrLocal, ":"); i >= 0 {
		return idOrLocal[:i], idOrLocal[i+1:]
	}
	return "", idOrLocal
}

// ResolveFederatedID figures out which instance and local id a detail
// lookup refers to, given an optional explicit instanceId= filter and
// the known instance id set (so a bare numeric id isn't mistaken for
// an instance-prefixed one).
func ResolveFederatedID(idOrLocal, explicitInstanceID string, known map[string]struct{}) (instanceID, localID string, err error) {
	instanceID, localID = ParseFederatedID(idOrLocal)
	if instanceID != "" {
		if _, ok := known[instanceID]; !ok {
			return "", "", newError("INVALID_FEDERATED_ID", http.StatusBadRequest, "unrecognised federated id %q", idOrLocal)
		}
		return instanceID, localID, nil
	}
	if explicitInstanceID != "" {
		return explicitInstanceID, localID, nil
	}
	return "", "", newError("AMBIGUOUS_ID", http.StatusBadRequest, "bare id %q requires an explicit instanceId filter", idOrLocal)
}

// Get performs a GET against one instance's console API and decodes
// the JSON body. statusCode is always returned so callers can build a
// FailedInstance on non-2xx.
func (c *Client) Get(ctx context.Context, path string) (statusCode int, body json.RawMessage, err error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST with a JSON-encoded payload.
func (c *Client) Post(ctx context.Context, path string, payload any) (statusCode int, body json.RawMessage, err error) {
	var reader io.Reader
	if payload != nil {
		encoded, merr := json.Marshal(payload)
		if merr != nil {
			return 0, nil, fmt.Errorf("gateway: marshal request body: %w", merr)
		}
		reader = bytes.NewReader(encoded)
	}
	return c.do(ctx, http.MethodPost, path, reader)
}

// Delete performs a DELETE.
func (c *Client) Delete(ctx context.Context, path string) (statusCode int, body json.RawMessage, err error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (int, json.RawMessage, error) {
	url := strings.TrimRight(c.Instance.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway: build request for %s: %w", url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Instance.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Instance.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("gateway: read response from %s: %w", url, err)
	}
	return resp.StatusCode, raw, nil
}

// FanOut calls fn concurrently across clients and collects each
// instance's raw body or failure reason.
func FanOut(ctx context.Context, clients []*Client, fn func(ctx context.Context, c *Client) (int, json.RawMessage, error)) []downstreamResponse {
	results := make([]downstreamResponse, len(clients))
	done := make(chan struct{}, len(clients))
	for i, c := range clients {
		go func(i int, c *Client) {
			defer func() { done <- struct{}{} }()
			status, body, err := fn(ctx, c)
			if err != nil {
				results[i] = downstreamResponse{InstanceID: c.Instance.InstanceID, Failure: &FailedInstance{InstanceID: c.Instance.InstanceID, Reason: err.Error()}}
				return
			}
			if status < 200 || status >= 300 {
				results[i] = downstreamResponse{InstanceID: c.Instance.InstanceID, Failure: &FailedInstance{InstanceID: c.Instance.InstanceID, Reason: fmt.Sprintf("HTTP %d", status), Status: status}}
				return
			}
			results[i] = downstreamResponse{InstanceID: c.Instance.InstanceID, Body: body}
		}(i, c)
	}
	for range clients {
		<-done
	}
	return results
}

// Split separates FanOut's results into successful bodies keyed by
// instance id and the failure list, preserving input order for bodies.
func Split(results []downstreamResponse) (bodies map[string]json.RawMessage, order []string, failed []FailedInstance) {
	bodies = make(map[string]json.RawMessage, len(results))
	for _, r := range results {
		if r.Failure != nil {
			failed = append(failed, *r.Failure)
			continue
		}
		bodies[r.InstanceID] = r.Body
		order = append(order, r.InstanceID)
	}
	return bodies, order, failed
}

// PartialEnvelope wraps a merged payload with the federation failure
// contract: 200+partial:true on partial success, 502 on total failure.
type PartialEnvelope struct {
	Partial         bool              `json:"partial,omitempty"`
	FailedInstances []FailedInstance `json:"failedInstances,omitempty"`
}

// Outcome computes the HTTP status for a merge given how many
// instances succeeded.
func Outcome(succeeded, total int) (status int, partial bool, err error) {
	switch {
	case succeeded == 0 && total > 0:
		return http.StatusBadGateway, false, newError("DOWNSTREAM_UNAVAILABLE", http.StatusBadGateway, "all %d instance(s) failed", total)
	case succeeded < total:
		return http.StatusOK, true, nil
	default:
		return http.StatusOK, false, nil
	}
}

// Timestamped is the item interface the pagination merge sorts by.
type Timestamped interface {
	Timestamp() time.Time
	InstanceID() string
	LocalID() string
}

// MergeSorted stable-sorts items from every instance by
// (timestamp desc, instanceId asc, localId desc) — the federation's
// monotone merge order — then slices [offset, offset+limit).
func MergeSorted[T Timestamped](items []T, offset, limit int) []T {
	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Timestamp().Equal(b.Timestamp()) {
			return a.Timestamp().After(b.Timestamp())
		}
		if a.InstanceID() != b.InstanceID() {
			return a.InstanceID() < b.InstanceID()
		}
		return a.LocalID() > b.LocalID()
	})
	if offset >= len(sorted) {
		return nil
	}
	end := offset + limit
	if end > len(sorted) || limit <= 0 {
		end = len(sorted)
	}
	return sorted[offset:end]
}

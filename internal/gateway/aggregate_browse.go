package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/storage"
)

// fetchPageLimit is the page size used when paging a downstream
// console list endpoint; fetchMaxPages bounds the worst-case tail
// latency of a deep pagination request.
const (
	fetchPageLimit = 500
	fetchMaxPages  = 100
)

// pageParams parses the ubiquitous offset/limit query params.
func pageParams(c echo.Context, defaultLimit, maxLimit int) (offset, limit int) {
	offset, _ = strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return offset, limit
}

// fetchUpTo pages a downstream list endpoint until it has yielded at
// least need items, is exhausted, or fetchMaxPages is reached.
func fetchUpTo[T any](ctx context.Context, c *Client, path string, need int, decode func(json.RawMessage) ([]T, int, error)) ([]T, int, error) {
	var items []T
	total := 0
	offset := 0
	for page := 0; page < fetchMaxPages; page++ {
		status, body, err := c.Get(ctx, fmt.Sprintf("%s?offset=%d&limit=%d", path, offset, fetchPageLimit))
		if err != nil {
			return nil, 0, err
		}
		if status < 200 || status >= 300 {
			return nil, 0, fmt.Errorf("HTTP %d", status)
		}
		pageItems, pageTotal, err := decode(body)
		if err != nil {
			return nil, 0, err
		}
		total = pageTotal
		items = append(items, pageItems...)
		offset += len(pageItems)
		if len(pageItems) == 0 || len(items) >= need || offset >= total {
			break
		}
	}
	return items, total, nil
}

// ===== Commits =====

type commitPage struct {
	Commits []storage.Commit `json:"commits"`
	Total   int              `json:"total"`
}

type federatedCommit struct {
	storage.Commit
	InstanceIDValue   string `json:"instanceId"`
	FederatedCommitID string `json:"federatedCommitId"`
	LocalCommitSeq    int64  `json:"localCommitSeq"`
}

func (f federatedCommit) InstanceID() string { return f.InstanceIDValue }
func (f federatedCommit) LocalID() string    { return strconv.FormatInt(f.LocalCommitSeq, 10) }

func (s *Server) handleListCommits(c echo.Context) error {
	offset, limit := pageParams(c, 50, 500)
	clients, err := s.selectInstances(c)
	if err != nil {
		return gatewayError(c, err)
	}

	var all []federatedCommit
	var failed []FailedInstance
	succeeded := 0
	grandTotal := 0
	for _, cl := range clients {
		items, total, ferr := fetchUpTo(c.Request().Context(), cl, "/console/commits", offset+limit, func(body json.RawMessage) ([]storage.Commit, int, error) {
			var page commitPage
			if err := json.Unmarshal(body, &page); err != nil {
				return nil, 0, err
			}
			return page.Commits, page.Total, nil
		})
		if ferr != nil {
			failed = append(failed, FailedInstance{InstanceID: cl.Instance.InstanceID, Reason: ferr.Error()})
			continue
		}
		succeeded++
		grandTotal += total
		for _, commit := range items {
			all = append(all, federatedCommit{
				Commit:            commit,
				InstanceIDValue:   cl.Instance.InstanceID,
				FederatedCommitID: FormatFederatedID(cl.Instance.InstanceID, strconv.FormatInt(commit.CommitSeq, 10)),
				LocalCommitSeq:    commit.CommitSeq,
			})
		}
	}

	status, partial, outErr := Outcome(succeeded, len(clients))
	if outErr != nil {
		return errorJSON(c, status, "DOWNSTREAM_UNAVAILABLE", outErr.Error())
	}
	page := MergeSorted(all, offset, limit)
	return c.JSON(status, map[string]any{"commits": page, "total": grandTotal, "partial": partial, "failedInstances": failed})
}

func (s *Server) handleGetCommit(c echo.Context) error {
	known := s.Gateway.knownInstanceIDs()
	instanceID, localID, err := ResolveFederatedID(c.Param("seq"), c.QueryParam("instanceId"), known)
	if err != nil {
		if gerr, ok := err.(*Error); ok && gerr.Code == "AMBIGUOUS_ID" {
			gerr.Code = "AMBIGUOUS_COMMIT_ID"
		}
		return gatewayError(c, err)
	}
	client, ok := s.Gateway.ClientByID(instanceID)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "unknown instance "+instanceID)
	}
	status, body, err := client.Get(c.Request().Context(), "/console/commits/"+localID)
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, "DOWNSTREAM_UNAVAILABLE", err.Error())
	}
	return c.JSONBlob(status, augmentJSON(body, map[string]any{"instanceId": instanceID}))
}

// ===== Clients =====

type clientPage struct {
	Clients []storage.ClientCursor `json:"clients"`
	Total   int                    `json:"total"`
}

type federatedClient struct {
	storage.ClientCursor
	InstanceIDValue string `json:"instanceId"`
}

func (f federatedClient) Timestamp() time.Time { return f.UpdatedAt }
func (f federatedClient) InstanceID() string   { return f.InstanceIDValue }
func (f federatedClient) LocalID() string      { return f.ClientID }

func (s *Server) handleListClients(c echo.Context) error {
	offset, limit := pageParams(c, 50, 500)
	clients, err := s.selectInstances(c)
	if err != nil {
		return gatewayError(c, err)
	}

	var all []federatedClient
	var failed []FailedInstance
	succeeded := 0
	grandTotal := 0
	for _, cl := range clients {
		items, total, ferr := fetchUpTo(c.Request().Context(), cl, "/console/clients", offset+limit, func(body json.RawMessage) ([]storage.ClientCursor, int, error) {
			var page clientPage
			if err := json.Unmarshal(body, &page); err != nil {
				return nil, 0, err
			}
			return page.Clients, page.Total, nil
		})
		if ferr != nil {
			failed = append(failed, FailedInstance{InstanceID: cl.Instance.InstanceID, Reason: ferr.Error()})
			continue
		}
		succeeded++
		grandTotal += total
		for _, cursor := range items {
			all = append(all, federatedClient{ClientCursor: cursor, InstanceIDValue: cl.Instance.InstanceID})
		}
	}

	status, partial, outErr := Outcome(succeeded, len(clients))
	if outErr != nil {
		return errorJSON(c, status, "DOWNSTREAM_UNAVAILABLE", outErr.Error())
	}
	page := MergeSorted(all, offset, limit)
	return c.JSON(status, map[string]any{"clients": page, "total": grandTotal, "partial": partial, "failedInstances": failed})
}

// ===== Operations =====

type operationPage struct {
	Operations []storage.OperationAuditEvent `json:"operations"`
	Total      int                           `json:"total"`
}

type federatedOperation struct {
	storage.OperationAuditEvent
	InstanceIDValue      string `json:"instanceId"`
	FederatedOperationID string `json:"federatedOperationId"`
	LocalOperationID     string `json:"localOperationId"`
}

func (f federatedOperation) InstanceID() string { return f.InstanceIDValue }
func (f federatedOperation) LocalID() string    { return f.LocalOperationID }

func (s *Server) handleListOperations(c echo.Context) error {
	offset, limit := pageParams(c, 50, 500)
	clients, err := s.selectInstances(c)
	if err != nil {
		return gatewayError(c, err)
	}

	var all []federatedOperation
	var failed []FailedInstance
	succeeded := 0
	grandTotal := 0
	for _, cl := range clients {
		items, total, ferr := fetchUpTo(c.Request().Context(), cl, "/console/operations", offset+limit, func(body json.RawMessage) ([]storage.OperationAuditEvent, int, error) {
			var page operationPage
			if err := json.Unmarshal(body, &page); err != nil {
				return nil, 0, err
			}
			return page.Operations, page.Total, nil
		})
		if ferr != nil {
			failed = append(failed, FailedInstance{InstanceID: cl.Instance.InstanceID, Reason: ferr.Error()})
			continue
		}
		succeeded++
		grandTotal += total
		for _, op := range items {
			all = append(all, federatedOperation{
				OperationAuditEvent:  op,
				InstanceIDValue:      cl.Instance.InstanceID,
				FederatedOperationID: FormatFederatedID(cl.Instance.InstanceID, op.OperationID),
				LocalOperationID:     op.OperationID,
			})
		}
	}

	status, partial, outErr := Outcome(succeeded, len(clients))
	if outErr != nil {
		return errorJSON(c, status, "DOWNSTREAM_UNAVAILABLE", outErr.Error())
	}
	page := MergeSorted(all, offset, limit)
	return c.JSON(status, map[string]any{"operations": page, "total": grandTotal, "partial": partial, "failedInstances": failed})
}

// ===== Events =====

type eventPage struct {
	Events []storage.RequestEvent `json:"events"`
	Total  int                    `json:"total"`
}

type federatedEvent struct {
	storage.RequestEvent
	InstanceIDValue  string `json:"instanceId"`
	FederatedEventID string `json:"federatedEventId"`
	LocalEventID     string `json:"localEventId"`
}

func (f federatedEvent) InstanceID() string { return f.InstanceIDValue }
func (f federatedEvent) LocalID() string    { return f.LocalEventID }

func (s *Server) handleListEvents(c echo.Context) error {
	offset, limit := pageParams(c, 50, 500)
	clients, err := s.selectInstances(c)
	if err != nil {
		return gatewayError(c, err)
	}

	var all []federatedEvent
	var failed []FailedInstance
	succeeded := 0
	grandTotal := 0
	for _, cl := range clients {
		items, total, ferr := fetchUpTo(c.Request().Context(), cl, "/console/events", offset+limit, func(body json.RawMessage) ([]storage.RequestEvent, int, error) {
			var page eventPage
			if err := json.Unmarshal(body, &page); err != nil {
				return nil, 0, err
			}
			return page.Events, page.Total, nil
		})
		if ferr != nil {
			failed = append(failed, FailedInstance{InstanceID: cl.Instance.InstanceID, Reason: ferr.Error()})
			continue
		}
		succeeded++
		grandTotal += total
		for _, ev := range items {
			all = append(all, federatedEvent{
				RequestEvent:     ev,
				InstanceIDValue:  cl.Instance.InstanceID,
				FederatedEventID: FormatFederatedID(cl.Instance.InstanceID, ev.EventID),
				LocalEventID:     ev.EventID,
			})
		}
	}

	status, partial, outErr := Outcome(succeeded, len(clients))
	if outErr != nil {
		return errorJSON(c, status, "DOWNSTREAM_UNAVAILABLE", outErr.Error())
	}
	page := MergeSorted(all, offset, limit)
	return c.JSON(status, map[string]any{"events": page, "total": grandTotal, "partial": partial, "failedInstances": failed})
}

func (s *Server) handleGetEvent(c echo.Context) error {
	known := s.Gateway.knownInstanceIDs()
	instanceID, localID, err := ResolveFederatedID(c.Param("id"), c.QueryParam("instanceId"), known)
	if err != nil {
		if gerr, ok := err.(*Error); ok && gerr.Code == "AMBIGUOUS_ID" {
			gerr.Code = "AMBIGUOUS_EVENT_ID"
		}
		return gatewayError(c, err)
	}
	client, ok := s.Gateway.ClientByID(instanceID)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "unknown instance "+instanceID)
	}
	status, body, err := client.Get(c.Request().Context(), "/console/events/"+localID)
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, "DOWNSTREAM_UNAVAILABLE", err.Error())
	}
	return c.JSONBlob(status, augmentJSON(body, map[string]any{"instanceId": instanceID}))
}

func (s *Server) handleGetEventPayload(c echo.Context) error {
	known := s.Gateway.knownInstanceIDs()
	instanceID, localID, err := ResolveFederatedID(c.Param("id"), c.QueryParam("instanceId"), known)
	if err != nil {
		if gerr, ok := err.(*Error); ok && gerr.Code == "AMBIGUOUS_ID" {
			gerr.Code = "AMBIGUOUS_EVENT_ID"
		}
		return gatewayError(c, err)
	}
	client, ok := s.Gateway.ClientByID(instanceID)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "unknown instance "+instanceID)
	}
	status, body, err := client.Get(c.Request().Context(), "/console/events/"+localID+"/payload")
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, "DOWNSTREAM_UNAVAILABLE", err.Error())
	}
	return c.JSONBlob(status, augmentJSON(body, map[string]any{"instanceId": instanceID}))
}

// ===== Timeline =====

type timelineItemDTO struct {
	Kind      string          `json:"kind"`
	LocalID   string          `json:"localId"`
	Timestamp time.Time       `json:"timestamp"`
	Detail    json.RawMessage `json:"detail"`
}

type timelinePage struct {
	Items []timelineItemDTO `json:"items"`
	Total int               `json:"total"`
}

type federatedTimelineItem struct {
	Kind            string          `json:"kind"`
	LocalIDValue    string          `json:"localId"`
	TimestampValue  time.Time       `json:"timestamp"`
	Detail          json.RawMessage `json:"detail"`
	InstanceIDValue string          `json:"instanceId"`
	FederatedID     string          `json:"federatedId"`
}

func (f federatedTimelineItem) Timestamp() time.Time { return f.TimestampValue }
func (f federatedTimelineItem) InstanceID() string   { return f.InstanceIDValue }
func (f federatedTimelineItem) LocalID() string      { return f.LocalIDValue }

func (s *Server) handleTimeline(c echo.Context) error {
	offset, limit := pageParams(c, 50, 200)
	clients, err := s.selectInstances(c)
	if err != nil {
		return gatewayError(c, err)
	}

	var all []federatedTimelineItem
	var failed []FailedInstance
	succeeded := 0
	grandTotal := 0
	for _, cl := range clients {
		items, total, ferr := fetchUpTo(c.Request().Context(), cl, "/console/timeline", offset+limit, func(body json.RawMessage) ([]timelineItemDTO, int, error) {
			var page timelinePage
			if err := json.Unmarshal(body, &page); err != nil {
				return nil, 0, err
			}
			return page.Items, page.Total, nil
		})
		if ferr != nil {
			failed = append(failed, FailedInstance{InstanceID: cl.Instance.InstanceID, Reason: ferr.Error()})
			continue
		}
		succeeded++
		grandTotal += total
		for _, item := range items {
			all = append(all, federatedTimelineItem{
				Kind:            item.Kind,
				LocalIDValue:    item.LocalID,
				TimestampValue:  item.Timestamp,
				Detail:          item.Detail,
				InstanceIDValue: cl.Instance.InstanceID,
				FederatedID:     FormatFederatedID(cl.Instance.InstanceID, item.LocalID),
			})
		}
	}

	status, partial, outErr := Outcome(succeeded, len(clients))
	if outErr != nil {
		return errorJSON(c, status, "DOWNSTREAM_UNAVAILABLE", outErr.Error())
	}
	page := MergeSorted(all, offset, limit)
	return c.JSON(status, map[string]any{"items": page, "total": grandTotal, "partial": partial, "failedInstances": failed})
}

// ===== API keys =====

type apiKeyListResponse struct {
	APIKeys []storage.APIKey `json:"apiKeys"`
}

type federatedAPIKey struct {
	storage.APIKey
	InstanceIDValue string `json:"instanceId"`
	FederatedKeyID  string `json:"federatedKeyId"`
}

func (f federatedAPIKey) Timestamp() time.Time { return f.CreatedAt }
func (f federatedAPIKey) InstanceID() string   { return f.InstanceIDValue }
func (f federatedAPIKey) LocalID() string      { return f.KeyID }

// handleListAPIKeys is unpaginated upstream (console never paged this
// list); the gateway fetches the whole set from every instance once
// and merges.
func (s *Server) handleListAPIKeys(c echo.Context) error {
	clients, err := s.selectInstances(c)
	if err != nil {
		return gatewayError(c, err)
	}
	results := FanOut(c.Request().Context(), clients, func(ctx context.Context, cl *Client) (int, json.RawMessage, error) {
		return cl.Get(ctx, "/console/api-keys")
	})
	bodies, order, failed := Split(results)

	var all []federatedAPIKey
	for _, instanceID := range order {
		var resp apiKeyListResponse
		if err := json.Unmarshal(bodies[instanceID], &resp); err != nil {
			failed = append(failed, FailedInstance{InstanceID: instanceID, Reason: "invalid api key response"})
			continue
		}
		for _, key := range resp.APIKeys {
			all = append(all, federatedAPIKey{APIKey: key, InstanceIDValue: instanceID, FederatedKeyID: FormatFederatedID(instanceID, key.KeyID)})
		}
	}

	status, partial, outErr := Outcome(len(order), len(clients))
	if outErr != nil {
		return errorJSON(c, status, "DOWNSTREAM_UNAVAILABLE", outErr.Error())
	}
	sorted := MergeSorted(all, 0, len(all))
	return c.JSON(status, map[string]any{"apiKeys": sorted, "partial": partial, "failedInstances": failed})
}

func (s *Server) handleGetAPIKey(c echo.Context) error {
	known := s.Gateway.knownInstanceIDs()
	instanceID, localID, err := ResolveFederatedID(c.Param("id"), c.QueryParam("instanceId"), known)
	if err != nil {
		return gatewayError(c, err)
	}
	client, ok := s.Gateway.ClientByID(instanceID)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "unknown instance "+instanceID)
	}
	status, body, err := client.Get(c.Request().Context(), "/console/api-keys/"+localID)
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, "DOWNSTREAM_UNAVAILABLE", err.Error())
	}
	return c.JSONBlob(status, augmentJSON(body, map[string]any{"instanceId": instanceID}))
}

// augmentJSON inserts extra top-level keys into a JSON object body,
// returning the body unchanged if it doesn't decode as an object.
func augmentJSON(body json.RawMessage, extra map[string]any) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return body
	}
	for k, v := range extra {
		m[k] = v
	}
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

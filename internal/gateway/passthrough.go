package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// proxyGet forwards a GET to the single selected downstream instance
// and relays its status and body verbatim.
func (s *Server) proxyGet(c echo.Context, path string) error {
	client, err := s.singleInstance(c)
	if err != nil {
		return gatewayError(c, err)
	}
	status, body, err := client.Get(c.Request().Context(), path)
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, "DOWNSTREAM_UNAVAILABLE", err.Error())
	}
	return c.JSONBlob(status, body)
}

// proxyPost forwards the caller's JSON body via POST to the single
// selected downstream instance and relays its status and body verbatim.
func (s *Server) proxyPost(c echo.Context, path string) error {
	client, err := s.singleInstance(c)
	if err != nil {
		return gatewayError(c, err)
	}
	var payload json.RawMessage
	if c.Request().Body != nil {
		raw, rerr := io.ReadAll(io.LimitReader(c.Request().Body, 4<<20))
		if rerr != nil {
			return errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "failed to read request body")
		}
		if len(raw) > 0 {
			payload = json.RawMessage(raw)
		}
	}
	status, body, err := client.Post(c.Request().Context(), path, payload)
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, "DOWNSTREAM_UNAVAILABLE", err.Error())
	}
	return c.JSONBlob(status, body)
}

// proxyDelete forwards a DELETE to the single selected downstream
// instance and relays its status and body (which is typically empty).
func (s *Server) proxyDelete(c echo.Context, path string) error {
	client, err := s.singleInstance(c)
	if err != nil {
		return gatewayError(c, err)
	}
	status, body, err := client.Delete(c.Request().Context(), path)
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, "DOWNSTREAM_UNAVAILABLE", err.Error())
	}
	if len(body) == 0 {
		return c.NoContent(status)
	}
	return c.JSONBlob(status, body)
}

func (s *Server) handleListHandlers(c echo.Context) error { return s.proxyGet(c, "/console/handlers") }

func (s *Server) handlePrune(c echo.Context) error { return s.proxyPost(c, "/console/prune") }

func (s *Server) handlePrunePreview(c echo.Context) error {
	return s.proxyPost(c, "/console/prune/preview")
}

func (s *Server) handleCompact(c echo.Context) error { return s.proxyPost(c, "/console/compact") }

func (s *Server) handleNotifyDataChange(c echo.Context) error {
	return s.proxyPost(c, "/console/notify-data-change")
}

func (s *Server) handleEventsPrune(c echo.Context) error {
	return s.proxyPost(c, "/console/events/prune")
}

func (s *Server) handleDeleteClient(c echo.Context) error {
	return s.proxyDelete(c, "/console/clients/"+c.Param("id"))
}

func (s *Server) handleDeleteAllEvents(c echo.Context) error {
	return s.proxyDelete(c, "/console/events")
}

func (s *Server) handleCreateAPIKey(c echo.Context) error {
	return s.proxyPost(c, "/console/api-keys")
}

func (s *Server) handleRotateAPIKey(c echo.Context) error {
	return s.proxyPost(c, "/console/api-keys/"+c.Param("id")+"/rotate")
}

func (s *Server) handleStageAPIKeyRotation(c echo.Context) error {
	return s.proxyPost(c, "/console/api-keys/"+c.Param("id")+"/rotate/stage")
}

func (s *Server) handleBulkRevokeAPIKeys(c echo.Context) error {
	return s.proxyPost(c, "/console/api-keys/bulk-revoke")
}

func (s *Server) handleRevokeAPIKey(c echo.Context) error {
	return s.proxyDelete(c, "/console/api-keys/"+c.Param("id"))
}

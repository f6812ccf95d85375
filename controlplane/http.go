package controlplane

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/graphrag"
	"github.com/nucleus-metadata/ingestiond/ingest"
)

// APIKeyAuth validates a static API key from the X-API-Key header,
// generalized from api.APIKeyAuth to this module's error response
// shape (a JSON body, not echo's default plaintext).
func APIKeyAuth(validKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-API-Key")
			if key == "" || key != validKey {
				return c.JSON(http.StatusUnauthorized, ActionResult{OK: false, Message: "invalid or missing API key"})
			}
			return next(c)
		}
	}
}

// RegisterRoutes wires every control-plane and GraphRAG verb onto e.
// The control plane is operator-only and always sits behind the static
// API key. The GraphRAG surface is tenant-facing: when tenantJWT is
// non-nil, it sits behind per-tenant bearer tokens instead, and every
// request's tenantId is cross-checked against the token's subject
// (rejectsTenantMismatch); a nil tenantJWT falls back to the same
// API key, for single-tenant or internal deployments.
func RegisterRoutes(e *echo.Echo, h *Handlers, rag *graphrag.Service, apiKey string, tenantJWT *TenantJWT) {
	group := e.Group("/v1/control-plane", APIKeyAuth(apiKey))
	group.GET("/endpoints", h.handleListEndpoints)
	group.GET("/endpoints/:endpointId/units", h.handleListUnitsWithStatus)
	group.POST("/endpoints/:endpointId/units/:unitId/start", h.handleStartIngestion)
	group.POST("/endpoints/:endpointId/units/:unitId/pause", h.handlePauseIngestion)
	group.POST("/endpoints/:endpointId/units/:unitId/reset-checkpoint", h.handleResetIngestionCheckpoint)
	group.PUT("/endpoints/:endpointId/units/:unitId/config", h.handleConfigureIngestionUnit)

	if tenantJWT != nil {
		group.POST("/auth/tenant-token", handleIssueTenantToken(tenantJWT))
	}

	ragAuth := APIKeyAuth(apiKey)
	if tenantJWT != nil {
		ragAuth = tenantJWT.TenantJWTAuth()
	}
	ragGroup := e.Group("/v1/graphrag", ragAuth)
	ragGroup.POST("/context", handleBuildContext(rag))
	ragGroup.POST("/expand", handleExpandGraph(rag))
	ragGroup.POST("/communities", handleGetEntityCommunities(rag))
	ragGroup.POST("/answer", handleGenerateAnswer(rag))
}

// rejectsTenantMismatch checks an authenticated tenant id (if any, set
// by TenantJWTAuth) against the tenant id a request body claims, so a
// valid token for one tenant can never act on another's data even if
// the caller lies in the request body.
func rejectsTenantMismatch(c echo.Context, requestTenantID string) error {
	if authenticated := tenantIDFromContext(c); authenticated != "" && authenticated != requestTenantID {
		return c.JSON(http.StatusForbidden, ActionResult{OK: false, Message: "token tenant does not match request tenantId"})
	}
	return nil
}

type issueTenantTokenRequest struct {
	TenantID   string `json:"tenantId"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type issueTenantTokenResponse struct {
	Token string `json:"token"`
}

func handleIssueTenantToken(tenantJWT *TenantJWT) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req issueTenantTokenRequest
		if err := c.Bind(&req); err != nil || req.TenantID == "" {
			return c.JSON(http.StatusBadRequest, ActionResult{OK: false, Message: "tenantId is required"})
		}
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = time.Hour
		}
		token, err := tenantJWT.IssueToken(req.TenantID, ttl)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ActionResult{OK: false, Message: err.Error()})
		}
		return c.JSON(http.StatusOK, issueTenantTokenResponse{Token: token})
	}
}

func httpStatusFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.InvalidInput:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.PermissionDenied:
		return http.StatusForbidden
	case apperr.TenantMismatch:
		return http.StatusForbidden
	case apperr.AlreadyExists, apperr.Conflict:
		return http.StatusConflict
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.UpstreamUnavailable, apperr.RetriableTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) handleListEndpoints(c echo.Context) error {
	first, _ := strconv.Atoi(c.QueryParam("first"))
	endpoints, err := h.ListEndpoints(c.Request().Context(), c.QueryParam("projectSlug"), c.QueryParam("search"), first)
	if err != nil {
		return c.JSON(httpStatusFor(err), ActionResult{OK: false, Message: err.Error()})
	}
	return c.JSON(http.StatusOK, endpoints)
}

func (h *Handlers) handleListUnitsWithStatus(c echo.Context) error {
	units, err := h.ListUnitsWithStatus(c.Request().Context(), c.Param("endpointId"))
	if err != nil {
		return c.JSON(httpStatusFor(err), ActionResult{OK: false, Message: err.Error()})
	}
	return c.JSON(http.StatusOK, units)
}

func (h *Handlers) handleStartIngestion(c echo.Context) error {
	result := h.StartIngestion(c.Request().Context(), c.Param("endpointId"), c.Param("unitId"))
	return c.JSON(http.StatusOK, result)
}

func (h *Handlers) handlePauseIngestion(c echo.Context) error {
	result := h.PauseIngestion(c.Request().Context(), c.Param("endpointId"), c.Param("unitId"))
	return c.JSON(http.StatusOK, result)
}

func (h *Handlers) handleResetIngestionCheckpoint(c echo.Context) error {
	result := h.ResetIngestionCheckpoint(c.Request().Context(), c.Param("endpointId"), c.Param("unitId"))
	return c.JSON(http.StatusOK, result)
}

func (h *Handlers) handleConfigureIngestionUnit(c echo.Context) error {
	var cfg ingest.ConfigureInput
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, ActionResult{OK: false, Message: "malformed request body"})
	}
	result := h.ConfigureIngestionUnit(c.Request().Context(), ConfigureIngestionUnitInput{
		EndpointID: c.Param("endpointId"),
		UnitID:     c.Param("unitId"),
		Config:     cfg,
	})
	return c.JSON(http.StatusOK, result)
}

func handleBuildContext(rag *graphrag.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req graphrag.BuildContextRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ActionResult{OK: false, Message: "malformed request body"})
		}
		if err := rejectsTenantMismatch(c, req.TenantID); err != nil {
			return err
		}
		resp, err := rag.BuildContext(c.Request().Context(), req)
		if err != nil {
			return c.JSON(httpStatusFor(err), ActionResult{OK: false, Message: err.Error()})
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func handleExpandGraph(rag *graphrag.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req graphrag.ExpandGraphRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ActionResult{OK: false, Message: "malformed request body"})
		}
		if err := rejectsTenantMismatch(c, req.TenantID); err != nil {
			return err
		}
		resp, err := rag.ExpandGraph(c.Request().Context(), req)
		if err != nil {
			return c.JSON(httpStatusFor(err), ActionResult{OK: false, Message: err.Error()})
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func handleGetEntityCommunities(rag *graphrag.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req graphrag.GetEntityCommunitiesRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ActionResult{OK: false, Message: "malformed request body"})
		}
		if err := rejectsTenantMismatch(c, req.TenantID); err != nil {
			return err
		}
		resp, err := rag.GetEntityCommunities(c.Request().Context(), req)
		if err != nil {
			return c.JSON(httpStatusFor(err), ActionResult{OK: false, Message: err.Error()})
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func handleGenerateAnswer(rag *graphrag.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req graphrag.GenerateAnswerRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ActionResult{OK: false, Message: "malformed request body"})
		}
		if err := rejectsTenantMismatch(c, req.TenantID); err != nil {
			return err
		}
		resp, err := rag.GenerateAnswer(c.Request().Context(), req)
		if err != nil {
			return c.JSON(httpStatusFor(err), ActionResult{OK: false, Message: err.Error()})
		}
		return c.JSON(http.StatusOK, resp)
	}
}

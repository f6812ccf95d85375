package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-metadata/ingestiond/graphexpand"
	"github.com/nucleus-metadata/ingestiond/graphrag"
	"github.com/nucleus-metadata/ingestiond/ragcontext"
)

func TestAPIKeyAuthRejectsMissingOrWrongKey(t *testing.T) {
	e := echo.New()
	e.GET("/protected", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, APIKeyAuth("secret"))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req2.Header.Set("X-API-Key", "wrong")
	rec2 := httptest.NewRecorder()
	e.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestAPIKeyAuthAllowsCorrectKey(t *testing.T) {
	e := echo.New()
	e.GET("/protected", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, APIKeyAuth("secret"))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakeContextBuilder struct{}

func (fakeContextBuilder) Build(ctx context.Context, req ragcontext.Request) (*ragcontext.Context, error) {
	return &ragcontext.Context{TenantID: req.TenantID}, nil
}

type fakeExpander struct{}

func (fakeExpander) Expand(ctx context.Context, in graphexpand.Input) (*graphexpand.Result, error) {
	return &graphexpand.Result{}, nil
}

func TestBuildContextRouteReturnsContext(t *testing.T) {
	rag := graphrag.New(fakeContextBuilder{}, fakeExpander{}, nil, nil)
	e := echo.New()
	e.POST("/v1/graphrag/context", handleBuildContext(rag))

	body := `{"tenantId":"tenant-a","query":"alpha"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/graphrag/context", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tenant-a")
}

func TestBuildContextRouteRejectsMissingTenant(t *testing.T) {
	rag := graphrag.New(fakeContextBuilder{}, fakeExpander{}, nil, nil)
	e := echo.New()
	e.POST("/v1/graphrag/context", handleBuildContext(rag))

	body := `{"query":"alpha"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/graphrag/context", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":false`)
}

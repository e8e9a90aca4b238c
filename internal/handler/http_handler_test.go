package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/cdc-search-bridge/internal/bridge"
	"github.com/weiawesome/cdc-search-bridge/internal/config"
)

func setupRouter() (*gin.Engine, *bridge.Bridge) {
	gin.SetMode(gin.TestMode)
	b := bridge.New(nil, nil, nil, config.BridgeConfig{}, nil)
	r := gin.New()
	NewHandler(b).RegisterRoutes(r)
	return r, b
}

func TestHealth(t *testing.T) {
	r, _ := setupRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "starting", body["state"])
}

func TestStats(t *testing.T) {
	r, b := setupRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var snap bridge.StatsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, b.Stats().Snapshot(), snap)
	assert.Zero(t, snap.Created)
	assert.Zero(t, snap.ParseErrors)
}

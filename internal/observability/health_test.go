package observability_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulmacher/krupton-sub002/internal/observability"
)

func TestHealthChecker_ReadyOnceEveryComponentIsReady(t *testing.T) {
	h := observability.NewHealthChecker()
	assert.False(t, h.IsReady(), "nothing tracked yet")

	h.Track("trades/ws")
	h.Track("trades/rest")
	assert.Equal(t, []string{"trades/rest", "trades/ws"}, h.Pending())

	h.SetReady("trades/ws", true)
	assert.False(t, h.IsReady())
	h.SetReady("trades/rest", true)
	assert.True(t, h.IsReady())

	h.Track("trades/ws")
	assert.True(t, h.IsReady(), "re-tracking keeps the reported state")

	h.SetReady("trades/ws", false)
	assert.Equal(t, map[string]bool{"trades/ws": false, "trades/rest": true}, h.Components())
}

func TestHealthChecker_ReadinessHandler(t *testing.T) {
	h := observability.NewHealthChecker()
	h.Track("a")

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status  string   `json:"status"`
		Pending []string `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, []string{"a"}, body.Pending)

	h.SetReady("a", true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

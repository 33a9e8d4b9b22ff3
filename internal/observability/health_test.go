package observability_test

import (
	"P2PDesk/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readiness(t *testing.T, h *observability.HealthChecker) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestLiveness_AlwaysOK(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alive"`)
}

func TestReadiness_FollowsFlagAndChecks(t *testing.T) {
	h := observability.NewHealthChecker()

	code, body := readiness(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body["status"])

	h.SetReady(true)
	code, body = readiness(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	h.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	h.AddCheck("nats", func(context.Context) error { return nil })
	code, body = readiness(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, []any{"postgres"}, body["failing"])
}

func TestSetReady_NotifiesOnlyOnChange(t *testing.T) {
	h := observability.NewHealthChecker()
	var seen []bool
	h.OnChange(func(ready bool) { seen = append(seen, ready) })

	h.SetReady(true)
	h.SetReady(true)
	h.SetReady(false)

	assert.Equal(t, []bool{true, false}, seen)
	assert.False(t, h.IsReady())
}

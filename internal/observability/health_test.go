package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func healthz(t *testing.T, h *HealthChecker) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	return rec.Code, rec.Body.String()
}

func TestHealthz_FollowsConditions(t *testing.T) {
	h := NewHealthChecker(zap.NewNop())

	code, body := healthz(t, h)
	assert.Equal(t, http.StatusOK, code, "no conditions registered means ready")
	assert.Equal(t, "OK", body)

	h.SetCondition("bus", false)
	h.SetCondition("link", true)
	code, body = healthz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "NOT_READY: bus", body, "failing conditions are named")

	h.SetCondition("bus", true)
	code, _ = healthz(t, h)
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthz_ShutdownDrains(t *testing.T) {
	h := NewHealthChecker(zap.NewNop())
	h.SetCondition("bus", true)

	require.NoError(t, h.Shutdown(context.Background()))

	code, body := healthz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "draining")
}

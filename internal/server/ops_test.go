package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestOpsHealthAndStats(t *testing.T) {
	r := NewOpsRouter(&fakeBackend{}, nil)

	w := do(t, r, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	var health struct {
		Status string               `json:"status"`
		Health apptype.HealthResult `json:"health"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"sql"}, health.Health.Shadows)

	w = do(t, r, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cache_hits":2`)
}

func TestOpsBacklog(t *testing.T) {
	b := &fakeBackend{}
	r := NewOpsRouter(b, nil)

	w := do(t, r, http.MethodGet, "/backlog?persist=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	var m apptype.BacklogMetrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, 7, m.TotalUnconsolidated)
	assert.True(t, b.persisted)
}

func TestOpsSync(t *testing.T) {
	b := &fakeBackend{}
	r := NewOpsRouter(b, nil)

	w := do(t, r, http.MethodPost, "/sync?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"incremental"}, b.syncModes)
	assert.Equal(t, []int{10}, b.syncLimits)

	w = do(t, r, http.MethodGet, "/sync/dry-run", "")
	require.Equal(t, http.StatusOK, w.Code)
	var res apptype.SyncResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotNil(t, res.DryRun)
	assert.Equal(t, 3, res.DryRun.PendingEvents)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/sync?mode=sideways", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/sync?limit=-1", "").Code)

	b.noShadow = true
	assert.Equal(t, http.StatusServiceUnavailable, do(t, r, http.MethodPost, "/sync", "").Code)
}

func TestOpsConsolidate(t *testing.T) {
	b := &fakeBackend{}
	r := NewOpsRouter(b, nil)

	w := do(t, r, http.MethodPost, "/consolidate", `{"interviewId":"int-9","entities":{"kpi":[{"attributes":{"name":"Cycle time"}}]}}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res apptype.ConsolidateEntitiesResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Entities["kpi"], 1)
	assert.Equal(t, "Cycle time", res.Entities["kpi"][0].Name())

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/consolidate", `{"entities":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/consolidate", `not json`).Code)

	w = do(t, r, http.MethodGet, "/patterns", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"patterns":[]}`, w.Body.String())
}

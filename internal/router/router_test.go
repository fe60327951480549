package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamawrapper/gateway/internal/cache"
	"github.com/llamawrapper/gateway/internal/config"
	"github.com/llamawrapper/gateway/internal/manager"
	"github.com/llamawrapper/gateway/internal/registry"
)

// testManager builds a Manager against a minimal valid config without
// spawning any real backend, mirroring internal/manager/manager_test.go's
// helper of the same shape.
func testManager(t *testing.T) *manager.Manager {
	t.Helper()
	cfg := &config.Config{
		GPU:   config.GPUConfig{ReservedBufferMB: 2048},
		Proxy: config.ProxyConfig{BasePort: 30000, PortRangeSize: 16, IdleTimeoutSeconds: 600, AdmissionWaitSeconds: 5},
		Models: map[string]config.ModelDeclaration{
			"model-a": {ModelID: "model-a", BackendPath: "/bin/true", MemoryOverrideMB: 1000},
		},
	}
	return manager.New(cfg)
}

func markRunning(m *manager.Manager, modelID string, port int) {
	m.Registry().Lock()
	rec := m.Registry().GetOrCreate(modelID)
	rec.Mu.Lock()
	rec.State = registry.StateRunning
	rec.Port = port
	rec.LastUsedAt = time.Now()
	rec.Mu.Unlock()
	m.Registry().Unlock()
}

func TestHandleListModels_ReportsUnloadedDeclaredModelAsStopped(t *testing.T) {
	m := testManager(t)
	rt := New(m, cache.New(10, 60))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	rt.handleListModels(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []modelView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "model-a", body.Data[0].ModelID)
	assert.Equal(t, registry.StateStopped.String(), body.Data[0].Status)
}

func TestHandleModelDetail_UnknownModelIs404(t *testing.T) {
	m := testManager(t)
	rt := New(m, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models/ghost", nil)
	req.SetPathValue("id", "ghost")
	w := httptest.NewRecorder()
	rt.handleModelDetail(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleModelDetail_RunningModelReportsPort(t *testing.T) {
	m := testManager(t)
	markRunning(m, "model-a", 30005)
	rt := New(m, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models/model-a", nil)
	req.SetPathValue("id", "model-a")
	w := httptest.NewRecorder()
	rt.handleModelDetail(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var view modelView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, 30005, view.Port)
	assert.Equal(t, registry.StateRunning.String(), view.Status)
}

func TestHandleLive_AlwaysOK(t *testing.T) {
	rt := New(testManager(t), nil)
	w := httptest.NewRecorder()
	rt.handleLive(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleReady_OKWhenManagerPresent(t *testing.T) {
	rt := New(testManager(t), nil)
	w := httptest.NewRecorder()
	rt.handleReady(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleAdminUnload_RejectsBusyModelWithoutForce(t *testing.T) {
	m := testManager(t)
	markRunning(m, "model-a", 30005)
	m.Registry().Lock()
	rec := m.Registry().GetOrCreate("model-a")
	rec.Mu.Lock()
	rec.ActiveRequests = 1
	rec.Mu.Unlock()
	m.Registry().Unlock()

	rt := New(m, nil)
	req := httptest.NewRequest(http.MethodPost, "/admin/models/model-a/unload", nil)
	req.SetPathValue("id", "model-a")
	w := httptest.NewRecorder()
	rt.handleAdminUnload(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleAdminUnload_ForceQueryParamOverridesBusyCheck(t *testing.T) {
	m := testManager(t)
	markRunning(m, "model-a", 30005)
	m.Registry().Lock()
	rec := m.Registry().GetOrCreate("model-a")
	rec.Mu.Lock()
	rec.ActiveRequests = 1
	rec.Mu.Unlock()
	m.Registry().Unlock()

	rt := New(m, nil)
	req := httptest.NewRequest(http.MethodPost, "/admin/models/model-a/unload?force=true", nil)
	req.SetPathValue("id", "model-a")
	w := httptest.NewRecorder()
	rt.handleAdminUnload(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleProxy_UnknownModelTranslatesToNotFound(t *testing.T) {
	rt := New(testManager(t), nil)
	body := `{"model":"not-declared","messages":[]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	rt.handleProxy("/v1/chat/completions")(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var errBody openAIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errBody))
	assert.Equal(t, "model_not_found", errBody.Error.Code)
}

func TestHandleProxy_MissingModelFieldIsBadRequest(t *testing.T) {
	rt := New(testManager(t), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	w := httptest.NewRecorder()
	rt.handleProxy("/v1/chat/completions")(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleProxy_MalformedJSONIsBadRequest(t *testing.T) {
	rt := New(testManager(t), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{not json`))
	w := httptest.NewRecorder()
	rt.handleProxy("/v1/chat/completions")(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleProxy_CacheHitServesWithoutAcquiringModel(t *testing.T) {
	c := cache.New(10, 60)
	body := `{"model":"model-a","temperature":0,"messages":[]}`
	key, ok := cache.CacheKey([]byte(body))
	require.True(t, ok)
	c.Set("model-a", key, []byte(`{"id":"cached"}`))

	rt := New(testManager(t), c)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	rt.handleProxy("/v1/chat/completions")(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"id":"cached"}`, w.Body.String())
}

func TestWriteManagerError_CapacityExhaustedSetsRetryAfterAndDiagnostics(t *testing.T) {
	err := &manager.Error{Kind: manager.KindCapacityExhausted, RequiredMB: 8000, FreeMB: 2000, Candidates: []string{"model-b"}}
	w := httptest.NewRecorder()
	writeManagerError(w, "model-a", "/v1/chat/completions", err)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))

	var diag capacityDiagnostic
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &diag))
	assert.Equal(t, float64(8000), diag.RequiredMB)
	assert.Equal(t, float64(2000), diag.FreeMB)
	assert.Equal(t, []string{"model-b"}, diag.EvictionTried)
}

func TestTranslate_CoversEveryErrorKind(t *testing.T) {
	kinds := []manager.Kind{
		manager.KindUnknownModel, manager.KindModelBusy, manager.KindCapacityExhausted,
		manager.KindStartupTimeout, manager.KindBackendCrash, manager.KindUpstreamFailure,
		manager.KindInvalidRequest, manager.KindUnauthorized,
	}
	seen := map[int]bool{}
	for _, k := range kinds {
		status, _, _ := translate(&manager.Error{Kind: k})
		assert.NotZero(t, status)
		seen[status] = true
	}
	assert.Greater(t, len(seen), 1, "distinct error kinds should not collapse onto a single status code")
}


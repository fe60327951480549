// Package router implements the Request Router (C7): the OpenAI-compatible
// HTTP surface described in spec section 6, wired to the Model Manager for
// admission and to net/http/httputil.ReverseProxy for the upstream call.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"github.com/llamawrapper/gateway/internal/cache"
	"github.com/llamawrapper/gateway/internal/config"
	"github.com/llamawrapper/gateway/internal/manager"
	"github.com/llamawrapper/gateway/internal/middleware"
	"github.com/llamawrapper/gateway/internal/obsmetrics"
	"github.com/llamawrapper/gateway/internal/registry"
)

const (
	maxBodyBytes   = 10 << 20 // 10MB, matching the teacher's limit
	requestTimeout = 180 * time.Second
)

// Router owns the manager and response cache and builds the mux.
type Router struct {
	mgr   *manager.Manager
	cache *cache.ResponseCache
}

func New(mgr *manager.Manager, respCache *cache.ResponseCache) *Router {
	return &Router{mgr: mgr, cache: respCache}
}

// Routes builds the full HTTP surface of spec section 6.
func (rt *Router) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", rt.handleProxy("/v1/chat/completions"))
	mux.HandleFunc("POST /v1/completions", rt.handleProxy("/v1/completions"))
	mux.HandleFunc("POST /v1/embeddings", rt.handleProxy("/v1/embeddings"))

	mux.HandleFunc("GET /v1/models", rt.handleListModels)
	mux.HandleFunc("GET /v1/models/{id}", rt.handleModelDetail)

	mux.HandleFunc("GET /health", rt.handleHealth)
	mux.HandleFunc("GET /health/ready", rt.handleReady)
	mux.HandleFunc("GET /health/live", rt.handleLive)

	mux.HandleFunc("POST /admin/models/{id}/load", rt.handleAdminLoad)
	mux.HandleFunc("POST /admin/models/{id}/unload", rt.handleAdminUnload)

	return mux
}

// handleProxy is shared by the three OpenAI-compatible generation
// endpoints: parse model, acquire, reverse-proxy to the backend, release.
func (rt *Router) handleProxy(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		_ = r.Body.Close()
		if err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "read_error", "failed reading request body")
			return
		}
		if len(body) > maxBodyBytes {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "payload_too_large", "request body exceeds the 10MB limit")
			return
		}

		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "malformed_json", "request body is not valid JSON")
			return
		}
		modelName, _ := parsed["model"].(string)
		if modelName == "" {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "missing_model", `request body is missing the "model" field`)
			return
		}
		middleware.SetModelID(r.Context(), modelName)

		cacheKey, cacheable := "", false
		if rt.cache != nil {
			if k, ok := cache.CacheKey(body); ok {
				cacheKey, cacheable = k, true
				if hit, ok := rt.cache.Get(modelName, cacheKey); ok {
					obsmetrics.RequestsTotal.WithLabelValues(modelName, endpoint, "200").Inc()
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Cache", "HIT")
					_, _ = w.Write(hit)
					return
				}
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		ref, aerr := rt.mgr.Acquire(ctx, modelName)
		if aerr != nil {
			writeManagerError(w, modelName, endpoint, aerr)
			return
		}
		defer rt.mgr.Release(ref)

		proxyReq := r.Clone(ctx)
		proxyReq.Body = io.NopCloser(bytes.NewReader(body))
		proxyReq.ContentLength = int64(len(body))

		var target http.ResponseWriter = w
		var captured *capturingWriter
		if cacheable {
			captured = &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			target = captured
		}

		crashed := false
		proxy := rt.newProxy(ref.Port, modelName, &crashed)
		status := http.StatusOK
		modifyResponse := proxy.ModifyResponse
		proxy.ModifyResponse = func(resp *http.Response) error {
			err := modifyResponse(resp)
			status = resp.StatusCode
			return err
		}
		proxy.ServeHTTP(target, proxyReq)

		if captured != nil {
			status = captured.status
			if !crashed && status == http.StatusOK {
				rt.cache.Set(modelName, cacheKey, captured.buf.Bytes())
			}
		}
		if !crashed {
			obsmetrics.RequestsTotal.WithLabelValues(modelName, endpoint, strconv.Itoa(status)).Inc()
		}
		obsmetrics.RequestLatencySeconds.WithLabelValues(modelName, endpoint).Observe(time.Since(start).Seconds())
	}
}

// newProxy builds a ReverseProxy targeting the backend's assigned port.
// FlushInterval is set to stream responses immediately (SSE/chunked
// passthrough); ModifyResponse downgrades an upstream 5xx to our own 502 per
// spec section 7; ErrorHandler treats a genuine dial/connection failure as a
// backend crash, quarantining the record before answering 502. A client
// aborting a streaming generation cancels proxyReq's context and surfaces
// here too (RoundTrip fails with context.Canceled); that is the scoped-guard
// release path, not a crash, so it must not tear down a healthy backend.
func (rt *Router) newProxy(port int, modelID string, crashed *bool) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		FlushInterval: -1,
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = fmt.Sprintf("127.0.0.1:%d", port)
			req.Host = req.URL.Host
			stripHopByHop(req.Header)
		},
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode >= 500 {
				resp.StatusCode = http.StatusBadGateway
				resp.Status = http.StatusText(http.StatusBadGateway)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			if errors.Is(err, context.Canceled) || req.Context().Err() != nil {
				return
			}
			*crashed = true
			rt.mgr.ReportUpstreamFailure(modelID, err)
			obsmetrics.RequestsTotal.WithLabelValues(modelID, req.URL.Path, "502").Inc()
			writeOpenAIError(w, http.StatusBadGateway, "server_error", "upstream_failure", fmt.Sprintf("upstream connection failure: %v", err))
		},
	}
}

var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Transfer-Encoding",
	"Te", "Trailer", "Upgrade", "Proxy-Authenticate", "Proxy-Authorization",
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

// capturingWriter buffers the response body (for caching) while still
// writing it straight through to the real client.
type capturingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *capturingWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *capturingWriter) Write(b []byte) (int, error) {
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *capturingWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// --- /v1/models ---

type modelView struct {
	ModelID        string  `json:"model_id"`
	Status         string  `json:"status"`
	Port           int     `json:"port,omitempty"`
	ActiveRequests int     `json:"active_requests"`
	TotalRequests  int64   `json:"total_requests"`
	EstimatedMB    float64 `json:"estimated_memory_mb"`
	IdleSeconds    float64 `json:"idle_seconds,omitempty"`
	LastUsedAt     string  `json:"last_used_at,omitempty"`
	LastError      string  `json:"last_error,omitempty"`
}

func viewFor(modelID string, decl config.ModelDeclaration, snap registry.Snapshot, found bool) modelView {
	if !found {
		return modelView{ModelID: modelID, Status: registry.StateStopped.String(), EstimatedMB: decl.MemoryOverrideMB}
	}
	v := modelView{
		ModelID:        modelID,
		Status:         snap.State.String(),
		ActiveRequests: snap.ActiveRequests,
		TotalRequests:  snap.TotalRequests,
		EstimatedMB:    snap.EstimatedMemoryMB,
		LastError:      snap.LastError,
	}
	if snap.State == registry.StateRunning {
		v.Port = snap.Port
		v.IdleSeconds = snap.IdleSeconds()
		v.LastUsedAt = snap.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func (rt *Router) handleListModels(w http.ResponseWriter, r *http.Request) {
	decls := rt.mgr.Declarations()
	views := make([]modelView, 0, len(decls))
	for id, decl := range decls {
		snap, ok := rt.mgr.Registry().SnapshotOf(id)
		views = append(views, viewFor(id, decl, snap, ok))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": views})
}

func (rt *Router) handleModelDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	decl, ok := rt.mgr.Declaration(id)
	if !ok {
		writeOpenAIError(w, http.StatusNotFound, "invalid_request_error", "model_not_found", fmt.Sprintf("no declaration for model %q", id))
		return
	}
	snap, found := rt.mgr.Registry().SnapshotOf(decl.ModelID)
	writeJSON(w, http.StatusOK, viewFor(decl.ModelID, decl, snap, found))
}

// --- health ---

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	gpuSnap, gpuErr := rt.mgr.Oracle().Snapshot()
	decls := rt.mgr.Declarations()
	views := make([]modelView, 0, len(decls))
	for id, decl := range decls {
		snap, ok := rt.mgr.Registry().SnapshotOf(id)
		views = append(views, viewFor(id, decl, snap, ok))
	}

	body := map[string]any{
		"status": "ok",
		"models": views,
	}
	if gpuErr != nil {
		body["status"] = "degraded"
		body["gpu_error"] = gpuErr.Error()
	} else {
		body["gpu"] = map[string]any{
			"device_name":     gpuSnap.DeviceName,
			"total_mb":        gpuSnap.TotalMB,
			"used_mb":         gpuSnap.UsedMB,
			"free_mb":         gpuSnap.FreeMB,
			"usable_mb":       gpuSnap.UsableMB(),
			"temperature_c":   gpuSnap.TemperatureC,
			"utilization_pct": gpuSnap.UtilizationPct,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (rt *Router) handleReady(w http.ResponseWriter, r *http.Request) {
	if rt.mgr == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (rt *Router) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alive": true})
}

// --- admin ---

func (rt *Router) handleAdminLoad(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := rt.mgr.Preload(ctx, id); err != nil {
		writeManagerError(w, id, "/admin/models/load", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_id": id, "status": "loaded"})
}

func (rt *Router) handleAdminUnload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"
	var err *manager.Error
	if force {
		err = rt.mgr.Unload(id, true)
	} else {
		err = rt.mgr.Evict(id)
	}
	if err != nil {
		writeManagerError(w, id, "/admin/models/unload", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_id": id, "status": "unloaded"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

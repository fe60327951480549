// Package obsmetrics declares the gateway's Prometheus instrumentation:
// GPU gauges, per-model gauges, request/lifecycle counters, and a request
// latency histogram, all registered at package-init time via promauto the
// way the rest of the pack instruments services.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gateway"

var (
	// GPUTotalMB, GPUUsedMB, GPUFreeMB, GPUReservedMB track the live GPU
	// snapshot as reported by internal/gpuoracle.
	GPUTotalMB = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gpu_total_mb",
		Help:      "Total GPU memory in MB as last reported by the GPU oracle.",
	})
	GPUUsedMB = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gpu_used_mb",
		Help:      "Used GPU memory in MB as last reported by the GPU oracle.",
	})
	GPUFreeMB = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gpu_free_mb",
		Help:      "Free GPU memory in MB as last reported by the GPU oracle.",
	})
	GPUReservedMB = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gpu_reserved_buffer_mb",
		Help:      "Configured GPU reserved buffer in MB.",
	})

	// ModelState is a per-model gauge: 0 Stopped, 1 Starting, 2 Running,
	// 3 Stopping, 4 Error, matching registry.State's ordinal.
	ModelState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_state",
		Help:      "Current lifecycle state of a declared model (0=Stopped,1=Starting,2=Running,3=Stopping,4=Error).",
	}, []string{"model"})

	// ModelActiveRequests tracks the live reference count per model.
	ModelActiveRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_active_requests",
		Help:      "Current in-flight request count for a resident model.",
	}, []string{"model"})

	// ModelEstimatedMemoryMB tracks the admission estimate for a resident
	// model.
	ModelEstimatedMemoryMB = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_estimated_memory_mb",
		Help:      "Estimated memory footprint in MB for a resident model.",
	}, []string{"model"})

	// RequestsTotal counts requests answered on the proxy endpoints by
	// model, endpoint, and resulting HTTP status code.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total proxied requests by model, endpoint, and status.",
	}, []string{"model", "endpoint", "status"})

	// RequestLatencySeconds is the end-to-end latency of a proxied
	// request, by model and endpoint.
	RequestLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_latency_seconds",
		Help:      "Proxied request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"model", "endpoint"})

	// ModelLoadsTotal, ModelUnloadsTotal, ModelEvictionsTotal,
	// StartupTimeoutsTotal, BackendCrashesTotal are the lifecycle event
	// counters spec section 6 asks the /metrics surface to expose.
	ModelLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_loads_total",
		Help:      "Total successful model loads.",
	}, []string{"model"})
	ModelUnloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_unloads_total",
		Help:      "Total model unloads, by reason.",
	}, []string{"model", "reason"})
	ModelEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_evictions_total",
		Help:      "Total models evicted to make room for another load.",
	}, []string{"model"})
	StartupTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_startup_timeouts_total",
		Help:      "Total backend startup timeouts.",
	}, []string{"model"})
	BackendCrashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_crashes_total",
		Help:      "Total backend process crashes detected after readiness.",
	}, []string{"model"})
	CapacityExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capacity_exhausted_total",
		Help:      "Total admission attempts that failed with CapacityExhausted.",
	}, []string{"model"})

	// CacheHitsTotal, CacheMissesTotal track the deterministic response
	// cache's hit rate per model, so a model with a poor cache hit rate
	// shows up without cross-referencing request logs.
	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "response_cache_hits_total",
		Help:      "Total deterministic-response cache hits by model.",
	}, []string{"model"})
	CacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "response_cache_misses_total",
		Help:      "Total deterministic-response cache lookups that missed, by model.",
	}, []string{"model"})
)

// SetModelState records a model's lifecycle state as a gauge value so it
// can be graphed/alerted on directly.
func SetModelState(model string, state int) {
	ModelState.WithLabelValues(model).Set(float64(state))
}

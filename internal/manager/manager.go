// Package manager implements the Model Manager (C6), the orchestrator
// tying together the GPU oracle, port allocator, backend supervisor,
// model registry, and admission planner into the per-model state machine
// described in spec section 4.6. It owns the only places state
// transitions happen; the supervisor and registry are never mutated
// directly by callers outside this package.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/llamawrapper/gateway/internal/config"
	"github.com/llamawrapper/gateway/internal/gpuoracle"
	"github.com/llamawrapper/gateway/internal/obsmetrics"
	"github.com/llamawrapper/gateway/internal/planner"
	"github.com/llamawrapper/gateway/internal/portalloc"
	"github.com/llamawrapper/gateway/internal/registry"
	"github.com/llamawrapper/gateway/internal/supervisor"
)

// LiveRef is what Acquire hands back: enough to reach the backend, plus
// what Release needs to drop the reference.
type LiveRef struct {
	ModelID string
	Port    int
}

// Manager is the Model Manager (C6).
type Manager struct {
	cfg        *config.Config
	registry   *registry.Registry
	portAlloc  *portalloc.Allocator
	supervisor *supervisor.Supervisor
	oracle     *gpuoracle.Oracle

	idleCheckInterval time.Duration
	idleTimeout       time.Duration
	admissionWait     time.Duration
}

func New(cfg *config.Config) *Manager {
	idleCheckInterval := time.Duration(cfg.Proxy.IdleTimeoutSeconds) * time.Second / 4
	if idleCheckInterval <= 0 || idleCheckInterval > 30*time.Second {
		idleCheckInterval = 15 * time.Second
	}
	admissionWait := time.Duration(cfg.Proxy.AdmissionWaitSeconds) * time.Second
	if admissionWait <= 0 {
		admissionWait = 30 * time.Second
	}
	return &Manager{
		cfg:               cfg,
		registry:          registry.New(),
		portAlloc:         portalloc.New(cfg.Proxy.BasePort, cfg.Proxy.PortRangeSize),
		supervisor:        supervisor.New(cfg.Proxy),
		oracle:            gpuoracle.New(cfg.GPU),
		idleCheckInterval: idleCheckInterval,
		idleTimeout:       time.Duration(cfg.Proxy.IdleTimeoutSeconds) * time.Second,
		admissionWait:     admissionWait,
	}
}

// Registry exposes the underlying registry for read-only surfaces
// (router's /v1/models, /health, admin status) that only need snapshots.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Oracle exposes the GPU oracle for the router's /health aggregate view.
func (m *Manager) Oracle() *gpuoracle.Oracle { return m.oracle }

// Declarations returns every configured model declaration, keyed by
// model_id, for the router's /v1/models listing.
func (m *Manager) Declarations() map[string]config.ModelDeclaration {
	return m.cfg.Models
}

// Declaration looks up a model's static declaration by id or alias.
func (m *Manager) Declaration(modelID string) (config.ModelDeclaration, bool) {
	if decl, ok := m.cfg.Models[modelID]; ok {
		return decl, true
	}
	if canonical := m.cfg.ResolveAlias(modelID); canonical != "" {
		return m.cfg.Models[canonical], true
	}
	return config.ModelDeclaration{}, false
}

// Acquire implements the eight-step contract of spec section 4.6: makes
// modelID Running and returns a live reference including its port,
// spawning and admitting it (evicting idle models if necessary) if it
// isn't already resident.
func (m *Manager) Acquire(ctx context.Context, modelID string) (*LiveRef, *Error) {
	decl, ok := m.Declaration(modelID)
	if !ok {
		return nil, newErr(KindUnknownModel, "no declaration for model %q", modelID)
	}
	modelID = decl.ModelID

	deadline := time.Now().Add(m.admissionWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	evictionRoundsUsed := false

	for {
		m.registry.Lock()
		rec := m.registry.GetOrCreate(modelID)
		rec.Mu.Lock()

		switch rec.State {
		case registry.StateRunning:
			rec.ActiveRequests++
			rec.TotalRequests++
			rec.LastUsedAt = time.Now()
			port := rec.Port
			active := rec.ActiveRequests
			rec.Mu.Unlock()
			m.registry.Unlock()
			obsmetrics.ModelActiveRequests.WithLabelValues(modelID).Set(float64(active))
			return &LiveRef{ModelID: modelID, Port: port}, nil

		case registry.StateStarting, registry.StateStopping:
			m.registry.Unlock()
			waitForSettle(rec, deadline)
			rec.Mu.Unlock()
			if time.Now().After(deadline) {
				return nil, newErr(KindCapacityExhausted, "timed out waiting for %s to finish %s", modelID, rec.State)
			}
			continue

		default: // Stopped or Error: begin admission, still holding global+per-record.
			gpuSnap, err := m.oracle.Snapshot()
			if err != nil {
				rec.Mu.Unlock()
				m.registry.Unlock()
				obsmetrics.CapacityExhaustedTotal.WithLabelValues(modelID).Inc()
				return nil, wrapErr(KindCapacityExhausted, err, "gpu capacity unknown, refusing admission for %s", modelID)
			}

			snapshots := m.registry.SnapshotsLockedSkipping(rec)
			decision := planner.Plan(decl, snapshots, gpuSnap)
			freeMB := gpuSnap.UsableMB()
			for _, s := range snapshots {
				if s.ModelID != modelID && (s.State == registry.StateStarting || s.State == registry.StateRunning || s.State == registry.StateStopping) {
					freeMB -= s.EstimatedMemoryMB
				}
			}

			switch decision.Kind {
			case planner.KindProceedDirect:
				port, perr := m.portAlloc.Allocate()
				if perr != nil {
					rec.Mu.Unlock()
					m.registry.Unlock()
					return nil, wrapErr(KindCapacityExhausted, perr, "no free port for %s", modelID)
				}
				rec.State = registry.StateStarting
				rec.Port = port
				rec.LoadEpoch++
				rec.EstimatedMemoryMB = gpuoracle.Estimate(decl)
				rec.LastError = ""
				rec.CreatedAt = time.Now()
				epoch := rec.LoadEpoch
				obsmetrics.SetModelState(modelID, int(registry.StateStarting))
				m.registry.Unlock() // global released; per-record kept (step 7)

				ref, startErr := m.startAndFinish(ctx, rec, decl, epoch)
				return ref, startErr

			case planner.KindEvictThenProceed:
				if evictionRoundsUsed {
					// already retried once; give up.
					rec.Mu.Unlock()
					m.registry.Unlock()
					obsmetrics.CapacityExhaustedTotal.WithLabelValues(modelID).Inc()
					return nil, &Error{
						Kind:       KindCapacityExhausted,
						Detail:     fmt.Sprintf("insufficient GPU memory for %s after eviction retry", modelID),
						RequiredMB: gpuoracle.Estimate(decl),
						FreeMB:     freeMB,
						Candidates: decision.EvictIDs,
					}
				}
				evictIDs := decision.EvictIDs
				rec.Mu.Unlock()
				m.registry.Unlock()
				for _, id := range evictIDs {
					if ok, _ := m.unloadInternal(id, false); ok {
						obsmetrics.ModelEvictionsTotal.WithLabelValues(id).Inc()
					}
				}
				evictionRoundsUsed = true
				continue

			default: // Infeasible
				rec.Mu.Unlock()
				m.registry.Unlock()
				obsmetrics.CapacityExhaustedTotal.WithLabelValues(modelID).Inc()
				return nil, &Error{
					Kind:       KindCapacityExhausted,
					Detail:     fmt.Sprintf("insufficient GPU memory for %s (short by %.0f MB)", modelID, decision.ShortfallMB),
					RequiredMB: gpuoracle.Estimate(decl),
					FreeMB:     freeMB,
					Candidates: decision.EvictIDs,
				}
			}
		}
	}
}

// startAndFinish is called immediately after the global lock is released
// but while rec.Mu (per-record lock) is still held, per step 7: invoke the
// supervisor, and on success transition to Running, start the idle
// watcher, and record the first reference; on failure transition to Error
// and release the port.
func (m *Manager) startAndFinish(ctx context.Context, rec *registry.Record, decl config.ModelDeclaration, epoch int64) (*LiveRef, *Error) {
	port := rec.Port
	rec.Mu.Unlock() // release per-record lock across the blocking spawn/readiness I/O

	handle, err := m.supervisor.Start(context.Background(), decl, port, m.onBackendCrash)

	rec.Mu.Lock()
	if rec.LoadEpoch != epoch {
		// A concurrent unload/reload raced us (shouldn't happen under the
		// lock discipline above, but guards against a stray double-start).
		rec.Mu.Unlock()
		if handle != nil {
			m.supervisor.Stop(handle)
		}
		return nil, newErr(KindStartupTimeout, "load epoch changed for %s during startup", decl.ModelID)
	}

	if err != nil {
		rec.State = registry.StateError
		rec.LastError = err.Error()
		m.portAlloc.Release(rec.Port)
		rec.Port = 0
		rec.Cond.Broadcast()
		rec.Mu.Unlock()
		obsmetrics.SetModelState(decl.ModelID, int(registry.StateError))
		obsmetrics.StartupTimeoutsTotal.WithLabelValues(decl.ModelID).Inc()
		return nil, wrapErr(KindStartupTimeout, err, "backend for %s failed to start", decl.ModelID)
	}

	rec.State = registry.StateRunning
	rec.ProcessHandle = handle
	rec.ActiveRequests = 1
	rec.TotalRequests++
	rec.LastUsedAt = time.Now()
	cancel := m.startIdleWatcher(decl.ModelID)
	rec.IdleWatcherCancel = cancel
	rec.Cond.Broadcast()
	rec.Mu.Unlock()

	obsmetrics.SetModelState(decl.ModelID, int(registry.StateRunning))
	obsmetrics.ModelLoadsTotal.WithLabelValues(decl.ModelID).Inc()
	obsmetrics.ModelEstimatedMemoryMB.WithLabelValues(decl.ModelID).Set(rec.EstimatedMemoryMB)
	obsmetrics.ModelActiveRequests.WithLabelValues(decl.ModelID).Set(1)

	return &LiveRef{ModelID: decl.ModelID, Port: port}, nil
}

// Release decrements the reference count and refreshes last-used time.
// Never blocks.
func (m *Manager) Release(ref *LiveRef) {
	m.registry.Lock()
	rec, ok := m.registry.Get(ref.ModelID)
	m.registry.Unlock()
	if !ok {
		return
	}
	rec.Mu.Lock()
	if rec.ActiveRequests > 0 {
		rec.ActiveRequests--
	}
	rec.LastUsedAt = time.Now()
	active := rec.ActiveRequests
	rec.Mu.Unlock()
	obsmetrics.ModelActiveRequests.WithLabelValues(ref.ModelID).Set(float64(active))
}

// Unload transitions modelID Running -> Stopping -> Stopped, rejecting
// with ModelBusy if requests are active and force is false. Idempotent
// with respect to an already-stopped or absent record.
func (m *Manager) Unload(modelID string, force bool) *Error {
	ok, err := m.unloadInternal(modelID, force)
	if !ok {
		return err
	}
	return nil
}

// unloadInternal does the real work behind Unload, idle eviction, and
// crash-triggered cleanup paths. Returns (true, nil) on success or
// no-op-idempotent cases, (false, *Error) on a rejected unload.
func (m *Manager) unloadInternal(modelID string, force bool) (bool, *Error) {
	for {
		m.registry.Lock()
		rec, exists := m.registry.Get(modelID)
		if !exists {
			m.registry.Unlock()
			return true, nil // idempotent on non-existent
		}
		rec.Mu.Lock()
		m.registry.Unlock()

		switch rec.State {
		case registry.StateStopped:
			rec.Mu.Unlock()
			return true, nil

		case registry.StateStarting, registry.StateStopping:
			waitForSettle(rec, time.Now().Add(30*time.Second))
			rec.Mu.Unlock()
			continue

		case registry.StateRunning:
			if rec.ActiveRequests > 0 && !force {
				active := rec.ActiveRequests
				rec.Mu.Unlock()
				return false, newErr(KindModelBusy, "model %s has %d active requests", modelID, active)
			}
			rec.State = registry.StateStopping
			rec.Cond.Broadcast()

		case registry.StateError:
			// fall through to teardown below with no live process in the
			// common case (the supervisor already reported the crash).
		}

		if rec.IdleWatcherCancel != nil {
			rec.IdleWatcherCancel()
			rec.IdleWatcherCancel = nil
		}
		handle, _ := rec.ProcessHandle.(*supervisor.Handle)
		port := rec.Port
		rec.Mu.Unlock()

		if handle != nil {
			m.supervisor.Stop(handle) // suspension point, outside any lock
		}
		if port != 0 {
			m.portAlloc.Release(port)
		}

		m.registry.Lock()
		rec.Mu.Lock()
		rec.State = registry.StateStopped
		rec.ActiveRequests = 0
		rec.Port = 0
		rec.ProcessHandle = nil
		rec.Cond.Broadcast()
		m.registry.Remove(modelID)
		rec.Mu.Unlock()
		m.registry.Unlock()

		obsmetrics.SetModelState(modelID, int(registry.StateStopped))
		reason := "evicted"
		if force {
			reason = "forced"
		}
		obsmetrics.ModelUnloadsTotal.WithLabelValues(modelID, reason).Inc()
		obsmetrics.ModelActiveRequests.WithLabelValues(modelID).Set(0)
		return true, nil
	}
}

// Preload is Acquire immediately followed by Release: an admin-triggered
// warmup.
func (m *Manager) Preload(ctx context.Context, modelID string) *Error {
	ref, err := m.Acquire(ctx, modelID)
	if err != nil {
		return err
	}
	m.Release(ref)
	return nil
}

// Evict is Unload(force=false): an admin-triggered eviction that fails
// loudly if the model is busy rather than silently skipping it.
func (m *Manager) Evict(modelID string) *Error {
	return m.Unload(modelID, false)
}

// onBackendCrash is the supervisor's crash callback: it moves a Running or
// Starting record to Error without the supervisor ever touching the
// registry directly.
func (m *Manager) onBackendCrash(modelID string, cause error) {
	m.registry.Lock()
	rec, ok := m.registry.Get(modelID)
	m.registry.Unlock()
	if !ok {
		return
	}
	rec.Mu.Lock()
	if rec.State == registry.StateRunning || rec.State == registry.StateStarting {
		rec.State = registry.StateError
		rec.LastError = cause.Error()
		if rec.IdleWatcherCancel != nil {
			rec.IdleWatcherCancel()
			rec.IdleWatcherCancel = nil
		}
		if rec.Port != 0 {
			m.portAlloc.Release(rec.Port)
			rec.Port = 0
		}
		rec.ProcessHandle = nil
		rec.Cond.Broadcast()
		rec.Mu.Unlock()
		obsmetrics.SetModelState(modelID, int(registry.StateError))
		obsmetrics.BackendCrashesTotal.WithLabelValues(modelID).Inc()
		return
	}
	rec.Mu.Unlock()
}

// ReportUpstreamFailure lets the router quarantine a record after a
// post-readiness proxy connection failure (spec section 7's
// "upstream connection failure (post-ready)" case), reusing the same
// transition onBackendCrash applies when the supervisor detects the exit
// itself.
func (m *Manager) ReportUpstreamFailure(modelID string, cause error) {
	m.onBackendCrash(modelID, cause)
}

// startIdleWatcher launches the per-record idle watcher (runs while state
// is Running) and returns its cancel function.
func (m *Manager) startIdleWatcher(modelID string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go m.idleWatcherLoop(ctx, modelID)
	return cancel
}

func (m *Manager) idleWatcherLoop(ctx context.Context, modelID string) {
	if m.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(m.idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, ok := m.registry.SnapshotOf(modelID)
			if !ok || snap.State != registry.StateRunning {
				return
			}
			if snap.ActiveRequests == 0 && time.Since(snap.LastUsedAt) >= m.idleTimeout {
				ok, _ := m.unloadInternal(modelID, false)
				if ok {
					return
				}
				// Busy or transiently blocked: restart the timer by
				// simply continuing the loop (next tick rechecks).
			}
		}
	}
}

// RefreshGPUGauges polls the oracle once and publishes the result to the
// GPU gauges; intended to be called periodically by cmd/gateway.
func (m *Manager) RefreshGPUGauges() {
	snap, err := m.oracle.Snapshot()
	if err != nil {
		return
	}
	obsmetrics.GPUTotalMB.Set(snap.TotalMB)
	obsmetrics.GPUUsedMB.Set(snap.UsedMB)
	obsmetrics.GPUFreeMB.Set(snap.FreeMB)
	obsmetrics.GPUReservedMB.Set(snap.ReservedBufferMB)
}

// waitForSettle blocks the caller (who must already hold rec.Mu) until
// rec's state leaves Starting/Stopping or deadline passes, whichever
// comes first. Returns with rec.Mu held.
func waitForSettle(rec *registry.Record, deadline time.Time) {
	for rec.State == registry.StateStarting || rec.State == registry.StateStopping {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		timer := time.AfterFunc(remaining, func() { rec.Cond.Broadcast() })
		rec.Cond.Wait()
		timer.Stop()
	}
}

// Package planner implements the Admission & Eviction Planner (C5): a pure
// function of (target declaration, registry snapshot, GPU snapshot) that
// decides whether a model can load directly, which idle models must be
// evicted first, or that the load is infeasible. It performs no I/O and
// takes no locks — recomputing it is always safe and cheap, which is why
// the manager reruns it after each round of evictions.
package planner

import (
	"sort"

	"github.com/llamawrapper/gateway/internal/config"
	"github.com/llamawrapper/gateway/internal/gpuoracle"
	"github.com/llamawrapper/gateway/internal/registry"
)

// Decision is the outcome of a planning call. Exactly one of the three
// shapes is meaningful at a time, selected by Kind.
type Decision struct {
	Kind DecisionKind

	// EvictIDs is populated for KindEvictThenProceed: the ordered list of
	// model ids whose unload, if all succeed, yields sufficient free
	// memory for the target. For KindInfeasible it lists every idle
	// candidate that was considered, in eviction order.
	EvictIDs []string

	// ShortfallMB is populated for KindInfeasible: how many MB short the
	// best achievable plan falls, for the router's 503 diagnostic body.
	ShortfallMB float64
}

type DecisionKind int

const (
	KindProceedDirect DecisionKind = iota
	KindEvictThenProceed
	KindInfeasible
)

// countsAgainstBudget reports whether a record state counts against the
// admission invariant (spec section 3, invariant 4): Starting, Running, Stopping.
func countsAgainstBudget(s registry.State) bool {
	switch s {
	case registry.StateStarting, registry.StateRunning, registry.StateStopping:
		return true
	default:
		return false
	}
}

// isEvictionCandidate mirrors the glossary definition: Running with zero
// active requests.
func isEvictionCandidate(s registry.Snapshot) bool {
	return s.State == registry.StateRunning && s.ActiveRequests == 0
}

// Plan decides how to admit decl given the current registry and GPU
// snapshots. The budget is the GPU snapshot's UsableMB(), minus the
// estimates of every other record that counts against it; the function is
// a pure arithmetic decision with no dependency beyond its three inputs.
func Plan(decl config.ModelDeclaration, snapshots []registry.Snapshot, gpu gpuoracle.Snapshot) Decision {
	targetMB := gpuoracle.Estimate(decl)
	usableMB := gpu.UsableMB()

	var committedMB float64
	for _, s := range snapshots {
		if s.ModelID == decl.ModelID {
			// The target's own prior record (if any) is being replaced by
			// this load attempt, not added on top of it.
			continue
		}
		if countsAgainstBudget(s.State) {
			committedMB += s.EstimatedMemoryMB
		}
	}

	freeMB := usableMB - committedMB
	if freeMB >= targetMB {
		return Decision{Kind: KindProceedDirect}
	}

	candidates := make([]registry.Snapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if s.ModelID == decl.ModelID {
			continue
		}
		if isEvictionCandidate(s) {
			candidates = append(candidates, s)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		if a.EstimatedMemoryMB != b.EstimatedMemoryMB {
			return a.EstimatedMemoryMB > b.EstimatedMemoryMB
		}
		return a.ModelID < b.ModelID
	})

	var evictIDs []string
	recovered := freeMB
	for _, c := range candidates {
		if recovered >= targetMB {
			break
		}
		evictIDs = append(evictIDs, c.ModelID)
		recovered += c.EstimatedMemoryMB
	}

	if recovered >= targetMB {
		return Decision{Kind: KindEvictThenProceed, EvictIDs: evictIDs}
	}

	return Decision{Kind: KindInfeasible, EvictIDs: evictIDs, ShortfallMB: targetMB - recovered}
}

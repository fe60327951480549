package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamawrapper/gateway/internal/config"
	"github.com/llamawrapper/gateway/internal/gpuoracle"
	"github.com/llamawrapper/gateway/internal/registry"
)

// declWithOverride builds a minimal declaration whose memory estimate is
// pinned via MemoryOverrideMB, so test arithmetic doesn't depend on
// internal/gpuoracle.Estimate's weight/KV-cache formula.
func declWithOverride(id string, mb float64) config.ModelDeclaration {
	return config.ModelDeclaration{ModelID: id, MemoryOverrideMB: mb}
}

func runningSnapshot(id string, estMB float64, activeRequests int, lastUsed time.Time) registry.Snapshot {
	return registry.Snapshot{
		ModelID:           id,
		State:             registry.StateRunning,
		EstimatedMemoryMB: estMB,
		ActiveRequests:    activeRequests,
		LastUsedAt:        lastUsed,
	}
}

// gpuSnapshot reproduces spec.md's literal end-to-end scenario numbers:
// total 24576MB, reserved 2048MB, usable 22528MB.
func gpuSnapshot() gpuoracle.Snapshot {
	return gpuoracle.Snapshot{TotalMB: 24576, ReservedBufferMB: 2048}
}

func TestPlan_ProceedDirect_WhenEnoughFreeMemory(t *testing.T) {
	// Usable 22528MB, nothing resident, loading an 8000MB model: direct.
	decision := Plan(declWithOverride("model-a", 8000), nil, gpuSnapshot())
	assert.Equal(t, KindProceedDirect, decision.Kind)
	assert.Empty(t, decision.EvictIDs)
}

func TestPlan_ProceedDirect_AccountsForOtherResidentModels(t *testing.T) {
	now := time.Now()
	// A (8000MB) resident; loading B (8000MB) still fits under 22528MB.
	snaps := []registry.Snapshot{runningSnapshot("model-a", 8000, 1, now)}
	decision := Plan(declWithOverride("model-b", 8000), snaps, gpuSnapshot())
	assert.Equal(t, KindProceedDirect, decision.Kind)
}

func TestPlan_EvictThenProceed_WhenIdleModelFreesEnoughRoom(t *testing.T) {
	now := time.Now()
	// A and B resident (8000 each = 16000MB committed); loading C (10000MB)
	// needs eviction since 22528-16000=6528 < 10000. A is idle (Running,
	// 0 active requests, oldest LastUsedAt) and alone covers the shortfall.
	snaps := []registry.Snapshot{
		runningSnapshot("model-a", 8000, 0, now.Add(-10*time.Minute)),
		runningSnapshot("model-b", 8000, 0, now.Add(-1*time.Minute)),
	}
	decision := Plan(declWithOverride("model-c", 10000), snaps, gpuSnapshot())
	require.Equal(t, KindEvictThenProceed, decision.Kind)
	assert.Equal(t, []string{"model-a"}, decision.EvictIDs)
}

func TestPlan_SkipsBusyModelsAsEvictionCandidates(t *testing.T) {
	now := time.Now()
	// A is idle but tiny; B is busy (active requests > 0) and must never be
	// chosen even though unloading it alone would free enough room.
	snaps := []registry.Snapshot{
		runningSnapshot("model-a", 1000, 0, now.Add(-time.Hour)),
		runningSnapshot("model-b", 8000, 3, now.Add(-time.Minute)),
	}
	decision := Plan(declWithOverride("model-c", 20000), snaps, gpuSnapshot())
	assert.Equal(t, KindInfeasible, decision.Kind)
	for _, id := range decision.EvictIDs {
		assert.NotEqual(t, "model-b", id)
	}
}

func TestPlan_Infeasible_WhenNoCombinationOfEvictionsSuffices(t *testing.T) {
	now := time.Now()
	snaps := []registry.Snapshot{runningSnapshot("model-a", 5000, 0, now)}
	// Requesting a model bigger than the entire usable budget: infeasible
	// even after evicting everything evictable.
	decision := Plan(declWithOverride("model-huge", 99999), snaps, gpuSnapshot())
	require.Equal(t, KindInfeasible, decision.Kind)
	assert.Greater(t, decision.ShortfallMB, 0.0)
}

func TestPlan_EvictionOrder_OldestLastUsedFirst(t *testing.T) {
	now := time.Now()
	snaps := []registry.Snapshot{
		runningSnapshot("newer", 8000, 0, now.Add(-1*time.Minute)),
		runningSnapshot("oldest", 8000, 0, now.Add(-1*time.Hour)),
		runningSnapshot("middle", 8000, 0, now.Add(-30*time.Minute)),
	}
	decision := Plan(declWithOverride("target", 10000), snaps, gpuSnapshot())
	require.Equal(t, KindEvictThenProceed, decision.Kind)
	require.NotEmpty(t, decision.EvictIDs)
	assert.Equal(t, "oldest", decision.EvictIDs[0])
}

func TestPlan_EvictionTieBreak_LargestThenLexicographic(t *testing.T) {
	now := time.Now()
	// Same LastUsedAt: tie-break is descending size, then ascending id.
	snaps := []registry.Snapshot{
		runningSnapshot("b-model", 5000, 0, now),
		runningSnapshot("a-model", 9000, 0, now),
		runningSnapshot("c-model", 9000, 0, now),
	}
	decision := Plan(declWithOverride("target", 9000), snaps, gpuSnapshot())
	require.Equal(t, KindEvictThenProceed, decision.Kind)
	require.NotEmpty(t, decision.EvictIDs)
	assert.Equal(t, "a-model", decision.EvictIDs[0])
}

func TestPlan_TargetsOwnPriorRecordIsExcludedFromCommitted(t *testing.T) {
	// Reloading a model already counted as Running under its own id must
	// not double-count its own footprint against itself.
	now := time.Now()
	snaps := []registry.Snapshot{runningSnapshot("model-a", 20000, 0, now)}
	decision := Plan(declWithOverride("model-a", 20000), snaps, gpuSnapshot())
	assert.Equal(t, KindProceedDirect, decision.Kind)
}

func TestPlan_StartingRecordsCountAgainstBudget(t *testing.T) {
	now := time.Now()
	starting := registry.Snapshot{ModelID: "model-a", State: registry.StateStarting, EstimatedMemoryMB: 20000, LastUsedAt: now}
	decision := Plan(declWithOverride("model-b", 8000), []registry.Snapshot{starting}, gpuSnapshot())
	// 22528 usable - 20000 committed = 2528 free, not enough for 8000, and a
	// Starting record is never an eviction candidate, so Infeasible.
	assert.Equal(t, KindInfeasible, decision.Kind)
}

func TestPlan_MemoryOverrideShortCircuitsEstimate(t *testing.T) {
	decl := config.ModelDeclaration{ModelID: "m", MemoryOverrideMB: 123, ParameterCountBillions: 70}
	assert.Equal(t, 123.0, gpuoracle.Estimate(decl))
}

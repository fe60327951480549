package gpuoracle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/llamawrapper/gateway/internal/config"
)

func TestSnapshot_UsableMB(t *testing.T) {
	cases := []struct {
		name     string
		snap     Snapshot
		expected float64
	}{
		{"spec end-to-end scenario", Snapshot{TotalMB: 24576, ReservedBufferMB: 2048}, 22528},
		{"reserved buffer exceeds total clamps to zero", Snapshot{TotalMB: 1000, ReservedBufferMB: 2000}, 0},
		{"zero reserved buffer returns total", Snapshot{TotalMB: 8192, ReservedBufferMB: 0}, 8192},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.snap.UsableMB())
		})
	}
}

func TestEstimate_MemoryOverrideShortCircuits(t *testing.T) {
	decl := config.ModelDeclaration{
		MemoryOverrideMB:       4096,
		ParameterCountBillions: 70,
		Precision:              config.PrecisionFP16,
	}
	assert.Equal(t, 4096.0, Estimate(decl))
}

func TestEstimate_WeightsScaleWithPrecision(t *testing.T) {
	base := config.ModelDeclaration{
		ParameterCountBillions: 7,
		MaxConcurrentSequences: 1,
		MaxSequenceLength:      1,
	}

	fp16 := base
	fp16.Precision = config.PrecisionFP16
	int8 := base
	int8.Precision = config.PrecisionInt8
	int4 := base
	int4.Precision = config.PrecisionInt4

	estFP16 := Estimate(fp16)
	estInt8 := Estimate(int8)
	estInt4 := Estimate(int4)

	// Halving bytes-per-param roughly halves the weights term (overhead is
	// additive and constant, so the ratio isn't exact, but ordering must
	// hold).
	assert.Greater(t, estFP16, estInt8)
	assert.Greater(t, estInt8, estInt4)
}

func TestEstimate_KVCacheAndActivationsRequireArchitectureHints(t *testing.T) {
	noArch := config.ModelDeclaration{
		ParameterCountBillions: 1,
		Precision:              config.PrecisionFP16,
		MaxConcurrentSequences: 64,
		MaxSequenceLength:      8192,
	}
	withArch := noArch
	withArch.Architecture = config.Architecture{Layers: 32, HiddenSize: 4096, Heads: 32, KVHeads: 8}

	// Without architecture hints, only weights + fixed overhead are
	// counted; with hints, KV cache and activations add substantially more.
	assert.Greater(t, Estimate(withArch), Estimate(noArch))
}

func TestEstimate_FixedOverheadIsAlwaysIncluded(t *testing.T) {
	tiny := config.ModelDeclaration{
		ParameterCountBillions: 0.0001,
		Precision:              config.PrecisionInt4,
		MaxConcurrentSequences: 1,
		MaxSequenceLength:      1,
	}
	assert.GreaterOrEqual(t, Estimate(tiny), runtimeOverheadMB)
}

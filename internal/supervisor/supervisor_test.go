package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/llamawrapper/gateway/internal/config"
)

func TestBuildArgs_DerivesFlagsFromDeclaration(t *testing.T) {
	decl := config.ModelDeclaration{
		ModelID:                "model-a",
		BackendPath:            "/opt/backends/llama-server",
		MaxSequenceLength:      8192,
		MaxConcurrentSequences: 4,
		TensorParallelDegree:   2,
		ExtraArgs:              []string{"--flash-attn"},
	}

	args := buildArgs(decl, 9001)

	assert.Contains(t, args, "--model")
	assert.Contains(t, args, decl.BackendPath)
	assert.Contains(t, args, "--port")
	assert.Contains(t, args, "9001")
	assert.Contains(t, args, "--ctx-size")
	assert.Contains(t, args, "8192")
	assert.Contains(t, args, "--parallel")
	assert.Contains(t, args, "4")
	assert.Contains(t, args, "--tensor-parallel")
	assert.Contains(t, args, "2")
	assert.Contains(t, args, "--flash-attn")
}

func TestNew_AppliesTimeoutDefaultsWhenUnconfigured(t *testing.T) {
	s := New(config.ProxyConfig{})
	assert.Equal(t, defaultReadinessInterval, s.readinessInterval)
	assert.Equal(t, defaultStartTimeout, s.startTimeout)
	assert.Equal(t, defaultStopTimeout, s.stopTimeout)
}

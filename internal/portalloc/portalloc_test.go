package portalloc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_ReturnsDistinctPortsWithinRange(t *testing.T) {
	a := New(20000, 10)
	first, err := a.Allocate()
	require.NoError(t, err)
	second, err := a.Allocate()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.GreaterOrEqual(t, first, 20000)
	assert.Less(t, first, 20010)
	assert.GreaterOrEqual(t, second, 20000)
	assert.Less(t, second, 20010)
}

func TestRelease_MakesThePortAllocatableAgain(t *testing.T) {
	a := New(20100, 1) // exactly one port in range
	port, err := a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	assert.Error(t, err, "range of size 1 should be exhausted after one allocation")

	a.Release(port)
	reallocated, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, port, reallocated)
}

func TestRelease_IsIdempotent(t *testing.T) {
	a := New(20200, 5)
	port, err := a.Allocate()
	require.NoError(t, err)
	a.Release(port)
	assert.NotPanics(t, func() { a.Release(port) })
}

func TestAllocate_SkipsPortsBoundByAnotherProcess(t *testing.T) {
	a := New(20300, 3)
	// Occupy the first port in range out-of-band, simulating a port still
	// held by some other process (or leaked by a crashed backend).
	ln, err := net.Listen("tcp", "127.0.0.1:20300")
	require.NoError(t, err)
	defer ln.Close()

	port, err := a.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, 20300, port)
}

func TestAllocate_ErrorsWhenRangeExhausted(t *testing.T) {
	a := New(20400, 2)
	_, err := a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	assert.Error(t, err)
}

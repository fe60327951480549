// Package gpuoracle reports live GPU memory and estimates how much memory
// a declared model will need once resident. It is pure-read: every
// Snapshot call re-probes the hardware rather than serving a cache, because
// other processes on the host can claim or release memory out of band.
package gpuoracle

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jaypipes/ghw"

	"github.com/llamawrapper/gateway/internal/config"
)

// Snapshot is a live read of one GPU's memory state.
type Snapshot struct {
	DeviceName       string
	TotalMB          float64
	UsedMB           float64
	FreeMB           float64
	ReservedBufferMB float64
	TemperatureC     float64
	UtilizationPct   float64
}

// UsableMB is the admission budget this snapshot allows: total minus the
// configured reserved buffer. The planner compares against this, not
// against FreeMB directly, since FreeMB already reflects whatever this
// process itself has resident.
func (s Snapshot) UsableMB() float64 {
	u := s.TotalMB - s.ReservedBufferMB
	if u < 0 {
		return 0
	}
	return u
}

// Oracle is the GPU Memory Oracle (C1). It never caches: callers that want
// a stable view across several decisions must take one Snapshot and reuse
// it.
type Oracle struct {
	deviceID         int
	reservedBufferMB float64
}

func New(cfg config.GPUConfig) *Oracle {
	return &Oracle{deviceID: cfg.DeviceID, reservedBufferMB: cfg.ReservedBufferMB}
}

// Snapshot polls the live GPU state. On probe failure it returns a
// recoverable error; callers (the planner, via the manager) must treat
// "capacity unknown" as "refuse new admissions" — fail closed, per spec.
func (o *Oracle) Snapshot() (Snapshot, error) {
	rows, err := queryNVIDIASMI()
	if err != nil {
		rows, err = queryUnifiedMemory()
		if err != nil {
			return Snapshot{}, fmt.Errorf("gpu snapshot probe failed: %w", err)
		}
	}
	if o.deviceID >= len(rows) {
		return Snapshot{}, fmt.Errorf("gpu snapshot probe: device id %d not present (found %d devices)", o.deviceID, len(rows))
	}
	row := rows[o.deviceID]
	row.ReservedBufferMB = o.reservedBufferMB
	return row, nil
}

// Devices lists the raw GPU hardware inventory via ghw, independent of any
// live memory reading. Snapshot does not consult it: snapshot device names
// come from the live nvidia-smi or sysctl probe.
func Devices() ([]string, error) {
	gpu, err := ghw.GPU()
	if err != nil {
		return nil, fmt.Errorf("ghw device probe failed: %w", err)
	}
	var names []string
	for _, card := range gpu.GraphicsCards {
		if card.DeviceInfo == nil {
			continue
		}
		vendor := card.DeviceInfo.Vendor.Name
		product := card.DeviceInfo.Product.Name
		names = append(names, strings.TrimSpace(vendor+" "+product))
	}
	return names, nil
}

// queryNVIDIASMI shells out to nvidia-smi for a live per-device memory
// reading. ghw does not report live free/used VRAM, only static device
// inventory, so the teacher's nvidia-smi CSV approach is kept verbatim.
func queryNVIDIASMI() ([]Snapshot, error) {
	cmd := exec.Command("nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used,memory.free,temperature.gpu,utilization.gpu",
		"--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}

	var snaps []Snapshot
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, ", ")
		if len(parts) < 7 {
			continue
		}
		total, _ := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		used, _ := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		free, _ := strconv.ParseFloat(strings.TrimSpace(parts[4]), 64)
		temp, _ := strconv.ParseFloat(strings.TrimSpace(parts[5]), 64)
		util, _ := strconv.ParseFloat(strings.TrimSpace(parts[6]), 64)
		snaps = append(snaps, Snapshot{
			DeviceName:     strings.TrimSpace(parts[1]),
			TotalMB:        total,
			UsedMB:         used,
			FreeMB:         free,
			TemperatureC:   temp,
			UtilizationPct: util,
		})
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("nvidia-smi returned no devices")
	}
	return snaps, nil
}

// queryUnifiedMemory is the fallback for hosts with no discrete GPU,
// grounded on the teacher's macOS sysctl path (unified memory, no
// separately addressable VRAM).
func queryUnifiedMemory() ([]Snapshot, error) {
	cmd := exec.Command("sysctl", "-n", "hw.memsize")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sysctl hw.memsize: %w", err)
	}
	totalBytes, err := strconv.ParseInt(strings.TrimSpace(out.String()), 10, 64)
	if err != nil || totalBytes == 0 {
		return nil, fmt.Errorf("sysctl hw.memsize: unparseable output")
	}
	totalMB := float64(totalBytes) / (1024 * 1024)
	return []Snapshot{{
		DeviceName: "Unified Memory",
		TotalMB:    totalMB,
		FreeMB:     totalMB,
	}}, nil
}

// Memory estimate constants. These are explicitly-named approximations,
// not measured values — see DESIGN.md's Open Question decisions. Recalibrate
// against real backend RSS/VRAM measurements before relying on them for
// tight admission margins.
const (
	// runtimeOverheadMB accounts for CUDA context, driver allocations, and
	// backend runtime bookkeeping outside the model weights and KV cache.
	runtimeOverheadMB = 512.0
	// activationBytesPerElement approximates transient activation memory
	// per (sequence, token, hidden-unit) triple during a forward pass.
	activationBytesPerElement = 2.0
)

// Estimate sums the memory, in MB, a declared model will need once
// resident: weights, KV cache (scaled by concurrent sequences and max
// sequence length), an approximate activation term, and fixed runtime
// overhead. An explicit MemoryOverrideMB on the declaration replaces the
// whole computation.
func Estimate(decl config.ModelDeclaration) float64 {
	if decl.MemoryOverrideMB > 0 {
		return decl.MemoryOverrideMB
	}

	bytesPerParam := decl.Precision.BytesPerParam()
	weightsMB := decl.ParameterCountBillions * 1e9 * bytesPerParam / (1024 * 1024)

	arch := decl.Architecture
	var kvCacheMB float64
	if arch.Layers > 0 && arch.KVHeads > 0 && arch.Heads > 0 && arch.HiddenSize > 0 {
		headDim := float64(arch.HiddenSize) / float64(arch.Heads)
		kvCacheMB = 2 * float64(arch.Layers) * float64(arch.KVHeads) * headDim *
			float64(decl.MaxConcurrentSequences) * float64(decl.MaxSequenceLength) *
			bytesPerParam / (1024 * 1024)
	}

	var activationsMB float64
	if arch.HiddenSize > 0 {
		activationsMB = float64(decl.MaxConcurrentSequences) * float64(decl.MaxSequenceLength) *
			float64(arch.HiddenSize) * activationBytesPerElement / (1024 * 1024)
	}

	return weightsMB + kvCacheMB + activationsMB + runtimeOverheadMB
}

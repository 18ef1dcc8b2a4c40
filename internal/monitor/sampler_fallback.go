//go:build !linux

package monitor

import (
	"context"
	"runtime"
	"runtime/debug"
)

// NewHostSampler returns a best-effort sampler for platforms without procfs.
//
// CPU utilization is not available and reads as 0; memory pressure is derived
// from the Go heap against GOMEMLIMIT when one is set. This keeps overload
// detection meaningful in containerized deployments and harmless elsewhere.
func NewHostSampler() Sampler {
	return SamplerFunc(func(ctx context.Context) (Load, error) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		memLimit := debug.SetMemoryLimit(-1)
		var mem float64
		// Filter out the "no limit" sentinel.
		if memLimit > 0 && memLimit < (1<<60) {
			mem = 100 * float64(ms.HeapInuse) / float64(memLimit)
		}
		return Load{CPUPct: 0, MemPct: mem}, nil
	})
}

// Package resourceprobe samples the local machine's CPU and memory
// headroom using gopsutil, producing a ResourceHeadroom gate. The
// coordinator samples it only on a pulse where no overseer heartbeat has
// set cpu_ok in State Core's resource_headroom yet, and folds the reading
// in as a fallback; overseer-reported capacity takes precedence once
// present.
package resourceprobe

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
)

// Thresholds define the headroom below which a resource gate flips false.
type Thresholds struct {
	MaxCPUPercent float64
	MaxMemPercent float64
}

// DefaultThresholds matches the original's conservative defaults: back off
// once either resource is more than 85% utilized.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxCPUPercent: 85, MaxMemPercent: 85}
}

// Sample takes a single CPU/memory reading and returns the resulting
// headroom gate. cpu.PercentWithContext blocks for the sample interval.
func Sample(ctx context.Context, t Thresholds, sampleInterval time.Duration) (calyxtypes.ResourceHeadroom, error) {
	percents, err := cpu.PercentWithContext(ctx, sampleInterval, false)
	if err != nil {
		return calyxtypes.ResourceHeadroom{}, err
	}

	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return calyxtypes.ResourceHeadroom{}, err
	}

	return calyxtypes.ResourceHeadroom{
		CPUOk: cpuPercent < t.MaxCPUPercent,
		MemOk: vmem.UsedPercent < t.MaxMemPercent,
		GPUOk: true, // no local GPU probe; assume clear unless an overseer says otherwise
		Extra: map[string]interface{}{
			"cpu_percent": cpuPercent,
			"mem_percent": vmem.UsedPercent,
		},
	}, nil
}

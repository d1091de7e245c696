package probe

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Load is a point-in-time CPU and RAM usage reading, both in percent.
type Load struct {
	CPU float64
	RAM float64
}

// LoadSampler reads host load.
type LoadSampler interface {
	Sample(ctx context.Context) (Load, error)
}

// HostLoadSampler reads the local host through gopsutil.
type HostLoadSampler struct{}

// Sample returns aggregate CPU usage since the previous call and used memory percent.
func (HostLoadSampler) Sample(ctx context.Context) (Load, error) {
	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Load{}, fmt.Errorf("cpu usage: %w", err)
	}
	if len(percent) == 0 {
		return Load{}, fmt.Errorf("cpu usage: no data")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Load{}, fmt.Errorf("memory usage: %w", err)
	}
	return Load{CPU: percent[0], RAM: vm.UsedPercent}, nil
}

package limits

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
)

// processCPUPercent samples host-wide CPU utilization over a short window.
// gopsutil's PercentWithContext(0, false) returns the overall percentage
// since the previous call, which is what a long-lived daemon wants (no
// blocking sleep needed, unlike passing a non-zero interval).
func processCPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

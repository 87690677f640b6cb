package cluster

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// SampleUsage reads this host's CPU, memory, and root-disk usage as
// percentages. Sampling errors degrade to zero values rather than
// failing a heartbeat.
func SampleUsage() (cpuPct, memPct, diskPct float64) {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		diskPct = du.UsedPercent
	}
	return cpuPct, memPct, diskPct
}

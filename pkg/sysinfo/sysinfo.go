package sysinfo

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot captures host health at a point in time. Local sources attach
// it to feed payloads so the detonation record shows what the host looked
// like before it went silent.
type Snapshot struct {
	Hostname      string  `json:"hostname"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	Load1         float64 `json:"load1"`
	CollectedAt   string  `json:"collected_at"`
}

// Collect gathers a host snapshot. Individual probe failures leave the
// corresponding field zeroed rather than failing the whole snapshot.
func Collect() Snapshot {
	s := Snapshot{CollectedAt: time.Now().Format(time.RFC3339)}

	if info, err := host.Info(); err == nil {
		s.Hostname = info.Hostname
		s.UptimeSeconds = info.Uptime
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
		s.MemoryUsedMB = vm.Used / 1024 / 1024
	}
	if avg, err := load.Avg(); err == nil {
		s.Load1 = avg.Load1
	}

	return s
}

// Map renders the snapshot as a generic payload for feed requests
func (s Snapshot) Map() map[string]interface{} {
	return map[string]interface{}{
		"hostname":       s.Hostname,
		"uptime_seconds": s.UptimeSeconds,
		"cpu_percent":    s.CPUPercent,
		"memory_percent": s.MemoryPercent,
		"memory_used_mb": s.MemoryUsedMB,
		"load1":          s.Load1,
		"collected_at":   s.CollectedAt,
	}
}

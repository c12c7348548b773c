package util

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo holds information about the host system.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
}

// GetSystemInfo gathers system information. Fields the host does not
// expose are left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil && hostInfo.Platform != "" {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}

	return info
}

// Metadata flattens the info into the fields attached to telemetry messages.
func (s SystemInfo) Metadata(version string) map[string]any {
	return map[string]any{
		"hostname":    s.Hostname,
		"os":          s.OS,
		"arch":        s.Architecture,
		"cpu_model":   s.CPUModel,
		"cpu_cores":   s.CPUCores,
		"memory_mb":   s.TotalMemory,
		"app_version": version,
	}
}

// HostLoad is a point-in-time view of host resource usage.
type HostLoad struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
}

// GetHostLoad samples current CPU and memory usage.
func GetHostLoad() (HostLoad, error) {
	var load HostLoad

	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return load, err
	}
	if len(percentages) > 0 {
		load.CPUPercent = percentages[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return load, err
	}
	load.MemoryPercent = memInfo.UsedPercent
	load.MemoryUsedMB = memInfo.Used / (1024 * 1024)
	return load, nil
}

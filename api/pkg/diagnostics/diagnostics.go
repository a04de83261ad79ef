// Package diagnostics reports process health for the /internal/diagnostics
// route. Shape-compatible with what the control plane's tooling expects.
package diagnostics

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// Collect gathers process stats. Missing probes degrade to nulls rather
// than failing the request.
func Collect() map[string]any {
	result := map[string]any{
		"pid":         os.Getpid(),
		"psutil":      "not_applicable",
		"open_files":  nil,
		"num_fds":     nil,
		"connections": nil,
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return result
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		result["memory_bytes"] = mem.RSS
		result["virtual_memory_bytes"] = mem.VMS
		result["memory_mb"] = float64(mem.RSS) / (1024.0 * 1024.0)
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		result["cpu_usage"] = cpu
	}
	if created, err := proc.CreateTime(); err == nil {
		result["start_time"] = created / 1000
	}
	if fds, err := proc.NumFDs(); err == nil {
		result["num_fds"] = fds
	}

	collectPlatform(result)
	return result
}

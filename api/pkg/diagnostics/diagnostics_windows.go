//go:build windows

package diagnostics

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32              = windows.NewLazySystemDLL("user32.dll")
	psapi               = windows.NewLazySystemDLL("psapi.dll")
	procGetGuiResources = user32.NewProc("GetGuiResources")
	procGetMemoryInfo   = psapi.NewProc("GetProcessMemoryInfo")
)

const (
	grGdiObjects  = 0
	grUserObjects = 1
)

type processMemoryCounters struct {
	cb                         uint32
	PageFaultCount             uint32
	PeakWorkingSetSize         uintptr
	WorkingSetSize             uintptr
	QuotaPeakPagedPoolUsage    uintptr
	QuotaPagedPoolUsage        uintptr
	QuotaPeakNonPagedPoolUsage uintptr
	QuotaNonPagedPoolUsage     uintptr
	PagefileUsage              uintptr
	PeakPagefileUsage          uintptr
}

// collectPlatform adds GDI/USER handle counts and the working set: GDI
// object leaks are the usual failure mode of long-lived input agents.
func collectPlatform(result map[string]any) {
	handle := windows.CurrentProcess()
	gdi, _, _ := procGetGuiResources.Call(uintptr(handle), grGdiObjects)
	user, _, _ := procGetGuiResources.Call(uintptr(handle), grUserObjects)
	result["gdi_objects"] = uint32(gdi)
	result["user_objects"] = uint32(user)

	var counters processMemoryCounters
	counters.cb = uint32(unsafe.Sizeof(counters))
	ok, _, _ := procGetMemoryInfo.Call(uintptr(handle),
		uintptr(unsafe.Pointer(&counters)), uintptr(counters.cb))
	if ok != 0 {
		result["working_set_bytes"] = uint64(counters.WorkingSetSize)
	}
}

package sysinfo

import (
	"fmt"
	"time"

	"buildsentry/logger"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot captures the host state at session start. It is attached to the
// session report so a failed recovery can be correlated with the machine it
// ran on.
type Snapshot struct {
	Hostname        string  `json:"hostname"`
	OS              string  `json:"os"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platform_version"`
	KernelVersion   string  `json:"kernel_version"`
	UptimeSeconds   uint64  `json:"uptime_seconds"`
	TotalMemory     uint64  `json:"total_memory"`
	AvailableMemory uint64  `json:"available_memory"`
	DiskTotal       uint64  `json:"disk_total"`
	DiskFree        uint64  `json:"disk_free"`
	DiskUsedPercent float64 `json:"disk_used_percent"`
	ProcessCount    int     `json:"process_count"`
	CollectedAt     string  `json:"collected_at"`
}

// Collect gathers a snapshot for the given project root. Individual probe
// failures are logged and leave zero values; only a total failure is an error.
func Collect(projectRoot string) (*Snapshot, error) {
	snap := &Snapshot{
		CollectedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if info, err := host.Info(); err != nil {
		logger.Warnf("Failed to gather host information: %v", err)
	} else {
		snap.Hostname = info.Hostname
		snap.OS = info.OS
		snap.Platform = info.Platform
		snap.PlatformVersion = info.PlatformVersion
		snap.KernelVersion = info.KernelVersion
		snap.UptimeSeconds = info.Uptime
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		logger.Warnf("Failed to gather memory information: %v", err)
	} else {
		snap.TotalMemory = vm.Total
		snap.AvailableMemory = vm.Available
	}

	if usage, err := disk.Usage(projectRoot); err != nil {
		logger.Warnf("Failed to gather disk usage for %s: %v", projectRoot, err)
	} else {
		snap.DiskTotal = usage.Total
		snap.DiskFree = usage.Free
		snap.DiskUsedPercent = usage.UsedPercent
	}

	if pids, err := process.Pids(); err != nil {
		logger.Warnf("Failed to count processes: %v", err)
	} else {
		snap.ProcessCount = len(pids)
	}

	return snap, nil
}

// CheckFreeSpace returns an error when the filesystem holding the project root
// has less free space than required. Used before snapshot creation so a
// backup never fails halfway through on a full disk.
func CheckFreeSpace(projectRoot string, required uint64) error {
	usage, err := disk.Usage(projectRoot)
	if err != nil {
		return err
	}
	if usage.Free < required {
		return fmt.Errorf("insufficient disk space on %s: %d bytes free, %d required", projectRoot, usage.Free, required)
	}
	return nil
}

package integrity

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"

	"buildsentry/config"
	"buildsentry/logger"
)

const (
	ioLimitLow    = 250
	ioLimitMedium = 600
	ioLimitHigh   = 800
)

// applyNiceTuning derives hashing concurrency and the disk I/O budget from
// the nice level, for any knob the user did not set explicitly via flag or
// config file.
func applyNiceTuning(cfg *config.Config) {
	var totalMem uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		totalMem = vm.Total
	}

	if !cfg.ConcurrencySet {
		cfg.ConcurrencyLevel = niceConcurrency(cfg.NiceLevel, runtime.NumCPU(), totalMem)
		logger.Debugf("Tuned hashing concurrency to %d for nice level %s", cfg.ConcurrencyLevel, cfg.NiceLevel)
	}
	if !cfg.MaxIOSet {
		cfg.MaxIOPerSecond = niceIOLimit(cfg.NiceLevel)
		logger.Debugf("Tuned I/O limit to %d ops/s for nice level %s", cfg.MaxIOPerSecond, cfg.NiceLevel)
	}
}

// niceConcurrency maps the nice level to a hashing worker count. Low-memory
// hosts get clamped so the per-worker read buffers stay modest.
func niceConcurrency(nice string, numCPU int, totalMem uint64) int {
	if numCPU < 1 {
		numCPU = 1
	}
	workers := numCPU
	switch nice {
	case "low":
		workers = 1
	case "medium":
		workers = numCPU / 2
		if workers < 1 {
			workers = 1
		}
	}

	totalGB := totalMem / (1 << 30)
	switch {
	case totalMem == 0:
		// Memory probe failed; trust the CPU-derived count.
	case totalGB <= 4:
		if workers > 2 {
			workers = 2
		}
	case totalGB <= 8:
		if workers > 4 {
			workers = 4
		}
	}
	return workers
}

// niceIOLimit maps the nice level to the token budget of the baseline
// hashing rate limiter.
func niceIOLimit(nice string) int {
	switch nice {
	case "low":
		return ioLimitLow
	case "medium":
		return ioLimitMedium
	default:
		return ioLimitHigh
	}
}

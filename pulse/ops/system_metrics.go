package ops

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/optrack/errors"
)

// memoryPerWorkerGB is a rough per-worker allowance for handlers that buffer
// payloads (layer uploads, service definitions) in memory.
const (
	memoryPerWorkerGB = 0.5
	memoryBufferGB    = 1.0
	maxSafeWorkers    = 64
)

// SystemMetrics reports host memory next to worker utilisation.
type SystemMetrics struct {
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// getMemoryStats returns total and available memory in bytes.
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// readSystemMetrics samples host memory. Errors yield zero values.
func readSystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return SystemMetrics{}
	}
	totalGB := float64(total) / 1024 / 1024 / 1024
	usedGB := float64(total-available) / 1024 / 1024 / 1024
	return SystemMetrics{
		MemoryUsedGB:  usedGB,
		MemoryTotalGB: totalGB,
		MemoryPercent: usedGB / totalGB * 100,
	}
}

// calculateSafeWorkerCount recommends a worker count for the available memory.
func calculateSafeWorkerCount(availableGB float64) int {
	if availableGB < memoryBufferGB {
		return 1
	}
	recommended := int((availableGB - memoryBufferGB) / memoryPerWorkerGB)
	if recommended < 1 {
		return 1
	}
	if recommended > maxSafeWorkers {
		return maxSafeWorkers
	}
	return recommended
}

// memoryPressureWarning returns a warning when workers exceeds what memory supports,
// or an empty string when it fits or memory cannot be read.
func memoryPressureWarning(workers int) string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}
	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)
	if workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB used). "+
				"Consider reducing workers to prevent memory pressure.",
			workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}

package async

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/docpipe/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Number of workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Total configured workers
	JobsProcessed int     `json:"jobs_processed"`  // Jobs claimed since Start
	Uptime        string  `json:"uptime"`          // Time since Start
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsQueued    int     `json:"jobs_queued"`     // Jobs waiting in queue
	JobsRunning   int     `json:"jobs_running"`    // Jobs currently executing
	BudgetPaused  bool    `json:"budget_paused"`   // Workers are holding jobs for budget
}

// getMemoryStats returns total and available memory in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a worker count for the available memory.
// Workers mostly wait on provider calls; what they hold is the document text,
// the assembled prompt and the response.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 0.25 // GB per in-flight job
	const memoryBuffer = 1.0     // GB reserved for the rest of the process

	if availableGB <= memoryBuffer {
		return 1 // Always allow at least 1 worker
	}
	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	return max(1, min(recommended, 64))
}

// GetSystemMetrics returns current system resource usage
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	queued, running, err := wp.queue.GetJobCounts(ctx)
	if err != nil {
		queued, running = 0, 0
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()

	var uptime string
	if !wp.startTime.IsZero() {
		uptime = time.Since(wp.startTime).Round(time.Second).String()
	}
	return SystemMetrics{
		WorkersActive: wp.activeWorkers,
		WorkersTotal:  wp.config.Workers,
		JobsProcessed: wp.jobsProcessed,
		Uptime:        uptime,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		JobsQueued:    queued,
		JobsRunning:   running,
		BudgetPaused:  wp.budgetPaused,
	}
}

// checkMemoryPressure validates worker count against available memory
// Returns warning message if worker count may be too high, empty string if OK
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return "" // Can't check, assume OK
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if wp.config.Workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			wp.config.Workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}

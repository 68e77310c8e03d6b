package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
	"github.com/teranos/docpipe/pulse/async"
)

// RetentionTask deletes finished jobs and their results once they are older
// than retain.
func RetentionTask(q *async.Queue, retain, every time.Duration, log *zap.SugaredLogger) Task {
	return Task{
		Name:  "retention",
		Every: every,
		Run: func(ctx context.Context) error {
			n, err := q.Cleanup(ctx, retain)
			if err != nil {
				return errors.Wrap(err, "retention cleanup failed")
			}
			if n > 0 {
				log.Infow("Removed finished jobs past retention", logger.FieldCount, n, "retain", retain)
			}
			return nil
		},
	}
}

// StuckJobsTask warns about processing jobs that made no progress for
// threshold. Each job is reported once.
func StuckJobsTask(q *async.Queue, threshold, every time.Duration, log *zap.SugaredLogger) Task {
	reported := make(map[string]bool)
	return Task{
		Name:  "stuck-jobs",
		Every: every,
		Run: func(ctx context.Context) error {
			jobs, err := q.StuckJobs(ctx, threshold)
			if err != nil {
				return errors.Wrap(err, "failed to list stuck jobs")
			}
			current := make(map[string]bool, len(jobs))
			for _, job := range jobs {
				current[job.ID] = true
				if reported[job.ID] {
					continue
				}
				log.Warnw("Job has made no progress",
					logger.FieldJobID, job.ID,
					"current_step", job.CurrentStep,
					"progress", job.Progress,
					"threshold", threshold)
			}
			reported = current
			return nil
		},
	}
}

// ActivityTask logs the queue heartbeat whenever the amount of active work
// changes. pool may be nil on API-only nodes.
func ActivityTask(q *async.Queue, pool *async.WorkerPool, every time.Duration, log *zap.SugaredLogger) Task {
	last := -1
	return Task{
		Name:  "activity",
		Every: every,
		Run: func(ctx context.Context) error {
			stats, err := q.GetStats(ctx)
			if err != nil {
				return errors.Wrap(err, "failed to get queue stats")
			}
			active := stats.Queued + stats.Processing + stats.Retrying

			if active == last {
				return nil
			}
			last = active
			log.Infow(activityLine(ctx, stats, pool))
			return nil
		},
	}
}

func activityLine(ctx context.Context, stats *async.QueueStats, pool *async.WorkerPool) string {
	var b strings.Builder
	if stats.Queued+stats.Processing+stats.Retrying == 0 {
		b.WriteString("Pulse - idle")
	} else {
		fmt.Fprintf(&b, "Pulse - %d queued, %d processing, %d retrying",
			stats.Queued, stats.Processing, stats.Retrying)
	}
	if pool != nil {
		m := pool.GetSystemMetrics(ctx)
		fmt.Fprintf(&b, " │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			m.WorkersActive, m.WorkersTotal, m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
		if m.BudgetPaused {
			b.WriteString(" │ paused for budget")
		}
	}
	return b.String()
}

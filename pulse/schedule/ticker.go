// Package schedule runs periodic Pulse maintenance such as job retention
// and stuck job detection.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
)

// Task is a periodic maintenance step. Run is invoked at most once per Every.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// TaskStatus reports what a task did so far
type TaskStatus struct {
	Name      string        `json:"name"`
	Every     time.Duration `json:"every"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	LastError string        `json:"last_error,omitempty"`
}

type taskState struct {
	Task
	lastRun  time.Time
	runs     int
	failures int
	lastErr  error
}

// Ticker wakes up every Interval and runs the tasks that are due
type Ticker struct {
	tasks    []*taskState
	interval time.Duration
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *zap.SugaredLogger
	mu       sync.Mutex
	ticks    int64
}

// TickerConfig contains configuration for the maintenance ticker
type TickerConfig struct {
	Interval time.Duration    // How often due tasks are checked (default: 10 seconds)
	Now      func() time.Time // Clock, time.Now when nil
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{Interval: 10 * time.Second}
}

// NewTicker creates a ticker for tasks. Task names must be unique and every
// task needs a positive period.
func NewTicker(ctx context.Context, cfg TickerConfig, log *zap.SugaredLogger, tasks ...Task) (*Ticker, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	seen := make(map[string]bool, len(tasks))
	states := make([]*taskState, 0, len(tasks))
	for _, task := range tasks {
		switch {
		case task.Name == "":
			return nil, errors.New("maintenance task needs a name")
		case seen[task.Name]:
			return nil, errors.Newf("maintenance task %q registered twice", task.Name)
		case task.Every <= 0:
			return nil, errors.Newf("maintenance task %q needs a positive period", task.Name)
		case task.Run == nil:
			return nil, errors.Newf("maintenance task %q has no run function", task.Name)
		}
		seen[task.Name] = true
		states = append(states, &taskState{Task: task})
	}

	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		tasks:    states,
		interval: cfg.Interval,
		now:      cfg.Now,
		ctx:      tickerCtx,
		cancel:   cancel,
		log:      logger.ChildLogger(log, logger.FieldComponent, "pulse.schedule"),
	}, nil
}

// Start begins the ticker loop. Due tasks run once immediately.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.log.Infow("Pulse maintenance started", "interval", t.interval, logger.FieldCount, len(t.tasks))
}

// Stop gracefully stops the ticker and waits for a running task to return
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.log.Infow("Pulse maintenance stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	t.RunDue(t.ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.RunDue(t.ctx)
		}
	}
}

// RunDue runs every task whose period elapsed and returns how many ran.
// Failures are logged and recorded; they never stop the other tasks.
func (t *Ticker) RunDue(ctx context.Context) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticks++

	ran := 0
	for _, task := range t.tasks {
		if ctx.Err() != nil {
			return ran
		}
		now := t.now()
		if !task.lastRun.IsZero() && now.Sub(task.lastRun) < task.Every {
			continue
		}

		start := time.Now()
		err := task.Run(ctx)
		task.lastRun = now
		task.runs++
		task.lastErr = err
		ran++

		if err != nil {
			task.failures++
			t.log.Warnw("Pulse maintenance task failed",
				"task", task.Name,
				logger.FieldError, err,
				"tick", t.ticks)
			continue
		}
		t.log.Debugw("Pulse maintenance task ran",
			"task", task.Name,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	}
	return ran
}

// Status returns one entry per task in registration order
func (t *Ticker) Status() []TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TaskStatus, 0, len(t.tasks))
	for _, task := range t.tasks {
		s := TaskStatus{Name: task.Name, Every: task.Every, Runs: task.runs, Failures: task.failures}
		if !task.lastRun.IsZero() {
			last := task.lastRun
			s.LastRunAt = &last
		}
		if task.lastErr != nil {
			s.LastError = task.lastErr.Error()
		}
		out = append(out, s)
	}
	return out
}

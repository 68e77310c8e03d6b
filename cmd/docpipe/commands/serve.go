package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/docpipe/ai/provider"
	"github.com/teranos/docpipe/am"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
	"github.com/teranos/docpipe/notify"
	"github.com/teranos/docpipe/pulse/async"
	"github.com/teranos/docpipe/pulse/budget"
	"github.com/teranos/docpipe/pulse/schedule"
	"github.com/teranos/docpipe/server"
	"github.com/teranos/docpipe/template"
	"github.com/teranos/docpipe/version"
)

// ServeCmd runs the HTTP API together with the job workers
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Run the HTTP API and the job workers",
	Long: `Run the docpipe HTTP API, the Pulse worker pool and optional
notification publishers until interrupted.

Templates in templates.dir are imported at startup and re-imported on change
when templates.watch is set. With pulse.workers = 0 the node only serves the
API and leaves processing to other nodes sharing the database.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	ServeCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	log := svc.log

	printStartupBanner(cfg, svc.Registry)

	if dir := cfg.Templates.Dir; dir != "" {
		n, err := svc.Templates.ImportDir(ctx, dir, "docpipe")
		if err != nil {
			return errors.Wrapf(err, "failed to import templates from %s", dir)
		}
		log.Infow("Templates imported", "dir", dir, logger.FieldCount, n)
		if cfg.Templates.Watch {
			w, err := template.NewWatcher(svc.Templates, dir, log)
			if err != nil {
				return err
			}
			w.Start(ctx)
			defer w.Stop()
		}
	}

	limiter := budget.NewLimiter(cfg.Pulse.ProviderCallsPerMinute)
	var pool *async.WorkerPool
	if cfg.Pulse.Workers > 0 {
		pool = async.NewWorkerPool(ctx, svc.Queue, svc.Orchestrator, async.WorkerPoolConfig{
			Workers:      cfg.Pulse.Workers,
			PollInterval: time.Duration(cfg.Pulse.PollIntervalMS) * time.Millisecond,
			OrphanGrace:  time.Duration(cfg.Pulse.OrphanGraceMinutes) * time.Minute,
		}, log, svc.Budget, limiter)
		pool.Start()
		defer pool.Stop()
	} else {
		log.Infow("No workers configured, serving the API only")
	}

	ticker, err := schedule.NewTicker(ctx, schedule.DefaultTickerConfig(), log, maintenanceTasks(cfg, svc.Queue, pool, log)...)
	if err != nil {
		return err
	}
	ticker.Start()
	defer ticker.Stop()

	if cfg.Notify.RedisURL != "" {
		pub, err := notify.NewRedisPublisher(cfg.Notify.RedisURL, cfg.Notify.RedisChannel, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		go func() {
			if err := pub.Run(ctx, svc.Queue); err != nil {
				log.Warnw("Redis event publisher stopped", "channel", pub.Channel(), logger.FieldError, err)
			}
		}()
	}

	srv := server.New(server.Deps{
		Orchestrator: svc.Orchestrator,
		Queue:        svc.Queue,
		Templates:    svc.Templates,
		Knowledge:    svc.Knowledge,
		Results:      svc.Results,
		Registry:     svc.Registry,
		Pool:         pool,
		Budget:       svc.Budget,
		RateLimiter:  limiter,
		Usage:        svc.Usage,
	}, server.Config{
		Addr:           cfg.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		StuckThreshold: time.Duration(cfg.Pulse.StuckThresholdMinutes) * time.Minute,
	}, log)

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	pterm.Success.Println("Server stopped cleanly")
	return nil
}

// maintenanceTasks builds the periodic Pulse housekeeping for this node.
// Retention only runs where workers run so API-only nodes stay read-mostly.
func maintenanceTasks(cfg *am.Config, q *async.Queue, pool *async.WorkerPool, log *zap.SugaredLogger) []schedule.Task {
	every := time.Duration(cfg.Pulse.MaintenanceIntervalSeconds) * time.Second
	if every <= 0 {
		every = time.Minute
	}
	tasks := []schedule.Task{schedule.ActivityTask(q, pool, every, log)}
	if cfg.Pulse.StuckThresholdMinutes > 0 {
		tasks = append(tasks, schedule.StuckJobsTask(q, time.Duration(cfg.Pulse.StuckThresholdMinutes)*time.Minute, every, log))
	}
	if pool != nil && cfg.Pulse.RetentionDays > 0 {
		tasks = append(tasks, schedule.RetentionTask(q, time.Duration(cfg.Pulse.RetentionDays)*24*time.Hour, every, log))
	}
	return tasks
}

func printStartupBanner(cfg *am.Config, registry *provider.Registry) {
	info := version.Get()
	var available []string
	for _, a := range registry.Adapters() {
		if a.Available() {
			available = append(available, string(a.Type()))
		}
	}
	lines := []string{
		fmt.Sprintf("Version:   %s", info.String()),
		fmt.Sprintf("Listen:    %s", cfg.GetServerAddr()),
		fmt.Sprintf("Database:  %s", cfg.GetDatabasePath()),
		fmt.Sprintf("Workers:   %d", cfg.Pulse.Workers),
		fmt.Sprintf("Providers: %s (default %s)", joinOrDash(available), registry.DefaultType()),
	}
	if cfg.Templates.Dir != "" {
		lines = append(lines, fmt.Sprintf("Templates: %s (watch %t)", cfg.Templates.Dir, cfg.Templates.Watch))
	}
	pterm.DefaultBox.WithTitle("docpipe").Println(strings.Join(lines, "\n"))
	if !info.IsRelease() {
		pterm.Warning.Println("Development build, not a tagged release")
	}
	pterm.Info.Println("Press Ctrl+C to stop")
}

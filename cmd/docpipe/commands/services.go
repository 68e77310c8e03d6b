package commands

import (
	"database/sql"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/docpipe/ai/provider"
	"github.com/teranos/docpipe/ai/tracker"
	"github.com/teranos/docpipe/am"
	"github.com/teranos/docpipe/db"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/knowledge"
	"github.com/teranos/docpipe/logger"
	"github.com/teranos/docpipe/notify"
	"github.com/teranos/docpipe/pipeline"
	"github.com/teranos/docpipe/prompt"
	"github.com/teranos/docpipe/pulse/async"
	"github.com/teranos/docpipe/pulse/budget"
	"github.com/teranos/docpipe/result"
	"github.com/teranos/docpipe/template"
)

// loadConfig reads --config when given, otherwise the cascade of
// system, user and project files plus DOCPIPE_* variables.
func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return am.LoadFromFile(path)
	}
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured database.
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// services holds everything a command needs to act on the pipeline.
type services struct {
	cfg *am.Config
	db  *sql.DB
	log *zap.SugaredLogger

	Queue        *async.Queue
	Templates    *template.Store
	Knowledge    *knowledge.Store
	Results      *result.Store
	Registry     *provider.Registry
	Budget       *budget.Tracker
	Usage        *tracker.UsageTracker
	Orchestrator *pipeline.Orchestrator
}

func openServices(cfg *am.Config) (*services, error) {
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	log := logger.Logger

	registry, err := provider.NewRegistryFromConfig(cfg, log)
	if err != nil {
		database.Close()
		return nil, err
	}
	usage := tracker.NewUsageTracker(database, log)
	registry.SetObserver(usage.Observe)

	s := &services{
		cfg:       cfg,
		db:        database,
		log:       log,
		Queue:     async.NewQueue(database, log),
		Templates: template.NewStore(database, log),
		Knowledge: knowledge.NewStore(database, log),
		Results:   result.NewStore(database, log),
		Registry:  registry,
		Usage:     usage,
		Budget: budget.NewTracker(database, budget.BudgetConfig{
			DailyBudgetUSD:   cfg.Pulse.DailyBudgetUSD,
			WeeklyBudgetUSD:  cfg.Pulse.WeeklyBudgetUSD,
			MonthlyBudgetUSD: cfg.Pulse.MonthlyBudgetUSD,
		}, log),
	}
	if a, ok := embeddingAdapter(registry); ok {
		s.Knowledge.SetEmbedder(a, a.DefaultConfig().Model)
		log.Debugw("Knowledge embeddings enabled", logger.FieldProvider, a.Type())
	}

	p := cfg.Pipeline
	s.Orchestrator = pipeline.New(pipeline.Deps{
		Queue:     s.Queue,
		Templates: s.Templates,
		Knowledge: s.Knowledge,
		Results:   s.Results,
		Registry:  registry,
		Assembler: prompt.NewAssembler(p.KnowledgeSnippetChars, log),
		Fetcher: pipeline.NewFetcher(nil, pipeline.FetcherConfig{
			Timeout:   time.Duration(p.FetchTimeoutSeconds) * time.Second,
			MaxBytes:  p.MaxDocumentBytes,
			AllowFile: p.AllowFileFetch,
		}),
		Notifier: notify.NewWebhook(nil, time.Duration(cfg.Notify.WebhookTimeoutSeconds)*time.Second, log),
		Limiter:  pipeline.NewSubmitLimiter(cfg.Limits.SubmissionsPerMinute, cfg.Limits.Burst),
	}, pipeline.Config{
		RetryPolicy: async.RetryPolicy{
			BaseDelay:             time.Duration(cfg.Pulse.BaseRetryDelaySeconds) * time.Second,
			ShortCircuitPermanent: cfg.Pulse.ShortCircuitPermanent,
		},
		DefaultMaxRetries:   cfg.Pulse.DefaultMaxRetries,
		ConfidenceThreshold: p.ConfidenceThreshold,
		DefaultConfidence:   p.DefaultConfidence,
	}, log)
	return s, nil
}

func (s *services) Close() error {
	return s.db.Close()
}

// embeddingAdapter returns the first available adapter that can embed,
// preferring the system default.
func embeddingAdapter(r *provider.Registry) (provider.Adapter, bool) {
	if a, ok := r.Get(r.DefaultType()); ok && a.Available() && a.Capabilities().Embeddings {
		return a, true
	}
	for _, a := range r.Adapters() {
		if a.Available() && a.Capabilities().Embeddings {
			return a, true
		}
	}
	return nil, false
}

package budget

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpipe/errors"
)

// ErrBudgetExceeded is returned by CheckBudget when a cap would be crossed.
var ErrBudgetExceeded = errors.New("budget exceeded")

// BudgetConfig holds the spend caps in USD. A cap of zero is unlimited.
type BudgetConfig struct {
	DailyBudgetUSD   float64
	WeeklyBudgetUSD  float64
	MonthlyBudgetUSD float64
}

// Status is the spend in each window and what is left of its cap.
// Remaining is negative once a cap is overspent and zero for unlimited caps.
type Status struct {
	DailySpend       float64 `json:"daily_spend"`
	WeeklySpend      float64 `json:"weekly_spend"`
	MonthlySpend     float64 `json:"monthly_spend"`
	DailyRemaining   float64 `json:"daily_remaining"`
	WeeklyRemaining  float64 `json:"weekly_remaining"`
	MonthlyRemaining float64 `json:"monthly_remaining"`
	DailyOps         int     `json:"daily_ops"`
	WeeklyOps        int     `json:"weekly_ops"`
	MonthlyOps       int     `json:"monthly_ops"`
}

// Tracker reads actual spend from ai_model_usage and checks it against the caps.
type Tracker struct {
	store  *Store
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.RWMutex // Protects config from concurrent read/write
	config BudgetConfig
}

// NewTracker creates a budget tracker
func NewTracker(db *sql.DB, config BudgetConfig, log *zap.SugaredLogger) *Tracker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tracker{
		store:  NewStore(db),
		logger: log.Named("budget"),
		now:    time.Now,
		config: config,
	}
}

// GetStatus returns current spend in the daily, weekly and monthly windows.
func (bt *Tracker) GetStatus(ctx context.Context) (*Status, error) {
	now := bt.now()
	var (
		spend [3]float64
		ops   [3]int
	)
	for i, window := range []time.Duration{Day, Week, Month} {
		cost, n, err := bt.store.Spend(ctx, now.Add(-window))
		if err != nil {
			return nil, err
		}
		spend[i], ops[i] = cost, n
	}

	limits := bt.GetBudgetLimits()
	return &Status{
		DailySpend:       spend[0],
		WeeklySpend:      spend[1],
		MonthlySpend:     spend[2],
		DailyRemaining:   remaining(limits.DailyBudgetUSD, spend[0]),
		WeeklyRemaining:  remaining(limits.WeeklyBudgetUSD, spend[1]),
		MonthlyRemaining: remaining(limits.MonthlyBudgetUSD, spend[2]),
		DailyOps:         ops[0],
		WeeklyOps:        ops[1],
		MonthlyOps:       ops[2],
	}, nil
}

// CheckBudget returns ErrBudgetExceeded when spending estimatedCostUSD more
// would cross a cap. With a zero estimate it fails once a cap is reached.
func (bt *Tracker) CheckBudget(ctx context.Context, estimatedCostUSD float64) error {
	status, err := bt.GetStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get budget status")
	}
	limits := bt.GetBudgetLimits()

	for _, w := range []struct {
		name         string
		spend, limit float64
	}{
		{"daily", status.DailySpend, limits.DailyBudgetUSD},
		{"weekly", status.WeeklySpend, limits.WeeklyBudgetUSD},
		{"monthly", status.MonthlySpend, limits.MonthlyBudgetUSD},
	} {
		if exceeds(w.spend, estimatedCostUSD, w.limit) {
			err := errors.Wrapf(ErrBudgetExceeded, "%s budget would be exceeded", w.name)
			return errors.WithDetail(err, fmt.Sprintf("current $%.3f + estimated $%.3f, limit $%.2f",
				w.spend, estimatedCostUSD, w.limit))
		}
	}
	return nil
}

// UpdateDailyBudget changes the daily cap.
func (bt *Tracker) UpdateDailyBudget(newBudgetUSD float64) error {
	return bt.update("daily", newBudgetUSD, func(c *BudgetConfig) { c.DailyBudgetUSD = newBudgetUSD })
}

// UpdateWeeklyBudget changes the weekly cap.
func (bt *Tracker) UpdateWeeklyBudget(newBudgetUSD float64) error {
	return bt.update("weekly", newBudgetUSD, func(c *BudgetConfig) { c.WeeklyBudgetUSD = newBudgetUSD })
}

// UpdateMonthlyBudget changes the monthly cap.
func (bt *Tracker) UpdateMonthlyBudget(newBudgetUSD float64) error {
	return bt.update("monthly", newBudgetUSD, func(c *BudgetConfig) { c.MonthlyBudgetUSD = newBudgetUSD })
}

// GetBudgetLimits returns the current caps.
func (bt *Tracker) GetBudgetLimits() BudgetConfig {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.config
}

func (bt *Tracker) update(window string, usd float64, apply func(*BudgetConfig)) error {
	if usd < 0 {
		return errors.NewValidationError("%s budget cannot be negative: %.2f", window, usd)
	}
	bt.mu.Lock()
	apply(&bt.config)
	bt.mu.Unlock()

	bt.logger.Infow("Budget updated", "window", window, "limit_usd", usd)
	return nil
}

func remaining(limit, spend float64) float64 {
	if limit <= 0 {
		return 0
	}
	return limit - spend
}

func exceeds(spend, estimate, limit float64) bool {
	if limit <= 0 {
		return false
	}
	if estimate <= 0 {
		return spend >= limit
	}
	return spend+estimate > limit
}

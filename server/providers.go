package server

import (
	"net/http"
	"strconv"

	"github.com/teranos/docpipe/ai/provider"
	"github.com/teranos/docpipe/logger"
	"github.com/teranos/docpipe/pulse/async"
	"github.com/teranos/docpipe/pulse/budget"
)

type providerInfo struct {
	Type         provider.Type         `json:"type"`
	Name         string                `json:"name"`
	Description  string                `json:"description"`
	Available    bool                  `json:"available"`
	Default      bool                  `json:"default"`
	Capabilities provider.Capabilities `json:"capabilities"`
	Models       []provider.ModelInfo  `json:"models"`
}

// HandleProviders lists the registered adapters.
func (s *Server) HandleProviders(w http.ResponseWriter, r *http.Request) {
	adapters := s.Registry.Adapters()
	out := make([]providerInfo, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, providerInfo{
			Type:         a.Type(),
			Name:         a.Name(),
			Description:  a.Description(),
			Available:    a.Available(),
			Default:      a.Type() == s.Registry.DefaultType(),
			Capabilities: a.Capabilities(),
			Models:       a.Models(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": out,
		"default":   s.Registry.DefaultType(),
	})
}

// HandleRecommend picks an adapter for the task described by the query.
func (s *Server) HandleRecommend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := provider.Requirements{
		ContextLength: parseIntQueryParam(r, "context_length", 0, 0, 10_000_000),
	}
	req.Budget, _ = strconv.ParseFloat(q.Get("budget"), 64)
	req.NeedsCitations, _ = strconv.ParseBool(q.Get("citations"))
	req.NeedsRealTime, _ = strconv.ParseBool(q.Get("real_time"))
	req.NeedsVision, _ = strconv.ParseBool(q.Get("vision"))
	req.NeedsEmbeddings, _ = strconv.ParseBool(q.Get("embeddings"))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":         q.Get("task"),
		"requirements": req,
		"provider":     s.Registry.RecommendForTask(q.Get("task"), req),
	})
}

type rateWindow struct {
	CallsInWindow  int   `json:"calls_in_window"`
	CallsRemaining int   `json:"calls_remaining"` // -1 = unlimited
	NextSlotMS     int64 `json:"next_slot_ms"`    // 0 when a call is allowed now
}

type pulseMetrics struct {
	Queue   *async.QueueStats    `json:"queue"`
	Workers *async.SystemMetrics `json:"workers,omitempty"`
	Budget  *budget.Status       `json:"budget,omitempty"`
	Limits  *budget.BudgetConfig `json:"limits,omitempty"`
	Rate    *rateWindow          `json:"rate,omitempty"`
}

// HandlePulseMetrics reports queue counts, worker and host memory state,
// spend against the budget caps and the provider call window.
func (s *Server) HandlePulseMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Queue.GetStats(r.Context())
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to get queue stats")
		return
	}
	m := pulseMetrics{Queue: stats}

	if s.Pool != nil {
		sys := s.Pool.GetSystemMetrics(r.Context())
		m.Workers = &sys
	}
	if s.Budget != nil {
		status, err := s.Budget.GetStatus(r.Context())
		if err != nil {
			s.logger.Warnw("Failed to read budget status", logger.FieldError, err)
		} else {
			limits := s.Budget.GetBudgetLimits()
			m.Budget, m.Limits = status, &limits
		}
	}
	if s.RateLimiter != nil {
		calls, remaining := s.RateLimiter.Stats()
		m.Rate = &rateWindow{
			CallsInWindow:  calls,
			CallsRemaining: remaining,
			NextSlotMS:     s.RateLimiter.NextSlot().Milliseconds(),
		}
	}
	writeJSON(w, http.StatusOK, m)
}

type budgetUpdate struct {
	DailyUSD   *float64 `json:"daily_usd,omitempty"`
	WeeklyUSD  *float64 `json:"weekly_usd,omitempty"`
	MonthlyUSD *float64 `json:"monthly_usd,omitempty"`
}

// HandleUpdateBudget changes the spend caps given in the body. Omitted caps
// keep their value, 0 removes a cap. Changes last until restart.
func (s *Server) HandleUpdateBudget(w http.ResponseWriter, r *http.Request) {
	if s.Budget == nil {
		writeError(w, http.StatusNotFound, "budget tracking is not enabled")
		return
	}
	var req budgetUpdate
	if !readJSON(w, r, &req) {
		return
	}
	updates := []struct {
		usd   *float64
		apply func(float64) error
	}{
		{req.DailyUSD, s.Budget.UpdateDailyBudget},
		{req.WeeklyUSD, s.Budget.UpdateWeeklyBudget},
		{req.MonthlyUSD, s.Budget.UpdateMonthlyBudget},
	}
	for _, u := range updates {
		if u.usd != nil && *u.usd < 0 {
			writeError(w, http.StatusBadRequest, "budget caps cannot be negative")
			return
		}
	}
	for _, u := range updates {
		if u.usd == nil {
			continue
		}
		if err := u.apply(*u.usd); err != nil {
			handleError(w, s.requestLog(r), err, "failed to update budget")
			return
		}
	}
	writeJSON(w, http.StatusOK, s.Budget.GetBudgetLimits())
}

package provider

// Thresholds used by the recommendation rules.
const (
	// LargeContextTokens routes requests above this size to the largest-context adapter.
	LargeContextTokens = 100_000

	// LowBudgetUSD routes jobs whose per-job budget is below this to the cheapest adapter.
	LowBudgetUSD = 0.05
)

// Requirements describe a task for RecommendForTask.
type Requirements struct {
	ContextLength   int     `json:"context_length,omitempty"`
	NeedsCitations  bool    `json:"needs_citations,omitempty"`
	NeedsRealTime   bool    `json:"needs_real_time,omitempty"`
	Budget          float64 `json:"budget,omitempty"` // USD per job, 0 = unconstrained
	NeedsVision     bool    `json:"needs_vision,omitempty"`
	NeedsEmbeddings bool    `json:"needs_embeddings,omitempty"`
}

type recommendRule struct {
	name  string
	match func(Requirements) bool
	pick  func([]Adapter) (Adapter, bool)
}

// Evaluated in order; the first rule that matches and finds an adapter wins.
var recommendRules = []recommendRule{
	{
		name:  "large-context",
		match: func(req Requirements) bool { return req.ContextLength > LargeContextTokens },
		pick:  pickMaxContext,
	},
	{
		name:  "search",
		match: func(req Requirements) bool { return req.NeedsCitations || req.NeedsRealTime },
		pick:  pickCapability(func(c Capabilities) bool { return c.Search }),
	},
	{
		name:  "low-budget",
		match: func(req Requirements) bool { return req.Budget > 0 && req.Budget < LowBudgetUSD },
		pick:  pickCheapest,
	},
	{
		name:  "vision",
		match: func(req Requirements) bool { return req.NeedsVision },
		pick:  pickCapability(func(c Capabilities) bool { return c.Vision }),
	},
	{
		name:  "embeddings",
		match: func(req Requirements) bool { return req.NeedsEmbeddings },
		pick:  pickCapability(func(c Capabilities) bool { return c.Embeddings }),
	},
}

// RecommendForTask returns the adapter type suited to the requirements.
// Only available adapters are considered; ties go to the earlier registration.
// Without a matching rule the system default is returned.
func (r *Registry) RecommendForTask(taskType string, req Requirements) Type {
	var available []Adapter
	for _, a := range r.Adapters() {
		if a.Available() {
			available = append(available, a)
		}
	}

	for _, rule := range recommendRules {
		if !rule.match(req) {
			continue
		}
		if a, ok := rule.pick(available); ok {
			r.logger.Debugw("Recommended provider", "task_type", taskType, "rule", rule.name, "provider", a.Type())
			return a.Type()
		}
	}
	return r.defaultType
}

func pickMaxContext(adapters []Adapter) (Adapter, bool) {
	var best Adapter
	bestCtx := 0
	for _, a := range adapters {
		if c := maxContext(a.Models()); c > bestCtx {
			best, bestCtx = a, c
		}
	}
	return best, best != nil
}

func pickCheapest(adapters []Adapter) (Adapter, bool) {
	var best Adapter
	bestPrice := 0.0
	for _, a := range adapters {
		m, ok := cheapestModel(a.Models())
		if !ok {
			continue
		}
		price := m.InputCostPer1K + m.OutputCostPer1K
		if best == nil || price < bestPrice {
			best, bestPrice = a, price
		}
	}
	return best, best != nil
}

func pickCapability(has func(Capabilities) bool) func([]Adapter) (Adapter, bool) {
	return func(adapters []Adapter) (Adapter, bool) {
		for _, a := range adapters {
			if has(a.Capabilities()) {
				return a, true
			}
		}
		return nil, false
	}
}

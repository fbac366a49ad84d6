package trapgate

// ScenarioRegistry indexes the policy book's scenarios by threat category.
// Built once per config snapshot; immutable afterwards.
type ScenarioRegistry struct {
	byCategory map[string]*Scenario
	fallback   *Scenario
	strategies map[string]CounterStrategy
}

// NewScenarioRegistry builds the category index. Declaration order wins when
// two scenarios claim the same category.
func NewScenarioRegistry(policies *PolicyBook) *ScenarioRegistry {
	r := &ScenarioRegistry{
		byCategory: make(map[string]*Scenario),
		strategies: policies.CounterStrategies,
	}
	for i := range policies.Scenarios {
		sc := &policies.Scenarios[i]
		if sc.Fallback {
			r.fallback = sc
			continue
		}
		for _, cat := range sc.ThreatCategories {
			if _, taken := r.byCategory[cat]; !taken {
				r.byCategory[cat] = sc
			}
		}
	}
	return r
}

// Resolve returns the scenario for a threat category. A miss falls back to
// the generic scenario; missed reports it so the verdict can record the
// degradation.
func (r *ScenarioRegistry) Resolve(category string) (sc *Scenario, missed bool) {
	if sc, ok := r.byCategory[category]; ok {
		return sc, false
	}
	return r.fallback, true
}

// TierFor maps a risk level onto an intensity tier.
func TierFor(level RiskLevel) string {
	switch level {
	case RiskCritical:
		return "high"
	case RiskHigh:
		return "medium"
	default:
		return "low"
	}
}

// Default record counts when a scenario declares no counter strategy.
var defaultTiers = map[string]int{"low": 10, "medium": 25, "high": 60}

// Intensity resolves the numeric payload intensity for a scenario at a tier.
func (r *ScenarioRegistry) Intensity(sc *Scenario, tier string) int {
	if sc != nil && sc.CounterStrategy != "" {
		if cs, ok := r.strategies[sc.CounterStrategy]; ok {
			if n, ok := cs.Tiers[tier]; ok && n > 0 {
				return n
			}
		}
	}
	if n, ok := defaultTiers[tier]; ok {
		return n
	}
	return defaultTiers["low"]
}

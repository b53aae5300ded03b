package engine

import (
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rollout"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
)

// LegacyResult is the outcome of one legacy rule.
type LegacyResult struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Err     error  `json:"-"`
}

// EvaluateLegacy evaluates the flat legacy rule list: every rule yields one
// boolean keyed by its Key. A rule with rollout enabled additionally gates the
// match on IsRolledOut(userId, flagKey:ruleKey, rolloutPercent).
// A failing rule is reported on its own entry and does not stop the others.
func (e *Engine) EvaluateLegacy(flagKey string, legacy []rules.LegacyRule, traits rules.Context) []LegacyResult {
	out := make([]LegacyResult, 0, len(legacy))
	for i := range legacy {
		r := &legacy[i]
		res := LegacyResult{Key: r.Key}

		c := r.Condition()
		matched, err := e.evaluateCondition(&c, traits)
		if err != nil {
			res.Err = &EvaluationError{FlagKey: flagKey, RuleID: r.Key, Message: "condition failed", Cause: err}
			out = append(out, res)
			continue
		}
		if matched && r.Rollout {
			sticky := ""
			if v, ok := traits.Get(rules.DefaultStickinessAttr); ok {
				sticky, _ = v.Text()
			}
			in, err := rollout.IsRolledOut(sticky, flagKey+":"+r.Key, r.RolloutPercent)
			if err != nil {
				res.Err = &EvaluationError{FlagKey: flagKey, RuleID: r.Key, Message: "rollout failed", Cause: err}
				out = append(out, res)
				continue
			}
			matched = in
		}
		res.Enabled = matched
		out = append(out, res)
	}
	return out
}

// LegacyMap flattens legacy results into key -> enabled, skipping failed rules.
func LegacyMap(results []LegacyResult) map[string]bool {
	m := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Err == nil {
			m[r.Key] = r.Enabled
		}
	}
	return m
}

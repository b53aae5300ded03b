// Package engine evaluates published rule sets against a user context.
//
// Per flag the engine walks a fixed state machine: prerequisites, then the
// kill-switch, then the rules in priority order (a matching deny rule ends the
// scan), then the fallthrough default. Evaluation is pure over its inputs; an
// Engine holds no per-request state and is safe for concurrent use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/rollout"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
)

// Engine evaluates flags.
type Engine struct {
	now             func() time.Time
	maxSegmentDepth int
	maxPrereqDepth  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for the virtual "now" trait.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMaxSegmentDepth overrides MaxSegmentDepth.
func WithMaxSegmentDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSegmentDepth = n
		}
	}
}

// WithMaxPrerequisiteDepth overrides MaxPrerequisiteDepth.
func WithMaxPrerequisiteDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxPrereqDepth = n
		}
	}
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		now:             time.Now,
		maxSegmentDepth: MaxSegmentDepth,
		maxPrereqDepth:  MaxPrerequisiteDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate computes the result of flag for traits. Prerequisite flags are
// resolved through src, which may be nil when the flag has none.
// Errors are reported in Result.Err, never by panicking.
func (e *Engine) Evaluate(ctx context.Context, flag *Flag, traits rules.Context, src FlagSource) Result {
	return e.evaluate(ctx, flag, traits, src, nil)
}

func (e *Engine) evaluate(ctx context.Context, flag *Flag, traits rules.Context, src FlagSource, chain []string) Result {
	if flag == nil || flag.RuleSet == nil {
		key := ""
		if flag != nil {
			key = flag.Key
		}
		return Result{FlagKey: key, Reason: ReasonError, Bucket: -1,
			Err: &EvaluationError{FlagKey: key, Message: "cannot evaluate", Cause: ErrNoRuleSet}}
	}
	rs := flag.RuleSet
	chain = append(chain, flag.Key)

	for i, p := range rs.Prerequisites {
		met, err := e.prerequisiteMet(ctx, p, traits, src, chain)
		if err != nil {
			return e.failure(flag, "", fmt.Sprintf("prerequisite[%d] %q", i, p.FlagKey), err)
		}
		if !met {
			return e.terminal(flag, rs.OffVariation(), ReasonPrerequisiteFailed, MarkerPrerequisiteBlocked)
		}
	}

	if rs.Killswitch {
		return e.terminal(flag, rs.OffVariation(), ReasonKillswitch, MarkerKillswitch)
	}

	st := &matchState{traits: traits, segments: flag.Segments}
	for _, or := range rs.Ordered() {
		rule := or.Rule
		if rule.Disabled {
			continue
		}
		matched, err := e.evalMatch(rule.Match, st)
		if err != nil {
			return e.failure(flag, or.ID, "match failed", err)
		}
		if !matched {
			continue
		}
		if rule.Kind == rules.KindDeny {
			return e.terminal(flag, rs.OffVariation(), ReasonDenied, or.ID)
		}
		if rule.Kind == rules.KindAllow {
			return e.resolveOutcome(flag, or.ID, rule.Outcome, traits)
		}
	}

	return e.terminal(flag, rs.DefaultVar, ReasonFallthrough, MarkerFallthrough)
}

func (e *Engine) resolveOutcome(flag *Flag, ruleID string, out *rules.Outcome, traits rules.Context) Result {
	rs := flag.RuleSet
	switch {
	case out != nil && out.FixedVariation != nil:
		return e.terminal(flag, *out.FixedVariation, ReasonTargetingMatch, ruleID)

	case out != nil && out.Rollout != nil:
		dist := out.Rollout
		sticky, ok := traits.Get(dist.Stickiness())
		if !ok {
			return e.terminal(flag, rs.DefaultVar, ReasonRolloutFallback, ruleID)
		}
		stickyValue, ok := sticky.Text()
		if !ok {
			return e.terminal(flag, rs.DefaultVar, ReasonRolloutFallback, ruleID)
		}
		bucket, variation, ok := rollout.Assign(stickyValue, rolloutSalt(flag.Key, rs.Salt, ruleID), dist.Allocations)
		if !ok {
			res := e.terminal(flag, rs.DefaultVar, ReasonRolloutFallback, ruleID)
			res.Bucket = bucket
			return res
		}
		res := e.terminal(flag, variation, ReasonRollout, ruleID)
		res.Bucket = bucket
		return res

	default:
		return e.terminal(flag, VariationTrue, ReasonTargetingMatch, ruleID)
	}
}

// rolloutSalt is flagKey+salt when the rule set carries a salt, otherwise
// flagKey:ruleID so every rule buckets independently.
func rolloutSalt(flagKey, salt, ruleID string) string {
	if salt != "" {
		return flagKey + salt
	}
	return flagKey + ":" + ruleID
}

func (e *Engine) prerequisiteMet(ctx context.Context, p rules.Prerequisite, traits rules.Context, src FlagSource, chain []string) (bool, error) {
	for _, key := range chain {
		if key == p.FlagKey {
			cycle := append(append([]string{}, chain...), p.FlagKey)
			return false, &CyclicPrerequisiteError{Chain: cycle}
		}
	}
	if len(chain) > e.maxPrereqDepth {
		return false, fmt.Errorf("%w: limit %d", ErrPrerequisiteDepthExceeded, e.maxPrereqDepth)
	}
	if src == nil {
		return false, nil
	}

	dep, err := src.Flag(ctx, p.FlagKey)
	if errors.Is(err, ErrFlagNotFound) || (err == nil && dep == nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res := e.evaluate(ctx, dep, traits, src, chain)
	if res.Err != nil {
		return false, res.Err
	}
	for _, v := range p.Variations {
		if v == res.Variation {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) terminal(flag *Flag, variation string, reason Reason, ruleID string) Result {
	return Result{
		FlagKey:   flag.Key,
		Variation: variation,
		Reason:    reason,
		RuleID:    ruleID,
		Bucket:    -1,
	}
}

// failure builds an ERROR result. Cycle errors are kept as-is so callers can
// tell them apart; everything else is wrapped in an EvaluationError.
func (e *Engine) failure(flag *Flag, ruleID, msg string, err error) Result {
	res := e.terminal(flag, flag.RuleSet.DefaultVar, ReasonError, ruleID)
	var evalErr *EvaluationError
	switch {
	case IsCyclic(err), errors.As(err, &evalErr):
		res.Err = err
	default:
		res.Err = &EvaluationError{FlagKey: flag.Key, RuleID: ruleID, Message: msg, Cause: err}
	}
	return res
}

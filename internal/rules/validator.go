package rules

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/targeting"
)

// Sentinel errors carried by ConfigurationError.
var (
	ErrInvalidOperator         = errors.New("invalid operator")
	ErrInvalidOperand          = errors.New("invalid operand")
	ErrInvalidMatch            = errors.New("invalid match")
	ErrInvalidRule             = errors.New("invalid rule")
	ErrInvalidDistribution     = errors.New("invalid distribution")
	ErrDistributionSumExceeded = errors.New("distribution sum exceeds 100")
	ErrDuplicatePriority       = errors.New("duplicate priority")
	ErrUnknownVariation        = errors.New("unknown variation")
	ErrInvalidPrerequisite     = errors.New("invalid prerequisite")
	ErrInvalidExpression       = errors.New("invalid expression")
	ErrCyclicSegmentReference  = errors.New("cyclic segment reference")
)

// ConfigurationError lists every problem found while validating a document.
// It is reported to the author at publish time.
type ConfigurationError struct {
	FlagKey  string
	Problems []error
}

func (e *ConfigurationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	if e.FlagKey == "" {
		return fmt.Sprintf("configuration invalid: %s", strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("flag %q configuration invalid: %s", e.FlagKey, strings.Join(msgs, "; "))
}

// Unwrap exposes the individual problems to errors.Is / errors.As.
func (e *ConfigurationError) Unwrap() []error { return e.Problems }

// Messages returns the problem descriptions, e.g. for API responses.
func (e *ConfigurationError) Messages() []string {
	out := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		out[i] = p.Error()
	}
	return out
}

type collector struct {
	problems []error
}

func (c *collector) addf(sentinel error, path, format string, args ...any) {
	c.problems = append(c.problems, fmt.Errorf("%w: %s: %s", sentinel, path, fmt.Sprintf(format, args...)))
}

func (c *collector) result(flagKey string) error {
	if len(c.problems) == 0 {
		return nil
	}
	return &ConfigurationError{FlagKey: flagKey, Problems: c.problems}
}

// Validate checks a RuleSet before it is published. It is a pure function:
// it never mutates rs. It returns nil or a *ConfigurationError.
func Validate(flagKey string, rs RuleSet) error {
	c := &collector{}

	declared := map[string]struct{}{}
	for _, v := range rs.Variations {
		declared[v] = struct{}{}
	}
	checkVariation := func(path, v string) {
		if len(declared) == 0 {
			return
		}
		if _, ok := declared[v]; !ok {
			c.addf(ErrUnknownVariation, path, "variation %q is not declared", v)
		}
	}

	if strings.TrimSpace(rs.DefaultVar) == "" {
		c.addf(ErrUnknownVariation, "defaultVar", "must not be empty")
	} else {
		checkVariation("defaultVar", rs.DefaultVar)
	}
	if rs.OffVar != "" {
		checkVariation("offVar", rs.OffVar)
	}

	for i, p := range rs.Prerequisites {
		path := fmt.Sprintf("prerequisites[%d]", i)
		if strings.TrimSpace(p.FlagKey) == "" {
			c.addf(ErrInvalidPrerequisite, path, "flagKey must not be empty")
		} else if flagKey != "" && p.FlagKey == flagKey {
			c.addf(ErrInvalidPrerequisite, path, "flag cannot depend on itself")
		}
		if len(p.Variations) == 0 {
			c.addf(ErrInvalidPrerequisite, path, "at least one variation is required")
		}
	}

	priorities := map[int]int{}
	ids := map[string]int{}
	for i, r := range rs.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if r.ID != "" {
			if prev, dup := ids[r.ID]; dup {
				c.addf(ErrInvalidRule, path, "id %q already used by rules[%d]", r.ID, prev)
			}
			ids[r.ID] = i
		}
		if r.Priority != nil {
			if prev, dup := priorities[*r.Priority]; dup {
				c.addf(ErrDuplicatePriority, path, "priority %d already used by rules[%d]", *r.Priority, prev)
			}
			priorities[*r.Priority] = i
		}

		switch r.Kind {
		case KindAllow, KindDeny:
		default:
			c.addf(ErrInvalidRule, path, "kind %q must be %q or %q", r.Kind, KindAllow, KindDeny)
		}

		validateMatch(c, path+".match", r.Match)

		if r.Outcome == nil {
			continue
		}
		if r.Kind == KindDeny {
			c.addf(ErrInvalidRule, path+".outcome", "deny rules do not take an outcome")
		}
		if r.Outcome.FixedVariation != nil && r.Outcome.Rollout != nil {
			c.addf(ErrInvalidRule, path+".outcome", "fixedVariation and rollout are mutually exclusive")
		}
		if fv := r.Outcome.FixedVariation; fv != nil {
			if *fv == "" {
				c.addf(ErrUnknownVariation, path+".outcome.fixedVariation", "must not be empty")
			} else {
				checkVariation(path+".outcome.fixedVariation", *fv)
			}
		}
		if d := r.Outcome.Rollout; d != nil {
			validateDistribution(c, path+".outcome.rollout", *d, checkVariation)
		}
	}

	return c.result(flagKey)
}

func validateDistribution(c *collector, path string, d Distribution, checkVariation func(path, v string)) {
	if len(d.Allocations) == 0 {
		c.addf(ErrInvalidDistribution, path, "at least one allocation is required")
		return
	}
	sum := 0
	for i, a := range d.Allocations {
		apath := fmt.Sprintf("%s.allocations[%d]", path, i)
		if a.Variation == "" {
			c.addf(ErrInvalidDistribution, apath, "variation must not be empty")
		} else {
			checkVariation(apath, a.Variation)
		}
		if a.Percent < 0 || a.Percent > 100 {
			c.addf(ErrInvalidDistribution, apath, "percent %d outside 0..100", a.Percent)
		}
		sum += a.Percent
	}
	if sum > 100 {
		c.addf(ErrDistributionSumExceeded, path, "allocations sum to %d", sum)
	}
}

func validateMatch(c *collector, path string, m Match) {
	switch m.Kind {
	case MatchAll, MatchAny:
		for i, child := range m.Children {
			validateMatch(c, fmt.Sprintf("%s.%s[%d]", path, m.Kind, i), child)
		}
	case MatchCond:
		if m.Cond == nil {
			c.addf(ErrInvalidMatch, path, "cond node without a condition")
			return
		}
		validateCondition(c, path+".cond", *m.Cond)
	case MatchSegment:
		if strings.TrimSpace(m.SegmentID) == "" {
			c.addf(ErrInvalidMatch, path, "segmentId must not be empty")
		}
	case MatchExpr:
		if err := targeting.ValidateExpression(m.Expr); err != nil {
			c.addf(ErrInvalidExpression, path+".expr", "%v", err)
		}
	default:
		if len(m.variants) == 0 {
			c.addf(ErrInvalidMatch, path, "exactly one of all, any, cond, segmentId, expr is required")
		} else {
			c.addf(ErrInvalidMatch, path, "exactly one variant allowed, got %s", strings.Join(m.variants, ", "))
		}
	}
}

func validateCondition(c *collector, path string, cond Condition) {
	if strings.TrimSpace(cond.Attr) == "" {
		c.addf(ErrInvalidOperand, path, "attr must not be empty")
	}
	op := cond.Op.Normalize()
	want, ok := OperandFor(op)
	if !ok {
		c.addf(ErrInvalidOperator, path, "operator %q is not supported", cond.Op)
		return
	}

	got := cond.populatedOperands()
	if len(got) != 1 || got[0] != want {
		c.addf(ErrInvalidOperand, path, "operator %q requires exactly the %q operand", op, want)
		return
	}

	switch want {
	case FieldValue:
		validateValueOperand(c, path+".value", op, *cond.Value)
	case FieldValues:
		for i, v := range cond.Values {
			if v.IsNull() || v.Kind() == KindList {
				c.addf(ErrInvalidOperand, fmt.Sprintf("%s.values[%d]", path, i), "must be a string, number or bool")
			}
		}
	case FieldRange:
		if cond.Range.Start > cond.Range.End {
			c.addf(ErrInvalidOperand, path+".range", "start %d is after end %d", cond.Range.Start, cond.Range.End)
		}
	case FieldWindow:
		validateWindow(c, path+".window", *cond.Window)
	}
}

func validateValueOperand(c *collector, path string, op Operator, v Value) {
	if v.IsNull() {
		c.addf(ErrInvalidOperand, path, "must not be null")
		return
	}
	switch op {
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := v.AsNumber(); !ok {
			c.addf(ErrInvalidOperand, path, "operator %q requires a numeric value", op)
		}
	case OpContains, OpNotContains:
		if v.Kind() == KindList {
			c.addf(ErrInvalidOperand, path, "operator %q requires a scalar value", op)
		}
	case OpRegex:
		s, ok := v.AsString()
		if !ok {
			c.addf(ErrInvalidOperand, path, "regex pattern must be a string")
			return
		}
		if _, err := regexp.Compile(s); err != nil {
			c.addf(ErrInvalidOperand, path, "regex does not compile: %v", err)
		}
	case OpSemverGte:
		s, ok := v.AsString()
		if !ok {
			c.addf(ErrInvalidOperand, path, "semver operand must be a string")
			return
		}
		if _, err := semver.NewVersion(s); err != nil {
			c.addf(ErrInvalidOperand, path, "invalid semantic version %q", s)
		}
	case OpCIDRIn:
		s, ok := v.AsString()
		if !ok {
			c.addf(ErrInvalidOperand, path, "cidr operand must be a string")
			return
		}
		if _, err := netip.ParsePrefix(s); err != nil {
			c.addf(ErrInvalidOperand, path, "invalid CIDR %q", s)
		}
	}
}

func validateWindow(c *collector, path string, w Window) {
	if w.StartISO == "" && w.EndISO == "" {
		c.addf(ErrInvalidOperand, path, "at least one of startIso, endIso is required")
		return
	}
	var start, end time.Time
	var err error
	if w.StartISO != "" {
		if start, err = time.Parse(time.RFC3339, w.StartISO); err != nil {
			c.addf(ErrInvalidOperand, path+".startIso", "not an RFC3339 timestamp")
			return
		}
	}
	if w.EndISO != "" {
		if end, err = time.Parse(time.RFC3339, w.EndISO); err != nil {
			c.addf(ErrInvalidOperand, path+".endIso", "not an RFC3339 timestamp")
			return
		}
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		c.addf(ErrInvalidOperand, path, "startIso is after endIso")
	}
}

// ValidateSegments checks every segment definition and rejects reference
// cycles between segments.
func ValidateSegments(segs Segments) error {
	c := &collector{}
	for id, seg := range segs {
		if seg.ID != "" && seg.ID != id {
			c.addf(ErrInvalidMatch, "segments."+id, "id %q does not match key", seg.ID)
		}
		validateMatch(c, "segments."+id+".definition", seg.Definition)
	}

	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(segs))
	var visit func(id string, chain []string)
	visit = func(id string, chain []string) {
		switch state[id] {
		case done:
			return
		case inProgress:
			c.addf(ErrCyclicSegmentReference, "segments."+id, "cycle %s", strings.Join(append(chain, id), " -> "))
			return
		}
		seg, ok := segs[id]
		if !ok {
			return
		}
		state[id] = inProgress
		for _, ref := range SegmentRefs(seg.Definition) {
			visit(ref, append(chain, id))
		}
		state[id] = done
	}
	for _, id := range sortedKeys(segs) {
		visit(id, nil)
	}
	return c.result("")
}

// ValidateLegacy checks a legacy rule list. Unknown operators are rejected here
// so they never reach evaluation.
func ValidateLegacy(flagKey string, legacy []LegacyRule) error {
	c := &collector{}
	keys := map[string]int{}
	for i, r := range legacy {
		path := fmt.Sprintf("rules[%d]", i)
		if strings.TrimSpace(r.Key) == "" {
			c.addf(ErrInvalidRule, path, "key must not be empty")
		} else if prev, dup := keys[r.Key]; dup {
			c.addf(ErrInvalidRule, path, "key %q already used by rules[%d]", r.Key, prev)
		} else {
			keys[r.Key] = i
		}
		if r.Rollout && (r.RolloutPercent < 0 || r.RolloutPercent > 100) {
			c.addf(ErrInvalidDistribution, path, "rolloutPercent %d outside 0..100", r.RolloutPercent)
		}
		if !r.Op.Known() {
			c.addf(ErrInvalidOperator, path, "operator %q is not supported", r.Op)
			continue
		}
		validateCondition(c, path, r.Condition())
	}
	return c.result(flagKey)
}

// SegmentRefs returns the segment ids referenced directly by m, in tree order.
func SegmentRefs(m Match) []string {
	var out []string
	var walk func(Match)
	walk = func(n Match) {
		switch n.Kind {
		case MatchSegment:
			out = append(out, n.SegmentID)
		case MatchAll, MatchAny:
			for _, child := range n.Children {
				walk(child)
			}
		}
	}
	walk(m)
	return out
}

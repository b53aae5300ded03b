package rules

import "strings"

// Operator represents a comparison operator used in targeting conditions.
type Operator string

// Supported targeting operators (string values for clean JSON serialization).
const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpRegex       Operator = "regex"
	OpSemverGte   Operator = "semver_gte"
	OpCIDRIn      Operator = "cidr_in"
	OpBetween     Operator = "between"
	OpTimeWindow  Operator = "time_window"
)

// Normalize maps accepted aliases onto the canonical operator name.
// Unknown operators are returned lower-cased and unchanged otherwise.
func (op Operator) Normalize() Operator {
	switch strings.ToLower(strings.TrimSpace(string(op))) {
	case "eq", "==", "equals":
		return OpEq
	case "neq", "!=", "not_equals":
		return OpNeq
	case "gt", ">":
		return OpGt
	case "gte", ">=":
		return OpGte
	case "lt", "<":
		return OpLt
	case "lte", "<=":
		return OpLte
	case "in", "in_list":
		return OpIn
	case "not_in", "not_in_list", "nin":
		return OpNotIn
	case "contains":
		return OpContains
	case "not_contains":
		return OpNotContains
	case "regex", "matches":
		return OpRegex
	case "semver_gte", "version_gte":
		return OpSemverGte
	case "cidr_in":
		return OpCIDRIn
	case "between":
		return OpBetween
	case "time_window":
		return OpTimeWindow
	default:
		return Operator(strings.ToLower(string(op)))
	}
}

// Known reports whether op (after normalization) belongs to the closed operator set.
func (op Operator) Known() bool {
	_, ok := operandFields[op.Normalize()]
	return ok
}

// OperandField names the Condition field an operator reads.
type OperandField string

const (
	FieldValue  OperandField = "value"
	FieldValues OperandField = "values"
	FieldRange  OperandField = "range"
	FieldWindow OperandField = "window"
)

var operandFields = map[Operator]OperandField{
	OpEq:          FieldValue,
	OpNeq:         FieldValue,
	OpGt:          FieldValue,
	OpGte:         FieldValue,
	OpLt:          FieldValue,
	OpLte:         FieldValue,
	OpIn:          FieldValues,
	OpNotIn:       FieldValues,
	OpContains:    FieldValue,
	OpNotContains: FieldValue,
	OpRegex:       FieldValue,
	OpSemverGte:   FieldValue,
	OpCIDRIn:      FieldValue,
	OpBetween:     FieldRange,
	OpTimeWindow:  FieldWindow,
}

// OperandFor returns the operand field op requires.
func OperandFor(op Operator) (OperandField, bool) {
	f, ok := operandFields[op.Normalize()]
	return f, ok
}

// Range is an inclusive numeric interval used by the between operator.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Window is a time interval used by the time_window operator. Empty bounds are open.
type Window struct {
	StartISO string `json:"startIso,omitempty"`
	EndISO   string `json:"endIso,omitempty"`
}

// Condition is a single targeting predicate. Exactly one operand field is
// populated, as determined by Op.
type Condition struct {
	Attr   string   `json:"attr"`
	Op     Operator `json:"op"`
	Value  *Value   `json:"value,omitempty"`
	Values []Value  `json:"values,omitempty"`
	Range  *Range   `json:"range,omitempty"`
	Window *Window  `json:"window,omitempty"`
}

// populatedOperands lists which operand fields are set.
func (c Condition) populatedOperands() []OperandField {
	var out []OperandField
	if c.Value != nil {
		out = append(out, FieldValue)
	}
	if c.Values != nil {
		out = append(out, FieldValues)
	}
	if c.Range != nil {
		out = append(out, FieldRange)
	}
	if c.Window != nil {
		out = append(out, FieldWindow)
	}
	return out
}

// RuleKind decides what a matching rule does.
type RuleKind string

const (
	KindAllow RuleKind = "allow"
	KindDeny  RuleKind = "deny"
)

// Rule is one entry of a RuleSet. Lower index (or lower explicit Priority)
// means higher priority.
type Rule struct {
	ID       string   `json:"id,omitempty"`
	Kind     RuleKind `json:"kind"`
	Disabled bool     `json:"disabled,omitempty"`
	Priority *int     `json:"priority,omitempty"`
	Match    Match    `json:"match"`
	Outcome  *Outcome `json:"outcome,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Outcome resolves an allow match: a fixed variation or a rollout. When
// neither is set the rule resolves to the boolean-true variation.
type Outcome struct {
	FixedVariation *string       `json:"fixedVariation,omitempty"`
	Rollout        *Distribution `json:"rollout,omitempty"`
}

// Allocation claims Percent buckets for Variation.
type Allocation struct {
	Variation string `json:"variation"`
	Percent   int    `json:"percent"`
}

// Distribution splits matching users across variations by bucket.
type Distribution struct {
	StickinessAttr string       `json:"stickinessAttr,omitempty"`
	Allocations    []Allocation `json:"allocations"`
}

// Stickiness returns the trait used to seed bucketing.
func (d Distribution) Stickiness() string {
	if strings.TrimSpace(d.StickinessAttr) == "" {
		return DefaultStickinessAttr
	}
	return d.StickinessAttr
}

// Prerequisite gates a flag on another flag's evaluated variation.
type Prerequisite struct {
	FlagKey    string   `json:"flagKey"`
	Variations []string `json:"variations"`
}

// RuleSet is the published, immutable targeting configuration of one flag in
// one environment.
type RuleSet struct {
	Prerequisites []Prerequisite `json:"prerequisites,omitempty"`
	Rules         []Rule         `json:"rules"`
	DefaultVar    string         `json:"defaultVar"`
	OffVar        string         `json:"offVar,omitempty"`
	Killswitch    bool           `json:"killswitch,omitempty"`
	Salt          string         `json:"salt,omitempty"`
	Variations    []string       `json:"variations,omitempty"`
}

// OffVariation is the value served for killed, denied and blocked evaluations.
func (rs *RuleSet) OffVariation() string {
	if rs.OffVar != "" {
		return rs.OffVar
	}
	return rs.DefaultVar
}

// Segment is a named, reusable Match subtree.
type Segment struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Definition Match  `json:"definition"`
}

// Segments indexes segments by id.
type Segments map[string]Segment

// LegacyRule is the flat single-condition rule format served to older SDKs.
// Each rule yields one boolean keyed by Key.
type LegacyRule struct {
	Key            string   `json:"key"`
	Field          string   `json:"field"`
	Op             Operator `json:"op"`
	Value          Value    `json:"value"`
	Rollout        bool     `json:"rollout,omitempty"`
	RolloutPercent int      `json:"rolloutPercent,omitempty"`
}

// Condition converts the legacy rule into a model Condition.
func (r LegacyRule) Condition() Condition {
	c := Condition{Attr: r.Field, Op: r.Op.Normalize()}
	if f, ok := OperandFor(c.Op); ok && f == FieldValues {
		if items, ok := r.Value.AsList(); ok {
			c.Values = items
			return c
		}
	}
	v := r.Value
	c.Value = &v
	return c
}

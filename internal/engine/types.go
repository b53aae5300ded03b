package engine

import (
	"context"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
)

// Reason represents evaluation result reason.
type Reason string

const (
	ReasonPrerequisiteFailed Reason = "PREREQUISITE_FAILED"
	ReasonKillswitch         Reason = "KILLSWITCH"
	ReasonDenied             Reason = "DENIED"
	ReasonTargetingMatch     Reason = "TARGETING_MATCH"
	ReasonRollout            Reason = "ROLLOUT"
	ReasonRolloutFallback    Reason = "ROLLOUT_FALLBACK"
	ReasonFallthrough        Reason = "FALLTHROUGH"
	ReasonError              Reason = "ERROR"
)

// Attribution markers reported as RuleID when no rule produced the result.
const (
	MarkerFallthrough         = "fallthrough"
	MarkerKillswitch          = "killswitch"
	MarkerPrerequisiteBlocked = "prerequisite-blocked"
)

// Variations used by boolean flags.
const (
	VariationTrue  = "true"
	VariationFalse = "false"
)

// Recursion bounds.
const (
	MaxSegmentDepth      = 32
	MaxPrerequisiteDepth = 16
)

// Flag is a published flag ready for evaluation: its rule set and the
// segments its match trees may reference.
type Flag struct {
	Key      string
	Version  int64
	RuleSet  *rules.RuleSet
	Segments rules.Segments
}

// FlagSource resolves prerequisite flags. Implementations return
// ErrFlagNotFound (possibly wrapped) for unknown keys.
type FlagSource interface {
	Flag(ctx context.Context, key string) (*Flag, error)
}

// FlagSourceFunc adapts a function to FlagSource.
type FlagSourceFunc func(ctx context.Context, key string) (*Flag, error)

// Flag implements FlagSource.
func (f FlagSourceFunc) Flag(ctx context.Context, key string) (*Flag, error) { return f(ctx, key) }

// MapSource is a static FlagSource keyed by flag key.
type MapSource map[string]*Flag

// Flag implements FlagSource.
func (m MapSource) Flag(_ context.Context, key string) (*Flag, error) {
	if f, ok := m[key]; ok {
		return f, nil
	}
	return nil, ErrFlagNotFound
}

// Result is the deterministic output of Evaluate.
type Result struct {
	FlagKey   string `json:"flagKey"`
	Variation string `json:"variation"`
	Reason    Reason `json:"reason"`
	RuleID    string `json:"ruleId"`
	// Bucket is the rollout bucket, or -1 when no bucketing happened.
	Bucket int   `json:"bucket"`
	Err    error `json:"-"`
}

// Value projects the variation for clients: "true"/"false" become booleans,
// anything else is returned as a string.
func (r Result) Value() any {
	switch r.Variation {
	case VariationTrue:
		return true
	case VariationFalse:
		return false
	default:
		return r.Variation
	}
}

// Failed reports whether the evaluation ended in an error.
func (r Result) Failed() bool { return r.Err != nil }

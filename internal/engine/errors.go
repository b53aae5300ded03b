package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
)

// Sentinel errors
var (
	// ErrCyclicSegmentReference matches every *CyclicSegmentError.
	ErrCyclicSegmentReference = rules.ErrCyclicSegmentReference

	// ErrCyclicFlagPrerequisite matches every *CyclicPrerequisiteError.
	ErrCyclicFlagPrerequisite = errors.New("cyclic flag prerequisite")

	// ErrFlagNotFound is returned by a FlagSource for an unknown flag key.
	ErrFlagNotFound = errors.New("flag not found")

	// ErrSegmentDepthExceeded indicates segment nesting deeper than MaxSegmentDepth.
	ErrSegmentDepthExceeded = errors.New("segment nesting too deep")

	// ErrPrerequisiteDepthExceeded indicates a prerequisite chain longer than MaxPrerequisiteDepth.
	ErrPrerequisiteDepthExceeded = errors.New("prerequisite chain too deep")

	// ErrInvalidPattern indicates a regex operand that does not compile.
	ErrInvalidPattern = errors.New("invalid regex pattern")

	// ErrNoRuleSet indicates a flag handed to the engine without a rule set.
	ErrNoRuleSet = errors.New("flag has no rule set")
)

// EvaluationError is a failure local to one flag evaluation.
type EvaluationError struct {
	FlagKey string
	RuleID  string
	Message string
	Cause   error
}

// Error returns the error message.
func (e *EvaluationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "flag %s", e.FlagKey)
	if e.RuleID != "" {
		fmt.Fprintf(&b, " rule %s", e.RuleID)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

// CyclicSegmentError reports a segment that references itself, directly or
// through other segments.
type CyclicSegmentError struct {
	Chain []string
}

// Error returns the error message.
func (e *CyclicSegmentError) Error() string {
	return fmt.Sprintf("cyclic segment reference: %s", strings.Join(e.Chain, " -> "))
}

// Is matches ErrCyclicSegmentReference.
func (e *CyclicSegmentError) Is(target error) bool {
	return target == ErrCyclicSegmentReference
}

// CyclicPrerequisiteError reports a prerequisite chain that returns to a flag
// already being evaluated.
type CyclicPrerequisiteError struct {
	Chain []string
}

// Error returns the error message.
func (e *CyclicPrerequisiteError) Error() string {
	return fmt.Sprintf("cyclic flag prerequisite: %s", strings.Join(e.Chain, " -> "))
}

// Is matches ErrCyclicFlagPrerequisite.
func (e *CyclicPrerequisiteError) Is(target error) bool {
	return target == ErrCyclicFlagPrerequisite
}

// IsCyclic reports whether err is a segment or prerequisite cycle.
func IsCyclic(err error) bool {
	return errors.Is(err, ErrCyclicSegmentReference) || errors.Is(err, ErrCyclicFlagPrerequisite)
}

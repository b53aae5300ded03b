// Package rollout assigns users to rollout buckets (0-99). It guarantees:
//   - Same sticky value and salt always land in the same bucket
//   - Increasing a rollout from 10% to 20% only adds users, never removes
//   - Allocations claim contiguous bucket ranges in declaration order
package rollout

import (
	"errors"
	"fmt"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
)

// ErrInvalidRollout is returned when a rollout percentage is not in 0..100.
var ErrInvalidRollout = errors.New("rollout must be between 0 and 100")

// ErrAllocationsExceed is returned when allocation percentages sum above 100.
var ErrAllocationsExceed = errors.New("allocation percentages exceed 100")

// IsRolledOut is the single-percentage gate used by legacy rules:
// the user is included when bucket < percent.
//
// Special cases:
//   - percent=0: always false
//   - percent=100: always true
//   - stickyValue="": false (no user context means no targeting)
func IsRolledOut(stickyValue, salt string, percent int) (bool, error) {
	if percent < 0 || percent > 100 {
		return false, ErrInvalidRollout
	}
	if percent == 0 {
		return false, nil
	}
	if percent == 100 {
		return true, nil
	}
	if stickyValue == "" {
		return false, nil
	}
	return Bucket(stickyValue, salt) < percent, nil
}

// Allocate maps a bucket onto allocations by cumulative ranges:
// allocation i claims [cum(i-1), cum(i)). A bucket beyond the total claims
// nothing and ok is false.
//
// Example: [A:25, B:25, C:50]
//   - bucket 0-24  -> A
//   - bucket 25-49 -> B
//   - bucket 50-99 -> C
func Allocate(bucket int, allocations []rules.Allocation) (variation string, ok bool) {
	if bucket < 0 {
		return "", false
	}
	cumulative := 0
	for _, a := range allocations {
		if a.Percent <= 0 {
			continue
		}
		cumulative += a.Percent
		if bucket < cumulative {
			return a.Variation, true
		}
	}
	return "", false
}

// ValidateAllocations checks each percent lies in 0..100 and the total does not exceed 100.
func ValidateAllocations(allocations []rules.Allocation) error {
	total := 0
	for _, a := range allocations {
		if a.Percent < 0 || a.Percent > 100 {
			return fmt.Errorf("%w: %q has %d", ErrInvalidRollout, a.Variation, a.Percent)
		}
		total += a.Percent
	}
	if total > 100 {
		return fmt.Errorf("%w: got %d", ErrAllocationsExceed, total)
	}
	return nil
}

// Assign buckets stickyValue under salt and maps it onto allocations.
func Assign(stickyValue, salt string, allocations []rules.Allocation) (bucket int, variation string, ok bool) {
	bucket = Bucket(stickyValue, salt)
	variation, ok = Allocate(bucket, allocations)
	return bucket, variation, ok
}

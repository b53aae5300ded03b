package engine

import (
	"errors"
	"fmt"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/targeting"
)

// matchState carries the per-evaluation inputs of a match tree walk. visiting
// holds the segment ids on the current path.
type matchState struct {
	traits   rules.Context
	segments rules.Segments
	visiting []string
}

func (st *matchState) onPath(id string) bool {
	for _, v := range st.visiting {
		if v == id {
			return true
		}
	}
	return false
}

// Match evaluates a match tree against traits, resolving segment references
// through segments. It is exported for tooling that evaluates a single tree.
func (e *Engine) Match(m rules.Match, traits rules.Context, segments rules.Segments) (bool, error) {
	return e.evalMatch(m, &matchState{traits: traits, segments: segments})
}

func (e *Engine) evalMatch(m rules.Match, st *matchState) (bool, error) {
	switch m.Kind {
	case rules.MatchAll:
		for _, child := range m.Children {
			ok, err := e.evalMatch(child, st)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case rules.MatchAny:
		for _, child := range m.Children {
			ok, err := e.evalMatch(child, st)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case rules.MatchCond:
		ok, err := e.evaluateCondition(m.Cond, st.traits)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		return ok, nil

	case rules.MatchSegment:
		return e.evalSegment(m.SegmentID, st)

	case rules.MatchExpr:
		ok, err := targeting.Evaluate(m.Expr, targeting.Attributes(st.traits.Map()))
		if err != nil {
			return false, err
		}
		return ok, nil

	default:
		return false, nil
	}
}

func (e *Engine) evalSegment(id string, st *matchState) (bool, error) {
	if st.onPath(id) {
		chain := append(append([]string{}, st.visiting...), id)
		return false, &CyclicSegmentError{Chain: chain}
	}
	seg, ok := st.segments[id]
	if !ok {
		return false, nil
	}
	if len(st.visiting) >= e.maxSegmentDepth {
		return false, fmt.Errorf("%w: limit %d at segment %q", ErrSegmentDepthExceeded, e.maxSegmentDepth, id)
	}

	st.visiting = append(st.visiting, id)
	matched, err := e.evalMatch(seg.Definition, st)
	st.visiting = st.visiting[:len(st.visiting)-1]
	if err != nil {
		var cyc *CyclicSegmentError
		if errors.As(err, &cyc) {
			return false, err
		}
		return false, fmt.Errorf("segment %q: %w", id, err)
	}
	return matched, nil
}

package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MatchKind tags the populated variant of a Match node.
type MatchKind uint8

const (
	// MatchInvalid marks a node that populated zero or several variants.
	MatchInvalid MatchKind = iota
	MatchAll
	MatchAny
	MatchCond
	MatchSegment
	MatchExpr
)

func (k MatchKind) String() string {
	switch k {
	case MatchAll:
		return "all"
	case MatchAny:
		return "any"
	case MatchCond:
		return "cond"
	case MatchSegment:
		return "segmentId"
	case MatchExpr:
		return "expr"
	default:
		return "invalid"
	}
}

// Match is a tagged union over targeting predicates:
//
//	{"all": [...]}        AND over children, vacuously true when empty
//	{"any": [...]}        OR over children, false when empty
//	{"cond": {...}}       leaf condition
//	{"segmentId": "..."}  reference resolved against the caller's segments
//	{"expr": "..."}       JSON Logic expression over the context
//
// Only the field selected by Kind is meaningful.
type Match struct {
	Kind      MatchKind
	Children  []Match
	Cond      *Condition
	SegmentID string
	Expr      string

	// variants records which keys were present when decoded; used for diagnostics.
	variants []string
}

// All builds an AND node.
func All(children ...Match) Match { return Match{Kind: MatchAll, Children: nonNil(children)} }

// Any builds an OR node.
func Any(children ...Match) Match { return Match{Kind: MatchAny, Children: nonNil(children)} }

// Cond builds a leaf node.
func Cond(c Condition) Match { return Match{Kind: MatchCond, Cond: &c} }

// SegmentRef builds a segment reference node.
func SegmentRef(id string) Match { return Match{Kind: MatchSegment, SegmentID: id} }

// Expr builds a JSON Logic leaf node.
func Expr(expression string) Match { return Match{Kind: MatchExpr, Expr: expression} }

func nonNil(children []Match) []Match {
	if children == nil {
		return []Match{}
	}
	return children
}

type matchWire struct {
	All       *[]Match   `json:"all,omitempty"`
	Any       *[]Match   `json:"any,omitempty"`
	Cond      *Condition `json:"cond,omitempty"`
	SegmentID *string    `json:"segmentId,omitempty"`
	Expr      *string    `json:"expr,omitempty"`
}

// MarshalJSON emits only the key of the populated variant.
func (m Match) MarshalJSON() ([]byte, error) {
	var w matchWire
	switch m.Kind {
	case MatchAll:
		children := nonNil(m.Children)
		w.All = &children
	case MatchAny:
		children := nonNil(m.Children)
		w.Any = &children
	case MatchCond:
		w.Cond = m.Cond
	case MatchSegment:
		id := m.SegmentID
		w.SegmentID = &id
	case MatchExpr:
		expr := m.Expr
		w.Expr = &expr
	default:
		return nil, fmt.Errorf("cannot encode match node of kind %s", m.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a node. Objects carrying zero or several variant keys
// decode to MatchInvalid so the validator can report them.
func (m *Match) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = Match{}
		return nil
	}
	var w matchWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var out Match
	if w.All != nil {
		out.variants = append(out.variants, "all")
		out.Kind, out.Children = MatchAll, nonNil(*w.All)
	}
	if w.Any != nil {
		out.variants = append(out.variants, "any")
		out.Kind, out.Children = MatchAny, nonNil(*w.Any)
	}
	if w.Cond != nil {
		out.variants = append(out.variants, "cond")
		out.Kind, out.Cond = MatchCond, w.Cond
	}
	if w.SegmentID != nil {
		out.variants = append(out.variants, "segmentId")
		out.Kind, out.SegmentID = MatchSegment, *w.SegmentID
	}
	if w.Expr != nil {
		out.variants = append(out.variants, "expr")
		out.Kind, out.Expr = MatchExpr, *w.Expr
	}
	if len(out.variants) != 1 {
		out.Kind = MatchInvalid
	}
	*m = out
	return nil
}

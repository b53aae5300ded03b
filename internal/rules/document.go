package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedDocument is returned when a serialized rules blob is neither a
// RuleSet object nor a legacy rule array.
var ErrMalformedDocument = errors.New("malformed rules document")

// Document is a decoded rules blob. Exactly one of RuleSet and Legacy is set.
type Document struct {
	RuleSet *RuleSet
	Legacy  []LegacyRule
}

// IsLegacy reports whether the blob used the flat legacy rule format.
func (d *Document) IsLegacy() bool { return d.RuleSet == nil }

// Decode parses a serialized rules blob. A JSON array is a legacy rule list,
// a JSON object is a RuleSet.
func Decode(blob []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(blob)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedDocument)
	}
	switch trimmed[0] {
	case '[':
		var legacy []LegacyRule
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		if legacy == nil {
			legacy = []LegacyRule{}
		}
		return &Document{Legacy: legacy}, nil
	case '{':
		var rs RuleSet
		if err := json.Unmarshal(trimmed, &rs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		return &Document{RuleSet: &rs}, nil
	default:
		return nil, fmt.Errorf("%w: expected a JSON object or array", ErrMalformedDocument)
	}
}

// Validate runs the validator matching the document format.
func (d *Document) Validate(flagKey string) error {
	if d.IsLegacy() {
		return ValidateLegacy(flagKey, d.Legacy)
	}
	return Validate(flagKey, *d.RuleSet)
}

// Encode serializes the document back to its wire form.
func (d *Document) Encode() ([]byte, error) {
	if d.IsLegacy() {
		return json.Marshal(d.Legacy)
	}
	return json.Marshal(d.RuleSet)
}

// DecodeSegment parses a serialized segment.
func DecodeSegment(blob []byte) (Segment, error) {
	var seg Segment
	if err := json.Unmarshal(blob, &seg); err != nil {
		return Segment{}, fmt.Errorf("%w: segment: %v", ErrMalformedDocument, err)
	}
	return seg, nil
}

// OrderedRule pairs a rule with its resolved identity.
type OrderedRule struct {
	Index int
	ID    string
	Rule  *Rule
}

// RuleID returns the identity used for attribution: the explicit id or rule-<index>.
func RuleID(index int, r *Rule) string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("rule-%d", index)
}

// Ordered returns the rules in evaluation order. Without explicit priorities
// the order is positional; rules with a priority sort ascending by it and
// ties keep their declaration order. Rules without a priority take their index.
func (rs *RuleSet) Ordered() []OrderedRule {
	out := make([]OrderedRule, len(rs.Rules))
	for i := range rs.Rules {
		out[i] = OrderedRule{Index: i, ID: RuleID(i, &rs.Rules[i]), Rule: &rs.Rules[i]}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return effectivePriority(out[a]) < effectivePriority(out[b])
	})
	return out
}

func effectivePriority(r OrderedRule) int {
	if r.Rule.Priority != nil {
		return *r.Rule.Priority
	}
	return r.Index
}

func sortedKeys(segs Segments) []string {
	keys := make([]string, 0, len(segs))
	for k := range segs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalize returns the serialized document carried by blob. Transports accept
// the document inline or as a JSON string holding it; null becomes nil.
func Normalize(blob []byte) []byte {
	trimmed := bytes.TrimSpace(blob)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return []byte(s)
		}
	}
	return trimmed
}

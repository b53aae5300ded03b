package engine

import (
	"net/netip"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
)

// OperatorHandler evaluates one condition operator against a present trait.
// Type mismatches are non-matches; only broken configuration returns an error.
type OperatorHandler interface {
	Check(trait rules.Value, c *rules.Condition) (bool, error)
}

// nowAttr is the virtual trait resolved from the engine clock when the
// context does not carry it.
const nowAttr = "now"

var (
	operatorHandlers = map[rules.Operator]OperatorHandler{
		rules.OpEq:          equalsHandler{},
		rules.OpNeq:         notEqualsHandler{},
		rules.OpGt:          numericCompareHandler{cmp: func(a, b float64) bool { return a > b }},
		rules.OpGte:         numericCompareHandler{cmp: func(a, b float64) bool { return a >= b }},
		rules.OpLt:          numericCompareHandler{cmp: func(a, b float64) bool { return a < b }},
		rules.OpLte:         numericCompareHandler{cmp: func(a, b float64) bool { return a <= b }},
		rules.OpIn:          inListHandler{},
		rules.OpNotIn:       notInListHandler{},
		rules.OpContains:    containsHandler{},
		rules.OpNotContains: notContainsHandler{},
		rules.OpRegex:       regexHandler{},
		rules.OpSemverGte:   semverGteHandler{},
		rules.OpCIDRIn:      cidrHandler{},
		rules.OpBetween:     betweenHandler{},
		rules.OpTimeWindow:  timeWindowHandler{},
	}
	// regexCache keeps compiled regex by pattern for the hot evaluation path.
	// Expected value type is *regexp.Regexp.
	regexCache sync.Map
)

func getOperatorHandler(op rules.Operator) (OperatorHandler, bool) {
	h, ok := operatorHandlers[op.Normalize()]
	return h, ok
}

// evaluateCondition is total: a missing trait, an unknown operator or a
// mismatched operand field is a non-match.
func (e *Engine) evaluateCondition(c *rules.Condition, traits rules.Context) (bool, error) {
	if c == nil {
		return false, nil
	}
	op := c.Op.Normalize()
	handler, ok := getOperatorHandler(op)
	if !ok || !operandMatches(op, c) {
		return false, nil
	}

	trait, ok := traits.Get(c.Attr)
	if !ok {
		if op != rules.OpTimeWindow || c.Attr != nowAttr {
			return false, nil
		}
		trait = rules.String(e.now().UTC().Format(time.RFC3339Nano))
	}
	return handler.Check(trait, c)
}

func operandMatches(op rules.Operator, c *rules.Condition) bool {
	field, _ := rules.OperandFor(op)
	switch field {
	case rules.FieldValue:
		return c.Value != nil
	case rules.FieldValues:
		return c.Values != nil
	case rules.FieldRange:
		return c.Range != nil
	case rules.FieldWindow:
		return c.Window != nil
	}
	return false
}

type equalsHandler struct{}

func (equalsHandler) Check(trait rules.Value, c *rules.Condition) (bool, error) {
	return trait.Equal(*c.Value), nil
}

type notEqualsHandler struct{}

func (notEqualsHandler) Check(trait rules.Value, c *rules.Condition) (bool, error) {
	return !trait.Equal(*c.Value), nil
}

type numericCompareHandler struct {
	cmp func(a, b float64) bool
}

func (h numericCompareHandler) Check(trait rules.Value, c *rules.Condition) (bool, error) {
	user, ok := trait.AsNumber()
	if !ok {
		return false, nil
	}
	rule, ok := c.Value.AsNumber()
	if !ok {
		return false, nil
	}
	return h.cmp(user, rule), nil
}

type inListHandler struct{}

func (inListHandler) Check(trait rules.Value, c *rules.Condition) (bool, error) {
	for _, item := range c.Values {
		if trait.Equal(item) {
			return true, nil
		}
	}
	return false, nil
}

type notInListHandler struct{}

func (notInListHandler) Check(trait rules.Value, c *rules.Condition) (bool, error) {
	in, err := inListHandler{}.Check(trait, c)
	return !in, err
}

type containsHandler struct{}

func (containsHandler) Check(trait rules.Value, c *rules.Condition) (bool, error) {
	contains, applicable := containment(trait, *c.Value)
	return applicable && contains, nil
}

type notContainsHandler struct{}

func (notContainsHandler) Check(trait rules.Value, c *rules.Condition) (bool, error) {
	contains, applicable := containment(trait, *c.Value)
	return applicable && !contains, nil
}

// containment tests substring for string traits and element membership for
// list traits. applicable is false when the types do not support the test.
func containment(trait, operand rules.Value) (contains, applicable bool) {
	if s, ok := trait.AsString(); ok {
		sub, ok := operand.AsString()
		if !ok {
			return false, false
		}
		return strings.Contains(s, sub), true
	}
	if items, ok := trait.AsList(); ok {
		if operand.Kind() == rules.KindList || operand.IsNull() {
			return false, false
		}
		for _, item := range items {
			if item.Equal(operand) {
				return true, true
			}
		}
		return false, true
	}
	return false, false
}

type regexHandler struct{}

func (regexHandler) Check(trait rules.Value, c *rules.Condition) (bool, error) {
	pattern, ok := c.Value.AsString()
	if !ok {
		return false, nil
	}
	user, ok := trait.Text()
	if !ok {
		return false, nil
	}
	rx, err := getCompiledRegex(pattern)
	if err != nil {
		return false, err
	}
	return rx.MatchString(user), nil
}

type semverGteHandler struct{}

func (semverGteHandler) Check(trait rules.Value, c *rules.Condition) (bool, error) {
	userStr, ok := trait.AsString()
	if !ok {
		return false, nil
	}
	ruleStr, ok := c.Value.AsString()
	if !ok {
		return false, nil
	}
	userVer, err := semver.NewVersion(userStr)
	if err != nil {
		return false, nil
	}
	ruleVer, err := semver.NewVersion(ruleStr)
	if err != nil {
		return false, nil
	}
	return userVer.Compare(ruleVer) >= 0, nil
}

type cidrHandler struct{}

func (cidrHandler) Check(trait rules.Value, c *rules.Condition) (bool, error) {
	ipStr, ok := trait.AsString()
	if !ok {
		return false, nil
	}
	cidr, ok := c.Value.AsString()
	if !ok {
		return false, nil
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ipStr))
	if err != nil {
		return false, nil
	}
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return false, nil
	}
	return prefix.Masked().Contains(addr.Unmap()), nil
}

type betweenHandler struct{}

func (betweenHandler) Check(trait rules.Value, c *rules.Condition) (bool, error) {
	n, ok := trait.AsNumber()
	if !ok {
		return false, nil
	}
	return n >= float64(c.Range.Start) && n <= float64(c.Range.End), nil
}

type timeWindowHandler struct{}

func (timeWindowHandler) Check(trait rules.Value, c *rules.Condition) (bool, error) {
	instant, ok := toInstant(trait)
	if !ok {
		return false, nil
	}
	if c.Window.StartISO != "" {
		start, err := time.Parse(time.RFC3339, c.Window.StartISO)
		if err != nil || instant.Before(start) {
			return false, nil
		}
	}
	if c.Window.EndISO != "" {
		end, err := time.Parse(time.RFC3339, c.Window.EndISO)
		if err != nil || instant.After(end) {
			return false, nil
		}
	}
	return true, nil
}

// toInstant accepts an RFC3339 string or unix seconds.
func toInstant(v rules.Value) (time.Time, bool) {
	if s, ok := v.AsString(); ok {
		t, err := time.Parse(time.RFC3339, s)
		return t, err == nil
	}
	if n, ok := v.AsNumber(); ok {
		sec := int64(n)
		nsec := int64((n - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec), true
	}
	return time.Time{}, false
}

func getCompiledRegex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		if rx, ok := cached.(*regexp.Regexp); ok {
			return rx, nil
		}
	}

	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, rx)
	return rx, nil
}

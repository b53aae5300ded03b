// Package targeting evaluates JSON Logic (jsonlogic.com) expressions, the
// free-form leaf of a targeting match tree, against evaluation traits.
//
// The engine never hands a rules.Context to this package directly. An expr
// leaf projects the caller's traits with Context.Map into Attributes, which
// are then serialized as the JSON Logic data document. Rule validation calls
// ValidateExpression at publish time so that a malformed expression is
// rejected before it can reach evaluation.
package targeting

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/diegoholiveira/jsonlogic/v3"
)

// Attributes are the plain-Go traits an expression reads through {"var": ...}.
//
// They are the projection of an evaluation context: strings stay strings,
// numbers become float64, booleans stay bool and lists become []any of
// projected items. Null traits are dropped while decoding the context, so
// {"var": "x"} on such a trait resolves to null exactly like a missing one.
type Attributes map[string]any

// ErrInvalidExpression is returned when an expression is not valid JSON Logic.
var ErrInvalidExpression = errors.New("invalid expression: not valid JSON Logic")

// ErrEmptyExpression is returned when an expression is empty or whitespace.
var ErrEmptyExpression = errors.New("invalid expression: empty or whitespace")

// Evaluate applies a JSON Logic expression to attrs and reports whether the
// result is truthy. Missing variables resolve to null and therefore to false.
//
// A nil attrs behaves like an empty context. Errors are ErrEmptyExpression,
// ErrInvalidExpression, or a failure to serialize attrs; the engine reports
// any of them as a rule evaluation error for the leaf that carried expression.
func Evaluate(expression string, attrs Attributes) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return false, ErrEmptyExpression
	}
	if attrs == nil {
		attrs = Attributes{}
	}

	data, err := json.Marshal(attrs)
	if err != nil {
		return false, err
	}
	result, err := apply(expression, bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	return isTruthy(result), nil
}

// ValidateExpression checks that expression is valid JSON Logic by applying
// it to an empty context.
func ValidateExpression(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return ErrEmptyExpression
	}
	if !json.Valid([]byte(expression)) {
		return ErrInvalidExpression
	}
	_, err := apply(expression, strings.NewReader("{}"))
	return err
}

func apply(expression string, data io.Reader) (any, error) {
	var out bytes.Buffer
	if err := jsonlogic.Apply(strings.NewReader(expression), data, &out); err != nil {
		return nil, ErrInvalidExpression
	}
	var result any
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		return nil, err
	}
	return result, nil
}

// isTruthy follows JavaScript-like truthiness rules.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

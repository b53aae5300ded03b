package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultStickinessAttr is the trait used to seed rollout hashing when a
// Distribution does not name one.
const DefaultStickinessAttr = "userId"

// Context maps trait names to values for one evaluation call. It is supplied
// fresh per call and never retained by the engine.
type Context map[string]Value

// NewContext converts decoded JSON attributes into a Context.
func NewContext(attrs map[string]any) (Context, error) {
	ctx := make(Context, len(attrs))
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := FromInterface(attrs[k])
		if err != nil {
			return nil, fmt.Errorf("context attribute %q: %w", k, err)
		}
		if v.IsNull() {
			continue
		}
		ctx[k] = v
	}
	return ctx, nil
}

// Get returns the trait named attr. Null traits are reported as absent.
func (c Context) Get(attr string) (Value, bool) {
	if c == nil {
		return Value{}, false
	}
	v, ok := c[attr]
	if !ok || v.IsNull() {
		return Value{}, false
	}
	return v, true
}

// Map converts the context to plain Go values, e.g. for JSON Logic evaluation.
func (c Context) Map() map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = v.Interface()
	}
	return out
}

// UnmarshalJSON decodes an object of traits, dropping null members. A null
// document leaves the context nil.
func (c *Context) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = nil
		return nil
	}
	var raw map[string]Value
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Context, len(raw))
	for k, v := range raw {
		if v.IsNull() {
			continue
		}
		out[k] = v
	}
	*c = out
	return nil
}

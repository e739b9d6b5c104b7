package deal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Raw spec payloads arrive as the result of decoding arbitrary JSON into
// map[string]any/[]any, the same shape the teacher's config.convertTypes
// works against. These helpers centralize the defensive type assertions
// instead of scattering them through the hydration phase.

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// mapKeysSorted returns a deterministic iteration order for a map decoded
// from JSON, which does not preserve declaration order. Used as the
// fallback for variables when no declaration order could be recovered
// from the original JSON text (e.g. the caller already decoded the spec
// into a map[string]any itself before handing it to the loader).
func mapKeysSorted(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// variableOrderFromJSON isolates the "variables" object from raw deal-spec
// JSON and walks its tokens to recover declaration order, the way the
// original's Python dict preserves JSON object insertion order
// (_examples/original_source/rmbs_platform/engine/waterfall.py iterates
// state.def_.variables.items() in that order). map[string]any decoding
// cannot do this itself since Go maps carry no order, so this walks the
// isolated raw bytes directly instead of going through Unmarshal.
func variableOrderFromJSON(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var wrapper struct {
		Variables json.RawMessage `json:"variables"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("scanning for variable order: %w", err)
	}
	if len(wrapper.Variables) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(wrapper.Variables))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("scanning for variable order: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return nil, nil
	}

	var order []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("scanning for variable order: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("scanning for variable order: unexpected key token %v", keyTok)
		}
		order = append(order, key)
		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil, fmt.Errorf("scanning for variable order: %w", err)
		}
	}
	return order, nil
}

// reconcileVariableOrder filters declared to the names actually present in
// vars (preserving declared's order), then appends any remaining vars keys
// declared didn't mention, sorted, so a partial or stale order hint never
// drops a variable from evaluation. Returns nil when declared is empty,
// signaling the caller should fall back to mapKeysSorted entirely.
func reconcileVariableOrder(vars map[string]string, declared []string) []string {
	if len(declared) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(declared))
	out := make([]string, 0, len(vars))
	for _, name := range declared {
		if _, ok := vars[name]; ok {
			out = append(out, name)
			seen[name] = struct{}{}
		}
	}
	var remaining []string
	for name := range vars {
		if _, ok := seen[name]; !ok {
			remaining = append(remaining, name)
		}
	}
	sort.Strings(remaining)
	return append(out, remaining...)
}

// Package state defines the snapshot representation shared by sessions and
// viewers, and the delta codec used to synchronize them.
package state

import "reflect"

// State is a mapping from string keys to JSON-representable values: numbers,
// strings, booleans, nil, nested State-shaped maps and slices of these. A
// snapshot handed to a cache or a client is treated as immutable.
type State map[string]any

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			out[k] = cloneValue(nested)
		}
		return out
	case State:
		return map[string]any(val.Clone())
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether two states carry the same content.
func Equal(a, b State) bool {
	return equalValue(asMap(a), asMap(b))
}

func equalValue(a, b any) bool {
	am, aOK := toMap(a)
	bm, bOK := toMap(b)
	if aOK && bOK {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !equalValue(av, bv) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case State:
		return m, true
	default:
		return nil, false
	}
}

func asMap(s State) map[string]any { return s }

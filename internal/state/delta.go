package state

import "strings"

// deletedKey is the reserved wire encoding of the delete sentinel. Legitimate
// state content must never contain this key.
const deletedKey = "__deleted__"

// deletion is the delete sentinel's type. It is unexported so the only value
// of it that can ever appear inside a Delta is Deleted, and it is not a JSON
// scalar, so a module cannot legitimately produce it inside a snapshot. This
// keeps "delete key" distinguishable from "set key to null".
type deletion struct{}

// Deleted marks a key removed between two versions of a state.
var Deleted = deletion{}

// MarshalJSON encodes the sentinel as the reserved deletion object.
func (deletion) MarshalJSON() ([]byte, error) {
	return []byte(`{"` + deletedKey + `":true}`), nil
}

// IsDeleted reports whether a decoded delta value is the delete sentinel,
// either in-process or in its wire form.
func IsDeleted(v any) bool {
	if _, ok := v.(deletion); ok {
		return true
	}
	if m, ok := toMap(v); ok && len(m) == 1 {
		flag, ok := m[deletedKey].(bool)
		return ok && flag
	}
	return false
}

// Delta carries the changes between two consecutive state versions as a
// mapping from dotted paths to new leaf values or the delete sentinel.
// Applying it to the state at BaseVersion reproduces the state at Version.
type Delta struct {
	Version     uint64
	BaseVersion uint64
	Changes     map[string]any
}

// Clone returns a copy whose Changes map is independent of the receiver's.
func (d Delta) Clone() Delta {
	if d.Changes == nil {
		return d
	}
	changes := make(map[string]any, len(d.Changes))
	for path, value := range d.Changes {
		changes[path] = cloneValue(value)
	}
	d.Changes = changes
	return d
}

// Diff computes the delta that transforms old into new. When old is empty the
// delta is new itself flattened at the top level (the bootstrap full state).
func Diff(old, new State) map[string]any {
	changes := make(map[string]any)
	if len(old) == 0 {
		for k, v := range new {
			changes[k] = cloneValue(v)
		}
		return changes
	}
	diffMaps(asMap(old), asMap(new), "", changes)
	return changes
}

func diffMaps(old, new map[string]any, prefix string, changes map[string]any) {
	for key, newVal := range new {
		path := joinPath(prefix, key)
		oldVal, ok := old[key]
		if !ok {
			changes[path] = cloneValue(newVal)
			continue
		}
		if equalValue(oldVal, newVal) {
			continue
		}
		oldMap, oldIsMap := toMap(oldVal)
		newMap, newIsMap := toMap(newVal)
		if oldIsMap && newIsMap {
			diffMaps(oldMap, newMap, path, changes)
			continue
		}
		changes[path] = cloneValue(newVal)
	}
	for key := range old {
		if _, ok := new[key]; !ok {
			changes[joinPath(prefix, key)] = Deleted
		}
	}
}

// Apply returns a copy of base with the delta's changes applied. Intermediate
// maps are created as needed; delete-sentinel values remove the leaf key.
func Apply(base State, changes map[string]any) State {
	result := base.Clone()
	if result == nil {
		result = make(State)
	}
	for path, value := range changes {
		parts := strings.Split(path, ".")
		parent := map[string]any(result)
		for _, part := range parts[:len(parts)-1] {
			next, ok := toMap(parent[part])
			if !ok {
				next = make(map[string]any)
				parent[part] = next
			}
			parent = next
		}
		leaf := parts[len(parts)-1]
		if IsDeleted(value) {
			delete(parent, leaf)
			continue
		}
		parent[leaf] = cloneValue(value)
	}
	return result
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

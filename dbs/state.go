// Package dbs implements document-based storage repository sessions. A
// Repository hands out sessions over a storage Backend; inside an ambient
// transaction all callers share one underlying session through lightweight
// handles, and the transaction's completion commits or rolls that session back
// exactly once.
package dbs

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Reserved state keys.
const (
	KeyID          = "ecm:id"
	KeyParentID    = "ecm:parentId"
	KeyName        = "ecm:name"
	KeyPrimaryType = "ecm:primaryType"
	KeyACP         = "ecm:acp"
)

// State is the opaque state of one document.
type State map[string]any

// StateDiff lists key changes to apply to a State. A nil value removes the key.
type StateDiff map[string]any

func (s State) ID() string       { return s.str(KeyID) }
func (s State) ParentID() string { return s.str(KeyParentID) }
func (s State) Name() string     { return s.str(KeyName) }

func (s State) str(key string) string {
	v, _ := s[key].(string)
	return v
}

// Clone returns a deep copy of nested maps and slices so that callers cannot
// mutate session-owned state.
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

// Apply returns a copy of s with diff applied.
func (s State) Apply(diff StateDiff) State {
	out := s.Clone()
	if out == nil {
		out = State{}
	}
	for k, v := range diff {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Matches reports whether s holds value under key.
func (s State) Matches(key string, value any) bool {
	v, ok := s[key]
	if !ok {
		return false
	}
	return cmp.Equal(normalize(v), normalize(value), matchOptions...)
}

func (s State) isChildOf(parentID, name string) bool {
	return s.ParentID() == parentID && s.Name() == name
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case State:
		return t.Clone()
	case map[string]any:
		return map[string]any(State(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// normalize maps v onto the shapes a JSON round trip produces: numbers become
// float64, typed slices become []any and maps become map[string]any, all the
// way down. Structs are left as they are.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64:
		return v
	case State:
		return normalize(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []any{}
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = normalize(iter.Value().Interface())
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	}
	return v
}

var matchOptions = []cmp.Option{
	cmpopts.EquateEmpty(),
	// Structs are compared field by field, unexported fields included.
	cmp.Exporter(func(reflect.Type) bool { return true }),
}

// IDSet is a set of document ids.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...string) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Add(id string) {
	s[id] = struct{}{}
}

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortStates(states []State) {
	sort.Slice(states, func(i, j int) bool { return states[i].ID() < states[j].ID() })
}

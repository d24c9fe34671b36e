package authn

import (
	"reflect"
	"sort"
)

// Attributes is a multi-valued, string-keyed attribute map.
type Attributes map[string][]any

// Clone returns a deep copy of the map and its value slices.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = append([]any(nil), v...)
	}
	return out
}

// Values returns the values recorded for key.
func (a Attributes) Values(key string) []any {
	return a[key]
}

// First returns the first value recorded for key.
func (a Attributes) First(key string) (any, bool) {
	v := a[key]
	if len(v) == 0 {
		return nil, false
	}
	return v[0], true
}

// Keys returns the attribute names in lexical order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns a copy of a with other folded in using update semantics.
func (a Attributes) Merge(other Attributes) Attributes {
	out := a.Clone()
	out.update(other)
	return out
}

// update folds other into a: keys present on both sides get the union of their
// values with duplicates removed and first-seen order kept.
func (a Attributes) update(other Attributes) {
	for k, v := range other {
		a[k] = unionValues(a[k], v)
	}
}

// replace folds other into a: keys present in other overwrite a's values.
func (a Attributes) replace(other Attributes) {
	for k, v := range other {
		a[k] = append([]any(nil), v...)
	}
}

func unionValues(existing, incoming []any) []any {
	out := make([]any, 0, len(existing)+len(incoming))
	for _, v := range existing {
		if !containsValue(out, v) {
			out = append(out, v)
		}
	}
	for _, v := range incoming {
		if !containsValue(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func containsValue(values []any, v any) bool {
	for _, existing := range values {
		if reflect.DeepEqual(existing, v) {
			return true
		}
	}
	return false
}

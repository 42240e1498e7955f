package document

// Field values are dynamic: strings, float64, int64, bool, or []any of the
// same. They arrive from JSON payloads and from serialized documents, and are
// handed opaque to the evaluation capability.

// FieldList is an ordered key→value mapping with unique keys. Insertion order
// is significant and preserved across renames.
type FieldList struct {
	keys   []string
	values map[string]any
}

func NewFieldList() *FieldList {
	return &FieldList{values: make(map[string]any)}
}

func (f *FieldList) Len() int { return len(f.keys) }

// Keys returns the field keys in order. The slice is a copy.
func (f *FieldList) Keys() []string {
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func (f *FieldList) Has(key string) bool {
	_, ok := f.values[key]
	return ok
}

func (f *FieldList) Get(key string) (any, bool) {
	v, ok := f.values[key]
	return v, ok
}

// Set inserts key at the end, or overwrites the value if key already exists.
func (f *FieldList) Set(key string, value any) {
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

// Rename replaces oldKey with newKey in place, keeping its position, and
// assigns value. Renaming onto another existing key reports false.
func (f *FieldList) Rename(oldKey, newKey string, value any) bool {
	if _, ok := f.values[oldKey]; !ok {
		return false
	}
	if newKey != oldKey {
		if _, taken := f.values[newKey]; taken {
			return false
		}
		for i, k := range f.keys {
			if k == oldKey {
				f.keys[i] = newKey
				break
			}
		}
		delete(f.values, oldKey)
	}
	f.values[newKey] = value
	return true
}

func (f *FieldList) Remove(key string) bool {
	if _, ok := f.values[key]; !ok {
		return false
	}
	delete(f.values, key)
	for i, k := range f.keys {
		if k == key {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)
			break
		}
	}
	return true
}

// IndexOf returns the position of key, or -1.
func (f *FieldList) IndexOf(key string) int {
	for i, k := range f.keys {
		if k == key {
			return i
		}
	}
	return -1
}

// KeyAt returns the key at position i, or "" if out of range.
func (f *FieldList) KeyAt(i int) string {
	if i < 0 || i >= len(f.keys) {
		return ""
	}
	return f.keys[i]
}

// Each visits fields in order.
func (f *FieldList) Each(fn func(key string, value any)) {
	for _, k := range f.keys {
		fn(k, f.values[k])
	}
}

// Clone deep-copies the list, including list-typed values.
func (f *FieldList) Clone() *FieldList {
	out := NewFieldList()
	for _, k := range f.keys {
		out.Set(k, CloneValue(f.values[k]))
	}
	return out
}

// CloneValue deep-copies a field value.
func CloneValue(v any) any {
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = CloneValue(item)
		}
		return out
	}
	return v
}

// EqualValue compares two field values, treating all numeric forms uniformly.
func EqualValue(a, b any) bool {
	if la, ok := a.([]any); ok {
		lb, ok := b.([]any)
		if !ok || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !EqualValue(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	na, aNum := AsNumber(a)
	nb, bNum := AsNumber(b)
	if aNum && bNum {
		return na == nb
	}
	return a == b
}

// AsNumber coerces int/int64/float64 values to float64.
func AsNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

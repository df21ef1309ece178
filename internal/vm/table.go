package vm

import "github.com/dcechano/clox/internal/value"

// Table maps interned string refs to values. Interning makes ref identity
// equivalent to name equality.
type Table struct {
	entries map[value.Ref]value.Value
}

func NewTable() *Table {
	return &Table{entries: make(map[value.Ref]value.Value)}
}

func (t *Table) Get(key value.Ref) (value.Value, bool) {
	v, ok := t.entries[key]
	return v, ok
}

// Set stores v under key and reports whether the key is new.
func (t *Table) Set(key value.Ref, v value.Value) bool {
	_, exists := t.entries[key]
	t.entries[key] = v
	return !exists
}

// Delete removes key and reports whether it was present.
func (t *Table) Delete(key value.Ref) bool {
	_, exists := t.entries[key]
	delete(t.entries, key)
	return exists
}

func (t *Table) Len() int { return len(t.entries) }

// Each visits every entry in unspecified order.
func (t *Table) Each(fn func(key value.Ref, v value.Value)) {
	for k, v := range t.entries {
		fn(k, v)
	}
}

package sim

import (
	"strings"

	"github.com/simstreams/server/internal/document"
)

// Snapshot is the complete component/variable state at one tick. Committed
// snapshots are never mutated; a tick works on a clone and the stepper swaps
// it in only on success.
//
// Keys are canonical: "Entity.Component.field" for component instance values,
// the bare key for global variables. Operators may introduce new bare keys,
// which become variables of the running world (the document is untouched).
type Snapshot struct {
	Tick   int
	order  []string
	values map[string]any
}

// BuildSnapshot materializes tick-0 state from the document: every component
// instance gets its definition's authored field values, then the globals.
func BuildSnapshot(doc *document.Document) *Snapshot {
	s := &Snapshot{values: make(map[string]any)}
	for _, e := range doc.Entities {
		for _, inst := range e.Components {
			def := inst.Definition
			def.Fields.Each(func(key string, value any) {
				s.set(e.Name+"."+def.Name+"."+key, document.CloneValue(value))
			})
		}
	}
	doc.Globals.Each(func(key string, value any) {
		s.set(key, document.CloneValue(value))
	})
	return s
}

func (s *Snapshot) set(key string, value any) {
	if _, ok := s.values[key]; !ok {
		s.order = append(s.order, key)
	}
	s.values[key] = value
}

func (s *Snapshot) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Keys returns the snapshot keys in insertion order.
func (s *Snapshot) Keys() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Snapshot) Len() int { return len(s.order) }

func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Tick:   s.Tick,
		order:  make([]string, len(s.order)),
		values: make(map[string]any, len(s.values)),
	}
	copy(out.order, s.order)
	for k, v := range s.values {
		out.values[k] = document.CloneValue(v)
	}
	return out
}

// apply merges proposed updates into this (working) snapshot.
func (s *Snapshot) apply(updates *Updates) {
	for _, key := range updates.keys {
		s.set(key, updates.values[key])
	}
}

// Resolve looks a field expression up against the snapshot:
//
//	"key"              exact variable key
//	"Comp.field"       first entity carrying component Comp
//	"Entity.Comp.field" exact instance value
func (s *Snapshot) Resolve(expr string) (any, bool) {
	if v, ok := s.values[expr]; ok {
		return v, true
	}
	if strings.Count(expr, ".") == 1 {
		suffix := "." + expr
		for _, key := range s.order {
			if strings.HasSuffix(key, suffix) {
				return s.values[key], true
			}
		}
	}
	return nil, false
}

// Updates is an ordered set of proposed key→value writes returned by one
// operator evaluation. Order is preserved so later assignments win
// deterministically.
type Updates struct {
	keys   []string
	values map[string]any
}

func NewUpdates() *Updates {
	return &Updates{values: make(map[string]any)}
}

func (u *Updates) Set(key string, value any) {
	if _, ok := u.values[key]; !ok {
		u.keys = append(u.keys, key)
	}
	u.values[key] = value
}

func (u *Updates) Len() int { return len(u.keys) }

func (u *Updates) Each(fn func(key string, value any)) {
	for _, k := range u.keys {
		fn(k, u.values[k])
	}
}

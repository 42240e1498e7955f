package document

// Document is the authoritative ECS definition: ordered, uniquely named
// collections of entities, component definitions, operators, and global
// variables. The document stores authored values only; per-instance runtime
// values live in the simulation snapshot, so editing and running never fight
// over the same fields.
type Document struct {
	Name        string
	Entities    []*Entity
	Definitions []*ComponentDefinition
	Operators   []*Operator
	Globals     *FieldList
}

// Entity holds a unique name and an ordered list of component instances.
type Entity struct {
	Name       string
	Components []*ComponentInstance
}

// ComponentDefinition is a globally unique, named data template. Fields hold
// the authored default values materialized into each instance at snapshot
// build time.
type ComponentDefinition struct {
	Name   string
	Fields *FieldList
}

// ComponentInstance attaches a definition to one entity. An instance always
// references a live definition: detaching the last instance drops the
// definition (cascading removal, never a dangling reference).
type ComponentInstance struct {
	Definition *ComponentDefinition
}

// Operator is one system. Fields are opaque configuration consumed by the
// external evaluation capability; execution order during a tick follows the
// document order of Operators.
type Operator struct {
	Name   string
	Fields *FieldList
}

func New(name string) *Document {
	return &Document{
		Name:    name,
		Globals: NewFieldList(),
	}
}

// ── entities ──────────────────────────────────────────────────────

func (d *Document) EntityIndex(name string) int {
	for i, e := range d.Entities {
		if e.Name == name {
			return i
		}
	}
	return -1
}

func (d *Document) HasEntity(name string) bool { return d.EntityIndex(name) >= 0 }

// ── component definitions ─────────────────────────────────────────

func (d *Document) Definition(name string) *ComponentDefinition {
	for _, def := range d.Definitions {
		if def.Name == name {
			return def
		}
	}
	return nil
}

// InstanceCount reports how many instances across all entities reference def.
func (d *Document) InstanceCount(def *ComponentDefinition) int {
	n := 0
	for _, e := range d.Entities {
		for _, inst := range e.Components {
			if inst.Definition == def {
				n++
			}
		}
	}
	return n
}

// dropDefinitionIfUnreferenced removes def from the global list once no
// instance references it.
func (d *Document) dropDefinitionIfUnreferenced(def *ComponentDefinition) {
	if def == nil || d.InstanceCount(def) > 0 {
		return
	}
	for i, cand := range d.Definitions {
		if cand == def {
			d.Definitions = append(d.Definitions[:i], d.Definitions[i+1:]...)
			return
		}
	}
}

// ── operators ─────────────────────────────────────────────────────

func (d *Document) OperatorIndex(name string) int {
	for i, op := range d.Operators {
		if op.Name == name {
			return i
		}
	}
	return -1
}

func (d *Document) HasOperator(name string) bool { return d.OperatorIndex(name) >= 0 }

// Clone deep-copies the document. Used to snapshot a revision for rollback
// and by the serialization round-trip tests.
func (d *Document) Clone() *Document {
	out := New(d.Name)
	defsByName := make(map[string]*ComponentDefinition, len(d.Definitions))
	for _, def := range d.Definitions {
		cp := &ComponentDefinition{Name: def.Name, Fields: def.Fields.Clone()}
		out.Definitions = append(out.Definitions, cp)
		defsByName[def.Name] = cp
	}
	for _, e := range d.Entities {
		ce := &Entity{Name: e.Name}
		for _, inst := range e.Components {
			ce.Components = append(ce.Components, &ComponentInstance{
				Definition: defsByName[inst.Definition.Name],
			})
		}
		out.Entities = append(out.Entities, ce)
	}
	for _, op := range d.Operators {
		out.Operators = append(out.Operators, &Operator{Name: op.Name, Fields: op.Fields.Clone()})
	}
	out.Globals = d.Globals.Clone()
	return out
}

// moveIndex computes the swap target for a clamped move. A move at the
// boundary is a no-op returning the same index, not an error.
func moveIndex(index, length int, up bool) int {
	if up {
		if index > 0 {
			return index - 1
		}
		return index
	}
	if index < length-1 {
		return index + 1
	}
	return index
}

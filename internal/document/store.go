package document

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store owns one document plus its selection cursors and revision counter.
// It is the single writer: callers serialize access above it (the dispatcher
// admits one request at a time), so the store itself holds no lock.
type Store struct {
	doc        *Document
	sel        Selection
	revision   uint64
	revisionID uuid.UUID
	log        *zap.Logger
}

func NewStore(name string, log *zap.Logger) *Store {
	return &Store{
		doc:        New(name),
		sel:        emptySelection(),
		revisionID: uuid.New(),
		log:        log,
	}
}

func (s *Store) Document() *Document   { return s.doc }
func (s *Store) Selection() Selection  { return s.sel }
func (s *Store) Revision() uint64      { return s.revision }
func (s *Store) RevisionID() uuid.UUID { return s.revisionID }

// touch records a new document revision after a successful mutation.
func (s *Store) touch() {
	s.revision++
	s.revisionID = uuid.New()
}

// Replace swaps in a freshly loaded document and re-derives the cursors the
// way the editor does after a load: first entity, first component, first
// fields.
func (s *Store) Replace(doc *Document) {
	s.doc = doc
	s.sel = emptySelection()
	if len(doc.Entities) > 0 {
		s.selectEntityAt(0)
	}
	if len(doc.Operators) > 0 {
		s.selectOperatorAt(0)
	}
	s.touch()
	s.log.Info("document replaced",
		zap.String("name", doc.Name),
		zap.Int("entities", len(doc.Entities)),
		zap.Int("operators", len(doc.Operators)),
	)
}

func (s *Store) UpdateName(name string) error {
	if name == "" {
		return &ValidationError{Reason: EmptyName, Collection: "document"}
	}
	s.doc.Name = name
	s.touch()
	return nil
}

// ── entities ──────────────────────────────────────────────────────

// AddEntity appends and selects a new entity. A blank name gets a generated
// placeholder; an explicit duplicate is rejected.
func (s *Store) AddEntity(name string) error {
	if name == "" {
		name = dedupCopy(fmt.Sprintf("Entity%d", len(s.doc.Entities)+1), s.doc.HasEntity)
	} else if s.doc.HasEntity(name) {
		return &ValidationError{Reason: DuplicateName, Collection: "entity", Name: name}
	}
	s.doc.Entities = append(s.doc.Entities, &Entity{Name: name})
	s.sel.Entity = len(s.doc.Entities) - 1
	s.sel.clearComponentCursors()
	s.touch()
	return nil
}

func (s *Store) selectedEntity() (*Entity, error) {
	if s.sel.Entity < 0 || s.sel.Entity >= len(s.doc.Entities) {
		return nil, &SelectionError{Reason: NoSelection, Collection: "entity"}
	}
	return s.doc.Entities[s.sel.Entity], nil
}

// RenameEntity renames the selected entity in place; position and component
// references are untouched.
func (s *Store) RenameEntity(newName string) error {
	e, err := s.selectedEntity()
	if err != nil {
		return err
	}
	if newName == "" {
		return &ValidationError{Reason: EmptyName, Collection: "entity"}
	}
	if newName != e.Name && s.doc.HasEntity(newName) {
		return &ValidationError{Reason: DuplicateName, Collection: "entity", Name: newName}
	}
	e.Name = newName
	s.touch()
	return nil
}

// RemoveEntity deletes the selected entity, detaches its component instances,
// and drops definitions left without any instance.
func (s *Store) RemoveEntity() error {
	e, err := s.selectedEntity()
	if err != nil {
		return err
	}
	s.doc.Entities = append(s.doc.Entities[:s.sel.Entity], s.doc.Entities[s.sel.Entity+1:]...)
	for _, inst := range e.Components {
		def := inst.Definition
		inst.Definition = nil
		s.doc.dropDefinitionIfUnreferenced(def)
	}
	if len(s.doc.Entities) > 0 {
		s.selectEntityAt(0)
	} else {
		s.sel.Entity = -1
		s.sel.clearComponentCursors()
	}
	s.touch()
	return nil
}

// MoveEntity swaps the selected entity with its neighbor; boundary moves are
// clamped no-ops.
func (s *Store) MoveEntity(up bool) error {
	if _, err := s.selectedEntity(); err != nil {
		return err
	}
	i := s.sel.Entity
	j := moveIndex(i, len(s.doc.Entities), up)
	if j != i {
		s.doc.Entities[i], s.doc.Entities[j] = s.doc.Entities[j], s.doc.Entities[i]
		s.sel.Entity = j
	}
	s.touch()
	return nil
}

// SelectEntities selects the first named entity and cascades to its first
// component and that component's first field.
func (s *Store) SelectEntities(names []string) error {
	if len(names) == 0 {
		return nil
	}
	idx := s.doc.EntityIndex(names[0])
	if idx < 0 {
		return &SelectionError{Reason: OutOfRange, Collection: "entity"}
	}
	s.selectEntityAt(idx)
	return nil
}

func (s *Store) selectEntityAt(idx int) {
	s.sel.Entity = idx
	e := s.doc.Entities[idx]
	if len(e.Components) > 0 {
		s.selectComponentAt(0)
	} else {
		s.sel.clearComponentCursors()
	}
}

// ── components ────────────────────────────────────────────────────

// AddComponent creates a new globally named definition and attaches an
// instance to the selected entity. A blank name gets a placeholder; a name
// colliding with an existing definition is rejected.
func (s *Store) AddComponent(name string) error {
	e, err := s.selectedEntity()
	if err != nil {
		return err
	}
	if name == "" {
		name = dedupCopy(fmt.Sprintf("Component%d", len(e.Components)+1), func(n string) bool {
			return s.doc.Definition(n) != nil
		})
	} else if s.doc.Definition(name) != nil {
		return &ValidationError{Reason: DuplicateName, Collection: "component", Name: name}
	}
	def := &ComponentDefinition{Name: name, Fields: NewFieldList()}
	s.doc.Definitions = append(s.doc.Definitions, def)
	e.Components = append(e.Components, &ComponentInstance{Definition: def})
	s.sel.Component = len(e.Components) - 1
	s.sel.VariableField = ""
	s.touch()
	return nil
}

// AttachComponent attaches an already-built definition (an uploaded one) to
// the selected entity, de-duplicating its name with _1, _2… suffixes.
func (s *Store) AttachComponent(def *ComponentDefinition) error {
	e, err := s.selectedEntity()
	if err != nil {
		return err
	}
	name := def.Name
	for suffix := 1; s.doc.Definition(name) != nil; suffix++ {
		name = fmt.Sprintf("%s_%d", def.Name, suffix)
	}
	def.Name = name
	s.doc.Definitions = append(s.doc.Definitions, def)
	e.Components = append(e.Components, &ComponentInstance{Definition: def})
	s.sel.Component = len(e.Components) - 1
	s.sel.VariableField = def.Fields.KeyAt(0)
	s.touch()
	return nil
}

func (s *Store) selectedComponent() (*ComponentInstance, error) {
	e, err := s.selectedEntity()
	if err != nil {
		return nil, err
	}
	if s.sel.Component < 0 || s.sel.Component >= len(e.Components) {
		return nil, &SelectionError{Reason: NoSelection, Collection: "component"}
	}
	return e.Components[s.sel.Component], nil
}

func (s *Store) RenameComponent(newName string) error {
	inst, err := s.selectedComponent()
	if err != nil {
		return err
	}
	if newName == "" {
		return &ValidationError{Reason: EmptyName, Collection: "component"}
	}
	def := inst.Definition
	if newName != def.Name && s.doc.Definition(newName) != nil {
		return &ValidationError{Reason: DuplicateName, Collection: "component", Name: newName}
	}
	def.Name = newName
	s.touch()
	return nil
}

// RemoveComponent detaches the selected instance from the selected entity.
// The definition itself is dropped once its last instance is gone.
func (s *Store) RemoveComponent() error {
	inst, err := s.selectedComponent()
	if err != nil {
		return err
	}
	e := s.doc.Entities[s.sel.Entity]
	e.Components = append(e.Components[:s.sel.Component], e.Components[s.sel.Component+1:]...)
	def := inst.Definition
	inst.Definition = nil
	s.doc.dropDefinitionIfUnreferenced(def)
	if len(e.Components) > 0 {
		s.selectComponentAt(0)
	} else {
		s.sel.clearComponentCursors()
	}
	s.touch()
	return nil
}

func (s *Store) MoveComponent(up bool) error {
	if _, err := s.selectedComponent(); err != nil {
		return err
	}
	e := s.doc.Entities[s.sel.Entity]
	i := s.sel.Component
	j := moveIndex(i, len(e.Components), up)
	if j != i {
		e.Components[i], e.Components[j] = e.Components[j], e.Components[i]
		s.sel.Component = j
	}
	s.touch()
	return nil
}

func (s *Store) SelectComponents(names []string) error {
	e, err := s.selectedEntity()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	for i, inst := range e.Components {
		if inst.Definition.Name == names[0] {
			s.selectComponentAt(i)
			return nil
		}
	}
	return &SelectionError{Reason: OutOfRange, Collection: "component"}
}

func (s *Store) selectComponentAt(idx int) {
	s.sel.Component = idx
	e := s.doc.Entities[s.sel.Entity]
	s.sel.VariableField = e.Components[idx].Definition.Fields.KeyAt(0)
}

// ── operators ─────────────────────────────────────────────────────

// AddOperator appends and selects a new operator with an empty formula field.
func (s *Store) AddOperator(name string) error {
	if name == "" {
		name = dedupCopy(fmt.Sprintf("operator_%d", len(s.doc.Operators)+1), s.doc.HasOperator)
	} else if s.doc.HasOperator(name) {
		return &ValidationError{Reason: DuplicateName, Collection: "operator", Name: name}
	}
	fields := NewFieldList()
	fields.Set("formula", "")
	s.doc.Operators = append(s.doc.Operators, &Operator{Name: name, Fields: fields})
	s.sel.Operator = len(s.doc.Operators) - 1
	s.sel.OperatorField = "formula"
	s.touch()
	return nil
}

func (s *Store) selectedOperator() (*Operator, error) {
	if s.sel.Operator < 0 || s.sel.Operator >= len(s.doc.Operators) {
		return nil, &SelectionError{Reason: NoSelection, Collection: "operator"}
	}
	return s.doc.Operators[s.sel.Operator], nil
}

func (s *Store) RenameOperator(newName string) error {
	op, err := s.selectedOperator()
	if err != nil {
		return err
	}
	if newName == "" {
		return &ValidationError{Reason: EmptyName, Collection: "operator"}
	}
	if newName != op.Name && s.doc.HasOperator(newName) {
		return &ValidationError{Reason: DuplicateName, Collection: "operator", Name: newName}
	}
	op.Name = newName
	s.touch()
	return nil
}

func (s *Store) RemoveOperator() error {
	if _, err := s.selectedOperator(); err != nil {
		return err
	}
	i := s.sel.Operator
	s.doc.Operators = append(s.doc.Operators[:i], s.doc.Operators[i+1:]...)
	if len(s.doc.Operators) == 0 {
		s.sel.Operator = -1
		s.sel.OperatorField = ""
	} else {
		if i >= len(s.doc.Operators) {
			i = len(s.doc.Operators) - 1
		}
		s.selectOperatorAt(i)
	}
	s.touch()
	return nil
}

func (s *Store) MoveOperator(up bool) error {
	if _, err := s.selectedOperator(); err != nil {
		return err
	}
	i := s.sel.Operator
	j := moveIndex(i, len(s.doc.Operators), up)
	if j != i {
		s.doc.Operators[i], s.doc.Operators[j] = s.doc.Operators[j], s.doc.Operators[i]
		s.sel.Operator = j
	}
	s.touch()
	return nil
}

func (s *Store) SelectOperators(indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	idx := indices[0]
	if idx < 0 || idx >= len(s.doc.Operators) {
		return &SelectionError{Reason: OutOfRange, Collection: "operator"}
	}
	s.selectOperatorAt(idx)
	return nil
}

func (s *Store) selectOperatorAt(idx int) {
	s.sel.Operator = idx
	s.sel.OperatorField = s.doc.Operators[idx].Fields.KeyAt(0)
}

// ── operator fields ───────────────────────────────────────────────

func (s *Store) AddOperatorField(key string, value any) error {
	op, err := s.selectedOperator()
	if err != nil {
		return err
	}
	if key == "" {
		key = fmt.Sprintf("Field%d", op.Fields.Len()+1)
		for op.Fields.Has(key) {
			key += "_copy"
		}
	} else if op.Fields.Has(key) {
		return &ValidationError{Reason: DuplicateName, Collection: "operator field", Name: key}
	}
	op.Fields.Set(key, value)
	s.sel.OperatorField = key
	s.touch()
	return nil
}

func (s *Store) RenameOperatorField(newKey string, newValue any) error {
	op, err := s.selectedOperator()
	if err != nil {
		return err
	}
	if s.sel.OperatorField == "" {
		return &SelectionError{Reason: NoSelection, Collection: "operator field"}
	}
	if newKey == "" {
		return &ValidationError{Reason: EmptyName, Collection: "operator field"}
	}
	if newKey != s.sel.OperatorField && op.Fields.Has(newKey) {
		return &ValidationError{Reason: DuplicateName, Collection: "operator field", Name: newKey}
	}
	op.Fields.Rename(s.sel.OperatorField, newKey, newValue)
	s.sel.OperatorField = newKey
	s.touch()
	return nil
}

func (s *Store) RemoveOperatorField(key string) error {
	op, err := s.selectedOperator()
	if err != nil {
		return err
	}
	if key == "" {
		key = s.sel.OperatorField
	}
	if key == "" {
		return &SelectionError{Reason: NoSelection, Collection: "operator field"}
	}
	if !op.Fields.Remove(key) {
		return &SelectionError{Reason: OutOfRange, Collection: "operator field"}
	}
	if s.sel.OperatorField == key {
		s.sel.OperatorField = op.Fields.KeyAt(0)
	}
	s.touch()
	return nil
}

func (s *Store) SelectOperatorField(key string) error {
	op, err := s.selectedOperator()
	if err != nil {
		return err
	}
	if !op.Fields.Has(key) {
		return &SelectionError{Reason: OutOfRange, Collection: "operator field"}
	}
	s.sel.OperatorField = key
	return nil
}

// ── variable fields ───────────────────────────────────────────────

// VariableScope is the field list the variable ops act on: the selected
// component's authored fields while a component is selected, the document
// globals otherwise.
func (s *Store) VariableScope() *FieldList {
	if inst, err := s.selectedComponent(); err == nil {
		return inst.Definition.Fields
	}
	return s.doc.Globals
}

func (s *Store) AddVariableField(key string, value any) error {
	scope := s.VariableScope()
	if key == "" {
		key = fmt.Sprintf("Field%d", scope.Len()+1)
		for scope.Has(key) {
			key += "_copy"
		}
	} else if scope.Has(key) {
		return &ValidationError{Reason: DuplicateName, Collection: "variable field", Name: key}
	}
	if value == nil {
		value = "default_value"
	}
	scope.Set(key, value)
	s.sel.VariableField = key
	s.touch()
	return nil
}

func (s *Store) RenameVariableField(newKey string, newValue any) error {
	scope := s.VariableScope()
	if s.sel.VariableField == "" {
		return &SelectionError{Reason: NoSelection, Collection: "variable field"}
	}
	if newKey == "" {
		return &ValidationError{Reason: EmptyName, Collection: "variable field"}
	}
	if newKey != s.sel.VariableField && scope.Has(newKey) {
		return &ValidationError{Reason: DuplicateName, Collection: "variable field", Name: newKey}
	}
	scope.Rename(s.sel.VariableField, newKey, newValue)
	s.sel.VariableField = newKey
	s.touch()
	return nil
}

func (s *Store) RemoveVariableField(key string) error {
	scope := s.VariableScope()
	if key == "" {
		key = s.sel.VariableField
	}
	if key == "" {
		return &SelectionError{Reason: NoSelection, Collection: "variable field"}
	}
	if !scope.Remove(key) {
		return &SelectionError{Reason: OutOfRange, Collection: "variable field"}
	}
	if s.sel.VariableField == key {
		s.sel.VariableField = scope.KeyAt(0)
	}
	s.touch()
	return nil
}

func (s *Store) SelectVariableField(key string) error {
	if !s.VariableScope().Has(key) {
		return &SelectionError{Reason: OutOfRange, Collection: "variable field"}
	}
	s.sel.VariableField = key
	return nil
}

// dedupCopy appends _copy until taken reports the name free, matching the
// editor's placeholder naming.
func dedupCopy(name string, taken func(string) bool) string {
	for taken(name) {
		name += "_copy"
	}
	return name
}

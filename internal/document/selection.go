package document

// Selection holds the server-side cursors: per-collection "currently selected"
// positions that mutating operations act on. The server is authoritative; the
// client only mirrors these via UI patches.
//
// List collections (entities, components, operators) are tracked by index,
// field lists by key. Every mutation that shrinks a collection clamps or
// clears the cursors referencing it, so a cursor is always either empty or a
// valid position in the current collection.
type Selection struct {
	Entity        int    // index into Document.Entities, -1 = none
	Component     int    // index into the selected entity's Components, -1 = none
	Operator      int    // index into Document.Operators, -1 = none
	OperatorField string // key within the selected operator's fields, "" = none
	VariableField string // key within the active variable scope, "" = none
}

func emptySelection() Selection {
	return Selection{Entity: -1, Component: -1, Operator: -1}
}

// clearComponentCursors resets the cursors that hang off the selected entity.
func (s *Selection) clearComponentCursors() {
	s.Component = -1
	s.VariableField = ""
}

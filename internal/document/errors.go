package document

import "fmt"

// ValidationReason distinguishes the ways a name-based mutation can be rejected.
type ValidationReason int

const (
	DuplicateName ValidationReason = iota
	EmptyName
)

func (r ValidationReason) String() string {
	switch r {
	case DuplicateName:
		return "DuplicateName"
	case EmptyName:
		return "EmptyName"
	default:
		return fmt.Sprintf("ValidationReason(%d)", int(r))
	}
}

// ValidationError rejects a single add/rename without touching the document.
type ValidationError struct {
	Reason     ValidationReason
	Collection string
	Name       string
}

func (e *ValidationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %s name is empty", e.Reason, e.Collection)
	}
	return fmt.Sprintf("%s: %s %q", e.Reason, e.Collection, e.Name)
}

// SelectionReason distinguishes cursor failures.
type SelectionReason int

const (
	NoSelection SelectionReason = iota
	OutOfRange
)

func (r SelectionReason) String() string {
	switch r {
	case NoSelection:
		return "NoSelection"
	case OutOfRange:
		return "OutOfRange"
	default:
		return fmt.Sprintf("SelectionReason(%d)", int(r))
	}
}

// SelectionError rejects an operation that targets "the current item" when
// no valid item is selected in that collection.
type SelectionError struct {
	Reason     SelectionReason
	Collection string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("%s: no valid %s selection", e.Reason, e.Collection)
}

package composition

import "fmt"

// EventKind classifies composition events.
type EventKind int

const (
	EventBegin EventKind = iota
	EventUpdate
	EventHide
	EventCommit
	EventCancel
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "begin"
	case EventUpdate:
		return "update"
	case EventHide:
		return "hide"
	case EventCommit:
		return "commit"
	case EventCancel:
		return "cancel"
	case EventDelete:
		return "delete"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes one transition. Start and End are buffer offsets: the
// preedit span for begin/update, the committed span for commit, the deleted
// span for delete, and the restored selection for cancel.
type Event struct {
	Kind   EventKind
	Text   string
	Start  int
	End    int
	Cursor int
}

// Listener receives composition events synchronously.
type Listener interface {
	CompositionEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// CompositionEvent implements Listener.
func (f ListenerFunc) CompositionEvent(e Event) { f(e) }

// CompositionStateError reports a preedit that no longer matches the
// buffer region it is supposed to occupy.
type CompositionStateError struct {
	Op       string
	Expected string
	Found    string
}

func (e *CompositionStateError) Error() string {
	return fmt.Sprintf("composition %s: expected preedit %q in buffer, found %q", e.Op, e.Expected, e.Found)
}

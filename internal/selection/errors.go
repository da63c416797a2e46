package selection

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSelection is returned when nothing in the document can hold a
	// selection derived from the request.
	ErrNoSelection = errors.New("selection: no valid position")

	// ErrNoInstaller is returned when installation is requested from a
	// helper that has no installer.
	ErrNoInstaller = errors.New("selection: no installer configured")
)

// InvalidSelectionError reports a selection that references an offset or
// structural level that does not exist.
type InvalidSelectionError struct {
	Limit  Limit
	Reason string
	// Level is the index into the path of the offending level, or -1.
	Level  int
	Offset int
}

func (e *InvalidSelectionError) Error() string {
	if e.Level >= 0 {
		return fmt.Sprintf("invalid selection %s: %s (level %d)", e.Limit, e.Reason, e.Level)
	}
	return fmt.Sprintf("invalid selection %s: %s (offset %d)", e.Limit, e.Reason, e.Offset)
}

package inputbus

import "context"

// Sink receives what an input method does in response to key events. The
// Controller is the only Sink; communicators call it synchronously while a
// key event is being processed.
type Sink interface {
	// CommitText finalizes text. A '\b' in text deletes one character
	// before the insertion point.
	CommitText(text string)

	// UpdatePreeditText replaces the in-flight composition. cursorPos is a
	// character index into text.
	UpdatePreeditText(text string, cursorPos int, visible bool)

	// HidePreeditText takes the composition off screen without ending it.
	HidePreeditText()

	// ForwardKeyEvent hands a key back to the application.
	ForwardKeyEvent(ev KeyEvent)
}

// Communicator is one input method connection.
type Communicator interface {
	// Attach sets where callbacks go. It is called once, before any key.
	Attach(sink Sink)

	// ProcessKeyEvent passes a raw key to the input method. handled is
	// false when the application should act on the key itself.
	ProcessKeyEvent(ctx context.Context, ev KeyEvent) (handled bool, err error)

	FocusIn(ctx context.Context) error
	FocusOut(ctx context.Context) error

	// Reset drops whatever the input method is composing.
	Reset(ctx context.Context) error

	Close() error
}

// Package inputbus connects input methods to a composition machine.
//
// Input methods differ in how they deliver text: some commit every
// keystroke, some compose into a preedit and commit later, some retract
// earlier commits with backspaces sent as text or as forwarded key events.
// The Controller turns all of these into the machine's small set of
// transitions, one raw key event at a time.
package inputbus

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"rootsite/internal/composition"
	"rootsite/internal/logging"
)

// ErrNotFocused is returned for key events that arrive without focus.
var ErrNotFocused = errors.New("inputbus: view does not have input focus")

// Machine is the part of composition.Machine the controller drives.
type Machine interface {
	BeginEvent()
	State() composition.State
	Preedit() string
	UpdatePreedit(text string, cursorPos int) error
	Commit(text string) error
	Hide() error
	Cancel() error
	Reset() error
	FocusOut() error
	DeleteBackward(n int) error
	DeleteForward(n int) error
	LastRecovery() error
}

// Stats counts what the controller has done.
type Stats struct {
	KeysProcessed  uint64
	KeysHandled    uint64
	Commits        uint64
	PreeditUpdates uint64
	Deletes        uint64
	Forwarded      uint64
	Queued         uint64
}

// Controller routes one view's key events through a communicator into a
// machine. It is not safe for concurrent use: key events, focus changes
// and communicator callbacks all happen on the view's input thread.
type Controller struct {
	machine Machine
	comm    Communicator
	logger  *slog.Logger

	focused     bool
	dispatching bool
	queue       []KeyEvent
	errs        []error
	stats       Stats
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController attaches itself to comm and drives m.
func NewController(m Machine, comm Communicator, opts ...Option) *Controller {
	c := &Controller{machine: m, comm: comm}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Default().WithComponent("inputbus").Logger
	}
	comm.Attach(c)
	return c
}

// Focused reports whether the view has input focus.
func (c *Controller) Focused() bool { return c.focused }

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats { return c.stats }

// FocusIn gives the view input focus.
func (c *Controller) FocusIn(ctx context.Context) error {
	if c.focused {
		return nil
	}
	if err := c.settle(func() error { return c.comm.FocusIn(ctx) }); err != nil {
		return err
	}
	c.focused = true
	c.logger.Debug("focus in")
	return nil
}

// FocusOut takes input focus away. Any composition is cancelled first,
// whether or not the input method says anything about it. Key events still
// queued are dropped.
func (c *Controller) FocusOut(ctx context.Context) error {
	if !c.focused {
		return nil
	}
	c.focused = false
	c.queue = nil

	var errs []error
	if c.machine.State() == composition.Composing {
		c.logger.Debug("focus lost while composing, cancelling")
	}
	errs = append(errs, c.machine.FocusOut())
	errs = append(errs, c.settle(func() error { return c.comm.Reset(ctx) }))
	errs = append(errs, c.settle(func() error { return c.comm.FocusOut(ctx) }))
	c.logger.Debug("focus out")
	return errors.Join(errs...)
}

// Reset abandons any composition and tells the input method to start
// over, as when the host moves the caret with the mouse. Focus is kept.
func (c *Controller) Reset(ctx context.Context) error {
	c.queue = nil
	return errors.Join(c.machine.Reset(), c.settle(func() error { return c.comm.Reset(ctx) }))
}

// settle makes a communicator call outside key dispatch and returns its
// error joined with those of the callbacks it delivered.
func (c *Controller) settle(call func() error) error {
	outer := c.errs
	c.errs = nil
	err := call()
	errs := append([]error{err}, c.errs...)
	c.errs = outer
	return errors.Join(errs...)
}

// HandleKey processes one raw key event to completion, including every
// callback the input method makes. A key arriving while another is being
// processed (from inside a callback) waits until the current one is done.
func (c *Controller) HandleKey(ctx context.Context, ev KeyEvent) error {
	if !c.focused {
		return ErrNotFocused
	}
	if c.dispatching {
		c.queue = append(c.queue, ev)
		c.stats.Queued++
		return nil
	}

	c.dispatching = true
	defer func() { c.dispatching = false }()

	var errs []error
	for {
		if err := c.dispatch(ctx, ev); err != nil {
			errs = append(errs, err)
		}
		if len(c.queue) == 0 || !c.focused {
			break
		}
		ev = c.queue[0]
		c.queue = c.queue[1:]
	}
	return errors.Join(errs...)
}

// TypeString presses and releases a key for each character of s.
func (c *Controller) TypeString(ctx context.Context, s string) error {
	for _, r := range s {
		ev := Press(r)
		if err := c.HandleKey(ctx, ev); err != nil {
			return err
		}
		if err := c.HandleKey(ctx, ev.Release()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) dispatch(ctx context.Context, ev KeyEvent) error {
	c.errs = nil
	c.machine.BeginEvent()
	if !ev.Released() {
		c.stats.KeysProcessed++
	}

	handled, err := c.comm.ProcessKeyEvent(ctx, ev)
	if err != nil {
		c.errs = append(c.errs, err)
	}
	switch {
	case handled:
		c.stats.KeysHandled++
	case ev.Released():
	case err == nil:
		c.defaultAction(ev)
	}

	c.logger.Debug("key processed", "keysym", ev.String(), "handled", handled)
	return errors.Join(c.errs...)
}

// defaultAction is what the view does with a key the input method left
// alone.
func (c *Controller) defaultAction(ev KeyEvent) {
	if ev.HasCommandModifier() {
		return
	}
	switch ev.Keysym {
	case KeyBackSpace:
		c.check(c.machine.DeleteBackward(1))
		c.stats.Deletes++
	case KeyDelete:
		c.check(c.machine.DeleteForward(1))
		c.stats.Deletes++
	case KeyReturn:
		c.commitKey("\n")
	case KeyTab:
		c.commitKey("\t")
	case KeyEscape:
		c.check(c.machine.Cancel())
	default:
		if r := ev.Rune(); r != 0 {
			c.commitKey(string(r))
		}
	}
}

// commitKey types text directly. A composition the input method left open
// is finalized as it stands first.
func (c *Controller) commitKey(text string) {
	if c.machine.State() == composition.Composing {
		if pending := c.machine.Preedit(); pending != "" {
			c.commit(pending)
		} else {
			c.check(c.machine.Cancel())
		}
	}
	c.commit(text)
}

func (c *Controller) commit(text string) {
	c.check(c.machine.Commit(text))
	c.stats.Commits++
}

// check records a callback failure. The input method cannot be told, so
// it is logged here and returned by the call that delivered the callback.
func (c *Controller) check(err error) {
	if err == nil {
		return
	}
	c.logger.Warn("input method callback failed", "error", err)
	c.errs = append(c.errs, err)
}

// CommitText implements Sink. Runs of '\b' delete backwards.
func (c *Controller) CommitText(text string) {
	for text != "" {
		i := strings.IndexByte(text, '\b')
		switch {
		case i < 0:
			c.commit(text)
			return
		case i > 0:
			c.commit(text[:i])
			text = text[i:]
		default:
			n := len(text) - len(strings.TrimLeft(text, "\b"))
			c.check(c.machine.DeleteBackward(n))
			c.stats.Deletes++
			text = text[n:]
		}
	}
}

// UpdatePreeditText implements Sink.
func (c *Controller) UpdatePreeditText(text string, cursorPos int, visible bool) {
	if !visible {
		c.HidePreeditText()
		return
	}
	c.check(c.machine.UpdatePreedit(text, cursorPos))
	c.stats.PreeditUpdates++
}

// HidePreeditText implements Sink.
func (c *Controller) HidePreeditText() {
	c.check(c.machine.Hide())
}

// ForwardKeyEvent implements Sink. A forwarded backspace deletes directly;
// other keys get the view's default action without going back through
// the input method.
func (c *Controller) ForwardKeyEvent(ev KeyEvent) {
	c.stats.Forwarded++
	if ev.Released() {
		return
	}
	if ev.Keysym == KeyBackSpace && !ev.HasCommandModifier() {
		c.check(c.machine.DeleteBackward(1))
		c.stats.Deletes++
		return
	}
	c.defaultAction(ev)
}

// Close releases the communicator.
func (c *Controller) Close() error {
	return c.comm.Close()
}

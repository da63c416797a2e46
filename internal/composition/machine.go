package composition

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	"rootsite/internal/logging"
	"rootsite/internal/textbuf"
)

// State is the machine's composition state.
type State int

const (
	// Idle means no preedit is in the buffer.
	Idle State = iota
	// Composing means a preedit session is open.
	Composing
)

func (s State) String() string {
	if s == Composing {
		return "composing"
	}
	return "idle"
}

// RangeMode decides what happens to a range selection when composition starts.
type RangeMode int

const (
	// PreserveRange keeps the range selected and replaces it on commit.
	PreserveRange RangeMode = iota
	// ReplaceRange deletes the range when the first preedit arrives.
	ReplaceRange
)

// ParseRangeMode parses "preserve" or "replace".
func ParseRangeMode(s string) (RangeMode, error) {
	switch s {
	case "", "preserve":
		return PreserveRange, nil
	case "replace":
		return ReplaceRange, nil
	default:
		return PreserveRange, fmt.Errorf("unknown range mode: %q", s)
	}
}

func (m RangeMode) String() string {
	if m == ReplaceRange {
		return "replace"
	}
	return "preserve"
}

// Selection is the flat view of the live selection the machine edits
// against: anchor and end offsets into the buffer plus the association flag.
type Selection interface {
	Range() (anchor, end int, assocPrev bool)
	SetRange(anchor, end int, assocPrev bool) error
}

type session struct {
	// selection when the session opened
	anchor, end int
	assocPrev   bool

	insertAt int
	text     string // normalized preedit currently in the buffer
	cursor   int    // IME caret within text

	replaced bool         // the starting range was deleted
	removed  textbuf.Span // what was deleted, restored on cancel
}

func (s *session) lo() int { return min(s.anchor, s.end) }
func (s *session) hi() int { return max(s.anchor, s.end) }

func (s *session) preeditEnd() int {
	return s.insertAt + utf8.RuneCountInString(s.text)
}

type commitMark struct {
	text  string
	caret int
}

// Machine is the preedit state machine for one editing view. It is not safe
// for concurrent use; all calls come from the view's input thread.
type Machine struct {
	buf       textbuf.Buffer
	sel       Selection
	form      textbuf.Form
	mode      RangeMode
	logger    *slog.Logger
	listeners []Listener

	state        State
	sess         *session
	lastCommit   *commitMark
	lastRecovery error
}

// Option configures a Machine.
type Option func(*Machine)

// WithForm sets the normalization applied to incoming text.
func WithForm(f textbuf.Form) Option {
	return func(m *Machine) { m.form = f }
}

// WithRangeMode sets how range selections are treated.
func WithRangeMode(mode RangeMode) Option {
	return func(m *Machine) { m.mode = mode }
}

// WithLogger sets the machine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithListener subscribes l to composition events.
func WithListener(l Listener) Option {
	return func(m *Machine) { m.listeners = append(m.listeners, l) }
}

// New creates an idle machine over buf and sel. Text is normalized to NFD
// unless WithForm says otherwise.
func New(buf textbuf.Buffer, sel Selection, opts ...Option) *Machine {
	m := &Machine{
		buf:  buf,
		sel:  sel,
		form: textbuf.FormNFD,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Default().WithComponent("composition").Logger
	}
	return m
}

// Subscribe adds a listener.
func (m *Machine) Subscribe(l Listener) {
	m.listeners = append(m.listeners, l)
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Preedit returns the preedit text currently in the buffer.
func (m *Machine) Preedit() string {
	if m.sess == nil {
		return ""
	}
	return m.sess.text
}

// Caret returns the buffer offset of the input method's caret inside the
// preedit. ok is false when Idle.
func (m *Machine) Caret() (offset int, ok bool) {
	if m.sess == nil {
		return 0, false
	}
	return m.sess.insertAt + m.sess.cursor, true
}

// LastRecovery returns the most recent inconsistency the machine recovered
// from, or nil.
func (m *Machine) LastRecovery() error {
	return m.lastRecovery
}

// BeginEvent marks the start of a new key event.
func (m *Machine) BeginEvent() {
	m.lastCommit = nil
}

// UpdatePreedit shows text as the in-flight composition. cursorPos is the
// input method's caret as a character index into text. An empty text ends
// the composition the same way Cancel does.
func (m *Machine) UpdatePreedit(text string, cursorPos int) error {
	m.lastCommit = nil
	m.verify("update-preedit")

	if text == "" {
		return m.Cancel()
	}

	begin := m.state == Idle
	if begin {
		if err := m.open(); err != nil {
			return err
		}
	} else if err := m.removePreedit(); err != nil {
		return err
	}

	norm := m.form.Apply(text)
	if err := m.buf.Replace(m.sess.insertAt, m.sess.insertAt, norm); err != nil {
		return fmt.Errorf("insert preedit: %w", err)
	}
	m.sess.text = norm
	m.sess.cursor = m.normalizedCursor(text, cursorPos)

	if err := m.selectPreedit(); err != nil {
		return err
	}

	kind := EventUpdate
	if begin {
		kind = EventBegin
	}
	m.emit(kind, norm, m.sess.insertAt, m.sess.preeditEnd())
	m.logger.Debug("preedit updated", "text", norm, "at", m.sess.insertAt, "cursor", m.sess.cursor)
	return nil
}

// open starts a session from the live selection.
func (m *Machine) open() error {
	anchor, end, assocPrev := m.sel.Range()
	s := &session{anchor: anchor, end: end, assocPrev: assocPrev}
	s.insertAt = s.hi()

	if m.mode == ReplaceRange && s.lo() != s.hi() {
		removed, err := m.cut(s.lo(), s.hi())
		if err != nil {
			return fmt.Errorf("read selected range: %w", err)
		}
		if err := m.buf.Replace(s.lo(), s.hi(), ""); err != nil {
			return fmt.Errorf("delete selected range: %w", err)
		}
		s.replaced = true
		s.removed = removed
		s.insertAt = s.lo()
	}

	m.sess = s
	m.state = Composing
	return nil
}

// cut reads [start, end) with its writing systems when the buffer keeps
// them.
func (m *Machine) cut(start, end int) (textbuf.Span, error) {
	if sb, ok := m.buf.(textbuf.SpanBuffer); ok {
		return sb.Span(start, end)
	}
	text, err := m.buf.Substring(start, end)
	return textbuf.Span{Text: text}, err
}

func (m *Machine) restore(at int, sp textbuf.Span) error {
	if sb, ok := m.buf.(textbuf.SpanBuffer); ok {
		return sb.InsertSpan(at, sp)
	}
	return m.buf.Replace(at, at, sp.Text)
}

func (m *Machine) removePreedit() error {
	if m.sess.text == "" {
		return nil
	}
	if err := m.buf.Replace(m.sess.insertAt, m.sess.preeditEnd(), ""); err != nil {
		return fmt.Errorf("remove preedit: %w", err)
	}
	m.sess.text = ""
	m.sess.cursor = 0
	return nil
}

// selectPreedit installs the selection shown while composing: the original
// range when it is preserved, otherwise a range over the preedit.
func (m *Machine) selectPreedit() error {
	s := m.sess
	if !s.replaced && s.lo() != s.hi() {
		return m.sel.SetRange(s.anchor, s.end, s.assocPrev)
	}
	return m.sel.SetRange(s.insertAt, s.preeditEnd(), false)
}

func (m *Machine) normalizedCursor(raw string, cursorPos int) int {
	runes := []rune(raw)
	cursorPos = max(0, min(cursorPos, len(runes)))
	return utf8.RuneCountInString(m.form.Apply(string(runes[:cursorPos])))
}

// Commit finalizes text. While composing it replaces the preedit (and a
// preserved range selection); otherwise it replaces the current selection.
// Either way the result is an insertion point right after the new text.
func (m *Machine) Commit(text string) error {
	if m.isDuplicateCommit(text) {
		m.logger.Debug("ignored repeated commit", "text", text)
		return nil
	}
	m.verify("commit")

	norm := m.form.Apply(text)
	var start, end int

	if m.state == Composing {
		s := m.sess
		if err := m.removePreedit(); err != nil {
			return err
		}
		start, end = s.insertAt, s.insertAt
		if !s.replaced {
			start, end = s.lo(), s.hi()
		}
		m.close()
	} else {
		anchor, e, _ := m.sel.Range()
		start, end = min(anchor, e), max(anchor, e)
	}

	if err := m.buf.Replace(start, end, norm); err != nil {
		return fmt.Errorf("commit text: %w", err)
	}
	caret := start + utf8.RuneCountInString(norm)
	if err := m.sel.SetRange(caret, caret, true); err != nil {
		return err
	}

	m.lastCommit = &commitMark{text: text, caret: caret}
	m.emit(EventCommit, norm, start, caret)
	m.logger.Debug("committed", "text", norm, "at", start)
	return nil
}

// isDuplicateCommit reports whether text repeats the commit just made
// within the same key event, with the caret still right after it.
func (m *Machine) isDuplicateCommit(text string) bool {
	if m.lastCommit == nil || m.state != Idle || m.lastCommit.text != text {
		return false
	}
	anchor, end, _ := m.sel.Range()
	return anchor == end && anchor == m.lastCommit.caret
}

// Cancel removes the preedit and restores the buffer and selection to what
// they were before the session opened. It does nothing when Idle.
func (m *Machine) Cancel() error {
	m.lastCommit = nil
	if m.state == Idle {
		return nil
	}
	// An edit made behind the machine's back leaves nothing to undo; the
	// buffer and selection stay as they are.
	m.verify("cancel")
	if m.state == Idle {
		return nil
	}
	s := m.sess
	if err := m.removePreedit(); err != nil {
		return err
	}
	if s.replaced {
		if err := m.restore(s.lo(), s.removed); err != nil {
			return fmt.Errorf("restore selected range: %w", err)
		}
	}
	m.close()

	if err := m.sel.SetRange(s.anchor, s.end, s.assocPrev); err != nil {
		return err
	}
	m.emit(EventCancel, "", s.lo(), s.hi())
	m.logger.Debug("composition cancelled")
	return nil
}

// Reset is Cancel under the name input methods use.
func (m *Machine) Reset() error {
	return m.Cancel()
}

// FocusOut discards any composition. An unfinished composition is never
// committed on focus loss.
func (m *Machine) FocusOut() error {
	return m.Cancel()
}

// Hide takes the preedit out of the buffer but keeps the session open; the
// next update puts text back at the same insertion point.
func (m *Machine) Hide() error {
	m.lastCommit = nil
	if m.state == Idle {
		return nil
	}
	m.verify("hide-preedit")
	if m.state == Idle {
		return nil
	}
	if err := m.removePreedit(); err != nil {
		return err
	}
	if err := m.selectPreedit(); err != nil {
		return err
	}
	m.emit(EventHide, "", m.sess.insertAt, m.sess.insertAt)
	return nil
}

// DeleteBackward removes the selected range, or up to n characters before
// an insertion point. An open composition is cancelled first.
func (m *Machine) DeleteBackward(n int) error {
	return m.delete(n, true)
}

// DeleteForward removes the selected range, or up to n characters after an
// insertion point. An open composition is cancelled first.
func (m *Machine) DeleteForward(n int) error {
	return m.delete(n, false)
}

func (m *Machine) delete(n int, backward bool) error {
	if m.state == Composing {
		m.logger.Debug("delete during composition cancels it")
		if err := m.Cancel(); err != nil {
			return err
		}
	}
	m.lastCommit = nil

	anchor, end, _ := m.sel.Range()
	start, stop := min(anchor, end), max(anchor, end)
	if start == stop {
		if backward {
			start = max(0, start-n)
		} else {
			stop = min(m.buf.Len(), stop+n)
		}
	}
	if start == stop {
		return nil
	}

	removed, err := m.buf.Substring(start, stop)
	if err != nil {
		return fmt.Errorf("read deleted range: %w", err)
	}
	if err := m.buf.Replace(start, stop, ""); err != nil {
		return fmt.Errorf("delete range: %w", err)
	}
	if err := m.sel.SetRange(start, start, start > 0); err != nil {
		return err
	}
	m.emit(EventDelete, removed, start, stop)
	return nil
}

func (m *Machine) close() {
	m.sess = nil
	m.state = Idle
}

// verify checks that the preedit is still where the session left it. If
// something outside the machine changed the buffer, the session is dropped
// without touching the buffer and the current selection is taken as is.
func (m *Machine) verify(op string) {
	if m.state != Composing {
		return
	}
	s := m.sess
	end := s.preeditEnd()
	found := ""
	ok := end <= m.buf.Len()
	if ok {
		var err error
		found, err = m.buf.Substring(s.insertAt, end)
		ok = err == nil && found == s.text
	}
	if ok {
		return
	}

	err := &CompositionStateError{Op: op, Expected: s.text, Found: found}
	m.lastRecovery = err
	m.logger.Warn("composition out of sync with buffer, starting over", "error", err)
	m.close()
}

func (m *Machine) emit(kind EventKind, text string, start, end int) {
	if len(m.listeners) == 0 {
		return
	}
	ev := Event{Kind: kind, Text: text, Start: start, End: end}
	if m.sess != nil {
		ev.Cursor = m.sess.cursor
	}
	for _, l := range m.listeners {
		l.CompositionEvent(ev)
	}
}

package inputbus

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Family names a kind of input method behavior.
type Family string

// Simulated keyboard families, one per way real input methods deliver text.
const (
	// NoPreedit commits every keystroke and never composes.
	NoPreedit Family = "no-preedit"
	// CommitBeforeUpdate composes one character at a time, committing the
	// previous one before showing the next.
	CommitBeforeUpdate Family = "commit-before-update"
	// CommitOnSpace composes a word and commits it uppercased on space.
	CommitOnSpace Family = "commit-on-space"
	// GlyphSubstitution composes a word and commits it with letter
	// sequences replaced from a table on space.
	GlyphSubstitution Family = "glyph-substitution"
	// BackspaceCommit commits keystrokes, then on space retracts the word
	// with '\b' characters in the commit text and commits it lowercased.
	BackspaceCommit Family = "backspace-commit"
	// BackspaceForward is BackspaceCommit retracting through forwarded
	// BackSpace key events.
	BackspaceForward Family = "backspace-forward"

	// IBus is a real input method reached over D-Bus.
	IBus Family = "ibus"
)

// Families lists the simulated families.
func Families() []Family {
	return []Family{NoPreedit, CommitBeforeUpdate, CommitOnSpace, GlyphSubstitution, BackspaceCommit, BackspaceForward}
}

// DefaultGlyphs is the substitution table used when none is configured.
var DefaultGlyphs = map[string]string{
	"ae": "æ",
	"ng": "ŋ",
	"sh": "ʃ",
	"th": "θ",
	"oe": "œ",
}

// NewSimulated returns an in-process input method of the given family.
// glyphs is only used by GlyphSubstitution; nil means DefaultGlyphs.
func NewSimulated(f Family, glyphs map[string]string) (Communicator, error) {
	switch f {
	case NoPreedit:
		return &noPreedit{}, nil
	case CommitBeforeUpdate:
		return &commitBeforeUpdate{}, nil
	case CommitOnSpace:
		return &wordComposer{finish: strings.ToUpper}, nil
	case GlyphSubstitution:
		if len(glyphs) == 0 {
			glyphs = DefaultGlyphs
		}
		return &wordComposer{finish: newGlyphTable(glyphs).substitute}, nil
	case BackspaceCommit:
		return &retractor{}, nil
	case BackspaceForward:
		return &retractor{forward: true}, nil
	default:
		return nil, fmt.Errorf("unknown keyboard family: %q", f)
	}
}

// simulated holds what every in-process keyboard shares.
type simulated struct {
	sink    Sink
	focused bool
}

func (s *simulated) Attach(sink Sink) { s.sink = sink }

func (s *simulated) FocusIn(context.Context) error {
	s.focused = true
	return nil
}

func (s *simulated) FocusOut(context.Context) error {
	s.focused = false
	return nil
}

func (s *simulated) Close() error { return nil }

// typed returns the character a key types, or false for releases, command
// chords, space and non-character keys.
func typed(ev KeyEvent) (rune, bool) {
	if ev.Released() || ev.HasCommandModifier() || ev.Keysym == KeySpace {
		return 0, false
	}
	r := ev.Rune()
	return r, r != 0
}

func isPress(ev KeyEvent, keysym uint32) bool {
	return !ev.Released() && !ev.HasCommandModifier() && ev.Keysym == keysym
}

type noPreedit struct{ simulated }

func (k *noPreedit) ProcessKeyEvent(_ context.Context, ev KeyEvent) (bool, error) {
	r, ok := typed(ev)
	if !ok {
		return false, nil
	}
	k.sink.CommitText(string(r))
	return true, nil
}

func (k *noPreedit) Reset(context.Context) error { return nil }

type commitBeforeUpdate struct {
	simulated
	pending string
}

func (k *commitBeforeUpdate) ProcessKeyEvent(_ context.Context, ev KeyEvent) (bool, error) {
	if r, ok := typed(ev); ok {
		k.flush()
		k.pending = string(r)
		k.sink.UpdatePreeditText(k.pending, 1, true)
		return true, nil
	}
	if ev.Released() {
		return false, nil
	}
	if isPress(ev, KeyBackSpace) && k.pending != "" {
		k.pending = ""
		k.sink.UpdatePreeditText("", 0, true)
		return true, nil
	}
	k.flush()
	return false, nil
}

func (k *commitBeforeUpdate) flush() {
	if k.pending != "" {
		k.sink.CommitText(k.pending)
		k.pending = ""
	}
}

func (k *commitBeforeUpdate) Reset(context.Context) error {
	k.pending = ""
	return nil
}

// wordComposer composes a word in the preedit and commits finish(word)
// on space.
type wordComposer struct {
	simulated
	finish  func(string) string
	pending []rune
}

func (k *wordComposer) ProcessKeyEvent(_ context.Context, ev KeyEvent) (bool, error) {
	if r, ok := typed(ev); ok {
		k.pending = append(k.pending, r)
		k.update()
		return true, nil
	}
	if ev.Released() || len(k.pending) == 0 {
		return false, nil
	}

	switch {
	case isPress(ev, KeySpace):
		k.commit()
		return true, nil
	case isPress(ev, KeyBackSpace):
		k.pending = k.pending[:len(k.pending)-1]
		k.update()
		return true, nil
	case isPress(ev, KeyEscape):
		k.pending = nil
		k.update()
		return true, nil
	default:
		k.commit()
		return false, nil
	}
}

func (k *wordComposer) update() {
	k.sink.UpdatePreeditText(string(k.pending), len(k.pending), true)
}

func (k *wordComposer) commit() {
	word := string(k.pending)
	k.pending = nil
	k.sink.CommitText(k.finish(word))
}

func (k *wordComposer) Reset(context.Context) error {
	k.pending = nil
	return nil
}

// retractor commits keystrokes as typed and rewrites the word on space.
type retractor struct {
	simulated
	forward bool
	word    []rune
}

func (k *retractor) ProcessKeyEvent(_ context.Context, ev KeyEvent) (bool, error) {
	if r, ok := typed(ev); ok {
		k.word = append(k.word, r)
		k.sink.CommitText(string(r))
		return true, nil
	}
	if ev.Released() {
		return false, nil
	}

	switch {
	case isPress(ev, KeySpace) && len(k.word) > 0:
		n := len(k.word)
		word := strings.ToLower(string(k.word))
		k.word = nil
		if k.forward {
			for i := 0; i < n; i++ {
				k.sink.ForwardKeyEvent(KeyEvent{Keysym: KeyBackSpace})
			}
			k.sink.CommitText(word)
		} else {
			k.sink.CommitText(strings.Repeat("\b", n) + word)
		}
		return true, nil
	case isPress(ev, KeyBackSpace) && len(k.word) > 0:
		k.word = k.word[:len(k.word)-1]
	default:
		k.word = nil
	}
	return false, nil
}

func (k *retractor) Reset(context.Context) error {
	k.word = nil
	return nil
}

type glyphTable struct {
	glyphs map[string]string
	maxLen int
}

func newGlyphTable(glyphs map[string]string) *glyphTable {
	t := &glyphTable{glyphs: glyphs}
	for from := range glyphs {
		t.maxLen = max(t.maxLen, utf8.RuneCountInString(from))
	}
	return t
}

// substitute replaces sequences left to right, longest match first.
// Matching ignores case; a match starting with an uppercase letter gets an
// uppercased replacement.
func (t *glyphTable) substitute(word string) string {
	runes := []rune(word)
	var out strings.Builder
	for i := 0; i < len(runes); {
		n, repl := t.match(runes[i:])
		if n == 0 {
			out.WriteRune(runes[i])
			i++
			continue
		}
		if unicode.IsUpper(runes[i]) {
			repl = strings.ToUpper(repl)
		}
		out.WriteString(repl)
		i += n
	}
	return out.String()
}

func (t *glyphTable) match(rest []rune) (int, string) {
	for n := min(t.maxLen, len(rest)); n > 0; n-- {
		key := strings.ToLower(string(rest[:n]))
		if repl, ok := t.glyphs[key]; ok {
			return n, repl
		}
	}
	return 0, ""
}

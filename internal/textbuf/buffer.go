// Package textbuf provides the text buffer capability the editing core works
// against, plus an in-memory implementation that tracks writing systems.
//
// Offsets are rune indexes. A buffer never holds a partial code point, so the
// composition and selection layers can do arithmetic on offsets directly.
package textbuf

import (
	"fmt"
	"strings"
)

// Buffer is the minimal text storage the composition machine mutates.
type Buffer interface {
	// Len returns the number of characters in the buffer.
	Len() int

	// Substring returns the characters in [start, end).
	Substring(start, end int) (string, error)

	// Replace substitutes the characters in [start, end) with text.
	Replace(start, end int, text string) error
}

// Span is a stretch of buffer text together with the writing system of
// each of its characters.
type Span struct {
	Text string
	WS   []int
}

// SpanBuffer is a Buffer that can lift text out with its writing systems
// and put it back unchanged. Deleting a Span and inserting it again leaves
// the buffer identical.
type SpanBuffer interface {
	Buffer
	Span(start, end int) (Span, error)
	InsertSpan(at int, sp Span) error
}

// RangeError reports a buffer operation with inconsistent bounds.
type RangeError struct {
	Op    string
	Start int
	End   int
	Len   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("textbuf: %s [%d,%d) out of range for length %d", e.Op, e.Start, e.End, e.Len)
}

// CheckRange returns a *RangeError unless 0 <= start <= end <= length.
func CheckRange(op string, start, end, length int) error {
	if start < 0 || end < 0 || start > end || end > length {
		return &RangeError{Op: op, Start: start, End: end, Len: length}
	}
	return nil
}

// Run is a maximal stretch of characters sharing one writing system.
type Run struct {
	Start int
	End   int
	WS    int
}

// String is a mutable character buffer in which every character carries a
// writing system handle. It implements Buffer.
type String struct {
	runes []rune
	ws    []int

	// DefaultWS is used for text inserted into an empty buffer.
	DefaultWS int
}

// NewString returns a buffer holding text in a single writing system.
func NewString(text string, ws int) *String {
	s := &String{DefaultWS: ws}
	s.Append(text, ws)
	return s
}

// Append adds text at the end of the buffer in the given writing system.
func (s *String) Append(text string, ws int) {
	for _, r := range text {
		s.runes = append(s.runes, r)
		s.ws = append(s.ws, ws)
	}
}

// Len implements Buffer.
func (s *String) Len() int {
	return len(s.runes)
}

// Text returns the whole buffer.
func (s *String) Text() string {
	return string(s.runes)
}

func (s *String) String() string {
	return s.Text()
}

// Substring implements Buffer.
func (s *String) Substring(start, end int) (string, error) {
	if err := CheckRange("substring", start, end, len(s.runes)); err != nil {
		return "", err
	}
	return string(s.runes[start:end]), nil
}

// Replace implements Buffer. Inserted characters inherit the writing system
// of the character before start, or of the character at end when replacing
// at the beginning of the buffer.
func (s *String) Replace(start, end int, text string) error {
	if err := CheckRange("replace", start, end, len(s.runes)); err != nil {
		return err
	}
	return s.ReplaceWS(start, end, text, s.inheritedWS(start, end))
}

// ReplaceWS is Replace with an explicit writing system for the new text.
func (s *String) ReplaceWS(start, end int, text string, ws int) error {
	if err := CheckRange("replace", start, end, len(s.runes)); err != nil {
		return err
	}
	ins := []rune(text)
	runes := make([]rune, 0, len(s.runes)-(end-start)+len(ins))
	runes = append(runes, s.runes[:start]...)
	runes = append(runes, ins...)
	runes = append(runes, s.runes[end:]...)

	wss := make([]int, 0, cap(runes))
	wss = append(wss, s.ws[:start]...)
	for range ins {
		wss = append(wss, ws)
	}
	wss = append(wss, s.ws[end:]...)

	s.runes, s.ws = runes, wss
	return nil
}

// Span implements SpanBuffer.
func (s *String) Span(start, end int) (Span, error) {
	if err := CheckRange("span", start, end, len(s.runes)); err != nil {
		return Span{}, err
	}
	return Span{
		Text: string(s.runes[start:end]),
		WS:   append([]int(nil), s.ws[start:end]...),
	}, nil
}

// InsertSpan implements SpanBuffer. A span whose WS does not cover every
// character is inserted as Replace would insert its text.
func (s *String) InsertSpan(at int, sp Span) error {
	ins := []rune(sp.Text)
	if len(sp.WS) != len(ins) {
		return s.Replace(at, at, sp.Text)
	}
	if err := s.ReplaceWS(at, at, sp.Text, 0); err != nil {
		return err
	}
	copy(s.ws[at:at+len(ins)], sp.WS)
	return nil
}

func (s *String) inheritedWS(start, end int) int {
	switch {
	case start > 0:
		return s.ws[start-1]
	case end < len(s.ws):
		return s.ws[end]
	default:
		return s.DefaultWS
	}
}

// WSAt returns the writing system of the character at offset i, or 0 when i
// is outside the buffer.
func (s *String) WSAt(i int) int {
	if i < 0 || i >= len(s.ws) {
		return 0
	}
	return s.ws[i]
}

// Runs returns the writing system runs overlapping [start, end). An empty
// range yields no runs.
func (s *String) Runs(start, end int) ([]Run, error) {
	if err := CheckRange("runs", start, end, len(s.runes)); err != nil {
		return nil, err
	}
	var runs []Run
	for i := start; i < end; i++ {
		if n := len(runs); n > 0 && runs[n-1].WS == s.ws[i] {
			runs[n-1].End = i + 1
			continue
		}
		runs = append(runs, Run{Start: i, End: i + 1, WS: s.ws[i]})
	}
	return runs, nil
}

// Clone returns an independent copy.
func (s *String) Clone() *String {
	c := &String{DefaultWS: s.DefaultWS}
	c.runes = append([]rune(nil), s.runes...)
	c.ws = append([]int(nil), s.ws...)
	return c
}

// Equal reports whether two buffers hold the same characters and writing systems.
func (s *String) Equal(o *String) bool {
	if len(s.runes) != len(o.runes) {
		return false
	}
	for i := range s.runes {
		if s.runes[i] != o.runes[i] || s.ws[i] != o.ws[i] {
			return false
		}
	}
	return true
}

// Describe renders the buffer with run boundaries, e.g. "abc[1]de[2]".
func (s *String) Describe() string {
	runs, _ := s.Runs(0, len(s.runes))
	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "%s[%d]", string(s.runes[r.Start:r.End]), r.WS)
	}
	return b.String()
}

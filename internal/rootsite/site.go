// Package rootsite hosts one editable view: a document, the live selection
// in it, and the composition machine that input methods drive.
package rootsite

import (
	"fmt"
	"log/slog"

	"rootsite/internal/composition"
	"rootsite/internal/document"
	"rootsite/internal/logging"
	"rootsite/internal/selection"
	"rootsite/internal/textbuf"
)

// Property tags used by plain documents.
const (
	ParagraphsTag = 14001
	ContentsTag   = 16002
)

// Site owns the live selection of a view. Input-method code sees it as a
// flat buffer plus a flat selection over the paragraph holding the anchor.
type Site struct {
	doc    *document.Document
	helper *selection.Helper
	host   selection.Installer
	logger *slog.Logger
	viewID string

	sel    selection.Selection
	hasSel bool
}

// Option configures a Site.
type Option func(*Site)

// WithHost forwards every installed selection to host, typically the
// renderer that draws it.
func WithHost(host selection.Installer) Option {
	return func(s *Site) { s.host = host }
}

// WithLogger sets the site's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Site) { s.logger = l }
}

// WithViewID names the view in log output.
func WithViewID(id string) Option {
	return func(s *Site) { s.viewID = id }
}

// New creates a site over doc with no selection.
func New(doc *document.Document, opts ...Option) *Site {
	s := &Site{doc: doc}
	for _, opt := range opts {
		opt(s)
	}
	if s.viewID == "" {
		s.viewID = logging.Default().NewViewID()
	}
	if s.logger == nil {
		s.logger = logging.Default().WithComponent("rootsite").WithView(s.viewID).Logger
	}
	s.helper = selection.NewHelper(doc,
		selection.WithInstaller(s),
		selection.WithLogger(s.logger))
	return s
}

// NewPlain creates a single-paragraph site holding text in writing system
// ws, with an insertion point at the end of the text.
func NewPlain(text string, ws int, opts ...Option) (*Site, error) {
	doc := document.NewParagraphs(ParagraphsTag, ContentsTag, ws, text)
	s := New(doc, opts...)
	n := len([]rune(text))
	if _, err := s.MakeSelection(ParagraphPath(0), ContentsTag, n, n, ws, n > 0); err != nil {
		return nil, err
	}
	return s, nil
}

// ParagraphPath addresses paragraph i of a plain document.
func ParagraphPath(i int) []selection.LevelInfo {
	return []selection.LevelInfo{{Tag: ParagraphsTag, Index: i}}
}

// ViewID returns the view's log identifier.
func (s *Site) ViewID() string { return s.viewID }

// Document returns the site's document.
func (s *Site) Document() *document.Document { return s.doc }

// Helper returns the selection helper bound to this site.
func (s *Site) Helper() *selection.Helper { return s.helper }

// InstallSelection implements selection.Installer. The selection must
// resolve exactly; it replaces the live one and is passed on to the host.
func (s *Site) InstallSelection(sel selection.Selection) error {
	if err := s.helper.Validate(sel); err != nil {
		return err
	}
	s.sel = sel.Clone()
	s.hasSel = true
	if s.host != nil {
		return s.host.InstallSelection(s.sel.Clone())
	}
	return nil
}

// MakeSelection creates and installs a selection inside one text.
func (s *Site) MakeSelection(levels []selection.LevelInfo, textProp, anchor, end, ws int, assocPrev bool) (selection.Selection, error) {
	sel, err := s.helper.Create(levels, textProp, anchor, end, ws, assocPrev)
	if err != nil {
		return selection.Selection{}, err
	}
	if err := s.InstallSelection(sel); err != nil {
		return selection.Selection{}, err
	}
	return sel, nil
}

// Selection returns a copy of the live selection.
func (s *Site) Selection() (selection.Selection, bool) {
	if !s.hasSel {
		return selection.Selection{}, false
	}
	return s.sel.Clone(), true
}

// Refresh re-resolves the live selection after the document changed
// underneath it, clamping or borrowing positions as needed.
func (s *Site) Refresh() error {
	if !s.hasSel {
		return selection.ErrNoSelection
	}
	_, err := s.helper.MakeBest(s.sel, true)
	if err != nil {
		s.hasSel = false
		return fmt.Errorf("refresh selection: %w", err)
	}
	return nil
}

// WritingSystem returns the writing system new typing would get.
func (s *Site) WritingSystem() int {
	if !s.hasSel {
		return 0
	}
	sel := s.sel.Clone()
	return s.helper.FirstWritingSystem(&sel)
}

// Text returns the text of the paragraph holding the anchor.
func (s *Site) Text() string {
	str, ok := s.anchorString()
	if !ok {
		return ""
	}
	return str.Text()
}

func (s *Site) anchorString() (*textbuf.String, bool) {
	if !s.hasSel {
		return nil, false
	}
	return s.doc.StringAt(s.sel.Anchor.Levels, s.sel.Anchor.TextProp)
}

// Range implements composition.Selection. When the endpoints sit in
// different paragraphs the range collapses to the anchor.
func (s *Site) Range() (anchor, end int, assocPrev bool) {
	if !s.hasSel {
		return 0, 0, false
	}
	anchor = s.sel.Anchor.Offset
	end = anchor
	if selection.SameNode(s.sel.Anchor, s.sel.End) {
		end = s.sel.End.Offset
	}
	return anchor, end, s.sel.End.AssocPrev
}

// SetRange implements composition.Selection. It installs a selection in
// the anchor's paragraph with writing systems taken from the text.
func (s *Site) SetRange(anchor, end int, assocPrev bool) error {
	str, ok := s.anchorString()
	if !ok {
		return selection.ErrNoSelection
	}
	a := s.sel.Anchor.Clone()
	a.Offset, a.AssocPrev = anchor, assocPrev
	e := a.Clone()
	e.Offset = end

	ws := wsNear(str, min(anchor, end), anchor == end && assocPrev, a.WS)
	a.WS, e.WS = ws, ws
	return s.InstallSelection(selection.Selection{Anchor: a, End: e})
}

func wsNear(str *textbuf.String, off int, before bool, fallback int) int {
	n := str.Len()
	switch {
	case before && off > 0:
		return str.WSAt(off - 1)
	case off < n:
		return str.WSAt(off)
	case off > 0:
		return str.WSAt(off - 1)
	default:
		return fallback
	}
}

// Buffer returns the text the composition machine edits: whichever
// paragraph holds the anchor at the time of each call.
func (s *Site) Buffer() textbuf.Buffer {
	return nodeBuffer{s}
}

// NewMachine creates a composition machine editing this site.
func (s *Site) NewMachine(opts ...composition.Option) *composition.Machine {
	opts = append([]composition.Option{composition.WithLogger(s.logger)}, opts...)
	return composition.New(s.Buffer(), s, opts...)
}

type nodeBuffer struct{ s *Site }

func (b nodeBuffer) Len() int {
	str, ok := b.s.anchorString()
	if !ok {
		return 0
	}
	return str.Len()
}

func (b nodeBuffer) Substring(start, end int) (string, error) {
	str, ok := b.s.anchorString()
	if !ok {
		return "", selection.ErrNoSelection
	}
	return str.Substring(start, end)
}

func (b nodeBuffer) Replace(start, end int, text string) error {
	str, ok := b.s.anchorString()
	if !ok {
		return selection.ErrNoSelection
	}
	return str.Replace(start, end, text)
}

func (b nodeBuffer) Span(start, end int) (textbuf.Span, error) {
	str, ok := b.s.anchorString()
	if !ok {
		return textbuf.Span{}, selection.ErrNoSelection
	}
	return str.Span(start, end)
}

func (b nodeBuffer) InsertSpan(at int, sp textbuf.Span) error {
	str, ok := b.s.anchorString()
	if !ok {
		return selection.ErrNoSelection
	}
	return str.InsertSpan(at, sp)
}

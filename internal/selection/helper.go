package selection

import (
	"fmt"
	"log/slog"
	"slices"

	"rootsite/internal/logging"
)

// Text is the read side of a text property that selections need.
type Text interface {
	Len() int
	// WSAt returns the writing system of the character at i.
	WSAt(i int) int
}

// Source resolves structural paths against a document.
type Source interface {
	// VectorLen returns the length of vector property tag on the object
	// reached by path. ok is false if the object or property is missing.
	VectorLen(path []LevelInfo, tag int) (n int, ok bool)

	// Text returns the text under textProp on the object reached by path.
	Text(path []LevelInfo, textProp int) (Text, bool)
}

// Installer makes a selection the live one in a view.
type Installer interface {
	InstallSelection(Selection) error
}

// Helper answers positional questions about selections in one document.
type Helper struct {
	src       Source
	installer Installer
	logger    *slog.Logger
}

// Option configures a Helper.
type Option func(*Helper)

// WithInstaller sets where MakeBest installs selections.
func WithInstaller(i Installer) Option {
	return func(h *Helper) { h.installer = i }
}

// WithLogger sets the helper's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Helper) { h.logger = l }
}

// NewHelper creates a helper over src.
func NewHelper(src Source, opts ...Option) *Helper {
	h := &Helper{src: src}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.Default().WithComponent("selection").Logger
	}
	return h
}

// SetInstaller replaces the installer.
func (h *Helper) SetInstaller(i Installer) {
	h.installer = i
}

// Create builds a selection within a single text. It fails with an
// *InvalidSelectionError if any level or offset does not exist; callers
// holding possibly stale positions should use MakeBest instead.
func (h *Helper) Create(levels []LevelInfo, textProp, anchor, end, ws int, assocPrev bool) (Selection, error) {
	ep := Endpoint{
		Levels:    slices.Clone(levels),
		TextProp:  textProp,
		Offset:    anchor,
		WS:        ws,
		AssocPrev: assocPrev,
	}
	sel := Selection{Anchor: ep, End: ep.Clone()}
	sel.End.Offset = end
	if err := h.Validate(sel); err != nil {
		return Selection{}, err
	}
	return sel, nil
}

// Validate checks both endpoints strictly.
func (h *Helper) Validate(sel Selection) error {
	if err := h.validateEndpoint(sel.Anchor, Anchor); err != nil {
		return err
	}
	return h.validateEndpoint(sel.End, End)
}

func (h *Helper) validateEndpoint(ep Endpoint, which Limit) error {
	if err := checkWellFormed(ep, which); err != nil {
		return err
	}
	for i, l := range ep.Levels {
		n, ok := h.src.VectorLen(ep.Levels[:i], l.Tag)
		if !ok || l.Index >= n {
			return &InvalidSelectionError{Limit: which, Reason: "level does not exist", Level: i}
		}
	}
	t, ok := h.src.Text(ep.Levels, ep.TextProp)
	if !ok {
		return &InvalidSelectionError{Limit: which, Reason: "text property does not exist", Level: -1, Offset: ep.Offset}
	}
	if ep.Offset > t.Len() {
		return &InvalidSelectionError{Limit: which, Reason: "offset past end of text", Level: -1, Offset: ep.Offset}
	}
	return nil
}

// checkWellFormed rejects values no document state could make valid.
func checkWellFormed(ep Endpoint, which Limit) error {
	for i, l := range ep.Levels {
		if l.Index < 0 || l.PrevCount < 0 {
			return &InvalidSelectionError{Limit: which, Reason: "negative level index", Level: i}
		}
	}
	if ep.Offset < 0 {
		return &InvalidSelectionError{Limit: which, Reason: "negative offset", Level: -1, Offset: ep.Offset}
	}
	return nil
}

// MakeBest returns the valid selection nearest to candidate. Offsets past
// the end of their text clamp to its length. A level index past the end of
// its vector moves to the last sibling, and the endpoint moves to the end of
// that sibling's text. An endpoint whose path cannot be resolved at all takes
// the path of the other endpoint. Negative indexes or offsets are reported
// as *InvalidSelectionError.
//
// MakeBest has no side effects unless install is true.
func (h *Helper) MakeBest(candidate Selection, install bool) (Selection, error) {
	anchor, anchorOK, err := h.bestEndpoint(candidate.Anchor, Anchor)
	if err != nil {
		return Selection{}, err
	}
	end, endOK, err := h.bestEndpoint(candidate.End, End)
	if err != nil {
		return Selection{}, err
	}

	switch {
	case anchorOK && endOK:
	case anchorOK:
		end = h.borrowPath(end, anchor)
	case endOK:
		anchor = h.borrowPath(anchor, end)
	default:
		return Selection{}, fmt.Errorf("make best selection: %w", ErrNoSelection)
	}

	best := Selection{Anchor: anchor, End: end}
	if !install {
		return best, nil
	}
	if h.installer == nil {
		return best, ErrNoInstaller
	}
	if err := h.installer.InstallSelection(best); err != nil {
		return best, fmt.Errorf("install selection: %w", err)
	}
	return best, nil
}

// bestEndpoint clamps ep into the document. ok is false when the path
// cannot be resolved.
func (h *Helper) bestEndpoint(ep Endpoint, which Limit) (Endpoint, bool, error) {
	if err := checkWellFormed(ep, which); err != nil {
		return Endpoint{}, false, err
	}
	ep = ep.Clone()

	toEnd := false
	for i := range ep.Levels {
		n, ok := h.src.VectorLen(ep.Levels[:i], ep.Levels[i].Tag)
		if !ok || n == 0 {
			return ep, false, nil
		}
		if toEnd || ep.Levels[i].Index >= n {
			ep.Levels[i].Index = n - 1
			toEnd = true
		}
	}

	t, ok := h.src.Text(ep.Levels, ep.TextProp)
	if !ok {
		return ep, false, nil
	}
	if toEnd || ep.Offset > t.Len() {
		h.logger.Debug("clamped selection endpoint",
			"limit", which.String(), "offset", ep.Offset, "len", t.Len())
		ep.Offset = t.Len()
	}
	return ep, true, nil
}

// borrowPath moves stale onto the node addressed by valid, keeping its own
// offset where the new text allows.
func (h *Helper) borrowPath(stale, valid Endpoint) Endpoint {
	out := stale.Clone()
	out.Levels = slices.Clone(valid.Levels)
	out.TextProp = valid.TextProp
	out.PrevProps = valid.PrevProps
	if t, ok := h.src.Text(out.Levels, out.TextProp); ok && out.Offset > t.Len() {
		out.Offset = t.Len()
	}
	return out
}

// FirstWritingSystem returns the writing system at the start of the
// selection, or 0 if sel is nil or cannot be resolved.
func (h *Helper) FirstWritingSystem(sel *Selection) int {
	if sel == nil {
		return 0
	}
	if !sel.IsRange() {
		return h.insertionWS(sel.Anchor)
	}
	top := sel.Limit(Top)
	t, ok := h.src.Text(top.Levels, top.TextProp)
	if !ok {
		return 0
	}
	if top.Offset < t.Len() {
		return t.WSAt(top.Offset)
	}
	return h.insertionWS(top)
}

// WritingSystemOfEntireSelection returns the writing system shared by every
// selected character, or 0 when the selection mixes writing systems or
// cannot be resolved. An insertion point reports the writing system of the
// character it associates with.
func (h *Helper) WritingSystemOfEntireSelection(sel *Selection) int {
	if sel == nil {
		return 0
	}
	if !sel.IsRange() {
		return h.insertionWS(sel.Anchor)
	}

	top, bottom := sel.Limit(Top), sel.Limit(Bottom)
	if SameNode(top, bottom) {
		t, ok := h.src.Text(top.Levels, top.TextProp)
		if !ok {
			return 0
		}
		return commonWS(t, top.Offset, bottom.Offset, 0)
	}

	if !siblings(top, bottom) {
		return 0
	}
	last := len(top.Levels) - 1
	ws := 0
	for idx := top.Levels[last].Index; idx <= bottom.Levels[last].Index; idx++ {
		path := slices.Clone(top.Levels)
		path[last].Index = idx
		t, ok := h.src.Text(path, top.TextProp)
		if !ok {
			return 0
		}
		from, to := 0, t.Len()
		if idx == top.Levels[last].Index {
			from = top.Offset
		}
		if idx == bottom.Levels[last].Index {
			to = min(bottom.Offset, t.Len())
		}
		ws = commonWS(t, from, to, ws)
		if ws == 0 {
			return 0
		}
	}
	return ws
}

// insertionWS picks the writing system an insertion point at ep takes.
func (h *Helper) insertionWS(ep Endpoint) int {
	t, ok := h.src.Text(ep.Levels, ep.TextProp)
	if !ok {
		return 0
	}
	n := t.Len()
	switch {
	case n == 0:
		return ep.WS
	case ep.AssocPrev && ep.Offset > 0:
		return t.WSAt(min(ep.Offset, n) - 1)
	case ep.Offset < n:
		return t.WSAt(ep.Offset)
	default:
		return t.WSAt(n - 1)
	}
}

// commonWS folds the writing systems of t[from:to) into seed. It returns 0
// as soon as two differ. An empty span returns seed unchanged.
func commonWS(t Text, from, to, seed int) int {
	ws := seed
	for i := from; i < to; i++ {
		w := t.WSAt(i)
		if ws == 0 {
			ws = w
			continue
		}
		if w != ws {
			return 0
		}
	}
	return ws
}

// siblings reports whether a and b address the same property of objects
// that differ only in their last index.
func siblings(a, b Endpoint) bool {
	if len(a.Levels) == 0 || len(a.Levels) != len(b.Levels) {
		return false
	}
	if a.TextProp != b.TextProp || a.PrevProps != b.PrevProps {
		return false
	}
	last := len(a.Levels) - 1
	if !slices.Equal(a.Levels[:last], b.Levels[:last]) {
		return false
	}
	la, lb := a.Levels[last], b.Levels[last]
	return la.Tag == lb.Tag && la.PrevCount == lb.PrevCount
}

// Package selection models a text selection addressed structurally: each
// endpoint is a path of object/property levels from the document root down
// to a text property, plus a character offset in that text.
//
// Selections are values. Every change produces a new Selection; nothing is
// edited in place, so a superseded selection stays valid for whoever holds it.
package selection

import (
	"cmp"
	"slices"
)

// LevelInfo is one step of a structural path.
type LevelInfo struct {
	// Tag is the vector property the step descends through.
	Tag int
	// PrevCount counts earlier displays of the same property in the parent.
	PrevCount int
	// Index is the position of the object within the vector.
	Index int
}

// Endpoint is one end of a selection.
type Endpoint struct {
	// Levels is the path from the root to the object owning the text,
	// outermost first.
	Levels []LevelInfo
	// TextProp is the string property holding the text.
	TextProp int
	// PrevProps counts earlier displays of TextProp in the same object.
	PrevProps int
	// Offset is a character offset into the text.
	Offset int
	// WS is the writing system the endpoint reports.
	WS int
	// AssocPrev attaches an insertion point to the preceding character.
	AssocPrev bool
}

// Clone returns a copy that shares no memory with e.
func (e Endpoint) Clone() Endpoint {
	e.Levels = slices.Clone(e.Levels)
	return e
}

// SameNode reports whether a and b address the same text.
func SameNode(a, b Endpoint) bool {
	return a.TextProp == b.TextProp &&
		a.PrevProps == b.PrevProps &&
		slices.Equal(a.Levels, b.Levels)
}

// Equal compares endpoints field by field.
func (e Endpoint) Equal(o Endpoint) bool {
	return SameNode(e, o) &&
		e.Offset == o.Offset &&
		e.WS == o.WS &&
		e.AssocPrev == o.AssocPrev
}

// Compare orders endpoints by document position. Levels are compared
// outermost first; where two paths descend through different properties at
// the same depth, the property with fewer previous occurrences sorts first,
// then the lower tag.
func Compare(a, b Endpoint) int {
	n := min(len(a.Levels), len(b.Levels))
	for i := 0; i < n; i++ {
		la, lb := a.Levels[i], b.Levels[i]
		if c := cmp.Compare(la.PrevCount, lb.PrevCount); c != 0 {
			return c
		}
		if c := cmp.Compare(la.Tag, lb.Tag); c != 0 {
			return c
		}
		if c := cmp.Compare(la.Index, lb.Index); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(len(a.Levels), len(b.Levels)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.PrevProps, b.PrevProps); c != 0 {
		return c
	}
	if c := cmp.Compare(a.TextProp, b.TextProp); c != 0 {
		return c
	}
	return cmp.Compare(a.Offset, b.Offset)
}

// Limit names one end of a selection.
type Limit int

const (
	// Anchor is where the selection was started.
	Anchor Limit = iota
	// End is where the selection was extended to.
	End
	// Top is whichever endpoint comes first in the document.
	Top
	// Bottom is whichever endpoint comes last in the document.
	Bottom
)

func (l Limit) String() string {
	switch l {
	case Anchor:
		return "anchor"
	case End:
		return "end"
	case Top:
		return "top"
	case Bottom:
		return "bottom"
	default:
		return "unknown"
	}
}

// Selection is an anchor and an end.
type Selection struct {
	Anchor Endpoint
	End    Endpoint
}

// IsRange reports whether the selection covers any text.
func (s Selection) IsRange() bool {
	return !SameNode(s.Anchor, s.End) || s.Anchor.Offset != s.End.Offset
}

// EndBeforeAnchor reports whether the end precedes the anchor.
func (s Selection) EndBeforeAnchor() bool {
	return Compare(s.End, s.Anchor) < 0
}

// Limit returns the requested endpoint.
func (s Selection) Limit(which Limit) Endpoint {
	switch which {
	case End:
		return s.End
	case Top:
		if s.EndBeforeAnchor() {
			return s.End
		}
		return s.Anchor
	case Bottom:
		if s.EndBeforeAnchor() {
			return s.Anchor
		}
		return s.End
	default:
		return s.Anchor
	}
}

// Clone returns a deep copy.
func (s Selection) Clone() Selection {
	return Selection{Anchor: s.Anchor.Clone(), End: s.End.Clone()}
}

// Equal compares both endpoints.
func (s Selection) Equal(o Selection) bool {
	return s.Anchor.Equal(o.Anchor) && s.End.Equal(o.End)
}

// ReduceToInsertionPoint collapses s onto one of its endpoints. Every field
// of the result's anchor and end is copied from that endpoint.
func ReduceToInsertionPoint(s Selection, which Limit) Selection {
	ep := s.Limit(which)
	return Selection{Anchor: ep.Clone(), End: ep.Clone()}
}

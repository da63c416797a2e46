// Package document holds an in-memory structured document: a tree of
// objects whose vector properties own child objects and whose string
// properties hold text. Selections address text in it through level paths.
package document

import (
	"fmt"

	"rootsite/internal/selection"
	"rootsite/internal/textbuf"
)

// Object is a node of the document tree.
type Object struct {
	vectors map[int][]*Object
	strings map[int]*textbuf.String
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{
		vectors: make(map[int][]*Object),
		strings: make(map[int]*textbuf.String),
	}
}

// SetString stores text under a string property.
func (o *Object) SetString(tag int, s *textbuf.String) {
	o.strings[tag] = s
}

// String returns the text stored under tag.
func (o *Object) String(tag int) (*textbuf.String, bool) {
	s, ok := o.strings[tag]
	return s, ok
}

// Append adds children to the end of a vector property, creating the
// property if needed.
func (o *Object) Append(tag int, children ...*Object) {
	o.vectors[tag] = append(o.vectors[tag], children...)
}

// Vector returns the children owned by a vector property.
func (o *Object) Vector(tag int) []*Object {
	return o.vectors[tag]
}

// Insert places child at index within a vector property.
func (o *Object) Insert(tag, index int, child *Object) error {
	v := o.vectors[tag]
	if index < 0 || index > len(v) {
		return fmt.Errorf("insert index %d out of range for vector %d (len %d)", index, tag, len(v))
	}
	v = append(v, nil)
	copy(v[index+1:], v[index:])
	v[index] = child
	o.vectors[tag] = v
	return nil
}

// Remove deletes the child at index from a vector property.
func (o *Object) Remove(tag, index int) error {
	v := o.vectors[tag]
	if index < 0 || index >= len(v) {
		return fmt.Errorf("remove index %d out of range for vector %d (len %d)", index, tag, len(v))
	}
	o.vectors[tag] = append(v[:index:index], v[index+1:]...)
	return nil
}

// DropVector removes a vector property entirely.
func (o *Object) DropVector(tag int) {
	delete(o.vectors, tag)
}

// Document is a rooted object tree. It implements selection.Source.
type Document struct {
	root *Object
}

// New returns a document with an empty root object.
func New() *Document {
	return &Document{root: NewObject()}
}

// NewParagraphs builds a document whose root owns one paragraph object per
// text under vectorTag, each paragraph holding its text under textTag.
func NewParagraphs(vectorTag, textTag, ws int, texts ...string) *Document {
	d := New()
	for _, t := range texts {
		p := NewObject()
		p.SetString(textTag, textbuf.NewString(t, ws))
		d.root.Append(vectorTag, p)
	}
	return d
}

// Root returns the root object.
func (d *Document) Root() *Object {
	return d.root
}

// ObjectAt follows a level path from the root.
func (d *Document) ObjectAt(path []selection.LevelInfo) (*Object, bool) {
	o := d.root
	for _, l := range path {
		v, ok := o.vectors[l.Tag]
		if !ok || l.Index < 0 || l.Index >= len(v) {
			return nil, false
		}
		o = v[l.Index]
	}
	return o, true
}

// StringAt returns the text under textProp of the object at path.
func (d *Document) StringAt(path []selection.LevelInfo, textProp int) (*textbuf.String, bool) {
	o, ok := d.ObjectAt(path)
	if !ok {
		return nil, false
	}
	return o.String(textProp)
}

// VectorLen implements selection.Source.
func (d *Document) VectorLen(path []selection.LevelInfo, tag int) (int, bool) {
	o, ok := d.ObjectAt(path)
	if !ok {
		return 0, false
	}
	v, ok := o.vectors[tag]
	return len(v), ok
}

// Text implements selection.Source.
func (d *Document) Text(path []selection.LevelInfo, textProp int) (selection.Text, bool) {
	s, ok := d.StringAt(path, textProp)
	if !ok {
		return nil, false
	}
	return s, true
}

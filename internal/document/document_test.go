package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootsite/internal/selection"
	"rootsite/internal/textbuf"
)

const (
	tagParas    = 10
	tagContents = 20
	tagNotes    = 30
)

func TestNewParagraphsResolve(t *testing.T) {
	d := NewParagraphs(tagParas, tagContents, 1, "first", "second")

	n, ok := d.VectorLen(nil, tagParas)
	require.True(t, ok)
	assert.Equal(t, 2, n)

	s, ok := d.StringAt([]selection.LevelInfo{{Tag: tagParas, Index: 1}}, tagContents)
	require.True(t, ok)
	assert.Equal(t, "second", s.Text())

	_, ok = d.StringAt([]selection.LevelInfo{{Tag: tagParas, Index: 2}}, tagContents)
	assert.False(t, ok)

	_, ok = d.Text([]selection.LevelInfo{{Tag: tagParas, Index: 0}}, 99)
	assert.False(t, ok)

	_, ok = d.VectorLen(nil, tagNotes)
	assert.False(t, ok, "missing vector property")
}

func TestNestedObjects(t *testing.T) {
	d := NewParagraphs(tagParas, tagContents, 1, "para")
	para := d.Root().Vector(tagParas)[0]

	note := NewObject()
	note.SetString(tagContents, textbuf.NewString("footnote", 2))
	para.Append(tagNotes, note)

	path := []selection.LevelInfo{{Tag: tagParas, Index: 0}, {Tag: tagNotes, Index: 0}}
	text, ok := d.Text(path, tagContents)
	require.True(t, ok)
	assert.Equal(t, 8, text.Len())
	assert.Equal(t, 2, text.WSAt(0))
}

func TestInsertRemove(t *testing.T) {
	d := NewParagraphs(tagParas, tagContents, 1, "a", "c")
	root := d.Root()

	b := NewObject()
	b.SetString(tagContents, textbuf.NewString("b", 1))
	require.NoError(t, root.Insert(tagParas, 1, b))

	var got []string
	for _, p := range root.Vector(tagParas) {
		s, _ := p.String(tagContents)
		got = append(got, s.Text())
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	require.NoError(t, root.Remove(tagParas, 0))
	assert.Len(t, root.Vector(tagParas), 2)

	assert.Error(t, root.Remove(tagParas, 5))
	assert.Error(t, root.Insert(tagParas, -1, b))

	root.DropVector(tagParas)
	_, ok := d.VectorLen(nil, tagParas)
	assert.False(t, ok)
}

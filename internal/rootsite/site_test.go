package rootsite

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootsite/internal/composition"
	"rootsite/internal/document"
	"rootsite/internal/selection"
)

type recordingHost struct {
	installed []selection.Selection
	err       error
}

func (h *recordingHost) InstallSelection(sel selection.Selection) error {
	h.installed = append(h.installed, sel)
	return h.err
}

func testOptions(extra ...Option) []Option {
	return append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithViewID("test-view"),
	}, extra...)
}

func plainSite(t *testing.T, text string, anchor, end int) *Site {
	t.Helper()
	s, err := NewPlain(text, 1, testOptions()...)
	require.NoError(t, err)
	require.NoError(t, s.SetRange(anchor, end, false))
	return s
}

func assertRange(t *testing.T, s *Site, anchor, end int) {
	t.Helper()
	a, e, _ := s.Range()
	assert.Equal(t, [2]int{anchor, end}, [2]int{a, e}, "selection")
}

func TestPreeditScenarios(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		anchor, end int
		preedit     string
		want        string
		wantAnchor  int
		wantEnd     int
	}{
		{"empty buffer", "", 0, 0, "e", "e", 0, 1},
		{"decomposed", "b", 1, 1, "\u00ee", "bi\u0302", 1, 3},
		{"forward range", "abc", 0, 1, "e", "aebc", 0, 1},
		{"backward range", "abc", 1, 0, "e", "aebc", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := plainSite(t, tt.text, tt.anchor, tt.end)
			m := s.NewMachine()

			require.NoError(t, m.UpdatePreedit(tt.preedit, 1))

			assert.Equal(t, tt.want, s.Text())
			assertRange(t, s, tt.wantAnchor, tt.wantEnd)
		})
	}
}

func TestComposeAndCommitThroughSite(t *testing.T) {
	host := &recordingHost{}
	s, err := NewPlain("ab", 7, testOptions(WithHost(host))...)
	require.NoError(t, err)
	m := s.NewMachine()

	require.NoError(t, m.UpdatePreedit("x", 1))
	require.NoError(t, m.Commit("xy"))

	assert.Equal(t, "abxy", s.Text())
	assertRange(t, s, 4, 4)
	sel, ok := s.Selection()
	require.True(t, ok)
	assert.True(t, sel.End.AssocPrev)
	assert.Equal(t, 7, sel.End.WS)

	require.NotEmpty(t, host.installed)
	assert.True(t, host.installed[len(host.installed)-1].Equal(sel))
}

func TestCancelThroughSiteRestoresSelection(t *testing.T) {
	s := plainSite(t, "hello", 4, 1)
	before, _ := s.Selection()
	m := s.NewMachine(composition.WithRangeMode(composition.ReplaceRange))

	require.NoError(t, m.UpdatePreedit("q", 1))
	assert.Equal(t, "hqo", s.Text())
	require.NoError(t, m.Cancel())

	assert.Equal(t, "hello", s.Text())
	after, _ := s.Selection()
	assert.True(t, before.Equal(after))
}

func TestInstallRejectsInvalid(t *testing.T) {
	host := &recordingHost{}
	s, err := NewPlain("abc", 1, testOptions(WithHost(host))...)
	require.NoError(t, err)
	calls := len(host.installed)

	err = s.SetRange(0, 9, false)

	var invalid *selection.InvalidSelectionError
	require.True(t, errors.As(err, &invalid))
	assert.Len(t, host.installed, calls)
	assertRange(t, s, 3, 3)
}

func TestSiteWithoutSelection(t *testing.T) {
	s := New(document.NewParagraphs(ParagraphsTag, ContentsTag, 1, "abc"), testOptions()...)

	_, ok := s.Selection()
	assert.False(t, ok)
	assert.Empty(t, s.Text())
	assert.Zero(t, s.Buffer().Len())
	assert.ErrorIs(t, s.SetRange(0, 0, false), selection.ErrNoSelection)
	assert.ErrorIs(t, s.Buffer().Replace(0, 0, "x"), selection.ErrNoSelection)
	assert.ErrorIs(t, s.Refresh(), selection.ErrNoSelection)
}

func TestRangeAcrossParagraphsCollapsesToAnchor(t *testing.T) {
	doc := document.NewParagraphs(ParagraphsTag, ContentsTag, 1, "one", "two")
	s := New(doc, testOptions()...)
	a := selection.Endpoint{Levels: ParagraphPath(0), TextProp: ContentsTag, Offset: 2, WS: 1}
	e := selection.Endpoint{Levels: ParagraphPath(1), TextProp: ContentsTag, Offset: 1, WS: 1}
	require.NoError(t, s.InstallSelection(selection.Selection{Anchor: a, End: e}))

	assertRange(t, s, 2, 2)
	assert.Equal(t, "one", s.Text())
}

func TestRefreshAfterParagraphRemoved(t *testing.T) {
	doc := document.NewParagraphs(ParagraphsTag, ContentsTag, 1, "first", "second")
	s := New(doc, testOptions()...)
	_, err := s.MakeSelection(ParagraphPath(1), ContentsTag, 6, 6, 1, true)
	require.NoError(t, err)

	require.NoError(t, doc.Root().Remove(ParagraphsTag, 1))
	require.NoError(t, s.Refresh())

	sel, ok := s.Selection()
	require.True(t, ok)
	assert.Equal(t, ParagraphPath(0), sel.Anchor.Levels)
	assert.Equal(t, 5, sel.Anchor.Offset)
	assert.Equal(t, "first", s.Text())
}

func TestWritingSystemFollowsText(t *testing.T) {
	s := plainSite(t, "ab", 0, 0)
	str, ok := s.Document().StringAt(ParagraphPath(0), ContentsTag)
	require.True(t, ok)
	require.NoError(t, str.ReplaceWS(2, 2, "cd", 9))

	require.NoError(t, s.SetRange(4, 4, true))
	assert.Equal(t, 9, s.WritingSystem())

	require.NoError(t, s.SetRange(0, 0, false))
	assert.Equal(t, 1, s.WritingSystem())
}

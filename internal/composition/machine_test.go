package composition

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootsite/internal/textbuf"
)

type flatSelection struct {
	anchor, end int
	assocPrev   bool
	installs    int
}

func (s *flatSelection) Range() (int, int, bool) { return s.anchor, s.end, s.assocPrev }

func (s *flatSelection) SetRange(anchor, end int, assocPrev bool) error {
	s.anchor, s.end, s.assocPrev = anchor, end, assocPrev
	s.installs++
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMachine(t *testing.T, text string, anchor, end int, opts ...Option) (*Machine, *textbuf.String, *flatSelection) {
	t.Helper()
	buf := textbuf.NewString(text, 1)
	sel := &flatSelection{anchor: anchor, end: end}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(buf, sel, opts...), buf, sel
}

func assertRange(t *testing.T, sel *flatSelection, anchor, end int) {
	t.Helper()
	assert.Equal(t, [2]int{anchor, end}, [2]int{sel.anchor, sel.end}, "selection")
}

func TestFirstPreeditIntoEmptyBuffer(t *testing.T) {
	m, buf, sel := newMachine(t, "", 0, 0)

	require.NoError(t, m.UpdatePreedit("e", 1))

	assert.Equal(t, "e", buf.Text())
	assertRange(t, sel, 0, 1)
	assert.Equal(t, Composing, m.State())
	assert.Equal(t, "e", m.Preedit())
}

func TestPreeditIsDecomposed(t *testing.T) {
	m, buf, sel := newMachine(t, "b", 1, 1)

	require.NoError(t, m.UpdatePreedit("\u00ee", 1))

	assert.Equal(t, "bi\u0302", buf.Text())
	assertRange(t, sel, 1, 3)
	caret, ok := m.Caret()
	require.True(t, ok)
	assert.Equal(t, 3, caret)
}

func TestPreeditWithComposedForm(t *testing.T) {
	m, buf, _ := newMachine(t, "b", 1, 1, WithForm(textbuf.FormNFC))

	require.NoError(t, m.UpdatePreedit("i\u0302", 2))

	assert.Equal(t, "b\u00ee", buf.Text())
	caret, _ := m.Caret()
	assert.Equal(t, 2, caret)
}

func TestPreeditAfterRangeSelection(t *testing.T) {
	tests := []struct {
		name        string
		anchor, end int
	}{
		{"forward", 0, 1},
		{"backward", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, buf, sel := newMachine(t, "abc", tt.anchor, tt.end)

			require.NoError(t, m.UpdatePreedit("e", 1))

			assert.Equal(t, "aebc", buf.Text())
			assertRange(t, sel, tt.anchor, tt.end)
		})
	}
}

func TestSecondUpdateReplacesFirst(t *testing.T) {
	m, buf, sel := newMachine(t, "xy", 1, 1)

	require.NoError(t, m.UpdatePreedit("a", 1))
	require.NoError(t, m.UpdatePreedit("ae", 2))

	assert.Equal(t, "xaey", buf.Text())
	assertRange(t, sel, 1, 3)

	require.NoError(t, m.UpdatePreedit("\u00e6", 1))
	assert.Equal(t, "x\u00e6y", buf.Text())
	assertRange(t, sel, 1, 2)
}

func TestCommitAfterPreedit(t *testing.T) {
	m, buf, sel := newMachine(t, "ab", 1, 1)

	require.NoError(t, m.UpdatePreedit("xy", 2))
	require.NoError(t, m.Commit("z"))

	assert.Equal(t, "azb", buf.Text())
	assertRange(t, sel, 2, 2)
	assert.True(t, sel.assocPrev)
	assert.Equal(t, Idle, m.State())
	assert.Empty(t, m.Preedit())
}

func TestCommitReplacesPreservedRange(t *testing.T) {
	m, buf, sel := newMachine(t, "abc", 0, 1)

	require.NoError(t, m.UpdatePreedit("e", 1))
	require.NoError(t, m.Commit("e"))

	assert.Equal(t, "ebc", buf.Text())
	assertRange(t, sel, 1, 1)
}

func TestCommitWithoutPreedit(t *testing.T) {
	t.Run("insertion point", func(t *testing.T) {
		m, buf, sel := newMachine(t, "ac", 1, 1)
		require.NoError(t, m.Commit("b"))
		assert.Equal(t, "abc", buf.Text())
		assertRange(t, sel, 2, 2)
	})
	t.Run("range", func(t *testing.T) {
		m, buf, sel := newMachine(t, "abcd", 3, 1)
		require.NoError(t, m.Commit("X"))
		assert.Equal(t, "aXd", buf.Text())
		assertRange(t, sel, 2, 2)
	})
	t.Run("normalized", func(t *testing.T) {
		m, buf, sel := newMachine(t, "", 0, 0)
		require.NoError(t, m.Commit("\u00e9"))
		assert.Equal(t, "e\u0301", buf.Text())
		assertRange(t, sel, 2, 2)
	})
}

func TestCancelRestoresStartingPoint(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		anchor, end int
		assocPrev   bool
		mode        RangeMode
	}{
		{"insertion point", "hello", 2, 2, true, PreserveRange},
		{"preserved range", "hello", 1, 4, false, PreserveRange},
		{"replaced range", "hello", 4, 1, false, ReplaceRange},
		{"empty buffer", "", 0, 0, false, ReplaceRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, buf, sel := newMachine(t, tt.text, tt.anchor, tt.end, WithRangeMode(tt.mode))
			sel.assocPrev = tt.assocPrev
			before := buf.Clone()

			require.NoError(t, m.UpdatePreedit("\u00f1", 1))
			require.NoError(t, m.UpdatePreedit("\u00f1o", 2))
			require.NoError(t, m.Cancel())

			assert.True(t, before.Equal(buf), "buffer %q, want %q", buf.Text(), before.Text())
			assertRange(t, sel, tt.anchor, tt.end)
			assert.Equal(t, tt.assocPrev, sel.assocPrev)
			assert.Equal(t, Idle, m.State())
		})
	}
}

func TestCancelWhenIdle(t *testing.T) {
	m, buf, sel := newMachine(t, "abc", 1, 2)

	require.NoError(t, m.Cancel())
	require.NoError(t, m.Reset())
	require.NoError(t, m.FocusOut())

	assert.Equal(t, "abc", buf.Text())
	assertRange(t, sel, 1, 2)
	assert.Zero(t, sel.installs)
}

func TestReplaceRangeMode(t *testing.T) {
	m, buf, sel := newMachine(t, "abc", 2, 0, WithRangeMode(ReplaceRange))

	require.NoError(t, m.UpdatePreedit("e", 1))
	assert.Equal(t, "ec", buf.Text())
	assertRange(t, sel, 0, 1)

	require.NoError(t, m.Commit("e"))
	assert.Equal(t, "ec", buf.Text())
	assertRange(t, sel, 1, 1)
}

func TestEmptyUpdateCancels(t *testing.T) {
	m, buf, sel := newMachine(t, "ab", 1, 1)

	require.NoError(t, m.UpdatePreedit("k", 1))
	require.NoError(t, m.UpdatePreedit("", 0))

	assert.Equal(t, "ab", buf.Text())
	assertRange(t, sel, 1, 1)
	assert.Equal(t, Idle, m.State())
}

func TestHideKeepsSession(t *testing.T) {
	m, buf, sel := newMachine(t, "ab", 1, 1)

	require.NoError(t, m.UpdatePreedit("kk", 2))
	require.NoError(t, m.Hide())

	assert.Equal(t, "ab", buf.Text())
	assert.Equal(t, Composing, m.State())
	assertRange(t, sel, 1, 1)

	require.NoError(t, m.UpdatePreedit("k", 1))
	assert.Equal(t, "akb", buf.Text())
	assertRange(t, sel, 1, 2)
}

func TestDeleteDuringComposition(t *testing.T) {
	m, buf, sel := newMachine(t, "abc", 2, 2)

	require.NoError(t, m.UpdatePreedit("x", 1))
	require.NoError(t, m.DeleteBackward(1))

	assert.Equal(t, "ac", buf.Text())
	assertRange(t, sel, 1, 1)
	assert.Equal(t, Idle, m.State())
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		anchor, end int
		n           int
		backward    bool
		want        string
		caret       int
	}{
		{"backward one", "abc", 3, 3, 1, true, "ab", 2},
		{"backward clamps", "abc", 2, 2, 5, true, "c", 0},
		{"backward at start", "abc", 0, 0, 1, true, "abc", 0},
		{"forward one", "abc", 0, 0, 1, false, "bc", 0},
		{"forward clamps", "abc", 1, 1, 9, false, "a", 1},
		{"range ignores count", "abcd", 3, 1, 1, true, "ad", 1},
		{"forward range", "abcd", 1, 3, 1, false, "ad", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, buf, sel := newMachine(t, tt.text, tt.anchor, tt.end)
			var err error
			if tt.backward {
				err = m.DeleteBackward(tt.n)
			} else {
				err = m.DeleteForward(tt.n)
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, buf.Text())
			assertRange(t, sel, tt.caret, tt.caret)
		})
	}
}

func TestRecoversFromExternalEdit(t *testing.T) {
	m, buf, sel := newMachine(t, "ab", 1, 1)

	require.NoError(t, m.UpdatePreedit("xy", 2))
	// Something else rewrites the preedit region behind the machine's back.
	require.NoError(t, buf.Replace(1, 3, "Q"))
	require.NoError(t, sel.SetRange(2, 2, true))

	require.NoError(t, m.UpdatePreedit("z", 1))

	var stateErr *CompositionStateError
	require.True(t, errors.As(m.LastRecovery(), &stateErr))
	assert.Equal(t, "xy", stateErr.Expected)
	assert.Equal(t, "Qb", stateErr.Found)

	assert.Equal(t, "aQzb", buf.Text())
	assertRange(t, sel, 2, 3)
	assert.Equal(t, Composing, m.State())
}

func TestRecoveryWhenPreeditTruncated(t *testing.T) {
	m, buf, sel := newMachine(t, "", 0, 0)

	require.NoError(t, m.UpdatePreedit("abc", 3))
	require.NoError(t, buf.Replace(0, 3, ""))
	require.NoError(t, sel.SetRange(0, 0, false))

	require.NoError(t, m.Commit("d"))

	assert.Error(t, m.LastRecovery())
	assert.Equal(t, "d", buf.Text())
}

func TestCancelAfterExternalEdit(t *testing.T) {
	m, buf, sel := newMachine(t, "hello world", 5, 5)

	require.NoError(t, m.UpdatePreedit("x", 1))
	require.Equal(t, "hellox world", buf.Text())
	// The preedit shifts one character left under the machine.
	require.NoError(t, buf.Replace(0, 1, ""))

	require.NoError(t, m.Cancel())

	var stateErr *CompositionStateError
	require.True(t, errors.As(m.LastRecovery(), &stateErr))
	assert.Equal(t, "cancel", stateErr.Op)
	assert.Equal(t, Idle, m.State())
	assert.Equal(t, "ellox world", buf.Text(), "nothing else is deleted")
	assertRange(t, sel, 5, 6)
}

func TestFocusOutAfterBufferShrank(t *testing.T) {
	m, buf, _ := newMachine(t, "hello", 5, 5)

	require.NoError(t, m.UpdatePreedit("x", 1))
	require.NoError(t, buf.Replace(0, 2, ""))

	require.NoError(t, m.FocusOut())
	assert.Equal(t, Idle, m.State())
	require.NoError(t, m.FocusOut())
	assert.Equal(t, "llox", buf.Text())
	assert.Error(t, m.LastRecovery())
}

func TestReplaceRangeCancelKeepsWritingSystems(t *testing.T) {
	buf := textbuf.NewString("a", 1)
	buf.Append("b", 2)
	before := buf.Clone()
	sel := &flatSelection{anchor: 1, end: 2}
	m := New(buf, sel, WithLogger(quietLogger()), WithRangeMode(ReplaceRange))

	require.NoError(t, m.UpdatePreedit("x", 1))
	assert.Equal(t, "ax", buf.Text())

	require.NoError(t, m.Cancel())
	assert.True(t, buf.Equal(before), "got %s", buf.Describe())
	assert.Equal(t, "a[1]b[2]", buf.Describe())
	assertRange(t, sel, 1, 2)
}

func TestDuplicateCommitIgnoredWithinEvent(t *testing.T) {
	m, buf, _ := newMachine(t, "", 0, 0)

	m.BeginEvent()
	require.NoError(t, m.UpdatePreedit("a", 1))
	require.NoError(t, m.Commit("a"))
	require.NoError(t, m.Commit("a"))
	assert.Equal(t, "a", buf.Text())

	m.BeginEvent()
	require.NoError(t, m.Commit("a"))
	assert.Equal(t, "aa", buf.Text())
}

func TestListenerSeesTransitions(t *testing.T) {
	var kinds []EventKind
	var texts []string
	m, _, _ := newMachine(t, "", 0, 0, WithListener(ListenerFunc(func(e Event) {
		kinds = append(kinds, e.Kind)
		texts = append(texts, e.Text)
	})))

	require.NoError(t, m.UpdatePreedit("a", 1))
	require.NoError(t, m.UpdatePreedit("ab", 2))
	require.NoError(t, m.Hide())
	require.NoError(t, m.Commit("AB"))
	require.NoError(t, m.DeleteBackward(1))
	require.NoError(t, m.UpdatePreedit("c", 1))
	require.NoError(t, m.Cancel())

	assert.Equal(t, []EventKind{
		EventBegin, EventUpdate, EventHide, EventCommit, EventDelete, EventBegin, EventCancel,
	}, kinds)
	assert.Equal(t, []string{"a", "ab", "", "AB", "B", "c", ""}, texts)
}

func TestCursorMapping(t *testing.T) {
	m, _, _ := newMachine(t, "xx", 1, 1)

	require.NoError(t, m.UpdatePreedit("\u00e9t\u00e9", 1))
	caret, ok := m.Caret()
	require.True(t, ok)
	assert.Equal(t, 1+2, caret)

	require.NoError(t, m.UpdatePreedit("ab", 99))
	caret, _ = m.Caret()
	assert.Equal(t, 3, caret)

	require.NoError(t, m.Cancel())
	_, ok = m.Caret()
	assert.False(t, ok)
}

func TestParseRangeMode(t *testing.T) {
	mode, err := ParseRangeMode("replace")
	require.NoError(t, err)
	assert.Equal(t, ReplaceRange, mode)

	mode, err = ParseRangeMode("")
	require.NoError(t, err)
	assert.Equal(t, PreserveRange, mode)

	_, err = ParseRangeMode("overwrite")
	assert.Error(t, err)
}

// Package composition keeps input-method preedit text in a live buffer.
//
// A Machine is either Idle or Composing. The first preedit update opens a
// session that remembers the selection it started from; later updates
// replace the previous preedit wholesale at the same insertion point; a
// commit finalizes text and leaves a collapsed insertion point after it; a
// cancel removes the preedit and restores the original selection exactly.
//
//	           UpdatePreedit
//	  ┌──────┐ ───────────────→ ┌───────────┐ ─┐
//	  │ Idle │                  │ Composing │  │ UpdatePreedit / Hide
//	  └──────┘ ←─────────────── └───────────┘ ←┘
//	     ↑ │    Commit / Cancel
//	     └─┘ Commit (no preedit)
//
// When the selection at session start is a range, the default RangeMode
// keeps it visible and inserts the preedit right after it; the range is
// replaced only when text is committed. ReplaceRange deletes it as soon as
// the first preedit arrives.
//
// Text entering the buffer is normalized to the configured form, so NFC
// input ends up decomposed in an NFD buffer.
package composition

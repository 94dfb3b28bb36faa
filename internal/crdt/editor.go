package crdt

import (
	"fmt"
	"unicode/utf8"
)

// Editor is the mutation surface handed to ApplyLocal callbacks. Indexes are
// rune offsets into the currently visible text. Edits are applied in program
// order as they are issued.
type Editor struct {
	d   *Document
	err error
}

// InsertText inserts text at the given visible rune index. Indexes past the
// end append.
func (e *Editor) InsertText(index int, text string) {
	if e.err != nil {
		return
	}
	if index < 0 {
		e.err = fmt.Errorf("insert index %d out of range", index)
		return
	}
	for _, r := range text {
		e.d.insertRune(index, r)
		index++
	}
}

// DeleteText removes count visible runes starting at index.
func (e *Editor) DeleteText(index, count int) {
	if e.err != nil {
		return
	}
	if index < 0 || count < 0 {
		e.err = fmt.Errorf("delete range [%d,%d) out of range", index, index+count)
		return
	}
	e.d.deleteRunes(index, count)
}

// SetText replaces the whole visible content. Convenience for callers that
// do not track fine-grained edits.
func (e *Editor) SetText(text string) {
	if e.err != nil {
		return
	}
	n := utf8.RuneCountInString(e.d.Text())
	e.d.deleteRunes(0, n)
	idx := 0
	for _, r := range text {
		e.d.insertRune(idx, r)
		idx++
	}
}

// SetMetadata replaces the metadata map as a whole (last writer wins).
func (e *Editor) SetMetadata(m Metadata) {
	if e.err != nil {
		return
	}
	if err := m.Validate(); err != nil {
		e.err = fmt.Errorf("invalid metadata: %w", err)
		return
	}
	e.d.setMetadata(m)
}

// SetDeleted flips the soft-delete flag. A later SetDeleted(false) can win
// over a concurrent delete under the LWW rule.
func (e *Editor) SetDeleted(v bool) {
	if e.err != nil {
		return
	}
	e.d.setDeleted(v)
}

// Text returns the current visible content, reflecting edits already issued
// through this editor.
func (e *Editor) Text() string { return e.d.Text() }

// Metadata returns the current metadata value.
func (e *Editor) Metadata() Metadata { return e.d.Metadata() }

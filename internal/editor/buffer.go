// Package editor provides an in-memory editor surface. A Buffer is both the
// editor handle and its collaboration compartment: while a behavior is
// active, local edits are forwarded to the shared text and remote changes are
// pulled back in.
package editor

import (
	"fmt"
	"sync"

	"github.com/dustinlacewell/strudual/internal/collab"
)

// Buffer is a rune-addressed text buffer with a cursor.
type Buffer struct {
	mu        sync.Mutex
	text      []rune
	cursor    int
	behavior  *collab.Behavior
	unobserve func()
	pushing   int

	nextListener int
	onChange     map[int]func(string)
	onFocus      map[int]func()
}

// NewBuffer returns a buffer holding text with the cursor at the end.
func NewBuffer(text string) *Buffer {
	r := []rune(text)
	return &Buffer{
		text:     r,
		cursor:   len(r),
		onChange: make(map[int]func(string)),
		onFocus:  make(map[int]func()),
	}
}

// Text returns the content.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.text)
}

// ReplaceAll replaces the whole content. While active the difference is
// also applied to the shared text.
func (b *Buffer) ReplaceAll(text string) {
	_ = b.Apply(text)
}

// Edit replaces the runes in [from, to) with insert.
func (b *Buffer) Edit(from, to int, insert string) error {
	b.mu.Lock()
	if from < 0 || to < from {
		b.mu.Unlock()
		return fmt.Errorf("invalid edit range [%d, %d)", from, to)
	}
	from = min(from, len(b.text))
	to = min(to, len(b.text))
	ins := []rune(insert)
	if to == from && len(ins) == 0 {
		b.mu.Unlock()
		return nil
	}

	next := make([]rune, 0, len(b.text)-(to-from)+len(ins))
	next = append(next, b.text[:from]...)
	next = append(next, ins...)
	next = append(next, b.text[to:]...)
	b.text = next
	b.cursor = adjustCursor(b.cursor, from, to, len(ins))

	var shared collab.SharedText
	if b.behavior != nil {
		shared = b.behavior.Text
		b.pushing++
	}
	content := string(b.text)
	listeners := b.changeListenersLocked()
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(content)
	}
	if shared == nil {
		return nil
	}

	shared.Delete(from, to-from)
	shared.Insert(from, insert)

	b.mu.Lock()
	b.pushing--
	b.mu.Unlock()
	// Remote changes that landed while pushing were skipped by pull.
	b.pull()
	return nil
}

// Cursor returns the cursor offset in runes.
func (b *Buffer) Cursor() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// SetCursor moves the cursor, clamped to the content.
func (b *Buffer) SetCursor(pos int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = max(0, min(pos, len(b.text)))
}

// Focus notifies focus listeners.
func (b *Buffer) Focus() {
	b.mu.Lock()
	listeners := make([]func(), 0, len(b.onFocus))
	for _, id := range sortedIDs(b.onFocus) {
		listeners = append(listeners, b.onFocus[id])
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Activate attaches the buffer to a shared text. The buffer immediately
// takes the shared content.
func (b *Buffer) Activate(behavior collab.Behavior) {
	b.mu.Lock()
	if b.unobserve != nil {
		b.unobserve()
	}
	b.behavior = &behavior
	b.unobserve = behavior.Text.Observe(b.pull)
	b.mu.Unlock()

	b.pull()
}

// Deactivate detaches the buffer; the content is kept as a local document.
func (b *Buffer) Deactivate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unobserve != nil {
		b.unobserve()
		b.unobserve = nil
	}
	b.behavior = nil
}

// Active reports whether a behavior is attached.
func (b *Buffer) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.behavior != nil
}

// Slot returns the slot of the attached behavior, "" when local.
func (b *Buffer) Slot() collab.Slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.behavior == nil {
		return ""
	}
	return b.behavior.Slot
}

// OnChange registers fn to receive the content after every change.
func (b *Buffer) OnChange(fn func(text string)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextListener
	b.nextListener++
	b.onChange[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.onChange, id)
		b.mu.Unlock()
	}
}

// OnFocus registers fn to run on Focus.
func (b *Buffer) OnFocus(fn func()) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextListener
	b.nextListener++
	b.onFocus[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.onFocus, id)
		b.mu.Unlock()
	}
}

// pull copies the shared content into the buffer when they differ.
func (b *Buffer) pull() {
	b.mu.Lock()
	if b.behavior == nil || b.pushing > 0 {
		b.mu.Unlock()
		return
	}
	shared := b.behavior.Text
	b.mu.Unlock()

	content := shared.String()

	b.mu.Lock()
	if b.behavior == nil || b.pushing > 0 || b.behavior.Text != shared || string(b.text) == content {
		b.mu.Unlock()
		return
	}
	b.text = []rune(content)
	b.cursor = min(b.cursor, len(b.text))
	listeners := b.changeListenersLocked()
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(content)
	}
}

func (b *Buffer) changeListenersLocked() []func(string) {
	out := make([]func(string), 0, len(b.onChange))
	for _, id := range sortedIDs(b.onChange) {
		out = append(out, b.onChange[id])
	}
	return out
}

func adjustCursor(cursor, from, to, inserted int) int {
	switch {
	case cursor <= from:
		return cursor
	case cursor >= to:
		return cursor - (to - from) + inserted
	default:
		return from + inserted
	}
}

package document

import (
	"unicode/utf8"

	"github.com/automerge/automerge-go"
)

// Text is a replicated text region. Offsets and lengths count runes.
type Text struct {
	doc  *Doc
	name string
	am   *automerge.Text

	// value mirrors the automerge text; guarded by doc.mu.
	value        string
	runes        int
	nextObserver int
	observers    map[int]func()
}

// Name returns the region key.
func (t *Text) Name() string { return t.name }

// Insert inserts s so that its first rune ends up at offset. Offsets past
// the end append.
func (t *Text) Insert(offset int, s string) {
	if s == "" {
		return
	}
	d := t.doc
	d.mu.Lock()
	offset = clamp(offset, 0, t.runes)
	if err := t.am.Insert(offset, s); err != nil {
		d.mu.Unlock()
		d.log.Warn("insert failed", "region", t.name, "offset", offset, "error", err)
		return
	}
	t.reloadLocked()
	listeners := d.commitLocked()
	observers := t.observerList()
	d.mu.Unlock()

	notify(observers)
	notify(listeners)
}

// Delete removes up to length runes starting at offset.
func (t *Text) Delete(offset, length int) {
	d := t.doc
	d.mu.Lock()
	offset = clamp(offset, 0, t.runes)
	length = clamp(length, 0, t.runes-offset)
	if length == 0 {
		d.mu.Unlock()
		return
	}
	if err := t.am.Delete(offset, length); err != nil {
		d.mu.Unlock()
		d.log.Warn("delete failed", "region", t.name, "offset", offset, "length", length, "error", err)
		return
	}
	t.reloadLocked()
	listeners := d.commitLocked()
	observers := t.observerList()
	d.mu.Unlock()

	notify(observers)
	notify(listeners)
}

// String returns the current content.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.value
}

// Len returns the number of runes.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.runes
}

// Observe registers fn to run after every local or remote change.
func (t *Text) Observe(fn func()) (cancel func()) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	id := t.nextObserver
	t.nextObserver++
	t.observers[id] = fn
	return func() {
		t.doc.mu.Lock()
		delete(t.observers, id)
		t.doc.mu.Unlock()
	}
}

func (t *Text) observerList() []func() {
	fns := make([]func(), 0, len(t.observers))
	for _, id := range sortedIDs(t.observers) {
		fns = append(fns, t.observers[id])
	}
	return fns
}

// reloadLocked refreshes the mirrored value and reports whether it changed.
func (t *Text) reloadLocked() bool {
	s, err := t.am.Get()
	if err != nil {
		t.doc.log.Warn("read failed", "region", t.name, "error", err)
		return false
	}
	if s == t.value {
		return false
	}
	t.value = s
	t.runes = utf8.RuneCountInString(s)
	return true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package document

import (
	"bytes"

	"github.com/automerge/automerge-go"
)

// Map is a replicated map of byte values. Concurrent writes to one key are
// resolved by automerge, identically on every replica.
type Map struct {
	doc  *Doc
	name string
	am   *automerge.Map

	// entries mirrors the automerge map; guarded by doc.mu.
	entries map[string][]byte
}

// Name returns the region key.
func (m *Map) Name() string { return m.name }

// Set writes value under key.
func (m *Map) Set(key string, value []byte) {
	d := m.doc
	d.mu.Lock()
	if cur, ok := m.entries[key]; ok && bytes.Equal(cur, value) {
		d.mu.Unlock()
		return
	}
	if err := m.am.Set(key, append([]byte{}, value...)); err != nil {
		d.mu.Unlock()
		d.log.Warn("set failed", "region", m.name, "key", key, "error", err)
		return
	}
	m.reloadLocked()
	listeners := d.commitLocked()
	d.mu.Unlock()

	notify(listeners)
}

// Get returns the value under key.
func (m *Map) Get(key string) ([]byte, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Range calls fn for every entry in key order until fn returns false.
func (m *Map) Range(fn func(key string, value []byte) bool) {
	m.doc.mu.Lock()
	keys := sortedNames(m.entries)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), m.entries[k]...)
	}
	m.doc.mu.Unlock()

	for i, k := range keys {
		if !fn(k, values[i]) {
			return
		}
	}
}

// Len returns the number of entries.
func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return len(m.entries)
}

// reloadLocked refreshes the mirrored entries. Values that are not bytes
// were not written by this package and are skipped.
func (m *Map) reloadLocked() {
	values, err := m.am.Values()
	if err != nil {
		m.doc.log.Warn("read failed", "region", m.name, "error", err)
		return
	}
	entries := make(map[string][]byte, len(values))
	for k, v := range values {
		if v.Kind() == automerge.KindBytes {
			entries[k] = v.Bytes()
		}
	}
	m.entries = entries
}

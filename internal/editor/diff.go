package editor

import "sort"

// Diff returns the single replacement turning old into new: the runes in
// [from, to) of old are replaced by insert. ok is false when they are equal.
func Diff(old, new string) (from, to int, insert string, ok bool) {
	a, b := []rune(old), []rune(new)
	if string(a) == string(b) {
		return 0, 0, "", false
	}
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return prefix, len(a) - suffix, string(b[prefix : len(b)-suffix]), true
}

// Apply edits the buffer so that it holds text, as one minimal replacement.
func (b *Buffer) Apply(text string) error {
	from, to, insert, ok := Diff(b.Text(), text)
	if !ok {
		return nil
	}
	return b.Edit(from, to, insert)
}

func sortedIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

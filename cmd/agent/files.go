package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustinlacewell/strudual/internal/collab"
	"github.com/dustinlacewell/strudual/internal/editor"
)

// fileNames maps each slot to the file that mirrors it.
var fileNames = map[collab.Slot]string{
	collab.SlotFirst:  "strudel.js",
	collab.SlotSecond: "punctual.txt",
}

// mirror keeps a buffer and a file on disk in step. Local edits are picked
// up by Poll; every buffer change is written back.
type mirror struct {
	slot collab.Slot
	path string
	buf  *editor.Buffer
	log  *slog.Logger

	mu   sync.Mutex
	disk string
}

func newMirror(dir string, slot collab.Slot, log *slog.Logger) (*mirror, error) {
	path := filepath.Join(dir, fileNames[slot])
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	m := &mirror{
		slot: slot,
		path: path,
		buf:  editor.NewBuffer(string(data)),
		log:  log.With("slot", slot, "file", path),
		disk: string(data),
	}
	m.buf.OnChange(m.store)
	return m, nil
}

// Poll feeds a changed file into the buffer. It reports whether the file
// differed from what was last seen.
func (m *mirror) Poll() (bool, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", m.path, err)
	}

	m.mu.Lock()
	changed := string(data) != m.disk
	m.disk = string(data)
	m.mu.Unlock()

	if !changed {
		return false, nil
	}
	if err := m.buf.Apply(string(data)); err != nil {
		return false, err
	}
	return true, nil
}

func (m *mirror) store(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if text == m.disk {
		return
	}
	if err := os.WriteFile(m.path, []byte(text), 0o644); err != nil {
		m.log.Error("Failed to write file", "error", err)
		return
	}
	m.disk = text
}

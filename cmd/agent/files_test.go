package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dustinlacewell/strudual/internal/collab"
	"github.com/dustinlacewell/strudual/internal/config"
	"github.com/dustinlacewell/strudual/internal/document"
	"github.com/dustinlacewell/strudual/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMirror_LoadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "strudel.js"), []byte("s(\"bd\")"), 0o644))

	m, err := newMirror(dir, collab.SlotFirst, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "s(\"bd\")", m.buf.Text())

	other, err := newMirror(dir, collab.SlotSecond, quietLogger())
	require.NoError(t, err)
	assert.Empty(t, other.buf.Text())
}

func TestMirror_PollFeedsFileChanges(t *testing.T) {
	dir := t.TempDir()
	m, err := newMirror(dir, collab.SlotFirst, quietLogger())
	require.NoError(t, err)

	changed, err := m.Poll()
	require.NoError(t, err)
	assert.False(t, changed, "a missing file is not a change")

	require.NoError(t, os.WriteFile(m.path, []byte("note(\"c\")"), 0o644))
	changed, err = m.Poll()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "note(\"c\")", m.buf.Text())

	changed, err = m.Poll()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMirror_WritesRemoteChanges(t *testing.T) {
	dir := t.TempDir()
	m, err := newMirror(dir, collab.SlotSecond, quietLogger())
	require.NoError(t, err)

	doc, err := document.New("remote", transport.RoomLayout)
	require.NoError(t, err)
	text := doc.Text(collab.SlotSecond.Region())
	m.buf.Activate(collab.Behavior{Slot: collab.SlotSecond, Text: text})

	text.Insert(0, "osc 440")

	data, err := os.ReadFile(filepath.Join(dir, "punctual.txt"))
	require.NoError(t, err)
	assert.Equal(t, "osc 440", string(data))

	// Our own write is not read back as a local edit.
	changed, err := m.Poll()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestOptions_Target(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		room    string
		link    string
		want    string
		wantErr bool
	}{
		{name: "flags", user: "ana", room: "jam", want: "?ana:jam"},
		{name: "link wins", user: "ana", room: "jam", link: "https://strudual.dev/?bo:night", want: "?bo:night"},
		{name: "link without name", user: "ana", link: "?room=night", want: "?ana:night"},
		{name: "no room", user: "ana", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &options{cfg: &config.Agent{Username: tt.user, Room: tt.room}, link: tt.link}
			got, err := o.target()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Encode())
		})
	}
}

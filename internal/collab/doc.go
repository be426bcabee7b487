// Package collab coordinates one collaborative session across the two editor
// surfaces of the dual editor.
//
// A Coordinator multiplexes both editors over one replicated document (one
// text region per editor plus a "meta" map) and one presence channel. On
// connect every peer writes a timestamped ticket into the meta map; at the
// first full sync the earliest ticket wins and its holder seeds any empty
// region with its local draft. Only then are the editors switched to
// collaborative editing, so local keystrokes typed during the race are never
// clobbered.
//
// The coordinator also keeps the peer list derived from presence, and relays
// remote "evaluate" triggers as events; running the code is up to the caller.
package collab

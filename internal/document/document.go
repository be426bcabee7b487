// Package document is the replicated document shared by the peers of a room,
// backed by an automerge document: a fixed set of named text regions and
// named byte maps.
//
// Every replica starts from the same skeleton change, so regions created by
// different peers are the same objects and merge instead of conflicting.
// Peers exchange automerge sync messages, one sync state per remote peer; a
// joining peer is brought up to date with a compact snapshot first.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
)

// skeletonActor writes the shared skeleton change. It is never used again
// after New.
const skeletonActor = "00"

// Layout names the regions every replica of a room starts with.
type Layout struct {
	Texts []string
	Maps  []string
}

// Option configures a Doc.
type Option func(*Doc)

// WithLogger sets the logger used to report failed edits.
func WithLogger(log *slog.Logger) Option {
	return func(d *Doc) { d.log = log }
}

// Doc is one replica of a shared document.
type Doc struct {
	am  *automerge.Doc
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	texts  map[string]*Text
	maps   map[string]*Map
	syncs  map[string]*automerge.SyncState

	nextListener int
	changeFns    map[int]func()
}

// ActorID derives the automerge actor of a peer id.
func ActorID(peer string) string {
	sum := sha256.Sum256([]byte(peer))
	return hex.EncodeToString(sum[:16])
}

// New creates a replica for peer holding the regions of layout. peer must be
// unique among the replicas that will ever sync with each other.
func New(peer string, layout Layout, opts ...Option) (*Doc, error) {
	d := &Doc{
		am:        automerge.New(),
		log:       slog.Default(),
		texts:     make(map[string]*Text),
		maps:      make(map[string]*Map),
		syncs:     make(map[string]*automerge.SyncState),
		changeFns: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.am.SetActorID(skeletonActor); err != nil {
		return nil, fmt.Errorf("set skeleton actor: %w", err)
	}
	root := d.am.RootMap()
	texts := sortedCopy(layout.Texts)
	maps := sortedCopy(layout.Maps)
	for _, name := range texts {
		if err := root.Set(name, automerge.NewText("")); err != nil {
			return nil, fmt.Errorf("create text %q: %w", name, err)
		}
	}
	for _, name := range maps {
		if err := root.Set(name, automerge.NewMap()); err != nil {
			return nil, fmt.Errorf("create map %q: %w", name, err)
		}
	}
	// No timestamp, so every replica produces the same skeleton hash.
	if _, err := d.am.Commit("", automerge.CommitOptions{Time: &time.Time{}, AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("commit skeleton: %w", err)
	}
	if err := d.am.SetActorID(ActorID(peer)); err != nil {
		return nil, fmt.Errorf("set actor for %q: %w", peer, err)
	}

	for _, name := range texts {
		v, err := root.Get(name)
		if err != nil {
			return nil, fmt.Errorf("open text %q: %w", name, err)
		}
		d.texts[name] = &Text{doc: d, name: name, am: v.Text(), observers: make(map[int]func())}
	}
	for _, name := range maps {
		v, err := root.Get(name)
		if err != nil {
			return nil, fmt.Errorf("open map %q: %w", name, err)
		}
		d.maps[name] = &Map{doc: d, name: name, am: v.Map(), entries: map[string][]byte{}}
	}
	return d, nil
}

func sortedCopy(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

// Text returns the named text region, or nil if the layout has none.
func (d *Doc) Text(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.texts[name]
}

// Map returns the named map region, or nil if the layout has none.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maps[name]
}

// OnChange registers fn to run after every committed local change.
func (d *Doc) OnChange(fn func()) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextListener
	d.nextListener++
	d.changeFns[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.changeFns, id)
		d.mu.Unlock()
	}
}

// Close drops every listener and observer. Later mutations still apply
// locally but are no longer published, and remote messages are ignored.
func (d *Doc) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.changeFns = make(map[int]func())
	for _, t := range d.texts {
		t.observers = make(map[int]func())
	}
	d.syncs = make(map[string]*automerge.SyncState)
}

// Save returns the compact encoding of the whole document.
func (d *Doc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Save()
}

// Peers returns the remote peers a sync state is kept for.
func (d *Doc) Peers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	peers := make([]string, 0, len(d.syncs))
	for p := range d.syncs {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

func (d *Doc) stateLocked(peer string) *automerge.SyncState {
	ss, ok := d.syncs[peer]
	if !ok {
		ss = automerge.NewSyncState(d.am)
		d.syncs[peer] = ss
	}
	return ss
}

// SyncMessage returns the next sync message for peer. It reports false when
// peer is known to have everything.
func (d *Doc) SyncMessage(peer string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, false
	}
	msg, ok := d.stateLocked(peer).GenerateMessage()
	if !ok {
		return nil, false
	}
	return msg.Bytes(), true
}

// ReceiveSync merges a sync message sent by peer.
func (d *Doc) ReceiveSync(peer string, msg []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	_, err := d.stateLocked(peer).ReceiveMessage(msg)
	observers := d.refreshLocked()
	d.mu.Unlock()

	notify(observers)
	if err != nil {
		return fmt.Errorf("receive sync from %s: %w", peer, err)
	}
	return nil
}

// Handshake restarts the sync with peer. It returns a snapshot of the whole
// document and the opening message of the new sync state; the peer loads the
// snapshot before it receives the message, so the history never travels
// change by change.
func (d *Doc) Handshake(peer string) (snapshot, msg []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, nil
	}
	ss := automerge.NewSyncState(d.am)
	d.syncs[peer] = ss
	snapshot = d.am.Save()
	if m, ok := ss.GenerateMessage(); ok {
		msg = m.Bytes()
	}
	return snapshot, msg
}

// LoadSnapshot merges a snapshot produced by another replica's Handshake.
func (d *Doc) LoadSnapshot(snapshot []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	err := d.am.LoadIncremental(snapshot)
	observers := d.refreshLocked()
	d.mu.Unlock()

	notify(observers)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return nil
}

// ForgetPeer drops the sync state of a peer that left.
func (d *Doc) ForgetPeer(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.syncs, peer)
}

// commitLocked records the pending local edit and returns the listeners to
// run once mu is released.
func (d *Doc) commitLocked() []func() {
	if _, err := d.am.Commit(""); err != nil {
		d.log.Warn("commit failed", "error", err)
		return nil
	}
	fns := make([]func(), 0, len(d.changeFns))
	for _, id := range sortedIDs(d.changeFns) {
		fns = append(fns, d.changeFns[id])
	}
	return fns
}

// refreshLocked re-reads every region after a merge and returns the
// observers of those whose content changed.
func (d *Doc) refreshLocked() []func() {
	var observers []func()
	for _, name := range sortedNames(d.texts) {
		t := d.texts[name]
		if t.reloadLocked() {
			observers = append(observers, t.observerList()...)
		}
	}
	for _, m := range d.maps {
		m.reloadLocked()
	}
	return observers
}

func notify(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func sortedIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

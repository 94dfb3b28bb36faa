package crdt

import (
	"fmt"
	"sync"

	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/google/uuid"
)

// Snapshot is a materialized, immutable view of a document handed to
// subscribers.
type Snapshot struct {
	ID      string
	Text    string
	Meta    Metadata
	Deleted bool
}

// Store holds one replicated document per note and serializes all access per
// document id: no two merges ever run concurrently into the same document.
type Store struct {
	actor string
	tb    TieBreak

	mu   sync.Mutex
	docs map[string]*managedDoc

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	notify  chan struct{}
}

type managedDoc struct {
	mu   sync.Mutex
	doc  *Document
	subs map[int]chan Snapshot
	next int
}

// Option configures a Store.
type Option func(*Store)

// WithTieBreak overrides the LWW tie-break rule for equal Lamport times.
func WithTieBreak(tb TieBreak) Option {
	return func(s *Store) { s.tb = tb }
}

// NewStore creates a document store for the given actor (device) id.
func NewStore(actor string, opts ...Option) *Store {
	s := &Store{
		actor:  actor,
		tb:     DefaultTieBreak,
		docs:   make(map[string]*managedDoc),
		dirty:  make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create allocates a new document with a fresh, never-reused id.
func (s *Store) Create() (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[id]; exists {
		return "", fmt.Errorf("document id collision: %s", id)
	}
	s.docs[id] = s.newManaged(id)
	return id, nil
}

// IDs lists all known document ids, including soft-deleted ones.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	return out
}

func (s *Store) newManaged(id string) *managedDoc {
	return &managedDoc{
		doc:  newDocument(id, s.actor, s.tb),
		subs: make(map[int]chan Snapshot),
	}
}

func (s *Store) find(id string) (*managedDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.docs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return m, nil
}

func (s *Store) findOrCreate(id string) *managedDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.docs[id]
	if !ok {
		m = s.newManaged(id)
		s.docs[id] = m
	}
	return m
}

// Get returns the current materialized view of a document.
func (s *Store) Get(id string) (Snapshot, error) {
	m, err := s.find(id)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotOf(m.doc), nil
}

// ApplyLocal runs the mutator against the document under its lock. If the
// mutator returns an error or issues an invalid edit, no change survives to
// subscribers and the document is not marked dirty.
func (s *Store) ApplyLocal(id string, fn func(*Editor) error) (Snapshot, error) {
	m, err := s.find(id)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The mutator edits a copy; only a fully successful edit is swapped in.
	work := m.doc.clone()
	ed := &Editor{d: work}
	if err := fn(ed); err != nil {
		return Snapshot{}, err
	}
	if ed.err != nil {
		return Snapshot{}, ed.err
	}
	m.doc = work

	snap := snapshotOf(m.doc)
	m.publish(snap)
	s.markDirty(id)
	return snap, nil
}

// ApplyRemote validates and merges remote document bytes. Unknown ids create
// the document (cold start). Malformed bytes are rejected with ErrCorruptDelta
// and no state is touched.
func (s *Store) ApplyRemote(id string, data []byte) (MergeResult, error) {
	st, err := decodeState(data)
	if err != nil {
		return MergeResult{}, err
	}
	if st.ID != id {
		return MergeResult{}, fmt.Errorf("%w: state is for document %q, not %q", common.ErrCorruptDelta, st.ID, id)
	}

	m := s.findOrCreate(id)
	m.mu.Lock()
	defer m.mu.Unlock()

	res := m.doc.merge(st)
	if res.Changed {
		m.publish(snapshotOf(m.doc))
	}
	return res, nil
}

// Serialize returns the document's full CRDT state for upload or local
// persistence.
func (s *Store) Serialize(id string) ([]byte, error) {
	m, err := s.find(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Serialize()
}

// Vector returns the document's version vector.
func (s *Store) Vector(id string) (VersionVector, error) {
	m, err := s.find(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Vector(), nil
}

// Watch subscribes to materialized states of one document. The channel is
// buffered; if the subscriber lags, intermediate states are dropped in favor
// of newer ones. The returned func cancels the subscription.
func (s *Store) Watch(id string) (<-chan Snapshot, func(), error) {
	m, err := s.find(id)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Snapshot, 8)
	key := m.next
	m.next++
	m.subs[key] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[key]; ok {
			delete(m.subs, key)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// Notify signals that at least one document became dirty since the last
// TakeDirty call. The channel is 1-buffered: signals coalesce.
func (s *Store) Notify() <-chan struct{} { return s.notify }

// TakeDirty drains and returns the set of locally modified document ids.
func (s *Store) TakeDirty() []string {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	out := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		out = append(out, id)
	}
	s.dirty = make(map[string]struct{})
	return out
}

// IsDirty reports whether the document has local changes not yet taken by
// TakeDirty.
func (s *Store) IsDirty(id string) bool {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	_, ok := s.dirty[id]
	return ok
}

// MarkDirty re-flags a document as locally modified. Used when an upload
// fails after TakeDirty, and when restoring pending state at startup.
func (s *Store) MarkDirty(id string) { s.markDirty(id) }

func (s *Store) markDirty(id string) {
	s.dirtyMu.Lock()
	s.dirty[id] = struct{}{}
	s.dirtyMu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (m *managedDoc) publish(snap Snapshot) {
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			// Drop the oldest buffered state to make room for the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func snapshotOf(d *Document) Snapshot {
	return Snapshot{
		ID:      d.ID(),
		Text:    d.Text(),
		Meta:    d.Metadata(),
		Deleted: d.IsDeleted(),
	}
}

package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/disnet/flint-note-sync/internal/common"
)

// Char is one element of the replicated text sequence. Deleted chars remain
// as tombstones so concurrent inserts anchored next to them keep their order.
type Char struct {
	ID      OpID     `json:"id"`
	Pos     Position `json:"pos"`
	Rune    string   `json:"r"`
	Deleted bool     `json:"deleted,omitempty"`
}

// docState is the wire form of a document: the full CRDT state. It doubles
// as the "delta" exchanged between replicas; merging is idempotent and
// commutative, so resending whole states is always safe.
type docState struct {
	ID           string        `json:"id"`
	Chars        []Char        `json:"chars"`
	Meta         Metadata      `json:"meta"`
	MetaStamp    Stamp         `json:"meta_stamp"`
	Deleted      bool          `json:"deleted"`
	DeletedStamp Stamp         `json:"deleted_stamp"`
	Vector       VersionVector `json:"vector"`
}

// Document is a single replicated note. All methods are invoked under the
// owning store's per-document lock; Document itself is not goroutine-safe.
type Document struct {
	id    string
	actor string
	tb    TieBreak

	chars []Char // sorted by (Pos, ID)
	index map[OpID]int

	meta         Metadata
	metaStamp    Stamp
	deleted      bool
	deletedStamp Stamp

	vector VersionVector
	clock  uint64

	// Block state for consecutive local inserts. Extending the first
	// char's actor-unique position keeps a typed run contiguous even when
	// another replica concurrently inserts at the same spot, instead of
	// interleaving character by character.
	lastInsert OpID
	blockRoot  Position
	blockSeq   uint64
}

// blockStep spaces the idents allocated within one insert run.
const blockStep uint64 = 1 << 16

// MergeResult describes the outcome of integrating a remote state.
type MergeResult struct {
	// Changed is true when the merge brought in anything new.
	Changed bool
	// Concurrent is true when the merged state and the local state each
	// contained changes the other had not seen: the document briefly had
	// more than one causal head. The merge already resolved it; this is
	// informational.
	Concurrent bool
	// RemoteDeleted reports the soft-delete flag carried by the remote
	// state, before merging.
	RemoteDeleted bool
}

func newDocument(id, actor string, tb TieBreak) *Document {
	return &Document{
		id:     id,
		actor:  actor,
		tb:     tb,
		index:  make(map[OpID]int),
		vector: make(VersionVector),
	}
}

func (d *Document) ID() string { return d.id }

// clone returns a copy suitable for transactional edits: the char sequence,
// index, metadata and version vector are fresh, so mutating the copy leaves
// the original untouched. Position backing arrays are shared; they are never
// overwritten in place.
func (d *Document) clone() *Document {
	cp := *d
	cp.chars = make([]Char, len(d.chars))
	copy(cp.chars, d.chars)
	cp.index = make(map[OpID]int, len(d.index))
	for k, v := range d.index {
		cp.index[k] = v
	}
	cp.meta = d.meta.clone()
	cp.vector = d.vector.clone()
	return &cp
}

// tick advances the Lamport clock and returns the new value.
func (d *Document) tick() uint64 {
	d.clock++
	if d.vector[d.actor] < d.clock {
		d.vector[d.actor] = d.clock
	}
	return d.clock
}

func (d *Document) observe(t uint64) {
	if t > d.clock {
		d.clock = t
	}
}

// Text returns the materialized content: all visible runes in order.
func (d *Document) Text() string {
	out := make([]byte, 0, len(d.chars))
	for _, c := range d.chars {
		if !c.Deleted {
			out = append(out, c.Rune...)
		}
	}
	return string(out)
}

func (d *Document) Metadata() Metadata { return d.meta.clone() }
func (d *Document) IsDeleted() bool    { return d.deleted }
func (d *Document) Vector() VersionVector {
	return d.vector.clone()
}

// insertRune places a new char between the chars adjacent to the visible
// rune index. Tombstones left of the insertion point stay left of it.
func (d *Document) insertRune(visibleIdx int, r rune) {
	at := d.arrayIndexForVisible(visibleIdx)

	var left, right Position
	if at > 0 {
		left = d.chars[at-1].Pos
	}
	if at < len(d.chars) {
		right = d.chars[at].Pos
	}

	counter := d.tick()
	pos := d.allocate(at, left, right, counter)
	c := Char{
		ID:   OpID{Actor: d.actor, Counter: counter},
		Pos:  pos,
		Rune: string(r),
	}

	d.lastInsert = c.ID
	d.chars = append(d.chars, Char{})
	copy(d.chars[at+1:], d.chars[at:])
	d.chars[at] = c
	d.reindex(at)
}

// allocate picks the position for a new local char. When the char directly
// follows the previously inserted one, it extends that run's block root so
// the run stays contiguous under concurrent merges; otherwise it starts a
// new block strictly between the neighbors.
func (d *Document) allocate(at int, left, right Position, counter uint64) Position {
	continuing := at > 0 &&
		d.chars[at-1].ID == d.lastInsert &&
		len(d.blockRoot) > 0 &&
		(d.blockSeq+1)*blockStep < posBase

	if continuing {
		cand := make(Position, len(d.blockRoot)+1)
		copy(cand, d.blockRoot)
		cand[len(d.blockRoot)] = Ident{Pos: (d.blockSeq + 1) * blockStep, Actor: d.actor, Counter: counter}
		if right == nil || cand.Compare(right) < 0 {
			d.blockSeq++
			return cand
		}
	}

	pos := PositionBetween(left, right, d.actor, counter)
	d.blockRoot = pos
	d.blockSeq = 0
	return pos
}

// deleteRunes tombstones count visible runes starting at visibleIdx.
func (d *Document) deleteRunes(visibleIdx, count int) {
	if count <= 0 {
		return
	}
	seen := 0
	for i := range d.chars {
		if d.chars[i].Deleted {
			continue
		}
		if seen >= visibleIdx && seen < visibleIdx+count {
			d.chars[i].Deleted = true
		}
		seen++
		if seen >= visibleIdx+count {
			break
		}
	}
	d.tick()
}

func (d *Document) setMetadata(m Metadata) {
	d.meta = m.clone()
	d.metaStamp = Stamp{Time: d.tick(), Actor: d.actor}
}

func (d *Document) setDeleted(v bool) {
	d.deleted = v
	d.deletedStamp = Stamp{Time: d.tick(), Actor: d.actor}
}

// arrayIndexForVisible maps a visible rune index to an index into the full
// char array (the boundary before the idx-th visible char, past any leading
// tombstones).
func (d *Document) arrayIndexForVisible(idx int) int {
	if idx <= 0 {
		return 0
	}
	seen := 0
	for i, c := range d.chars {
		if c.Deleted {
			continue
		}
		seen++
		if seen == idx {
			return i + 1
		}
	}
	return len(d.chars)
}

func (d *Document) reindex(from int) {
	for i := from; i < len(d.chars); i++ {
		d.index[d.chars[i].ID] = i
	}
}

// Serialize encodes the full CRDT state. Chars are kept in canonical order,
// so two converged replicas produce byte-identical output.
func (d *Document) Serialize() ([]byte, error) {
	st := docState{
		ID:           d.id,
		Chars:        d.chars,
		Meta:         d.meta,
		MetaStamp:    d.metaStamp,
		Deleted:      d.deleted,
		DeletedStamp: d.deletedStamp,
		Vector:       d.vector,
	}
	return json.Marshal(st)
}

// decodeState parses and structurally validates remote document bytes.
// Nothing is mutated here; a failed check leaves the document untouched.
func decodeState(data []byte) (*docState, error) {
	var st docState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCorruptDelta, err)
	}
	if st.ID == "" {
		return nil, fmt.Errorf("%w: missing document id", common.ErrCorruptDelta)
	}
	if st.Vector == nil {
		st.Vector = make(VersionVector)
	}
	seen := make(map[OpID]struct{}, len(st.Chars))
	for i, c := range st.Chars {
		if c.ID.Actor == "" || c.ID.Counter == 0 {
			return nil, fmt.Errorf("%w: char %d has invalid id", common.ErrCorruptDelta, i)
		}
		if len(c.Rune) == 0 {
			return nil, fmt.Errorf("%w: char %d has empty rune", common.ErrCorruptDelta, i)
		}
		if len(c.Pos) == 0 || c.Pos[len(c.Pos)-1].Actor == "" {
			return nil, fmt.Errorf("%w: char %d has invalid position", common.ErrCorruptDelta, i)
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate char id %v", common.ErrCorruptDelta, c.ID)
		}
		seen[c.ID] = struct{}{}
		if st.Vector[c.ID.Actor] < c.ID.Counter {
			return nil, fmt.Errorf("%w: char %v outside version vector", common.ErrCorruptDelta, c.ID)
		}
	}
	if err := st.Meta.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid metadata: %v", common.ErrCorruptDelta, err)
	}
	return &st, nil
}

// Merge integrates a remote state: union of chars by id, monotone tombstone
// flags, LWW registers for metadata and soft-delete, elementwise-max version
// vectors. Either the whole state integrates or (on validation failure
// upstream) none of it does.
func (d *Document) merge(st *docState) MergeResult {
	res := MergeResult{RemoteDeleted: st.Deleted}

	localNew := !st.Vector.Dominates(d.vector)
	remoteNew := !d.vector.Dominates(st.Vector)
	res.Concurrent = localNew && remoteNew

	for _, c := range st.Chars {
		if i, ok := d.index[c.ID]; ok {
			if c.Deleted && !d.chars[i].Deleted {
				d.chars[i].Deleted = true
				res.Changed = true
			}
			continue
		}
		d.insertMerged(c)
		res.Changed = true
	}

	if st.MetaStamp.newer(d.metaStamp, d.tb) {
		d.meta = st.Meta.clone()
		d.metaStamp = st.MetaStamp
		res.Changed = true
	}
	if st.DeletedStamp.newer(d.deletedStamp, d.tb) {
		if d.deleted != st.Deleted {
			res.Changed = true
		}
		d.deleted = st.Deleted
		d.deletedStamp = st.DeletedStamp
	}

	d.vector.Merge(st.Vector)
	for _, n := range st.Vector {
		d.observe(n)
	}
	d.observe(st.MetaStamp.Time)
	d.observe(st.DeletedStamp.Time)

	return res
}

// insertMerged adds a remote char at its canonical slot.
func (d *Document) insertMerged(c Char) {
	at := sort.Search(len(d.chars), func(i int) bool {
		cmp := d.chars[i].Pos.Compare(c.Pos)
		if cmp != 0 {
			return cmp > 0
		}
		return !d.chars[i].ID.Less(c.ID)
	})
	d.chars = append(d.chars, Char{})
	copy(d.chars[at+1:], d.chars[at:])
	d.chars[at] = c
	d.reindex(at)
}

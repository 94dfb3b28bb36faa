package crdt

// Text elements are ordered by variable-depth position identifiers in the
// style of Logoot/LSEQ. Each depth holds an integer in [0, posBase) plus the
// identity of the op that allocated it, so two positions are never equal and
// there is always room to allocate strictly between any two of them without
// coordination.

// posBase is the exclusive upper bound for a position integer at any depth.
const posBase uint64 = 1 << 32

// Ident is one digit of a position identifier.
type Ident struct {
	Pos     uint64 `json:"pos"`
	Actor   string `json:"actor"`
	Counter uint64 `json:"counter"`
}

func (a Ident) less(b Ident) bool {
	if a.Pos != b.Pos {
		return a.Pos < b.Pos
	}
	if a.Actor != b.Actor {
		return a.Actor < b.Actor
	}
	return a.Counter < b.Counter
}

// Position is a path of idents. Ordering is lexicographic; a position that
// is a strict prefix of another sorts before it.
type Position []Ident

// Compare returns -1, 0 or 1 for a < b, a == b, a > b.
func (a Position) Compare(b Position) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i].less(b[i]) {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// PositionBetween deterministically allocates a position strictly between
// left and right for the op identified by (actor, counter). Either bound may
// be nil, standing for the virtual beginning/end of the sequence. The
// algorithm walks the two bounds depth by depth: on the first depth with a
// gap wider than one it takes the midpoint; otherwise it adopts the left
// bound's ident and descends.
func PositionBetween(left, right Position, actor string, counter uint64) Position {
	var prefix Position

	for depth := 0; ; depth++ {
		lo := identAt(left, depth, Ident{})
		hi := identAt(right, depth, Ident{Pos: posBase})

		if hi.Pos > lo.Pos+1 {
			mid := lo.Pos + (hi.Pos-lo.Pos)/2
			return append(prefix, Ident{Pos: mid, Actor: actor, Counter: counter})
		}

		prefix = append(prefix, lo)
	}
}

func identAt(p Position, depth int, sentinel Ident) Ident {
	if depth < len(p) {
		return p[depth]
	}
	return sentinel
}

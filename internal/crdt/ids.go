// Package crdt implements the replicated note document model: a convergent
// text sequence with tombstoned deletes, last-writer-wins metadata, and a
// soft-delete flag that is itself mergeable. Replicas exchange whole
// serialized document states; merging the same state any number of times, in
// any order, yields identical results on every device.
package crdt

// OpID identifies a single element created by a replica: the replica's actor
// id plus a per-actor monotonic counter. OpIDs are never reused.
type OpID struct {
	Actor   string `json:"actor"`
	Counter uint64 `json:"counter"`
}

func (a OpID) Less(b OpID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Actor < b.Actor
}

// Stamp is a Lamport timestamp used by the last-writer-wins registers
// (metadata, soft-delete flag).
type Stamp struct {
	Time  uint64 `json:"time"`
	Actor string `json:"actor"`
}

// TieBreak decides the winner between two writes carrying equal Lamport
// times. It returns true when actor a should win over actor b. The rule is
// configurable per store; the default picks the lexicographically higher
// actor id.
type TieBreak func(a, b string) bool

// DefaultTieBreak orders tied writes by actor id, higher wins.
func DefaultTieBreak(a, b string) bool { return a > b }

// newer reports whether s should replace cur under LWW semantics.
func (s Stamp) newer(cur Stamp, tb TieBreak) bool {
	if s.Time != cur.Time {
		return s.Time > cur.Time
	}
	if s.Actor == cur.Actor {
		return false
	}
	return tb(s.Actor, cur.Actor)
}

// VersionVector records, per actor, the highest counter observed.
type VersionVector map[string]uint64

// Dominates reports whether v has seen everything in other.
func (v VersionVector) Dominates(other VersionVector) bool {
	for actor, n := range other {
		if v[actor] < n {
			return false
		}
	}
	return true
}

// Merge raises every entry of v to at least the value in other.
func (v VersionVector) Merge(other VersionVector) {
	for actor, n := range other {
		if v[actor] < n {
			v[actor] = n
		}
	}
}

func (v VersionVector) clone() VersionVector {
	out := make(VersionVector, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

// Package regions derives the landmark index sets (eyes, brows, lips, nose) from the
// connection topology a landmark model declares.
//
// Models publish each facial feature as a list of mesh edges. The indexer keeps the
// vertex set of those edges, sorted, so the metric code never hard-codes indices that a
// model revision could move. A region the model does not publish is replaced by a small
// fallback set: metrics lose fidelity but the stream keeps running.
package regions

import "sort"

// Region names a facial feature
type Region string

const (
	LeftEye   Region = "left_eye"
	RightEye  Region = "right_eye"
	LeftBrow  Region = "left_eyebrow"
	RightBrow Region = "right_eyebrow"
	Lips      Region = "lips"
	Nose      Region = "nose"
)

// Required lists every region the metric calculator reads, in derivation order
var Required = []Region{LeftEye, RightEye, LeftBrow, RightBrow, Lips, Nose}

// Connection is one mesh edge between two landmark indices
type Connection [2]int

// Topology maps a region to the edges a model declares for it
type Topology map[Region][]Connection

// Indices is a sorted, duplicate-free list of landmark indices
type Indices []int

// Set holds the index list of every required region
type Set struct {
	LeftEye   Indices
	RightEye  Indices
	LeftBrow  Indices
	RightBrow Indices
	Lips      Indices
	Nose      Indices
}

// fallback sets used when a model does not publish a region
var fallback = map[Region]Indices{
	LeftEye:   {33, 133},
	RightEye:  {263, 362},
	LeftBrow:  {55, 65},
	RightBrow: {285, 295},
	Lips:      {61, 291},
	Nose:      {1},
}

// Fallback returns a copy of the fallback index set for a region
func Fallback(r Region) Indices {
	return append(Indices(nil), fallback[r]...)
}

// IndicesFromConnections returns the sorted set of indices appearing in any pair
func IndicesFromConnections(conns []Connection) Indices {
	seen := make(map[int]struct{}, len(conns)*2)
	for _, c := range conns {
		seen[c[0]] = struct{}{}
		seen[c[1]] = struct{}{}
	}

	out := make(Indices, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Derive builds the region set from a model topology.
// Regions missing from topo (or declared with no edges) get their fallback set and are
// returned in degraded, in Required order.
func Derive(topo Topology) (set Set, degraded []Region) {
	pick := func(r Region) Indices {
		if conns := topo[r]; len(conns) > 0 {
			return IndicesFromConnections(conns)
		}
		degraded = append(degraded, r)
		return Fallback(r)
	}

	set = Set{
		LeftEye:   pick(LeftEye),
		RightEye:  pick(RightEye),
		LeftBrow:  pick(LeftBrow),
		RightBrow: pick(RightBrow),
		Lips:      pick(Lips),
		Nose:      pick(Nose),
	}
	return set, degraded
}

// Get returns the indices of one region
func (s Set) Get(r Region) Indices {
	switch r {
	case LeftEye:
		return s.LeftEye
	case RightEye:
		return s.RightEye
	case LeftBrow:
		return s.LeftBrow
	case RightBrow:
		return s.RightBrow
	case Lips:
		return s.Lips
	case Nose:
		return s.Nose
	default:
		return nil
	}
}

// MaxIndex returns the largest index referenced by any region, or -1 for an empty set
func (s Set) MaxIndex() int {
	max := -1
	for _, r := range Required {
		idx := s.Get(r)
		if len(idx) > 0 && idx[len(idx)-1] > max {
			max = idx[len(idx)-1]
		}
	}
	return max
}

package domain

// VersionVector tracks, per originating device, how many edits the
// current value of an item descends from. Two values diverge iff neither
// vector dominates the other.
type VersionVector map[DeviceID]uint64

// NewVersionVector returns a vector with a zero entry for the owner.
func NewVersionVector(owner DeviceID) VersionVector {
	return VersionVector{owner: 0}
}

// Clone returns an independent copy.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for id, n := range v {
		out[id] = n
	}
	return out
}

// Increment bumps the owner's component for a local edit.
func (v VersionVector) Increment(owner DeviceID) {
	v[owner]++
}

// Merge takes the componentwise maximum of both vectors.
func (v VersionVector) Merge(other VersionVector) {
	for id, n := range other {
		if n > v[id] {
			v[id] = n
		}
	}
}

// HappensBefore reports whether v is a strict causal ancestor of other:
// every component of v is <= the matching component of other, and at
// least one is strictly smaller.
func (v VersionVector) HappensBefore(other VersionVector) bool {
	smaller := false
	for id, n := range v {
		o := other[id]
		if n > o {
			return false
		}
		if n < o {
			smaller = true
		}
	}
	for id := range other {
		if _, ok := v[id]; !ok && other[id] > 0 {
			smaller = true
		}
	}
	return smaller
}

// Concurrent reports whether the two vectors carry divergent edits:
// neither covers the other. Equal vectors are the same version, not a
// divergence.
func (v VersionVector) Concurrent(other VersionVector) bool {
	return !v.Descends(other) && !other.Descends(v)
}

// Descends reports whether v already covers other (other happened before
// v, or the vectors are equal). A delta whose clock the local value
// descends from carries no new information.
func (v VersionVector) Descends(other VersionVector) bool {
	for id, n := range other {
		if n > v[id] {
			return false
		}
	}
	return true
}

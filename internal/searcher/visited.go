package searcher

// VisitedSet tracks visited nodes in a bitset and remembers which words it
// dirtied so Reset costs O(visited) rather than O(capacity).
type VisitedSet struct {
	bits  []uint64
	dirty []uint32
}

// NewVisitedSet creates a visited set sized for capacity nodes. It grows on
// demand.
func NewVisitedSet(capacity int) *VisitedSet {
	return &VisitedSet{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks id as visited.
func (v *VisitedSet) Visit(id uint32) {
	word := int(id >> 6)
	mask := uint64(1) << (id & 63)
	if word >= len(v.bits) {
		v.grow(word + 1)
	}
	if v.bits[word]&mask == 0 {
		v.bits[word] |= mask
		v.dirty = append(v.dirty, id)
	}
}

// Visited reports whether id has been visited since the last Reset.
func (v *VisitedSet) Visited(id uint32) bool {
	word := int(id >> 6)
	if word >= len(v.bits) {
		return false
	}
	return v.bits[word]&(uint64(1)<<(id&63)) != 0
}

// Reset clears every node visited in the current session.
func (v *VisitedSet) Reset() {
	for _, id := range v.dirty {
		v.bits[id>>6] &^= uint64(1) << (id & 63)
	}
	v.dirty = v.dirty[:0]
}

// EnsureCapacity grows the set to hold at least capacity nodes.
func (v *VisitedSet) EnsureCapacity(capacity int) {
	if words := (capacity + 63) / 64; words > len(v.bits) {
		v.grow(words)
	}
}

func (v *VisitedSet) grow(words int) {
	bits := make([]uint64, max(len(v.bits)*2, words))
	copy(bits, v.bits)
	v.bits = bits
}

package index

// bitset tracks visited point ids during a traversal without per-id map
// allocations.
type bitset []uint64

func newBitset(n int) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) testAndSet(i int) bool {
	w, m := i/64, uint64(1)<<(uint(i)%64)
	if b[w]&m != 0 {
		return true
	}
	b[w] |= m
	return false
}

func (b bitset) test(i int) bool {
	return b[i/64]&(uint64(1)<<(uint(i)%64)) != 0
}

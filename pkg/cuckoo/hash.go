package cuckoo

import "github.com/cespare/xxhash/v2"

// candidates holds the one or two buckets an item may live in.
type candidates struct {
	b [2]uint32
	n int
}

// candidateBuckets derives both buckets of key from the low and high halves
// of its 64-bit hash. When the halves land in the same bucket the second
// candidate is the neighbouring bucket; a single-bucket table has one.
func (t *Table) candidateBuckets(key []byte) candidates {
	h := xxhash.Sum64(key)
	b1 := uint32(h) & t.mask
	b2 := uint32(h>>32) & t.mask
	if b1 == b2 {
		b2 = (b1 + 1) & t.mask
	}
	if b1 == b2 {
		return candidates{b: [2]uint32{b1, b1}, n: 1}
	}
	return candidates{b: [2]uint32{b1, b2}, n: 2}
}

// altBucket returns the other candidate bucket of the item stored in
// bucket b, or b itself when the item has a single candidate.
func (t *Table) altBucket(key []byte, b uint32) uint32 {
	c := t.candidateBuckets(key)
	if c.n == 1 {
		return b
	}
	if c.b[0] == b {
		return c.b[1]
	}
	return c.b[0]
}

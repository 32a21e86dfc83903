package cuckoo

import "math/rand/v2"

// pathNode is one step of a displacement path: the item in slot would move
// to its alternate bucket. parent indexes the frontier entry whose item
// moves into slot afterwards, or -1 for a candidate slot of the new key.
type pathNode struct {
	slot   int32
	parent int32
	depth  int32
}

// frontierSize is the largest frontier a search of the given depth builds.
func frontierSize(depth int) int {
	n, level := 0, 2*Associativity
	for range depth {
		n += level
		level *= Associativity
	}
	return n
}

// displace searches breadth-first, up to maxDisplace moves deep, for a chain
// of items ending next to a free slot. On success the chain is shifted one
// step and the freed candidate slot is returned; otherwise -1.
func (t *Table) displace(c candidates, now uint32) int {
	q := t.queue[:0]
	defer func() { t.queue = q[:0] }()

	for k := range c.n {
		base := int(c.b[k]) * Associativity
		for j := range Associativity {
			q = append(q, pathNode{slot: int32(base + j), parent: -1, depth: 1})
		}
	}

	for head := 0; head < len(q); head++ {
		n := q[head]
		from := uint32(n.slot) / Associativity
		alt := t.altBucket(slotKey(t.slot(int(n.slot))), from)
		if alt == from {
			continue
		}

		base := int(alt) * Associativity
		for j := range Associativity {
			dst := base + j
			ds := t.slot(dst)
			if occupied(ds) && !expired(slotExpire(ds), now) {
				continue
			}
			if occupied(ds) {
				t.release(dst)
				t.stats.expired++
				t.metrics.RecordExpired(1)
			}
			root := t.shift(q, head, dst)
			t.stats.displacements += uint64(n.depth)
			t.metrics.RecordInsert(int(n.depth))
			return root
		}

		if int(n.depth) >= t.maxDisplace {
			continue
		}
		for j := range Associativity {
			child := int32(base + j)
			if onPath(q, head, child) {
				continue
			}
			q = append(q, pathNode{slot: child, parent: int32(head), depth: n.depth + 1})
		}
	}
	return -1
}

// onPath reports whether slot already appears on the chain ending at q[i].
func onPath(q []pathNode, i int, slot int32) bool {
	for ; i >= 0; i = int(q[i].parent) {
		if q[i].slot == slot {
			return true
		}
	}
	return false
}

// shift moves every item on the chain ending at q[tail] one step, starting
// with the tail item into dst, and returns the slot vacated by the root.
func (t *Table) shift(q []pathNode, tail int, dst int) int {
	for i := tail; i >= 0; i = int(q[i].parent) {
		src := int(q[i].slot)
		t.move(src, dst)
		dst = src
	}
	return dst
}

// move copies an occupied slot, state byte included, into an empty slot and
// only then clears the source.
func (t *Table) move(src, dst int) {
	s := t.slot(src)
	copy(t.slot(dst), s[:usedLen(s)])
	clearSlot(s, t.zeroOnDelete)
}

// evict frees one candidate slot according to the table policy.
func (t *Table) evict(c candidates) (int, error) {
	var victim int

	switch t.policy {
	case PolicyReject:
		t.stats.rejections++
		t.metrics.RecordRejected()
		return -1, ErrTableFull

	case PolicyOldest:
		victim = -1
		var oldest uint64
		for k := range c.n {
			base := int(c.b[k]) * Associativity
			for j := range Associativity {
				if seq := slotSeq(t.slot(base + j)); victim < 0 || seq < oldest {
					victim, oldest = base+j, seq
				}
			}
		}

	default:
		r := rand.IntN(c.n * Associativity)
		victim = int(c.b[r/Associativity])*Associativity + r%Associativity
	}

	t.release(victim)
	t.stats.evictions++
	t.metrics.RecordEviction(t.policy.String())
	return victim, nil
}

package cuckoo

import "sync/atomic"

// counters are updated under the write lock except for the lookup
// counters, which readers bump concurrently.
type counters struct {
	gets atomic.Uint64
	hits atomic.Uint64

	stores        uint64
	deletes       uint64
	touches       uint64
	flushes       uint64
	evictions     uint64
	rejections    uint64
	expired       uint64
	displacements uint64
	casMismatches uint64
}

// Stats is a point-in-time snapshot of table occupancy and activity.
type Stats struct {
	Items    int
	Capacity int
	Buckets  int
	ItemSize int
	Bytes    int

	Gets          uint64
	GetHits       uint64
	GetMisses     uint64
	Stores        uint64
	Deletes       uint64
	Touches       uint64
	Flushes       uint64
	Evictions     uint64
	Rejections    uint64
	Expired       uint64
	Displacements uint64
	CasMismatches uint64
}

// Stats returns a snapshot of the table counters.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// hits first: gets is always bumped before hits.
	hits := t.stats.hits.Load()
	gets := t.stats.gets.Load()
	return Stats{
		Items:         t.items,
		Capacity:      t.Capacity(),
		Buckets:       int(t.nbuckets),
		ItemSize:      t.itemSize,
		Bytes:         len(t.arena),
		Gets:          gets,
		GetHits:       hits,
		GetMisses:     gets - hits,
		Stores:        t.stats.stores,
		Deletes:       t.stats.deletes,
		Touches:       t.stats.touches,
		Flushes:       t.stats.flushes,
		Evictions:     t.stats.evictions,
		Rejections:    t.stats.rejections,
		Expired:       t.stats.expired,
		Displacements: t.stats.displacements,
		CasMismatches: t.stats.casMismatches,
	}
}

// Package cuckoo implements the fixed-capacity storage engine: a cuckoo hash
// table whose items live inline in one preallocated byte arena.
//
// Every key has two candidate buckets of Associativity slots each, so a
// lookup inspects at most 2*Associativity slots. An insertion that finds
// both buckets full relocates existing items along a short displacement
// path and falls back to the configured eviction policy when no path
// exists. Capacity never changes after New and the engine does not allocate
// per operation.
//
// Thread safety:
// A Table is safe for concurrent use. Lookups share a read lock; every
// mutation, including displacement, holds the write lock. Relocation copies
// an item into its new slot before clearing the old one.
package cuckoo

import (
	"bytes"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/metrics"
)

// Table is a fixed-capacity cuckoo hash table.
type Table struct {
	mu sync.RWMutex

	arena    []byte
	slotSize int
	nbuckets uint32
	mask     uint32
	itemSize int

	policy       Policy
	cas          bool
	maxDisplace  int
	zeroOnDelete bool

	lastCAS uint64
	lastSeq uint64
	items   int
	cursor  int
	closed  bool

	// queue is the reusable breadth-first search frontier.
	queue []pathNode

	now     func() time.Time
	metrics metrics.StorageMetrics
	stats   counters
}

// New validates cfg and preallocates the arena. A nil metrics argument
// disables metrics.
func New(cfg Config, m metrics.StorageMetrics) (*Table, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewNoopStorageMetrics()
	}

	nbuckets := bucketCount(cfg.NItem)
	slotSize := SlotHeaderSize + cfg.ItemSize
	nslots := int(nbuckets) * Associativity

	t := &Table{
		arena:        make([]byte, nslots*slotSize),
		slotSize:     slotSize,
		nbuckets:     nbuckets,
		mask:         nbuckets - 1,
		itemSize:     cfg.ItemSize,
		policy:       cfg.Policy,
		cas:          cfg.CAS,
		maxDisplace:  cfg.MaxDisplace,
		zeroOnDelete: cfg.ZeroOnDelete,
		queue:        make([]pathNode, 0, frontierSize(cfg.MaxDisplace)),
		now:          time.Now,
		metrics:      m,
	}
	m.SetCapacity(nslots)
	m.SetItems(0)

	logger.Info("Cuckoo table ready: %d buckets x %d slots, item size %s, arena %s, policy %s, cas %t",
		nbuckets, Associativity, humanize.IBytes(uint64(cfg.ItemSize)),
		humanize.IBytes(uint64(len(t.arena))), cfg.Policy, cfg.CAS)

	return t, nil
}

// Capacity returns the number of slots in the table.
func (t *Table) Capacity() int {
	return int(t.nbuckets) * Associativity
}

// ItemSize returns the largest len(key)+len(value) the table accepts.
func (t *Table) ItemSize() int {
	return t.itemSize
}

// Len returns the number of occupied slots, including expired items that
// have not been reclaimed yet.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.items
}

// Close releases the arena. Every later call behaves as on an empty table
// and mutations return ErrClosed.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	t.arena = nil
	t.queue = nil
	t.items = 0
	t.metrics.SetItems(0)
	logger.Debug("Cuckoo table closed")
}

// Get returns a copy of the live item stored under key.
func (t *Table) Get(key []byte) (Item, bool) {
	var it Item
	found := t.View(key, func(v ItemView) {
		it = v.Clone()
	})
	return it, found
}

// View calls fn with a borrowed view of the live item stored under key. The
// view aliases the arena and is only valid until fn returns; fn must not
// call back into the table.
func (t *Table) View(key []byte, fn func(ItemView)) bool {
	if !validKey(key) {
		return false
	}
	c := t.candidateBuckets(key)
	now := t.nowSec()

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return false
	}

	i := t.find(key, c)
	hit := i >= 0 && !expired(slotExpire(t.slot(i)), now)
	t.stats.gets.Add(1)
	t.metrics.RecordLookup(hit)
	if !hit {
		return false
	}
	t.stats.hits.Add(1)
	fn(decodeItem(t.slot(i)))
	return true
}

// Set stores the item unconditionally and returns its new CAS version.
func (t *Table) Set(key, value []byte, flags, expire uint32) (uint64, error) {
	return t.store(storeSet, key, value, flags, expire, 0)
}

// Add stores the item only if key is absent; otherwise ErrNotStored.
func (t *Table) Add(key, value []byte, flags, expire uint32) (uint64, error) {
	return t.store(storeAdd, key, value, flags, expire, 0)
}

// Replace stores the item only if key is present; otherwise ErrNotStored.
func (t *Table) Replace(key, value []byte, flags, expire uint32) (uint64, error) {
	return t.store(storeReplace, key, value, flags, expire, 0)
}

// CompareAndSwap stores the item only if key is present with version cas.
// It returns ErrNotFound for a missing key and ErrCasMismatch for a stale
// version; neither modifies the table.
func (t *Table) CompareAndSwap(key, value []byte, flags, expire uint32, cas uint64) (uint64, error) {
	return t.store(storeCAS, key, value, flags, expire, cas)
}

type storeMode int

const (
	storeSet storeMode = iota
	storeAdd
	storeReplace
	storeCAS
)

func (t *Table) store(mode storeMode, key, value []byte, flags, expire uint32, cas uint64) (uint64, error) {
	if !validKey(key) {
		return 0, ErrInvalidKey
	}
	if len(key)+len(value) > t.itemSize {
		return 0, ErrItemTooLarge
	}
	c := t.candidateBuckets(key)
	now := t.nowSec()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	i := t.find(key, c)
	live := i >= 0 && !expired(slotExpire(t.slot(i)), now)

	switch mode {
	case storeAdd:
		if live {
			return 0, ErrNotStored
		}
	case storeReplace:
		if !live {
			return 0, ErrNotStored
		}
	case storeCAS:
		if !live {
			return 0, ErrNotFound
		}
		if slotCAS(t.slot(i)) != cas {
			t.stats.casMismatches++
			return 0, ErrCasMismatch
		}
	}

	switch {
	case i < 0:
		var err error
		if i, err = t.reserve(c, now); err != nil {
			return 0, err
		}
		t.items++
		t.metrics.SetItems(t.items)
	case !live:
		// An expired copy of the key is overwritten where it sits.
		t.stats.expired++
		t.metrics.RecordExpired(1)
		fallthrough
	default:
		if t.zeroOnDelete {
			clear(t.slot(i))
		}
	}

	meta := itemMeta{
		cas:    t.nextCAS(),
		seq:    t.nextSeq(),
		expire: expire,
		flags:  flags,
	}
	if err := encodeItem(t.slot(i), t.itemSize, key, value, meta); err != nil {
		return 0, err
	}
	t.stats.stores++
	return meta.cas, nil
}

// Delete removes key and reports whether a live item was removed.
func (t *Table) Delete(key []byte) bool {
	if !validKey(key) {
		return false
	}
	c := t.candidateBuckets(key)
	now := t.nowSec()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	i := t.find(key, c)
	if i < 0 {
		return false
	}
	live := !expired(slotExpire(t.slot(i)), now)
	t.release(i)
	if !live {
		t.stats.expired++
		t.metrics.RecordExpired(1)
		return false
	}
	t.stats.deletes++
	return true
}

// Delta adds delta to (incr) or subtracts it from the decimal counter stored
// under key and returns the new value. Increments wrap at 2^64; decrements
// stop at zero.
func (t *Table) Delta(key []byte, delta uint64, incr bool) (uint64, error) {
	if !validKey(key) {
		return 0, ErrInvalidKey
	}
	c := t.candidateBuckets(key)
	now := t.nowSec()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	i := t.find(key, c)
	if i < 0 || expired(slotExpire(t.slot(i)), now) {
		return 0, ErrNotFound
	}
	s := t.slot(i)

	n, ok := parseCounter(slotValue(s))
	if !ok {
		return 0, ErrNonNumeric
	}
	switch {
	case incr:
		n += delta
	case delta > n:
		n = 0
	default:
		n -= delta
	}

	var digits [20]byte
	v := strconv.AppendUint(digits[:0], n, 10)
	if int(s[offKLen])+len(v) > t.itemSize {
		return 0, ErrItemTooLarge
	}
	setSlotValue(s, v)
	setSlotCAS(s, t.nextCAS())
	t.stats.stores++
	return n, nil
}

// Touch updates the expiry of a live item.
func (t *Table) Touch(key []byte, expire uint32) bool {
	if !validKey(key) {
		return false
	}
	c := t.candidateBuckets(key)
	now := t.nowSec()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	i := t.find(key, c)
	if i < 0 || expired(slotExpire(t.slot(i)), now) {
		return false
	}
	setSlotExpire(t.slot(i), expire)
	t.stats.touches++
	return true
}

// Flush invalidates every item. A positive delay instead caps every item's
// expiry at now+delay.
func (t *Table) Flush(delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.stats.flushes++

	if delay <= 0 {
		if t.zeroOnDelete {
			clear(t.arena)
		} else {
			for i := range t.Capacity() {
				t.slot(i)[offState] = stateEmpty
			}
		}
		t.items = 0
		t.metrics.SetItems(0)
		return
	}

	secs := uint32(max(delay/time.Second, 1))
	deadline := t.nowSec() + secs
	for i := range t.Capacity() {
		s := t.slot(i)
		if !occupied(s) {
			continue
		}
		if e := slotExpire(s); e == 0 || e > deadline {
			setSlotExpire(s, deadline)
		}
	}
}

// Sweep examines up to n slots starting where the previous sweep stopped,
// reclaims the expired ones and returns how many it reclaimed.
func (t *Table) Sweep(n int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || n <= 0 {
		return 0
	}

	now := t.nowSec()
	nslots := t.Capacity()
	n = min(n, nslots)

	reclaimed := 0
	for range n {
		i := t.cursor
		t.cursor++
		if t.cursor == nslots {
			t.cursor = 0
		}
		s := t.slot(i)
		if occupied(s) && expired(slotExpire(s), now) {
			t.release(i)
			reclaimed++
		}
	}

	if reclaimed > 0 {
		t.stats.expired += uint64(reclaimed)
		t.metrics.RecordExpired(reclaimed)
	}
	return reclaimed
}

func (t *Table) slot(i int) []byte {
	off := i * t.slotSize
	return t.arena[off : off+t.slotSize : off+t.slotSize]
}

func (t *Table) nowSec() uint32 {
	return uint32(t.now().Unix())
}

func (t *Table) nextCAS() uint64 {
	if !t.cas {
		return 0
	}
	t.lastCAS++
	return t.lastCAS
}

func (t *Table) nextSeq() uint64 {
	t.lastSeq++
	return t.lastSeq
}

// find returns the slot holding key, live or expired, or -1.
func (t *Table) find(key []byte, c candidates) int {
	for k := range c.n {
		base := int(c.b[k]) * Associativity
		for j := range Associativity {
			s := t.slot(base + j)
			if occupied(s) && int(s[offKLen]) == len(key) && bytes.Equal(slotKey(s), key) {
				return base + j
			}
		}
	}
	return -1
}

// release empties an occupied slot.
func (t *Table) release(i int) {
	clearSlot(t.slot(i), t.zeroOnDelete)
	t.items--
	t.metrics.SetItems(t.items)
}

// reserve returns a free slot in one of the candidate buckets, making room
// by displacement or eviction when both are full.
func (t *Table) reserve(c candidates, now uint32) (int, error) {
	for k := range c.n {
		if i := t.freeSlot(c.b[k], now); i >= 0 {
			t.metrics.RecordInsert(0)
			return i, nil
		}
	}
	if i := t.displace(c, now); i >= 0 {
		return i, nil
	}
	return t.evict(c)
}

// freeSlot returns an empty slot of bucket b, reclaiming an expired item if
// that is the only way, or -1.
func (t *Table) freeSlot(b uint32, now uint32) int {
	base := int(b) * Associativity
	stale := -1
	for j := range Associativity {
		s := t.slot(base + j)
		if !occupied(s) {
			return base + j
		}
		if stale < 0 && expired(slotExpire(s), now) {
			stale = base + j
		}
	}
	if stale >= 0 {
		t.release(stale)
		t.stats.expired++
		t.metrics.RecordExpired(1)
	}
	return stale
}

// parseCounter parses an unsigned decimal that fits in 64 bits.
func parseCounter(b []byte) (uint64, bool) {
	if len(b) == 0 || len(b) > 20 {
		return 0, false
	}
	var n uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		d := uint64(c - '0')
		if n > (math.MaxUint64-d)/10 {
			return 0, false
		}
		n = n*10 + d
	}
	return n, true
}

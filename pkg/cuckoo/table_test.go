package cuckoo

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittocache/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestTable creates a table whose clock is controlled by the returned
// function, which advances it by the given duration.
func newTestTable(t *testing.T, cfg Config) (*Table, func(time.Duration)) {
	t.Helper()

	tbl, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(tbl.Close)

	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	tbl.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
	return tbl, advance
}

// itemGauge keeps the last value reported through SetItems.
type itemGauge struct {
	metrics.StorageMetrics
	items int
}

func (g *itemGauge) SetItems(n int) { g.items = n }

func unix(tbl *Table) uint32 {
	return uint32(tbl.now().Unix())
}

// ============================================================================
// Construction
// ============================================================================

func TestNew_Sizing(t *testing.T) {
	tests := []struct {
		nitem    int
		capacity int
	}{
		{1, 4},
		{4, 4},
		{5, 8},
		{10, 16},
		{1024, 1024},
		{1025, 2048},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.nitem), func(t *testing.T) {
			tbl, err := New(Config{ItemSize: 16, NItem: tt.nitem}, nil)
			require.NoError(t, err)
			defer tbl.Close()

			assert.Equal(t, tt.capacity, tbl.Capacity())
			assert.Equal(t, tt.capacity*(SlotHeaderSize+16), tbl.Stats().Bytes)
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative item size", Config{ItemSize: -1}},
		{"huge item size", Config{ItemSize: MaxItemSize + 1}},
		{"negative nitem", Config{NItem: -5}},
		{"unknown policy", Config{Policy: Policy(9)}},
		{"displace too deep", Config{MaxDisplace: MaxDisplaceLimit + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{PolicyRandom, PolicyOldest, PolicyReject} {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	var p Policy
	require.NoError(t, p.UnmarshalText([]byte("REJECT")))
	assert.Equal(t, PolicyReject, p)
	assert.Error(t, p.UnmarshalText([]byte("lru")))
}

// ============================================================================
// Storage commands
// ============================================================================

func TestSetGet(t *testing.T) {
	tbl, _ := newTestTable(t, DefaultConfig())

	cas, err := tbl.Set([]byte("foo"), []byte("bar"), 42, 0)
	require.NoError(t, err)
	assert.NotZero(t, cas)

	it, ok := tbl.Get([]byte("foo"))
	require.True(t, ok)
	assert.Equal(t, "foo", string(it.Key))
	assert.Equal(t, "bar", string(it.Value))
	assert.Equal(t, uint32(42), it.Flags)
	assert.Equal(t, cas, it.CAS)
	assert.Equal(t, 1, tbl.Len())

	// Overwrite keeps a single copy.
	cas2, err := tbl.Set([]byte("foo"), []byte("bazz"), 0, 0)
	require.NoError(t, err)
	assert.Greater(t, cas2, cas)
	it, ok = tbl.Get([]byte("foo"))
	require.True(t, ok)
	assert.Equal(t, "bazz", string(it.Value))
	assert.Equal(t, 1, tbl.Len())

	_, ok = tbl.Get([]byte("missing"))
	assert.False(t, ok)

	st := tbl.Stats()
	assert.Equal(t, uint64(3), st.Gets)
	assert.Equal(t, uint64(2), st.GetHits)
	assert.Equal(t, uint64(1), st.GetMisses)
}

func TestView_AliasesArena(t *testing.T) {
	tbl, _ := newTestTable(t, DefaultConfig())
	_, err := tbl.Set([]byte("k"), []byte("value"), 7, 0)
	require.NoError(t, err)

	var got Item
	ok := tbl.View([]byte("k"), func(v ItemView) {
		assert.Equal(t, "value", string(v.Value))
		got = v.Clone()
	})
	require.True(t, ok)

	_, err = tbl.Set([]byte("k"), []byte("other"), 7, 0)
	require.NoError(t, err)
	assert.Equal(t, "value", string(got.Value), "clone must not alias the arena")
}

func TestAddReplace(t *testing.T) {
	tbl, _ := newTestTable(t, DefaultConfig())

	_, err := tbl.Replace([]byte("k"), []byte("v"), 0, 0)
	assert.ErrorIs(t, err, ErrNotStored)

	_, err = tbl.Add([]byte("k"), []byte("v1"), 0, 0)
	require.NoError(t, err)

	_, err = tbl.Add([]byte("k"), []byte("v2"), 0, 0)
	assert.ErrorIs(t, err, ErrNotStored)

	_, err = tbl.Replace([]byte("k"), []byte("v3"), 0, 0)
	require.NoError(t, err)

	it, ok := tbl.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, "v3", string(it.Value))
}

func TestCompareAndSwap(t *testing.T) {
	tbl, _ := newTestTable(t, DefaultConfig())

	_, err := tbl.CompareAndSwap([]byte("k"), []byte("v"), 0, 0, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	cas, err := tbl.Set([]byte("k"), []byte("v1"), 0, 0)
	require.NoError(t, err)

	_, err = tbl.CompareAndSwap([]byte("k"), []byte("v2"), 0, 0, cas+100)
	assert.ErrorIs(t, err, ErrCasMismatch)
	it, _ := tbl.Get([]byte("k"))
	assert.Equal(t, "v1", string(it.Value), "stale cas must not mutate")

	next, err := tbl.CompareAndSwap([]byte("k"), []byte("v2"), 0, 0, cas)
	require.NoError(t, err)
	assert.NotEqual(t, cas, next)

	_, err = tbl.CompareAndSwap([]byte("k"), []byte("v3"), 0, 0, cas)
	assert.ErrorIs(t, err, ErrCasMismatch)
	assert.Equal(t, uint64(2), tbl.Stats().CasMismatches)
}

func TestCompareAndSwap_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CAS = false
	tbl, _ := newTestTable(t, cfg)

	cas, err := tbl.Set([]byte("k"), []byte("v1"), 0, 0)
	require.NoError(t, err)
	assert.Zero(t, cas)

	_, err = tbl.CompareAndSwap([]byte("k"), []byte("v2"), 0, 0, 5)
	assert.ErrorIs(t, err, ErrCasMismatch)

	_, err = tbl.CompareAndSwap([]byte("k"), []byte("v2"), 0, 0, 0)
	require.NoError(t, err)
}

func TestSet_ItemTooLarge(t *testing.T) {
	tbl, _ := newTestTable(t, Config{ItemSize: 16, NItem: 16})

	_, err := tbl.Set([]byte("k"), []byte("0123456789abcde"), 0, 0)
	require.NoError(t, err, "key+value of exactly item size fits")

	_, err = tbl.Set([]byte("k2"), []byte("0123456789abcde"), 0, 0)
	assert.ErrorIs(t, err, ErrItemTooLarge)
	assert.Equal(t, 1, tbl.Len(), "occupancy unchanged")

	// A failed overwrite leaves the old value in place.
	_, err = tbl.Set([]byte("k"), []byte("0123456789abcdef"), 0, 0)
	assert.ErrorIs(t, err, ErrItemTooLarge)
	it, ok := tbl.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, "0123456789abcde", string(it.Value))
}

func TestSet_InvalidKey(t *testing.T) {
	tbl, _ := newTestTable(t, DefaultConfig())

	long := make([]byte, MaxKeyLength+1)
	for i := range long {
		long[i] = 'a'
	}
	for _, key := range [][]byte{nil, []byte("has space"), []byte("ctl\x01"), long} {
		_, err := tbl.Set(key, []byte("v"), 0, 0)
		assert.ErrorIs(t, err, ErrInvalidKey)
	}
	assert.Zero(t, tbl.Len())
}

func TestDelete(t *testing.T) {
	tbl, _ := newTestTable(t, DefaultConfig())

	assert.False(t, tbl.Delete([]byte("k")))
	_, err := tbl.Set([]byte("k"), []byte("v"), 0, 0)
	require.NoError(t, err)

	assert.True(t, tbl.Delete([]byte("k")))
	assert.False(t, tbl.Delete([]byte("k")))
	_, ok := tbl.Get([]byte("k"))
	assert.False(t, ok)
	assert.Zero(t, tbl.Len())
}

func TestDelete_ZeroOnDelete(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ZeroOnDelete = true
	tbl, _ := newTestTable(t, cfg)

	_, err := tbl.Set([]byte("secret"), []byte("value"), 1, 0)
	require.NoError(t, err)
	i := tbl.find([]byte("secret"), tbl.candidateBuckets([]byte("secret")))
	require.GreaterOrEqual(t, i, 0)

	require.True(t, tbl.Delete([]byte("secret")))
	for _, b := range tbl.slot(i) {
		require.Zero(t, b)
	}
}

func TestDelta(t *testing.T) {
	tbl, _ := newTestTable(t, Config{ItemSize: 24, NItem: 16})

	_, err := tbl.Delta([]byte("n"), 1, true)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tbl.Set([]byte("n"), []byte("10"), 0, 0)
	require.NoError(t, err)

	v, err := tbl.Delta([]byte("n"), 5, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), v)

	v, err = tbl.Delta([]byte("n"), 20, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v, "decr clamps at zero")

	_, err = tbl.Set([]byte("n"), []byte("18446744073709551615"), 0, 0)
	require.NoError(t, err)
	v, err = tbl.Delta([]byte("n"), 2, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v, "incr wraps at 2^64")

	it, _ := tbl.Get([]byte("n"))
	assert.Equal(t, "1", string(it.Value))

	_, err = tbl.Set([]byte("s"), []byte("abc"), 0, 0)
	require.NoError(t, err)
	_, err = tbl.Delta([]byte("s"), 1, true)
	assert.ErrorIs(t, err, ErrNonNumeric)
}

func TestDelta_BumpsCAS(t *testing.T) {
	tbl, _ := newTestTable(t, DefaultConfig())

	cas, err := tbl.Set([]byte("n"), []byte("1"), 0, 0)
	require.NoError(t, err)
	_, err = tbl.Delta([]byte("n"), 1, true)
	require.NoError(t, err)

	it, _ := tbl.Get([]byte("n"))
	assert.Greater(t, it.CAS, cas)
}

func TestDelta_GrowthBeyondItemSize(t *testing.T) {
	tbl, _ := newTestTable(t, Config{ItemSize: 2, NItem: 4})

	_, err := tbl.Set([]byte("n"), []byte("9"), 0, 0)
	require.NoError(t, err)
	_, err = tbl.Delta([]byte("n"), 1, true)
	assert.ErrorIs(t, err, ErrItemTooLarge)

	it, _ := tbl.Get([]byte("n"))
	assert.Equal(t, "9", string(it.Value))
}

// ============================================================================
// Expiry
// ============================================================================

func TestExpiry_Lazy(t *testing.T) {
	tbl, advance := newTestTable(t, DefaultConfig())

	_, err := tbl.Set([]byte("k"), []byte("v"), 0, unix(tbl)+10)
	require.NoError(t, err)

	advance(9 * time.Second)
	_, ok := tbl.Get([]byte("k"))
	assert.True(t, ok)

	advance(time.Second)
	_, ok = tbl.Get([]byte("k"))
	assert.False(t, ok)

	// Add treats the expired key as absent and reuses its slot.
	_, err = tbl.Add([]byte("k"), []byte("v2"), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())
}

func TestTouch(t *testing.T) {
	tbl, advance := newTestTable(t, DefaultConfig())

	assert.False(t, tbl.Touch([]byte("k"), 0))

	_, err := tbl.Set([]byte("k"), []byte("v"), 0, unix(tbl)+5)
	require.NoError(t, err)
	require.True(t, tbl.Touch([]byte("k"), unix(tbl)+100))

	advance(50 * time.Second)
	_, ok := tbl.Get([]byte("k"))
	assert.True(t, ok)
}

func TestFlush(t *testing.T) {
	tbl, advance := newTestTable(t, DefaultConfig())

	for i := range 10 {
		_, err := tbl.Set(fmt.Appendf(nil, "k%d", i), []byte("v"), 0, 0)
		require.NoError(t, err)
	}

	tbl.Flush(30 * time.Second)
	_, ok := tbl.Get([]byte("k3"))
	assert.True(t, ok, "delayed flush keeps items until the deadline")

	advance(30 * time.Second)
	_, ok = tbl.Get([]byte("k3"))
	assert.False(t, ok)

	_, err := tbl.Set([]byte("fresh"), []byte("v"), 0, 0)
	require.NoError(t, err)
	tbl.Flush(0)
	assert.Zero(t, tbl.Len())
	_, ok = tbl.Get([]byte("fresh"))
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	tbl, advance := newTestTable(t, Config{ItemSize: 16, NItem: 64})

	for i := range 20 {
		exp := uint32(0)
		if i%2 == 0 {
			exp = unix(tbl) + 1
		}
		_, err := tbl.Set(fmt.Appendf(nil, "k%d", i), []byte("v"), 0, exp)
		require.NoError(t, err)
	}
	require.Equal(t, 20, tbl.Len())

	advance(2 * time.Second)

	reclaimed := 0
	for range tbl.Capacity() / 8 {
		reclaimed += tbl.Sweep(8)
	}
	assert.Equal(t, 10, reclaimed)
	assert.Equal(t, 10, tbl.Len())
	assert.Equal(t, uint64(10), tbl.Stats().Expired)
	assert.Zero(t, tbl.Sweep(tbl.Capacity()))
}

// ============================================================================
// Full table behaviour
// ============================================================================

func TestLoadFactor_Reject(t *testing.T) {
	tbl, _ := newTestTable(t, Config{ItemSize: 32, NItem: 4096, Policy: PolicyReject, CAS: true})

	var stored []string
	for i := 0; ; i++ {
		key := fmt.Sprintf("key-%d", i)
		_, err := tbl.Set([]byte(key), []byte(key), 0, 0)
		if err != nil {
			require.ErrorIs(t, err, ErrTableFull)
			break
		}
		stored = append(stored, key)
	}

	load := float64(len(stored)) / float64(tbl.Capacity())
	assert.GreaterOrEqual(t, load, 0.8, "load factor %.3f", load)
	assert.Equal(t, len(stored), tbl.Len())
	assert.Positive(t, tbl.Stats().Displacements)

	// Displacement never loses an item.
	for _, key := range stored {
		it, ok := tbl.Get([]byte(key))
		require.True(t, ok, key)
		require.Equal(t, key, string(it.Value))
	}

	// Updates to present keys still succeed on a full table.
	_, err := tbl.Set([]byte(stored[0]), []byte("updated"), 0, 0)
	assert.NoError(t, err)
}

func TestEviction_Reject(t *testing.T) {
	tbl, _ := newTestTable(t, Config{ItemSize: 16, NItem: 4, Policy: PolicyReject})

	for i := range 4 {
		_, err := tbl.Set(fmt.Appendf(nil, "k%d", i), []byte("v"), 0, 0)
		require.NoError(t, err)
	}
	_, err := tbl.Set([]byte("k4"), []byte("v"), 0, 0)
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, 4, tbl.Len())
	assert.Equal(t, uint64(1), tbl.Stats().Rejections)
}

func TestEviction_Oldest(t *testing.T) {
	tbl, _ := newTestTable(t, Config{ItemSize: 16, NItem: 4, Policy: PolicyOldest})

	for i := range 4 {
		_, err := tbl.Set(fmt.Appendf(nil, "k%d", i), []byte("v"), 0, 0)
		require.NoError(t, err)
	}

	_, err := tbl.Set([]byte("k4"), []byte("v"), 0, 0)
	require.NoError(t, err)
	_, ok := tbl.Get([]byte("k0"))
	assert.False(t, ok, "oldest item evicted")

	// Rewriting k1 makes k2 the oldest.
	_, err = tbl.Set([]byte("k1"), []byte("v"), 0, 0)
	require.NoError(t, err)
	_, err = tbl.Set([]byte("k5"), []byte("v"), 0, 0)
	require.NoError(t, err)

	_, ok = tbl.Get([]byte("k2"))
	assert.False(t, ok)
	for _, k := range []string{"k1", "k3", "k4", "k5"} {
		_, ok := tbl.Get([]byte(k))
		assert.True(t, ok, k)
	}
	assert.Equal(t, uint64(2), tbl.Stats().Evictions)
}

func TestEviction_Random(t *testing.T) {
	tbl, _ := newTestTable(t, Config{ItemSize: 16, NItem: 64, Policy: PolicyRandom})

	for i := range 10 * tbl.Capacity() {
		key := fmt.Appendf(nil, "k%d", i)
		_, err := tbl.Set(key, []byte("v"), 0, 0)
		require.NoError(t, err)

		_, ok := tbl.Get(key)
		require.True(t, ok, "freshly stored key must be readable")
	}
	assert.LessOrEqual(t, tbl.Len(), tbl.Capacity())
	assert.Positive(t, tbl.Stats().Evictions)
}

func TestItemGauge_TracksEveryChange(t *testing.T) {
	g := &itemGauge{StorageMetrics: metrics.NewNoopStorageMetrics(), items: -1}
	tbl, err := New(Config{ItemSize: 16, NItem: 4, Policy: PolicyOldest}, g)
	require.NoError(t, err)
	t.Cleanup(tbl.Close)
	assert.Zero(t, g.items)

	for i := range 4 {
		_, err := tbl.Set(fmt.Appendf(nil, "k%d", i), []byte("v"), 0, 0)
		require.NoError(t, err)
		assert.Equal(t, i+1, g.items, "after set %d", i)
	}

	// Overwriting a live key leaves the count alone.
	_, err = tbl.Set([]byte("k0"), []byte("w"), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, g.items)

	// Eviction frees one slot and the insert fills it.
	_, err = tbl.Set([]byte("k4"), []byte("v"), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, g.items)
	assert.Equal(t, tbl.Len(), g.items)

	require.True(t, tbl.Delete([]byte("k4")))
	assert.Equal(t, 3, g.items)

	tbl.Flush(0)
	assert.Zero(t, g.items)

	_, err = tbl.Set([]byte("k"), []byte("v"), 0, 0)
	require.NoError(t, err)
	tbl.Close()
	assert.Zero(t, g.items)
}

func TestClose(t *testing.T) {
	tbl, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = tbl.Set([]byte("k"), []byte("v"), 0, 0)
	require.NoError(t, err)

	tbl.Close()
	tbl.Close()

	_, err = tbl.Set([]byte("k"), []byte("v"), 0, 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, ok := tbl.Get([]byte("k"))
	assert.False(t, ok)
	assert.False(t, tbl.Delete([]byte("k")))
	assert.Zero(t, tbl.Sweep(10))
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentReadersAndWriters(t *testing.T) {
	tbl, _ := newTestTable(t, Config{ItemSize: 64, NItem: 8192, Policy: PolicyReject, CAS: true})

	const writers, perWriter = 8, 500
	var wg sync.WaitGroup

	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				key := fmt.Appendf(nil, "w%d-%d", w, i)
				if _, err := tbl.Set(key, key, uint32(w), 0); err != nil {
					t.Errorf("set %s: %v", key, err)
					return
				}
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				tbl.View(fmt.Appendf(nil, "w0-%d", i), func(v ItemView) {
					if string(v.Key) != string(v.Value) {
						t.Errorf("torn read: %q != %q", v.Key, v.Value)
					}
				})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, writers*perWriter, tbl.Len())
	for w := range writers {
		for i := range perWriter {
			key := fmt.Appendf(nil, "w%d-%d", w, i)
			it, ok := tbl.Get(key)
			require.True(t, ok, string(key))
			assert.Equal(t, uint32(w), it.Flags)
		}
	}
}

func TestParseCounter(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0", 0, true},
		{"42", 42, true},
		{"18446744073709551615", math.MaxUint64, true},
		{"18446744073709551616", 0, false},
		{"", 0, false},
		{"-1", 0, false},
		{"12a", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseCounter([]byte(tt.in))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

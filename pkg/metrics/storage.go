package metrics

// StorageMetrics provides observability for the cuckoo storage engine.
//
// The engine calls these methods while holding its table lock, so
// implementations must not block.
type StorageMetrics interface {
	// RecordLookup records a key lookup and whether it found a live item.
	RecordLookup(hit bool)

	// RecordInsert records an item written into a free slot after
	// displacing depth items (0 when a candidate bucket had room).
	RecordInsert(depth int)

	// RecordEviction records an item evicted by the given policy.
	RecordEviction(policy string)

	// RecordRejected records an insertion refused because the table is full.
	RecordRejected()

	// RecordExpired records n expired items reclaimed.
	RecordExpired(n int)

	// SetItems updates the live item gauge.
	SetItems(n int)

	// SetCapacity updates the slot capacity gauge.
	SetCapacity(n int)
}

// NewNoopStorageMetrics returns a StorageMetrics that discards everything.
func NewNoopStorageMetrics() StorageMetrics { return noopStorageMetrics{} }

type noopStorageMetrics struct{}

func (noopStorageMetrics) RecordLookup(bool)     {}
func (noopStorageMetrics) RecordInsert(int)      {}
func (noopStorageMetrics) RecordEviction(string) {}
func (noopStorageMetrics) RecordRejected()       {}
func (noopStorageMetrics) RecordExpired(int)     {}
func (noopStorageMetrics) SetItems(int)          {}
func (noopStorageMetrics) SetCapacity(int)       {}

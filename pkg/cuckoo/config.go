package cuckoo

import (
	"fmt"
	"math"
	"strings"
)

const (
	// Associativity is the number of slots per bucket.
	Associativity = 4

	// MaxKeyLength is the longest key accepted, matching memcached.
	MaxKeyLength = 250

	// MaxItemSize bounds the configurable item size (key plus value).
	MaxItemSize = 1 << 20

	// MaxDisplaceLimit bounds the displacement search depth.
	MaxDisplaceLimit = 6

	// maxSlots bounds the table so bucket indexes fit in 32 bits.
	maxSlots = 1 << 30
)

// Defaults used when the corresponding Config field is zero.
const (
	DefaultItemSize    = 64
	DefaultNItem       = 1024
	DefaultMaxDisplace = 4
)

// Policy selects what happens when an insertion finds no free slot and no
// displacement path.
type Policy uint8

const (
	// PolicyRandom evicts a uniformly random occupant of the candidate buckets.
	PolicyRandom Policy = iota

	// PolicyOldest evicts the candidate occupant written longest ago.
	PolicyOldest

	// PolicyReject refuses the insertion with ErrTableFull.
	PolicyReject
)

func (p Policy) String() string {
	switch p {
	case PolicyRandom:
		return "random"
	case PolicyOldest:
		return "oldest"
	case PolicyReject:
		return "reject"
	default:
		return fmt.Sprintf("Policy(%d)", uint8(p))
	}
}

// ParsePolicy maps a case-insensitive policy name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "random":
		return PolicyRandom, nil
	case "oldest", "expire":
		return PolicyOldest, nil
	case "reject":
		return PolicyReject, nil
	default:
		return 0, fmt.Errorf("unknown eviction policy %q (want random, oldest or reject)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	v, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Config sizes the table and selects its behavior. Capacity is fixed for
// the lifetime of the table.
type Config struct {
	// ItemSize is the largest len(key)+len(value) a slot can hold.
	ItemSize int

	// NItem is the requested number of items. It is rounded up to a
	// multiple of Associativity and a power-of-two bucket count.
	NItem int

	// Policy is the eviction policy applied when the table is full.
	Policy Policy

	// CAS enables version numbers. When disabled every item carries CAS 0.
	CAS bool

	// MaxDisplace bounds the depth of the displacement search.
	MaxDisplace int

	// ZeroOnDelete wipes key and value bytes when a slot is released.
	ZeroOnDelete bool
}

// DefaultConfig returns a config with every field at its default.
func DefaultConfig() Config {
	return Config{
		ItemSize:    DefaultItemSize,
		NItem:       DefaultNItem,
		Policy:      PolicyRandom,
		CAS:         true,
		MaxDisplace: DefaultMaxDisplace,
	}
}

func (c *Config) applyDefaults() {
	if c.ItemSize == 0 {
		c.ItemSize = DefaultItemSize
	}
	if c.NItem == 0 {
		c.NItem = DefaultNItem
	}
	if c.MaxDisplace == 0 {
		c.MaxDisplace = DefaultMaxDisplace
	}
}

func (c *Config) validate() error {
	if c.ItemSize < 1 || c.ItemSize > MaxItemSize {
		return fmt.Errorf("%w: item size %d out of range [1, %d]", ErrInvalidConfig, c.ItemSize, MaxItemSize)
	}
	if c.NItem < 1 || c.NItem > maxSlots {
		return fmt.Errorf("%w: nitem %d out of range [1, %d]", ErrInvalidConfig, c.NItem, maxSlots)
	}
	if c.Policy > PolicyReject {
		return fmt.Errorf("%w: unknown policy %d", ErrInvalidConfig, c.Policy)
	}
	if c.MaxDisplace < 1 || c.MaxDisplace > MaxDisplaceLimit {
		return fmt.Errorf("%w: max displace %d out of range [1, %d]", ErrInvalidConfig, c.MaxDisplace, MaxDisplaceLimit)
	}

	nbuckets := bucketCount(c.NItem)
	slotSize := SlotHeaderSize + c.ItemSize
	if uint64(nbuckets)*Associativity*uint64(slotSize) > math.MaxInt {
		return fmt.Errorf("%w: table of %d buckets x %d bytes does not fit in memory", ErrInvalidConfig, nbuckets, slotSize)
	}
	return nil
}

// bucketCount rounds nitem up to whole buckets and then to a power of two.
func bucketCount(nitem int) uint32 {
	n := uint32((nitem + Associativity - 1) / Associativity)
	b := uint32(1)
	for b < n {
		b <<= 1
	}
	return b
}

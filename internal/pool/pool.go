// Package pool implements the free-lists used for connections, I/O buffers
// and request objects.
//
// A pool either has a fixed capacity, in which case at most Size objects can
// be outstanding and Acquire fails once they are all borrowed, or it is
// unbounded and falls back to allocating whenever the free-list is empty.
// Both Acquire and Release are O(1).
//
// Thread safety:
// Pools are safe for concurrent use. The acceptor borrows connection objects
// and the owning worker returns them, so the free-list is guarded by a mutex.
package pool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrExhausted is returned by Acquire when a fixed-capacity pool has every
// object borrowed.
var ErrExhausted = errors.New("pool exhausted")

// Policy selects how a pool behaves once its free-list is empty.
type Policy int

const (
	// Unbounded pools allocate a new object whenever the free-list is empty.
	Unbounded Policy = iota

	// Fixed pools never have more than Capacity.Size objects outstanding.
	Fixed
)

func (p Policy) String() string {
	switch p {
	case Unbounded:
		return "unbounded"
	case Fixed:
		return "fixed"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps "fixed" or "unbounded" (case-insensitive) to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed":
		return Fixed, nil
	case "unbounded":
		return Unbounded, nil
	default:
		return 0, fmt.Errorf("unknown pool policy %q (want fixed or unbounded)", s)
	}
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(text []byte) error {
	v, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Capacity describes a pool's capacity policy.
type Capacity struct {
	// Policy is Fixed or Unbounded.
	Policy Policy `mapstructure:"policy" yaml:"policy"`

	// Size is the maximum number of outstanding objects for Fixed pools and
	// the number of objects kept on the free-list for Unbounded pools.
	Size int `mapstructure:"size" yaml:"size" validate:"min=0"`
}

// FixedCapacity returns a fixed policy of n objects.
func FixedCapacity(n int) Capacity { return Capacity{Policy: Fixed, Size: n} }

// UnboundedCapacity returns an unbounded policy that retains up to keep
// released objects.
func UnboundedCapacity(keep int) Capacity { return Capacity{Policy: Unbounded, Size: keep} }

// Validate checks that a fixed capacity holds at least one object.
func (c Capacity) Validate() error {
	if c.Size < 0 {
		return fmt.Errorf("pool size %d must be >= 0", c.Size)
	}
	if c.Policy == Fixed && c.Size == 0 {
		return errors.New("fixed pool size must be > 0")
	}
	return nil
}

func (c Capacity) String() string {
	if c.Policy == Fixed {
		return fmt.Sprintf("fixed(%d)", c.Size)
	}
	return fmt.Sprintf("unbounded(keep=%d)", c.Size)
}

// Pool is a free-list of reusable objects of type T.
type Pool[T any] struct {
	mu          sync.Mutex
	free        []T
	capacity    Capacity
	outstanding int
	newFn       func() T
	resetFn     func(T)
}

// New creates a pool. newFn allocates a fresh object; resetFn, if not nil,
// is applied to every object on Release.
func New[T any](capacity Capacity, newFn func() T, resetFn func(T)) (*Pool[T], error) {
	if newFn == nil {
		return nil, errors.New("pool: nil constructor")
	}
	if err := capacity.Validate(); err != nil {
		return nil, err
	}
	return &Pool[T]{
		free:     make([]T, 0, capacity.Size),
		capacity: capacity,
		newFn:    newFn,
		resetFn:  resetFn,
	}, nil
}

// Prefill allocates objects up to the capacity size so that later
// acquisitions do not allocate.
func (p *Pool[T]) Prefill() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.free)+p.outstanding < p.capacity.Size {
		p.free = append(p.free, p.newFn())
	}
}

// Acquire borrows an object from the pool.
func (p *Pool[T]) Acquire() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		obj := p.free[n-1]
		var zero T
		p.free[n-1] = zero
		p.free = p.free[:n-1]
		p.outstanding++
		return obj, nil
	}

	if p.capacity.Policy == Fixed && p.outstanding >= p.capacity.Size {
		var zero T
		return zero, ErrExhausted
	}

	p.outstanding++
	return p.newFn(), nil
}

// Release returns an object to the pool. Objects released beyond the
// retention size of an unbounded pool are dropped for the GC.
func (p *Pool[T]) Release(obj T) {
	if p.resetFn != nil {
		p.resetFn(obj)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outstanding > 0 {
		p.outstanding--
	}
	if len(p.free) < p.capacity.Size {
		p.free = append(p.free, obj)
	}
}

// Outstanding returns the number of borrowed objects.
func (p *Pool[T]) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Free returns the number of objects waiting on the free-list.
func (p *Pool[T]) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity returns the pool's capacity policy.
func (p *Pool[T]) Capacity() Capacity { return p.capacity }

// Drain empties the free-list so its objects can be collected.
func (p *Pool[T]) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.free)
	p.free = p.free[:0]
}

package cuckoo

import "errors"

var (
	// ErrInvalidConfig wraps every configuration problem reported by New.
	ErrInvalidConfig = errors.New("invalid cuckoo config")

	// ErrInvalidKey is returned for empty keys, keys longer than
	// MaxKeyLength and keys containing spaces or control characters.
	ErrInvalidKey = errors.New("invalid key")

	// ErrItemTooLarge is returned when key and value together exceed the
	// configured item size. The table is never modified.
	ErrItemTooLarge = errors.New("item too large")

	// ErrTableFull is returned under the reject policy when neither
	// candidate bucket nor any displacement path has room.
	ErrTableFull = errors.New("table full")

	// ErrNotStored is returned by Add on a live key and by Replace on a
	// missing one.
	ErrNotStored = errors.New("not stored")

	// ErrNotFound is returned when the target of a CAS or delta is absent.
	ErrNotFound = errors.New("not found")

	// ErrCasMismatch is returned when a CAS version does not match.
	ErrCasMismatch = errors.New("cas mismatch")

	// ErrNonNumeric is returned by Delta when the stored value is not a
	// decimal unsigned 64-bit integer.
	ErrNonNumeric = errors.New("non-numeric value")

	// ErrClosed is returned by every mutation after Close.
	ErrClosed = errors.New("table closed")
)

package cuckoo

import "encoding/binary"

// Slot layout. Every slot is SlotHeaderSize+ItemSize bytes; the key starts
// right after the header and the value follows the key.
const (
	offCAS    = 0
	offSeq    = 8
	offExpire = 16
	offFlags  = 20
	offVLen   = 24
	offKLen   = 28
	offState  = 29

	// SlotHeaderSize is the fixed per-slot metadata overhead in bytes.
	SlotHeaderSize = 32
)

const (
	stateEmpty    byte = 0
	stateOccupied byte = 1
)

// Item is a caller-owned copy of a stored item.
type Item struct {
	Key    []byte
	Value  []byte
	Flags  uint32
	CAS    uint64
	Expire uint32 // unix seconds, 0 = never
}

// ItemView is a stored item whose Key and Value alias the table arena. It is
// only valid inside the View callback that produced it and must not be
// modified.
type ItemView struct {
	Key    []byte
	Value  []byte
	Flags  uint32
	CAS    uint64
	Expire uint32
}

// Clone copies the view into an Item the caller may keep.
func (v ItemView) Clone() Item {
	kv := make([]byte, len(v.Key)+len(v.Value))
	copy(kv, v.Key)
	copy(kv[len(v.Key):], v.Value)
	return Item{
		Key:    kv[:len(v.Key):len(v.Key)],
		Value:  kv[len(v.Key):],
		Flags:  v.Flags,
		CAS:    v.CAS,
		Expire: v.Expire,
	}
}

type itemMeta struct {
	cas    uint64
	seq    uint64
	expire uint32
	flags  uint32
}

// validKey reports whether key may be stored: 1..MaxKeyLength bytes with no
// spaces or control characters.
func validKey(key []byte) bool {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return false
	}
	for _, c := range key {
		if c <= ' ' || c == 0x7f {
			return false
		}
	}
	return true
}

// encodeItem writes an item into slot. The slot is untouched on error.
func encodeItem(slot []byte, itemSize int, key, value []byte, m itemMeta) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	if len(key)+len(value) > itemSize {
		return ErrItemTooLarge
	}

	binary.LittleEndian.PutUint64(slot[offCAS:], m.cas)
	binary.LittleEndian.PutUint64(slot[offSeq:], m.seq)
	binary.LittleEndian.PutUint32(slot[offExpire:], m.expire)
	binary.LittleEndian.PutUint32(slot[offFlags:], m.flags)
	binary.LittleEndian.PutUint32(slot[offVLen:], uint32(len(value)))
	slot[offKLen] = byte(len(key))
	copy(slot[SlotHeaderSize:], key)
	copy(slot[SlotHeaderSize+len(key):], value)
	slot[offState] = stateOccupied
	return nil
}

// decodeItem returns a view of an occupied slot.
func decodeItem(slot []byte) ItemView {
	klen := int(slot[offKLen])
	vlen := int(binary.LittleEndian.Uint32(slot[offVLen:]))
	return ItemView{
		Key:    slot[SlotHeaderSize : SlotHeaderSize+klen],
		Value:  slot[SlotHeaderSize+klen : SlotHeaderSize+klen+vlen],
		Flags:  binary.LittleEndian.Uint32(slot[offFlags:]),
		CAS:    binary.LittleEndian.Uint64(slot[offCAS:]),
		Expire: binary.LittleEndian.Uint32(slot[offExpire:]),
	}
}

func occupied(slot []byte) bool { return slot[offState] == stateOccupied }

func slotKey(slot []byte) []byte {
	return slot[SlotHeaderSize : SlotHeaderSize+int(slot[offKLen])]
}

func slotValue(slot []byte) []byte {
	klen := int(slot[offKLen])
	vlen := int(binary.LittleEndian.Uint32(slot[offVLen:]))
	return slot[SlotHeaderSize+klen : SlotHeaderSize+klen+vlen]
}

func slotCAS(slot []byte) uint64    { return binary.LittleEndian.Uint64(slot[offCAS:]) }
func slotSeq(slot []byte) uint64    { return binary.LittleEndian.Uint64(slot[offSeq:]) }
func slotExpire(slot []byte) uint32 { return binary.LittleEndian.Uint32(slot[offExpire:]) }
func slotFlags(slot []byte) uint32  { return binary.LittleEndian.Uint32(slot[offFlags:]) }

func setSlotCAS(slot []byte, cas uint64) { binary.LittleEndian.PutUint64(slot[offCAS:], cas) }

func setSlotExpire(slot []byte, expire uint32) {
	binary.LittleEndian.PutUint32(slot[offExpire:], expire)
}

// setSlotValue rewrites the value of an occupied slot in place. The caller
// checks that the new value fits.
func setSlotValue(slot []byte, value []byte) {
	klen := int(slot[offKLen])
	copy(slot[SlotHeaderSize+klen:], value)
	binary.LittleEndian.PutUint32(slot[offVLen:], uint32(len(value)))
}

// usedLen is the number of meaningful bytes in an occupied slot.
func usedLen(slot []byte) int {
	return SlotHeaderSize + int(slot[offKLen]) + int(binary.LittleEndian.Uint32(slot[offVLen:]))
}

// expired reports whether an item with the given expiry is dead at now.
func expired(expire, now uint32) bool {
	return expire != 0 && expire <= now
}

// clearSlot releases a slot. With zero set the whole slot is wiped.
func clearSlot(slot []byte, zero bool) {
	if zero {
		clear(slot)
		return
	}
	slot[offState] = stateEmpty
}

// Package bitfield provides a bit array for tracking piece availability.
package bitfield

import (
	"encoding/hex"
	"errors"
)

// ErrPaddingNotZero is returned by Parse when a bit beyond the declared
// length is set. Peers must keep padding bits in the last byte zero.
var ErrPaddingNotZero = errors.New("bitfield padding bits are not zero")

// Bitfield is a fixed-length bit array. Bit 0 is the most significant bit
// of the first byte, matching the wire encoding of the bitfield message.
type Bitfield struct {
	b      []byte
	length uint32
}

// New creates a new Bitfield of length bits, all clear.
func New(length uint32) *Bitfield {
	return &Bitfield{
		b:      make([]byte, (length+7)/8),
		length: length,
	}
}

// Parse creates a Bitfield of length bits from its wire encoding in b.
// The byte length of b must match exactly and all padding bits beyond
// length must be zero. Bytes are copied.
func Parse(b []byte, length uint32) (*Bitfield, error) {
	if uint32(len(b)) != (length+7)/8 {
		return nil, errors.New("invalid bitfield length")
	}
	div, mod := divMod32(length, 8)
	if mod != 0 && b[div]&(0xff>>mod) != 0 {
		return nil, ErrPaddingNotZero
	}
	bf := New(length)
	copy(bf.b, b)
	return bf, nil
}

// Bytes returns the underlying bytes. Modifying the returned slice
// modifies the bitfield.
func (b *Bitfield) Bytes() []byte { return b.b }

// Len returns the number of bits.
func (b *Bitfield) Len() uint32 { return b.length }

// Hex returns the bytes as a hex string.
func (b *Bitfield) Hex() string { return hex.EncodeToString(b.b) }

// Set bit i. Panics if i >= b.Len().
func (b *Bitfield) Set(i uint32) {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	b.b[div] |= 1 << (7 - mod)
}

// Clear bit i. Panics if i >= b.Len().
func (b *Bitfield) Clear(i uint32) {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	b.b[div] &= ^(1 << (7 - mod))
}

// Test bit i. Panics if i >= b.Len().
func (b *Bitfield) Test(i uint32) bool {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	return (b.b[div] & (1 << (7 - mod))) > 0
}

// Count returns the number of set bits.
func (b *Bitfield) Count() uint32 {
	var total uint32
	for _, v := range b.b {
		total += uint32(countCache[v])
	}
	return total
}

// All returns true if every bit is set.
func (b *Bitfield) All() bool {
	return b.Count() == b.length
}

func (b *Bitfield) checkIndex(i uint32) {
	if i >= b.Len() {
		panic("bitfield index out of bound")
	}
}

var countCache = [256]byte{
	0, 1, 1, 2, 1, 2, 2, 3, 1, 2, 2, 3, 2, 3, 3, 4,
	1, 2, 2, 3, 2, 3, 3, 4, 2, 3, 3, 4, 3, 4, 4, 5,
	1, 2, 2, 3, 2, 3, 3, 4, 2, 3, 3, 4, 3, 4, 4, 5,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	1, 2, 2, 3, 2, 3, 3, 4, 2, 3, 3, 4, 3, 4, 4, 5,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	3, 4, 4, 5, 4, 5, 5, 6, 4, 5, 5, 6, 5, 6, 6, 7,
	1, 2, 2, 3, 2, 3, 3, 4, 2, 3, 3, 4, 3, 4, 4, 5,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	3, 4, 4, 5, 4, 5, 5, 6, 4, 5, 5, 6, 5, 6, 6, 7,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	3, 4, 4, 5, 4, 5, 5, 6, 4, 5, 5, 6, 5, 6, 6, 7,
	3, 4, 4, 5, 4, 5, 5, 6, 4, 5, 5, 6, 5, 6, 6, 7,
	4, 5, 5, 6, 5, 6, 6, 7, 5, 6, 6, 7, 6, 7, 7, 8,
}

func divMod32(a, b uint32) (uint32, uint32) { return a / b, a % b }

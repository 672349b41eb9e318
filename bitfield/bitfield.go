// Package bitfield implements the "bitfield byte primitives" black box
// named in the engine spec: a fixed-length bit vector used both as the
// local piece-completion bitmap and as each piece's block sub-bitfield.
//
// Bit i lives at byte i/8, bit position 7-(i%8) within that byte (MSB
// first), matching the BitTorrent wire bitfield/have convention.
package bitfield

import "github.com/willf/bitset"

// Map is a fixed-length bit vector.
type Map struct {
	bits   *bitset.BitSet
	length int
}

// New returns a Map of the given length with every bit clear.
func New(length int) *Map {
	if length < 0 {
		length = 0
	}
	return &Map{bits: bitset.New(uint(length)), length: length}
}

// FromBytes decodes a wire-format (MSB-first) bitfield of the given bit
// length from data.
func FromBytes(data []byte, length int) *Map {
	m := New(length)
	for i := 0; i < length; i++ {
		byteIdx := i / 8
		if byteIdx >= len(data) {
			break
		}
		bitIdx := 7 - uint(i%8)
		if data[byteIdx]&(1<<bitIdx) != 0 {
			m.Set(i)
		}
	}
	return m
}

// Len returns the number of addressable bits.
func (m *Map) Len() int {
	return m.length
}

// Set marks bit i present. Out-of-range indexes are ignored.
func (m *Map) Set(i int) {
	if i < 0 || i >= m.length {
		return
	}
	m.bits.Set(uint(i))
}

// Clear marks bit i absent.
func (m *Map) Clear(i int) {
	if i < 0 || i >= m.length {
		return
	}
	m.bits.Clear(uint(i))
}

// Test reports whether bit i is set. Out-of-range indexes report false.
func (m *Map) Test(i int) bool {
	if i < 0 || i >= m.length {
		return false
	}
	return m.bits.Test(uint(i))
}

// Count returns the number of set bits.
func (m *Map) Count() int {
	return int(m.bits.Count())
}

// All reports whether every bit in [0, Len) is set. A zero-length map is
// vacuously all-set.
func (m *Map) All() bool {
	if m.length == 0 {
		return true
	}
	return int(m.bits.Count()) == m.length
}

// Clone returns an independent copy.
func (m *Map) Clone() *Map {
	c := New(m.length)
	for i := 0; i < m.length; i++ {
		if m.Test(i) {
			c.Set(i)
		}
	}
	return c
}

// Bytes packs the map into MSB-first wire format, the shape sent in a
// BITFIELD peer-wire message.
func (m *Map) Bytes() []byte {
	out := make([]byte, (m.length+7)/8)
	for i := 0; i < m.length; i++ {
		if !m.Test(i) {
			continue
		}
		byteIdx := i / 8
		bitIdx := 7 - uint(i%8)
		out[byteIdx] |= 1 << bitIdx
	}
	return out
}

// FirstUnset returns the lowest-index clear bit at or after from, and true
// if one exists.
func (m *Map) FirstUnset(from int) (int, bool) {
	for i := from; i < m.length; i++ {
		if !m.Test(i) {
			return i, true
		}
	}
	return 0, false
}

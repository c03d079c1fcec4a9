// Copyright 2020 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap provides the frame allocation bitmap used by the memory
// file.
package bitmap

import (
	"math/bits"
)

// Bitmap is a fixed-size set of bits. A set bit marks an allocated frame.
//
// Bitmap is not synchronized.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of usable bits.
	size uint32

	// bitBlock holds the bits, 64 entries per word.
	bitBlock []uint64
}

// New creates a new empty Bitmap with size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of usable bits.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// Count returns the number of ones.
func (b *Bitmap) Count() uint32 {
	return b.numOnes
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Contains returns whether bit i is set. Out of range bits are never set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(1<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	m := uint64(1) << (i % 64)
	if b.bitBlock[i/64]&m == 0 {
		b.bitBlock[i/64] |= m
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	m := uint64(1) << (i % 64)
	if b.bitBlock[i/64]&m != 0 {
		b.bitBlock[i/64] &^= m
		b.numOnes--
	}
}

// FirstZero returns the first unset bit in [start, Size()).
func (b *Bitmap) FirstZero(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i := int(start / 64)
	w := b.bitBlock[i] | (uint64(1)<<(start%64) - 1)
	for {
		if w != ^uint64(0) {
			bit := uint32(i*64 + bits.TrailingZeros64(^w))
			return bit, bit < b.size
		}
		i++
		if i == len(b.bitBlock) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FirstOne returns the first set bit in [start, Size()).
func (b *Bitmap) FirstOne(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i := int(start / 64)
	w := b.bitBlock[i] &^ (uint64(1)<<(start%64) - 1)
	for {
		if w != 0 {
			return uint32(i*64 + bits.TrailingZeros64(w)), true
		}
		i++
		if i == len(b.bitBlock) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// AllocRange finds the first run of n unset bits, sets them, and returns the
// first bit of the run.
func (b *Bitmap) AllocRange(n uint32) (uint32, bool) {
	if n == 0 || n > b.size-b.numOnes {
		return 0, false
	}
	start := uint32(0)
	for {
		first, ok := b.FirstZero(start)
		if !ok || first+n > b.size {
			return 0, false
		}
		end := first + n
		if one, ok := b.FirstOne(first); ok && one < end {
			start = one + 1
			continue
		}
		for i := first; i < end; i++ {
			b.Add(i)
		}
		return first, true
	}
}

// RemoveRange clears bits [first, first+n).
func (b *Bitmap) RemoveRange(first, n uint32) {
	for i := first; i < first+n; i++ {
		b.Remove(i)
	}
}

// ForEach calls f for every set bit, in order.
func (b *Bitmap) ForEach(f func(i uint32)) {
	for i, w := range b.bitBlock {
		for w != 0 {
			t := bits.TrailingZeros64(w)
			f(uint32(i*64 + t))
			w &= w - 1
		}
	}
}

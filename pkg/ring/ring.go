// Copyright 2024 The gVisor Authors.
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

// Package ring implements the single-producer, single-consumer byte rings
// that carry socket traffic through shared memory.
//
// A ring is described by a descriptor holding the window's offset and length
// within its region plus two unbounded cursors: write, advanced only by the
// producer, and read, advanced only by the consumer. Cursors are reduced
// modulo the length only when memory is accessed, so an empty ring (write ==
// read) and a full one (write - read == length) are never confused.
//
// The producer copies bytes into the window before it atomically stores the
// new write cursor; the consumer atomically loads the write cursor before it
// copies bytes out. The peer may be hostile, so the cursors it owns are
// checked on every access and the window geometry is checked once, at Attach.
package ring

import (
	"errors"
	"math"

	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/memfile"
)

var (
	// ErrNoSpace is returned when a put does not fit in the free space.
	ErrNoSpace = errors.New("ring: not enough free space")

	// ErrEmpty is returned when there is nothing to get.
	ErrEmpty = errors.New("ring: empty")

	// ErrShortBuffer is returned by GetFrame when the next frame does not
	// fit the caller's buffer. The frame stays queued.
	ErrShortBuffer = errors.New("ring: buffer too small for frame")

	// ErrTooLarge is returned when a frame could never fit in the ring.
	ErrTooLarge = errors.New("ring: frame larger than ring")

	// ErrCorrupt is returned when the shared descriptor or cursors are
	// inconsistent.
	ErrCorrupt = errors.New("ring: corrupt descriptor")
)

// Buffer is one side's view of a ring.
//
// A Buffer may be used concurrently by one producer and one consumer.
type Buffer struct {
	// desc is the descriptor in the control page.
	desc []byte

	// window is the ring's memory, validated once.
	window []byte

	// offset is the window's offset within the region, as validated.
	offset uint32
}

// Init lays out a ring over region[offset:offset+length] and writes its
// descriptor with zeroed cursors. It is called by the side that creates the
// region, before the region is shared.
func Init(desc, region []byte, offset, length uint32) (*Buffer, error) {
	if len(desc) < abi.RingDescBytes {
		return nil, ErrCorrupt
	}
	abi.ByteOrder.PutUint32(desc[abi.RingDescWindowOffset:], offset)
	abi.ByteOrder.PutUint32(desc[abi.RingDescWindowLength:], length)
	memfile.StoreUint64(desc, abi.RingDescWrite, 0)
	memfile.StoreUint64(desc, abi.RingDescRead, 0)
	return Attach(desc, region)
}

// Attach validates the descriptor in desc against region and returns a view
// of the ring. The window geometry is read exactly once.
func Attach(desc, region []byte) (*Buffer, error) {
	if len(desc) < abi.RingDescBytes {
		return nil, ErrCorrupt
	}
	offset := uint64(abi.ByteOrder.Uint32(desc[abi.RingDescWindowOffset:]))
	length := uint64(abi.ByteOrder.Uint32(desc[abi.RingDescWindowLength:]))
	if length == 0 || length > math.MaxInt32 || offset%abi.RingWindowAlign != 0 || offset+length > uint64(len(region)) {
		return nil, ErrCorrupt
	}
	return &Buffer{
		desc:   desc[:abi.RingDescBytes:abi.RingDescBytes],
		window: region[offset : offset+length : offset+length],
		offset: uint32(offset),
	}, nil
}

// Offset returns the window's offset within the region as validated by
// Attach. Later changes to the descriptor do not affect it.
func (b *Buffer) Offset() uint32 {
	return b.offset
}

// Capacity returns the size of the window.
func (b *Buffer) Capacity() int {
	return len(b.window)
}

func (b *Buffer) loadWrite() uint64 {
	return memfile.LoadUint64(b.desc, abi.RingDescWrite)
}

func (b *Buffer) loadRead() uint64 {
	return memfile.LoadUint64(b.desc, abi.RingDescRead)
}

// used returns the cursors and the number of queued bytes.
func (b *Buffer) used() (w, r, n uint64, err error) {
	w, r = b.loadWrite(), b.loadRead()
	n = w - r
	if n > uint64(len(b.window)) {
		return w, r, 0, ErrCorrupt
	}
	return w, r, n, nil
}

// AvailableToRead returns the number of queued bytes. A corrupt ring reports
// zero.
func (b *Buffer) AvailableToRead() int {
	_, _, n, err := b.used()
	if err != nil {
		return 0
	}
	return int(n)
}

// AvailableToWrite returns the free space. A corrupt ring reports zero.
func (b *Buffer) AvailableToWrite() int {
	_, _, n, err := b.used()
	if err != nil {
		return 0
	}
	return len(b.window) - int(n)
}

// Check reports whether the cursors are consistent.
func (b *Buffer) Check() error {
	_, _, _, err := b.used()
	return err
}

// copyIn copies src into the window starting at cursor pos, wrapping around
// the end of the window.
func (b *Buffer) copyIn(pos uint64, src []byte) {
	off := pos % uint64(len(b.window))
	n := copy(b.window[off:], src)
	copy(b.window, src[n:])
}

// copyOut copies len(dst) bytes from the window starting at cursor pos.
func (b *Buffer) copyOut(dst []byte, pos uint64) {
	off := pos % uint64(len(b.window))
	n := copy(dst, b.window[off:])
	copy(dst[n:], b.window)
}

// Put appends all of src or nothing.
func (b *Buffer) Put(src []byte) error {
	w, _, n, err := b.used()
	if err != nil {
		return err
	}
	if uint64(len(src)) > uint64(len(b.window))-n {
		return ErrNoSpace
	}
	b.copyIn(w, src)
	memfile.StoreUint64(b.desc, abi.RingDescWrite, w+uint64(len(src)))
	return nil
}

// Write appends as much of src as fits and returns the number of bytes
// written. It returns ErrNoSpace only when nothing fits.
func (b *Buffer) Write(src []byte) (int, error) {
	w, _, n, err := b.used()
	if err != nil {
		return 0, err
	}
	free := uint64(len(b.window)) - n
	if free == 0 && len(src) > 0 {
		return 0, ErrNoSpace
	}
	if uint64(len(src)) > free {
		src = src[:free]
	}
	b.copyIn(w, src)
	memfile.StoreUint64(b.desc, abi.RingDescWrite, w+uint64(len(src)))
	return len(src), nil
}

// Get removes up to len(dst) bytes.
func (b *Buffer) Get(dst []byte) (int, error) {
	_, r, n, err := b.used()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrEmpty
	}
	if uint64(len(dst)) > n {
		dst = dst[:n]
	}
	b.copyOut(dst, r)
	memfile.StoreUint64(b.desc, abi.RingDescRead, r+uint64(len(dst)))
	return len(dst), nil
}

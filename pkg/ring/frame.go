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

package ring

import (
	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/memfile"
)

// A frame is a little-endian uint32 payload length followed by the payload.
// Frames are published with a single cursor store, so a consumer never sees
// half a frame from a well-behaved producer.

// MaxFrame returns the largest payload a single frame can carry.
func (b *Buffer) MaxFrame() int {
	return len(b.window) - abi.FrameHeaderBytes
}

// PutFrame appends p as one frame, all or nothing.
func (b *Buffer) PutFrame(p []byte) error {
	if len(p) > b.MaxFrame() {
		return ErrTooLarge
	}
	w, _, n, err := b.used()
	if err != nil {
		return err
	}
	if uint64(abi.FrameHeaderBytes+len(p)) > uint64(len(b.window))-n {
		return ErrNoSpace
	}
	var hdr [abi.FrameHeaderBytes]byte
	abi.ByteOrder.PutUint32(hdr[:], uint32(len(p)))
	b.copyIn(w, hdr[:])
	b.copyIn(w+abi.FrameHeaderBytes, p)
	memfile.StoreUint64(b.desc, abi.RingDescWrite, w+uint64(abi.FrameHeaderBytes+len(p)))
	return nil
}

// peekFrame returns the read cursor and the payload length of the next frame.
func (b *Buffer) peekFrame() (uint64, int, error) {
	_, r, n, err := b.used()
	if err != nil {
		return 0, 0, err
	}
	if n == 0 {
		return 0, 0, ErrEmpty
	}
	if n < abi.FrameHeaderBytes {
		return 0, 0, ErrCorrupt
	}
	var hdr [abi.FrameHeaderBytes]byte
	b.copyOut(hdr[:], r)
	size := uint64(abi.ByteOrder.Uint32(hdr[:]))
	if size+abi.FrameHeaderBytes > n {
		return 0, 0, ErrCorrupt
	}
	return r, int(size), nil
}

// PeekFrame returns the payload length of the next frame without consuming
// it.
func (b *Buffer) PeekFrame() (int, error) {
	_, size, err := b.peekFrame()
	return size, err
}

// GetFrame consumes the next frame into dst and returns its length. If dst is
// too small, GetFrame returns ErrShortBuffer and leaves the frame queued.
func (b *Buffer) GetFrame(dst []byte) (int, error) {
	r, size, err := b.peekFrame()
	if err != nil {
		return 0, err
	}
	if size > len(dst) {
		return size, ErrShortBuffer
	}
	b.copyOut(dst[:size], r+abi.FrameHeaderBytes)
	memfile.StoreUint64(b.desc, abi.RingDescRead, r+uint64(abi.FrameHeaderBytes+size))
	return size, nil
}

// GetFrameTruncate consumes the next frame, copying as much of it as fits in
// dst. It returns the number of bytes copied and the frame's full length.
func (b *Buffer) GetFrameTruncate(dst []byte) (int, int, error) {
	r, size, err := b.peekFrame()
	if err != nil {
		return 0, 0, err
	}
	n := min(size, len(dst))
	b.copyOut(dst[:n], r+abi.FrameHeaderBytes)
	memfile.StoreUint64(b.desc, abi.RingDescRead, r+uint64(abi.FrameHeaderBytes+size))
	return n, size, nil
}

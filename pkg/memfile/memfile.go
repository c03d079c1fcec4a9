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

// Package memfile provides the "physical" memory that backs inter-world
// channels.
//
// A File is a fixed number of PageSize frames. Frame i has the physical
// address PhysBase + i*PageSize; that address, not a host pointer, is what
// crosses the trust boundary. On Linux the frames live in a memfd so that an
// out-of-process monitor can map the same memory.
package memfile

import (
	"fmt"
	"sync"

	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/bitmap"
	"gvisor.dev/iwsock/pkg/syserr"
)

// Range is a run of contiguous frames.
type Range struct {
	// First is the index of the first frame.
	First uint32

	// Count is the number of frames.
	Count uint32
}

// Len returns the length of r in bytes.
func (r Range) Len() int {
	return int(r.Count) * abi.PageSize
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("frames [%d, %d)", r.First, r.First+r.Count)
}

// File is the memory file. It is safe for concurrent use.
type File struct {
	// data is the mapping of the whole file. It is immutable.
	data []byte

	// physBase is the physical address of frame 0. It is immutable.
	physBase uint64

	// fd is the memfd, or -1 when the file is process-private.
	fd int

	mu sync.Mutex

	// frames marks allocated frames. Protected by mu.
	frames bitmap.Bitmap
}

// New creates a memory file of pages frames whose first frame sits at
// physBase. physBase must be page aligned.
func New(name string, pages uint32, physBase uint64) (*File, error) {
	if pages == 0 || physBase&abi.PageMask != 0 {
		return nil, syserr.ErrInvalidArgument
	}
	if physBase>>abi.PageShift+uint64(pages) > 1<<32 {
		// Frame numbers travel through 32-bit call registers.
		return nil, syserr.Wrap(syserr.ErrResourceExhausted, "frames past %#x do not fit 32 bits", physBase)
	}
	data, fd, err := mapFile(name, int(pages)*abi.PageSize)
	if err != nil {
		return nil, err
	}
	return &File{
		data:     data,
		physBase: physBase,
		fd:       fd,
		frames:   bitmap.New(pages),
	}, nil
}

// Close unmaps the file. No slice obtained from f may be used afterwards.
func (f *File) Close() error {
	return unmapFile(f.data, f.fd)
}

// FD returns the memfd backing f, or -1.
func (f *File) FD() int {
	return f.fd
}

// Pages returns the number of frames in f.
func (f *File) Pages() uint32 {
	return f.frames.Size()
}

// PhysBase returns the physical address of frame 0.
func (f *File) PhysBase() uint64 {
	return f.physBase
}

// Allocated returns the number of allocated frames.
func (f *File) Allocated() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames.Count()
}

// Allocate allocates n contiguous zeroed frames.
func (f *File) Allocate(n uint32) (Range, error) {
	if n == 0 {
		return Range{}, syserr.ErrInvalidArgument
	}
	f.mu.Lock()
	first, ok := f.frames.AllocRange(n)
	f.mu.Unlock()
	if !ok {
		return Range{}, syserr.ErrResourceExhausted
	}
	r := Range{First: first, Count: n}
	clear(f.Slice(r))
	return r, nil
}

// Free returns r to the allocator.
func (f *File) Free(r Range) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := r.First; i < r.First+r.Count; i++ {
		if !f.frames.Contains(i) {
			panic(fmt.Sprintf("freeing unallocated frame %d in %v", i, r))
		}
	}
	f.frames.RemoveRange(r.First, r.Count)
}

// IsAllocated returns whether frame is allocated.
func (f *File) IsAllocated(frame uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames.Contains(frame)
}

// Slice returns the bytes of r. The slice aliases shared memory.
func (f *File) Slice(r Range) []byte {
	off := int(r.First) * abi.PageSize
	return f.data[off : off+r.Len() : off+r.Len()]
}

// PhysAddr returns the physical address of frame.
func (f *File) PhysAddr(frame uint32) uint64 {
	return f.physBase + uint64(frame)<<abi.PageShift
}

// PFN returns the page frame number of frame.
func (f *File) PFN(frame uint32) uint32 {
	return uint32(f.PhysAddr(frame) >> abi.PageShift)
}

// FrameOf translates a physical address back to a frame index. It fails for
// addresses outside f or not page aligned.
func (f *File) FrameOf(addr uint64) (uint32, bool) {
	if addr&abi.PageMask != 0 || addr < f.physBase {
		return 0, false
	}
	frame := (addr - f.physBase) >> abi.PageShift
	if frame >= uint64(f.Pages()) {
		return 0, false
	}
	return uint32(frame), true
}

// FrameOfPFN translates a page frame number to a frame index.
func (f *File) FrameOfPFN(pfn uint32) (uint32, bool) {
	return f.FrameOf(uint64(pfn) << abi.PageShift)
}

// PhysAddrs returns the physical address of every frame in r.
func (f *File) PhysAddrs(r Range) []uint64 {
	addrs := make([]uint64, r.Count)
	for i := range addrs {
		addrs[i] = f.PhysAddr(r.First + uint32(i))
	}
	return addrs
}

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

package iwsock

import (
	"sync"

	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/cleanup"
	"gvisor.dev/iwsock/pkg/iwio"
	"gvisor.dev/iwsock/pkg/memfile"
	"gvisor.dev/iwsock/pkg/refs"
	"gvisor.dev/iwsock/pkg/ring"
	"gvisor.dev/iwsock/pkg/syserr"
	"gvisor.dev/iwsock/pkg/waiter"
)

// rings is one side's view of a region's rings, indexed by abi.Ring*.
type rings [abi.NumRings]*ring.Buffer

// region is the shared memory of one connection.
//
// A region holds one reference per socket attached to it and one per pending
// connection request naming it. When the last one is dropped, the channel goes
// back to the manager and the pages to the memory file.
type region struct {
	refs refs.Refs

	reg    *Registry
	ch     *iwio.Channel
	frames memfile.Range

	// mem is the region's memory, starting with the control page.
	mem []byte

	mu sync.Mutex

	// queues are the wait queues of the sockets attached to each side.
	// Protected by mu.
	queues [2]*waiter.Queue
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// newRegion allocates a region whose rings have the given sizes, lays them out
// and publishes the region's pages through a fresh channel. It returns the
// creating side's view of the rings.
func newRegion(reg *Registry, sizes [abi.NumRings]uint32, maxMsgSize uint32) (*region, rings, error) {
	var offsets [abi.NumRings]uint32
	end := uint64(abi.ControlPageBytes)
	for i, size := range sizes {
		offsets[i] = uint32(end)
		end = uint64(alignUp(uint32(end)+size, abi.RingWindowAlign))
	}
	pages := (end + abi.PageSize - 1) / abi.PageSize
	if pages > abi.MaxPageCount {
		return nil, rings{}, syserr.Wrap(syserr.ErrResourceExhausted, "region of %d pages", pages)
	}

	frames, err := reg.mem.Allocate(uint32(pages))
	if err != nil {
		return nil, rings{}, err
	}
	cu := cleanup.Make(func() { reg.mem.Free(frames) })
	defer cu.Clean()

	ch, err := reg.mgr.Get()
	if err != nil {
		return nil, rings{}, err
	}
	cu.Add(func() { reg.mgr.Put(ch) })

	if err := ch.Reserve(reg.mem.PhysAddrs(frames), 0, uint32(pages)); err != nil {
		return nil, rings{}, err
	}

	r := &region{
		reg:    reg,
		ch:     ch,
		frames: frames,
		mem:    reg.mem.Slice(frames),
	}
	var rs rings
	for i := range rs {
		if rs[i], err = ring.Init(r.desc(i), r.mem, offsets[i], sizes[i]); err != nil {
			return nil, rings{}, syserr.Wrap(syserr.ErrInvalidArgument, "ring %d: %v", i, err)
		}
	}
	memfile.StoreUint32(r.mem, abi.MaxMsgSizeOffset, maxMsgSize)
	memfile.StoreUint32(r.mem, abi.StateOffset+4*int(abi.SideConnect), abi.ConnNew)
	memfile.StoreUint32(r.mem, abi.StateOffset+4*int(abi.SideAccept), abi.ConnNew)
	// Everything up to the last window is now laid out.
	ch.SetWriteOffset(uint32(end))

	r.refs.InitRefs("iwsock.region")
	regionPages.IncrementBy(pages)
	cu.Release()
	return r, rs, nil
}

// desc returns the descriptor of ring i.
func (r *region) desc(i int) []byte {
	off := abi.RingDescOffset(i)
	return r.mem[off : off+abi.RingDescBytes]
}

// attachRings validates the rings laid out by the peer and returns the
// accepting side's view of them.
func (r *region) attachRings() (rings, error) {
	var rs rings
	for i := range rs {
		b, err := ring.Attach(r.desc(i), r.mem)
		if err != nil {
			return rings{}, err
		}
		if b.Offset() < abi.ControlPageBytes {
			return rings{}, ring.ErrCorrupt
		}
		for j := 0; j < i; j++ {
			lo, hi := rs[j].Offset(), rs[j].Offset()+uint32(rs[j].Capacity())
			if b.Offset() < hi && lo < b.Offset()+uint32(b.Capacity()) {
				return rings{}, ring.ErrCorrupt
			}
		}
		rs[i] = b
	}
	return rs, nil
}

// maxMsgSize returns the message size limit chosen by the connecting side.
func (r *region) maxMsgSize() uint32 {
	return memfile.LoadUint32(r.mem, abi.MaxMsgSizeOffset)
}

// state returns the connection-state field of side.
func (r *region) state(side abi.Side) uint32 {
	return memfile.LoadUint32(r.mem, abi.StateOffset+4*int(side))
}

// setState writes the connection-state field of side. Each side only ever
// writes its own field.
func (r *region) setState(side abi.Side, v uint32) {
	memfile.StoreUint32(r.mem, abi.StateOffset+4*int(side), v)
}

// attach makes q the queue notified on behalf of side.
func (r *region) attach(side abi.Side, q *waiter.Queue) {
	r.mu.Lock()
	r.queues[side] = q
	r.mu.Unlock()
}

// detach undoes attach.
func (r *region) detach(side abi.Side) {
	r.mu.Lock()
	r.queues[side] = nil
	r.mu.Unlock()
}

// notify wakes the socket attached to side, if any.
func (r *region) notify(side abi.Side, mask waiter.EventMask) {
	r.mu.Lock()
	q := r.queues[side]
	r.mu.Unlock()
	if q != nil {
		q.Notify(mask)
	}
}

// refuse rejects a pending connection request and drops its reference.
func (r *region) refuse() {
	r.setState(abi.SideAccept, abi.ConnClosed)
	r.notify(abi.SideConnect, waiter.EventState|waiter.EventHUp)
	r.DecRef()
}

// IncRef takes a reference on r.
func (r *region) IncRef() {
	r.refs.IncRef()
}

// DecRef drops a reference on r, freeing it with the last one.
func (r *region) DecRef() {
	r.refs.DecRef(func() {
		r.reg.mgr.Put(r.ch)
		r.reg.mem.Free(r.frames)
		regionPages.DecrementBy(uint64(r.frames.Count))
	})
}

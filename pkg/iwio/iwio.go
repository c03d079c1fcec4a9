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

// Package iwio implements the physical channel manager.
//
// A Channel is one metadata page in the memory file: a write offset, a page
// count and a table of physical page addresses. The secure side learns about
// a channel only by page frame number and re-reads the page after every
// publish, so every mutation is applied to the local copy, written to the
// page and then published, all under the manager lock.
package iwio

import (
	"fmt"
	"sync"

	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/log"
	"gvisor.dev/iwsock/pkg/memfile"
	"gvisor.dev/iwsock/pkg/metric"
	"gvisor.dev/iwsock/pkg/smc"
	"gvisor.dev/iwsock/pkg/syserr"
)

var (
	publishes = metric.MustCreateNewUint64Metric("/iwio/publishes", "Number of channel metadata publishes.",
		metric.NewField("result", "ok", "error"))
	channelsInUse = metric.MustCreateNewUint64Gauge("/iwio/channels_in_use", "Number of channels handed out by managers.")
)

// Manager owns the subsystem-wide metadata lock and a pool of channels.
type Manager struct {
	mem  *memfile.File
	gate smc.Gate

	// mu serializes every metadata mutation of every channel of this
	// manager. It is never held while a socket lock is acquired.
	mu sync.Mutex

	// root is the channel set up by Init. Protected by mu.
	root *Channel

	// free holds released channels ready for reuse. Protected by mu.
	free []*Channel

	// all holds every channel ever created. Protected by mu.
	all []*Channel
}

// NewManager returns a manager allocating metadata pages from mem and
// publishing through gate.
func NewManager(mem *memfile.File, gate smc.Gate) *Manager {
	return &Manager{mem: mem, gate: gate}
}

// Mem returns the memory file backing m.
func (m *Manager) Mem() *memfile.File {
	return m.mem
}

// newChannelLocked allocates a metadata page for a new channel.
//
// Preconditions: m.mu is locked.
func (m *Manager) newChannelLocked() (*Channel, error) {
	r, err := m.mem.Allocate(1)
	if err != nil {
		return nil, err
	}
	ch := &Channel{
		m:     m,
		frame: r.First,
		page:  m.mem.Slice(r),
	}
	m.all = append(m.all, ch)
	return ch, nil
}

// Init creates the root channel with pages as its persistent pages.
func (m *Manager) Init(pages []uint64) (*Channel, error) {
	m.mu.Lock()
	if m.root != nil {
		m.mu.Unlock()
		return nil, syserr.ErrInvalidEndpointState
	}
	ch, err := m.newChannelLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ch.Init(pages); err != nil {
		m.mu.Lock()
		m.all = m.all[:len(m.all)-1]
		m.mu.Unlock()
		m.mem.Free(memfile.Range{First: ch.frame, Count: 1})
		return nil, err
	}
	m.mu.Lock()
	m.root = ch
	m.mu.Unlock()
	return ch, nil
}

// InitSecure hands ch over to the secure side.
func (m *Manager) InitSecure(ch *Channel) error {
	return ch.InitSecure()
}

// Root returns the channel created by Init, or nil.
func (m *Manager) Root() *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// Get returns an acquired channel, reusing a released one when possible.
func (m *Manager) Get() (*Channel, error) {
	m.mu.Lock()
	var ch *Channel
	if n := len(m.free); n > 0 {
		ch = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		var err error
		if ch, err = m.newChannelLocked(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	m.mu.Unlock()

	if err := ch.Acquire(); err != nil {
		m.mu.Lock()
		m.free = append(m.free, ch)
		m.mu.Unlock()
		return nil, err
	}
	channelsInUse.Increment()
	return ch, nil
}

// Put releases ch and returns it to the pool. Put never fails: a channel
// whose release cannot be published is retired instead of reused.
func (m *Manager) Put(ch *Channel) {
	channelsInUse.Decrement()
	if err := ch.Release(); err != nil {
		log.Warningf("iwio: retiring channel at frame %d: %v", ch.frame, err)
		return
	}
	m.mu.Lock()
	m.free = append(m.free, ch)
	m.mu.Unlock()
}

// Channels returns the number of channels created by m and the number
// currently pooled.
func (m *Manager) Channels() (total, pooled int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.all), len(m.free)
}

// Destroy tells the secure side to forget every channel and frees the
// metadata pages. No channel of m may be used afterwards.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, ch := range m.all {
		if ch.published {
			if _, err := m.gate.Call(abi.FnChannelDestroy, ch.PFN()); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("destroying channel at frame %d: %w", ch.frame, err)
			}
		}
		m.mem.Free(memfile.Range{First: ch.frame, Count: 1})
	}
	m.all, m.free, m.root = nil, nil, nil
	return firstErr
}

// Channel is one channel metadata slot.
type Channel struct {
	m *Manager

	// frame is the metadata page's frame and page its bytes. Both are
	// immutable.
	frame uint32
	page  []byte

	// The fields below are protected by m.mu.

	// md is the local copy of the metadata page.
	md abi.Metadata

	// persistent is the number of table entries fixed by Init.
	persistent uint32

	// dynamic is the number of entries past persistent added by Reserve.
	dynamic uint32

	initialized bool
	published   bool
}

// Frame returns the frame index of the metadata page.
func (c *Channel) Frame() uint32 {
	return c.frame
}

// PFN returns the page frame number of the metadata page.
func (c *Channel) PFN() uint32 {
	return c.m.mem.PFN(c.frame)
}

// Persistent returns the number of persistent pages.
func (c *Channel) Persistent() uint32 {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.persistent
}

// Metadata returns a copy of the local metadata. The write offset is read
// from the shared page.
func (c *Channel) Metadata() abi.Metadata {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	md := c.md
	md.WriteOffset = c.WriteOffset()
	return md
}

// checkPages validates a set of page addresses.
func checkPages(pages []uint64) error {
	for _, a := range pages {
		if a == 0 || a&abi.PageMask != 0 {
			return syserr.Wrap(syserr.ErrInvalidArgument, "bad page address %#x", a)
		}
	}
	return nil
}

// flushLocked writes the table and then the page count to the page. The
// write offset is only ever touched by the atomic accessors.
//
// Preconditions: c.m.mu is locked.
func (c *Channel) flushLocked() {
	var tmp [abi.PageSize]byte
	c.md.MarshalBytes(tmp[:])
	copy(c.page[abi.MetadataHeaderBytes:], tmp[abi.MetadataHeaderBytes:])
	memfile.StoreUint32(c.page, 4, c.md.PageCount)
}

// publishLocked flushes md and publishes it. On failure the previous state is
// restored.
//
// Preconditions: c.m.mu is locked.
func (c *Channel) publishLocked(prev abi.Metadata) error {
	c.flushLocked()
	if _, err := c.m.gate.Call(abi.FnChannelPublish, c.PFN()); err != nil {
		publishes.Increment("error")
		c.md = prev
		c.flushLocked()
		return err
	}
	publishes.Increment("ok")
	c.published = true
	return nil
}

// Init records pages as the persistent entries of the channel and sets the
// page count to len(pages).
func (c *Channel) Init(pages []uint64) error {
	if uint64(len(pages)) > abi.MaxPageCount || uint64(len(pages)) > abi.MaxCallPageCount {
		return syserr.Wrap(syserr.ErrResourceExhausted, "%d pages exceed channel limit %d", len(pages), abi.MaxPageCount)
	}
	if err := checkPages(pages); err != nil {
		return err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.initialized {
		return syserr.ErrInvalidEndpointState
	}
	c.md = abi.Metadata{PageCount: uint32(len(pages))}
	copy(c.md.PageAddress[:], pages)
	c.flushLocked()
	c.SetWriteOffset(0)
	c.persistent = uint32(len(pages))
	c.dynamic = 0
	c.initialized = true
	return nil
}

// InitSecure performs the one-time hand-off of the channel to the secure side.
func (c *Channel) InitSecure() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if !c.initialized {
		return syserr.ErrInvalidEndpointState
	}
	if _, err := c.m.gate.Call(abi.FnChannelInit, c.PFN()); err != nil {
		return fmt.Errorf("channel init at pfn %#x: %w", c.PFN(), err)
	}
	c.published = true
	log.Infof("iwio: channel at pfn %#x handed to secure side with %d persistent pages", c.PFN(), c.persistent)
	return nil
}

// Acquire resets the write offset and page count for a new logical channel.
func (c *Channel) Acquire() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	prev := c.md
	c.md.PageCount = 0
	c.dynamic = 0
	c.initialized = true
	c.SetWriteOffset(0)
	return c.publishLocked(prev)
}

// Reserve appends pages for the table range [oldCount, newCount). Counts
// include the persistent pages and oldCount must be the current total; pages
// holds every dynamic page, i.e. at least newCount-persistent entries, of
// which the ones past oldCount-persistent are new.
func (c *Channel) Reserve(pages []uint64, oldCount, newCount uint32) error {
	if newCount > abi.MaxPageCount {
		return syserr.Wrap(syserr.ErrResourceExhausted, "%d pages exceed channel limit %d", newCount, abi.MaxPageCount)
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if !c.initialized {
		return syserr.ErrInvalidEndpointState
	}
	if oldCount != c.persistent+c.dynamic || newCount < oldCount || uint32(len(pages)) < newCount-c.persistent {
		return syserr.ErrInvalidArgument
	}
	if err := checkPages(pages[oldCount-c.persistent : newCount-c.persistent]); err != nil {
		return err
	}
	prev, prevDynamic := c.md, c.dynamic
	for i := oldCount; i < newCount; i++ {
		c.md.PageAddress[i] = pages[i-c.persistent]
	}
	c.md.PageCount = newCount - c.persistent
	c.dynamic = c.md.PageCount
	if err := c.publishLocked(prev); err != nil {
		c.dynamic = prevDynamic
		return err
	}
	return nil
}

// Release drops every dynamic page. Persistent entries are untouched.
func (c *Channel) Release() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	prev, prevDynamic := c.md, c.dynamic
	c.md.PageCount = 0
	c.dynamic = 0
	if err := c.publishLocked(prev); err != nil {
		c.dynamic = prevDynamic
		return err
	}
	return nil
}

// PageCount returns the published page count.
func (c *Channel) PageCount() uint32 {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.md.PageCount
}

// WriteOffset returns the write offset from the shared page.
func (c *Channel) WriteOffset() uint32 {
	return memfile.LoadUint32(c.page, 0)
}

// SetWriteOffset stores the write offset. Callers must have made the data it
// covers visible first.
func (c *Channel) SetWriteOffset(v uint32) {
	memfile.StoreUint32(c.page, 0, v)
}

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

// Package smc models the privileged call gate between the host and the secure
// side.
//
// A call carries a function identifier and one 32-bit argument and returns one
// 32-bit result. Nothing wider crosses the gate, which is why channels are
// identified by page frame number rather than physical address.
package smc

import (
	"fmt"
	"sync"

	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/log"
	"gvisor.dev/iwsock/pkg/memfile"
	"gvisor.dev/iwsock/pkg/syserr"
)

// Gate issues privileged calls.
type Gate interface {
	// Call invokes function fn with argument arg.
	Call(fn, arg uint32) (uint32, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(fn, arg uint32) (uint32, error)

// Call implements Gate.Call.
func (f GateFunc) Call(fn, arg uint32) (uint32, error) {
	return f(fn, arg)
}

// Loopback is an in-process secure monitor. It implements the secure side of
// the metadata hand-off only: it maps every page frame number it is given,
// re-reads the metadata page and checks it the way the secure side must, since
// nothing the host writes can be trusted.
type Loopback struct {
	mem *memfile.File

	mu sync.Mutex

	// root is the frame handed over by FnChannelInit, if any.
	root    uint32
	hasRoot bool

	// channels maps metadata frames to their last accepted state.
	channels map[uint32]*channelState

	// calls counts calls per function.
	calls map[uint32]uint64
}

type channelState struct {
	// persistent is the number of leading table entries fixed at
	// FnChannelInit.
	persistent uint32
	md         abi.Metadata

	// seen is set once md holds an accepted record.
	seen bool
}

// NewLoopback returns a Loopback monitor over mem.
func NewLoopback(mem *memfile.File) *Loopback {
	return &Loopback{
		mem:      mem,
		channels: make(map[uint32]*channelState),
		calls:    make(map[uint32]uint64),
	}
}

// Call implements Gate.Call.
func (l *Loopback) Call(fn, arg uint32) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[fn]++

	switch fn {
	case abi.FnChannelInit:
		if l.hasRoot {
			return 0, syserr.ErrInvalidEndpointState
		}
		frame, md, err := l.readMetadata(arg)
		if err != nil {
			return 0, err
		}
		cs := &channelState{persistent: md.PageCount}
		if err := l.validate(cs, &md); err != nil {
			return 0, err
		}
		cs.md, cs.seen = md, true
		l.channels[frame] = cs
		l.root, l.hasRoot = frame, true
		return 0, nil

	case abi.FnChannelPublish:
		frame, md, err := l.readMetadata(arg)
		if err != nil {
			return 0, err
		}
		cs, ok := l.channels[frame]
		if !ok {
			cs = &channelState{}
		}
		if err := l.validate(cs, &md); err != nil {
			return 0, err
		}
		cs.md, cs.seen = md, true
		l.channels[frame] = cs
		return md.PageCount, nil

	case abi.FnChannelDestroy:
		frame, ok := l.mem.FrameOfPFN(arg)
		if !ok {
			return 0, syserr.ErrInvalidArgument
		}
		if _, ok := l.channels[frame]; !ok {
			return 0, syserr.ErrInvalidArgument
		}
		delete(l.channels, frame)
		if l.hasRoot && frame == l.root {
			l.hasRoot = false
		}
		return 0, nil

	default:
		return 0, syserr.ErrNotSupported
	}
}

// readMetadata maps pfn and unmarshals the metadata page it names.
func (l *Loopback) readMetadata(pfn uint32) (uint32, abi.Metadata, error) {
	var md abi.Metadata
	frame, ok := l.mem.FrameOfPFN(pfn)
	if !ok || !l.mem.IsAllocated(frame) {
		return 0, md, syserr.Wrap(syserr.ErrInvalidArgument, "pfn %#x is not channel memory", pfn)
	}
	md.UnmarshalBytes(l.mem.Slice(memfile.Range{First: frame, Count: 1}))
	return frame, md, nil
}

// validate checks md against the channel's persistent prefix. Entries in use
// must name allocated frames; zero entries are unused slots.
func (l *Loopback) validate(cs *channelState, md *abi.Metadata) error {
	if uint64(md.PageCount) > abi.MaxCallPageCount || cs.persistent+md.PageCount > abi.MaxChannelPages {
		log.Warningf("smc: rejecting metadata with page count %d", md.PageCount)
		return syserr.Wrap(syserr.ErrProtocol, "page count %d out of range", md.PageCount)
	}
	for i := uint32(0); i < cs.persistent; i++ {
		if cs.seen && md.PageAddress[i] != cs.md.PageAddress[i] {
			return syserr.Wrap(syserr.ErrProtocol, "persistent entry %d changed", i)
		}
	}
	for i := uint32(0); i < cs.persistent+md.PageCount; i++ {
		addr := md.PageAddress[i]
		if addr == 0 {
			continue
		}
		frame, ok := l.mem.FrameOf(addr)
		if !ok || !l.mem.IsAllocated(frame) {
			return syserr.Wrap(syserr.ErrProtocol, "entry %d names foreign address %#x", i, addr)
		}
	}
	return nil
}

// Root returns the frame handed over by FnChannelInit.
func (l *Loopback) Root() (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.root, l.hasRoot
}

// Snapshot returns the last metadata accepted for the channel whose metadata
// page is frame.
func (l *Loopback) Snapshot(frame uint32) (abi.Metadata, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs, ok := l.channels[frame]
	if !ok {
		return abi.Metadata{}, false
	}
	return cs.md, true
}

// Channels returns the number of channels the monitor knows about.
func (l *Loopback) Channels() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.channels)
}

// Calls returns the number of calls made to fn.
func (l *Loopback) Calls(fn uint32) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[fn]
}

// String implements fmt.Stringer.
func (l *Loopback) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("loopback{channels: %d, root: %d/%t}", len(l.channels), l.root, l.hasRoot)
}

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

package smc

import (
	"errors"
	"testing"

	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/memfile"
	"gvisor.dev/iwsock/pkg/syserr"
)

const testPhysBase = 0x4000_0000

type fixture struct {
	mem  *memfile.File
	gate *Loopback
	md   memfile.Range
	data memfile.Range
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem, err := memfile.New("smc-test", 16, testPhysBase)
	if err != nil {
		t.Fatalf("memfile.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	md, err := mem.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	data, err := mem.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return &fixture{mem: mem, gate: NewLoopback(mem), md: md, data: data}
}

func (f *fixture) write(md *abi.Metadata) {
	md.MarshalBytes(f.mem.Slice(f.md))
}

func TestInitAndPublish(t *testing.T) {
	f := newFixture(t)
	md := abi.Metadata{PageCount: 2}
	copy(md.PageAddress[:], f.mem.PhysAddrs(f.data))
	f.write(&md)

	pfn := f.mem.PFN(f.md.First)
	if _, err := f.gate.Call(abi.FnChannelInit, pfn); err != nil {
		t.Fatalf("FnChannelInit: %v", err)
	}
	if root, ok := f.gate.Root(); !ok || root != f.md.First {
		t.Errorf("Root() = %d, %t; want %d", root, ok, f.md.First)
	}
	if _, err := f.gate.Call(abi.FnChannelInit, pfn); err != syserr.ErrInvalidEndpointState {
		t.Errorf("second FnChannelInit = %v, want ErrInvalidEndpointState", err)
	}

	md.PageCount = 0
	f.write(&md)
	if _, err := f.gate.Call(abi.FnChannelPublish, pfn); err != nil {
		t.Fatalf("FnChannelPublish: %v", err)
	}
	snap, ok := f.gate.Snapshot(f.md.First)
	if !ok || snap.PageCount != 0 || snap.PageAddress[1] != md.PageAddress[1] {
		t.Errorf("Snapshot() = %+v, %t", snap.PageCount, ok)
	}
	if got := f.gate.Calls(abi.FnChannelPublish); got != 1 {
		t.Errorf("Calls(publish) = %d, want 1", got)
	}
}

func TestRejectsForeignAddresses(t *testing.T) {
	f := newFixture(t)
	md := abi.Metadata{PageCount: 1}
	md.PageAddress[0] = 0x1000 // Not channel memory.
	f.write(&md)
	if _, err := f.gate.Call(abi.FnChannelPublish, f.mem.PFN(f.md.First)); !errors.Is(err, syserr.ErrProtocol) {
		t.Fatalf("publish of foreign address = %v, want ErrProtocol", err)
	}

	// A freed frame is no longer channel memory either.
	md.PageAddress[0] = f.mem.PhysAddr(f.data.First)
	f.write(&md)
	f.mem.Free(f.data)
	if _, err := f.gate.Call(abi.FnChannelPublish, f.mem.PFN(f.md.First)); !errors.Is(err, syserr.ErrProtocol) {
		t.Fatalf("publish of freed frame = %v, want ErrProtocol", err)
	}
}

func TestRejectsBadCalls(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gate.Call(abi.FnChannelPublish, 0x10); !errors.Is(err, syserr.ErrInvalidArgument) {
		t.Errorf("publish of unmapped pfn = %v, want ErrInvalidArgument", err)
	}
	if _, err := f.gate.Call(0xdead, 0); err != syserr.ErrNotSupported {
		t.Errorf("unknown function = %v, want ErrNotSupported", err)
	}
	md := abi.Metadata{PageCount: abi.MaxChannelPages + 1}
	f.write(&md)
	if _, err := f.gate.Call(abi.FnChannelPublish, f.mem.PFN(f.md.First)); !errors.Is(err, syserr.ErrProtocol) {
		t.Errorf("oversized page count = %v, want ErrProtocol", err)
	}
}

func TestGateFunc(t *testing.T) {
	var gotFn, gotArg uint32
	g := GateFunc(func(fn, arg uint32) (uint32, error) {
		gotFn, gotArg = fn, arg
		return 7, nil
	})
	if r, err := g.Call(abi.FnChannelDestroy, 3); err != nil || r != 7 || gotFn != abi.FnChannelDestroy || gotArg != 3 {
		t.Errorf("GateFunc.Call = %d, %v (fn %#x arg %d)", r, err, gotFn, gotArg)
	}
}

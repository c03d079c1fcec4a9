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

package iwio

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/memfile"
	"gvisor.dev/iwsock/pkg/smc"
	"gvisor.dev/iwsock/pkg/syserr"
)

type fixture struct {
	mem  *memfile.File
	gate *smc.Loopback
	mgr  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem, err := memfile.New("iwio-test", 64, 0x8000_0000)
	if err != nil {
		t.Fatalf("memfile.New: %v", err)
	}
	gate := smc.NewLoopback(mem)
	f := &fixture{mem: mem, gate: gate, mgr: NewManager(mem, gate)}
	t.Cleanup(func() {
		if err := f.mgr.Destroy(); err != nil {
			t.Errorf("Destroy: %v", err)
		}
		mem.Close()
	})
	return f
}

func (f *fixture) pages(t *testing.T, n uint32) []uint64 {
	t.Helper()
	r, err := f.mem.Allocate(n)
	if err != nil {
		t.Fatalf("Allocate(%d): %v", n, err)
	}
	return f.mem.PhysAddrs(r)
}

func (f *fixture) rootChannel(t *testing.T, persistent []uint64) *Channel {
	t.Helper()
	ch, err := f.mgr.Init(persistent)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := f.mgr.InitSecure(ch); err != nil {
		t.Fatalf("InitSecure: %v", err)
	}
	return ch
}

func TestInitSecureHandsOverFrameNumber(t *testing.T) {
	f := newFixture(t)
	ch := f.rootChannel(t, f.pages(t, 3))

	root, ok := f.gate.Root()
	if !ok || root != ch.Frame() {
		t.Fatalf("secure side root = %d, %t; want frame %d", root, ok, ch.Frame())
	}
	snap, _ := f.gate.Snapshot(ch.Frame())
	if diff := cmp.Diff(ch.Metadata(), snap); diff != "" {
		t.Errorf("secure side view mismatch (-host +secure):\n%s", diff)
	}
	if err := ch.InitSecure(); err == nil {
		t.Errorf("second InitSecure succeeded")
	}
}

func TestReserveReleaseRestoresCount(t *testing.T) {
	f := newFixture(t)
	persistent := f.pages(t, 4)
	ch := f.rootChannel(t, persistent)
	if got := ch.PageCount(); got != 4 {
		t.Fatalf("PageCount() after Init = %d, want 4", got)
	}

	dynamic := f.pages(t, 3)
	if err := ch.Reserve(dynamic[:2], 4, 6); err != nil {
		t.Fatalf("Reserve(4, 6): %v", err)
	}
	if got := ch.PageCount(); got != 2 {
		t.Errorf("PageCount() after Reserve = %d, want 2", got)
	}
	// Growth supplies the whole dynamic allocation plus the delta.
	if err := ch.Reserve(dynamic, 6, 7); err != nil {
		t.Fatalf("Reserve(6, 7): %v", err)
	}
	md := ch.Metadata()
	if diff := cmp.Diff(append(append([]uint64{}, persistent...), dynamic...), md.PageAddress[:7]); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}

	if err := ch.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	md = ch.Metadata()
	if md.PageCount != 0 {
		t.Errorf("PageCount after Release = %d, want 0", md.PageCount)
	}
	if diff := cmp.Diff(persistent, md.PageAddress[:4]); diff != "" {
		t.Errorf("persistent entries changed (-want +got):\n%s", diff)
	}
	snap, _ := f.gate.Snapshot(ch.Frame())
	if snap.PageCount != 0 {
		t.Errorf("secure side still sees %d pages", snap.PageCount)
	}
}

func TestReserveRejectsBadCounts(t *testing.T) {
	f := newFixture(t)
	ch := f.rootChannel(t, f.pages(t, 2))
	dynamic := f.pages(t, 2)

	for _, tc := range []struct {
		name     string
		pages    []uint64
		old, new uint32
	}{
		{"old below persistent", dynamic, 1, 3},
		{"shrinking", dynamic, 2, 1},
		{"old is not the current count", dynamic, 3, 4},
		{"too few pages", dynamic[:1], 2, 4},
		{"unaligned page", []uint64{dynamic[0] + 1}, 2, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := ch.Reserve(tc.pages, tc.old, tc.new); !errors.Is(err, syserr.ErrInvalidArgument) {
				t.Errorf("Reserve = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestOverflowDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ch := f.rootChannel(t, f.pages(t, 2))
	before := append([]byte(nil), f.mem.Slice(memfile.Range{First: ch.Frame(), Count: 1})...)
	publishesBefore := f.gate.Calls(abi.FnChannelPublish)

	big := make([]uint64, abi.MaxPageCount+1)
	for i := range big {
		big[i] = 0x8000_0000
	}
	if err := ch.Reserve(big, 2, abi.MaxPageCount+1); !errors.Is(err, syserr.ErrResourceExhausted) {
		t.Fatalf("Reserve past the limit = %v, want ErrResourceExhausted", err)
	}
	if _, err := f.mgr.Init(big); !errors.Is(err, syserr.ErrInvalidEndpointState) {
		t.Fatalf("second Manager.Init = %v, want ErrInvalidEndpointState", err)
	}
	other, err := f.mgr.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	otherBefore := other.Metadata()
	if err := other.Init(big); !errors.Is(err, syserr.ErrResourceExhausted) {
		t.Fatalf("Init past the limit = %v, want ErrResourceExhausted", err)
	}
	if diff := cmp.Diff(otherBefore, other.Metadata()); diff != "" {
		t.Errorf("rejected Init mutated metadata (-before +after):\n%s", diff)
	}
	f.mgr.Put(other)

	after := f.mem.Slice(memfile.Range{First: ch.Frame(), Count: 1})
	if !bytes.Equal(before, after) {
		t.Errorf("rejected Reserve mutated the metadata page")
	}
	if got := ch.PageCount(); got != 2 {
		t.Errorf("PageCount() = %d, want 2", got)
	}
	if got := f.gate.Calls(abi.FnChannelPublish) - publishesBefore; got != 2 {
		// Only Get and Put of the pooled channel publish.
		t.Errorf("%d publishes, want 2", got)
	}
}

func TestPoolReuseStartsClean(t *testing.T) {
	f := newFixture(t)
	ch, err := f.mgr.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	pages := f.pages(t, 2)
	if err := ch.Reserve(pages, 0, 2); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	ch.SetWriteOffset(1234)
	f.mgr.Put(ch)

	again, err := f.mgr.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again != ch {
		t.Fatalf("Get did not reuse the pooled channel")
	}
	if md := again.Metadata(); md.PageCount != 0 || md.WriteOffset != 0 {
		t.Errorf("reused channel has page count %d, write offset %d; want 0, 0", md.PageCount, md.WriteOffset)
	}
	if total, pooled := f.mgr.Channels(); total != 1 || pooled != 0 {
		t.Errorf("Channels() = %d, %d; want 1, 0", total, pooled)
	}
	f.mgr.Put(again)
}

func TestPublishFailureRollsBack(t *testing.T) {
	mem, err := memfile.New("iwio-fail", 8, 0x8000_0000)
	if err != nil {
		t.Fatalf("memfile.New: %v", err)
	}
	defer mem.Close()
	fail := false
	gate := smc.GateFunc(func(fn, arg uint32) (uint32, error) {
		if fail {
			return 0, syserr.ErrProtocol
		}
		return 0, nil
	})
	mgr := NewManager(mem, gate)
	ch, err := mgr.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	r, err := mem.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	fail = true
	if err := ch.Reserve(mem.PhysAddrs(r), 0, 2); err != syserr.ErrProtocol {
		t.Fatalf("Reserve = %v, want ErrProtocol", err)
	}
	if got := ch.PageCount(); got != 0 {
		t.Errorf("PageCount() after failed publish = %d, want 0", got)
	}
	fail = false
	if err := ch.Reserve(mem.PhysAddrs(r), 0, 2); err != nil {
		t.Errorf("Reserve after recovery: %v", err)
	}
}

func TestWriteOffset(t *testing.T) {
	f := newFixture(t)
	ch := f.rootChannel(t, f.pages(t, 1))
	ch.SetWriteOffset(77)
	if got := ch.WriteOffset(); got != 77 {
		t.Errorf("WriteOffset() = %d, want 77", got)
	}
	// Metadata mutations leave the cursor alone.
	if err := ch.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := ch.Metadata().WriteOffset; got != 77 {
		t.Errorf("WriteOffset after Release = %d, want 77", got)
	}
}

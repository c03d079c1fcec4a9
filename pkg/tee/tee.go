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

// Package tee assembles an inter-world socket transport: the memory file
// shared with the secure side, the privileged call gate, the channel manager
// and the socket registry.
package tee

import (
	"fmt"

	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/cleanup"
	"gvisor.dev/iwsock/pkg/config"
	"gvisor.dev/iwsock/pkg/iwio"
	"gvisor.dev/iwsock/pkg/iwsock"
	"gvisor.dev/iwsock/pkg/log"
	"gvisor.dev/iwsock/pkg/memfile"
	"gvisor.dev/iwsock/pkg/refs"
	"gvisor.dev/iwsock/pkg/smc"
)

// Boot record written at the start of the first persistent page. It tells
// the secure side which protocol the host speaks and how large the shared
// memory is.
const (
	BootMagic       = 0x4b535749 // "IWSK"
	BootVersion     = 1
	BootRecordBytes = 16
)

// BootRecord is the decoded boot record.
type BootRecord struct {
	Magic        uint32 `yaml:"magic"`
	Version      uint32 `yaml:"version"`
	MemoryPages  uint32 `yaml:"memory_pages"`
	MaxPageCount uint32 `yaml:"max_page_count"`
}

// MarshalBytes serializes b into dst.
func (b *BootRecord) MarshalBytes(dst []byte) {
	abi.ByteOrder.PutUint32(dst[0:4], b.Magic)
	abi.ByteOrder.PutUint32(dst[4:8], b.Version)
	abi.ByteOrder.PutUint32(dst[8:12], b.MemoryPages)
	abi.ByteOrder.PutUint32(dst[12:16], b.MaxPageCount)
}

// UnmarshalBytes deserializes b from src.
func (b *BootRecord) UnmarshalBytes(src []byte) {
	b.Magic = abi.ByteOrder.Uint32(src[0:4])
	b.Version = abi.ByteOrder.Uint32(src[4:8])
	b.MemoryPages = abi.ByteOrder.Uint32(src[8:12])
	b.MaxPageCount = abi.ByteOrder.Uint32(src[12:16])
}

// Subsystem is a bootstrapped transport.
type Subsystem struct {
	mem        *memfile.File
	gate       smc.Gate
	mgr        *iwio.Manager
	root       *iwio.Channel
	persistent memfile.Range
	reg        *iwsock.Registry
}

// New bootstraps a transport described by conf. A nil gate selects an
// in-process Loopback monitor over the new memory file.
func New(conf *config.Config, gate smc.Gate) (*Subsystem, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	mem, err := memfile.New("iwsock", conf.Memory.Pages, conf.Memory.PhysBase)
	if err != nil {
		return nil, fmt.Errorf("creating memory file: %w", err)
	}
	cu := cleanup.Make(func() { mem.Close() })
	defer cu.Clean()

	if gate == nil {
		gate = smc.NewLoopback(mem)
	}
	s := &Subsystem{
		mem:  mem,
		gate: gate,
		mgr:  iwio.NewManager(mem, gate),
	}

	var pages []uint64
	if n := conf.Memory.PersistentPages; n > 0 {
		if s.persistent, err = mem.Allocate(n); err != nil {
			return nil, fmt.Errorf("allocating %d persistent pages: %w", n, err)
		}
		pages = mem.PhysAddrs(s.persistent)
	}
	if s.root, err = s.mgr.Init(pages); err != nil {
		return nil, fmt.Errorf("initializing root channel: %w", err)
	}
	cu.Add(func() {
		if err := s.mgr.Destroy(); err != nil {
			log.Warningf("tee: destroying channels: %v", err)
		}
	})
	if len(pages) > 0 {
		rec := BootRecord{
			Magic:        BootMagic,
			Version:      BootVersion,
			MemoryPages:  conf.Memory.Pages,
			MaxPageCount: abi.MaxPageCount,
		}
		rec.MarshalBytes(mem.Slice(s.persistent))
		s.root.SetWriteOffset(BootRecordBytes)
	}
	if err := s.mgr.InitSecure(s.root); err != nil {
		return nil, err
	}

	if s.reg, err = iwsock.NewRegistry(s.mgr, conf.SocketOptions()); err != nil {
		return nil, err
	}
	cu.Release()
	log.Infof("tee: %d pages at %#x, root channel at pfn %#x with %d persistent pages",
		conf.Memory.Pages, conf.Memory.PhysBase, s.root.PFN(), len(pages))
	return s, nil
}

// Registry returns the socket registry.
func (s *Subsystem) Registry() *iwsock.Registry {
	return s.reg
}

// Manager returns the channel manager.
func (s *Subsystem) Manager() *iwio.Manager {
	return s.mgr
}

// Mem returns the shared memory file.
func (s *Subsystem) Mem() *memfile.File {
	return s.mem
}

// Gate returns the privileged call gate.
func (s *Subsystem) Gate() smc.Gate {
	return s.gate
}

// Root returns the bootstrap channel.
func (s *Subsystem) Root() *iwio.Channel {
	return s.root
}

// Destroy releases every socket, reports leaked references, and tears down
// the channels and the memory file. It returns the number of leaked objects.
func (s *Subsystem) Destroy() (int, error) {
	s.reg.Close()
	leaks := refs.DoLeakCheck()
	err := s.mgr.Destroy()
	if s.persistent.Count > 0 {
		s.mem.Free(s.persistent)
	}
	if cerr := s.mem.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return leaks, fmt.Errorf("destroying subsystem: %w", err)
	}
	return leaks, nil
}

// ChannelStatus describes a channel.
type ChannelStatus struct {
	PFN         uint32   `yaml:"pfn"`
	WriteOffset uint32   `yaml:"write_offset"`
	PageCount   uint32   `yaml:"page_count"`
	Persistent  uint32   `yaml:"persistent"`
	Pages       []string `yaml:"pages,omitempty"`
}

// Status describes a subsystem.
type Status struct {
	MemoryPages    uint32        `yaml:"memory_pages"`
	AllocatedPages uint32        `yaml:"allocated_pages"`
	PhysBase       string        `yaml:"phys_base"`
	Root           ChannelStatus `yaml:"root"`
	Boot           *BootRecord   `yaml:"boot,omitempty"`
	Channels       int           `yaml:"channels"`
	PooledChannels int           `yaml:"pooled_channels"`
	Sockets        int           `yaml:"sockets"`
	Listeners      []string      `yaml:"listeners,omitempty"`
}

// Status returns a snapshot of s.
func (s *Subsystem) Status() Status {
	md := s.root.Metadata()
	persistent := s.root.Persistent()
	root := ChannelStatus{
		PFN:         s.root.PFN(),
		WriteOffset: md.WriteOffset,
		PageCount:   md.PageCount,
		Persistent:  persistent,
	}
	for _, a := range md.PageAddress[:persistent] {
		root.Pages = append(root.Pages, fmt.Sprintf("%#x", a))
	}
	total, pooled := s.mgr.Channels()
	st := Status{
		MemoryPages:    s.mem.Pages(),
		AllocatedPages: s.mem.Allocated(),
		PhysBase:       fmt.Sprintf("%#x", s.mem.PhysBase()),
		Root:           root,
		Channels:       total,
		PooledChannels: pooled,
		Sockets:        s.reg.Len(),
		Listeners:      s.reg.Names(),
	}
	if s.persistent.Count > 0 {
		var rec BootRecord
		rec.UnmarshalBytes(s.mem.Slice(s.persistent))
		st.Boot = &rec
	}
	return st
}

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

// Package iwsock contains the definitions shared by both sides of the
// inter-world socket transport: the channel metadata record, the layout of a
// socket region's control page, and the constants that appear in the
// privileged call interface.
//
// Everything in this package describes memory that is visible to the secure
// side. Layouts are packed and little-endian; nothing here may depend on Go
// struct layout.
package iwsock

import (
	"encoding/binary"
	"math"
)

// ByteOrder is the byte order of every shared structure.
var ByteOrder = binary.LittleEndian

// PageSize is the size of a channel page. It is fixed by the protocol and does
// not depend on the host page size.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// MaxNameLength is the size of a listen name including its terminator.
const MaxNameLength = 80

// Connection states stored in the shared connection-state header. Each side
// writes only its own field.
const (
	ConnNew       uint32 = 0
	ConnConnected uint32 = 1
	ConnClosed    uint32 = 2
)

// Side identifies which field of the connection-state header a socket owns.
type Side int

const (
	// SideConnect is the side that called connect. It owns state[0] and
	// produces into RingStream0 and RingOOB.
	SideConnect Side = 0

	// SideAccept is the side created by accept. It owns state[1] and
	// produces into RingStream1.
	SideAccept Side = 1
)

// Peer returns the opposite side.
func (s Side) Peer() Side {
	return s ^ 1
}

// String implements fmt.Stringer.
func (s Side) String() string {
	switch s {
	case SideConnect:
		return "connect"
	case SideAccept:
		return "accept"
	default:
		return "invalid"
	}
}

// Ring indices within a region's control page.
const (
	RingStream0 = iota // connect -> accept
	RingStream1        // accept -> connect
	RingOOB            // connect -> accept, control records

	NumRings
)

// Control page layout.
const (
	StateOffset      = 0x00 // 2 x uint32, indexed by Side
	MaxMsgSizeOffset = 0x08
	FlagsOffset      = 0x0c
	RingDescBase     = 0x40
	RingDescStride   = 0x40

	// ControlPageBytes is the size of the control page. Ring windows start
	// right after it.
	ControlPageBytes = PageSize
)

// RingDescOffset returns the control-page offset of ring i's descriptor.
func RingDescOffset(i int) int {
	return RingDescBase + i*RingDescStride
}

// Ring descriptor layout, relative to RingDescOffset.
const (
	RingDescWindowOffset = 0x00 // uint32
	RingDescWindowLength = 0x04 // uint32
	RingDescWrite        = 0x08 // uint64, written by the producer only
	RingDescRead         = 0x10 // uint64, written by the consumer only

	RingDescBytes = 0x18
)

// RingWindowAlign is the alignment of every ring window within a region.
const RingWindowAlign = 8

// FrameHeaderBytes is the size of the length prefix that frames a message in a
// ring.
const FrameHeaderBytes = 4

// MaxOOBMessageSize bounds a single out-of-band record.
const MaxOOBMessageSize = 64

// Default buffer sizes for a new socket.
const (
	DefaultSendBufferSize = 2 * PageSize
	DefaultRecvBufferSize = 2 * PageSize
	DefaultOOBBufferSize  = 256
)

// Socket option levels and names.
const (
	SolIWSock = 1

	SoMaxMsgSize = 1
)

// MaxMsgSizeLimit bounds SoMaxMsgSize. The value is stored in the 32-bit
// max_msg field of the control page.
const MaxMsgSizeLimit = math.MaxUint32

// MsgFlags are the flags accepted by read, write and connect. Values follow
// their Linux MSG_* counterparts.
type MsgFlags uint32

const (
	MsgOOB      MsgFlags = 0x1
	MsgCtrunc   MsgFlags = 0x8
	MsgTrunc    MsgFlags = 0x20
	MsgDontWait MsgFlags = 0x40
)

// Channel metadata limits.
const (
	// MetadataHeaderBytes is the size of the write_offset and page_count
	// fields that precede the page table.
	MetadataHeaderBytes = 8

	// MaxChannelPages is the number of page table entries that fit in one
	// metadata page.
	MaxChannelPages = (PageSize - MetadataHeaderBytes) / 8

	// MaxCallPageCount is the largest page count the privileged call
	// interface can carry in one register.
	MaxCallPageCount = math.MaxUint32

	// MaxPageCount is the effective page count limit of a channel.
	MaxPageCount = MaxChannelPages
)

// Metadata is the packed channel metadata record:
//
//	write_offset  uint32
//	page_count    uint32
//	page_address  [MaxChannelPages]uint64
//
// Only the first page_count (plus persistent) entries of PageAddress are
// meaningful to the reader.
type Metadata struct {
	WriteOffset uint32
	PageCount   uint32
	PageAddress [MaxChannelPages]uint64
}

// SizeBytes returns the marshalled size of m.
func (m *Metadata) SizeBytes() int {
	return MetadataHeaderBytes + 8*MaxChannelPages
}

// MarshalBytes serializes m into dst and returns the remainder of dst.
func (m *Metadata) MarshalBytes(dst []byte) []byte {
	ByteOrder.PutUint32(dst[0:4], m.WriteOffset)
	ByteOrder.PutUint32(dst[4:8], m.PageCount)
	dst = dst[MetadataHeaderBytes:]
	for _, a := range m.PageAddress {
		ByteOrder.PutUint64(dst[:8], a)
		dst = dst[8:]
	}
	return dst
}

// UnmarshalBytes deserializes m from src and returns the remainder of src.
func (m *Metadata) UnmarshalBytes(src []byte) []byte {
	m.WriteOffset = ByteOrder.Uint32(src[0:4])
	m.PageCount = ByteOrder.Uint32(src[4:8])
	src = src[MetadataHeaderBytes:]
	for i := range m.PageAddress {
		m.PageAddress[i] = ByteOrder.Uint64(src[:8])
		src = src[8:]
	}
	return src
}

// CredentialsBytes is the size of a marshalled Credentials record.
const CredentialsBytes = 12

// Credentials is the identity record a connecting side sends as the first
// out-of-band message of a connection.
type Credentials struct {
	PID uint32
	UID uint32
	GID uint32
}

// SizeBytes returns the marshalled size of c.
func (c *Credentials) SizeBytes() int {
	return CredentialsBytes
}

// MarshalBytes serializes c into dst and returns the remainder of dst.
func (c *Credentials) MarshalBytes(dst []byte) []byte {
	ByteOrder.PutUint32(dst[0:4], c.PID)
	ByteOrder.PutUint32(dst[4:8], c.UID)
	ByteOrder.PutUint32(dst[8:12], c.GID)
	return dst[CredentialsBytes:]
}

// UnmarshalBytes deserializes c from src and returns the remainder of src.
func (c *Credentials) UnmarshalBytes(src []byte) []byte {
	c.PID = ByteOrder.Uint32(src[0:4])
	c.UID = ByteOrder.Uint32(src[4:8])
	c.GID = ByteOrder.Uint32(src[8:12])
	return src[CredentialsBytes:]
}

// Privileged call function identifiers. Arguments and results are 32 bits
// wide, which is why physical addresses are passed as frame numbers.
const (
	FnChannelInit    uint32 = 0xb2000001
	FnChannelPublish uint32 = 0xb2000002
	FnChannelDestroy uint32 = 0xb2000003
)

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

// Package iwsock implements inter-world sockets: a connection-oriented socket
// protocol between the host and the secure side, carried entirely by shared
// physical memory.
//
// Every connection lives in a region: a control page followed by three ring
// windows. The control page holds one connection-state field per side, each
// written only by its owner, so neither side ever needs a lock that spans the
// trust boundary:
//
//	state[0]  connecting side  (New -> Connected -> Closed)
//	state[1]  accepting side   (New -> Connected -> Closed)
//	ring[0]   stream, connector -> acceptor
//	ring[1]   stream, acceptor -> connector
//	ring[2]   out-of-band records, connector -> acceptor
//
// The region's pages are described to the secure side by a channel from the
// iwio manager. A Socket holds a reference on its region; the pages go back
// only when the last socket or pending connection request lets go.
//
// Lock ordering:
//
//	Registry.mu
//	  Socket.mu
//	    iwio.Manager.mu
//
// Socket.rcvMu and Socket.sndMu are taken without Socket.mu held and are never
// held while acquiring it for longer than a state snapshot.
package iwsock

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/syserr"
)

// State is the state of a socket.
type State int

// Socket states.
const (
	StateNew State = iota
	StateListening
	StateConnectInProgress
	StateConnected
	StateReleased
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateListening:
		return "listening"
	case StateConnectInProgress:
		return "connect-in-progress"
	case StateConnected:
		return "connected"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MessageHeader is the argument of ReadMessage.
type MessageHeader struct {
	// Iov receives message or stream data, filled in order.
	Iov [][]byte

	// Control receives a pending out-of-band record. It is resliced to the
	// record's length. A nil Control leaves out-of-band records queued.
	Control []byte

	// Flags is set by ReadMessage: MsgOOB when Control was filled, MsgCtrunc
	// when the record did not fit.
	Flags abi.MsgFlags
}

func iovLen(iov [][]byte) int {
	n := 0
	for _, b := range iov {
		n += len(b)
	}
	return n
}

// scatter copies src into iov and returns the number of bytes copied.
func scatter(iov [][]byte, src []byte) int {
	n := 0
	for _, b := range iov {
		if len(src) == 0 {
			break
		}
		c := copy(b, src)
		src = src[c:]
		n += c
	}
	return n
}

// checkName validates a listen name: non-empty, no NUL byte, and short enough
// to fit MaxNameLength with its terminator.
func checkName(name string) error {
	if len(name) == 0 || len(name) >= abi.MaxNameLength || strings.IndexByte(name, 0) >= 0 {
		return syserr.ErrInvalidArgument
	}
	return nil
}

type credentialsKey struct{}

// WithCredentials returns a context whose connects present creds to the
// acceptor instead of the process identity.
func WithCredentials(ctx context.Context, creds abi.Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, creds)
}

// credentials returns the identity a connect on s presents. Privileged
// sockets present the all-zero kernel identity.
func (s *Socket) credentials(ctx context.Context) abi.Credentials {
	if s.privileged {
		return abi.Credentials{}
	}
	if ctx != nil {
		if c, ok := ctx.Value(credentialsKey{}).(abi.Credentials); ok {
			return c
		}
	}
	return abi.Credentials{
		PID: uint32(unix.Getpid()),
		UID: uint32(unix.Getuid()),
		GID: uint32(unix.Getgid()),
	}
}

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
	"gvisor.dev/iwsock/pkg/refs"
	"gvisor.dev/iwsock/pkg/ring"
	"gvisor.dev/iwsock/pkg/syserr"
	"gvisor.dev/iwsock/pkg/waiter"
)

// Socket is an inter-world socket.
//
// A Socket starts with one reference, the session reference, which Release
// drops. Every operation holds an extra reference for its duration, so the
// socket and its region stay alive until the last in-flight operation
// returns.
type Socket struct {
	refs refs.Refs

	reg *Registry
	id  uint64

	// privileged sockets present the kernel identity on connect.
	privileged bool

	// interruptible sockets abort blocking waits when their context is
	// cancelled.
	interruptible bool

	// queue is notified of every change that may unblock an operation on
	// this socket.
	queue waiter.Queue

	// rcvMu serializes consumers of rx and oob; sndMu serializes producers
	// of tx and oob. Neither is held while acquiring mu.
	rcvMu sync.Mutex
	sndMu sync.Mutex

	// mu protects the fields below.
	mu sync.Mutex

	state State

	// maxMsgSize selects message mode when positive.
	maxMsgSize uint32

	// name is the listen name.
	name string

	// backlog holds pending connection requests of a listener, oldest
	// first. Each holds a region reference.
	backlog    []*region
	backlogMax int

	// region is set from the start of a connect, or on an accepted socket.
	// The socket holds a region reference while it is set.
	region *region
	side   abi.Side

	// tx, rx and oob are this side's rings. oob is produced by the
	// connecting side and consumed by the accepting side.
	tx, rx, oob *ring.Buffer

	// connMaxMsg is the message size limit of the connection, which the
	// connecting side chooses.
	connMaxMsg uint32

	peerCreds    abi.Credentials
	hasPeerCreds bool
}

// ID returns the socket's handle-table id.
func (s *Socket) ID() uint64 {
	return s.id
}

// State returns the socket's current state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Name returns the listen name, if any.
func (s *Socket) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Side returns which end of a connection s is. It is meaningless before a
// connect or for a listener.
func (s *Socket) Side() abi.Side {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.side
}

// PeerCredentials returns the identity the connecting side presented. ok is
// false except on accepted sockets.
func (s *Socket) PeerCredentials() (creds abi.Credentials, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerCreds, s.hasPeerCreds
}

// IncRef takes a reference on s.
func (s *Socket) IncRef() {
	s.refs.IncRef()
}

// DecRef drops a reference on s, destroying it with the last one.
func (s *Socket) DecRef() {
	s.refs.DecRef(s.destroy)
}

func (s *Socket) destroy() {
	if s.region != nil {
		s.region.DecRef()
		s.region = nil
	}
	socketsOpen.Decrement()
}

// enter takes an operation reference on s. It fails on released sockets.
func (s *Socket) enter() error {
	if !s.refs.TryIncRef() {
		return syserr.ErrInvalidArgument
	}
	s.mu.Lock()
	released := s.state == StateReleased
	s.mu.Unlock()
	if released {
		s.DecRef()
		return syserr.ErrInvalidArgument
	}
	return nil
}

// conn is a snapshot of a connected socket's transport.
type conn struct {
	r          *region
	side       abi.Side
	tx, rx     *ring.Buffer
	oob        *ring.Buffer
	maxMsgSize uint32
}

// peerClosed reports whether the remote side has closed the connection.
func (c *conn) peerClosed() bool {
	return c.r.state(c.side.Peer()) == abi.ConnClosed
}

// connection returns the transport of a connected socket.
func (s *Socket) connection() (conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return conn{}, syserr.ErrNotConnected
	}
	return conn{
		r:          s.region,
		side:       s.side,
		tx:         s.tx,
		rx:         s.rx,
		oob:        s.oob,
		maxMsgSize: s.connMaxMsg,
	}, nil
}

// released reports whether s has been released.
func (s *Socket) released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReleased
}

// peerError records shared state a peer left inconsistent.
func (s *Socket) peerError(op string, err error) {
	peerErrors.Increment()
	peerLog.Warningf("iwsock: socket %d: %s: peer left inconsistent state: %v", s.id, op, err)
}

// Release closes s. Pending connection requests of a listener are refused,
// the peer of a connection sees the connection closed, and blocked
// operations return ErrNotConnected. Operations after Release fail with
// ErrInvalidArgument.
func (s *Socket) Release() error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.DecRef()

	s.reg.mu.Lock()
	s.mu.Lock()
	if s.state == StateReleased {
		s.mu.Unlock()
		s.reg.mu.Unlock()
		return syserr.ErrInvalidArgument
	}
	if s.state == StateListening {
		s.reg.names.Delete(listenEntry{name: s.name})
	}
	delete(s.reg.sockets, s.id)
	s.state = StateReleased
	backlog := s.backlog
	s.backlog = nil
	r, side := s.region, s.side
	s.mu.Unlock()
	s.reg.mu.Unlock()

	for _, req := range backlog {
		req.refuse()
	}
	if r != nil {
		r.setState(side, abi.ConnClosed)
		r.detach(side)
		r.notify(side.Peer(), waiter.EventHUp|waiter.EventIn|waiter.EventOut|waiter.EventState)
	}
	s.queue.NotifyAll()

	// Drop the session reference. The operation reference keeps s alive
	// until the deferred DecRef.
	s.DecRef()
	return nil
}

// EventRegister implements waiter.Waitable.EventRegister.
func (s *Socket) EventRegister(e *waiter.Entry) {
	s.queue.EventRegister(e)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (s *Socket) EventUnregister(e *waiter.Entry) {
	s.queue.EventUnregister(e)
}

// Readiness implements waiter.Waitable.Readiness.
func (s *Socket) Readiness(mask waiter.EventMask) waiter.EventMask {
	s.mu.Lock()
	state := s.state
	pending := len(s.backlog)
	r, side, tx, rx, oob := s.region, s.side, s.tx, s.rx, s.oob
	s.mu.Unlock()

	var ready waiter.EventMask
	switch state {
	case StateReleased:
		ready = waiter.EventHUp
	case StateListening:
		if pending > 0 {
			ready |= waiter.EventIn
		}
	case StateConnectInProgress:
		if r != nil && r.state(side.Peer()) != abi.ConnNew {
			ready |= waiter.EventState
		}
	case StateConnected:
		closed := r.state(side.Peer()) == abi.ConnClosed
		if closed {
			ready |= waiter.EventHUp | waiter.EventIn
		}
		if rx.AvailableToRead() > 0 || (side == abi.SideAccept && oob.AvailableToRead() > 0) {
			ready |= waiter.EventIn
		}
		if tx.AvailableToWrite() > 0 || closed {
			ready |= waiter.EventOut
		}
		if rx.Check() != nil || tx.Check() != nil {
			ready |= waiter.EventErr
		}
	}
	return ready & mask
}

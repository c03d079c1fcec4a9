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
	"context"
	"time"

	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/syserr"
	"gvisor.dev/iwsock/pkg/waiter"
)

// Listen makes s a listener under name. Connects naming it are queued until
// accepted, up to the registry's backlog.
func (s *Socket) Listen(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.DecRef()
	return s.reg.listen(s, name)
}

// Connect connects s to the listener registered under name.
//
// Unless flags has MsgDontWait, Connect waits until the connection is
// accepted. With MsgDontWait it returns once the request is queued, and
// WaitForConnection completes it. A connect that fails after the request was
// queued leaves s in state New.
func (s *Socket) Connect(ctx context.Context, name string, flags abi.MsgFlags) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.DecRef()

	err := s.connect(ctx, name, flags)
	connections.Increment(connectResult(err))
	return err
}

func (s *Socket) connect(ctx context.Context, name string, flags abi.MsgFlags) error {
	s.mu.Lock()
	switch s.state {
	case StateNew:
	case StateConnected:
		s.mu.Unlock()
		return syserr.ErrAlreadyConnected
	case StateReleased:
		s.mu.Unlock()
		return syserr.ErrInvalidArgument
	default:
		s.mu.Unlock()
		return syserr.ErrInvalidEndpointState
	}
	s.state = StateConnectInProgress
	maxMsg := s.maxMsgSize
	s.mu.Unlock()

	l, ok := s.reg.lookupListener(name)
	if !ok {
		s.resetConnect()
		return syserr.ErrConnectionRefused
	}
	defer l.DecRef()

	opts := &s.reg.opts
	r, rs, err := newRegion(s.reg, [abi.NumRings]uint32{
		abi.RingStream0: opts.SendBufferSize,
		abi.RingStream1: opts.RecvBufferSize,
		abi.RingOOB:     opts.OOBBufferSize,
	}, maxMsg)
	if err != nil {
		s.resetConnect()
		return err
	}

	creds := s.credentials(ctx)
	var rec [abi.CredentialsBytes]byte
	creds.MarshalBytes(rec[:])
	if err := rs[abi.RingOOB].PutFrame(rec[:]); err != nil {
		r.DecRef()
		s.resetConnect()
		return syserr.Wrap(syserr.ErrResourceExhausted, "credentials: %v", err)
	}
	r.setState(abi.SideConnect, abi.ConnConnected)

	s.mu.Lock()
	if s.state != StateConnectInProgress {
		// Released while the region was being set up.
		s.mu.Unlock()
		r.DecRef()
		return syserr.ErrNotConnected
	}
	s.region, s.side = r, abi.SideConnect
	s.tx, s.rx, s.oob = rs[abi.RingStream0], rs[abi.RingStream1], rs[abi.RingOOB]
	s.connMaxMsg = maxMsg
	s.mu.Unlock()
	r.attach(abi.SideConnect, &s.queue)
	s.queue.Notify(waiter.EventState)

	// The request holds its own region reference until accepted or
	// refused.
	r.IncRef()
	if err := l.enqueue(r); err != nil {
		r.DecRef()
		s.mu.Lock()
		s.abortConnectLocked()
		s.mu.Unlock()
		return err
	}
	l.queue.Notify(waiter.EventIn)

	if flags&abi.MsgDontWait != 0 {
		return nil
	}
	return s.waitConnected(ctx)
}

// resetConnect returns a socket whose connect failed before a region was
// attached to state New.
func (s *Socket) resetConnect() {
	s.mu.Lock()
	if s.state == StateConnectInProgress {
		s.state = StateNew
	}
	s.mu.Unlock()
}

// abortConnectLocked closes the connecting side of s's region and returns s
// to state New.
//
// Preconditions: s.mu is locked.
func (s *Socket) abortConnectLocked() {
	r := s.region
	if r == nil {
		return
	}
	r.setState(s.side, abi.ConnClosed)
	r.detach(s.side)
	r.notify(s.side.Peer(), waiter.EventHUp|waiter.EventIn|waiter.EventOut)
	s.region = nil
	s.tx, s.rx, s.oob = nil, nil, nil
	s.connMaxMsg = 0
	if s.state == StateConnectInProgress {
		s.state = StateNew
	}
	r.DecRef()
}

// enqueue adds a connection request to the backlog of listener s.
func (s *Socket) enqueue(r *region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateListening {
		return syserr.ErrConnectionRefused
	}
	if len(s.backlog) >= s.backlogMax {
		return syserr.ErrTryAgain
	}
	s.backlog = append(s.backlog, r)
	return nil
}

// tryConnected completes a connect once the accepting side has written its
// field.
func (s *Socket) tryConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnected:
		return nil
	case StateConnectInProgress:
		if s.region == nil {
			return syserr.ErrWouldBlock
		}
	default:
		return syserr.ErrNotConnected
	}
	switch s.region.state(abi.SideAccept) {
	case abi.ConnConnected:
		s.state = StateConnected
		return nil
	case abi.ConnClosed:
		return syserr.ErrConnectionRefused
	default:
		return syserr.ErrWouldBlock
	}
}

// waitConnected waits for a queued connect to be accepted or refused.
func (s *Socket) waitConnected(ctx context.Context) error {
	var deadline time.Time
	if t := s.reg.opts.ConnectTimeout; t > 0 {
		deadline = time.Now().Add(t)
	}
	err := s.waitFor(ctx, waiter.EventState, deadline, s.tryConnected)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnectInProgress {
		return err
	}
	if s.region != nil && s.region.state(abi.SideAccept) == abi.ConnConnected {
		// Accepted as the wait gave up.
		s.state = StateConnected
		return nil
	}
	s.abortConnectLocked()
	return err
}

// WaitForConnection waits for a connect issued with MsgDontWait to complete.
// It returns immediately on a connected socket.
func (s *Socket) WaitForConnection(ctx context.Context) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.DecRef()

	switch s.State() {
	case StateConnected:
		return nil
	case StateConnectInProgress:
		return s.waitConnected(ctx)
	default:
		return syserr.ErrNotConnected
	}
}

// Accept returns a socket for the oldest pending connection. s stays a
// listener. Requests whose connecting side already gave up are dropped.
func (s *Socket) Accept(ctx context.Context, flags abi.MsgFlags) (*Socket, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.DecRef()

	var ns *Socket
	try := func() error {
		for {
			r, err := s.popRequest()
			if err != nil {
				return err
			}
			// Requests with bad shared state are dropped; keep looking.
			if ns, err = s.reg.newAccepted(s, r); err != syserr.ErrProtocol {
				return err
			}
		}
	}
	var err error
	if flags&abi.MsgDontWait != 0 {
		err = try()
	} else {
		err = s.waitFor(ctx, waiter.EventIn, time.Time{}, try)
	}
	if err != nil {
		return nil, err
	}
	return ns, nil
}

// popRequest removes the oldest live request from the backlog of listener s.
func (s *Socket) popRequest() (*region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateListening:
	case StateReleased:
		return nil, syserr.ErrNotConnected
	default:
		return nil, syserr.ErrInvalidEndpointState
	}
	for len(s.backlog) > 0 {
		r := s.backlog[0]
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		if r.state(abi.SideConnect) == abi.ConnClosed {
			r.refuse()
			continue
		}
		return r, nil
	}
	return nil, syserr.ErrWouldBlock
}

// newAccepted creates the accepting side of request r, queued on listener l.
// The request's region reference passes to the new socket. Requests whose
// shared state does not validate are refused.
func (reg *Registry) newAccepted(l *Socket, r *region) (*Socket, error) {
	rs, err := r.attachRings()
	if err != nil {
		return nil, rejectRequest(l, r, "attach", err)
	}
	var rec [abi.CredentialsBytes]byte
	n, err := rs[abi.RingOOB].GetFrame(rec[:])
	if err == nil && n != abi.CredentialsBytes {
		err = syserr.Wrap(syserr.ErrProtocol, "credential record of %d bytes", n)
	}
	if err != nil {
		return nil, rejectRequest(l, r, "credentials", err)
	}
	var creds abi.Credentials
	creds.UnmarshalBytes(rec[:])

	maxMsg := r.maxMsgSize()
	if maxMsg > 0 && int64(maxMsg) > int64(min(rs[abi.RingStream0].MaxFrame(), rs[abi.RingStream1].MaxFrame())) {
		return nil, rejectRequest(l, r, "max message size", syserr.Wrap(syserr.ErrProtocol, "%d", maxMsg))
	}

	ns := reg.newSocket(l.privileged, l.interruptible)
	ns.state = StateConnected
	ns.maxMsgSize = maxMsg
	ns.region, ns.side = r, abi.SideAccept
	ns.tx, ns.rx, ns.oob = rs[abi.RingStream1], rs[abi.RingStream0], rs[abi.RingOOB]
	ns.connMaxMsg = maxMsg
	ns.peerCreds, ns.hasPeerCreds = creds, true

	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		r.refuse()
		return nil, syserr.ErrInvalidEndpointState
	}
	ns.refs.InitRefs("iwsock.Socket")
	reg.sockets[ns.id] = ns
	reg.mu.Unlock()
	socketsOpen.Increment()
	socketsOpened.Increment("accepted")

	r.attach(abi.SideAccept, &ns.queue)
	r.setState(abi.SideAccept, abi.ConnConnected)
	r.notify(abi.SideConnect, waiter.EventState|waiter.EventOut)
	return ns, nil
}

// rejectRequest refuses a request whose shared state is inconsistent.
func rejectRequest(l *Socket, r *region, op string, err error) error {
	l.peerError(op, err)
	r.refuse()
	return syserr.ErrProtocol
}

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
	"gvisor.dev/iwsock/pkg/ring"
	"gvisor.dev/iwsock/pkg/syserr"
	"gvisor.dev/iwsock/pkg/waiter"
)

// wait runs try once with MsgDontWait, or until it stops returning
// ErrWouldBlock otherwise.
func (s *Socket) wait(ctx context.Context, flags abi.MsgFlags, mask waiter.EventMask, try func() error) error {
	if flags&abi.MsgDontWait != 0 {
		return try()
	}
	return s.waitFor(ctx, mask, time.Time{}, try)
}

// emptyErr is the result of a read that found no data. closed must have been
// loaded before the ring was examined: the peer publishes its data before its
// closed state, so a closed peer with an empty ring has nothing left to read.
func (s *Socket) emptyErr(closed bool) error {
	switch {
	case closed:
		resets.Increment()
		return syserr.ErrConnectionReset
	case s.released():
		return syserr.ErrNotConnected
	default:
		return syserr.ErrWouldBlock
	}
}

// ringErr maps a ring error other than ErrEmpty and ErrNoSpace. Those left are
// all caused by the peer corrupting shared state.
func (s *Socket) ringErr(op string, err error) error {
	if _, ok := err.(*syserr.Error); ok {
		return err
	}
	s.peerError(op, err)
	return syserr.ErrProtocol
}

func (c *conn) received(n int) {
	bytesReceived.IncrementBy(uint64(n))
	c.r.notify(c.side.Peer(), waiter.EventOut)
}

func (c *conn) sent(n int) {
	bytesSent.IncrementBy(uint64(n))
	c.r.notify(c.side.Peer(), waiter.EventIn)
}

// Read reads from a connected socket. In stream mode it returns at least one
// byte. In message mode it consumes one message, discarding whatever does not
// fit in buf.
//
// Once the peer has closed, data it wrote is still returned, followed by
// ErrConnectionReset.
func (s *Socket) Read(ctx context.Context, buf []byte, flags abi.MsgFlags) (int, error) {
	if len(buf) == 0 {
		return 0, syserr.ErrInvalidArgument
	}
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.DecRef()
	c, err := s.connection()
	if err != nil {
		return 0, err
	}

	s.rcvMu.Lock()
	defer s.rcvMu.Unlock()
	var n int
	err = s.wait(ctx, flags, waiter.EventIn, func() error {
		closed := c.peerClosed()
		var err error
		if c.maxMsgSize > 0 {
			n, _, err = c.rx.GetFrameTruncate(buf)
		} else {
			n, err = c.rx.Get(buf)
		}
		switch err {
		case nil:
			return nil
		case ring.ErrEmpty:
			return s.emptyErr(closed)
		default:
			return s.ringErr("read", err)
		}
	})
	if err != nil {
		return 0, err
	}
	c.received(n)
	return n, nil
}

// ReadMessage reads into hdr.Iov and, on the accepting side, delivers a
// pending out-of-band record into hdr.Control first.
//
// In message mode one whole message is read; a message larger than hdr.Iov
// fails with ErrMessageTooLarge, stays queued and leaves any pending
// out-of-band record and hdr untouched.
func (s *Socket) ReadMessage(ctx context.Context, hdr *MessageHeader, flags abi.MsgFlags) (int, error) {
	if hdr == nil || iovLen(hdr.Iov) == 0 {
		return 0, syserr.ErrInvalidArgument
	}
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.DecRef()
	c, err := s.connection()
	if err != nil {
		return 0, err
	}

	s.rcvMu.Lock()
	defer s.rcvMu.Unlock()
	var control []byte
	if hdr.Control != nil {
		control = hdr.Control[:cap(hdr.Control)]
	}
	wantOOB := control != nil && c.side == abi.SideAccept

	var (
		n        int
		ctl      int
		gotOOB   bool
		ctlTrunc bool
	)
	err = s.wait(ctx, flags, waiter.EventIn, func() error {
		closed := c.peerClosed()
		// An oversized message is rejected before anything is consumed.
		if c.maxMsgSize > 0 {
			size, err := c.rx.PeekFrame()
			switch {
			case err == nil && size > iovLen(hdr.Iov):
				return syserr.ErrMessageTooLarge
			case err != nil && err != ring.ErrEmpty:
				return s.ringErr("read", err)
			}
		}
		if wantOOB && !gotOOB {
			switch m, trunc, err := s.readOOB(c, control); err {
			case nil:
				ctl, ctlTrunc, gotOOB = m, trunc, true
			case ring.ErrEmpty:
			default:
				return s.ringErr("read oob", err)
			}
		}
		var err error
		n, err = s.readData(c, hdr.Iov)
		switch err {
		case nil:
			return nil
		case ring.ErrEmpty:
			if gotOOB {
				return nil
			}
			return s.emptyErr(closed)
		default:
			return s.ringErr("read", err)
		}
	})
	switch {
	case gotOOB:
		hdr.Control = control[:ctl]
		hdr.Flags = abi.MsgOOB
		if ctlTrunc {
			hdr.Flags |= abi.MsgCtrunc
		}
	case err == nil:
		hdr.Flags = 0
		if hdr.Control != nil {
			hdr.Control = hdr.Control[:0]
		}
	}
	if err != nil {
		return 0, err
	}
	c.received(n)
	return n, nil
}

// readOOB moves one out-of-band record into control. It returns the number of
// bytes copied and whether the record was truncated.
func (s *Socket) readOOB(c conn, control []byte) (int, bool, error) {
	size, err := c.oob.PeekFrame()
	if err != nil {
		return 0, false, err
	}
	rec := make([]byte, size)
	if _, err := c.oob.GetFrame(rec); err != nil {
		return 0, false, err
	}
	n := copy(control, rec)
	c.r.notify(c.side.Peer(), waiter.EventOut)
	return n, n < size, nil
}

// readData fills iov from the receive ring.
func (s *Socket) readData(c conn, iov [][]byte) (int, error) {
	if c.maxMsgSize > 0 {
		size, err := c.rx.PeekFrame()
		if err != nil {
			return 0, err
		}
		if size > iovLen(iov) {
			return 0, syserr.ErrMessageTooLarge
		}
		msg := make([]byte, size)
		if _, err := c.rx.GetFrame(msg); err != nil {
			return 0, err
		}
		return scatter(iov, msg), nil
	}

	n := 0
	for _, b := range iov {
		if len(b) == 0 {
			continue
		}
		m, err := c.rx.Get(b)
		if err != nil {
			if n > 0 && err == ring.ErrEmpty {
				break
			}
			return n, err
		}
		n += m
		if m < len(b) {
			break
		}
	}
	return n, nil
}

// Write writes buf to a connected socket.
//
// In message mode buf is sent as one message, all or nothing. In stream mode
// Write blocks until all of buf is queued; with MsgDontWait it queues what
// fits. Once some bytes are queued, Write reports them and no error. MsgOOB
// sends buf as an out-of-band record, which only the connecting side may do.
func (s *Socket) Write(ctx context.Context, buf []byte, flags abi.MsgFlags) (int, error) {
	if len(buf) == 0 {
		return 0, syserr.ErrInvalidArgument
	}
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.DecRef()
	c, err := s.connection()
	if err != nil {
		return 0, err
	}

	s.sndMu.Lock()
	defer s.sndMu.Unlock()
	switch {
	case flags&abi.MsgOOB != 0:
		if c.side != abi.SideConnect {
			return 0, syserr.ErrNotSupported
		}
		if len(buf) > abi.MaxOOBMessageSize {
			return 0, syserr.ErrMessageTooLarge
		}
		return s.writeRecord(ctx, c, c.oob, buf, flags)
	case c.maxMsgSize > 0:
		if len(buf) > int(c.maxMsgSize) {
			return 0, syserr.ErrMessageTooLarge
		}
		return s.writeRecord(ctx, c, c.tx, buf, flags)
	default:
		return s.writeStream(ctx, c, buf, flags)
	}
}

// writeCheck fails writes that can no longer be delivered.
func (s *Socket) writeCheck(c conn) error {
	if c.peerClosed() {
		resets.Increment()
		return syserr.ErrConnectionReset
	}
	if s.released() {
		return syserr.ErrNotConnected
	}
	return nil
}

// writeRecord queues buf as one frame on b.
func (s *Socket) writeRecord(ctx context.Context, c conn, b *ring.Buffer, buf []byte, flags abi.MsgFlags) (int, error) {
	err := s.wait(ctx, flags, waiter.EventOut, func() error {
		if err := s.writeCheck(c); err != nil {
			return err
		}
		switch err := b.PutFrame(buf); err {
		case nil:
			return nil
		case ring.ErrNoSpace:
			return syserr.ErrWouldBlock
		case ring.ErrTooLarge:
			return syserr.ErrMessageTooLarge
		default:
			return s.ringErr("write", err)
		}
	})
	if err != nil {
		return 0, err
	}
	c.sent(len(buf))
	return len(buf), nil
}

// writeStream queues buf in as many pieces as the ring requires.
func (s *Socket) writeStream(ctx context.Context, c conn, buf []byte, flags abi.MsgFlags) (int, error) {
	done := 0
	err := s.wait(ctx, flags, waiter.EventOut, func() error {
		for done < len(buf) {
			if err := s.writeCheck(c); err != nil {
				return err
			}
			n, err := c.tx.Write(buf[done:])
			switch err {
			case nil:
				done += n
				c.sent(n)
			case ring.ErrNoSpace:
				return syserr.ErrWouldBlock
			default:
				return s.ringErr("write", err)
			}
		}
		return nil
	})
	if err != nil && done == 0 {
		return 0, err
	}
	return done, nil
}

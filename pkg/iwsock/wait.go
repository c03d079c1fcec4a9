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

	"gvisor.dev/iwsock/pkg/syserr"
	"gvisor.dev/iwsock/pkg/waiter"
)

// waitFor calls try until it returns anything but ErrWouldBlock, sleeping on
// the socket's queue for mask in between. A zero deadline waits forever.
//
// The entry is registered before try is called again, so a notification that
// races with a failed try is not lost.
func (s *Socket) waitFor(ctx context.Context, mask waiter.EventMask, deadline time.Time, try func() error) error {
	if err := try(); err != syserr.ErrWouldBlock {
		return err
	}

	e, ch := waiter.NewChannelEntry(mask | waiter.EventHUp | waiter.EventState)
	s.EventRegister(&e)
	defer s.EventUnregister(&e)

	// Cancellation is a signal; sockets that cannot be interrupted ignore
	// it.
	var cancel <-chan struct{}
	if s.interruptible && ctx != nil {
		cancel = ctx.Done()
	}
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	for {
		if err := try(); err != syserr.ErrWouldBlock {
			return err
		}
		select {
		case <-ch:
		case <-cancel:
			return syserr.ErrInterrupted
		case <-timeout:
			return syserr.ErrTimedOut
		}
	}
}

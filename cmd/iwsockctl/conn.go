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

package main

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/iwsock"
	"gvisor.dev/iwsock/pkg/log"
	"gvisor.dev/iwsock/pkg/syserr"
)

// dialRetryInterval and dialRetries bound how long dial waits for a listener
// to appear.
const (
	dialRetryInterval = 10 * time.Millisecond
	dialRetries       = 200
)

// dial connects a new socket to name. The listener may be set up by another
// goroutine, so refused connects are retried.
func dial(ctx context.Context, reg *iwsock.Registry, name string, maxMsgSize int) (*iwsock.Socket, error) {
	c, err := reg.Open(false, true)
	if err != nil {
		return nil, err
	}
	if maxMsgSize > 0 {
		if err := c.SetOption(abi.SolIWSock, abi.SoMaxMsgSize, maxMsgSize); err != nil {
			c.Release()
			return nil, err
		}
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(dialRetryInterval), dialRetries), ctx)
	err = backoff.Retry(func() error {
		err := c.Connect(ctx, name, 0)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, syserr.ErrConnectionRefused):
			log.Debugf("iwsockctl: %q not listening yet", name)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, b)
	if err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

// listen opens a listener on name.
func listen(reg *iwsock.Registry, name string) (*iwsock.Socket, error) {
	l, err := reg.Open(false, true)
	if err != nil {
		return nil, err
	}
	if err := l.Listen(name); err != nil {
		l.Release()
		return nil, err
	}
	return l, nil
}

// serve accepts one connection on l and passes everything read from it to fn
// until the peer closes. fn may write to the connection.
func serve(ctx context.Context, l *iwsock.Socket, fn func(srv *iwsock.Socket, p []byte) error) error {
	srv, err := l.Accept(ctx, 0)
	if err != nil {
		return err
	}
	defer srv.Release()
	buf := make([]byte, 64<<10)
	for {
		n, err := srv.Read(ctx, buf, 0)
		if errors.Is(err, syserr.ErrConnectionReset) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(srv, buf[:n]); err != nil {
			return err
		}
	}
}

// readFull reads exactly len(buf) bytes from s.
func readFull(ctx context.Context, s *iwsock.Socket, buf []byte) error {
	for done := 0; done < len(buf); {
		n, err := s.Read(ctx, buf[done:], 0)
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}

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
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/iwsock/pkg/iwsock"
	"gvisor.dev/iwsock/pkg/tee"
)

// Echo implements subcommands.Command for the "echo" command.
type Echo struct {
	name  string
	count int
}

// Name implements subcommands.Command.Name.
func (*Echo) Name() string {
	return "echo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Echo) Synopsis() string {
	return "send messages through a loopback connection and print the replies"
}

// Usage implements subcommands.Command.Usage.
func (*Echo) Usage() string {
	return `echo [-name=<listen name>] [-count=<n>] <message>... - echoes each message through an accepted connection
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Echo) SetFlags(f *flag.FlagSet) {
	f.StringVar(&e.name, "name", "echo", "listen name of the echo server")
	f.IntVar(&e.count, "count", 1, "number of times each message is sent")
}

// Execute implements subcommands.Command.Execute.
func (e *Echo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 || e.count < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := runEcho(ctx, subsystem(args), e.name, f.Args(), e.count, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "echo: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// runEcho starts an echo server on name, sends every message count times from
// a client and writes each reply to w.
func runEcho(ctx context.Context, s *tee.Subsystem, name string, msgs []string, count int, w io.Writer) error {
	reg := s.Registry()
	l, err := listen(reg, name)
	if err != nil {
		return err
	}
	defer l.Release()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(ctx, l, func(srv *iwsock.Socket, p []byte) error {
			_, err := srv.Write(ctx, p, 0)
			return err
		})
	})
	g.Go(func() error {
		c, err := dial(ctx, reg, name, 0)
		if err != nil {
			return err
		}
		defer c.Release()
		for i := 0; i < count; i++ {
			for _, msg := range msgs {
				if _, err := c.Write(ctx, []byte(msg), 0); err != nil {
					return err
				}
				reply := make([]byte, len(msg))
				if err := readFull(ctx, c, reply); err != nil {
					return err
				}
				if !bytes.Equal(reply, []byte(msg)) {
					return fmt.Errorf("sent %q, got %q back", msg, reply)
				}
				fmt.Fprintln(w, strings.TrimRight(string(reply), "\n"))
			}
		}
		return nil
	})
	return g.Wait()
}

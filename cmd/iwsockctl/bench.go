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
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/iwsock/pkg/iwsock"
	"gvisor.dev/iwsock/pkg/tee"
)

// Bench implements subcommands.Command for the "bench" command.
type Bench struct {
	name       string
	size       int
	count      int
	maxMsgSize int
}

// Name implements subcommands.Command.Name.
func (*Bench) Name() string {
	return "bench"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Bench) Synopsis() string {
	return "measure one-way throughput of a loopback connection"
}

// Usage implements subcommands.Command.Usage.
func (*Bench) Usage() string {
	return `bench [-size=<bytes>] [-count=<n>] [-max-msg-size=<bytes>] - writes count buffers of size bytes and reports throughput
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Bench) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.name, "name", "bench", "listen name of the sink")
	f.IntVar(&b.size, "size", 4096, "bytes per write")
	f.IntVar(&b.count, "count", 1024, "number of writes")
	f.IntVar(&b.maxMsgSize, "max-msg-size", 0, "use message mode with this limit; 0 for stream mode")
}

// Execute implements subcommands.Command.Execute.
func (b *Bench) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if b.size < 1 || b.count < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	res, err := runBench(ctx, subsystem(args), b.name, b.size, b.count, b.maxMsgSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintln(os.Stdout, res)
	return subcommands.ExitSuccess
}

// benchResult is the outcome of a bench run.
type benchResult struct {
	sent     int64
	received int64
	elapsed  time.Duration
}

// String implements fmt.Stringer.
func (r benchResult) String() string {
	mib := float64(r.received) / (1 << 20)
	return fmt.Sprintf("%d bytes in %v (%.1f MiB/s)", r.received, r.elapsed, mib/r.elapsed.Seconds())
}

// runBench writes count buffers of size bytes into a sink on name.
func runBench(ctx context.Context, s *tee.Subsystem, name string, size, count, maxMsgSize int) (benchResult, error) {
	var res benchResult
	reg := s.Registry()
	l, err := listen(reg, name)
	if err != nil {
		return res, err
	}
	defer l.Release()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(ctx, l, func(_ *iwsock.Socket, p []byte) error {
			res.received += int64(len(p))
			return nil
		})
	})
	g.Go(func() error {
		c, err := dial(ctx, reg, name, maxMsgSize)
		if err != nil {
			return err
		}
		defer c.Release()
		buf := make([]byte, size)
		for i := 0; i < count; i++ {
			n, err := c.Write(ctx, buf, 0)
			res.sent += int64(n)
			if err != nil {
				return err
			}
		}
		return nil
	})
	err = g.Wait()
	res.elapsed = time.Since(start)
	if err == nil && res.sent != res.received {
		err = fmt.Errorf("sent %d bytes, received %d", res.sent, res.received)
	}
	return res, err
}

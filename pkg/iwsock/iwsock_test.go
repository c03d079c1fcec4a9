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
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/iwio"
	"gvisor.dev/iwsock/pkg/memfile"
	"gvisor.dev/iwsock/pkg/refs"
	"gvisor.dev/iwsock/pkg/smc"
	"gvisor.dev/iwsock/pkg/syserr"
	"gvisor.dev/iwsock/pkg/waiter"
)

type fixture struct {
	mem *memfile.File
	mgr *iwio.Manager
	reg *Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mem, err := memfile.New("iwsock-test", 512, 0x8000_0000)
	if err != nil {
		t.Fatalf("memfile.New: %v", err)
	}
	mgr := iwio.NewManager(mem, smc.NewLoopback(mem))
	reg, err := NewRegistry(mgr, opts)
	if err != nil {
		mem.Close()
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() {
		reg.Close()
		if err := mgr.Destroy(); err != nil {
			t.Errorf("Destroy: %v", err)
		}
		mem.Close()
	})
	return &fixture{mem: mem, mgr: mgr, reg: reg}
}

func defaultFixture(t *testing.T) *fixture {
	return newFixture(t, DefaultOptions())
}

func (f *fixture) open(t *testing.T) *Socket {
	t.Helper()
	s, err := f.reg.Open(false, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func (f *fixture) listen(t *testing.T, name string) *Socket {
	t.Helper()
	l := f.open(t)
	if err := l.Listen(name); err != nil {
		t.Fatalf("Listen(%q): %v", name, err)
	}
	return l
}

// pair returns a connected client and server, using non-blocking connect and
// accept so no goroutines are involved.
func (f *fixture) pair(t *testing.T, ctx context.Context, l, c *Socket) *Socket {
	t.Helper()
	if err := c.Connect(ctx, l.Name(), abi.MsgDontWait); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv, err := l.Accept(ctx, abi.MsgDontWait)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := c.WaitForConnection(ctx); err != nil {
		t.Fatalf("WaitForConnection: %v", err)
	}
	return srv
}

// quiesced checks that every region page went back to the memory file. Only
// pooled channel metadata pages remain allocated.
func (f *fixture) quiesced(t *testing.T) {
	t.Helper()
	total, _ := f.mgr.Channels()
	if got := f.mem.Allocated(); got != uint32(total) {
		t.Errorf("Allocated() = %d frames, want %d channel pages", got, total)
	}
}

func TestServiceScenario(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	l := f.listen(t, "svc")

	client := f.open(t)
	var g errgroup.Group
	var srv *Socket
	g.Go(func() error {
		var err error
		srv, err = l.Accept(ctx, 0)
		return err
	})
	if err := client.Connect(ctx, "svc", 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got := client.State(); got != StateConnected {
		t.Fatalf("client state = %v, want connected", got)
	}
	if got := l.State(); got != StateListening {
		t.Fatalf("listener state = %v, want listening", got)
	}

	msg := make([]byte, 100)
	for i := range msg {
		msg[i] = byte(i)
	}
	if n, err := client.Write(ctx, msg, 0); err != nil || n != len(msg) {
		t.Fatalf("Write = %d, %v; want %d, nil", n, err, len(msg))
	}
	got := make([]byte, 256)
	n, err := srv.Read(ctx, got, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(msg, got[:n]); diff != "" {
		t.Errorf("server read mismatch (-want +got):\n%s", diff)
	}

	if _, err := srv.Write(ctx, []byte("ack"), 0); err != nil {
		t.Fatalf("server Write: %v", err)
	}
	n, err = client.Read(ctx, got, 0)
	if err != nil || string(got[:n]) != "ack" {
		t.Fatalf("client Read = %q, %v; want \"ack\"", got[:n], err)
	}
}

func TestConnectBeforeListenRefused(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	c := f.open(t)

	before := connections.Value("refused")
	if err := c.Connect(ctx, "late", 0); !errors.Is(err, syserr.ErrConnectionRefused) {
		t.Fatalf("Connect = %v, want %v", err, syserr.ErrConnectionRefused)
	}
	if got := connections.Value("refused") - before; got != 1 {
		t.Errorf("refused connections = %d, want 1", got)
	}
	if got := c.State(); got != StateNew {
		t.Fatalf("state after refused connect = %v, want new", got)
	}

	l := f.listen(t, "late")
	f.pair(t, ctx, l, c)
}

func TestConcurrentDuplicateListen(t *testing.T) {
	f := defaultFixture(t)
	const n = 8
	socks := make([]*Socket, n)
	for i := range socks {
		socks[i] = f.open(t)
	}
	errs := make([]error, n)
	var g errgroup.Group
	for i, s := range socks {
		i, s := i, s
		g.Go(func() error {
			errs[i] = s.Listen("dup")
			return nil
		})
	}
	g.Wait()

	ok, inUse := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, syserr.ErrNameInUse):
			inUse++
		default:
			t.Errorf("Listen: unexpected error %v", err)
		}
	}
	if ok != 1 || inUse != n-1 {
		t.Errorf("got %d successes and %d ErrNameInUse, want 1 and %d", ok, inUse, n-1)
	}
	if diff := cmp.Diff([]string{"dup"}, f.reg.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
}

func TestListenErrors(t *testing.T) {
	f := defaultFixture(t)
	s := f.open(t)
	for _, name := range []string{"", string(make([]byte, abi.MaxNameLength)), "a\x00b"} {
		if err := s.Listen(name); !errors.Is(err, syserr.ErrInvalidArgument) {
			t.Errorf("Listen(%q) = %v, want %v", name, err, syserr.ErrInvalidArgument)
		}
	}
	if err := s.Listen("ok"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := s.Listen("again"); !errors.Is(err, syserr.ErrInvalidEndpointState) {
		t.Errorf("second Listen = %v, want %v", err, syserr.ErrInvalidEndpointState)
	}
	if err := s.Connect(context.Background(), "ok", 0); !errors.Is(err, syserr.ErrInvalidEndpointState) {
		t.Errorf("Connect on listener = %v, want %v", err, syserr.ErrInvalidEndpointState)
	}

	// Releasing the listener frees its name.
	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	f.listen(t, "ok")
}

func TestReleaseRacesRead(t *testing.T) {
	refs.SetLeakMode(refs.LeaksLogWarning)
	defer refs.SetLeakMode(refs.NoLeakChecking)

	f := defaultFixture(t)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		l := f.listen(t, fmt.Sprintf("race-%d", i))
		c := f.open(t)
		srv := f.pair(t, ctx, l, c)

		var g errgroup.Group
		g.Go(func() error {
			_, err := srv.Read(ctx, make([]byte, 8), 0)
			if !errors.Is(err, syserr.ErrNotConnected) && !errors.Is(err, syserr.ErrInvalidArgument) {
				return fmt.Errorf("Read = %v, want ErrNotConnected or ErrInvalidArgument", err)
			}
			return nil
		})
		g.Go(srv.Release)
		g.Go(l.Release)
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}
		if err := c.Release(); err != nil {
			t.Fatalf("client Release: %v", err)
		}
	}
	if n := refs.DoLeakCheck(); n != 0 {
		t.Fatalf("%d objects leaked: %v", n, refs.Leaks())
	}
	f.quiesced(t)
}

func TestPeerReleaseMidRead(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	l := f.listen(t, "mid")
	c := f.open(t)
	srv := f.pair(t, ctx, l, c)

	if _, err := c.Write(ctx, []byte("abc"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	buf := make([]byte, 2)
	var got []byte
	for {
		n, err := srv.Read(ctx, buf, 0)
		if err != nil {
			if !errors.Is(err, syserr.ErrConnectionReset) {
				t.Fatalf("Read = %v, want %v", err, syserr.ErrConnectionReset)
			}
			break
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "abc" {
		t.Errorf("read %q before reset, want \"abc\"", got)
	}
	if _, err := srv.Write(ctx, []byte("x"), 0); !errors.Is(err, syserr.ErrConnectionReset) {
		t.Errorf("Write after peer release = %v, want %v", err, syserr.ErrConnectionReset)
	}
	if got := srv.Readiness(waiter.EventHUp | waiter.EventIn); got != waiter.EventHUp|waiter.EventIn {
		t.Errorf("Readiness = %#x, want HUp|In", got)
	}
}

func TestBlockedReadWokenByPeerRelease(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	l := f.listen(t, "wake")
	c := f.open(t)
	srv := f.pair(t, ctx, l, c)

	done := make(chan error, 1)
	go func() {
		_, err := srv.Read(ctx, make([]byte, 8), 0)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := c.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := <-done; !errors.Is(err, syserr.ErrConnectionReset) {
		t.Fatalf("Read = %v, want %v", err, syserr.ErrConnectionReset)
	}
}

func TestUseAfterRelease(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	s := f.open(t)
	id := s.ID()
	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(); !errors.Is(err, syserr.ErrInvalidArgument) {
		t.Errorf("second Release = %v, want %v", err, syserr.ErrInvalidArgument)
	}
	if _, err := s.Read(ctx, make([]byte, 1), 0); !errors.Is(err, syserr.ErrInvalidArgument) {
		t.Errorf("Read = %v, want %v", err, syserr.ErrInvalidArgument)
	}
	if err := s.Listen("gone"); !errors.Is(err, syserr.ErrInvalidArgument) {
		t.Errorf("Listen = %v, want %v", err, syserr.ErrInvalidArgument)
	}
	if _, err := f.reg.Lookup(id); !errors.Is(err, syserr.ErrInvalidArgument) {
		t.Errorf("Lookup = %v, want %v", err, syserr.ErrInvalidArgument)
	}
	if f.reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", f.reg.Len())
	}
}

func TestLookup(t *testing.T) {
	f := defaultFixture(t)
	a, b := f.open(t), f.open(t)
	if a.ID() == b.ID() {
		t.Fatalf("ids not unique: %d", a.ID())
	}
	got, err := f.reg.Lookup(b.ID())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	defer got.DecRef()
	if got != b {
		t.Errorf("Lookup(%d) returned socket %d", b.ID(), got.ID())
	}
}

func TestNotConnected(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	s := f.open(t)
	if _, err := s.Read(ctx, make([]byte, 1), 0); !errors.Is(err, syserr.ErrNotConnected) {
		t.Errorf("Read = %v, want %v", err, syserr.ErrNotConnected)
	}
	if _, err := s.Write(ctx, []byte("x"), 0); !errors.Is(err, syserr.ErrNotConnected) {
		t.Errorf("Write = %v, want %v", err, syserr.ErrNotConnected)
	}
	if err := s.WaitForConnection(ctx); !errors.Is(err, syserr.ErrNotConnected) {
		t.Errorf("WaitForConnection = %v, want %v", err, syserr.ErrNotConnected)
	}
	if _, err := s.Read(ctx, nil, 0); !errors.Is(err, syserr.ErrInvalidArgument) {
		t.Errorf("Read(nil) = %v, want %v", err, syserr.ErrInvalidArgument)
	}
	if _, err := s.Accept(ctx, abi.MsgDontWait); !errors.Is(err, syserr.ErrInvalidEndpointState) {
		t.Errorf("Accept = %v, want %v", err, syserr.ErrInvalidEndpointState)
	}
}

func TestAlreadyConnected(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	l := f.listen(t, "twice")
	c := f.open(t)
	f.pair(t, ctx, l, c)
	if err := c.Connect(ctx, "twice", 0); !errors.Is(err, syserr.ErrAlreadyConnected) {
		t.Errorf("Connect = %v, want %v", err, syserr.ErrAlreadyConnected)
	}
}

func TestDontWait(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	l := f.listen(t, "nb")
	if _, err := l.Accept(ctx, abi.MsgDontWait); !errors.Is(err, syserr.ErrWouldBlock) {
		t.Fatalf("Accept = %v, want %v", err, syserr.ErrWouldBlock)
	}
	c := f.open(t)
	srv := f.pair(t, ctx, l, c)

	if _, err := srv.Read(ctx, make([]byte, 1), abi.MsgDontWait); !errors.Is(err, syserr.ErrWouldBlock) {
		t.Fatalf("Read = %v, want %v", err, syserr.ErrWouldBlock)
	}

	// A non-blocking write queues what fits.
	big := bytes.Repeat([]byte{'z'}, 3*abi.DefaultSendBufferSize)
	n, err := c.Write(ctx, big, abi.MsgDontWait)
	if err != nil || n != abi.DefaultSendBufferSize {
		t.Fatalf("Write = %d, %v; want %d, nil", n, err, abi.DefaultSendBufferSize)
	}
	if _, err := c.Write(ctx, big, abi.MsgDontWait); !errors.Is(err, syserr.ErrWouldBlock) {
		t.Fatalf("Write on full ring = %v, want %v", err, syserr.ErrWouldBlock)
	}
	if got := c.Readiness(waiter.EventOut); got != 0 {
		t.Errorf("Readiness(EventOut) on full ring = %#x, want 0", got)
	}
	if got := srv.Readiness(waiter.EventIn); got != waiter.EventIn {
		t.Errorf("Readiness(EventIn) = %#x, want EventIn", got)
	}
}

func TestStreamLargeWrite(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	l := f.listen(t, "bulk")
	c := f.open(t)
	srv := f.pair(t, ctx, l, c)

	want := make([]byte, 10*abi.DefaultSendBufferSize+123)
	for i := range want {
		want[i] = byte(i * 7)
	}
	var g errgroup.Group
	g.Go(func() error {
		n, err := c.Write(ctx, want, 0)
		if err == nil && n != len(want) {
			err = fmt.Errorf("short write %d", n)
		}
		return err
	})
	got := make([]byte, 0, len(want))
	buf := make([]byte, 1000)
	for len(got) < len(want) {
		n, err := srv.Read(ctx, buf, 0)
		if err != nil {
			t.Fatalf("Read after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:n]...)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("stream corrupted")
	}
}

func TestMessageMode(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	l := f.listen(t, "msg")
	c := f.open(t)
	if err := c.SetOption(abi.SolIWSock, abi.SoMaxMsgSize, 64); err != nil {
		t.Fatalf("SetOption: %v", err)
	}
	srv := f.pair(t, ctx, l, c)
	if v, err := srv.GetOption(abi.SolIWSock, abi.SoMaxMsgSize); err != nil || v != 64 {
		t.Fatalf("accepted GetOption = %d, %v; want 64, nil", v, err)
	}

	if _, err := c.Write(ctx, make([]byte, 65), 0); !errors.Is(err, syserr.ErrMessageTooLarge) {
		t.Fatalf("Write(65) = %v, want %v", err, syserr.ErrMessageTooLarge)
	}
	for _, m := range []string{"hello", "world"} {
		if _, err := c.Write(ctx, []byte(m), 0); err != nil {
			t.Fatalf("Write(%q): %v", m, err)
		}
	}

	small := &MessageHeader{Iov: [][]byte{make([]byte, 3)}}
	if _, err := srv.ReadMessage(ctx, small, 0); !errors.Is(err, syserr.ErrMessageTooLarge) {
		t.Fatalf("ReadMessage into 3 bytes = %v, want %v", err, syserr.ErrMessageTooLarge)
	}
	hdr := &MessageHeader{Iov: [][]byte{make([]byte, 4), make([]byte, 4)}}
	n, err := srv.ReadMessage(ctx, hdr, 0)
	if err != nil || n != 5 {
		t.Fatalf("ReadMessage = %d, %v; want 5, nil", n, err)
	}
	if got := string(hdr.Iov[0]) + string(hdr.Iov[1][:1]); got != "hello" {
		t.Errorf("scattered message = %q, want \"hello\"", got)
	}

	// Read truncates and drops the rest of the message.
	buf := make([]byte, 3)
	if n, err := srv.Read(ctx, buf, 0); err != nil || string(buf[:n]) != "wor" {
		t.Fatalf("Read = %q, %v; want \"wor\", nil", buf[:n], err)
	}
	if _, err := srv.Read(ctx, buf, abi.MsgDontWait); !errors.Is(err, syserr.ErrWouldBlock) {
		t.Fatalf("Read after truncation = %v, want %v", err, syserr.ErrWouldBlock)
	}
}

func TestMessageTooLargeKeepsControl(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	l := f.listen(t, "msg-oob")
	c := f.open(t)
	if err := c.SetOption(abi.SolIWSock, abi.SoMaxMsgSize, 512); err != nil {
		t.Fatalf("SetOption: %v", err)
	}
	srv := f.pair(t, ctx, l, c)

	if _, err := c.Write(ctx, []byte("ctl"), abi.MsgOOB); err != nil {
		t.Fatalf("Write(MsgOOB): %v", err)
	}
	msg := bytes.Repeat([]byte{'m'}, 100)
	if _, err := c.Write(ctx, msg, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	control := make([]byte, 8)
	small := &MessageHeader{Iov: [][]byte{make([]byte, 10)}, Control: control}
	if _, err := srv.ReadMessage(ctx, small, 0); !errors.Is(err, syserr.ErrMessageTooLarge) {
		t.Fatalf("ReadMessage into 10 bytes = %v, want %v", err, syserr.ErrMessageTooLarge)
	}
	if len(small.Control) != len(control) || small.Flags != 0 {
		t.Errorf("failed ReadMessage changed header: control len %d flags %#x", len(small.Control), small.Flags)
	}

	hdr := &MessageHeader{Iov: [][]byte{make([]byte, 200)}, Control: make([]byte, 8)}
	n, err := srv.ReadMessage(ctx, hdr, 0)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(hdr.Control) != "ctl" || hdr.Flags != abi.MsgOOB {
		t.Errorf("control = %q flags %#x, want \"ctl\" with MsgOOB", hdr.Control, hdr.Flags)
	}
	if !bytes.Equal(hdr.Iov[0][:n], msg) {
		t.Errorf("message = %d bytes, want %d", n, len(msg))
	}
}

func TestOptions(t *testing.T) {
	f := defaultFixture(t)
	s := f.open(t)
	for _, tc := range []struct {
		name              string
		level, opt, value int
		want              error
	}{
		{"bad level", 99, abi.SoMaxMsgSize, 1, syserr.ErrInvalidArgument},
		{"bad name", abi.SolIWSock, 99, 1, syserr.ErrInvalidArgument},
		{"negative", abi.SolIWSock, abi.SoMaxMsgSize, -1, syserr.ErrInvalidArgument},
		{"too large", abi.SolIWSock, abi.SoMaxMsgSize, abi.DefaultSendBufferSize, syserr.ErrInvalidArgument},
		{"wider than header field", abi.SolIWSock, abi.SoMaxMsgSize, abi.MaxMsgSizeLimit + 1, syserr.ErrInvalidArgument},
		{"ok", abi.SolIWSock, abi.SoMaxMsgSize, 128, nil},
		{"stream", abi.SolIWSock, abi.SoMaxMsgSize, 0, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.SetOption(tc.level, tc.opt, tc.value); !errors.Is(err, tc.want) {
				t.Errorf("SetOption = %v, want %v", err, tc.want)
			}
		})
	}
	if _, err := s.GetOption(99, abi.SoMaxMsgSize); !errors.Is(err, syserr.ErrInvalidArgument) {
		t.Errorf("GetOption(bad level) = %v, want %v", err, syserr.ErrInvalidArgument)
	}
	if err := s.Listen("opts"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := s.SetOption(abi.SolIWSock, abi.SoMaxMsgSize, 16); !errors.Is(err, syserr.ErrInvalidEndpointState) {
		t.Errorf("SetOption on listener = %v, want %v", err, syserr.ErrInvalidEndpointState)
	}
}

func TestOOBAndCredentials(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	l := f.listen(t, "oob")
	c := f.open(t)
	want := abi.Credentials{PID: 10, UID: 20, GID: 30}
	srv := f.pair(t, WithCredentials(ctx, want), l, c)

	got, ok := srv.PeerCredentials()
	if !ok {
		t.Fatalf("PeerCredentials not set on accepted socket")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PeerCredentials mismatch (-want +got):\n%s", diff)
	}
	if _, ok := c.PeerCredentials(); ok {
		t.Errorf("PeerCredentials set on connecting socket")
	}

	if _, err := c.Write(ctx, []byte("ctl"), abi.MsgOOB); err != nil {
		t.Fatalf("Write(MsgOOB): %v", err)
	}
	if _, err := c.Write(ctx, []byte("data"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := c.Write(ctx, make([]byte, abi.MaxOOBMessageSize+1), abi.MsgOOB); !errors.Is(err, syserr.ErrMessageTooLarge) {
		t.Errorf("oversized OOB Write = %v, want %v", err, syserr.ErrMessageTooLarge)
	}
	if _, err := srv.Write(ctx, []byte("x"), abi.MsgOOB); !errors.Is(err, syserr.ErrNotSupported) {
		t.Errorf("OOB Write from acceptor = %v, want %v", err, syserr.ErrNotSupported)
	}

	hdr := &MessageHeader{Iov: [][]byte{make([]byte, 16)}, Control: make([]byte, 8)}
	n, err := srv.ReadMessage(ctx, hdr, 0)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(hdr.Control) != "ctl" || hdr.Flags != abi.MsgOOB {
		t.Errorf("control = %q flags %#x, want \"ctl\" with MsgOOB", hdr.Control, hdr.Flags)
	}
	if string(hdr.Iov[0][:n]) != "data" {
		t.Errorf("data = %q, want \"data\"", hdr.Iov[0][:n])
	}
}

func TestPrivilegedCredentials(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	l := f.listen(t, "kernel")
	c, err := f.reg.Open(true, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	srv := f.pair(t, WithCredentials(ctx, abi.Credentials{PID: 1}), l, c)
	if got, _ := srv.PeerCredentials(); got != (abi.Credentials{}) {
		t.Errorf("privileged PeerCredentials = %+v, want zero", got)
	}
}

func TestConnectTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.ConnectTimeout = 20 * time.Millisecond
	f := newFixture(t, opts)
	ctx := context.Background()
	l := f.listen(t, "slow")
	c := f.open(t)
	if err := c.Connect(ctx, "slow", 0); !errors.Is(err, syserr.ErrTimedOut) {
		t.Fatalf("Connect = %v, want %v", err, syserr.ErrTimedOut)
	}
	if got := c.State(); got != StateNew {
		t.Errorf("state after timeout = %v, want new", got)
	}
	// The abandoned request is dropped by accept.
	if _, err := l.Accept(ctx, abi.MsgDontWait); !errors.Is(err, syserr.ErrWouldBlock) {
		t.Errorf("Accept = %v, want %v", err, syserr.ErrWouldBlock)
	}
	f.pair(t, ctx, l, c)
}

func TestInterrupt(t *testing.T) {
	f := defaultFixture(t)
	l := f.listen(t, "intr")
	c := f.open(t)
	srv := f.pair(t, context.Background(), l, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := srv.Read(ctx, make([]byte, 1), 0)
		done <- err
	}()
	cancel()
	if err := <-done; !errors.Is(err, syserr.ErrInterrupted) {
		t.Fatalf("Read = %v, want %v", err, syserr.ErrInterrupted)
	}
}

func TestNonInterruptibleIgnoresCancel(t *testing.T) {
	f := defaultFixture(t)
	l := f.listen(t, "nointr")
	c, err := f.reg.Open(false, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	srv := f.pair(t, context.Background(), l, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() {
		_, err := c.Read(ctx, make([]byte, 1), 0)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if _, err := srv.Write(context.Background(), []byte("!"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Read = %v, want nil", err)
	}
}

func TestBacklogFull(t *testing.T) {
	opts := DefaultOptions()
	opts.Backlog = 1
	f := newFixture(t, opts)
	ctx := context.Background()
	f.listen(t, "busy")
	a, b := f.open(t), f.open(t)
	if err := a.Connect(ctx, "busy", abi.MsgDontWait); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := b.Connect(ctx, "busy", abi.MsgDontWait); !errors.Is(err, syserr.ErrTryAgain) {
		t.Fatalf("second Connect = %v, want %v", err, syserr.ErrTryAgain)
	}
	if got := b.State(); got != StateNew {
		t.Errorf("state after full backlog = %v, want new", got)
	}
}

func TestListenerReleaseRefusesPending(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	l := f.listen(t, "bye")
	c := f.open(t)
	if err := c.Connect(ctx, "bye", abi.MsgDontWait); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := l.Readiness(waiter.EventIn); got != waiter.EventIn {
		t.Errorf("listener Readiness = %#x, want EventIn", got)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := c.WaitForConnection(ctx); !errors.Is(err, syserr.ErrConnectionRefused) {
		t.Fatalf("WaitForConnection = %v, want %v", err, syserr.ErrConnectionRefused)
	}
	if got := c.State(); got != StateNew {
		t.Errorf("state = %v, want new", got)
	}
	if err := c.Release(); err != nil {
		t.Fatalf("client Release: %v", err)
	}
	f.quiesced(t)
}

func TestRegistryClose(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	l := f.listen(t, "close")
	c := f.open(t)
	f.pair(t, ctx, l, c)
	f.reg.Close()
	if n := f.reg.Len(); n != 0 {
		t.Errorf("Len() after Close = %d, want 0", n)
	}
	if _, err := f.reg.Open(false, false); !errors.Is(err, syserr.ErrInvalidEndpointState) {
		t.Errorf("Open after Close = %v, want %v", err, syserr.ErrInvalidEndpointState)
	}
	f.quiesced(t)
}

func TestAcceptAfterRegistryClose(t *testing.T) {
	f := defaultFixture(t)
	l := f.listen(t, "late")
	c := f.open(t)
	if err := c.Connect(context.Background(), "late", abi.MsgDontWait); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r, err := l.popRequest()
	if err != nil {
		t.Fatalf("popRequest: %v", err)
	}
	// Close runs between taking the request and registering the new socket.
	f.reg.Close()
	if _, err := f.reg.newAccepted(l, r); !errors.Is(err, syserr.ErrInvalidEndpointState) {
		t.Fatalf("newAccepted after Close = %v, want %v", err, syserr.ErrInvalidEndpointState)
	}
	if n := f.reg.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
	f.quiesced(t)
}

func TestOptionsValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Options)
		want   error
	}{
		{"default", func(*Options) {}, nil},
		{"zero send", func(o *Options) { o.SendBufferSize = 0 }, syserr.ErrInvalidArgument},
		{"small oob", func(o *Options) { o.OOBBufferSize = 8 }, syserr.ErrInvalidArgument},
		{"zero backlog", func(o *Options) { o.Backlog = 0 }, syserr.ErrInvalidArgument},
		{"huge", func(o *Options) { o.RecvBufferSize = abi.MaxPageCount * abi.PageSize }, syserr.ErrResourceExhausted},
		{"max msg", func(o *Options) { o.MaxMsgSize = abi.DefaultSendBufferSize }, syserr.ErrInvalidArgument},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := DefaultOptions()
			tc.modify(&o)
			if err := o.Validate(); !errors.Is(err, tc.want) {
				t.Errorf("Validate = %v, want %v", err, tc.want)
			}
		})
	}
}

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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/iwio"
	"gvisor.dev/iwsock/pkg/memfile"
	"gvisor.dev/iwsock/pkg/syserr"
)

// Options are the per-registry socket parameters.
type Options struct {
	// SendBufferSize and RecvBufferSize are the stream ring sizes, as seen
	// by the connecting side.
	SendBufferSize uint32
	RecvBufferSize uint32

	// OOBBufferSize is the size of the out-of-band ring. It must hold at
	// least the credential record.
	OOBBufferSize uint32

	// MaxMsgSize is the initial SoMaxMsgSize of new sockets. Zero selects
	// stream mode.
	MaxMsgSize uint32

	// Backlog bounds the pending connection requests of a listener.
	Backlog int

	// ConnectTimeout bounds a blocking connect. Zero waits forever.
	ConnectTimeout time.Duration
}

// DefaultOptions returns the default socket parameters.
func DefaultOptions() Options {
	return Options{
		SendBufferSize: abi.DefaultSendBufferSize,
		RecvBufferSize: abi.DefaultRecvBufferSize,
		OOBBufferSize:  abi.DefaultOOBBufferSize,
		Backlog:        16,
		ConnectTimeout: 30 * time.Second,
	}
}

// Validate checks that o describes regions a channel can carry.
func (o *Options) Validate() error {
	if o.SendBufferSize == 0 || o.RecvBufferSize == 0 {
		return syserr.Wrap(syserr.ErrInvalidArgument, "buffer sizes must be positive")
	}
	if o.OOBBufferSize < abi.FrameHeaderBytes+abi.CredentialsBytes {
		return syserr.Wrap(syserr.ErrInvalidArgument, "oob buffer of %d bytes cannot hold credentials", o.OOBBufferSize)
	}
	if o.Backlog <= 0 {
		return syserr.Wrap(syserr.ErrInvalidArgument, "backlog must be positive")
	}
	if o.ConnectTimeout < 0 {
		return syserr.Wrap(syserr.ErrInvalidArgument, "negative connect timeout")
	}
	total := uint64(abi.ControlPageBytes)
	for _, size := range []uint32{o.SendBufferSize, o.RecvBufferSize, o.OOBBufferSize} {
		total += uint64(size) + abi.RingWindowAlign
	}
	if pages := (total + abi.PageSize - 1) / abi.PageSize; pages > abi.MaxPageCount {
		return syserr.Wrap(syserr.ErrResourceExhausted, "regions of %d pages exceed channel limit %d", pages, abi.MaxPageCount)
	}
	if err := checkMaxMsgSize(o.MaxMsgSize, o.SendBufferSize, o.RecvBufferSize); err != nil {
		return err
	}
	return nil
}

// listenEntry is a directory entry, ordered by name.
type listenEntry struct {
	name string
	sock *Socket
}

func listenLess(a, b listenEntry) bool {
	return a.name < b.name
}

// Registry is the handle table and listen-name directory of one transport
// instance.
type Registry struct {
	mgr  *iwio.Manager
	mem  *memfile.File
	opts Options

	// nextID is the next socket id. Ids are never reused.
	nextID atomic.Uint64

	// mu protects the fields below. It is taken before any Socket.mu.
	mu sync.Mutex

	// sockets maps ids to sockets that have not been released.
	sockets map[uint64]*Socket

	// names holds listening sockets by name.
	names *btree.BTreeG[listenEntry]

	closed bool
}

// NewRegistry returns a registry allocating regions from mgr's memory file.
func NewRegistry(mgr *iwio.Manager, opts Options) (*Registry, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		mgr:     mgr,
		mem:     mgr.Mem(),
		opts:    opts,
		sockets: make(map[uint64]*Socket),
		names:   btree.NewG(2, listenLess),
	}
	r.nextID.Store(1)
	return r, nil
}

// Options returns the registry's socket parameters.
func (r *Registry) Options() Options {
	return r.opts
}

// Open creates a socket in state New. The caller owns the returned session
// reference and gives it up with Release.
func (r *Registry) Open(privileged, interruptible bool) (*Socket, error) {
	s := r.newSocket(privileged, interruptible)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, syserr.ErrInvalidEndpointState
	}
	r.sockets[s.id] = s
	s.refs.InitRefs("iwsock.Socket")
	socketsOpen.Increment()
	if privileged {
		socketsOpened.Increment("privileged")
	} else {
		socketsOpened.Increment("user")
	}
	return s, nil
}

func (r *Registry) newSocket(privileged, interruptible bool) *Socket {
	return &Socket{
		reg:           r,
		id:            r.nextID.Add(1) - 1,
		privileged:    privileged,
		interruptible: interruptible,
		maxMsgSize:    r.opts.MaxMsgSize,
	}
}

// Lookup returns the socket with the given id with a reference held. The
// caller must call DecRef when done.
func (r *Registry) Lookup(id uint64) (*Socket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sockets[id]
	if !ok {
		return nil, syserr.ErrInvalidArgument
	}
	if err := s.enter(); err != nil {
		return nil, err
	}
	return s, nil
}

// Len returns the number of sockets that have not been released.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}

// Names returns the listen names in order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, r.names.Len())
	r.names.Ascend(func(e listenEntry) bool {
		names = append(names, e.name)
		return true
	})
	return names
}

// Close releases every open socket and refuses further Opens.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	socks := make([]*Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		socks = append(socks, s)
	}
	r.mu.Unlock()

	sort.Slice(socks, func(i, j int) bool { return socks[i].id < socks[j].id })
	for _, s := range socks {
		// Racing Releases are fine; the loser sees ErrInvalidArgument.
		s.Release()
	}
}

// listen registers s under name.
func (r *Registry) listen(s *Socket, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateNew:
	case StateReleased:
		return syserr.ErrInvalidArgument
	default:
		return syserr.ErrInvalidEndpointState
	}
	if _, ok := r.names.Get(listenEntry{name: name}); ok {
		return syserr.ErrNameInUse
	}
	r.names.ReplaceOrInsert(listenEntry{name: name, sock: s})
	s.name = name
	s.state = StateListening
	s.backlogMax = r.opts.Backlog
	return nil
}

// lookupListener returns the socket listening on name with a reference held.
func (r *Registry) lookupListener(name string) (*Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.names.Get(listenEntry{name: name})
	if !ok || !e.sock.refs.TryIncRef() {
		return nil, false
	}
	return e.sock, true
}

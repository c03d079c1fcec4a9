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
	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/syserr"
)

// checkMaxMsgSize checks that a framed message of size bytes fits both stream
// rings.
func checkMaxMsgSize(size, snd, rcv uint32) error {
	if size == 0 {
		return nil
	}
	if uint64(size)+abi.FrameHeaderBytes > uint64(min(snd, rcv)) {
		return syserr.Wrap(syserr.ErrInvalidArgument, "message size %d does not fit buffers of %d and %d bytes", size, snd, rcv)
	}
	return nil
}

// GetOption returns the value of a socket option.
func (s *Socket) GetOption(level, name int) (int, error) {
	if level != abi.SolIWSock || name != abi.SoMaxMsgSize {
		return 0, syserr.ErrInvalidArgument
	}
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.DecRef()
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.maxMsgSize), nil
}

// SetOption sets a socket option. SoMaxMsgSize can only be changed before the
// socket listens or connects; zero selects stream mode.
func (s *Socket) SetOption(level, name, value int) error {
	if level != abi.SolIWSock || name != abi.SoMaxMsgSize {
		return syserr.ErrInvalidArgument
	}
	if value < 0 || int64(value) > abi.MaxMsgSizeLimit {
		return syserr.ErrInvalidArgument
	}
	opts := &s.reg.opts
	if err := checkMaxMsgSize(uint32(value), opts.SendBufferSize, opts.RecvBufferSize); err != nil {
		return err
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.DecRef()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNew {
		return syserr.ErrInvalidEndpointState
	}
	s.maxMsgSize = uint32(value)
	return nil
}

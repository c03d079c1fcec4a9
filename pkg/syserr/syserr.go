// Copyright 2018 The gVisor Authors.
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

// Package syserr contains the errors returned by the inter-world socket
// transport. Each error carries the Linux errno a driver front end would
// report for it.
//
// Errors are compared by identity:
//
//	if err == syserr.ErrWouldBlock { ... }
//
// or, when the error may have been wrapped, with errors.Is.
package syserr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error represents a transport error.
type Error struct {
	// message is the human readable form of this Error.
	message string

	// errno is the unix.Errno this Error translates to.
	errno unix.Errno
}

// New creates a new Error.
//
// New must only be called at init. Static errors should be declared as
// global variables.
func New(message string, errno unix.Errno) *Error {
	return &Error{message: message, errno: errno}
}

// Error implements error.Error.
func (e *Error) Error() string {
	return e.message
}

// String implements fmt.Stringer.String.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.message
}

// Errno returns the Linux errno e translates to.
func (e *Error) Errno() unix.Errno {
	return e.errno
}

// Is allows errors.Is(err, unix.EINVAL) style comparisons.
func (e *Error) Is(target error) bool {
	if errno, ok := target.(unix.Errno); ok {
		return e.errno == errno
	}
	return false
}

var (
	// ErrInvalidArgument is returned for bad sizes, nil buffers, bad names
	// and any use of a released socket.
	ErrInvalidArgument = New("invalid argument", unix.EINVAL)

	// ErrResourceExhausted is returned when a page table or buffer
	// allocation cannot be satisfied.
	ErrResourceExhausted = New("resource exhausted", unix.ENOMEM)

	// ErrNameInUse is returned by listen on a name that is already
	// registered.
	ErrNameInUse = New("name already in use", unix.EADDRINUSE)

	// ErrNotConnected is returned by data transfer on a socket that is not
	// connected.
	ErrNotConnected = New("socket is not connected", unix.ENOTCONN)

	// ErrConnectionReset is returned once the peer has closed its side.
	ErrConnectionReset = New("connection reset by peer", unix.ECONNRESET)

	// ErrInterrupted is returned when an interruptible wait is aborted.
	ErrInterrupted = New("interrupted", unix.EINTR)

	// ErrMessageTooLarge is returned when a message exceeds the configured
	// maximum or the caller's buffer.
	ErrMessageTooLarge = New("message too long", unix.EMSGSIZE)

	// ErrWouldBlock is returned by non-blocking operations that would have
	// had to wait.
	ErrWouldBlock = New("operation would block", unix.EAGAIN)

	// ErrTryAgain is returned by connect when the listener's backlog is
	// full.
	ErrTryAgain = New("try again", unix.EAGAIN)

	// ErrConnectionRefused is returned by connect when nothing listens on
	// the name or the listener went away before accepting.
	ErrConnectionRefused = New("connection refused", unix.ECONNREFUSED)

	// ErrTimedOut is returned when connect exceeds its timeout.
	ErrTimedOut = New("connection timed out", unix.ETIMEDOUT)

	// ErrAlreadyConnected is returned by connect on a connected socket.
	ErrAlreadyConnected = New("socket is already connected", unix.EISCONN)

	// ErrInvalidEndpointState is returned for operations not valid in the
	// socket's current state.
	ErrInvalidEndpointState = New("operation not valid in current socket state", unix.EINVAL)

	// ErrNotSupported is returned for operations the socket side does not
	// support, such as sending out-of-band data against the ring direction.
	ErrNotSupported = New("operation not supported", unix.EOPNOTSUPP)

	// ErrProtocol is returned when shared state written by the peer is
	// inconsistent.
	ErrProtocol = New("protocol error", unix.EPROTO)
)

// all is used by FromErrno. Order matters: the first error with a given errno
// wins.
var all = []*Error{
	ErrInvalidArgument,
	ErrResourceExhausted,
	ErrNameInUse,
	ErrNotConnected,
	ErrConnectionReset,
	ErrInterrupted,
	ErrMessageTooLarge,
	ErrWouldBlock,
	ErrConnectionRefused,
	ErrTimedOut,
	ErrAlreadyConnected,
	ErrNotSupported,
	ErrProtocol,
}

// FromErrno translates a unix.Errno to the corresponding Error value.
func FromErrno(errno unix.Errno) (*Error, bool) {
	for _, e := range all {
		if e.errno == errno {
			return e, true
		}
	}
	return nil, false
}

// ToErrno returns the errno an arbitrary error translates to. Errors that are
// not transport errors translate to EIO.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.errno
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// Wrap annotates e with a dynamic message while keeping errors.Is(err, e)
// true.
func Wrap(e *Error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), e)
}

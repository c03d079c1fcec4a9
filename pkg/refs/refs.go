// Copyright 2020 The gVisor Authors.
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

// Package refs provides the atomic reference count used by sockets and
// regions, together with a global registry of live objects for leak
// checking.
package refs

import (
	"fmt"
	"sync/atomic"
)

// RefCounter is implemented by reference counted objects.
type RefCounter interface {
	// IncRef increments the reference count. The caller must already hold a
	// reference.
	IncRef()

	// TryIncRef attempts to increment the reference count, failing if all
	// references have already been dropped.
	TryIncRef() bool

	// DecRef decrements the reference count, releasing the object once the
	// count reaches zero.
	DecRef()
}

// Refs keeps a reference count using atomic operations and calls the
// destructor passed to DecRef when the count reaches zero.
//
// The zero value is not usable; call InitRefs first.
type Refs struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used by TryIncRef to avoid a
	// CompareAndSwap loop.
	refCount atomic.Int64

	// kind names the owning object in leak reports. It is immutable after
	// InitRefs.
	kind string
}

// InitRefs initializes r with one reference and, if enabled, registers it for
// leak checking.
func (r *Refs) InitRefs(kind string) {
	r.kind = kind
	r.refCount.Store(1)
	Register(r)
}

// RefType implements CheckedObject.RefType.
func (r *Refs) RefType() string {
	return r.kind
}

// LeakMessage implements CheckedObject.LeakMessage.
func (r *Refs) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.ReadRefs())
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef increments the reference count. It panics if the count was not
// positive: an object whose count reached zero is being destroyed and may
// never be revived.
func (r *Refs) IncRef() {
	if v := r.refCount.Add(1); int32(v) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// TryIncRef increments the reference count unless it has already reached
// zero.
//
// A speculative reference is first acquired on the object. This allows
// concurrent TryIncRef calls to distinguish each other from genuine references
// held.
func (r *Refs) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// Already destroyed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef decrements the reference count and calls destroy, if non-nil, when
// it reaches zero. destroy runs exactly once per object.
//
// Speculative references are counted here. Since they were added prior to
// real references reaching zero, they will successfully convert to real
// references:
//
//	A: TryIncRef [speculative increase => sees non-negative references]
//	B: DecRef [real decrease]
//	A: TryIncRef [transform speculative to real]
func (r *Refs) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	switch {
	case int32(v) < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))

	case v == 0:
		Unregister(r)
		if destroy != nil {
			destroy()
		}
	}
}

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

package memfile

import (
	"sync/atomic"
	"unsafe"
)

// The helpers below access shared words. b must be at least off+size bytes
// long and off must be naturally aligned relative to a page.

// LoadUint32 atomically loads the uint32 at b[off:].
func LoadUint32(b []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[off:][:4][0])))
}

// StoreUint32 atomically stores v at b[off:].
func StoreUint32(b []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[off:][:4][0])), v)
}

// LoadUint64 atomically loads the uint64 at b[off:].
func LoadUint64(b []byte, off int) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[off:][:8][0])))
}

// StoreUint64 atomically stores v at b[off:].
func StoreUint64(b []byte, off int, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[off:][:8][0])), v)
}

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

package refs

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDestroyRunsOnce(t *testing.T) {
	var r Refs
	r.InitRefs("test")

	var destroyed atomic.Int32
	destroy := func() { destroyed.Add(1) }

	const goroutines = 64
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		r.IncRef()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryIncRef() {
				r.DecRef(destroy)
			}
			r.DecRef(destroy)
		}()
	}
	r.DecRef(destroy)
	wg.Wait()

	if got := destroyed.Load(); got != 1 {
		t.Fatalf("destroy ran %d times, want 1", got)
	}
	if r.TryIncRef() {
		t.Fatalf("TryIncRef succeeded on a destroyed object")
	}
	if got := r.ReadRefs(); got != 0 {
		t.Fatalf("ReadRefs() = %d, want 0", got)
	}
}

func TestIncRefOnZeroPanics(t *testing.T) {
	var r Refs
	r.InitRefs("test")
	r.DecRef(nil)
	defer func() {
		if recover() == nil {
			t.Errorf("IncRef on a destroyed object did not panic")
		}
	}()
	r.IncRef()
}

func TestDecRefBelowZeroPanics(t *testing.T) {
	var r Refs
	r.InitRefs("test")
	r.DecRef(nil)
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef below zero did not panic")
		}
	}()
	r.DecRef(nil)
}

func TestLeakCheck(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	var leaked, freed Refs
	leaked.InitRefs("leaky")
	freed.InitRefs("tidy")
	freed.DecRef(nil)

	leaks := Leaks()
	if len(leaks) != 1 || !strings.Contains(leaks[0], "leaky") {
		t.Fatalf("Leaks() = %q, want one leak naming %q", leaks, "leaky")
	}
	if n := DoLeakCheck(); n != 1 {
		t.Errorf("DoLeakCheck() = %d, want 1", n)
	}
	leaked.DecRef(nil)
	if n := DoLeakCheck(); n != 0 {
		t.Errorf("DoLeakCheck() after release = %d, want 0", n)
	}
}

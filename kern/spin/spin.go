// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package spin provides the kernel's lowest-level synchronization: busy-wait
// mutual exclusion and atomic word types. Everything above it in the kern
// tree is built from these two.
//
// A spin.Mutex deliberately has no owner: the thread that acquires it is not
// required to be the one that releases it. The scheduler depends on this to
// hand a blocking thread's lock over to the core that switches it out.
package spin

import (
	"runtime"
	"sync/atomic"
)

// Atomic word types used for lock words, futex words, and counters. These
// alias sync/atomic so a word declared here is usable with the futex layer
// without conversion.
type (
	Uint32 = atomic.Uint32
	Uint64 = atomic.Uint64
	Int32  = atomic.Int32
	Int64  = atomic.Int64
	Bool   = atomic.Bool
)

// activeSpins is how many times Lock re-reads the lock word before it starts
// yielding the processor between attempts. Contended sections in the kernel
// are short, so most waits resolve within this budget.
const activeSpins = 64

// Mutex is a busy-wait lock. The zero value is unlocked.
//
// It must not be copied after first use.
type Mutex struct {
	v Uint32
}

// Lock acquires m, spinning until it is available.
func (m *Mutex) Lock() {
	if m.v.CompareAndSwap(0, 1) {
		return
	}
	for spins := 0; ; spins++ {
		if m.v.Load() == 0 && m.v.CompareAndSwap(0, 1) {
			return
		}
		if spins >= activeSpins {
			runtime.Gosched()
		}
	}
}

// TryLock acquires m if it is free and reports whether it did.
func (m *Mutex) TryLock() bool {
	return m.v.CompareAndSwap(0, 1)
}

// Unlock releases m. The caller need not be the locker, but m must be held:
// unlocking a free Mutex means lock discipline is broken somewhere, so it
// panics rather than let the corruption spread.
func (m *Mutex) Unlock() {
	if m.v.Swap(0) != 1 {
		panic("spin: unlock of unlocked Mutex")
	}
}

// Held reports whether m is currently locked by someone. It is inherently
// racy and exists for assertions and monitoring only.
func (m *Mutex) Held() bool {
	return m.v.Load() != 0
}

// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package futex implements address-keyed blocking: a thread waits until the
// word at an address stops holding an expected value, and a waker releases
// up to n threads waiting on that address. The semaphore and mutex layers
// are built on this contract.
package futex

import (
	"fmt"
	"math"
	"unsafe"

	"gvisor.dev/gvisor/pkg/abi/linux"

	"nanokern.dev/kern/kerr"
	"nanokern.dev/kern/sched"
	"nanokern.dev/kern/spin"
	"nanokern.dev/kern/waitq"
)

// WakeAll wakes every waiter on a word.
const WakeAll = math.MaxInt32

const numBuckets = 64

// waiter is one parked thread and the word it parked on. Words hash to
// buckets, so a bucket queue can hold waiters for several words at once.
type waiter struct {
	word *spin.Uint32
	t    *sched.Thread
}

type bucket struct {
	mu spin.Mutex
	q  *waitq.Queue[waiter]
}

// Table is a kernel's futex state: a fixed set of buckets, each a wait
// queue guarded by its own lock. The same lock serializes the
// compare-and-enqueue of Wait against the dequeue of Wake for a given
// word, which is what makes a lost wakeup impossible.
type Table struct {
	k     *sched.Kernel
	arena *waitq.Arena[waiter]

	waits spin.Uint64
	wakes spin.Uint64

	buckets [numBuckets]bucket
}

// NewTable returns a table for threads of k. capacity bounds concurrently
// parked threads; zero or less selects the waitq default.
func NewTable(k *sched.Kernel, capacity int) *Table {
	tb := &Table{k: k, arena: waitq.NewArena[waiter](capacity)}
	for i := range tb.buckets {
		tb.buckets[i].q = tb.arena.NewQueue()
	}
	return tb
}

// bucketFor hashes the word's address. Words are 4-byte aligned, so the low
// two bits carry nothing.
func (tb *Table) bucketFor(word *spin.Uint32) *bucket {
	addr := uintptr(unsafe.Pointer(word))
	return &tb.buckets[(addr>>2)*2654435761%numBuckets]
}

// Wait blocks cur until another thread wakes the word, unless the word no
// longer holds expected, in which case it returns immediately. Callers
// re-check their own condition after Wait returns, as with any futex.
func (tb *Table) Wait(cur *sched.Thread, word *spin.Uint32, expected uint32) error {
	return tb.WaitReason(cur, word, expected, sched.ReasonFutex)
}

// WaitReason is Wait with an explicit block reason for snapshots and
// traces. The semaphore and mutex layers pass their own.
func (tb *Table) WaitReason(cur *sched.Thread, word *spin.Uint32, expected uint32, reason sched.Reason) error {
	if tb == nil || tb.k == nil || cur == nil || word == nil {
		return fmt.Errorf("futex wait: %w", kerr.ErrNil)
	}
	tb.k.Checkpoint(cur)

	b := tb.bucketFor(word)
	b.mu.Lock()
	if word.Load() != expected {
		b.mu.Unlock()
		return nil
	}
	h, err := tb.arena.NewNode(waiter{word: word, t: cur})
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("futex wait: %w", err)
	}
	if err := b.q.Push(h); err != nil {
		tb.arena.DeleteNode(h)
		b.mu.Unlock()
		return fmt.Errorf("futex wait: %w", err)
	}
	tb.waits.Add(1)
	tb.k.PrepareWait(cur, reason)
	b.mu.Unlock()
	tb.k.Park(cur)
	return nil
}

// Wake makes up to count threads waiting on word runnable, oldest first,
// and returns how many it released. It never blocks and is not a kill
// checkpoint, so it is safe in cleanup paths and from outside the kernel.
func (tb *Table) Wake(word *spin.Uint32, count int) int {
	if tb == nil || tb.k == nil || word == nil || count <= 0 {
		return 0
	}

	b := tb.bucketFor(word)
	var woken []*sched.Thread
	b.mu.Lock()
	for len(woken) < count {
		w, h, ok := b.q.PopWhere(func(w waiter) bool { return w.word == word })
		if !ok {
			break
		}
		if err := tb.arena.DeleteNode(h); err != nil {
			panic(fmt.Sprintf("futex: free waiter node: %v", err))
		}
		woken = append(woken, w.t)
	}
	b.mu.Unlock()

	// The popped threads are already unlinked, so a concurrent Wake cannot
	// pick them twice; unparking outside the bucket lock keeps the hold
	// short.
	for _, t := range woken {
		tb.k.Unpark(t)
	}
	tb.wakes.Add(uint64(len(woken)))
	return len(woken)
}

// Call dispatches a Linux-flavored futex op. FUTEX_PRIVATE_FLAG is accepted
// and ignored; every nanokern futex is process-private.
func (tb *Table) Call(cur *sched.Thread, op uint32, word *spin.Uint32, val uint32) (int, error) {
	switch op &^ linux.FUTEX_PRIVATE_FLAG {
	case linux.FUTEX_WAIT:
		if err := tb.Wait(cur, word, val); err != nil {
			return 0, err
		}
		return 0, nil
	case linux.FUTEX_WAKE:
		return tb.Wake(word, int(val)), nil
	default:
		return 0, fmt.Errorf("futex: op %#x: %w", op, kerr.ErrInvalid)
	}
}

// Stats reports how many waits have parked and how many threads wakes have
// released since the table was created.
func (tb *Table) Stats() (waits, wakes uint64) {
	return tb.waits.Load(), tb.wakes.Load()
}

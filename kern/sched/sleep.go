// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package sched

import (
	"fmt"
	"time"

	"nanokern.dev/kern/kerr"
)

// Sleep blocks the calling thread until at least d has elapsed in ticks.
// Durations round up, so any positive d sleeps for at least one whole tick.
// A non-positive d degenerates to a yield.
func (k *Kernel) Sleep(cur *Thread, d time.Duration) error {
	if k == nil || cur == nil {
		return fmt.Errorf("sleep: %w", kerr.ErrNil)
	}
	if d <= 0 {
		return k.Yield(cur)
	}
	k.Checkpoint(cur)

	ticks := uint64((d + k.params.TickPeriod - 1) / k.params.TickPeriod)
	if ticks == 0 {
		ticks = 1
	}
	deadline := k.ticks.Load() + ticks

	k.sleepq.mu.Lock()
	cur.lock.Lock()
	cur.state = StateSleeping
	cur.deadline = deadline

	// The list is sorted by deadline, ties in arrival order: insert after
	// every entry with a deadline at or before ours.
	var prev *Thread
	for at := k.sleepq.head; at != nil && at.deadline <= deadline; at = at.sleepNext {
		prev = at
	}
	if prev == nil {
		cur.sleepNext = k.sleepq.head
		k.sleepq.head = cur
	} else {
		cur.sleepNext = prev.sleepNext
		prev.sleepNext = cur
	}
	k.sleepq.mu.Unlock()

	k.count.sleeps.Add(1)
	k.trace(EventSleep, cur, int(cur.lastCore), deadline)
	k.switchOut(cur)
	return nil
}

// OnTick is the timer interrupt. It advances the tick counter, releases
// sleepers whose deadline has arrived, and charges the running thread on
// each unmasked core one slice tick. It runs on the timer's goroutine, the
// kernel's equivalent of interrupt context, and never blocks.
func (k *Kernel) OnTick() {
	now := k.ticks.Add(1)

	var due, dueTail *Thread
	k.sleepq.mu.Lock()
	for k.sleepq.head != nil && k.sleepq.head.deadline <= now {
		t := k.sleepq.head
		k.sleepq.head = t.sleepNext
		t.sleepNext = nil
		if dueTail == nil {
			due = t
		} else {
			dueTail.sleepNext = t
		}
		dueTail = t
	}
	k.sleepq.mu.Unlock()

	// Wake in list order so same-deadline sleepers become READY in the
	// order they went to sleep.
	for t := due; t != nil; {
		next := t.sleepNext
		t.sleepNext = nil
		k.Unpark(t)
		t = next
	}

	for _, c := range k.cores {
		if k.irq.Masked(c.id) {
			continue
		}
		c.lock.Lock()
		if c.current != nil {
			c.sliceLeft--
			if c.sliceLeft <= 0 {
				c.needResched.Store(true)
			}
		}
		c.lock.Unlock()
	}
}

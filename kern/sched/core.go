// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package sched

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bits"

	"nanokern.dev/kern/arch"
	"nanokern.dev/kern/kerr"
	"nanokern.dev/kern/spin"
	"nanokern.dev/kern/waitq"
)

// core is one scheduler loop. Each core owns a priority ready queue and
// runs at most one thread at a time.
type core struct {
	id    int
	ctx   arch.Context
	ready *waitq.Queue[*Thread]

	lock spin.Mutex
	// current and sliceLeft are guarded by lock; the tick handler reads
	// and decrements them from outside the core.
	current   *Thread
	sliceLeft int

	needResched spin.Bool

	// handoff is the thread that last switched into this core's loop. It
	// is written by the departing thread immediately before the switch and
	// read by the loop immediately after, so the switch itself orders the
	// accesses.
	handoff *Thread

	// note wakes the loop from idle. One slot: extra kicks coalesce.
	note chan struct{}
}

// runCore is a scheduler loop. It picks the best ready thread, switches to
// it, and finishes the departing thread's transition when control comes
// back.
func (k *Kernel) runCore(c *core) {
	defer k.done.Done()
	for {
		t, _, ok := c.ready.Pop()
		if !ok {
			select {
			case <-c.note:
				continue
			case <-k.stop:
				return
			}
		}
		k.dispatch(c, t)
	}
}

// dispatch runs t on c until t switches back.
//
// The thread's lock may still be held here by the thread's previous core:
// a woken thread becomes READY the instant its waker flips its state, which
// can be before the old core has finished switching away from it. Taking
// t.lock is what waits out that window.
func (k *Kernel) dispatch(c *core, t *Thread) {
	flags := k.irq.Save(c.id)

	t.lock.Lock()
	if t.state != StateReady {
		panic(fmt.Sprintf("sched: dispatch of %s thread %d", t.state, t.id))
	}
	t.state = StateRunning
	t.lastCore = int32(c.id)
	if !t.started {
		t.started = true
		t.startTick = k.ticks.Load()
	}
	t.lock.Unlock()

	c.lock.Lock()
	c.current = t
	c.sliceLeft = k.params.Quantum
	c.lock.Unlock()

	k.count.switches.Add(1)
	k.trace(EventSwitch, t, c.id, 0)
	k.irq.Restore(c.id, flags)

	k.engine.Switch(c.ctx, t.ctx)

	prev := c.handoff
	c.handoff = nil
	if prev == nil {
		panic("sched: switch returned without a departing thread")
	}

	c.lock.Lock()
	c.current = nil
	c.lock.Unlock()

	// The departing thread is fully off this core now. Releasing its lock
	// publishes its new state: from here a waker can run it elsewhere.
	prev.lock.Unlock()
}

// switchOut transfers control from cur back to its core's loop. The caller
// must hold cur.lock with cur's next state already set; the lock rides
// across the switch and the core loop releases it.
//
// When switchOut returns, cur has been dispatched again, possibly on a
// different core, and holds no locks.
func (k *Kernel) switchOut(cur *Thread) {
	c := k.cores[cur.lastCore]
	c.handoff = cur
	k.engine.Switch(cur.ctx, c.ctx)
}

// enqueueLocked places t, which must be READY and locked by the caller, on
// the least loaded core its affinity allows, and kicks that core if the
// arrival should interest it.
func (k *Kernel) enqueueLocked(t *Thread) {
	c := k.placeCore(t)
	if err := c.ready.PushPriority(t.node, t.curPrio.Load()); err != nil {
		panic(fmt.Sprintf("sched: enqueue thread %d: %v", t.id, err))
	}
	k.kick(c, Priority(t.curPrio.Load()))
}

func (k *Kernel) placeCore(t *Thread) *core {
	mask := t.affinity
	if mask == 0 {
		mask = k.coreMask
	}
	var best *core
	bestLen := 0
	for _, c := range k.cores {
		if !bits.IsAnyOn64(mask, bits.MaskOf64(c.id)) {
			continue
		}
		if n := c.ready.Len(); best == nil || n < bestLen {
			best, bestLen = c, n
		}
	}
	return best
}

// kick nudges a core about a new READY thread: an idle core is woken, a
// busy one is marked for preemption if the arrival outranks what it is
// running.
func (k *Kernel) kick(c *core, prio Priority) {
	c.lock.Lock()
	cur := c.current
	c.lock.Unlock()
	if cur == nil {
		select {
		case c.note <- struct{}{}:
		default:
		}
		return
	}
	if prio > Priority(cur.curPrio.Load()) {
		c.needResched.Store(true)
	}
}

// Yield gives up the processor. The calling thread goes back in the ready
// queue at its current priority and runs again once everything more urgent
// has had its turn.
func (k *Kernel) Yield(cur *Thread) error {
	if k == nil || cur == nil {
		return fmt.Errorf("yield: %w", kerr.ErrNil)
	}
	k.Checkpoint(cur)

	cur.lock.Lock()
	cur.state = StateReady
	k.enqueueLocked(cur)
	k.count.yields.Add(1)
	k.switchOut(cur)
	return nil
}

// Preempt is a preemption checkpoint. If the thread's core has been marked
// for rescheduling, by slice expiry or by the arrival of a higher-priority
// thread, the thread yields; otherwise it returns immediately. Thread
// bodies that run for a long time without blocking are expected to call
// this.
func (k *Kernel) Preempt(cur *Thread) error {
	if k == nil || cur == nil {
		return fmt.Errorf("preempt: %w", kerr.ErrNil)
	}
	k.Checkpoint(cur)

	c := k.cores[cur.lastCore]
	if !c.needResched.Swap(false) {
		return nil
	}
	k.count.preempts.Add(1)
	k.trace(EventPreempt, cur, c.id, 0)
	return k.Yield(cur)
}

// Checkpoint is a kill delivery point. A doomed thread terminates here with
// CauseKilled, unwinding through its entry function's defers. cur may be
// nil for callers outside the kernel, for whom this is a no-op.
func (k *Kernel) Checkpoint(cur *Thread) {
	if cur == nil {
		return
	}
	if cur.doomed.Load() {
		panic(doomRequest{})
	}
}

// PrepareWait moves cur to WAITING and leaves cur.lock held. It is the
// first half of blocking: the caller typically holds the lock of the
// primitive it blocks on, enlists itself, calls PrepareWait, drops the
// primitive lock, and then calls Park.
//
// Because cur.lock is held from here across the context switch, a waker
// that finds this thread in its queue cannot complete an Unpark until the
// thread is truly off its core. That closes the lost-wakeup window: the
// wake happens either before the primitive lock drops, in which case the
// waiter was never enlisted, or strictly after the switch is complete.
func (k *Kernel) PrepareWait(cur *Thread, reason Reason) {
	cur.lock.Lock()
	cur.state = StateWaiting
	cur.reason = reason
	k.trace(EventWait, cur, int(cur.lastCore), uint64(reason))
}

// Park completes a block started by PrepareWait. It returns when some
// waker has moved the thread back through READY and a core has dispatched
// it.
func (k *Kernel) Park(cur *Thread) {
	k.switchOut(cur)
}

// Unpark makes a blocked thread runnable. The caller must guarantee the
// thread is WAITING, SLEEPING, or JOINING and will not be unparked twice;
// the wait queues of the primitives provide exactly that, since a thread
// can be popped from one only once per block.
func (k *Kernel) Unpark(t *Thread) {
	t.lock.Lock()
	switch t.state {
	case StateWaiting, StateSleeping, StateJoining:
	default:
		panic(fmt.Sprintf("sched: unpark of %s thread %d", t.state, t.id))
	}
	t.state = StateReady
	t.reason = ReasonNone
	k.enqueueLocked(t)
	k.count.wakes.Add(1)
	k.trace(EventReady, t, int(t.lastCore), 0)
	t.lock.Unlock()
}

// RaisePriority lifts t's effective priority to at least prio and returns
// the value it had. The mutex layer uses this for ceiling elevation when a
// thread takes a lock.
func (k *Kernel) RaisePriority(t *Thread, prio Priority) Priority {
	t.lock.Lock()
	old := Priority(t.curPrio.Load())
	if prio > old {
		t.curPrio.Store(int32(prio))
		k.trace(EventPriority, t, int(t.lastCore), uint64(old))
	}
	t.lock.Unlock()
	return old
}

// RestorePriority returns t's effective priority to a value previously
// reported by RaisePriority.
func (k *Kernel) RestorePriority(t *Thread, prio Priority) {
	t.lock.Lock()
	if Priority(t.curPrio.Load()) != prio {
		t.curPrio.Store(int32(prio))
		k.trace(EventPriority, t, int(t.lastCore), uint64(prio))
	}
	t.lock.Unlock()
}

// SetPriority changes a thread's base priority. If the thread is READY its
// queue position is redone so the change takes effect before its next run.
// A ceiling elevation in force is not disturbed: the mutex layer restores
// its own saved value on unlock.
func (k *Kernel) SetPriority(cur *Thread, id Tid, prio Priority) error {
	if k == nil {
		return fmt.Errorf("set priority: %w", kerr.ErrNil)
	}
	if prio < PriorityMin || prio > PriorityMax {
		return fmt.Errorf("set priority: %d: %w", prio, kerr.ErrBadPriority)
	}
	k.Checkpoint(cur)

	t, err := k.lookup(id)
	if err != nil {
		return fmt.Errorf("set priority: %w", err)
	}

	t.lock.Lock()
	elevated := Priority(t.curPrio.Load()) > t.basePrio
	t.basePrio = prio
	if !elevated {
		t.curPrio.Store(int32(prio))
	}
	if t.state == StateReady {
		// The node is in some core's queue at its old priority. If it is
		// mid-dispatch it is in none, and the new priority simply applies
		// to its next enqueue.
		for _, c := range k.cores {
			if c.ready.Remove(t.node) == nil {
				k.enqueueLocked(t)
				break
			}
		}
	}
	k.trace(EventPriority, t, int(t.lastCore), uint64(prio))
	t.lock.Unlock()
	return nil
}

// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package sched

import (
	"fmt"
	"log/slog"
	"runtime"

	"nanokern.dev/kern/kerr"
)

// exitRequest and doomRequest unwind a thread's entry function. Exit panics
// with the former; Checkpoint panics with the latter when the thread has
// been killed. Unwinding by panic runs the entry function's defers, so a
// killed thread still releases what it holds on the way out if it set up
// defers for that.
type exitRequest struct{ status int32 }

type doomRequest struct{}

// trampoline is every thread's outermost frame.
func (k *Kernel) trampoline(t *Thread) {
	status, cause := k.runEntry(t)
	k.exit(t, status, cause)
}

func (k *Kernel) runEntry(t *Thread) (status int32, cause Cause) {
	defer func() {
		switch r := recover().(type) {
		case nil:
		case exitRequest:
			status, cause = r.status, CauseNormal
		case doomRequest:
			status, cause = -1, CauseKilled
		case runtime.Error:
			status, cause = -1, CauseFault
			slog.Error("thread fault", "tid", t.id, "name", t.name, "err", r.Error())
		default:
			status, cause = -1, CausePanic
			slog.Error("thread panic", "tid", t.id, "name", t.name, "value", fmt.Sprintf("%v", r))
		}
	}()
	return t.entry(t, t.arg), CauseNormal
}

// exit retires the running thread. It records the exit, wakes the joiner
// if one is already waiting, and makes the final switch back to the core.
//
// t.lock is held from here through the core's handoff release, so a joiner
// woken below cannot reap the thread before it is fully off its core.
func (k *Kernel) exit(t *Thread, status int32, cause Cause) {
	t.lock.Lock()
	t.state = StateZombie
	t.status = status
	t.cause = cause
	t.endTick = k.ticks.Load()
	j := t.joiner

	k.count.exits.Add(1)
	k.trace(EventExit, t, int(t.lastCore), ExitAux(status, cause))
	slog.Debug("thread exited", "tid", t.id, "name", t.name, "status", status, "cause", cause.String())

	if j != nil {
		if j.t != nil {
			k.Unpark(j.t)
		}
		if j.ch != nil {
			close(j.ch)
		}
	}

	c := k.cores[t.lastCore]
	c.handoff = t
	k.engine.Finish(c.ctx)
}

// Exit terminates the calling thread with the given status. It does not
// return except to report a nil receiver or thread.
func (k *Kernel) Exit(cur *Thread, status int32) error {
	if k == nil || cur == nil {
		return fmt.Errorf("exit: %w", kerr.ErrNil)
	}
	panic(exitRequest{status: status})
}

// Kill marks a thread for termination. The target dies with CauseKilled at
// its next checkpoint: killing is never asynchronous, so a target blocked
// on a primitive keeps its queue position and terminates only after it has
// been woken normally, and a sleeping target terminates after its deadline.
// Killing the calling thread terminates it immediately; killing a zombie is
// a no-op.
func (k *Kernel) Kill(cur *Thread, id Tid) error {
	if k == nil {
		return fmt.Errorf("kill: %w", kerr.ErrNil)
	}
	k.Checkpoint(cur)

	if cur != nil && cur.id == id {
		k.count.kills.Add(1)
		k.trace(EventKill, cur, int(cur.lastCore), 0)
		panic(doomRequest{})
	}

	t, err := k.lookup(id)
	if err != nil {
		return fmt.Errorf("kill: %w", err)
	}
	t.doomed.Store(true)
	k.count.kills.Add(1)
	k.trace(EventKill, t, int(t.lastCore), 0)
	return nil
}

// Join waits for a thread to terminate, then reaps it and returns its exit
// record. Exactly one join per thread succeeds: a second joiner fails with
// kerr.ErrBusy while the first is waiting, and with kerr.ErrNotFound once
// the thread has been reaped.
//
// cur may be nil, in which case the caller is outside the kernel and blocks
// on a channel instead of parking; the boot sequence uses this to wait for
// the workload.
func (k *Kernel) Join(cur *Thread, id Tid) (JoinResult, error) {
	if k == nil {
		return JoinResult{}, fmt.Errorf("join: %w", kerr.ErrNil)
	}
	k.Checkpoint(cur)

	if cur != nil && cur.id == id {
		return JoinResult{}, fmt.Errorf("join: thread %d joining itself: %w", id, kerr.ErrDeadlock)
	}
	t, err := k.lookup(id)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join: %w", err)
	}

	if cur == nil {
		t.lock.Lock()
		if t.joiner != nil {
			t.lock.Unlock()
			return JoinResult{}, fmt.Errorf("join: thread %d: %w", id, kerr.ErrBusy)
		}
		if t.state == StateZombie {
			t.joiner = &joiner{}
			t.lock.Unlock()
			return k.reap(t), nil
		}
		ch := make(chan struct{})
		t.joiner = &joiner{ch: ch}
		t.lock.Unlock()
		<-ch
		return k.reap(t), nil
	}

	// Two threads joining each other must not deadlock on each other's
	// locks, so both locks are taken in id order.
	first, second := cur, t
	if second.id < first.id {
		first, second = second, first
	}
	first.lock.Lock()
	second.lock.Lock()

	if t.joiner != nil {
		second.lock.Unlock()
		first.lock.Unlock()
		return JoinResult{}, fmt.Errorf("join: thread %d: %w", id, kerr.ErrBusy)
	}
	if t.state == StateZombie {
		t.joiner = &joiner{}
		second.lock.Unlock()
		first.lock.Unlock()
		return k.reap(t), nil
	}

	cur.state = StateJoining
	cur.reason = ReasonJoin
	t.joiner = &joiner{t: cur}
	t.lock.Unlock()

	k.trace(EventWait, cur, int(cur.lastCore), uint64(ReasonJoin))
	k.switchOut(cur)
	return k.reap(t), nil
}

// reap frees a zombie's resources and removes it from the thread table.
// The caller must have claimed the thread's joiner slot. Taking t.lock
// first serializes reaping against the exiting thread's final switch.
func (k *Kernel) reap(t *Thread) JoinResult {
	t.lock.Lock()
	if t.state != StateZombie {
		panic(fmt.Sprintf("sched: reap of %s thread %d", t.state, t.id))
	}
	res := JoinResult{Tid: t.id, Status: t.status, Cause: t.cause}
	t.lock.Unlock()

	k.table.mu.Lock()
	delete(k.table.m, t.id)
	kids := k.table.children[t.id]
	delete(k.table.children, t.id)
	for _, kid := range kids {
		if ct := k.table.m[kid]; ct != nil {
			ct.lock.Lock()
			ct.parent = t.parent
			ct.lock.Unlock()
		}
	}
	if len(kids) > 0 && k.table.m[t.parent] != nil {
		k.table.children[t.parent] = append(k.table.children[t.parent], kids...)
	}
	k.table.mu.Unlock()

	if err := k.arena.DeleteNode(t.node); err != nil {
		panic(fmt.Sprintf("sched: reap thread %d: wait node: %v", t.id, err))
	}
	k.alloc.Free(t.stack)
	k.alloc.Free(t.tcb)
	k.trace(EventReap, t, -1, 0)
	return res
}

// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package mutex implements mutual exclusion with optional recursion and an
// optional priority ceiling.
//
// The wait list is first-come-first-served: waiters are granted the lock in
// arrival order regardless of their priority. Unlock transfers ownership to
// the head waiter while still holding the mutex's internal lock and only
// then wakes it through its private futex word, so a later arrival can
// never barge in between the release and the grant.
package mutex

import (
	"fmt"

	"nanokern.dev/kern/futex"
	"nanokern.dev/kern/kerr"
	"nanokern.dev/kern/sched"
	"nanokern.dev/kern/spin"
)

// NoCeiling disables priority elevation.
const NoCeiling sched.Priority = -1

// Options configures a mutex at Init.
type Options struct {
	// Recursive allows the holder to lock again, tracking depth.
	Recursive bool

	// Ceiling is the priority the holder is raised to while it holds the
	// mutex, or NoCeiling. A ceiling at the minimum priority never raises
	// anyone, which makes the zero Options value elevation-free too.
	Ceiling sched.Priority
}

// mwaiter is one blocked Lock call. The record lives on the waiter's own
// stack; it is enqueued before parking and always unlinked before the
// waiter resumes, by the grant, the destroy, or the error path.
type mwaiter struct {
	t    *sched.Thread
	word spin.Uint32
	next *mwaiter
}

// Mutex is a lock with FIFO waiters. The zero value is unusable until
// Init.
type Mutex struct {
	fx *futex.Table

	mu spin.Mutex
	// The fields below are guarded by mu. waiters counts Lock calls that
	// have enqueued and not yet resumed; it lags the queue length while
	// released waiters drain.
	init      bool
	recursive bool
	ceiling   sched.Priority
	owner     *sched.Thread
	saved     sched.Priority
	depth     int
	waiters   int
	qhead     *mwaiter
	qtail     *mwaiter
}

// Init readies the mutex. A ceiling outside the priority range and not
// NoCeiling fails with kerr.ErrBadPriority; initializing a live mutex
// fails with kerr.ErrInUse. A destroyed mutex may be initialized again
// once its former waiters have drained, until then kerr.ErrBusy.
func (m *Mutex) Init(fx *futex.Table, opts Options) error {
	if m == nil || fx == nil {
		return fmt.Errorf("mutex init: %w", kerr.ErrNil)
	}
	if opts.Ceiling != NoCeiling && (opts.Ceiling < sched.PriorityMin || opts.Ceiling > sched.PriorityMax) {
		return fmt.Errorf("mutex init: ceiling %d: %w", opts.Ceiling, kerr.ErrBadPriority)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.init {
		return fmt.Errorf("mutex init: %w", kerr.ErrInUse)
	}
	if m.waiters != 0 {
		return fmt.Errorf("mutex init: %d waiters draining: %w", m.waiters, kerr.ErrBusy)
	}
	m.fx = fx
	m.recursive = opts.Recursive
	m.ceiling = opts.Ceiling
	m.owner = nil
	m.depth = 0
	m.init = true
	return nil
}

// acquireLocked hands the mutex to t. m.mu must be held. With a ceiling
// configured the new holder's priority is raised immediately, even if it is
// still parked: it then re-enters the ready queue already elevated.
func (m *Mutex) acquireLocked(t *sched.Thread) {
	m.owner = t
	m.depth = 1
	if m.ceiling != NoCeiling {
		m.saved = t.Kernel().RaisePriority(t, m.ceiling)
	}
}

// Lock acquires the mutex, blocking in arrival order behind the current
// holder. Relocking by the holder increments the recursion depth on a
// recursive mutex and fails with kerr.ErrDeadlock otherwise. A Lock
// interrupted by Destroy returns kerr.ErrDestroyed.
func (m *Mutex) Lock(cur *sched.Thread) error {
	if m == nil || cur == nil {
		return fmt.Errorf("mutex lock: %w", kerr.ErrNil)
	}
	cur.Kernel().Checkpoint(cur)

	m.mu.Lock()
	if !m.init {
		m.mu.Unlock()
		return fmt.Errorf("mutex lock: %w", kerr.ErrNotInit)
	}
	if m.owner == cur {
		if m.recursive {
			m.depth++
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		return fmt.Errorf("mutex lock: thread %d already holds it: %w", cur.ID(), kerr.ErrDeadlock)
	}
	if m.owner == nil {
		m.acquireLocked(cur)
		m.mu.Unlock()
		return nil
	}

	w := &mwaiter{t: cur}
	m.waiters++
	if m.qtail == nil {
		m.qhead, m.qtail = w, w
	} else {
		m.qtail.next = w
		m.qtail = w
	}
	m.mu.Unlock()

	for w.word.Load() != 1 {
		if err := m.fx.WaitReason(cur, &w.word, 0, sched.ReasonMutex); err != nil {
			m.mu.Lock()
			m.waiters--
			if m.owner == cur {
				// Granted while the wait machinery failed: the lock is
				// ours regardless.
				m.mu.Unlock()
				return nil
			}
			m.unlinkLocked(w)
			m.mu.Unlock()
			return fmt.Errorf("mutex lock: %w", err)
		}
	}

	m.mu.Lock()
	m.waiters--
	if m.owner == cur {
		m.mu.Unlock()
		return nil
	}
	init := m.init
	m.mu.Unlock()
	if !init {
		return fmt.Errorf("mutex lock: %w", kerr.ErrDestroyed)
	}
	panic(fmt.Sprintf("mutex: thread %d woken without a grant", cur.ID()))
}

// TryLock acquires the mutex only if that needs no waiting and reports
// whether it did. Relocking by the holder behaves as in Lock.
func (m *Mutex) TryLock(cur *sched.Thread) (bool, error) {
	if m == nil || cur == nil {
		return false, fmt.Errorf("mutex trylock: %w", kerr.ErrNil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.init {
		return false, fmt.Errorf("mutex trylock: %w", kerr.ErrNotInit)
	}
	switch {
	case m.owner == cur && m.recursive:
		m.depth++
		return true, nil
	case m.owner == cur:
		return false, fmt.Errorf("mutex trylock: thread %d already holds it: %w", cur.ID(), kerr.ErrDeadlock)
	case m.owner == nil:
		m.acquireLocked(cur)
		return true, nil
	}
	return false, nil
}

// Unlock releases the mutex. On the final unlock of a recursive hold it
// restores the holder's pre-elevation priority and hands the mutex to the
// oldest waiter. Unlock is not a kill checkpoint, so a dying thread's
// deferred unlocks still complete.
func (m *Mutex) Unlock(cur *sched.Thread) error {
	if m == nil || cur == nil {
		return fmt.Errorf("mutex unlock: %w", kerr.ErrNil)
	}
	m.mu.Lock()
	if !m.init {
		m.mu.Unlock()
		return fmt.Errorf("mutex unlock: %w", kerr.ErrNotInit)
	}
	if m.owner != cur {
		m.mu.Unlock()
		return fmt.Errorf("mutex unlock: thread %d does not hold it: %w", cur.ID(), kerr.ErrInvalid)
	}
	if m.depth > 1 {
		m.depth--
		m.mu.Unlock()
		return nil
	}

	if m.ceiling != NoCeiling {
		cur.Kernel().RestorePriority(cur, m.saved)
	}
	w := m.qhead
	if w == nil {
		m.owner = nil
		m.depth = 0
		m.mu.Unlock()
		return nil
	}
	m.qhead = w.next
	if m.qhead == nil {
		m.qtail = nil
	}
	w.next = nil
	m.acquireLocked(w.t)
	w.word.Store(1)
	m.mu.Unlock()

	m.fx.Wake(&w.word, 1)
	return nil
}

// Destroy marks the mutex dead and releases every waiter with
// kerr.ErrDestroyed. If a holder exists its elevation is undone here,
// since its own Unlock will fail with kerr.ErrNotInit from now on.
func (m *Mutex) Destroy() error {
	if m == nil {
		return fmt.Errorf("mutex destroy: %w", kerr.ErrNil)
	}
	m.mu.Lock()
	if !m.init {
		m.mu.Unlock()
		return fmt.Errorf("mutex destroy: %w", kerr.ErrNotInit)
	}
	m.init = false
	if m.owner != nil && m.ceiling != NoCeiling {
		m.owner.Kernel().RestorePriority(m.owner, m.saved)
	}
	m.owner = nil
	m.depth = 0

	var wake []*mwaiter
	for w := m.qhead; w != nil; {
		next := w.next
		w.next = nil
		wake = append(wake, w)
		w = next
	}
	m.qhead, m.qtail = nil, nil
	m.mu.Unlock()

	for _, w := range wake {
		w.word.Store(1)
		m.fx.Wake(&w.word, 1)
	}
	return nil
}

// unlinkLocked removes w from the wait list if it is still there. m.mu must
// be held.
func (m *Mutex) unlinkLocked(w *mwaiter) {
	var prev *mwaiter
	for n := m.qhead; n != nil; prev, n = n, n.next {
		if n != w {
			continue
		}
		if prev == nil {
			m.qhead = w.next
		} else {
			prev.next = w.next
		}
		if m.qtail == w {
			m.qtail = prev
		}
		w.next = nil
		return
	}
}

// Holder reports the id of the current holder and whether one exists.
func (m *Mutex) Holder() (sched.Tid, bool) {
	if m == nil {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == nil {
		return 0, false
	}
	return m.owner.ID(), true
}

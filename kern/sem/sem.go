// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package sem implements a counting semaphore on top of the futex layer.
// The level doubles as the futex word: pend parks on it while it is zero,
// post bumps it and wakes one waiter.
package sem

import (
	"fmt"

	"nanokern.dev/kern/futex"
	"nanokern.dev/kern/kerr"
	"nanokern.dev/kern/sched"
	"nanokern.dev/kern/spin"
)

// Semaphore is a counting signal with FIFO waiter ordering. The zero value
// is unusable until Init.
type Semaphore struct {
	fx    *futex.Table
	level spin.Uint32

	mu spin.Mutex
	// waiters and init are guarded by mu.
	waiters int
	init    bool
}

// Init readies the semaphore with an initial level. Initializing a live
// semaphore fails with kerr.ErrInUse; a destroyed one may be initialized
// again once its former waiters have drained, until then kerr.ErrBusy.
func (s *Semaphore) Init(fx *futex.Table, level uint32) error {
	if s == nil || fx == nil {
		return fmt.Errorf("sem init: %w", kerr.ErrNil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.init {
		return fmt.Errorf("sem init: %w", kerr.ErrInUse)
	}
	if s.waiters != 0 {
		return fmt.Errorf("sem init: %d waiters draining: %w", s.waiters, kerr.ErrBusy)
	}
	s.fx = fx
	s.level.Store(level)
	s.init = true
	return nil
}

// Pend takes one unit, blocking while the level is zero. A pend interrupted
// by Destroy returns kerr.ErrDestroyed.
func (s *Semaphore) Pend(cur *sched.Thread) error {
	if s == nil || cur == nil {
		return fmt.Errorf("sem pend: %w", kerr.ErrNil)
	}
	s.mu.Lock()
	if !s.init {
		s.mu.Unlock()
		return fmt.Errorf("sem pend: %w", kerr.ErrNotInit)
	}
	for {
		if v := s.level.Load(); v > 0 {
			s.level.Store(v - 1)
			s.mu.Unlock()
			return nil
		}
		s.waiters++
		s.mu.Unlock()
		// The level was zero under the lock. Post and Destroy both move
		// the word before they wake, so parking on a stale value is
		// impossible.
		err := s.fx.WaitReason(cur, &s.level, 0, sched.ReasonSem)
		s.mu.Lock()
		s.waiters--
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("sem pend: %w", err)
		}
		if !s.init {
			s.mu.Unlock()
			return fmt.Errorf("sem pend: %w", kerr.ErrDestroyed)
		}
	}
}

// TryPend takes one unit only if that needs no waiting. It returns the
// level remaining after the take, or kerr.ErrWouldBlock when the level is
// zero.
func (s *Semaphore) TryPend() (uint32, error) {
	if s == nil {
		return 0, fmt.Errorf("sem trypend: %w", kerr.ErrNil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.init {
		return 0, fmt.Errorf("sem trypend: %w", kerr.ErrNotInit)
	}
	v := s.level.Load()
	if v == 0 {
		return 0, fmt.Errorf("sem trypend: %w", kerr.ErrWouldBlock)
	}
	s.level.Store(v - 1)
	return v - 1, nil
}

// Post gives one unit back and wakes a waiter if any are parked. It never
// blocks and is not a kill checkpoint, so a dying thread's deferred posts
// still complete.
func (s *Semaphore) Post() error {
	if s == nil {
		return fmt.Errorf("sem post: %w", kerr.ErrNil)
	}
	s.mu.Lock()
	if !s.init {
		s.mu.Unlock()
		return fmt.Errorf("sem post: %w", kerr.ErrNotInit)
	}
	s.level.Add(1)
	waiters := s.waiters
	s.mu.Unlock()

	if waiters > 0 {
		s.fx.Wake(&s.level, 1)
	}
	return nil
}

// Destroy marks the semaphore dead and releases every parked thread with
// kerr.ErrDestroyed, so no waiter is silently abandoned.
func (s *Semaphore) Destroy() error {
	if s == nil {
		return fmt.Errorf("sem destroy: %w", kerr.ErrNil)
	}
	s.mu.Lock()
	if !s.init {
		s.mu.Unlock()
		return fmt.Errorf("sem destroy: %w", kerr.ErrNotInit)
	}
	s.init = false
	// Move the word so a pend that read the level but has not parked yet
	// re-checks instead of going to sleep forever.
	s.level.Add(1)
	s.mu.Unlock()

	s.fx.Wake(&s.level, futex.WakeAll)
	return nil
}

// Level reports the current level. It is advisory: the value may be stale
// by the time the caller acts on it.
func (s *Semaphore) Level() uint32 {
	if s == nil {
		return 0
	}
	return s.level.Load()
}

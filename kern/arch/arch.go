// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package arch is the boundary between the scheduler and the platform it
// runs on. The scheduler only ever manipulates execution contexts and
// interrupt masks through the interfaces here, so porting the kernel means
// implementing this package and nothing else.
package arch

// Context is the saved execution state of one thread of control. It is
// opaque to the scheduler; only the Engine that created it may look inside.
type Context interface{}

// Engine creates and switches execution contexts.
type Engine interface {
	// NewContext returns a fresh context that will run entry the first time
	// it is switched to. A nil entry creates an empty context used to
	// capture the caller's own execution state, such as a core's scheduler
	// loop.
	NewContext(entry func()) Context

	// Switch suspends the calling context into save and resumes next. It
	// returns when some other context switches back to save.
	Switch(save, next Context)

	// Finish resumes next without saving the calling context. It is the
	// final transfer of a terminating thread; the caller must not touch
	// scheduler state after it returns.
	Finish(next Context)
}

// IRQState is an opaque snapshot of a core's interrupt mask, returned by
// Save and accepted by Restore.
type IRQState uint32

// IRQ controls per-core interrupt masking. Sections that must not observe a
// timer tick bracket themselves with Save and Restore.
type IRQ interface {
	// Save masks interrupts on the given core and returns the previous
	// state.
	Save(core int) IRQState

	// Restore returns the core's interrupt mask to a state previously
	// returned by Save.
	Restore(core int, s IRQState)

	// Masked reports whether the core currently has interrupts masked.
	Masked(core int) bool
}

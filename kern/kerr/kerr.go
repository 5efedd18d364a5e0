// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package kerr defines the kernel's error taxonomy. Every exported operation
// in the kern tree fails with an error that wraps exactly one of these
// sentinels so that callers can switch on errors.Is without parsing text.
package kerr

import "fmt"

var (
	// ErrNil is returned when an operation is invoked on a nil object or
	// with a nil required argument.
	ErrNil = fmt.Errorf("nil handle")

	// ErrNotInit is returned when an object has not been initialized or has
	// already been destroyed.
	ErrNotInit = fmt.Errorf("not initialized")

	// ErrInUse is returned when an object is already enlisted or owned
	// elsewhere and cannot be reused until released.
	ErrInUse = fmt.Errorf("already in use")

	// ErrNotEmpty is returned when deleting a container that still holds
	// entries.
	ErrNotEmpty = fmt.Errorf("not empty")

	// ErrNotFound is returned when a lookup by id or handle matches nothing.
	ErrNotFound = fmt.Errorf("not found")

	// ErrBadPriority is returned when a priority value is outside the
	// scheduler's accepted range.
	ErrBadPriority = fmt.Errorf("priority out of range")

	// ErrWouldBlock is returned by non-blocking probes that would otherwise
	// have to wait.
	ErrWouldBlock = fmt.Errorf("operation would block")

	// ErrDestroyed is returned to waiters released because the object they
	// were blocked on was destroyed underneath them.
	ErrDestroyed = fmt.Errorf("destroyed while waiting")

	// ErrNoMem is returned when an allocation cannot be satisfied.
	ErrNoMem = fmt.Errorf("out of memory")

	// ErrDeadlock is returned when an operation would provably deadlock the
	// calling thread, such as locking a non-recursive mutex twice.
	ErrDeadlock = fmt.Errorf("deadlock")

	// ErrBusy is returned when a slot that admits a single user is taken,
	// such as joining a thread that already has a joiner.
	ErrBusy = fmt.Errorf("busy")

	// ErrInvalid is returned for arguments that are structurally valid but
	// semantically wrong, such as an unlock by a thread that is not the
	// owner.
	ErrInvalid = fmt.Errorf("invalid argument")
)

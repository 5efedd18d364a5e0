// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package sched

import (
	"nanokern.dev/kern/arch"
	"nanokern.dev/kern/mem"
	"nanokern.dev/kern/spin"
	"nanokern.dev/kern/waitq"
)

// Tid identifies a thread for its whole life. Ids are never reused within a
// kernel instance.
type Tid uint32

// Priority of a thread. Larger is more urgent.
type Priority int32

const (
	PriorityMin Priority = 0
	PriorityMax Priority = 63
)

// Kind separates housekeeping threads from workload threads. The kernel
// schedules both identically; the kind picks the default stack size and is
// reported in snapshots and traces.
type Kind uint8

const (
	KindKernel Kind = iota
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindUser:
		return "user"
	}
	return "unknown"
}

// State is a thread's scheduling state.
//
// READY threads sit in exactly one core's ready queue. RUNNING threads sit
// in no queue and are named by exactly one core's current pointer. WAITING
// threads are enlisted on the primitive they block on, SLEEPING threads on
// the timer list, and JOINING threads on their target's joiner slot. ZOMBIE
// threads hold only their exit record and wait to be reaped.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateWaiting
	StateSleeping
	StateJoining
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateSleeping:
		return "sleeping"
	case StateJoining:
		return "joining"
	case StateZombie:
		return "zombie"
	}
	return "unknown"
}

// Reason records what a WAITING thread is blocked on.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonFutex
	ReasonSem
	ReasonMutex
	ReasonJoin
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonFutex:
		return "futex"
	case ReasonSem:
		return "sem"
	case ReasonMutex:
		return "mutex"
	case ReasonJoin:
		return "join"
	}
	return "unknown"
}

// Cause records how a thread terminated.
type Cause uint8

const (
	CauseNone Cause = iota
	CauseNormal
	CauseKilled
	CauseFault
	CausePanic
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseNormal:
		return "normal"
	case CauseKilled:
		return "killed"
	case CauseFault:
		return "fault"
	case CausePanic:
		return "panic"
	}
	return "unknown"
}

// Func is a thread entry point. The returned value becomes the thread's
// exit status.
type Func func(cur *Thread, arg any) int32

// joiner is the single occupant of a thread's join slot: either a kernel
// thread to unpark or a channel to close for a caller outside the kernel.
type joiner struct {
	t  *Thread
	ch chan struct{}
}

// JoinResult is what Join returns once the target has terminated.
type JoinResult struct {
	Tid    Tid
	Status int32
	Cause  Cause
}

// Thread is a thread control block.
//
// The lock covers the scheduling fields and is special in one way: a thread
// that blocks holds its own lock across the context switch, and the core
// that switched it out releases it. Until that release, no other core can
// dispatch the thread and no waker can flip its state, which is what makes
// the block/wake protocol race-free.
type Thread struct {
	kern *Kernel

	id    Tid
	name  string
	kind  Kind
	entry Func
	arg   any
	ctx   arch.Context
	node  waitq.Handle
	stack mem.Region
	tcb   mem.Region

	affinity uint64
	curPrio  spin.Int32
	doomed   spin.Bool

	lock spin.Mutex
	// The fields below are guarded by lock.
	state     State
	reason    Reason
	basePrio  Priority
	parent    Tid
	deadline  uint64
	sleepNext *Thread
	joiner    *joiner
	status    int32
	cause     Cause
	started   bool
	startTick uint64
	endTick   uint64
	lastCore  int32
}

func (t *Thread) ID() Tid         { return t.id }
func (t *Thread) Name() string    { return t.name }
func (t *Thread) Kind() Kind      { return t.kind }
func (t *Thread) Kernel() *Kernel { return t.kern }

// Priority returns the thread's effective priority, including any ceiling
// elevation currently applied.
func (t *Thread) Priority() Priority {
	return Priority(t.curPrio.Load())
}

func (t *Thread) BasePriority() Priority {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.basePrio
}

func (t *Thread) State() State {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.state
}

// Info is a point-in-time copy of a thread's scheduling fields.
type Info struct {
	ID       Tid
	Parent   Tid
	Name     string
	Kind     Kind
	State    State
	Reason   Reason
	Priority Priority
	Base     Priority
	Core     int32
	Doomed   bool
	Stack    int
}

func (t *Thread) info() Info {
	t.lock.Lock()
	defer t.lock.Unlock()
	return Info{
		ID:       t.id,
		Parent:   t.parent,
		Name:     t.name,
		Kind:     t.kind,
		State:    t.state,
		Reason:   t.reason,
		Priority: Priority(t.curPrio.Load()),
		Base:     t.basePrio,
		Core:     t.lastCore,
		Doomed:   t.doomed.Load(),
		Stack:    t.stack.Size,
	}
}

// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package sched

// EventType labels a scheduling trace event.
type EventType uint8

const (
	EventSpawn EventType = iota + 1
	EventSwitch
	EventPreempt
	EventReady
	EventWait
	EventSleep
	EventPriority
	EventKill
	EventExit
	EventReap
)

func (t EventType) String() string {
	switch t {
	case EventSpawn:
		return "spawn"
	case EventSwitch:
		return "switch"
	case EventPreempt:
		return "preempt"
	case EventReady:
		return "ready"
	case EventWait:
		return "wait"
	case EventSleep:
		return "sleep"
	case EventPriority:
		return "priority"
	case EventKill:
		return "kill"
	case EventExit:
		return "exit"
	case EventReap:
		return "reap"
	}
	return "unknown"
}

// Event is one scheduling decision. Aux is type-specific: the wait reason
// for EventWait, the wake deadline for EventSleep, the exit status in the
// upper 32 bits and the cause in the low byte for EventExit, and zero
// otherwise.
type Event struct {
	Tick uint64
	Type EventType
	Tid  Tid
	Core int16
	Prio int16
	Aux  uint64
	Name string
}

// ExitAux packs a status and cause into an Event's Aux field.
func ExitAux(status int32, cause Cause) uint64 {
	return uint64(uint32(status))<<32 | uint64(cause)
}

// UnpackExitAux undoes ExitAux.
func UnpackExitAux(aux uint64) (status int32, cause Cause) {
	return int32(uint32(aux >> 32)), Cause(aux)
}

// Tracer receives scheduling events. Emit is called from core loops, from
// blocking threads, and from the tick handler, so implementations must be
// safe for concurrent use and must not call back into the kernel.
type Tracer interface {
	Emit(ev Event)
}

type nopTracer struct{}

func (nopTracer) Emit(Event) {}

func (k *Kernel) trace(typ EventType, t *Thread, core int, aux uint64) {
	ev := Event{
		Tick: k.ticks.Load(),
		Type: typ,
		Core: int16(core),
		Aux:  aux,
	}
	if t != nil {
		ev.Tid = t.id
		ev.Prio = int16(t.curPrio.Load())
		if typ == EventSpawn {
			ev.Name = t.name
		}
	}
	k.tracer.Emit(ev)
}

// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package waitq implements the kernel's intrusive wait queue: a doubly
// linked list of nodes owned by a fixed-capacity arena and addressed by
// stable handles.
//
// A node may be enlisted in at most one queue at a time. The arena enforces
// this with an atomic per-node flag, so double insertion and deletion of an
// enlisted node are rejected instead of corrupting the list. Handles carry a
// generation counter and go stale when their node is deleted, so a caller
// holding a recycled handle gets an error rather than someone else's node.
package waitq

import (
	"fmt"

	"nanokern.dev/kern/kerr"
	"nanokern.dev/kern/spin"
)

// Handle names a node in an arena. The zero Handle is never valid.
type Handle int32

// None is the null handle.
const None Handle = 0

// DefaultCapacity is the arena size used when the caller does not specify
// one.
const DefaultCapacity = 1024

// maxCapacity is bounded by the index bits in a Handle.
const maxCapacity = 1<<16 - 2

const (
	idxBits = 16
	idxMask = 1<<idxBits - 1
	genMask = 1<<15 - 1
)

func pack(idx int, gen uint16) Handle {
	return Handle(int32(gen&genMask)<<idxBits | int32(idx+1))
}

type node[T any] struct {
	next Handle // toward the tail
	prev Handle // toward the head
	// owner is the id of the queue this node is linked into, 0 when free.
	// It makes the single-queue invariant checkable on Remove.
	owner    int32
	prio     int32
	gen      uint16
	used     bool
	enlisted spin.Bool
	data     T
}

// Arena owns the node storage for some number of queues. Capacity is fixed
// at construction: node exhaustion surfaces as kerr.ErrNoMem, and the
// backing array never moves underneath concurrent queue operations.
type Arena[T any] struct {
	mu      spin.Mutex
	nodes   []node[T]
	free    []int32
	queueID spin.Int32
}

// NewArena returns an arena with room for capacity nodes. A capacity of
// zero or less selects DefaultCapacity.
func NewArena[T any](capacity int) *Arena[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity > maxCapacity {
		capacity = maxCapacity
	}
	a := &Arena[T]{
		nodes: make([]node[T], capacity),
		free:  make([]int32, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		a.free = append(a.free, int32(i))
	}
	return a
}

// NewNode allocates a node carrying data and returns its handle.
func (a *Arena[T]) NewNode(data T) (Handle, error) {
	if a == nil {
		return None, fmt.Errorf("new node: %w", kerr.ErrNil)
	}
	a.mu.Lock()
	if len(a.free) == 0 {
		a.mu.Unlock()
		return None, fmt.Errorf("new node: arena of %d exhausted: %w", len(a.nodes), kerr.ErrNoMem)
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	n := &a.nodes[idx]
	n.used = true
	n.data = data
	a.mu.Unlock()
	return pack(int(idx), n.gen), nil
}

// DeleteNode frees a node. The node must not be enlisted in any queue.
func (a *Arena[T]) DeleteNode(h Handle) error {
	if a == nil {
		return fmt.Errorf("delete node: %w", kerr.ErrNil)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	n, idx, err := a.lookup(h)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	// Claim the enlisted flag for the duration of the free. A concurrent
	// Push and a DeleteNode race on the same bit, so exactly one wins.
	if !n.enlisted.CompareAndSwap(false, true) {
		return fmt.Errorf("delete node %#x: %w", int32(h), kerr.ErrInUse)
	}

	var zero T
	n.data = zero
	n.used = false
	n.gen++
	a.free = append(a.free, int32(idx))
	n.enlisted.Store(false)
	return nil
}

// lookup resolves a handle to its node, rejecting stale generations.
func (a *Arena[T]) lookup(h Handle) (*node[T], int, error) {
	idx := int(int32(h)&idxMask) - 1
	if idx < 0 || idx >= len(a.nodes) {
		return nil, 0, fmt.Errorf("handle %#x: %w", int32(h), kerr.ErrNotFound)
	}
	n := &a.nodes[idx]
	if !n.used || uint16(int32(h)>>idxBits)&genMask != n.gen&genMask {
		return nil, 0, fmt.Errorf("handle %#x: %w", int32(h), kerr.ErrNotFound)
	}
	return n, idx, nil
}

// Queue is a doubly linked list of arena nodes, locked independently of its
// arena and of every other queue. The head is where Push inserts; Pop takes
// from the tail, so the tail is always the oldest element at the winning
// priority.
type Queue[T any] struct {
	arena *Arena[T]
	id    int32
	mu    spin.Mutex
	head  Handle
	tail  Handle
	n     int
	dead  bool
}

// NewQueue returns an empty queue backed by the arena.
func (a *Arena[T]) NewQueue() *Queue[T] {
	if a == nil {
		return nil
	}
	return &Queue[T]{arena: a, id: a.queueID.Add(1)}
}

// Delete marks the queue unusable. It fails with kerr.ErrNotEmpty if any
// node is still enlisted.
func (q *Queue[T]) Delete() error {
	if q == nil {
		return fmt.Errorf("delete queue: %w", kerr.ErrNil)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dead {
		return fmt.Errorf("delete queue: %w", kerr.ErrNotInit)
	}
	if q.n > 0 {
		return fmt.Errorf("delete queue with %d nodes: %w", q.n, kerr.ErrNotEmpty)
	}
	q.dead = true
	return nil
}

// Push inserts the node at the head. Pop order across plain pushes is
// insertion order.
func (q *Queue[T]) Push(h Handle) error {
	return q.insert(h, 0, false)
}

// PushPriority inserts the node so that Pop returns nodes in non-increasing
// priority order, with equal priorities popped in insertion order.
func (q *Queue[T]) PushPriority(h Handle, prio int32) error {
	return q.insert(h, prio, true)
}

func (q *Queue[T]) insert(h Handle, prio int32, byPrio bool) error {
	if q == nil {
		return fmt.Errorf("push: %w", kerr.ErrNil)
	}
	n, _, err := q.arena.lookup(h)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if !n.enlisted.CompareAndSwap(false, true) {
		return fmt.Errorf("push %#x: %w", int32(h), kerr.ErrInUse)
	}
	// The node could have been deleted between lookup and winning the flag.
	// DeleteNode bumps the generation before it clears enlisted, so a stale
	// handle is detectable here and the claim can be undone.
	if _, _, err := q.arena.lookup(h); err != nil {
		n.enlisted.Store(false)
		return fmt.Errorf("push: %w", err)
	}

	q.mu.Lock()
	if q.dead {
		q.mu.Unlock()
		n.enlisted.Store(false)
		return fmt.Errorf("push: %w", kerr.ErrNotInit)
	}
	n.owner = q.id
	n.prio = prio

	switch {
	case q.head == None:
		n.prev, n.next = None, None
		q.head, q.tail = h, h
	case !byPrio:
		q.linkBefore(h, n, q.head)
	default:
		// Priorities ascend from head to tail. Insert before the first
		// node, scanning from the head, whose priority is at least ours:
		// newer nodes of equal priority sit nearer the head and therefore
		// pop later.
		at := q.head
		for at != None {
			cur, _, _ := q.arena.lookup(at)
			if cur.prio >= prio {
				break
			}
			at = cur.next
		}
		if at == None {
			q.linkTail(h, n)
		} else {
			q.linkBefore(h, n, at)
		}
	}
	q.n++
	q.mu.Unlock()
	return nil
}

// linkBefore inserts h on the head side of at. Both nodes must be resolved
// and the queue lock held.
func (q *Queue[T]) linkBefore(h Handle, n *node[T], at Handle) {
	atn, _, _ := q.arena.lookup(at)
	n.next = at
	n.prev = atn.prev
	if atn.prev != None {
		p, _, _ := q.arena.lookup(atn.prev)
		p.next = h
	} else {
		q.head = h
	}
	atn.prev = h
}

// linkTail appends h at the tail. The queue lock must be held and the queue
// must be non-empty.
func (q *Queue[T]) linkTail(h Handle, n *node[T]) {
	t, _, _ := q.arena.lookup(q.tail)
	n.prev = q.tail
	n.next = None
	t.next = h
	q.tail = h
}

// Pop removes and returns the tail: the oldest node at the highest pushed
// priority. It reports false on an empty queue.
func (q *Queue[T]) Pop() (T, Handle, bool) {
	var zero T
	if q == nil {
		return zero, None, false
	}
	q.mu.Lock()
	if q.tail == None {
		q.mu.Unlock()
		return zero, None, false
	}
	h := q.tail
	n, _, _ := q.arena.lookup(h)
	data := n.data
	q.unlink(h, n)
	q.mu.Unlock()
	return data, h, true
}

// PopWhere removes and returns the oldest node whose data matches. The scan
// runs from the tail toward the head, so among matches the earliest insert
// wins regardless of priority.
func (q *Queue[T]) PopWhere(match func(T) bool) (T, Handle, bool) {
	var zero T
	if q == nil {
		return zero, None, false
	}
	q.mu.Lock()
	for h := q.tail; h != None; {
		n, _, _ := q.arena.lookup(h)
		if match(n.data) {
			data := n.data
			q.unlink(h, n)
			q.mu.Unlock()
			return data, h, true
		}
		h = n.prev
	}
	q.mu.Unlock()
	return zero, None, false
}

// Remove unlinks the node from this queue. It fails with kerr.ErrNotFound
// if the node is not enlisted here.
func (q *Queue[T]) Remove(h Handle) error {
	if q == nil {
		return fmt.Errorf("remove: %w", kerr.ErrNil)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n, _, err := q.arena.lookup(h)
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if !n.enlisted.Load() || n.owner != q.id {
		return fmt.Errorf("remove %#x: not in this queue: %w", int32(h), kerr.ErrNotFound)
	}
	q.unlink(h, n)
	return nil
}

// unlink detaches a node known to be in this queue. The queue lock must be
// held. Clearing enlisted is the last store: once it lands, the node is
// immediately pushable elsewhere.
func (q *Queue[T]) unlink(h Handle, n *node[T]) {
	if n.prev != None {
		p, _, _ := q.arena.lookup(n.prev)
		p.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != None {
		s, _, _ := q.arena.lookup(n.next)
		s.prev = n.prev
	} else {
		q.tail = n.prev
	}
	n.next, n.prev = None, None
	n.owner = 0
	q.n--
	n.enlisted.Store(false)
}

// Len reports the number of enlisted nodes.
func (q *Queue[T]) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package mem manages the kernel's simulated physical memory. Thread control
// blocks and stacks are charged against a fixed-size arena so that
// allocation failure is a reachable, testable condition rather than a
// theoretical one.
package mem

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bits"

	"nanokern.dev/kern/kerr"
	"nanokern.dev/kern/spin"
)

// PageSize is the allocation granule for stacks.
const PageSize = 4096

// minAlign is the default alignment when the caller does not ask for one.
const minAlign = 16

// Region is a span of arena space. Off is the byte offset from the start of
// the arena; nothing ever dereferences it, but keeping real offsets means
// fragmentation behaves the way it would against real memory.
type Region struct {
	Off  int
	Size int
}

// Allocator hands out regions of a fixed budget. The kernel takes one at
// construction; tests substitute small arenas to force exhaustion.
type Allocator interface {
	// Alloc returns a region of at least size bytes aligned to align.
	// A zero align means the allocator's default.
	Alloc(size, align int) (Region, error)

	// Free returns a region obtained from Alloc. Freeing a region twice or
	// freeing a region the allocator never handed out fails with
	// kerr.ErrNotFound.
	Free(r Region) error

	// Usage reports allocated and total bytes.
	Usage() (used, total int)
}

// segment is one span of the arena. Segments tile the arena exactly: they
// are sorted by offset, adjacent, and no two free segments are neighbors.
type segment struct {
	off  int
	size int
	free bool
}

// Arena is a best-fit free-list allocator over a fixed byte budget.
type Arena struct {
	mu    spin.Mutex
	segs  []segment
	total int
	used  int
}

// NewArena returns an arena of the given size, rounded up to a whole number
// of pages.
func NewArena(total int) *Arena {
	if total < PageSize {
		total = PageSize
	}
	total = bits.AlignUp(total, PageSize)
	return &Arena{
		segs:  []segment{{off: 0, size: total, free: true}},
		total: total,
	}
}

func (a *Arena) Alloc(size, align int) (Region, error) {
	if a == nil {
		return Region{}, fmt.Errorf("alloc: %w", kerr.ErrNil)
	}
	if size <= 0 {
		return Region{}, fmt.Errorf("alloc: size %d: %w", size, kerr.ErrInvalid)
	}
	if align == 0 {
		align = minAlign
	}
	if align < 0 || align&(align-1) != 0 {
		return Region{}, fmt.Errorf("alloc: align %d: %w", align, kerr.ErrInvalid)
	}
	size = bits.AlignUp(size, minAlign)

	a.mu.Lock()
	defer a.mu.Unlock()

	// Best fit: the free segment that leaves the least slack after carving
	// out an aligned span of the requested size.
	best := -1
	bestSlack := 0
	for i, s := range a.segs {
		if !s.free {
			continue
		}
		start := bits.AlignUp(s.off, uint(align))
		if start+size > s.off+s.size {
			continue
		}
		slack := s.size - size - (start - s.off)
		if best == -1 || slack < bestSlack {
			best, bestSlack = i, slack
		}
	}
	if best == -1 {
		return Region{}, fmt.Errorf("alloc %d bytes: %w", size, kerr.ErrNoMem)
	}

	s := a.segs[best]
	start := bits.AlignUp(s.off, uint(align))
	r := Region{Off: start, Size: size}

	// Replace the chosen segment with up to three: leading slack from
	// alignment, the allocation itself, and the tail remainder.
	repl := make([]segment, 0, 3)
	if start > s.off {
		repl = append(repl, segment{off: s.off, size: start - s.off, free: true})
	}
	repl = append(repl, segment{off: start, size: size, free: false})
	if end := start + size; end < s.off+s.size {
		repl = append(repl, segment{off: end, size: s.off + s.size - end, free: true})
	}
	a.segs = append(a.segs[:best], append(repl, a.segs[best+1:]...)...)

	a.used += size
	return r, nil
}

func (a *Arena) Free(r Region) error {
	if a == nil {
		return fmt.Errorf("free: %w", kerr.ErrNil)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	i := -1
	for j, s := range a.segs {
		if s.off == r.Off {
			i = j
			break
		}
	}
	if i == -1 || a.segs[i].free || a.segs[i].size != r.Size {
		return fmt.Errorf("free region at %d size %d: %w", r.Off, r.Size, kerr.ErrNotFound)
	}

	a.segs[i].free = true
	a.used -= r.Size

	// Coalesce with free neighbors so the free list cannot degrade into a
	// run of adjacent fragments.
	if i+1 < len(a.segs) && a.segs[i+1].free {
		a.segs[i].size += a.segs[i+1].size
		a.segs = append(a.segs[:i+1], a.segs[i+2:]...)
	}
	if i > 0 && a.segs[i-1].free {
		a.segs[i-1].size += a.segs[i].size
		a.segs = append(a.segs[:i], a.segs[i+1:]...)
	}
	return nil
}

func (a *Arena) Usage() (used, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used, a.total
}

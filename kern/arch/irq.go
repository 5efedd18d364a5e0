// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package arch

import "nanokern.dev/kern/spin"

// SimIRQ implements IRQ as a per-core mask depth counter. The timer path
// consults Masked before charging a tick against a core, which is the only
// observable effect interrupt masking has in simulation.
type SimIRQ struct {
	depth []spin.Int32
}

func NewSimIRQ(cores int) *SimIRQ {
	return &SimIRQ{depth: make([]spin.Int32, cores)}
}

func (s *SimIRQ) Save(core int) IRQState {
	return IRQState(s.depth[core].Add(1) - 1)
}

func (s *SimIRQ) Restore(core int, st IRQState) {
	s.depth[core].Store(int32(st))
}

func (s *SimIRQ) Masked(core int) bool {
	return s.depth[core].Load() > 0
}

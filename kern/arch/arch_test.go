// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package arch

import "testing"

// A context bounces control back and forth with the test's own context a few
// times and then finishes. Order of the recorded steps proves each Switch
// suspended the caller until the peer switched back.
func TestGoEngineSwitch(t *testing.T) {
	eng := NewGoEngine()

	var steps []string
	self := eng.NewContext(nil)

	var peer Context
	peer = eng.NewContext(func() {
		steps = append(steps, "peer-1")
		eng.Switch(peer, self)
		steps = append(steps, "peer-2")
		eng.Finish(self)
	})

	steps = append(steps, "self-1")
	eng.Switch(self, peer)
	steps = append(steps, "self-2")
	eng.Switch(self, peer)
	steps = append(steps, "self-3")

	want := []string{"self-1", "peer-1", "self-2", "peer-2", "self-3"}
	if len(steps) != len(want) {
		t.Fatalf("steps: got %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("step %d: got %q, want %q", i, steps[i], want[i])
		}
	}
}

func TestGoEngineEntryRunsLazily(t *testing.T) {
	eng := NewGoEngine()

	ran := false
	eng.NewContext(func() { ran = true })

	// The entry must not run until the context is switched to.
	if ran {
		t.Fatalf("entry ran before first switch")
	}
}

func TestSimIRQNesting(t *testing.T) {
	irq := NewSimIRQ(2)

	if irq.Masked(0) {
		t.Fatalf("fresh core 0: got masked, want unmasked")
	}

	outer := irq.Save(0)
	if !irq.Masked(0) {
		t.Fatalf("after Save: got unmasked, want masked")
	}
	inner := irq.Save(0)
	irq.Restore(0, inner)
	if !irq.Masked(0) {
		t.Fatalf("after inner Restore: got unmasked, want masked")
	}
	irq.Restore(0, outer)
	if irq.Masked(0) {
		t.Fatalf("after outer Restore: got masked, want unmasked")
	}

	if irq.Masked(1) {
		t.Fatalf("core 1 affected by core 0 masking")
	}
}

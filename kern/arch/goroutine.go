// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package arch

// GoEngine implements Engine on top of goroutines. Each context owns a
// one-slot resume channel; switching to a context deposits a token, and a
// suspended context blocks receiving from its own channel. The buffer slot
// matters: a wake may be posted in the window after a switching thread has
// resumed its successor but before it has parked itself.
//
// A context is resumed at most once per suspension. A second resume without
// an intervening suspension would block the sender forever, which turns a
// scheduler double-wake bug into a visible hang instead of silent
// corruption.
type GoEngine struct{}

func NewGoEngine() *GoEngine {
	return &GoEngine{}
}

type goContext struct {
	resume chan struct{}
}

func (*GoEngine) NewContext(entry func()) Context {
	c := &goContext{resume: make(chan struct{}, 1)}
	if entry != nil {
		go func() {
			<-c.resume
			entry()
		}()
	}
	return c
}

func (*GoEngine) Switch(save, next Context) {
	s := save.(*goContext)
	n := next.(*goContext)
	n.resume <- struct{}{}
	<-s.resume
}

func (*GoEngine) Finish(next Context) {
	next.(*goContext).resume <- struct{}{}
}

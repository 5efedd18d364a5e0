// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package timer provides the kernel's tick sources. The kernel itself only
// counts ticks; where they come from is a Source chosen at boot: a
// wall-clock ticker, a timerfd on Linux, or a hand-cranked source for
// deterministic tests.
package timer

import (
	"fmt"
	"sync"
	"time"

	"nanokern.dev/kern/kerr"
)

// Handler receives ticks. OnTick runs on the source's goroutine and must
// not block.
type Handler interface {
	OnTick()
}

// Source drives a Handler with periodic ticks.
type Source interface {
	Start(h Handler) error
	Stop() error
}

// Ticker is a Source backed by time.Ticker.
type Ticker struct {
	period time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewTicker(period time.Duration) *Ticker {
	if period <= 0 {
		period = time.Millisecond
	}
	return &Ticker{period: period}
}

func (t *Ticker) Start(h Handler) error {
	if h == nil {
		return fmt.Errorf("timer: start: %w", kerr.ErrNil)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return fmt.Errorf("timer: start: %w", kerr.ErrInUse)
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		tick := time.NewTicker(t.period)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				h.OnTick()
			case <-stop:
				return
			}
		}
	}(t.stop, t.done)
	return nil
}

func (t *Ticker) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == nil {
		return fmt.Errorf("timer: stop: %w", kerr.ErrNotInit)
	}
	close(t.stop)
	<-t.done
	t.stop, t.done = nil, nil
	return nil
}

// Manual is a Source cranked by hand. Tests use it to make tick-dependent
// behavior exact: nothing ticks unless Advance is called.
type Manual struct {
	mu sync.Mutex
	h  Handler
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Start(h Handler) error {
	if h == nil {
		return fmt.Errorf("timer: start: %w", kerr.ErrNil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.h != nil {
		return fmt.Errorf("timer: start: %w", kerr.ErrInUse)
	}
	m.h = h
	return nil
}

func (m *Manual) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.h == nil {
		return fmt.Errorf("timer: stop: %w", kerr.ErrNotInit)
	}
	m.h = nil
	return nil
}

// Advance delivers n ticks synchronously on the caller's goroutine.
func (m *Manual) Advance(n int) {
	m.mu.Lock()
	h := m.h
	m.mu.Unlock()
	if h == nil {
		return
	}
	for i := 0; i < n; i++ {
		h.OnTick()
	}
}

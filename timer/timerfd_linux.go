// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package timer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"nanokern.dev/kern/kerr"
)

// TimerFD is a Source backed by a Linux timerfd. Unlike Ticker it reports
// missed expirations: if the process stalls past several periods, the next
// read returns the full count and every tick is still delivered.
type TimerFD struct {
	period time.Duration

	mu   sync.Mutex
	file *os.File
	done chan struct{}
}

func NewTimerFD(period time.Duration) *TimerFD {
	if period <= 0 {
		period = time.Millisecond
	}
	return &TimerFD{period: period}
}

func (t *TimerFD) Start(h Handler) error {
	if h == nil {
		return fmt.Errorf("timerfd: start: %w", kerr.ErrNil)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		return fmt.Errorf("timerfd: start: %w", kerr.ErrInUse)
	}

	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("timerfd: create: %w", err)
	}
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(t.period.Nanoseconds()),
		Value:    unix.NsecToTimespec(t.period.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return fmt.Errorf("timerfd: settime: %w", err)
	}

	// Wrapping the fd in an os.File puts it on the runtime poller so that
	// Close unblocks a pending read.
	t.file = os.NewFile(uintptr(fd), "timerfd")
	t.done = make(chan struct{})

	go func(file *os.File, done chan struct{}) {
		defer close(done)
		var buf [8]byte
		for {
			if _, err := file.Read(buf[:]); err != nil {
				if !errors.Is(err, os.ErrClosed) {
					slog.Error("timerfd read failed", "err", err)
				}
				return
			}
			for n := binary.NativeEndian.Uint64(buf[:]); n > 0; n-- {
				h.OnTick()
			}
		}
	}(t.file, t.done)
	return nil
}

func (t *TimerFD) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return fmt.Errorf("timerfd: stop: %w", kerr.ErrNotInit)
	}
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("timerfd: close: %w", err)
	}
	<-t.done
	t.file, t.done = nil, nil
	return nil
}

// NewPlatform returns the best tick source for this platform.
func NewPlatform(period time.Duration) Source {
	return NewTimerFD(period)
}

// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"nanokern.dev/config"
	"nanokern.dev/global"
	"nanokern.dev/kern/futex"
	"nanokern.dev/kern/mutex"
	"nanokern.dev/kern/sched"
	"nanokern.dev/kern/sem"
	"nanokern.dev/kern/spin"
)

func runWorkloads(ctx context.Context, g *global.Global, k *sched.Kernel, fx *futex.Table) error {
	var errs []error
	for _, w := range g.Config.Workloads {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("workload %s: %w", w.Name, err))
			break
		}

		name := w.Name
		if name == "" {
			name = w.Kind
		}
		begin := time.Now()
		slog.Debug("starting workload", "name", name, "kind", w.Kind, "threads", w.Threads, "priority", w.Priority, "count", w.Count)

		var err error
		switch w.Kind {
		case "ring":
			err = runRing(ctx, k, fx, w)
		case "ceiling":
			err = runCeiling(ctx, k, fx, w)
		case "sleepers":
			err = runSleepers(ctx, k, w)
		case "spinners":
			err = runSpinners(ctx, k, w)
		case "pingpong":
			err = runPingpong(ctx, k, fx, w)
		default:
			err = fmt.Errorf("unknown kind %q", w.Kind)
		}
		if err != nil {
			slog.Error("workload failed", "name", name, "err", err)
			errs = append(errs, fmt.Errorf("workload %s: %w", name, err))
			continue
		}
		slog.Debug("workload done", "name", name, "took", time.Since(begin).Round(time.Millisecond))
	}
	return errors.Join(errs...)
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// waitUntil polls cond from outside the kernel until it holds.
func waitUntil(ctx context.Context, what string, cond func() bool) error {
	deadline := time.Now().Add(30 * time.Second)
	for !cond() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// joinAll reaps every spawned thread and fails if any of them exited with a
// nonzero status or was killed.
func joinAll(k *sched.Kernel, ids []sched.Tid) error {
	var errs []error
	for _, id := range ids {
		res, err := k.Join(nil, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("join %d: %w", id, err))
			continue
		}
		if res.Cause != sched.CauseNormal || res.Status != 0 {
			errs = append(errs, fmt.Errorf("thread %d: status %d, cause %s", res.Tid, res.Status, res.Cause))
		}
	}
	return errors.Join(errs...)
}

// runRing drives items from one producer through a bounded ring buffer to a
// group of consumers. The ring is guarded by two counting semaphores for
// space and items plus a spin lock for the indices. The producer finishes
// by feeding one poison value per consumer.
func runRing(ctx context.Context, k *sched.Kernel, fx *futex.Table, w config.Workload) error {
	consumers := orDefault(w.Threads, 2)
	count := orDefault(w.Count, 64)
	prio := sched.Priority(w.Priority)

	const capacity = 8
	var empty, full sem.Semaphore
	if err := empty.Init(fx, capacity); err != nil {
		return fmt.Errorf("init empty sem: %w", err)
	}
	defer empty.Destroy()
	if err := full.Init(fx, 0); err != nil {
		return fmt.Errorf("init full sem: %w", err)
	}
	defer full.Destroy()

	var (
		idx        spin.Mutex
		buf        [capacity]int
		head, tail int

		consumed   atomic.Int64
		sum        atomic.Int64
		outOfOrder atomic.Bool
	)

	producer := func(cur *sched.Thread, arg any) int32 {
		for i := 1; i <= count+consumers; i++ {
			item := i
			if i > count {
				item = -1 // poison
			}
			if err := empty.Pend(cur); err != nil {
				return 1
			}
			idx.Lock()
			buf[head%capacity] = item
			head++
			idx.Unlock()
			if err := full.Post(); err != nil {
				return 2
			}
		}
		return 0
	}

	consumer := func(cur *sched.Thread, arg any) int32 {
		last := 0
		for {
			if err := full.Pend(cur); err != nil {
				return 1
			}
			idx.Lock()
			item := buf[tail%capacity]
			tail++
			idx.Unlock()
			if err := empty.Post(); err != nil {
				return 2
			}
			if item < 0 {
				return 0
			}
			if consumers == 1 && item <= last {
				outOfOrder.Store(true)
			}
			last = item
			consumed.Add(1)
			sum.Add(int64(item))
		}
	}

	var ids []sched.Tid
	id, err := k.Spawn(nil, sched.SpawnOptions{Name: "producer", Priority: prio}, producer, nil)
	if err != nil {
		return fmt.Errorf("spawn producer: %w", err)
	}
	ids = append(ids, id)
	for i := 0; i < consumers; i++ {
		id, err := k.Spawn(nil, sched.SpawnOptions{Name: fmt.Sprintf("consumer-%d", i), Priority: prio}, consumer, nil)
		if err != nil {
			return fmt.Errorf("spawn consumer: %w", err)
		}
		ids = append(ids, id)
	}

	if err := joinAll(k, ids); err != nil {
		return err
	}
	if got := consumed.Load(); got != int64(count) {
		return fmt.Errorf("consumed %d items, want %d", got, count)
	}
	if got, want := sum.Load(), int64(count)*int64(count+1)/2; got != want {
		return fmt.Errorf("item sum %d, want %d", got, want)
	}
	if outOfOrder.Load() {
		return fmt.Errorf("single consumer saw items out of order")
	}
	return nil
}

// runCeiling repeatedly makes a low priority thread hold a ceiling mutex
// while a higher priority thread contends, and checks that the holder runs
// at the ceiling for as long as it is contended.
func runCeiling(ctx context.Context, k *sched.Kernel, fx *futex.Table, w config.Workload) error {
	base := sched.Priority(orDefault(w.Priority, 10))
	// The contender must fit between the holder's base and the ceiling.
	if base > sched.PriorityMax-2 {
		base = sched.PriorityMax - 2
	}
	ceiling := base + 4
	if ceiling > sched.PriorityMax {
		ceiling = sched.PriorityMax
	}
	rounds := orDefault(w.Count, 3)

	var m mutex.Mutex
	if err := m.Init(fx, mutex.Options{Ceiling: ceiling}); err != nil {
		return fmt.Errorf("init mutex: %w", err)
	}
	defer m.Destroy()

	threadInfo := func(id sched.Tid) (sched.Info, bool) {
		for _, info := range k.Snapshot() {
			if info.ID == id {
				return info, true
			}
		}
		return sched.Info{}, false
	}

	for r := 0; r < rounds; r++ {
		var holding, release spin.Bool

		holder, err := k.Spawn(nil, sched.SpawnOptions{Name: fmt.Sprintf("holder-%d", r), Priority: base}, func(cur *sched.Thread, arg any) int32 {
			if err := m.Lock(cur); err != nil {
				return 1
			}
			holding.Store(true)
			// Sleeping between polls keeps the core free for the
			// contender to arrive and block.
			for !release.Load() {
				if err := k.Sleep(cur, k.TickPeriod()); err != nil {
					return 2
				}
			}
			if err := m.Unlock(cur); err != nil {
				return 3
			}
			return 0
		}, nil)
		if err != nil {
			return fmt.Errorf("spawn holder: %w", err)
		}

		if err := waitUntil(ctx, "holder to take the mutex", holding.Load); err != nil {
			return err
		}

		contender, err := k.Spawn(nil, sched.SpawnOptions{Name: fmt.Sprintf("contender-%d", r), Priority: base + 1}, func(cur *sched.Thread, arg any) int32 {
			if err := m.Lock(cur); err != nil {
				return 1
			}
			if err := m.Unlock(cur); err != nil {
				return 2
			}
			return 0
		}, nil)
		if err != nil {
			return fmt.Errorf("spawn contender: %w", err)
		}

		if err := waitUntil(ctx, "contender to block on the mutex", func() bool {
			info, ok := threadInfo(contender)
			return ok && info.State == sched.StateWaiting && info.Reason == sched.ReasonMutex
		}); err != nil {
			return err
		}

		info, ok := threadInfo(holder)
		if !ok {
			return fmt.Errorf("round %d: holder vanished", r)
		}
		if info.Priority != ceiling || info.Base != base {
			return fmt.Errorf("round %d: holder at priority %d base %d, want %d base %d", r, info.Priority, info.Base, ceiling, base)
		}

		release.Store(true)
		if err := joinAll(k, []sched.Tid{holder, contender}); err != nil {
			return fmt.Errorf("round %d: %w", r, err)
		}
	}
	return nil
}

// runSleepers puts threads to sleep for a fixed number of ticks each and
// checks that none of them wakes early.
func runSleepers(ctx context.Context, k *sched.Kernel, w config.Workload) error {
	n := orDefault(w.Threads, 4)
	ticks := orDefault(w.Count, 5)
	prio := sched.Priority(w.Priority)

	var ids []sched.Tid
	for i := 0; i < n; i++ {
		// Stagger the deadlines so the timer list holds distinct wakeups.
		d := time.Duration(ticks+i) * k.TickPeriod()
		id, err := k.Spawn(nil, sched.SpawnOptions{Name: fmt.Sprintf("sleeper-%d", i), Priority: prio}, func(cur *sched.Thread, arg any) int32 {
			want := uint64(ticks + i)
			before := k.Ticks()
			if err := k.Sleep(cur, d); err != nil {
				return 1
			}
			if k.Ticks() < before+want {
				return 2 // woke early
			}
			return 0
		}, nil)
		if err != nil {
			return fmt.Errorf("spawn sleeper: %w", err)
		}
		ids = append(ids, id)
	}
	return joinAll(k, ids)
}

// runSpinners makes threads yield in a tight loop so that the round robin
// and preemption paths get traffic.
func runSpinners(ctx context.Context, k *sched.Kernel, w config.Workload) error {
	n := orDefault(w.Threads, 4)
	yields := orDefault(w.Count, 100)
	prio := sched.Priority(w.Priority)

	var ids []sched.Tid
	for i := 0; i < n; i++ {
		id, err := k.Spawn(nil, sched.SpawnOptions{Name: fmt.Sprintf("spinner-%d", i), Priority: prio}, func(cur *sched.Thread, arg any) int32 {
			for j := 0; j < yields; j++ {
				if err := k.Yield(cur); err != nil {
					return 1
				}
			}
			return 0
		}, nil)
		if err != nil {
			return fmt.Errorf("spawn spinner: %w", err)
		}
		ids = append(ids, id)
	}
	return joinAll(k, ids)
}

// runPingpong bounces a futex word between two threads. Ping flips the word
// from 0 to 1, pong flips it back, and each wakes the other through the
// futex table.
func runPingpong(ctx context.Context, k *sched.Kernel, fx *futex.Table, w config.Workload) error {
	rounds := orDefault(w.Count, 100)
	prio := sched.Priority(w.Priority)

	var word spin.Uint32
	var rallies atomic.Int64

	ping := func(cur *sched.Thread, arg any) int32 {
		for r := 0; r < rounds; r++ {
			for word.Load() != 0 {
				if err := fx.Wait(cur, &word, 1); err != nil {
					return 1
				}
			}
			word.Store(1)
			fx.Wake(&word, 1)
		}
		return 0
	}

	pong := func(cur *sched.Thread, arg any) int32 {
		for r := 0; r < rounds; r++ {
			for word.Load() != 1 {
				if err := fx.Wait(cur, &word, 0); err != nil {
					return 1
				}
			}
			word.Store(0)
			fx.Wake(&word, 1)
			rallies.Add(1)
		}
		return 0
	}

	var ids []sched.Tid
	for name, entry := range map[string]sched.Func{"ping": ping, "pong": pong} {
		id, err := k.Spawn(nil, sched.SpawnOptions{Name: name, Priority: prio}, entry, nil)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", name, err)
		}
		ids = append(ids, id)
	}

	if err := joinAll(k, ids); err != nil {
		return err
	}
	if got := rallies.Load(); got != int64(rounds) {
		return fmt.Errorf("%d rallies, want %d", got, rounds)
	}
	return nil
}

// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package mutex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nanokern.dev/kern/futex"
	"nanokern.dev/kern/kerr"
	"nanokern.dev/kern/sched"
	"nanokern.dev/timer"
)

func newTestKernel(t *testing.T, params sched.Params) (*sched.Kernel, *futex.Table) {
	t.Helper()
	k, err := sched.New(params)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	if err := k.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := k.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return k, futex.NewTable(k, 64)
}

func threadInfo(k *sched.Kernel, id sched.Tid) (sched.Info, bool) {
	for _, info := range k.Snapshot() {
		if info.ID == id {
			return info, true
		}
	}
	return sched.Info{}, false
}

func blockedOnMutex(k *sched.Kernel) int {
	n := 0
	for _, info := range k.Snapshot() {
		if info.State == sched.StateWaiting && info.Reason == sched.ReasonMutex {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInitValidation(t *testing.T) {
	_, tb := newTestKernel(t, sched.Params{})

	var nilm *Mutex
	if err := nilm.Init(tb, Options{}); !errors.Is(err, kerr.ErrNil) {
		t.Errorf("nil mutex: got %v, want ErrNil", err)
	}
	var m Mutex
	if err := m.Init(nil, Options{}); !errors.Is(err, kerr.ErrNil) {
		t.Errorf("nil table: got %v, want ErrNil", err)
	}
	if err := m.Init(tb, Options{Ceiling: sched.PriorityMax + 1}); !errors.Is(err, kerr.ErrBadPriority) {
		t.Errorf("excess ceiling: got %v, want ErrBadPriority", err)
	}
	if err := m.Init(tb, Options{Ceiling: -2}); !errors.Is(err, kerr.ErrBadPriority) {
		t.Errorf("negative ceiling: got %v, want ErrBadPriority", err)
	}
	if err := m.Init(tb, Options{Ceiling: NoCeiling}); err != nil {
		t.Fatalf("init with no ceiling: %v", err)
	}
	if err := m.Init(tb, Options{}); !errors.Is(err, kerr.ErrInUse) {
		t.Errorf("double init: got %v, want ErrInUse", err)
	}

	var raw Mutex
	if _, err := raw.TryLock(nil); !errors.Is(err, kerr.ErrNil) {
		t.Errorf("trylock nil thread: got %v, want ErrNil", err)
	}
}

func TestLockUnlock(t *testing.T) {
	k, tb := newTestKernel(t, sched.Params{})

	var m Mutex
	if err := m.Init(tb, Options{Ceiling: NoCeiling}); err != nil {
		t.Fatalf("init: %v", err)
	}

	id, err := k.Spawn(nil, sched.SpawnOptions{Priority: 10}, func(cur *sched.Thread, arg any) int32 {
		if err := m.Lock(cur); err != nil {
			return 1
		}
		if holder, ok := m.Holder(); !ok || holder != cur.ID() {
			return 2
		}
		if err := m.Unlock(cur); err != nil {
			return 3
		}
		if _, ok := m.Holder(); ok {
			return 4
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if res, err := k.Join(nil, id); err != nil || res.Status != 0 {
		t.Fatalf("join: res=%+v err=%v", res, err)
	}
}

func TestSelfLockNonRecursive(t *testing.T) {
	k, tb := newTestKernel(t, sched.Params{})

	var m Mutex
	if err := m.Init(tb, Options{Ceiling: NoCeiling}); err != nil {
		t.Fatalf("init: %v", err)
	}

	id, err := k.Spawn(nil, sched.SpawnOptions{Priority: 10}, func(cur *sched.Thread, arg any) int32 {
		if err := m.Lock(cur); err != nil {
			return 1
		}
		if err := m.Lock(cur); !errors.Is(err, kerr.ErrDeadlock) {
			return 2
		}
		if _, err := m.TryLock(cur); !errors.Is(err, kerr.ErrDeadlock) {
			return 3
		}
		// The failed relock must not have corrupted anything.
		if err := m.Unlock(cur); err != nil {
			return 4
		}
		if ok, err := m.TryLock(cur); err != nil || !ok {
			return 5
		}
		if err := m.Unlock(cur); err != nil {
			return 6
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if res, err := k.Join(nil, id); err != nil || res.Status != 0 {
		t.Fatalf("join: res=%+v err=%v", res, err)
	}
}

// A recursive mutex locked n times opens only after n unlocks.
func TestRecursiveDepth(t *testing.T) {
	k, tb := newTestKernel(t, sched.Params{})

	var m Mutex
	if err := m.Init(tb, Options{Recursive: true, Ceiling: NoCeiling}); err != nil {
		t.Fatalf("init: %v", err)
	}

	var locks, unlocks, acks atomic.Int32
	var release atomic.Bool
	id, err := k.Spawn(nil, sched.SpawnOptions{Name: "nester", Priority: 10}, func(cur *sched.Thread, arg any) int32 {
		for i := 0; i < 3; i++ {
			if err := m.Lock(cur); err != nil {
				return 1
			}
			locks.Add(1)
		}
		for !release.Load() {
			if err := k.Yield(cur); err != nil {
				return 2
			}
		}
		for i := 0; i < 3; i++ {
			if err := m.Unlock(cur); err != nil {
				return 3
			}
			unlocks.Add(1)
			// Hold at this depth until the test has probed it.
			for acks.Load() < int32(i+1) {
				if err := k.Yield(cur); err != nil {
					return 4
				}
			}
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	probe := func() bool {
		t.Helper()
		res := make(chan bool, 1)
		pid, err := k.Spawn(nil, sched.SpawnOptions{Name: "probe", Priority: 20}, func(cur *sched.Thread, arg any) int32 {
			ok, err := m.TryLock(cur)
			if err != nil {
				return 1
			}
			if ok {
				if err := m.Unlock(cur); err != nil {
					return 2
				}
			}
			res <- ok
			return 0
		}, nil)
		if err != nil {
			t.Fatalf("spawn probe: %v", err)
		}
		if r, err := k.Join(nil, pid); err != nil || r.Status != 0 {
			t.Fatalf("join probe: res=%+v err=%v", r, err)
		}
		return <-res
	}

	waitFor(t, "three locks", func() bool { return locks.Load() == 3 })
	if probe() {
		t.Fatalf("mutex free while held at depth 3")
	}

	release.Store(true)
	waitFor(t, "first unlock", func() bool { return unlocks.Load() == 1 })
	if probe() {
		t.Fatalf("mutex free at depth 2")
	}
	acks.Add(1)
	waitFor(t, "second unlock", func() bool { return unlocks.Load() == 2 })
	if probe() {
		t.Fatalf("mutex free at depth 1")
	}
	acks.Add(1)
	waitFor(t, "third unlock", func() bool { return unlocks.Load() == 3 })
	if !probe() {
		t.Fatalf("mutex still held after three unlocks")
	}
	acks.Add(1)

	if res, err := k.Join(nil, id); err != nil || res.Status != 0 {
		t.Fatalf("join: res=%+v err=%v", res, err)
	}
}

func TestUnlockErrors(t *testing.T) {
	k, tb := newTestKernel(t, sched.Params{})

	var m Mutex
	if err := m.Init(tb, Options{Ceiling: NoCeiling}); err != nil {
		t.Fatalf("init: %v", err)
	}

	var held, release atomic.Bool
	owner, err := k.Spawn(nil, sched.SpawnOptions{Name: "owner", Priority: 10}, func(cur *sched.Thread, arg any) int32 {
		if err := m.Lock(cur); err != nil {
			return 1
		}
		held.Store(true)
		for !release.Load() {
			if err := k.Yield(cur); err != nil {
				return 2
			}
		}
		if err := m.Unlock(cur); err != nil {
			return 3
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn owner: %v", err)
	}
	waitFor(t, "owner to hold", func() bool { return held.Load() })

	intruder, err := k.Spawn(nil, sched.SpawnOptions{Name: "intruder", Priority: 10}, func(cur *sched.Thread, arg any) int32 {
		if err := m.Unlock(cur); !errors.Is(err, kerr.ErrInvalid) {
			return 1
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn intruder: %v", err)
	}
	if res, err := k.Join(nil, intruder); err != nil || res.Status != 0 {
		t.Fatalf("join intruder: res=%+v err=%v", res, err)
	}

	release.Store(true)
	if res, err := k.Join(nil, owner); err != nil || res.Status != 0 {
		t.Fatalf("join owner: res=%+v err=%v", res, err)
	}

	// Unlocking an unheld mutex is invalid too.
	solo, err := k.Spawn(nil, sched.SpawnOptions{Priority: 10}, func(cur *sched.Thread, arg any) int32 {
		if err := m.Unlock(cur); !errors.Is(err, kerr.ErrInvalid) {
			return 1
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn solo: %v", err)
	}
	if res, err := k.Join(nil, solo); err != nil || res.Status != 0 {
		t.Fatalf("join solo: res=%+v err=%v", res, err)
	}
}

// Waiters get the mutex in arrival order even when later arrivals have
// higher priority.
func TestArrivalOrderHandoff(t *testing.T) {
	k, tb := newTestKernel(t, sched.Params{})

	var m Mutex
	if err := m.Init(tb, Options{Ceiling: NoCeiling}); err != nil {
		t.Fatalf("init: %v", err)
	}

	// The holder spins at the bottom priority so every waiter gets to run
	// and park itself, in spawn order, while the mutex is held.
	var held, release atomic.Bool
	holder, err := k.Spawn(nil, sched.SpawnOptions{Name: "holder", Priority: 1}, func(cur *sched.Thread, arg any) int32 {
		if err := m.Lock(cur); err != nil {
			return 1
		}
		held.Store(true)
		for !release.Load() {
			if err := k.Yield(cur); err != nil {
				return 2
			}
		}
		if err := m.Unlock(cur); err != nil {
			return 3
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn holder: %v", err)
	}
	waitFor(t, "holder to hold", func() bool { return held.Load() })

	var mu sync.Mutex
	var order []string
	var ids []sched.Tid
	for i, spec := range []struct {
		name string
		prio sched.Priority
	}{
		{"first", 5}, {"second", 20}, {"third", 12},
	} {
		id, err := k.Spawn(nil, sched.SpawnOptions{Name: spec.name, Priority: spec.prio}, func(cur *sched.Thread, arg any) int32 {
			if err := m.Lock(cur); err != nil {
				return 1
			}
			mu.Lock()
			order = append(order, cur.Name())
			mu.Unlock()
			if err := m.Unlock(cur); err != nil {
				return 2
			}
			return 0
		}, nil)
		if err != nil {
			t.Fatalf("spawn %s: %v", spec.name, err)
		}
		ids = append(ids, id)
		want := i + 1
		waitFor(t, "waiter to block", func() bool { return blockedOnMutex(k) == want })
	}

	release.Store(true)
	if res, err := k.Join(nil, holder); err != nil || res.Status != 0 {
		t.Fatalf("join holder: res=%+v err=%v", res, err)
	}
	for _, id := range ids {
		if res, err := k.Join(nil, id); err != nil || res.Status != 0 {
			t.Fatalf("join %d: res=%+v err=%v", id, res, err)
		}
	}

	want := []string{"first", "second", "third"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("grant order: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("grant order: got %v, want %v", order, want)
		}
	}
}

// A low-priority holder of a ceiling mutex runs at the ceiling until it
// releases, and the blocked thread then beats lower-priority work spawned
// in the meantime.
func TestPriorityCeiling(t *testing.T) {
	k, tb := newTestKernel(t, sched.Params{})
	src := timer.NewTicker(time.Millisecond)
	if err := src.Start(k); err != nil {
		t.Fatalf("timer start: %v", err)
	}
	defer src.Stop()

	var m Mutex
	if err := m.Init(tb, Options{Ceiling: 5}); err != nil {
		t.Fatalf("init: %v", err)
	}

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	// The holder sleeps between polls so that the priority-3 contender,
	// below the ceiling, still gets the core to park itself on the mutex.
	var held, release, unlocked atomic.Bool
	low, err := k.Spawn(nil, sched.SpawnOptions{Name: "low", Priority: 2}, func(cur *sched.Thread, arg any) int32 {
		if err := m.Lock(cur); err != nil {
			return 1
		}
		held.Store(true)
		for !release.Load() {
			if err := k.Sleep(cur, time.Millisecond); err != nil {
				return 2
			}
		}
		if err := m.Unlock(cur); err != nil {
			return 3
		}
		unlocked.Store(true)
		if cur.Priority() != 2 {
			return 4
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn low: %v", err)
	}

	waitFor(t, "low to hold", func() bool { return held.Load() })
	if info, ok := threadInfo(k, low); !ok || info.Priority != 5 || info.Base != 2 {
		t.Fatalf("holder priority: got %+v, want cur 5 base 2", info)
	}

	var midPrio sched.Priority
	mid, err := k.Spawn(nil, sched.SpawnOptions{Name: "mid", Priority: 3}, func(cur *sched.Thread, arg any) int32 {
		if err := m.Lock(cur); err != nil {
			return 1
		}
		midPrio = cur.Priority()
		record("mid")
		if err := m.Unlock(cur); err != nil {
			return 2
		}
		if cur.Priority() != 3 {
			return 3
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn mid: %v", err)
	}
	waitFor(t, "mid to block", func() bool { return blockedOnMutex(k) == 1 })

	// Still elevated while contended.
	if info, ok := threadInfo(k, low); !ok || info.Priority != 5 {
		t.Fatalf("contended holder priority: got %+v, want 5", info)
	}

	// Spawned after mid blocked. It spins below everyone until the release
	// happens, and must then lose the core to the woken waiter.
	idler, err := k.Spawn(nil, sched.SpawnOptions{Name: "idler", Priority: 1}, func(cur *sched.Thread, arg any) int32 {
		for !unlocked.Load() {
			if err := k.Yield(cur); err != nil {
				return 1
			}
		}
		record("idler")
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn idler: %v", err)
	}

	release.Store(true)
	for _, id := range []sched.Tid{low, mid, idler} {
		if res, err := k.Join(nil, id); err != nil || res.Status != 0 {
			t.Fatalf("join %d: res=%+v err=%v", id, res, err)
		}
	}

	if midPrio != 5 {
		t.Errorf("mid held at priority %d, want ceiling 5", midPrio)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "mid" || order[1] != "idler" {
		t.Errorf("run order: got %v, want [mid idler]", order)
	}
}

func TestDestroyReleasesWaiters(t *testing.T) {
	k, tb := newTestKernel(t, sched.Params{})

	var m Mutex
	if err := m.Init(tb, Options{Ceiling: 30}); err != nil {
		t.Fatalf("init: %v", err)
	}

	var held, release atomic.Bool
	holder, err := k.Spawn(nil, sched.SpawnOptions{Name: "holder", Priority: 10}, func(cur *sched.Thread, arg any) int32 {
		if err := m.Lock(cur); err != nil {
			return 1
		}
		held.Store(true)
		for !release.Load() {
			if err := k.Yield(cur); err != nil {
				return 2
			}
		}
		if err := m.Unlock(cur); !errors.Is(err, kerr.ErrNotInit) {
			return 3
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn holder: %v", err)
	}
	waitFor(t, "holder to hold", func() bool { return held.Load() })
	if info, ok := threadInfo(k, holder); !ok || info.Priority != 30 {
		t.Fatalf("holder priority: got %+v, want 30", info)
	}

	// Waiters outrank the elevated holder so they reach the mutex and park.
	var ids []sched.Tid
	for i := 0; i < 2; i++ {
		id, err := k.Spawn(nil, sched.SpawnOptions{Priority: 40}, func(cur *sched.Thread, arg any) int32 {
			if err := m.Lock(cur); !errors.Is(err, kerr.ErrDestroyed) {
				return 1
			}
			return 0
		}, nil)
		if err != nil {
			t.Fatalf("spawn waiter %d: %v", i, err)
		}
		ids = append(ids, id)
		want := i + 1
		waitFor(t, "waiter to block", func() bool { return blockedOnMutex(k) == want })
	}

	if err := m.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := m.Destroy(); !errors.Is(err, kerr.ErrNotInit) {
		t.Errorf("double destroy: got %v, want ErrNotInit", err)
	}

	// Destroy undoes the holder's elevation; its unlock would fail.
	waitFor(t, "holder priority to revert", func() bool {
		info, ok := threadInfo(k, holder)
		return ok && info.Priority == 10
	})

	for _, id := range ids {
		if res, err := k.Join(nil, id); err != nil || res.Status != 0 {
			t.Fatalf("join waiter %d: res=%+v err=%v", id, res, err)
		}
	}
	release.Store(true)
	if res, err := k.Join(nil, holder); err != nil || res.Status != 0 {
		t.Fatalf("join holder: res=%+v err=%v", res, err)
	}

	// Waiters drained, so the mutex can live again.
	if err := m.Init(tb, Options{Ceiling: NoCeiling}); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	id, err := k.Spawn(nil, sched.SpawnOptions{Priority: 10}, func(cur *sched.Thread, arg any) int32 {
		if err := m.Lock(cur); err != nil {
			return 1
		}
		if err := m.Unlock(cur); err != nil {
			return 2
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if res, err := k.Join(nil, id); err != nil || res.Status != 0 {
		t.Fatalf("join: res=%+v err=%v", res, err)
	}
}

func TestLockAfterDestroy(t *testing.T) {
	k, tb := newTestKernel(t, sched.Params{})

	var m Mutex
	if err := m.Init(tb, Options{Ceiling: NoCeiling}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	id, err := k.Spawn(nil, sched.SpawnOptions{Priority: 10}, func(cur *sched.Thread, arg any) int32 {
		if err := m.Lock(cur); !errors.Is(err, kerr.ErrNotInit) {
			return 1
		}
		if _, err := m.TryLock(cur); !errors.Is(err, kerr.ErrNotInit) {
			return 2
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if res, err := k.Join(nil, id); err != nil || res.Status != 0 {
		t.Fatalf("join: res=%+v err=%v", res, err)
	}
}

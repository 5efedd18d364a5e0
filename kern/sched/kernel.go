// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package sched is the thread scheduler: a fixed set of cores, a table of
// threads, per-core priority ready queues, and the block/wake protocol that
// the futex layer and everything above it is built on.
//
// Threads are simulated: each one runs on its own goroutine, but only after
// a core's scheduler loop has switched to it, and only until it blocks,
// yields, or exits. At most one thread per core makes progress at a time,
// preemption happens at explicit checkpoints, and every scheduling decision
// is observable through the Tracer hook.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/bits"

	"nanokern.dev/kern/arch"
	"nanokern.dev/kern/kerr"
	"nanokern.dev/kern/mem"
	"nanokern.dev/kern/spin"
	"nanokern.dev/kern/waitq"
)

const (
	// MaxCores is bounded by the width of a thread's affinity mask.
	MaxCores = 64

	// tcbSize is the control block charge per thread.
	tcbSize = 512
)

// Params configures a Kernel. Zero values select defaults.
type Params struct {
	// Cores is the number of scheduler cores. Default 1.
	Cores int

	// Quantum is the timeslice in ticks. Default 10.
	Quantum int

	// TickPeriod is the wall duration one tick represents. It only scales
	// Sleep durations; the kernel itself counts ticks. Default 1ms.
	TickPeriod time.Duration

	// Memory is the simulated memory budget in bytes that control blocks
	// and stacks are charged against. Default 8MiB. Ignored when Alloc is
	// set.
	Memory int

	// MaxThreads bounds live threads. Default 256.
	MaxThreads int

	// DefaultStack is the stack charge for threads that do not ask for a
	// size, rounded up to whole pages. Default 16KiB.
	DefaultStack int

	Engine arch.Engine // default arch.NewGoEngine()
	IRQ    arch.IRQ    // default arch.NewSimIRQ(Cores)
	Alloc  mem.Allocator
	Tracer Tracer
}

func (p *Params) fill() {
	if p.Cores == 0 {
		p.Cores = 1
	}
	if p.Quantum == 0 {
		p.Quantum = 10
	}
	if p.TickPeriod == 0 {
		p.TickPeriod = time.Millisecond
	}
	if p.Memory == 0 {
		p.Memory = 8 << 20
	}
	if p.MaxThreads == 0 {
		p.MaxThreads = 256
	}
	if p.DefaultStack == 0 {
		p.DefaultStack = 16 << 10
	}
	if p.Engine == nil {
		p.Engine = arch.NewGoEngine()
	}
	if p.IRQ == nil {
		p.IRQ = arch.NewSimIRQ(p.Cores)
	}
	if p.Alloc == nil {
		p.Alloc = mem.NewArena(p.Memory)
	}
	if p.Tracer == nil {
		p.Tracer = nopTracer{}
	}
}

type counters struct {
	switches spin.Uint64
	preempts spin.Uint64
	spawns   spin.Uint64
	exits    spin.Uint64
	wakes    spin.Uint64
	sleeps   spin.Uint64
	yields   spin.Uint64
	kills    spin.Uint64
}

// Counters is a snapshot of the kernel's activity counters.
type Counters struct {
	Switches    uint64
	Preemptions uint64
	Spawns      uint64
	Exits       uint64
	Wakes       uint64
	Sleeps      uint64
	Yields      uint64
	Kills       uint64
	Ticks       uint64
	Threads     int
}

// Kernel is one scheduler instance. All state lives here; two kernels in
// the same process do not share anything.
type Kernel struct {
	params Params
	engine arch.Engine
	irq    arch.IRQ
	alloc  mem.Allocator
	tracer Tracer

	arena    *waitq.Arena[*Thread]
	cores    []*core
	coreMask uint64

	table struct {
		mu       spin.Mutex
		m        map[Tid]*Thread
		children map[Tid][]Tid
	}
	nextID spin.Uint32

	sleepq struct {
		mu   spin.Mutex
		head *Thread
	}

	ticks spin.Uint64
	count counters

	started spin.Bool
	stop    chan struct{}
	done    sync.WaitGroup
}

// New builds a kernel. It allocates cores and queues but starts nothing;
// call Start to run the scheduler loops.
func New(params Params) (*Kernel, error) {
	params.fill()
	if params.Cores < 1 || params.Cores > MaxCores {
		return nil, fmt.Errorf("new kernel: %d cores: %w", params.Cores, kerr.ErrInvalid)
	}
	if params.Quantum < 1 {
		return nil, fmt.Errorf("new kernel: quantum %d: %w", params.Quantum, kerr.ErrInvalid)
	}

	k := &Kernel{
		params: params,
		engine: params.Engine,
		irq:    params.IRQ,
		alloc:  params.Alloc,
		tracer: params.Tracer,
		arena:  waitq.NewArena[*Thread](params.MaxThreads),
		stop:   make(chan struct{}),
	}
	k.table.m = make(map[Tid]*Thread)
	k.table.children = make(map[Tid][]Tid)

	for i := 0; i < params.Cores; i++ {
		k.cores = append(k.cores, &core{
			id:    i,
			ctx:   k.engine.NewContext(nil),
			ready: k.arena.NewQueue(),
			note:  make(chan struct{}, 1),
		})
		k.coreMask |= bits.MaskOf64(i)
	}
	return k, nil
}

// Start launches the scheduler loops. Threads may be spawned before Start;
// they run once their core comes up.
func (k *Kernel) Start() error {
	if k == nil {
		return fmt.Errorf("start: %w", kerr.ErrNil)
	}
	if !k.started.CompareAndSwap(false, true) {
		return fmt.Errorf("start: %w", kerr.ErrInUse)
	}
	for _, c := range k.cores {
		k.done.Add(1)
		go k.runCore(c)
	}
	slog.Debug("kernel started", "cores", len(k.cores), "quantum", k.params.Quantum, "tick", k.params.TickPeriod)
	return nil
}

// Shutdown stops the scheduler loops and waits for them to park. It is
// meant for the end of a run, after the workload threads have been joined:
// cores stop as they go idle, so a shutdown with runnable threads left
// waits until they block or exit.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k == nil {
		return fmt.Errorf("shutdown: %w", kerr.ErrNil)
	}
	if !k.started.Load() {
		return fmt.Errorf("shutdown: %w", kerr.ErrNotInit)
	}
	select {
	case <-k.stop:
		return fmt.Errorf("shutdown: %w", kerr.ErrNotInit)
	default:
	}
	close(k.stop)

	idle := make(chan struct{})
	go func() {
		k.done.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		slog.Debug("kernel stopped", "ticks", k.ticks.Load())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// SpawnOptions configures a new thread. Priority is used as given and must
// be within [PriorityMin, PriorityMax].
type SpawnOptions struct {
	Name     string
	Priority Priority
	Kind     Kind

	// StackSize in bytes, rounded up to whole pages. Zero selects the
	// kernel's default.
	StackSize int

	// Affinity is a bitmask of cores the thread may run on. Zero means any
	// core.
	Affinity uint64
}

// Spawn creates a thread and makes it runnable. cur is the spawning thread,
// or nil when spawning from outside the kernel, such as the boot sequence.
func (k *Kernel) Spawn(cur *Thread, opts SpawnOptions, entry Func, arg any) (Tid, error) {
	if k == nil {
		return 0, fmt.Errorf("spawn: %w", kerr.ErrNil)
	}
	if entry == nil {
		return 0, fmt.Errorf("spawn: entry: %w", kerr.ErrNil)
	}
	if opts.Priority < PriorityMin || opts.Priority > PriorityMax {
		return 0, fmt.Errorf("spawn: priority %d: %w", opts.Priority, kerr.ErrBadPriority)
	}
	if opts.Affinity != 0 && !bits.IsAnyOn64(opts.Affinity, k.coreMask) {
		return 0, fmt.Errorf("spawn: affinity %#x matches no core: %w", opts.Affinity, kerr.ErrInvalid)
	}
	k.Checkpoint(cur)

	stackSize := opts.StackSize
	if stackSize == 0 {
		stackSize = k.params.DefaultStack
	}
	stackSize = bits.AlignUp(stackSize, mem.PageSize)

	tcb, err := k.alloc.Alloc(tcbSize, 0)
	if err != nil {
		return 0, fmt.Errorf("spawn: control block: %w", err)
	}
	stack, err := k.alloc.Alloc(stackSize, mem.PageSize)
	if err != nil {
		k.alloc.Free(tcb)
		return 0, fmt.Errorf("spawn: stack: %w", err)
	}

	t := &Thread{
		kern:     k,
		id:       Tid(k.nextID.Add(1)),
		name:     opts.Name,
		kind:     opts.Kind,
		entry:    entry,
		arg:      arg,
		stack:    stack,
		tcb:      tcb,
		affinity: opts.Affinity,
		state:    StateReady,
		basePrio: opts.Priority,
		lastCore: -1,
	}
	if t.name == "" {
		t.name = fmt.Sprintf("thread-%d", t.id)
	}
	t.curPrio.Store(int32(opts.Priority))

	node, err := k.arena.NewNode(t)
	if err != nil {
		k.alloc.Free(stack)
		k.alloc.Free(tcb)
		return 0, fmt.Errorf("spawn: wait node: %w", err)
	}
	t.node = node
	t.ctx = k.engine.NewContext(func() { k.trampoline(t) })

	k.table.mu.Lock()
	if cur != nil {
		t.parent = cur.id
		k.table.children[cur.id] = append(k.table.children[cur.id], t.id)
	}
	k.table.m[t.id] = t
	k.table.mu.Unlock()

	k.count.spawns.Add(1)
	k.trace(EventSpawn, t, -1, uint64(t.parent))
	slog.Debug("spawned thread", "tid", t.id, "name", t.name, "prio", opts.Priority)

	t.lock.Lock()
	k.enqueueLocked(t)
	t.lock.Unlock()
	return t.id, nil
}

// lookup resolves a thread id. The returned thread may race to zombie or be
// reaped after the table lock drops; callers take t.lock and re-check.
func (k *Kernel) lookup(id Tid) (*Thread, error) {
	k.table.mu.Lock()
	t := k.table.m[id]
	k.table.mu.Unlock()
	if t == nil {
		return nil, fmt.Errorf("thread %d: %w", id, kerr.ErrNotFound)
	}
	return t, nil
}

// Ticks returns the number of ticks observed so far.
func (k *Kernel) Ticks() uint64 {
	return k.ticks.Load()
}

// TickPeriod returns the configured duration of one tick.
func (k *Kernel) TickPeriod() time.Duration {
	return k.params.TickPeriod
}

// Counters returns a snapshot of the activity counters.
func (k *Kernel) Counters() Counters {
	k.table.mu.Lock()
	threads := len(k.table.m)
	k.table.mu.Unlock()
	return Counters{
		Switches:    k.count.switches.Load(),
		Preemptions: k.count.preempts.Load(),
		Spawns:      k.count.spawns.Load(),
		Exits:       k.count.exits.Load(),
		Wakes:       k.count.wakes.Load(),
		Sleeps:      k.count.sleeps.Load(),
		Yields:      k.count.yields.Load(),
		Kills:       k.count.kills.Load(),
		Ticks:       k.ticks.Load(),
		Threads:     threads,
	}
}

// MemoryUsage reports allocated and total bytes of the kernel's memory
// budget.
func (k *Kernel) MemoryUsage() (used, total int) {
	return k.alloc.Usage()
}

// Snapshot returns a copy of every live thread's scheduling fields, sorted
// by id.
func (k *Kernel) Snapshot() []Info {
	k.table.mu.Lock()
	threads := make([]*Thread, 0, len(k.table.m))
	for _, t := range k.table.m {
		threads = append(threads, t)
	}
	k.table.mu.Unlock()

	infos := make([]Info, 0, len(threads))
	for _, t := range threads {
		infos = append(infos, t.info())
	}
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && infos[j-1].ID > infos[j].ID; j-- {
			infos[j-1], infos[j] = infos[j], infos[j-1]
		}
	}
	return infos
}

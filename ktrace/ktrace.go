// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package ktrace buffers scheduler events and writes them to the journal
// in compressed batches.
package ktrace

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"nanokern.dev/journal"
	"nanokern.dev/kern/sched"
)

const (
	// recordHeaderSize is the fixed part of an encoded record: tick, aux,
	// tid, core, prio, type and name length.
	recordHeaderSize = 8 + 8 + 4 + 2 + 2 + 1 + 1

	maxBlockSize = 32 << 10
)

// Encode appends the wire form of ev to dst.
func Encode(dst []byte, ev sched.Event) []byte {
	name := ev.Name
	if len(name) > 255 {
		name = name[:255]
	}
	dst = binary.BigEndian.AppendUint64(dst, ev.Tick)
	dst = binary.BigEndian.AppendUint64(dst, ev.Aux)
	dst = binary.BigEndian.AppendUint32(dst, uint32(ev.Tid))
	dst = binary.BigEndian.AppendUint16(dst, uint16(ev.Core))
	dst = binary.BigEndian.AppendUint16(dst, uint16(ev.Prio))
	dst = append(dst, byte(ev.Type), byte(len(name)))
	dst = append(dst, name...)
	return dst
}

// Decode parses every record in a decompressed batch.
func Decode(raw []byte) ([]sched.Event, error) {
	var out []sched.Event
	for len(raw) > 0 {
		if len(raw) < recordHeaderSize {
			return nil, fmt.Errorf("short record: %d bytes left", len(raw))
		}
		ev := sched.Event{
			Tick: binary.BigEndian.Uint64(raw[0:8]),
			Aux:  binary.BigEndian.Uint64(raw[8:16]),
			Tid:  sched.Tid(binary.BigEndian.Uint32(raw[16:20])),
			Core: int16(binary.BigEndian.Uint16(raw[20:22])),
			Prio: int16(binary.BigEndian.Uint16(raw[22:24])),
			Type: sched.EventType(raw[24]),
		}
		size := recordHeaderSize + int(raw[25])
		if len(raw) < size {
			return nil, fmt.Errorf("short record name: want %d bytes, have %d", size, len(raw))
		}
		ev.Name = string(raw[recordHeaderSize:size])
		out = append(out, ev)
		raw = raw[size:]
	}
	return out, nil
}

// Format renders ev as one line of text.
func Format(ev sched.Event) string {
	prefix := fmt.Sprintf("%8d  core %2d  %-8s  tid %-4d  prio %-2d", ev.Tick, ev.Core, ev.Type, ev.Tid, ev.Prio)
	switch ev.Type {
	case sched.EventSpawn:
		return fmt.Sprintf("%s  name %q  parent %d", prefix, ev.Name, ev.Aux)
	case sched.EventWait:
		return fmt.Sprintf("%s  reason %s", prefix, sched.Reason(ev.Aux))
	case sched.EventSleep:
		return fmt.Sprintf("%s  until %d", prefix, ev.Aux)
	case sched.EventExit:
		status, cause := sched.UnpackExitAux(ev.Aux)
		return fmt.Sprintf("%s  status %d  cause %s", prefix, status, cause)
	}
	return prefix
}

// block accumulates encoded records until it is frozen and flushed.
type block struct {
	mu      sync.Mutex
	buf     []byte
	frozen  bool
	flushed bool

	count atomic.Uint64
	bytes atomic.Uint64
}

func (b *block) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("count", b.count.Load()),
		slog.Uint64("bytes", b.bytes.Load()),
	)
}

func (b *block) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
	b.frozen = false
	b.flushed = false
	b.count.Store(0)
	b.bytes.Store(0)
}

// insert appends one encoded record. It fails if the block is frozen or
// full so that the caller swaps in a fresh block and retries.
func (b *block) insert(rec []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return false
	}
	if len(b.buf) > 0 && len(b.buf)+len(rec) > maxBlockSize {
		return false
	}
	b.buf = append(b.buf, rec...)
	b.count.Add(1)
	b.bytes.Add(uint64(len(rec)))
	return true
}

func (b *block) flushOnce(j *journal.Journal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return fmt.Errorf("block already flushed")
	}
	b.frozen = true

	if len(b.buf) > 0 {
		slog.Debug("flushing trace block", "block", b)
		if err := j.WriteBatch(b.buf); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
	}
	b.flushed = true
	return nil
}

// Recorder implements sched.Tracer. Emit never blocks on the journal: full
// blocks are handed to a background goroutine for compression.
type Recorder struct {
	journal *journal.Journal
	pool    sync.Pool
	cur     atomic.Pointer[block]
	log     atomic.Bool
}

func NewRecorder(j *journal.Journal) *Recorder {
	r := &Recorder{
		journal: j,
		pool:    sync.Pool{New: func() any { return new(block) }},
	}
	r.cur.Store(r.pool.Get().(*block))
	return r
}

// SetLog controls whether events are also echoed to stderr as they arrive.
func (r *Recorder) SetLog(log bool) {
	r.log.Store(log)
}

func (r *Recorder) put(b *block) {
	b.reset()
	r.pool.Put(b)
}

func (r *Recorder) finalize(b *block) error {
	defer r.put(b)
	if err := b.flushOnce(r.journal); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Emit implements sched.Tracer.
func (r *Recorder) Emit(ev sched.Event) {
	if r.log.Load() {
		fmt.Fprintf(os.Stderr, "%s\n", Format(ev))
	}

	rec := Encode(nil, ev)
	var next *block
	for {
		cur := r.cur.Load()
		if cur.insert(rec) {
			if next != nil {
				r.put(next)
			}
			return
		}

		if next == nil {
			next = r.pool.Get().(*block)
		}
		if r.cur.CompareAndSwap(cur, next) {
			next = nil
			go func(b *block) {
				if err := r.finalize(b); err != nil {
					slog.Error("failed to flush trace block", "err", err)
				}
			}(cur)
		}
	}
}

// Flush swaps the current block out and writes it to the journal
// synchronously.
func (r *Recorder) Flush() error {
	next := r.pool.Get().(*block)
	for {
		cur := r.cur.Load()
		if r.cur.CompareAndSwap(cur, next) {
			return r.finalize(cur)
		}
	}
}

// StartBackgroundFlush periodically flushes the current block so that an
// idle kernel still reaches the journal.
func (r *Recorder) StartBackgroundFlush(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.Flush(); err != nil {
			slog.Error("failed to flush trace block", "err", err)
		}
	}
}

// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package ktrace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"nanokern.dev/journal"
	"nanokern.dev/kern/sched"
)

func TestEncodeDecode(t *testing.T) {
	events := []sched.Event{
		{Tick: 0, Type: sched.EventSpawn, Tid: 1, Core: -1, Prio: 10, Aux: 0, Name: "init"},
		{Tick: 3, Type: sched.EventSwitch, Tid: 1, Core: 0, Prio: 10},
		{Tick: 7, Type: sched.EventWait, Tid: 1, Core: 0, Prio: 10, Aux: uint64(sched.ReasonFutex)},
		{Tick: 9, Type: sched.EventExit, Tid: 1, Core: 0, Prio: 10, Aux: sched.ExitAux(-42, sched.CauseKilled)},
	}

	var raw []byte
	for _, ev := range events {
		raw = Encode(raw, ev)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("records: got %d, want %d", len(got), len(events))
	}
	for i := range events {
		if got[i] != events[i] {
			t.Fatalf("record %d: got %+v, want %+v", i, got[i], events[i])
		}
	}

	status, cause := sched.UnpackExitAux(got[3].Aux)
	if status != -42 || cause != sched.CauseKilled {
		t.Fatalf("exit aux: got %d %v, want -42 killed", status, cause)
	}
}

func TestEncodeTruncatesLongName(t *testing.T) {
	long := strings.Repeat("x", 300)
	raw := Encode(nil, sched.Event{Type: sched.EventSpawn, Tid: 1, Name: long})
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Name != long[:255] {
		t.Fatalf("name: got %d chars, want 255", len(got[0].Name))
	}
}

func TestDecodeErrors(t *testing.T) {
	raw := Encode(nil, sched.Event{Tick: 1, Type: sched.EventSwitch, Tid: 2})
	if _, err := Decode(raw[:len(raw)-1]); err == nil {
		t.Fatalf("truncated record: got nil error")
	}

	raw = Encode(nil, sched.Event{Type: sched.EventSpawn, Tid: 3, Name: "worker"})
	if _, err := Decode(raw[:len(raw)-2]); err == nil {
		t.Fatalf("truncated name: got nil error")
	}
}

func TestFormat(t *testing.T) {
	for _, tt := range []struct {
		ev   sched.Event
		want []string
	}{
		{sched.Event{Tick: 1, Type: sched.EventSpawn, Tid: 2, Prio: 10, Aux: 1, Name: "worker"}, []string{"spawn", `"worker"`, "parent 1"}},
		{sched.Event{Tick: 2, Type: sched.EventWait, Tid: 2, Aux: uint64(sched.ReasonMutex)}, []string{"wait", "reason mutex"}},
		{sched.Event{Tick: 3, Type: sched.EventSleep, Tid: 2, Aux: 13}, []string{"sleep", "until 13"}},
		{sched.Event{Tick: 4, Type: sched.EventExit, Tid: 2, Aux: sched.ExitAux(7, sched.CauseNormal)}, []string{"exit", "status 7"}},
		{sched.Event{Tick: 5, Type: sched.EventSwitch, Tid: 2, Core: 1}, []string{"switch", "core  1"}},
	} {
		line := Format(tt.ev)
		for _, want := range tt.want {
			if !strings.Contains(line, want) {
				t.Fatalf("format %s: %q does not contain %q", tt.ev.Type, line, want)
			}
		}
	}
}

func TestBlockInsert(t *testing.T) {
	b := new(block)

	rec := make([]byte, 1000)
	n := 0
	for b.insert(rec) {
		n++
		if n > maxBlockSize {
			t.Fatalf("block never filled up")
		}
	}
	if got, want := n, maxBlockSize/len(rec); got != want {
		t.Fatalf("inserts before full: got %d, want %d", got, want)
	}
	if got := b.count.Load(); got != uint64(n) {
		t.Fatalf("count: got %d, want %d", got, n)
	}

	// An empty block accepts a record of any size.
	huge := new(block)
	if !huge.insert(make([]byte, 2*maxBlockSize)) {
		t.Fatalf("oversized record rejected by empty block")
	}

	b.reset()
	if !b.insert(rec) {
		t.Fatalf("insert after reset failed")
	}
}

func TestBlockFlushOnce(t *testing.T) {
	j, err := journal.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}

	b := new(block)
	b.insert([]byte("data"))
	if err := b.flushOnce(j); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := b.flushOnce(j); err == nil {
		t.Fatalf("second flush: got nil error")
	}
	if b.insert([]byte("late")) {
		t.Fatalf("insert into frozen block succeeded")
	}
}

func TestRecorderRoundtrip(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.New(dir, map[string]string{"hostname": "test"})
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	r := NewRecorder(j)

	const n = 200
	for i := 0; i < n; i++ {
		r.Emit(sched.Event{
			Tick: uint64(i),
			Type: sched.EventSwitch,
			Tid:  sched.Tid(i%8 + 1),
			Core: int16(i % 2),
			Prio: int16(i % 64),
		})
	}
	if err := r.Flush(); err != nil {
		t.Fatalf("flush recorder: %v", err)
	}
	if err := j.Flush(); err != nil {
		t.Fatalf("flush journal: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.nkjrnl"))
	if err != nil || len(files) != 1 {
		t.Fatalf("files: got %v (%v), want 1", files, err)
	}

	jr, err := journal.Open(files[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer jr.Close()

	var events []sched.Event
	for {
		p, err := jr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if p.Type != journal.PageBatch {
			continue
		}
		raw, err := journal.Decompress(p.Body)
		if err != nil {
			t.Fatalf("decompress: %v", err)
		}
		batch, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		events = append(events, batch...)
	}

	if len(events) != n {
		t.Fatalf("events: got %d, want %d", len(events), n)
	}
	for i, ev := range events {
		if ev.Tick != uint64(i) {
			t.Fatalf("event %d: tick %d out of order", i, ev.Tick)
		}
	}
}

func TestRecorderEmptyFlush(t *testing.T) {
	j, err := journal.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	r := NewRecorder(j)
	if err := r.Flush(); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	if err := r.Flush(); err != nil {
		t.Fatalf("second empty flush: %v", err)
	}
}

func TestLargeBatchDecode(t *testing.T) {
	var raw []byte
	for i := 0; i < 3000; i++ {
		raw = Encode(raw, sched.Event{Tick: uint64(i), Type: sched.EventReady, Tid: 1, Name: fmt.Sprintf("t%d", i)})
	}
	if len(raw) <= maxBlockSize {
		t.Fatalf("batch smaller than one block: %d bytes", len(raw))
	}
	events, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 3000 {
		t.Fatalf("events: got %d, want 3000", len(events))
	}

	var buf bytes.Buffer
	for _, ev := range events[:10] {
		fmt.Fprintln(&buf, Format(ev))
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 10 {
		t.Fatalf("formatted lines: got %d, want 10", lines)
	}
}

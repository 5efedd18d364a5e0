// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nanokern.dev/kern/sched"
)

func write(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nanokern.yaml")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	c, err := New(write(t, `
tags:
  team: kernel
kernel:
  cores: 4
  tick: 2ms
  timeslice: 8
  max_threads: 128
journal:
  dir: /tmp/nanokern-test
workloads:
  - name: ring-a
    kind: ring
    threads: 3
    priority: 12
    count: 256
  - kind: sleepers
rules:
  - if: type == "exit"
    then: include
  - if: prio < 5
    then: exclude
`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if c.Tags["team"] != "kernel" {
		t.Fatalf("tags: got %v", c.Tags)
	}
	if c.Kernel.Cores != 4 || c.Kernel.Timeslice != 8 {
		t.Fatalf("kernel: got %+v", c.Kernel)
	}
	if got := c.TickPeriod(); got != 2*time.Millisecond {
		t.Fatalf("tick: got %v, want 2ms", got)
	}
	if c.Journal.Dir != "/tmp/nanokern-test" {
		t.Fatalf("journal dir: got %q", c.Journal.Dir)
	}
	if len(c.Workloads) != 2 || c.Workloads[0].Name != "ring-a" || c.Workloads[1].Kind != "sleepers" {
		t.Fatalf("workloads: got %+v", c.Workloads)
	}

	params := c.Params()
	if params.Cores != 4 || params.Quantum != 8 || params.TickPeriod != 2*time.Millisecond || params.MaxThreads != 128 {
		t.Fatalf("params: got %+v", params)
	}
}

func TestRules(t *testing.T) {
	c, err := New(write(t, `
rules:
  - if: type == "spawn"
    then: exclude
  - if: prio >= 10
    then: include
`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	rule, found := c.FindMatchingRule(nil, sched.Event{Type: sched.EventSpawn, Prio: 30})
	if !found || rule.Then != "exclude" {
		t.Fatalf("spawn event: got %v %v, want first rule", rule, found)
	}

	rule, found = c.FindMatchingRule(nil, sched.Event{Type: sched.EventSwitch, Prio: 30})
	if !found || rule.Then != "include" {
		t.Fatalf("switch event: got %v %v, want second rule", rule, found)
	}

	if _, found := c.FindMatchingRule(nil, sched.Event{Type: sched.EventSwitch, Prio: 3}); found {
		t.Fatalf("low prio event: matched, want no rule")
	}
}

func TestValidateErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		text string
		want string
	}{
		{"cores", "kernel:\n  cores: 65\n", "cores"},
		{"tick", "kernel:\n  tick: fast\n", "tick"},
		{"timeslice", "kernel:\n  timeslice: -1\n", "timeslice"},
		{"kind", "workloads:\n  - kind: fork-bomb\n", "unknown kind"},
		{"priority", "workloads:\n  - kind: ring\n    priority: 99\n", "priority"},
		{"threads", "workloads:\n  - kind: ring\n    threads: 9999\n", "threads"},
		{"count", "workloads:\n  - kind: ring\n    count: -2\n", "count"},
		{"rule action", "rules:\n  - if: 'true'\n    then: drop\n", "action"},
		{"rule expr", "rules:\n  - if: 'tid =='\n    then: include\n", "compile"},
		{"rule type", "rules:\n  - if: 'tick'\n    then: include\n", "output type"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(write(t, tt.text))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if len(c.Workloads) != len(Kinds) {
		t.Fatalf("workloads: got %d, want %d", len(c.Workloads), len(Kinds))
	}
	seen := make(map[string]bool)
	for _, w := range c.Workloads {
		seen[w.Kind] = true
	}
	for _, kind := range Kinds {
		if !seen[kind] {
			t.Fatalf("kind %q missing from default config", kind)
		}
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("empty path: got nil error")
	}
	if _, err := New(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("missing file: got nil error")
	}
}

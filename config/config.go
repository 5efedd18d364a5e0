// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"nanokern.dev/filter"
	"nanokern.dev/kern/sched"
)

// Config describes one kernel boot: the machine shape, the journal
// destination, the workloads to run and the trace filter rules.
type Config struct {
	Tags      map[string]string `yaml:"tags"`
	Kernel    Kernel            `yaml:"kernel"`
	Journal   Journal           `yaml:"journal"`
	Workloads []Workload        `yaml:"workloads"`
	Rules     []Rule            `yaml:"rules"`

	tick time.Duration
}

// Kernel holds the machine shape. Zero values select the scheduler's
// defaults.
type Kernel struct {
	Cores        int    `yaml:"cores"`
	Tick         string `yaml:"tick"`
	Timeslice    int    `yaml:"timeslice"`
	Memory       int    `yaml:"memory"`
	MaxThreads   int    `yaml:"max_threads"`
	DefaultStack int    `yaml:"default_stack"`
}

type Journal struct {
	Dir string `yaml:"dir"`
}

// Workload names a thread scenario to run on the booted kernel. The exact
// meaning of Threads, Priority and Count depends on the kind.
type Workload struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Threads  int    `yaml:"threads"`
	Priority int    `yaml:"priority"`
	Count    int    `yaml:"count"`
}

// Kinds lists the known workload kinds.
var Kinds = []string{"ring", "ceiling", "sleepers", "spinners", "pingpong"}

// Rule decides whether trace events are kept when reading a journal.
type Rule struct {
	If   string `yaml:"if"`
	Then string `yaml:"then"`

	filter *filter.Filter
}

// Matches reports whether the rule's expression matches the given event.
func (r *Rule) Matches(tags map[string]string, ev sched.Event) (bool, error) {
	return r.filter.Eval(tags, ev)
}

func New(path string) (*Config, error) {
	c := new(Config)
	if err := c.Load(path); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns the built-in demo config used when no file is given: one
// of each workload kind on a two core kernel.
func Default() *Config {
	c := &Config{
		Kernel: Kernel{Cores: 2},
		Workloads: []Workload{
			{Name: "ring", Kind: "ring", Threads: 2, Priority: 10, Count: 64},
			{Name: "ceiling", Kind: "ceiling", Priority: 10},
			{Name: "sleepers", Kind: "sleepers", Threads: 4, Priority: 20, Count: 5},
			{Name: "spinners", Kind: "spinners", Threads: 4, Priority: 5, Count: 100},
			{Name: "pingpong", Kind: "pingpong", Priority: 15, Count: 100},
		},
	}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return c
}

func (c *Config) Load(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	if err = yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	slog.Debug("parsed config", "workloads", len(c.Workloads), "rules", len(c.Rules))
	return nil
}

func (c *Config) Validate() error {
	if c.Kernel.Cores < 0 || c.Kernel.Cores > sched.MaxCores {
		return fmt.Errorf("config: %d cores. Expected between 1 and %d", c.Kernel.Cores, sched.MaxCores)
	}
	if c.Kernel.Timeslice < 0 {
		return fmt.Errorf("config: negative timeslice %d", c.Kernel.Timeslice)
	}
	if c.Kernel.Memory < 0 {
		return fmt.Errorf("config: negative memory %d", c.Kernel.Memory)
	}
	if c.Kernel.MaxThreads < 0 {
		return fmt.Errorf("config: negative max_threads %d", c.Kernel.MaxThreads)
	}
	if c.Kernel.DefaultStack < 0 {
		return fmt.Errorf("config: negative default_stack %d", c.Kernel.DefaultStack)
	}

	c.tick = 0
	if c.Kernel.Tick != "" {
		d, err := time.ParseDuration(c.Kernel.Tick)
		if err != nil {
			return fmt.Errorf("config: parse tick: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config: tick %v must be positive", d)
		}
		c.tick = d
	}

	for i, w := range c.Workloads {
		known := false
		for _, kind := range Kinds {
			if w.Kind == kind {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("config: workload %d: unknown kind %q. Expected one of %v", i, w.Kind, Kinds)
		}
		if p := sched.Priority(w.Priority); p < sched.PriorityMin || p > sched.PriorityMax {
			return fmt.Errorf("config: workload %d: priority %d. Expected between %d and %d", i, w.Priority, sched.PriorityMin, sched.PriorityMax)
		}
		if w.Threads < 0 || w.Threads > 1024 {
			return fmt.Errorf("config: workload %d: %d threads. Expected between 0 and 1024", i, w.Threads)
		}
		if w.Count < 0 {
			return fmt.Errorf("config: workload %d: negative count %d", i, w.Count)
		}
	}

	for i := range c.Rules {
		f, err := filter.NewFilter(c.Rules[i].If, filter.Action(c.Rules[i].Then))
		if err != nil {
			return fmt.Errorf("config: rule %d: %w", i, err)
		}
		c.Rules[i].filter = f
	}
	return nil
}

// TickPeriod returns the parsed tick duration, or zero when the config
// leaves it to the scheduler default.
func (c *Config) TickPeriod() time.Duration {
	return c.tick
}

// Params maps the machine shape onto scheduler parameters.
func (c *Config) Params() sched.Params {
	return sched.Params{
		Cores:        c.Kernel.Cores,
		Quantum:      c.Kernel.Timeslice,
		TickPeriod:   c.tick,
		Memory:       c.Kernel.Memory,
		MaxThreads:   c.Kernel.MaxThreads,
		DefaultStack: c.Kernel.DefaultStack,
	}
}

// FindMatchingRule returns the first rule whose expression matches. Rules
// that fail to evaluate are skipped so that one bad rule does not hide the
// rest of the trace.
func (c *Config) FindMatchingRule(tags map[string]string, ev sched.Event) (*Rule, bool) {
	for i := range c.Rules {
		matches, err := c.Rules[i].Matches(tags, ev)
		if err != nil {
			continue
		}
		if matches {
			return &c.Rules[i], true
		}
	}
	return nil, false
}

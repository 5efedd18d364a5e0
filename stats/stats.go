package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"nanokern.dev/kern/futex"
	"nanokern.dev/kern/sched"
)

// Stats reads kernel and futex counters on demand. The counters are plain
// atomics inside the kernel, so a snapshot is taken at call time rather
// than by a background poller.
type Stats struct {
	k     *sched.Kernel
	fx    *futex.Table
	begin time.Time
}

func New(k *sched.Kernel, fx *futex.Table) *Stats {
	return &Stats{k: k, fx: fx, begin: time.Now()}
}

// Tags returns the current counter values as event tags.
func (s *Stats) Tags() map[string]string {
	c := s.k.Counters()
	used, total := s.k.MemoryUsage()

	m := map[string]string{
		"nanokern_ticks":       fmt.Sprintf("%d", c.Ticks),
		"nanokern_switches":    fmt.Sprintf("%d", c.Switches),
		"nanokern_preemptions": fmt.Sprintf("%d", c.Preemptions),
		"nanokern_spawns":      fmt.Sprintf("%d", c.Spawns),
		"nanokern_exits":       fmt.Sprintf("%d", c.Exits),
		"nanokern_wakes":       fmt.Sprintf("%d", c.Wakes),
		"nanokern_sleeps":      fmt.Sprintf("%d", c.Sleeps),
		"nanokern_yields":      fmt.Sprintf("%d", c.Yields),
		"nanokern_kills":       fmt.Sprintf("%d", c.Kills),
		"nanokern_threads":     fmt.Sprintf("%d", c.Threads),
		"nanokern_mem_used":    fmt.Sprintf("%d", used),
		"nanokern_mem_total":   fmt.Sprintf("%d", total),
		"nanokern_uptime":      time.Since(s.begin).Round(time.Millisecond).String(),
	}
	if s.fx != nil {
		waits, wakes := s.fx.Stats()
		m["nanokern_futex_waits"] = fmt.Sprintf("%d", waits)
		m["nanokern_futex_wakes"] = fmt.Sprintf("%d", wakes)
	}
	return m
}

// Summary renders the counters as an aligned block of text for the end of
// a run.
func (s *Stats) Summary() string {
	tags := s.Tags()
	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&b, "  %-20s %s\n", strings.TrimPrefix(key, "nanokern_"), tags[key])
	}
	return b.String()
}

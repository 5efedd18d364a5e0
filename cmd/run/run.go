// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package run

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"gopkg.in/yaml.v3"

	"nanokern.dev/cmd/version"
	"nanokern.dev/config"
	"nanokern.dev/event"
	"nanokern.dev/global"
	"nanokern.dev/journal"
	"nanokern.dev/kern/futex"
	"nanokern.dev/kern/sched"
	"nanokern.dev/ktrace"
	"nanokern.dev/logging"
	"nanokern.dev/stats"
	"nanokern.dev/tags"
	"nanokern.dev/timer"
)

type Command struct {
	flags struct {
		config  string
		journal string
		timer   string
		log     bool
	}

	config *config.Config

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "run"
	c.ShortUsage = "nanokern run [flags]"
	c.ShortHelp = "boot a kernel and run the configured workloads"

	c.FlagSet = flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.config, "config", "", "configuration file path")
	c.FlagSet.StringVar(&c.flags.journal, "journal", "", "journal directory (overrides config)")
	c.FlagSet.StringVar(&c.flags.timer, "timer", "platform", "tick source (platform or ticker)")
	c.FlagSet.BoolVar(&c.flags.log, "log", false, "log trace events to stderr")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose debug logging")
	c.FlagSet.StringVar(&logging.Logfile, "logfile", "", "file for debug logs (stdout if unspecified)")
	c.UsageFunc = func(fc *ffcli.Command) string {
		return ffcli.DefaultUsageFunc(fc) + ExtraHelp()
	}

	c.Options = []ff.Option{ff.WithEnvVarPrefix("NANOKERN")}
	c.Exec = c.entrypoint
	return &c.Command
}

func ExtraHelp() string {
	ok := false
	if len(os.Args) <= 2 {
		ok = true
	} else {
		for _, arg := range os.Args {
			if arg == "-h" || arg == "-help" || arg == "--help" {
				ok = true
				break
			}
		}
	}
	if !ok {
		return ""
	}

	return strings.Join([]string{
		"",
		"EXAMPLES",
		"  $ nanokern run",
		"  $ nanokern run -config nanokern.yaml -log",
		"  $ nanokern trace",
		"",
	}, "\n")
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	if err := logging.Init(); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	if c.flags.config != "" {
		if config, err := config.New(c.flags.config); err != nil {
			return fmt.Errorf("new config: %w", err)
		} else {
			c.config = config
		}
	} else {
		c.config = config.Default()
	}

	slog.Debug("booting kernel", "release", version.Release, slog.Group("commit", "hash", version.CommitHash, "time", version.CommitTime), "build", version.BuildTime)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	tmpl := event.New()
	tags.SetLocalTags(tmpl)
	tmpl.Set("nanokern_version", version.GetCanonicalString())
	for key, val := range c.config.Tags {
		tmpl.Set(key, val)
	}

	dir := c.config.Journal.Dir
	if c.flags.journal != "" {
		dir = c.flags.journal
	}
	if dir == "" {
		dir = journal.DefaultDir()
	}
	jr, err := journal.New(dir, tmpl.Map())
	if err != nil {
		return fmt.Errorf("new journal: %w", err)
	}

	rec := ktrace.NewRecorder(jr)
	rec.SetLog(c.flags.log)
	go rec.StartBackgroundFlush(ctx)

	params := c.config.Params()
	params.Tracer = rec
	k, err := sched.New(params)
	if err != nil {
		return fmt.Errorf("new kernel: %w", err)
	}
	cores := params.Cores
	if cores == 0 {
		cores = 1
	}
	fx := futex.NewTable(k, 1024)

	g := &global.Global{
		Config:        c.config,
		Stats:         stats.New(k, fx),
		Journal:       jr,
		EventTemplate: tmpl,
	}

	var src timer.Source
	switch c.flags.timer {
	case "platform":
		src = timer.NewPlatform(k.TickPeriod())
	case "ticker":
		src = timer.NewTicker(k.TickPeriod())
	default:
		return fmt.Errorf("unknown timer source %q", c.flags.timer)
	}

	if err := k.Start(); err != nil {
		return fmt.Errorf("start kernel: %w", err)
	}
	if err := src.Start(k); err != nil {
		return fmt.Errorf("start timer: %w", err)
	}

	begin := time.Now()
	werr := runWorkloads(ctx, g, k, fx)

	if err := src.Stop(); err != nil {
		slog.Error("failed to stop timer", "err", err)
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.Shutdown(sctx); err != nil {
		slog.Error("failed to shut down kernel", "err", err)
	}

	if err := rec.Flush(); err != nil {
		slog.Error("failed to flush trace blocks", "err", err)
	}
	if b, err := yaml.Marshal(g.Stats.Tags()); err == nil {
		if err := jr.WritePage(journal.PageStats, b); err != nil {
			slog.Error("failed to write stats page", "err", err)
		}
	}
	if err := jr.Flush(); err != nil {
		slog.Error("failed to flush journal", "err", err)
	}

	slog.Debug("kernel stopped", "took", time.Since(begin).Round(time.Millisecond))
	fmt.Printf("ran %d workloads in %s on %d cores\n", len(c.config.Workloads), time.Since(begin).Round(time.Millisecond), cores)
	fmt.Printf("%s", g.Stats.Summary())
	fmt.Printf("journal: %s\n", dir)
	return werr
}

// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package trace

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/term"

	"nanokern.dev/config"
	"nanokern.dev/filter"
	"nanokern.dev/journal"
	"nanokern.dev/kern/sched"
	"nanokern.dev/ktrace"
	"nanokern.dev/logging"
)

type filters []string

func (f *filters) String() string {
	var arr []string
	for i := range *f {
		arr = append(arr, fmt.Sprintf("%q", (*f)[i]))
	}
	return strings.Join(arr, " ")
}

func (f *filters) Set(val string) error {
	*f = append(*f, val)
	return nil
}

type Command struct {
	ffcli.Command

	flags struct {
		filters filters
		format  string
		config  string
	}

	config   *config.Config
	compiled []*filter.Filter
	tty      bool
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "trace"
	c.ShortUsage = "nanokern trace [flags] [journal ...]"
	c.ShortHelp = "print events from kernel trace journals"

	c.FlagSet = flag.NewFlagSet("", flag.ContinueOnError)
	c.FlagSet.Var(&c.flags.filters, "filter", "list of filters (multiple okay)")
	c.FlagSet.StringVar(&c.flags.format, "format", "text", "output format, either text (default) or json")
	c.FlagSet.StringVar(&c.flags.config, "config", "", "apply the trace rules from a config file")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose logging output")
	c.FlagSet.StringVar(&logging.Logfile, "logfile", "", "file path to write logs")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("NANOKERN_TRACE")}
	c.Exec = c.entrypoint
	return &c.Command
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	if err := logging.Init(); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	switch c.flags.format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown format %q", c.flags.format)
	}

	for _, expr := range c.flags.filters {
		f, err := filter.NewFilter(expr, filter.ActionInclude)
		if err != nil {
			return fmt.Errorf("filter %q: %w", expr, err)
		}
		c.compiled = append(c.compiled, f)
	}

	if c.flags.config != "" {
		cfg, err := config.New(c.flags.config)
		if err != nil {
			return err
		}
		c.config = cfg
	}

	if len(args) == 0 {
		args = []string{journal.DefaultDir()}
	}
	var paths []string
	for _, arg := range args {
		st, err := os.Stat(arg)
		switch {
		case err != nil:
			return fmt.Errorf("stat %s: %w", arg, err)
		case st.IsDir():
			matches, err := filepath.Glob(filepath.Join(arg, "*.nkjrnl"))
			if err != nil {
				return fmt.Errorf("list %s: %w", arg, err)
			}
			paths = append(paths, matches...)
		default:
			paths = append(paths, arg)
		}
	}
	if len(paths) == 0 {
		return fmt.Errorf("no journal files in %s", strings.Join(args, " "))
	}
	sort.Strings(paths)

	c.tty = term.IsTerminal(int(os.Stdout.Fd()))

	for _, path := range paths {
		if err := c.dump(path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func (c *Command) dump(path string) error {
	r, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	// Tags from the boot page apply to every batch page that follows it in
	// the same file.
	boot := map[string]string{}

	for {
		p, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch p.Type {
		case journal.PageBoot:
			boot, err = journal.DecodeBoot(p.Body)
			if err != nil {
				return fmt.Errorf("decode boot page: %w", err)
			}
			slog.Debug("read boot page", "path", path, "journalID", p.ID, "tags", len(boot))

		case journal.PageBatch:
			raw, err := journal.Decompress(p.Body)
			if err != nil {
				return fmt.Errorf("decompress batch page: %w", err)
			}
			events, err := ktrace.Decode(raw)
			if err != nil {
				return fmt.Errorf("decode batch page: %w", err)
			}
			for _, ev := range events {
				if c.include(boot, ev) {
					if err := c.print(ev); err != nil {
						return err
					}
				}
			}

		case journal.PageStats:
			slog.Debug("skipping stats page", "path", path, "size", len(p.Body))

		default:
			slog.Debug("skipping unknown page", "path", path, "type", uint16(p.Type))
		}
	}
}

func (c *Command) include(tags map[string]string, ev sched.Event) bool {
	for _, f := range c.compiled {
		match, err := f.Eval(tags, ev)
		if err != nil {
			slog.Debug("filter eval failed", "err", err)
			return false
		}
		if !match {
			return false
		}
	}
	if c.config != nil {
		if rule, ok := c.config.FindMatchingRule(tags, ev); ok && rule.Then == string(filter.ActionExclude) {
			return false
		}
	}
	return true
}

func (c *Command) print(ev sched.Event) error {
	switch c.flags.format {
	case "json":
		b, err := json.Marshal(map[string]any{
			"tick": ev.Tick,
			"type": ev.Type.String(),
			"tid":  ev.Tid,
			"core": ev.Core,
			"prio": ev.Prio,
			"aux":  ev.Aux,
			"name": ev.Name,
		})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		fmt.Printf("%s\n", b)

	case "text":
		if c.tty {
			fmt.Println(ktrace.Format(ev))
		} else {
			fmt.Printf("%d\t%d\t%s\t%d\t%d\t%s\n", ev.Tick, ev.Core, ev.Type, ev.Tid, ev.Prio, ev.Name)
		}
	}
	return nil
}

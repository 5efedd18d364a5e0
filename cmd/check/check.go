package check

import (
	"context"
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"nanokern.dev/config"
)

type Command struct {
	flags struct {
		quiet bool
	}
	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "check"
	c.ShortUsage = "nanokern check [flags] <config>"
	c.ShortHelp = "check a config file for errors"
	c.LongHelp = `
The check command parses and validates a nanokern config file without
booting a kernel. It prints a summary of the machine shape and the
configured workloads.

Examples:
  # Check the default config file
  nanokern check nanokern.yaml

  # Check quietly (exit code only)
  nanokern check -q nanokern.yaml

`

	c.FlagSet = flag.NewFlagSet("check", flag.ContinueOnError)
	c.FlagSet.BoolVar(&c.flags.quiet, "q", false, "suppress the summary output")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("NANOKERN")}
	c.Exec = c.exec
	return &c.Command
}

func (c *Command) exec(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one config file, got %d arguments", len(args))
	}
	path := args[0]

	cfg, err := config.New(path)
	if err != nil {
		return err
	}
	if c.flags.quiet {
		return nil
	}

	fmt.Printf("%s: ok\n", path)
	p := cfg.Params()
	fmt.Printf("  cores=%d timeslice=%d memory=%d max_threads=%d", p.Cores, p.Quantum, p.Memory, p.MaxThreads)
	if tick := cfg.TickPeriod(); tick > 0 {
		fmt.Printf(" tick=%s", tick)
	}
	fmt.Printf("\n")
	for _, w := range cfg.Workloads {
		name := w.Name
		if name == "" {
			name = w.Kind
		}
		fmt.Printf("  workload %-10s kind=%s threads=%d priority=%d count=%d\n", name, w.Kind, w.Threads, w.Priority, w.Count)
	}
	if len(cfg.Rules) > 0 {
		fmt.Printf("  %d trace rules\n", len(cfg.Rules))
	}
	if len(cfg.Tags) > 0 {
		fmt.Printf("  %d extra tags\n", len(cfg.Tags))
	}
	return nil
}

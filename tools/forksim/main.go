// forksim replays scripted key sequences through the fork machine on a
// virtual clock and prints what a keyboard would have received. It is
// used to tune profiles and to pin down decisions in regression files.
//
// Usage:
//
//	go run ./tools/forksim testdata/overlap.yaml
//	go run ./tools/forksim -v -stats scenarios/*.yaml
package main

import (
	"flag"
	"fmt"
	"os"

	"forkd/internal/logging"
	"forkd/internal/metrics"
)

func main() {
	verbose := flag.Bool("v", false, "Log machine decisions to stderr")
	stats := flag.Bool("stats", false, "Print machine counters after each scenario")
	quiet := flag.Bool("q", false, "Only print failures")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: forksim [-v] [-stats] [-q] scenario.yaml...")
		os.Exit(2)
	}

	log := logging.Discard()
	if *verbose {
		cfg := logging.DefaultConfig()
		cfg.Level = logging.LevelDebug
		cfg.Component = "forksim"
		log = logging.NewWithWriter(cfg, os.Stderr)
	}

	failed := 0
	for _, path := range flag.Args() {
		if err := runFile(path, log, *stats, *quiet); err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", path, err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func runFile(path string, log *logging.Logger, stats, quiet bool) error {
	s, err := LoadScenario(path)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry("forksim", "")
	sim, err := NewSimulator(s, log.WithComponent(s.Name), metrics.NewForkMetrics(reg))
	if err != nil {
		return err
	}
	if err := sim.Run(s.Script); err != nil {
		return err
	}

	got := sim.Delivered()
	if !quiet {
		fmt.Printf("== %s\n", s.Name)
		if s.Description != "" {
			fmt.Printf("   %s\n", s.Description)
		}
		for _, line := range got {
			fmt.Printf("   %s\n", line)
		}
	}
	if stats {
		if err := reg.WritePrometheus(os.Stdout); err != nil {
			return err
		}
	}
	if err := Check(s.Expect, got); err != nil {
		return err
	}
	if !quiet && len(s.Expect) > 0 {
		fmt.Println("PASS")
	}
	return nil
}

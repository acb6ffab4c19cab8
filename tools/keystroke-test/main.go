// Command keystroke-test is a manual dry run of the fork machine on a real
// keyboard.
//
// It reads the keyboard without grabbing it, runs every key through the
// configured profiles and prints the decided events instead of writing them
// to a virtual device, with statistics every second until interrupted with
// Ctrl+C. Typing keeps working normally while it runs.
//
// Usage:
//
//	go build -o keystroke-test ./tools/keystroke-test
//	./keystroke-test [-config forkd.toml] [-keyboard /dev/input/event3]
//
// Requirements:
//   - Linux
//   - Read access to /dev/input/event* (root or the input group)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"forkd/internal/config"
	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/host"
	"forkd/internal/keystroke"
	"forkd/internal/metrics"
)

// printer is an emitter that prints instead of writing to uinput.
type printer struct {
	mu    sync.Mutex
	start time.Time
	quiet bool
	count uint64
}

func (p *printer) Emit(ev keystroke.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	if !p.quiet {
		fmt.Printf("  %9s  %s\n", time.Since(p.start).Truncate(time.Millisecond), ev)
	}
	return nil
}

func (p *printer) Close() error { return nil }

func (p *printer) Count() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func main() {
	configPath := flag.String("config", "", "Configuration file (default: search the usual locations)")
	keyboard := flag.String("keyboard", "", "Keyboard device (default: first keyboard found)")
	quiet := flag.Bool("q", false, "Only print statistics")
	flag.Parse()

	fmt.Println("Fork Machine Dry Run")
	fmt.Println("====================")
	fmt.Println()

	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		fmt.Printf("Loading %s: %v\n", path, err)
		os.Exit(1)
	}
	if *keyboard != "" {
		cfg.Device.Keyboard = *keyboard
	}

	store := forkconfig.NewStore()
	if err := config.ApplyProfiles(store, cfg); err != nil {
		fmt.Printf("Profiles: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Active profile: %s\n", store.Active().Name)

	dev := cfg.Device.Keyboard
	if dev == "" || dev == "auto" {
		found, err := keystroke.FindKeyboardDevices()
		if err != nil || len(found) == 0 {
			fmt.Println("ERROR: no keyboard found")
			os.Exit(1)
		}
		dev = found[0]
	}

	// Without a grab the real keyboard keeps typing; pointer devices are
	// still read so that motion forces decisions like in the daemon.
	source := keystroke.NewLinuxSource(dev, cfg.Device.Pointers, false)
	available, msg := source.Available()
	fmt.Printf("Keyboard %s: %s\n", dev, msg)
	if !available {
		fmt.Println("ERROR: keyboard not available")
		os.Exit(1)
	}

	fm := metrics.NewForkMetrics(metrics.NewRegistry("forkd", "dryrun"))
	out := &printer{start: time.Now(), quiet: *quiet}
	adapter := host.New(source, out, host.Config{Device: dev},
		fork.WithConfigs(store), fork.WithMetrics(fm))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fmt.Print("Starting... ")
	if err := adapter.Start(ctx); err != nil {
		fmt.Printf("FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
	fmt.Println()
	fmt.Println("Type away. Press Ctrl+C to stop.")
	fmt.Println()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()
	var lastIn uint64

loop:
	for {
		select {
		case <-sigChan:
			fmt.Println()
			fmt.Println("Received interrupt signal, stopping...")
			break loop

		case <-adapter.Done():
			fmt.Println("Keyboard went away, stopping...")
			break loop

		case now := <-ticker.C:
			in := fm.EventsIn.Value()
			if in == lastIn {
				continue
			}
			fmt.Printf("[%s] in %d  out %d  forks %d  taps %d  forced %d\n",
				now.Sub(startTime).Truncate(time.Second),
				in, out.Count(), fm.Forks.Value(), fm.NonForks.Value(), fm.Forced.Value())
			lastIn = in
		}
	}

	fmt.Print("Stopping... ")
	if err := adapter.Stop(); err != nil {
		fmt.Printf("FAILED: %v\n", err)
	} else {
		fmt.Println("OK")
	}

	totalDuration := time.Since(startTime)
	fmt.Println()
	fmt.Println("Final Statistics")
	fmt.Println("----------------")
	fmt.Printf("Events in:        %d\n", fm.EventsIn.Value())
	fmt.Printf("Events out:       %d\n", out.Count())
	fmt.Printf("Forks:            %d\n", fm.Forks.Value())
	fmt.Printf("Plain taps:       %d\n", fm.NonForks.Value())
	fmt.Printf("Self forks:       %d\n", fm.SelfForks.Value())
	fmt.Printf("Duration:         %s\n", totalDuration.Truncate(time.Millisecond))
}

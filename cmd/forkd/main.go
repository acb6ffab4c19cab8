// forkd runs the fork machine between a keyboard and a virtual keyboard.
//
// Keys configured as dual-role are held back until the daemon has seen
// enough of the following input to decide whether they were typed or used
// as their alternate, forked, meaning. The decisions can be tuned at run
// time through forkctl, D-Bus, or by editing the configuration file.
//
//	forkd [-config path] [-keyboard /dev/input/eventN] [-debug]
//	forkd -check         Validate the configuration and exit
//	forkd -list-devices  Print keyboards and pointers and exit
//	forkd -version       Print the version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forkd/internal/config"
	"forkd/internal/host"
	"forkd/internal/keystroke"
	"forkd/internal/logging"
	"forkd/internal/security"
)

// Version is set at build time.
var Version = "dev"

// sampleInterval is how often queue depths are copied into the metrics.
const sampleInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "configuration file (default: search the platform config dir)")
	keyboard := flag.String("keyboard", "", "keyboard device, overriding the configuration")
	debug := flag.Bool("debug", false, "log at debug level")
	check := flag.Bool("check", false, "validate the configuration and exit")
	listDevices := flag.Bool("list-devices", false, "print keyboards and pointers and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	switch {
	case *showVersion:
		fmt.Printf("forkd %s\n", Version)
		return
	case *listDevices:
		if err := printDevices(); err != nil {
			fmt.Fprintf(os.Stderr, "forkd: %v\n", err)
			os.Exit(1)
		}
		return
	}

	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "forkd: %s: %v\n", path, err)
		os.Exit(1)
	}
	if *check {
		fmt.Printf("%s: ok (%d profiles)\n", path, len(cfg.Profiles))
		return
	}
	if *keyboard != "" {
		cfg.Device.Keyboard = *keyboard
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	if err := run(loader, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "forkd: %v\n", err)
		os.Exit(1)
	}
}

func printDevices() error {
	keyboards, err := keystroke.FindKeyboardDevices()
	if err != nil {
		return err
	}
	pointers, err := keystroke.FindPointerDevices()
	if err != nil {
		return err
	}
	fmt.Println("Keyboards:")
	for _, k := range keyboards {
		fmt.Printf("  %s\n", k)
	}
	fmt.Println("Pointers:")
	for _, p := range pointers {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func run(loader *config.Loader, cfg *config.Config) error {
	lc, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	// Whoever can write the configuration can remap the keyboard.
	if err := security.CheckNotWritableByOthers(loader.Path()); err != nil {
		log.Warn("configuration file is not private", "error", err)
	}

	d := newDaemon(Version, host.DefaultRuntimeDir(), loader, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.start(ctx, linuxDevices); err != nil {
		return err
	}
	return d.wait(ctx)
}

// wait serves signals until the daemon should exit.
func (d *daemon) wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				d.log.Info("reloading configuration", "path", d.loader.Path())
				d.reopenLogs()
				d.reload(ctx)
				continue
			}
			d.stop(sig.String())
			return nil

		case err := <-d.loader.Errors():
			d.log.Warn("config watch", "error", err)

		case <-d.adapter.Done():
			d.detached(ctx)
			d.stop("device detached")
			return fmt.Errorf("keyboard %s detached", d.device)

		case <-ticker.C:
			d.sample(ctx)

		case <-ctx.Done():
			d.stop("cancelled")
			return ctx.Err()
		}
	}
}

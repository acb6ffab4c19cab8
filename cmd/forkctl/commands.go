package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"forkd/internal/config"
	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/host"
	"forkd/internal/ipc"
	"forkd/internal/store"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon and machine state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := client.Status()
			if err != nil {
				return err
			}
			return a.printer(cmd.OutOrStdout()).status(st)
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <param|op> [key [twin]]",
		Short: "Read a setting of the active configuration",
		Long: `Read a setting of the active configuration.

Without keys the global value is read, with one key the per-key value and
with two keys the value of the key pair. Parameters: overlap, verification,
repeat-max, consider-forks, fork, repeatable, debug, clear-interval,
history-size and switch (the active configuration id). A numeric wire
operation may be given instead of a name.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRequest(args[0], args[1:])
			if err != nil {
				return err
			}
			client, err := a.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			v, err := client.Get(r)
			if err != nil {
				return err
			}
			p := a.printer(cmd.OutOrStdout())
			if p.jsonOut {
				return p.printJSON(map[string]any{"request": r.String(), "value": v})
			}
			p.line("%s", formatValue(r.Param, v))
			return nil
		},
	}
}

func newSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <param|op> [key [twin]] <value>",
		Short: "Change a setting of the active configuration",
		Example: `  forkctl set verification 250
  forkctl set fork f leftctrl
  forkctl set repeatable j on
  forkctl set overlap f j 60
  forkctl set 21 33 29`,
		Args: cobra.RangeArgs(2, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseSet(args)
			if err != nil {
				return err
			}

			client, err := a.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			if _, err := client.Configure(r); err != nil {
				return fmt.Errorf("%s: %w", r, err)
			}
			return nil
		},
	}
}

func newSwitchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <id>",
		Short: "Activate a configuration",
		Long:  "Activate a configuration. Id 0 is the configuration that never forks, id 1 the default.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			client, err := a.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.SwitchConfig(id); err != nil {
				if errors.Is(err, forkconfig.ErrAlreadyActive) {
					a.printer(cmd.ErrOrStderr()).line("configuration %d is already active", id)
					return nil
				}
				return err
			}
			return nil
		},
	}
}

func newCloneCmd(a *app) *cobra.Command {
	var activate bool
	cmd := &cobra.Command{
		Use:   "clone [id]",
		Short: "Copy a configuration and print the id of the copy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			var src int
			if len(args) == 1 {
				if src, err = strconv.Atoi(args[0]); err != nil {
					return fmt.Errorf("invalid id %q", args[0])
				}
			} else if src, err = client.Get(fork.Request{Param: forkconfig.ParamSwitch}); err != nil {
				return err
			}

			id, err := client.CloneConfig(src)
			if err != nil {
				return err
			}
			if activate {
				if err := client.SwitchConfig(id); err != nil {
					return err
				}
			}
			p := a.printer(cmd.OutOrStdout())
			if p.jsonOut {
				return p.printJSON(map[string]int{"source": src, "id": id})
			}
			p.line("%d", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", false, "switch to the copy")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently delivered events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			entries, err := client.DumpHistory(count)
			if err != nil {
				return err
			}
			return a.printer(cmd.OutOrStdout()).history(entries)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", -1, "number of entries (-1 for all)")
	return cmd
}

func newDumpCmd(a *app) *cobra.Command {
	var server bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump the whole history, oldest first",
		Long: `Dump the whole history, oldest first.

By default the history is fetched and printed here. With --server the
daemon writes it to its own log instead, and into the archive when the
archive is enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			p := a.printer(cmd.OutOrStdout())
			if server {
				n, err := client.Configure(fork.Request{Param: forkconfig.ParamServerDump})
				if err != nil {
					return err
				}
				p.line("%d entries written to the daemon log", n)
				return nil
			}

			entries, err := client.DumpHistory(-1)
			if err != nil {
				return err
			}
			slices.Reverse(entries)
			return p.history(entries)
		},
	}
	cmd.Flags().BoolVar(&server, "server", false, "dump on the daemon side")
	return cmd
}

func newArchiveCmd(a *app) *cobra.Command {
	var (
		label string
		count int
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Copy the history into the archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Archive(label, count)
			if err != nil {
				return err
			}
			p := a.printer(cmd.OutOrStdout())
			if p.jsonOut {
				return p.printJSON(resp)
			}
			p.line("snapshot %d: %d entries", resp.SnapshotID, resp.Entries)
			return nil
		},
	}
	cmd.Flags().StringVarP(&label, "label", "l", "", "snapshot label")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "archive only the most recent entries (0 for all)")

	cmd.AddCommand(newArchiveListCmd(a))
	cmd.AddCommand(newArchiveShowCmd(a))
	cmd.AddCommand(newArchiveVerifyCmd(a))
	return cmd
}

// openArchive opens the archive database named by the configuration. The
// daemon may hold it at the same time.
func (a *app) openArchive() (*store.Store, error) {
	cfg, _, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.History.ArchivePath); err != nil {
		return nil, fmt.Errorf("archive %s: %w", cfg.History.ArchivePath, err)
	}
	return store.Open(cfg.History.ArchivePath)
}

func newArchiveListCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openArchive()
			if err != nil {
				return err
			}
			defer st.Close()

			snaps, err := st.ListSnapshots(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return a.printer(cmd.OutOrStdout()).snapshots(snaps)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of snapshots (0 for all)")
	return cmd
}

func newArchiveShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print the entries of a snapshot, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			st, err := a.openArchive()
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.Entries(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printer(cmd.OutOrStdout()).history(entries)
		},
	}
}

func newArchiveVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every snapshot against its digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openArchive()
			if err != nil {
				return err
			}
			defer st.Close()

			failed, err := st.VerifyAll(cmd.Context())
			if err != nil {
				return err
			}
			p := a.printer(cmd.OutOrStdout())
			if len(failed) > 0 {
				for _, id := range failed {
					p.line("%s", p.bad.Render(fmt.Sprintf("snapshot %d: digest mismatch", id)))
				}
				return fmt.Errorf("%d snapshots failed verification", len(failed))
			}
			p.line("%s", p.good.Render("all snapshots verified"))
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print configuration events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Subscribe(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, client.Events(), a.printer(cmd.OutOrStdout()))
		},
	}
}

// watch prints events until ctx ends or the daemon shuts down.
func watch(ctx context.Context, events <-chan *ipc.Event, p *printer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := p.event(ev); err != nil {
				return err
			}
			if ev.Type == ipc.EventDaemonShutdown {
				return nil
			}
		}
	}
}

func newReloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the daemon to reread its configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return host.NewDaemonManager(a.dir()).SignalReload()
		},
	}
}

func newStopCmd(a *app) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := host.NewDaemonManager(a.dir())
			if !m.IsRunning() {
				return errors.New("forkd is not running")
			}
			if err := m.SignalStop(); err != nil {
				return err
			}
			return m.WaitForStop(wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the daemon to exit")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return err
			}
			a.printer(cmd.OutOrStdout()).line("wrote %s", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := a.loadConfig()
			if err != nil {
				return err
			}
			p := a.printer(cmd.OutOrStdout())
			if p.jsonOut {
				return p.printJSON(cfg)
			}
			p.line("%s", p.dim.Render("# "+path))
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := a.loadConfig()
			if err != nil {
				return err
			}
			a.printer(cmd.OutOrStdout()).line("%s: ok (%d profiles)", filepath.Base(path), len(cfg.Profiles))
			return nil
		},
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write(config.Schema())
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd, checkCmd, schemaCmd)
	return cmd
}

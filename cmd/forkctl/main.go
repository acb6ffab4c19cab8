// Package main provides forkctl, the command line client of forkd.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"forkd/internal/config"
	"forkd/internal/host"
	"forkd/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

// app holds the global flags shared by every command.
type app struct {
	socket     string
	configPath string
	jsonOut    bool
	timeout    time.Duration
	runtimeDir string
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "forkctl",
		Short:         "Control a running forkd",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.socket, "socket", "", "control socket (default: from the config, else the runtime dir)")
	pf.StringVar(&a.configPath, "config", "", "configuration file (default: search the platform config dir)")
	pf.BoolVar(&a.jsonOut, "json", false, "print JSON instead of tables")
	pf.DurationVar(&a.timeout, "timeout", 5*time.Second, "request timeout")

	rootCmd.AddCommand(newStatusCmd(a))
	rootCmd.AddCommand(newGetCmd(a))
	rootCmd.AddCommand(newSetCmd(a))
	rootCmd.AddCommand(newSwitchCmd(a))
	rootCmd.AddCommand(newCloneCmd(a))
	rootCmd.AddCommand(newHistoryCmd(a))
	rootCmd.AddCommand(newDumpCmd(a))
	rootCmd.AddCommand(newArchiveCmd(a))
	rootCmd.AddCommand(newWatchCmd(a))
	rootCmd.AddCommand(newReloadCmd(a))
	rootCmd.AddCommand(newStopCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))

	return rootCmd
}

func (a *app) dir() string {
	if a.runtimeDir != "" {
		return a.runtimeDir
	}
	return host.DefaultRuntimeDir()
}

// loadConfig reads the configuration the daemon would read.
func (a *app) loadConfig() (*config.Config, string, error) {
	path := a.configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, path, nil
}

func (a *app) socketPath() string {
	if a.socket != "" {
		return a.socket
	}
	if state, err := host.NewDaemonManager(a.dir()).ReadState(); err == nil && state.Socket != "" {
		return state.Socket
	}
	if cfg, _, err := a.loadConfig(); err == nil {
		return cfg.SocketPath(a.dir())
	}
	return ipc.DefaultSocketPath(a.dir())
}

// connect opens a session with the daemon. The caller closes it.
func (a *app) connect() (*ipc.IPCClient, error) {
	cfg := ipc.DefaultClientConfig(a.dir())
	cfg.SocketPath = a.socketPath()
	cfg.ClientVersion = Version
	cfg.RequestTimeout = a.timeout
	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.SocketPath, err)
	}
	return client, nil
}

func (a *app) printer(w io.Writer) *printer {
	return newPrinter(w, a.jsonOut)
}

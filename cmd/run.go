package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/netcore/internal/daemon"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the stack in foreground",
	Long: `Run the stack in foreground.

The process will:
  1. Load configuration from the config file (or built-in defaults)
  2. Initialize logging and metrics
  3. Allocate the packet pools and start the stack goroutine
  4. Bring up loopback and every configured interface
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)

Examples:
  netcore run
  netcore run -c /etc/netcore/config.yml --pidfile /var/run/netcore.pid`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			slog.Error("netcore failed", "error", err)
			os.Exit(1)
		}
	},
}

var pidFile string

func init() {
	runCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "", "PID file path")
}

func runDaemon() error {
	d, err := daemon.New(configFile, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}

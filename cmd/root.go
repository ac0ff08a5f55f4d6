// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "netcore",
	Short: "netcore - user-space TCP/IP stack core",
	Long: `netcore runs the core of a user-space TCP/IP stack: a chained-block packet
buffer engine, network interfaces with bounded ingress/egress queues, a
delta-encoded software timer list and the single message dispatcher that
multiplexes packet arrival with timer expiry.

Devices:
  - loop      built-in loopback (127.0.0.1/8)
  - pcapfile  replays a pcap file as received traffic, dumps transmitted frames
  - afpacket  live Linux AF_PACKET socket`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (built-in defaults when empty)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(selftestCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

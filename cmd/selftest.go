package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"firestige.xyz/netcore/internal/config"
	"firestige.xyz/netcore/internal/stack"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Push frames through an in-process stack",
	Long: `Build a private stack with loopback and one file-backed Ethernet interface,
send frames out through both and back in through the dispatcher, then check
that every packet block and buffer returned to its pool. Needs no privileges.

Examples:
  netcore selftest
  netcore selftest -n 100000 --size 512`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runSelfTest(ctx, os.Stdout, configFile, selftestFrames, selftestSize); err != nil {
			exitWithError("selftest failed", err)
		}
	},
}

var (
	selftestFrames int
	selftestSize   int
)

func init() {
	selftestCmd.Flags().IntVarP(&selftestFrames, "frames", "n", 1000, "frames per interface")
	selftestCmd.Flags().IntVar(&selftestSize, "size", 64, "payload bytes per frame")
}

func runSelfTest(ctx context.Context, w io.Writer, path string, frames, size int) error {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}

	rep, err := stack.SelfTest(ctx, cfg.Stack, frames, size)
	if err != nil {
		return err
	}

	rate := float64(rep.Frames*2) / rep.Elapsed.Seconds()
	fmt.Fprintf(w, "PASS: %s frames via ethernet self-delivery, %s via loopback in %s (%s frames/s)\n",
		humanize.Comma(int64(rep.EtherDelivered)),
		humanize.Comma(int64(rep.LoopSent)),
		rep.Elapsed.Round(time.Microsecond),
		humanize.CommafWithDigits(rate, 0))
	fmt.Fprintf(w, "pools: %d/%d blocks free (%s), %d/%d buffers free\n",
		rep.BlocksFree, rep.BlocksTotal,
		humanize.IBytes(uint64(rep.BlocksTotal*rep.BlockSize)),
		rep.BuffersFree, rep.BuffersTotal)
	return nil
}

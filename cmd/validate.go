package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/netcore/internal/config"
	"firestige.xyz/netcore/internal/driver"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the stack.

Pool sizes, wait budgets, addresses and driver names are checked. With
--dump the effective configuration, defaults included, is printed as YAML.

Examples:
  netcore validate -c config.yml
  netcore validate -c config.yml --dump`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(os.Stdout, configFile, validateDump); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

var validateDump bool

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "print the effective configuration as YAML")
}

func runValidate(w io.Writer, path string, dump bool) error {
	var (
		cfg *config.GlobalConfig
		err error
	)
	if path == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(path); err != nil {
		return err
	}

	known := make(map[string]bool)
	for _, name := range driver.Names() {
		known[name] = true
	}
	for _, ic := range cfg.Stack.Interfaces {
		if !known[ic.Driver] {
			return fmt.Errorf("interface %s: unknown driver %q (have %v)", ic.Name, ic.Driver, driver.Names())
		}
	}

	sc := cfg.Stack
	fmt.Fprintf(w, "VALID: %d interface(s), loopback=%v, %d x %d-byte blocks, %d buffers, %d messages\n",
		len(sc.Interfaces), sc.Netif.Loopback,
		sc.Pktbuf.BlockCount, sc.Pktbuf.BlockSize, sc.Pktbuf.BufferCount, sc.Exmsg.MsgCount)

	if !dump {
		return nil
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"netcore": cfg}); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

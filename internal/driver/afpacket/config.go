// Package afpacket is a live Ethernet device on a Linux AF_PACKET socket
// with a TPacket v3 receive ring.
package afpacket

import (
	"fmt"
	"time"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/driver"
	"firestige.xyz/netcore/internal/netif"
)

const Name = "afpacket"

// Config are the afpacket driver options.
type Config struct {
	Device       string        `mapstructure:"device"`
	SnapLen      int           `mapstructure:"snap_len"`
	BufferSizeMB int           `mapstructure:"buffer_size_mb"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	// EtherTypes, when set, installs a socket filter accepting only these.
	EtherTypes []uint16 `mapstructure:"ether_types"`
}

func (c *Config) applyDefaults() error {
	if c.Device == "" {
		return fmt.Errorf("%w: afpacket needs a device", core.ErrConfigInvalid)
	}
	if c.SnapLen <= 0 {
		c.SnapLen = 1600
	}
	if c.BufferSizeMB <= 0 {
		c.BufferSizeMB = 8
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	return nil
}

func init() {
	driver.Register(Name, func(deps driver.Deps, options map[string]any) (netif.Ops, error) {
		var cfg Config
		if err := driver.Decode(options, &cfg); err != nil {
			return nil, err
		}
		if err := cfg.applyDefaults(); err != nil {
			return nil, err
		}
		return newDriver(cfg, deps)
	})
}

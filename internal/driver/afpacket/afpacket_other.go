//go:build !linux

package afpacket

import (
	"fmt"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/driver"
	"firestige.xyz/netcore/internal/netif"
)

type unsupported struct{ device string }

func newDriver(cfg Config, _ driver.Deps) (netif.Ops, error) {
	return unsupported{device: cfg.Device}, nil
}

func (u unsupported) Open(*netif.Netif, any) error {
	return fmt.Errorf("%w: afpacket on %s needs linux", core.ErrIO, u.device)
}

func (unsupported) Close(*netif.Netif) {}

func (unsupported) Xmit(*netif.Netif) error {
	return fmt.Errorf("%w: afpacket needs linux", core.ErrIO)
}

// Package loop is the loopback driver. Frames queued for transmission are
// moved straight onto the same interface's ingress queue.
package loop

import (
	"fmt"
	"log/slog"
	"net/netip"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/netif"
)

// Name is the interface name Init opens.
const Name = "loop"

// MTU of the loopback interface.
const MTU = 1500

var (
	addr    = netip.MustParseAddr("127.0.0.1")
	netmask = netip.MustParseAddr("255.0.0.0")
)

// Ops implements netif.Ops for loopback.
type Ops struct{}

func (Ops) Open(nif *netif.Netif, _ any) error {
	nif.SetMTU(MTU)
	return nif.SetType(netif.TypeLoop)
}

func (Ops) Close(nif *netif.Netif) {
	slog.Debug("loop close", "interface", nif.Name())
}

// Xmit moves every queued egress frame to ingress. A frame that does not
// fit is dropped.
func (Ops) Xmit(nif *netif.Netif) error {
	for {
		buf, err := nif.GetOut(core.NoWait)
		if err != nil {
			return nil
		}
		if err := nif.PutIn(buf, core.NoWait); err != nil {
			buf.Free()
			return fmt.Errorf("loop xmit: %w", err)
		}
	}
}

// Init opens and activates the loopback interface with 127.0.0.1/8.
func Init(mgr *netif.Manager) (*netif.Netif, error) {
	nif, err := mgr.Open(Name, Ops{}, nil)
	if err != nil {
		return nil, fmt.Errorf("loop init: %w", err)
	}
	nif.SetAddr(addr, netmask, netip.Addr{})

	if err := mgr.SetActive(nif); err != nil {
		_ = mgr.Close(nif)
		return nil, fmt.Errorf("loop init: %w", err)
	}
	slog.Info("loop init done", "interface", nif)
	return nif, nil
}

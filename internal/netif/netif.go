// Package netif models network interfaces: a state machine, ingress and
// egress queues between driver goroutines and the stack goroutine, and
// link-layer dispatch by interface type.
package netif

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/fixq"
	"firestige.xyz/netcore/internal/pktbuf"
)

// Type is the link type of an interface.
type Type int

const (
	TypeNone Type = iota
	TypeEther
	TypeLoop

	typeCount
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeEther:
		return "ether"
	case TypeLoop:
		return "loop"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// State is the lifecycle state of an interface.
type State int

const (
	StateClosed State = iota
	StateOpened
	StateActive
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Ops is implemented by device drivers.
type Ops interface {
	// Open prepares the device and must set the interface type.
	Open(nif *Netif, data any) error
	// Close stops the device. No driver goroutine may touch nif afterwards.
	Close(nif *Netif)
	// Xmit sends whatever is queued on the egress queue.
	Xmit(nif *Netif) error
}

// LinkLayer handles frames for one interface type.
//
// In and Out consume buf only when they return nil.
type LinkLayer interface {
	Open(nif *Netif) error
	Close(nif *Netif)
	In(nif *Netif, buf *pktbuf.Buffer) error
	Out(nif *Netif, dest netip.Addr, buf *pktbuf.Buffer) error
}

// Notifier wakes the stack goroutine when an ingress queue has work.
type Notifier interface {
	NotifyInput(nif *Netif) error
}

// Netif is one network interface.
type Netif struct {
	mgr   *Manager
	name  string
	typ   Type
	state State
	mtu   int

	hwaddr  net.HardwareAddr
	ip      netip.Addr
	netmask netip.Addr
	gateway netip.Addr

	in  *fixq.Queue[*pktbuf.Buffer]
	out *fixq.Queue[*pktbuf.Buffer]

	ops  Ops
	link LinkLayer

	inPending atomic.Bool

	inPackets  prometheus.Counter
	outPackets prometheus.Counter
	inDrops    prometheus.Counter
	outDrops   prometheus.Counter
}

func (nif *Netif) Name() string { return nif.name }
func (nif *Netif) Type() Type   { return nif.typ }
func (nif *Netif) MTU() int     { return nif.mtu }

// State reports the lifecycle state.
func (nif *Netif) State() State {
	nif.mgr.mu.Lock()
	defer nif.mgr.mu.Unlock()
	return nif.state
}

// Link returns the registered link layer, nil for a bare interface.
func (nif *Netif) Link() LinkLayer { return nif.link }

// HwAddr returns the hardware address.
func (nif *Netif) HwAddr() net.HardwareAddr { return nif.hwaddr }

// IPAddr returns the configured address.
func (nif *Netif) IPAddr() netip.Addr  { return nif.ip }
func (nif *Netif) Netmask() netip.Addr { return nif.netmask }
func (nif *Netif) Gateway() netip.Addr { return nif.gateway }

// SetType is called by drivers from Ops.Open.
func (nif *Netif) SetType(t Type) error {
	if t < TypeNone || t >= typeCount {
		return fmt.Errorf("%w: interface type %d", core.ErrParam, int(t))
	}
	nif.typ = t
	return nil
}

// SetMTU is called by drivers from Ops.Open.
func (nif *Netif) SetMTU(mtu int) {
	nif.mtu = mtu
}

// SetAddr sets address, netmask and gateway. Invalid values become the
// unspecified IPv4 address.
func (nif *Netif) SetAddr(ip, netmask, gateway netip.Addr) {
	nif.ip = orAny(ip)
	nif.netmask = orAny(netmask)
	nif.gateway = orAny(gateway)
}

func orAny(a netip.Addr) netip.Addr {
	if !a.IsValid() {
		return netip.IPv4Unspecified()
	}
	return a
}

// SetHwAddr copies the hardware address.
func (nif *Netif) SetHwAddr(hw net.HardwareAddr) {
	nif.hwaddr = append(net.HardwareAddr(nil), hw...)
}

// PutIn queues a received frame and wakes the stack goroutine. On error
// the caller keeps buf.
func (nif *Netif) PutIn(buf *pktbuf.Buffer, timeout time.Duration) error {
	if nif.State() == StateClosed {
		return fmt.Errorf("%w: %s is closed", core.ErrState, nif.name)
	}
	if err := nif.in.Send(buf, timeout); err != nil {
		nif.inDrops.Inc()
		nif.mgr.log.Warn("ingress queue full", "interface", nif.name, "error", err)
		return fmt.Errorf("%w: %s ingress", core.ErrFull, nif.name)
	}
	nif.inPackets.Inc()

	// at most one outstanding wake-up per interface
	if !nif.inPending.CompareAndSwap(false, true) {
		return nil
	}
	if n := nif.mgr.notifier; n != nil {
		if err := n.NotifyInput(nif); err != nil {
			nif.inPending.Store(false)
			nif.mgr.log.Warn("input notify failed", "interface", nif.name, "error", err)
		}
	}
	return nil
}

// AckInput re-arms input notification. The dispatcher calls it before
// draining the ingress queue.
func (nif *Netif) AckInput() {
	nif.inPending.Store(false)
}

// GetIn dequeues one received frame with its cursor reset.
func (nif *Netif) GetIn(timeout time.Duration) (*pktbuf.Buffer, error) {
	buf, err := nif.in.Recv(timeout)
	if err != nil {
		return nil, err
	}
	buf.ResetCursor()
	return buf, nil
}

// PutOut queues a frame for transmission. On error the caller keeps buf.
func (nif *Netif) PutOut(buf *pktbuf.Buffer, timeout time.Duration) error {
	if nif.State() == StateClosed {
		return fmt.Errorf("%w: %s is closed", core.ErrState, nif.name)
	}
	if err := nif.out.Send(buf, timeout); err != nil {
		nif.outDrops.Inc()
		nif.mgr.log.Warn("egress queue full", "interface", nif.name, "error", err)
		return fmt.Errorf("%w: %s egress", core.ErrFull, nif.name)
	}
	nif.outPackets.Inc()
	return nil
}

// GetOut dequeues one frame to transmit with its cursor reset.
func (nif *Netif) GetOut(timeout time.Duration) (*pktbuf.Buffer, error) {
	buf, err := nif.out.Recv(timeout)
	if err != nil {
		return nil, err
	}
	buf.ResetCursor()
	return buf, nil
}

// InLen and OutLen report queue depth.
func (nif *Netif) InLen() int  { return nif.in.Len() }
func (nif *Netif) OutLen() int { return nif.out.Len() }

// Out sends buf toward dest through the link layer, or straight to the
// driver when there is none. buf is consumed only on success.
func (nif *Netif) Out(dest netip.Addr, buf *pktbuf.Buffer) error {
	if st := nif.State(); st != StateActive {
		return fmt.Errorf("%w: %s is %s", core.ErrState, nif.name, st)
	}
	if nif.link != nil {
		return nif.link.Out(nif, dest, buf)
	}

	if err := nif.PutOut(buf, core.NoWait); err != nil {
		return err
	}
	if err := nif.Xmit(); err != nil {
		nif.mgr.log.Warn("xmit failed", "interface", nif.name, "error", err)
	}
	return nil
}

// Xmit asks the driver to drain the egress queue.
func (nif *Netif) Xmit() error {
	if st := nif.State(); st != StateActive {
		return fmt.Errorf("%w: %s is %s", core.ErrState, nif.name, st)
	}
	return nif.ops.Xmit(nif)
}

func (nif *Netif) drain() int {
	n := 0
	for _, q := range []*fixq.Queue[*pktbuf.Buffer]{nif.in, nif.out} {
		if q == nil {
			continue
		}
		for {
			buf, err := q.Recv(core.NoWait)
			if err != nil {
				break
			}
			buf.Free()
			n++
		}
	}
	return n
}

// LogValue renders the interface for structured logs.
func (nif *Netif) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", nif.name),
		slog.String("type", nif.typ.String()),
		slog.String("state", nif.state.String()),
		slog.Int("mtu", nif.mtu),
		slog.String("hwaddr", nif.hwaddr.String()),
		slog.String("ip", nif.ip.String()),
		slog.String("netmask", nif.netmask.String()),
		slog.String("gateway", nif.gateway.String()),
	)
}

package stack

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/netcore/internal/config"
	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/driver/pcapfile"
	"firestige.xyz/netcore/internal/loop"
	"firestige.xyz/netcore/internal/netif"
	"firestige.xyz/netcore/internal/pktbuf"
)

const selfTestIface = "self0"

var selfTestAddr = netip.MustParseAddr("10.255.0.1")

// SelfTestReport summarises a SelfTest run.
type SelfTestReport struct {
	Frames         int
	EtherDelivered int
	EtherCorrupt   int
	LoopSent       int
	Elapsed        time.Duration

	BlockSize    int
	BlocksFree   int
	BlocksTotal  int
	BuffersFree  int
	BuffersTotal int
}

// SelfTest runs a private stack with loopback and one file-backed Ethernet
// interface addressed to itself. Every frame goes out through both
// interfaces and back in through the dispatcher. After shutdown every
// block and buffer must be back in its pool.
func SelfTest(ctx context.Context, cfg config.StackConfig, frames, size int) (SelfTestReport, error) {
	var rep SelfTestReport
	if frames <= 0 || size <= 0 {
		return rep, fmt.Errorf("%w: selftest needs frames and size > 0", core.ErrParam)
	}

	cfg.Netif.Loopback = true
	cfg.Stats = config.StatsConfig{}
	cfg.Interfaces = []config.InterfaceConfig{{
		Name:    selfTestIface,
		Driver:  pcapfile.Name,
		IP:      selfTestAddr.String(),
		Netmask: "255.255.255.0",
	}}

	s, err := New(cfg)
	if err != nil {
		return rep, err
	}

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	var delivered, corrupt atomic.Int64
	err = s.Ether().RegisterProtocol(layers.EthernetTypeIPv4, func(_ *netif.Netif, _ net.HardwareAddr, buf *pktbuf.Buffer) error {
		got := make([]byte, size)
		if err := buf.Read(got); err != nil || !bytes.Equal(got, payload) {
			corrupt.Add(1)
		} else {
			delivered.Add(1)
		}
		buf.Free()
		return nil
	})
	if err != nil {
		return rep, err
	}

	if err := s.Start(ctx); err != nil {
		return rep, err
	}
	defer s.Stop()

	start := time.Now()
	targets := []struct {
		name string
		dest netip.Addr
	}{
		{selfTestIface, selfTestAddr},
		{loop.Name, netip.MustParseAddr("127.0.0.1")},
	}
	for i := 0; i < frames; i++ {
		for _, t := range targets {
			if err := s.ExecContext(ctx, func() error { return s.send(t.name, t.dest, payload) }); err != nil {
				return rep, fmt.Errorf("frame %d via %s: %w", i, t.name, err)
			}
		}
		rep.LoopSent++
	}
	// the last ingress drain is queued ahead of this
	if err := s.ExecContext(ctx, func() error { return nil }); err != nil {
		return rep, err
	}
	rep.Elapsed = time.Since(start)

	s.Stop()
	rep.Frames = frames
	rep.EtherDelivered = int(delivered.Load())
	rep.EtherCorrupt = int(corrupt.Load())
	rep.BlockSize = s.eng.BlockSize()
	rep.BlocksFree = s.eng.FreeBlocks()
	rep.BlocksTotal = s.eng.BlockCount()
	rep.BuffersFree = s.eng.FreeBuffers()
	rep.BuffersTotal = s.eng.BufferCount()

	if rep.BlocksFree != rep.BlocksTotal || rep.BuffersFree != rep.BuffersTotal {
		return rep, fmt.Errorf("%w: pool leak, %d/%d blocks and %d/%d buffers free",
			core.ErrState, rep.BlocksFree, rep.BlocksTotal, rep.BuffersFree, rep.BuffersTotal)
	}
	if rep.EtherDelivered != frames {
		return rep, fmt.Errorf("%w: %d of %d ethernet frames delivered (%d corrupt)",
			core.ErrIO, rep.EtherDelivered, frames, rep.EtherCorrupt)
	}
	return rep, nil
}

// send must run on the stack goroutine.
func (s *Stack) send(name string, dest netip.Addr, payload []byte) error {
	nif := s.mgr.Lookup(name)
	if nif == nil {
		return fmt.Errorf("%w: no interface %s", core.ErrParam, name)
	}
	buf, err := s.eng.Alloc(len(payload))
	if err != nil {
		return err
	}
	if err := buf.Write(payload); err != nil {
		buf.Free()
		return err
	}
	if err := nif.Out(dest, buf); err != nil {
		buf.Free()
		return err
	}
	return nil
}

//go:build linux

package afpacket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/gopacket/afpacket"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/driver"
	"firestige.xyz/netcore/internal/netif"
	"firestige.xyz/netcore/internal/pktbuf"
	"firestige.xyz/netcore/internal/utils"
)

// Driver implements netif.Ops on a TPacket handle.
type Driver struct {
	cfg Config
	eng *pktbuf.Engine
	log *slog.Logger

	handle *afpacket.TPacket
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDriver(cfg Config, deps driver.Deps) (netif.Ops, error) {
	return &Driver{cfg: cfg, eng: deps.Engine, log: deps.Logger}, nil
}

func (d *Driver) Open(nif *netif.Netif, _ any) error {
	ifi, err := net.InterfaceByName(d.cfg.Device)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrIO, err)
	}

	frameSize, blockSize, numBlocks, err := recomputeSize(d.cfg.BufferSizeMB, d.cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(d.cfg.Device),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(d.cfg.PollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return fmt.Errorf("%w: tpacket on %s: %v", core.ErrIO, d.cfg.Device, err)
	}

	if len(d.cfg.EtherTypes) > 0 {
		filter, err := utils.EtherTypeFilter(d.cfg.EtherTypes...)
		if err == nil {
			err = tp.SetBPF(filter)
		}
		if err != nil {
			tp.Close()
			return fmt.Errorf("%w: socket filter: %v", core.ErrIO, err)
		}
	}
	d.handle = tp

	nif.SetMTU(ifi.MTU)
	if len(nif.HwAddr()) == 0 {
		nif.SetHwAddr(ifi.HardwareAddr)
	}
	if err := nif.SetType(netif.TypeEther); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.recv(ctx, nif)

	d.log.Info("afpacket opened", "interface", nif.Name(), "device", d.cfg.Device,
		"frame_size", frameSize, "block_size", blockSize, "blocks", numBlocks)
	return nil
}

func (d *Driver) Close(nif *netif.Netif) {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	if d.handle != nil {
		d.handle.Close()
		d.handle = nil
	}
	d.log.Info("afpacket closed", "interface", nif.Name())
}

// Xmit writes every queued egress frame to the socket.
func (d *Driver) Xmit(nif *netif.Netif) error {
	var werr error
	for {
		buf, err := nif.GetOut(core.NoWait)
		if err != nil {
			return werr
		}
		if err := d.handle.WritePacketData(buf.Bytes()); err != nil && werr == nil {
			werr = fmt.Errorf("%w: %v", core.ErrIO, err)
		}
		buf.Free()
	}
}

func (d *Driver) recv(ctx context.Context, nif *netif.Netif) {
	defer d.wg.Done()
	for ctx.Err() == nil {
		data, _, err := d.handle.ReadPacketData()
		if errors.Is(err, afpacket.ErrTimeout) || errors.Is(err, afpacket.ErrPoll) {
			continue
		}
		if err != nil {
			d.log.Error("read packet failed", "interface", nif.Name(), "error", err)
			return
		}

		buf, err := d.eng.Alloc(len(data))
		if err != nil {
			d.log.Warn("pktbuf alloc failed", "interface", nif.Name(), "size", len(data))
			continue
		}
		if err := buf.Write(data); err != nil {
			buf.Free()
			continue
		}
		if err := nif.PutIn(buf, core.NoWait); err != nil {
			buf.Free()
		}
	}
}

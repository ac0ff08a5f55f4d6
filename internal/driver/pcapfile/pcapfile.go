// Package pcapfile is a file-backed Ethernet device. A receive goroutine
// replays a pcap file into the ingress queue and transmitted frames are
// appended to an optional pcap dump.
package pcapfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/driver"
	"firestige.xyz/netcore/internal/netif"
	"firestige.xyz/netcore/internal/pktbuf"
)

const Name = "pcapfile"

const defaultSnapLen = 65535

func init() {
	driver.Register(Name, func(deps driver.Deps, options map[string]any) (netif.Ops, error) {
		var cfg Config
		if err := driver.Decode(options, &cfg); err != nil {
			return nil, err
		}
		return New(cfg, deps.Engine, deps.Logger)
	})
}

// Config are the pcapfile driver options.
type Config struct {
	// Input is replayed as received traffic. Empty means nothing is received.
	Input string `mapstructure:"input"`
	// Output collects transmitted frames. Empty discards them.
	Output string `mapstructure:"output"`
	// PPS limits the replay rate; 0 replays as fast as the queue accepts.
	PPS int `mapstructure:"pps"`
	// Loop is the number of replay passes; negative repeats until close.
	Loop    int `mapstructure:"loop"`
	SnapLen int `mapstructure:"snap_len"`
	// Delay postpones the first replayed frame.
	Delay time.Duration `mapstructure:"delay"`
}

// Stats counts driver activity.
type Stats struct {
	Received    uint64
	Dropped     uint64
	Transmitted uint64
}

// Driver implements netif.Ops.
type Driver struct {
	cfg Config
	eng *pktbuf.Engine
	log *slog.Logger

	mu  sync.Mutex
	out *os.File
	w   *pcapgo.Writer

	cancel context.CancelFunc
	wg     sync.WaitGroup

	received    atomic.Uint64
	dropped     atomic.Uint64
	transmitted atomic.Uint64
}

// New validates cfg. Files are opened by Open.
func New(cfg Config, eng *pktbuf.Engine, log *slog.Logger) (*Driver, error) {
	if eng == nil {
		return nil, fmt.Errorf("%w: pcapfile needs a packet engine", core.ErrParam)
	}
	if cfg.Loop == 0 {
		cfg.Loop = 1
	}
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = defaultSnapLen
	}
	if cfg.PPS < 0 {
		return nil, fmt.Errorf("%w: pps %d", core.ErrConfigInvalid, cfg.PPS)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Driver{cfg: cfg, eng: eng, log: log}, nil
}

func (d *Driver) Open(nif *netif.Netif, _ any) error {
	if d.cfg.Input != "" {
		// fail early on a missing or foreign file
		if err := checkInput(d.cfg.Input); err != nil {
			return err
		}
	}
	if d.cfg.Output != "" {
		f, err := os.Create(d.cfg.Output)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrIO, err)
		}
		w := pcapgo.NewWriter(f)
		if err := w.WriteFileHeader(uint32(d.cfg.SnapLen), layers.LinkTypeEthernet); err != nil {
			f.Close()
			return fmt.Errorf("%w: %v", core.ErrIO, err)
		}
		d.out, d.w = f, w
	}

	nif.SetMTU(1500)
	if len(nif.HwAddr()) == 0 {
		nif.SetHwAddr(net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01})
	}
	if err := nif.SetType(netif.TypeEther); err != nil {
		return err
	}

	if d.cfg.Input != "" {
		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.wg.Add(1)
		go d.replay(ctx, nif)
	}
	d.log.Info("pcapfile opened", "interface", nif.Name(), "input", d.cfg.Input, "output", d.cfg.Output)
	return nil
}

func checkInput(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrIO, err)
	}
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrIO, path, err)
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		return fmt.Errorf("%w: %s has link type %s", core.ErrIO, path, r.LinkType())
	}
	return nil
}

func (d *Driver) Close(nif *netif.Netif) {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out != nil {
		if err := d.out.Close(); err != nil {
			d.log.Warn("close output failed", "error", err)
		}
		d.out, d.w = nil, nil
	}
	st := d.Stats()
	d.log.Info("pcapfile closed", "interface", nif.Name(),
		"received", st.Received, "dropped", st.Dropped, "transmitted", st.Transmitted)
}

// Xmit drains the egress queue into the output file.
func (d *Driver) Xmit(nif *netif.Netif) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var werr error
	for {
		buf, err := nif.GetOut(core.NoWait)
		if err != nil {
			return werr
		}
		if d.w != nil {
			data := buf.Bytes()
			ci := gopacket.CaptureInfo{
				Timestamp:     time.Now(),
				CaptureLength: len(data),
				Length:        len(data),
			}
			if err := d.w.WritePacket(ci, data); err != nil && werr == nil {
				werr = fmt.Errorf("%w: %v", core.ErrIO, err)
			}
		}
		buf.Free()
		d.transmitted.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Received:    d.received.Load(),
		Dropped:     d.dropped.Load(),
		Transmitted: d.transmitted.Load(),
	}
}

func (d *Driver) replay(ctx context.Context, nif *netif.Netif) {
	defer d.wg.Done()

	if d.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.Delay):
		}
	}

	th := newThrottle(d.cfg.PPS)
	for pass := 0; d.cfg.Loop < 0 || pass < d.cfg.Loop; pass++ {
		if err := d.replayOnce(ctx, nif, th); err != nil {
			if !errors.Is(err, context.Canceled) {
				d.log.Error("replay failed", "interface", nif.Name(), "error", err)
			}
			return
		}
	}
	d.log.Info("replay finished", "interface", nif.Name(), "received", d.received.Load())
}

func (d *Driver) replayOnce(ctx context.Context, nif *netif.Netif, th *throttle) error {
	f, err := os.Open(d.cfg.Input)
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		return err
	}

	for {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := th.wait(ctx); err != nil {
			return err
		}
		d.deliver(nif, data)
	}
}

func (d *Driver) deliver(nif *netif.Netif, data []byte) {
	buf, err := d.eng.Alloc(len(data))
	if err != nil {
		d.dropped.Add(1)
		d.log.Warn("pktbuf alloc failed", "interface", nif.Name(), "size", len(data), "error", err)
		return
	}
	if err := buf.Write(data); err != nil {
		buf.Free()
		d.dropped.Add(1)
		return
	}
	if err := nif.PutIn(buf, core.NoWait); err != nil {
		buf.Free()
		d.dropped.Add(1)
		return
	}
	d.received.Add(1)
}

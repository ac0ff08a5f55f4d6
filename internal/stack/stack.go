// Package stack wires the core together: packet buffers, interfaces, the
// timer list and the dispatcher that owns the stack goroutine.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"

	"firestige.xyz/netcore/internal/config"
	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/driver"
	"firestige.xyz/netcore/internal/ether"
	"firestige.xyz/netcore/internal/exmsg"
	"firestige.xyz/netcore/internal/loop"
	"firestige.xyz/netcore/internal/netif"
	"firestige.xyz/netcore/internal/pktbuf"
	"firestige.xyz/netcore/internal/timer"

	// device drivers register themselves
	_ "firestige.xyz/netcore/internal/driver/afpacket"
	_ "firestige.xyz/netcore/internal/driver/pcapfile"
)

// Stack is one instance of the network core.
type Stack struct {
	cfg config.StackConfig

	eng    *pktbuf.Engine
	mgr    *netif.Manager
	timers *timer.List
	disp   *exmsg.Dispatcher
	ether  *ether.Layer

	stats *timer.Timer
	log   *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// New builds the pools, the interface table, the timer list and the
// dispatcher in that order. Nothing runs until Start.
func New(cfg config.StackConfig, opts ...exmsg.Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := slog.Default().With("component", "stack")

	eng, err := pktbuf.NewEngine(pktbuf.Config{
		BlockSize:    cfg.Pktbuf.BlockSize,
		BlockCount:   cfg.Pktbuf.BlockCount,
		BufferCount:  cfg.Pktbuf.BufferCount,
		AllocTimeout: cfg.Pktbuf.AllocWait,
		Debug:        cfg.Pktbuf.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("pktbuf init: %w", err)
	}

	mgr, err := netif.NewManager(netif.Config{
		MaxInterfaces: cfg.Netif.MaxInterfaces,
		InQueueSize:   cfg.Netif.InQueueSize,
		OutQueueSize:  cfg.Netif.OutQueueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("netif init: %w", err)
	}

	timers := timer.New()
	disp, err := exmsg.New(exmsg.Config{
		QueueSize: cfg.Exmsg.QueueSize,
		MsgCount:  cfg.Exmsg.MsgCount,
	}, timers, opts...)
	if err != nil {
		return nil, fmt.Errorf("exmsg init: %w", err)
	}
	mgr.SetNotifier(disp)

	log.Info("stack initialised",
		"blocks", cfg.Pktbuf.BlockCount,
		"block_size", cfg.Pktbuf.BlockSize,
		"pool", humanize.IBytes(uint64(cfg.Pktbuf.BlockCount*cfg.Pktbuf.BlockSize)),
		"buffers", cfg.Pktbuf.BufferCount)

	return &Stack{
		cfg:    cfg,
		eng:    eng,
		mgr:    mgr,
		timers: timers,
		disp:   disp,
		ether:  ether.New(),
		log:    log,
	}, nil
}

// Start runs the stack goroutine, then registers the Ethernet layer,
// brings up loopback, arms the statistics timer and opens every configured
// interface. Setup runs on the stack goroutine. On error the stack is
// stopped again.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: stack already started", core.ErrState)
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.disp.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := s.disp.ExecContext(ctx, s.up); err != nil {
		s.Stop()
		return err
	}
	s.log.Info("stack started", "interfaces", len(s.mgr.List()))
	return nil
}

func (s *Stack) up() error {
	if err := s.mgr.RegisterLayer(netif.TypeEther, s.ether); err != nil {
		return fmt.Errorf("register ethernet layer: %w", err)
	}

	if s.cfg.Netif.Loopback {
		if _, err := loop.Init(s.mgr); err != nil {
			return err
		}
	}

	if p := s.cfg.Stats.Period; p > 0 {
		t, err := s.timers.Add("stats", s.logStats, nil, p, true)
		if err != nil {
			return fmt.Errorf("stats timer: %w", err)
		}
		s.stats = t
	}

	for _, ic := range s.cfg.Interfaces {
		if err := s.openInterface(ic); err != nil {
			return fmt.Errorf("interface %s: %w", ic.Name, err)
		}
	}
	return nil
}

func (s *Stack) openInterface(ic config.InterfaceConfig) error {
	ops, err := driver.New(ic.Driver, driver.Deps{Engine: s.eng, Logger: s.log}, ic.Options)
	if err != nil {
		return err
	}
	nif, err := s.mgr.Open(ic.Name, ops, nil)
	if err != nil {
		return err
	}

	if ic.HwAddr != "" {
		hw, _ := net.ParseMAC(ic.HwAddr)
		nif.SetHwAddr(hw)
	}
	if ic.MTU > 0 {
		nif.SetMTU(ic.MTU)
	}
	nif.SetAddr(parseAddr(ic.IP), parseAddr(ic.Netmask), parseAddr(ic.Gateway))

	if err := s.mgr.SetActive(nif); err != nil {
		_ = s.mgr.Close(nif)
		return err
	}
	return nil
}

// parseAddr accepts the already validated config strings; empty yields the
// zero Addr, which SetAddr treats as unspecified.
func parseAddr(s string) netip.Addr {
	a, _ := netip.ParseAddr(s)
	return a
}

func (s *Stack) logStats(*timer.Timer, any) {
	blockSize := uint64(s.eng.BlockSize())
	free := uint64(s.eng.FreeBlocks())
	total := uint64(s.eng.BlockCount())

	s.log.Info("stack stats",
		"blocks_free", s.eng.FreeBlocks(),
		"blocks_total", s.eng.BlockCount(),
		"bytes_in_use", humanize.IBytes((total-free)*blockSize),
		"buffers_free", s.eng.FreeBuffers(),
		"interfaces", len(s.mgr.List()),
		"timers", s.timers.Len())
	s.mgr.Dump()
	s.timers.Dump()
}

// Stop brings every interface down and closes it, then ends the stack
// goroutine and waits for it. It is safe to call more than once.
func (s *Stack) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	err := s.disp.Exec(func() error {
		if s.stats != nil {
			s.timers.Remove(s.stats)
		}
		list := s.mgr.List()
		slices.Reverse(list)
		for _, nif := range list {
			if nif.State() == netif.StateActive {
				if err := s.mgr.SetDeactive(nif); err != nil {
					s.log.Warn("deactivate failed", "interface", nif.Name(), "error", err)
				}
			}
			if err := s.mgr.Close(nif); err != nil {
				s.log.Warn("close failed", "interface", nif.Name(), "error", err)
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warn("interface shutdown skipped", "error", err)
	}

	s.cancel()
	<-s.disp.Done()
	s.log.Info("stack stopped",
		"blocks_free", s.eng.FreeBlocks(), "buffers_free", s.eng.FreeBuffers())
}

// Exec runs fn on the stack goroutine.
func (s *Stack) Exec(fn func() error) error { return s.disp.Exec(fn) }

// ExecContext is Exec bounded by ctx.
func (s *Stack) ExecContext(ctx context.Context, fn func() error) error {
	return s.disp.ExecContext(ctx, fn)
}

// Done is closed once the stack goroutine has exited.
func (s *Stack) Done() <-chan struct{} { return s.disp.Done() }

func (s *Stack) Engine() *pktbuf.Engine        { return s.eng }
func (s *Stack) Netifs() *netif.Manager        { return s.mgr }
func (s *Stack) Timers() *timer.List           { return s.timers }
func (s *Stack) Dispatcher() *exmsg.Dispatcher { return s.disp }
func (s *Stack) Ether() *ether.Layer           { return s.ether }

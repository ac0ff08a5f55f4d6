package stack

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netcore/internal/config"
	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/netif"
)

func baseConfig() config.StackConfig {
	cfg := config.Default().Stack
	cfg.Stats.Interval = ""
	cfg.Stats.Period = 0
	cfg.Pktbuf.Debug = true
	return cfg
}

func countFrames(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	n := 0
	for {
		if _, _, err := r.ReadPacketData(); err != nil {
			return n
		}
		n++
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Pktbuf.BlockSize = 8
	_, err := New(cfg)
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
}

func TestStartOpensConfiguredInterfaces(t *testing.T) {
	out := filepath.Join(t.TempDir(), "eth0.pcap")
	cfg := baseConfig()
	cfg.Interfaces = []config.InterfaceConfig{{
		Name:    "eth0",
		Driver:  "pcapfile",
		HwAddr:  "02:00:00:00:00:aa",
		IP:      "10.1.0.1",
		Netmask: "255.255.255.0",
		Gateway: "10.1.0.254",
		MTU:     1400,
		Options: map[string]any{"output": out},
	}}

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	lo := s.Netifs().Lookup("loop")
	require.NotNil(t, lo)
	assert.Equal(t, netif.StateActive, lo.State())

	eth := s.Netifs().Lookup("eth0")
	require.NotNil(t, eth)
	assert.Equal(t, netif.StateActive, eth.State())
	assert.Equal(t, netif.TypeEther, eth.Type())
	assert.Equal(t, 1400, eth.MTU())
	assert.Equal(t, net.HardwareAddr{2, 0, 0, 0, 0, 0xaa}, eth.HwAddr())
	assert.Equal(t, netip.MustParseAddr("10.1.0.1"), eth.IPAddr())
	assert.Equal(t, netip.MustParseAddr("10.1.0.254"), eth.Gateway())
	assert.Same(t, eth, s.Netifs().Default())

	require.NoError(t, s.Exec(func() error {
		return s.send("eth0", netip.MustParseAddr("10.1.0.9"), []byte("remote payload"))
	}))

	s.Stop()
	assert.Empty(t, s.Netifs().List())
	assert.Equal(t, 1, countFrames(t, out))
	assert.Equal(t, s.Engine().BufferCount(), s.Engine().FreeBuffers())
	assert.Equal(t, s.Engine().BlockCount(), s.Engine().FreeBlocks())
}

func TestStartFailureStopsStack(t *testing.T) {
	cfg := baseConfig()
	cfg.Interfaces = []config.InterfaceConfig{{Name: "bad0", Driver: "no-such-driver"}}

	s, err := New(cfg)
	require.NoError(t, err)
	err = s.Start(context.Background())
	assert.True(t, errors.Is(err, core.ErrParam))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stack goroutine still running")
	}
	assert.Empty(t, s.Netifs().List(), "loopback is closed again")
	s.Stop()
}

func TestStartTwice(t *testing.T) {
	s, err := New(baseConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.True(t, errors.Is(s.Start(context.Background()), core.ErrState))
}

func TestStatsTimerArmedAndRemoved(t *testing.T) {
	cfg := baseConfig()
	cfg.Stats.Interval = "20ms"
	cfg.Netif.Loopback = false

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	var armed int
	require.NoError(t, s.Exec(func() error {
		armed = s.Timers().Len()
		return nil
	}))
	assert.Equal(t, 1, armed)
	assert.Nil(t, s.Netifs().Lookup("loop"))

	// a few periods pass without disturbing the stack
	time.Sleep(70 * time.Millisecond)
	require.NoError(t, s.Exec(func() error { return nil }))

	s.Stop()
	assert.Equal(t, 0, s.Timers().Len())
}

func TestStopCancelledByParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(baseConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stack goroutine ignored cancellation")
	}
	// interfaces can no longer be shut down through the dead goroutine
	s.Stop()
}

func TestSelfTest(t *testing.T) {
	rep, err := SelfTest(context.Background(), baseConfig(), 200, 64)
	require.NoError(t, err)
	assert.Equal(t, 200, rep.Frames)
	assert.Equal(t, 200, rep.EtherDelivered)
	assert.Equal(t, 0, rep.EtherCorrupt)
	assert.Equal(t, 200, rep.LoopSent)
	assert.Equal(t, rep.BuffersTotal, rep.BuffersFree)
}

func TestSelfTestShortFramesArePadded(t *testing.T) {
	rep, err := SelfTest(context.Background(), baseConfig(), 10, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, rep.EtherDelivered)
}

func TestSelfTestRejectsBadArgs(t *testing.T) {
	_, err := SelfTest(context.Background(), baseConfig(), 0, 64)
	assert.True(t, errors.Is(err, core.ErrParam))
}

// Package ether is the Ethernet II link layer. It validates and strips the
// 14-byte header on ingress and dispatches by EtherType; on egress it pads
// short payloads, prepends the header and hands the frame to the driver.
package ether

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/metrics"
	"firestige.xyz/netcore/internal/netif"
	"firestige.xyz/netcore/internal/pktbuf"
)

const (
	HeaderSize = 14
	MinPayload = 46
	MTU        = 1500
)

// Broadcast is ff:ff:ff:ff:ff:ff.
var Broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// frame outcome label values
const (
	resultOK        = "ok"
	resultBadSize   = "bad_size"
	resultMalformed = "malformed"
	resultUnhandled = "unhandled"
	resultError     = "error"
	resultLocal     = "local"
)

// Handler receives a frame payload with the Ethernet header stripped. Like
// netif.LinkLayer.In it consumes buf only when it returns nil.
type Handler func(nif *netif.Netif, src net.HardwareAddr, buf *pktbuf.Buffer) error

// Layer implements netif.LinkLayer for netif.TypeEther.
type Layer struct {
	mu       sync.RWMutex
	handlers map[layers.EthernetType]Handler

	log *slog.Logger
}

// New returns a layer with no protocol handlers.
func New() *Layer {
	return &Layer{
		handlers: make(map[layers.EthernetType]Handler),
		log:      slog.Default().With("component", "ether"),
	}
}

// Register creates a layer and installs it in mgr.
func Register(mgr *netif.Manager) (*Layer, error) {
	l := New()
	if err := mgr.RegisterLayer(netif.TypeEther, l); err != nil {
		return nil, fmt.Errorf("register ethernet layer: %w", err)
	}
	l.log.Info("ethernet layer registered")
	return l, nil
}

// RegisterProtocol routes frames of type t to h.
func (l *Layer) RegisterProtocol(t layers.EthernetType, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler for %s", core.ErrParam, t)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[t]; ok {
		return fmt.Errorf("%w: handler for %s", core.ErrExists, t)
	}
	l.handlers[t] = h
	return nil
}

func (l *Layer) handler(t layers.EthernetType) Handler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handlers[t]
}

func (l *Layer) Open(nif *netif.Netif) error {
	if nif.MTU() <= 0 {
		nif.SetMTU(MTU)
	}
	return nil
}

func (l *Layer) Close(*netif.Netif) {}

func maxFrame(nif *netif.Netif) int {
	if mtu := nif.MTU(); mtu > 0 {
		return mtu + HeaderSize
	}
	return MTU + HeaderSize
}

// In validates and decodes the header, strips it and passes the payload to
// the protocol handler. Frames of an unregistered type are freed.
func (l *Layer) In(nif *netif.Netif, buf *pktbuf.Buffer) error {
	size := buf.TotalSize()
	if size < HeaderSize || size > maxFrame(nif) {
		metrics.EtherFramesTotal.WithLabelValues(metrics.DirIn, resultBadSize).Inc()
		return fmt.Errorf("%w: ethernet frame of %d bytes on %s", core.ErrSize, size, nif.Name())
	}
	if err := buf.SetContiguous(HeaderSize); err != nil {
		metrics.EtherFramesTotal.WithLabelValues(metrics.DirIn, resultError).Inc()
		return err
	}

	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(buf.Data()[:HeaderSize], gopacket.NilDecodeFeedback); err != nil {
		metrics.EtherFramesTotal.WithLabelValues(metrics.DirIn, resultMalformed).Inc()
		return fmt.Errorf("%w: %v", core.ErrParam, err)
	}
	l.log.Debug("ethernet in",
		"interface", nif.Name(), "len", size,
		"dst", eth.DstMAC, "src", eth.SrcMAC, "type", eth.EthernetType)

	h := l.handler(eth.EthernetType)
	if h == nil {
		metrics.EtherFramesTotal.WithLabelValues(metrics.DirIn, resultUnhandled).Inc()
		buf.Free()
		return nil
	}

	// the header bytes are reused once stripped
	src := append(net.HardwareAddr(nil), eth.SrcMAC...)
	if err := buf.RemoveHeader(HeaderSize); err != nil {
		metrics.EtherFramesTotal.WithLabelValues(metrics.DirIn, resultError).Inc()
		return err
	}
	if err := h(nif, src, buf); err != nil {
		metrics.EtherFramesTotal.WithLabelValues(metrics.DirIn, resultError).Inc()
		return fmt.Errorf("%s handler: %w", eth.EthernetType, err)
	}
	metrics.EtherFramesTotal.WithLabelValues(metrics.DirIn, resultOK).Inc()
	return nil
}

// Out sends an IPv4 payload toward dest. Without an address cache the only
// resolvable destination is the interface itself; everything else goes to
// the broadcast address.
func (l *Layer) Out(nif *netif.Netif, dest netip.Addr, buf *pktbuf.Buffer) error {
	hw := Broadcast
	if dest.IsValid() && dest == nif.IPAddr() && len(nif.HwAddr()) == len(Broadcast) {
		hw = nif.HwAddr()
	}
	return l.RawOut(nif, layers.EthernetTypeIPv4, hw, buf)
}

// RawOut frames buf for dest. A frame addressed to the interface's own
// hardware address is delivered straight back to its ingress queue.
func (l *Layer) RawOut(nif *netif.Netif, t layers.EthernetType, dest net.HardwareAddr, buf *pktbuf.Buffer) error {
	if len(dest) != len(Broadcast) {
		return fmt.Errorf("%w: destination %v", core.ErrParam, dest)
	}
	src := nif.HwAddr()
	if len(src) != len(Broadcast) {
		src = make(net.HardwareAddr, len(Broadcast))
	}

	if size := buf.TotalSize(); size < MinPayload {
		if err := buf.Resize(MinPayload); err != nil {
			return fmt.Errorf("pad frame: %w", err)
		}
		if err := buf.SeekTo(size); err != nil {
			return err
		}
		if err := buf.Fill(0, MinPayload-size); err != nil {
			return err
		}
	}
	if err := buf.AddHeader(HeaderSize, true); err != nil {
		return fmt.Errorf("add ethernet header: %w", err)
	}

	eth := layers.Ethernet{SrcMAC: src, DstMAC: dest, EthernetType: t}
	sb := gopacket.NewSerializeBuffer()
	if err := eth.SerializeTo(sb, gopacket.SerializeOptions{}); err != nil {
		return fmt.Errorf("encode ethernet header: %w", err)
	}
	copy(buf.Data()[:HeaderSize], sb.Bytes()[:HeaderSize])
	l.log.Debug("ethernet out",
		"interface", nif.Name(), "len", buf.TotalSize(), "dst", dest, "type", t)

	if bytes.Equal(dest, nif.HwAddr()) {
		if err := nif.PutIn(buf, core.NoWait); err != nil {
			metrics.EtherFramesTotal.WithLabelValues(metrics.DirOut, resultError).Inc()
			return err
		}
		metrics.EtherFramesTotal.WithLabelValues(metrics.DirOut, resultLocal).Inc()
		return nil
	}

	if err := nif.PutOut(buf, core.NoWait); err != nil {
		metrics.EtherFramesTotal.WithLabelValues(metrics.DirOut, resultError).Inc()
		return err
	}
	metrics.EtherFramesTotal.WithLabelValues(metrics.DirOut, resultOK).Inc()
	// the frame is queued and belongs to the driver now
	if err := nif.Xmit(); err != nil {
		l.log.Warn("xmit failed", "interface", nif.Name(), "error", err)
	}
	return nil
}

package netif

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/fixq"
	"firestige.xyz/netcore/internal/mblock"
	"firestige.xyz/netcore/internal/metrics"
	"firestige.xyz/netcore/internal/pktbuf"
)

// Config sizes the interface table.
type Config struct {
	MaxInterfaces int
	InQueueSize   int
	OutQueueSize  int
}

// DefaultConfig returns the compiled-in table sizes.
func DefaultConfig() Config {
	return Config{MaxInterfaces: 10, InQueueSize: 50, OutQueueSize: 50}
}

// Manager owns every interface, the default interface and the link-layer
// registry.
type Manager struct {
	cfg  Config
	pool *mblock.Pool[Netif]

	mu       sync.Mutex
	list     []*Netif
	def      *Netif
	layers   [typeCount]LinkLayer
	notifier Notifier

	log *slog.Logger
}

// NewManager creates an empty interface table.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.InQueueSize <= 0 || cfg.OutQueueSize <= 0 {
		return nil, fmt.Errorf("%w: queue sizes %d/%d", core.ErrParam, cfg.InQueueSize, cfg.OutQueueSize)
	}
	pool, err := mblock.New[Netif]("netif", cfg.MaxInterfaces, mblock.LockThread, nil)
	if err != nil {
		return nil, fmt.Errorf("netif pool: %w", err)
	}
	return &Manager{
		cfg:  cfg,
		pool: pool,
		list: make([]*Netif, 0, cfg.MaxInterfaces),
		log:  slog.Default().With("component", "netif"),
	}, nil
}

// SetNotifier installs the ingress wake-up hook.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

// RegisterLayer installs the link layer for an interface type.
func (m *Manager) RegisterLayer(t Type, layer LinkLayer) error {
	if t <= TypeNone || t >= typeCount || layer == nil {
		return fmt.Errorf("%w: link layer for type %d", core.ErrParam, int(t))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.layers[t] != nil {
		return fmt.Errorf("%w: link layer %s", core.ErrExists, t)
	}
	m.layers[t] = layer
	return nil
}

// Layer returns the registered link layer for t, or nil.
func (m *Manager) Layer(t Type) LinkLayer {
	if t < TypeNone || t >= typeCount {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layers[t]
}

// Open allocates an interface and opens its driver. On any failure
// everything done so far is undone.
func (m *Manager) Open(name string, ops Ops, data any) (*Netif, error) {
	if name == "" || ops == nil {
		return nil, fmt.Errorf("%w: open needs a name and ops", core.ErrParam)
	}
	if m.Lookup(name) != nil {
		return nil, fmt.Errorf("%w: interface %s", core.ErrExists, name)
	}

	nif, err := m.pool.Alloc(core.NoWait)
	if err != nil {
		m.log.Error("alloc netif failed", "name", name)
		return nil, err
	}
	*nif = Netif{
		mgr:     m,
		name:    name,
		ip:      netip.IPv4Unspecified(),
		netmask: netip.IPv4Unspecified(),
		gateway: netip.IPv4Unspecified(),
		ops:     ops,

		inPackets:  metrics.NetifPacketsTotal.WithLabelValues(name, metrics.DirIn),
		outPackets: metrics.NetifPacketsTotal.WithLabelValues(name, metrics.DirOut),
		inDrops:    metrics.NetifDropsTotal.WithLabelValues(name, metrics.DirIn),
		outDrops:   metrics.NetifDropsTotal.WithLabelValues(name, metrics.DirOut),
	}

	opened := false
	fail := func(err error) (*Netif, error) {
		if opened {
			ops.Close(nif)
		}
		m.mu.Lock()
		nif.state = StateClosed
		m.mu.Unlock()
		// frames the driver delivered during Open go back to the engine
		if n := nif.drain(); n > 0 {
			m.log.Debug("dropped frames of failed open", "name", name, "count", n)
		}
		nif.inPending.Store(false)
		m.pool.Free(nif)
		m.log.Error("netif open failed", "name", name, "error", err)
		return nil, err
	}

	if nif.in, err = fixq.New[*pktbuf.Buffer](name+".in", m.cfg.InQueueSize); err != nil {
		return fail(err)
	}
	if nif.out, err = fixq.New[*pktbuf.Buffer](name+".out", m.cfg.OutQueueSize); err != nil {
		return fail(err)
	}

	// drivers may start delivering from Open, so the queues are usable first
	m.mu.Lock()
	nif.state = StateOpened
	m.mu.Unlock()

	if err := ops.Open(nif, data); err != nil {
		m.mu.Lock()
		nif.state = StateClosed
		m.mu.Unlock()
		return fail(fmt.Errorf("open %s: %w", name, err))
	}
	opened = true

	if nif.typ == TypeNone {
		return fail(fmt.Errorf("%w: %s driver left type unset", core.ErrParam, name))
	}
	nif.link = m.Layer(nif.typ)
	if nif.link == nil && nif.typ != TypeLoop {
		return fail(fmt.Errorf("%w: no link layer for %s", core.ErrParam, nif.typ))
	}

	m.mu.Lock()
	m.list = append(m.list, nif)
	m.mu.Unlock()

	m.log.Info("netif opened", "interface", nif)
	return nif, nil
}

// SetActive moves an opened interface to active and opens its link layer.
// The first active interface that is not loopback becomes the default.
func (m *Manager) SetActive(nif *Netif) error {
	if st := nif.State(); st != StateOpened {
		return fmt.Errorf("%w: activate %s in state %s", core.ErrState, nif.name, st)
	}

	if nif.link != nil {
		if err := nif.link.Open(nif); err != nil {
			return fmt.Errorf("link layer open %s: %w", nif.name, err)
		}
	}

	m.mu.Lock()
	nif.state = StateActive
	if m.def == nil && nif.typ != TypeLoop {
		m.def = nif
	}
	m.mu.Unlock()

	m.log.Info("netif active", "interface", nif)
	return nil
}

// SetDeactive returns an active interface to opened, closing its link
// layer and freeing every queued frame.
func (m *Manager) SetDeactive(nif *Netif) error {
	if st := nif.State(); st != StateActive {
		return fmt.Errorf("%w: deactivate %s in state %s", core.ErrState, nif.name, st)
	}

	if nif.link != nil {
		nif.link.Close(nif)
	}
	dropped := nif.drain()

	m.mu.Lock()
	nif.state = StateOpened
	if m.def == nif {
		m.def = nil
	}
	m.mu.Unlock()

	m.log.Info("netif deactivated", "name", nif.name, "dropped", dropped)
	return nil
}

// Close stops the driver and releases the interface. An active interface
// must be deactivated first.
func (m *Manager) Close(nif *Netif) error {
	m.mu.Lock()
	st := nif.state
	idx := slices.Index(m.list, nif)
	m.mu.Unlock()
	if st == StateActive || st == StateClosed || idx < 0 {
		return fmt.Errorf("%w: close %s in state %s", core.ErrState, nif.name, st)
	}

	nif.ops.Close(nif)
	nif.drain()
	nif.inPending.Store(false)

	m.mu.Lock()
	nif.state = StateClosed
	m.list = slices.DeleteFunc(m.list, func(n *Netif) bool { return n == nif })
	m.mu.Unlock()

	m.log.Info("netif closed", "name", nif.name)
	m.pool.Free(nif)
	return nil
}

// Default returns the default interface, or nil.
func (m *Manager) Default() *Netif {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.def
}

// SetDefault overrides the default interface. nil clears it.
func (m *Manager) SetDefault(nif *Netif) {
	m.mu.Lock()
	m.def = nif
	m.mu.Unlock()
}

// List returns the open interfaces in open order.
func (m *Manager) List() []*Netif {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.list)
}

// Lookup finds an open interface by name.
func (m *Manager) Lookup(name string) *Netif {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nif := range m.list {
		if nif.name == name {
			return nif
		}
	}
	return nil
}

// FreeSlots reports how many more interfaces can be opened.
func (m *Manager) FreeSlots() int { return m.pool.FreeCount() }

// Dump logs the interface table at debug level.
func (m *Manager) Dump() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Debug("netif list", "count", len(m.list))
	for _, nif := range m.list {
		m.log.Debug("netif", "interface", nif, "default", nif == m.def)
	}
}

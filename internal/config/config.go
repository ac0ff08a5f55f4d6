// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/netcore/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `netcore:` root key in YAML.
type GlobalConfig struct {
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Stack   StackConfig   `mapstructure:"stack" yaml:"stack"`
}

// ─── Stack ───

// StackConfig sizes every pool of the stack core and lists the devices to open.
type StackConfig struct {
	Pktbuf     PktbufConfig      `mapstructure:"pktbuf" yaml:"pktbuf"`
	Netif      NetifConfig       `mapstructure:"netif" yaml:"netif"`
	Exmsg      ExmsgConfig       `mapstructure:"exmsg" yaml:"exmsg"`
	Stats      StatsConfig       `mapstructure:"stats" yaml:"stats"`
	Interfaces []InterfaceConfig `mapstructure:"interfaces" yaml:"interfaces"`
}

// PktbufConfig configures the packet buffer engine.
type PktbufConfig struct {
	BlockSize    int    `mapstructure:"block_size" yaml:"block_size"`
	BlockCount   int    `mapstructure:"block_count" yaml:"block_count"`
	BufferCount  int    `mapstructure:"buffer_count" yaml:"buffer_count"`
	AllocTimeout string `mapstructure:"alloc_timeout" yaml:"alloc_timeout"` // "nowait" | "forever" | duration
	Debug        bool   `mapstructure:"debug" yaml:"debug"`                 // check chain integrity after every mutation

	AllocWait time.Duration `mapstructure:"-" yaml:"-"`
}

// NetifConfig configures the interface table and per-interface queues.
type NetifConfig struct {
	MaxInterfaces int  `mapstructure:"max_interfaces" yaml:"max_interfaces"`
	InQueueSize   int  `mapstructure:"in_queue_size" yaml:"in_queue_size"`
	OutQueueSize  int  `mapstructure:"out_queue_size" yaml:"out_queue_size"`
	Loopback      bool `mapstructure:"loopback" yaml:"loopback"`
}

// ExmsgConfig configures the dispatcher message pool and queue.
type ExmsgConfig struct {
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	MsgCount  int `mapstructure:"msg_count" yaml:"msg_count"`
}

// StatsConfig configures the periodic pool statistics timer.
type StatsConfig struct {
	Interval string `mapstructure:"interval" yaml:"interval"` // "" or "0s" disables

	Period time.Duration `mapstructure:"-" yaml:"-"`
}

// InterfaceConfig describes one device opened at startup.
type InterfaceConfig struct {
	Name    string         `mapstructure:"name" yaml:"name"`
	Driver  string         `mapstructure:"driver" yaml:"driver"` // pcapfile | afpacket
	HwAddr  string         `mapstructure:"hwaddr" yaml:"hwaddr,omitempty"`
	IP      string         `mapstructure:"ip" yaml:"ip,omitempty"`
	Netmask string         `mapstructure:"netmask" yaml:"netmask,omitempty"`
	Gateway string         `mapstructure:"gateway" yaml:"gateway,omitempty"`
	MTU     int            `mapstructure:"mtu" yaml:"mtu,omitempty"`
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `netcore: ...`.
type configRoot struct {
	Netcore GlobalConfig `mapstructure:"netcore"`
}

// Load loads configuration from file.
// The YAML file uses `netcore:` as root key; env vars use the NETCORE_ prefix
// (e.g. NETCORE_STACK_PKTBUF_BLOCK_SIZE).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return load(v)
}

// Default returns the built-in configuration without reading any file.
func Default() *GlobalConfig {
	cfg, err := load(viper.New())
	if err != nil {
		// defaults are static; a failure here is a programming error
		panic(err)
	}
	return cfg
}

func load(v *viper.Viper) (*GlobalConfig, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Netcore

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// Pool sizes follow the reference stack: 128-byte blocks, 100 blocks,
// 100 buffers, 10 interfaces with 50-deep queues, 10 messages.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("netcore.log.level", "info")
	v.SetDefault("netcore.log.format", "text")
	v.SetDefault("netcore.log.outputs.file.enabled", false)
	v.SetDefault("netcore.log.outputs.file.path", "/var/log/netcore/netcore.log")
	v.SetDefault("netcore.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("netcore.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("netcore.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("netcore.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("netcore.metrics.enabled", false)
	v.SetDefault("netcore.metrics.listen", ":9091")
	v.SetDefault("netcore.metrics.path", "/metrics")

	// Stack defaults
	v.SetDefault("netcore.stack.pktbuf.block_size", 128)
	v.SetDefault("netcore.stack.pktbuf.block_count", 100)
	v.SetDefault("netcore.stack.pktbuf.buffer_count", 100)
	v.SetDefault("netcore.stack.pktbuf.alloc_timeout", "nowait")
	v.SetDefault("netcore.stack.pktbuf.debug", false)

	v.SetDefault("netcore.stack.netif.max_interfaces", 10)
	v.SetDefault("netcore.stack.netif.in_queue_size", 50)
	v.SetDefault("netcore.stack.netif.out_queue_size", 50)
	v.SetDefault("netcore.stack.netif.loopback", true)

	v.SetDefault("netcore.stack.exmsg.queue_size", 10)
	v.SetDefault("netcore.stack.exmsg.msg_count", 10)

	v.SetDefault("netcore.stack.stats.interval", "30s")
}

// ValidateAndApplyDefaults validates configuration and resolves derived fields.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	return cfg.Stack.Validate()
}

// Validate checks pool sizes and interface entries.
func (sc *StackConfig) Validate() error {
	// ── Pools ──
	pb := &sc.Pktbuf
	if pb.BlockSize < MinBlockSize {
		return fmt.Errorf("%w: pktbuf.block_size must be >= %d, got %d", core.ErrConfigInvalid, MinBlockSize, pb.BlockSize)
	}
	if pb.BlockCount <= 0 || pb.BufferCount <= 0 {
		return fmt.Errorf("%w: pktbuf.block_count and pktbuf.buffer_count must be positive", core.ErrConfigInvalid)
	}
	wait, err := ParseWait(pb.AllocTimeout)
	if err != nil {
		return fmt.Errorf("%w: pktbuf.alloc_timeout: %v", core.ErrConfigInvalid, err)
	}
	pb.AllocWait = wait

	if sc.Netif.MaxInterfaces <= 0 || sc.Netif.InQueueSize <= 0 || sc.Netif.OutQueueSize <= 0 {
		return fmt.Errorf("%w: netif sizes must be positive", core.ErrConfigInvalid)
	}
	if sc.Exmsg.QueueSize <= 0 || sc.Exmsg.MsgCount <= 0 {
		return fmt.Errorf("%w: exmsg sizes must be positive", core.ErrConfigInvalid)
	}

	if sc.Stats.Interval != "" {
		period, err := time.ParseDuration(sc.Stats.Interval)
		if err != nil || period < 0 {
			return fmt.Errorf("%w: stats.interval: %q", core.ErrConfigInvalid, sc.Stats.Interval)
		}
		sc.Stats.Period = period
	}

	// ── Interfaces ──
	slots := sc.Netif.MaxInterfaces
	if sc.Netif.Loopback {
		slots--
	}
	if len(sc.Interfaces) > slots {
		return fmt.Errorf("%w: %d interfaces configured, only %d slots available", core.ErrConfigInvalid, len(sc.Interfaces), slots)
	}

	seen := make(map[string]bool, len(sc.Interfaces))
	for i := range sc.Interfaces {
		ic := &sc.Interfaces[i]
		if ic.Name == "" {
			return fmt.Errorf("%w: interfaces[%d].name is required", core.ErrConfigInvalid, i)
		}
		if seen[ic.Name] || (sc.Netif.Loopback && ic.Name == "loop") {
			return fmt.Errorf("%w: duplicate interface name %q", core.ErrConfigInvalid, ic.Name)
		}
		seen[ic.Name] = true
		if ic.Driver == "" {
			return fmt.Errorf("%w: interfaces[%d].driver is required", core.ErrConfigInvalid, i)
		}
		if ic.HwAddr != "" {
			if _, err := net.ParseMAC(ic.HwAddr); err != nil {
				return fmt.Errorf("%w: interface %s hwaddr: %v", core.ErrConfigInvalid, ic.Name, err)
			}
		}
		for field, val := range map[string]string{"ip": ic.IP, "netmask": ic.Netmask, "gateway": ic.Gateway} {
			if val == "" {
				continue
			}
			if _, err := netip.ParseAddr(val); err != nil {
				return fmt.Errorf("%w: interface %s %s: %v", core.ErrConfigInvalid, ic.Name, field, err)
			}
		}
		if ic.MTU < 0 {
			return fmt.Errorf("%w: interface %s mtu must not be negative", core.ErrConfigInvalid, ic.Name)
		}
	}

	return nil
}

// MinBlockSize keeps an Ethernet header (14 bytes) plus slack contiguous in one block.
const MinBlockSize = 32

// ParseWait converts a configured wait budget into the duration convention
// used by pools and queues: "", "0", "nowait" → no wait; "forever" or any
// negative duration → wait forever; otherwise a positive deadline.
func ParseWait(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "nowait":
		return core.NoWait, nil
	case "forever", "-1":
		return core.Forever, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return core.Forever, nil
	}
	return d, nil
}

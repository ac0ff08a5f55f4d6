package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/netcore/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
netcore:
  log:
    level: "debug"
    format: "json"
  metrics:
    enabled: true
    listen: "127.0.0.1:9191"
  stack:
    pktbuf:
      block_size: 256
      block_count: 400
      alloc_timeout: "50ms"
    netif:
      in_queue_size: 20
    stats:
      interval: "0s"
    interfaces:
      - name: "replay0"
        driver: "pcapfile"
        hwaddr: "00:11:22:33:44:55"
        ip: "192.168.74.2"
        netmask: "255.255.255.0"
        gateway: "192.168.74.1"
        options:
          read: "/tmp/in.pcap"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Expected log format json, got %s", cfg.Log.Format)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != "127.0.0.1:9191" {
		t.Errorf("Unexpected metrics config: %+v", cfg.Metrics)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Expected default metrics path, got %s", cfg.Metrics.Path)
	}

	pb := cfg.Stack.Pktbuf
	if pb.BlockSize != 256 || pb.BlockCount != 400 {
		t.Errorf("Unexpected pktbuf sizes: %+v", pb)
	}
	if pb.BufferCount != 100 {
		t.Errorf("Expected default buffer_count 100, got %d", pb.BufferCount)
	}
	if pb.AllocWait != 50*time.Millisecond {
		t.Errorf("Expected alloc wait 50ms, got %v", pb.AllocWait)
	}
	if cfg.Stack.Netif.InQueueSize != 20 || cfg.Stack.Netif.OutQueueSize != 50 {
		t.Errorf("Unexpected netif queue sizes: %+v", cfg.Stack.Netif)
	}
	if cfg.Stack.Stats.Period != 0 {
		t.Errorf("Expected stats disabled, got %v", cfg.Stack.Stats.Period)
	}

	if len(cfg.Stack.Interfaces) != 1 {
		t.Fatalf("Expected 1 interface, got %d", len(cfg.Stack.Interfaces))
	}
	ic := cfg.Stack.Interfaces[0]
	if ic.Name != "replay0" || ic.Driver != "pcapfile" || ic.Gateway != "192.168.74.1" {
		t.Errorf("Unexpected interface: %+v", ic)
	}
	if ic.Options["read"] != "/tmp/in.pcap" {
		t.Errorf("Expected driver option read, got %v", ic.Options)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Unexpected log defaults: %+v", cfg.Log)
	}
	sc := cfg.Stack
	if sc.Pktbuf.BlockSize != 128 || sc.Pktbuf.BlockCount != 100 || sc.Pktbuf.BufferCount != 100 {
		t.Errorf("Unexpected pktbuf defaults: %+v", sc.Pktbuf)
	}
	if sc.Pktbuf.AllocWait != core.NoWait {
		t.Errorf("Expected no-wait allocation by default, got %v", sc.Pktbuf.AllocWait)
	}
	if sc.Netif.MaxInterfaces != 10 || sc.Netif.InQueueSize != 50 || sc.Netif.OutQueueSize != 50 || !sc.Netif.Loopback {
		t.Errorf("Unexpected netif defaults: %+v", sc.Netif)
	}
	if sc.Exmsg.QueueSize != 10 || sc.Exmsg.MsgCount != 10 {
		t.Errorf("Unexpected exmsg defaults: %+v", sc.Exmsg)
	}
	if sc.Stats.Period != 30*time.Second {
		t.Errorf("Expected 30s stats interval, got %v", sc.Stats.Period)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NETCORE_STACK_PKTBUF_BLOCK_COUNT", "321")

	cfg, err := Load(writeConfig(t, "netcore:\n  log:\n    level: info\n"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Stack.Pktbuf.BlockCount != 321 {
		t.Errorf("Expected env override 321, got %d", cfg.Stack.Pktbuf.BlockCount)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "netcore:\n  log:\n    level: invalid\n"},
		{"log format", "netcore:\n  log:\n    format: xml\n"},
		{"block size", "netcore:\n  stack:\n    pktbuf:\n      block_size: 8\n"},
		{"alloc timeout", "netcore:\n  stack:\n    pktbuf:\n      alloc_timeout: soon\n"},
		{"queue size", "netcore:\n  stack:\n    netif:\n      in_queue_size: 0\n"},
		{"stats interval", "netcore:\n  stack:\n    stats:\n      interval: -1s\n"},
		{"missing driver", "netcore:\n  stack:\n    interfaces:\n      - name: eth0\n"},
		{"bad hwaddr", "netcore:\n  stack:\n    interfaces:\n      - name: eth0\n        driver: pcapfile\n        hwaddr: zz\n"},
		{"bad ip", "netcore:\n  stack:\n    interfaces:\n      - name: eth0\n        driver: pcapfile\n        ip: 300.1.1.1\n"},
		{"duplicate", "netcore:\n  stack:\n    interfaces:\n      - {name: eth0, driver: pcapfile}\n      - {name: eth0, driver: pcapfile}\n"},
		{"loop name taken", "netcore:\n  stack:\n    interfaces:\n      - {name: loop, driver: pcapfile}\n"},
		{"too many", "netcore:\n  stack:\n    netif:\n      max_interfaces: 2\n    interfaces:\n      - {name: a, driver: pcapfile}\n      - {name: b, driver: pcapfile}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !errors.Is(err, core.ErrConfigInvalid) {
				t.Errorf("Expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestParseWait(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", core.NoWait},
		{"0", core.NoWait},
		{"nowait", core.NoWait},
		{"forever", core.Forever},
		{"-1", core.Forever},
		{"-5s", core.Forever},
		{"250ms", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := ParseWait(tt.in)
		if err != nil {
			t.Errorf("ParseWait(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseWait(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseWait("later"); err == nil {
		t.Error("Expected error for unparsable wait")
	}
}

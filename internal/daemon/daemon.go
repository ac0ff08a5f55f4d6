// Package daemon implements the netcore process lifecycle: logging,
// metrics endpoint, PID file and the stack itself.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/netcore/internal/config"
	"firestige.xyz/netcore/internal/core"
	logpkg "firestige.xyz/netcore/internal/log"
	"firestige.xyz/netcore/internal/metrics"
	"firestige.xyz/netcore/internal/stack"
)

// Daemon manages the netcore process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	pidFile    string

	// Core components
	stack         *stack.Stack
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New loads the configuration. An empty configPath uses built-in defaults.
func New(configPath, pidFile string) (*Daemon, error) {
	var (
		globalConfig *config.GlobalConfig
		err          error
	)
	if configPath == "" {
		globalConfig = config.Default()
	} else if globalConfig, err = config.Load(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes logging, the metrics server and the stack.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := logpkg.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting netcore",
		"config", d.configPath,
		"interfaces", len(d.config.Stack.Interfaces),
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Build and start the stack
	st, err := stack.New(d.config.Stack)
	if err != nil {
		return fmt.Errorf("failed to create stack: %w", err)
	}
	if err := st.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start stack: %w", err)
	}
	d.stack = st

	slog.Info("netcore started")
	return nil
}

// Stop performs graceful shutdown. Only the first call has any effect.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Bring interfaces down and end the stack goroutine
	if d.stack != nil {
		d.stack.Stop()
	}

	// 2. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 3. Cancel context to signal all goroutines
	d.cancel()

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 4. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("netcore stopped")
	if err := logpkg.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
	}
}

// Run blocks until SIGTERM/SIGINT, TriggerShutdown or the stack goroutine
// exiting. SIGHUP reloads the configuration.
func (d *Daemon) Run() error {
	if d.stack == nil {
		return fmt.Errorf("%w: daemon not started", core.ErrState)
	}

	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("netcore running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered")
			d.Stop()
			return nil

		case <-d.stack.Done():
			slog.Error("stack goroutine exited unexpectedly")
			d.Stop()
			return fmt.Errorf("%w: stack stopped", core.ErrState)
		}
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log level/format/outputs.
// Cold (requires restart): pool sizes, interfaces, metrics listen address.
func (d *Daemon) Reload() error {
	if d.configPath == "" {
		return nil
	}
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	if err := logpkg.Init(newConfig.Log); err != nil {
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}

	requiresRestart := []string{}
	if newConfig.Metrics != d.config.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.Stack.Pktbuf != d.config.Stack.Pktbuf ||
		newConfig.Stack.Netif != d.config.Stack.Netif ||
		newConfig.Stack.Exmsg != d.config.Stack.Exmsg {
		requiresRestart = append(requiresRestart, "stack pools")
	}
	if len(newConfig.Stack.Interfaces) != len(d.config.Stack.Interfaces) {
		requiresRestart = append(requiresRestart, "stack.interfaces")
	}

	// only the hot part takes effect
	d.config.Log = newConfig.Log

	slog.Info("configuration reloaded",
		"hot_reloaded", []string{"log"},
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown makes Run stop the daemon and return.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// Stack returns the running stack, nil before Start.
func (d *Daemon) Stack() *stack.Stack { return d.stack }

// MetricsAddr returns the bound metrics address, "" when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metricsServer == nil {
		return ""
	}
	return d.metricsServer.Addr()
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}

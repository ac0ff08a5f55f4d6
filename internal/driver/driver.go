// Package driver is the registry of device drivers that can back a
// configured interface. Drivers register a Factory from init.
package driver

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/netif"
	"firestige.xyz/netcore/internal/pktbuf"
)

// Deps are the stack resources a driver may use.
type Deps struct {
	Engine *pktbuf.Engine
	Logger *slog.Logger
}

// Factory builds the Ops for one interface from its driver options.
type Factory func(deps Deps, options map[string]any) (netif.Ops, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register makes a driver available by name. It panics on a duplicate
// name or nil factory.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("driver: nil factory for " + name)
	}
	if _, dup := registry[name]; dup {
		panic("driver: Register called twice for " + name)
	}
	registry[name] = f
}

// New builds the named driver.
func New(name string, deps Deps, options map[string]any) (netif.Ops, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown driver %q", core.ErrParam, name)
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("%w: driver %s needs a packet engine", core.ErrParam, name)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("driver", name)
	return f(deps, options)
}

// Names lists registered drivers in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Decode fills out from a driver options map. Unknown keys are an error
// and duration strings such as "10ms" are accepted.
func Decode(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("%w: driver options: %v", core.ErrConfigInvalid, err)
	}
	return nil
}

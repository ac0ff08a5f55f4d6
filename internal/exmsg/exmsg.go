// Package exmsg runs the stack goroutine. It waits on a bounded message
// queue for at most the time to the next timer expiry, handles the
// message, then advances the timer list by the wall time that passed.
package exmsg

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/fixq"
	"firestige.xyz/netcore/internal/mblock"
	"firestige.xyz/netcore/internal/metrics"
	"firestige.xyz/netcore/internal/netif"
	"firestige.xyz/netcore/internal/timer"
)

// Kind tags a message.
type Kind int

const (
	// KindNetifIn means an interface has frames on its ingress queue.
	KindNetifIn Kind = iota
	// KindFunc runs a function on the stack goroutine.
	KindFunc
)

func (k Kind) String() string {
	switch k {
	case KindNetifIn:
		return "netif_in"
	case KindFunc:
		return "func"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type message struct {
	kind Kind
	nif  *netif.Netif
	fn   func() error
	done chan error
}

// Config sizes the message pool and queue.
type Config struct {
	QueueSize int
	MsgCount  int
}

// DefaultConfig returns the compiled-in sizes.
func DefaultConfig() Config {
	return Config{QueueSize: 10, MsgCount: 10}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now for measuring elapsed time between wake-ups.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher owns the stack goroutine.
type Dispatcher struct {
	timers *timer.List
	pool   *mblock.Pool[message]
	queue  *fixq.Queue[*message]
	now    func() time.Time
	log    *slog.Logger

	started atomic.Bool
	done    chan struct{}
}

// New builds a dispatcher driving timers. Call Start to run it.
func New(cfg Config, timers *timer.List, opts ...Option) (*Dispatcher, error) {
	if timers == nil {
		return nil, fmt.Errorf("%w: dispatcher needs a timer list", core.ErrParam)
	}
	pool, err := mblock.New[message]("exmsg", cfg.MsgCount, mblock.LockThread, nil)
	if err != nil {
		return nil, fmt.Errorf("message pool: %w", err)
	}
	queue, err := fixq.New[*message]("exmsg", cfg.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("message queue: %w", err)
	}

	d := &Dispatcher{
		timers: timers,
		pool:   pool,
		queue:  queue,
		now:    time.Now,
		log:    slog.Default().With("component", "exmsg"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// NotifyInput posts an ingress wake-up for nif. It never waits, so it is
// safe to call from the stack goroutine itself.
func (d *Dispatcher) NotifyInput(nif *netif.Netif) error {
	msg, err := d.pool.Alloc(core.NoWait)
	if err != nil {
		d.log.Warn("no free message", "interface", nif.Name())
		return err
	}
	msg.kind = KindNetifIn
	msg.nif = nif

	if err := d.queue.Send(msg, core.NoWait); err != nil {
		d.release(msg)
		d.log.Warn("message queue full", "interface", nif.Name())
		return err
	}
	return nil
}

// Exec runs fn on the stack goroutine and returns its error. It must not
// be called from the stack goroutine.
func (d *Dispatcher) Exec(fn func() error) error {
	return d.ExecContext(context.Background(), fn)
}

// ExecContext is Exec bounded by ctx. Waiting for a free message or
// queue slot also ends with ctx or the dispatcher. If ctx ends after fn
// was queued, fn still runs but its result is dropped.
func (d *Dispatcher) ExecContext(ctx context.Context, fn func() error) error {
	if fn == nil {
		return fmt.Errorf("%w: nil func", core.ErrParam)
	}
	select {
	case <-d.done:
		return fmt.Errorf("%w: dispatcher stopped", core.ErrState)
	default:
	}

	result, err := d.post(ctx, fn)
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-d.done:
		return fmt.Errorf("%w: dispatcher stopped", core.ErrState)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn and returns the channel its result arrives on.
func (d *Dispatcher) post(ctx context.Context, fn func() error) (<-chan error, error) {
	wait, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.done:
			cancel()
		case <-wait.Done():
		}
	}()

	stopped := func(err error) error {
		select {
		case <-d.done:
			return fmt.Errorf("%w: dispatcher stopped", core.ErrState)
		default:
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	msg, err := d.pool.AllocContext(wait, core.Forever)
	if err != nil {
		return nil, stopped(err)
	}
	done := make(chan error, 1)
	msg.kind = KindFunc
	msg.fn = fn
	msg.done = done

	if err := d.queue.SendContext(wait, msg, core.Forever); err != nil {
		d.release(msg)
		return nil, stopped(err)
	}
	return done, nil
}

// AddTimer arms a timer from any goroutine other than the stack goroutine.
func (d *Dispatcher) AddTimer(name string, fn timer.Func, arg any, period time.Duration, reload bool) (*timer.Timer, error) {
	var t *timer.Timer
	err := d.Exec(func() error {
		var err error
		t, err = d.timers.Add(name, fn, arg, period, reload)
		return err
	})
	return t, err
}

// RemoveTimer disarms a timer from any goroutine other than the stack goroutine.
func (d *Dispatcher) RemoveTimer(t *timer.Timer) error {
	return d.Exec(func() error {
		d.timers.Remove(t)
		return nil
	})
}

// Start spawns the stack goroutine. It runs until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: dispatcher already started", core.ErrState)
	}
	go d.run(ctx)
	return nil
}

// Done is closed when the stack goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Timers returns the timer list driven by this dispatcher.
func (d *Dispatcher) Timers() *timer.List { return d.timers }

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	d.log.Info("exmsg is running")

	last := d.now()
	for {
		wait := core.Forever
		if d.timers.Len() > 0 {
			wait = d.timers.FirstTimeout()
		}

		msg, err := d.queue.RecvContext(ctx, wait)
		if err == nil {
			d.handle(msg)
			d.release(msg)
		} else if ctx.Err() != nil {
			d.log.Info("exmsg stopped")
			return
		}

		now := d.now()
		d.timers.CheckTimeout(now.Sub(last))
		last = now
	}
}

func (d *Dispatcher) handle(msg *message) {
	metrics.DispatcherMessagesTotal.WithLabelValues(msg.kind.String()).Inc()

	switch msg.kind {
	case KindNetifIn:
		d.netifIn(msg.nif)
	case KindFunc:
		msg.done <- msg.fn()
	default:
		d.log.Warn("unknown message", "kind", msg.kind)
	}
}

// netifIn drains the whole ingress queue of nif into its link layer.
func (d *Dispatcher) netifIn(nif *netif.Netif) {
	nif.AckInput()
	for {
		buf, err := nif.GetIn(core.NoWait)
		if err != nil {
			return
		}
		d.log.Debug("netif in", "interface", nif.Name(), "size", buf.TotalSize())

		link := nif.Link()
		if link == nil {
			buf.Free()
			continue
		}
		if err := link.In(nif, buf); err != nil {
			d.log.Warn("link layer in failed", "interface", nif.Name(), "error", err)
			buf.Free()
		}
	}
}

func (d *Dispatcher) release(msg *message) {
	*msg = message{}
	d.pool.Free(msg)
}

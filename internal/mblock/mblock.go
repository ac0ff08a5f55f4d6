// Package mblock implements fixed-count pools of preallocated items.
//
// A pool never grows. Items are handed out as pointers into one backing
// slice; returning an item the pool does not own, or returning an item
// twice, panics.
package mblock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/metrics"
)

// LockMode selects the pool's concurrency discipline.
type LockMode int

const (
	// LockNone is for pools touched by a single goroutine. Exhaustion fails immediately.
	LockNone LockMode = iota
	// LockThread guards the free list and lets callers wait for a free item.
	LockThread
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockThread:
		return "thread"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// Pool is a fixed-count slab of T.
type Pool[T any] struct {
	name  string
	mode  LockMode
	items []T
	index map[*T]int
	inUse []bool
	free  []*T

	mu  sync.Mutex
	sem *semaphore.Weighted

	freeGauge prometheus.Gauge
	failures  prometheus.Counter
}

// New preallocates count items. init, when non-nil, runs once per item.
func New[T any](name string, count int, mode LockMode, init func(*T)) (*Pool[T], error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: pool %s count %d", core.ErrParam, name, count)
	}
	if mode != LockNone && mode != LockThread {
		return nil, fmt.Errorf("%w: pool %s lock mode %d", core.ErrParam, name, int(mode))
	}

	p := &Pool[T]{
		name:      name,
		mode:      mode,
		items:     make([]T, count),
		index:     make(map[*T]int, count),
		inUse:     make([]bool, count),
		free:      make([]*T, 0, count),
		freeGauge: metrics.PoolFree.WithLabelValues(name),
		failures:  metrics.PoolAllocFailuresTotal.WithLabelValues(name),
	}
	if mode == LockThread {
		p.sem = semaphore.NewWeighted(int64(count))
	}

	// free list is a stack; push in reverse so the first Alloc returns items[0]
	for i := count - 1; i >= 0; i-- {
		item := &p.items[i]
		if init != nil {
			init(item)
		}
		p.index[item] = i
		p.free = append(p.free, item)
	}
	p.freeGauge.Set(float64(count))

	return p, nil
}

// Alloc takes one item. timeout follows core.NoWait / core.Forever;
// a LockNone pool never waits. Exhaustion or an elapsed wait returns
// core.ErrOutOfMemory.
func (p *Pool[T]) Alloc(timeout time.Duration) (*T, error) {
	return p.AllocContext(context.Background(), timeout)
}

// AllocContext is Alloc that also gives up when ctx ends, returning
// ctx.Err().
func (p *Pool[T]) AllocContext(ctx context.Context, timeout time.Duration) (*T, error) {
	if p.mode == LockNone {
		if len(p.free) == 0 {
			return nil, p.fail()
		}
		return p.pop(), nil
	}

	if err := p.acquire(ctx, timeout); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, p.fail()
	}
	p.mu.Lock()
	item := p.pop()
	p.mu.Unlock()
	return item, nil
}

func (p *Pool[T]) acquire(ctx context.Context, timeout time.Duration) error {
	switch {
	case !core.Blocks(timeout):
		if !p.sem.TryAcquire(1) {
			return core.ErrOutOfMemory
		}
		return nil
	case timeout < 0:
		return p.sem.Acquire(ctx, 1)
	default:
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return p.sem.Acquire(ctx, 1)
	}
}

func (p *Pool[T]) fail() error {
	p.failures.Inc()
	slog.Debug("pool exhausted", "pool", p.name)
	return fmt.Errorf("%w: pool %s exhausted", core.ErrOutOfMemory, p.name)
}

// pop must be called with a free item available (and mu held for LockThread).
func (p *Pool[T]) pop() *T {
	n := len(p.free) - 1
	item := p.free[n]
	p.free[n] = nil
	p.free = p.free[:n]
	p.inUse[p.index[item]] = true
	p.freeGauge.Set(float64(len(p.free)))
	return item
}

// Free returns an item to the pool and wakes one waiter.
func (p *Pool[T]) Free(item *T) {
	if p.mode == LockThread {
		p.mu.Lock()
	}
	i, ok := p.index[item]
	if !ok || !p.inUse[i] || len(p.free) == cap(p.free) {
		if p.mode == LockThread {
			p.mu.Unlock()
		}
		slog.Error("pool free of unowned item", "pool", p.name, "owned", ok)
		panic(fmt.Sprintf("mblock: pool %s: free of item not allocated from it", p.name))
	}
	p.inUse[i] = false
	p.free = append(p.free, item)
	p.freeGauge.Set(float64(len(p.free)))
	if p.mode == LockThread {
		p.mu.Unlock()
		p.sem.Release(1)
	}
}

// FreeCount reports the number of items currently available.
func (p *Pool[T]) FreeCount() int {
	if p.mode == LockThread {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	return len(p.free)
}

// Capacity is the fixed item count.
func (p *Pool[T]) Capacity() int { return len(p.items) }

// Name returns the pool name.
func (p *Pool[T]) Name() string { return p.name }

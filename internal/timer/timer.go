// Package timer implements software timers on a delta-encoded list.
//
// Each listed timer stores its remaining time relative to the timer
// before it, so the head delta is the wait until the next expiry and
// advancing time only touches expired timers and one survivor.
//
// A List is not safe for concurrent use; it belongs to the stack goroutine.
package timer

import (
	"container/list"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/metrics"
)

// Func is a timer callback.
type Func func(t *Timer, arg any)

// Timer is a handle returned by List.Add.
type Timer struct {
	name   string
	fn     Func
	arg    any
	period time.Duration
	reload bool

	delta     time.Duration
	elem      *list.Element
	cancelled bool
}

// Name returns the name given to Add.
func (t *Timer) Name() string { return t.name }

// Period is the initial and reload interval.
func (t *Timer) Period() time.Duration { return t.period }

// Reload reports whether the timer re-arms after firing.
func (t *Timer) Reload() bool { return t.reload }

func (t *Timer) listed() bool { return t.elem != nil }

// List is a delta-encoded ordered timer list.
type List struct {
	l   *list.List
	log *slog.Logger
}

// New creates an empty list.
func New() *List {
	return &List{
		l:   list.New(),
		log: slog.Default().With("component", "timer"),
	}
}

// Add arms a timer that fires after period, and again every period when
// reload is set.
func (tl *List) Add(name string, fn Func, arg any, period time.Duration, reload bool) (*Timer, error) {
	if fn == nil || period < 0 || (reload && period == 0) {
		return nil, fmt.Errorf("%w: timer %s period %v reload %v", core.ErrParam, name, period, reload)
	}
	t := &Timer{
		name:   name,
		fn:     fn,
		arg:    arg,
		period: period,
		reload: reload,
		delta:  period,
	}
	tl.insert(t)
	tl.log.Debug("timer added", "name", name, "period", period, "reload", reload)
	return t, nil
}

// insert places t by its delta. Timers that expire together keep
// insertion order, with delta 0 behind the first of them.
func (tl *List) insert(t *Timer) {
	for e := tl.l.Front(); e != nil; e = e.Next() {
		curr := e.Value.(*Timer)
		switch {
		case t.delta > curr.delta:
			t.delta -= curr.delta
		case t.delta == curr.delta:
			t.delta = 0
			for e.Next() != nil && e.Next().Value.(*Timer).delta == 0 {
				e = e.Next()
			}
			t.elem = tl.l.InsertAfter(t, e)
			tl.armed()
			return
		default:
			curr.delta -= t.delta
			t.elem = tl.l.InsertBefore(t, e)
			tl.armed()
			return
		}
	}
	t.elem = tl.l.PushBack(t)
	tl.armed()
}

func (tl *List) armed() {
	metrics.TimersArmed.Set(float64(tl.l.Len()))
}

// Remove disarms t. Its remaining delta moves to the next timer so every
// other timer keeps its expiry. Removing a timer that already fired, or
// that is firing right now, only stops it from reloading.
func (tl *List) Remove(t *Timer) {
	t.cancelled = true
	if !t.listed() {
		return
	}
	if next := t.elem.Next(); next != nil {
		next.Value.(*Timer).delta += t.delta
	}
	tl.l.Remove(t.elem)
	t.elem = nil
	tl.armed()
	tl.log.Debug("timer removed", "name", t.name)
}

// CheckTimeout advances the list by elapsed and runs every expired
// callback in expiry order. Reloading timers are re-armed with their
// period after their callback returns.
func (tl *List) CheckTimeout(elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}

	var fired []*Timer
	for e := tl.l.Front(); e != nil; {
		t := e.Value.(*Timer)
		if t.delta > elapsed {
			t.delta -= elapsed
			break
		}
		elapsed -= t.delta
		t.delta = 0

		next := e.Next()
		tl.l.Remove(e)
		t.elem = nil
		fired = append(fired, t)
		e = next
	}
	if len(fired) == 0 {
		return
	}

	for _, t := range fired {
		metrics.TimerFiredTotal.Inc()
		t.fn(t, t.arg)
		if t.reload && !t.cancelled {
			t.delta = t.period
			tl.insert(t)
		}
	}
	tl.armed()
}

// FirstTimeout is the time until the head timer expires, 0 when empty.
func (tl *List) FirstTimeout() time.Duration {
	if front := tl.l.Front(); front != nil {
		return front.Value.(*Timer).delta
	}
	return 0
}

// Len is the number of armed timers.
func (tl *List) Len() int { return tl.l.Len() }

// Remaining is t's absolute time to expiry, 0 when it is not armed.
func (tl *List) Remaining(t *Timer) time.Duration {
	var sum time.Duration
	for e := tl.l.Front(); e != nil; e = e.Next() {
		curr := e.Value.(*Timer)
		sum += curr.delta
		if curr == t {
			return sum
		}
	}
	return 0
}

// Dump logs the list at debug level.
func (tl *List) Dump() {
	tl.log.Debug("timer list", "count", tl.l.Len())
	i := 0
	for e := tl.l.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Timer)
		tl.log.Debug("timer", "index", i, "name", t.name, "delta", t.delta, "period", t.period, "reload", t.reload)
		i++
	}
}

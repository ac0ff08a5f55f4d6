package pcapfile

import (
	"context"

	"golang.org/x/time/rate"
)

// throttle paces replay to pps packets per second with a burst of one.
// A nil throttle never waits.
type throttle struct {
	lim *rate.Limiter
}

func newThrottle(pps int) *throttle {
	if pps <= 0 {
		return nil
	}
	return &throttle{lim: rate.NewLimiter(rate.Limit(pps), 1)}
}

// wait blocks until one more packet is allowed or ctx ends.
func (t *throttle) wait(ctx context.Context) error {
	if t == nil {
		return ctx.Err()
	}
	return t.lim.Wait(ctx)
}

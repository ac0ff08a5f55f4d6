// Package core defines types with zero external dependencies.
package core

import "time"

// Wait budgets understood by every blocking primitive (pools, queues,
// interface queues). Any positive duration is a deadline relative to the
// call.
const (
	NoWait  time.Duration = 0
	Forever time.Duration = -1
)

// Blocks reports whether d allows the caller to sleep at all.
func Blocks(d time.Duration) bool {
	return d != NoWait
}

// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by every layer of the stack. Callers match them
// with errors.Is; producers wrap them with fmt.Errorf("...: %w", err).
var (
	// Resource errors
	ErrOutOfMemory = errors.New("netcore: out of memory")
	ErrFull        = errors.New("netcore: queue full")
	ErrTimeout     = errors.New("netcore: timeout")

	// Argument and state errors
	ErrSize   = errors.New("netcore: size error")
	ErrParam  = errors.New("netcore: invalid parameter")
	ErrState  = errors.New("netcore: invalid state")
	ErrExists = errors.New("netcore: already exists")

	// Platform errors
	ErrIO  = errors.New("netcore: io error")
	ErrSys = errors.New("netcore: system error")

	// Configuration errors
	ErrConfigInvalid = errors.New("netcore: invalid configuration")
)

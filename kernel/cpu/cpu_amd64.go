// Package cpu exposes the handful of privileged instructions the memory
// manager needs while it bootstraps.
package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

//go:build tinygo

package core

import "runtime/interrupt"

// disableInterrupts disables interrupts and returns the previous state
func disableInterrupts() interrupt.State {
	return interrupt.Disable()
}

// restoreInterrupts restores the interrupt state
func restoreInterrupts(state interrupt.State) {
	interrupt.Restore(state)
}

// irqPoll yields to pending interrupts during a busy-wait. Hardware
// interrupts preempt task code on their own, so there is nothing to do
// beyond not blocking them.
func irqPoll() {
}

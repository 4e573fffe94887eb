//go:build !tinygo

package core

// Host builds have no free-running hardware counter; every read advances
// the simulated clock by one tick so that busy-wait loops terminate and
// elapsed-time measurements stay deterministic in tests.
func getSystemTicks() uint32 {
	systemTicks++
	return systemTicks
}

// setSystemTicks sets the simulated clock
func setSystemTicks(ticks uint32) {
	systemTicks = ticks
}

package core

// Timer tick frequency assumed by all tick conversions
const (
	TimerFreq = 12000000 // 12MHz default timer frequency
)

var (
	systemTicks uint32
	bootTime    uint64 // time at boot for uptime calculation
)

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return getSystemTicks()
}

// SetTime sets the current system time (for testing/hardware integration)
func SetTime(ticks uint32) {
	setSystemTicks(ticks)
}

// GetUptime returns 64-bit uptime in timer ticks
func GetUptime() uint64 {
	return uint64(GetTime())
}

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return (us * TimerFreq) / 1000000
}

// TimerToUS converts timer ticks to microseconds
func TimerToUS(ticks uint32) uint32 {
	return (ticks * 1000000) / TimerFreq
}

// NsecsToTicks converts nanoseconds to timer ticks. Used for the
// sub-microsecond pulse widths of bit-banged sensor protocols. The
// intermediate product needs 64 bits.
func NsecsToTicks(ns uint32) uint32 {
	return uint32(uint64(ns) * TimerFreq / 1000000000)
}

// CheckElapsed reports whether at least ticks have passed between t1
// and t2. Unsigned subtraction keeps this correct across counter
// wraparound.
func CheckElapsed(t1, t2, ticks uint32) bool {
	return t2-t1 >= ticks
}

// DelayNoIRQ busy-waits until ticks have elapsed since start. Only for
// use inside interrupt-disabled sections; the wait is bounded by the
// caller's pulse width.
func DelayNoIRQ(start, ticks uint32) {
	for !CheckElapsed(start, GetTime(), ticks) {
	}
}

// Delay busy-waits until ticks have elapsed since start while leaving
// interrupts free to fire.
func Delay(start, ticks uint32) {
	for !CheckElapsed(start, GetTime(), ticks) {
		irqPoll()
	}
}

// TimerInit initializes the system timer
func TimerInit() {
	bootTime = uint64(GetTime())
}

// ProcessTimers runs all timers that are due
func ProcessTimers() {
	currentTime = GetTime()
	TimerDispatch()
}

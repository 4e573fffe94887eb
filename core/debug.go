package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

var (
	// debugPrintln is the global debug print function, set by platform code
	debugPrintln DebugWriter = func(s string) {}

	// debugEnabled controls whether debug output is active. Disabled by
	// default because printing from the capture path perturbs timing.
	debugEnabled bool = false
)

// SetDebugWriter redirects debug output to the platform's UART/USB/console
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// DebugPrintln writes a debug message using the platform writer
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

package core

import (
	"sync/atomic"

	"loadcell/protocol"
)

// FirmwareState holds the global firmware state
type FirmwareState struct {
	isShutdown uint32 // atomic bool
}

var globalState = &FirmwareState{}

// shutdownReason records the first fatal reason for diagnostics
var shutdownReason atomic.Value // string

// InitCoreCommands registers the base protocol commands
func InitCoreCommands() {
	RegisterCommand("get_uptime", "", handleGetUptime)
	RegisterCommand("get_clock", "", handleGetClock)
	RegisterCommand("emergency_stop", "", handleEmergencyStop)

	// Response messages (MCU -> host)
	RegisterResponse("clock", "clock=%u")
	RegisterResponse("uptime", "high=%u clock=%u")
	RegisterResponse("shutdown", "clock=%u reason=%*s")
}

// handleGetUptime returns the system uptime
func handleGetUptime(data *[]byte) error {
	uptime := GetUptime()
	high := uint32(uptime >> 32)
	low := uint32(uptime & 0xFFFFFFFF)

	SendResponse("uptime", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, high)
		protocol.EncodeVLQUint(output, low)
	})

	return nil
}

// handleGetClock returns the current clock value
func handleGetClock(data *[]byte) error {
	clock := GetTime()

	SendResponse("clock", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, clock)
	})

	return nil
}

// handleEmergencyStop triggers an immediate firmware shutdown
func handleEmergencyStop(data *[]byte) error {
	TryShutdown("emergency stop")
	return nil
}

// TryShutdown halts all firmware activity with a reason message. This
// is the process-wide fatal path: every timing, protocol or range fault
// in the sensor engines lands here, because a real-time force reading
// that cannot be trusted is more dangerous than a full stop. Only the
// first reason is kept.
func TryShutdown(reason string) {
	if !atomic.CompareAndSwapUint32(&globalState.isShutdown, 0, 1) {
		return
	}
	shutdownReason.Store(reason)

	// Stop all sampling and safe the buses
	StopAllHX71x()
	StopAllADS1220()
	ShutdownSPI()

	clock := GetTime()
	DebugPrintln("shutdown: " + reason + " clock=" + utoa(clock))
	SendResponse("shutdown", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, clock)
		protocol.EncodeVLQString(output, reason)
	})
}

// IsShutdown returns true if the firmware is in shutdown state
func IsShutdown() bool {
	return atomic.LoadUint32(&globalState.isShutdown) != 0
}

// ShutdownReason returns the reason of the first fatal shutdown, or ""
func ShutdownReason() string {
	if s, ok := shutdownReason.Load().(string); ok {
		return s
	}
	return ""
}

// ResetFirmwareState clears the shutdown state. Used on host-initiated
// restart and by tests.
func ResetFirmwareState() {
	atomic.StoreUint32(&globalState.isShutdown, 0)
	shutdownReason.Store("")
}

// SendResponse sends a response message using the global transport
func SendResponse(responseName string, args func(output protocol.OutputBuffer)) {
	if globalTransport != nil {
		cmd, ok := globalRegistry.GetCommandByName(responseName)
		if !ok {
			// All responses are pre-registered; a miss is a firmware bug
			panic("Response not registered: " + responseName)
		}

		globalTransport.SendCommand(cmd.ID, args)
	}
}

// Global transport for sending responses (set by target main)
var globalTransport *protocol.Transport

// SetGlobalTransport sets the global transport for sending responses
func SetGlobalTransport(transport *protocol.Transport) {
	globalTransport = transport
}

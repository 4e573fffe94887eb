// Load cell endstop.
// Consumes ADC samples synchronously on the capture path and triggers a
// homing stop when enough consecutive readings fall outside the
// configured force window.
package core

import (
	"loadcell/protocol"
)

// LoadCellEndstop flags
const (
	LCE_HOMING    = 1 << 0 // Homing move in progress
	LCE_TRIGGERED = 1 << 1 // Trigger condition reached
)

// LoadCellEndstop watches the sample stream for a force threshold
type LoadCellEndstop struct {
	OID   uint8
	Flags uint8

	// Trigger window, set by set_range_load_cell_endstop
	TriggerMin  int32
	TriggerMax  int32
	SampleCount uint8 // Consecutive out-of-range samples needed

	// Homing session state
	Sync          *TriggerSync
	TriggerReason uint8
	HomingClock   uint32 // Samples before this clock are ignored
	RestTicks     uint32 // Expected sample interval during homing
	TriggerCount  uint8  // Remaining violations before trigger
	TriggerTicks  uint32 // Clock of the triggering sample

	LastSample      int32
	LastSampleTicks uint32
}

// Global registry of load cell endstops
var loadCellEndstops = make(map[uint8]*LoadCellEndstop)

// InitLoadCellEndstopCommands registers endstop-related commands
func InitLoadCellEndstopCommands() {
	RegisterCommand("config_load_cell_endstop", "oid=%c", handleConfigLoadCellEndstop)
	RegisterCommand("set_range_load_cell_endstop", "oid=%c trigger_min=%i trigger_max=%i sample_count=%c", handleSetRangeLoadCellEndstop)
	RegisterCommand("load_cell_endstop_home", "oid=%c trsync_oid=%c trigger_reason=%c clock=%u rest_ticks=%u", handleLoadCellEndstopHome)
	RegisterCommand("query_load_cell_endstop", "oid=%c", handleQueryLoadCellEndstop)

	RegisterResponse("load_cell_endstop_state", "oid=%c homing=%c homing_triggered=%c trigger_ticks=%u sample=%i sample_ticks=%u")
}

// handleConfigLoadCellEndstop creates an endstop instance
// Format: config_load_cell_endstop oid=%c
func handleConfigLoadCellEndstop(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	loadCellEndstops[uint8(oid)] = &LoadCellEndstop{OID: uint8(oid)}
	return nil
}

// handleSetRangeLoadCellEndstop sets the trigger window
// Format: set_range_load_cell_endstop oid=%c trigger_min=%i trigger_max=%i sample_count=%c
func handleSetRangeLoadCellEndstop(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	triggerMin, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	triggerMax, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	sampleCount, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	e, exists := loadCellEndstops[uint8(oid)]
	if !exists {
		TryShutdown("set_range on unconfigured load_cell_endstop")
		return nil
	}
	if triggerMin > triggerMax || sampleCount == 0 {
		TryShutdown("Invalid load_cell_endstop trigger range")
		return nil
	}

	state := disableInterrupts()
	e.TriggerMin = triggerMin
	e.TriggerMax = triggerMax
	e.SampleCount = uint8(sampleCount)
	e.TriggerCount = uint8(sampleCount)
	restoreInterrupts(state)

	return nil
}

// handleLoadCellEndstopHome starts (or stops) a homing session
// Format: load_cell_endstop_home oid=%c trsync_oid=%c trigger_reason=%c clock=%u rest_ticks=%u
func handleLoadCellEndstopHome(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	trsyncOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	triggerReason, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	clock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	restTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	e, exists := loadCellEndstops[uint8(oid)]
	if !exists {
		TryShutdown("home on unconfigured load_cell_endstop")
		return nil
	}

	state := disableInterrupts()
	defer restoreInterrupts(state)

	if restTicks == 0 {
		// Stop homing
		e.Flags &^= LCE_HOMING
		e.Sync = nil
		return nil
	}

	ts, exists := GetTriggerSync(uint8(trsyncOID))
	if !exists {
		TryShutdown("load_cell_endstop home without trsync")
		return nil
	}
	// A zero SampleCount would wrap the violation countdown
	if e.SampleCount == 0 {
		TryShutdown("Invalid load_cell_endstop sample_count")
		return nil
	}

	e.Sync = ts
	e.TriggerReason = uint8(triggerReason)
	e.HomingClock = clock
	e.RestTicks = restTicks
	e.TriggerCount = e.SampleCount
	e.TriggerTicks = 0
	e.Flags = LCE_HOMING

	return nil
}

// handleQueryLoadCellEndstop reports the endstop state
// Format: query_load_cell_endstop oid=%c
func handleQueryLoadCellEndstop(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	e, exists := loadCellEndstops[uint8(oid)]
	if !exists {
		TryShutdown("query on unconfigured load_cell_endstop")
		return nil
	}

	homing := uint32(0)
	if e.Flags&LCE_HOMING != 0 {
		homing = 1
	}
	triggered := uint32(0)
	if e.Flags&LCE_TRIGGERED != 0 {
		triggered = 1
	}

	SendResponse("load_cell_endstop_state", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(e.OID))
		protocol.EncodeVLQUint(output, homing)
		protocol.EncodeVLQUint(output, triggered)
		protocol.EncodeVLQUint(output, e.TriggerTicks)
		protocol.EncodeVLQInt(output, e.LastSample)
		protocol.EncodeVLQUint(output, e.LastSampleTicks)
	})

	return nil
}

// ReportSample feeds one ADC reading to the endstop. Runs on the sensor
// capture path, so it must stay short and allocation free.
func (e *LoadCellEndstop) ReportSample(counts int32, ticks uint32) {
	e.LastSample = counts
	e.LastSampleTicks = ticks

	if e.Flags&LCE_HOMING == 0 || e.Flags&LCE_TRIGGERED != 0 {
		return
	}
	// Samples taken before the homing move starts do not count
	if int32(ticks-e.HomingClock) < 0 {
		return
	}

	if counts >= e.TriggerMin && counts <= e.TriggerMax {
		e.TriggerCount = e.SampleCount
		return
	}

	e.TriggerCount--
	if e.TriggerCount > 0 {
		return
	}

	e.Flags |= LCE_TRIGGERED
	e.TriggerTicks = ticks
	if e.Sync != nil {
		TriggerSyncDoTrigger(e.Sync, e.TriggerReason)
	}
}

// GetLoadCellEndstop retrieves an endstop by OID
func GetLoadCellEndstop(oid uint8) (*LoadCellEndstop, bool) {
	e, exists := loadCellEndstops[oid]
	return e, exists
}

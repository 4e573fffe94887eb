// Trigger synchronization.
// A TriggerSync links the load-cell endstop to the host's homing move:
// when the endstop fires (or the timeout expires) every registered
// signal runs and the host is notified, so motion stops promptly.
package core

import (
	"loadcell/protocol"
)

// TriggerSync flags
const (
	TSF_CAN_TRIGGER = 1 << 0 // Trigger is armed
	TSF_TRIGGERED   = 1 << 1 // Trigger has fired
)

// TriggerSignal is a callback registered with a TriggerSync
type TriggerSignal struct {
	Callback func(reason uint8)
	Next     *TriggerSignal
}

// TriggerSync coordinates trigger delivery during a homing move
type TriggerSync struct {
	OID           uint8
	Flags         uint8
	TriggerReason uint8
	ExpireReason  uint8
	ReportTicks   uint32
	ReportTimer   Timer
	ExpireTimer   Timer
	Signals       *TriggerSignal
}

// Global registry of trigger sync objects
var triggerSyncs = make(map[uint8]*TriggerSync)

// InitTriggerSyncCommands registers trsync-related commands
func InitTriggerSyncCommands() {
	RegisterCommand("trsync_start", "oid=%c report_clock=%u report_ticks=%u expire_reason=%c", handleTriggerSyncStart)
	RegisterCommand("trsync_set_timeout", "oid=%c clock=%u", handleTriggerSyncSetTimeout)
	RegisterCommand("trsync_trigger", "oid=%c reason=%c", handleTriggerSyncTrigger)

	RegisterResponse("trsync_state", "oid=%c can_trigger=%c trigger_reason=%c clock=%u")
}

// handleTriggerSyncStart arms a trigger sync and starts its report timer
// Format: trsync_start oid=%c report_clock=%u report_ticks=%u expire_reason=%c
func handleTriggerSyncStart(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	reportClock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	reportTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	expireReason, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	ts, exists := triggerSyncs[uint8(oid)]
	if !exists {
		ts = &TriggerSync{OID: uint8(oid)}
		triggerSyncs[uint8(oid)] = ts
	}

	ts.Flags = TSF_CAN_TRIGGER
	ts.TriggerReason = 0
	ts.ExpireReason = uint8(expireReason)
	ts.ReportTicks = reportTicks
	ts.Signals = nil

	if reportTicks > 0 {
		ts.ReportTimer.WakeTime = reportClock
		ts.ReportTimer.Handler = triggerSyncReportEvent
		ScheduleTimer(&ts.ReportTimer)
	}

	return nil
}

// handleTriggerSyncSetTimeout schedules the expire timeout
// Format: trsync_set_timeout oid=%c clock=%u
func handleTriggerSyncSetTimeout(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	clock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	ts, exists := triggerSyncs[uint8(oid)]
	if !exists {
		return nil
	}

	CancelTimer(&ts.ExpireTimer)
	ts.ExpireTimer.WakeTime = clock
	ts.ExpireTimer.Handler = triggerSyncExpireEvent
	ScheduleTimer(&ts.ExpireTimer)

	return nil
}

// handleTriggerSyncTrigger fires a trsync from the host side
// Format: trsync_trigger oid=%c reason=%c
func handleTriggerSyncTrigger(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	reason, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	ts, exists := triggerSyncs[uint8(oid)]
	if !exists {
		return nil
	}

	TriggerSyncDoTrigger(ts, uint8(reason))
	return nil
}

// TriggerSyncDoTrigger fires a trigger sync. Called from endstop sample
// processing, so it runs with interrupts disabled and fires at most once.
func TriggerSyncDoTrigger(ts *TriggerSync, reason uint8) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if (ts.Flags & TSF_CAN_TRIGGER) == 0 {
		return
	}

	ts.Flags &^= TSF_CAN_TRIGGER
	ts.Flags |= TSF_TRIGGERED
	ts.TriggerReason = reason

	for signal := ts.Signals; signal != nil; signal = signal.Next {
		if signal.Callback != nil {
			signal.Callback(reason)
		}
	}
}

// TriggerSyncAddSignal registers a callback to run when the sync triggers
func TriggerSyncAddSignal(ts *TriggerSync, callback func(reason uint8)) *TriggerSignal {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	signal := &TriggerSignal{
		Callback: callback,
		Next:     ts.Signals,
	}
	ts.Signals = signal

	return signal
}

// IsTriggered reports whether the sync has fired
func (ts *TriggerSync) IsTriggered() bool {
	return ts.Flags&TSF_TRIGGERED != 0
}

// triggerSyncReportEvent sends periodic status reports while armed
func triggerSyncReportEvent(t *Timer) uint8 {
	var ts *TriggerSync
	for _, cand := range triggerSyncs {
		if cand != nil && &cand.ReportTimer == t {
			ts = cand
			break
		}
	}
	if ts == nil {
		return SF_DONE
	}

	triggerSyncReport(ts)

	if (ts.Flags & TSF_CAN_TRIGGER) != 0 {
		t.WakeTime = GetTime() + ts.ReportTicks
		return SF_RESCHEDULE
	}
	return SF_DONE
}

// triggerSyncExpireEvent fires the sync with the expire reason
func triggerSyncExpireEvent(t *Timer) uint8 {
	var ts *TriggerSync
	for _, cand := range triggerSyncs {
		if cand != nil && &cand.ExpireTimer == t {
			ts = cand
			break
		}
	}
	if ts == nil {
		return SF_DONE
	}

	TriggerSyncDoTrigger(ts, ts.ExpireReason)
	triggerSyncReport(ts)
	return SF_DONE
}

// triggerSyncReport sends a trsync_state response
func triggerSyncReport(ts *TriggerSync) {
	canTrigger := uint32(0)
	if (ts.Flags & TSF_CAN_TRIGGER) != 0 {
		canTrigger = 1
	}
	clock := GetTime()

	SendResponse("trsync_state", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(ts.OID))
		protocol.EncodeVLQUint(output, canTrigger)
		protocol.EncodeVLQUint(output, uint32(ts.TriggerReason))
		protocol.EncodeVLQUint(output, clock)
	})
}

// GetTriggerSync retrieves a trigger sync by OID
func GetTriggerSync(oid uint8) (*TriggerSync, bool) {
	ts, exists := triggerSyncs[oid]
	return ts, exists
}

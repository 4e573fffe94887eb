package core

import (
	"testing"

	"loadcell/protocol"
)

// setupEndstopHoming configures endstop oid 0 homing against trsync
// oid 1 with the given window
func setupEndstopHoming(t *testing.T, min, max int32, sampleCount, reason uint32, homingClock uint32) (*LoadCellEndstop, *TriggerSync) {
	t.Helper()
	resetCoreState()

	args := buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
	})
	if err := handleConfigLoadCellEndstop(&args); err != nil {
		t.Fatal(err)
	}

	args = buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQInt(o, min)
		protocol.EncodeVLQInt(o, max)
		protocol.EncodeVLQUint(o, sampleCount)
	})
	if err := handleSetRangeLoadCellEndstop(&args); err != nil {
		t.Fatal(err)
	}

	args = buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 1)
		protocol.EncodeVLQUint(o, 0) // report_clock
		protocol.EncodeVLQUint(o, 0) // report_ticks: no report timer
		protocol.EncodeVLQUint(o, 9) // expire_reason
	})
	if err := handleTriggerSyncStart(&args); err != nil {
		t.Fatal(err)
	}

	args = buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 1)
		protocol.EncodeVLQUint(o, reason)
		protocol.EncodeVLQUint(o, homingClock)
		protocol.EncodeVLQUint(o, 100) // rest_ticks
	})
	if err := handleLoadCellEndstopHome(&args); err != nil {
		t.Fatal(err)
	}

	if IsShutdown() {
		t.Fatalf("unexpected shutdown during setup: %s", ShutdownReason())
	}

	e, _ := GetLoadCellEndstop(0)
	ts, _ := GetTriggerSync(1)
	return e, ts
}

func TestEndstopTriggersAfterConsecutiveViolations(t *testing.T) {
	e, ts := setupEndstopHoming(t, -100, 100, 3, 4, 0)

	e.ReportSample(50, 10) // in range
	e.ReportSample(200, 20)
	e.ReportSample(250, 30)
	if e.Flags&LCE_TRIGGERED != 0 {
		t.Fatal("two violations must not trigger with sample_count 3")
	}

	e.ReportSample(300, 40)
	if e.Flags&LCE_TRIGGERED == 0 {
		t.Fatal("third consecutive violation must trigger")
	}
	if e.TriggerTicks != 40 {
		t.Fatalf("trigger ticks expected 40, got %d", e.TriggerTicks)
	}
	if !ts.IsTriggered() || ts.TriggerReason != 4 {
		t.Fatalf("trsync must fire with reason 4, flags=%#x reason=%d", ts.Flags, ts.TriggerReason)
	}
}

func TestEndstopInRangeSampleResetsCount(t *testing.T) {
	e, ts := setupEndstopHoming(t, -100, 100, 3, 4, 0)

	e.ReportSample(200, 10)
	e.ReportSample(200, 20)
	e.ReportSample(0, 30) // back in range
	e.ReportSample(200, 40)
	e.ReportSample(200, 50)
	if ts.IsTriggered() {
		t.Fatal("violation count must reset on an in-range sample")
	}
	e.ReportSample(200, 60)
	if !ts.IsTriggered() {
		t.Fatal("three consecutive violations after the reset must trigger")
	}
}

func TestEndstopIgnoresSamplesBeforeHomingClock(t *testing.T) {
	e, ts := setupEndstopHoming(t, -100, 100, 1, 4, 1000)

	e.ReportSample(500, 900)
	if ts.IsTriggered() {
		t.Fatal("samples before the homing clock must not count")
	}
	if e.LastSample != 500 {
		t.Fatal("last sample must still be recorded")
	}

	e.ReportSample(500, 1000)
	if !ts.IsTriggered() {
		t.Fatal("sample at the homing clock must count")
	}
}

func TestEndstopTriggersAtMostOnce(t *testing.T) {
	e, ts := setupEndstopHoming(t, -100, 100, 1, 4, 0)

	var reasons []uint8
	TriggerSyncAddSignal(ts, func(reason uint8) {
		reasons = append(reasons, reason)
	})

	e.ReportSample(500, 10)
	e.ReportSample(600, 20)
	e.ReportSample(700, 30)

	if len(reasons) != 1 || reasons[0] != 4 {
		t.Fatalf("expected exactly one signal with reason 4, got %v", reasons)
	}
	if e.TriggerTicks != 10 {
		t.Fatalf("trigger ticks must keep the first trigger, got %d", e.TriggerTicks)
	}
}

func TestEndstopRejectsInvalidRange(t *testing.T) {
	resetCoreState()

	args := buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
	})
	if err := handleConfigLoadCellEndstop(&args); err != nil {
		t.Fatal(err)
	}

	args = buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQInt(o, 100)
		protocol.EncodeVLQInt(o, -100) // min > max
		protocol.EncodeVLQUint(o, 1)
	})
	if err := handleSetRangeLoadCellEndstop(&args); err != nil {
		t.Fatal(err)
	}

	if ShutdownReason() != "Invalid load_cell_endstop trigger range" {
		t.Fatalf("unexpected reason %q", ShutdownReason())
	}
}

func TestEndstopHomeRequiresRange(t *testing.T) {
	resetCoreState()

	args := buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
	})
	if err := handleConfigLoadCellEndstop(&args); err != nil {
		t.Fatal(err)
	}

	args = buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 1)
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 9)
	})
	if err := handleTriggerSyncStart(&args); err != nil {
		t.Fatal(err)
	}

	// Homing without a prior set_range leaves SampleCount at zero
	args = buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 1)
		protocol.EncodeVLQUint(o, 4)
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 100)
	})
	if err := handleLoadCellEndstopHome(&args); err != nil {
		t.Fatal(err)
	}

	if ShutdownReason() != "Invalid load_cell_endstop sample_count" {
		t.Fatalf("unexpected reason %q", ShutdownReason())
	}
	e, _ := GetLoadCellEndstop(0)
	if e.Flags&LCE_HOMING != 0 {
		t.Fatal("homing must not arm without a trigger range")
	}
}

func TestEndstopHomeStopClearsHomingState(t *testing.T) {
	e, ts := setupEndstopHoming(t, -100, 100, 1, 4, 0)

	// rest_ticks 0 ends the homing session
	args := buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 1)
		protocol.EncodeVLQUint(o, 4)
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 0)
	})
	if err := handleLoadCellEndstopHome(&args); err != nil {
		t.Fatal(err)
	}

	e.ReportSample(500, 10)
	if ts.IsTriggered() {
		t.Fatal("samples after homing stop must not trigger")
	}
	if e.Flags&LCE_HOMING != 0 {
		t.Fatal("homing flag must clear on stop")
	}
}

func TestTriggerSyncExpireTimeout(t *testing.T) {
	resetCoreState()

	args := buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 1)
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 9)
	})
	if err := handleTriggerSyncStart(&args); err != nil {
		t.Fatal(err)
	}

	args = buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 1)
		protocol.EncodeVLQUint(o, 5000)
	})
	if err := handleTriggerSyncSetTimeout(&args); err != nil {
		t.Fatal(err)
	}

	ts, _ := GetTriggerSync(1)
	SetTime(6000)
	ProcessTimers()

	if !ts.IsTriggered() || ts.TriggerReason != 9 {
		t.Fatalf("timeout must trigger with the expire reason, flags=%#x reason=%d", ts.Flags, ts.TriggerReason)
	}
}

package core

import (
	"testing"

	"loadcell/protocol"
)

// setupADS1220 configures sensor oid 0 on SPI oid 1 with DRDY pin 5
func setupADS1220(t *testing.T, rx []byte) (*ADS1220, *fakeGPIO, *fakeSPIBus) {
	t.Helper()
	resetCoreState()

	g := newFakeGPIO()
	SetGPIODriver(g)

	args := buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 1)
	})
	if err := handleConfigSPIWithoutCS(&args); err != nil {
		t.Fatalf("config_spi_without_cs: %v", err)
	}
	bus := &fakeSPIBus{rx: rx}
	spiDev, _ := GetSPIDevice(1)
	spiDev.BusHandle = bus

	args = buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 1)
		protocol.EncodeVLQUint(o, 5)
	})
	if err := handleConfigADS1220(&args); err != nil {
		t.Fatalf("config_ads1220: %v", err)
	}
	if IsShutdown() {
		t.Fatalf("unexpected shutdown during setup: %s", ShutdownReason())
	}

	return ads1220Sensors[0], g, bus
}

func startADS1220(t *testing.T, restTicks uint32) {
	t.Helper()
	args := buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, restTicks)
	})
	if err := handleQueryADS1220(&args); err != nil {
		t.Fatalf("query_ads1220: %v", err)
	}
}

func TestADS1220NotReadyReschedules(t *testing.T) {
	dev, _, bus := setupADS1220(t, []byte{0, 0, 0})
	startADS1220(t, 1000)

	// DRDY stays high: no conversion available
	fireTimers()
	ADS1220CaptureTask()

	if len(bus.txLog) != 0 {
		t.Fatal("no SPI transfer expected while not ready")
	}
	if dev.Bulk.Count != 0 {
		t.Fatal("no sample expected while not ready")
	}
	if dev.state.Load() != SensorArmed {
		t.Fatalf("expected armed, got %d", dev.state.Load())
	}
	if timerList == nil {
		t.Fatal("timer must be rearmed for the next period")
	}
}

func TestADS1220ReadMaxPositive(t *testing.T) {
	dev, g, _ := setupADS1220(t, []byte{0x7F, 0xFF, 0xFF})

	// Attach an endstop before arming
	args := buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 2)
	})
	if err := handleConfigLoadCellEndstop(&args); err != nil {
		t.Fatal(err)
	}
	args = buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 2)
	})
	if err := handleAttachEndstopADS1220(&args); err != nil {
		t.Fatal(err)
	}

	startADS1220(t, 100000)
	g.levels[5] = false // conversion ready
	fireTimers()
	ADS1220CaptureTask()

	if IsShutdown() {
		t.Fatalf("unexpected shutdown: %s", ShutdownReason())
	}
	if dev.Bulk.Count != BytesPerSample {
		t.Fatalf("expected one buffered sample, count=%d", dev.Bulk.Count)
	}
	want := []byte{0xFF, 0xFF, 0x7F, 0x00} // 8388607 little-endian
	for i, b := range want {
		if dev.Bulk.Data[i] != b {
			t.Fatalf("sample byte %d: expected %#x, got %#x", i, b, dev.Bulk.Data[i])
		}
	}

	endstop, _ := GetLoadCellEndstop(2)
	if endstop.LastSample != 8388607 {
		t.Fatalf("endstop expected 8388607, got %d", endstop.LastSample)
	}
	if endstop.LastSampleTicks == 0 {
		t.Fatal("endstop must receive the read start timestamp")
	}

	if dev.state.Load() != SensorArmed {
		t.Fatal("device must rearm after a successful read")
	}
	if timerList == nil {
		t.Fatal("timer must be rearmed after a successful read")
	}
}

func TestADS1220SignExtendsMinNegative(t *testing.T) {
	dev, g, _ := setupADS1220(t, []byte{0x80, 0x00, 0x00})
	startADS1220(t, 100000)

	g.levels[5] = false
	fireTimers()
	ADS1220CaptureTask()

	if IsShutdown() {
		t.Fatalf("minimum negative value is valid data, got shutdown: %s", ShutdownReason())
	}
	want := []byte{0x00, 0x00, 0x80, 0xFF} // -8388608 little-endian
	for i, b := range want {
		if dev.Bulk.Data[i] != b {
			t.Fatalf("sample byte %d: expected %#x, got %#x", i, b, dev.Bulk.Data[i])
		}
	}
}

func TestADS1220AllOnesReadFatal(t *testing.T) {
	dev, g, _ := setupADS1220(t, []byte{0xFF, 0xFF, 0xFF})
	startADS1220(t, 100000)

	g.levels[5] = false
	fireTimers()
	ADS1220CaptureTask()

	if !IsShutdown() {
		t.Fatal("all-ones pattern must shut down")
	}
	if ShutdownReason() != "ads1220 possible bad read" {
		t.Fatalf("unexpected reason %q", ShutdownReason())
	}
	if dev.Bulk.Count != 0 {
		t.Fatal("no sample may be buffered for a bad read")
	}
	if dev.state.Load() != SensorFaulted {
		t.Fatal("device must fault and never rearm")
	}
	if timerList != nil {
		t.Fatal("faulted device must not rearm its timer")
	}
}

func TestADS1220TimingBudgetFatal(t *testing.T) {
	dev, g, _ := setupADS1220(t, []byte{0x00, 0x12, 0x34})
	// rest_ticks 2 gives a 1-tick budget the simulated clock always
	// exceeds
	startADS1220(t, 2)

	g.levels[5] = false
	fireTimers()
	ADS1220CaptureTask()

	if !IsShutdown() {
		t.Fatal("budget violation must shut down")
	}
	if ShutdownReason() != "ads1220 read took too long" {
		t.Fatalf("unexpected reason %q", ShutdownReason())
	}
	if dev.Bulk.Count != 0 {
		t.Fatal("no append after a budget violation")
	}
}

func TestADS1220FlushesBeforeBufferOverflow(t *testing.T) {
	dev, g, _ := setupADS1220(t, []byte{0x00, 0x00, 0x2A})
	startADS1220(t, 100000)
	g.levels[5] = false // every period has a conversion waiting

	// 13 samples fill the 52-byte payload; the 14th must flush first
	for i := 0; i < 14; i++ {
		fireTimers()
		ADS1220CaptureTask()
		if IsShutdown() {
			t.Fatalf("read %d shut down: %s", i, ShutdownReason())
		}
		if dev.Bulk.Count > BulkDataMax {
			t.Fatalf("read %d overflowed the buffer: count=%d", i, dev.Bulk.Count)
		}
	}

	if dev.Bulk.Sequence != 1 {
		t.Fatalf("expected exactly one flush, sequence=%d", dev.Bulk.Sequence)
	}
	if dev.Bulk.Count != BytesPerSample {
		t.Fatalf("expected one sample after the flush, count=%d", dev.Bulk.Count)
	}
}

func TestADS1220UnbusedSPIFatal(t *testing.T) {
	resetCoreState()
	g := newFakeGPIO()
	SetGPIODriver(g)

	// SPI device oid 1 is configured but never given a bus
	args := buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 1)
	})
	if err := handleConfigSPIWithoutCS(&args); err != nil {
		t.Fatal(err)
	}
	args = buildArgs(func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, 0)
		protocol.EncodeVLQUint(o, 1)
		protocol.EncodeVLQUint(o, 5)
	})
	if err := handleConfigADS1220(&args); err != nil {
		t.Fatal(err)
	}

	startADS1220(t, 100000)
	g.levels[5] = false
	fireTimers()
	ADS1220CaptureTask()

	if ShutdownReason() != "spi device has no bus" {
		t.Fatalf("unexpected reason %q", ShutdownReason())
	}
	dev := ads1220Sensors[0]
	if dev.Bulk.Count != 0 {
		t.Fatal("zeros from a missing bus must never be buffered")
	}
	if dev.state.Load() != SensorFaulted {
		t.Fatal("device must fault on a missing bus")
	}
}

func TestADS1220StopCancelsTimer(t *testing.T) {
	dev, g, bus := setupADS1220(t, []byte{0x00, 0x00, 0x01})
	startADS1220(t, 1000)

	// Stop while the timer is pending
	startADS1220(t, 0)

	if timerList != nil {
		t.Fatal("stop must cancel the capture timer")
	}
	if dev.state.Load() != SensorIdle {
		t.Fatalf("expected idle, got %d", dev.state.Load())
	}

	g.levels[5] = false
	SetTime(GetTime() + 100000)
	ProcessTimers()
	ADS1220CaptureTask()
	if len(bus.txLog) != 0 || dev.Bulk.Count != 0 {
		t.Fatal("stopped device must never read again")
	}
}

// ADS1220 24-bit ADC sampling engine.
// The chip signals conversion completion on its active-low DRDY pin; a
// periodic timer wakes the capture task, which polls DRDY and reads one
// sample over SPI when the conversion is ready.
package core

import (
	"loadcell/protocol"
)

// ADS1220SampleSize is the SPI transfer size of one conversion result
const ADS1220SampleSize = 3

// ADS1220 is one configured ADS1220 chip
type ADS1220 struct {
	OID       uint8
	Timer     Timer
	RestTicks uint32
	state     sensorState

	DataReady GPIOPin // DRDY, low when a conversion is ready
	SPI       *SPIDevice
	Endstop   *LoadCellEndstop

	Bulk SensorBulk
}

var (
	ads1220Sensors = make(map[uint8]*ADS1220)
	wakeADS1220    TaskWake
)

// InitADS1220Commands registers ADS1220-related commands
func InitADS1220Commands() {
	RegisterCommand("config_ads1220", "oid=%c spi_oid=%c data_ready_pin=%u", handleConfigADS1220)
	RegisterCommand("attach_endstop_ads1220", "oid=%c load_cell_endstop_oid=%c", handleAttachEndstopADS1220)
	RegisterCommand("query_ads1220", "oid=%c rest_ticks=%u", handleQueryADS1220)
	RegisterCommand("query_ads1220_status", "oid=%c", handleQueryADS1220Status)
}

// handleConfigADS1220 creates an ADS1220 instance bound to an SPI device
// Format: config_ads1220 oid=%c spi_oid=%c data_ready_pin=%u
func handleConfigADS1220(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	spiOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dataReadyPin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	spiDev, exists := GetSPIDevice(uint8(spiOID))
	if !exists {
		TryShutdown("ads1220 config without spi device")
		return nil
	}

	if err := MustGPIO().ConfigureInputPullUp(GPIOPin(dataReadyPin)); err != nil {
		return err
	}

	dev := &ADS1220{
		OID:       uint8(oid),
		DataReady: GPIOPin(dataReadyPin),
		SPI:       spiDev,
	}
	dev.Timer.Handler = ads1220Event
	dev.state.Store(SensorIdle)

	ads1220Sensors[uint8(oid)] = dev
	return nil
}

// handleAttachEndstopADS1220 attaches a load cell endstop to the sample stream
// Format: attach_endstop_ads1220 oid=%c load_cell_endstop_oid=%c
func handleAttachEndstopADS1220(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	endstopOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := ads1220Sensors[uint8(oid)]
	if !exists {
		TryShutdown("attach_endstop on unconfigured ads1220")
		return nil
	}
	if dev.state.Load() != SensorIdle {
		TryShutdown("ads1220 endstop attach while sampling")
		return nil
	}

	endstop, exists := GetLoadCellEndstop(uint8(endstopOID))
	if !exists {
		TryShutdown("ads1220 attach without load_cell_endstop")
		return nil
	}

	dev.Endstop = endstop
	return nil
}

// handleQueryADS1220 starts or stops periodic sampling
// Format: query_ads1220 oid=%c rest_ticks=%u
func handleQueryADS1220(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	restTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := ads1220Sensors[uint8(oid)]
	if !exists {
		TryShutdown("query on unconfigured ads1220")
		return nil
	}

	// Stop first so a queued timer event cannot race the restart
	CancelTimer(&dev.Timer)
	if dev.state.Load() != SensorFaulted {
		dev.state.Store(SensorIdle)
	}

	if restTicks == 0 {
		// End measurements
		return nil
	}
	if dev.state.Load() == SensorFaulted {
		TryShutdown("query on faulted ads1220")
		return nil
	}

	// Start new measurements
	dev.RestTicks = restTicks
	dev.Bulk.Reset()
	dev.state.Store(SensorArmed)
	dev.Timer.WakeTime = GetTime() + restTicks
	ScheduleTimer(&dev.Timer)
	return nil
}

// handleQueryADS1220Status reports buffer state plus a timed DRDY probe
// Format: query_ads1220_status oid=%c
func handleQueryADS1220Status(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := ads1220Sensors[uint8(oid)]
	if !exists {
		TryShutdown("status query on unconfigured ads1220")
		return nil
	}

	irqState := disableInterrupts()
	start := GetTime()
	isReady := !MustGPIO().ReadPin(dev.DataReady)
	restoreInterrupts(irqState)

	pendingBytes := uint8(0)
	if isReady {
		pendingBytes = ADS1220SampleSize
	}
	dev.Bulk.Status(dev.OID, start, GetTime()-start, pendingBytes)
	return nil
}

// ads1220Event is the capture timer handler. It only flags the device
// and wakes the task; the SPI transfer is too slow for timer context.
func ads1220Event(t *Timer) uint8 {
	var dev *ADS1220
	for _, cand := range ads1220Sensors {
		if cand != nil && &cand.Timer == t {
			dev = cand
			break
		}
	}
	if dev == nil {
		return SF_DONE
	}

	if dev.state.CompareAndSwap(SensorArmed, SensorPending) {
		wakeADS1220.Wake()
	}
	return SF_DONE
}

// ads1220RearmTimer schedules the next capture a full period out
func ads1220RearmTimer(dev *ADS1220) {
	dev.Timer.WakeTime = GetTime() + dev.RestTicks
	ScheduleTimer(&dev.Timer)
}

// ads1220ReadADC services one pending capture
func ads1220ReadADC(dev *ADS1220) {
	if MustGPIO().ReadPin(dev.DataReady) {
		// DRDY still high, conversion not finished; try next period
		if dev.state.CompareAndSwap(SensorPending, SensorArmed) {
			ads1220RearmTimer(dev)
		}
		return
	}

	msg := [ADS1220SampleSize]byte{}
	readStart := GetTime()
	if err := spiDeviceTransfer(dev.SPI, msg[:], msg[:]); err != nil {
		dev.state.Store(SensorFaulted)
		TryShutdown("ads1220 spi transfer failed")
		return
	}

	// The transfer must finish well inside the sample period or sample
	// timestamps drift
	if CheckElapsed(readStart, GetTime(), dev.RestTicks>>1) {
		dev.state.Store(SensorFaulted)
		TryShutdown("ads1220 read took too long")
		return
	}

	raw := uint32(msg[0])<<16 | uint32(msg[1])<<8 | uint32(msg[2])
	// All-ones means the chip was not driving the bus
	if raw == 0xFFFFFF {
		dev.state.Store(SensorFaulted)
		TryShutdown("ads1220 possible bad read")
		return
	}
	counts := int32(raw^0x800000) - 0x800000

	if dev.Endstop != nil {
		dev.Endstop.ReportSample(counts, readStart)
	}

	if !dev.Bulk.CanFit(BytesPerSample) {
		dev.Bulk.Report(dev.OID)
	}
	dev.Bulk.AppendSample(counts)

	if dev.state.CompareAndSwap(SensorPending, SensorArmed) {
		ads1220RearmTimer(dev)
	}
}

// ADS1220CaptureTask drains pending captures. Called from the main loop.
func ADS1220CaptureTask() {
	if !wakeADS1220.CheckWake() {
		return
	}
	for _, dev := range ads1220Sensors {
		if dev != nil && dev.state.Load() == SensorPending {
			ads1220ReadADC(dev)
		}
	}
}

// StopAllADS1220 halts sampling on every ADS1220. Used on shutdown.
func StopAllADS1220() {
	for _, dev := range ads1220Sensors {
		if dev == nil {
			continue
		}
		CancelTimer(&dev.Timer)
		if dev.state.Load() != SensorFaulted {
			dev.state.Store(SensorIdle)
		}
	}
}

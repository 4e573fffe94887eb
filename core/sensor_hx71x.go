// HX711/HX717 bit-banged ADC sampling engine.
// Each chip exposes a data line (dout, driven low when a conversion is
// ready) and a clock line (sclk). A read is 24 clock pulses shifting
// the sample out MSB first, followed by 1-4 extra pulses selecting the
// gain/channel of the next conversion. Up to 4 chips share one record
// and are clocked simultaneously as a software-synchronized group.
package core

import (
	"loadcell/protocol"
)

// HX71xMaxChips is the largest supported chip group
const HX71xMaxChips = 4

var (
	// Minimum sclk pulse width. The HX717 datasheet requires 200ns;
	// shorter pulses are not reliably latched.
	hx71xMinPulseTicks = NsecsToTicks(200)

	// Holding sclk high this long powers the chips down; releasing it
	// restarts all conversions in phase.
	hx71xPowerdownTicks = NsecsToTicks(150000)
)

// HX71x is one configured chip or synchronized chip group
type HX71x struct {
	OID       uint8
	Timer     Timer
	RestTicks uint32
	state     sensorState

	ChipCount   uint8 // 1-4 chips clocked together
	GainChannel uint8 // 1-4 extra pulses programming the next conversion

	Dout [HX71xMaxChips]GPIOPin
	Sclk [HX71xMaxChips]GPIOPin

	// Last decoded value per chip, summed for the endstop feed
	SensorValues [HX71xMaxChips]int32

	Endstop *LoadCellEndstop
	Bulk    SensorBulk
}

var (
	hx71xSensors = make(map[uint8]*HX71x)
	wakeHX71x    TaskWake
)

// InitHX71xCommands registers HX71x-related commands
func InitHX71xCommands() {
	RegisterCommand("config_hx71x",
		"oid=%c gain_channel=%c chip_count=%c dout1_pin=%u sclk1_pin=%u dout2_pin=%u sclk2_pin=%u dout3_pin=%u sclk3_pin=%u dout4_pin=%u sclk4_pin=%u",
		handleConfigHX71x)
	RegisterCommand("attach_endstop_hx71x", "oid=%c load_cell_endstop_oid=%c", handleAttachEndstopHX71x)
	RegisterCommand("query_hx71x", "oid=%c rest_ticks=%u", handleQueryHX71x)
	RegisterCommand("query_hx71x_status", "oid=%c", handleQueryHX71xStatus)
}

// handleConfigHX71x creates an HX71x instance. Pin pairs beyond
// chip_count are ignored.
func handleConfigHX71x(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	gainChannel, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	chipCount, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	var dout, sclk [HX71xMaxChips]uint32
	for i := 0; i < HX71xMaxChips; i++ {
		if dout[i], err = protocol.DecodeVLQUint(data); err != nil {
			return err
		}
		if sclk[i], err = protocol.DecodeVLQUint(data); err != nil {
			return err
		}
	}

	// Range checks come before any pin is touched
	if chipCount < 1 || chipCount > HX71xMaxChips {
		TryShutdown("hx71x invalid chip_count")
		return nil
	}
	if gainChannel < 1 || gainChannel > 4 {
		TryShutdown("hx71x invalid gain_channel")
		return nil
	}

	dev := &HX71x{
		OID:         uint8(oid),
		ChipCount:   uint8(chipCount),
		GainChannel: uint8(gainChannel),
	}
	dev.Timer.Handler = hx71xEvent
	dev.state.Store(SensorIdle)

	gpio := MustGPIO()
	for i := 0; i < int(chipCount); i++ {
		dev.Dout[i] = GPIOPin(dout[i])
		dev.Sclk[i] = GPIOPin(sclk[i])
		if err := gpio.ConfigureInputPullUp(dev.Dout[i]); err != nil {
			return err
		}
		if err := gpio.ConfigureOutput(dev.Sclk[i]); err != nil {
			return err
		}
		gpio.WritePin(dev.Sclk[i], false)
	}

	// Power-down pulse so all chips of the group restart converting in
	// phase
	for i := 0; i < int(chipCount); i++ {
		gpio.WritePin(dev.Sclk[i], true)
	}
	Delay(GetTime(), hx71xPowerdownTicks)
	for i := 0; i < int(chipCount); i++ {
		gpio.WritePin(dev.Sclk[i], false)
	}

	hx71xSensors[uint8(oid)] = dev
	return nil
}

// handleAttachEndstopHX71x attaches a load cell endstop to the sample stream
// Format: attach_endstop_hx71x oid=%c load_cell_endstop_oid=%c
func handleAttachEndstopHX71x(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	endstopOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := hx71xSensors[uint8(oid)]
	if !exists {
		TryShutdown("attach_endstop on unconfigured hx71x")
		return nil
	}
	if dev.state.Load() != SensorIdle {
		TryShutdown("hx71x endstop attach while sampling")
		return nil
	}

	endstop, exists := GetLoadCellEndstop(uint8(endstopOID))
	if !exists {
		TryShutdown("hx71x attach without load_cell_endstop")
		return nil
	}

	dev.Endstop = endstop
	return nil
}

// handleQueryHX71x starts or stops periodic sampling
// Format: query_hx71x oid=%c rest_ticks=%u
func handleQueryHX71x(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	restTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := hx71xSensors[uint8(oid)]
	if !exists {
		TryShutdown("query on unconfigured hx71x")
		return nil
	}

	// Stop first so a queued timer event cannot race the restart
	CancelTimer(&dev.Timer)
	if dev.state.Load() != SensorFaulted {
		dev.state.Store(SensorIdle)
	}

	if restTicks == 0 {
		// End measurements; buffered samples stay for the host to drain
		return nil
	}
	if dev.state.Load() == SensorFaulted {
		TryShutdown("query on faulted hx71x")
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

// handleQueryHX71xStatus reports buffer state plus a timed readiness probe
// Format: query_hx71x_status oid=%c
func handleQueryHX71xStatus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := hx71xSensors[uint8(oid)]
	if !exists {
		TryShutdown("status query on unconfigured hx71x")
		return nil
	}

	irqState := disableInterrupts()
	start := GetTime()
	isReady := hx71xIsReady(dev)
	restoreInterrupts(irqState)

	pendingBytes := uint8(0)
	if isReady {
		pendingBytes = BytesPerSample * dev.ChipCount
	}
	dev.Bulk.Status(dev.OID, start, GetTime()-start, pendingBytes)
	return nil
}

// hx71xIsReady reports whether a sample group is available. Reporting
// cadence is anchored to chip 0, so only its dout matters here; a
// lagging secondary chip contributes its previous value to the group.
func hx71xIsReady(dev *HX71x) bool {
	return !MustGPIO().ReadPin(dev.Dout[0])
}

// hx71xEvent is the capture timer handler; it flags the device and
// wakes the task. Bit-banging in timer context would stall every other
// interrupt for the duration of a read.
func hx71xEvent(t *Timer) uint8 {
	var dev *HX71x
	for _, cand := range hx71xSensors {
		if cand != nil && &cand.Timer == t {
			dev = cand
			break
		}
	}
	if dev == nil {
		return SF_DONE
	}

	if dev.state.CompareAndSwap(SensorArmed, SensorPending) {
		wakeHX71x.Wake()
	}
	return SF_DONE
}

// hx71xRearmTimer schedules the next capture a full period out
func hx71xRearmTimer(dev *HX71x) {
	dev.Timer.WakeTime = GetTime() + dev.RestTicks
	ScheduleTimer(&dev.Timer)
}

// hx71xFault marks the device dead and halts the firmware
func hx71xFault(dev *HX71x, reason string) {
	dev.state.Store(SensorFaulted)
	TryShutdown(reason)
}

// hx71xPulseClocks issues one clock pulse to every participating chip.
// The rising edge, the minimum high width and the falling edge run with
// interrupts disabled; a stretched high period would clock garbage into
// every chip at once. Returns the time of the falling edge.
func hx71xPulseClocks(dev *HX71x, ready *[HX71xMaxChips]bool) uint32 {
	gpio := MustGPIO()

	irqState := disableInterrupts()
	start := GetTime()
	for i := 0; i < int(dev.ChipCount); i++ {
		if ready[i] {
			gpio.WritePin(dev.Sclk[i], true)
		}
	}
	DelayNoIRQ(start, hx71xMinPulseTicks)
	for i := 0; i < int(dev.ChipCount); i++ {
		if ready[i] {
			gpio.WritePin(dev.Sclk[i], false)
		}
	}
	end := GetTime()
	restoreInterrupts(irqState)
	return end
}

// hx71xReadADC performs one full acquisition cycle for the group
func hx71xReadADC(dev *HX71x) {
	gpio := MustGPIO()
	readStart := GetTime()

	// Only chips ready at cycle start participate; late chips catch the
	// next cycle
	var ready [HX71xMaxChips]bool
	anyReady := false
	for i := 0; i < int(dev.ChipCount); i++ {
		ready[i] = !gpio.ReadPin(dev.Dout[i])
		anyReady = anyReady || ready[i]
	}
	if !anyReady {
		if dev.state.CompareAndSwap(SensorPending, SensorArmed) {
			hx71xRearmTimer(dev)
		}
		return
	}

	// 24 data pulses, sample after each falling edge plus the minimum
	// low width
	var raw [HX71xMaxChips]uint32
	for bit := 0; bit < 24; bit++ {
		fallTime := hx71xPulseClocks(dev, &ready)
		Delay(fallTime, hx71xMinPulseTicks)
		for i := 0; i < int(dev.ChipCount); i++ {
			if !ready[i] {
				continue
			}
			raw[i] <<= 1
			if gpio.ReadPin(dev.Dout[i]) {
				raw[i] |= 1
			}
		}
	}

	// Gain/channel selection pulses for the next conversion
	for g := uint8(0); g < dev.GainChannel; g++ {
		fallTime := hx71xPulseClocks(dev, &ready)
		Delay(fallTime, hx71xMinPulseTicks)
		if g == 0 && dev.ChipCount == 1 && !gpio.ReadPin(dev.Dout[0]) {
			// The read just consumed the chip's readiness; a dout
			// still low means the bitstream was out of sync
			hx71xFault(dev, "HX71x chip still ready after read")
			return
		}
	}

	// Timing budget. Groups get the full period since four chips take
	// proportionally longer to clock out.
	budget := dev.RestTicks
	if dev.ChipCount == 1 {
		budget >>= 1
	}
	if CheckElapsed(readStart, GetTime(), budget) {
		hx71xFault(dev, "hx71x read took too long")
		return
	}

	// A participating chip whose dout dropped low again is an ESD
	// glitch on the shared clock lines; the whole cycle is suspect, so
	// drop it and sample again next period
	if dev.ChipCount > 1 {
		for i := 0; i < int(dev.ChipCount); i++ {
			if ready[i] && !gpio.ReadPin(dev.Dout[i]) {
				if dev.state.CompareAndSwap(SensorPending, SensorArmed) {
					hx71xRearmTimer(dev)
				}
				return
			}
		}
	}

	for i := 0; i < int(dev.ChipCount); i++ {
		if !ready[i] {
			continue
		}
		counts := int32(raw[i])
		if counts >= 0x800000 {
			counts -= 1 << 24
		}
		if counts < -0x800000 || counts > 0x7FFFFF {
			hx71xFault(dev, "hx71x value out of range")
			return
		}
		dev.SensorValues[i] = counts
	}

	// The endstop sees one combined load value per cycle
	if dev.Endstop != nil {
		total := int32(0)
		for i := 0; i < int(dev.ChipCount); i++ {
			total += dev.SensorValues[i]
		}
		dev.Endstop.ReportSample(total, readStart)
	}

	// Reporting cadence is anchored to chip 0; cycles it missed are not
	// buffered so the host never sees skewed cross-chip groups
	if ready[0] {
		needed := uint8(BytesPerSample) * dev.ChipCount
		if !dev.Bulk.CanFit(needed) {
			dev.Bulk.Report(dev.OID)
		}
		for i := 0; i < int(dev.ChipCount); i++ {
			dev.Bulk.AppendSample(dev.SensorValues[i])
		}
	}

	if dev.state.CompareAndSwap(SensorPending, SensorArmed) {
		hx71xRearmTimer(dev)
	}
}

// HX71xCaptureTask drains pending captures. Called from the main loop.
func HX71xCaptureTask() {
	if !wakeHX71x.CheckWake() {
		return
	}
	for _, dev := range hx71xSensors {
		if dev != nil && dev.state.Load() == SensorPending {
			hx71xReadADC(dev)
		}
	}
}

// StopAllHX71x halts sampling on every HX71x. Used on shutdown.
func StopAllHX71x() {
	for _, dev := range hx71xSensors {
		if dev == nil {
			continue
		}
		CancelTimer(&dev.Timer)
		if dev.state.Load() != SensorFaulted {
			dev.state.Store(SensorIdle)
		}
	}
}

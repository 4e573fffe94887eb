package core

import (
	"loadcell/protocol"
)

// fakeGPIO is an in-memory GPIODriver. Watchers observe pin writes so
// chip simulators can react to clock edges.
type fakeGPIO struct {
	levels   map[GPIOPin]bool
	outputs  map[GPIOPin]bool
	watchers []func(pin GPIOPin, value bool)
}

func newFakeGPIO() *fakeGPIO {
	return &fakeGPIO{
		levels:  make(map[GPIOPin]bool),
		outputs: make(map[GPIOPin]bool),
	}
}

func (g *fakeGPIO) ConfigureOutput(pin GPIOPin) error {
	g.outputs[pin] = true
	return nil
}

func (g *fakeGPIO) ConfigureInputPullUp(pin GPIOPin) error {
	if _, ok := g.levels[pin]; !ok {
		g.levels[pin] = true
	}
	return nil
}

func (g *fakeGPIO) ConfigureInputPullDown(pin GPIOPin) error {
	if _, ok := g.levels[pin]; !ok {
		g.levels[pin] = false
	}
	return nil
}

func (g *fakeGPIO) SetPin(pin GPIOPin, value bool) error {
	g.WritePin(pin, value)
	return nil
}

func (g *fakeGPIO) GetPin(pin GPIOPin) (bool, error) {
	return g.levels[pin], nil
}

func (g *fakeGPIO) ReadPin(pin GPIOPin) bool {
	return g.levels[pin]
}

func (g *fakeGPIO) WritePin(pin GPIOPin, value bool) {
	g.levels[pin] = value
	for _, w := range g.watchers {
		w(pin, value)
	}
}

func (g *fakeGPIO) watch(w func(pin GPIOPin, value bool)) {
	g.watchers = append(g.watchers, w)
}

// fakeSPIBus is a drivers.SPI returning a fixed receive payload
type fakeSPIBus struct {
	rx    []byte
	txLog [][]byte
	err   error
}

func (b *fakeSPIBus) Tx(w, r []byte) error {
	b.txLog = append(b.txLog, append([]byte(nil), w...))
	if b.err != nil {
		return b.err
	}
	copy(r, b.rx)
	return nil
}

func (b *fakeSPIBus) Transfer(bb byte) (byte, error) {
	var r [1]byte
	err := b.Tx([]byte{bb}, r[:])
	return r[0], err
}

// hx71xChipSim drives one chip's dout line in response to sclk edges.
// The chip starts ready (dout low) with pattern as its pending
// conversion; after the 24 data pulses it raises dout unless stayReady
// injects a desync fault.
type hx71xChipSim struct {
	gpio      *fakeGPIO
	dout      GPIOPin
	sclk      GPIOPin
	pattern   uint32
	pulses    int
	stayReady bool
}

func attachChipSim(g *fakeGPIO, dout, sclk GPIOPin, pattern uint32) *hx71xChipSim {
	sim := &hx71xChipSim{gpio: g, dout: dout, sclk: sclk, pattern: pattern}
	g.levels[dout] = false // conversion ready
	g.watch(sim.edge)
	return sim
}

func (s *hx71xChipSim) edge(pin GPIOPin, value bool) {
	if pin != s.sclk || !value {
		return
	}
	s.pulses++
	if s.pulses <= 24 {
		bit := (s.pattern >> (24 - s.pulses)) & 1
		s.gpio.levels[s.dout] = bit == 1
		return
	}
	// Gain pulses consume the readiness
	if !s.stayReady {
		s.gpio.levels[s.dout] = true
	} else {
		s.gpio.levels[s.dout] = false
	}
}

// resetCoreState returns all package globals to boot state
func resetCoreState() {
	timerList = nil
	spiDevices = make(map[uint8]*SPIDevice)
	ads1220Sensors = make(map[uint8]*ADS1220)
	hx71xSensors = make(map[uint8]*HX71x)
	loadCellEndstops = make(map[uint8]*LoadCellEndstop)
	triggerSyncs = make(map[uint8]*TriggerSync)
	wakeADS1220 = TaskWake{}
	wakeHX71x = TaskWake{}
	gpioDriver = nil
	spiDriver = nil
	softwareSPIDriver = nil
	globalTransport = nil
	ResetFirmwareState()
	SetTime(0)
}

// buildArgs encodes command arguments the way the transport would
// deliver them
func buildArgs(encode func(o protocol.OutputBuffer)) []byte {
	out := protocol.NewScratchOutput()
	encode(out)
	return append([]byte(nil), out.Result()...)
}

// fireTimers jumps the clock past the earliest scheduled timer and
// dispatches it
func fireTimers() {
	if timerList != nil {
		wake := timerList.WakeTime
		if int32(wake-GetTime()) > 0 {
			SetTime(wake)
		}
	}
	ProcessTimers()
}

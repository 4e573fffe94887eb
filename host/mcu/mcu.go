// Package mcu manages the host's connection to the sampling firmware.
// Host and firmware are built from the same module, so the command
// table is derived directly from the firmware's own registry instead of
// being retrieved over the wire.
package mcu

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"loadcell/core"
	"loadcell/host/serial"
	"loadcell/protocol"
)

// ResponseHandler receives a decoded response payload
type ResponseHandler func(data *[]byte) error

// MCU is a connection to the sampling firmware
type MCU struct {
	transport *protocol.HostTransport
	port      serial.Port

	commands  map[string]uint16 // name -> command id
	responses map[uint16]string // response id -> name

	mu       sync.Mutex
	handlers map[uint16]ResponseHandler

	connected bool
}

var tableOnce sync.Once

// NewMCU creates a new MCU instance (not yet connected)
func NewMCU() *MCU {
	m := &MCU{
		commands:  make(map[string]uint16),
		responses: make(map[uint16]string),
		handlers:  make(map[uint16]ResponseHandler),
	}
	m.loadCommandTable()
	return m
}

// loadCommandTable builds the name/id maps from the firmware registry
func (m *MCU) loadCommandTable() {
	tableOnce.Do(core.InitAllCommands)

	commands, responses := core.GetGlobalRegistry().GetCommandsAndResponses()
	for format, id := range commands {
		m.commands[commandName(format)] = uint16(id)
	}
	for format, id := range responses {
		m.responses[uint16(id)] = commandName(format)
	}
}

// commandName strips the argument format from a dictionary entry
func commandName(format string) string {
	if idx := strings.IndexByte(format, ' '); idx >= 0 {
		return format[:idx]
	}
	return format
}

// Connect opens the serial device and starts the transport
func (m *MCU) Connect(device string) error {
	return m.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig connects with a custom serial config
func (m *MCU) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to open serial port")
	}

	m.port = port
	m.transport = protocol.NewHostTransport(port)
	m.transport.SetResponseHandler(m.dispatchResponse)
	m.connected = true

	// Give the MCU time to finish booting if it just powered on
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Close shuts down the connection
func (m *MCU) Close() error {
	m.connected = false
	if m.transport != nil {
		return m.transport.Close()
	}
	return nil
}

// IsConnected reports whether the MCU is connected
func (m *MCU) IsConnected() bool {
	return m.connected
}

// OnResponse registers a handler for a named response message
func (m *MCU) OnResponse(name string, handler ResponseHandler) error {
	for id, respName := range m.responses {
		if respName == name {
			m.mu.Lock()
			m.handlers[id] = handler
			m.mu.Unlock()
			return nil
		}
	}
	return errors.Errorf("unknown response %q", name)
}

// dispatchResponse routes an incoming response to its handler
func (m *MCU) dispatchResponse(cmdID uint16, data *[]byte) error {
	m.mu.Lock()
	handler := m.handlers[cmdID]
	m.mu.Unlock()

	if handler == nil {
		// Unclaimed responses are dropped, not an error
		return nil
	}
	return handler(data)
}

// SendCommand sends a named command with VLQ-encoded arguments
func (m *MCU) SendCommand(name string, args func(output protocol.OutputBuffer)) error {
	if !m.connected {
		return errors.New("not connected to MCU")
	}

	cmdID, ok := m.commands[name]
	if !ok {
		return errors.Errorf("unknown command %q", name)
	}
	return m.transport.SendCommand(cmdID, args)
}

// ConfigureHX71x configures a bit-banged chip group. pins holds
// dout/sclk pairs; entries beyond chipCount are ignored by the MCU.
func (m *MCU) ConfigureHX71x(oid, gainChannel, chipCount uint8, pins [4][2]uint32) error {
	return m.SendCommand("config_hx71x", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, uint32(gainChannel))
		protocol.EncodeVLQUint(output, uint32(chipCount))
		for i := 0; i < 4; i++ {
			protocol.EncodeVLQUint(output, pins[i][0])
			protocol.EncodeVLQUint(output, pins[i][1])
		}
	})
}

// ConfigureADS1220 configures an SPI-polled ADC. The SPI device at
// spiOID must have been configured first.
func (m *MCU) ConfigureADS1220(oid, spiOID uint8, dataReadyPin uint32) error {
	return m.SendCommand("config_ads1220", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, uint32(spiOID))
		protocol.EncodeVLQUint(output, dataReadyPin)
	})
}

// StartCapture starts periodic sampling on a sensor. sensor is the
// command prefix, "hx71x" or "ads1220".
func (m *MCU) StartCapture(sensor string, oid uint8, restTicks uint32) error {
	return m.SendCommand("query_"+sensor, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, restTicks)
	})
}

// StopCapture stops periodic sampling on a sensor
func (m *MCU) StopCapture(sensor string, oid uint8) error {
	return m.StartCapture(sensor, oid, 0)
}

// QueryStatus requests a sensor_bulk_status report for a sensor
func (m *MCU) QueryStatus(sensor string, oid uint8) error {
	return m.SendCommand("query_"+sensor+"_status", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
	})
}

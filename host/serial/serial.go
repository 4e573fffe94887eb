// Package serial abstracts the host's connection to the sampling MCU.
// The Port interface keeps the transport layer testable: production
// code opens a native tty while tests substitute an in-memory pipe.
package serial

import (
	"io"
)

// Port is a bidirectional byte stream to the MCU
type Port interface {
	io.ReadWriteCloser

	// Flush discards buffered data not yet transmitted
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g. "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate. USB CDC devices ignore this but the field is still
	// required to open the port.
	Baud int

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int
}

// DefaultConfig returns the standard settings for a USB-connected
// sampling MCU
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000,
		ReadTimeout: 100,
	}
}

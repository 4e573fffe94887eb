// Package protocol implements the Klipper-style MCU wire protocol used by
// the load-cell sampling firmware: VLQ argument encoding, CRC16 framing and
// the transport state machines for both the MCU and the host side.
package protocol

// Version identifies the firmware protocol build
const Version = "loadcell-0.1.0"

// Framing constants
const (
	MessageMax     = 512 // Maximum output buffer size (holds several frames)
	MessageMin     = 5   // Minimum frame size (header + CRC + sync)
	MessageHeader  = 2   // Frame header size (length + sequence)
	MessageTrailer = 3   // Frame trailer size (CRC16 + sync)

	// Sequence byte layout
	MessageSeqMask  = 0x0F
	MessageSeqShift = 4
)

package protocol

import (
	"testing"
)

func TestCRC16KnownValue(t *testing.T) {
	// Reference value for the standard "123456789" check sequence
	if got := CRC16([]byte("123456789")); got != 0x6F91 {
		t.Fatalf("expected 0x6F91, got %#04x", got)
	}
}

func TestCRC16Empty(t *testing.T) {
	if got := CRC16(nil); got != 0xFFFF {
		t.Fatalf("expected initial value 0xFFFF, got %#04x", got)
	}
}

// buildFrame assembles a valid host frame carrying payload
func buildFrame(seq uint8, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+MessageLengthMin)
	frame = append(frame, uint8(len(payload)+MessageLengthMin), seq)
	frame = append(frame, payload...)
	crc := CRC16(frame)
	frame = append(frame, uint8(crc>>8), uint8(crc&0xFF), MessageValueSync)
	return frame
}

func TestTransportDispatchesCommand(t *testing.T) {
	var gotID uint16
	var gotArg uint32

	out := NewScratchOutput()
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		gotID = cmdID
		v, err := DecodeVLQUint(data)
		if err != nil {
			return err
		}
		gotArg = v
		return nil
	})

	payload := NewScratchOutput()
	EncodeVLQUint(payload, 7) // command id
	EncodeVLQUint(payload, 42)

	input := NewSliceInputBuffer(buildFrame(MessageDest, payload.Result()))
	tr.Receive(input)

	if gotID != 7 || gotArg != 42 {
		t.Fatalf("expected cmd 7 arg 42, got cmd %d arg %d", gotID, gotArg)
	}

	// The transport must have acknowledged with the next sequence
	ack := out.Result()
	if len(ack) != 5 {
		t.Fatalf("expected a 5-byte ACK, got % x", ack)
	}
	if ack[1] != MessageDest+1 {
		t.Fatalf("ACK sequence expected %#x, got %#x", MessageDest+1, ack[1])
	}
}

func TestTransportRejectsBadCRC(t *testing.T) {
	called := false
	out := NewScratchOutput()
	tr := NewTransport(out, func(uint16, *[]byte) error {
		called = true
		return nil
	})

	payload := NewScratchOutput()
	EncodeVLQUint(payload, 7)
	frame := buildFrame(MessageDest, payload.Result())
	frame[2] ^= 0xFF // corrupt the payload

	tr.Receive(NewSliceInputBuffer(frame))

	if called {
		t.Fatal("corrupted frame must not dispatch")
	}
}

func TestTransportIgnoresRepeatedSequence(t *testing.T) {
	calls := 0
	out := NewScratchOutput()
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		calls++
		return nil
	})

	payload := NewScratchOutput()
	EncodeVLQUint(payload, 7)
	first := buildFrame(MessageDest, payload.Result())
	second := buildFrame(MessageDest+1, payload.Result())

	tr.Receive(NewSliceInputBuffer(first))
	tr.Receive(NewSliceInputBuffer(second))
	// Retransmit of the second frame, as after a lost ACK
	tr.Receive(NewSliceInputBuffer(second))

	if calls != 2 {
		t.Fatalf("duplicate frame must dispatch once, got %d calls", calls)
	}
}

func TestTransportEncodeFrameRoundTrips(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, nil)

	tr.SendCommand(3, func(o OutputBuffer) {
		EncodeVLQUint(o, 99)
	})

	frame := out.Result()
	if len(frame) < MessageLengthMin {
		t.Fatalf("frame too short: % x", frame)
	}
	if int(frame[0]) != len(frame) {
		t.Fatalf("length byte %d does not match frame length %d", frame[0], len(frame))
	}
	if frame[len(frame)-1] != MessageValueSync {
		t.Fatal("frame must end with the sync byte")
	}

	crc := CRC16(frame[:len(frame)-MessageTrailerSize])
	gotCRC := uint16(frame[len(frame)-3])<<8 | uint16(frame[len(frame)-2])
	if crc != gotCRC {
		t.Fatalf("CRC mismatch: computed %#04x, frame carries %#04x", crc, gotCRC)
	}

	body := frame[MessageHeaderSize : len(frame)-MessageTrailerSize]
	cmdID, err := DecodeVLQUint(&body)
	if err != nil {
		t.Fatal(err)
	}
	arg, err := DecodeVLQUint(&body)
	if err != nil {
		t.Fatal(err)
	}
	if cmdID != 3 || arg != 99 {
		t.Fatalf("expected cmd 3 arg 99, got cmd %d arg %d", cmdID, arg)
	}
}

func TestFifoBufferWrapAround(t *testing.T) {
	f := NewFifoBuffer(8)

	if n := f.Write([]byte{1, 2, 3, 4, 5}); n != 5 {
		t.Fatalf("expected 5 written, got %d", n)
	}
	f.Pop(3)
	if n := f.Write([]byte{6, 7, 8, 9}); n != 4 {
		t.Fatalf("expected 4 written, got %d", n)
	}

	data := f.Data()
	want := []byte{4, 5, 6, 7, 8, 9}
	if len(data) != len(want) {
		t.Fatalf("expected %d bytes, got %d", len(want), len(data))
	}
	for i, b := range want {
		if data[i] != b {
			t.Fatalf("byte %d: expected %d, got %d", i, b, data[i])
		}
	}
}

package protocol

import (
	"bytes"
	"testing"
)

func TestVLQIntRoundTrip(t *testing.T) {
	values := []int32{
		0, 1, -1, 31, 32, -32, -33, 95, 96,
		127, 128, -128, 4095, 4096, -4096,
		0x7FFFFF, -0x800000, 0x7FFFFFFF, -0x80000000,
	}

	for _, v := range values {
		out := NewScratchOutput()
		EncodeVLQInt(out, v)

		data := out.Result()
		got, err := DecodeVLQInt(&data)
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d: got %d", v, got)
		}
		if len(data) != 0 {
			t.Fatalf("decode %d left %d bytes", v, len(data))
		}
	}
}

func TestVLQUintRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0xFFFFFF, 0xFFFFFFFF}

	for _, v := range values {
		out := NewScratchOutput()
		EncodeVLQUint(out, v)

		data := out.Result()
		got, err := DecodeVLQUint(&data)
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d: got %d", v, got)
		}
	}
}

func TestVLQSmallValuesAreOneByte(t *testing.T) {
	// Values in [-32, 95] fit a single byte, which matters for frame
	// budget calculations
	for _, v := range []int32{-32, 0, 95} {
		out := NewScratchOutput()
		EncodeVLQInt(out, v)
		if len(out.Result()) != 1 {
			t.Fatalf("%d should encode to 1 byte, got %d", v, len(out.Result()))
		}
	}
	for _, v := range []int32{-33, 96} {
		out := NewScratchOutput()
		EncodeVLQInt(out, v)
		if len(out.Result()) != 2 {
			t.Fatalf("%d should encode to 2 bytes, got %d", v, len(out.Result()))
		}
	}
}

func TestVLQDecodeEmptyBuffer(t *testing.T) {
	var data []byte
	if _, err := DecodeVLQInt(&data); err == nil {
		t.Fatal("empty buffer must error")
	}
}

func TestVLQDecodeTruncatedContinuation(t *testing.T) {
	data := []byte{0x81} // continuation bit set, nothing follows
	if _, err := DecodeVLQInt(&data); err == nil {
		t.Fatal("truncated encoding must error")
	}
}

func TestVLQBytesRoundTrip(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	out := NewScratchOutput()
	EncodeVLQBytes(out, payload)

	data := out.Result()
	got, err := DecodeVLQBytes(&data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected % x, got % x", payload, got)
	}
}

func TestVLQBytesTruncatedPayload(t *testing.T) {
	out := NewScratchOutput()
	EncodeVLQBytes(out, []byte{1, 2, 3, 4})

	data := out.Result()[:3] // length prefix promises more than present
	if _, err := DecodeVLQBytes(&data); err == nil {
		t.Fatal("truncated payload must error")
	}
}

func TestVLQStringRoundTrip(t *testing.T) {
	out := NewScratchOutput()
	EncodeVLQString(out, "sensor fault")

	data := out.Result()
	got, err := DecodeVLQString(&data)
	if err != nil {
		t.Fatal(err)
	}
	if got != "sensor fault" {
		t.Fatalf("expected %q, got %q", "sensor fault", got)
	}
}

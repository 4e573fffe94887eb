package loadcell

import (
	"github.com/pkg/errors"
)

// BytesPerSample is the wire size of one ADC sample in a bulk frame
const BytesPerSample = 4

// DecodeSamples decodes the payload of one sensor_bulk_data frame into
// signed samples (little-endian int32, the MCU's append order).
func DecodeSamples(data []byte) ([]int32, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, errors.Errorf("bulk payload length %d is not a multiple of %d", len(data), BytesPerSample)
	}

	samples := make([]int32, 0, len(data)/BytesPerSample)
	for i := 0; i < len(data); i += BytesPerSample {
		v := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		samples = append(samples, int32(v))
	}
	return samples, nil
}

// StreamDecoder reassembles the numbered bulk frames into a continuous
// sample stream and accounts for frames lost in transit.
type StreamDecoder struct {
	started      bool
	nextSequence uint16
	lostFrames   uint32
}

// Frame decodes one bulk frame. The returned lost count is how many
// frames were skipped before this one according to the sequence number.
func (d *StreamDecoder) Frame(sequence uint16, data []byte) (samples []int32, lost uint16, err error) {
	samples, err = DecodeSamples(data)
	if err != nil {
		return nil, 0, err
	}

	if d.started {
		lost = sequence - d.nextSequence
		d.lostFrames += uint32(lost)
	}
	d.started = true
	d.nextSequence = sequence + 1
	return samples, lost, nil
}

// LostFrames returns the total number of frames lost since the decoder
// started
func (d *StreamDecoder) LostFrames() uint32 {
	return d.lostFrames
}

// Scale converts raw counts to grams using the calibration
func (c *CalibrationConfig) Scale(counts int32) float64 {
	return float64(counts-c.TareCounts) / c.CountsPerGram
}

// Tare computes a new zero offset from a set of no-load samples
func Tare(samples []int32) (int32, error) {
	if len(samples) == 0 {
		return 0, errors.New("cannot tare without samples")
	}
	var sum int64
	for _, s := range samples {
		sum += int64(s)
	}
	return int32(sum / int64(len(samples))), nil
}

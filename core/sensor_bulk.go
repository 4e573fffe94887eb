// Bulk sample buffering shared by the ADC sensor engines.
// Samples accumulate in a fixed buffer and are flushed to the host as
// numbered sensor_bulk_data messages, so the host can detect dropped
// frames from sequence gaps.
package core

import "loadcell/protocol"

// BulkDataMax is the payload capacity of one sensor_bulk_data message
const BulkDataMax = 52

// BytesPerSample is the encoded size of one ADC sample
const BytesPerSample = 4

// SensorBulk accumulates sample bytes for periodic bulk reporting
type SensorBulk struct {
	Sequence          uint16
	PossibleOverflows uint16
	Count             uint8
	Data              [BulkDataMax]byte
}

// Reset clears the buffer and all reporting counters. Called when a
// sensor starts a new capture session.
func (sb *SensorBulk) Reset() {
	sb.Sequence = 0
	sb.PossibleOverflows = 0
	sb.Count = 0
}

// CanFit reports whether n more bytes fit in the buffer
func (sb *SensorBulk) CanFit(n uint8) bool {
	return int(sb.Count)+int(n) <= BulkDataMax
}

// AppendSample adds a sample as 4 little-endian bytes. The caller must
// flush first when the sample would not fit.
func (sb *SensorBulk) AppendSample(v int32) {
	u := uint32(v)
	sb.Data[sb.Count] = byte(u)
	sb.Data[sb.Count+1] = byte(u >> 8)
	sb.Data[sb.Count+2] = byte(u >> 16)
	sb.Data[sb.Count+3] = byte(u >> 24)
	sb.Count += BytesPerSample
}

// NoteOverflow records a possible lost sample for the next status report
func (sb *SensorBulk) NoteOverflow() {
	sb.PossibleOverflows++
}

// Report sends the buffered samples and advances the sequence number
func (sb *SensorBulk) Report(oid uint8) {
	payload := make([]byte, sb.Count)
	copy(payload, sb.Data[:sb.Count])
	seq := sb.Sequence

	if globalTransport == nil {
		// No link to carry the frame; its samples are lost
		sb.NoteOverflow()
	}
	SendResponse("sensor_bulk_data", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, uint32(seq))
		protocol.EncodeVLQBytes(output, payload)
	})

	sb.Count = 0
	sb.Sequence++
}

// Status sends the buffer state so the host can account for samples
// still in flight. queryTicks is how long the status probe itself took
// and pendingBytes counts sample bytes readable but not yet buffered.
func (sb *SensorBulk) Status(oid uint8, start uint32, queryTicks uint32, pendingBytes uint8) {
	seq := sb.Sequence
	buffered := sb.Count + pendingBytes
	overflows := sb.PossibleOverflows

	SendResponse("sensor_bulk_status", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, start)
		protocol.EncodeVLQUint(output, queryTicks)
		protocol.EncodeVLQUint(output, uint32(seq))
		protocol.EncodeVLQUint(output, uint32(buffered))
		protocol.EncodeVLQUint(output, uint32(overflows))
	})
}

// InitSensorBulkResponses registers the bulk reporting response messages
func InitSensorBulkResponses() {
	RegisterResponse("sensor_bulk_data", "oid=%c sequence=%hu data=%*s")
	RegisterResponse("sensor_bulk_status", "oid=%c clock=%u query_ticks=%u next_sequence=%hu buffered=%c possible_overflows=%hu")
}

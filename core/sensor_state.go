package core

import "sync/atomic"

// SensorState is the lifecycle state of a periodic sensor record
type SensorState uint32

const (
	// SensorIdle: configured, sampling stopped
	SensorIdle SensorState = iota
	// SensorArmed: a capture timer is scheduled
	SensorArmed
	// SensorPending: the timer fired, a read is due
	SensorPending
	// SensorFaulted: a fatal error occurred, the device never rearms
	SensorFaulted
)

// sensorState holds a SensorState with atomic access. The timer event
// moves Armed to Pending from interrupt context while the capture task
// moves Pending to Armed or Faulted from task context.
type sensorState struct {
	v uint32
}

func (s *sensorState) Load() SensorState {
	return SensorState(atomic.LoadUint32(&s.v))
}

func (s *sensorState) Store(st SensorState) {
	atomic.StoreUint32(&s.v, uint32(st))
}

// CompareAndSwap transitions from old to new only if the state is still
// old, so a stop command racing a timer fire cannot be overridden.
func (s *sensorState) CompareAndSwap(old, new SensorState) bool {
	return atomic.CompareAndSwapUint32(&s.v, uint32(old), uint32(new))
}

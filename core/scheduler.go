package core

import "sync/atomic"

// Timer represents a scheduled event
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) uint8
	Next     *Timer
}

const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

var (
	timerList   *Timer
	currentTime uint32
)

// ScheduleTimer adds a timer to the schedule
func ScheduleTimer(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	insertTimer(t)
}

// CancelTimer removes a timer from the schedule if it is queued. After
// this returns the timer cannot fire until it is scheduled again, so a
// stopped device cannot be resurrected by a late timer event.
func CancelTimer(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if timerList == t {
		timerList = t.Next
		t.Next = nil
		return
	}
	for cur := timerList; cur != nil; cur = cur.Next {
		if cur.Next == t {
			cur.Next = t.Next
			t.Next = nil
			return
		}
	}
}

// insertTimer inserts a timer in sorted order by WakeTime. Signed
// differences keep the ordering correct across tick counter wraparound.
func insertTimer(t *Timer) {
	if timerList == nil || int32(t.WakeTime-timerList.WakeTime) < 0 {
		t.Next = timerList
		timerList = t
		return
	}

	current := timerList
	for current.Next != nil && int32(current.Next.WakeTime-t.WakeTime) < 0 {
		current = current.Next
	}

	t.Next = current.Next
	current.Next = t
}

// TimerDispatch processes due timers
func TimerDispatch() {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	for timerList != nil && int32(timerList.WakeTime-currentTime) <= 0 {
		timer := timerList
		timerList = timer.Next
		timer.Next = nil // clear to avoid circular references

		result := timer.Handler(timer)

		if result == SF_RESCHEDULE {
			insertTimer(timer)
		}
	}
}

// TaskWake is a single-producer/single-consumer notification connecting
// a timer event to the background task that services it. One instance
// is shared per sensor family; wakes coalesce, so the task must scan
// all of its devices on every run.
type TaskWake struct {
	wake uint32 // atomic bool
}

// Wake marks the task as needing to run. Safe from interrupt context.
func (w *TaskWake) Wake() {
	atomic.StoreUint32(&w.wake, 1)
}

// CheckWake reports whether a wake was signaled and clears it
func (w *TaskWake) CheckWake() bool {
	return atomic.SwapUint32(&w.wake, 0) != 0
}

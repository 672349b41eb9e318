package enginectl

import "time"

// ScheduleRetry re-enqueues next onto d's deque after wait, the
// goroutine-timer equivalent of the original source's SleepCommand. It
// registers the wait with BeginAsync/EndAsync so Run does not exit while
// the timer is outstanding.
func (d *Dispatcher) ScheduleRetry(next Command, wait time.Duration) {
	d.BeginAsync()
	time.AfterFunc(wait, func() {
		defer d.EndAsync()
		if !d.Halted() {
			d.Enqueue(next)
		}
	})
}

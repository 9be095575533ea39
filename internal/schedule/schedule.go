// Package schedule provides cancellable one-shot timers that fire on a single
// logical execution context.
package schedule

import "time"

// Handle identifies a scheduled callback. The zero Handle is never issued.
type Handle uint64

// Scheduler schedules callbacks after a delay.
//
// Callbacks never run synchronously inside Schedule, even for a zero delay.
// After Cancel returns, the cancelled callback will not run.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Handle
	Cancel(h Handle)
}

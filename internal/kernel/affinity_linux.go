package kernel

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCallingThread locks the calling goroutine to its OS thread and, on
// Linux, pins that thread to the host hardware CPU numbered cpu modulo
// runtime.NumCPU() via sched_setaffinity. This is the bridge between a
// simulated logical CPU (a goroutine bound with RunOnCPU) and a real
// scheduling guarantee on the host, grounded on the sched_setaffinity/
// CPU-mask pattern in other_examples' page_alloc_bench tool. It is
// best-effort: a host with fewer hardware CPUs than the simulated topology
// shares host CPUs among simulated ones, and a failing sched_setaffinity is
// ignored, leaving the thread unpinned rather than failing bring-up.
func PinCallingThread(cpu int) {
	runtime.LockOSThread()

	var mask unix.CPUSet
	mask.Zero()
	n := runtime.NumCPU()
	if n <= 0 {
		n = 1
	}
	mask.Set(cpu % n)
	_ = unix.SchedSetaffinity(0, &mask)
}

// UnpinCallingThread releases the OS-thread lock taken by
// PinCallingThread. Callers that bind a goroutine to a simulated CPU for
// its whole lifetime (the AP's run loop) never call this; it exists for
// short-lived pinned sections such as tests.
func UnpinCallingThread() {
	runtime.UnlockOSThread()
}

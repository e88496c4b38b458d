//go:build !linux

package kernel

import "runtime"

// PinCallingThread locks the calling goroutine to its OS thread. Real CPU
// pinning via sched_setaffinity is Linux-only; other hosts get the
// OS-thread lock without the hardware affinity guarantee.
func PinCallingThread(cpu int) {
	runtime.LockOSThread()
}

// UnpinCallingThread releases the OS-thread lock taken by PinCallingThread.
func UnpinCallingThread() {
	runtime.UnlockOSThread()
}

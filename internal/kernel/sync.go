package kernel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// TicketLock is a FIFO spinlock. The 32-bit word is split into two 16-bit
// counters: head (next ticket to be served) and tail (next ticket handed
// out). Acquirers draw monotonically increasing tickets, so the (N+1)-th
// acquirer under contention waits no longer than N critical sections
// (spec §4.1).
type TicketLock struct {
	word uint32
}

func ticketHead(word uint32) uint16 { return uint16(word) }
func ticketTail(word uint32) uint16 { return uint16(word >> 16) }
func packTicket(head, tail uint16) uint32 {
	return uint32(head) | uint32(tail)<<16
}

// Lock acquires the lock, spinning with a CPU-pause hint until served.
func (t *TicketLock) Lock() {
	myTicket := ticketTail(atomic.AddUint32(&t.word, 1<<16) - (1 << 16))
	for {
		word := atomic.LoadUint32(&t.word)
		if ticketHead(word) == myTicket {
			return
		}
		runtime.Gosched()
	}
}

// Unlock releases the lock, handing it to the next ticket holder. Only the
// head half is advanced, so head wrapping past 0xFFFF never carries into tail.
func (t *TicketLock) Unlock() {
	for {
		old := atomic.LoadUint32(&t.word)
		if atomic.CompareAndSwapUint32(&t.word, old, packTicket(ticketHead(old)+1, ticketTail(old))) {
			return
		}
	}
}

// irqFlag models "interrupts enabled" for the IRQ-save lock variants. On a
// real kernel this would be the CPU's interrupt-enable flag; here it is a
// value threaded explicitly through the call, since Go has no notion of
// disabling host interrupts.
type irqFlag struct{ wasEnabled bool }

// LockIRQSave acquires the lock after disabling interrupts on pc, returning
// the previous interrupt-enabled state to hand back to UnlockIRQRestore. Any
// lock also taken from interrupt context (the run-queue lock, the NUMA
// node lock) must use this pair instead of Lock/Unlock (spec §4.1). pc is
// the PerCPU segment owning the lock (a run queue's own rq.pc, say); pass
// nil for locks with no single owning CPU (the NUMA node lock), which then
// fall back to the package-wide interrupt flag.
func (t *TicketLock) LockIRQSave(pc *PerCPU) irqFlag {
	prev := irqFlag{wasEnabled: GetInterruptFlag(pc)}
	DisableInterrupts(pc)
	t.Lock()
	return prev
}

// UnlockIRQRestore releases the lock and restores the interrupt-enabled
// state captured by the matching LockIRQSave. pc must match the one passed
// to that LockIRQSave.
func (t *TicketLock) UnlockIRQRestore(saved irqFlag, pc *PerCPU) {
	t.Unlock()
	if saved.wasEnabled {
		EnableInterrupts(pc)
	}
}

// RWSeqLock is a reader/writer lock: a signed counter where 0 is free,
// positive is a reader count, and -1 means a writer holds it. A companion
// spinlock serializes writers and prevents writer starvation (spec §4.1).
type RWSeqLock struct {
	state       int32
	writerQueue TicketLock
}

// RLock acquires a read lock, waiting while a writer holds or is queued on
// writerQueue.
func (l *RWSeqLock) RLock() {
	for {
		cur := atomic.LoadInt32(&l.state)
		w := atomic.LoadUint32(&l.writerQueue.word)
		if cur < 0 || ticketHead(w) != ticketTail(w) {
			runtime.Gosched()
			continue
		}
		if atomic.CompareAndSwapInt32(&l.state, cur, cur+1) {
			return
		}
	}
}

// RUnlock releases a read lock.
func (l *RWSeqLock) RUnlock() {
	atomic.AddInt32(&l.state, -1)
}

// Lock acquires the write lock, serialized against other writers by
// writerQueue so a stream of readers cannot starve a waiting writer.
func (l *RWSeqLock) Lock() {
	l.writerQueue.Lock()
	for !atomic.CompareAndSwapInt32(&l.state, 0, -1) {
		runtime.Gosched()
	}
}

// Unlock releases the write lock.
func (l *RWSeqLock) Unlock() {
	atomic.StoreInt32(&l.state, 0)
	l.writerQueue.Unlock()
}

// SeqLock implements a sequence lock for read-mostly published data: an
// even sequence number lets readers proceed lock-free; writers make it odd
// for the critical section and even again on exit. Readers retry if the
// sequence changed, or was odd, across their read (spec §4.1).
type SeqLock struct {
	seq uint32
}

// ReadBegin returns a sequence snapshot to pass to ReadRetry.
func (s *SeqLock) ReadBegin() uint32 {
	for {
		seq := atomic.LoadUint32(&s.seq)
		if seq&1 == 0 {
			return seq
		}
		runtime.Gosched()
	}
}

// ReadRetry reports whether the reader must retry: the sequence changed,
// or was odd, since ReadBegin.
func (s *SeqLock) ReadRetry(snapshot uint32) bool {
	return atomic.LoadUint32(&s.seq) != snapshot
}

// WriteBegin marks the start of a write critical section.
func (s *SeqLock) WriteBegin() {
	atomic.AddUint32(&s.seq, 1)
	FenceStore()
}

// WriteEnd marks the end of a write critical section.
func (s *SeqLock) WriteEnd() {
	FenceStore()
	atomic.AddUint32(&s.seq, 1)
}

// FenceFull is a full memory barrier.
func FenceFull() { atomic.AddUint32(&fenceSink, 0) }

// FenceLoad is a read-only barrier: orders this goroutine's prior loads
// before subsequent loads. Go's atomic loads already carry acquire
// semantics, so this wrapper exists purely so call sites name their
// intent the way spec §4.1 requires of the scheduler's current-thread
// publish/NeedReschedule-clear ordering.
func FenceLoad() { atomic.LoadUint32(&fenceSink) }

// FenceStore is a write-only barrier, matching FenceLoad.
func FenceStore() { atomic.AddUint32(&fenceSink, 0) }

var fenceSink uint32

// globalIRQEnabled backs the interrupt flag for locks with no single owning
// CPU (the NUMA node lock is administrative/init-time only and never taken
// from a specific CPU's interrupt context). Every scheduler-owned lock
// instead carries its own PerCPU segment and never touches this global, so
// it can never observe another CPU's IRQ-save/restore pair (spec §4.1).
var globalIRQEnabled int32 = 1

// DisableInterrupts disables interrupts on pc, or on the package-wide
// fallback if pc is nil.
func DisableInterrupts(pc *PerCPU) {
	if pc != nil {
		atomic.StoreInt32(&pc.irqEnabled, 0)
		return
	}
	atomic.StoreInt32(&globalIRQEnabled, 0)
}

// EnableInterrupts enables interrupts on pc, or on the package-wide
// fallback if pc is nil.
func EnableInterrupts(pc *PerCPU) {
	if pc != nil {
		atomic.StoreInt32(&pc.irqEnabled, 1)
		return
	}
	atomic.StoreInt32(&globalIRQEnabled, 1)
}

// GetInterruptFlag reports whether interrupts are currently enabled on pc,
// or on the package-wide fallback if pc is nil.
func GetInterruptFlag(pc *PerCPU) bool {
	if pc != nil {
		return atomic.LoadInt32(&pc.irqEnabled) != 0
	}
	return atomic.LoadInt32(&globalIRQEnabled) != 0
}

// onceGuard is a tiny helper matching the teacher's repeated
// "already initialized" guard idiom without requiring every caller to
// hand-roll a bool.
type onceGuard struct {
	mu   sync.Mutex
	done bool
}

func (g *onceGuard) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	g.done = true
	return true
}

package kernel

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// ThreadState is the lifecycle state of a thread (spec §3).
type ThreadState uint8

const (
	StateReady ThreadState = iota
	StateRunning
	StateBlocked
	StateZombie
	StateSuspended
)

// ThreadFlags are bit flags on a Thread (spec §3).
type ThreadFlags uint32

const (
	FlagKernel ThreadFlags = 1 << iota
	FlagIdle
	FlagNeedReschedule
	FlagMigrating
	FlagBound
	// FlagTerminating marks a thread killed but not yet reaped: it still
	// occupies its run queue's current pointer (or a wait channel) until
	// the next schedule() point, at which it is retired to Zombie instead
	// of being re-enqueued (spec §4.7 "kill").
	FlagTerminating
)

// ThreadID uniquely identifies a thread.
type ThreadID uint64

// WaitResult is the outcome delivered to a thread unblocked from a wait
// channel (spec §3 "Wait: ... result code").
type WaitResult int

const (
	WaitSuccess WaitResult = iota
	WaitCancelled
)

// WaitChannel is an opaque wait-channel identity. The scheduler never
// looks inside it; callers compare pointer identity only (spec §3
// "opaque wait-channel pointer").
type WaitChannel struct{ _ byte }

// Thread is the full per-thread scheduling record (spec §3 "Thread
// record").
type Thread struct {
	ID      ThreadID
	Process uint64 // owning process back-reference (opaque id, non-owning)
	Name    string

	Class         ClassID
	BasePriority  int
	boost         int32
	boostTicks    int32
	state         atomic.Uint32 // ThreadState
	flags         atomic.Uint32 // ThreadFlags

	RemainingSlice time.Duration
	MaxSlice       time.Duration
	Runtime        time.Duration
	LastScheduled  time.Time

	Affinity      uint64
	LastCPU       int
	PreferredCPU  int

	WakeAt   time.Time
	waitChan *WaitChannel
	Result   WaitResult

	StackBase uintptr
	StackSize uintptr

	entry func(arg any)
	arg   any
}

// State returns the thread's current lifecycle state.
func (t *Thread) State() ThreadState { return ThreadState(t.state.Load()) }
func (t *Thread) setState(s ThreadState) { t.state.Store(uint32(s)) }

// Flags returns the thread's current flag bits.
func (t *Thread) Flags() ThreadFlags { return ThreadFlags(t.flags.Load()) }
func (t *Thread) setFlag(f ThreadFlags) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}
func (t *Thread) clearFlag(f ThreadFlags) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}
func (t *Thread) hasFlag(f ThreadFlags) bool { return ThreadFlags(t.flags.Load())&f != 0 }

// level returns the thread's within-class priority level: base priority
// plus transient boost, clamped to [0, 31] (spec §4.5 boost/§3 dynamic
// priority).
func (t *Thread) level() int {
	v := t.BasePriority + int(atomic.LoadInt32(&t.boost))
	return clampInt(v, 0, maxLevel)
}

// DynamicPriority flattens (class, level) into the global [0,
// class_count*32-1] range so cross-class comparisons are a single integer
// compare (spec §3 invariant "thread.dynamic_priority lies in [0,
// global_max]").
func (t *Thread) DynamicPriority() int {
	return int(t.Class)*levelsPerClass + t.level()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ApplyBoost applies a transient signed priority delta for ticks duration,
// clamped on application to the global priority range (spec §4.5
// "Priority boost").
func (t *Thread) ApplyBoost(delta int, ticks int) {
	atomic.StoreInt32(&t.boost, int32(clampInt(delta, -maxLevel, maxLevel)))
	atomic.StoreInt32(&t.boostTicks, int32(ticks))
}

// decayBoost is called once per tick; when the countdown reaches zero the
// boost reverts to zero (dynamic_priority collapses back to base).
func (t *Thread) decayBoost() {
	remaining := atomic.AddInt32(&t.boostTicks, -1)
	if remaining <= 0 && atomic.LoadInt32(&t.boost) != 0 {
		atomic.StoreInt32(&t.boost, 0)
		atomic.StoreInt32(&t.boostTicks, 0)
	}
}

// ============================================================================
// Wait queue: sharded hash table keyed by channel pointer identity.
//
// This is the implementer's resolution of the Open Question in spec §9:
// "the wait-channel data structure ... is implied but not specified ...
// a sharded hash keyed by the channel pointer is a reasonable default."
// ============================================================================

const waitShardCount = 64

type waitShard struct {
	mu      sync.Mutex
	waiters map[*WaitChannel][]*Thread
}

type waitQueue struct {
	shards [waitShardCount]waitShard
}

func newWaitQueue() *waitQueue {
	wq := &waitQueue{}
	for i := range wq.shards {
		wq.shards[i].waiters = make(map[*WaitChannel][]*Thread)
	}
	return wq
}

func (w *waitQueue) shardFor(ch *WaitChannel) *waitShard {
	idx := uintptr(unsafe.Pointer(ch)) % waitShardCount
	return &w.shards[idx]
}

func (w *waitQueue) park(ch *WaitChannel, t *Thread) {
	s := w.shardFor(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[ch] = append(s.waiters[ch], t)
}

// wake moves every thread parked on ch back to Ready and returns them for
// the caller (the Scheduler) to enqueue; this is the collaborator-supplied
// "wait-queue abstraction" transferring threads back to Ready per spec
// §4.5 "Block".
func (w *waitQueue) wake(ch *WaitChannel, result WaitResult) []*Thread {
	s := w.shardFor(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	threads := s.waiters[ch]
	delete(s.waiters, ch)
	for _, t := range threads {
		t.Result = result
	}
	return threads
}

// ============================================================================
// Scheduler core
// ============================================================================

// Scheduler owns one RunQueue per discovered CPU plus the global priority
// range and the coordination lock used for affinity changes (spec §4.5,
// §5 "global scheduler lock").
type Scheduler struct {
	topo       *Topology
	numa       *NUMATopology
	runQueues  []*RunQueue
	globalLock sync.Mutex
	waitQ      *waitQueue
	ic         map[int]InterruptController

	switches   atomic.Uint64
	migrations atomic.Uint64
	nextTID    atomic.Uint64
}

// NewScheduler builds a scheduler with one run queue (and idle thread) per
// processor in topo, online or not yet online, so APs brought up later
// already have one; run-queue storage is allocated node-local via numa
// (spec §2 data flow: "BSP then initializes the NUMA allocator, then the
// scheduler").
func NewScheduler(topo *Topology, numa *NUMATopology) (*Scheduler, error) {
	s := &Scheduler{topo: topo, numa: numa, waitQ: newWaitQueue(), ic: make(map[int]InterruptController)}
	for _, p := range topo.Processors() {
		rq, err := NewRunQueue(numa, p.NodeIndex, p.LogicalIndex)
		if err != nil {
			return nil, err
		}
		idle := s.newIdleThread(p.LogicalIndex)
		rq.idle = idle
		rq.current = idle
		s.runQueues = append(s.runQueues, rq)
	}
	return s, nil
}

// RegisterController associates an interrupt controller with a CPU so the
// scheduler can send reschedule IPIs to it (spec §4.5 Enqueue "if the
// target is remote, send a reschedule-IPI").
func (s *Scheduler) RegisterController(cpu int, ic InterruptController) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	s.ic[cpu] = ic
}

func (s *Scheduler) newIdleThread(cpu int) *Thread {
	t := &Thread{
		ID:           ThreadID(s.nextTID.Add(1)),
		Name:         "idle",
		Class:        ClassIdle,
		BasePriority: 0,
		Affinity:     1 << uint(cpu),
		PreferredCPU: cpu,
		LastCPU:      cpu,
	}
	t.setState(StateRunning)
	t.setFlag(FlagIdle | FlagBound)
	return t
}

// RunQueue returns the run queue for a logical CPU, or nil.
func (s *Scheduler) RunQueue(cpu int) *RunQueue {
	for _, rq := range s.runQueues {
		if rq.CPU == cpu {
			return rq
		}
	}
	return nil
}

// NewThread allocates a thread record with the defaults of spec §4.7
// "create": class Regular, base priority 16, full affinity, preferred CPU
// = current.
func (s *Scheduler) NewThread(process uint64, name string, maxSlice time.Duration, preferredCPU int) *Thread {
	full := uint64(0)
	for range s.runQueues {
		full = full<<1 | 1
	}
	if full == 0 {
		full = ^uint64(0)
	}
	t := &Thread{
		ID:             ThreadID(s.nextTID.Add(1)),
		Process:        process,
		Name:           name,
		Class:          ClassRegular,
		BasePriority:   16,
		Affinity:       full,
		PreferredCPU:   preferredCPU,
		LastCPU:        preferredCPU,
		MaxSlice:       maxSlice,
		RemainingSlice: maxSlice,
	}
	t.setState(StateSuspended)
	return t
}

// targetCPUFor computes the destination run queue for t: PreferredCPU if
// allowed by affinity, else the first bit set in affinity & online_mask
// (spec §4.5 "Enqueue").
func (s *Scheduler) targetCPUFor(t *Thread) int {
	online := s.topo.OnlineMask()
	pref := uint64(1) << uint(t.PreferredCPU)
	if t.Affinity&pref != 0 && online&pref != 0 {
		return t.PreferredCPU
	}
	avail := t.Affinity & online
	for i := 0; i < 64; i++ {
		if avail&(uint64(1)<<uint(i)) != 0 {
			return i
		}
	}
	return t.PreferredCPU
}

// Enqueue places t onto its target run queue, raising NeedReschedule on
// the target's current thread if t now dominates it, and in that case
// sending a reschedule-IPI to the target CPU, local or remote (spec §4.5
// "Enqueue").
func (s *Scheduler) Enqueue(t *Thread) {
	cpu := s.targetCPUFor(t)
	rq := s.RunQueue(cpu)
	if rq == nil {
		return
	}

	saved := rq.lock.LockIRQSave(rq.pc)
	rq.enqueueLocked(t)
	t.setState(StateReady)
	t.LastCPU = cpu
	needKick := false
	if rq.current != nil && t.DynamicPriority() > rq.current.DynamicPriority() {
		rq.current.setFlag(FlagNeedReschedule)
		needKick = true
	}
	rq.lock.UnlockIRQRestore(saved, rq.pc)

	// The reschedule-IPI is sent whenever needKick is set, whether or not
	// the enqueuing call happened to run "on" cpu itself: NeedReschedule
	// was already raised above regardless, and VectorReschedule's handler
	// is a no-op that only matters for a remote CPU's next PreemptEnable/
	// Schedule, so a self-targeted send is simply wasted, never wrong.
	if needKick {
		if ic, ok := s.ic[cpu]; ok {
			ic.Send(uint32(cpu), VectorReschedule)
		}
	}
}

// Dequeue removes t from its owning run queue (spec §4.5 "Dequeue").
func (s *Scheduler) Dequeue(t *Thread) bool {
	rq := s.RunQueue(t.LastCPU)
	if rq == nil {
		return false
	}
	saved := rq.lock.LockIRQSave(rq.pc)
	defer rq.lock.UnlockIRQRestore(saved, rq.pc)
	return rq.dequeueLocked(t)
}

// Schedule runs the core scheduling decision for the given CPU's run
// queue (spec §4.5 "schedule()"). It returns the thread that should now
// be Running; the caller is responsible for performing the actual context
// switch outside the run-queue lock.
func (s *Scheduler) Schedule(cpu int) *Thread {
	rq := s.RunQueue(cpu)
	if rq == nil {
		return nil
	}

	// Per spec §4.5, schedule() is a no-op while the CPU's preempt counter
	// is nonzero, unless the current thread has already transitioned to
	// Blocked: Block() sets Blocked and calls Schedule immediately after,
	// and that call must go through even inside a critical section, since
	// the thread is giving up the CPU regardless of who is counting.
	if rq.pc != nil && atomic.LoadInt32(&rq.pc.preempt) != 0 {
		if rq.current == nil || rq.current.State() != StateBlocked {
			return rq.current
		}
	}

	saved := rq.lock.LockIRQSave(rq.pc)

	outgoing := rq.current
	now := time.Now()
	if outgoing != nil {
		outgoing.Runtime += now.Sub(outgoing.LastScheduled)
		outgoing.clearFlag(FlagNeedReschedule)
		switch {
		case outgoing.hasFlag(FlagTerminating):
			outgoing.setState(StateZombie)
		case outgoing.State() == StateRunning && outgoing != rq.idle:
			outgoing.setState(StateReady)
			rq.enqueueLocked(outgoing)
		}
	}

	winner := rq.pickNextLocked()
	winner.setState(StateRunning)
	winner.LastScheduled = now
	winner.RemainingSlice = winner.MaxSlice
	rq.current = winner

	rq.lock.UnlockIRQRestore(saved, rq.pc)

	if winner != outgoing {
		s.switches.Add(1)
	}
	return winner
}

// Tick is the periodic per-CPU timer handler (spec §4.5 "Tick handler").
func (s *Scheduler) Tick(cpu int) (needBalance bool) {
	rq := s.RunQueue(cpu)
	if rq == nil {
		return false
	}
	saved := rq.lock.LockIRQSave(rq.pc)
	rq.tick++
	cur := rq.current
	tickNo := rq.tick
	rq.lock.UnlockIRQRestore(saved, rq.pc)

	if cur != nil && !cur.hasFlag(FlagIdle) {
		cur.RemainingSlice -= time.Duration(time.Second) / time.Duration(1000)
		cur.decayBoost()
		if cur.RemainingSlice <= 0 {
			cur.setFlag(FlagNeedReschedule)
		}
	}
	return tickNo%LoadBalanceInterval == 0
}

// Yield sets the current thread's remaining slice to zero and invokes
// Schedule (spec §4.5 "Yield").
func (s *Scheduler) Yield(cpu int) *Thread {
	rq := s.RunQueue(cpu)
	if rq != nil && rq.current != nil {
		rq.current.RemainingSlice = 0
	}
	return s.Schedule(cpu)
}

// Block transitions the current thread of cpu to Blocked on ch and
// reschedules (spec §4.5 "Block"). Returns the thread that now runs.
func (s *Scheduler) Block(cpu int, ch *WaitChannel) *Thread {
	rq := s.RunQueue(cpu)
	if rq == nil || rq.current == nil {
		return nil
	}
	blocked := rq.current
	blocked.setState(StateBlocked)
	blocked.waitChan = ch
	s.waitQ.park(ch, blocked)
	return s.Schedule(cpu)
}

// Wake transitions every thread parked on ch back to Ready and enqueues
// them (spec §4.5 "On wake by a channel").
func (s *Scheduler) Wake(ch *WaitChannel, result WaitResult) {
	for _, t := range s.waitQ.wake(ch, result) {
		t.waitChan = nil
		s.Enqueue(t)
	}
}

// PreemptDisable increments the calling CPU's preempt counter.
func (s *Scheduler) PreemptDisable(cpu int) {
	if pc := s.perCPUOf(cpu); pc != nil {
		atomic.AddInt32(&pc.preempt, 1)
	}
}

// PreemptEnable decrements the calling CPU's preempt counter and, if it
// reaches zero while NeedReschedule is set on the current thread, invokes
// Schedule (spec §4.5 "Preemption counter").
func (s *Scheduler) PreemptEnable(cpu int) {
	pc := s.perCPUOf(cpu)
	if pc == nil {
		return
	}
	if atomic.AddInt32(&pc.preempt, -1) == 0 {
		rq := s.RunQueue(cpu)
		if rq != nil && rq.current != nil && rq.current.hasFlag(FlagNeedReschedule) {
			s.Schedule(cpu)
		}
	}
}

// perCPUOf resolves cpu's PerCPU segment through its run queue, the single
// point of construction where the segment was published (see
// NewRunQueue); this makes PreemptDisable/PreemptEnable and Schedule's
// preempt-count check agree with each other without any ambient lookup.
func (s *Scheduler) perCPUOf(cpu int) *PerCPU {
	rq := s.RunQueue(cpu)
	if rq == nil {
		return nil
	}
	return rq.pc
}

// SetAffinity changes t's affinity mask under the scheduler's global lock
// and, if t is Ready on a CPU no longer in the mask, relocates it (spec
// §4.5 "Affinity change").
func (s *Scheduler) SetAffinity(t *Thread, mask uint64) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	t.Affinity = mask
	if t.State() != StateReady {
		return
	}
	if mask&(1<<uint(t.LastCPU)) != 0 {
		return
	}
	if s.Dequeue(t) {
		s.Enqueue(t)
	}
}

// SwitchCount and MigrationCount expose the scheduler's statistics
// counters (spec §2 "Scheduler core ... switch counters").
func (s *Scheduler) SwitchCount() uint64    { return s.switches.Load() }
func (s *Scheduler) MigrationCount() uint64 { return s.migrations.Load() }

// External priority-class mapping (spec §4.5 "Priority-class mapping").
type ExternalClass int

const (
	ExternalIdle ExternalClass = iota + 1
	ExternalRegular
	ExternalTimeCritical
	ExternalServer
)

// MapExternalPriority converts an external class + signed delta into the
// internal (class, level) pair using the canonical formula from spec §9:
// level = clamp((delta+31)/2, 0, 31); class is mapped directly.
// Realtime is reserved for internal callers only and is never reachable
// through this mapping.
func MapExternalPriority(class ExternalClass, delta int) (ClassID, int, error) {
	var internal ClassID
	switch class {
	case ExternalIdle:
		internal = ClassIdle
	case ExternalRegular:
		internal = ClassRegular
	case ExternalTimeCritical:
		internal = ClassTimeCritical
	case ExternalServer:
		internal = ClassServer
	default:
		return 0, 0, newErr(KindResourceInvalid, "MapExternalPriority", errInvalidClass)
	}
	if delta < -31 || delta > 31 {
		return 0, 0, newErr(KindResourceInvalid, "MapExternalPriority", errInvalidDelta)
	}
	level := clampInt((delta+31)/2, 0, maxLevel)
	return internal, level, nil
}

var errInvalidClass = errNewSentinel("invalid external priority class")
var errInvalidDelta = errNewSentinel("invalid priority delta")

func errNewSentinel(msg string) error { return &sentinelError{msg} }

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

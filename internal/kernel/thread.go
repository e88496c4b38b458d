package kernel

import (
	"sync"
	"time"
)

// ProcessID identifies a process: the non-owning grouping a thread's
// Process back-reference points at (spec §3 "Back-references").
type ProcessID uint64

// Process is the owning container for a set of threads, with a parent
// link so SetPriority's ProcessTree scope can walk descendants (spec §4.7,
// §6 scope {Process, ProcessTree, Thread}).
type Process struct {
	ID       ProcessID
	Parent   ProcessID
	HasParent bool
	children []ProcessID
	threads  []ThreadID
}

// PriorityScope selects how far SetPriority's delta is applied (spec §6).
type PriorityScope int

const (
	ScopeThread PriorityScope = iota
	ScopeProcess
	ScopeProcessTree
)

// Registry is the process/thread lifecycle manager: it owns the process
// table, the thread table, and the scheduler threads are enqueued on. This
// is the "registry of non-owning references" called for by spec §3's
// back-reference note, generalized from the teacher's ProcessManager
// (hardware.go) which kept an equivalent flat process map behind a mutex.
type Registry struct {
	mu        sync.RWMutex
	sched     *Scheduler
	processes map[ProcessID]*Process
	threads   map[ThreadID]*Thread
	suspend   map[ThreadID]int
	nextPID   ProcessID
}

// NewRegistry creates an empty lifecycle registry bound to sched.
func NewRegistry(sched *Scheduler) *Registry {
	return &Registry{
		sched:     sched,
		processes: make(map[ProcessID]*Process),
		threads:   make(map[ThreadID]*Thread),
		suspend:   make(map[ThreadID]int),
	}
}

// CreateProcess allocates a process record, optionally parented under
// parent for ProcessTree scope to later find (spec §4.7, §8's process-tree
// priority broadcast recovered from original_source/).
func (r *Registry) CreateProcess(parent ProcessID, hasParent bool) *Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPID++
	p := &Process{ID: r.nextPID, Parent: parent, HasParent: hasParent}
	r.processes[p.ID] = p
	if hasParent {
		if pp, ok := r.processes[parent]; ok {
			pp.children = append(pp.children, p.ID)
		}
	}
	return p
}

// minStackSize is the page-aligned minimum kernel stack (spec §4.7
// "clamped to a page-aligned minimum").
const minStackSize = 4 * DefaultPageSize

// CreateSuspended allocates a thread record for process, leaving it
// Suspended (spec §4.7 "create... CreateSuspended leaves Suspended").
func (r *Registry) CreateSuspended(process ProcessID, name string, entry func(arg any), arg any, stackSize uintptr, preferredCPU int) (*Thread, Status) {
	return r.create(process, name, entry, arg, stackSize, preferredCPU, false)
}

// CreateReady allocates a thread record and immediately enqueues it
// (spec §4.7 "CreateReady flags enqueue immediately").
func (r *Registry) CreateReady(process ProcessID, name string, entry func(arg any), arg any, stackSize uintptr, preferredCPU int) (*Thread, Status) {
	return r.create(process, name, entry, arg, stackSize, preferredCPU, true)
}

func (r *Registry) create(process ProcessID, name string, entry func(arg any), arg any, stackSize uintptr, preferredCPU int, ready bool) (*Thread, Status) {
	r.mu.Lock()
	proc, ok := r.processes[process]
	r.mu.Unlock()
	if !ok {
		return nil, StatusInvalidProcessID
	}
	if entry == nil {
		return nil, StatusInvalidParameter
	}
	if stackSize < minStackSize {
		stackSize = minStackSize
	}

	t := r.sched.NewThread(uint64(process), name, defaultMaxSlice, preferredCPU)
	t.StackSize = stackSize
	t.entry, t.arg = entry, arg

	r.mu.Lock()
	r.threads[t.ID] = t
	proc.threads = append(proc.threads, t.ID)
	r.mu.Unlock()

	if ready {
		r.sched.Enqueue(t)
		go r.runEntry(t)
	}
	return t, StatusSuccess
}

// runEntry is the host-simulation's stand-in for "the thread's first
// instruction": entry/arg are the caller-supplied function and argument a
// real kernel would splice onto the new stack (spec §4.7 "create(process,
// entry, arg, flags)"). The scheduler's run-queue bookkeeping remains the
// authority over Thread.State(); this goroutine is only where entry's
// code actually executes.
func (r *Registry) runEntry(t *Thread) {
	if t.entry != nil {
		t.entry(t.arg)
	}
}

// defaultMaxSlice is a thread's time slice at creation: 10 scheduler
// ticks, matching the Tick handler's assumed 1ms tick (spec §4.5).
const defaultMaxSlice = 10 * time.Millisecond

// Kill marks tid Terminating; if Blocked it is unblocked with a
// cancellation result, if Running remotely a reschedule-IPI is implied by
// the flag being observed at the target's next schedule() point
// (spec §4.7 "kill"). cpu is the caller's own CPU; self-kill (tid is cpu's
// current thread) is rejected.
func (r *Registry) Kill(cpu int, tid ThreadID) Status {
	r.mu.RLock()
	t, ok := r.threads[tid]
	r.mu.RUnlock()
	if !ok {
		return StatusInvalidThreadID
	}

	if rq := r.sched.RunQueue(cpu); rq != nil && rq.current == t {
		return StatusInvalidParameter
	}

	t.setFlag(FlagTerminating | FlagNeedReschedule)

	switch t.State() {
	case StateBlocked:
		if t.waitChan != nil {
			r.sched.Wake(t.waitChan, WaitCancelled)
		}
	case StateReady:
		if r.sched.Dequeue(t) {
			t.setState(StateZombie)
		}
	case StateSuspended:
		t.setState(StateZombie)
	}
	return StatusSuccess
}

// Suspend increments tid's suspend-count; a Ready thread is dequeued and
// marked Suspended, a Running thread is marked Suspended and a reschedule
// forced (spec §4.7 "suspend").
func (r *Registry) Suspend(tid ThreadID) Status {
	r.mu.Lock()
	t, ok := r.threads[tid]
	if ok {
		r.suspend[tid]++
	}
	r.mu.Unlock()
	if !ok {
		return StatusInvalidThreadID
	}

	switch t.State() {
	case StateReady:
		if r.sched.Dequeue(t) {
			t.setState(StateSuspended)
		}
	case StateRunning:
		t.setState(StateSuspended)
		t.setFlag(FlagNeedReschedule)
	}
	return StatusSuccess
}

// Resume decrements tid's suspend-count; on reaching zero while Suspended
// it transitions to Ready and is enqueued (spec §4.7 "resume").
func (r *Registry) Resume(tid ThreadID) Status {
	r.mu.Lock()
	t, ok := r.threads[tid]
	if !ok {
		r.mu.Unlock()
		return StatusInvalidThreadID
	}
	count := r.suspend[tid]
	if count > 0 {
		count--
		r.suspend[tid] = count
	}
	r.mu.Unlock()

	if count == 0 && t.State() == StateSuspended {
		r.sched.Enqueue(t)
	}
	return StatusSuccess
}

// Sleep yields if ms==0, otherwise blocks the calling CPU's current thread
// on a fresh timer wait-channel with an absolute wake time of now+ms
// (spec §4.7 "sleep").
func (r *Registry) Sleep(cpu int, ms int64) {
	if ms == 0 {
		r.sched.Yield(cpu)
		return
	}
	rq := r.sched.RunQueue(cpu)
	if rq == nil || rq.current == nil {
		return
	}
	ch := &WaitChannel{}
	rq.current.WakeAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
	r.sched.Block(cpu, ch)
}

// EnterCriticalSection and ExitCriticalSection are the preempt-disable/
// enable pair exposed at the lifecycle-API layer (spec §6): entering
// increments the calling CPU's preempt counter, exiting decrements it and
// rejects an underflow rather than wrapping (spec §6 status
// "critical-section-underflow").
func (r *Registry) EnterCriticalSection(cpu int) {
	r.sched.PreemptDisable(cpu)
}

func (r *Registry) ExitCriticalSection(cpu int) Status {
	pc := r.sched.perCPUOf(cpu)
	if pc == nil || pc.preempt <= 0 {
		return StatusCriticalSectionUnderflow
	}
	r.sched.PreemptEnable(cpu)
	return StatusSuccess
}

// SetAffinity and GetAffinity expose the scheduler's affinity change under
// the lifecycle API's status-code contract (spec §6).
func (r *Registry) SetAffinity(tid ThreadID, mask uint64) Status {
	r.mu.RLock()
	t, ok := r.threads[tid]
	r.mu.RUnlock()
	if !ok {
		return StatusInvalidThreadID
	}
	if mask == 0 {
		return StatusInvalidParameter
	}
	r.sched.SetAffinity(t, mask)
	return StatusSuccess
}

func (r *Registry) GetAffinity(tid ThreadID) (uint64, Status) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[tid]
	if !ok {
		return 0, StatusInvalidThreadID
	}
	return t.Affinity, StatusSuccess
}

// SetPriority applies delta to id's external priority class, at the
// requested scope (spec §4.7, §6). id is interpreted as a ThreadID for
// ScopeThread, and as a ProcessID for ScopeProcess/ScopeProcessTree.
func (r *Registry) SetPriority(scope PriorityScope, class ExternalClass, delta int, id uint64) Status {
	internal, level, err := MapExternalPriority(class, delta)
	if err != nil {
		if ke, ok := err.(*KernelError); ok && ke.Err == errInvalidDelta {
			return StatusInvalidDelta
		}
		return StatusInvalidClass
	}

	switch scope {
	case ScopeThread:
		return r.applyPriority(ThreadID(id), internal, level)
	case ScopeProcess:
		return r.applyPriorityToProcess(ProcessID(id), internal, level)
	case ScopeProcessTree:
		return r.applyPriorityToTree(ProcessID(id), internal, level)
	default:
		return StatusInvalidScope
	}
}

func (r *Registry) applyPriority(tid ThreadID, class ClassID, level int) Status {
	r.mu.RLock()
	t, ok := r.threads[tid]
	r.mu.RUnlock()
	if !ok {
		return StatusInvalidThreadID
	}
	t.Class = class
	t.BasePriority = level
	return StatusSuccess
}

func (r *Registry) applyPriorityToProcess(pid ProcessID, class ClassID, level int) Status {
	r.mu.RLock()
	proc, ok := r.processes[pid]
	var tids []ThreadID
	if ok {
		tids = append(tids, proc.threads...)
	}
	r.mu.RUnlock()
	if !ok {
		return StatusInvalidProcessID
	}
	for _, tid := range tids {
		r.applyPriority(tid, class, level)
	}
	return StatusSuccess
}

// applyPriorityToTree walks pid's descendant processes (recovered from
// original_source/'s tree-wide priority broadcast, see DESIGN.md) and
// applies the priority to every thread in pid and each descendant.
func (r *Registry) applyPriorityToTree(pid ProcessID, class ClassID, level int) Status {
	r.mu.RLock()
	_, ok := r.processes[pid]
	r.mu.RUnlock()
	if !ok {
		return StatusInvalidProcessID
	}

	queue := []ProcessID{pid}
	seen := map[ProcessID]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		r.applyPriorityToProcess(cur, class, level)

		r.mu.RLock()
		proc := r.processes[cur]
		var children []ProcessID
		if proc != nil {
			children = append(children, proc.children...)
		}
		r.mu.RUnlock()
		queue = append(queue, children...)
	}
	return StatusSuccess
}

// QueryKey enumerates the fields query_system_info can return (spec §6).
type QueryKey int

const (
	QueryProcessorCount QueryKey = iota
	QueryCurrentProcessor
	QueryMaxPrivateMemory
	QueryMaxSharedMemory
	QueryVersionMajor
	QueryVersionMinor
)

// versionMajor/versionMinor are the kernel's reported version (spec §6
// "version major/minor").
const (
	versionMajor = 1
	versionMinor = 0
)

// QuerySystemInfo fills buf[0:n] with the values of keys [start, last]
// (spec §6 "query_system_info(start, last, buf, len)"), n capped to
// len(buf). cpu identifies the calling processor for QueryCurrentProcessor.
// Keys outside the enumerated range return 0, per spec's "other keys
// return 0" rule; start > last or an empty buf is rejected.
func (r *Registry) QuerySystemInfo(cpu int, start, last QueryKey, buf []uint64) (int, Status) {
	if last < start || len(buf) == 0 {
		return 0, StatusInvalidParameter
	}
	n := int(last-start) + 1
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = r.queryOne(cpu, start+QueryKey(i))
	}
	return n, StatusSuccess
}

// totalMemoryBytes sums free pages across every NUMA node, backing the
// max-private/max-shared-memory query keys.
func (r *Registry) totalMemoryBytes() uint64 {
	var total uint64
	for i := 0; i < r.sched.numa.NumNodes(); i++ {
		if n := r.sched.numa.Node(i); n != nil {
			total += n.FreePages() * DefaultPageSize
		}
	}
	return total
}

func (r *Registry) queryOne(cpu int, key QueryKey) uint64 {
	switch key {
	case QueryProcessorCount:
		return uint64(r.sched.topo.NumCPUs())
	case QueryCurrentProcessor:
		return uint64(cpu)
	case QueryMaxPrivateMemory, QueryMaxSharedMemory:
		return r.totalMemoryBytes()
	case QueryVersionMajor:
		return versionMajor
	case QueryVersionMinor:
		return versionMinor
	default:
		return 0
	}
}

package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// CPUState is the lifecycle state of a logical processor (spec §3).
type CPUState uint8

const (
	CPUOffline CPUState = iota
	CPUStarting
	CPUOnline
	CPUHalted
)

func (s CPUState) String() string {
	switch s {
	case CPUOffline:
		return "offline"
	case CPUStarting:
		return "starting"
	case CPUOnline:
		return "online"
	case CPUHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// FeatureBits enumerates vector-extension and platform-capability presence
// for a processor (spec §3 "Feature bitset").
type FeatureBits uint32

const (
	FeatureSSE2 FeatureBits = 1 << iota
	FeatureAVX
	FeatureAVX2
	FeatureAVX512
	FeatureInvariantTSC
	FeatureExtendedAPIC
)

// cacheLineSize is used purely to size the padding in ProcessorRecord;
// real alignment is a linker/allocator concern the host simulation cannot
// enforce, but the field layout documents the intent from spec §3
// ("cache-line-aligned and padded; never shared in the same line").
const cacheLineSize = 64

// ProcessorRecord is the per-logical-processor identity and state record
// (spec §3 "Processor record").
type ProcessorRecord struct {
	LogicalIndex   int
	HardwareID     uint32 // interrupt-controller id
	FirmwareID     uint32
	PackageIndex   int
	CoreIndex      int
	ThreadIndex    int
	NodeIndex      int
	Features       FeatureBits
	FrequencyHz    uint64
	InvariantTSC   bool
	ExtendedAPIC   bool
	state          atomic.Uint32 // CPUState
	_              [cacheLineSize]byte
}

// State returns the processor's current lifecycle state.
func (p *ProcessorRecord) State() CPUState { return CPUState(p.state.Load()) }

// setState transitions the processor record to a new state with a
// release store so readers across CPUs observe it in order (spec §9
// "publish via release-store; read via acquire-load").
func (p *ProcessorRecord) setState(s CPUState) { p.state.Store(uint32(s)) }

// PerCPU is the tiny, fast-accessible per-CPU segment of spec §4.2 and §9:
// a structure holding {cpu_id} (plus the host-simulation's interrupt flag)
// reachable with a single load, published once per CPU before the
// scheduler or any sleepable primitive runs on it.
type PerCPU struct {
	cpuID      int
	nodeID     int
	irqEnabled int32
	preempt    int32
}

// perCPUTLS maps a binding key (see RunOnCPU) to the *PerCPU segment bound
// under it, the host-simulation stand-in for a per-CPU register.
var perCPUTLS sync.Map

// bindPerCPU publishes the PerCPU segment under a binding key.
func bindPerCPU(key any, pc *PerCPU) {
	perCPUTLS.Store(key, pc)
}

// currentPerCPU returns whatever PerCPU segment the most recent RunOnCPU
// call (anywhere in the process) is currently bound to, or nil if none is
// bound. Go has no per-goroutine storage, so this is necessarily a single
// shared binding rather than a true per-goroutine one: two RunOnCPU calls
// active on different goroutines at the same time race on it, each seeing
// whichever bound last. For that reason nothing on the scheduler's
// correctness path (TicketLock.LockIRQSave/UnlockIRQRestore,
// DisableInterrupts/EnableInterrupts/GetInterruptFlag, Scheduler.perCPUOf)
// reads this function anymore — each of those now takes or resolves an
// explicit *PerCPU (a run queue's own rq.pc) instead. currentPerCPU and
// RunOnCPU remain as a single-goroutine test convenience for expressing
// "as CPU N" around a call that itself still takes no CPU parameter; they
// are not a substitute for threading the segment explicitly, and must not
// be called concurrently from goroutines standing in for different CPUs.
func currentPerCPU() *PerCPU {
	v, _ := perCPUTLS.Load(cpuContextKey.Load())
	if v == nil {
		return nil
	}
	return v.(*PerCPU)
}

// cpuContextKey holds the key identifying the PerCPU segment bound by the
// most recent call to RunOnCPU.
var cpuContextKey atomic.Value

func init() { cpuContextKey.Store((*PerCPU)(nil)) }

// RunOnCPU runs fn with currentPerCPU() set to cpu's segment for the
// duration of the call, then restores the previous binding. See
// currentPerCPU's doc comment for the single-goroutine-at-a-time caveat.
func RunOnCPU(cpu *PerCPU, fn func()) {
	key := cpu
	prev := cpuContextKey.Load()
	bindPerCPU(key, cpu)
	cpuContextKey.Store(any(key))
	defer cpuContextKey.Store(prev)
	fn()
}

// FirmwareProcessor describes one processor as reported by the firmware
// collaborator (spec §6).
type FirmwareProcessor struct {
	LogicalIndex       int
	HardwareInterrupt  uint32
	FirmwareID         uint32
	Enabled            bool
}

// FirmwareNode describes one NUMA node's memory range as reported by the
// firmware collaborator.
type FirmwareNode struct {
	StartPFN uint64
	EndPFN   uint64
}

// FirmwareOverride is a bus/source interrupt routing override (spec §6).
type FirmwareOverride struct {
	Bus           int
	Source        int
	ResultingLine int
	PolarityFlags int
}

// FirmwareTopology is the collaborator-supplied shape this package
// consumes to build a Topology (spec §6). A nil or zero-processor
// FirmwareTopology triggers the firmware-absent degradation to single-CPU
// operation (spec §7).
type FirmwareTopology struct {
	Processors      []FirmwareProcessor
	Nodes           []FirmwareNode
	DistanceMatrix  [][]uint32
	Overrides       []FirmwareOverride
}

// Topology is the process-wide table of processor records and NUMA nodes,
// built once on the BSP before any AP runs (spec §4.2, §9 "Init order").
type Topology struct {
	mu          sync.RWMutex
	processors  []*ProcessorRecord
	onlineMask  atomic.Uint64
	activeMask  atomic.Uint64
	numaNodes   int
	synthesized bool
}

// NewTopology constructs a Topology from firmware input. A nil input
// degrades to a synthesized single-processor, single-node topology
// (spec §7 "firmware-absent").
func NewTopology(fw *FirmwareTopology) *Topology {
	t := &Topology{}
	if fw == nil || len(fw.Processors) == 0 {
		t.synthesized = true
		t.numaNodes = 1
		rec := &ProcessorRecord{LogicalIndex: 0, HardwareID: 0, FirmwareID: 0, NodeIndex: 0}
		rec.setState(CPUOffline)
		t.processors = []*ProcessorRecord{rec}
		return t
	}

	nodeCount := len(fw.Nodes)
	if nodeCount == 0 {
		nodeCount = 1
	}
	t.numaNodes = nodeCount

	for _, fp := range fw.Processors {
		if !fp.Enabled {
			continue
		}
		rec := &ProcessorRecord{
			LogicalIndex: fp.LogicalIndex,
			HardwareID:   fp.HardwareInterrupt,
			FirmwareID:   fp.FirmwareID,
			NodeIndex:    fp.LogicalIndex % nodeCount,
		}
		rec.setState(CPUOffline)
		t.processors = append(t.processors, rec)
	}
	return t
}

// IsSynthesized reports whether this topology was degraded from absent
// firmware input (cpu_count = 1 per spec §7).
func (t *Topology) IsSynthesized() bool { return t.synthesized }

// NumCPUs returns the number of discovered logical processors.
func (t *Topology) NumCPUs() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.processors)
}

// NumNodes returns the number of NUMA nodes in the topology.
func (t *Topology) NumNodes() int { return t.numaNodes }

// Processor returns the processor record for a logical index, or nil.
func (t *Topology) Processor(logical int) *ProcessorRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.processors {
		if p.LogicalIndex == logical {
			return p
		}
	}
	return nil
}

// Processors returns a snapshot slice of all discovered processor records.
func (t *Topology) Processors() []*ProcessorRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ProcessorRecord, len(t.processors))
	copy(out, t.processors)
	return out
}

// OnlineMask returns the atomically-read bitmask of Online CPUs
// (spec §9 "online/active masks are read lock-free").
func (t *Topology) OnlineMask() uint64 { return t.onlineMask.Load() }

// ActiveMask returns the bitmask of CPUs that have ever been marked active.
func (t *Topology) ActiveMask() uint64 { return t.activeMask.Load() }

// MarkOnline promotes a processor to Online and sets its bit in the
// online/active masks (spec §4.3 step 5).
func (t *Topology) MarkOnline(logical int) error {
	p := t.Processor(logical)
	if p == nil {
		return newErr(KindResourceInvalid, "MarkOnline", fmt.Errorf("no such CPU %d", logical))
	}
	p.setState(CPUOnline)
	bit := uint64(1) << uint(logical)
	for {
		old := t.onlineMask.Load()
		if t.onlineMask.CompareAndSwap(old, old|bit) {
			break
		}
	}
	for {
		old := t.activeMask.Load()
		if t.activeMask.CompareAndSwap(old, old|bit) {
			break
		}
	}
	return nil
}

// MarkOffline clears a processor's online bit, used both for shutdown and
// for the bring-up-timeout recovery path (spec §7).
func (t *Topology) MarkOffline(logical int) {
	if p := t.Processor(logical); p != nil {
		p.setState(CPUOffline)
	}
	bit := uint64(1) << uint(logical)
	for {
		old := t.onlineMask.Load()
		if t.onlineMask.CompareAndSwap(old, old&^bit) {
			break
		}
	}
}

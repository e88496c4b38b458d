package kernel

import (
	"context"
	"fmt"
	"time"
)

// KernelConfig carries the SMP-relevant knobs this kernel boots with,
// the domain equivalent of the teacher's KernelConfig (filesystem/
// network/security knobs there, topology/scheduler knobs here).
type KernelConfig struct {
	CPUCount                 int
	NodeCount                int
	TotalPages                uint64
	TimeSliceMs               int
	LoadBalanceIntervalTicks  int
	TickHz                    int
	BringUpTimeout            time.Duration
}

// DefaultKernelConfig returns the configuration used when no firmware
// collaborator is available: a single synthesized CPU, matching the
// firmware-absent degradation of spec §7.
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		CPUCount:                1,
		NodeCount:                1,
		TotalPages:               1 << 20,
		TimeSliceMs:              10,
		LoadBalanceIntervalTicks: LoadBalanceInterval,
		TickHz:                   1000,
		BringUpTimeout:           apHandshakeTimeout,
	}
}

// Kernel is the fully wired collection of subsystems this package exposes:
// topology, interrupt controllers, NUMA allocator, scheduler, load
// balancer and the thread-lifecycle registry (spec §2 "data flow").
type Kernel struct {
	Config      KernelConfig
	Topology    *Topology
	NUMA        *NUMATopology
	Scheduler   *Scheduler
	Balancer    *LoadBalancer
	Registry    *Registry
	controllers map[int]InterruptController

	initGuard onceGuard
}

// InitializeCompleteKernel brings a Kernel up in the spec §2 data-flow
// order: topology, interrupt controller (BSP), NUMA allocator, scheduler,
// AP bring-up — staged and numbered exactly like the teacher's
// InitializeCompleteKernel, but over this spec's stages instead of the
// teacher's memory/process/interrupt/hardware/filesystem/network/
// security/intrinsics sequence.
func InitializeCompleteKernel(cfg KernelConfig, fw *FirmwareTopology) (*Kernel, error) {
	k := &Kernel{Config: cfg, controllers: make(map[int]InterruptController)}
	if !k.initGuard.enter() {
		return nil, newErr(KindStateInvalid, "InitializeCompleteKernel", fmt.Errorf("kernel already initialized"))
	}

	const stages = 5
	fmt.Printf("[1/%d] discovering CPU topology...\n", stages)
	k.Topology = NewTopology(fw)
	if k.Topology.IsSynthesized() {
		fmt.Println("    no firmware collaborator: synthesized single-CPU topology")
	}
	fmt.Printf("    %d logical CPU(s), %d NUMA node(s)\n", k.Topology.NumCPUs(), k.Topology.NumNodes())

	fmt.Printf("[2/%d] bringing up bootstrap processor interrupt controller...\n", stages)
	bsp := k.Topology.Processor(0)
	if bsp == nil {
		return nil, newErr(KindResourceInvalid, "InitializeCompleteKernel", fmt.Errorf("no bootstrap processor discovered"))
	}
	bspIC := NewInterruptController(bsp, 0xFEE00000, k.makeVectorHandler(bsp.LogicalIndex))
	k.controllers[bsp.LogicalIndex] = bspIC
	if err := k.Topology.MarkOnline(bsp.LogicalIndex); err != nil {
		return nil, err
	}

	fmt.Printf("[3/%d] initializing NUMA page allocator (%d pages across %d node(s))...\n", stages, cfg.TotalPages, k.Topology.NumNodes())
	numa, err := NewNUMATopology(k.Topology.NumNodes(), cfg.TotalPages, firmwareDistance(fw))
	if err != nil {
		return nil, err
	}
	k.NUMA = numa

	fmt.Printf("[4/%d] starting SMP scheduler...\n", stages)
	sched, err := NewScheduler(k.Topology, k.NUMA)
	if err != nil {
		return nil, err
	}
	sched.RegisterController(bsp.LogicalIndex, bspIC)
	k.Scheduler = sched
	k.Balancer = NewLoadBalancer(sched)
	k.Registry = NewRegistry(sched)

	fmt.Printf("[5/%d] bringing up application processors...\n", stages)
	if k.Topology.NumCPUs() > 1 {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.BringUpTimeout)
		defer cancel()
		err := BringUpAPs(ctx, k.Topology, bspIC, bsp.LogicalIndex, func(logical int) {
			p := k.Topology.Processor(logical)
			ic := NewInterruptController(p, 0xFEE00000, k.makeVectorHandler(logical))
			k.controllers[logical] = ic
			k.Scheduler.RegisterController(logical, ic)
			fmt.Printf("    CPU %d online\n", logical)
		})
		if err != nil {
			fmt.Printf("    warning: one or more APs failed to come online: %v\n", err)
		}
	} else {
		fmt.Println("    single-CPU topology, nothing to bring up")
	}

	fmt.Println("kernel initialization complete")
	return k, nil
}

// makeVectorHandler returns the dispatch function an interrupt controller
// invokes when it delivers a vector to this CPU: the tick vector calls
// into the scheduler's Tick/Balance path; the reschedule vector needs no
// work of its own, since the sender (Scheduler.Enqueue) has already raised
// NeedReschedule, which the target observes on its next PreemptEnable/
// Schedule. This mirrors the teacher's TimerInterruptHandler wiring
// (hardware.go).
func (k *Kernel) makeVectorHandler(cpu int) func(vector uint8) {
	return func(vector uint8) {
		switch vector {
		case VectorTick:
			if k.Scheduler.Tick(cpu) {
				k.Balancer.Balance(cpu)
			}
		case VectorReschedule:
			// NeedReschedule was already set by the sender; nothing further
			// to do until the target's next PreemptEnable/Schedule call.
		}
	}
}

func firmwareDistance(fw *FirmwareTopology) [][]uint32 {
	if fw == nil {
		return nil
	}
	return fw.DistanceMatrix
}

// GetKernelStatus mirrors the teacher's map[string]any status dump,
// populated with the fields this domain actually has: CPU online/offline
// counts, per-node free pages, scheduler switch/migration counters.
func (k *Kernel) GetKernelStatus() map[string]any {
	online := 0
	for _, p := range k.Topology.Processors() {
		if p.State() == CPUOnline {
			online++
		}
	}

	freePerNode := make([]uint64, k.NUMA.NumNodes())
	for i := range freePerNode {
		freePerNode[i] = k.NUMA.Node(i).FreePages()
	}

	return map[string]any{
		"cpu_total":        k.Topology.NumCPUs(),
		"cpu_online":       online,
		"cpu_offline":      k.Topology.NumCPUs() - online,
		"numa_nodes":       k.NUMA.NumNodes(),
		"numa_free_pages":  freePerNode,
		"context_switches": k.Scheduler.SwitchCount(),
		"migrations":       k.Scheduler.MigrationCount(),
	}
}

// RunKernelTests is a post-boot smoke-test sequence in the spirit of the
// teacher's own RunKernelTests: alloc/free a page, create/kill a thread,
// trigger one balance pass. It is a sanity check for the CLI entry point,
// distinct from the package's _test.go unit tests.
func (k *Kernel) RunKernelTests() error {
	fmt.Println("running kernel smoke tests...")

	pfn, node, err := k.NUMA.AllocPages(0, 0)
	if err != nil {
		return fmt.Errorf("smoke test: page alloc: %w", err)
	}
	if err := k.NUMA.FreePages(node, pfn, 0); err != nil {
		return fmt.Errorf("smoke test: page free: %w", err)
	}
	fmt.Println("  [ok] page allocator alloc/free")

	proc := k.Registry.CreateProcess(0, false)
	th, status := k.Registry.CreateSuspended(proc.ID, "smoke-thread", func(any) {}, nil, 0, 0)
	if status != StatusSuccess {
		return fmt.Errorf("smoke test: thread create: status %s", status)
	}
	if status := k.Registry.Kill(0, th.ID); status != StatusSuccess {
		return fmt.Errorf("smoke test: thread kill: status %s", status)
	}
	fmt.Println("  [ok] thread create/kill")

	if k.Topology.NumCPUs() > 0 {
		k.Balancer.Balance(0)
		fmt.Println("  [ok] load balance pass")
	}

	fmt.Println("all smoke tests passed")
	return nil
}

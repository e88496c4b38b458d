package kernel

import "testing"

func TestInitializeCompleteKernelSingleCPU(t *testing.T) {
	k, err := InitializeCompleteKernel(DefaultKernelConfig(), nil)
	if err != nil {
		t.Fatalf("InitializeCompleteKernel: %v", err)
	}
	if k.Topology.NumCPUs() != 1 {
		t.Fatalf("expected a synthesized single CPU, got %d", k.Topology.NumCPUs())
	}
	if k.Topology.Processor(0).State() != CPUOnline {
		t.Fatal("expected the bootstrap processor to be Online after init")
	}
	if k.Scheduler == nil || k.Balancer == nil || k.Registry == nil {
		t.Fatal("expected Scheduler, Balancer and Registry to be wired")
	}
}

func TestInitializeCompleteKernelMultiCPU(t *testing.T) {
	fw := &FirmwareTopology{
		Processors: []FirmwareProcessor{
			{LogicalIndex: 0, HardwareInterrupt: 100, Enabled: true},
			{LogicalIndex: 1, HardwareInterrupt: 101, Enabled: true},
			{LogicalIndex: 2, HardwareInterrupt: 102, Enabled: true},
		},
		Nodes: []FirmwareNode{{StartPFN: 0, EndPFN: 1000}},
	}
	cfg := DefaultKernelConfig()
	k, err := InitializeCompleteKernel(cfg, fw)
	if err != nil {
		t.Fatalf("InitializeCompleteKernel: %v", err)
	}
	if k.Topology.NumCPUs() != 3 {
		t.Fatalf("expected 3 CPUs, got %d", k.Topology.NumCPUs())
	}
	online := k.GetKernelStatus()["cpu_online"].(int)
	if online != 3 {
		t.Fatalf("expected all 3 CPUs online after bring-up, got %d", online)
	}
}

func TestKernelInitGuardRejectsSecondEnter(t *testing.T) {
	k := &Kernel{}
	if !k.initGuard.enter() {
		t.Fatal("setup: expected the first enter() to succeed")
	}
	if k.initGuard.enter() {
		t.Fatal("expected a second enter() on the same guard to fail")
	}
}

func TestGetKernelStatusReportsCountersAndFreePages(t *testing.T) {
	k, err := InitializeCompleteKernel(DefaultKernelConfig(), nil)
	if err != nil {
		t.Fatalf("InitializeCompleteKernel: %v", err)
	}
	status := k.GetKernelStatus()
	if status["cpu_total"].(int) != 1 {
		t.Fatalf("expected cpu_total 1, got %v", status["cpu_total"])
	}
	freePages, ok := status["numa_free_pages"].([]uint64)
	if !ok || len(freePages) != 1 {
		t.Fatalf("expected one NUMA node's free-page count, got %v", status["numa_free_pages"])
	}
}

func TestRunKernelTestsPasses(t *testing.T) {
	k, err := InitializeCompleteKernel(DefaultKernelConfig(), nil)
	if err != nil {
		t.Fatalf("InitializeCompleteKernel: %v", err)
	}
	if err := k.RunKernelTests(); err != nil {
		t.Fatalf("RunKernelTests: %v", err)
	}
}

package kernel

import (
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, cpus int) (*Registry, ProcessID) {
	t.Helper()
	sched := newTestScheduler(t, cpus)
	reg := NewRegistry(sched)
	proc := reg.CreateProcess(0, false)
	return reg, proc.ID
}

func noopEntry(arg any) {}

func TestCreateSuspendedLeavesThreadSuspended(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	th, status := reg.CreateSuspended(pid, "worker", noopEntry, nil, 0, 0)
	if status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if th.State() != StateSuspended {
		t.Fatalf("expected StateSuspended, got %v", th.State())
	}
	if th.StackSize < minStackSize {
		t.Fatalf("expected stack size clamped to at least %d, got %d", minStackSize, th.StackSize)
	}
}

func TestCreateReadyEnqueuesImmediately(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	th, status := reg.CreateReady(pid, "worker", noopEntry, nil, 0, 0)
	if status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if th.State() != StateReady {
		t.Fatalf("expected StateReady, got %v", th.State())
	}
}

func TestCreateRejectsUnknownProcess(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	if _, status := reg.CreateSuspended(ProcessID(999), "x", noopEntry, nil, 0, 0); status != StatusInvalidProcessID {
		t.Fatalf("expected StatusInvalidProcessID, got %v", status)
	}
}

func TestCreateRejectsNilEntry(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	if _, status := reg.CreateSuspended(pid, "x", nil, nil, 0, 0); status != StatusInvalidParameter {
		t.Fatalf("expected StatusInvalidParameter, got %v", status)
	}
}

func TestKillRejectsUnknownThread(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	if status := reg.Kill(0, ThreadID(999)); status != StatusInvalidThreadID {
		t.Fatalf("expected StatusInvalidThreadID, got %v", status)
	}
}

func TestKillOfReadyThreadBecomesZombie(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	th, _ := reg.CreateReady(pid, "worker", noopEntry, nil, 0, 0)

	if status := reg.Kill(0, th.ID); status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if th.State() != StateZombie {
		t.Fatalf("expected StateZombie after killing a Ready thread, got %v", th.State())
	}
	if !th.hasFlag(FlagTerminating) {
		t.Fatal("expected FlagTerminating to be set")
	}
}

func TestKillOfSuspendedThreadBecomesZombie(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	th, _ := reg.CreateSuspended(pid, "worker", noopEntry, nil, 0, 0)

	if status := reg.Kill(0, th.ID); status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if th.State() != StateZombie {
		t.Fatalf("expected StateZombie after killing a Suspended thread, got %v", th.State())
	}
}

func TestKillOfBlockedThreadWakesWithCancellation(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	th, _ := reg.CreateReady(pid, "waiter", noopEntry, nil, 0, 0)
	reg.sched.Schedule(0)

	ch := &WaitChannel{}
	reg.sched.Block(0, ch)
	if th.State() != StateBlocked {
		t.Fatalf("setup: expected StateBlocked, got %v", th.State())
	}

	if status := reg.Kill(0, th.ID); status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if th.State() != StateReady {
		t.Fatalf("expected Kill to wake a blocked thread back to StateReady, got %v", th.State())
	}
	if th.Result != WaitCancelled {
		t.Fatalf("expected WaitCancelled result, got %v", th.Result)
	}
}

func TestSuspendThenResumeRoundTrip(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	th, _ := reg.CreateReady(pid, "worker", noopEntry, nil, 0, 0)

	if status := reg.Suspend(th.ID); status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if th.State() != StateSuspended {
		t.Fatalf("expected StateSuspended, got %v", th.State())
	}

	if status := reg.Resume(th.ID); status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if th.State() != StateReady {
		t.Fatalf("expected StateReady after Resume, got %v", th.State())
	}
}

func TestSuspendIsReferenceCounted(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	th, _ := reg.CreateReady(pid, "worker", noopEntry, nil, 0, 0)

	reg.Suspend(th.ID)
	reg.Suspend(th.ID)
	reg.Resume(th.ID)
	if th.State() != StateSuspended {
		t.Fatalf("expected thread to remain Suspended after only one of two Resumes, got %v", th.State())
	}

	reg.Resume(th.ID)
	if th.State() != StateReady {
		t.Fatalf("expected thread to become Ready once the suspend count reaches zero, got %v", th.State())
	}
}

func TestSleepZeroYieldsToAnotherReadyThread(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	a, _ := reg.CreateReady(pid, "a", noopEntry, nil, 0, 0)
	b, _ := reg.CreateReady(pid, "b", noopEntry, nil, 0, 0)

	reg.sched.Schedule(0)
	_ = a
	reg.Sleep(0, 0)

	rq := reg.sched.RunQueue(0)
	if rq.current != b {
		t.Fatal("expected Sleep(0) to hand off to a ready thread via Yield")
	}
}

func TestSleepWithDurationBlocksCurrentThread(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	th, _ := reg.CreateReady(pid, "sleeper", noopEntry, nil, 0, 0)
	reg.sched.Schedule(0)

	reg.Sleep(0, 50)

	if th.State() != StateBlocked {
		t.Fatalf("expected StateBlocked after Sleep(ms>0), got %v", th.State())
	}
	if th.WakeAt.Before(time.Now()) {
		t.Fatal("expected WakeAt to be set in the future")
	}
}

func TestCriticalSectionUnderflowRejected(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	if status := reg.ExitCriticalSection(0); status != StatusCriticalSectionUnderflow {
		t.Fatalf("expected StatusCriticalSectionUnderflow on an un-entered critical section, got %v", status)
	}
}

func TestCriticalSectionEnterExitRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	reg.EnterCriticalSection(0)
	if status := reg.ExitCriticalSection(0); status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
}

func TestSetAndGetAffinity(t *testing.T) {
	reg, pid := newTestRegistry(t, 2)
	th, _ := reg.CreateReady(pid, "worker", noopEntry, nil, 0, 0)

	if status := reg.SetAffinity(th.ID, 1<<1); status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	mask, status := reg.GetAffinity(th.ID)
	if status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if mask != 1<<1 {
		t.Fatalf("expected affinity mask %b, got %b", uint64(1<<1), mask)
	}
}

func TestSetAffinityRejectsZeroMask(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	th, _ := reg.CreateReady(pid, "worker", noopEntry, nil, 0, 0)
	if status := reg.SetAffinity(th.ID, 0); status != StatusInvalidParameter {
		t.Fatalf("expected StatusInvalidParameter for a zero affinity mask, got %v", status)
	}
}

func TestSetPriorityThreadScope(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	th, _ := reg.CreateReady(pid, "worker", noopEntry, nil, 0, 0)

	status := reg.SetPriority(ScopeThread, ExternalTimeCritical, 0, uint64(th.ID))
	if status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if th.Class != ClassTimeCritical {
		t.Fatalf("expected ClassTimeCritical, got %v", th.Class)
	}
}

func TestSetPriorityProcessScopeAppliesToAllThreads(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	a, _ := reg.CreateReady(pid, "a", noopEntry, nil, 0, 0)
	b, _ := reg.CreateReady(pid, "b", noopEntry, nil, 0, 0)

	status := reg.SetPriority(ScopeProcess, ExternalServer, 10, uint64(pid))
	if status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if a.Class != ClassServer || b.Class != ClassServer {
		t.Fatalf("expected both threads reclassified to ClassServer, got %v and %v", a.Class, b.Class)
	}
}

func TestSetPriorityProcessTreeScopeWalksDescendants(t *testing.T) {
	reg, rootPID := newTestRegistry(t, 1)
	child := reg.CreateProcess(rootPID, true)
	grandchild := reg.CreateProcess(child.ID, true)

	rootThread, _ := reg.CreateReady(rootPID, "root", noopEntry, nil, 0, 0)
	childThread, _ := reg.CreateReady(child.ID, "child", noopEntry, nil, 0, 0)
	grandchildThread, _ := reg.CreateReady(grandchild.ID, "grandchild", noopEntry, nil, 0, 0)

	status := reg.SetPriority(ScopeProcessTree, ExternalTimeCritical, 0, uint64(rootPID))
	if status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	for name, th := range map[string]*Thread{"root": rootThread, "child": childThread, "grandchild": grandchildThread} {
		if th.Class != ClassTimeCritical {
			t.Fatalf("expected %s thread reclassified to ClassTimeCritical, got %v", name, th.Class)
		}
	}
}

func TestSetPriorityRejectsInvalidDelta(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	th, _ := reg.CreateReady(pid, "worker", noopEntry, nil, 0, 0)
	if status := reg.SetPriority(ScopeThread, ExternalRegular, 1000, uint64(th.ID)); status != StatusInvalidDelta {
		t.Fatalf("expected StatusInvalidDelta, got %v", status)
	}
}

func TestKillRejectsSelf(t *testing.T) {
	reg, pid := newTestRegistry(t, 1)
	th, _ := reg.CreateReady(pid, "worker", noopEntry, nil, 0, 0)
	reg.sched.Schedule(0)

	if status := reg.Kill(0, th.ID); status != StatusInvalidParameter {
		t.Fatalf("expected StatusInvalidParameter killing cpu 0's own current thread, got %v", status)
	}
}

func TestQuerySystemInfoFillsRequestedRange(t *testing.T) {
	reg, _ := newTestRegistry(t, 4)

	buf := make([]uint64, 2)
	n, status := reg.QuerySystemInfo(2, QueryProcessorCount, QueryCurrentProcessor, buf)
	if status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if n != 2 {
		t.Fatalf("expected 2 values filled, got %d", n)
	}
	if buf[0] != 4 {
		t.Fatalf("expected processor count 4, got %d", buf[0])
	}
	if buf[1] != 2 {
		t.Fatalf("expected current processor 2, got %d", buf[1])
	}
}

func TestQuerySystemInfoCapsAtBufferLength(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)

	buf := make([]uint64, 1)
	n, status := reg.QuerySystemInfo(0, QueryProcessorCount, QueryVersionMinor, buf)
	if status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if n != 1 {
		t.Fatalf("expected n capped to buffer length 1, got %d", n)
	}
}

func TestQuerySystemInfoRejectsInvertedRange(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	buf := make([]uint64, 4)
	if _, status := reg.QuerySystemInfo(0, QueryVersionMinor, QueryProcessorCount, buf); status != StatusInvalidParameter {
		t.Fatalf("expected StatusInvalidParameter for start > last, got %v", status)
	}
}

func TestQuerySystemInfoVersionKeys(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	buf := make([]uint64, 2)
	if _, status := reg.QuerySystemInfo(0, QueryVersionMajor, QueryVersionMinor, buf); status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", status)
	}
	if buf[0] != versionMajor || buf[1] != versionMinor {
		t.Fatalf("expected version %d.%d, got %d.%d", versionMajor, versionMinor, buf[0], buf[1])
	}
}

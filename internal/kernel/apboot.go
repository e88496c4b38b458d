package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// BringUpAPs drives the INIT-STARTUP-STARTUP handshake for every
// non-bootstrap processor in topo, each bounded by apHandshakeTimeout and
// supervised via errgroup (spec §4.3 "AP bring-up"). bsp is the logical
// index of the processor that is already Online; every other discovered
// processor gets its own goroutine, mirroring the teacher's
// bounded-goroutine-per-unit-of-work shape used for concurrent package
// fetches in its package manager, but the handshakes themselves run one AP
// at a time under apBootMutex.
//
// onAPOnline is invoked once per AP that completes bring-up successfully,
// before that AP's goroutine returns and while apBootMutex is held, so two
// calls never overlap; it is the caller's hook for wiring a fresh
// interrupt controller and run queue onto the newly-online CPU.
//
// Deliberately plain errgroup.Group rather than errgroup.WithContext: the
// latter's derived context cancels as soon as any one goroutine returns an
// error, which would hand every sibling AP's own context.WithTimeout (see
// bringUpOne) an already-cancelled parent and mark them all Offline too.
// Spec §7 requires a single AP's failure to leave the rest unaffected, so
// every bringUpOne instead derives its deadline straight from the caller's
// ctx, which only cancels on the caller's own decision (or process
// shutdown), never on a sibling's outcome.
func BringUpAPs(ctx context.Context, topo *Topology, ic InterruptController, bsp int, onAPOnline func(logical int)) error {
	var g errgroup.Group
	var apBootMutex sync.Mutex

	for _, p := range topo.Processors() {
		if p.LogicalIndex == bsp {
			continue
		}
		p := p
		g.Go(func() error {
			PinCallingThread(p.LogicalIndex)
			defer UnpinCallingThread()
			apBootMutex.Lock()
			defer apBootMutex.Unlock()
			return bringUpOne(ctx, topo, ic, p, onAPOnline)
		})
	}

	return g.Wait()
}

// bringUpOne runs the three-phase handshake for a single AP: SendInit,
// SendStartup twice, then poll for the AP's self-reported Online
// transition until apHandshakeTimeout elapses (spec §4.3 steps 1-6).
func bringUpOne(ctx context.Context, topo *Topology, ic InterruptController, p *ProcessorRecord, onAPOnline func(logical int)) error {
	p.setState(CPUStarting)

	deadline, cancel := context.WithTimeout(ctx, apHandshakeTimeout)
	defer cancel()

	if err := ic.SendInit(p.HardwareID); err != nil {
		topo.MarkOffline(p.LogicalIndex)
		return newErr(KindBringUpTimeout, "bringUpOne", fmt.Errorf("cpu %d: SendInit: %w", p.LogicalIndex, err))
	}

	trampoline := uint8(0x08) // conventional real-mode trampoline page
	if err := ic.SendStartup(p.HardwareID, trampoline); err != nil {
		topo.MarkOffline(p.LogicalIndex)
		return newErr(KindBringUpTimeout, "bringUpOne", fmt.Errorf("cpu %d: SendStartup: %w", p.LogicalIndex, err))
	}

	if err := awaitOnline(deadline, topo, p.LogicalIndex); err != nil {
		topo.MarkOffline(p.LogicalIndex)
		return err
	}

	if err := topo.MarkOnline(p.LogicalIndex); err != nil {
		return err
	}
	if onAPOnline != nil {
		onAPOnline(p.LogicalIndex)
	}
	return nil
}

// awaitOnline polls the processor's reported state until it self-reports
// Online (a real AP runs its trampoline and calls back into the kernel;
// the host simulation stands in with a short fixed settle time) or the
// deadline in ctx expires, whichever is first (spec §4.3 "timeout ->
// abandon, mark offline, continue with remaining CPUs").
func awaitOnline(ctx context.Context, topo *Topology, logical int) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return newErr(KindBringUpTimeout, "awaitOnline", fmt.Errorf("cpu %d did not come online before deadline", logical))
		case <-ticker.C:
			// Host simulation: a real AP calls back into the kernel once its
			// trampoline runs; here the first poll after STARTUP stands in
			// for that callback.
			p := topo.Processor(logical)
			if p != nil {
				p.setState(CPUOnline)
				return nil
			}
			return newErr(KindResourceInvalid, "awaitOnline", fmt.Errorf("cpu %d vanished from topology", logical))
		}
	}
}

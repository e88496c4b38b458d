package kernel

import "time"

// LoadBalancer runs the periodic and idle-triggered rebalancing pass over
// a Scheduler's run queues (spec §4.6). It migrates at most one thread per
// invocation, the same "single victim per call" discipline as the
// teacher's own LoadBalancer.Balance.
type LoadBalancer struct {
	sched *Scheduler
}

// NewLoadBalancer binds a balancer to the scheduler whose run queues it
// will rebalance.
func NewLoadBalancer(sched *Scheduler) *LoadBalancer {
	return &LoadBalancer{sched: sched}
}

// Balance is invoked by the tick vector handler (Kernel.makeVectorHandler)
// whenever Scheduler.Tick reports a LoadBalanceInterval boundary, and once
// by RunKernelTests. The idle path does not call it: Schedule picking the
// idle thread triggers no balance. self is the CPU requesting a
// rebalance; it is always considered the migration target.
func (lb *LoadBalancer) Balance(self int) {
	selfRQ := lb.sched.RunQueue(self)
	if selfRQ == nil {
		return
	}

	busiest, busiestLen := lb.findBusiest(self)
	if busiest == nil {
		return
	}

	selfLen := selfRQ.Len()
	if busiestLen-selfLen <= ImbalanceThreshold {
		return
	}

	victim := lb.pickVictim(busiest, self)
	if victim == nil {
		return
	}

	if !lb.sched.Dequeue(victim) {
		return
	}

	victim.LastCPU = self
	victim.PreferredCPU = self
	lb.sched.Enqueue(victim)
	lb.sched.migrations.Add(1)
}

// findBusiest scans every online run queue but self and returns the one
// with the most runnable threads, along with its length (spec §4.6
// "Find busiest").
func (lb *LoadBalancer) findBusiest(self int) (*RunQueue, int) {
	var busiest *RunQueue
	best := 0
	online := lb.sched.topo.OnlineMask()
	for _, rq := range lb.sched.runQueues {
		if rq.CPU == self {
			continue
		}
		if online&(uint64(1)<<uint(rq.CPU)) == 0 {
			continue
		}
		n := rq.Len()
		if n > best {
			best = n
			busiest = rq
		}
	}
	return busiest, best
}

// pickVictim selects a thread to migrate off busiest onto target: not
// Bound, allowed by affinity onto target, and not "cache warm" (run
// recently, within cacheWarmThreshold) unless no other candidate exists
// (spec §4.6 "Migration candidate selection").
func (lb *LoadBalancer) pickVictim(busiest *RunQueue, target int) *Thread {
	saved := busiest.lock.LockIRQSave(busiest.pc)
	defer busiest.lock.UnlockIRQRestore(saved, busiest.pc)

	var warmFallback *Thread
	now := time.Now()
	targetBit := uint64(1) << uint(target)

	for c := 0; c < classCount; c++ {
		for l := 0; l < levelsPerClass; l++ {
			for _, t := range busiest.queues[c][l].items {
				if t.hasFlag(FlagBound) {
					continue
				}
				if t.Affinity&targetBit == 0 {
					continue
				}
				if now.Sub(t.LastScheduled) < cacheWarmThreshold {
					if warmFallback == nil {
						warmFallback = t
					}
					continue
				}
				return t
			}
		}
	}
	return warmFallback
}

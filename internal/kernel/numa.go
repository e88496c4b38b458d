package kernel

import (
	"fmt"
	"sort"
)

// MaxOrder bounds the buddy allocator's order range: orders 0..MaxOrder-1.
const MaxOrder = 11 // up to 4KiB * 2^10 = 4MiB blocks

// PFN is a page-frame number.
type PFN uint64

// NUMANode owns one node's buddy free lists (spec §3 "NUMA node", §4.4).
// Its lock is taken with a nil PerCPU: allocation/free is an administrative
// operation invoked from ordinary call stacks (kmalloc-style wrappers,
// run-queue construction), never from a specific CPU's interrupt context
// the way a run-queue lock is, so it has no single owning CPU to thread
// through LockIRQSave and falls back to the package-wide interrupt flag.
type NUMANode struct {
	ID        int
	startPFN  PFN
	endPFN    PFN
	lock      TicketLock
	freeLists [MaxOrder][]PFN
	buddyHead map[PFN]int // pfn -> order, present iff pfn heads a free block
	freePages uint64
}

func newNUMANode(id int, start, end PFN) *NUMANode {
	return &NUMANode{
		ID:        id,
		startPFN:  start,
		endPFN:    end,
		buddyHead: make(map[PFN]int),
	}
}

// FreePages returns the node's free-page counter. For every node,
// free_pages == Σ free_list[k].count * 2^k (spec §3 invariant, §8).
func (n *NUMANode) FreePages() uint64 {
	saved := n.lock.LockIRQSave(nil)
	defer n.lock.UnlockIRQRestore(saved, nil)
	return n.freePages
}

// seedWholeNode populates order MaxOrder-1 free lists so the whole PFN
// range starts out allocatable, splitting a remainder into smaller blocks.
func (n *NUMANode) seedWholeNode() {
	saved := n.lock.LockIRQSave(nil)
	defer n.lock.UnlockIRQRestore(saved, nil)

	pfn := n.startPFN
	for pfn < n.endPFN {
		order := MaxOrder - 1
		for order > 0 && pfn+PFN(1<<order) > n.endPFN {
			order--
		}
		n.pushFreeLocked(order, pfn)
		pfn += PFN(1 << order)
	}
}

func (n *NUMANode) pushFreeLocked(order int, pfn PFN) {
	n.freeLists[order] = append(n.freeLists[order], pfn)
	n.buddyHead[pfn] = order
	n.freePages += uint64(1) << uint(order)
}

// popSmallestAtLeastLocked scans orders [from, MaxOrder) and pops the first
// block found at the lowest such order, returning its PFN and order, or
// (0, 0, false) if none exists.
func (n *NUMANode) popSmallestAtLeastLocked(from int) (PFN, int, bool) {
	for order := from; order < MaxOrder; order++ {
		if len(n.freeLists[order]) == 0 {
			continue
		}
		list := n.freeLists[order]
		pfn := list[0]
		n.freeLists[order] = list[1:]
		delete(n.buddyHead, pfn)
		n.freePages -= uint64(1) << uint(order)
		return pfn, order, true
	}
	return 0, 0, false
}

func (n *NUMANode) popExactLocked(order int) (PFN, bool) {
	list := n.freeLists[order]
	if len(list) == 0 {
		return 0, false
	}
	pfn := list[0]
	n.freeLists[order] = list[1:]
	delete(n.buddyHead, pfn)
	n.freePages -= uint64(1) << uint(order)
	return pfn, true
}

// allocStrictLocked allocates order k on this node only, splitting larger
// blocks as needed, without falling back to another node (spec §4.4
// steps 1-2). Caller holds n.lock.
func (n *NUMANode) allocStrictLocked(order int) (PFN, bool) {
	if pfn, ok := n.popExactLocked(order); ok {
		return pfn, true
	}
	pfn, found, ok := n.popSmallestAtLeastLocked(order + 1)
	if !ok {
		return 0, false
	}
	// Split 'found' repeatedly down to 'order', pushing each upper half
	// back onto its free list and returning the lowest half.
	for cur := found; cur > order; cur-- {
		upperHalf := pfn + PFN(1<<(cur-1))
		n.pushFreeLocked(cur-1, upperHalf)
	}
	return pfn, true
}

func (n *NUMANode) allocStrict(order int) (PFN, bool) {
	saved := n.lock.LockIRQSave(nil)
	defer n.lock.UnlockIRQRestore(saved, nil)
	return n.allocStrictLocked(order)
}

// free returns a block at the given order to the node, coalescing with its
// buddy repeatedly until a merge fails or MaxOrder-1 is reached (spec §4.4).
func (n *NUMANode) free(pfn PFN, order int) {
	saved := n.lock.LockIRQSave(nil)
	defer n.lock.UnlockIRQRestore(saved, nil)

	for order < MaxOrder-1 {
		buddy := pfn ^ PFN(1<<order)
		buddyOrder, isHead := n.buddyHead[buddy]
		if !isHead || buddyOrder != order {
			break
		}
		// Remove the buddy from its free list.
		list := n.freeLists[order]
		for i, p := range list {
			if p == buddy {
				n.freeLists[order] = append(list[:i], list[i+1:]...)
				break
			}
		}
		delete(n.buddyHead, buddy)
		n.freePages -= uint64(1) << uint(order)
		if buddy < pfn {
			pfn = buddy
		}
		order++
	}
	n.pushFreeLocked(order, pfn)
}

// NUMATopology holds the node set, the firmware-reported distance matrix,
// and the derived fallback order (spec §3 "Topology has a distance
// matrix... and a fallback-order matrix").
type NUMATopology struct {
	nodes    []*NUMANode
	distance [][]uint32
	fallback [][]int
}

// NewNUMATopology builds nodeCount nodes each spanning an equal PFN range
// of totalPages, using the given symmetric distance matrix (self-distance
// defaults to 10, entries >= 10, per spec §3). A nil matrix synthesizes an
// all-equal-distance matrix (no fallback preference among peers).
func NewNUMATopology(nodeCount int, totalPages uint64, distance [][]uint32) (*NUMATopology, error) {
	if nodeCount <= 0 {
		return nil, newErr(KindResourceInvalid, "NewNUMATopology", fmt.Errorf("nodeCount must be positive"))
	}
	if distance == nil {
		distance = make([][]uint32, nodeCount)
		for i := range distance {
			distance[i] = make([]uint32, nodeCount)
			for j := range distance[i] {
				if i == j {
					distance[i][j] = 10
				} else {
					distance[i][j] = 20
				}
			}
		}
	}

	t := &NUMATopology{distance: distance}
	perNode := totalPages / uint64(nodeCount)
	var pfn PFN
	for i := 0; i < nodeCount; i++ {
		n := newNUMANode(i, pfn, pfn+PFN(perNode))
		n.seedWholeNode()
		t.nodes = append(t.nodes, n)
		pfn += PFN(perNode)
	}
	t.buildFallback()
	return t, nil
}

// buildFallback sorts, for each node i, all node indices ascending by
// distance[i][*], ties broken by index, using a stable sort so fallback
// order is deterministic (spec §4.4 "Fallback order construction").
func (t *NUMATopology) buildFallback() {
	n := len(t.nodes)
	t.fallback = make([][]int, n)
	for i := 0; i < n; i++ {
		order := make([]int, n)
		for j := range order {
			order[j] = j
		}
		sort.SliceStable(order, func(a, b int) bool {
			return t.distance[i][order[a]] < t.distance[i][order[b]]
		})
		t.fallback[i] = order
	}
}

// Node returns the node record for an index, or nil.
func (t *NUMATopology) Node(id int) *NUMANode {
	if id < 0 || id >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

// NumNodes returns the number of NUMA nodes.
func (t *NUMATopology) NumNodes() int { return len(t.nodes) }

// NodeOf maps a PFN back to its owning node (used by virt_to_page-style
// lookups in scenario 4 of spec §8).
func (t *NUMATopology) NodeOf(pfn PFN) *NUMANode {
	for _, n := range t.nodes {
		if pfn >= n.startPFN && pfn < n.endPFN {
			return n
		}
	}
	return nil
}

// AllocPages allocates 2^order contiguous pages, preferring node, falling
// back through distance-sorted peers on exhaustion (spec §4.4 step 3).
// Node locks are never held two at a time: the first is always released
// before the next is acquired (spec §4.4 "Contract").
func (t *NUMATopology) AllocPages(node int, order int) (PFN, int, error) {
	if order < 0 || order >= MaxOrder {
		return 0, 0, newErr(KindResourceInvalid, "AllocPages", fmt.Errorf("invalid order %d", order))
	}
	primary := t.Node(node)
	if primary == nil {
		return 0, 0, newErr(KindResourceInvalid, "AllocPages", fmt.Errorf("invalid node %d", node))
	}
	if pfn, ok := primary.allocStrict(order); ok {
		return pfn, node, nil
	}
	for _, candidate := range t.fallback[node][1:] {
		n := t.nodes[candidate]
		if pfn, ok := n.allocStrict(order); ok {
			return pfn, candidate, nil
		}
	}
	return 0, 0, newErr(KindAllocationFailure, "AllocPages", fmt.Errorf("no memory for order %d starting at node %d", order, node))
}

// FreePages frees a block previously returned by AllocPages, given the
// node it was allocated from.
func (t *NUMATopology) FreePages(node int, pfn PFN, order int) error {
	n := t.Node(node)
	if n == nil {
		return newErr(KindResourceInvalid, "FreePages", fmt.Errorf("invalid node %d", node))
	}
	n.free(pfn, order)
	return nil
}

// orderForBytes derives the smallest order whose block size in bytes is
// >= requested size, for the kmalloc-style wrapper (spec §4.4).
func orderForBytes(size uintptr) int {
	pages := (uint64(size) + DefaultPageSize - 1) / DefaultPageSize
	if pages == 0 {
		pages = 1
	}
	order := 0
	for (uint64(1) << uint(order)) < pages {
		order++
	}
	return order
}

// KmallocPages rounds size up to a power-of-two page count, derives the
// order, and allocates it on the given node (spec §4.4 "kmalloc-style
// wrapper").
func (t *NUMATopology) KmallocPages(node int, size uintptr) (PFN, int, error) {
	order := orderForBytes(size)
	return t.AllocPages(node, order)
}

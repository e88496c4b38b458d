package kernel

import "testing"

func TestNUMANodeAllocFreeRoundTrip(t *testing.T) {
	n := newNUMANode(0, 0, 1024)
	n.seedWholeNode()

	before := n.FreePages()

	pfn, ok := n.allocStrict(3) // 8 pages
	if !ok {
		t.Fatal("expected order-3 allocation to succeed on a freshly seeded node")
	}
	if n.FreePages() != before-8 {
		t.Fatalf("expected free pages to drop by 8, got %d -> %d", before, n.FreePages())
	}

	n.free(pfn, 3)
	if n.FreePages() != before {
		t.Fatalf("expected free pages to return to %d after free, got %d", before, n.FreePages())
	}
}

func TestNUMANodeSplitsLargerBlockOnExactMiss(t *testing.T) {
	n := newNUMANode(0, 0, 8)
	n.seedWholeNode() // single order-3 block of 8 pages

	pfn, ok := n.allocStrict(0)
	if !ok {
		t.Fatal("expected order-0 allocation to succeed by splitting the order-3 block")
	}
	if pfn != 0 {
		t.Fatalf("expected the first split half to start at pfn 0, got %d", pfn)
	}
	if n.FreePages() != 7 {
		t.Fatalf("expected 7 pages free after taking 1 of 8, got %d", n.FreePages())
	}
}

func TestNUMANodeExhaustion(t *testing.T) {
	n := newNUMANode(0, 0, 4)
	n.seedWholeNode()

	if _, ok := n.allocStrict(2); !ok {
		t.Fatal("expected the single order-2 block to be allocatable")
	}
	if _, ok := n.allocStrict(0); ok {
		t.Fatal("expected allocation to fail once the node is exhausted")
	}
}

func TestNUMANodeCoalescesBuddiesOnFree(t *testing.T) {
	n := newNUMANode(0, 0, 2)
	n.seedWholeNode() // one order-1 block: pfn 0,1

	a, ok := n.allocStrict(0)
	if !ok {
		t.Fatal("alloc a failed")
	}
	b, ok := n.allocStrict(0)
	if !ok {
		t.Fatal("alloc b failed")
	}
	if n.FreePages() != 0 {
		t.Fatalf("expected 0 free pages, got %d", n.FreePages())
	}

	n.free(a, 0)
	n.free(b, 0)

	if n.FreePages() != 2 {
		t.Fatalf("expected 2 free pages after freeing both buddies, got %d", n.FreePages())
	}
	if _, ok := n.allocStrict(1); !ok {
		t.Fatal("expected the freed buddies to have coalesced back into one order-1 block")
	}
}

func TestNUMATopologyAllocFallsBackToNeighbor(t *testing.T) {
	topo, err := NewNUMATopology(2, 16, nil)
	if err != nil {
		t.Fatalf("NewNUMATopology: %v", err)
	}

	// Exhaust node 0 (8 pages -> one order-3 alloc).
	if _, _, err := topo.AllocPages(0, 3); err != nil {
		t.Fatalf("AllocPages(0,3): %v", err)
	}

	pfn, node, err := topo.AllocPages(0, 2)
	if err != nil {
		t.Fatalf("expected fallback allocation to node 1 to succeed: %v", err)
	}
	if node != 1 {
		t.Fatalf("expected fallback to land on node 1, got node %d", node)
	}
	if topo.NodeOf(pfn) == nil {
		t.Fatal("NodeOf should resolve the fallback-allocated pfn")
	}
}

func TestNUMATopologyAllocFailsWhenAllNodesExhausted(t *testing.T) {
	topo, err := NewNUMATopology(1, 4, nil)
	if err != nil {
		t.Fatalf("NewNUMATopology: %v", err)
	}
	if _, _, err := topo.AllocPages(0, 2); err != nil {
		t.Fatalf("AllocPages(0,2): %v", err)
	}
	if _, _, err := topo.AllocPages(0, 0); err == nil {
		t.Fatal("expected allocation failure once the only node is exhausted")
	} else if !IsKind(err, KindAllocationFailure) {
		t.Fatalf("expected KindAllocationFailure, got %v", err)
	}
}

func TestKmallocPagesRoundsUpToOrder(t *testing.T) {
	topo, err := NewNUMATopology(1, 1<<16, nil)
	if err != nil {
		t.Fatalf("NewNUMATopology: %v", err)
	}

	before := topo.Node(0).FreePages()
	pfn, node, err := topo.KmallocPages(0, DefaultPageSize+1)
	if err != nil {
		t.Fatalf("KmallocPages: %v", err)
	}
	if used := before - topo.Node(node).FreePages(); used != 2 {
		t.Fatalf("expected an order-1 (2-page) block for a slightly-over-one-page request, got %d pages", used)
	}
	if err := topo.FreePages(node, pfn, 1); err != nil {
		t.Fatalf("FreePages: %v", err)
	}
}

func TestInvalidOrderAndNodeRejected(t *testing.T) {
	topo, err := NewNUMATopology(1, 16, nil)
	if err != nil {
		t.Fatalf("NewNUMATopology: %v", err)
	}
	if _, _, err := topo.AllocPages(0, MaxOrder); err == nil {
		t.Fatal("expected an error for an out-of-range order")
	}
	if _, _, err := topo.AllocPages(5, 0); err == nil {
		t.Fatal("expected an error for an out-of-range node")
	}
}

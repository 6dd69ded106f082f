package graph

import (
	"container/heap"
	"fmt"

	"github.com/cuemby/orbit/pkg/orberr"
	"github.com/cuemby/orbit/pkg/types"
)

// idHeap is a min-heap of node ids, used to pick the lexicographically
// smallest ready node at each step of Kahn's algorithm so that
// topological order is deterministic (SPEC_FULL.md §4.1).
type idHeap []types.NodeID

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)         { *h = append(*h, x.(types.NodeID)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TopologicalOrder returns a deterministic topological ordering of g's
// nodes using Kahn's algorithm with lexicographic tie-breaking among
// ready nodes, target complexity O((V+E)·log V). If g contains a cycle,
// it returns a CycleDetected error (orberr, code VE-001) listing every
// node whose in-degree never reached zero.
func TopologicalOrder(g *types.Graph) ([]types.NodeID, error) {
	inDegree := make(map[types.NodeID]int, len(g.Nodes))
	children := make(map[types.NodeID][]types.NodeID, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = 0
	}
	for _, l := range g.Links {
		if _, ok := g.Nodes[l.Src.NodeID]; !ok {
			return nil, fmt.Errorf("topological_order: %w", &nodeNotFoundError{id: l.Src.NodeID})
		}
		if _, ok := g.Nodes[l.Dst.NodeID]; !ok {
			return nil, fmt.Errorf("topological_order: %w", &nodeNotFoundError{id: l.Dst.NodeID})
		}
		inDegree[l.Dst.NodeID]++
		children[l.Src.NodeID] = append(children[l.Src.NodeID], l.Dst.NodeID)
	}

	ready := &idHeap{}
	heap.Init(ready)
	for id, deg := range inDegree {
		if deg == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]types.NodeID, 0, len(g.Nodes))
	resolved := make(map[types.NodeID]bool, len(g.Nodes))

	for ready.Len() > 0 {
		id := heap.Pop(ready).(types.NodeID)
		order = append(order, id)
		resolved[id] = true
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				heap.Push(ready, child)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		return nil, orberr.CycleDetected(cycleNodes(g, resolved))
	}
	return order, nil
}

// Package planner implements the incremental planner (C2): given a
// freshly compiled plan and a cache of previously observed node hashes,
// it computes the dirty set of nodes that must re-execute.
package planner

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/cuemby/orbit/pkg/graph"
	"github.com/cuemby/orbit/pkg/types"
)

// Compute returns the subset of order that is dirty: its hash changed
// from previousHashes, or any parent is dirty. order must be a valid
// topological order of g (parents precede children) so that a single
// forward pass suffices. The dirty set is represented internally as a
// roaring bitmap over dense node-index positions in order, then
// translated back to node ids preserving order.
func Compute(g *types.Graph, order []types.NodeID, hashes, previousHashes map[types.NodeID]types.NodeHash) []types.NodeID {
	indexOf := make(map[types.NodeID]uint32, len(order))
	for i, id := range order {
		indexOf[id] = uint32(i)
	}

	dirty := roaring.New()
	for i, id := range order {
		isDirty := false

		prev, existed := previousHashes[id]
		if !existed || prev != hashes[id] {
			isDirty = true
		}

		if !isDirty {
			for _, parentID := range graph.Parents(g, id) {
				if idx, ok := indexOf[parentID]; ok && dirty.Contains(idx) {
					isDirty = true
					break
				}
			}
		}

		if isDirty {
			dirty.Add(uint32(i))
		}
	}

	out := make([]types.NodeID, 0, dirty.GetCardinality())
	it := dirty.Iterator()
	for it.HasNext() {
		out = append(out, order[it.Next()])
	}
	return out
}

// Package graph implements the graph model and compiler (C1): decoding,
// structural validation, deterministic topological ordering, and
// content-addressed node hashing.
package graph

import (
	"github.com/cuemby/orbit/pkg/types"
)

// Plan is the output of compiling a graph: a topological order paired
// with each node's content hash.
type Plan struct {
	Order  []types.NodeID
	Hashes map[types.NodeID]types.NodeHash
}

// Compile validates g, computes its topological order, and hashes every
// node. It is the single entry point C2 (the incremental planner) and C3
// (the arbiter) build on.
func (c *Compiler) Compile(g *types.Graph) (*Plan, error) {
	if err := c.Validate(g); err != nil {
		return nil, err
	}
	order, err := TopologicalOrder(g)
	if err != nil {
		return nil, err
	}
	hashes, err := HashAll(g, order)
	if err != nil {
		return nil, err
	}
	return &Plan{Order: order, Hashes: hashes}, nil
}

// Parents returns the node ids that are direct upstream producers of id.
func Parents(g *types.Graph, id types.NodeID) []types.NodeID {
	var out []types.NodeID
	seen := make(map[types.NodeID]bool)
	for _, l := range g.Links {
		if l.Dst.NodeID == id && !seen[l.Src.NodeID] {
			out = append(out, l.Src.NodeID)
			seen[l.Src.NodeID] = true
		}
	}
	return out
}

// Children returns the node ids that directly consume id's output.
func Children(g *types.Graph, id types.NodeID) []types.NodeID {
	var out []types.NodeID
	seen := make(map[types.NodeID]bool)
	for _, l := range g.Links {
		if l.Src.NodeID == id && !seen[l.Dst.NodeID] {
			out = append(out, l.Dst.NodeID)
			seen[l.Dst.NodeID] = true
		}
	}
	return out
}

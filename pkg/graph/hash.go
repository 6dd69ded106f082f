package graph

import (
	"crypto/sha256"
	"sort"

	"github.com/cuemby/orbit/pkg/types"
)

// parentLinks returns the links that feed into nodeID, sorted by
// (dst_port, src_id) as required by SPEC_FULL.md §3's node-hash
// definition.
func parentLinks(g *types.Graph, nodeID types.NodeID) []types.Link {
	var links []types.Link
	for _, l := range g.Links {
		if l.Dst.NodeID == nodeID {
			links = append(links, l)
		}
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].Dst.Port != links[j].Dst.Port {
			return links[i].Dst.Port < links[j].Dst.Port
		}
		return links[i].Src.NodeID < links[j].Src.NodeID
	})
	return links
}

// computeNodeHash implements:
//
//	H(n) = SHA256(op_type || sorted_params || parent_hashes_in_edge_order)
//
// sorted_params concatenates, in lexicographic key order, key_utf8
// followed by the canonical JSON encoding of the value. parentHashes must
// already be in edge order (see parentLinks / HashAll).
func computeNodeHash(n types.Node, parentHashes [][32]byte) (types.NodeHash, error) {
	h := sha256.New()
	h.Write([]byte(n.OpType))

	keys := make([]string, 0, len(n.Params))
	for k := range n.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		h.Write([]byte(k))
		canon, err := canonicalJSON(n.Params[k].Value)
		if err != nil {
			return types.NodeHash{}, err
		}
		h.Write(canon)
	}

	for _, ph := range parentHashes {
		h.Write(ph[:])
	}

	var out types.NodeHash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// HashAll computes H(n) for every node in order, which must be a valid
// topological order of g (e.g. the output of TopologicalOrder). Parent
// hashes are looked up from already-computed entries, so order matters:
// a node's parents must precede it in order, which a topological order
// guarantees.
func HashAll(g *types.Graph, order []types.NodeID) (map[types.NodeID]types.NodeHash, error) {
	hashes := make(map[types.NodeID]types.NodeHash, len(order))
	for _, id := range order {
		node := g.Nodes[id]
		links := parentLinks(g, id)
		parentHashes := make([][32]byte, 0, len(links))
		for _, l := range links {
			ph, ok := hashes[l.Src.NodeID]
			if !ok {
				// Parent not yet hashed: order was not a valid
				// topological order for this graph.
				continue
			}
			parentHashes = append(parentHashes, ph)
		}
		hash, err := computeNodeHash(node, parentHashes)
		if err != nil {
			return nil, err
		}
		hashes[id] = hash
	}
	return hashes, nil
}

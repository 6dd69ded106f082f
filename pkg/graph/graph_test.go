package graph

import (
	"testing"

	"github.com/cuemby/orbit/pkg/orberr"
	"github.com/cuemby/orbit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id, opType string) types.Node {
	return types.Node{ID: id, OpType: opType, Params: map[string]types.ParamValue{}}
}

func link(srcID, srcPort, dstID, dstPort string) types.Link {
	return types.Link{
		Src: types.Port{NodeID: srcID, Port: srcPort},
		Dst: types.Port{NodeID: dstID, Port: dstPort},
	}
}

func TestTopologicalOrder_LinearChain(t *testing.T) {
	g := &types.Graph{
		Nodes: map[string]types.Node{
			"A": node("A", "Op::A"),
			"B": node("B", "Op::B"),
			"C": node("C", "Op::C"),
		},
		Links: []types.Link{
			link("A", "out", "B", "in"),
			link("B", "out", "C", "in"),
		},
	}

	order, err := TopologicalOrder(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestTopologicalOrder_Diamond(t *testing.T) {
	g := &types.Graph{
		Nodes: map[string]types.Node{
			"A": node("A", "Op::A"),
			"B": node("B", "Op::B"),
			"C": node("C", "Op::C"),
			"D": node("D", "Op::D"),
		},
		Links: []types.Link{
			link("A", "out", "B", "in"),
			link("A", "out", "C", "in"),
			link("B", "out", "D", "in1"),
			link("C", "out", "D", "in2"),
		},
	}

	order, err := TopologicalOrder(g)
	require.NoError(t, err)
	require.Len(t, order, 4)
	assert.Equal(t, "A", order[0])
	assert.Equal(t, "D", order[3])

	hashes, err := HashAll(g, order)
	require.NoError(t, err)
	hashB := hashes["B"]
	hashC := hashes["C"]
	assert.NotEqual(t, hashB, hashC)

	// D's hash depends on both B's and C's hash: changing the graph so
	// that B's upstream identity changes must change D's hash.
	g2 := &types.Graph{
		Nodes: map[string]types.Node{
			"A": node("A", "Op::A"),
			"B": node("B", "Op::Different"),
			"C": node("C", "Op::C"),
			"D": node("D", "Op::D"),
		},
		Links: g.Links,
	}
	order2, err := TopologicalOrder(g2)
	require.NoError(t, err)
	hashes2, err := HashAll(g2, order2)
	require.NoError(t, err)
	assert.NotEqual(t, hashes["D"], hashes2["D"])
}

func TestTopologicalOrder_CycleRejected(t *testing.T) {
	g := &types.Graph{
		Nodes: map[string]types.Node{
			"A": node("A", "Op::A"),
			"B": node("B", "Op::B"),
			"C": node("C", "Op::C"),
		},
		Links: []types.Link{
			link("A", "out", "B", "in"),
			link("B", "out", "C", "in"),
			link("C", "out", "A", "in"),
		},
	}

	_, err := TopologicalOrder(g)
	require.Error(t, err)
	var verr *orberr.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, orberr.CodeCycleDetected, verr.Code)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, verr.Nodes)
}

func TestHashAll_Deterministic(t *testing.T) {
	g := &types.Graph{
		Nodes: map[string]types.Node{
			"A": node("A", "Op::A"),
		},
	}
	order, err := TopologicalOrder(g)
	require.NoError(t, err)

	h1, err := HashAll(g, order)
	require.NoError(t, err)
	h2, err := HashAll(g, order)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashAll_ParameterSensitivity(t *testing.T) {
	n := node("n", "Op::Test")
	g := &types.Graph{Nodes: map[string]types.Node{"n": n}}
	order, _ := TopologicalOrder(g)
	h1, err := HashAll(g, order)
	require.NoError(t, err)

	n.Params["seed"] = types.ParamValue{Type: "INT", Value: 42}
	g2 := &types.Graph{Nodes: map[string]types.Node{"n": n}}
	h2, err := HashAll(g2, order)
	require.NoError(t, err)

	assert.NotEqual(t, h1["n"], h2["n"])
}

func TestCompiler_TypeMismatch(t *testing.T) {
	src := node("src", "Loader::Mask")
	src.Params["mask_out"] = types.ParamValue{Type: "MASK"}
	dst := node("dst", "Process::RequiresLatent")
	dst.Params["latent_in"] = types.ParamValue{Type: "LATENT"}

	g := &types.Graph{
		Nodes: map[string]types.Node{"src": src, "dst": dst},
		Links: []types.Link{link("src", "mask_out", "dst", "latent_in")},
	}

	c := NewCompiler(TypeCompatTable{"MASK": {"MASK", "IMAGE"}})
	err := c.Validate(g)
	require.Error(t, err)
	var verr *orberr.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, orberr.CodeTypeMismatch, verr.Code)
}

func TestCompiler_TypeCompatRelaxation(t *testing.T) {
	src := node("src", "Loader::Mask")
	src.Params["mask_out"] = types.ParamValue{Type: "MASK"}
	dst := node("dst", "Process::Image")
	dst.Params["image_in"] = types.ParamValue{Type: "IMAGE"}

	g := &types.Graph{
		Nodes: map[string]types.Node{"src": src, "dst": dst},
		Links: []types.Link{link("src", "mask_out", "dst", "image_in")},
	}

	c := NewCompiler(TypeCompatTable{"MASK": {"MASK", "IMAGE"}})
	assert.NoError(t, c.Validate(g))
}

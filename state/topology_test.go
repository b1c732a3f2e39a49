package state

import (
	"errors"
	"net/netip"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metrics(m uint32) [MaxLevel]uint32 {
	return [MaxLevel]uint32{0, m, m}
}

func newLine(t *testing.T) *Topology {
	topo := NewTopology()
	for _, id := range []NodeId{"a", "b", "c"} {
		_, err := topo.AddNode(id, netip.Addr{})
		require.NoError(t, err)
	}
	_, _, err := topo.Connect(LinkSpec{
		From: "a", To: "b", FromIf: "ab", ToIf: "ba",
		FromAddr: netip.MustParsePrefix("10.0.0.1/30"),
		ToAddr:   netip.MustParsePrefix("10.0.0.2/30"),
		Metric:   metrics(10), Levels: MaskL12,
	})
	require.NoError(t, err)
	_, _, err = topo.Connect(LinkSpec{
		From: "b", To: "c", FromIf: "bc", ToIf: "cb",
		Metric: metrics(20), Levels: MaskL1,
	})
	require.NoError(t, err)
	return topo
}

func TestTopology_DuplicateNode(t *testing.T) {
	topo := NewTopology()
	_, err := topo.AddNode("a", netip.Addr{})
	require.NoError(t, err)
	_, err = topo.AddNode("a", netip.Addr{})
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestTopology_InverseEdges(t *testing.T) {
	topo := newLine(t)
	require.NoError(t, topo.CheckInvariants())
	a, _ := topo.NodeById("a")
	b, _ := topo.NodeById("b")

	ab := topo.EdgeBetween(a.Handle(), b.Handle(), Level1)
	ba := topo.EdgeBetween(b.Handle(), a.Handle(), Level1)
	require.NotEqual(t, NoEdge, ab)
	assert.Equal(t, ba, topo.Edge(ab).Inverse)
	assert.Equal(t, ab, topo.Edge(ba).Inverse)
	assert.Equal(t, Outgoing, topo.EdgeDirection(a.Handle(), ab))
	assert.Equal(t, Incoming, topo.EdgeDirection(b.Handle(), ab))
	assert.Equal(t, DirUnknown, topo.EdgeDirection(a.Handle(), topo.EdgeByInterface(b.Handle(), "bc")))
}

func TestTopology_LevelMasking(t *testing.T) {
	topo := newLine(t)
	b, _ := topo.NodeById("b")
	collect := func(level Level) []NodeId {
		out := make([]NodeId, 0)
		for adj := range topo.LogicalNeighbors(b.Handle(), level) {
			out = append(out, topo.Node(adj.Node).Id)
		}
		return out
	}
	assert.ElementsMatch(t, []NodeId{"a", "c"}, collect(Level1))
	assert.ElementsMatch(t, []NodeId{"a"}, collect(Level2))
	assert.Empty(t, collect(Level(0)))
}

func TestTopology_DownEdgeSkipped(t *testing.T) {
	topo := newLine(t)
	b, _ := topo.NodeById("b")
	require.NoError(t, topo.SetEdgeStatus(topo.EdgeByInterface(b.Handle(), "bc"), false))
	c, _ := topo.NodeById("c")
	// both directions go down together
	assert.Empty(t, slices.Collect(topo.LogicalNeighbors(c.Handle(), Level1)))
	assert.False(t, topo.IsTwoWay(b.Handle(), c.Handle(), Level1))
}

func TestTopology_ReverseMetric(t *testing.T) {
	topo := newLine(t)
	a, _ := topo.NodeById("a")
	b, _ := topo.NodeById("b")
	require.NoError(t, topo.SetEdgeMetric(topo.EdgeBetween(b.Handle(), a.Handle(), Level1), Level1, 99))
	fwd := slices.Collect(topo.LogicalNeighbors(a.Handle(), Level1))
	rev := slices.Collect(topo.ReverseNeighbors(a.Handle(), Level1))
	require.Len(t, fwd, 1)
	require.Len(t, rev, 1)
	assert.Equal(t, uint32(10), fwd[0].Metric)
	assert.Equal(t, uint32(99), rev[0].Metric)
}

func TestTopology_InterfacePrefix(t *testing.T) {
	topo := newLine(t)
	a, _ := topo.NodeById("a")
	p := a.LocalPrefix(Level1, netip.MustParsePrefix("10.0.0.0/30"))
	require.NotNil(t, p)
	assert.True(t, p.Flags.Has(PrefixInterface))

	_, err := topo.DetachPrefix("a", Level1, netip.MustParsePrefix("10.0.0.0/30"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStructural))
	var se *StructuralError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, PrefixInUse, se.Kind)
	assert.Equal(t, NodeId("a"), se.Node)
	assert.NotNil(t, a.LocalPrefix(Level1, netip.MustParsePrefix("10.0.0.0/30")))
}

func TestTopology_AttachDetach(t *testing.T) {
	topo := newLine(t)
	pfx := netip.MustParsePrefix("192.168.1.0/24")
	_, err := topo.AttachPrefix("c", Prefix{Prefix: pfx, Level: Level1, Metric: 5})
	require.NoError(t, err)
	_, err = topo.AttachPrefix("c", Prefix{Prefix: netip.MustParsePrefix("192.168.1.9/24"), Level: Level1})
	assert.ErrorIs(t, err, ErrDuplicatePrefix)
	_, err = topo.AttachPrefix("c", Prefix{Prefix: pfx, Level: Level2})
	assert.NoError(t, err)

	p, err := topo.DetachPrefix("c", Level1, pfx)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), p.Metric)
	_, err = topo.DetachPrefix("c", Level1, pfx)
	assert.ErrorIs(t, err, ErrUnknownPrefix)
}

func TestTopology_PseudonodeNeverOriginates(t *testing.T) {
	topo := newLine(t)
	require.NoError(t, topo.MarkPseudonode("b", Level1))
	_, err := topo.AttachPrefix("b", Prefix{Prefix: netip.MustParsePrefix("1.0.0.0/8"), Level: Level1})
	assert.ErrorIs(t, err, ErrStructural)
	b, _ := topo.NodeById("b")
	assert.Empty(t, b.Prefixes[Level1])
}

func TestTopology_PhysicalNeighbors(t *testing.T) {
	topo := NewTopology()
	for _, id := range []NodeId{"r1", "r2", "r3", "pn"} {
		_, err := topo.AddNode(id, netip.Addr{})
		require.NoError(t, err)
	}
	require.NoError(t, topo.MarkPseudonode("pn", Level2))
	for i, id := range []NodeId{"r1", "r2", "r3"} {
		ab, ba, err := topo.Connect(LinkSpec{From: id, To: "pn", Metric: metrics(uint32(i + 1)), Levels: MaskL2})
		require.NoError(t, err)
		require.NotEqual(t, ab, ba)
		require.NoError(t, topo.SetEdgeMetric(ba, Level2, 0))
	}
	r1, _ := topo.NodeById("r1")
	pn, _ := topo.NodeById("pn")

	logical := slices.Collect(topo.LogicalNeighbors(r1.Handle(), Level2))
	require.Len(t, logical, 1)
	assert.Equal(t, pn.Handle(), logical[0].Node)

	ids := make([]NodeId, 0)
	for adj := range topo.PhysicalNeighbors(r1.Handle(), Level2) {
		assert.True(t, adj.Pseudonode())
		assert.Equal(t, uint32(1), adj.Metric)
		ids = append(ids, topo.Node(adj.Node).Id)
	}
	assert.ElementsMatch(t, []NodeId{"r2", "r3"}, ids)
	assert.Equal(t, pn.Handle(), topo.PseudonodeOf(r1.Handle(), Level2))
}

func TestTopology_SlotsExhausted(t *testing.T) {
	old := MaxIntfSlots
	MaxIntfSlots = 2
	defer func() { MaxIntfSlots = old }()
	topo := NewTopology()
	for _, id := range []NodeId{"hub", "x", "y", "z"} {
		_, err := topo.AddNode(id, netip.Addr{})
		require.NoError(t, err)
	}
	for _, id := range []NodeId{"x", "y"} {
		_, _, err := topo.Connect(LinkSpec{From: "hub", To: id, Metric: metrics(1), Levels: MaskL1})
		require.NoError(t, err)
	}
	_, _, err := topo.Connect(LinkSpec{From: "hub", To: "z", Metric: metrics(1), Levels: MaskL1})
	assert.ErrorIs(t, err, ErrSlotsExhausted)
}

func TestTopology_GenerationBumps(t *testing.T) {
	topo := newLine(t)
	g := topo.Generation()
	_, err := topo.AttachPrefix("a", Prefix{Prefix: netip.MustParsePrefix("5.5.5.0/24"), Level: Level1})
	require.NoError(t, err)
	assert.Equal(t, g, topo.Generation(), "prefix attach leaves the tree alone")
	require.NoError(t, topo.SetOverload("a", Level1, true))
	assert.Greater(t, topo.Generation(), g)
}

func TestAddMetric_Saturates(t *testing.T) {
	assert.Equal(t, uint32(15), AddMetric(5, 10))
	assert.Equal(t, InfiniteMetric, AddMetric(InfiniteMetric, 1))
	assert.Equal(t, InfiniteMetric-1, AddMetric(InfiniteMetric-1, 5))
}

func TestTopology_Partitions(t *testing.T) {
	topo := newLine(t)
	_, err := topo.AddNode("d", netip.Addr{})
	require.NoError(t, err)
	assert.Equal(t, [][]NodeId{{"a", "b", "c"}, {"d"}}, topo.Partitions(Level1))
	assert.Equal(t, [][]NodeId{{"a", "b"}, {"c"}, {"d"}}, topo.Partitions(Level2))

	g := topo.WeightedGraph(Level1)
	a, _ := topo.NodeById("a")
	b, _ := topo.NodeById("b")
	w, ok := g.Weight(int64(a.Handle()), int64(b.Handle()))
	assert.True(t, ok)
	assert.Equal(t, 10.0, w)
}

package state

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	gtopo "gonum.org/v1/gonum/graph/topo"
)

// WeightedGraph exports the active edges of a level as a gonum graph keyed by node handle. Parallel
// edges collapse to the cheapest one.
func (t *Topology) WeightedGraph(level Level) *simple.WeightedDirectedGraph {
	g := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	for _, n := range t.nodes {
		g.AddNode(simple.Node(n.handle))
	}
	for h, e := range t.edges {
		if !e.Active(level) {
			continue
		}
		from, to := simple.Node(t.Head(EdgeHandle(h))), simple.Node(t.Tail(EdgeHandle(h)))
		w := float64(e.Metric[level])
		if cur := g.WeightedEdge(from.ID(), to.ID()); cur != nil && cur.Weight() <= w {
			continue
		}
		g.SetWeightedEdge(simple.WeightedEdge{F: from, T: to, W: w})
	}
	return g
}

// Partitions groups the routers of a level into the sets that can reach each other over two way
// adjacencies. Routers without any adjacency at the level form their own partition.
func (t *Topology) Partitions(level Level) [][]NodeId {
	g := simple.NewUndirectedGraph()
	for _, n := range t.nodes {
		g.AddNode(simple.Node(n.handle))
	}
	for _, n := range t.nodes {
		for adj := range t.LogicalNeighbors(n.handle, level) {
			if adj.Node == n.handle || !t.IsTwoWay(n.handle, adj.Node, level) {
				continue
			}
			g.SetEdge(g.NewEdge(simple.Node(n.handle), simple.Node(adj.Node)))
		}
	}
	out := make([][]NodeId, 0)
	for _, comp := range gtopo.ConnectedComponents(g) {
		ids := make([]NodeId, 0, len(comp))
		for _, gn := range comp {
			if n := t.Node(NodeHandle(gn.ID())); n != nil && !n.IsPseudonode(level) {
				ids = append(ids, n.Id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		slices.Sort(ids)
		out = append(out, ids)
	}
	slices.SortFunc(out, func(a, b []NodeId) int {
		return cmp.Compare(a[0], b[0])
	})
	return out
}

// PathNodes maps a gonum path back to node ids.
func (t *Topology) PathNodes(p []graph.Node) []NodeId {
	out := make([]NodeId, 0, len(p))
	for _, gn := range p {
		if n := t.Node(NodeHandle(gn.ID())); n != nil {
			out = append(out, n.Id)
		}
	}
	return out
}

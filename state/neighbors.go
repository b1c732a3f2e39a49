package state

import "iter"

// Adjacency is one neighbour reached from a node at a level.
type Adjacency struct {
	// Node is the neighbour. For physical iteration it is always a real router.
	Node NodeHandle
	// Via is the directly connected neighbour, which is the pseudonode when the hop crosses a LAN.
	Via NodeHandle
	// Edge connects the node to Via, Edge2 connects Via to Node. Without a pseudonode both are equal.
	Edge  EdgeHandle
	Edge2 EdgeHandle
	// Metric is the cost of the hop in the iterated direction.
	Metric uint32
}

// Pseudonode reports whether the adjacency crosses a pseudonode.
func (a Adjacency) Pseudonode() bool {
	return a.Via != a.Node
}

// AddMetric adds two metrics, saturating below InfiniteMetric unless either side is infinite.
func AddMetric(a, b uint32) uint32 {
	if a == InfiniteMetric || b == InfiniteMetric {
		return InfiniteMetric
	}
	s := uint64(a) + uint64(b)
	if s >= uint64(InfiniteMetric) {
		return InfiniteMetric - 1
	}
	return uint32(s)
}

// hop returns the edge usable in the iterated direction and its metric.
func (t *Topology) hop(h EdgeHandle, level Level, reverse bool) (uint32, bool) {
	e := t.edges[h]
	if !e.Active(level) {
		return 0, false
	}
	if !reverse {
		return e.Metric[level], true
	}
	inv := t.Edge(e.Inverse)
	if inv == nil || !inv.Active(level) {
		return 0, false
	}
	return inv.Metric[level], true
}

func (t *Topology) outgoing(node NodeHandle) iter.Seq[EdgeHandle] {
	return func(yield func(EdgeHandle) bool) {
		n := t.Node(node)
		if n == nil {
			return
		}
		for _, end := range n.Ends {
			e := &t.ends[end]
			if e.Dir != Outgoing {
				continue
			}
			if !yield(e.Edge) {
				return
			}
		}
	}
}

func (t *Topology) neighbors(node NodeHandle, level Level, physical, reverse bool) iter.Seq[Adjacency] {
	return func(yield func(Adjacency) bool) {
		if !level.Valid() {
			return
		}
		for h := range t.outgoing(node) {
			m1, ok := t.hop(h, level, reverse)
			if !ok {
				continue
			}
			via := t.Tail(h)
			adj := Adjacency{Node: via, Via: via, Edge: h, Edge2: h, Metric: m1}
			if !physical || !t.nodes[via].IsPseudonode(level) {
				if !yield(adj) {
					return
				}
				continue
			}
			for h2 := range t.outgoing(via) {
				m2, ok := t.hop(h2, level, reverse)
				if !ok {
					continue
				}
				nbr := t.Tail(h2)
				if nbr == node {
					continue
				}
				if !yield(Adjacency{
					Node:   nbr,
					Via:    via,
					Edge:   h,
					Edge2:  h2,
					Metric: AddMetric(m1, m2),
				}) {
					return
				}
			}
		}
	}
}

// LogicalNeighbors iterates one hop neighbours, pseudonodes included, over edges that are up at the level.
func (t *Topology) LogicalNeighbors(node NodeHandle, level Level) iter.Seq[Adjacency] {
	return t.neighbors(node, level, false, false)
}

// PhysicalNeighbors iterates the real routers adjacent to a node. Pseudonode hops are expanded so the
// caller only sees routers.
func (t *Topology) PhysicalNeighbors(node NodeHandle, level Level) iter.Seq[Adjacency] {
	return t.neighbors(node, level, true, false)
}

// ReverseNeighbors iterates logical neighbours with the metric of the inverse edge, the cost from the
// neighbour towards the node.
func (t *Topology) ReverseNeighbors(node NodeHandle, level Level) iter.Seq[Adjacency] {
	return t.neighbors(node, level, false, true)
}

// IsTwoWay reports whether a and b are logical neighbours of each other at the level.
func (t *Topology) IsTwoWay(a, b NodeHandle, level Level) bool {
	return t.EdgeBetween(a, b, level) != NoEdge && t.EdgeBetween(b, a, level) != NoEdge
}

// PseudonodeOf returns the pseudonode a router is attached to at the level, if any.
func (t *Topology) PseudonodeOf(node NodeHandle, level Level) NodeHandle {
	for adj := range t.LogicalNeighbors(node, level) {
		if t.nodes[adj.Node].IsPseudonode(level) {
			return adj.Node
		}
	}
	return NoNode
}

// SameLan reports whether two routers hang off the same pseudonode at the level.
func (t *Topology) SameLan(a, b NodeHandle, level Level) bool {
	pn := t.PseudonodeOf(a, level)
	return pn != NoNode && pn == t.PseudonodeOf(b, level)
}

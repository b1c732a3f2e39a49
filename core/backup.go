package core

import (
	"cmp"
	"slices"

	"github.com/encodeous/spfsim/state"
)

// BackupNextHop is an alternate way out of the root, used when the protected edge fails.
type BackupNextHop struct {
	NextHop
	Protected state.EdgeHandle
	// Cost is the metric from the root to the destination over this alternate.
	Cost uint32
	// NodeProtecting is set when the alternate also avoids the primary next hop router.
	NodeProtecting bool
}

// BackupSet holds loop free alternates per destination node for one primary run.
type BackupSet map[state.NodeHandle][]BackupNextHop

// BackupStrategy computes loop free alternates for the destinations whose primary path leaves the root
// over the protected edge. Results are bounded by the ECMP width.
type BackupStrategy interface {
	Name() string
	Compute(e *Engine, primary *SpfRun, protected state.EdgeHandle) (BackupSet, error)
}

// LfaStrategy computes per-link loop free alternates. A neighbour N of root S is an alternate for
// destination D when dist(N,D) < dist(N,S) + dist(S,D). It is node protecting for primary next hop E
// when additionally dist(N,D) < dist(N,E) + dist(E,D).
type LfaStrategy struct {
	// Remote is consulted for destinations left without an alternate when the root asks for remote
	// backups. Nil disables it.
	Remote BackupStrategy
}

func (LfaStrategy) Name() string { return "lfa" }

type lfaCandidate struct {
	adj state.Adjacency
	run *SpfRun
}

func (s LfaStrategy) Compute(e *Engine, primary *SpfRun, protected state.EdgeHandle) (BackupSet, error) {
	topo := e.Topology()
	level := primary.Level
	root := primary.Root
	rn := topo.Node(root)

	// the neighbour runs double as the dist(E, D) source
	runs := make(map[state.NodeHandle]*SpfRun)
	var cands []lfaCandidate
	for adj := range topo.PhysicalNeighbors(root, level) {
		if _, ok := runs[adj.Node]; !ok {
			run, err := e.RunBackup(adj.Node, level)
			if err != nil {
				return nil, err
			}
			runs[adj.Node] = run
		}
		if adj.Edge == protected || topo.Node(adj.Node).IsOverloaded(level) || !eligibleEdge(topo, adj.Edge) {
			continue
		}
		cands = append(cands, lfaCandidate{adj: adj, run: runs[adj.Node]})
	}

	out := make(BackupSet)
	for res := range primary.Reachable() {
		d := res.Node
		if d == root || topo.Node(d).IsPseudonode(level) || !usesEdge(res, protected) {
			continue
		}
		var hops []BackupNextHop
		for _, c := range cands {
			nd := c.run.Metric(d)
			ns := c.run.Metric(root)
			if nd == state.InfiniteMetric || nd >= state.AddMetric(ns, res.Metric) {
				continue
			}
			bnh := BackupNextHop{
				NextHop: NextHop{
					Class:   IPNH,
					Edge:    c.adj.Edge,
					IfName:  topo.End(topo.Edge(c.adj.Edge).From).IfName,
					Gateway: topo.End(topo.Edge(c.adj.Edge2).To).Addr.Addr(),
					Peer:    c.adj.Node,
				},
				Protected:      protected,
				Cost:           state.AddMetric(c.adj.Metric, nd),
				NodeProtecting: nodeProtecting(res, protected, c, runs),
			}
			hops = append(hops, bnh)
		}
		hops = protecting(topo, rn, protected, hops)
		slices.SortFunc(hops, func(a, b BackupNextHop) int {
			return cmp.Or(
				cmp.Compare(a.Cost, b.Cost),
				compareNextHop(a.NextHop, b.NextHop),
			)
		})
		if len(hops) > state.MaxNextHops {
			hops = hops[:state.MaxNextHops]
		}
		if len(hops) > 0 {
			out[d] = hops
		}
	}

	if s.Remote != nil && rn.Backup.RemoteBackup {
		rem, err := s.Remote.Compute(e, primary, protected)
		if err != nil {
			return nil, err
		}
		for d, hops := range rem {
			if _, ok := out[d]; !ok {
				out[d] = hops
			}
		}
	}
	return out, nil
}

func usesEdge(res *Result, edge state.EdgeHandle) bool {
	for c := range res.NextHops {
		for _, nh := range res.NextHops[c] {
			if nh.Edge == edge {
				return true
			}
		}
	}
	return false
}

// nodeProtecting checks inequality 3 against every primary next hop router on the protected edge.
func nodeProtecting(res *Result, protected state.EdgeHandle, c lfaCandidate, runs map[state.NodeHandle]*SpfRun) bool {
	found := false
	for cl := range res.NextHops {
		for _, nh := range res.NextHops[cl] {
			if nh.Edge != protected || nh.Peer == state.NoNode {
				continue
			}
			if nh.Peer == res.Node || nh.Peer == c.adj.Node {
				return false
			}
			er, ok := runs[nh.Peer]
			if !ok {
				return false
			}
			if c.run.Metric(res.Node) >= state.AddMetric(c.run.Metric(nh.Peer), er.Metric(res.Node)) {
				return false
			}
			found = true
		}
	}
	return found
}

// eligibleEdge reports whether backups may leave over the edge.
func eligibleEdge(topo *state.Topology, edge state.EdgeHandle) bool {
	e := topo.Edge(edge)
	return e == nil || !topo.End(e.From).NoEligibleBackup
}

// protecting keeps the alternates that give the protection the protected interface asks for. Node-link
// protection falls back to link protecting alternates only when the root allows link degradation.
func protecting(topo *state.Topology, root *state.Node, protected state.EdgeHandle, hops []BackupNextHop) []BackupNextHop {
	hops = slices.DeleteFunc(hops, func(b BackupNextHop) bool {
		return !eligibleEdge(topo, b.Edge)
	})
	switch topo.End(topo.Edge(protected).From).Protection {
	case state.ProtectNone:
		return nil
	case state.ProtectNodeLink:
		node := slices.DeleteFunc(slices.Clone(hops), func(b BackupNextHop) bool {
			return !b.NodeProtecting
		})
		if len(node) > 0 || !root.Backup.LinkDegradation {
			return node
		}
	}
	return hops
}

// ComputeBackups protects every outgoing edge of the root that carries a primary next hop, as far as its
// interface asks for protection.
func ComputeBackups(e *Engine, s BackupStrategy, primary *SpfRun, obs Observer) (map[state.NodeHandle][]BackupNextHop, error) {
	topo := e.Topology()
	edges := make(map[state.EdgeHandle]struct{})
	for res := range primary.Reachable() {
		for c := range res.NextHops {
			for _, nh := range res.NextHops[c] {
				if nh.Class == IPNH {
					edges[nh.Edge] = struct{}{}
				}
			}
		}
	}
	root := topo.Node(primary.Root)
	out := make(map[state.NodeHandle][]BackupNextHop)
	for edge := range edges {
		if topo.End(topo.Edge(edge).From).Protection == state.ProtectNone {
			continue
		}
		set, err := s.Compute(e, primary, edge)
		if err != nil {
			return nil, err
		}
		for d, hops := range set {
			out[d] = append(out[d], protecting(topo, root, edge, hops)...)
		}
		obs.Log(BackupComputed, "backups computed", "root", topo.Node(primary.Root).Id, "level", primary.Level,
			"protected", topo.End(topo.Edge(edge).From).IfName, "strategy", s.Name(), "destinations", len(set))
	}
	for d := range out {
		slices.SortFunc(out[d], func(a, b BackupNextHop) int {
			return cmp.Or(
				cmp.Compare(a.Protected, b.Protected),
				cmp.Compare(a.Cost, b.Cost),
				compareNextHop(a.NextHop, b.NextHop),
			)
		})
	}
	return out, nil
}

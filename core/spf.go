package core

import (
	"cmp"
	"fmt"
	"iter"
	"net/netip"
	"slices"
	"time"

	"github.com/encodeous/spfsim/perf"
	"github.com/encodeous/spfsim/state"
)

type NextHopClass uint8

const (
	// IPNH forwards plain IP to a directly connected gateway.
	IPNH NextHopClass = iota
	// LSPNH forwards over a label switched path, either an RSVP-TE forwarding adjacency or a label
	// pushed by a label-plane collaborator.
	LSPNH
)

const NextHopClasses = 2

func (c NextHopClass) String() string {
	if c == LSPNH {
		return "LSPNH"
	}
	return "IPNH"
}

// NextHop is one way out of the root towards a destination.
type NextHop struct {
	Class   NextHopClass
	Edge    state.EdgeHandle
	IfName  string
	Gateway netip.Addr
	// Peer is the router at the far end of the first hop. It is NoNode only on the result of a
	// pseudonode directly attached to the root.
	Peer     state.NodeHandle
	LspName  string
	Label    uint32
	Labelled bool
	// Resolver names the label-plane collaborator that produced the label.
	Resolver string
}

func (n NextHop) String() string {
	s := fmt.Sprintf("%s via %s", n.Class, n.IfName)
	if n.Gateway.IsValid() {
		s += " gw " + n.Gateway.String()
	}
	if n.LspName != "" {
		s += " lsp " + n.LspName
	}
	if n.Labelled {
		s += fmt.Sprintf(" push %d (%s)", n.Label, n.Resolver)
	}
	return s
}

func compareNextHop(a, b NextHop) int {
	return cmp.Or(
		cmp.Compare(a.IfName, b.IfName),
		cmp.Compare(a.Peer, b.Peer),
		a.Gateway.Compare(b.Gateway),
		cmp.Compare(a.LspName, b.LspName),
		cmp.Compare(a.Label, b.Label),
		cmp.Compare(a.Resolver, b.Resolver),
		cmp.Compare(a.Edge, b.Edge),
	)
}

// mergeNextHops unions src into dst, keeping the set sorted and at most MaxNextHops wide. It returns
// how many distinct next hops did not fit.
func mergeNextHops(dst []NextHop, src ...NextHop) ([]NextHop, int) {
	for _, nh := range src {
		idx, found := slices.BinarySearchFunc(dst, nh, compareNextHop)
		if found {
			continue
		}
		dst = slices.Insert(dst, idx, nh)
	}
	dropped := 0
	if len(dst) > state.MaxNextHops {
		dropped = len(dst) - state.MaxNextHops
		dst = dst[:state.MaxNextHops]
	}
	return dst, dropped
}

// Result is the outcome of a run for one destination node.
type Result struct {
	Node   state.NodeHandle
	Metric uint32
	// Preds holds every predecessor at the best metric. It is not bounded by the ECMP width.
	Preds    []state.NodeHandle
	NextHops [NextHopClasses][]NextHop
	// Truncated counts next hops dropped because the ECMP width was reached.
	Truncated int
	Settled   bool
}

func (r *Result) Reachable() bool {
	return r.Metric != state.InfiniteMetric
}

// SpfRun holds the results of one run from a root at a level. It is never changed after the run.
type SpfRun struct {
	Root       state.NodeHandle
	Level      state.Level
	Inverse    bool
	Version    uint64
	Generation uint64
	Duration   time.Duration

	results []Result
	order   []state.NodeHandle
}

// Result returns the result for a node, or nil if the node is unknown or unreachable.
func (r *SpfRun) Result(node state.NodeHandle) *Result {
	if node < 0 || int(node) >= len(r.results) || !r.results[node].Reachable() {
		return nil
	}
	return &r.results[node]
}

func (r *SpfRun) Metric(node state.NodeHandle) uint32 {
	if res := r.Result(node); res != nil {
		return res.Metric
	}
	return state.InfiniteMetric
}

// Reachable iterates the reachable nodes in the order they were settled, root first.
func (r *SpfRun) Reachable() iter.Seq[*Result] {
	return func(yield func(*Result) bool) {
		for _, h := range r.order {
			if !yield(&r.results[h]) {
				return
			}
		}
	}
}

func (r *SpfRun) Settled() int {
	return len(r.order)
}

// RunStats are the counters of an Engine. Runs only counts primary runs.
type RunStats struct {
	Version  uint64
	Runs     [state.MaxLevel]uint64
	Inverse  uint64
	Backup   uint64
	Partial  uint64
	Rejected uint64
	Last     time.Duration
}

type runKind uint8

const (
	runPrimary runKind = iota
	runInverse
	runBackup
)

func (k runKind) String() string {
	switch k {
	case runInverse:
		return "inverse"
	case runBackup:
		return "backup"
	}
	return "full"
}

// Engine computes shortest path trees over one topology. Runs share a single workspace and never
// overlap.
type Engine struct {
	topo    *state.Topology
	ws      *Workspace
	obs     Observer
	metrics *perf.Collector
	stats   RunStats
}

func NewEngine(topo *state.Topology, obs Observer, metrics *perf.Collector) *Engine {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Engine{
		topo:    topo,
		ws:      NewWorkspace(),
		obs:     obs,
		metrics: metrics,
	}
}

func (e *Engine) Topology() *state.Topology {
	return e.topo
}

func (e *Engine) Stats() RunStats {
	return e.stats
}

// Run computes the shortest path tree rooted at root over the edges active at level.
func (e *Engine) Run(root state.NodeHandle, level state.Level) (*SpfRun, error) {
	return e.run(root, level, runPrimary)
}

// RunBackup computes a tree on behalf of a backup strategy. It is counted apart from primary runs and
// does not advance the engine version.
func (e *Engine) RunBackup(root state.NodeHandle, level state.Level) (*SpfRun, error) {
	return e.run(root, level, runBackup)
}

// RunInverse computes the tree of shortest paths from every node towards root, walking edges backwards.
func (e *Engine) RunInverse(root state.NodeHandle, level state.Level) (*SpfRun, error) {
	return e.run(root, level, runInverse)
}

func (e *Engine) run(root state.NodeHandle, level state.Level, kind runKind) (*SpfRun, error) {
	inverse := kind == runInverse
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %d", state.ErrInvalidLevel, level)
	}
	rn := e.topo.Node(root)
	if rn == nil {
		return nil, &state.StructuralError{Kind: state.DanglingReference, Edge: state.NoEdge, Msg: fmt.Sprintf("root %d does not exist", root)}
	}
	if rn.IsPseudonode(level) {
		return nil, state.Structural(state.DanglingReference, rn.Id, "pseudonode cannot be the root at %s", level)
	}
	release, err := e.ws.acquire(e.topo.Len())
	if err != nil {
		e.stats.Rejected++
		e.obs.Log(RunRejected, "spf run rejected", "root", rn.Id, "level", level)
		return nil, err
	}
	defer release()

	start := time.Now()
	if kind != runBackup {
		e.stats.Version++
	}
	run := &SpfRun{
		Root:       root,
		Level:      level,
		Inverse:    inverse,
		Version:    e.stats.Version,
		Generation: e.topo.Generation(),
		results:    make([]Result, e.topo.Len()),
		order:      make([]state.NodeHandle, 0, e.topo.Len()),
	}
	for i := range run.results {
		run.results[i] = Result{Node: state.NodeHandle(i), Metric: state.InfiniteMetric}
	}
	e.obs.Log(SpfRunStarted, "spf run started", "root", rn.Id, "level", level, "kind", kind.String(), "version", run.Version)

	run.results[root].Metric = 0
	e.ws.push(root, 0, false)
	for {
		u, ok := e.ws.pop()
		if !ok {
			break
		}
		ru := &run.results[u]
		ru.Settled = true
		run.order = append(run.order, u)
		un := e.topo.Node(u)
		e.obs.Log(NodeSettled, "node settled", "node", un.Id, "metric", ru.Metric, "preds", len(ru.Preds))
		if ru.Truncated > 0 {
			e.obs.Log(EcmpTruncated, "next hops beyond the ecmp width dropped", "node", un.Id, "dropped", ru.Truncated)
		}

		// an overloaded router is reachable but never transit
		if u != root && un.IsOverloaded(level) {
			continue
		}
		nbrs := e.topo.LogicalNeighbors(u, level)
		if inverse {
			nbrs = e.topo.ReverseNeighbors(u, level)
		}
		for adj := range nbrs {
			v := adj.Node
			if v == root || e.ws.isSettled(v) {
				continue
			}
			d := state.AddMetric(ru.Metric, adj.Metric)
			if d == state.InfiniteMetric {
				continue
			}
			rv := &run.results[v]
			if d > rv.Metric {
				continue
			}
			if d < rv.Metric {
				rv.Metric = d
				rv.Preds = rv.Preds[:0]
				rv.NextHops = [NextHopClasses][]NextHop{}
				rv.Truncated = 0
			}
			if !slices.Contains(rv.Preds, u) {
				rv.Preds = append(rv.Preds, u)
			}
			hops := e.deriveNextHops(run, u, adj)
			for c := range hops {
				var dropped int
				rv.NextHops[c], dropped = mergeNextHops(rv.NextHops[c], hops[c]...)
				rv.Truncated += dropped
			}
			e.ws.push(v, d, e.topo.Node(v).IsPseudonode(level))
		}
	}

	run.Duration = time.Since(start)
	e.stats.Last = run.Duration
	switch kind {
	case runPrimary:
		e.stats.Runs[level]++
	case runInverse:
		e.stats.Inverse++
	case runBackup:
		e.stats.Backup++
	}
	perf.SpfLatency.Add(float64(run.Duration.Microseconds()))
	perf.SpfRunsPerSecond.Add(1)
	e.metrics.ObserveRun(level.String(), kind.String(), run.Settled(), run.Duration)
	e.obs.Log(SpfRunComplete, "spf run complete", "root", rn.Id, "level", level, "settled", run.Settled(), "elapsed", run.Duration)
	return run, nil
}

// deriveNextHops returns the next hops a node reached over adj inherits. Neighbours of the root take
// the connecting edge itself, everybody else inherits the next hops of its predecessor.
func (e *Engine) deriveNextHops(run *SpfRun, u state.NodeHandle, adj state.Adjacency) [NextHopClasses][]NextHop {
	var out [NextHopClasses][]NextHop
	edge := e.topo.Edge(adj.Edge)
	if u == run.Root {
		nh := NextHop{
			Class:   IPNH,
			Edge:    adj.Edge,
			IfName:  e.topo.End(edge.From).IfName,
			Gateway: e.topo.End(edge.To).Addr.Addr(),
			Peer:    adj.Node,
		}
		if edge.Kind == state.EdgeLSP {
			nh.Class = LSPNH
			nh.LspName = edge.LspName
			nh.Gateway = e.topo.Node(adj.Node).RouterId
		}
		if e.topo.Node(adj.Node).IsPseudonode(run.Level) {
			nh.Peer = state.NoNode
			nh.Gateway = netip.Addr{}
		}
		out[nh.Class] = []NextHop{nh}
		return out
	}
	ru := &run.results[u]
	for c := range ru.NextHops {
		for _, nh := range ru.NextHops[c] {
			if nh.Peer == state.NoNode {
				// first router behind a LAN the root sits on
				nh.Peer = adj.Node
				nh.Gateway = e.topo.End(edge.To).Addr.Addr()
			}
			out[c] = append(out[c], nh)
		}
	}
	return out
}

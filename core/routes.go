package core

import (
	"cmp"
	"fmt"
	"iter"
	"maps"
	"net/netip"
	"slices"
	"time"

	"github.com/encodeous/spfsim/perf"
	"github.com/encodeous/spfsim/state"
)

type InstallState uint8

const (
	Stale InstallState = iota
	Added
	Updated
	Changed
	NoChange
)

func (s InstallState) String() string {
	switch s {
	case Stale:
		return "STALE"
	case Added:
		return "ADDED"
	case Updated:
		return "UPDATED"
	case Changed:
		return "CHANGED"
	case NoChange:
		return "NO_CHANGE"
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

var defaultRoute = netip.MustParsePrefix("0.0.0.0/0")

// comparePrefix orders by address, then by mask length.
func comparePrefix(a, b netip.Prefix) int {
	return cmp.Or(a.Addr().Compare(b.Addr()), cmp.Compare(a.Bits(), b.Bits()))
}

// Route is the best way from one root to a prefix at one level.
type Route struct {
	Prefix netip.Prefix
	Level  state.Level
	// Hosting is the preferred advertiser, Advertisers every node advertising the prefix at the
	// preferred cost, Hosting first.
	Hosting     state.NodeHandle
	Advertisers []state.NodeHandle
	// SpfMetric is the distance to the advertiser plus the advertised internal metric.
	SpfMetric uint32
	// LspMetric is meaningful when the route forwards over an RSVP forwarding adjacency.
	LspMetric uint32
	ExtMetric uint32
	External  bool
	UpDown    bool
	Local     bool
	SidIndex  *uint32
	// InLabel is the label this router expects for the prefix, 0 when none is bound.
	InLabel uint32
	Primary [NextHopClasses][]NextHop
	Backup  []BackupNextHop
	State   InstallState
	Version uint64

	failures   int
	failedPass uint64
}

func (r *Route) Metric() uint32 {
	if r.External {
		return r.ExtMetric
	}
	return r.SpfMetric
}

func (r *Route) String() string {
	return fmt.Sprintf("%s %s metric %d %s", r.Prefix, r.Level, r.Metric(), r.State)
}

func (r *Route) clone() *Route {
	c := *r
	c.Advertisers = slices.Clone(r.Advertisers)
	for i := range c.Primary {
		c.Primary[i] = slices.Clone(r.Primary[i])
	}
	c.Backup = slices.Clone(r.Backup)
	return &c
}

// RIB is the IS-IS routing table of one root at one level.
type RIB struct {
	Level   state.Level
	version uint64
	routes  map[netip.Prefix]*Route
}

func NewRIB(level state.Level) *RIB {
	return &RIB{Level: level, routes: make(map[netip.Prefix]*Route)}
}

func (r *RIB) Get(pfx netip.Prefix) (*Route, bool) {
	rt, ok := r.routes[pfx.Masked()]
	return rt, ok
}

func (r *RIB) Len() int {
	return len(r.routes)
}

func (r *RIB) Version() uint64 {
	return r.version
}

// Routes iterates the table in prefix order.
func (r *RIB) Routes() iter.Seq[*Route] {
	return func(yield func(*Route) bool) {
		keys := slices.SortedFunc(maps.Keys(r.routes), comparePrefix)
		for _, k := range keys {
			if !yield(r.routes[k]) {
				return
			}
		}
	}
}

// RouteFailure is a route a collaborator or the forwarding store refused.
type RouteFailure struct {
	Prefix netip.Prefix
	Level  state.Level
	Stage  string
	Err    error
}

func (f RouteFailure) Error() string {
	return fmt.Sprintf("%s %s %s: %v", f.Prefix, f.Level, f.Stage, f.Err)
}

// SynthesisStats are the counters of one synthesis pass.
type SynthesisStats struct {
	Version   uint64
	Touched   int
	Added     int
	Changed   int
	Updated   int
	Unchanged int
	Swept     int
	Failures  []RouteFailure
}

func (s *SynthesisStats) merge(o SynthesisStats) {
	s.Version = max(s.Version, o.Version)
	s.Touched += o.Touched
	s.Added += o.Added
	s.Changed += o.Changed
	s.Updated += o.Updated
	s.Unchanged += o.Unchanged
	s.Swept += o.Swept
	s.Failures = append(s.Failures, o.Failures...)
}

// Synthesizer turns shortest path results of one root into routes and installs them.
type Synthesizer struct {
	Engine    *Engine
	Resolvers []LabelResolver
	// Backup is nil when backups are not computed.
	Backup  BackupStrategy
	Store   ForwardingStore
	Obs     Observer
	Metrics *perf.Collector
}

func isisProtocol(level state.Level) Protocol {
	if level == state.Level1 {
		return ProtoIsisL1
	}
	return ProtoIsisL2
}

// Synthesize runs a full pass: every route of the RIB is marked stale, confirmed from the run, and
// swept if nothing confirmed it.
func (s *Synthesizer) Synthesize(rib *RIB, run *SpfRun) (SynthesisStats, error) {
	return s.pass(rib, run, nil)
}

// SynthesizePrefixes runs a pass confined to the given prefixes. Routes of other prefixes are left
// untouched.
func (s *Synthesizer) SynthesizePrefixes(rib *RIB, run *SpfRun, prefixes []netip.Prefix) (SynthesisStats, error) {
	only := make(map[netip.Prefix]struct{}, len(prefixes))
	for _, p := range prefixes {
		only[p.Masked()] = struct{}{}
	}
	return s.pass(rib, run, only)
}

// candidate is the best advertisement of a prefix found so far in a pass.
type routeCandidate struct {
	prefix      netip.Prefix
	external    bool
	upDown      bool
	local       bool
	cost        uint32
	advertisers []state.NodeHandle
	sid         *uint32
}

func (c *routeCandidate) better(external bool, cost uint32) int {
	if c.external != external {
		if !external {
			return 1
		}
		return -1
	}
	return cmp.Compare(c.cost, cost)
}

func (s *Synthesizer) obs() Observer {
	if s.Obs == nil {
		return nopObserver{}
	}
	return s.Obs
}

func (s *Synthesizer) pass(rib *RIB, run *SpfRun, only map[netip.Prefix]struct{}) (SynthesisStats, error) {
	topo := s.Engine.Topology()
	root := topo.Node(run.Root)
	level := run.Level
	if root == nil {
		return SynthesisStats{}, &state.StructuralError{Kind: state.DanglingReference, Edge: state.NoEdge, Msg: "run root does not exist"}
	}
	if level != rib.Level {
		return SynthesisStats{}, fmt.Errorf("%w: run at %s for rib at %s", state.ErrInvalidLevel, level, rib.Level)
	}
	inScope := func(p netip.Prefix) bool {
		if only == nil {
			return true
		}
		_, ok := only[p]
		return ok
	}
	start := time.Now()

	rib.version++
	stats := SynthesisStats{Version: rib.version}
	prev := make(map[netip.Prefix]*Route)
	for p, rt := range rib.routes {
		if !inScope(p) {
			continue
		}
		prev[p] = rt.clone()
		rt.State = Stale
	}

	cands, err := s.collect(run, inScope)
	if err != nil {
		return stats, err
	}

	var backups map[state.NodeHandle][]BackupNextHop
	if s.Backup != nil && root.Backup.Enabled {
		backups, err = ComputeBackups(s.Engine, s.Backup, run, s.obs())
		if err != nil {
			return stats, err
		}
	}

	for _, p := range slices.SortedFunc(maps.Keys(cands), comparePrefix) {
		c := cands[p]
		stats.Touched++
		rt, existed := rib.routes[p]
		if !existed {
			rt = &Route{Prefix: p, Level: level}
			rib.routes[p] = rt
		}
		if err := s.build(rt, c, run, backups); err != nil {
			return stats, err
		}
		if f := s.resolve(rt, run); f != nil {
			s.fail(rt, f, &stats)
			continue
		}
		old := prev[p]
		rt.State = compareRoutes(old, rt)
		if old != nil && old.failures > 0 && rt.State == NoChange {
			rt.State = Changed
		}
		if rt.State != NoChange {
			if f := s.install(rt, old); f != nil {
				s.fail(rt, f, &stats)
				continue
			}
		}
		rt.failures = 0
		rt.Version = rib.version
		s.account(rt, &stats)
	}

	for _, p := range slices.SortedFunc(maps.Keys(rib.routes), comparePrefix) {
		rt := rib.routes[p]
		if rt.State != Stale || !inScope(p) {
			continue
		}
		// a route failing for the first time gets one more pass before it is swept
		if rt.failedPass == rib.version && rt.failures == 1 {
			continue
		}
		if f := s.uninstall(rt); f != nil {
			stats.Failures = append(stats.Failures, *f)
			perf.InstallFailures.Add(1)
			s.Metrics.ObserveFailure(f.Stage)
		}
		delete(rib.routes, p)
		stats.Swept++
		perf.RoutesSwept.Add(1)
		s.Metrics.ObserveRoute("swept")
		s.obs().Log(RouteSwept, "route swept", "root", root.Id, "prefix", p, "level", level)
	}

	perf.RoutesTouched.Add(float64(stats.Touched))
	perf.SynthesisLatency.Add(float64(time.Since(start).Microseconds()))
	return stats, nil
}

// collect finds the preferred advertisements of every prefix reachable in the run.
func (s *Synthesizer) collect(run *SpfRun, inScope func(netip.Prefix) bool) (map[netip.Prefix]*routeCandidate, error) {
	topo := s.Engine.Topology()
	level := run.Level
	root := topo.Node(run.Root)
	cands := make(map[netip.Prefix]*routeCandidate)
	for res := range run.Reachable() {
		n := topo.Node(res.Node)
		if n.IsPseudonode(level) {
			continue
		}
		for _, p := range n.Prefixes[level] {
			if !inScope(p.Prefix) {
				continue
			}
			local := res.Node == run.Root
			external := p.Flags.Has(state.PrefixExternal)
			cost := state.AddMetric(res.Metric, p.Metric)
			if local {
				cost = 0
			}
			c, ok := cands[p.Prefix]
			if !ok {
				cands[p.Prefix] = &routeCandidate{
					prefix:      p.Prefix,
					external:    external,
					upDown:      p.Flags.Has(state.PrefixUpDown),
					local:       local,
					cost:        cost,
					advertisers: []state.NodeHandle{res.Node},
					sid:         p.SidIndex,
				}
				continue
			}
			if c.local {
				continue
			}
			switch cmpv := c.better(external, cost); {
			case local || cmpv > 0:
				*c = routeCandidate{
					prefix:      p.Prefix,
					external:    external,
					upDown:      p.Flags.Has(state.PrefixUpDown),
					local:       local,
					cost:        cost,
					advertisers: []state.NodeHandle{res.Node},
					sid:         p.SidIndex,
				}
			case cmpv == 0:
				c.advertisers = append(c.advertisers, res.Node)
				if c.sid == nil {
					c.sid = p.SidIndex
				}
			}
		}
	}

	// the attached bit draws a default route towards the closest attached routers
	if level == state.Level1 && !root.Attached && !root.IgnoreAttached && inScope(defaultRoute) {
		if _, ok := cands[defaultRoute]; !ok {
			var best *routeCandidate
			for res := range run.Reachable() {
				n := topo.Node(res.Node)
				if res.Node == run.Root || !n.Attached || n.IsPseudonode(level) {
					continue
				}
				switch {
				case best == nil || res.Metric < best.cost:
					best = &routeCandidate{prefix: defaultRoute, cost: res.Metric, advertisers: []state.NodeHandle{res.Node}}
				case res.Metric == best.cost:
					best.advertisers = append(best.advertisers, res.Node)
				}
			}
			if best != nil {
				cands[defaultRoute] = best
			}
		}
	}
	return cands, nil
}

// build fills the route from the candidate, unioning the next hops of every advertiser.
func (s *Synthesizer) build(rt *Route, c *routeCandidate, run *SpfRun, backups map[state.NodeHandle][]BackupNextHop) error {
	topo := s.Engine.Topology()
	rt.Hosting = c.advertisers[0]
	rt.Advertisers = slices.Clone(c.advertisers)
	rt.External = c.external
	rt.UpDown = c.upDown
	rt.Local = c.local
	rt.SidIndex = c.sid
	rt.SpfMetric, rt.ExtMetric, rt.LspMetric = c.cost, 0, 0
	if c.external {
		rt.SpfMetric, rt.ExtMetric = 0, c.cost
	}
	rt.Primary = [NextHopClasses][]NextHop{}
	rt.Backup = nil
	rt.InLabel = 0
	if c.local {
		return nil
	}

	for _, adv := range c.advertisers {
		res := run.Result(adv)
		if res == nil {
			return &state.StructuralError{Kind: state.DanglingReference, Node: topo.Node(adv).Id, Prefix: rt.Prefix, Edge: state.NoEdge, Msg: "advertiser not reachable in run"}
		}
		for cl := range res.NextHops {
			if len(res.NextHops[cl]) > state.MaxNextHops {
				return &state.StructuralError{
					Kind:   state.EcmpOverflow,
					Node:   topo.Node(adv).Id,
					Prefix: rt.Prefix,
					Edge:   state.NoEdge,
					Msg:    fmt.Sprintf("%d %s next hops exceed the ecmp width", len(res.NextHops[cl]), NextHopClass(cl)),
				}
			}
			var dropped int
			rt.Primary[cl], dropped = mergeNextHops(rt.Primary[cl], res.NextHops[cl]...)
			if dropped > 0 {
				s.obs().Log(EcmpTruncated, "route next hops beyond the ecmp width dropped", "prefix", rt.Prefix, "dropped", dropped)
			}
		}
	}
	for _, nh := range rt.Primary[LSPNH] {
		if nh.LspName != "" {
			rt.LspMetric = rt.Metric()
			break
		}
	}

	if backups != nil {
		primaryEdges := make(map[state.EdgeHandle]bool)
		for cl := range rt.Primary {
			for _, nh := range rt.Primary[cl] {
				primaryEdges[nh.Edge] = true
			}
		}
		for _, adv := range c.advertisers {
			for _, b := range backups[adv] {
				if !primaryEdges[b.Protected] || primaryEdges[b.Edge] {
					continue
				}
				if slices.ContainsFunc(rt.Backup, func(x BackupNextHop) bool {
					return x.Protected == b.Protected && compareNextHop(x.NextHop, b.NextHop) == 0
				}) {
					continue
				}
				rt.Backup = append(rt.Backup, b)
			}
		}
		if len(rt.Backup) > state.MaxNextHops {
			rt.Backup = rt.Backup[:state.MaxNextHops]
		}
	}
	return nil
}

// resolve asks the label-plane collaborators for labelled variants of the IP next hops and for the
// incoming label.
func (s *Synthesizer) resolve(rt *Route, run *SpfRun) *RouteFailure {
	if len(s.Resolvers) == 0 || rt.Prefix == defaultRoute {
		return nil
	}
	topo := s.Engine.Topology()
	req := ResolveRequest{
		Topo:       topo,
		Root:       topo.Node(run.Root),
		Level:      rt.Level,
		Prefix:     rt.Prefix,
		Advertiser: topo.Node(rt.Hosting),
		SidIndex:   rt.SidIndex,
	}
	fail := func(r LabelResolver, err error) *RouteFailure {
		s.obs().Log(ResolveFailed, "label resolution failed", "resolver", r.Name(), "prefix", rt.Prefix, "err", err)
		return &RouteFailure{Prefix: rt.Prefix, Level: rt.Level, Stage: "resolve", Err: err}
	}
	for _, r := range s.Resolvers {
		if rt.InLabel != 0 {
			break
		}
		label, err := r.IncomingLabel(req)
		if err != nil {
			return fail(r, err)
		}
		rt.InLabel = label
	}
	if rt.Local {
		return nil
	}
	for _, nh := range slices.Clone(rt.Primary[IPNH]) {
		for _, r := range s.Resolvers {
			out, ok, err := r.Resolve(req, nh)
			if err != nil {
				return fail(r, err)
			}
			if !ok {
				continue
			}
			rt.Primary[LSPNH], _ = mergeNextHops(rt.Primary[LSPNH], out)
			s.obs().Log(LabelResolved, "label resolved", "resolver", r.Name(), "prefix", rt.Prefix, "nh", out.String())
			break
		}
	}
	return nil
}

func (s *Synthesizer) entry(rt *Route, hops []NextHop) FibEntry {
	return FibEntry{
		Prefix:   rt.Prefix,
		Label:    rt.InLabel,
		Protocol: isisProtocol(rt.Level),
		Metric:   rt.Metric(),
		NextHops: hops,
		Local:    rt.Local,
	}
}

// install writes the route into inet.0, into inet.3 when it has label switched next hops and into
// mpls.0 under its incoming label.
func (s *Synthesizer) install(rt *Route, old *Route) *RouteFailure {
	if s.Store == nil {
		return nil
	}
	proto := isisProtocol(rt.Level)
	var ip, lsp []NextHop
	ip = append(ip, rt.Primary[IPNH]...)
	for _, nh := range rt.Primary[LSPNH] {
		if nh.LspName != "" {
			ip = append(ip, nh)
		}
		lsp = append(lsp, nh)
	}
	ops := []struct {
		table TableId
		key   TableKey
		entry FibEntry
		keep  bool
	}{
		{Inet0, TableKey{Prefix: rt.Prefix, Protocol: proto}, s.entry(rt, ip), true},
		{Inet3, TableKey{Prefix: rt.Prefix, Protocol: proto}, s.entry(rt, lsp), len(lsp) > 0},
		{Mpls0, TableKey{Label: rt.InLabel}, s.entry(rt, lsp), rt.InLabel != 0},
	}
	if old != nil && old.InLabel != 0 && old.InLabel != rt.InLabel {
		if f := s.releaseLabel(rt, old.InLabel); f != nil {
			return f
		}
	}
	for _, op := range ops {
		var err error
		if op.keep {
			err = s.Store.Install(op.table, op.key, op.entry)
		} else if op.table != Mpls0 {
			err = s.Store.Delete(op.table, op.key)
		}
		if err != nil {
			s.obs().Log(InstallFailed, "install failed", "table", op.table, "prefix", rt.Prefix, "err", err)
			return &RouteFailure{Prefix: rt.Prefix, Level: rt.Level, Stage: "install " + op.table.String(), Err: err}
		}
		if op.keep {
			s.obs().Log(TableInstalled, "route installed", "table", op.table, "prefix", rt.Prefix, "state", rt.State)
		}
	}
	return nil
}

// uninstall removes the route from every table. Every table is tried, the first refusal is returned.
func (s *Synthesizer) uninstall(rt *Route) *RouteFailure {
	if s.Store == nil {
		return nil
	}
	proto := isisProtocol(rt.Level)
	var first *RouteFailure
	for _, table := range []TableId{Inet0, Inet3} {
		if err := s.Store.Delete(table, TableKey{Prefix: rt.Prefix, Protocol: proto}); err != nil {
			s.obs().Log(InstallFailed, "delete failed", "table", table, "prefix", rt.Prefix, "err", err)
			if first == nil {
				first = &RouteFailure{Prefix: rt.Prefix, Level: rt.Level, Stage: "delete " + table.String(), Err: err}
			}
		}
	}
	if rt.InLabel != 0 {
		if f := s.releaseLabel(rt, rt.InLabel); f != nil && first == nil {
			first = f
		}
	}
	return first
}

// releaseLabel removes an mpls.0 binding of the route unless another prefix owns it.
func (s *Synthesizer) releaseLabel(rt *Route, label uint32) *RouteFailure {
	e, ok := s.Store.Lookup(Mpls0, TableKey{Label: label})
	if !ok || e.Prefix != rt.Prefix {
		return nil
	}
	if err := s.Store.Delete(Mpls0, TableKey{Label: label}); err != nil {
		s.obs().Log(InstallFailed, "delete failed", "table", Mpls0, "prefix", rt.Prefix, "err", err)
		return &RouteFailure{Prefix: rt.Prefix, Level: rt.Level, Stage: "delete " + Mpls0.String(), Err: err}
	}
	return nil
}

func (s *Synthesizer) fail(rt *Route, f *RouteFailure, stats *SynthesisStats) {
	rt.State = Stale
	rt.failures++
	rt.failedPass = stats.Version
	stats.Failures = append(stats.Failures, *f)
	perf.InstallFailures.Add(1)
	s.Metrics.ObserveFailure(f.Stage)
}

func (s *Synthesizer) account(rt *Route, stats *SynthesisStats) {
	var ev RouterEvent
	switch rt.State {
	case Added:
		stats.Added++
		ev = RouteAdded
	case Changed:
		stats.Changed++
		ev = RouteChanged
	case Updated:
		stats.Updated++
		ev = RouteUpdated
	default:
		stats.Unchanged++
		s.Metrics.ObserveRoute(rt.State.String())
		return
	}
	s.Metrics.ObserveRoute(rt.State.String())
	s.obs().Log(ev, "route "+rt.State.String(), "prefix", rt.Prefix, "level", rt.Level, "metric", rt.Metric(), "nh", len(rt.Primary[IPNH])+len(rt.Primary[LSPNH]))
}

// compareRoutes derives the install state of a freshly built route from its previous copy.
func compareRoutes(old, cur *Route) InstallState {
	if old == nil {
		return Added
	}
	for cl := range cur.Primary {
		if !slices.EqualFunc(old.Primary[cl], cur.Primary[cl], func(a, b NextHop) bool {
			return compareNextHop(a, b) == 0
		}) {
			return Changed
		}
	}
	if old.Local != cur.Local {
		return Changed
	}
	if old.SpfMetric != cur.SpfMetric || old.ExtMetric != cur.ExtMetric || old.LspMetric != cur.LspMetric ||
		old.External != cur.External || old.UpDown != cur.UpDown || old.InLabel != cur.InLabel ||
		!slices.Equal(old.Advertisers, cur.Advertisers) ||
		!slices.EqualFunc(old.Backup, cur.Backup, func(a, b BackupNextHop) bool {
			return a.Protected == b.Protected && a.NodeProtecting == b.NodeProtecting && compareNextHop(a.NextHop, b.NextHop) == 0
		}) {
		return Updated
	}
	return NoChange
}

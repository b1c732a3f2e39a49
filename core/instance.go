package core

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/encodeous/spfsim/perf"
	"github.com/encodeous/spfsim/state"
	"github.com/jellydator/ttlcache/v3"
)

// Instance simulates every router of one topology. All entry points run to completion on the
// caller's goroutine.
type Instance struct {
	Topo      *state.Topology
	Engine    *Engine
	Resolvers []LabelResolver
	Backup    BackupStrategy
	Obs       Observer
	Log       *slog.Logger
	Metrics   *perf.Collector

	flood   *Traversal
	routers []*Router
	seqnos  map[LsdbKey]uint32
	traces  *ttlcache.Cache[traceKey, *TraceResult]
}

type Option func(*Instance)

func WithObserver(obs Observer) Option {
	return func(in *Instance) { in.Obs = obs }
}

func WithLogger(log *slog.Logger) Option {
	return func(in *Instance) { in.Log = log }
}

func WithMetrics(c *perf.Collector) Option {
	return func(in *Instance) { in.Metrics = c }
}

// WithResolvers replaces the default label-plane collaborators. No resolvers disables labels.
func WithResolvers(r ...LabelResolver) Option {
	return func(in *Instance) { in.Resolvers = r }
}

// WithBackup sets the backup strategy used for routers that enable backups. Nil disables backups.
func WithBackup(s BackupStrategy) Option {
	return func(in *Instance) { in.Backup = s }
}

func NewInstance(topo *state.Topology, opts ...Option) (*Instance, error) {
	in := &Instance{
		Topo:      topo,
		Resolvers: DefaultResolvers(),
		Backup:    LfaStrategy{},
		Log:       slog.New(slog.DiscardHandler),
		flood:     NewTraversal(),
		seqnos:    make(map[LsdbKey]uint32),
		traces: ttlcache.New[traceKey, *TraceResult](
			ttlcache.WithTTL[traceKey, *TraceResult](state.TraceCacheTTL),
		),
	}
	for _, o := range opts {
		o(in)
	}
	if in.Obs == nil {
		in.Obs = nopObserver{}
	}
	if err := topo.CheckInvariants(); err != nil {
		return nil, err
	}
	in.Engine = NewEngine(topo, in.Obs, in.Metrics)
	if err := in.syncRouters(); err != nil {
		return nil, err
	}
	return in, nil
}

// ensureRouter returns the router simulating a node, creating it for nodes added since the instance
// was built. Nodes that are pseudonodes at every level have no router.
func (in *Instance) ensureRouter(h state.NodeHandle) (*Router, error) {
	n := in.Topo.Node(h)
	if n == nil {
		return nil, &state.StructuralError{Kind: state.DanglingReference, Edge: state.NoEdge, Msg: fmt.Sprintf("node %d does not exist", h)}
	}
	if int(h) >= len(in.routers) {
		in.routers = append(in.routers, make([]*Router, int(h)+1-len(in.routers))...)
	}
	if r := in.routers[h]; r != nil {
		return r, nil
	}
	if n.IsPseudonode(state.Level1) && n.IsPseudonode(state.Level2) {
		return nil, nil
	}
	r := newRouter(n)
	if err := r.syncConnected(in.Topo); err != nil {
		return nil, fmt.Errorf("connected routes of %s: %w", n.Id, err)
	}
	if err := r.installStatic(in.Topo); err != nil {
		return nil, err
	}
	in.routers[h] = r
	return r, nil
}

func (in *Instance) syncRouters() error {
	for _, n := range in.Topo.Nodes() {
		if _, err := in.ensureRouter(n.Handle()); err != nil {
			return err
		}
	}
	return nil
}

// Router returns the simulated router of a node.
func (in *Instance) Router(id state.NodeId) (*Router, error) {
	n, err := in.Topo.MustNode(id)
	if err != nil {
		return nil, err
	}
	r, err := in.ensureRouter(n.Handle())
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%s is a pseudonode at every level", id)
	}
	return r, nil
}

func (in *Instance) Routers() []*Router {
	out := make([]*Router, 0, len(in.routers))
	for _, r := range in.routers {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Converge runs a full computation and synthesis pass on every router at every level it takes part in.
func (in *Instance) Converge() (SynthesisStats, error) {
	var total SynthesisStats
	if err := in.syncRouters(); err != nil {
		return total, err
	}
	for _, r := range in.Routers() {
		for _, l := range state.Levels {
			if in.Topo.Node(r.Node).IsPseudonode(l) {
				continue
			}
			st, err := in.recompute(r, l, pendingWork{scheduled: true, full: true})
			if err != nil {
				return total, err
			}
			total.merge(st)
		}
	}
	in.traces.DeleteAll()
	in.Log.Info("converged", "routers", len(in.Routers()), "routes", total.Touched, "swept", total.Swept, "failures", len(total.Failures))
	return total, nil
}

// recompute runs the scheduled work of a router at a level: a partial run when allowed, a full run
// otherwise, followed by synthesis.
func (in *Instance) recompute(r *Router, level state.Level, work pendingWork) (SynthesisStats, error) {
	synth := &Synthesizer{
		Engine:    in.Engine,
		Resolvers: in.Resolvers,
		Backup:    in.Backup,
		Store:     r.FIB,
		Obs:       in.Obs,
		Metrics:   in.Metrics,
	}
	prev := r.runs[level]
	if !work.full && prev != nil && prev.Generation == in.Topo.Generation() {
		run, err := in.Engine.Partial(prev, work.prefixes)
		if err == nil {
			r.runs[level] = run
			return synth.SynthesizePrefixes(r.ribs[level], run, work.prefixes)
		}
		if !errors.Is(err, ErrStaleRun) {
			return SynthesisStats{}, err
		}
	}
	run, err := in.Engine.Run(r.Node, level)
	if err != nil {
		return SynthesisStats{}, err
	}
	r.runs[level] = run
	return synth.Synthesize(r.ribs[level], run)
}

// ChangeReport summarises one applied change.
type ChangeReport struct {
	Advert     state.Advert
	Delivered  []state.NodeId
	Suppressed int
	Full       int
	Partial    int
	Stats      SynthesisStats
}

// ApplyChange applies a change at its originating router, floods it at the level and recomputes every
// router that accepted it. A change saying what the originator already holds is flooded under the held
// sequence number, so every router that has it drops it.
func (in *Instance) ApplyChange(origin state.NodeId, level state.Level, adv state.Advert) (*ChangeReport, error) {
	if err := adv.Validate(); err != nil {
		in.Obs.Log(StructuralViolation, "change rejected", "origin", origin, "err", err)
		return nil, err
	}
	if adv.Origin != origin || adv.Level != level {
		return nil, state.Structural(state.MalformedAdvert, origin, "%s does not originate at %s %s", adv, origin, level)
	}
	on, err := in.Topo.MustNode(origin)
	if err != nil {
		return nil, err
	}
	if err := in.syncRouters(); err != nil {
		return nil, err
	}
	adv, err = in.applyLocal(on, adv)
	if err != nil {
		return nil, err
	}

	r, err := in.ensureRouter(on.Handle())
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, state.Structural(state.DanglingReference, origin, "pseudonode cannot originate a change")
	}
	if seq, ok := r.LSDB.Holds(adv); ok {
		adv.Seqno = seq
	} else {
		key := keyOf(adv)
		in.seqnos[key]++
		adv.Seqno = in.seqnos[key]
	}

	sources := []state.NodeHandle{on.Handle()}
	if p, ok := adv.Payload.(state.LinkStatusAdvert); ok {
		// both sides of the link notice it, the far side floods into the part the originator may no
		// longer reach
		sources = append(sources, in.farSide(on, p.IfName, level)...)
	}
	return in.propagate(sources, level, adv)
}

// Reflood distributes the copy of a change the originator holds again. Routers still holding it drop
// it, routers that aged it out or joined since accept it and recompute.
func (in *Instance) Reflood(origin state.NodeId, key LsdbKey) (*ChangeReport, error) {
	on, err := in.Topo.MustNode(origin)
	if err != nil {
		return nil, err
	}
	if err := in.syncRouters(); err != nil {
		return nil, err
	}
	r, err := in.ensureRouter(on.Handle())
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%s is a pseudonode at every level", origin)
	}
	held, ok := r.LSDB.Get(key)
	if !ok || held.Advert.Origin != origin {
		return nil, fmt.Errorf("%s holds no change %s %s %s", origin, key.Kind, key.Level, key.Prefix)
	}
	return in.propagate([]state.NodeHandle{on.Handle()}, key.Level, held.Advert)
}

func (in *Instance) propagate(sources []state.NodeHandle, level state.Level, adv state.Advert) (*ChangeReport, error) {
	report := &ChangeReport{Advert: adv}
	receivers, err := in.distribute(report, sources, level, adv)
	if err != nil {
		in.dropPending(level)
		return report, err
	}

	for i, r := range receivers {
		report.Delivered = append(report.Delivered, r.Id)
		work := r.takePending(level)
		if !work.scheduled {
			continue
		}
		if work.full {
			report.Full++
		} else {
			report.Partial++
		}
		st, err := in.recompute(r, level, work)
		if err != nil {
			for _, rest := range receivers[i+1:] {
				rest.takePending(level)
			}
			return report, fmt.Errorf("recompute %s %s: %w", r.Id, level, err)
		}
		report.Stats.merge(st)
	}
	in.traces.DeleteAll()
	in.Log.Debug("change applied", "advert", adv.String(), "delivered", len(report.Delivered),
		"suppressed", report.Suppressed, "full", report.Full, "partial", report.Partial, "swept", report.Stats.Swept)
	return report, nil
}

// distribute floods the change from every source in turn and schedules the routers that accept it.
func (in *Instance) distribute(report *ChangeReport, sources []state.NodeHandle, level state.Level, adv state.Advert) ([]*Router, error) {
	prefixes := ChangedPrefixes(adv)
	var (
		receivers []*Router
		total     int
	)
	defer func() {
		perf.FloodDeliveries.Add(float64(total))
		in.Metrics.ObserveFlood(total-report.Suppressed, report.Suppressed)
	}()
	for _, src := range sources {
		delivered, err := Distribute(in.Topo, in.flood, src, level, func(h state.NodeHandle) error {
			r, err := in.ensureRouter(h)
			if err != nil {
				return err
			}
			if r == nil {
				return state.Structural(state.DanglingReference, in.Topo.Node(h).Id, "no router for flooding receiver")
			}
			if !r.LSDB.Accept(adv) {
				report.Suppressed++
				in.Obs.Log(ChangeSuppressed, "duplicate change", "node", r.Id, "advert", adv.String())
				return nil
			}
			in.Obs.Log(ChangeDelivered, "change delivered", "node", r.Id, "advert", adv.String())
			r.schedule(level, in.Engine.CanPartial(r.runs[level], adv), prefixes)
			receivers = append(receivers, r)
			return nil
		})
		total += delivered
		if err != nil {
			return receivers, err
		}
	}
	return receivers, nil
}

// dropPending forgets work scheduled at the level by a change that did not complete.
func (in *Instance) dropPending(level state.Level) {
	for _, r := range in.Routers() {
		r.takePending(level)
	}
}

// farSide returns the routers on the other side of an interface at the level: the peer, or every
// router of the LAN when the interface faces a pseudonode.
func (in *Instance) farSide(on *state.Node, ifName string, level state.Level) []state.NodeHandle {
	edge := in.Topo.EdgeByInterface(on.Handle(), ifName)
	if edge == state.NoEdge {
		return nil
	}
	tail := in.Topo.Tail(edge)
	if !in.Topo.Node(tail).IsPseudonode(level) {
		return []state.NodeHandle{tail}
	}
	var out []state.NodeHandle
	for adj := range in.Topo.LogicalNeighbors(tail, level) {
		if adj.Node != on.Handle() && !in.Topo.Node(adj.Node).IsPseudonode(level) {
			out = append(out, adj.Node)
		}
	}
	return out
}

// applyLocal performs the change on the shared topology, as seen from its originator.
func (in *Instance) applyLocal(on *state.Node, adv state.Advert) (state.Advert, error) {
	adv, err := in.applyPayload(on, adv)
	if err != nil {
		return adv, err
	}
	if pfx := ChangedPrefixes(adv); len(pfx) > 0 {
		in.Obs.Log(PrefixApplied, "prefix applied", "node", on.Id, "prefix", pfx[0], "level", adv.Level, "action", adv.Action)
	}
	return adv, nil
}

func (in *Instance) applyPayload(on *state.Node, adv state.Advert) (state.Advert, error) {
	switch p := adv.Payload.(type) {
	case state.PrefixAdvert:
		switch adv.Action {
		case state.Added:
			_, err := in.Topo.AttachPrefix(on.Id, state.Prefix{
				Prefix:   p.Prefix,
				Metric:   p.Metric,
				Flags:    p.Flags,
				Level:    adv.Level,
				SidIndex: p.SidIndex,
			})
			return adv, err
		case state.Removed:
			_, err := in.Topo.DetachPrefix(on.Id, adv.Level, p.Prefix)
			return adv, err
		case state.Updated:
			lp := on.LocalPrefix(adv.Level, p.Prefix)
			if lp == nil {
				return adv, fmt.Errorf("%w: %s on %s %s", state.ErrUnknownPrefix, p.Prefix, on.Id, adv.Level)
			}
			lp.Metric = p.Metric
			lp.Flags = p.Flags | lp.Flags&state.PrefixInterface
			lp.SidIndex = p.SidIndex
			return adv, nil
		}
	case state.LeakAdvert:
		if adv.Action == state.Removed {
			_, err := in.Topo.DetachPrefix(on.Id, p.To, p.Prefix)
			return adv, err
		}
		metric, flags, err := in.leakSource(on, p)
		if err != nil {
			return adv, err
		}
		if p.From == state.Level2 && p.To == state.Level1 {
			flags |= state.PrefixUpDown
		}
		p.Metric, p.Flags = metric, flags
		adv.Payload = p
		if lp := on.LocalPrefix(p.To, p.Prefix); lp != nil {
			if adv.Action == state.Added {
				return adv, fmt.Errorf("%w: %s already at %s on %s", state.ErrDuplicatePrefix, p.Prefix, p.To, on.Id)
			}
			lp.Metric, lp.Flags = metric, flags
			return adv, nil
		}
		_, err = in.Topo.AttachPrefix(on.Id, state.Prefix{Prefix: p.Prefix, Metric: metric, Flags: flags, Level: p.To})
		return adv, err
	case state.LinkMetricAdvert:
		edge := in.Topo.EdgeByInterface(on.Handle(), p.IfName)
		if edge == state.NoEdge {
			return adv, fmt.Errorf("%w: %s on %s", state.ErrUnknownLink, p.IfName, on.Id)
		}
		if p.Metric == 0 || p.Metric > state.MaxLinkMetric {
			return adv, state.Structural(state.MalformedAdvert, on.Id, "link metric %d out of range", p.Metric)
		}
		return adv, in.Topo.SetEdgeMetric(edge, adv.Level, p.Metric)
	case state.OverloadAdvert:
		return adv, in.Topo.SetOverload(on.Id, adv.Level, p.Overloaded)
	case state.LinkStatusAdvert:
		edge := in.Topo.EdgeByInterface(on.Handle(), p.IfName)
		if edge == state.NoEdge {
			return adv, fmt.Errorf("%w: %s on %s", state.ErrUnknownLink, p.IfName, on.Id)
		}
		if err := in.Topo.SetEdgeStatus(edge, p.Up); err != nil {
			return adv, err
		}
		for _, h := range []state.NodeHandle{on.Handle(), in.Topo.Tail(edge)} {
			r, err := in.ensureRouter(h)
			if err != nil {
				return adv, err
			}
			if r == nil {
				continue
			}
			if err := r.syncConnected(in.Topo); err != nil {
				return adv, fmt.Errorf("connected routes of %s: %w", r.Id, err)
			}
		}
		return adv, nil
	}
	return adv, state.Structural(state.MalformedAdvert, on.Id, "unsupported change %s", adv.Kind)
}

// leakSource finds what is leaked: a local prefix at the source level, else the route the leaking
// router holds for it there.
func (in *Instance) leakSource(on *state.Node, p state.LeakAdvert) (uint32, state.PrefixFlags, error) {
	var (
		metric uint32
		flags  state.PrefixFlags
	)
	if lp := on.LocalPrefix(p.From, p.Prefix); lp != nil {
		metric, flags = lp.Metric, lp.Flags&^state.PrefixInterface
	} else {
		var rt *Route
		if r, _ := in.ensureRouter(on.Handle()); r != nil {
			rt, _ = r.RIB(p.From).Get(p.Prefix)
		}
		if rt == nil || rt.State == Stale {
			return 0, 0, fmt.Errorf("%w: %s not reachable at %s on %s", state.ErrUnknownPrefix, p.Prefix, p.From, on.Id)
		}
		metric = rt.Metric()
		if rt.External {
			flags |= state.PrefixExternal
		}
		if rt.UpDown {
			flags |= state.PrefixUpDown
		}
	}
	if p.From == state.Level1 && p.To == state.Level2 && flags.Has(state.PrefixUpDown) {
		return 0, 0, fmt.Errorf("%s carries the up/down bit and cannot leak into %s", p.Prefix, p.To)
	}
	return metric, flags &^ state.PrefixUpDown, nil
}

// Expire ages out link state database entries on every router.
func (in *Instance) Expire() {
	for _, r := range in.Routers() {
		r.LSDB.Expire()
	}
}

// Prefixes lists every prefix any router advertises at the level.
func (in *Instance) Prefixes(level state.Level) []netip.Prefix {
	var out []netip.Prefix
	for _, n := range in.Topo.Nodes() {
		if !level.Valid() {
			break
		}
		for _, p := range n.Prefixes[level] {
			out = append(out, p.Prefix)
		}
	}
	slices.SortFunc(out, comparePrefix)
	return slices.Compact(out)
}

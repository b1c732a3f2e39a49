package core

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/encodeous/spfsim/state"
)

// Router is the control plane state of one simulated router: its link state database, its trees, its
// routing tables and its forwarding tables.
type Router struct {
	Node state.NodeHandle
	Id   state.NodeId
	LSDB *LSDB
	FIB  *FIB

	runs    [state.MaxLevel]*SpfRun
	ribs    [state.MaxLevel]*RIB
	pending [state.MaxLevel]pendingWork
}

// pendingWork is what a router has to recompute at a level after a flooding pass.
type pendingWork struct {
	scheduled bool
	full      bool
	prefixes  []netip.Prefix
}

func newRouter(n *state.Node) *Router {
	r := &Router{
		Node: n.Handle(),
		Id:   n.Id,
		LSDB: NewLSDB(),
		FIB:  NewFIB(),
	}
	for _, l := range state.Levels {
		r.ribs[l] = NewRIB(l)
	}
	return r
}

// Run returns the latest tree of the router at the level, nil before the first run.
func (r *Router) Run(level state.Level) *SpfRun {
	if !level.Valid() {
		return nil
	}
	return r.runs[level]
}

func (r *Router) RIB(level state.Level) *RIB {
	if !level.Valid() {
		return nil
	}
	return r.ribs[level]
}

// schedule records a delivered change. A partial run is only kept while every change since the last
// run qualified for one.
func (r *Router) schedule(level state.Level, partial bool, prefixes []netip.Prefix) {
	p := &r.pending[level]
	if !partial {
		p.full = true
	} else if !p.scheduled || !p.full {
		for _, pfx := range prefixes {
			if !slices.Contains(p.prefixes, pfx) {
				p.prefixes = append(p.prefixes, pfx)
			}
		}
	}
	p.scheduled = true
}

func (r *Router) takePending(level state.Level) pendingWork {
	p := r.pending[level]
	r.pending[level] = pendingWork{}
	return p
}

// syncConnected binds the subnet of every addressed interface whose link is up as a direct route, and
// drops the direct routes of links that are down.
func (r *Router) syncConnected(topo *state.Topology) error {
	n := topo.Node(r.Node)
	for _, end := range n.Ends {
		e := topo.End(end)
		if e.Dir != state.Outgoing || !e.Addr.IsValid() {
			continue
		}
		key := TableKey{Prefix: e.Addr.Masked(), Protocol: ProtoDirect}
		if !topo.Edge(e.Edge).Up {
			if err := r.FIB.Delete(Inet0, key); err != nil {
				return err
			}
			continue
		}
		err := r.FIB.Install(Inet0, key, FibEntry{
			NextHops: []NextHop{{Class: IPNH, Edge: e.Edge, IfName: e.IfName, Peer: state.NoNode}},
			Local:    true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// installStatic installs the configured static routes. They are never touched by IS-IS passes.
func (r *Router) installStatic(topo *state.Topology) error {
	n := topo.Node(r.Node)
	for _, sr := range n.StaticRoutes {
		nh := NextHop{Class: IPNH, Gateway: sr.Gateway, IfName: sr.IfName, Edge: state.NoEdge, Peer: state.NoNode}
		if sr.Gateway.IsValid() && nh.IfName == "" {
			// the gateway has to sit on one of our subnets
			for _, end := range n.Ends {
				e := topo.End(end)
				if e.Dir == state.Outgoing && e.Addr.IsValid() && e.Addr.Masked().Contains(sr.Gateway) {
					nh.IfName = e.IfName
					nh.Edge = e.Edge
					break
				}
			}
			if nh.IfName == "" {
				return fmt.Errorf("static route %s on %s: gateway %s is not directly connected", sr.Prefix, n.Id, sr.Gateway)
			}
		} else if nh.IfName != "" {
			nh.Edge = topo.EdgeByInterface(r.Node, nh.IfName)
		}
		if nh.Edge != state.NoEdge {
			if peer := topo.Tail(nh.Edge); !topo.Node(peer).IsPseudonode(state.Level1) && !topo.Node(peer).IsPseudonode(state.Level2) {
				nh.Peer = peer
			}
		}
		err := r.FIB.Install(Inet0, TableKey{Prefix: sr.Prefix, Protocol: ProtoStatic}, FibEntry{
			Metric:   sr.Metric,
			NextHops: []NextHop{nh},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

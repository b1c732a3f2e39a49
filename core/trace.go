package core

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"slices"
	"strings"

	"github.com/encodeous/spfsim/perf"
	"github.com/encodeous/spfsim/state"
	"github.com/jellydator/ttlcache/v3"
)

const (
	MaxTraceHops = 64
	MaxPaths     = 64
)

type traceKey struct {
	src     state.NodeId
	dst     netip.Addr
	version uint64
}

type TraceHop struct {
	Node     state.NodeId
	Prefix   netip.Prefix
	Protocol Protocol
	NextHop  NextHop
}

// TraceResult is the hop by hop walk of a packet through the forwarding tables.
type TraceResult struct {
	Src       state.NodeId
	Dst       netip.Addr
	Hops      []TraceHop
	Reached   bool
	Loop      bool
	BlackHole bool
	// Reason explains why the walk stopped short.
	Reason string
}

func (t *TraceResult) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "trace %s -> %s", t.Src, t.Dst)
	for i, h := range t.Hops {
		fmt.Fprintf(&sb, "\n%2d %s", i+1, h.Node)
		if h.Prefix.IsValid() {
			fmt.Fprintf(&sb, " [%s %s] %s", h.Prefix, h.Protocol, h.NextHop)
		}
	}
	switch {
	case t.Reached:
		sb.WriteString("\nreached")
	case t.Loop:
		sb.WriteString("\nloop: " + t.Reason)
	default:
		sb.WriteString("\nunreachable: " + t.Reason)
	}
	return sb.String()
}

// owner returns the router holding addr as its router id or on one of its interfaces.
func owner(topo *state.Topology, addr netip.Addr) *state.Node {
	if n, ok := topo.NodeByRouterId(addr); ok {
		return n
	}
	for _, n := range topo.Nodes() {
		for _, end := range n.Ends {
			if a := topo.End(end).Addr; a.IsValid() && a.Addr() == addr {
				return n
			}
		}
	}
	return nil
}

// flowPick chooses one of several equal cost next hops for a flow.
func flowPick(src state.NodeId, dst netip.Addr, hops []NextHop) NextHop {
	h := fnv.New32a()
	h.Write([]byte(src))
	b, _ := dst.MarshalBinary()
	h.Write(b)
	return hops[int(h.Sum32()%uint32(len(hops)))]
}

// Traceroute walks the inet.0 tables from src towards dst. Results are cached until the next
// computation.
func (in *Instance) Traceroute(src state.NodeId, dst netip.Addr) (*TraceResult, error) {
	if _, err := in.Router(src); err != nil {
		return nil, err
	}
	if !dst.IsValid() {
		return nil, fmt.Errorf("invalid destination")
	}
	perf.TraceCacheLookups.Add(1)
	key := traceKey{src: src, dst: dst, version: in.Engine.Stats().Version}
	if item := in.traces.Get(key); item != nil {
		return item.Value(), nil
	}
	res := in.trace(src, dst)
	in.traces.Set(key, res, ttlcache.DefaultTTL)
	return res, nil
}

func (in *Instance) trace(src state.NodeId, dst netip.Addr) *TraceResult {
	res := &TraceResult{Src: src, Dst: dst}
	n, _ := in.Topo.NodeById(src)
	dstOwner := owner(in.Topo, dst)
	var seen []state.NodeHandle
	for range MaxTraceHops {
		if slices.Contains(seen, n.Handle()) {
			res.Loop = true
			res.Reason = fmt.Sprintf("%s visited twice", n.Id)
			return res
		}
		seen = append(seen, n.Handle())
		hop := TraceHop{Node: n.Id}
		if dstOwner == n {
			res.Hops = append(res.Hops, hop)
			res.Reached = true
			return res
		}
		r, _ := in.ensureRouter(n.Handle())
		entry, ok := r.FIB.Longest(Inet0, dst)
		if !ok {
			res.Hops = append(res.Hops, hop)
			res.BlackHole = true
			res.Reason = fmt.Sprintf("no route on %s", n.Id)
			return res
		}
		hop.Prefix = entry.Prefix
		hop.Protocol = entry.Protocol
		if entry.Local && entry.Protocol != ProtoDirect {
			res.Hops = append(res.Hops, hop)
			res.Reached = true
			return res
		}
		if len(entry.NextHops) == 0 {
			res.Hops = append(res.Hops, hop)
			res.BlackHole = true
			res.Reason = fmt.Sprintf("%s on %s has no next hop", entry.Prefix, n.Id)
			return res
		}
		nh := flowPick(src, dst, entry.NextHops)
		hop.NextHop = nh
		res.Hops = append(res.Hops, hop)

		var next *state.Node
		switch {
		case entry.Protocol == ProtoDirect:
			next = dstOwner
		case nh.Peer != state.NoNode:
			next = in.Topo.Node(nh.Peer)
		case nh.Gateway.IsValid():
			next = owner(in.Topo, nh.Gateway)
		}
		if next != nil {
			if r, _ := in.ensureRouter(next.Handle()); r == nil {
				next = nil
			}
		}
		if next == nil {
			res.BlackHole = true
			res.Reason = fmt.Sprintf("next hop %s of %s is not a router", nh, n.Id)
			return res
		}
		n = next
	}
	res.Reason = "hop limit exceeded"
	return res
}

// PingResult is a forward trace and the trace of the reply.
type PingResult struct {
	Forward *TraceResult
	Return  *TraceResult
}

func (p *PingResult) Ok() bool {
	return p.Forward.Reached && p.Return != nil && p.Return.Reached
}

// Ping traces to dst and back to the router id of src from whoever answered.
func (in *Instance) Ping(src state.NodeId, dst netip.Addr) (*PingResult, error) {
	fwd, err := in.Traceroute(src, dst)
	if err != nil {
		return nil, err
	}
	out := &PingResult{Forward: fwd}
	if !fwd.Reached {
		return out, nil
	}
	sn, _ := in.Topo.NodeById(src)
	last := fwd.Hops[len(fwd.Hops)-1].Node
	if !sn.RouterId.IsValid() {
		return out, fmt.Errorf("%s has no router id to answer to", src)
	}
	out.Return, err = in.Traceroute(last, sn.RouterId)
	return out, err
}

// Paths lists the equal cost paths of a run from its root to dst, each root first. The listing stops
// after MaxPaths paths.
func Paths(run *SpfRun, dst state.NodeHandle) [][]state.NodeHandle {
	if run.Result(dst) == nil {
		return nil
	}
	var out [][]state.NodeHandle
	var walk func(n state.NodeHandle, suffix []state.NodeHandle)
	walk = func(n state.NodeHandle, suffix []state.NodeHandle) {
		if len(out) >= MaxPaths {
			return
		}
		suffix = append([]state.NodeHandle{n}, suffix...)
		if n == run.Root {
			out = append(out, suffix)
			return
		}
		preds := slices.Clone(run.Result(n).Preds)
		slices.Sort(preds)
		for _, p := range preds {
			walk(p, suffix)
		}
	}
	walk(dst, nil)
	return out
}

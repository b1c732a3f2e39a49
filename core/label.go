package core

import (
	"fmt"
	"hash/fnv"
	"net/netip"

	"github.com/encodeous/spfsim/state"
)

// ResolveRequest describes the destination a label is wanted for.
type ResolveRequest struct {
	Topo       *state.Topology
	Root       *state.Node
	Level      state.Level
	Prefix     netip.Prefix
	Advertiser *state.Node
	SidIndex   *uint32
}

// LabelResolver is a label-plane collaborator. It may turn a plain IP next hop into a label switched one.
type LabelResolver interface {
	Name() string
	// Resolve returns the labelled variant of an IP next hop. ok is false when the resolver has nothing
	// to offer for it.
	Resolve(req ResolveRequest, nh NextHop) (out NextHop, ok bool, err error)
	// IncomingLabel returns the label the root expects for the destination, 0 if it binds none.
	IncomingLabel(req ResolveRequest) (uint32, error)
}

func labelled(nh NextHop, label uint32, resolver string) NextHop {
	nh.Class = LSPNH
	nh.Label = label
	nh.Labelled = true
	nh.Resolver = resolver
	return nh
}

// SpringResolver derives segment routing labels from prefix SIDs and the SRGB of each router.
type SpringResolver struct{}

func (SpringResolver) Name() string { return "spring" }

func (SpringResolver) Resolve(req ResolveRequest, nh NextHop) (NextHop, bool, error) {
	if req.SidIndex == nil || req.Root.Spring == nil {
		return NextHop{}, false, nil
	}
	peer := req.Topo.Node(nh.Peer)
	if peer == nil || peer.Spring == nil {
		return NextHop{}, false, nil
	}
	if peer == req.Advertiser {
		return labelled(nh, state.ImplicitNullLabel, "spring"), true, nil
	}
	label, ok := peer.Spring.Label(*req.SidIndex)
	if !ok {
		return NextHop{}, false, fmt.Errorf("sid index %d of %s outside the srgb of %s", *req.SidIndex, req.Prefix, peer.Id)
	}
	return labelled(nh, label, "spring"), true, nil
}

func (SpringResolver) IncomingLabel(req ResolveRequest) (uint32, error) {
	if req.SidIndex == nil || req.Root.Spring == nil || req.Root == req.Advertiser {
		return 0, nil
	}
	label, ok := req.Root.Spring.Label(*req.SidIndex)
	if !ok {
		return 0, fmt.Errorf("sid index %d of %s outside the local srgb", *req.SidIndex, req.Prefix)
	}
	return label, nil
}

// LdpResolver simulates LDP label bindings for host routes between LDP enabled neighbours. Every router
// binds a stable label per FEC.
type LdpResolver struct{}

func (LdpResolver) Name() string { return "ldp" }

func ldpLabel(node state.NodeId, fec netip.Prefix) uint32 {
	h := fnv.New32a()
	h.Write([]byte(node))
	b, _ := fec.MarshalBinary()
	h.Write(b)
	return state.LdpLabelBase + h.Sum32()%state.LdpLabelRange
}

func isHost(p netip.Prefix) bool {
	return p.Bits() == p.Addr().BitLen()
}

func (LdpResolver) Resolve(req ResolveRequest, nh NextHop) (NextHop, bool, error) {
	if !req.Root.Ldp.Enabled || !isHost(req.Prefix) {
		return NextHop{}, false, nil
	}
	peer := req.Topo.Node(nh.Peer)
	if peer == nil || !peer.Ldp.Enabled {
		return NextHop{}, false, nil
	}
	if peer == req.Advertiser {
		return labelled(nh, state.ImplicitNullLabel, "ldp"), true, nil
	}
	return labelled(nh, ldpLabel(peer.Id, req.Prefix), "ldp"), true, nil
}

func (LdpResolver) IncomingLabel(req ResolveRequest) (uint32, error) {
	if !req.Root.Ldp.Enabled || !isHost(req.Prefix) || req.Root == req.Advertiser {
		return 0, nil
	}
	return ldpLabel(req.Root.Id, req.Prefix), nil
}

// DefaultResolvers prefers segment routing over LDP.
func DefaultResolvers() []LabelResolver {
	return []LabelResolver{SpringResolver{}, LdpResolver{}}
}

package state

import (
	"fmt"
	"net/netip"
	"slices"
)

type EdgeHandle int32
type EndHandle int32

const (
	NoEdge EdgeHandle = -1
	NoEnd  EndHandle  = -1
)

type Direction uint8

const (
	DirUnknown Direction = iota
	Outgoing
	Incoming
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	}
	return "unknown"
}

// EdgeEnd is one directed end of an edge, bound to exactly one node and interface.
type EdgeEnd struct {
	Node    NodeHandle
	IfName  string
	IfIndex uint32
	Addr    netip.Prefix
	Dir     Direction
	Edge    EdgeHandle
	// Protection and NoEligibleBackup only apply to outgoing ends.
	Protection       Protection
	NoEligibleBackup bool
}

type EdgeKind uint8

const (
	EdgeUnicast EdgeKind = iota
	// EdgeLSP is an RSVP-TE tunnel advertised as a forwarding adjacency.
	EdgeLSP
)

type Edge struct {
	From    EndHandle
	To      EndHandle
	Metric  [MaxLevel]uint32
	Levels  LevelMask
	Up      bool
	Inverse EdgeHandle
	Kind    EdgeKind
	LspName string
}

func (e *Edge) MetricAt(level Level) uint32 {
	if !level.Valid() {
		return InfiniteMetric
	}
	return e.Metric[level]
}

// Active reports whether the edge may be used at the level.
func (e *Edge) Active(level Level) bool {
	return e.Up && e.Levels.Has(level)
}

// LinkSpec describes a bidirectional point to point link. Both directions start with the same metric.
type LinkSpec struct {
	From, To         NodeId
	FromIf, ToIf     string
	FromAddr, ToAddr netip.Prefix
	Metric           [MaxLevel]uint32
	Levels           LevelMask
}

// Topology is the arena holding every node, edge and edge-end of one simulated network. Handles are
// indices into the arenas and stay valid for the lifetime of the topology.
type Topology struct {
	nodes      []*Node
	edges      []*Edge
	ends       []EdgeEnd
	byId       map[NodeId]NodeHandle
	root       NodeHandle
	generation uint64
}

func NewTopology() *Topology {
	return &Topology{
		byId: make(map[NodeId]NodeHandle),
		root: NoNode,
	}
}

// Generation changes whenever something that can alter a shortest path tree changes.
func (t *Topology) Generation() uint64 {
	return t.generation
}

func (t *Topology) bump() {
	t.generation++
}

func (t *Topology) AddNode(id NodeId, routerId netip.Addr) (*Node, error) {
	if _, ok := t.byId[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	n := &Node{
		Id:       id,
		RouterId: routerId,
		handle:   NodeHandle(len(t.nodes)),
	}
	t.nodes = append(t.nodes, n)
	t.byId[id] = n.handle
	t.bump()
	return n, nil
}

func (t *Topology) Len() int {
	return len(t.nodes)
}

func (t *Topology) Nodes() []*Node {
	return t.nodes
}

func (t *Topology) Node(h NodeHandle) *Node {
	if h < 0 || int(h) >= len(t.nodes) {
		return nil
	}
	return t.nodes[h]
}

func (t *Topology) NodeById(id NodeId) (*Node, bool) {
	h, ok := t.byId[id]
	if !ok {
		return nil, false
	}
	return t.nodes[h], true
}

func (t *Topology) MustNode(id NodeId) (*Node, error) {
	n, ok := t.NodeById(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return n, nil
}

// NodeByRouterId finds the node owning a router id.
func (t *Topology) NodeByRouterId(addr netip.Addr) (*Node, bool) {
	idx := slices.IndexFunc(t.nodes, func(n *Node) bool {
		return n.RouterId == addr
	})
	if idx == -1 {
		return nil, false
	}
	return t.nodes[idx], true
}

func (t *Topology) SetRoot(id NodeId) error {
	n, err := t.MustNode(id)
	if err != nil {
		return err
	}
	t.root = n.handle
	return nil
}

func (t *Topology) Root() *Node {
	return t.Node(t.root)
}

func (t *Topology) Edge(h EdgeHandle) *Edge {
	if h < 0 || int(h) >= len(t.edges) {
		return nil
	}
	return t.edges[h]
}

func (t *Topology) End(h EndHandle) *EdgeEnd {
	if h < 0 || int(h) >= len(t.ends) {
		return nil
	}
	return &t.ends[h]
}

func (t *Topology) EdgeCount() int {
	return len(t.edges)
}

// EdgeOf returns the edge an edge-end belongs to.
func (t *Topology) EdgeOf(end EndHandle) EdgeHandle {
	e := t.End(end)
	if e == nil {
		return NoEdge
	}
	return e.Edge
}

// EdgeDirection tells whether the edge leaves or enters the node.
func (t *Topology) EdgeDirection(node NodeHandle, h EdgeHandle) Direction {
	e := t.Edge(h)
	if e == nil {
		return DirUnknown
	}
	if t.ends[e.From].Node == node {
		return Outgoing
	}
	if t.ends[e.To].Node == node {
		return Incoming
	}
	return DirUnknown
}

// Head returns the node an edge leaves, Tail the node it enters.
func (t *Topology) Head(h EdgeHandle) NodeHandle {
	return t.ends[t.edges[h].From].Node
}

func (t *Topology) Tail(h EdgeHandle) NodeHandle {
	return t.ends[t.edges[h].To].Node
}

func (t *Topology) interfaceCount(n *Node) int {
	cnt := 0
	for _, end := range n.Ends {
		if t.ends[end].Dir == Outgoing {
			cnt++
		}
	}
	return cnt
}

func (t *Topology) newEnd(node NodeHandle, ifName string, addr netip.Prefix, dir Direction) EndHandle {
	h := EndHandle(len(t.ends))
	n := t.nodes[node]
	t.ends = append(t.ends, EdgeEnd{
		Node:    node,
		IfName:  ifName,
		IfIndex: uint32(t.interfaceCount(n)),
		Addr:    addr,
		Dir:     dir,
		Edge:    NoEdge,
	})
	n.Ends = append(n.Ends, h)
	return h
}

func (t *Topology) newEdge(from, to EndHandle, metric [MaxLevel]uint32, levels LevelMask) EdgeHandle {
	h := EdgeHandle(len(t.edges))
	t.edges = append(t.edges, &Edge{
		From:    from,
		To:      to,
		Metric:  metric,
		Levels:  levels,
		Up:      true,
		Inverse: NoEdge,
	})
	t.ends[from].Edge = h
	t.ends[to].Edge = h
	return h
}

// Connect inserts a bidirectional link as two edges that point at each other as inverses.
func (t *Topology) Connect(spec LinkSpec) (EdgeHandle, EdgeHandle, error) {
	a, err := t.MustNode(spec.From)
	if err != nil {
		return NoEdge, NoEdge, err
	}
	b, err := t.MustNode(spec.To)
	if err != nil {
		return NoEdge, NoEdge, err
	}
	if a == b {
		return NoEdge, NoEdge, fmt.Errorf("link from %s to itself", a.Id)
	}
	if spec.Levels == 0 {
		return NoEdge, NoEdge, fmt.Errorf("%w: link %s-%s has no level", ErrInvalidLevel, a.Id, b.Id)
	}
	for _, n := range []*Node{a, b} {
		if t.interfaceCount(n) >= MaxIntfSlots {
			return NoEdge, NoEdge, fmt.Errorf("%w: %s", ErrSlotsExhausted, n.Id)
		}
	}
	for _, ifName := range []struct {
		n    *Node
		name string
	}{{a, spec.FromIf}, {b, spec.ToIf}} {
		if ifName.name != "" && t.EdgeByInterface(ifName.n.handle, ifName.name) != NoEdge {
			return NoEdge, NoEdge, fmt.Errorf("interface %s already in use on %s", ifName.name, ifName.n.Id)
		}
	}

	// a -> b
	aOut := t.newEnd(a.handle, spec.FromIf, spec.FromAddr, Outgoing)
	bIn := t.newEnd(b.handle, spec.ToIf, spec.ToAddr, Incoming)
	ab := t.newEdge(aOut, bIn, spec.Metric, spec.Levels)

	// b -> a
	bOut := t.newEnd(b.handle, spec.ToIf, spec.ToAddr, Outgoing)
	aIn := t.newEnd(a.handle, spec.FromIf, spec.FromAddr, Incoming)
	ba := t.newEdge(bOut, aIn, spec.Metric, spec.Levels)

	t.edges[ab].Inverse = ba
	t.edges[ba].Inverse = ab

	for _, l := range spec.Levels.Levels() {
		t.attachInterfacePrefix(a, l, spec.FromAddr)
		t.attachInterfacePrefix(b, l, spec.ToAddr)
	}
	t.bump()
	return ab, ba, nil
}

func (t *Topology) attachInterfacePrefix(n *Node, level Level, addr netip.Prefix) {
	if !addr.IsValid() || n.IsPseudonode(level) {
		return
	}
	if n.LocalPrefix(level, addr) != nil {
		return
	}
	n.Prefixes[level] = append(n.Prefixes[level], &Prefix{
		Prefix:  addr.Masked(),
		Metric:  DefaultLocalPrefixMetric,
		Flags:   PrefixInterface,
		Level:   level,
		Hosting: n.handle,
	})
}

// AddLspAdjacency inserts an RSVP-TE LSP from head towards the router owning tailEnd as a one way
// forwarding adjacency. It has no inverse edge.
func (t *Topology) AddLspAdjacency(head NodeId, name string, metric uint32, tailEnd netip.Addr, level Level) (EdgeHandle, error) {
	if !level.Valid() {
		return NoEdge, ErrInvalidLevel
	}
	h, err := t.MustNode(head)
	if err != nil {
		return NoEdge, err
	}
	if !h.Rsvp.Enabled {
		return NoEdge, fmt.Errorf("rsvp is not enabled on %s", head)
	}
	tail, ok := t.NodeByRouterId(tailEnd)
	if !ok {
		return NoEdge, fmt.Errorf("%w: no router with id %s", ErrUnknownNode, tailEnd)
	}
	if tail == h {
		return NoEdge, fmt.Errorf("lsp %s terminates on its head end", name)
	}
	if t.EdgeByInterface(h.handle, name) != NoEdge {
		return NoEdge, fmt.Errorf("lsp %s already exists on %s", name, head)
	}
	out := t.newEnd(h.handle, name, netip.Prefix{}, Outgoing)
	in := t.newEnd(tail.handle, name, netip.Prefix{}, Incoming)
	var m [MaxLevel]uint32
	m[level] = metric
	e := t.newEdge(out, in, m, level.Mask())
	t.edges[e].Kind = EdgeLSP
	t.edges[e].LspName = name
	t.bump()
	return e, nil
}

// EdgeByInterface returns the outgoing edge of a node on the named interface.
func (t *Topology) EdgeByInterface(node NodeHandle, ifName string) EdgeHandle {
	n := t.Node(node)
	if n == nil {
		return NoEdge
	}
	for _, end := range n.Ends {
		e := &t.ends[end]
		if e.Dir == Outgoing && e.IfName == ifName {
			return e.Edge
		}
	}
	return NoEdge
}

// EdgeBetween returns the first outgoing edge from a to b that is active at the level.
func (t *Topology) EdgeBetween(a, b NodeHandle, level Level) EdgeHandle {
	n := t.Node(a)
	if n == nil {
		return NoEdge
	}
	for _, end := range n.Ends {
		e := &t.ends[end]
		if e.Dir != Outgoing {
			continue
		}
		edge := t.edges[e.Edge]
		if edge.Active(level) && t.ends[edge.To].Node == b {
			return e.Edge
		}
	}
	return NoEdge
}

func (t *Topology) SetEdgeMetric(h EdgeHandle, level Level, metric uint32) error {
	e := t.Edge(h)
	if e == nil {
		return &StructuralError{Kind: DanglingReference, Edge: h, Msg: "no such edge"}
	}
	if !level.Valid() {
		return ErrInvalidLevel
	}
	e.Metric[level] = metric
	t.bump()
	return nil
}

// SetEdgeStatus brings both directions of a link up or down.
func (t *Topology) SetEdgeStatus(h EdgeHandle, up bool) error {
	e := t.Edge(h)
	if e == nil {
		return &StructuralError{Kind: DanglingReference, Edge: h, Msg: "no such edge"}
	}
	e.Up = up
	if inv := t.Edge(e.Inverse); inv != nil {
		inv.Up = up
	}
	t.bump()
	return nil
}

// SetInterfaceProtection sets how primary paths leaving over an interface are protected and whether
// the interface may carry backup paths.
func (t *Topology) SetInterfaceProtection(id NodeId, ifName string, p Protection, noEligibleBackup bool) error {
	n, err := t.MustNode(id)
	if err != nil {
		return err
	}
	edge := t.EdgeByInterface(n.handle, ifName)
	if edge == NoEdge {
		return fmt.Errorf("%w: %s on %s", ErrUnknownLink, ifName, id)
	}
	end := &t.ends[t.edges[edge].From]
	end.Protection = p
	end.NoEligibleBackup = noEligibleBackup
	return nil
}

func (t *Topology) MarkPseudonode(id NodeId, level Level) error {
	n, err := t.MustNode(id)
	if err != nil {
		return err
	}
	if !level.Valid() {
		return ErrInvalidLevel
	}
	n.Kind[level] = Pseudonode
	n.Prefixes[level] = nil
	t.bump()
	return nil
}

func (t *Topology) SetOverload(id NodeId, level Level, overloaded bool) error {
	n, err := t.MustNode(id)
	if err != nil {
		return err
	}
	if !level.Valid() {
		return ErrInvalidLevel
	}
	if overloaded {
		n.Attr[level] |= AttrOverload
	} else {
		n.Attr[level] &^= AttrOverload
	}
	t.bump()
	return nil
}

// AttachPrefix adds reachability to a node. A (prefix, mask) is never duplicated on the same node and level.
func (t *Topology) AttachPrefix(id NodeId, p Prefix) (*Prefix, error) {
	n, err := t.MustNode(id)
	if err != nil {
		return nil, err
	}
	if !p.Level.Valid() {
		return nil, ErrInvalidLevel
	}
	if !p.Prefix.IsValid() {
		return nil, fmt.Errorf("invalid prefix on %s", id)
	}
	if n.IsPseudonode(p.Level) {
		return nil, Structural(DanglingReference, id, "pseudonode cannot originate %s", p.Prefix)
	}
	if n.LocalPrefix(p.Level, p.Prefix) != nil {
		return nil, fmt.Errorf("%w: %s on %s %s", ErrDuplicatePrefix, p.Prefix, id, p.Level)
	}
	p.Prefix = p.Prefix.Masked()
	p.Hosting = n.handle
	np := &p
	n.Prefixes[p.Level] = append(n.Prefixes[p.Level], np)
	return np, nil
}

// DetachPrefix removes reachability from a node. Interface subnets still bound to a link are next-hop
// targets, removing them is a structural violation.
func (t *Topology) DetachPrefix(id NodeId, level Level, pfx netip.Prefix) (*Prefix, error) {
	n, err := t.MustNode(id)
	if err != nil {
		return nil, err
	}
	p := n.LocalPrefix(level, pfx)
	if p == nil {
		return nil, fmt.Errorf("%w: %s on %s %s", ErrUnknownPrefix, pfx, id, level)
	}
	if p.Flags.Has(PrefixInterface) {
		for _, end := range n.Ends {
			e := &t.ends[end]
			if e.Addr.IsValid() && e.Addr.Masked() == p.Prefix && t.edges[e.Edge].Levels.Has(level) {
				return nil, &StructuralError{
					Kind:   PrefixInUse,
					Node:   id,
					Prefix: p.Prefix,
					Edge:   e.Edge,
					Msg:    fmt.Sprintf("subnet of interface %s is a next-hop target", e.IfName),
				}
			}
		}
	}
	n.Prefixes[level] = slices.DeleteFunc(n.Prefixes[level], func(x *Prefix) bool {
		return x == p
	})
	return p, nil
}

// CheckInvariants verifies every edge-end belongs to exactly one edge and one node and that inverse edges
// point at each other.
func (t *Topology) CheckInvariants() error {
	owner := make([]int, len(t.ends))
	for _, n := range t.nodes {
		for _, end := range n.Ends {
			if t.ends[end].Node != n.handle {
				return Structural(InconsistentEdge, n.Id, "edge-end %d bound to another node", end)
			}
			owner[end]++
		}
	}
	for i, cnt := range owner {
		if cnt != 1 {
			return Structural(InconsistentEdge, "", "edge-end %d owned by %d nodes", i, cnt)
		}
	}
	for h, e := range t.edges {
		if t.ends[e.From].Edge != EdgeHandle(h) || t.ends[e.To].Edge != EdgeHandle(h) {
			return &StructuralError{Kind: InconsistentEdge, Edge: EdgeHandle(h), Msg: "edge-end not bound to its edge"}
		}
		if t.ends[e.From].Dir != Outgoing || t.ends[e.To].Dir != Incoming {
			return &StructuralError{Kind: InconsistentEdge, Edge: EdgeHandle(h), Msg: "edge-end direction mismatch"}
		}
		if e.Inverse != NoEdge {
			inv := t.Edge(e.Inverse)
			if inv == nil || inv.Inverse != EdgeHandle(h) {
				return &StructuralError{Kind: InconsistentEdge, Edge: EdgeHandle(h), Msg: "inverse edge does not point back"}
			}
		}
	}
	return nil
}

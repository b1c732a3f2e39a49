package core

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"testing"

	"github.com/encodeous/spfsim/state"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

type HarnessEvent struct {
	Event   RouterEvent
	Message string
	Args    []any
}

// Harness records every event raised during a test.
type Harness struct {
	events []HarnessEvent
}

func (h *Harness) Log(event RouterEvent, desc string, args ...any) {
	h.events = append(h.events, HarnessEvent{Event: event, Message: desc, Args: args})
}

func (h *Harness) Count(event RouterEvent) int {
	n := 0
	for _, e := range h.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

// Take returns the recorded events and forgets them.
func (h *Harness) Take() HarnessEvents {
	out := h.events
	h.events = nil
	return out
}

type HarnessEvents []HarnessEvent

func (e HarnessEvents) String() string {
	out := make([]string, 0, len(e))
	for _, ev := range e {
		cur := ev.Event.String() + " " + ev.Message
		for _, arg := range ev.Args {
			cur += " " + fmt.Sprint(arg)
		}
		out = append(out, cur)
	}
	return strings.Join(out, "\n")
}

func (e HarnessEvents) Count(event RouterEvent) int {
	n := 0
	for _, ev := range e {
		if ev.Event == event {
			n++
		}
	}
	return n
}

// contains matches an event whose key value arguments include every given pair.
func (e HarnessEvents) contains(event RouterEvent, kv ...any) bool {
	for _, ev := range e {
		if ev.Event != event {
			continue
		}
		match := true
		for i := 0; i+1 < len(kv); i += 2 {
			idx := slices.Index(ev.Args, kv[i])
			if idx == -1 || idx+1 >= len(ev.Args) || !cmp.Equal(ev.Args[idx+1], kv[i+1], cmpopts.EquateComparable(netip.Prefix{}, netip.Addr{})) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (e HarnessEvents) AssertContains(t *testing.T, event RouterEvent, kv ...any) {
	t.Helper()
	if !e.contains(event, kv...) {
		t.Fatal("Expected event not found: ", event, " with args: ", kv, " in\n", e)
	}
}

func (e HarnessEvents) AssertNotContains(t *testing.T, event RouterEvent, kv ...any) {
	t.Helper()
	if e.contains(event, kv...) {
		t.Fatal("Unexpected event found: ", event, " with args: ", kv, " in\n", e)
	}
}

// builder assembles topologies for tests, numbering link subnets out of 10.0.0.0/16.
type builder struct {
	t     *testing.T
	topo  *state.Topology
	links int
}

func newBuilder(t *testing.T) *builder {
	return &builder{t: t, topo: state.NewTopology()}
}

func (b *builder) node(id state.NodeId, opts ...func(*state.Node)) *state.Node {
	b.t.Helper()
	rid := netip.AddrFrom4([4]byte{192, 0, 2, byte(b.topo.Len() + 1)})
	n, err := b.topo.AddNode(id, rid)
	require.NoError(b.t, err)
	for _, o := range opts {
		o(n)
	}
	return n
}

func (b *builder) nodes(ids ...state.NodeId) {
	for _, id := range ids {
		b.node(id)
	}
}

func (b *builder) pseudonode(id state.NodeId, level state.Level) *state.Node {
	b.t.Helper()
	n := b.node(id)
	require.NoError(b.t, b.topo.MarkPseudonode(id, level))
	return n
}

func perLevel(m uint32) [state.MaxLevel]uint32 {
	return [state.MaxLevel]uint32{0, m, m}
}

// link connects two nodes with interfaces named after the peer and a fresh /30.
func (b *builder) link(x, y state.NodeId, metric uint32, levels state.LevelMask) state.EdgeHandle {
	b.t.Helper()
	b.links++
	base := [4]byte{10, 0, byte(b.links >> 6), byte(b.links<<2) & 0xff}
	xa := base
	xa[3]++
	ya := base
	ya[3] += 2
	xn, _ := b.topo.NodeById(x)
	yn, _ := b.topo.NodeById(y)
	ifName := func(owner *state.Node, peer state.NodeId) string {
		if b.topo.EdgeByInterface(owner.Handle(), string(peer)) == state.NoEdge {
			return string(peer)
		}
		return fmt.Sprintf("%s-%d", peer, b.links)
	}
	spec := state.LinkSpec{
		From:   x,
		To:     y,
		FromIf: ifName(xn, y),
		ToIf:   ifName(yn, x),
		Metric: perLevel(metric),
		Levels: levels,
	}
	if !xn.IsPseudonode(state.Level1) && !xn.IsPseudonode(state.Level2) {
		spec.FromAddr = netip.PrefixFrom(netip.AddrFrom4(xa), 30)
	}
	if !yn.IsPseudonode(state.Level1) && !yn.IsPseudonode(state.Level2) {
		spec.ToAddr = netip.PrefixFrom(netip.AddrFrom4(ya), 30)
	}
	ab, ba, err := b.topo.Connect(spec)
	require.NoError(b.t, err)
	// nothing is charged for leaving a LAN
	for _, l := range levels.Levels() {
		if xn.IsPseudonode(l) {
			require.NoError(b.t, b.topo.SetEdgeMetric(ab, l, 0))
		}
		if yn.IsPseudonode(l) {
			require.NoError(b.t, b.topo.SetEdgeMetric(ba, l, 0))
		}
	}
	return ab
}

func (b *builder) prefix(id state.NodeId, level state.Level, pfx string, metric uint32, flags state.PrefixFlags) *state.Prefix {
	b.t.Helper()
	p, err := b.topo.AttachPrefix(id, state.Prefix{
		Prefix: netip.MustParsePrefix(pfx),
		Metric: metric,
		Flags:  flags,
		Level:  level,
	})
	require.NoError(b.t, err)
	return p
}

func (b *builder) handle(id state.NodeId) state.NodeHandle {
	b.t.Helper()
	n, ok := b.topo.NodeById(id)
	require.True(b.t, ok, "node %s", id)
	return n.Handle()
}

// diamond is a-b, a-c, b-d, c-d at metric 5 on level 1 with 192.168.4.0/24 behind d.
func diamond(t *testing.T) *builder {
	b := newBuilder(t)
	b.nodes("a", "b", "c", "d")
	b.link("a", "b", 5, state.MaskL1)
	b.link("a", "c", 5, state.MaskL1)
	b.link("b", "d", 5, state.MaskL1)
	b.link("c", "d", 5, state.MaskL1)
	b.prefix("d", state.Level1, "192.168.4.0/24", 1, 0)
	return b
}

func peers(topo *state.Topology, hops []NextHop) []state.NodeId {
	out := make([]state.NodeId, 0, len(hops))
	for _, nh := range hops {
		if n := topo.Node(nh.Peer); n != nil {
			out = append(out, n.Id)
		}
	}
	slices.Sort(out)
	return out
}

func mustPrefix(s string) netip.Prefix {
	return netip.MustParsePrefix(s)
}

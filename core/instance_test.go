package core

import (
	"log/slog"
	"net/netip"
	"testing"

	"github.com/encodeous/spfsim/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func route(t *testing.T, in *Instance, id state.NodeId, level state.Level, pfx string) *Route {
	t.Helper()
	r, err := in.Router(id)
	require.NoError(t, err)
	rt, _ := r.RIB(level).Get(mustPrefix(pfx))
	return rt
}

func TestInstance_Converge(t *testing.T) {
	h := &Harness{}
	b := diamond(t)
	b.pseudonode("lan", state.Level1)
	require.NoError(t, b.topo.MarkPseudonode("lan", state.Level2))
	b.node("e")
	b.link("d", "lan", 3, state.MaskL1)
	b.link("lan", "e", 3, state.MaskL1)
	in, err := NewInstance(b.topo, WithObserver(h), WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	assert.Len(t, in.Routers(), 5)
	_, err = in.Router("lan")
	assert.Error(t, err)

	st, err := in.Converge()
	require.NoError(t, err)
	assert.Empty(t, st.Failures)
	assert.Positive(t, st.Added)

	rt := route(t, in, "e", state.Level1, "192.168.4.0/24")
	require.NotNil(t, rt)
	assert.Equal(t, uint32(4), rt.Metric())
	assert.Equal(t, []state.NodeId{"d"}, peers(b.topo, rt.Primary[IPNH]))

	rt = route(t, in, "a", state.Level1, "192.168.4.0/24")
	require.NotNil(t, rt)
	assert.Equal(t, uint32(11), rt.Metric())

	// a second pass finds nothing to do
	st, err = in.Converge()
	require.NoError(t, err)
	assert.Zero(t, st.Added+st.Changed+st.Updated+st.Swept)
}

func TestApplyChange_PrefixAddIsPartial(t *testing.T) {
	h := &Harness{}
	b := diamond(t)
	in := converged(t, b, WithObserver(h))
	h.Take()

	adv := state.NewPrefixAdvert(state.Added, state.Level1, state.PrefixAdvert{
		Prefix:  mustPrefix("10.9.0.0/24"),
		Metric:  2,
		Hosting: "d",
	})
	report, err := in.ApplyChange("d", state.Level1, adv)
	require.NoError(t, err)
	require.Len(t, report.Delivered, 4)
	assert.Equal(t, state.NodeId("d"), report.Delivered[0])
	assert.ElementsMatch(t, []state.NodeId{"b", "c"}, report.Delivered[1:3])
	assert.Equal(t, state.NodeId("a"), report.Delivered[3])
	assert.Equal(t, 4, report.Partial)
	assert.Zero(t, report.Full)
	assert.Equal(t, 4, report.Stats.Added)
	assert.Equal(t, uint32(1), report.Advert.Seqno)

	events := h.Take()
	events.AssertContains(t, PrefixApplied, "node", state.NodeId("d"), "prefix", mustPrefix("10.9.0.0/24"))
	events.AssertContains(t, ChangeDelivered, "node", state.NodeId("a"))
	events.AssertNotContains(t, ChangeSuppressed)
	assert.Equal(t, 4, events.Count(PartialRun))

	rt := route(t, in, "a", state.Level1, "10.9.0.0/24")
	require.NotNil(t, rt)
	assert.Equal(t, uint32(12), rt.Metric())
	assert.Equal(t, []state.NodeId{"b", "c"}, peers(b.topo, rt.Primary[IPNH]))
}

func TestApplyChange_RemoveSweeps(t *testing.T) {
	in := converged(t, diamond(t))
	adv := state.NewPrefixAdvert(state.Removed, state.Level1, state.PrefixAdvert{Prefix: lan4, Hosting: "d"})
	report, err := in.ApplyChange("d", state.Level1, adv)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Stats.Swept)
	for _, id := range []state.NodeId{"a", "b", "c", "d"} {
		assert.Nil(t, route(t, in, id, state.Level1, lan4.String()), id)
		r, _ := in.Router(id)
		_, ok := r.FIB.Lookup(Inet0, TableKey{Prefix: lan4, Protocol: ProtoIsisL1})
		assert.False(t, ok, id)
	}

	_, err = in.ApplyChange("d", state.Level1, adv)
	assert.ErrorIs(t, err, state.ErrUnknownPrefix)
}

func TestApplyChange_MetricChangeIsFull(t *testing.T) {
	b := diamond(t)
	in := converged(t, b)
	adv := state.NewLinkMetricAdvert(state.Level1, state.LinkMetricAdvert{Node: "a", IfName: "b", Metric: 20})
	report, err := in.ApplyChange("a", state.Level1, adv)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Full)
	assert.Zero(t, report.Partial)

	rt := route(t, in, "a", state.Level1, lan4.String())
	assert.Equal(t, []state.NodeId{"c"}, peers(b.topo, rt.Primary[IPNH]))
	assert.Equal(t, Changed, rt.State)

	_, err = in.ApplyChange("a", state.Level1, state.NewLinkMetricAdvert(state.Level1, state.LinkMetricAdvert{Node: "a", IfName: "nope", Metric: 3}))
	assert.ErrorIs(t, err, state.ErrUnknownLink)
	_, err = in.ApplyChange("a", state.Level1, state.NewLinkMetricAdvert(state.Level1, state.LinkMetricAdvert{Node: "a", IfName: "b", Metric: state.MaxLinkMetric + 1}))
	assert.Error(t, err)
}

func TestApplyChange_Overload(t *testing.T) {
	b := diamond(t)
	in := converged(t, b)
	adv := state.NewOverloadAdvert(state.Level1, state.OverloadAdvert{Node: "c", Overloaded: true})
	_, err := in.ApplyChange("c", state.Level1, adv)
	require.NoError(t, err)
	rt := route(t, in, "a", state.Level1, lan4.String())
	assert.Equal(t, []state.NodeId{"b"}, peers(b.topo, rt.Primary[IPNH]))

	// an overloaded router still reaches everything itself
	assert.NotNil(t, route(t, in, "c", state.Level1, lan4.String()))

	adv = state.NewOverloadAdvert(state.Level1, state.OverloadAdvert{Node: "c", Overloaded: false})
	_, err = in.ApplyChange("c", state.Level1, adv)
	require.NoError(t, err)
	rt = route(t, in, "a", state.Level1, lan4.String())
	assert.Equal(t, []state.NodeId{"b", "c"}, peers(b.topo, rt.Primary[IPNH]))
}

// leakTopology has a in level 1 only, c in level 2 only and b joining both.
func leakTopology(t *testing.T) *builder {
	b := newBuilder(t)
	b.nodes("a", "b", "c")
	b.link("a", "b", 10, state.MaskL1)
	b.link("b", "c", 10, state.MaskL2)
	b.prefix("c", state.Level2, "10.50.0.0/24", 1, 0)
	return b
}

func TestApplyChange_LeakDown(t *testing.T) {
	in := converged(t, leakTopology(t))
	pfx := mustPrefix("10.50.0.0/24")
	assert.Nil(t, route(t, in, "a", state.Level1, pfx.String()))

	leak := state.NewLeakAdvert(state.Added, state.LeakAdvert{Prefix: pfx, Hosting: "b", From: state.Level2, To: state.Level1})
	report, err := in.ApplyChange("b", state.Level1, leak)
	require.NoError(t, err)
	assert.Equal(t, []state.NodeId{"b", "a"}, report.Delivered)
	p := report.Advert.Payload.(state.LeakAdvert)
	assert.Equal(t, uint32(11), p.Metric)
	assert.True(t, p.Flags.Has(state.PrefixUpDown))

	rt := route(t, in, "a", state.Level1, pfx.String())
	require.NotNil(t, rt)
	assert.True(t, rt.UpDown)
	assert.Equal(t, uint32(21), rt.Metric())

	// an up/down prefix never climbs back into level 2
	up := state.NewLeakAdvert(state.Added, state.LeakAdvert{Prefix: pfx, Hosting: "b", From: state.Level1, To: state.Level2})
	_, err = in.ApplyChange("b", state.Level2, up)
	assert.ErrorContains(t, err, "up/down")

	_, err = in.ApplyChange("b", state.Level1, leak)
	assert.ErrorIs(t, err, state.ErrDuplicatePrefix)

	unleak := state.NewLeakAdvert(state.Removed, state.LeakAdvert{Prefix: pfx, Hosting: "b", From: state.Level2, To: state.Level1})
	_, err = in.ApplyChange("b", state.Level1, unleak)
	require.NoError(t, err)
	assert.Nil(t, route(t, in, "a", state.Level1, pfx.String()))
}

func TestApplyChange_LeakUnreachable(t *testing.T) {
	in := converged(t, leakTopology(t))
	leak := state.NewLeakAdvert(state.Added, state.LeakAdvert{Prefix: mustPrefix("10.99.0.0/24"), Hosting: "b", From: state.Level2, To: state.Level1})
	_, err := in.ApplyChange("b", state.Level1, leak)
	assert.ErrorIs(t, err, state.ErrUnknownPrefix)
}

func TestApplyChange_Malformed(t *testing.T) {
	h := &Harness{}
	in := converged(t, diamond(t), WithObserver(h))
	adv := state.NewPrefixAdvert(state.Added, state.Level1, state.PrefixAdvert{Prefix: mustPrefix("10.9.0.0/24"), Hosting: "d"})

	_, err := in.ApplyChange("a", state.Level1, adv)
	assert.ErrorIs(t, err, state.ErrStructural)
	_, err = in.ApplyChange("d", state.Level2, adv)
	assert.ErrorIs(t, err, state.ErrStructural)

	adv.Payload = nil
	_, err = in.ApplyChange("d", state.Level1, adv)
	assert.ErrorIs(t, err, state.ErrStructural)
	h.Take().AssertContains(t, StructuralViolation)
}

func TestApplyChange_LsdbHoldsNewest(t *testing.T) {
	in := converged(t, diamond(t))
	adv := state.NewPrefixAdvert(state.Added, state.Level1, state.PrefixAdvert{Prefix: mustPrefix("10.9.0.0/24"), Hosting: "d"})
	report, err := in.ApplyChange("d", state.Level1, adv)
	require.NoError(t, err)

	ra, _ := in.Router("a")
	assert.False(t, ra.LSDB.Accept(report.Advert), "a copy with the same sequence number is a duplicate")
	adv.Seqno = report.Advert.Seqno + 1
	assert.True(t, ra.LSDB.Accept(adv))
}

func TestApplyChange_RepeatedChangeIsSuppressed(t *testing.T) {
	h := &Harness{}
	in := converged(t, diamond(t), WithObserver(h))
	overload := state.NewOverloadAdvert(state.Level1, state.OverloadAdvert{Node: "c", Overloaded: true})
	first, err := in.ApplyChange("c", state.Level1, overload)
	require.NoError(t, err)
	require.Len(t, first.Delivered, 4)
	runs := in.Engine.Stats().Runs[state.Level1]
	h.Take()

	again, err := in.ApplyChange("c", state.Level1, overload)
	require.NoError(t, err)
	assert.Equal(t, first.Advert.Seqno, again.Advert.Seqno)
	assert.Equal(t, 4, again.Suppressed)
	assert.Empty(t, again.Delivered)
	assert.Zero(t, again.Full+again.Partial)
	assert.Equal(t, runs, in.Engine.Stats().Runs[state.Level1])
	assert.Equal(t, 4, h.Take().Count(ChangeSuppressed))
}

func TestApplyChange_SeqnoPerChange(t *testing.T) {
	in := converged(t, diamond(t))
	pfx := state.PrefixAdvert{Prefix: mustPrefix("10.9.0.0/24"), Hosting: "d"}
	for i, action := range []state.AdvertAction{state.Added, state.Removed, state.Added} {
		report, err := in.ApplyChange("d", state.Level1, state.NewPrefixAdvert(action, state.Level1, pfx))
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), report.Advert.Seqno)
		assert.Zero(t, report.Suppressed)
		assert.Len(t, report.Delivered, 4)
	}

	report, err := in.ApplyChange("b", state.Level1, state.NewOverloadAdvert(state.Level1, state.OverloadAdvert{Node: "b", Overloaded: true}))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), report.Advert.Seqno)
}

func TestInstance_Reflood(t *testing.T) {
	b := diamond(t)
	in := converged(t, b)
	adv := state.NewPrefixAdvert(state.Added, state.Level1, state.PrefixAdvert{Prefix: mustPrefix("10.9.0.0/24"), Metric: 2, Hosting: "d"})
	added, err := in.ApplyChange("d", state.Level1, adv)
	require.NoError(t, err)
	key := keyOf(added.Advert)
	runs := in.Engine.Stats().Runs[state.Level1]

	report, err := in.Reflood("d", key)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Suppressed)
	assert.Empty(t, report.Delivered)
	assert.Equal(t, runs, in.Engine.Stats().Runs[state.Level1])

	// a router that joined since only learns the change from the refresh
	b.node("e")
	b.link("d", "e", 5, state.MaskL1)
	report, err = in.Reflood("d", key)
	require.NoError(t, err)
	assert.Equal(t, []state.NodeId{"e"}, report.Delivered)
	assert.Equal(t, 4, report.Suppressed)
	assert.Equal(t, 1, report.Full)
	rt := route(t, in, "e", state.Level1, "10.9.0.0/24")
	require.NotNil(t, rt)
	assert.Equal(t, uint32(7), rt.Metric())

	_, err = in.Reflood("a", key)
	assert.Error(t, err)
}

func TestApplyChange_NodeAddedLater(t *testing.T) {
	b := diamond(t)
	in := converged(t, b)
	b.node("e")
	b.link("d", "e", 5, state.MaskL1)

	adv := state.NewPrefixAdvert(state.Added, state.Level1, state.PrefixAdvert{Prefix: mustPrefix("10.9.0.0/24"), Metric: 2, Hosting: "d"})
	report, err := in.ApplyChange("d", state.Level1, adv)
	require.NoError(t, err)
	assert.Contains(t, report.Delivered, state.NodeId("e"))
	assert.Len(t, report.Delivered, 5)

	rt := route(t, in, "e", state.Level1, "10.9.0.0/24")
	require.NotNil(t, rt)
	assert.Equal(t, uint32(7), rt.Metric())
	assert.Equal(t, []state.NodeId{"d"}, peers(b.topo, rt.Primary[IPNH]))
	assert.NotNil(t, route(t, in, "a", state.Level1, "10.9.0.0/24"))

	re, err := in.Router("e")
	require.NoError(t, err)
	_, ok := re.FIB.Lookup(Inet0, TableKey{Prefix: mustPrefix("10.0.0.20/30"), Protocol: ProtoDirect})
	assert.True(t, ok)
}

// line is a-b-c on level 1 with a prefix behind each end.
func line(t *testing.T) *builder {
	b := newBuilder(t)
	b.nodes("a", "b", "c")
	b.link("a", "b", 5, state.MaskL1)
	b.link("b", "c", 5, state.MaskL1)
	b.prefix("a", state.Level1, "10.1.1.0/24", 1, 0)
	b.prefix("c", state.Level1, "10.3.3.0/24", 1, 0)
	return b
}

func TestApplyChange_LinkDownSweeps(t *testing.T) {
	in := converged(t, line(t))
	require.NotNil(t, route(t, in, "a", state.Level1, "10.3.3.0/24"))
	require.NotNil(t, route(t, in, "c", state.Level1, "10.1.1.0/24"))

	down := state.NewLinkStatusAdvert(state.Level1, state.LinkStatusAdvert{Node: "b", IfName: "c", Up: false})
	report, err := in.ApplyChange("b", state.Level1, down)
	require.NoError(t, err)
	assert.ElementsMatch(t, []state.NodeId{"a", "b", "c"}, report.Delivered)
	assert.Equal(t, 3, report.Full)
	assert.Zero(t, report.Partial)
	assert.Positive(t, report.Stats.Swept)

	assert.Nil(t, route(t, in, "a", state.Level1, "10.3.3.0/24"))
	assert.Nil(t, route(t, in, "b", state.Level1, "10.3.3.0/24"))
	assert.Nil(t, route(t, in, "c", state.Level1, "10.1.1.0/24"))
	assert.NotNil(t, route(t, in, "a", state.Level1, "10.0.0.8/30"), "b still advertises its side of the link")
	rb, _ := in.Router("b")
	_, ok := rb.FIB.Lookup(Inet0, TableKey{Prefix: mustPrefix("10.0.0.8/30"), Protocol: ProtoDirect})
	assert.False(t, ok)
	_, ok = rb.FIB.Lookup(Inet0, TableKey{Prefix: mustPrefix("10.3.3.0/24"), Protocol: ProtoIsisL1})
	assert.False(t, ok)

	up := state.NewLinkStatusAdvert(state.Level1, state.LinkStatusAdvert{Node: "b", IfName: "c", Up: true})
	report, err = in.ApplyChange("b", state.Level1, up)
	require.NoError(t, err)
	assert.Len(t, report.Delivered, 3)
	assert.Equal(t, 3, report.Suppressed)
	rt := route(t, in, "a", state.Level1, "10.3.3.0/24")
	require.NotNil(t, rt)
	assert.Equal(t, uint32(11), rt.Metric())
	_, ok = rb.FIB.Lookup(Inet0, TableKey{Prefix: mustPrefix("10.0.0.8/30"), Protocol: ProtoDirect})
	assert.True(t, ok)

	_, err = in.ApplyChange("b", state.Level1, state.NewLinkStatusAdvert(state.Level1, state.LinkStatusAdvert{Node: "b", IfName: "x"}))
	assert.ErrorIs(t, err, state.ErrUnknownLink)
}

func TestApplyChange_FailedRecomputeDropsPendingWork(t *testing.T) {
	in := converged(t, diamond(t))
	release, err := in.Engine.ws.acquire(0)
	require.NoError(t, err)
	adv := state.NewPrefixAdvert(state.Added, state.Level1, state.PrefixAdvert{Prefix: mustPrefix("10.9.0.0/24"), Hosting: "d"})
	_, err = in.ApplyChange("d", state.Level1, adv)
	release()
	require.ErrorIs(t, err, ErrRunInProgress)

	for _, r := range in.Routers() {
		assert.False(t, r.pending[state.Level1].scheduled, r.Id)
		assert.Empty(t, r.pending[state.Level1].prefixes, r.Id)
	}
	_, err = in.Converge()
	require.NoError(t, err)
	assert.NotNil(t, route(t, in, "a", state.Level1, "10.9.0.0/24"))
}

const staticYaml = `
root: a
default_metric: 10
auto_address: 10.1.0.0/24
nodes:
  - id: a
    router_id: 1.1.1.1
    prefixes:
      - prefix: 1.1.1.1/32
        level: 1
  - id: b
    router_id: 2.2.2.2
    prefixes:
      - prefix: 2.2.2.2/32
        level: 1
  - id: c
    router_id: 3.3.3.3
links:
  - a: a
    b: b
    levels: [1]
  - a: b
    b: c
    levels: [1]
static_routes:
  - node: a
    prefix: 203.0.113.0/24
    gateway: 10.1.0.2
changes:
  - kind: prefix
    action: add
    node: c
    level: 1
    prefix: 3.3.3.3/32
`

func TestInstance_FromConfig(t *testing.T) {
	cfg, err := state.ParseTopology([]byte(staticYaml))
	require.NoError(t, err)
	topo, err := cfg.Build()
	require.NoError(t, err)
	in, err := NewInstance(topo)
	require.NoError(t, err)
	_, err = in.Converge()
	require.NoError(t, err)

	ra, _ := in.Router("a")
	direct, ok := ra.FIB.Lookup(Inet0, TableKey{Prefix: mustPrefix("10.1.0.0/30"), Protocol: ProtoDirect})
	require.True(t, ok)
	assert.True(t, direct.Local)
	assert.Equal(t, "eth0", direct.NextHops[0].IfName)

	// the connected route outranks the IS-IS copy of the same subnet
	best, ok := ra.FIB.Lookup(Inet0, TableKey{Prefix: mustPrefix("10.1.0.0/30")})
	require.True(t, ok)
	assert.Equal(t, ProtoDirect, best.Protocol)

	static, ok := ra.FIB.Longest(Inet0, netip.MustParseAddr("203.0.113.9"))
	require.True(t, ok)
	assert.Equal(t, ProtoStatic, static.Protocol)
	assert.Equal(t, netip.MustParseAddr("10.1.0.2"), static.NextHops[0].Gateway)

	res, err := in.Traceroute("a", netip.MustParseAddr("203.0.113.9"))
	require.NoError(t, err)
	assert.True(t, res.BlackHole, "b has no route onwards")
	require.Len(t, res.Hops, 2)
	assert.Equal(t, state.NodeId("b"), res.Hops[1].Node)

	for _, c := range cfg.Changes {
		adv, err := c.Advert()
		require.NoError(t, err)
		_, err = in.ApplyChange(c.Node, c.Level, adv)
		require.NoError(t, err)
	}
	ping, err := in.Ping("a", netip.MustParseAddr("3.3.3.3"))
	require.NoError(t, err)
	assert.True(t, ping.Ok(), ping.Forward.String())
	assert.Equal(t, []netip.Prefix{
		mustPrefix("1.1.1.1/32"),
		mustPrefix("2.2.2.2/32"),
		mustPrefix("3.3.3.3/32"),
		mustPrefix("10.1.0.0/30"),
		mustPrefix("10.1.0.4/30"),
	}, in.Prefixes(state.Level1))
}

func TestInstance_StaticGatewayMustBeConnected(t *testing.T) {
	b := diamond(t)
	a, _ := b.topo.NodeById("a")
	a.StaticRoutes = append(a.StaticRoutes, state.StaticRoute{Prefix: mustPrefix("203.0.113.0/24"), Gateway: netip.MustParseAddr("172.31.0.1")})
	_, err := NewInstance(b.topo)
	assert.ErrorContains(t, err, "not directly connected")
}

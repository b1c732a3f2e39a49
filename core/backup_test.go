package core

import (
	"testing"

	"github.com/encodeous/spfsim/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lfaTopology has s reaching d over e, with n as a loop free alternate and m as a stub that is not one.
func lfaTopology(t *testing.T) *builder {
	b := newBuilder(t)
	b.node("s", func(n *state.Node) { n.Backup.Enabled = true })
	b.nodes("e", "d", "n", "m")
	b.link("s", "e", 1, state.MaskL1)
	b.link("e", "d", 1, state.MaskL1)
	b.link("s", "n", 1, state.MaskL1)
	b.link("n", "d", 2, state.MaskL1)
	b.link("s", "m", 1, state.MaskL1)
	b.prefix("d", state.Level1, "10.44.0.0/24", 0, 0)
	return b
}

func TestLfa_LinkAndNodeProtection(t *testing.T) {
	b := lfaTopology(t)
	e := NewEngine(b.topo, nil, nil)
	run, err := e.Run(b.handle("s"), state.Level1)
	require.NoError(t, err)
	d := run.Result(b.handle("d"))
	require.Equal(t, []state.NodeId{"e"}, peers(b.topo, d.NextHops[IPNH]))

	se := d.NextHops[IPNH][0].Edge
	set, err := LfaStrategy{}.Compute(e, run, se)
	require.NoError(t, err)

	hops := set[b.handle("d")]
	require.Len(t, hops, 1)
	assert.Equal(t, b.handle("n"), hops[0].Peer)
	assert.Equal(t, se, hops[0].Protected)
	assert.Equal(t, uint32(3), hops[0].Cost)
	assert.True(t, hops[0].NodeProtecting)
	assert.Equal(t, "n", hops[0].IfName)

	_, ok := set[b.handle("e")]
	assert.False(t, ok, "n loops back through s towards e")
	_, ok = set[b.handle("n")]
	assert.False(t, ok, "n is not behind the protected link")
}

type fixedBackup struct {
	hops BackupSet
}

func (fixedBackup) Name() string { return "fixed" }

func (f fixedBackup) Compute(*Engine, *SpfRun, state.EdgeHandle) (BackupSet, error) {
	return f.hops, nil
}

func TestLfa_RemoteFallback(t *testing.T) {
	b := lfaTopology(t)
	b.topo.Node(b.handle("s")).Backup.RemoteBackup = true
	e := NewEngine(b.topo, nil, nil)
	run, err := e.Run(b.handle("s"), state.Level1)
	require.NoError(t, err)
	eh := b.handle("e")
	se := run.Result(eh).NextHops[IPNH][0].Edge

	remote := fixedBackup{hops: BackupSet{eh: {{NextHop: NextHop{IfName: "tunnel"}, Protected: se}}}}
	set, err := LfaStrategy{Remote: remote}.Compute(e, run, se)
	require.NoError(t, err)
	require.Len(t, set[eh], 1)
	assert.Equal(t, "tunnel", set[eh][0].IfName)
	assert.Equal(t, "n", set[b.handle("d")][0].IfName, "local alternates win")
}

func TestSynthesize_AttachesBackups(t *testing.T) {
	b := lfaTopology(t)
	f := newSynth(t, b, state.Level1)
	f.synth.Backup = LfaStrategy{}
	f.pass(t, "s")

	rt, ok := f.rib.Get(mustPrefix("10.44.0.0/24"))
	require.True(t, ok)
	require.Len(t, rt.Backup, 1)
	assert.Equal(t, b.handle("n"), rt.Backup[0].Peer)
	assert.Positive(t, f.h.Count(BackupComputed))

	st := f.pass(t, "s")
	assert.Zero(t, st.Changed+st.Updated)

	b.topo.Node(b.handle("s")).Backup.Enabled = false
	f.pass(t, "s")
	rt, _ = f.rib.Get(mustPrefix("10.44.0.0/24"))
	assert.Empty(t, rt.Backup)
	assert.Equal(t, Updated, rt.State)
}

// protectionTopology adds x to lfaTopology, a loop free alternate for d that still runs through e.
func protectionTopology(t *testing.T) *builder {
	b := lfaTopology(t)
	b.node("x")
	b.link("s", "x", 1, state.MaskL1)
	b.link("x", "e", 1, state.MaskL1)
	return b
}

func backupPeers(t *testing.T, b *builder) []state.NodeId {
	t.Helper()
	e := NewEngine(b.topo, nil, nil)
	run, err := e.Run(b.handle("s"), state.Level1)
	require.NoError(t, err)
	set, err := ComputeBackups(e, LfaStrategy{}, run, nopObserver{})
	require.NoError(t, err)
	var out []state.NodeId
	for _, h := range set[b.handle("d")] {
		out = append(out, b.topo.Node(h.Peer).Id)
	}
	return out
}

func TestBackups_InterfaceProtection(t *testing.T) {
	tests := []struct {
		name        string
		protection  state.Protection
		noBackup    []string
		degradation bool
		want        []state.NodeId
	}{
		{name: "link", protection: state.ProtectLink, want: []state.NodeId{"n", "x"}},
		{name: "node-link", protection: state.ProtectNodeLink, want: []state.NodeId{"n"}},
		{name: "none", protection: state.ProtectNone},
		{name: "no eligible backup", protection: state.ProtectLink, noBackup: []string{"x"}, want: []state.NodeId{"n"}},
		{name: "node-link without node protecting alternate", protection: state.ProtectNodeLink, noBackup: []string{"n"}},
		{name: "node-link degrades to link", protection: state.ProtectNodeLink, noBackup: []string{"n"}, degradation: true, want: []state.NodeId{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := protectionTopology(t)
			b.topo.Node(b.handle("s")).Backup.LinkDegradation = tt.degradation
			require.NoError(t, b.topo.SetInterfaceProtection("s", "e", tt.protection, false))
			for _, ifName := range tt.noBackup {
				require.NoError(t, b.topo.SetInterfaceProtection("s", ifName, state.ProtectLink, true))
			}
			assert.ElementsMatch(t, tt.want, backupPeers(t, b))
		})
	}
}

func TestBackups_RunsCountedApart(t *testing.T) {
	b := lfaTopology(t)
	f := newSynth(t, b, state.Level1)
	f.synth.Backup = LfaStrategy{}
	f.pass(t, "s")

	st := f.e.Stats()
	assert.Equal(t, uint64(1), st.Runs[state.Level1])
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, uint64(9), st.Backup, "every neighbour of s for each of its three protected links")
}

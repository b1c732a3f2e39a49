package state

import (
	"fmt"
	"net/netip"
	"os"
	"slices"

	"github.com/goccy/go-yaml"
)

// TopologyCfg is the on-disk description of a simulated network.
type TopologyCfg struct {
	// Root is the node whose view is computed by default.
	Root          NodeId    `yaml:"root,omitempty"`
	DefaultMetric uint32    `yaml:"default_metric,omitempty" validate:"lte=16777215"`
	Nodes         []NodeCfg `yaml:"nodes" validate:"required,min=1,dive"`
	Links         []LinkCfg `yaml:"links,omitempty" validate:"dive"`
	// Graph is the group based link shorthand, links created from it use DefaultMetric on GraphLevels.
	Graph        []string         `yaml:"graph,omitempty"`
	GraphLevels  []Level          `yaml:"graph_levels,omitempty" validate:"dive,min=1,max=2"`
	AutoAddress  netip.Prefix     `yaml:"auto_address,omitempty"`
	Lsps         []LspCfg         `yaml:"lsps,omitempty" validate:"dive"`
	StaticRoutes []StaticRouteCfg `yaml:"static_routes,omitempty" validate:"dive"`
	Changes      []ChangeCfg      `yaml:"changes,omitempty" validate:"dive"`
}

type NodeCfg struct {
	Id       NodeId     `yaml:"id" validate:"required,nodename"`
	RouterId netip.Addr `yaml:"router_id,omitempty"`
	Area     string     `yaml:"area,omitempty"`
	// Pseudonode lists the levels at which the node stands in for a LAN segment.
	Pseudonode     []Level       `yaml:"pseudonode,omitempty" validate:"dive,min=1,max=2"`
	Overload       []Level       `yaml:"overload,omitempty" validate:"dive,min=1,max=2"`
	Attached       bool          `yaml:"attached,omitempty"`
	IgnoreAttached bool          `yaml:"ignore_attached,omitempty"`
	Backup         BackupOptions `yaml:"backup,omitempty"`
	Ldp            LdpCfg        `yaml:"ldp,omitempty"`
	Rsvp           RsvpCfg       `yaml:"rsvp,omitempty"`
	Spring         *SpringCfg    `yaml:"spring,omitempty"`
	Prefixes       []PrefixCfg   `yaml:"prefixes,omitempty" validate:"dive"`
}

type PrefixCfg struct {
	Prefix   netip.Prefix `yaml:"prefix"`
	Level    Level        `yaml:"level" validate:"min=1,max=2"`
	Metric   uint32       `yaml:"metric,omitempty"`
	External bool         `yaml:"external,omitempty"`
	Sid      *uint32      `yaml:"sid,omitempty"`
}

type LinkCfg struct {
	A     NodeId       `yaml:"a" validate:"required"`
	B     NodeId       `yaml:"b" validate:"required,nefield=A"`
	AIf   string       `yaml:"a_if,omitempty"`
	BIf   string       `yaml:"b_if,omitempty"`
	AAddr netip.Prefix `yaml:"a_addr,omitempty"`
	BAddr netip.Prefix `yaml:"b_addr,omitempty"`
	// Metric applies to every level without a more specific metric.
	Metric   uint32  `yaml:"metric,omitempty" validate:"lte=16777215"`
	L1Metric *uint32 `yaml:"l1_metric,omitempty"`
	L2Metric *uint32 `yaml:"l2_metric,omitempty"`
	Levels   []Level `yaml:"levels,omitempty" validate:"dive,min=1,max=2"`
	Down     bool    `yaml:"down,omitempty"`
	// AProtection and BProtection choose how traffic leaving over each side is protected.
	AProtection string `yaml:"a_protection,omitempty" validate:"omitempty,oneof=link node-link none"`
	BProtection string `yaml:"b_protection,omitempty" validate:"omitempty,oneof=link node-link none"`
	// ANoBackup and BNoBackup keep the interface out of every backup path.
	ANoBackup bool `yaml:"a_no_backup,omitempty"`
	BNoBackup bool `yaml:"b_no_backup,omitempty"`
}

type LspCfg struct {
	Head   NodeId     `yaml:"head" validate:"required"`
	Name   string     `yaml:"name" validate:"required"`
	Tail   netip.Addr `yaml:"tail"`
	Metric uint32     `yaml:"metric" validate:"min=1,lte=16777215"`
	Level  Level      `yaml:"level" validate:"min=1,max=2"`
}

type StaticRouteCfg struct {
	Node      NodeId       `yaml:"node" validate:"required"`
	Prefix    netip.Prefix `yaml:"prefix"`
	Gateway   netip.Addr   `yaml:"gateway,omitempty"`
	Interface string       `yaml:"interface,omitempty"`
	Metric    uint32       `yaml:"metric,omitempty"`
}

// ChangeCfg is one scripted configuration action, turned into an Advert before it is flooded.
type ChangeCfg struct {
	Kind      string       `yaml:"kind" validate:"required,oneof=prefix leak metric overload link"`
	Action    string       `yaml:"action,omitempty" validate:"omitempty,oneof=add remove update"`
	Node      NodeId       `yaml:"node" validate:"required"`
	Level     Level        `yaml:"level" validate:"min=1,max=2"`
	Prefix    netip.Prefix `yaml:"prefix,omitempty"`
	Metric    uint32       `yaml:"metric,omitempty"`
	External  bool         `yaml:"external,omitempty"`
	Sid       *uint32      `yaml:"sid,omitempty"`
	Interface string       `yaml:"interface,omitempty"`
	// From is the level a leaked prefix is taken from, the change floods at Level.
	From     Level `yaml:"from,omitempty"`
	Overload bool  `yaml:"overload,omitempty"`
	Up       bool  `yaml:"up,omitempty"`
}

func (c ChangeCfg) action() AdvertAction {
	switch c.Action {
	case "remove":
		return Removed
	case "update":
		return Updated
	}
	return Added
}

// Advert builds the change descriptor for the action.
func (c ChangeCfg) Advert() (Advert, error) {
	if !c.Level.Valid() {
		return Advert{}, fmt.Errorf("%w: %d", ErrInvalidLevel, c.Level)
	}
	var flags PrefixFlags
	if c.External {
		flags |= PrefixExternal
	}
	switch c.Kind {
	case "prefix":
		if !c.Prefix.IsValid() {
			return Advert{}, fmt.Errorf("prefix change on %s without a prefix", c.Node)
		}
		return NewPrefixAdvert(c.action(), c.Level, PrefixAdvert{
			Prefix:   c.Prefix.Masked(),
			Metric:   c.Metric,
			Flags:    flags,
			Hosting:  c.Node,
			SidIndex: c.Sid,
		}), nil
	case "leak":
		if !c.Prefix.IsValid() {
			return Advert{}, fmt.Errorf("leak on %s without a prefix", c.Node)
		}
		if !c.From.Valid() || c.From == c.Level {
			return Advert{}, fmt.Errorf("cannot leak %s from %s to %s", c.Prefix, c.From, c.Level)
		}
		return NewLeakAdvert(c.action(), LeakAdvert{
			Prefix:  c.Prefix.Masked(),
			Hosting: c.Node,
			From:    c.From,
			To:      c.Level,
		}), nil
	case "metric":
		if c.Interface == "" {
			return Advert{}, fmt.Errorf("metric change on %s without an interface", c.Node)
		}
		if c.Metric > MaxLinkMetric {
			return Advert{}, fmt.Errorf("metric %d exceeds %d", c.Metric, MaxLinkMetric)
		}
		return NewLinkMetricAdvert(c.Level, LinkMetricAdvert{Node: c.Node, IfName: c.Interface, Metric: c.Metric}), nil
	case "overload":
		return NewOverloadAdvert(c.Level, OverloadAdvert{Node: c.Node, Overloaded: c.Overload}), nil
	case "link":
		if c.Interface == "" {
			return Advert{}, fmt.Errorf("link change on %s without an interface", c.Node)
		}
		return NewLinkStatusAdvert(c.Level, LinkStatusAdvert{Node: c.Node, IfName: c.Interface, Up: c.Up}), nil
	}
	return Advert{}, fmt.Errorf("unknown change kind %q", c.Kind)
}

func levelMask(levels []Level) LevelMask {
	if len(levels) == 0 {
		return MaskL12
	}
	return MaskOf(levels...)
}

func (l LinkCfg) metrics(def uint32) [MaxLevel]uint32 {
	var m [MaxLevel]uint32
	base := l.Metric
	if base == 0 {
		base = def
	}
	m[Level1], m[Level2] = base, base
	if l.L1Metric != nil {
		m[Level1] = *l.L1Metric
	}
	if l.L2Metric != nil {
		m[Level2] = *l.L2Metric
	}
	return m
}

// addressPool hands out point to point subnets from the configured auto address block.
type addressPool struct {
	next netip.Addr
	base netip.Prefix
}

func (p *addressPool) take() (netip.Prefix, netip.Prefix, bool) {
	if !p.base.IsValid() {
		return netip.Prefix{}, netip.Prefix{}, false
	}
	if !p.next.IsValid() {
		p.next = p.base.Masked().Addr()
	}
	bits := DefaultInterfacePrefixLen
	if p.next.Is6() {
		bits = 126
	}
	subnet := netip.PrefixFrom(p.next, bits).Masked()
	a := subnet.Addr().Next()
	b := a.Next()
	if !p.base.Contains(b) {
		return netip.Prefix{}, netip.Prefix{}, false
	}
	// step to the next subnet boundary
	n := subnet.Addr()
	for range 1 << (n.BitLen() - bits) {
		n = n.Next()
	}
	p.next = n
	return netip.PrefixFrom(a, bits), netip.PrefixFrom(b, bits), true
}

func (t *Topology) freeInterface(n *Node) string {
	for i := t.interfaceCount(n); ; i++ {
		name := fmt.Sprintf("eth%d", i)
		if t.EdgeByInterface(n.handle, name) == NoEdge {
			return name
		}
	}
}

// Build validates the configuration and creates the topology it describes.
func (cfg *TopologyCfg) Build() (*Topology, error) {
	if err := TopologyConfigValidator(cfg); err != nil {
		return nil, err
	}
	def := cfg.DefaultMetric
	if def == 0 {
		def = DefaultLinkMetric
	}
	t := NewTopology()
	for _, nc := range cfg.Nodes {
		n, err := t.AddNode(nc.Id, nc.RouterId)
		if err != nil {
			return nil, err
		}
		n.Area = nc.Area
		n.Attached = nc.Attached
		n.IgnoreAttached = nc.IgnoreAttached
		n.Backup = nc.Backup
		n.Ldp = nc.Ldp
		n.Rsvp = nc.Rsvp
		n.Spring = nc.Spring
		for _, l := range nc.Pseudonode {
			if err := t.MarkPseudonode(nc.Id, l); err != nil {
				return nil, err
			}
		}
		for _, l := range nc.Overload {
			if err := t.SetOverload(nc.Id, l, true); err != nil {
				return nil, err
			}
		}
	}

	links := slices.Clone(cfg.Links)
	if len(cfg.Graph) != 0 {
		names := make([]string, 0, len(cfg.Nodes))
		for _, nc := range cfg.Nodes {
			names = append(names, string(nc.Id))
		}
		pairs, err := ParseGraph(cfg.Graph, names)
		if err != nil {
			return nil, err
		}
		for _, p := range pairs {
			links = append(links, LinkCfg{A: p.V1, B: p.V2, Metric: def, Levels: cfg.GraphLevels})
		}
	}

	pool := &addressPool{base: cfg.AutoAddress}
	for _, lc := range links {
		if err := t.connectCfg(lc, def, pool); err != nil {
			return nil, fmt.Errorf("link %s-%s: %w", lc.A, lc.B, err)
		}
	}

	for _, nc := range cfg.Nodes {
		for _, pc := range nc.Prefixes {
			var flags PrefixFlags
			if pc.External {
				flags |= PrefixExternal
			}
			_, err := t.AttachPrefix(nc.Id, Prefix{
				Prefix:   pc.Prefix,
				Metric:   pc.Metric,
				Flags:    flags,
				Level:    pc.Level,
				SidIndex: pc.Sid,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	for _, lsp := range cfg.Lsps {
		if _, err := t.AddLspAdjacency(lsp.Head, lsp.Name, lsp.Metric, lsp.Tail, lsp.Level); err != nil {
			return nil, err
		}
	}

	for _, sr := range cfg.StaticRoutes {
		n, err := t.MustNode(sr.Node)
		if err != nil {
			return nil, err
		}
		n.StaticRoutes = append(n.StaticRoutes, StaticRoute{
			Prefix:  sr.Prefix.Masked(),
			Gateway: sr.Gateway,
			IfName:  sr.Interface,
			Metric:  sr.Metric,
		})
	}

	if cfg.Root != "" {
		if err := t.SetRoot(cfg.Root); err != nil {
			return nil, err
		}
	} else if t.Len() > 0 {
		t.root = 0
	}
	return t, nil
}

func (t *Topology) connectCfg(lc LinkCfg, def uint32, pool *addressPool) error {
	a, err := t.MustNode(lc.A)
	if err != nil {
		return err
	}
	b, err := t.MustNode(lc.B)
	if err != nil {
		return err
	}
	spec := LinkSpec{
		From:     lc.A,
		To:       lc.B,
		FromIf:   lc.AIf,
		ToIf:     lc.BIf,
		FromAddr: lc.AAddr,
		ToAddr:   lc.BAddr,
		Metric:   lc.metrics(def),
		Levels:   levelMask(lc.Levels),
	}
	if spec.FromIf == "" {
		spec.FromIf = t.freeInterface(a)
	}
	if spec.ToIf == "" {
		spec.ToIf = t.freeInterface(b)
	}
	if !spec.FromAddr.IsValid() && !spec.ToAddr.IsValid() {
		if fa, ta, ok := pool.take(); ok {
			spec.FromAddr, spec.ToAddr = fa, ta
		}
	}
	ab, ba, err := t.Connect(spec)
	if err != nil {
		return err
	}
	// the hop out of a pseudonode is free, its cost is carried by the hop into the LAN
	for _, l := range spec.Levels.Levels() {
		if a.IsPseudonode(l) {
			if err := t.SetEdgeMetric(ab, l, 0); err != nil {
				return err
			}
		}
		if b.IsPseudonode(l) {
			if err := t.SetEdgeMetric(ba, l, 0); err != nil {
				return err
			}
		}
	}
	for _, side := range []struct {
		node       NodeId
		ifName     string
		protection string
		noBackup   bool
	}{
		{lc.A, spec.FromIf, lc.AProtection, lc.ANoBackup},
		{lc.B, spec.ToIf, lc.BProtection, lc.BNoBackup},
	} {
		p, err := ParseProtection(side.protection)
		if err != nil {
			return err
		}
		if err := t.SetInterfaceProtection(side.node, side.ifName, p, side.noBackup); err != nil {
			return err
		}
	}
	if lc.Down {
		return t.SetEdgeStatus(ab, false)
	}
	return nil
}

func ParseTopology(data []byte) (*TopologyCfg, error) {
	cfg := &TopologyCfg{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTopology reads and validates a topology file.
func LoadTopology(path string) (*TopologyCfg, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseTopology(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := TopologyConfigValidator(cfg); err != nil {
		return nil, fmt.Errorf("invalid topology %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *TopologyCfg) Marshal() ([]byte, error) {
	return yaml.Marshal(cfg)
}

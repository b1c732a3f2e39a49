package state

import (
	"fmt"
	"net/netip"
	"slices"
)

type NodeId string

type NodeHandle int32

const NoNode NodeHandle = -1

type NodeKind uint8

const (
	Router NodeKind = iota
	Pseudonode
)

func (k NodeKind) String() string {
	if k == Pseudonode {
		return "pseudonode"
	}
	return "router"
}

type NodeAttr uint8

const (
	AttrOverload NodeAttr = 1 << iota
)

type BackupOptions struct {
	Enabled         bool `yaml:"enabled,omitempty"`
	RemoteBackup    bool `yaml:"remote_backup,omitempty"`
	LinkDegradation bool `yaml:"link_degradation,omitempty"`
}

// Protection is the kind of backup an interface asks for on the primary paths leaving over it.
type Protection uint8

const (
	ProtectLink Protection = iota
	// ProtectNodeLink only accepts alternates that avoid the primary next hop router.
	ProtectNodeLink
	ProtectNone
)

func (p Protection) String() string {
	switch p {
	case ProtectLink:
		return "link"
	case ProtectNodeLink:
		return "node-link"
	case ProtectNone:
		return "none"
	}
	return fmt.Sprintf("PROTECTION(%d)", uint8(p))
}

// ParseProtection reads a protection name. The empty name is link protection.
func ParseProtection(s string) (Protection, error) {
	switch s {
	case "", "link":
		return ProtectLink, nil
	case "node-link":
		return ProtectNodeLink, nil
	case "none":
		return ProtectNone, nil
	}
	return 0, fmt.Errorf("unknown protection %q", s)
}

type LdpCfg struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

type RsvpCfg struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// SpringCfg is the segment routing block of a node.
type SpringCfg struct {
	SrgbBase  uint32 `yaml:"srgb_base" validate:"required,min=16"`
	SrgbRange uint32 `yaml:"srgb_range" validate:"required,min=1"`
}

func (s *SpringCfg) Label(index uint32) (uint32, bool) {
	if s == nil || index >= s.SrgbRange {
		return 0, false
	}
	return s.SrgbBase + index, true
}

type Node struct {
	Id       NodeId
	RouterId netip.Addr
	Area     string
	Kind     [MaxLevel]NodeKind
	Attr     [MaxLevel]NodeAttr
	// Ends are the edge-end slots bound to this node, both outgoing and incoming.
	Ends     []EndHandle
	Prefixes [MaxLevel][]*Prefix

	// Attached marks an L1L2 router that advertises the attached bit into level 1.
	Attached       bool
	IgnoreAttached bool
	Backup         BackupOptions
	Ldp            LdpCfg
	Rsvp           RsvpCfg
	Spring         *SpringCfg
	StaticRoutes   []StaticRoute

	handle NodeHandle
}

// StaticRoute is installed into the node's unicast table as is and never swept by an IGP pass.
type StaticRoute struct {
	Prefix  netip.Prefix
	Gateway netip.Addr
	IfName  string
	Metric  uint32
}

func (n *Node) Handle() NodeHandle {
	return n.handle
}

func (n *Node) IsPseudonode(level Level) bool {
	return level.Valid() && n.Kind[level] == Pseudonode
}

func (n *Node) IsOverloaded(level Level) bool {
	return level.Valid() && n.Attr[level]&AttrOverload != 0
}

func (n *Node) LocalPrefix(level Level, pfx netip.Prefix) *Prefix {
	if !level.Valid() {
		return nil
	}
	pfx = pfx.Masked()
	idx := slices.IndexFunc(n.Prefixes[level], func(p *Prefix) bool {
		return p.Prefix == pfx
	})
	if idx == -1 {
		return nil
	}
	return n.Prefixes[level][idx]
}

func (n *Node) String() string {
	return string(n.Id)
}

type PrefixFlags uint8

const (
	PrefixExternal PrefixFlags = 1 << iota
	// PrefixUpDown is set on prefixes leaked from level 2 into level 1, they never leak back up.
	PrefixUpDown
	// PrefixInterface is set on subnets attached from an interface address.
	PrefixInterface
)

func (f PrefixFlags) Has(x PrefixFlags) bool {
	return f&x != 0
}

// Prefix is reachability attached to a node at a level.
type Prefix struct {
	Prefix   netip.Prefix
	Metric   uint32
	Flags    PrefixFlags
	Level    Level
	Hosting  NodeHandle
	SidIndex *uint32
}

func (p *Prefix) String() string {
	return fmt.Sprintf("%s metric %d %s", p.Prefix, p.Metric, p.Level)
}

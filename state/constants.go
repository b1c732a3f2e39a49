package state

import "time"

const (
	InfiniteMetric = ^(uint32)(0)
	// MaxLinkMetric is the largest metric that may be configured on a link.
	MaxLinkMetric = uint32(1<<24 - 1)
	// MaxLevel sizes per-level arrays, indexed directly by Level.
	MaxLevel = 3

	ImplicitNullLabel = uint32(3)
	// LdpLabelBase and LdpLabelRange bound the labels handed out by simulated LDP sessions.
	LdpLabelBase  = uint32(299776)
	LdpLabelRange = uint32(1 << 19)
)

var (
	// MaxNextHops is the ECMP width, the number of equal cost next hops kept per next-hop class.
	MaxNextHops               = 4
	MaxIntfSlots              = 64
	DefaultLocalPrefixMetric  = uint32(0)
	DefaultLinkMetric         = uint32(10)
	DefaultInterfacePrefixLen = 30

	// LspLifetime is the remaining lifetime given to an LSP entry in a node's link state database.
	LspLifetime = 1200 * time.Second
	// TraceCacheTTL bounds how long a traceroute result is reused.
	TraceCacheTTL = 30 * time.Second
)

package state

import (
	"fmt"
	"net/netip"
)

type AdvertKind uint8

const (
	PrefixAddRemove AdvertKind = iota
	PrefixLeak
	LinkMetricChange
	OverloadChange
	LinkStatusChange
)

func (k AdvertKind) String() string {
	switch k {
	case PrefixAddRemove:
		return "PREFIX_ADD_REMOVE"
	case PrefixLeak:
		return "PREFIX_LEAK"
	case LinkMetricChange:
		return "LINK_METRIC_CHANGE"
	case OverloadChange:
		return "OVERLOAD"
	case LinkStatusChange:
		return "LINK_STATUS"
	}
	return fmt.Sprintf("ADVERT(%d)", uint8(k))
}

// PrefixOnly reports whether the change only touches leaf reachability.
func (k AdvertKind) PrefixOnly() bool {
	return k == PrefixAddRemove || k == PrefixLeak
}

type AdvertAction uint8

const (
	Added AdvertAction = iota
	Removed
	Updated
)

func (a AdvertAction) String() string {
	switch a {
	case Added:
		return "ADDED"
	case Removed:
		return "REMOVED"
	case Updated:
		return "UPDATED"
	}
	return fmt.Sprintf("ACTION(%d)", uint8(a))
}

// AdvertPayload is the kind specific body of an Advert.
type AdvertPayload interface {
	advertKind() AdvertKind
}

type PrefixAdvert struct {
	Prefix   netip.Prefix
	Metric   uint32
	Flags    PrefixFlags
	Hosting  NodeId
	SidIndex *uint32
}

func (PrefixAdvert) advertKind() AdvertKind { return PrefixAddRemove }

type LeakAdvert struct {
	Prefix  netip.Prefix
	Hosting NodeId
	From    Level
	To      Level
	// Metric and Flags are filled in by the originator from the leaked copy.
	Metric uint32
	Flags  PrefixFlags
}

func (LeakAdvert) advertKind() AdvertKind { return PrefixLeak }

type LinkMetricAdvert struct {
	Node   NodeId
	IfName string
	Metric uint32
}

func (LinkMetricAdvert) advertKind() AdvertKind { return LinkMetricChange }

type OverloadAdvert struct {
	Node       NodeId
	Overloaded bool
}

func (OverloadAdvert) advertKind() AdvertKind { return OverloadChange }

// LinkStatusAdvert brings the link behind an interface of Node up or down.
type LinkStatusAdvert struct {
	Node   NodeId
	IfName string
	Up     bool
}

func (LinkStatusAdvert) advertKind() AdvertKind { return LinkStatusChange }

// Advert describes a configuration or topology change. It is built by a configuration action, consumed
// once per node by a single flooding pass and never persisted.
type Advert struct {
	Kind    AdvertKind
	Action  AdvertAction
	Level   Level
	Origin  NodeId
	Seqno   uint32
	Payload AdvertPayload
}

func NewPrefixAdvert(action AdvertAction, level Level, p PrefixAdvert) Advert {
	return Advert{Kind: PrefixAddRemove, Action: action, Level: level, Origin: p.Hosting, Payload: p}
}

func NewLeakAdvert(action AdvertAction, p LeakAdvert) Advert {
	return Advert{Kind: PrefixLeak, Action: action, Level: p.To, Origin: p.Hosting, Payload: p}
}

func NewLinkMetricAdvert(level Level, p LinkMetricAdvert) Advert {
	return Advert{Kind: LinkMetricChange, Action: Updated, Level: level, Origin: p.Node, Payload: p}
}

func NewOverloadAdvert(level Level, p OverloadAdvert) Advert {
	action := Removed
	if p.Overloaded {
		action = Added
	}
	return Advert{Kind: OverloadChange, Action: action, Level: level, Origin: p.Node, Payload: p}
}

func NewLinkStatusAdvert(level Level, p LinkStatusAdvert) Advert {
	action := Removed
	if p.Up {
		action = Added
	}
	return Advert{Kind: LinkStatusChange, Action: action, Level: level, Origin: p.Node, Payload: p}
}

// Validate checks the descriptor is well formed. A malformed descriptor is a structural violation.
func (a Advert) Validate() error {
	if !a.Level.Valid() {
		return Structural(MalformedAdvert, a.Origin, "invalid distribution level %d", a.Level)
	}
	if a.Action > Updated {
		return Structural(MalformedAdvert, a.Origin, "invalid action %s", a.Action)
	}
	if a.Payload == nil {
		return Structural(MalformedAdvert, a.Origin, "%s has no payload", a.Kind)
	}
	if a.Payload.advertKind() != a.Kind {
		return Structural(MalformedAdvert, a.Origin, "%s carries a %s payload", a.Kind, a.Payload.advertKind())
	}
	switch p := a.Payload.(type) {
	case PrefixAdvert:
		if !p.Prefix.IsValid() {
			return Structural(MalformedAdvert, a.Origin, "invalid prefix")
		}
		if p.Hosting != a.Origin {
			return Structural(MalformedAdvert, a.Origin, "prefix %s hosted by %s", p.Prefix, p.Hosting)
		}
	case LeakAdvert:
		if !p.Prefix.IsValid() {
			return Structural(MalformedAdvert, a.Origin, "invalid prefix")
		}
		if !p.From.Valid() || !p.To.Valid() || p.From == p.To || p.To != a.Level {
			return Structural(MalformedAdvert, a.Origin, "leak %s -> %s at %s", p.From, p.To, a.Level)
		}
	case LinkMetricAdvert:
		if p.IfName == "" || p.Node != a.Origin {
			return Structural(MalformedAdvert, a.Origin, "metric change without interface")
		}
	case OverloadAdvert:
		if p.Node != a.Origin {
			return Structural(MalformedAdvert, a.Origin, "overload for %s", p.Node)
		}
	case LinkStatusAdvert:
		if p.IfName == "" || p.Node != a.Origin {
			return Structural(MalformedAdvert, a.Origin, "link status change without interface")
		}
	}
	return nil
}

func (a Advert) String() string {
	return fmt.Sprintf("%s %s %s from %s seq %d", a.Kind, a.Action, a.Level, a.Origin, a.Seqno)
}

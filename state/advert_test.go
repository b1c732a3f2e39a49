package state

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdvert_Validate(t *testing.T) {
	pfx := netip.MustParsePrefix("10.0.0.0/8")
	good := NewPrefixAdvert(Added, Level1, PrefixAdvert{Prefix: pfx, Hosting: "a"})
	assert.NoError(t, good.Validate())

	cases := map[string]Advert{
		"bad level":   NewPrefixAdvert(Added, 3, PrefixAdvert{Prefix: pfx, Hosting: "a"}),
		"no payload":  {Kind: PrefixAddRemove, Level: Level1, Origin: "a"},
		"wrong body":  {Kind: LinkMetricChange, Level: Level1, Origin: "a", Payload: PrefixAdvert{Prefix: pfx, Hosting: "a"}},
		"no prefix":   NewPrefixAdvert(Added, Level1, PrefixAdvert{Hosting: "a"}),
		"same levels": NewLeakAdvert(Added, LeakAdvert{Prefix: pfx, Hosting: "a", From: Level2, To: Level2}),
		"no iface":    NewLinkMetricAdvert(Level1, LinkMetricAdvert{Node: "a", Metric: 3}),
		"no link":     NewLinkStatusAdvert(Level1, LinkStatusAdvert{Node: "a"}),
		"other node":  {Kind: LinkStatusChange, Level: Level1, Origin: "b", Payload: LinkStatusAdvert{Node: "a", IfName: "eth0"}},
	}
	for name, adv := range cases {
		err := adv.Validate()
		assert.ErrorIs(t, err, ErrStructural, name)
		var se *StructuralError
		if assert.ErrorAs(t, err, &se, name) {
			assert.Equal(t, MalformedAdvert, se.Kind, name)
		}
	}
}

func TestAdvertKind_PrefixOnly(t *testing.T) {
	assert.True(t, PrefixAddRemove.PrefixOnly())
	assert.True(t, PrefixLeak.PrefixOnly())
	assert.False(t, LinkMetricChange.PrefixOnly())
	assert.False(t, OverloadChange.PrefixOnly())
}

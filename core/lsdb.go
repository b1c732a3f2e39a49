package core

import (
	"net/netip"

	"github.com/encodeous/spfsim/state"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jellydator/ttlcache/v3"
)

// LsdbKey identifies what a change descriptor is about, independent of its sequence number.
type LsdbKey struct {
	Origin  state.NodeId
	Level   state.Level
	Kind    state.AdvertKind
	Prefix  netip.Prefix
	Subject string
}

func keyOf(adv state.Advert) LsdbKey {
	k := LsdbKey{Origin: adv.Origin, Level: adv.Level, Kind: adv.Kind}
	switch p := adv.Payload.(type) {
	case state.PrefixAdvert:
		k.Prefix = p.Prefix
	case state.LeakAdvert:
		k.Prefix = p.Prefix
		k.Subject = p.From.String()
	case state.LinkMetricAdvert:
		k.Subject = p.IfName
	case state.LinkStatusAdvert:
		k.Subject = p.IfName
	}
	return k
}

// LsdbEntry is the newest copy of a change a router holds.
type LsdbEntry struct {
	Seqno  uint32
	Action state.AdvertAction
	Advert state.Advert
}

// LSDB is the link state database of one simulated router. Entries age out after state.LspLifetime.
type LSDB struct {
	entries *ttlcache.Cache[LsdbKey, LsdbEntry]
}

func NewLSDB() *LSDB {
	return &LSDB{
		entries: ttlcache.New[LsdbKey, LsdbEntry](
			ttlcache.WithTTL[LsdbKey, LsdbEntry](state.LspLifetime),
			ttlcache.WithDisableTouchOnHit[LsdbKey, LsdbEntry](),
		),
	}
}

// Accept records the change unless an equal or newer copy is already held.
func (db *LSDB) Accept(adv state.Advert) bool {
	key := keyOf(adv)
	if old := db.entries.Get(key); old != nil && old.Value().Seqno >= adv.Seqno {
		return false
	}
	db.entries.Set(key, LsdbEntry{Seqno: adv.Seqno, Action: adv.Action, Advert: adv}, ttlcache.DefaultTTL)
	return true
}

var sameContent = []cmp.Option{
	cmpopts.IgnoreFields(state.Advert{}, "Seqno"),
	cmpopts.EquateComparable(netip.Prefix{}),
}

// Holds returns the sequence number of the copy held for the change when that copy says the same
// thing.
func (db *LSDB) Holds(adv state.Advert) (uint32, bool) {
	old, ok := db.Get(keyOf(adv))
	if !ok || !cmp.Equal(old.Advert, adv, sameContent...) {
		return 0, false
	}
	return old.Seqno, true
}

func (db *LSDB) Get(key LsdbKey) (LsdbEntry, bool) {
	item := db.entries.Get(key)
	if item == nil {
		return LsdbEntry{}, false
	}
	return item.Value(), true
}

func (db *LSDB) Len() int {
	return db.entries.Len()
}

// Entries returns a snapshot of the database.
func (db *LSDB) Entries() map[LsdbKey]LsdbEntry {
	out := make(map[LsdbKey]LsdbEntry)
	for k, item := range db.entries.Items() {
		out[k] = item.Value()
	}
	return out
}

// Expire drops aged out entries.
func (db *LSDB) Expire() {
	db.entries.DeleteExpired()
}

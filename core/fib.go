package core

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"maps"
	"net/netip"
	"slices"

	"github.com/gaissmai/bart"
)

type TableId uint8

const (
	// Inet0 is the unicast IP table.
	Inet0 TableId = iota
	// Inet3 holds IP destinations reachable over label switched paths.
	Inet3
	// Mpls0 is the label switching table keyed by incoming label.
	Mpls0
)

func (t TableId) String() string {
	switch t {
	case Inet0:
		return "inet.0"
	case Inet3:
		return "inet.3"
	case Mpls0:
		return "mpls.0"
	}
	return fmt.Sprintf("table(%d)", uint8(t))
}

type Protocol uint8

const (
	// ProtoAny selects the preferred entry on lookup.
	ProtoAny Protocol = iota
	ProtoDirect
	ProtoStatic
	ProtoIsisL1
	ProtoIsisL2
)

func (p Protocol) String() string {
	switch p {
	case ProtoDirect:
		return "Direct"
	case ProtoStatic:
		return "Static"
	case ProtoIsisL1:
		return "IS-IS L1"
	case ProtoIsisL2:
		return "IS-IS L2"
	}
	return "Any"
}

// Preference orders entries for the same destination, lower wins.
func (p Protocol) Preference() int {
	switch p {
	case ProtoDirect:
		return 0
	case ProtoStatic:
		return 5
	case ProtoIsisL1:
		return 15
	case ProtoIsisL2:
		return 18
	}
	return 255
}

var (
	ErrDuplicateLabel = errors.New("label already bound to another destination")
	ErrInvalidKey     = errors.New("invalid table key")
)

type TableKey struct {
	Prefix   netip.Prefix
	Label    uint32
	Protocol Protocol
}

type FibEntry struct {
	Prefix   netip.Prefix
	Label    uint32
	Protocol Protocol
	Metric   uint32
	NextHops []NextHop
	// Local entries terminate at this router.
	Local bool
}

// ForwardingStore is the black box keyed map route synthesis installs into.
type ForwardingStore interface {
	Install(table TableId, key TableKey, entry FibEntry) error
	Lookup(table TableId, key TableKey) (FibEntry, bool)
	Delete(table TableId, key TableKey) error
}

// fibSlot holds the entries of every protocol for one prefix.
type fibSlot struct {
	entries map[Protocol]FibEntry
}

func (s *fibSlot) best() (FibEntry, bool) {
	var out FibEntry
	found := false
	for p, e := range s.entries {
		if !found || p.Preference() < out.Protocol.Preference() {
			out, found = e, true
		}
	}
	return out, found
}

// FIB is the forwarding state of one simulated router.
type FIB struct {
	inet0 bart.Table[*fibSlot]
	inet3 bart.Table[*fibSlot]
	mpls  map[uint32]FibEntry
}

func NewFIB() *FIB {
	return &FIB{mpls: make(map[uint32]FibEntry)}
}

func (f *FIB) ipTable(table TableId) *bart.Table[*fibSlot] {
	switch table {
	case Inet0:
		return &f.inet0
	case Inet3:
		return &f.inet3
	}
	return nil
}

func (f *FIB) Install(table TableId, key TableKey, entry FibEntry) error {
	entry.NextHops = slices.Clone(entry.NextHops)
	if table == Mpls0 {
		if key.Label == 0 {
			return fmt.Errorf("%w: %s without label", ErrInvalidKey, table)
		}
		if old, ok := f.mpls[key.Label]; ok && old.Prefix != entry.Prefix {
			return fmt.Errorf("%w: %d owned by %s, wanted by %s", ErrDuplicateLabel, key.Label, old.Prefix, entry.Prefix)
		}
		entry.Label = key.Label
		f.mpls[key.Label] = entry
		return nil
	}
	tbl := f.ipTable(table)
	if tbl == nil || !key.Prefix.IsValid() || key.Protocol == ProtoAny {
		return fmt.Errorf("%w: %s %s %s", ErrInvalidKey, table, key.Prefix, key.Protocol)
	}
	pfx := key.Prefix.Masked()
	entry.Prefix = pfx
	entry.Protocol = key.Protocol
	slot, ok := tbl.Get(pfx)
	if !ok {
		slot = &fibSlot{entries: make(map[Protocol]FibEntry)}
		tbl.Insert(pfx, slot)
	}
	slot.entries[key.Protocol] = entry
	return nil
}

func (f *FIB) Lookup(table TableId, key TableKey) (FibEntry, bool) {
	if table == Mpls0 {
		e, ok := f.mpls[key.Label]
		return e, ok
	}
	tbl := f.ipTable(table)
	if tbl == nil || !key.Prefix.IsValid() {
		return FibEntry{}, false
	}
	slot, ok := tbl.Get(key.Prefix.Masked())
	if !ok {
		return FibEntry{}, false
	}
	if key.Protocol == ProtoAny {
		return slot.best()
	}
	e, ok := slot.entries[key.Protocol]
	return e, ok
}

func (f *FIB) Delete(table TableId, key TableKey) error {
	if table == Mpls0 {
		delete(f.mpls, key.Label)
		return nil
	}
	tbl := f.ipTable(table)
	if tbl == nil || !key.Prefix.IsValid() {
		return fmt.Errorf("%w: %s %s", ErrInvalidKey, table, key.Prefix)
	}
	pfx := key.Prefix.Masked()
	slot, ok := tbl.Get(pfx)
	if !ok {
		return nil
	}
	if key.Protocol == ProtoAny {
		clear(slot.entries)
	} else {
		delete(slot.entries, key.Protocol)
	}
	if len(slot.entries) == 0 {
		tbl.Delete(pfx)
	}
	return nil
}

// Longest returns the preferred entry of the longest prefix covering addr.
func (f *FIB) Longest(table TableId, addr netip.Addr) (FibEntry, bool) {
	tbl := f.ipTable(table)
	if tbl == nil {
		return FibEntry{}, false
	}
	slot, ok := tbl.Lookup(addr)
	if !ok {
		return FibEntry{}, false
	}
	return slot.best()
}

// Entries iterates a table in prefix or label order. IP tables yield every protocol of a prefix, the
// preferred one first.
func (f *FIB) Entries(table TableId) iter.Seq[FibEntry] {
	return func(yield func(FibEntry) bool) {
		if table == Mpls0 {
			for _, l := range slices.Sorted(maps.Keys(f.mpls)) {
				if !yield(f.mpls[l]) {
					return
				}
			}
			return
		}
		tbl := f.ipTable(table)
		if tbl == nil {
			return
		}
		for _, slot := range tbl.AllSorted() {
			entries := slices.SortedFunc(maps.Values(slot.entries), func(a, b FibEntry) int {
				return cmp.Compare(a.Protocol.Preference(), b.Protocol.Preference())
			})
			for _, e := range entries {
				if !yield(e) {
					return
				}
			}
		}
	}
}

func (f *FIB) Len(table TableId) int {
	if table == Mpls0 {
		return len(f.mpls)
	}
	if tbl := f.ipTable(table); tbl != nil {
		n := 0
		for _, slot := range tbl.All() {
			n += len(slot.entries)
		}
		return n
	}
	return 0
}

package core

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/encodeous/spfsim/perf"
	"github.com/encodeous/spfsim/state"
)

// ErrStaleRun is returned when a partial run is requested on a tree older than the topology.
var ErrStaleRun = errors.New("run is older than the topology")

// ChangedPrefixes returns the prefixes a leaf-only change touches, nil for changes that are not leaf-only.
func ChangedPrefixes(adv state.Advert) []netip.Prefix {
	switch p := adv.Payload.(type) {
	case state.PrefixAdvert:
		return []netip.Prefix{p.Prefix.Masked()}
	case state.LeakAdvert:
		return []netip.Prefix{p.Prefix.Masked()}
	}
	return nil
}

// CanPartial reports whether a change may be handled by a partial run on top of prev. Only prefix
// changes qualify, and only while the tree of prev still matches the topology.
func (e *Engine) CanPartial(prev *SpfRun, adv state.Advert) bool {
	return prev != nil &&
		!prev.Inverse &&
		adv.Kind.PrefixOnly() &&
		adv.Level == prev.Level &&
		prev.Generation == e.topo.Generation() &&
		len(ChangedPrefixes(adv)) > 0
}

// Partial reuses the node distances and next hops of prev. Prefix reachability is rebuilt from them by
// the synthesis pass that follows, so the tree itself is not walked again.
func (e *Engine) Partial(prev *SpfRun, prefixes []netip.Prefix) (*SpfRun, error) {
	if prev == nil || prev.Inverse {
		return nil, fmt.Errorf("%w: no settled tree", ErrStaleRun)
	}
	if prev.Generation != e.topo.Generation() {
		return nil, fmt.Errorf("%w: generation %d, topology at %d", ErrStaleRun, prev.Generation, e.topo.Generation())
	}
	release, err := e.ws.acquire(0)
	if err != nil {
		e.stats.Rejected++
		e.obs.Log(RunRejected, "partial run rejected", "root", e.topo.Node(prev.Root).Id, "level", prev.Level)
		return nil, err
	}
	defer release()

	start := time.Now()
	e.stats.Version++
	run := &SpfRun{
		Root:       prev.Root,
		Level:      prev.Level,
		Version:    e.stats.Version,
		Generation: prev.Generation,
		results:    prev.results,
		order:      prev.order,
	}
	run.Duration = time.Since(start)
	e.stats.Partial++
	perf.PrcLatency.Add(float64(run.Duration.Microseconds()))
	e.metrics.ObserveRun(prev.Level.String(), "partial", 0, run.Duration)
	e.obs.Log(PartialRun, "partial run", "root", e.topo.Node(prev.Root).Id, "level", prev.Level, "prefixes", prefixes, "version", run.Version)
	return run, nil
}

package cmd

import (
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/encodeous/spfsim/core"
	"github.com/encodeous/spfsim/state"
	"github.com/olekukonko/tablewriter"
)

// loadInstance builds the simulated network of the topology file without computing anything.
func loadInstance(opts ...core.Option) (*state.TopologyCfg, *core.Instance, error) {
	cfg, err := state.LoadTopology(topologyPath)
	if err != nil {
		return nil, nil, err
	}
	topo, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	trace, err := core.ParseTraceOptions(traceNames)
	if err != nil {
		return nil, nil, err
	}
	base := []core.Option{
		core.WithLogger(logger),
		core.WithObserver(core.NewSlogObserver(logger, trace)),
	}
	in, err := core.NewInstance(topo, append(base, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	return cfg, in, nil
}

// convergedInstance loads the topology and converges every router, optionally playing the scripted
// changes on top.
func convergedInstance(script bool, opts ...core.Option) (*core.Instance, []*core.ChangeReport, error) {
	cfg, in, err := loadInstance(opts...)
	if err != nil {
		return nil, nil, err
	}
	if _, err := in.Converge(); err != nil {
		return nil, nil, err
	}
	if !script {
		return in, nil, nil
	}
	reports, err := applyScript(in, cfg.Changes)
	return in, reports, err
}

func applyScript(in *core.Instance, changes []state.ChangeCfg) ([]*core.ChangeReport, error) {
	reports := make([]*core.ChangeReport, 0, len(changes))
	for i, c := range changes {
		adv, err := c.Advert()
		if err != nil {
			return reports, fmt.Errorf("change %d: %w", i, err)
		}
		report, err := in.ApplyChange(c.Node, c.Level, adv)
		if err != nil {
			return reports, fmt.Errorf("change %d (%s): %w", i, adv, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func parseLevel(s string) (state.Level, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(s), "l"))
	if err != nil || !state.Level(n).Valid() {
		return 0, fmt.Errorf("%w: %s", state.ErrInvalidLevel, s)
	}
	return state.Level(n), nil
}

// levelsOf returns the requested level, or every level when none was given.
func levelsOf(s string) ([]state.Level, error) {
	if s == "" {
		return state.Levels, nil
	}
	l, err := parseLevel(s)
	if err != nil {
		return nil, err
	}
	return []state.Level{l}, nil
}

func parseTable(s string) (core.TableId, error) {
	for _, t := range []core.TableId{core.Inet0, core.Inet3, core.Mpls0} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown table %q", s)
}

// parseAddr accepts an address or the id of a node, standing for its router id.
func parseAddr(in *core.Instance, s string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(s); err == nil {
		return a, nil
	}
	n, err := in.Topo.MustNode(state.NodeId(s))
	if err != nil {
		return netip.Addr{}, err
	}
	if !n.RouterId.IsValid() {
		return netip.Addr{}, fmt.Errorf("%s has no router id", s)
	}
	return n.RouterId, nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	return table
}

func nodeNames(topo *state.Topology, hs []state.NodeHandle) string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		if n := topo.Node(h); n != nil {
			out = append(out, string(n.Id))
		}
	}
	return strings.Join(out, ",")
}

func nextHops[T fmt.Stringer](hops []T) string {
	out := make([]string, 0, len(hops))
	for _, nh := range hops {
		out = append(out, nh.String())
	}
	return strings.Join(out, "; ")
}

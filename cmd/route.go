package cmd

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/encodeous/spfsim/core"
	"github.com/encodeous/spfsim/state"
	"github.com/spf13/cobra"
)

var (
	routeLevel  string
	routeFib    bool
	routeTable  string
	routeScript bool
)

var routeCmd = &cobra.Command{
	Use:     "route <node>",
	Aliases: []string{"r"},
	Short:   "Print the routing or forwarding tables of a router",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, _, err := convergedInstance(routeScript)
		if err != nil {
			return err
		}
		r, err := in.Router(state.NodeId(args[0]))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if routeFib {
			table, err := parseTable(routeTable)
			if err != nil {
				return err
			}
			t := newTable(out, "DESTINATION", "PROTOCOL", "METRIC", "LOCAL", "NEXT HOPS")
			for e := range r.FIB.Entries(table) {
				dest := e.Prefix.String()
				if table == core.Mpls0 {
					dest = fmt.Sprintf("%d (%s)", e.Label, e.Prefix)
				}
				t.Append([]string{
					dest,
					e.Protocol.String(),
					strconv.FormatUint(uint64(e.Metric), 10),
					strconv.FormatBool(e.Local),
					nextHops(e.NextHops),
				})
			}
			t.Render()
			fmt.Fprintf(out, "%s: %d entries\n", table, r.FIB.Len(table))
			return nil
		}

		levels, err := levelsOf(routeLevel)
		if err != nil {
			return err
		}
		t := newTable(out, "PREFIX", "LEVEL", "METRIC", "STATE", "ADVERTISERS", "FLAGS", "LABEL", "NEXT HOPS", "BACKUP")
		for _, l := range levels {
			rib := r.RIB(l)
			if rib == nil {
				continue
			}
			for rt := range rib.Routes() {
				label := ""
				if rt.InLabel != 0 {
					label = strconv.FormatUint(uint64(rt.InLabel), 10)
				}
				t.Append([]string{
					rt.Prefix.String(),
					rt.Level.String(),
					strconv.FormatUint(uint64(rt.Metric()), 10),
					rt.State.String(),
					nodeNames(in.Topo, rt.Advertisers),
					routeFlags(rt),
					label,
					nextHops(slices.Concat(rt.Primary[core.IPNH], rt.Primary[core.LSPNH])),
					nextHops(rt.Backup),
				})
			}
		}
		t.Render()
		return nil
	},
	GroupID: "sim",
}

func routeFlags(rt *core.Route) string {
	s := ""
	if rt.Local {
		s += "L"
	}
	if rt.External {
		s += "E"
	}
	if rt.UpDown {
		s += "D"
	}
	return s
}

func init() {
	rootCmd.AddCommand(routeCmd)
	routeCmd.Flags().StringVarP(&routeLevel, "level", "l", "", "only show this level")
	routeCmd.Flags().BoolVar(&routeFib, "fib", false, "show the forwarding table instead of the routing table")
	routeCmd.Flags().StringVar(&routeTable, "table", core.Inet0.String(), "forwarding table to show (inet.0, inet.3, mpls.0)")
	routeCmd.Flags().BoolVarP(&routeScript, "script", "s", false, "apply the scripted changes first")
}

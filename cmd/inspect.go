package cmd

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/encodeous/spfsim/core"
	"github.com/encodeous/spfsim/state"
	"github.com/spf13/cobra"
)

var (
	inspectLsdb   string
	inspectScript bool
)

var inspectCmd = &cobra.Command{
	Use:     "inspect",
	Aliases: []string{"i"},
	Short:   "Inspects the simulated network",
	Long:    `Prints the routers of the topology, the partitions of each level and optionally the link state database of a router.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, _, err := convergedInstance(inspectScript)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if inspectLsdb != "" {
			r, err := in.Router(state.NodeId(inspectLsdb))
			if err != nil {
				return err
			}
			entries := r.LSDB.Entries()
			keys := slices.SortedFunc(maps.Keys(entries), func(a, b core.LsdbKey) int {
				return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
			})
			t := newTable(out, "ORIGIN", "LEVEL", "KIND", "SUBJECT", "SEQ", "ACTION")
			for _, k := range keys {
				e := entries[k]
				subject := k.Subject
				if k.Prefix.IsValid() {
					subject = strings.TrimSpace(k.Prefix.String() + " " + subject)
				}
				t.Append([]string{string(k.Origin), k.Level.String(), k.Kind.String(), subject,
					strconv.FormatUint(uint64(e.Seqno), 10), e.Action.String()})
			}
			t.Render()
			return nil
		}

		t := newTable(out, "NODE", "ROUTER ID", "AREA", "L1", "L2", "PREFIXES", "STATIC")
		for _, n := range in.Topo.Nodes() {
			t.Append([]string{
				string(n.Id),
				n.RouterId.String(),
				n.Area,
				nodeRole(n, state.Level1),
				nodeRole(n, state.Level2),
				strconv.Itoa(len(n.Prefixes[state.Level1]) + len(n.Prefixes[state.Level2])),
				strconv.Itoa(len(n.StaticRoutes)),
			})
		}
		t.Render()

		for _, l := range state.Levels {
			parts := in.Topo.Partitions(l)
			fmt.Fprintf(out, "\n%s: %d partitions\n", l, len(parts))
			for _, p := range parts {
				names := make([]string, 0, len(p))
				for _, id := range p {
					names = append(names, string(id))
				}
				fmt.Fprintf(out, "  %s\n", strings.Join(names, ", "))
			}
		}

		st := in.Engine.Stats()
		fmt.Fprintf(out, "\nruns: L1 %d, L2 %d, inverse %d, backup %d, partial %d, rejected %d\n",
			st.Runs[state.Level1], st.Runs[state.Level2], st.Inverse, st.Backup, st.Partial, st.Rejected)
		return nil
	},
	GroupID: "inspect",
}

func nodeRole(n *state.Node, level state.Level) string {
	switch {
	case n.IsPseudonode(level):
		return "pseudonode"
	case n.IsOverloaded(level):
		return "overloaded"
	}
	return "router"
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectLsdb, "lsdb", "", "print the link state database of this router")
	inspectCmd.Flags().BoolVarP(&inspectScript, "script", "s", false, "apply the scripted changes first")
}

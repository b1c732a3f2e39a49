package cmd

import (
	"fmt"
	"strconv"

	"github.com/encodeous/spfsim/core"
	"github.com/encodeous/spfsim/state"
	"github.com/spf13/cobra"
)

var (
	spfLevel   string
	spfInverse bool
	spfTo      string
)

var spfCmd = &cobra.Command{
	Use:   "spf <node>",
	Short: "Print the shortest path tree of a router",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLevel(spfLevel)
		if err != nil {
			return err
		}
		_, in, err := loadInstance()
		if err != nil {
			return err
		}
		root, err := in.Topo.MustNode(state.NodeId(args[0]))
		if err != nil {
			return err
		}
		var run *core.SpfRun
		if spfInverse {
			run, err = in.Engine.RunInverse(root.Handle(), level)
		} else {
			run, err = in.Engine.Run(root.Handle(), level)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if spfTo != "" {
			dst, err := in.Topo.MustNode(state.NodeId(spfTo))
			if err != nil {
				return err
			}
			paths := core.Paths(run, dst.Handle())
			if len(paths) == 0 {
				return fmt.Errorf("%s is unreachable from %s at %s", dst.Id, root.Id, level)
			}
			fmt.Fprintf(out, "%d equal cost paths from %s to %s, metric %d\n", len(paths), root.Id, dst.Id, run.Metric(dst.Handle()))
			for _, p := range paths {
				fmt.Fprintf(out, "  %s\n", nodeNames(in.Topo, p))
			}
			return nil
		}

		table := newTable(out, "NODE", "METRIC", "PREDECESSORS", "NEXT HOPS", "LSP NEXT HOPS")
		for res := range run.Reachable() {
			n := in.Topo.Node(res.Node)
			name := string(n.Id)
			if n.IsPseudonode(level) {
				name += " (pn)"
			}
			if res.Truncated > 0 {
				name += fmt.Sprintf(" (+%d)", res.Truncated)
			}
			table.Append([]string{
				name,
				strconv.FormatUint(uint64(res.Metric), 10),
				nodeNames(in.Topo, res.Preds),
				nextHops(res.NextHops[core.IPNH]),
				nextHops(res.NextHops[core.LSPNH]),
			})
		}
		table.Render()
		fmt.Fprintf(out, "%d nodes settled in %s\n", run.Settled(), run.Duration)
		return nil
	},
	GroupID: "sim",
}

func init() {
	rootCmd.AddCommand(spfCmd)
	spfCmd.Flags().StringVarP(&spfLevel, "level", "l", "2", "level to compute")
	spfCmd.Flags().BoolVar(&spfInverse, "inverse", false, "compute distances towards the node instead")
	spfCmd.Flags().StringVar(&spfTo, "to", "", "list the equal cost paths to this node")
}

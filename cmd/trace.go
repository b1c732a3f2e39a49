package cmd

import (
	"fmt"

	"github.com/encodeous/spfsim/state"
	"github.com/spf13/cobra"
)

var traceScript bool

var traceCmd = &cobra.Command{
	Use:   "trace <src> <dst>",
	Short: "Walk the forwarding tables from a router towards an address",
	Long:  `Walks the inet.0 tables hop by hop. The destination is an address or a node id, standing for its router id.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, _, err := convergedInstance(traceScript)
		if err != nil {
			return err
		}
		dst, err := parseAddr(in, args[1])
		if err != nil {
			return err
		}
		res, err := in.Traceroute(state.NodeId(args[0]), dst)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.String())
		return nil
	},
	GroupID: "sim",
}

var pingCmd = &cobra.Command{
	Use:   "ping <src> <dst>",
	Short: "Trace to an address and back",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, _, err := convergedInstance(traceScript)
		if err != nil {
			return err
		}
		dst, err := parseAddr(in, args[1])
		if err != nil {
			return err
		}
		res, err := in.Ping(state.NodeId(args[0]), dst)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, res.Forward.String())
		if res.Return != nil {
			fmt.Fprintln(out, res.Return.String())
		}
		if !res.Ok() {
			return fmt.Errorf("%s cannot reach %s and back", args[0], dst)
		}
		fmt.Fprintln(out, "ok")
		return nil
	},
	GroupID: "sim",
}

func init() {
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(pingCmd)
	for _, c := range []*cobra.Command{traceCmd, pingCmd} {
		c.Flags().BoolVarP(&traceScript, "script", "s", false, "apply the scripted changes first")
	}
}
